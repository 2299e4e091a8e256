package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cbird527/ha-easystart-flex/utils"
	"golang.org/x/exp/maps"
)

// Snapshot is a point-in-time copy of the store. Callers own it.
type Snapshot map[string]Value

// Get returns the value for metric, if any value was ever recorded.
func (s Snapshot) Get(metric string) (Value, bool) {
	v, ok := s[metric]
	return v, ok
}

type entry struct {
	Value
	updated time.Time
}

// Store maps metric names to their last known value. Writes are last-write-wins per metric and
// independent from each other; reads never take a lock shared with writers.
//
// Values are never deleted: after a disconnect the store keeps serving the last known reading.
type Store struct {
	values sync.Map // string -> entry

	updates *utils.Broadcaster[Update]
}

func NewStore() *Store {
	return &Store{
		updates: utils.NewBroadcaster[Update](),
	}
}

func (s *Store) Set(metric string, v Value) {
	s.values.Store(metric, entry{Value: v, updated: time.Now()})
	s.updates.Publish(Update{Metric: metric, Value: v})
}

// Apply records every update in order.
func (s *Store) Apply(updates []Update) {
	for _, u := range updates {
		s.Set(u.Metric, u.Value)
	}
}

func (s *Store) Get(metric string) (Value, bool) {
	e, ok := s.values.Load(metric)

	if !ok {
		return Value{}, false
	}

	return e.(entry).Value, true
}

// UpdatedAt returns when metric was last written.
func (s *Store) UpdatedAt(metric string) (time.Time, bool) {
	e, ok := s.values.Load(metric)

	if !ok {
		return time.Time{}, false
	}

	return e.(entry).updated, true
}

func (s *Store) Snapshot() Snapshot {
	out := make(Snapshot)

	s.values.Range(func(k, v any) bool {
		out[k.(string)] = v.(entry).Value
		return true
	})

	return out
}

// Names lists the metrics with a known value, sorted.
func (s *Store) Names() []string {
	names := maps.Keys(s.Snapshot())
	sort.Strings(names)

	return names
}

// Watch streams every update written after the call until ctx is done. Slow watchers miss
// updates instead of blocking writers.
func (s *Store) Watch(ctx context.Context, buffer int) <-chan Update {
	return s.updates.Watch(ctx, buffer)
}
