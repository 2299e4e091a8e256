package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cbird527/ha-easystart-flex/ble"
)

type pollLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// stop cancels the loop and reports whether it exited within timeout.
func (p *pollLoop) stop(timeout time.Duration) bool {
	p.cancel()

	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// startPoll reads every counter on link each PollInterval until cancelled. Each tick takes the
// gate, so it never overlaps with connecting or teardown.
func (s *Supervisor) startPoll(link ble.Link) *pollLoop {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pollLoop{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()

		log.Debug().
			Stringer("Device", s.dev).
			Dur("Interval", s.opts.PollInterval).
			Msg("monitor: poll loop started")

		for {
			select {
			case <-ctx.Done():
				log.Debug().Stringer("Device", s.dev).Msg("monitor: poll loop stopped")
				return
			case <-ticker.C:
				s.pollOnce(ctx, link)
			}
		}
	}()

	return p
}

func (s *Supervisor) pollOnce(ctx context.Context, link ble.Link) {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.gate.Release(1)

	// the session may have been replaced while waiting for the gate.
	if s.link != link {
		return
	}

	proto := s.opts.Protocol

	for _, counter := range proto.Counters {
		if ctx.Err() != nil {
			return
		}

		var data []byte
		err := s.withTimeout(ctx, func(ctx context.Context) (err error) {
			data, err = link.Read(ctx, counter.Characteristic)
			return err
		})

		if err != nil {
			if ctx.Err() != nil {
				return
			}

			pollErrorsCounter.WithLabelValues(counter.Metric).Inc()
			log.Warn().
				Err(err).
				Stringer("Device", s.dev).
				Str("Metric", counter.Metric).
				Str("Reason", ble.ErrorReason(err)).
				Msg("monitor: failed to read counter, keeping previous value")
			continue
		}

		update, ok := proto.DecodeCounter(counter.Metric, data)
		if !ok {
			pollErrorsCounter.WithLabelValues(counter.Metric).Inc()
			log.Debug().
				Stringer("Device", s.dev).
				Str("Metric", counter.Metric).
				Hex("Data", data).
				Msg("monitor: could not decode counter, keeping previous value")
			continue
		}

		s.store.Set(update.Metric, update.Value)

		log.Trace().Stringer("Update", update).Msg("monitor: polled counter")
	}
}
