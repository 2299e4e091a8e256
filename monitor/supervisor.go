package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/cbird527/ha-easystart-flex/ble"
	"github.com/cbird527/ha-easystart-flex/device"
	"github.com/cbird527/ha-easystart-flex/telemetry"
	"github.com/cbird527/ha-easystart-flex/utils"
)

var (
	// All attempts of a connect sequence failed. Not fatal, monitoring can be requested again.
	ErrConnectSequenceExhausted = errors.New("connect sequence exhausted")
	// A pending connect sequence was aborted because monitoring got disabled.
	ErrMonitoringDisabled = errors.New("monitoring disabled")
	ErrAlreadyRunning = errors.New("supervisor already running")
)

// Transport opens links to peripherals. Implemented by *ble.Handle.
type Transport interface {
	Open(ctx context.Context, addr net.HardwareAddr, h ble.Handlers) (ble.Link, error)
}

// Supervisor keeps one logical session to a device: it connects on request, reconnects on its
// own after the link drops, polls counters while connected and decodes everything into a
// telemetry store.
//
// Every transport operation, connecting included, happens while holding the gate.
type Supervisor struct {
	dev       device.Device
	transport Transport
	store     *telemetry.Store
	opts      Options

	gate   *semaphore.Weighted
	flight singleflight.Group

	state  atomic.Int32
	states *utils.Broadcaster[State]

	// monitoring was requested and not revoked since.
	wanted  atomic.Bool
	running atomic.Bool

	// link losses coalesce into the highest lost generation, so none can be dropped.
	lostGen atomic.Uint64
	lost    chan struct{}
	retry   chan struct{}

	// guarded by gate.
	link    ble.Link
	linkGen uint64
	nextGen uint64
	// correlates the log lines of one established session.
	session string

	// guarded by mu, reachable without holding the gate so a disable can abort work in progress.
	mu         sync.Mutex
	cancelSeq  context.CancelFunc
	poll       *pollLoop
	retryTimer *time.Timer
}

func New(dev device.Device, transport Transport, store *telemetry.Store, opts Options) *Supervisor {
	if store == nil {
		store = telemetry.NewStore()
	}

	return &Supervisor{
		dev:       dev,
		transport: transport,
		store:     store,
		opts:      opts.withDefaults(),
		gate:      semaphore.NewWeighted(1),
		states:    utils.NewBroadcaster[State](),
		lost:      make(chan struct{}, 1),
		retry:     make(chan struct{}, 1),
	}
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Connected reports whether the session is currently established.
func (s *Supervisor) Connected() bool {
	return s.State() == Connected
}

// Monitoring reports whether monitoring is currently requested.
func (s *Supervisor) Monitoring() bool {
	return s.wanted.Load()
}

// Telemetry returns the last known values, also while disconnected.
func (s *Supervisor) Telemetry() telemetry.Snapshot {
	return s.store.Snapshot()
}

func (s *Supervisor) Store() *telemetry.Store {
	return s.store
}

// WatchState streams state transitions until ctx is done.
func (s *Supervisor) WatchState(ctx context.Context) <-chan State {
	return s.states.Watch(ctx, 16)
}

func (s *Supervisor) setState(new State) {
	old := State(s.state.Swap(int32(new)))

	if old == new {
		return
	}

	log.Debug().
		Stringer("Device", s.dev).
		Stringer("From", old).
		Stringer("To", new).
		Msg("monitor: session state changed")

	s.states.Publish(new)
}

// SetMonitoring connects (and keeps the session alive) or disconnects.
func (s *Supervisor) SetMonitoring(ctx context.Context, enabled bool) error {
	if enabled {
		return s.Connect(ctx)
	}

	return s.Disconnect(ctx)
}

// Connect runs a connect sequence unless already connected. Concurrent callers share the same
// sequence and its result. Cancelling ctx stops waiting without aborting the sequence.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.wanted.Store(true)
	s.stopRetry()

	return s.connect(ctx, "requested")
}

func (s *Supervisor) connect(ctx context.Context, reason string) error {
	for {
		ch := s.flight.DoChan("connect", func() (any, error) {
			return nil, s.runSequence(reason)
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-ch:
			// joined a sequence aborted by an earlier disable, but monitoring was requested again
			// since: run a fresh one.
			if errors.Is(res.Err, ErrMonitoringDisabled) && s.wanted.Load() {
				continue
			}

			return res.Err
		}
	}
}

func (s *Supervisor) runSequence(reason string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	s.cancelSeq = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cancelSeq = nil
		s.mu.Unlock()
	}()

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", ErrMonitoringDisabled, err)
	}
	defer s.gate.Release(1)

	if !s.wanted.Load() {
		return ErrMonitoringDisabled
	}

	if s.State() == Connected {
		return nil
	}

	err := s.connectLocked(ctx, reason)

	if errors.Is(err, ErrConnectSequenceExhausted) {
		s.scheduleRetry()
	}

	return err
}

// must hold the gate.
func (s *Supervisor) connectLocked(ctx context.Context, reason string) error {
	s.setState(Connecting)

	log.Info().
		Stringer("Device", s.dev).
		Str("Reason", reason).
		Int("MaxAttempts", s.opts.ConnectAttempts).
		Msg("monitor: starting connect sequence")

	var lastErr error
	attempts := 0

	for attempts < s.opts.ConnectAttempts {
		if attempts > 0 && s.opts.Backoff > 0 {
			log.Trace().Dur("Backoff", s.opts.Backoff).Msg("monitor: backing off before next attempt")

			select {
			case <-ctx.Done():
			case <-time.After(s.opts.Backoff):
			}
		}

		if ctx.Err() != nil || !s.wanted.Load() {
			s.setState(Disconnected)
			return fmt.Errorf("%w: connect sequence aborted after %d attempts", ErrMonitoringDisabled, attempts)
		}

		attempts += 1
		connectAttemptsCounter.Inc()

		log.Debug().
			Stringer("Device", s.dev).
			Int("Attempt", attempts).
			Int("MaxAttempts", s.opts.ConnectAttempts).
			Msg("monitor: connect attempt")

		err := s.attempt(ctx)

		if err == nil {
			s.setState(Connected)

			log.Info().
				Stringer("Device", s.dev).
				Str("Session", s.session).
				Int("Attempt", attempts).
				Msg("monitor: connected to device")

			return nil
		}

		lastErr = err

		log.Warn().
			Err(err).
			Stringer("Device", s.dev).
			Str("Reason", ble.ErrorReason(err)).
			Int("Attempt", attempts).
			Int("AttemptsLeft", s.opts.ConnectAttempts - attempts).
			Msg("monitor: connect attempt failed")
	}

	s.setState(Disconnected)
	exhaustedSequencesCounter.Inc()

	log.Error().
		Err(lastErr).
		Stringer("Device", s.dev).
		Int("Attempts", attempts).
		Msg("monitor: could not connect to device, giving up for now")

	return fmt.Errorf("%w: %d attempts to reach %v failed: %w",
		ErrConnectSequenceExhausted, attempts, s.dev.Addr(), lastErr)
}

// must hold the gate.
func (s *Supervisor) attempt(ctx context.Context) error {
	s.nextGen += 1
	gen := s.nextGen

	link, err := s.transport.Open(ctx, s.dev.Addr(), ble.Handlers{
		Notification: s.handleNotification,
		Disconnected: func() {
			s.linkLost(gen)
		},
	})

	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	proto := s.opts.Protocol

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return link.Subscribe(ctx, proto.NotifyCharacteristic)
	}); err != nil {
		link.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return link.Write(ctx, proto.EnableCharacteristic, proto.EnableCommand)
	}); err != nil {
		link.Close()
		return fmt.Errorf("enable: %w", err)
	}

	// the sequence got aborted while the link came up.
	if err := ctx.Err(); err != nil {
		link.Close()
		return fmt.Errorf("open: %w", err)
	}

	s.link = link
	s.linkGen = gen
	s.session = uuid.NewString()

	s.mu.Lock()
	s.poll = s.startPoll(link)
	s.mu.Unlock()

	return nil
}

func (s *Supervisor) withTimeout(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	return op(ctx)
}

func (s *Supervisor) handleNotification(id ble.UUID, data []byte) {
	if !id.Equal(s.opts.Protocol.NotifyCharacteristic) {
		log.Trace().Stringer("Characteristic", id).Msg("monitor: ignoring notification")
		return
	}

	notificationsCounter.Inc()

	updates := s.opts.Protocol.DecodeNotification(data)
	s.store.Apply(updates)

	log.Trace().
		Hex("Data", data).
		Array("Updates", utils.ToZeroLogArray(updates)).
		Msg("monitor: decoded notification")
}

// linkLost never blocks: it runs on the transport's goroutine.
func (s *Supervisor) linkLost(gen uint64) {
	for {
		cur := s.lostGen.Load()
		if gen <= cur {
			break
		}
		if s.lostGen.CompareAndSwap(cur, gen) {
			break
		}
	}

	wake(s.lost)
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
		// a wakeup is already pending.
	}
}

// Disconnect stops monitoring: aborts a pending connect sequence, stops polling and closes the
// link. Safe to call when already disconnected.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.wanted.Store(false)
	s.stopRetry()

	s.mu.Lock()
	if s.cancelSeq != nil {
		s.cancelSeq()
	}
	if s.poll != nil {
		s.poll.cancel()
	}
	s.mu.Unlock()

	if err := s.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.gate.Release(1)

	if s.link != nil {
		log.Info().Stringer("Device", s.dev).Str("Session", s.session).Msg("monitor: disconnecting from device")
	}

	s.teardownLocked()

	return nil
}

// must hold the gate.
func (s *Supervisor) teardownLocked() {
	s.mu.Lock()
	poll := s.poll
	s.poll = nil
	s.mu.Unlock()

	if poll != nil && !poll.stop(s.opts.PollStopTimeout) {
		log.Warn().
			Dur("Timeout", s.opts.PollStopTimeout).
			Msg("monitor: poll loop did not stop in time, abandoning it")
	}

	if s.link != nil {
		if err := s.link.Close(); err != nil {
			log.Warn().Err(err).Stringer("Device", s.dev).Msg("monitor: failed to close link")
		}

		s.link = nil
		s.linkGen = 0
		s.session = ""
	}

	s.setState(Disconnected)
}

// Run processes link losses and scheduled retries until ctx is done, then disconnects. Without
// a running Run the session does not heal itself.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	defer s.running.Store(false)

	log.Debug().Stringer("Device", s.dev).Msg("monitor: supervisor started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Stringer("Device", s.dev).Msg("monitor: supervisor shutting down")

			closeCtx, cancel := context.WithTimeout(context.Background(), s.opts.PollStopTimeout + s.opts.OperationTimeout)
			err := s.Disconnect(closeCtx)
			cancel()

			return err
		case <-s.lost:
			s.handleLinkLost(ctx, s.lostGen.Load())
		case <-s.retry:
			s.selfHeal(ctx, "scheduled retry")
		}
	}
}

func (s *Supervisor) handleLinkLost(ctx context.Context, gen uint64) {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return
	}

	if s.link == nil || s.linkGen != gen {
		s.gate.Release(1)

		log.Trace().Uint64("Generation", gen).Msg("monitor: ignoring disconnect of a stale link")
		return
	}

	linkLostCounter.Inc()
	log.Warn().Stringer("Device", s.dev).Str("Session", s.session).Msg("monitor: lost connection to device")

	s.teardownLocked()
	s.gate.Release(1)

	s.selfHeal(ctx, "link lost")
}

// selfHeal re-enters the connect sequence if monitoring is still wanted. Runs without the gate.
func (s *Supervisor) selfHeal(ctx context.Context, reason string) {
	if !s.wanted.Load() {
		return
	}

	err := s.connect(ctx, reason)

	if err != nil && !errors.Is(err, ErrMonitoringDisabled) && ctx.Err() == nil {
		log.Warn().Err(err).Stringer("Device", s.dev).Str("Reason", reason).Msg("monitor: reconnect failed")
	}
}

func (s *Supervisor) scheduleRetry() {
	if s.opts.ReconnectInterval < 0 || !s.wanted.Load() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}

	log.Info().
		Dur("In", s.opts.ReconnectInterval).
		Stringer("Device", s.dev).
		Msg("monitor: scheduling another connect sequence")

	s.retryTimer = time.AfterFunc(s.opts.ReconnectInterval, func() {
		wake(s.retry)
	})
}

func (s *Supervisor) stopRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}
