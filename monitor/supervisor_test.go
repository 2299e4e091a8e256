package monitor_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cbird527/ha-easystart-flex/ble"
	"github.com/cbird527/ha-easystart-flex/device"
	"github.com/cbird527/ha-easystart-flex/device/easystart"
	"github.com/cbird527/ha-easystart-flex/monitor"
	"github.com/cbird527/ha-easystart-flex/telemetry"
)

type fakeTransport struct {
	mu        sync.Mutex
	opens     int
	failFirst int
	openErr   error
	openDelay time.Duration
	// Open sits out openDelay even once ctx is done.
	ignoreCancel bool
	// Read blocks until its ctx is done.
	blockReads bool
	links        []*fakeLink
	values       map[string][]byte

	reads atomic.Int32

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{values: map[string][]byte{}}
}

func (t *fakeTransport) enter() {
	n := t.inFlight.Add(1)

	for {
		max := t.maxInFlight.Load()
		if n <= max || t.maxInFlight.CompareAndSwap(max, n) {
			return
		}
	}
}

func (t *fakeTransport) leave() {
	t.inFlight.Add(-1)
}

func (t *fakeTransport) Open(ctx context.Context, addr net.HardwareAddr, h ble.Handlers) (ble.Link, error) {
	t.enter()
	defer t.leave()

	t.mu.Lock()
	t.opens += 1
	n := t.opens
	delay := t.openDelay
	ignoreCancel := t.ignoreCancel
	t.mu.Unlock()

	if delay > 0 && ignoreCancel {
		time.Sleep(delay)
	} else if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.openErr != nil {
		return nil, t.openErr
	}

	if n <= t.failFirst {
		return nil, ble.ErrTimeout
	}

	l := &fakeLink{transport: t, handlers: h}
	t.links = append(t.links, l)

	return l, nil
}

func (t *fakeTransport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.opens
}

func (t *fakeTransport) LastLink() *fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.links) == 0 {
		return nil
	}

	return t.links[len(t.links) - 1]
}

func (t *fakeTransport) SetValue(id ble.UUID, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if data == nil {
		delete(t.values, id.String())
	} else {
		t.values[id.String()] = data
	}
}

type fakeLink struct {
	transport *fakeTransport
	handlers  ble.Handlers

	closes  atomic.Int32
	dropped atomic.Bool
	writes  [][]byte
}

func (l *fakeLink) Read(ctx context.Context, id ble.UUID) ([]byte, error) {
	l.transport.enter()
	defer l.transport.leave()

	l.transport.reads.Add(1)

	l.transport.mu.Lock()
	defer l.transport.mu.Unlock()

	if l.transport.blockReads {
		l.transport.mu.Unlock()
		<-ctx.Done()
		l.transport.mu.Lock()
		return nil, ctx.Err()
	}

	if data, ok := l.transport.values[id.String()]; ok {
		return data, nil
	}

	return nil, ble.ErrNotFound
}

func (l *fakeLink) Write(ctx context.Context, id ble.UUID, data []byte) error {
	l.transport.enter()
	defer l.transport.leave()

	l.writes = append(l.writes, data)
	return nil
}

func (l *fakeLink) Subscribe(ctx context.Context, id ble.UUID) error {
	l.transport.enter()
	defer l.transport.leave()

	return nil
}

func (l *fakeLink) Close() error {
	l.closes.Add(1)
	return nil
}

func (l *fakeLink) Notify(data []byte) {
	l.handlers.Notification(easystart.NotifyCharacteristic, data)
}

// Drop simulates the peripheral going away.
func (l *fakeLink) Drop() {
	if l.dropped.CompareAndSwap(false, true) {
		go l.handlers.Disconnected()
	}
}

func testDevice(t *testing.T) device.Device {
	d, err := (&easystart.Factory{}).FromSpec(device.NewDeviceSpec("addr=aa:bb:cc:dd:ee:ff,name=test"))
	require.NoError(t, err)

	return d
}

func testOptions() monitor.Options {
	return monitor.Options{
		ConnectAttempts:   3,
		Backoff:           time.Millisecond,
		PollInterval:      time.Hour,
		OperationTimeout:  time.Second,
		ReconnectInterval: -1,
		PollStopTimeout:   time.Second,
	}
}

func runSupervisor(t *testing.T, s *monitor.Supervisor) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- s.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancellation")
		}
	})
}

func nextState(t *testing.T, ch <-chan monitor.State) monitor.State {
	select {
	case st := <-ch:
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for state transition")
		return monitor.Disconnected
	}
}

func TestConnect_ConcurrentCallersShareOneSequence(t *testing.T) {
	tr := newFakeTransport()
	tr.openDelay = 50 * time.Millisecond
	s := monitor.New(testDevice(t), tr, nil, testOptions())

	var wg sync.WaitGroup
	errs := make([]error, 10)

	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Connect(context.Background())
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "caller %d", i)
	}

	assert.Equal(t, 1, tr.Opens())
	assert.EqualValues(t, 1, tr.maxInFlight.Load())
	assert.Equal(t, monitor.Connected, s.State())
	assert.True(t, s.Connected())
	assert.True(t, s.Monitoring())

	link := tr.LastLink()
	require.NotNil(t, link)
	assert.Equal(t, [][]byte{easystart.EnableCommand}, link.writes)

	// already connected: a no-op.
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 1, tr.Opens())
}

func TestConnect_ExhaustedSequenceReachesEveryCaller(t *testing.T) {
	tr := newFakeTransport()
	tr.openErr = ble.ErrTimeout
	tr.openDelay = 10 * time.Millisecond
	s := monitor.New(testDevice(t), tr, nil, testOptions())

	var wg sync.WaitGroup
	errs := make([]error, 5)

	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Connect(context.Background())
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		require.Error(t, err, "caller %d", i)
		assert.ErrorIs(t, err, monitor.ErrConnectSequenceExhausted)
		assert.ErrorIs(t, err, ble.ErrTimeout)
	}

	assert.Equal(t, 3, tr.Opens())
	assert.EqualValues(t, 1, tr.maxInFlight.Load())
	assert.Equal(t, monitor.Disconnected, s.State())

	// not terminal: a later request starts a fresh sequence.
	tr.mu.Lock()
	tr.openErr = nil
	tr.mu.Unlock()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 4, tr.Opens())
	assert.Equal(t, monitor.Connected, s.State())
}

func TestConnect_RetriesWithinBudget(t *testing.T) {
	tr := newFakeTransport()
	tr.failFirst = 2
	s := monitor.New(testDevice(t), tr, nil, testOptions())

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 3, tr.Opens())
	assert.Equal(t, monitor.Connected, s.State())
}

func TestConnect_CallerContextOnlyStopsWaiting(t *testing.T) {
	tr := newFakeTransport()
	tr.openDelay = 100 * time.Millisecond
	s := monitor.New(testDevice(t), tr, nil, testOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 10 * time.Millisecond)
	defer cancel()

	err := s.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, s.Connected, 2 * time.Second, 5 * time.Millisecond)
	assert.Equal(t, 1, tr.Opens())
}

func TestDisconnect_AbortsPendingSequence(t *testing.T) {
	tr := newFakeTransport()
	tr.openErr = ble.ErrLinkLost
	opts := testOptions()
	opts.Backoff = time.Hour
	s := monitor.New(testDevice(t), tr, nil, opts)

	result := make(chan error, 1)
	go func() {
		result <- s.Connect(context.Background())
	}()

	require.Eventually(t, func() bool { return tr.Opens() == 1 }, 2 * time.Second, time.Millisecond)

	require.NoError(t, s.Disconnect(context.Background()))

	select {
	case err := <-result:
		assert.ErrorIs(t, err, monitor.ErrMonitoringDisabled)
	case <-time.After(5 * time.Second):
		t.Fatal("connect sequence was not aborted")
	}

	assert.Equal(t, 1, tr.Opens())
	assert.Equal(t, monitor.Disconnected, s.State())
	assert.False(t, s.Monitoring())
}

func TestConnect_ReenabledWhileAbortedSequenceUnwinds(t *testing.T) {
	tr := newFakeTransport()
	tr.openDelay = 200 * time.Millisecond
	tr.ignoreCancel = true
	s := monitor.New(testDevice(t), tr, nil, testOptions())
	runSupervisor(t, s)

	first := make(chan error, 1)
	go func() {
		first <- s.Connect(context.Background())
	}()

	require.Eventually(t, func() bool { return tr.Opens() == 1 }, 2 * time.Second, time.Millisecond)

	disconnected := make(chan error, 1)
	go func() {
		disconnected <- s.Disconnect(context.Background())
	}()

	require.Eventually(t, func() bool { return !s.Monitoring() }, 2 * time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Connect(context.Background()))
	assert.NoError(t, <-first)
	assert.NoError(t, <-disconnected)

	assert.True(t, s.Monitoring())
	assert.Equal(t, monitor.Connected, s.State())
	assert.Equal(t, 2, tr.Opens())
	assert.EqualValues(t, 1, tr.maxInFlight.Load())
}

func TestSupervisor_SelfHealsAfterLinkLoss(t *testing.T) {
	tr := newFakeTransport()
	s := monitor.New(testDevice(t), tr, nil, testOptions())
	runSupervisor(t, s)

	require.NoError(t, s.Connect(context.Background()))
	first := tr.LastLink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states := s.WatchState(ctx)

	first.Drop()

	assert.Equal(t, monitor.Disconnected, nextState(t, states))
	assert.Equal(t, monitor.Connecting, nextState(t, states))
	assert.Equal(t, monitor.Connected, nextState(t, states))

	assert.Equal(t, 2, tr.Opens())
	assert.EqualValues(t, 1, first.closes.Load())
	assert.NotSame(t, first, tr.LastLink())

	// the gate is free again.
	require.NoError(t, s.Disconnect(context.Background()))
	assert.Equal(t, monitor.Disconnected, nextState(t, states))
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, 3, tr.Opens())
}

func TestSupervisor_LossOfReplacedLinkIsIgnored(t *testing.T) {
	tr := newFakeTransport()
	s := monitor.New(testDevice(t), tr, nil, testOptions())
	runSupervisor(t, s)

	require.NoError(t, s.Connect(context.Background()))
	old := tr.LastLink()

	require.NoError(t, s.Disconnect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, 2, tr.Opens())

	old.Drop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, tr.Opens())
	assert.Equal(t, monitor.Connected, s.State())
	assert.EqualValues(t, 0, tr.LastLink().closes.Load())
}

func TestSupervisor_LinkLossSurvivesBacklog(t *testing.T) {
	tr := newFakeTransport()
	s := monitor.New(testDevice(t), tr, nil, testOptions())

	// nobody is consuming events yet: pile up losses of links that are already gone.
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Connect(context.Background()))
		link := tr.LastLink()
		require.NoError(t, s.Disconnect(context.Background()))
		link.Drop()
	}

	require.NoError(t, s.Connect(context.Background()))
	tr.LastLink().Drop()

	runSupervisor(t, s)

	assert.Eventually(t, func() bool {
		return tr.Opens() == 22 && s.Connected()
	}, 2 * time.Second, 5 * time.Millisecond)
}

func TestSupervisor_ExplicitDisconnectDoesNotReconnect(t *testing.T) {
	tr := newFakeTransport()
	s := monitor.New(testDevice(t), tr, nil, testOptions())
	runSupervisor(t, s)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Disconnect(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.Opens())
	assert.Equal(t, monitor.Disconnected, s.State())
}

func TestSupervisor_ScheduledRetryAfterExhaustion(t *testing.T) {
	tr := newFakeTransport()
	tr.failFirst = 2
	opts := testOptions()
	opts.ConnectAttempts = 2
	opts.ReconnectInterval = 20 * time.Millisecond
	s := monitor.New(testDevice(t), tr, nil, opts)
	runSupervisor(t, s)

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, monitor.ErrConnectSequenceExhausted)

	assert.Eventually(t, s.Connected, 2 * time.Second, 5 * time.Millisecond)
	assert.Equal(t, 3, tr.Opens())
}

func TestDisconnect_Idempotent(t *testing.T) {
	tr := newFakeTransport()
	s := monitor.New(testDevice(t), tr, nil, testOptions())

	require.NoError(t, s.Disconnect(context.Background()))

	require.NoError(t, s.Connect(context.Background()))
	link := tr.LastLink()

	require.NoError(t, s.SetMonitoring(context.Background(), false))
	require.NoError(t, s.SetMonitoring(context.Background(), false))

	assert.EqualValues(t, 1, link.closes.Load())
	assert.Equal(t, monitor.Disconnected, s.State())
}

func TestTelemetry_NotificationsAndStaleReads(t *testing.T) {
	tr := newFakeTransport()
	store := telemetry.NewStore()
	s := monitor.New(testDevice(t), tr, store, testOptions())

	assert.Empty(t, s.Telemetry())

	require.NoError(t, s.Connect(context.Background()))

	tr.LastLink().Notify([]byte{18, 0x07, 0x01, 0x2c, 125, 60, 40, 3})
	tr.LastLink().Notify([]byte{16})

	snap := s.Telemetry()
	assert.Equal(t, telemetry.Text(easystart.StatusIdle), snap[easystart.MetricStatus])
	assert.Equal(t, telemetry.Code(7), snap[easystart.MetricDiagnosticCode])
	assert.Equal(t, telemetry.Count(300), snap[easystart.MetricRuntimeHours])
	assert.Equal(t, telemetry.Decimal(12.5), snap[easystart.MetricLiveCurrent])
	assert.Equal(t, telemetry.Count(3), snap[easystart.MetricSCPTDelay])

	require.NoError(t, s.Disconnect(context.Background()))

	assert.Equal(t, snap, s.Telemetry())
	assert.Same(t, store, s.Store())
}

func TestPoll_UpdatesCountersAndKeepsValuesOnError(t *testing.T) {
	tr := newFakeTransport()
	tr.SetValue(easystart.TotalStartsCharacteristic, []byte{0x00, 0x00, 0x01, 0x00})
	tr.SetValue(easystart.FaultCodeCharacteristic, []byte{0x05})
	opts := testOptions()
	opts.PollInterval = 5 * time.Millisecond
	s := monitor.New(testDevice(t), tr, nil, opts)

	require.NoError(t, s.Connect(context.Background()))

	require.Eventually(t, func() bool {
		v, ok := s.Telemetry().Get(easystart.MetricTotalStarts)
		return ok && v == telemetry.Count(256)
	}, 2 * time.Second, 5 * time.Millisecond)

	assert.Equal(t, telemetry.Code(5), s.Telemetry()[easystart.MetricFaultCode])

	_, ok := s.Telemetry().Get(easystart.MetricTotalFaults)
	assert.False(t, ok, "unreadable counter must stay absent")

	tr.SetValue(easystart.TotalStartsCharacteristic, nil)
	tr.SetValue(easystart.FaultCodeCharacteristic, []byte{})
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, telemetry.Count(256), s.Telemetry()[easystart.MetricTotalStarts])
	assert.Equal(t, telemetry.Code(5), s.Telemetry()[easystart.MetricFaultCode])

	require.NoError(t, s.Disconnect(context.Background()))
	assert.EqualValues(t, 1, tr.maxInFlight.Load())
}

func TestDisconnect_NotBlockedByInFlightRead(t *testing.T) {
	tr := newFakeTransport()
	tr.blockReads = true
	tr.SetValue(easystart.TotalStartsCharacteristic, []byte{0x01})
	opts := testOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.OperationTimeout = time.Hour
	s := monitor.New(testDevice(t), tr, nil, opts)

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool { return tr.reads.Load() > 0 }, 2 * time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Disconnect(context.Background()))
	assert.Less(t, time.Since(start), 500 * time.Millisecond)

	assert.Equal(t, monitor.Disconnected, s.State())
	assert.EqualValues(t, 0, tr.inFlight.Load())

	reads := tr.reads.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, reads, tr.reads.Load(), "poll loop kept reading after disconnect")

	_, ok := s.Telemetry().Get(easystart.MetricTotalStarts)
	assert.False(t, ok)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Connecting", monitor.Connecting.String())
	assert.Equal(t, "State(7)", monitor.State(7).String())
}
