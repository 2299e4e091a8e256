package ble

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-ble/ble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDialAttempts       = 5
	DefaultConnectTimeout     = 30 * time.Second
	DefaultDialBackoff        = 500 * time.Millisecond
	DefaultNotificationBuffer = 32
	DefaultCloseTimeout       = 5 * time.Second
)

var (
	successfulConnectionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easystart_exporter_ble_successful_connections_total",
	})
	failedConnectionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easystart_exporter_ble_failed_connections_total",
	}, []string{"reason"})
	disconnectsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easystart_exporter_ble_disconnections_total",
	})
	droppedNotificationsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easystart_exporter_ble_dropped_notifications_total",
	})
	operationErrorsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easystart_exporter_ble_operation_errors_total",
	}, []string{"op", "reason"})
)

// Dialer establishes the physical connection. ble.Dial in production.
type Dialer func(ctx context.Context, addr ble.Addr) (ble.Client, error)

type OpenOptions struct {
	// Dial sub-attempts within one Open.
	DialAttempts int
	// Bound for the whole Open, presence scan included.
	ConnectTimeout time.Duration
	// Exponential backoff factor between dial sub-attempts.
	DialBackoff time.Duration
	// Presence scan before dialing. Zero disables it.
	ScanTimeout time.Duration
	// Frames buffered between the BLE stack and the notification handler.
	NotificationBuffer int
	CloseTimeout time.Duration
}

func (o OpenOptions) withDefaults() OpenOptions {
	if o.DialAttempts <= 0 {
		o.DialAttempts = DefaultDialAttempts
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.DialBackoff < 0 {
		o.DialBackoff = 0
	} else if o.DialBackoff == 0 {
		o.DialBackoff = DefaultDialBackoff
	}
	if o.NotificationBuffer <= 0 {
		o.NotificationBuffer = DefaultNotificationBuffer
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}

	return o
}

// Handlers receive asynchronous events for one link.
type Handlers struct {
	// Called once per frame, in arrival order, never concurrently with itself.
	Notification func(id UUID, data []byte)
	// Called at most once when the link drops. Not called after Close().
	Disconnected func()
}

// Link is an established connection to a peripheral.
type Link interface {
	Read(ctx context.Context, id UUID) ([]byte, error)
	Write(ctx context.Context, id UUID, data []byte) error
	// Subscribe delivers notifications (or indications) from id to Handlers.Notification.
	Subscribe(ctx context.Context, id UUID) error
	Close() error
}

// Doubles the delay after every failed dial, without jitter.
func dialBackOff(opts OpenOptions) backoff.BackOff {
	if opts.DialBackoff <= 0 {
		return &backoff.ZeroBackOff{}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.DialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = opts.ConnectTimeout

	return bo
}

// Open connects to addr, retrying the dial up to Options.DialAttempts times, and discovers the
// peripheral's profile. The whole operation fails with ErrTimeout after Options.ConnectTimeout.
func (h *Handle) Open(parentCtx context.Context, addr net.HardwareAddr, handlers Handlers) (Link, error) {
	opts := h.Options.withDefaults()

	ctx, cancel := context.WithTimeout(parentCtx, opts.ConnectTimeout)
	defer cancel()

	if opts.ScanTimeout > 0 && h.dev != nil {
		scanCtx, cancelScan := context.WithTimeout(ctx, opts.ScanTimeout)
		_, err := h.FindAddress(scanCtx, addr)
		cancelScan()

		if err != nil {
			err = transportError(ctx, "scan", err)
			failedConnectionsCounter.WithLabelValues(ErrorReason(err)).Inc()
			return nil, err
		}
	}

	attempt := 0
	dialOnce := func() (ble.Client, error) {
		attempt += 1
		return h.dial(ctx, addr)
	}

	client, err := backoff.Retry(ctx, dialOnce,
		backoff.WithBackOff(dialBackOff(opts)),
		backoff.WithMaxTries(uint(opts.DialAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().
				Err(err).
				Stringer("Addr", addr).
				Int("Attempt", attempt).
				Int("MaxAttempts", opts.DialAttempts).
				Dur("Backoff", next).
				Msg("ble: dial attempt failed")
		}),
	)

	if err != nil {
		err = transportError(ctx, "dial", err)
		failedConnectionsCounter.WithLabelValues(ErrorReason(err)).Inc()
		return nil, fmt.Errorf("failed to connect to %v: %w", addr, err)
	}

	l, err := newLink(ctx, addr, client, handlers, opts)

	if err != nil {
		failedConnectionsCounter.WithLabelValues(ErrorReason(err)).Inc()
		client.CancelConnection()
		return nil, err
	}

	successfulConnectionsCounter.Inc()
	log.Debug().Stringer("Addr", addr).Msg("ble: successfully opened new connection to device")

	h.track(l)
	l.start()

	return l, nil
}

func (h *Handle) track(l *link) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.links == nil {
		h.links = make(map[string]*link)
	}

	key := l.addr.String()

	if old := h.links[key]; old != nil && old != l {
		log.Warn().Stringer("Addr", l.addr).Msg("ble: replacing a link that was never closed")
		go old.Close()
	}

	h.links[key] = l

	l.onRelease = func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if h.links[key] == l {
			delete(h.links, key)
		}
	}
}

// Close every open link.
func (h *Handle) DisconnectAll() {
	h.mu.Lock()
	links := make([]*link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()

	for _, l := range links {
		l.Close()
	}
}
