package ble

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/go-ble/ble"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type notification struct {
	id   UUID
	data []byte
}

type link struct {
	addr     net.HardwareAddr
	client   ble.Client
	handlers Handlers
	opts     OpenOptions

	// characteristics by normalized UUID
	chars map[string]*ble.Characteristic

	frames chan notification
	done   chan struct{}
	closed atomic.Bool

	// removes the link from the owning Handle. Set before start().
	onRelease func()
}

func newLink(
	ctx context.Context,
	addr net.HardwareAddr,
	client ble.Client,
	handlers Handlers,
	opts OpenOptions,
) (*link, error) {
	profile, err := withContext(ctx, nil, func() (*ble.Profile, error) {
		return client.DiscoverProfile(true)
	})

	if err != nil {
		return nil, fmt.Errorf("cannot discover profile for device: %w", transportError(ctx, "discover", err))
	}

	l := &link{
		addr:     addr,
		client:   client,
		handlers: handlers,
		opts:     opts,
		chars:    make(map[string]*ble.Characteristic),
		frames:   make(chan notification, opts.NotificationBuffer),
		done:     make(chan struct{}),
	}

	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			l.chars[normalizeUUID(char.UUID).String()] = char

			log.Trace().
				Stringer("Addr", addr).
				Stringer("Service", svc.UUID).
				Stringer("Characteristic", char.UUID).
				Int("Property", int(char.Property)).
				Msg("ble: discovered characteristic")
		}
	}

	return l, nil
}

func (l *link) start() {
	go l.dispatch()
	go l.watch()
}

// serialize frames coming in from the BLE stack so a slow handler never stalls it.
func (l *link) dispatch() {
	for {
		select {
		case <-l.done:
			return
		case n := <-l.frames:
			if l.handlers.Notification != nil {
				l.handlers.Notification(n.id, n.data)
			}
		}
	}
}

func (l *link) watch() {
	select {
	case <-l.done:
		return
	case <-l.client.Disconnected():
	}

	if !l.closed.CompareAndSwap(false, true) {
		// raced with Close(), which is not a link loss.
		return
	}

	close(l.done)
	l.release()

	disconnectsCounter.Inc()
	log.Debug().Stringer("Addr", l.addr).Msg("ble: connection with device dropped")

	if l.handlers.Disconnected != nil {
		l.handlers.Disconnected()
	}
}

func (l *link) release() {
	if l.onRelease != nil {
		l.onRelease()
	}
}

func (l *link) enqueue(id UUID, data []byte) {
	n := notification{
		id:   id,
		data: append([]byte(nil), data...),
	}

	select {
	case <-l.done:
	case l.frames <- n:
	default:
		droppedNotificationsCounter.Inc()
		log.Warn().
			Stringer("Addr", l.addr).
			Stringer("Characteristic", id).
			Msg("ble: notification buffer full, dropping frame")
	}
}

func (l *link) lookup(id UUID, props ble.Property) (*ble.Characteristic, error) {
	c := l.chars[normalizeUUID(id).String()]

	if c == nil {
		return nil, pkgerrors.Wrapf(ErrNotFound, "characteristic %v", id)
	}

	if c.Property & props == 0 {
		return nil, pkgerrors.Wrapf(ErrUnsupported, "characteristic %v (properties 0x%02x)", id, int(c.Property))
	}

	return c, nil
}

func (l *link) Read(ctx context.Context, id UUID) ([]byte, error) {
	c, err := l.lookup(id, ble.CharRead)
	if err != nil {
		return nil, err
	}

	data, err := withContext(ctx, l.done, func() ([]byte, error) {
		return l.client.ReadCharacteristic(c)
	})

	if err != nil {
		return nil, l.opError(ctx, "read", id, err)
	}

	return data, nil
}

func (l *link) Write(ctx context.Context, id UUID, data []byte) error {
	c, err := l.lookup(id, ble.CharWrite | ble.CharWriteNR)
	if err != nil {
		return err
	}

	noRsp := c.Property & ble.CharWrite == 0

	_, err = withContext(ctx, l.done, func() (struct{}, error) {
		return struct{}{}, l.client.WriteCharacteristic(c, data, noRsp)
	})

	if err != nil {
		return l.opError(ctx, "write", id, err)
	}

	return nil
}

func (l *link) Subscribe(ctx context.Context, id UUID) error {
	c, err := l.lookup(id, ble.CharNotify | ble.CharIndicate)
	if err != nil {
		return err
	}

	indicate := c.Property & ble.CharNotify == 0

	_, err = withContext(ctx, l.done, func() (struct{}, error) {
		return struct{}{}, l.client.Subscribe(c, indicate, func(data []byte) {
			l.enqueue(id, data)
		})
	})

	if err != nil {
		return l.opError(ctx, "subscribe", id, err)
	}

	log.Debug().
		Stringer("Addr", l.addr).
		Stringer("Characteristic", id).
		Bool("Indicate", indicate).
		Msg("ble: subscribed to characteristic")

	return nil
}

func (l *link) opError(ctx context.Context, op string, id UUID, err error) error {
	if l.closed.Load() && !errors.Is(err, ErrLinkLost) {
		err = fmt.Errorf("%w: %w", ErrLinkLost, err)
	}

	err = transportError(ctx, op, err)
	operationErrorsCounter.WithLabelValues(op, ErrorReason(err)).Inc()

	return fmt.Errorf("%s %v: %w", op, id, err)
}

// Close tears the link down. It never fires Handlers.Disconnected and is safe to call twice.
func (l *link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(l.done)
	l.release()

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.CloseTimeout)
	defer cancel()

	_, err := withContext(ctx, nil, func() (struct{}, error) {
		if err := l.client.ClearSubscriptions(); err != nil {
			log.Debug().Err(err).Stringer("Addr", l.addr).Msg("ble: failed to clear subscriptions")
		}

		return struct{}{}, l.client.CancelConnection()
	})

	if err != nil {
		return fmt.Errorf("failed to close connection to %v: %w", l.addr, transportError(ctx, "close", err))
	}

	log.Debug().Stringer("Addr", l.addr).Msg("ble: connection closed")

	return nil
}

type result[T any] struct {
	v   T
	err error
}

// withContext runs fn, which knows nothing about contexts, and gives up on it once ctx is done
// or abort is closed. An abandoned fn keeps running in the background and its result is dropped.
func withContext[T any](ctx context.Context, abort <-chan struct{}, fn func() (T, error)) (T, error) {
	ch := make(chan result[T], 1)

	go func() {
		v, err := fn()
		ch <- result[T]{v, err}
	}()

	var zero T

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-abort:
		return zero, ErrLinkLost
	}
}
