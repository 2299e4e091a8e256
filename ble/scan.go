package ble

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-ble/ble"
	"github.com/rs/zerolog/log"
)

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
  return ble.WithSigHandler(ctx, cancel)
}

// Perform an active or passive scan and return every advertisement found.
func (h *Handle) ScanAll(ctx context.Context, onDevice func(Advertisement)) error {
  if err := h.dev.Scan(ctx, true, onDevice); err != nil {
    return fmt.Errorf("failed to initiate scan: %w", err)
  }

  return nil
}

// Scan until a connectable advertisement from addr shows up. Returns ErrNotFound if none is
// received before ctx expires.
func (h *Handle) FindAddress(parentCtx context.Context, addr net.HardwareAddr) (Advertisement, error) {
  want := strings.ToLower(addr.String())

  ctx, cancel := context.WithCancel(parentCtx)
  defer cancel()

  // the BLE lib could call us even after `Scan()` returns, and from its own goroutine.
  found := make(chan Advertisement, 1)

  err := h.dev.Scan(ctx, false, func(a Advertisement) {
    if strings.ToLower(a.Addr().String()) != want || !a.Connectable() {
      return
    }

    log.Trace().
      Str("Addr", want).
      Str("LocalName", a.LocalName()).
      Int("RSSI", a.RSSI()).
      Msg("ble: found advertisement for device")

    select {
    case found <- a:
      cancel()
    default:
    }
  })

  select {
  case a := <-found:
    return a, nil
  default:
  }

  // swallow context errors, they either mean "not found in time" or the caller gave up.
  if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
    return nil, fmt.Errorf("failed to initiate scan: %w", err)
  }

  if parentErr := parentCtx.Err(); errors.Is(parentErr, context.Canceled) {
    return nil, parentErr
  }

  return nil, fmt.Errorf("%w: no advertisement from %v", ErrNotFound, addr)
}
