package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/cbird527/ha-easystart-flex/utils"
)

var (
	ErrTimeout     = errors.New("ble: operation timed out")
	ErrNotFound    = errors.New("ble: not found")
	ErrLinkLost    = errors.New("ble: link lost")
	ErrUnsupported = errors.New("ble: operation not supported")
)

const (
	ErrInvalidHandle = ble.ErrInvalidHandle
	ErrReadNotPerm   = ble.ErrReadNotPerm
)

// transportError maps err (returned by go-ble or by ctx) to one of the package sentinels while
// keeping the original error in the chain. Context cancellation is returned unchanged.
func transportError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}

	if utils.ErrorIsAnyOf(err, ErrTimeout, ErrNotFound, ErrLinkLost, ErrUnsupported) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	switch {
	case utils.ErrorIsAnyOf(err, ErrInvalidHandle):
		return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
	case utils.ErrorIsAnyOf(err, ErrReadNotPerm, ble.ErrWriteNotPerm, ble.ErrReqNotSupp):
		return fmt.Errorf("%w: %s: %w", ErrUnsupported, op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrLinkLost, op, err)
}

// ErrorReason is a short label for err, used in logs and metric labels.
func ErrorReason(err error) string {
	switch utils.FirstMatch(err, ErrTimeout, ErrNotFound, ErrLinkLost, ErrUnsupported, context.Canceled) {
	case ErrTimeout:
		return "timeout"
	case ErrNotFound:
		return "not_found"
	case ErrLinkLost:
		return "link_lost"
	case ErrUnsupported:
		return "unsupported"
	case context.Canceled:
		return "canceled"
	case nil:
		if err == nil {
			return "none"
		}
	}

	return "other"
}
