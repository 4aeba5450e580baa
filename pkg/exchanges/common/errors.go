package common

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks network/timeout style failures that are safe to retry.
	ErrTransient = errors.New("transient gateway failure")
	// ErrRejected marks permanent rejections (bad symbol, risk limit).
	ErrRejected = errors.New("order rejected")
)

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Rejected builds a permanent rejection with a reason.
func Rejected(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
