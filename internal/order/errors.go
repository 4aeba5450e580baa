package order

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation          = errors.New("order: validation failed")
	ErrDuplicateSubmission = errors.New("order: duplicate submission")
	ErrNoOpenPosition      = errors.New("order: no open position to exit")
	ErrRiskLimit           = errors.New("order: risk limit exceeded")
	ErrBrokerRejected      = errors.New("order: broker rejected")
	ErrRetriesExhausted    = errors.New("order: broker unavailable after retries")
	ErrNotFound            = errors.New("order: basket not found")
	ErrNotCancellable      = errors.New("order: basket already settled")
)

// SubmitError is returned when a basket is refused in whole or in part.
// It unwraps to one of the package sentinels.
type SubmitError struct {
	Err        error
	Rejections []Rejection
}

func (e *SubmitError) Error() string {
	if len(e.Rejections) == 0 {
		return e.Err.Error()
	}
	reasons := make([]string, len(e.Rejections))
	for i, r := range e.Rejections {
		if r.Leg < 0 {
			reasons[i] = r.Reason
			continue
		}
		reasons[i] = fmt.Sprintf("leg %d: %s", r.Leg, r.Reason)
	}
	return fmt.Sprintf("%v: %s", e.Err, strings.Join(reasons, "; "))
}

func (e *SubmitError) Unwrap() error { return e.Err }

func reject(err error, rejections ...Rejection) *SubmitError {
	return &SubmitError{Err: err, Rejections: rejections}
}
