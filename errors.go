package tokenmeter

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrInsufficientBalance   = errors.New("tokenmeter: insufficient balance")
	ErrInvalidAmount         = errors.New("tokenmeter: invalid amount")
	ErrReservationNotFound   = errors.New("tokenmeter: reservation not found")
	ErrReservationNotOpen    = errors.New("tokenmeter: reservation not open")
	ErrReservationNotExpired = errors.New("tokenmeter: reservation deadline not reached")
	ErrDuplicateRequest      = errors.New("tokenmeter: duplicate correlation id")
	ErrStorageUnavailable    = errors.New("tokenmeter: storage unavailable")
	ErrConsistencyFault      = errors.New("tokenmeter: reservation consistency fault")
	ErrNotEntitled           = errors.New("tokenmeter: account not entitled")

	ErrProviderTransport   = errors.New("tokenmeter: provider transport error")
	ErrNoCandidates        = errors.New("tokenmeter: no candidates available")
	ErrRateLimited         = errors.New("tokenmeter: rate limited by provider")
	ErrAuthFailed          = errors.New("tokenmeter: authentication failed")
	ErrInvalidRequest      = errors.New("tokenmeter: invalid request")
	ErrProviderUnavailable = errors.New("tokenmeter: provider unavailable")
	ErrModelNotFound       = errors.New("tokenmeter: model not found")
	ErrAllFailed           = errors.New("tokenmeter: all candidates failed")
)

// MeterError wraps an error with request context.
type MeterError struct {
	Err           error
	Stage         State
	AccountID     string
	CorrelationID string
	ReservationID string
	Provider      string
	Model         string
	Attempts      int
}

func (e *MeterError) Error() string {
	return fmt.Sprintf("tokenmeter: stage=%s account=%s correlation=%s reservation=%s provider=%s model=%s attempts=%d: %v",
		e.Stage, e.AccountID, e.CorrelationID, e.ReservationID, e.Provider, e.Model, e.Attempts, e.Err)
}

func (e *MeterError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error should not be retried with another candidate.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrInvalidRequest)
}

// IsRetryable returns true if the error can be retried with another candidate.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderTransport)
}

// StorageError marks err as a storage failure for op. Backends use it so
// callers can test for ErrStorageUnavailable while keeping the cause.
func StorageError(backend, op string, err error) error {
	return fmt.Errorf("tokenmeter/%s: %s: %w: %w", backend, op, ErrStorageUnavailable, err)
}
