/*
errors.go - Centralized error taxonomy for the engine

PURPOSE:
  All error categories in one place so every layer (stores, engine, API)
  classifies failures the same way. Handlers map these onto HTTP statuses.

ERROR CATEGORIES:
  1. Not-found errors   - tank/station/anomaly/transaction missing
  2. Validation errors  - malformed windows, bad volumes, bad tokens
  3. Data errors        - insufficient readings to reconcile
  4. Conflict errors    - concurrent mutation detected
  5. Transient errors   - storage hiccups, safe to retry with backoff

USAGE:
  if errors.Is(err, fuel.ErrInsufficientData) { ... }
  if fuel.IsTransient(err) { retry with backoff }

SEE ALSO:
  - recon/engine.go: Returns InsufficientData / TankNotFound
  - api/handlers.go: Maps the taxonomy to HTTP statuses
*/
package fuel

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTankNotFound is returned when a tank ID does not exist.
	ErrTankNotFound = errors.New("tank not found")

	// ErrStationNotFound is returned when a station ID does not exist.
	ErrStationNotFound = errors.New("station not found")

	// ErrPumpNotFound is returned when a pump ID does not exist.
	ErrPumpNotFound = errors.New("pump not found")

	// ErrAnomalyNotFound is returned when an anomaly ID does not exist.
	ErrAnomalyNotFound = errors.New("anomaly not found")

	// ErrTransactionNotFound is returned when a transaction ID does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrReceiptNotFound is returned when a receipt ID or token is unknown.
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrRuleNotFound is returned when a rule slug has no stored row.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInsufficientData is returned when a tank has fewer than two
	// readings bracketing the requested window. Never retried.
	ErrInsufficientData = errors.New("insufficient data: need at least two readings")

	// ErrInvalidWindow is returned when a reconcile window ends before it starts.
	ErrInvalidWindow = errors.New("invalid window: end before start")

	// ErrConflict is returned when a concurrent mutation is detected on an
	// anomaly's lifecycle flags.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrDuplicate is returned when an external reference or unique key
	// already exists. Expected on ingest retries.
	ErrDuplicate = errors.New("duplicate record")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

// InsufficientDataError carries the tank and reading count that blocked a
// reconciliation, so callers can render a useful message.
type InsufficientDataError struct {
	TankID   TankID
	Readings int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for tank %s: %d reading(s), need 2", e.TankID, e.Readings)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// TransientError wraps a storage or network failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// WindowError reports a malformed explicit reconcile window.
type WindowError struct {
	From, To time.Time
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("invalid window: %s is not before %s", e.From.Format(time.RFC3339), e.To.Format(time.RFC3339))
}

func (e *WindowError) Unwrap() error { return ErrInvalidWindow }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTankNotFound) ||
		errors.Is(err, ErrStationNotFound) ||
		errors.Is(err, ErrPumpNotFound) ||
		errors.Is(err, ErrAnomalyNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrReceiptNotFound) ||
		errors.Is(err, ErrRuleNotFound)
}

// IsClientError reports whether the error is the caller's fault and should
// not be retried.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrInvalidWindow) ||
		errors.Is(err, ErrDuplicate)
}

// IsTransient reports whether the error might succeed on retry.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
