package pos

import (
	"errors"
	"fmt"
	"strings"

	"pharmapos/internal/domain"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrSession        = errors.New("cash session unavailable")
	ErrCommitInFlight = errors.New("commit in flight")
	ErrRequestPending = errors.New("payment request pending")
	ErrLineNotFound   = errors.New("cart line not found")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field string, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StockExceededError is raised locally, before any network effect, when a cart
// change would take a sku above its last observed stock.
type StockExceededError struct {
	SKU       string
	Requested int
	Available int
}

func (e *StockExceededError) Error() string {
	return fmt.Sprintf("stock exceeded for %s: requested %d, available %d", e.SKU, e.Requested, e.Available)
}

// StockConflictError carries the per-line conflicts reported by the backend
// when the authoritative stock no longer covers the cart.
type StockConflictError struct {
	Conflicts []domain.StockConflict
}

func (e *StockConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s requested %d available %d", c.SKU, c.Requested, c.Available))
	}
	return "stock conflict: " + strings.Join(parts, "; ")
}

type SessionError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *SessionError) Error() string {
	msg := "cash session " + e.Reason
	if e.SessionID != "" {
		msg = fmt.Sprintf("cash session %s %s", e.SessionID, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Is(target error) bool {
	return target == ErrSession
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// SessionConflictError reports the open session that already holds the
// pharmacy drawer.
type SessionConflictError struct {
	Holder domain.CashSession
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("pharmacy %s already has open cash session %s held by %s since %s",
		e.Holder.PharmacyID, e.Holder.ID, e.Holder.WorkerID, e.Holder.OpenedAt.Format("2006-01-02 15:04"))
}

func (e *SessionConflictError) Is(target error) bool {
	return target == ErrSession
}

type LoadFailure struct {
	Name      string
	Reason    string
	Needed    int
	Available int
}

const (
	LoadReasonNotFound          = "not_found"
	LoadReasonInsufficientStock = "insufficient_stock"
	LoadReasonLookupFailed      = "lookup_failed"
)

// PartialLoadWarning lists the prescribed items that could not be placed in
// the cart. The items that could be placed stay in the cart.
type PartialLoadWarning struct {
	PrescriptionID string
	Failures       []LoadFailure
}

func (w *PartialLoadWarning) Error() string {
	names := make([]string, 0, len(w.Failures))
	for _, f := range w.Failures {
		names = append(names, fmt.Sprintf("%s (%s)", f.Name, f.Reason))
	}
	return fmt.Sprintf("prescription %s partially loaded: %s", w.PrescriptionID, strings.Join(names, ", "))
}

// CommitFailure wraps any submission error that is neither a stock conflict
// nor a session problem.
type CommitFailure struct {
	Err error
}

func (e *CommitFailure) Error() string {
	return "commit failed: " + e.Err.Error()
}

func (e *CommitFailure) Unwrap() error {
	return e.Err
}

func apiErrorCode(err error) (*domain.APIError, bool) {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

func isNotFound(err error) bool {
	apiErr, ok := apiErrorCode(err)
	return ok && apiErr.Code == domain.ErrCodeNotFound
}

// classifySubmitError maps a backend error onto the engine taxonomy.
func classifySubmitError(sessionID string, err error) error {
	apiErr, ok := apiErrorCode(err)
	if !ok {
		return &CommitFailure{Err: err}
	}
	switch apiErr.Code {
	case domain.ErrCodeStockConflict:
		return &StockConflictError{Conflicts: apiErr.Conflicts}
	case domain.ErrCodeSessionInvalid:
		return &SessionError{SessionID: sessionID, Reason: "is no longer open", Err: err}
	case domain.ErrCodeSessionConflict:
		if apiErr.Holder != nil {
			return &SessionConflictError{Holder: *apiErr.Holder}
		}
		return &SessionError{SessionID: sessionID, Reason: "conflicts with another session", Err: err}
	default:
		return &CommitFailure{Err: err}
	}
}
