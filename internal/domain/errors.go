package domain

import "fmt"

const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeNotFound        = "not_found"
	ErrCodeStockConflict   = "stock_conflict"
	ErrCodeSessionInvalid  = "session_invalid"
	ErrCodeSessionConflict = "session_conflict"
	ErrCodeUnauthorized    = "unauthorized"
	ErrCodeForbidden       = "forbidden"
	ErrCodeRateLimited     = "rate_limited"
	ErrCodeUnprocessable   = "unprocessable"
	ErrCodeInternal        = "internal"
)

// APIError is the JSON error body exchanged between the backend and its clients.
type APIError struct {
	Status    int             `json:"-"`
	Code      string          `json:"code"`
	Message   string          `json:"error"`
	Conflicts []StockConflict `json:"conflicts,omitempty"`
	Holder    *CashSession    `json:"holder,omitempty"`
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
