package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmapos/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrSessionConflict    = errors.New("cash session already open for pharmacy")
	ErrSessionClosed      = errors.New("cash session is not open")
)

// StockConflictError lists every order line the stock could not cover.
type StockConflictError struct {
	Conflicts []domain.StockConflict
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("insufficient stock for %d line(s)", len(e.Conflicts))
}

func (e *StockConflictError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// RequestedBySKU totals order quantities per sku.
func RequestedBySKU(items []domain.OrderLine) map[string]int {
	requested := make(map[string]int, len(items))
	for _, item := range items {
		requested[item.SKU] += item.Qty
	}
	return requested
}

// LineConflicts checks items against stock by sku total. Each line of an
// over-requested sku is reported with what is left for it once the other
// lines of that sku are served, so Requested always exceeds Available.
func LineConflicts(items []domain.OrderLine, stock map[string]int) []domain.StockConflict {
	requested := RequestedBySKU(items)
	conflicts := make([]domain.StockConflict, 0)
	for _, item := range items {
		if requested[item.SKU] <= stock[item.SKU] {
			continue
		}
		left := max(stock[item.SKU]-(requested[item.SKU]-item.Qty), 0)
		conflicts = append(conflicts, domain.StockConflict{
			SKU:                item.SKU,
			PrescriptionID:     item.PrescriptionID,
			PrescribedItemName: item.PrescribedItemName,
			Requested:          item.Qty,
			Available:          left,
		})
	}
	return conflicts
}

// SessionConflictError carries the session that already holds the pharmacy.
type SessionConflictError struct {
	Holder domain.CashSession
}

func (e *SessionConflictError) Error() string {
	return fmt.Sprintf("cash session %s already open by %s since %s",
		e.Holder.ID, e.Holder.WorkerID, e.Holder.OpenedAt.Format(time.RFC3339))
}

func (e *SessionConflictError) Is(target error) bool {
	return target == ErrSessionConflict
}

type Repository interface {
	GetStockQuote(ctx context.Context, pharmacyID string, sku string) (*domain.StockQuote, error)
	FindStockQuoteByName(ctx context.Context, pharmacyID string, name string) (*domain.StockQuote, error)
	ListStockQuotes(ctx context.Context, pharmacyID string) ([]domain.StockQuote, error)
	ListPrescriptionsByPatient(ctx context.Context, patientID string) ([]domain.Prescription, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error)
	FindOrderByID(ctx context.Context, id string) (*domain.Order, error)
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetCashSession(ctx context.Context, id string) (*domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, pharmacyID string) (*domain.CashSession, error)
	SummarizeCashSession(ctx context.Context, id string) (domain.CashSessionSummary, error)
	// CloseCashSession returns the closed session together with the summary
	// its closing totals were computed from.
	CloseCashSession(ctx context.Context, id string, closing domain.CashSessionClose) (*domain.CashSession, domain.CashSessionSummary, error)
	CreateAppointmentPayment(ctx context.Context, payment domain.AppointmentPayment) (*domain.AppointmentPayment, error)
	CreateQROrder(ctx context.Context, order domain.QROrder) (*domain.QROrder, error)
	GetQROrder(ctx context.Context, id string) (*domain.QROrder, error)
	SettleQROrder(ctx context.Context, id string, status string, at time.Time) (*domain.QROrder, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, pharmacyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
