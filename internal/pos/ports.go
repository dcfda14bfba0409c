package pos

import (
	"context"
	"time"

	"pharmapos/internal/domain"
)

type StockOracle interface {
	QueryStock(ctx context.Context, pharmacyID string, sku string) (domain.StockQuote, error)
	ResolveProduct(ctx context.Context, pharmacyID string, name string) (domain.StockQuote, error)
}

type PrescriptionStore interface {
	ListPrescriptions(ctx context.Context, patientID string) ([]domain.Prescription, error)
}

type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, req domain.OrderSubmitRequest) (domain.OrderSubmitResponse, error)
}

type QRGateway interface {
	CreateQROrder(ctx context.Context, req domain.QROrderCreateRequest) (domain.QROrder, error)
	GetQROrder(ctx context.Context, id string) (domain.QROrder, error)
}

type SessionStore interface {
	OpenCashSession(ctx context.Context, req domain.CashSessionOpenRequest) (domain.CashSession, error)
	GetCashSession(ctx context.Context, id string) (domain.CashSession, error)
	GetOpenCashSession(ctx context.Context, pharmacyID string) (domain.CashSession, error)
	CashSessionSummary(ctx context.Context, id string) (domain.CashSessionSummary, error)
	CloseCashSession(ctx context.Context, id string, req domain.CashSessionCloseRequest) (domain.CashSessionCloseResponse, error)
}

// Backend is everything the register needs from the authoritative side.
// internal/client implements it over HTTP.
type Backend interface {
	StockOracle
	PrescriptionStore
	OrderSubmitter
	QRGateway
	SessionStore
}

// SessionMemory keeps the id of the session this device last held so it can
// be resumed after a restart. Recall returns "" when nothing is remembered.
type SessionMemory interface {
	Remember(ctx context.Context, pharmacyID string, sessionID string) error
	Recall(ctx context.Context, pharmacyID string) (string, error)
	Forget(ctx context.Context, pharmacyID string) error
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type noMemory struct{}

func (noMemory) Remember(context.Context, string, string) error { return nil }
func (noMemory) Recall(context.Context, string) (string, error)  { return "", nil }
func (noMemory) Forget(context.Context, string) error            { return nil }
