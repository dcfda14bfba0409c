package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"pharmapos/internal/archive"
	"pharmapos/internal/cache"
	"pharmapos/internal/domain"
	"pharmapos/internal/metrics"
	"pharmapos/internal/qrpay"
	"pharmapos/internal/store"
	"pharmapos/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Dependencies are the optional collaborators of a Service. Nil members
// fall back to no-op or sandbox implementations.
type Dependencies struct {
	StockCache      cache.StockCache
	StockCacheTTL   time.Duration
	QRProvider      qrpay.Provider
	Archiver        archive.Archiver
	Metrics         *metrics.Recorder
	QRWebhookSecret string
}

type Service struct {
	repo              store.Repository
	stockCache        cache.StockCache
	stockCacheTTL     time.Duration
	qrProvider        qrpay.Provider
	archiver          archive.Archiver
	metrics           *metrics.Recorder
	qrWebhookSecret   string
	defaultPharmacyID string
	now               func() time.Time
}

func New(repo store.Repository, deps Dependencies, defaultPharmacyID string) *Service {
	if defaultPharmacyID == "" {
		defaultPharmacyID = "main-pharmacy"
	}
	if deps.StockCache == nil {
		deps.StockCache = cache.NoopStockCache{}
	}
	if deps.StockCacheTTL <= 0 {
		deps.StockCacheTTL = 15 * time.Second
	}
	if deps.QRProvider == nil {
		deps.QRProvider = qrpay.Sandbox{}
	}
	if deps.Archiver == nil {
		deps.Archiver = archive.Noop{}
	}

	return &Service{
		repo:              repo,
		stockCache:        deps.StockCache,
		stockCacheTTL:     deps.StockCacheTTL,
		qrProvider:        deps.QRProvider,
		archiver:          deps.Archiver,
		metrics:           deps.Metrics,
		qrWebhookSecret:   deps.QRWebhookSecret,
		defaultPharmacyID: defaultPharmacyID,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) DefaultPharmacyID() string {
	return s.defaultPharmacyID
}

func (s *Service) pharmacyOrDefault(pharmacyID string) string {
	pharmacyID = strings.TrimSpace(pharmacyID)
	if pharmacyID == "" {
		return s.defaultPharmacyID
	}
	return pharmacyID
}

func (s *Service) ListPrescriptions(ctx context.Context, patientID string) ([]domain.Prescription, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, store.ErrInvalidTransaction
	}
	return s.repo.ListPrescriptionsByPatient(ctx, patientID)
}

func (s *Service) ListAuditLogs(ctx context.Context, pharmacyID string, date string, limit int) ([]domain.AuditLog, error) {
	pharmacyID = s.pharmacyOrDefault(pharmacyID)
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Truncate(24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, pharmacyID, from, to, limit)
}

func (s *Service) logAudit(ctx context.Context, pharmacyID string, action string, entityType string, entityID string, detail string) {
	if pharmacyID == "" {
		pharmacyID = s.defaultPharmacyID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		PharmacyID:    pharmacyID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit log action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

// rejectionReason labels a failed write for metrics.
func rejectionReason(err error) string {
	var stockErr *store.StockConflictError
	switch {
	case errors.As(err, &stockErr):
		return domain.ErrCodeStockConflict
	case errors.Is(err, store.ErrSessionClosed):
		return domain.ErrCodeSessionInvalid
	case errors.Is(err, store.ErrInvalidTransaction):
		return domain.ErrCodeInvalidRequest
	default:
		return domain.ErrCodeInternal
	}
}

func isPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodQR:
		return true
	default:
		return false
	}
}

func requireField(name string, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required: %w", name, store.ErrInvalidTransaction)
	}
	return nil
}
