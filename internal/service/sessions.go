package service

import (
	"context"
	"fmt"
	"log"
	"strings"

	"pharmapos/internal/domain"
	"pharmapos/internal/money"
	"pharmapos/internal/store"
)

func (s *Service) OpenCashSession(ctx context.Context, req domain.CashSessionOpenRequest) (domain.CashSession, error) {
	req.PharmacyID = s.pharmacyOrDefault(req.PharmacyID)
	if req.OpeningFloatCents < 0 {
		return domain.CashSession{}, fmt.Errorf("opening float must not be negative: %w", store.ErrInvalidTransaction)
	}
	workerID := strings.TrimSpace(req.WorkerID)
	if actor, ok := ActorFromContext(ctx); ok {
		workerID = actor.Username
	}
	if err := requireField("worker_id", workerID); err != nil {
		return domain.CashSession{}, err
	}

	session, err := s.repo.CreateCashSession(ctx, domain.CashSession{
		PharmacyID:        req.PharmacyID,
		WorkerID:          workerID,
		OpeningFloatCents: req.OpeningFloatCents,
		OpenedAt:          s.now(),
	})
	if err != nil {
		return domain.CashSession{}, err
	}

	s.metrics.SessionOpened()
	s.logAudit(ctx, session.PharmacyID, "cash_session_open", "cash_session", session.ID,
		fmt.Sprintf("worker=%s,float=%d", session.WorkerID, session.OpeningFloatCents))
	return *session, nil
}

func (s *Service) GetCashSession(ctx context.Context, id string) (domain.CashSession, error) {
	if err := requireField("session_id", id); err != nil {
		return domain.CashSession{}, err
	}
	session, err := s.repo.GetCashSession(ctx, id)
	if err != nil {
		return domain.CashSession{}, err
	}
	return *session, nil
}

func (s *Service) GetOpenCashSession(ctx context.Context, pharmacyID string) (domain.CashSession, error) {
	session, err := s.repo.GetOpenCashSession(ctx, s.pharmacyOrDefault(pharmacyID))
	if err != nil {
		return domain.CashSession{}, err
	}
	return *session, nil
}

// CashSessionSummary is recomputed from committed orders and appointment
// payments on every call.
func (s *Service) CashSessionSummary(ctx context.Context, id string) (domain.CashSessionSummary, error) {
	if err := requireField("session_id", id); err != nil {
		return domain.CashSessionSummary{}, err
	}
	return s.repo.SummarizeCashSession(ctx, id)
}

func (s *Service) CloseCashSession(ctx context.Context, id string, req domain.CashSessionCloseRequest) (domain.CashSessionCloseResponse, error) {
	if err := requireField("session_id", id); err != nil {
		return domain.CashSessionCloseResponse{}, err
	}
	if req.CountedCashCents < 0 {
		return domain.CashSessionCloseResponse{}, fmt.Errorf("counted cash must not be negative: %w", store.ErrInvalidTransaction)
	}

	closedBy := "system"
	if actor, ok := ActorFromContext(ctx); ok {
		closedBy = actor.Username
	}

	closed, summary, err := s.repo.CloseCashSession(ctx, id, domain.CashSessionClose{
		CountedCashCents: req.CountedCashCents,
		Notes:            req.Notes,
		ClosedBy:         closedBy,
		ClosedAt:         s.now(),
	})
	if err != nil {
		return domain.CashSessionCloseResponse{}, err
	}

	expected := summary.ExpectedCashCents()
	if closed.CalculatedClosingCents != nil {
		expected = *closed.CalculatedClosingCents
	}
	variance := req.CountedCashCents - expected
	if closed.VarianceCents != nil {
		variance = *closed.VarianceCents
	}

	report := buildCloseReport(*closed, summary, expected, req.CountedCashCents, variance)
	report.GeneratedAt = s.now()

	archiveKey, err := s.archiver.ArchiveCloseReport(ctx, report)
	if err != nil {
		log.Printf("[service] WARN: failed to archive close report session=%s: %v", closed.ID, err)
		archiveKey = ""
	}

	s.metrics.SessionClosed(report.VarianceClass, variance)
	s.logAudit(ctx, closed.PharmacyID, "cash_session_close", "cash_session", closed.ID,
		fmt.Sprintf("expected=%d,counted=%d,variance=%d,class=%s", expected, req.CountedCashCents, variance, report.VarianceClass))

	return domain.CashSessionCloseResponse{
		Session:           *closed,
		Summary:           summary,
		ExpectedCashCents: expected,
		VarianceCents:     variance,
		VariancePercent:   report.VariancePercent,
		VarianceClass:     report.VarianceClass,
		ArchiveKey:        archiveKey,
	}, nil
}

func buildCloseReport(session domain.CashSession, summary domain.CashSessionSummary, expected int64, counted int64, variance int64) domain.CloseReport {
	return domain.CloseReport{
		Session:           session,
		Summary:           summary,
		ExpectedCash:      money.Format(expected),
		CountedCash:       money.Format(counted),
		Variance:          money.Format(variance),
		VariancePercent:   money.VariancePercent(variance, expected).StringFixed(2),
		VarianceClass:     money.ClassifyVariance(variance, expected),
		ExpectedCashCents: expected,
		VarianceCents:     variance,
	}
}
