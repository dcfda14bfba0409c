package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"pharmapos/internal/domain"
	"pharmapos/internal/qrpay"
	"pharmapos/internal/store"
)

// CreateQROrder asks the provider for a QR charge and records it as pending.
// Funds are only confirmed later through HandleQRWebhook.
func (s *Service) CreateQROrder(ctx context.Context, req domain.QROrderCreateRequest) (domain.QROrder, error) {
	req.PharmacyID = s.pharmacyOrDefault(req.PharmacyID)
	if req.AmountCents < 1 {
		return domain.QROrder{}, fmt.Errorf("amount must be positive: %w", store.ErrInvalidTransaction)
	}
	req.Description = strings.TrimSpace(req.Description)

	providerOrder, err := s.qrProvider.CreateOrder(ctx, qrpay.CreateRequest{
		PharmacyID:  req.PharmacyID,
		AmountCents: req.AmountCents,
		Description: req.Description,
	})
	if err != nil {
		return domain.QROrder{}, fmt.Errorf("create qr order with provider: %w", err)
	}

	saved, err := s.repo.CreateQROrder(ctx, domain.QROrder{
		ID:          providerOrder.ID,
		PharmacyID:  req.PharmacyID,
		AmountCents: req.AmountCents,
		Description: req.Description,
		Payload:     providerOrder.Payload,
		Status:      domain.QRStatusPending,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return domain.QROrder{}, err
	}

	s.metrics.QROrder(domain.QRStatusPending)
	s.logAudit(ctx, saved.PharmacyID, "qr_order_create", "qr_order", saved.ID, fmt.Sprintf("amount=%d", saved.AmountCents))
	return *saved, nil
}

func (s *Service) GetQROrder(ctx context.Context, id string) (domain.QROrder, error) {
	if err := requireField("qr_order_id", id); err != nil {
		return domain.QROrder{}, err
	}
	order, err := s.repo.GetQROrder(ctx, id)
	if err != nil {
		return domain.QROrder{}, err
	}
	return *order, nil
}

// HandleQRWebhook applies a signed provider notification to the QR order and
// to the sale that used it.
func (s *Service) HandleQRWebhook(ctx context.Context, body []byte, signature string) (domain.QROrder, error) {
	if err := qrpay.VerifySignature(s.qrWebhookSecret, body, signature); err != nil {
		return domain.QROrder{}, err
	}

	var event domain.QRWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return domain.QROrder{}, fmt.Errorf("decode webhook: %w", store.ErrInvalidTransaction)
	}
	status, ok := webhookStatus(event.Status)
	if !ok {
		return domain.QROrder{}, fmt.Errorf("unknown webhook status %q: %w", event.Status, store.ErrInvalidTransaction)
	}

	existing, err := s.repo.GetQROrder(ctx, event.ProviderOrderID)
	if err != nil {
		return domain.QROrder{}, err
	}
	if status == domain.QRStatusSettled && event.AmountCents != 0 && event.AmountCents != existing.AmountCents {
		log.Printf("[service] WARN: qr webhook amount mismatch order=%s expected=%d got=%d", existing.ID, existing.AmountCents, event.AmountCents)
		status = domain.QRStatusRejected
	}

	settled, err := s.repo.SettleQROrder(ctx, existing.ID, status, s.now())
	if err != nil {
		return domain.QROrder{}, err
	}

	s.metrics.QROrder(settled.Status)
	s.logAudit(ctx, settled.PharmacyID, "qr_order_"+settled.Status, "qr_order", settled.ID,
		fmt.Sprintf("amount=%d,order=%s", settled.AmountCents, settled.OrderID))
	return *settled, nil
}

func webhookStatus(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "settled", "paid", "success":
		return domain.QRStatusSettled, true
	case "rejected", "failed", "expired", "cancelled":
		return domain.QRStatusRejected, true
	default:
		return "", false
	}
}

// RecordAppointmentPayment books a consultation fee against the open session
// so it lands in the session summary.
func (s *Service) RecordAppointmentPayment(ctx context.Context, req domain.AppointmentPaymentRequest) (domain.AppointmentPayment, error) {
	req.Method = strings.ToLower(strings.TrimSpace(req.Method))
	if !isPaymentMethod(req.Method) || req.AmountCents < 1 {
		return domain.AppointmentPayment{}, store.ErrInvalidTransaction
	}
	if err := requireField("cash_session_id", req.CashSessionID); err != nil {
		return domain.AppointmentPayment{}, err
	}
	if err := requireField("appointment_id", req.AppointmentID); err != nil {
		return domain.AppointmentPayment{}, err
	}

	saved, err := s.repo.CreateAppointmentPayment(ctx, domain.AppointmentPayment{
		CashSessionID: req.CashSessionID,
		AppointmentID: strings.TrimSpace(req.AppointmentID),
		PatientID:     strings.TrimSpace(req.PatientID),
		Method:        req.Method,
		AmountCents:   req.AmountCents,
		CreatedAt:     s.now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrSessionClosed) {
			return domain.AppointmentPayment{}, fmt.Errorf("cash session %q: %w", req.CashSessionID, err)
		}
		return domain.AppointmentPayment{}, err
	}

	s.logAudit(ctx, saved.PharmacyID, "appointment_payment", "appointment", saved.AppointmentID,
		fmt.Sprintf("method=%s,amount=%d,session=%s", saved.Method, saved.AmountCents, saved.CashSessionID))
	return *saved, nil
}
