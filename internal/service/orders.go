package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmapos/internal/domain"
	"pharmapos/internal/store"
	"pharmapos/internal/xid"
)

// SubmitOrder is the authoritative commit point for a sale. The store
// re-checks session, stock, prices and payment inside one transaction.
func (s *Service) SubmitOrder(ctx context.Context, req domain.OrderSubmitRequest) (domain.OrderSubmitResponse, error) {
	req.PharmacyID = s.pharmacyOrDefault(req.PharmacyID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	if err := validateOrderRequest(req); err != nil {
		s.metrics.OrderRejected(domain.ErrCodeInvalidRequest)
		return domain.OrderSubmitResponse{}, err
	}

	if existing, err := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return toOrderResponse(existing, true), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.OrderSubmitResponse{}, err
	}

	workerID := strings.TrimSpace(req.WorkerID)
	if actor, ok := ActorFromContext(ctx); ok {
		workerID = actor.Username
	}

	items := make([]domain.OrderLine, 0, len(req.Items))
	for _, item := range req.Items {
		item.SKU = strings.ToUpper(strings.TrimSpace(item.SKU))
		items = append(items, item)
	}

	now := s.now()
	order := domain.Order{
		ID:                xid.New("order"),
		ReceiptNumber:     xid.Receipt(now),
		PharmacyID:        req.PharmacyID,
		CashSessionID:     req.CashSessionID,
		WorkerID:          workerID,
		PatientID:         req.PatientID,
		WalkIn:            req.WalkIn,
		IdempotencyKey:    req.IdempotencyKey,
		PaymentMethod:     req.PaymentMethod,
		CardReference:     strings.TrimSpace(req.CardReference),
		QROrderID:         strings.TrimSpace(req.QROrderID),
		CashTenderedCents: req.CashTenderedCents,
		Items:             items,
		Dispensation:      req.Dispensation,
		CreatedAt:         now,
	}

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		s.metrics.OrderRejected(rejectionReason(err))
		return domain.OrderSubmitResponse{}, err
	}
	if created.ID != order.ID {
		return toOrderResponse(created, true), nil
	}

	s.invalidateStock(ctx, created.PharmacyID, created.Items)
	s.metrics.OrderSubmitted(created.PaymentMethod)
	s.logAudit(
		ctx,
		created.PharmacyID,
		"order_submit",
		"order",
		created.ID,
		fmt.Sprintf(
			"total=%d,payment=%s,status=%s,session=%s,prescriptions=%d",
			created.TotalCents,
			created.PaymentMethod,
			created.PaymentStatus,
			created.CashSessionID,
			len(created.Dispensation),
		),
	)

	return toOrderResponse(created, false), nil
}

func validateOrderRequest(req domain.OrderSubmitRequest) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("order has no items: %w", store.ErrInvalidTransaction)
	}
	if err := requireField("cash_session_id", req.CashSessionID); err != nil {
		return err
	}
	if !isPaymentMethod(req.PaymentMethod) {
		return fmt.Errorf("unsupported payment method %q: %w", req.PaymentMethod, store.ErrInvalidTransaction)
	}
	if req.WalkIn == (req.PatientID != "") {
		return fmt.Errorf("exactly one of patient_id or walk_in is required: %w", store.ErrInvalidTransaction)
	}
	if req.CashTenderedCents < 0 {
		return store.ErrInvalidTransaction
	}

	linked := make(map[string]struct{})
	for _, item := range req.Items {
		if strings.TrimSpace(item.SKU) == "" || item.Qty < 1 {
			return fmt.Errorf("invalid order line: %w", store.ErrInvalidTransaction)
		}
		if item.PrescriptionID != "" {
			if req.WalkIn {
				return fmt.Errorf("prescription lines require a patient: %w", store.ErrInvalidTransaction)
			}
			linked[item.PrescriptionID] = struct{}{}
		}
	}
	for _, update := range req.Dispensation {
		if _, ok := linked[update.PrescriptionID]; !ok {
			return fmt.Errorf("dispensation for unlinked prescription %q: %w", update.PrescriptionID, store.ErrInvalidTransaction)
		}
	}
	return nil
}

func (s *Service) LookupOrderByIdempotency(ctx context.Context, idempotencyKey string) (domain.OrderLookupResponse, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return domain.OrderLookupResponse{}, store.ErrInvalidTransaction
	}

	order, err := s.repo.FindOrderByIdempotency(ctx, idempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.OrderLookupResponse{Found: false}, nil
		}
		return domain.OrderLookupResponse{}, err
	}
	resp := toOrderResponse(order, false)
	return domain.OrderLookupResponse{Found: true, Order: &resp}, nil
}

func toOrderResponse(order *domain.Order, duplicate bool) domain.OrderSubmitResponse {
	itemCount := 0
	for _, item := range order.Items {
		itemCount += item.Qty
	}

	return domain.OrderSubmitResponse{
		OrderID:       order.ID,
		ReceiptNumber: order.ReceiptNumber,
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: order.PaymentStatus,
		TotalCents:    order.TotalCents,
		ChangeCents:   order.ChangeCents,
		ItemCount:     itemCount,
		CashSessionID: order.CashSessionID,
		Dispensation:  order.Dispensation,
		Duplicate:     duplicate,
		CreatedAt:     order.CreatedAt.Format(time.RFC3339),
	}
}
