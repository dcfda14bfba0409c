package pos

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"pharmapos/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func notFound(what string) error {
	return &domain.APIError{Status: http.StatusNotFound, Code: domain.ErrCodeNotFound, Message: what + " not found"}
}

// fakeBackend answers like the HTTP client does: every failure is a
// *domain.APIError.
type fakeBackend struct {
	mu    sync.Mutex
	clock Clock

	stock         map[string]domain.StockQuote
	prescriptions map[string][]domain.Prescription
	sessions      map[string]domain.CashSession
	orders        map[string]domain.OrderSubmitResponse
	ordersByKey   map[string]domain.OrderSubmitRequest
	qrOrders      map[string]domain.QROrder
	cashAppts     map[string]int64

	submitErr       error
	loseNextReply   bool
	qrErr           error
	sessionMisses   int
	sessionLookups  int
	submittedOrders int
}

func newFakeBackend(clock Clock) *fakeBackend {
	b := &fakeBackend{
		clock:         clock,
		stock:         make(map[string]domain.StockQuote),
		prescriptions: make(map[string][]domain.Prescription),
		sessions:      make(map[string]domain.CashSession),
		orders:        make(map[string]domain.OrderSubmitResponse),
		ordersByKey:   make(map[string]domain.OrderSubmitRequest),
		qrOrders:      make(map[string]domain.QROrder),
		cashAppts:     make(map[string]int64),
	}
	b.addProduct("SKU-PCM-500", "Paracetamol 500mg", 25, 200)
	b.addProduct("SKU-AMX-500", "Amoxicillin 500mg", 120, 200)
	b.addProduct("SKU-MET-850", "Metformin 850mg", 30, 5)
	b.addProduct("SKU-SAL-100", "Salbutamol Inhaler 100mcg", 1850, 12)
	b.addProduct("SKU-TEST-A", "Test Item A", 12000, 10)
	b.addProduct("SKU-TEST-B", "Test Item B", 7550, 10)
	return b
}

func (b *fakeBackend) addProduct(sku string, name string, price int64, units int) {
	b.stock[sku] = domain.StockQuote{PharmacyID: "main-pharmacy", SKU: sku, Name: name, UnitPriceCents: price, UnitsAvailable: units}
}

func (b *fakeBackend) QueryStock(_ context.Context, _ string, sku string) (domain.StockQuote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	quote, ok := b.stock[sku]
	if !ok {
		return domain.StockQuote{}, notFound("product")
	}
	return quote, nil
}

func (b *fakeBackend) ResolveProduct(_ context.Context, _ string, name string) (domain.StockQuote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, quote := range b.stock {
		if strings.EqualFold(quote.Name, strings.TrimSpace(name)) {
			return quote, nil
		}
	}
	return domain.StockQuote{}, notFound("product")
}

func (b *fakeBackend) ListPrescriptions(_ context.Context, patientID string) ([]domain.Prescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Prescription(nil), b.prescriptions[patientID]...), nil
}

func (b *fakeBackend) SubmitOrder(_ context.Context, req domain.OrderSubmitRequest) (domain.OrderSubmitResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return domain.OrderSubmitResponse{}, b.submitErr
	}
	if existing, ok := b.orders[req.IdempotencyKey]; ok {
		existing.Duplicate = true
		return existing, nil
	}

	var total int64
	for _, item := range req.Items {
		total += item.UnitPriceCents * int64(item.Qty)
	}
	b.submittedOrders++
	resp := domain.OrderSubmitResponse{
		OrderID:       fmt.Sprintf("order-%d", b.submittedOrders),
		ReceiptNumber: fmt.Sprintf("R-%d", b.submittedOrders),
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: domain.PaymentStatusSettled,
		TotalCents:    total,
		ItemCount:     len(req.Items),
		CashSessionID: req.CashSessionID,
		Dispensation:  req.Dispensation,
	}
	if req.PaymentMethod == domain.PaymentMethodCash {
		resp.ChangeCents = req.CashTenderedCents - total
	}
	if req.PaymentMethod == domain.PaymentMethodQR {
		resp.PaymentStatus = domain.PaymentStatusAwaitingSettlement
	}
	b.orders[req.IdempotencyKey] = resp
	b.ordersByKey[req.IdempotencyKey] = req

	if b.loseNextReply {
		b.loseNextReply = false
		return domain.OrderSubmitResponse{}, fmt.Errorf("read response: connection reset by peer")
	}
	return resp, nil
}

func (b *fakeBackend) CreateQROrder(_ context.Context, req domain.QROrderCreateRequest) (domain.QROrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.qrErr != nil {
		return domain.QROrder{}, b.qrErr
	}
	id := fmt.Sprintf("qr-%d", len(b.qrOrders)+1)
	order := domain.QROrder{
		ID:          id,
		PharmacyID:  req.PharmacyID,
		AmountCents: req.AmountCents,
		Description: req.Description,
		Payload:     "00020101" + id,
		Status:      domain.QRStatusPending,
		CreatedAt:   b.clock.Now(),
	}
	b.qrOrders[id] = order
	return order, nil
}

func (b *fakeBackend) GetQROrder(_ context.Context, id string) (domain.QROrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.qrOrders[id]
	if !ok {
		return domain.QROrder{}, notFound("qr order")
	}
	return order, nil
}

func (b *fakeBackend) settleQR(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	order := b.qrOrders[id]
	order.Status = domain.QRStatusSettled
	b.qrOrders[id] = order
}

func (b *fakeBackend) OpenCashSession(_ context.Context, req domain.CashSessionOpenRequest) (domain.CashSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, session := range b.sessions {
		if session.PharmacyID == req.PharmacyID && session.IsOpen() {
			holder := session
			return domain.CashSession{}, &domain.APIError{
				Status:  http.StatusConflict,
				Code:    domain.ErrCodeSessionConflict,
				Message: "pharmacy already has an open cash session",
				Holder:  &holder,
			}
		}
	}
	session := domain.CashSession{
		ID:                fmt.Sprintf("session-%d", len(b.sessions)+1),
		PharmacyID:        req.PharmacyID,
		WorkerID:          req.WorkerID,
		Status:            domain.CashSessionStatusOpen,
		OpeningFloatCents: req.OpeningFloatCents,
		OpenedAt:          b.clock.Now(),
	}
	b.sessions[session.ID] = session
	return session, nil
}

func (b *fakeBackend) GetCashSession(_ context.Context, id string) (domain.CashSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionLookups++
	if b.sessionMisses > 0 {
		b.sessionMisses--
		return domain.CashSession{}, notFound("cash session")
	}
	session, ok := b.sessions[id]
	if !ok {
		return domain.CashSession{}, notFound("cash session")
	}
	return session, nil
}

func (b *fakeBackend) GetOpenCashSession(_ context.Context, pharmacyID string) (domain.CashSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, session := range b.sessions {
		if session.PharmacyID == pharmacyID && session.IsOpen() {
			return session, nil
		}
	}
	return domain.CashSession{}, notFound("open cash session")
}

func (b *fakeBackend) CashSessionSummary(_ context.Context, id string) (domain.CashSessionSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summaryLocked(id)
}

func (b *fakeBackend) summaryLocked(id string) (domain.CashSessionSummary, error) {
	session, ok := b.sessions[id]
	if !ok {
		return domain.CashSessionSummary{}, notFound("cash session")
	}
	summary := domain.CashSessionSummary{
		SessionID:                    id,
		OpeningFloatCents:            session.OpeningFloatCents,
		CashAppointmentPaymentsCents: b.cashAppts[id],
	}
	for _, order := range b.orders {
		if order.CashSessionID != id {
			continue
		}
		summary.OrderCount++
		switch order.PaymentMethod {
		case domain.PaymentMethodCash:
			summary.CashSalesCents += order.TotalCents
		case domain.PaymentMethodCard:
			summary.CardSalesCents += order.TotalCents
		case domain.PaymentMethodQR:
			summary.QRSalesCents += order.TotalCents
		}
	}
	return summary, nil
}

func (b *fakeBackend) CloseCashSession(_ context.Context, id string, req domain.CashSessionCloseRequest) (domain.CashSessionCloseResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session, ok := b.sessions[id]
	if !ok {
		return domain.CashSessionCloseResponse{}, notFound("cash session")
	}
	if !session.IsOpen() {
		return domain.CashSessionCloseResponse{}, &domain.APIError{Status: http.StatusConflict, Code: domain.ErrCodeSessionInvalid, Message: "cash session is closed"}
	}
	summary, _ := b.summaryLocked(id)
	expected := summary.ExpectedCashCents()
	variance := req.CountedCashCents - expected

	closedAt := b.clock.Now()
	session.Status = domain.CashSessionStatusClosed
	session.ClosedAt = &closedAt
	session.CalculatedClosingCents = &expected
	session.CountedClosingCents = &req.CountedCashCents
	session.VarianceCents = &variance
	session.ClosingNotes = req.Notes
	b.sessions[id] = session

	return domain.CashSessionCloseResponse{
		Session:           session,
		Summary:           summary,
		ExpectedCashCents: expected,
		VarianceCents:     variance,
	}, nil
}

func (b *fakeBackend) closeBehindDevice(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	session := b.sessions[id]
	session.Status = domain.CashSessionStatusClosed
	b.sessions[id] = session
}

type memoryStub struct {
	mu         sync.Mutex
	remembered map[string]string
}

func newMemoryStub() *memoryStub {
	return &memoryStub{remembered: make(map[string]string)}
}

func (m *memoryStub) Remember(_ context.Context, pharmacyID string, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remembered[pharmacyID] = sessionID
	return nil
}

func (m *memoryStub) Recall(_ context.Context, pharmacyID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remembered[pharmacyID], nil
}

func (m *memoryStub) Forget(_ context.Context, pharmacyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.remembered, pharmacyID)
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestRegister(backend *fakeBackend, clock Clock, memory SessionMemory, workerID string) *Register {
	return NewRegister(backend, memory, Config{
		PharmacyID: "main-pharmacy",
		WorkerID:   workerID,
		CardSettle: 10 * time.Second,
		Clock:      clock,
		Retry:      RetryPolicy{Attempts: 3, Base: time.Millisecond, Sleep: noSleep},
	})
}
