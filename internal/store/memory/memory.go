package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pharmapos/internal/domain"
	"pharmapos/internal/store"
	"pharmapos/internal/xid"
)

const DefaultPharmacyID = "main-pharmacy"

type Store struct {
	mu                    sync.RWMutex
	products              map[string]domain.Product
	inventory             map[string]map[string]int
	prescriptionsByID     map[string]domain.Prescription
	ordersByID            map[string]*domain.Order
	ordersByIdem          map[string]*domain.Order
	sessionsByID          map[string]domain.CashSession
	openSessionByPharmacy map[string]string
	appointmentPayments   []domain.AppointmentPayment
	qrOrdersByID          map[string]domain.QROrder
	auditLogs             []domain.AuditLog
	usersByUsername       map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD and SEED_WORKER_PASSWORD; unset
// values fall back to dev defaults with a warning.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	workerPwd := envOr("SEED_WORKER_PASSWORD", "worker123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_WORKER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_WORKER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"worker", workerPwd, domain.RoleWorker},
		{"relief", workerPwd, domain.RoleWorker},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// New returns an empty store with the seeded accounts only.
func New() *Store {
	return &Store{
		products:              make(map[string]domain.Product),
		inventory:             make(map[string]map[string]int),
		prescriptionsByID:     make(map[string]domain.Prescription),
		ordersByID:            make(map[string]*domain.Order),
		ordersByIdem:          make(map[string]*domain.Order),
		sessionsByID:          make(map[string]domain.CashSession),
		openSessionByPharmacy: make(map[string]string),
		appointmentPayments:   make([]domain.AppointmentPayment, 0, 32),
		qrOrdersByID:          make(map[string]domain.QROrder),
		auditLogs:             make([]domain.AuditLog, 0, 128),
		usersByUsername:       seedUsers(),
	}
}

func NewSeeded() *Store {
	s := New()

	products := []domain.Product{
		{SKU: "SKU-PCM-500", Name: "Paracetamol 500mg", ActiveIngredient: "paracetamol", Dose: "500mg", Form: "tablet", PriceCents: 25},
		{SKU: "SKU-AMX-500", Name: "Amoxicillin 500mg", ActiveIngredient: "amoxicillin", Dose: "500mg", Form: "capsule", PriceCents: 120, RequiresPrescription: true},
		{SKU: "SKU-IBU-400", Name: "Ibuprofen 400mg", ActiveIngredient: "ibuprofen", Dose: "400mg", Form: "tablet", PriceCents: 40},
		{SKU: "SKU-OME-20", Name: "Omeprazole 20mg", ActiveIngredient: "omeprazole", Dose: "20mg", Form: "capsule", PriceCents: 90, RequiresPrescription: true},
		{SKU: "SKU-LOR-10", Name: "Loratadine 10mg", ActiveIngredient: "loratadine", Dose: "10mg", Form: "tablet", PriceCents: 60},
		{SKU: "SKU-SAL-100", Name: "Salbutamol Inhaler 100mcg", ActiveIngredient: "salbutamol", Dose: "100mcg", Form: "inhaler", PriceCents: 1850, RequiresPrescription: true},
		{SKU: "SKU-VTC-1000", Name: "Vitamin C 1000mg", ActiveIngredient: "ascorbic acid", Dose: "1000mg", Form: "tablet", PriceCents: 35},
		{SKU: "SKU-ORS-01", Name: "Oral Rehydration Salts", ActiveIngredient: "electrolytes", Form: "sachet", PriceCents: 150},
		{SKU: "SKU-MET-850", Name: "Metformin 850mg", ActiveIngredient: "metformin", Dose: "850mg", Form: "tablet", PriceCents: 30, RequiresPrescription: true},
	}
	stock := map[string]int{
		"SKU-SAL-100": 12,
		"SKU-MET-850": 5,
	}

	s.inventory[DefaultPharmacyID] = make(map[string]int)
	for _, p := range products {
		p.Active = true
		s.products[p.SKU] = p
		qty, ok := stock[p.SKU]
		if !ok {
			qty = 200
		}
		s.inventory[DefaultPharmacyID][p.SKU] = qty
	}

	issued := time.Now().UTC().Add(-24 * time.Hour)
	for _, rx := range []domain.Prescription{
		{
			ID: "rx-1001", PatientID: "patient-001", PrescriberName: "Dr. Amara Osei", IssuedAt: issued,
			Items: []domain.PrescribedItem{
				{Name: "Paracetamol 500mg", ActiveIngredient: "paracetamol", Dose: "500mg", Route: "oral", Frequency: "every 8 hours", Duration: "10 days", QuantityToDispense: 30, Unit: "tablet"},
				{Name: "Amoxicillin 500mg", ActiveIngredient: "amoxicillin", Dose: "500mg", Route: "oral", Frequency: "every 8 hours", Duration: "7 days", QuantityToDispense: 21, Unit: "capsule"},
			},
		},
		{
			ID: "rx-1002", PatientID: "patient-001", PrescriberName: "Dr. Amara Osei", IssuedAt: issued.Add(time.Hour),
			Items: []domain.PrescribedItem{
				{Name: "Salbutamol Inhaler 100mcg", ActiveIngredient: "salbutamol", Dose: "100mcg", Route: "inhaled", Frequency: "as needed", QuantityToDispense: 1, Unit: "inhaler"},
				{Name: "Insulin Glargine 100U/ml", ActiveIngredient: "insulin glargine", Dose: "100U/ml", Route: "subcutaneous", Frequency: "daily", QuantityToDispense: 1, Unit: "pen"},
			},
		},
		{
			ID: "rx-2001", PatientID: "patient-002", PrescriberName: "Dr. Lena Varga", IssuedAt: issued,
			Items: []domain.PrescribedItem{
				{Name: "Metformin 850mg", ActiveIngredient: "metformin", Dose: "850mg", Route: "oral", Frequency: "twice daily", Duration: "30 days", QuantityToDispense: 60, Unit: "tablet"},
			},
		},
	} {
		rx.Status = domain.PrescriptionStatusPending
		s.prescriptionsByID[rx.ID] = rx
	}

	return s
}

// SetStock overwrites the units available for a sku. Used by seeding and tests.
func (s *Store) SetStock(pharmacyID string, sku string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inventory[pharmacyID]; !ok {
		s.inventory[pharmacyID] = make(map[string]int)
	}
	s.inventory[pharmacyID][sku] = qty
}

func (s *Store) UpsertProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.SKU] = product
}

func (s *Store) UpsertPrescription(rx domain.Prescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rx.Status == "" {
		rx.Status = domain.PrescriptionStatusPending
	}
	s.prescriptionsByID[rx.ID] = clonePrescription(rx)
}

func (s *Store) GetStockQuote(_ context.Context, pharmacyID string, sku string) (*domain.StockQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[sku]
	if !ok || !product.Active {
		return nil, store.ErrNotFound
	}
	return s.quoteLocked(pharmacyID, product), nil
}

func (s *Store) FindStockQuoteByName(_ context.Context, pharmacyID string, name string) (*domain.StockQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return nil, store.ErrInvalidTransaction
	}
	skus := make([]string, 0, len(s.products))
	for sku := range s.products {
		skus = append(skus, sku)
	}
	slices.Sort(skus)
	for _, sku := range skus {
		product := s.products[sku]
		if product.Active && strings.ToLower(product.Name) == want {
			return s.quoteLocked(pharmacyID, product), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListStockQuotes(_ context.Context, pharmacyID string) ([]domain.StockQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	quotes := make([]domain.StockQuote, 0, len(s.products))
	for _, product := range s.products {
		if !product.Active {
			continue
		}
		quotes = append(quotes, *s.quoteLocked(pharmacyID, product))
	}
	slices.SortFunc(quotes, func(a, b domain.StockQuote) int {
		return strings.Compare(a.Name, b.Name)
	})
	return quotes, nil
}

func (s *Store) quoteLocked(pharmacyID string, product domain.Product) *domain.StockQuote {
	return &domain.StockQuote{
		PharmacyID:     pharmacyID,
		SKU:            product.SKU,
		Name:           product.Name,
		UnitsAvailable: s.inventory[pharmacyID][product.SKU],
		UnitPriceCents: product.PriceCents,
	}
}

func (s *Store) ListPrescriptionsByPatient(_ context.Context, patientID string) ([]domain.Prescription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Prescription, 0, 4)
	for _, rx := range s.prescriptionsByID {
		if rx.PatientID == patientID {
			result = append(result, clonePrescription(rx))
		}
	}
	slices.SortFunc(result, func(a, b domain.Prescription) int {
		if a.IssuedAt.Equal(b.IssuedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		return a.IssuedAt.Compare(b.IssuedAt)
	})
	return result, nil
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) FindOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if existing, ok := s.ordersByIdem[order.IdempotencyKey]; ok {
		return cloneOrder(existing), nil
	}

	session, ok := s.sessionsByID[order.CashSessionID]
	if !ok || !session.IsOpen() {
		return nil, fmt.Errorf("cash session %q: %w", order.CashSessionID, store.ErrSessionClosed)
	}
	if session.PharmacyID != order.PharmacyID {
		return nil, fmt.Errorf("cash session belongs to another pharmacy: %w", store.ErrInvalidTransaction)
	}

	stock := s.inventory[order.PharmacyID]
	for _, item := range order.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidTransaction
		}
		product, exists := s.products[item.SKU]
		if !exists || !product.Active {
			return nil, fmt.Errorf("sku %s unavailable: %w", item.SKU, store.ErrInvalidTransaction)
		}
	}

	if conflicts := store.LineConflicts(order.Items, stock); len(conflicts) > 0 {
		return nil, &store.StockConflictError{Conflicts: conflicts}
	}

	total := int64(0)
	recomputed := make([]domain.OrderLine, 0, len(order.Items))
	for _, item := range order.Items {
		product := s.products[item.SKU]
		item.Name = product.Name
		item.UnitPriceCents = product.PriceCents
		recomputed = append(recomputed, item)
		total += int64(item.Qty) * product.PriceCents
	}
	if total < 1 {
		return nil, store.ErrInvalidTransaction
	}
	order.Items = recomputed
	order.TotalCents = total

	var qr domain.QROrder
	switch order.PaymentMethod {
	case domain.PaymentMethodCash:
		if order.CashTenderedCents < total {
			return nil, fmt.Errorf("cash tendered below total: %w", store.ErrInvalidTransaction)
		}
		order.ChangeCents = order.CashTenderedCents - total
		order.PaymentStatus = domain.PaymentStatusSettled
	case domain.PaymentMethodCard:
		if strings.TrimSpace(order.CardReference) == "" {
			return nil, fmt.Errorf("card reference required: %w", store.ErrInvalidTransaction)
		}
		order.CashTenderedCents, order.ChangeCents = 0, 0
		order.PaymentStatus = domain.PaymentStatusSettled
	case domain.PaymentMethodQR:
		qr, ok = s.qrOrdersByID[order.QROrderID]
		if !ok {
			return nil, fmt.Errorf("qr order %q: %w", order.QROrderID, store.ErrInvalidTransaction)
		}
		if err := checkQRForOrder(qr, order); err != nil {
			return nil, err
		}
		order.CashTenderedCents, order.ChangeCents = 0, 0
		order.PaymentStatus = domain.PaymentStatusAwaitingSettlement
		if qr.Status == domain.QRStatusSettled {
			order.PaymentStatus = domain.PaymentStatusSettled
		}
	default:
		return nil, store.ErrInvalidTransaction
	}

	for _, update := range order.Dispensation {
		rx, exists := s.prescriptionsByID[update.PrescriptionID]
		if !exists || rx.PatientID != order.PatientID {
			return nil, fmt.Errorf("prescription %q: %w", update.PrescriptionID, store.ErrInvalidTransaction)
		}
		if !isDispensationStatus(update.Status) {
			return nil, store.ErrInvalidTransaction
		}
	}

	if order.ID == "" {
		order.ID = xid.New("order")
	}
	if order.ReceiptNumber == "" {
		order.ReceiptNumber = xid.Receipt(time.Now())
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	for sku, qty := range store.RequestedBySKU(order.Items) {
		stock[sku] -= qty
	}
	for _, update := range order.Dispensation {
		rx := s.prescriptionsByID[update.PrescriptionID]
		rx.Status = update.Status
		s.prescriptionsByID[rx.ID] = rx
	}
	if order.PaymentMethod == domain.PaymentMethodQR {
		qr.OrderID = order.ID
		s.qrOrdersByID[qr.ID] = qr
	}

	saved := cloneOrder(&order)
	s.ordersByID[order.ID] = saved
	s.ordersByIdem[order.IdempotencyKey] = saved
	return cloneOrder(saved), nil
}

func checkQRForOrder(qr domain.QROrder, order domain.Order) error {
	if qr.PharmacyID != order.PharmacyID {
		return fmt.Errorf("qr order belongs to another pharmacy: %w", store.ErrInvalidTransaction)
	}
	if qr.Status == domain.QRStatusRejected {
		return fmt.Errorf("qr order %s was rejected: %w", qr.ID, store.ErrInvalidTransaction)
	}
	if qr.OrderID != "" {
		return fmt.Errorf("qr order %s already used: %w", qr.ID, store.ErrInvalidTransaction)
	}
	if qr.AmountCents != order.TotalCents {
		return fmt.Errorf("qr amount %d does not match total %d: %w", qr.AmountCents, order.TotalCents, store.ErrInvalidTransaction)
	}
	return nil
}

func isDispensationStatus(status string) bool {
	switch status {
	case domain.DispensationDispensed, domain.DispensationIncomplete, domain.DispensationNotDispensed:
		return true
	default:
		return false
	}
}

func (s *Store) CreateCashSession(_ context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.PharmacyID) == "" || strings.TrimSpace(session.WorkerID) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if session.OpeningFloatCents < 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if holderID, exists := s.openSessionByPharmacy[session.PharmacyID]; exists {
		return nil, &store.SessionConflictError{Holder: cloneSession(s.sessionsByID[holderID])}
	}
	if session.ID == "" {
		session.ID = xid.New("session")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionStatusOpen
	session.ClosedAt = nil
	session.CalculatedClosingCents = nil
	session.CountedClosingCents = nil
	session.VarianceCents = nil

	s.sessionsByID[session.ID] = session
	s.openSessionByPharmacy[session.PharmacyID] = session.ID
	saved := cloneSession(session)
	return &saved, nil
}

func (s *Store) GetCashSession(_ context.Context, id string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	saved := cloneSession(session)
	return &saved, nil
}

func (s *Store) GetOpenCashSession(_ context.Context, pharmacyID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.openSessionByPharmacy[pharmacyID]
	if !ok {
		return nil, store.ErrNotFound
	}
	saved := cloneSession(s.sessionsByID[id])
	return &saved, nil
}

func (s *Store) SummarizeCashSession(_ context.Context, id string) (domain.CashSessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return domain.CashSessionSummary{}, store.ErrNotFound
	}
	return s.summarizeLocked(session), nil
}

func (s *Store) summarizeLocked(session domain.CashSession) domain.CashSessionSummary {
	summary := domain.CashSessionSummary{
		SessionID:         session.ID,
		OpeningFloatCents: session.OpeningFloatCents,
	}
	for _, order := range s.ordersByID {
		if order.CashSessionID != session.ID {
			continue
		}
		summary.OrderCount++
		switch order.PaymentMethod {
		case domain.PaymentMethodCash:
			summary.CashSalesCents += order.TotalCents
		case domain.PaymentMethodCard:
			summary.CardSalesCents += order.TotalCents
		case domain.PaymentMethodQR:
			if order.PaymentStatus == domain.PaymentStatusRejected {
				continue
			}
			summary.QRSalesCents += order.TotalCents
			if order.PaymentStatus == domain.PaymentStatusAwaitingSettlement {
				summary.QRUnsettledCents += order.TotalCents
			}
		}
	}
	for _, payment := range s.appointmentPayments {
		if payment.CashSessionID != session.ID {
			continue
		}
		if payment.Method == domain.PaymentMethodCash {
			summary.CashAppointmentPaymentsCents += payment.AmountCents
		} else {
			summary.OtherAppointmentPaymentsCents += payment.AmountCents
		}
	}
	return summary
}

func (s *Store) CloseCashSession(_ context.Context, id string, closing domain.CashSessionClose) (*domain.CashSession, domain.CashSessionSummary, error) {
	if closing.CountedCashCents < 0 {
		return nil, domain.CashSessionSummary{}, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[id]
	if !ok {
		return nil, domain.CashSessionSummary{}, store.ErrNotFound
	}
	if !session.IsOpen() {
		return nil, domain.CashSessionSummary{}, store.ErrSessionClosed
	}
	if closing.ClosedAt.IsZero() {
		closing.ClosedAt = time.Now().UTC()
	}

	summary := s.summarizeLocked(session)
	expected := summary.ExpectedCashCents()
	counted := closing.CountedCashCents
	variance := counted - expected

	session.Status = domain.CashSessionStatusClosed
	session.ClosedAt = &closing.ClosedAt
	session.CalculatedClosingCents = &expected
	session.CountedClosingCents = &counted
	session.VarianceCents = &variance
	session.ClosingNotes = strings.TrimSpace(closing.Notes)
	session.ClosedBy = closing.ClosedBy

	s.sessionsByID[id] = session
	delete(s.openSessionByPharmacy, session.PharmacyID)
	saved := cloneSession(session)
	return &saved, summary, nil
}

func (s *Store) CreateAppointmentPayment(_ context.Context, payment domain.AppointmentPayment) (*domain.AppointmentPayment, error) {
	if payment.AmountCents < 1 || strings.TrimSpace(payment.Method) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessionsByID[payment.CashSessionID]
	if !ok || !session.IsOpen() {
		return nil, store.ErrSessionClosed
	}
	if payment.ID == "" {
		payment.ID = xid.New("appt-pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.PharmacyID = session.PharmacyID
	s.appointmentPayments = append(s.appointmentPayments, payment)
	saved := payment
	return &saved, nil
}

func (s *Store) CreateQROrder(_ context.Context, order domain.QROrder) (*domain.QROrder, error) {
	if order.ID == "" || order.AmountCents < 1 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.qrOrdersByID[order.ID]; exists {
		return nil, store.ErrInvalidTransaction
	}
	if order.Status == "" {
		order.Status = domain.QRStatusPending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	s.qrOrdersByID[order.ID] = order
	saved := order
	return &saved, nil
}

func (s *Store) GetQROrder(_ context.Context, id string) (*domain.QROrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.qrOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &order, nil
}

func (s *Store) SettleQROrder(_ context.Context, id string, status string, at time.Time) (*domain.QROrder, error) {
	if status != domain.QRStatusSettled && status != domain.QRStatusRejected {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	qr, ok := s.qrOrdersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if qr.Status == status {
		return &qr, nil
	}
	if qr.Status != domain.QRStatusPending {
		return nil, fmt.Errorf("qr order %s already %s: %w", id, qr.Status, store.ErrInvalidTransaction)
	}
	qr.Status = status
	qr.SettledAt = &at
	s.qrOrdersByID[id] = qr

	if order, exists := s.ordersByID[qr.OrderID]; exists {
		order.PaymentStatus = domain.PaymentStatusSettled
		if status == domain.QRStatusRejected {
			order.PaymentStatus = domain.PaymentStatusRejected
		}
	}
	return &qr, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, pharmacyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if pharmacyID != "" && entry.PharmacyID != pharmacyID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidTransaction
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleWorker
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Items = slices.Clone(src.Items)
	dup.Dispensation = make([]domain.DispensationUpdate, len(src.Dispensation))
	for i, update := range src.Dispensation {
		update.Items = slices.Clone(update.Items)
		dup.Dispensation[i] = update
	}
	return &dup
}

func clonePrescription(src domain.Prescription) domain.Prescription {
	dup := src
	dup.Items = slices.Clone(src.Items)
	return dup
}

func cloneSession(src domain.CashSession) domain.CashSession {
	dup := src
	if src.ClosedAt != nil {
		at := *src.ClosedAt
		dup.ClosedAt = &at
	}
	dup.CalculatedClosingCents = cloneInt64(src.CalculatedClosingCents)
	dup.CountedClosingCents = cloneInt64(src.CountedClosingCents)
	dup.VarianceCents = cloneInt64(src.VarianceCents)
	return dup
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	dup := *v
	return &dup
}
