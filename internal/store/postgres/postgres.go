package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"pharmapos/internal/domain"
	"pharmapos/internal/store"
	"pharmapos/internal/xid"
)

type Store struct {
	db *sql.DB
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const stockQuoteSelect = `
	SELECT p.sku, p.name, p.price_cents, COALESCE(i.qty, 0)
	FROM products p
	LEFT JOIN inventory_stocks i ON i.sku = p.sku AND i.pharmacy_id = $1
`

func scanStockQuote(row interface{ Scan(dest ...any) error }, pharmacyID string) (*domain.StockQuote, error) {
	quote := domain.StockQuote{PharmacyID: pharmacyID}
	if err := row.Scan(&quote.SKU, &quote.Name, &quote.UnitPriceCents, &quote.UnitsAvailable); err != nil {
		return nil, err
	}
	return &quote, nil
}

func (s *Store) GetStockQuote(ctx context.Context, pharmacyID string, sku string) (*domain.StockQuote, error) {
	row := s.db.QueryRowContext(ctx, stockQuoteSelect+`
		WHERE p.sku = $2 AND p.active = true
	`, pharmacyID, sku)
	quote, err := scanStockQuote(row, pharmacyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return quote, nil
}

func (s *Store) FindStockQuoteByName(ctx context.Context, pharmacyID string, name string) (*domain.StockQuote, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, store.ErrInvalidTransaction
	}
	row := s.db.QueryRowContext(ctx, stockQuoteSelect+`
		WHERE lower(p.name) = lower($2) AND p.active = true
		ORDER BY p.sku
		LIMIT 1
	`, pharmacyID, name)
	quote, err := scanStockQuote(row, pharmacyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return quote, nil
}

func (s *Store) ListStockQuotes(ctx context.Context, pharmacyID string) ([]domain.StockQuote, error) {
	rows, err := s.db.QueryContext(ctx, stockQuoteSelect+`
		WHERE p.active = true
		ORDER BY p.name
	`, pharmacyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := make([]domain.StockQuote, 0, 128)
	for rows.Next() {
		quote, err := scanStockQuote(rows, pharmacyID)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, *quote)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return quotes, nil
}

func (s *Store) ListPrescriptionsByPatient(ctx context.Context, patientID string) ([]domain.Prescription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, patient_id, prescriber_name, status, issued_at
		FROM prescriptions
		WHERE patient_id = $1
		ORDER BY issued_at ASC, id ASC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prescriptions := make([]domain.Prescription, 0, 4)
	index := make(map[string]int)
	for rows.Next() {
		var rx domain.Prescription
		if err := rows.Scan(&rx.ID, &rx.PatientID, &rx.PrescriberName, &rx.Status, &rx.IssuedAt); err != nil {
			return nil, err
		}
		rx.IssuedAt = rx.IssuedAt.UTC()
		rx.Items = make([]domain.PrescribedItem, 0, 4)
		index[rx.ID] = len(prescriptions)
		prescriptions = append(prescriptions, rx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(prescriptions) == 0 {
		return prescriptions, nil
	}

	ids := make([]string, 0, len(prescriptions))
	for _, rx := range prescriptions {
		ids = append(ids, rx.ID)
	}
	itemRows, err := s.db.QueryContext(ctx, `
		SELECT prescription_id, name, active_ingredient, dose, route, frequency, duration, quantity_to_dispense, unit
		FROM prescription_items
		WHERE prescription_id = ANY($1)
		ORDER BY id ASC
	`, ids)
	if err != nil {
		return nil, err
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var rxID string
		var item domain.PrescribedItem
		if err := itemRows.Scan(&rxID, &item.Name, &item.ActiveIngredient, &item.Dose, &item.Route,
			&item.Frequency, &item.Duration, &item.QuantityToDispense, &item.Unit); err != nil {
			return nil, err
		}
		pos, ok := index[rxID]
		if !ok {
			continue
		}
		prescriptions[pos].Items = append(prescriptions[pos].Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, err
	}
	return prescriptions, nil
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	return s.findOrder(ctx, "idempotency_key", key)
}

func (s *Store) FindOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	return s.findOrder(ctx, "id", id)
}

func (s *Store) findOrder(ctx context.Context, column string, value string) (*domain.Order, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, fmt.Errorf("unsupported lookup column")
	}

	var order domain.Order
	var patientID sql.NullString
	var cardReference sql.NullString
	var qrOrderID sql.NullString

	query := fmt.Sprintf(`
		SELECT id, receipt_number, pharmacy_id, cash_session_id, worker_id, patient_id, walk_in,
			idempotency_key, payment_method, payment_status, card_reference, qr_order_id,
			total_cents, cash_tendered_cents, change_cents, created_at
		FROM orders
		WHERE %s = $1
	`, column)

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&order.ID,
		&order.ReceiptNumber,
		&order.PharmacyID,
		&order.CashSessionID,
		&order.WorkerID,
		&patientID,
		&order.WalkIn,
		&order.IdempotencyKey,
		&order.PaymentMethod,
		&order.PaymentStatus,
		&cardReference,
		&qrOrderID,
		&order.TotalCents,
		&order.CashTenderedCents,
		&order.ChangeCents,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.PatientID = patientID.String
	order.CardReference = cardReference.String
	order.QROrderID = qrOrderID.String
	order.CreatedAt = order.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, qty, unit_price_cents, COALESCE(prescription_id, ''), COALESCE(prescribed_item_name, '')
		FROM order_items
		WHERE order_id = $1
		ORDER BY id ASC
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderLine, 0, 8)
	for rows.Next() {
		var item domain.OrderLine
		if err := rows.Scan(&item.SKU, &item.Name, &item.Qty, &item.UnitPriceCents, &item.PrescriptionID, &item.PrescribedItemName); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	order.Items = items

	dispRows, err := s.db.QueryContext(ctx, `
		SELECT prescription_id, status, items
		FROM dispensation_records
		WHERE order_id = $1
		ORDER BY id ASC
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer dispRows.Close()

	for dispRows.Next() {
		var update domain.DispensationUpdate
		var raw []byte
		if err := dispRows.Scan(&update.PrescriptionID, &update.Status, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &update.Items); err != nil {
			return nil, fmt.Errorf("decode dispensation items: %w", err)
		}
		order.Dispensation = append(order.Dispensation, update)
	}
	if err := dispRows.Err(); err != nil {
		return nil, err
	}

	return &order, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.IdempotencyKey == "" || len(order.Items) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var sessionPharmacy, sessionStatus string
	err = pgTx.QueryRowContext(ctx, `
		SELECT pharmacy_id, status
		FROM cash_sessions
		WHERE id = $1
		FOR SHARE
	`, order.CashSessionID).Scan(&sessionPharmacy, &sessionStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cash session %q: %w", order.CashSessionID, store.ErrSessionClosed)
		}
		return nil, err
	}
	if sessionStatus != domain.CashSessionStatusOpen {
		return nil, fmt.Errorf("cash session %q: %w", order.CashSessionID, store.ErrSessionClosed)
	}
	if sessionPharmacy != order.PharmacyID {
		return nil, fmt.Errorf("cash session belongs to another pharmacy: %w", store.ErrInvalidTransaction)
	}

	skus := uniqueSKUs(order.Items)
	if len(skus) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	productRows, err := pgTx.QueryContext(ctx, `
		SELECT sku, name, price_cents
		FROM products
		WHERE active = true AND sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	productMap := make(map[string]domain.Product, len(skus))
	for productRows.Next() {
		var p domain.Product
		if err := productRows.Scan(&p.SKU, &p.Name, &p.PriceCents); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		productMap[p.SKU] = p
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	stockRows, err := pgTx.QueryContext(ctx, `
		SELECT sku, qty
		FROM inventory_stocks
		WHERE pharmacy_id = $1 AND sku = ANY($2)
		FOR UPDATE
	`, order.PharmacyID, skus)
	if err != nil {
		return nil, err
	}
	stockMap := make(map[string]int, len(skus))
	for stockRows.Next() {
		var sku string
		var qty int
		if err := stockRows.Scan(&sku, &qty); err != nil {
			_ = stockRows.Close()
			return nil, err
		}
		stockMap[sku] = qty
	}
	if err := stockRows.Err(); err != nil {
		_ = stockRows.Close()
		return nil, err
	}
	_ = stockRows.Close()

	for _, item := range order.Items {
		if item.Qty < 1 {
			return nil, store.ErrInvalidTransaction
		}
		if _, exists := productMap[item.SKU]; !exists {
			return nil, fmt.Errorf("sku %s unavailable: %w", item.SKU, store.ErrInvalidTransaction)
		}
	}

	if conflicts := store.LineConflicts(order.Items, stockMap); len(conflicts) > 0 {
		return nil, &store.StockConflictError{Conflicts: conflicts}
	}

	totalCents := int64(0)
	recomputed := make([]domain.OrderLine, 0, len(order.Items))
	for _, item := range order.Items {
		product := productMap[item.SKU]
		item.Name = product.Name
		item.UnitPriceCents = product.PriceCents
		recomputed = append(recomputed, item)
		totalCents += product.PriceCents * int64(item.Qty)
	}
	if totalCents < 1 {
		return nil, store.ErrInvalidTransaction
	}
	order.Items = recomputed
	order.TotalCents = totalCents

	switch order.PaymentMethod {
	case domain.PaymentMethodCash:
		if order.CashTenderedCents < totalCents {
			return nil, fmt.Errorf("cash tendered below total: %w", store.ErrInvalidTransaction)
		}
		order.ChangeCents = order.CashTenderedCents - totalCents
		order.PaymentStatus = domain.PaymentStatusSettled
	case domain.PaymentMethodCard:
		if strings.TrimSpace(order.CardReference) == "" {
			return nil, fmt.Errorf("card reference required: %w", store.ErrInvalidTransaction)
		}
		order.CashTenderedCents, order.ChangeCents = 0, 0
		order.PaymentStatus = domain.PaymentStatusSettled
	case domain.PaymentMethodQR:
		var qr domain.QROrder
		var linkedOrder sql.NullString
		err := pgTx.QueryRowContext(ctx, `
			SELECT id, pharmacy_id, amount_cents, status, order_id
			FROM qr_orders
			WHERE id = $1
			FOR UPDATE
		`, order.QROrderID).Scan(&qr.ID, &qr.PharmacyID, &qr.AmountCents, &qr.Status, &linkedOrder)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("qr order %q: %w", order.QROrderID, store.ErrInvalidTransaction)
			}
			return nil, err
		}
		switch {
		case qr.PharmacyID != order.PharmacyID:
			return nil, fmt.Errorf("qr order belongs to another pharmacy: %w", store.ErrInvalidTransaction)
		case qr.Status == domain.QRStatusRejected:
			return nil, fmt.Errorf("qr order %s was rejected: %w", qr.ID, store.ErrInvalidTransaction)
		case linkedOrder.Valid:
			return nil, fmt.Errorf("qr order %s already used: %w", qr.ID, store.ErrInvalidTransaction)
		case qr.AmountCents != totalCents:
			return nil, fmt.Errorf("qr amount %d does not match total %d: %w", qr.AmountCents, totalCents, store.ErrInvalidTransaction)
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
		var patientID string
		err := pgTx.QueryRowContext(ctx, `
			SELECT patient_id FROM prescriptions WHERE id = $1 FOR UPDATE
		`, update.PrescriptionID).Scan(&patientID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("prescription %q: %w", update.PrescriptionID, store.ErrInvalidTransaction)
			}
			return nil, err
		}
		if patientID != order.PatientID || !isDispensationStatus(update.Status) {
			return nil, fmt.Errorf("prescription %q: %w", update.PrescriptionID, store.ErrInvalidTransaction)
		}
	}

	if order.ID == "" {
		order.ID = xid.New("order")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.ReceiptNumber == "" {
		order.ReceiptNumber = xid.Receipt(order.CreatedAt)
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO orders (
			id, receipt_number, pharmacy_id, cash_session_id, worker_id, patient_id, walk_in,
			idempotency_key, payment_method, payment_status, card_reference, qr_order_id,
			total_cents, cash_tendered_cents, change_cents, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, order.ID, order.ReceiptNumber, order.PharmacyID, order.CashSessionID, order.WorkerID,
		nullIfEmpty(order.PatientID), order.WalkIn, order.IdempotencyKey, order.PaymentMethod,
		order.PaymentStatus, nullIfEmpty(order.CardReference), nullIfEmpty(order.QROrderID),
		order.TotalCents, order.CashTenderedCents, order.ChangeCents, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			_ = pgTx.Rollback()
			existing, lookupErr := s.FindOrderByIdempotency(ctx, order.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, item := range order.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, sku, name, qty, unit_price_cents, prescription_id, prescribed_item_name)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, order.ID, item.SKU, item.Name, item.Qty, item.UnitPriceCents,
			nullIfEmpty(item.PrescriptionID), nullIfEmpty(item.PrescribedItemName))
		if err != nil {
			return nil, err
		}
	}

	for sku, qty := range store.RequestedBySKU(order.Items) {
		_, err := pgTx.ExecContext(ctx, `
			UPDATE inventory_stocks
			SET qty = qty - $1, updated_at = now()
			WHERE pharmacy_id = $2 AND sku = $3
		`, qty, order.PharmacyID, sku)
		if err != nil {
			return nil, err
		}
	}

	for _, update := range order.Dispensation {
		items, err := json.Marshal(update.Items)
		if err != nil {
			return nil, err
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO dispensation_records (order_id, prescription_id, status, items, created_at)
			VALUES ($1,$2,$3,$4,$5)
		`, order.ID, update.PrescriptionID, update.Status, items, order.CreatedAt); err != nil {
			return nil, err
		}
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE prescriptions SET status = $2, updated_at = now() WHERE id = $1
		`, update.PrescriptionID, update.Status); err != nil {
			return nil, err
		}
	}

	if order.PaymentMethod == domain.PaymentMethodQR {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE qr_orders SET order_id = $2 WHERE id = $1
		`, order.QROrderID, order.ID); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &order, nil
}

func isDispensationStatus(status string) bool {
	switch status {
	case domain.DispensationDispensed, domain.DispensationIncomplete, domain.DispensationNotDispensed:
		return true
	default:
		return false
	}
}

const cashSessionColumns = `
	id, pharmacy_id, worker_id, status, opening_float_cents, opened_at, closed_at,
	calculated_closing_cents, counted_closing_cents, variance_cents, closing_notes, closed_by
`

func scanCashSession(row interface{ Scan(dest ...any) error }) (*domain.CashSession, error) {
	var session domain.CashSession
	var closedAt sql.NullTime
	var calculated, counted, variance sql.NullInt64
	if err := row.Scan(
		&session.ID,
		&session.PharmacyID,
		&session.WorkerID,
		&session.Status,
		&session.OpeningFloatCents,
		&session.OpenedAt,
		&closedAt,
		&calculated,
		&counted,
		&variance,
		&session.ClosingNotes,
		&session.ClosedBy,
	); err != nil {
		return nil, err
	}
	session.OpenedAt = session.OpenedAt.UTC()
	if closedAt.Valid {
		at := closedAt.Time.UTC()
		session.ClosedAt = &at
	}
	session.CalculatedClosingCents = nullInt64Ptr(calculated)
	session.CountedClosingCents = nullInt64Ptr(counted)
	session.VarianceCents = nullInt64Ptr(variance)
	return &session, nil
}

func (s *Store) CreateCashSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if strings.TrimSpace(session.PharmacyID) == "" || strings.TrimSpace(session.WorkerID) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if session.OpeningFloatCents < 0 {
		return nil, store.ErrInvalidTransaction
	}
	if session.ID == "" {
		session.ID = xid.New("session")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.CashSessionStatusOpen

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cash_sessions (id, pharmacy_id, worker_id, status, opening_float_cents, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, session.ID, session.PharmacyID, session.WorkerID, session.Status, session.OpeningFloatCents, session.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			holder, lookupErr := s.GetOpenCashSession(ctx, session.PharmacyID)
			if lookupErr != nil {
				return nil, store.ErrSessionConflict
			}
			return nil, &store.SessionConflictError{Holder: *holder}
		}
		return nil, err
	}
	saved := session
	return &saved, nil
}

func (s *Store) GetCashSession(ctx context.Context, id string) (*domain.CashSession, error) {
	session, err := scanCashSession(s.db.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+`
		FROM cash_sessions
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) GetOpenCashSession(ctx context.Context, pharmacyID string) (*domain.CashSession, error) {
	session, err := scanCashSession(s.db.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+`
		FROM cash_sessions
		WHERE pharmacy_id = $1 AND status = 'open'
	`, pharmacyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return session, nil
}

func (s *Store) SummarizeCashSession(ctx context.Context, id string) (domain.CashSessionSummary, error) {
	session, err := s.GetCashSession(ctx, id)
	if err != nil {
		return domain.CashSessionSummary{}, err
	}
	return summarize(ctx, s.db, *session)
}

func summarize(ctx context.Context, q queryer, session domain.CashSession) (domain.CashSessionSummary, error) {
	summary := domain.CashSessionSummary{
		SessionID:         session.ID,
		OpeningFloatCents: session.OpeningFloatCents,
	}
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(total_cents) FILTER (WHERE payment_method = 'cash'), 0),
			COALESCE(SUM(total_cents) FILTER (WHERE payment_method = 'card'), 0),
			COALESCE(SUM(total_cents) FILTER (WHERE payment_method = 'qr' AND payment_status <> 'rejected'), 0),
			COALESCE(SUM(total_cents) FILTER (WHERE payment_method = 'qr' AND payment_status = 'awaiting_settlement'), 0),
			COUNT(*)
		FROM orders
		WHERE cash_session_id = $1
	`, session.ID).Scan(
		&summary.CashSalesCents,
		&summary.CardSalesCents,
		&summary.QRSalesCents,
		&summary.QRUnsettledCents,
		&summary.OrderCount,
	)
	if err != nil {
		return domain.CashSessionSummary{}, err
	}
	err = q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount_cents) FILTER (WHERE method = 'cash'), 0),
			COALESCE(SUM(amount_cents) FILTER (WHERE method <> 'cash'), 0)
		FROM appointment_payments
		WHERE cash_session_id = $1
	`, session.ID).Scan(&summary.CashAppointmentPaymentsCents, &summary.OtherAppointmentPaymentsCents)
	if err != nil {
		return domain.CashSessionSummary{}, err
	}
	return summary, nil
}

func (s *Store) CloseCashSession(ctx context.Context, id string, closing domain.CashSessionClose) (*domain.CashSession, domain.CashSessionSummary, error) {
	if closing.CountedCashCents < 0 {
		return nil, domain.CashSessionSummary{}, store.ErrInvalidTransaction
	}
	if closing.ClosedAt.IsZero() {
		closing.ClosedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, domain.CashSessionSummary{}, err
	}
	defer func() { _ = pgTx.Rollback() }()

	session, err := scanCashSession(pgTx.QueryRowContext(ctx, `
		SELECT `+cashSessionColumns+`
		FROM cash_sessions
		WHERE id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.CashSessionSummary{}, store.ErrNotFound
		}
		return nil, domain.CashSessionSummary{}, err
	}
	if !session.IsOpen() {
		return nil, domain.CashSessionSummary{}, store.ErrSessionClosed
	}

	summary, err := summarize(ctx, pgTx, *session)
	if err != nil {
		return nil, domain.CashSessionSummary{}, err
	}
	expected := summary.ExpectedCashCents()
	variance := closing.CountedCashCents - expected

	closed, err := scanCashSession(pgTx.QueryRowContext(ctx, `
		UPDATE cash_sessions
		SET status = 'closed', closed_at = $2, calculated_closing_cents = $3,
			counted_closing_cents = $4, variance_cents = $5, closing_notes = $6, closed_by = $7
		WHERE id = $1
		RETURNING `+cashSessionColumns,
		id, closing.ClosedAt, expected, closing.CountedCashCents, variance,
		strings.TrimSpace(closing.Notes), closing.ClosedBy))
	if err != nil {
		return nil, domain.CashSessionSummary{}, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, domain.CashSessionSummary{}, err
	}
	return closed, summary, nil
}

func (s *Store) CreateAppointmentPayment(ctx context.Context, payment domain.AppointmentPayment) (*domain.AppointmentPayment, error) {
	if payment.AmountCents < 1 || strings.TrimSpace(payment.Method) == "" {
		return nil, store.ErrInvalidTransaction
	}
	if payment.ID == "" {
		payment.ID = xid.New("appt-pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO appointment_payments (id, pharmacy_id, cash_session_id, appointment_id, patient_id, method, amount_cents, created_at)
		SELECT $1, pharmacy_id, id, $3, $4, $5, $6, $7
		FROM cash_sessions
		WHERE id = $2 AND status = 'open'
		RETURNING pharmacy_id
	`, payment.ID, payment.CashSessionID, payment.AppointmentID, nullIfEmpty(payment.PatientID),
		payment.Method, payment.AmountCents, payment.CreatedAt).Scan(&payment.PharmacyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSessionClosed
		}
		return nil, err
	}
	saved := payment
	return &saved, nil
}

const qrOrderColumns = `id, pharmacy_id, amount_cents, description, payload, status, order_id, created_at, settled_at`

func scanQROrder(row interface{ Scan(dest ...any) error }) (*domain.QROrder, error) {
	var qr domain.QROrder
	var orderID sql.NullString
	var settledAt sql.NullTime
	if err := row.Scan(&qr.ID, &qr.PharmacyID, &qr.AmountCents, &qr.Description, &qr.Payload,
		&qr.Status, &orderID, &qr.CreatedAt, &settledAt); err != nil {
		return nil, err
	}
	qr.OrderID = orderID.String
	qr.CreatedAt = qr.CreatedAt.UTC()
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		qr.SettledAt = &at
	}
	return &qr, nil
}

func (s *Store) CreateQROrder(ctx context.Context, order domain.QROrder) (*domain.QROrder, error) {
	if order.ID == "" || order.AmountCents < 1 {
		return nil, store.ErrInvalidTransaction
	}
	if order.Status == "" {
		order.Status = domain.QRStatusPending
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qr_orders (id, pharmacy_id, amount_cents, description, payload, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, order.ID, order.PharmacyID, order.AmountCents, order.Description, order.Payload, order.Status, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidTransaction
		}
		return nil, err
	}
	saved := order
	return &saved, nil
}

func (s *Store) GetQROrder(ctx context.Context, id string) (*domain.QROrder, error) {
	qr, err := scanQROrder(s.db.QueryRowContext(ctx, `
		SELECT `+qrOrderColumns+` FROM qr_orders WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return qr, nil
}

func (s *Store) SettleQROrder(ctx context.Context, id string, status string, at time.Time) (*domain.QROrder, error) {
	if status != domain.QRStatusSettled && status != domain.QRStatusRejected {
		return nil, store.ErrInvalidTransaction
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	qr, err := scanQROrder(pgTx.QueryRowContext(ctx, `
		SELECT `+qrOrderColumns+` FROM qr_orders WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if qr.Status == status {
		return qr, nil
	}
	if qr.Status != domain.QRStatusPending {
		return nil, fmt.Errorf("qr order %s already %s: %w", id, qr.Status, store.ErrInvalidTransaction)
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE qr_orders SET status = $2, settled_at = $3 WHERE id = $1
	`, id, status, at); err != nil {
		return nil, err
	}
	paymentStatus := domain.PaymentStatusSettled
	if status == domain.QRStatusRejected {
		paymentStatus = domain.PaymentStatusRejected
	}
	if qr.OrderID != "" {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE orders SET payment_status = $2 WHERE id = $1
		`, qr.OrderID, paymentStatus); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	qr.Status = status
	settled := at.UTC()
	qr.SettledAt = &settled
	return qr, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, pharmacy_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.PharmacyID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, pharmacyID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pharmacy_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE ($1 = '' OR pharmacy_id = $1)
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, pharmacyID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.PharmacyID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleWorker
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,true,$4,$4)
	`, user.Username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueSKUs(items []domain.OrderLine) []string {
	if len(items) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item.SKU == "" {
			continue
		}
		set[item.SKU] = struct{}{}
	}

	skus := make([]string, 0, len(set))
	for sku := range set {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	return skus
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullInt64Ptr(val sql.NullInt64) *int64 {
	if !val.Valid {
		return nil
	}
	v := val.Int64
	return &v
}
