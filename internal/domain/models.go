package domain

import "time"

type Product struct {
	SKU                  string `json:"sku"`
	Name                 string `json:"name"`
	ActiveIngredient     string `json:"active_ingredient"`
	Dose                 string `json:"dose"`
	Form                 string `json:"form"`
	PriceCents           int64  `json:"price_cents"`
	RequiresPrescription bool   `json:"requires_prescription"`
	Active               bool   `json:"active"`
}

// StockQuote is the Stock Oracle answer for one product at one pharmacy.
type StockQuote struct {
	PharmacyID     string `json:"pharmacy_id"`
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	UnitsAvailable int    `json:"units_available"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type PrescribedItem struct {
	Name               string `json:"name"`
	ActiveIngredient   string `json:"active_ingredient,omitempty"`
	Dose               string `json:"dose,omitempty"`
	Route              string `json:"route,omitempty"`
	Frequency          string `json:"frequency,omitempty"`
	Duration           string `json:"duration,omitempty"`
	QuantityToDispense int    `json:"quantity_to_dispense"`
	Unit               string `json:"unit,omitempty"`
}

type Prescription struct {
	ID             string           `json:"id"`
	PatientID      string           `json:"patient_id"`
	PrescriberName string           `json:"prescriber_name"`
	Status         string           `json:"status"`
	IssuedAt       time.Time        `json:"issued_at"`
	Items          []PrescribedItem `json:"items"`
}

type PrescriptionLink struct {
	PrescriptionID string         `json:"prescription_id"`
	Item           PrescribedItem `json:"item"`
}

type DispensedItem struct {
	Name      string `json:"name"`
	Required  int    `json:"required"`
	Dispensed int    `json:"dispensed"`
}

type DispensationUpdate struct {
	PrescriptionID string          `json:"prescription_id"`
	Status         string          `json:"status"`
	Items          []DispensedItem `json:"items"`
}

type OrderLine struct {
	SKU                string `json:"sku"`
	Name               string `json:"name,omitempty"`
	Qty                int    `json:"qty"`
	UnitPriceCents     int64  `json:"unit_price_cents"`
	PrescriptionID     string `json:"prescription_id,omitempty"`
	PrescribedItemName string `json:"prescribed_item_name,omitempty"`
}

type Order struct {
	ID                string               `json:"id"`
	ReceiptNumber     string               `json:"receipt_number"`
	PharmacyID        string               `json:"pharmacy_id"`
	CashSessionID     string               `json:"cash_session_id"`
	WorkerID          string               `json:"worker_id"`
	PatientID         string               `json:"patient_id,omitempty"`
	WalkIn            bool                 `json:"walk_in"`
	IdempotencyKey    string               `json:"idempotency_key"`
	PaymentMethod     string               `json:"payment_method"`
	PaymentStatus     string               `json:"payment_status"`
	CardReference     string               `json:"card_reference,omitempty"`
	QROrderID         string               `json:"qr_order_id,omitempty"`
	TotalCents        int64                `json:"total_cents"`
	CashTenderedCents int64                `json:"cash_tendered_cents"`
	ChangeCents       int64                `json:"change_cents"`
	Items             []OrderLine          `json:"items"`
	Dispensation      []DispensationUpdate `json:"dispensation,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

type OrderSubmitRequest struct {
	PharmacyID        string               `json:"pharmacy_id"`
	IdempotencyKey    string               `json:"idempotency_key"`
	CashSessionID     string               `json:"cash_session_id"`
	WorkerID          string               `json:"worker_id"`
	PatientID         string               `json:"patient_id,omitempty"`
	WalkIn            bool                 `json:"walk_in"`
	PaymentMethod     string               `json:"payment_method"`
	CashTenderedCents int64                `json:"cash_tendered_cents,omitempty"`
	CardReference     string               `json:"card_reference,omitempty"`
	QROrderID         string               `json:"qr_order_id,omitempty"`
	Items             []OrderLine          `json:"items"`
	Dispensation      []DispensationUpdate `json:"dispensation,omitempty"`
}

type OrderSubmitResponse struct {
	OrderID       string               `json:"order_id"`
	ReceiptNumber string               `json:"receipt_number"`
	PaymentMethod string               `json:"payment_method"`
	PaymentStatus string               `json:"payment_status"`
	TotalCents    int64                `json:"total_cents"`
	ChangeCents   int64                `json:"change_cents"`
	ItemCount     int                  `json:"item_count"`
	CashSessionID string               `json:"cash_session_id"`
	Dispensation  []DispensationUpdate `json:"dispensation,omitempty"`
	Duplicate     bool                 `json:"duplicate"`
	CreatedAt     string               `json:"created_at"`
}

type OrderLookupResponse struct {
	Found bool                 `json:"found"`
	Order *OrderSubmitResponse `json:"order,omitempty"`
}

// StockConflict describes one order line the authoritative stock can no longer cover.
type StockConflict struct {
	SKU                string `json:"sku"`
	PrescriptionID     string `json:"prescription_id,omitempty"`
	PrescribedItemName string `json:"prescribed_item_name,omitempty"`
	Requested          int    `json:"requested"`
	Available          int    `json:"available"`
}

type CashSession struct {
	ID                     string     `json:"id"`
	PharmacyID             string     `json:"pharmacy_id"`
	WorkerID               string     `json:"worker_id"`
	Status                 string     `json:"status"`
	OpeningFloatCents      int64      `json:"opening_float_cents"`
	OpenedAt               time.Time  `json:"opened_at"`
	ClosedAt               *time.Time `json:"closed_at,omitempty"`
	CalculatedClosingCents *int64     `json:"calculated_closing_cents,omitempty"`
	CountedClosingCents    *int64     `json:"counted_closing_cents,omitempty"`
	VarianceCents          *int64     `json:"variance_cents,omitempty"`
	ClosingNotes           string     `json:"closing_notes,omitempty"`
	ClosedBy               string     `json:"closed_by,omitempty"`
}

func (s CashSession) IsOpen() bool {
	return s.Status == CashSessionStatusOpen
}

type CashSessionSummary struct {
	SessionID                     string `json:"session_id"`
	OpeningFloatCents             int64  `json:"opening_float_cents"`
	CashSalesCents                int64  `json:"cash_sales_cents"`
	CardSalesCents                int64  `json:"card_sales_cents"`
	QRSalesCents                  int64  `json:"qr_sales_cents"`
	QRUnsettledCents              int64  `json:"qr_unsettled_cents"`
	CashAppointmentPaymentsCents  int64  `json:"cash_appointment_payments_cents"`
	OtherAppointmentPaymentsCents int64  `json:"other_appointment_payments_cents"`
	OrderCount                    int    `json:"order_count"`
}

// ExpectedCashCents is what the drawer should hold: only cash flows count.
func (s CashSessionSummary) ExpectedCashCents() int64 {
	return s.OpeningFloatCents + s.CashSalesCents + s.CashAppointmentPaymentsCents
}

type CashSessionOpenRequest struct {
	PharmacyID        string `json:"pharmacy_id"`
	WorkerID          string `json:"worker_id"`
	OpeningFloatCents int64  `json:"opening_float_cents"`
}

type CashSessionCloseRequest struct {
	CountedCashCents int64  `json:"counted_cash_cents"`
	Notes            string `json:"notes,omitempty"`
	ManagerPIN       string `json:"manager_pin,omitempty"`
}

// CashSessionClose is the store-level input for finalizing a session.
type CashSessionClose struct {
	CountedCashCents int64
	Notes            string
	ClosedBy         string
	ClosedAt         time.Time
}

type CashSessionCloseResponse struct {
	Session           CashSession        `json:"session"`
	Summary           CashSessionSummary `json:"summary"`
	ExpectedCashCents int64              `json:"expected_cash_cents"`
	VarianceCents     int64              `json:"variance_cents"`
	VariancePercent   string             `json:"variance_percent"`
	VarianceClass     string             `json:"variance_class"`
	ArchiveKey        string             `json:"archive_key,omitempty"`
}

// CloseReport is the archived record of a closed till.
type CloseReport struct {
	Session           CashSession        `json:"session"`
	Summary           CashSessionSummary `json:"summary"`
	ExpectedCash      string             `json:"expected_cash"`
	CountedCash       string             `json:"counted_cash"`
	Variance          string             `json:"variance"`
	VariancePercent   string             `json:"variance_percent"`
	VarianceClass     string             `json:"variance_class"`
	ExpectedCashCents int64              `json:"expected_cash_cents"`
	VarianceCents     int64              `json:"variance_cents"`
	GeneratedAt       time.Time          `json:"generated_at"`
}

type AppointmentPayment struct {
	ID            string    `json:"id"`
	PharmacyID    string    `json:"pharmacy_id"`
	CashSessionID string    `json:"cash_session_id"`
	AppointmentID string    `json:"appointment_id"`
	PatientID     string    `json:"patient_id,omitempty"`
	Method        string    `json:"method"`
	AmountCents   int64     `json:"amount_cents"`
	CreatedAt     time.Time `json:"created_at"`
}

type AppointmentPaymentRequest struct {
	PharmacyID    string `json:"pharmacy_id"`
	CashSessionID string `json:"cash_session_id"`
	AppointmentID string `json:"appointment_id"`
	PatientID     string `json:"patient_id,omitempty"`
	Method        string `json:"method"`
	AmountCents   int64  `json:"amount_cents"`
}

type QROrder struct {
	ID          string     `json:"id"`
	PharmacyID  string     `json:"pharmacy_id"`
	AmountCents int64      `json:"amount_cents"`
	Description string     `json:"description"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	OrderID     string     `json:"order_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

type QROrderCreateRequest struct {
	PharmacyID  string `json:"pharmacy_id"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

// QRWebhookEvent is the provider's settlement notification.
type QRWebhookEvent struct {
	ProviderOrderID string `json:"provider_order_id"`
	Status          string `json:"status"`
	AmountCents     int64  `json:"amount_cents"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type WorkerCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type WorkerUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	PharmacyID    string    `json:"pharmacy_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	PaymentMethodCash = "cash"
	PaymentMethodCard = "card"
	PaymentMethodQR   = "qr"
)

const (
	PaymentStatusSettled            = "settled"
	PaymentStatusAwaitingSettlement = "awaiting_settlement"
	PaymentStatusRejected           = "rejected"
)

const (
	CashSessionStatusOpen   = "open"
	CashSessionStatusClosed = "closed"
)

const (
	PrescriptionStatusPending = "pending"
	DispensationDispensed     = "dispensed"
	DispensationIncomplete    = "incomplete"
	DispensationNotDispensed  = "not_dispensed"
)

const (
	QRStatusPending  = "pending"
	QRStatusSettled  = "settled"
	QRStatusRejected = "rejected"
)

const (
	RoleWorker = "worker"
	RoleAdmin  = "admin"
)
