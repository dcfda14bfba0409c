package pos

import (
	"context"
	"strings"
	"sync"
	"time"

	"pharmapos/internal/domain"
)

type Config struct {
	PharmacyID string
	WorkerID   string
	CardSettle time.Duration
	Clock      Clock
	Retry      RetryPolicy
}

// Register is one till: a cart, at most one checkout attempt, and the session
// it sells under, all sharing a single SessionHandle.
type Register struct {
	backend  Backend
	handle   *SessionHandle
	cart     *Cart
	gateway  *Gateway
	sessions *SessionManager
	clock    Clock
	settle   time.Duration

	mu       sync.Mutex
	identity Identity
	attempt  *Attempt
}

func NewRegister(backend Backend, memory SessionMemory, cfg Config) *Register {
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.CardSettle <= 0 {
		cfg.CardSettle = DefaultCardSettle
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	handle := NewSessionHandle(cfg.PharmacyID, cfg.WorkerID)
	return &Register{
		backend:  backend,
		handle:   handle,
		cart:     NewCart(backend, handle),
		gateway:  NewGateway(backend, backend, handle, cfg.Retry),
		sessions: NewSessionManager(backend, memory, handle, cfg.Retry),
		clock:    cfg.Clock,
		settle:   cfg.CardSettle,
	}
}

func (r *Register) Cart() *Cart {
	return r.cart
}

func (r *Register) Sessions() *SessionManager {
	return r.sessions
}

func (r *Register) Handle() *SessionHandle {
	return r.handle
}

func (r *Register) SetPatient(patientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = Identity{PatientID: strings.TrimSpace(patientID)}
}

func (r *Register) SetWalkIn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = Identity{WalkIn: true}
}

func (r *Register) Identity() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// PendingPrescriptions lists the current patient's prescriptions that still
// have something to dispense.
func (r *Register) PendingPrescriptions(ctx context.Context) ([]domain.Prescription, error) {
	patientID := r.Identity().PatientID
	if patientID == "" {
		return nil, invalid("identity", "no patient selected")
	}
	all, err := r.backend.ListPrescriptions(ctx, patientID)
	if err != nil {
		return nil, err
	}
	pending := make([]domain.Prescription, 0, len(all))
	for _, rx := range all {
		if rx.Status != domain.DispensationDispensed {
			pending = append(pending, rx)
		}
	}
	return pending, nil
}

// LoadPrescription finds one of the current patient's prescriptions by id and
// loads it into the cart.
func (r *Register) LoadPrescription(ctx context.Context, prescriptionID string) (LoadReport, error) {
	pending, err := r.PendingPrescriptions(ctx)
	if err != nil {
		return LoadReport{}, err
	}
	for _, rx := range pending {
		if rx.ID == strings.TrimSpace(prescriptionID) {
			return r.cart.LoadPrescription(ctx, rx)
		}
	}
	return LoadReport{}, invalid("prescription_id", "is not pending for this patient")
}

// BeginCheckout validates what can be checked locally and starts a payment
// attempt for the current cart total. A previous attempt that has not been
// committed is replaced.
func (r *Register) BeginCheckout() (*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempt != nil {
		switch r.attempt.State() {
		case StateMethodSelected, StateConfirmed:
			if r.attempt.AmountDue() == r.cart.Total() {
				return r.attempt, nil
			}
		}
	}

	lines := r.cart.Lines()
	if len(lines) == 0 {
		return nil, invalid("cart", "is empty")
	}
	total := totalOf(lines)
	if total <= 0 {
		return nil, invalid("total", "must be greater than zero")
	}
	if session, ok := r.handle.Current(); !ok || !session.IsOpen() {
		return nil, &SessionError{Reason: "is not open"}
	}
	if err := checkIdentity(lines, r.identity); err != nil {
		return nil, err
	}

	r.attempt = NewAttempt(total, r.handle, AttemptConfig{Clock: r.clock, CardSettle: r.settle, QR: r.backend})
	return r.attempt, nil
}

func (r *Register) Attempt() *Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Commit submits the current attempt. On success the cart, identity and
// attempt are reset for the next customer; on failure everything is kept so
// the operator can correct it or resend with the same idempotency key.
func (r *Register) Commit(ctx context.Context) (Receipt, error) {
	r.mu.Lock()
	attempt := r.attempt
	identity := r.identity
	r.mu.Unlock()
	if attempt == nil {
		return Receipt{}, invalid("payment", "checkout has not begun")
	}

	receipt, err := r.gateway.Submit(ctx, r.cart, attempt, identity)
	if err != nil {
		return Receipt{}, err
	}

	r.mu.Lock()
	if r.attempt == attempt {
		r.attempt = nil
	}
	r.identity = Identity{}
	r.mu.Unlock()
	return receipt, nil
}

// CancelCheckout drops the current attempt. The cart is kept.
func (r *Register) CancelCheckout() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attempt == nil {
		return nil
	}
	if err := r.attempt.Cancel(); err != nil {
		return err
	}
	r.attempt = nil
	return nil
}

// QRSettlement asks the backend what became of a QR payment. Only this call
// can report funds_confirmed.
func (r *Register) QRSettlement(ctx context.Context, qrOrderID string) (Settlement, error) {
	order, err := r.backend.GetQROrder(ctx, strings.TrimSpace(qrOrderID))
	if err != nil {
		return "", err
	}
	switch order.Status {
	case domain.QRStatusSettled:
		return SettlementFundsConfirmed, nil
	case domain.QRStatusRejected:
		return SettlementRejected, nil
	default:
		return SettlementLocallyFinalized, nil
	}
}
