package pos

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"pharmapos/internal/domain"
	"pharmapos/internal/xid"
)

const DefaultCardSettle = 10 * time.Second

type AttemptState int

const (
	StateIdle AttemptState = iota
	StateMethodSelected
	StateConfirmed
	StateCommitted
	StateCancelled
	StateFailed
)

func (s AttemptState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMethodSelected:
		return "method_selected"
	case StateConfirmed:
		return "confirmed"
	case StateCommitted:
		return "committed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Tender is the method-specific part of a payment. Exactly one of CashTender,
// CardTender or QRTender.
type Tender interface {
	Method() string
	isTender()
}

type CashTender struct {
	TenderedCents int64
}

type CardTender struct {
	Reference string
	StartedAt time.Time
}

type QRTender struct {
	ProviderOrderID string
	Payload         string
}

func (CashTender) Method() string { return domain.PaymentMethodCash }
func (CardTender) Method() string { return domain.PaymentMethodCard }
func (QRTender) Method() string   { return domain.PaymentMethodQR }

func (CashTender) isTender() {}
func (CardTender) isTender() {}
func (QRTender) isTender()   {}

type AttemptConfig struct {
	Clock      Clock
	CardSettle time.Duration
	QR         QRGateway
}

// Attempt drives one checkout from method selection to commit. The amount due
// is fixed when the attempt starts; the idempotency key stays the same for
// every submission of this attempt.
type Attempt struct {
	mu             sync.Mutex
	handle         *SessionHandle
	clock          Clock
	settle         time.Duration
	qr             QRGateway
	amountDue      int64
	idempotencyKey string

	state      AttemptState
	tender     Tender
	pending    bool
	committing bool
	lastErr    error
}

func NewAttempt(amountDue int64, handle *SessionHandle, cfg AttemptConfig) *Attempt {
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.CardSettle <= 0 {
		cfg.CardSettle = DefaultCardSettle
	}
	return &Attempt{
		handle:         handle,
		clock:          cfg.Clock,
		settle:         cfg.CardSettle,
		qr:             cfg.QR,
		amountDue:      amountDue,
		idempotencyKey: xid.New("idem"),
		state:          StateIdle,
	}
}

func (a *Attempt) State() AttemptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Attempt) Payment() Tender {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tender
}

func (a *Attempt) AmountDue() int64 {
	return a.amountDue
}

func (a *Attempt) IdempotencyKey() string {
	return a.idempotencyKey
}

// LastError is the error of the most recent failed commit or QR request.
func (a *Attempt) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *Attempt) SelectCash() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.mutableLocked(); err != nil {
		return err
	}
	a.selectLocked(CashTender{})
	return nil
}

func (a *Attempt) SetTendered(cents int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.mutableLocked(); err != nil {
		return err
	}
	if _, ok := a.tender.(CashTender); !ok {
		return invalid("payment_method", "cash is not selected")
	}
	if cents < 0 {
		return invalid("cash_tendered", "must not be negative")
	}
	a.tender = CashTender{TenderedCents: cents}
	a.state = StateMethodSelected
	return nil
}

// Change is tendered minus due for a cash payment; zero otherwise.
func (a *Attempt) Change() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	cash, ok := a.tender.(CashTender)
	if !ok || cash.TenderedCents < a.amountDue {
		return 0
	}
	return cash.TenderedCents - a.amountDue
}

// SelectCard starts the settle countdown. Selecting card again restarts it.
func (a *Attempt) SelectCard() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.mutableLocked(); err != nil {
		return err
	}
	a.selectLocked(CardTender{StartedAt: a.clock.Now()})
	return nil
}

func (a *Attempt) SetCardReference(reference string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.mutableLocked(); err != nil {
		return err
	}
	card, ok := a.tender.(CardTender)
	if !ok {
		return invalid("payment_method", "card is not selected")
	}
	card.Reference = strings.TrimSpace(reference)
	a.tender = card
	return nil
}

func (a *Attempt) CountdownRemaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countdownLocked()
}

func (a *Attempt) countdownLocked() time.Duration {
	card, ok := a.tender.(CardTender)
	if !ok {
		return 0
	}
	remaining := a.settle - a.clock.Now().Sub(card.StartedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SelectQR creates a provider order for the amount due. The attempt accepts
// only Cancel while the request is out. A failed request leaves the attempt
// Failed; selecting a method again starts over.
func (a *Attempt) SelectQR(ctx context.Context, description string) (QRTender, error) {
	a.mu.Lock()
	if err := a.mutableLocked(); err != nil {
		a.mu.Unlock()
		return QRTender{}, err
	}
	if a.qr == nil {
		a.mu.Unlock()
		return QRTender{}, invalid("payment_method", "qr payments are not available")
	}
	a.selectLocked(QRTender{})
	a.pending = true
	a.mu.Unlock()

	order, err := a.qr.CreateQROrder(ctx, domain.QROrderCreateRequest{
		PharmacyID:  a.handle.PharmacyID(),
		AmountCents: a.amountDue,
		Description: description,
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = false
	if a.state == StateCancelled {
		return QRTender{}, invalid("payment", "attempt was cancelled")
	}
	if err != nil {
		a.state = StateFailed
		a.lastErr = err
		return QRTender{}, err
	}
	tender := QRTender{ProviderOrderID: order.ID, Payload: order.Payload}
	a.tender = tender
	return tender, nil
}

func (a *Attempt) Confirm() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.mutableLocked(); err != nil {
		return err
	}
	if a.state != StateMethodSelected && a.state != StateConfirmed {
		return invalid("payment", "no payment method selected")
	}
	if err := a.checkTenderLocked(); err != nil {
		return err
	}
	a.state = StateConfirmed
	return nil
}

// Cancel abandons the attempt. A QR order already created stays with the
// provider.
func (a *Attempt) Cancel() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.committing {
		return ErrCommitInFlight
	}
	if a.state == StateCommitted {
		return invalid("payment", "already committed")
	}
	a.state = StateCancelled
	return nil
}

func (a *Attempt) checkTenderLocked() error {
	switch tender := a.tender.(type) {
	case CashTender:
		if tender.TenderedCents < a.amountDue {
			return invalid("cash_tendered", "is less than the amount due")
		}
	case CardTender:
		if remaining := a.countdownLocked(); remaining > 0 {
			return invalid("card_countdown", fmt.Sprintf("%s remaining", remaining.Round(time.Second)))
		}
		if tender.Reference == "" {
			return invalid("card_reference", "is required")
		}
	case QRTender:
		if tender.ProviderOrderID == "" {
			return invalid("qr_order", "has not been created")
		}
	default:
		return invalid("payment_method", "is required")
	}
	return nil
}

func (a *Attempt) mutableLocked() error {
	switch {
	case a.committing:
		return ErrCommitInFlight
	case a.pending:
		return ErrRequestPending
	case a.state == StateCommitted:
		return invalid("payment", "already committed")
	case a.state == StateCancelled:
		return invalid("payment", "attempt was cancelled")
	}
	return nil
}

func (a *Attempt) selectLocked(tender Tender) {
	a.tender = tender
	a.state = StateMethodSelected
	a.lastErr = nil
}

// beginCommit re-checks every method precondition against the frozen cart
// total and marks the attempt as committing.
func (a *Attempt) beginCommit(total int64) (Tender, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.mutableLocked(); err != nil {
		return nil, err
	}
	if a.state != StateConfirmed {
		return nil, invalid("payment", "is not confirmed")
	}
	if total != a.amountDue {
		return nil, invalid("amount_due", "cart total changed since checkout began")
	}
	if err := a.checkTenderLocked(); err != nil {
		return nil, err
	}
	a.committing = true
	return a.tender, nil
}

func (a *Attempt) endCommit(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.committing = false
	if err != nil {
		a.state = StateMethodSelected
		a.lastErr = err
		return
	}
	a.state = StateCommitted
	a.lastErr = nil
}

type Settlement string

const (
	SettlementSettled          Settlement = "settled"
	SettlementLocallyFinalized Settlement = "locally_finalized"
	SettlementFundsConfirmed   Settlement = "funds_confirmed"
	SettlementRejected         Settlement = "rejected"
)

// Receipt is what the till shows after a commit. For QR payments Settlement
// is never more than locally_finalized; funds are confirmed only by the
// backend.
type Receipt struct {
	Order       domain.OrderSubmitResponse
	ChangeCents int64
	Settlement  Settlement
	QROrderID   string
}

func receiptFor(resp domain.OrderSubmitResponse, tender Tender) Receipt {
	receipt := Receipt{Order: resp, ChangeCents: resp.ChangeCents, Settlement: SettlementSettled}
	if qr, ok := tender.(QRTender); ok {
		receipt.Settlement = SettlementLocallyFinalized
		receipt.QROrderID = qr.ProviderOrderID
	}
	return receipt
}
