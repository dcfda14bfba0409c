package pos

import (
	"context"
	"errors"
	"testing"
	"time"

	"pharmapos/internal/domain"
)

// readyRegister returns a register with an open session, a walk-in customer
// and one 120.00 item in the cart.
func readyRegister(t *testing.T) (*Register, *fakeBackend, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	backend := newFakeBackend(clock)
	register := newTestRegister(backend, clock, newMemoryStub(), "worker")

	if _, err := register.Sessions().OpenSession(context.Background(), 50000); err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	if err := register.Cart().AddSKU(context.Background(), "SKU-TEST-A", 1, nil); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	register.SetWalkIn()
	return register, backend, clock
}

func TestCashConfirmRequiresFullTenderAndSurfacesChange(t *testing.T) {
	register, backend, _ := readyRegister(t)
	attempt, err := register.BeginCheckout()
	if err != nil {
		t.Fatalf("begin checkout failed: %v", err)
	}

	if err := attempt.Confirm(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected confirm without method to fail, got %v", err)
	}
	if err := attempt.SelectCash(); err != nil {
		t.Fatalf("select cash failed: %v", err)
	}
	if err := attempt.SetTendered(11999); err != nil {
		t.Fatalf("tender failed: %v", err)
	}
	var verr *ValidationError
	if err := attempt.Confirm(); !errors.As(err, &verr) || verr.Field != "cash_tendered" {
		t.Fatalf("expected underpayment to block confirm, got %v", err)
	}
	if _, err := register.Commit(context.Background()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected commit before confirm to fail, got %v", err)
	}
	if backend.submittedOrders != 0 {
		t.Fatalf("expected no network submission, got %d", backend.submittedOrders)
	}

	if err := attempt.SetTendered(15000); err != nil {
		t.Fatalf("tender failed: %v", err)
	}
	if err := attempt.Confirm(); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if attempt.Change() != 3000 {
		t.Fatalf("expected change 3000, got %d", attempt.Change())
	}

	receipt, err := register.Commit(context.Background())
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if receipt.ChangeCents != 3000 || receipt.Settlement != SettlementSettled {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if attempt.State() != StateCommitted || register.Cart().Len() != 0 || register.Attempt() != nil {
		t.Fatalf("expected register reset after commit")
	}
	if register.Identity().resolved() {
		t.Fatalf("expected identity cleared after commit")
	}
}

func TestCardCommitUnreachableWhileCountdownRuns(t *testing.T) {
	register, backend, clock := readyRegister(t)
	attempt, err := register.BeginCheckout()
	if err != nil {
		t.Fatalf("begin checkout failed: %v", err)
	}
	if err := attempt.SelectCard(); err != nil {
		t.Fatalf("select card failed: %v", err)
	}

	for elapsed := time.Duration(0); elapsed < 10*time.Second; elapsed += 500 * time.Millisecond {
		if elapsed == 3*time.Second {
			if err := attempt.SetCardReference("AUTH-778812"); err != nil {
				t.Fatalf("set reference failed: %v", err)
			}
		}
		if attempt.CountdownRemaining() <= 0 {
			t.Fatalf("countdown reported finished after %s", elapsed)
		}
		if err := attempt.Confirm(); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected confirm to be blocked at %s, got %v", elapsed, err)
		}
		if _, err := register.Commit(context.Background()); err == nil {
			t.Fatalf("commit succeeded at %s with countdown running", elapsed)
		}
		clock.Advance(500 * time.Millisecond)
	}
	if backend.submittedOrders != 0 {
		t.Fatalf("expected no submissions during countdown, got %d", backend.submittedOrders)
	}

	if attempt.CountdownRemaining() != 0 {
		t.Fatalf("expected countdown finished, got %s", attempt.CountdownRemaining())
	}
	if err := attempt.Confirm(); err != nil {
		t.Fatalf("confirm after countdown failed: %v", err)
	}

	// Re-selecting card restarts the countdown and drops the confirmation.
	if err := attempt.SelectCard(); err != nil {
		t.Fatalf("reselect card failed: %v", err)
	}
	if _, err := register.Commit(context.Background()); err == nil {
		t.Fatalf("commit succeeded right after the countdown restarted")
	}

	clock.Advance(10 * time.Second)
	if err := attempt.Confirm(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected missing reference to block confirm, got %v", err)
	}
	if err := attempt.SetCardReference("AUTH-778812"); err != nil {
		t.Fatalf("set reference failed: %v", err)
	}
	if err := attempt.Confirm(); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	receipt, err := register.Commit(context.Background())
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if receipt.Order.PaymentMethod != domain.PaymentMethodCard || backend.submittedOrders != 1 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if req := backend.ordersByKey[attempt.IdempotencyKey()]; req.CardReference != "AUTH-778812" {
		t.Fatalf("expected card reference submitted, got %+v", req)
	}
}

func TestQRCommitIsOnlyLocallyFinalized(t *testing.T) {
	register, backend, _ := readyRegister(t)
	attempt, _ := register.BeginCheckout()

	tender, err := attempt.SelectQR(context.Background(), "sale at main-pharmacy")
	if err != nil {
		t.Fatalf("select qr failed: %v", err)
	}
	if tender.ProviderOrderID == "" || tender.Payload == "" {
		t.Fatalf("expected provider order id and payload, got %+v", tender)
	}
	if backend.qrOrders[tender.ProviderOrderID].AmountCents != 12000 {
		t.Fatalf("expected qr order for the amount due")
	}
	if err := attempt.Confirm(); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	receipt, err := register.Commit(context.Background())
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if receipt.Settlement != SettlementLocallyFinalized || receipt.QROrderID != tender.ProviderOrderID {
		t.Fatalf("expected locally finalized receipt, got %+v", receipt)
	}

	settlement, err := register.QRSettlement(context.Background(), tender.ProviderOrderID)
	if err != nil || settlement != SettlementLocallyFinalized {
		t.Fatalf("expected pending order to stay locally finalized, got %s err=%v", settlement, err)
	}
	backend.settleQR(tender.ProviderOrderID)
	settlement, err = register.QRSettlement(context.Background(), tender.ProviderOrderID)
	if err != nil || settlement != SettlementFundsConfirmed {
		t.Fatalf("expected funds confirmed from backend, got %s err=%v", settlement, err)
	}
}

func TestQRCreationFailureFailsAttemptAndAllowsRestart(t *testing.T) {
	register, backend, _ := readyRegister(t)
	attempt, _ := register.BeginCheckout()
	backend.qrErr = &domain.APIError{Status: 502, Code: domain.ErrCodeInternal, Message: "internal server error"}

	if _, err := attempt.SelectQR(context.Background(), "sale"); err == nil {
		t.Fatalf("expected qr creation to fail")
	}
	if attempt.State() != StateFailed || attempt.LastError() == nil {
		t.Fatalf("expected failed attempt with last error, got %s", attempt.State())
	}
	if err := attempt.Confirm(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected confirm from failed state to be rejected, got %v", err)
	}

	if err := attempt.SelectCash(); err != nil {
		t.Fatalf("expected restart from failed, got %v", err)
	}
	if attempt.State() != StateMethodSelected || attempt.LastError() != nil {
		t.Fatalf("expected clean method selection, got %s %v", attempt.State(), attempt.LastError())
	}
}

func TestCancelDoesNotRetractQROrder(t *testing.T) {
	register, backend, _ := readyRegister(t)
	attempt, _ := register.BeginCheckout()
	tender, err := attempt.SelectQR(context.Background(), "sale")
	if err != nil {
		t.Fatalf("select qr failed: %v", err)
	}

	if err := register.CancelCheckout(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if attempt.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %s", attempt.State())
	}
	if _, ok := backend.qrOrders[tender.ProviderOrderID]; !ok {
		t.Fatalf("expected provider order to remain")
	}
	if err := attempt.SelectCash(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected cancelled attempt to stay cancelled, got %v", err)
	}
	if register.Cart().Len() != 1 {
		t.Fatalf("expected cart kept after cancel")
	}
}

func TestCommitFailureReturnsToMethodSelectedAndKeepsCart(t *testing.T) {
	register, backend, _ := readyRegister(t)
	attempt, _ := register.BeginCheckout()
	_ = attempt.SelectCash()
	_ = attempt.SetTendered(12000)
	if err := attempt.Confirm(); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	backend.submitErr = &domain.APIError{
		Status:    409,
		Code:      domain.ErrCodeStockConflict,
		Message:   "insufficient stock",
		Conflicts: []domain.StockConflict{{SKU: "SKU-TEST-A", Requested: 1, Available: 0}},
	}

	_, err := register.Commit(context.Background())
	var conflict *StockConflictError
	if !errors.As(err, &conflict) || len(conflict.Conflicts) != 1 || conflict.Conflicts[0].SKU != "SKU-TEST-A" {
		t.Fatalf("expected per-line stock conflict, got %v", err)
	}
	if attempt.State() != StateMethodSelected || !errors.As(attempt.LastError(), &conflict) {
		t.Fatalf("expected attempt back in method selected with error kept, got %s", attempt.State())
	}
	if register.Cart().Len() != 1 || register.Cart().Total() != 12000 {
		t.Fatalf("expected cart preserved")
	}
	if err := register.Cart().AddSKU(context.Background(), "SKU-PCM-500", 1, nil); err != nil {
		t.Fatalf("expected cart unfrozen after failure, got %v", err)
	}
}

func TestResendAfterLostResponseYieldsOriginalOrder(t *testing.T) {
	register, backend, _ := readyRegister(t)
	attempt, _ := register.BeginCheckout()
	_ = attempt.SelectCash()
	_ = attempt.SetTendered(20000)
	_ = attempt.Confirm()
	backend.loseNextReply = true

	_, err := register.Commit(context.Background())
	var failure *CommitFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected commit failure, got %v", err)
	}

	if err := attempt.Confirm(); err != nil {
		t.Fatalf("reconfirm failed: %v", err)
	}
	receipt, err := register.Commit(context.Background())
	if err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	if !receipt.Order.Duplicate || receipt.Order.OrderID != "order-1" || backend.submittedOrders != 1 {
		t.Fatalf("expected original order back, got %+v after %d submissions", receipt.Order, backend.submittedOrders)
	}
}

func TestAttemptRejectsChangesWhileCommitting(t *testing.T) {
	attempt := NewAttempt(100, NewSessionHandle("main-pharmacy", "worker"), AttemptConfig{Clock: newFakeClock()})
	_ = attempt.SelectCash()
	_ = attempt.SetTendered(100)
	if err := attempt.Confirm(); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if _, err := attempt.beginCommit(100); err != nil {
		t.Fatalf("begin commit failed: %v", err)
	}

	if err := attempt.SelectCard(); !errors.Is(err, ErrCommitInFlight) {
		t.Fatalf("expected select during commit to fail, got %v", err)
	}
	if err := attempt.Cancel(); !errors.Is(err, ErrCommitInFlight) {
		t.Fatalf("expected cancel during commit to fail, got %v", err)
	}
	if _, err := attempt.beginCommit(100); !errors.Is(err, ErrCommitInFlight) {
		t.Fatalf("expected second commit to fail, got %v", err)
	}

	attempt.endCommit(nil)
	if attempt.State() != StateCommitted {
		t.Fatalf("expected committed, got %s", attempt.State())
	}
	if err := attempt.Cancel(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected cancel after commit to fail, got %v", err)
	}
}

func TestCommitRejectsCartChangedAfterCheckout(t *testing.T) {
	register, backend, _ := readyRegister(t)
	attempt, _ := register.BeginCheckout()
	_ = attempt.SelectCash()
	_ = attempt.SetTendered(50000)
	_ = attempt.Confirm()

	if err := register.Cart().AddSKU(context.Background(), "SKU-PCM-500", 2, nil); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	var verr *ValidationError
	if _, err := register.Commit(context.Background()); !errors.As(err, &verr) || verr.Field != "amount_due" {
		t.Fatalf("expected amount_due validation error, got %v", err)
	}
	if backend.submittedOrders != 0 {
		t.Fatalf("expected nothing submitted")
	}

	fresh, err := register.BeginCheckout()
	if err != nil || fresh == attempt || fresh.AmountDue() != 12050 {
		t.Fatalf("expected a new attempt for the new total, got %v err=%v", fresh, err)
	}
}
