package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pharmapos/internal/devicestate"
	"pharmapos/internal/domain"
	"pharmapos/internal/httpapi"
	"pharmapos/internal/metrics"
	"pharmapos/internal/pos"
	"pharmapos/internal/qrpay"
	"pharmapos/internal/service"
	"pharmapos/internal/store/memory"
)

const (
	testWebhookSecret = "whsec-client"
	testPharmacy      = memory.DefaultPharmacyID
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestServer runs the real HTTP API over the seeded memory store.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	repo := memory.NewSeeded()
	repo.UpsertProduct(domain.Product{SKU: "SKU-TEST-A", Name: "Test Product A", PriceCents: 12000, Active: true})
	repo.UpsertProduct(domain.Product{SKU: "SKU-TEST-B", Name: "Test Product B", PriceCents: 7550, Active: true})
	repo.SetStock(memory.DefaultPharmacyID, "SKU-TEST-A", 10)
	repo.SetStock(memory.DefaultPharmacyID, "SKU-TEST-B", 10)

	recorder := metrics.New()
	svc := service.New(repo, service.Dependencies{Metrics: recorder, QRWebhookSecret: testWebhookSecret}, memory.DefaultPharmacyID)
	auth := httpapi.NewAuthManager(context.Background(), "client-test-secret", time.Hour, "482913", repo)
	server := httptest.NewServer(httpapi.New(svc, auth, recorder, "*").Handler())
	t.Cleanup(server.Close)
	return server
}

func newTestRegister(t *testing.T, cli *Client, remembered pos.SessionMemory, clock pos.Clock) *pos.Register {
	t.Helper()
	return pos.NewRegister(cli, remembered, pos.Config{
		PharmacyID: testPharmacy,
		WorkerID:   cli.Username(),
		CardSettle: 10 * time.Second,
		Clock:      clock,
		Retry:      pos.RetryPolicy{Attempts: 2, Base: time.Millisecond},
	})
}

func sell(t *testing.T, register *pos.Register, sku string, pay func(*pos.Attempt)) pos.Receipt {
	t.Helper()
	ctx := context.Background()
	register.SetWalkIn()
	if err := register.Cart().AddSKU(ctx, sku, 1, nil); err != nil {
		t.Fatalf("add %s failed: %v", sku, err)
	}
	attempt, err := register.BeginCheckout()
	if err != nil {
		t.Fatalf("begin checkout failed: %v", err)
	}
	pay(attempt)
	if err := attempt.Confirm(); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	receipt, err := register.Commit(ctx)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	return receipt
}

func TestTillDayBalancesThroughFullStack(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	state, err := devicestate.Open(filepath.Join(t.TempDir(), "till.db"))
	if err != nil {
		t.Fatalf("open device state: %v", err)
	}
	t.Cleanup(func() { _ = state.Close() })

	register := newTestRegister(t, New(server.URL, "worker", "worker123", nil), state, clock)
	restore, err := register.Sessions().RestoreSession(ctx)
	if err != nil || restore.Outcome != pos.RestoreNeedsOpen {
		t.Fatalf("expected fresh till to need a session, got %+v err=%v", restore, err)
	}
	session, err := register.Sessions().OpenSession(ctx, 50000)
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	cash := sell(t, register, "SKU-TEST-A", func(a *pos.Attempt) {
		_ = a.SelectCash()
		_ = a.SetTendered(12000)
	})
	if cash.Order.TotalCents != 12000 || cash.Order.PaymentStatus != domain.PaymentStatusSettled {
		t.Fatalf("unexpected cash receipt %+v", cash.Order)
	}

	card := sell(t, register, "SKU-TEST-B", func(a *pos.Attempt) {
		_ = a.SelectCard()
		_ = a.SetCardReference("AUTH-5521")
		clock.Advance(10 * time.Second)
	})
	if card.Order.TotalCents != 7550 || card.Order.PaymentMethod != domain.PaymentMethodCard {
		t.Fatalf("unexpected card receipt %+v", card.Order)
	}

	// A restarted till picks the session back up from device state.
	restarted := newTestRegister(t, New(server.URL, "worker", "worker123", nil), state, clock)
	resumed, err := restarted.Sessions().RestoreSession(ctx)
	if err != nil || resumed.Outcome != pos.RestoreResumed || resumed.Session.ID != session.ID {
		t.Fatalf("expected session resumed after restart, got %+v err=%v", resumed, err)
	}

	summary, err := restarted.Sessions().ComputeSummary(ctx)
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.CashSalesCents != 12000 || summary.CardSalesCents != 7550 || summary.OrderCount != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	closed, err := restarted.Sessions().CloseSession(ctx, 62000, "end of day")
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if closed.ExpectedCashCents != 62000 || closed.VarianceCents != 0 || closed.LocalVarianceCents != 0 {
		t.Fatalf("expected 620.00 expected and zero variance, got %+v", closed.CashSessionCloseResponse)
	}
	if closed.VarianceClass != "normal" || closed.Session.IsOpen() {
		t.Fatalf("unexpected close response %+v", closed.CashSessionCloseResponse)
	}

	if remembered, _ := state.Recall(ctx, testPharmacy); remembered != "" {
		t.Fatalf("expected closed session forgotten on device, got %q", remembered)
	}
}

func TestSecondTillCannotOpenWhileSessionHeld(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	clock := &stepClock{now: time.Now()}

	first := newTestRegister(t, New(server.URL, "worker", "worker123", nil), nil, clock)
	held, err := first.Sessions().OpenSession(ctx, 10000)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	second := newTestRegister(t, New(server.URL, "relief", "worker123", nil), nil, clock)
	for i := 0; i < 2; i++ {
		_, err := second.Sessions().OpenSession(ctx, 0)
		var conflict *pos.SessionConflictError
		if !errors.As(err, &conflict) || conflict.Holder.ID != held.ID || conflict.Holder.WorkerID != "worker" {
			t.Fatalf("expected conflict naming the holder, got %v", err)
		}
	}

	restore, err := second.Sessions().RestoreSession(ctx)
	if err != nil || restore.Outcome != pos.RestoreConflict || restore.Session.ID != held.ID {
		t.Fatalf("expected cross-device conflict, got %+v err=%v", restore, err)
	}
}

func TestPrescriptionSaleUpdatesDispensationStatus(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	cli := New(server.URL, "worker", "worker123", nil)
	register := newTestRegister(t, cli, nil, &stepClock{now: time.Now()})
	if _, err := register.Sessions().OpenSession(ctx, 0); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	register.SetPatient("patient-001")
	report, err := register.LoadPrescription(ctx, "rx-1002")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	var warning *pos.PartialLoadWarning
	if !errors.As(report.Warning(), &warning) || len(warning.Failures) != 1 || warning.Failures[0].Reason != pos.LoadReasonNotFound {
		t.Fatalf("expected insulin reported missing, got %+v", report)
	}
	if len(report.Loaded) != 1 || register.Cart().Total() != 1850 {
		t.Fatalf("expected salbutamol loaded, got %+v total %d", report.Loaded, register.Cart().Total())
	}

	attempt, err := register.BeginCheckout()
	if err != nil {
		t.Fatalf("begin checkout failed: %v", err)
	}
	_ = attempt.SelectCash()
	_ = attempt.SetTendered(2000)
	_ = attempt.Confirm()
	receipt, err := register.Commit(ctx)
	if err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if receipt.ChangeCents != 150 || len(receipt.Order.Dispensation) != 1 || receipt.Order.Dispensation[0].Status != domain.DispensationIncomplete {
		t.Fatalf("unexpected receipt %+v", receipt.Order)
	}

	prescriptions, err := cli.ListPrescriptions(ctx, "patient-001")
	if err != nil {
		t.Fatalf("list prescriptions failed: %v", err)
	}
	for _, rx := range prescriptions {
		if rx.ID == "rx-1002" && rx.Status != domain.DispensationIncomplete {
			t.Fatalf("expected rx-1002 incomplete, got %s", rx.Status)
		}
	}

	lookup, err := cli.LookupOrder(ctx, attempt.IdempotencyKey())
	if err != nil || !lookup.Found || lookup.Order.OrderID != receipt.Order.OrderID {
		t.Fatalf("expected order found by idempotency key, got %+v err=%v", lookup, err)
	}
}

func TestQRSaleIsConfirmedOnlyByBackend(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	register := newTestRegister(t, New(server.URL, "worker", "worker123", nil), nil, &stepClock{now: time.Now()})
	if _, err := register.Sessions().OpenSession(ctx, 0); err != nil {
		t.Fatalf("open failed: %v", err)
	}

	var qrID string
	receipt := sell(t, register, "SKU-TEST-B", func(a *pos.Attempt) {
		tender, err := a.SelectQR(ctx, "pharmacy sale")
		if err != nil {
			t.Fatalf("select qr failed: %v", err)
		}
		qrID = tender.ProviderOrderID
	})
	if receipt.Settlement != pos.SettlementLocallyFinalized || receipt.Order.PaymentStatus != domain.PaymentStatusAwaitingSettlement {
		t.Fatalf("expected locally finalized qr sale, got %+v", receipt)
	}
	if settlement, err := register.QRSettlement(ctx, qrID); err != nil || settlement != pos.SettlementLocallyFinalized {
		t.Fatalf("expected no confirmation before webhook, got %s err=%v", settlement, err)
	}

	body, _ := json.Marshal(domain.QRWebhookEvent{ProviderOrderID: qrID, Status: "settled", AmountCents: 7550})
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/v1/payments/qr/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", qrpay.Sign(testWebhookSecret, body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook returned %d", resp.StatusCode)
	}

	if settlement, err := register.QRSettlement(ctx, qrID); err != nil || settlement != pos.SettlementFundsConfirmed {
		t.Fatalf("expected funds confirmed after webhook, got %s err=%v", settlement, err)
	}
}

func TestClientDecodesStructuredErrors(t *testing.T) {
	server := newTestServer(t)
	cli := New(server.URL, "worker", "worker123", nil)

	_, err := cli.QueryStock(context.Background(), testPharmacy, "SKU-NOPE")
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Code != domain.ErrCodeNotFound {
		t.Fatalf("expected 404 not_found, got %v", err)
	}

	bad := New(server.URL, "worker", "wrong-password", nil)
	_, err = bad.QueryStock(context.Background(), testPharmacy, "SKU-PCM-500")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %v", err)
	}
}

func TestClientRenewsStaleTokens(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()
	cli := New(server.URL, "worker", "worker123", nil)

	cli.token = "not-a-jwt"
	if _, err := cli.QueryStock(ctx, testPharmacy, "SKU-PCM-500"); err != nil {
		t.Fatalf("expected re-login on 401, got %v", err)
	}

	cli.csrf = "stale-token"
	session, err := cli.OpenCashSession(ctx, domain.CashSessionOpenRequest{PharmacyID: testPharmacy, OpeningFloatCents: 1000})
	if err != nil {
		t.Fatalf("expected csrf refresh on 403, got %v", err)
	}
	if session.WorkerID != "worker" || !session.IsOpen() {
		t.Fatalf("unexpected session %+v", session)
	}
}
