// Command till is a line-oriented point-of-sale terminal. It keeps the cart
// and checkout state locally and talks to the pharmacy backend over HTTP.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pharmapos/internal/client"
	"pharmapos/internal/config"
	"pharmapos/internal/devicestate"
	"pharmapos/internal/money"
	"pharmapos/internal/pos"
)

func main() {
	cfg := config.Load()
	if cfg.TillUsername == "" || cfg.TillPassword == "" {
		log.Fatalf("[till] TILL_USERNAME and TILL_PASSWORD must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := devicestate.Open(cfg.TillDeviceStatePath)
	if err != nil {
		log.Fatalf("[till] device state unavailable: %v", err)
	}
	defer state.Close()

	backend := client.New(cfg.TillServerURL, cfg.TillUsername, cfg.TillPassword, nil)
	if _, err := backend.Login(ctx); err != nil {
		log.Fatalf("[till] login failed: %v", err)
	}

	register := pos.NewRegister(backend, state, pos.Config{
		PharmacyID: cfg.DefaultPharmacyID,
		WorkerID:   backend.Username(),
		CardSettle: cfg.CardSettle,
		Retry:      pos.RetryPolicy{Attempts: cfg.VisibilityRetryAttempts, Base: cfg.VisibilityRetryBase},
	})

	t := &till{register: register, backend: backend, out: os.Stdout}
	t.restore(ctx)
	if err := t.run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[till] %v", err)
	}
}

type till struct {
	register *pos.Register
	backend  *client.Client
	out      io.Writer
}

var errQuit = errors.New("quit")

func (t *till) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	t.printf("type 'help' for commands\n")
	for {
		t.printf("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		args := strings.Fields(scanner.Text())
		if len(args) == 0 {
			continue
		}
		err := t.exec(ctx, args)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			t.printf("error: %s\n", describe(err))
		}
	}
}

func (t *till) restore(ctx context.Context) {
	result, err := t.register.Sessions().RestoreSession(ctx)
	if err != nil {
		log.Printf("[till] WARN: session restore failed: %v", err)
		return
	}
	switch result.Outcome {
	case pos.RestoreResumed:
		t.printf("resumed session %s (float %s)\n", result.Session.ID, money.Format(result.Session.OpeningFloatCents))
	case pos.RestoreConflict:
		t.printf("session %s is held by %s on another till; 'session adopt' is refused until it closes\n",
			result.Session.ID, result.Session.WorkerID)
	default:
		t.printf("no open session; use 'session open <float>'\n")
	}
}

func (t *till) exec(ctx context.Context, args []string) error {
	cmd, rest := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "help":
		t.printf("%s", helpText)
		return nil
	case "quit", "exit":
		return errQuit
	case "session":
		return t.session(ctx, rest)
	case "stock":
		if len(rest) != 1 {
			return usage("stock <sku>")
		}
		quote, err := t.backend.QueryStock(ctx, t.register.Handle().PharmacyID(), rest[0])
		if err != nil {
			return err
		}
		t.printf("%s %s  %s  %d available\n", quote.SKU, quote.Name, money.Format(quote.UnitPriceCents), quote.UnitsAvailable)
		return nil
	case "add":
		if len(rest) < 1 || len(rest) > 2 {
			return usage("add <sku> [qty]")
		}
		qty := 1
		if len(rest) == 2 {
			n, err := strconv.Atoi(rest[1])
			if err != nil {
				return usage("add <sku> [qty]")
			}
			qty = n
		}
		if err := t.register.Cart().AddSKU(ctx, rest[0], qty, nil); err != nil {
			return err
		}
		t.showCart()
		return nil
	case "qty", "remove":
		return t.editLine(cmd, rest)
	case "cart":
		t.showCart()
		return nil
	case "clear":
		return t.register.Cart().Clear()
	case "patient":
		if len(rest) != 1 {
			return usage("patient <id>")
		}
		t.register.SetPatient(rest[0])
		return nil
	case "walkin":
		t.register.SetWalkIn()
		return nil
	case "rx":
		return t.prescriptions(ctx, rest)
	case "pay":
		return t.pay(ctx, rest)
	case "confirm":
		attempt := t.register.Attempt()
		if attempt == nil {
			return usage("pay <method> first")
		}
		if remaining := attempt.CountdownRemaining(); remaining > 0 {
			return fmt.Errorf("card settles in %s", remaining.Round(time.Second))
		}
		return attempt.Confirm()
	case "commit":
		return t.commit(ctx)
	case "cancel":
		return t.register.CancelCheckout()
	case "qr":
		if len(rest) != 1 {
			return usage("qr <order id>")
		}
		settlement, err := t.register.QRSettlement(ctx, rest[0])
		if err != nil {
			return err
		}
		t.printf("qr %s: %s\n", rest[0], settlement)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (t *till) session(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usage("session open|adopt|summary|close")
	}
	sessions := t.register.Sessions()
	switch args[0] {
	case "open":
		if len(args) != 2 {
			return usage("session open <float>")
		}
		openingFloat, err := money.Parse(args[1])
		if err != nil {
			return err
		}
		session, err := sessions.OpenSession(ctx, openingFloat)
		if err != nil {
			return err
		}
		t.printf("opened session %s with float %s\n", session.ID, money.Format(session.OpeningFloatCents))
	case "adopt":
		if len(args) != 2 {
			return usage("session adopt <id>")
		}
		session, err := sessions.AdoptSession(ctx, args[1])
		if err != nil {
			return err
		}
		t.printf("adopted session %s\n", session.ID)
	case "summary":
		summary, err := sessions.ComputeSummary(ctx)
		if err != nil {
			return err
		}
		t.printf("float %s  cash %s  card %s  qr %s  appointments %s/%s  orders %d\nexpected in drawer %s\n",
			money.Format(summary.OpeningFloatCents), money.Format(summary.CashSalesCents),
			money.Format(summary.CardSalesCents), money.Format(summary.QRSalesCents),
			money.Format(summary.CashAppointmentPaymentsCents), money.Format(summary.OtherAppointmentPaymentsCents),
			summary.OrderCount, money.Format(pos.ExpectedCash(summary)))
	case "close":
		if len(args) < 2 {
			return usage("session close <counted> [notes]")
		}
		counted, err := money.Parse(args[1])
		if err != nil {
			return err
		}
		result, err := sessions.CloseSession(ctx, counted, strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		t.printf("closed %s: expected %s counted %s variance %s (%s)\n", result.Session.ID,
			money.Format(result.ExpectedCashCents), money.Format(counted),
			money.Format(result.VarianceCents), result.VarianceClass)
		if result.VarianceCents != result.LocalVarianceCents {
			log.Printf("[till] WARN: backend variance %d differs from local %d", result.VarianceCents, result.LocalVarianceCents)
		}
	default:
		return fmt.Errorf("unknown session command %q", args[0])
	}
	return nil
}

func (t *till) editLine(cmd string, args []string) error {
	lines := t.register.Cart().Lines()
	want := 1
	if cmd == "qty" {
		want = 2
	}
	if len(args) != want {
		return usage("qty <line> <qty> | remove <line>")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil || idx < 1 || idx > len(lines) {
		return fmt.Errorf("no cart line %s", args[0])
	}
	key := lines[idx-1].Key()
	if cmd == "remove" {
		err = t.register.Cart().RemoveItem(key)
	} else {
		qty, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			return usage("qty <line> <qty>")
		}
		err = t.register.Cart().UpdateQuantity(key, qty)
	}
	if err != nil {
		return err
	}
	t.showCart()
	return nil
}

func (t *till) prescriptions(ctx context.Context, args []string) error {
	if len(args) == 2 && args[0] == "load" {
		report, err := t.register.LoadPrescription(ctx, args[1])
		if err != nil {
			return err
		}
		for _, item := range report.Loaded {
			t.printf("loaded %d x %s (%s)\n", item.Added, item.Name, item.SKU)
		}
		var partial *pos.PartialLoadWarning
		if errors.As(report.Warning(), &partial) {
			for _, f := range partial.Failures {
				t.printf("not loaded: %s (%s, needed %d, available %d)\n", f.Name, f.Reason, f.Needed, f.Available)
			}
		}
		t.showCart()
		return nil
	}
	if len(args) != 0 {
		return usage("rx | rx load <id>")
	}
	pending, err := t.register.PendingPrescriptions(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		t.printf("no pending prescriptions\n")
	}
	for _, rx := range pending {
		t.printf("%s  %s  %s  %d items\n", rx.ID, rx.PrescriberName, rx.Status, len(rx.Items))
	}
	return nil
}

func (t *till) pay(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usage("pay cash <tendered> | pay card <reference> | pay qr")
	}
	attempt, err := t.register.BeginCheckout()
	if err != nil {
		return err
	}
	switch args[0] {
	case "cash":
		if len(args) != 2 {
			return usage("pay cash <tendered>")
		}
		tendered, err := money.Parse(args[1])
		if err != nil {
			return err
		}
		if err := attempt.SelectCash(); err != nil {
			return err
		}
		if err := attempt.SetTendered(tendered); err != nil {
			return err
		}
		t.printf("due %s  change %s\n", money.Format(attempt.AmountDue()), money.Format(attempt.Change()))
	case "card":
		if len(args) != 2 {
			return usage("pay card <reference>")
		}
		if err := attempt.SelectCard(); err != nil {
			return err
		}
		if err := attempt.SetCardReference(args[1]); err != nil {
			return err
		}
		t.printf("waiting for terminal, confirm in %s\n", attempt.CountdownRemaining().Round(time.Second))
	case "qr":
		tender, err := attempt.SelectQR(ctx, "pharmacy sale")
		if err != nil {
			return err
		}
		t.printf("qr order %s\n%s\n", tender.ProviderOrderID, tender.Payload)
	default:
		return fmt.Errorf("unknown payment method %q", args[0])
	}
	return nil
}

func (t *till) commit(ctx context.Context) error {
	receipt, err := t.register.Commit(ctx)
	if err != nil {
		return err
	}
	t.printf("receipt %s  total %s  %s  %s\n", receipt.Order.ReceiptNumber, money.Format(receipt.Order.TotalCents),
		receipt.Order.PaymentMethod, receipt.Settlement)
	if receipt.ChangeCents > 0 {
		t.printf("change %s\n", money.Format(receipt.ChangeCents))
	}
	for _, d := range receipt.Order.Dispensation {
		t.printf("prescription %s: %s\n", d.PrescriptionID, d.Status)
	}
	return nil
}

func (t *till) showCart() {
	lines := t.register.Cart().Lines()
	if len(lines) == 0 {
		t.printf("cart is empty\n")
		return
	}
	for i, line := range lines {
		rx := ""
		if line.Link != nil {
			rx = "  [" + line.Link.PrescriptionID + "]"
		}
		t.printf("%2d. %-32s %3d x %8s = %9s%s\n", i+1, line.Name, line.Quantity,
			money.Format(line.UnitPriceCents), money.Format(line.SubtotalCents()), rx)
	}
	t.printf("total %s\n", money.Format(t.register.Cart().Total()))
}

func (t *till) printf(format string, args ...any) {
	fmt.Fprintf(t.out, format, args...)
}

func usage(text string) error {
	return fmt.Errorf("usage: %s", text)
}

// describe turns engine errors into operator-facing text.
func describe(err error) string {
	var conflict *pos.SessionConflictError
	var exceeded *pos.StockExceededError
	var stock *pos.StockConflictError
	switch {
	case errors.As(err, &conflict):
		return fmt.Sprintf("session %s is already open by %s", conflict.Holder.ID, conflict.Holder.WorkerID)
	case errors.As(err, &exceeded):
		return fmt.Sprintf("only %d of %s in stock (requested %d)", exceeded.Available, exceeded.SKU, exceeded.Requested)
	case errors.As(err, &stock):
		parts := make([]string, 0, len(stock.Conflicts))
		for _, c := range stock.Conflicts {
			parts = append(parts, fmt.Sprintf("%s %d/%d", c.SKU, c.Available, c.Requested))
		}
		return "stock changed: " + strings.Join(parts, ", ")
	case pos.IsSessionError(err):
		return err.Error() + "; open or adopt a session"
	}
	return err.Error()
}

const helpText = `session open <float> | session adopt <id> | session summary | session close <counted> [notes]
stock <sku>          add <sku> [qty]      qty <line> <qty>     remove <line>
cart                 clear                patient <id>         walkin
rx                   rx load <id>
pay cash <tendered>  pay card <ref>       pay qr               confirm
commit               cancel               qr <order id>        quit
`
