package pos

import (
	"context"
	"errors"
	"strings"

	"pharmapos/internal/domain"
)

var errSessionNotOpen = errors.New("session is not open")

// Identity is who the sale is for: a resolved patient or an explicit walk-in.
type Identity struct {
	PatientID string
	WalkIn    bool
}

func (i Identity) resolved() bool {
	return strings.TrimSpace(i.PatientID) != "" || i.WalkIn
}

// Gateway turns a confirmed attempt and a frozen cart into one order
// submission.
type Gateway struct {
	submitter OrderSubmitter
	sessions  SessionStore
	handle    *SessionHandle
	retry     RetryPolicy
}

func NewGateway(submitter OrderSubmitter, sessions SessionStore, handle *SessionHandle, retry RetryPolicy) *Gateway {
	return &Gateway{submitter: submitter, sessions: sessions, handle: handle, retry: retry}
}

// Submit commits the sale. Local preconditions are checked before anything
// goes over the network. The cart is emptied only when the backend accepted
// the order; on any error it is left untouched for the operator to fix or
// resend.
func (g *Gateway) Submit(ctx context.Context, cart *Cart, attempt *Attempt, identity Identity) (Receipt, error) {
	lines, prescriptions, err := cart.freeze()
	if err != nil {
		return Receipt{}, err
	}
	committed := false
	defer func() {
		if !committed {
			cart.thaw()
		}
	}()

	session, err := g.precheck(lines, identity)
	if err != nil {
		return Receipt{}, err
	}
	tender, err := attempt.beginCommit(totalOf(lines))
	if err != nil {
		return Receipt{}, err
	}

	req := g.buildRequest(session, lines, prescriptions, identity, tender, attempt.IdempotencyKey())
	resp, err := g.commit(ctx, session, req)
	attempt.endCommit(err)
	if err != nil {
		return Receipt{}, err
	}

	cart.commitSucceeded()
	committed = true
	return receiptFor(resp, tender), nil
}

func (g *Gateway) precheck(lines []CartLine, identity Identity) (domain.CashSession, error) {
	if len(lines) == 0 {
		return domain.CashSession{}, invalid("cart", "is empty")
	}
	if totalOf(lines) <= 0 {
		return domain.CashSession{}, invalid("total", "must be greater than zero")
	}
	session, ok := g.handle.Current()
	if !ok || !session.IsOpen() {
		return domain.CashSession{}, &SessionError{Reason: "is not open"}
	}
	return session, checkIdentity(lines, identity)
}

func checkIdentity(lines []CartLine, identity Identity) error {
	patientID := strings.TrimSpace(identity.PatientID)
	if !identity.resolved() {
		return invalid("identity", "patient or walk-in flag is required")
	}
	if patientID != "" && identity.WalkIn {
		return invalid("identity", "walk-in sale cannot carry a patient")
	}
	if patientID == "" {
		for _, line := range lines {
			if line.Link != nil {
				return invalid("identity", "prescription lines require a patient")
			}
		}
	}
	return nil
}

func (g *Gateway) commit(ctx context.Context, session domain.CashSession, req domain.OrderSubmitRequest) (domain.OrderSubmitResponse, error) {
	err := g.retry.Do(ctx, func(ctx context.Context) error {
		current, err := g.sessions.GetCashSession(ctx, session.ID)
		if err != nil {
			return err
		}
		if !current.IsOpen() {
			return errSessionNotOpen
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errSessionNotOpen), isNotFound(err):
		g.handle.clearIf(session.ID)
		return domain.OrderSubmitResponse{}, &SessionError{SessionID: session.ID, Reason: "is no longer open", Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.OrderSubmitResponse{}, &CommitFailure{Err: err}
	default:
		return domain.OrderSubmitResponse{}, classifySubmitError(session.ID, err)
	}

	resp, err := g.submitter.SubmitOrder(ctx, req)
	if err != nil {
		classified := classifySubmitError(session.ID, err)
		if errors.Is(classified, ErrSession) {
			g.handle.clearIf(session.ID)
		}
		return domain.OrderSubmitResponse{}, classified
	}
	return resp, nil
}

func (g *Gateway) buildRequest(
	session domain.CashSession,
	lines []CartLine,
	prescriptions map[string]domain.Prescription,
	identity Identity,
	tender Tender,
	idempotencyKey string,
) domain.OrderSubmitRequest {
	req := domain.OrderSubmitRequest{
		PharmacyID:     session.PharmacyID,
		IdempotencyKey: idempotencyKey,
		CashSessionID:  session.ID,
		WorkerID:       g.handle.WorkerID(),
		PatientID:      strings.TrimSpace(identity.PatientID),
		WalkIn:         identity.WalkIn,
		PaymentMethod:  tender.Method(),
		Items:          make([]domain.OrderLine, 0, len(lines)),
		Dispensation:   BuildDispensation(lines, prescriptions),
	}
	switch t := tender.(type) {
	case CashTender:
		req.CashTenderedCents = t.TenderedCents
	case CardTender:
		req.CardReference = t.Reference
	case QRTender:
		req.QROrderID = t.ProviderOrderID
	}
	for _, line := range lines {
		item := domain.OrderLine{
			SKU:            line.SKU,
			Name:           line.Name,
			Qty:            line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
		}
		if line.Link != nil {
			item.PrescriptionID = line.Link.PrescriptionID
			item.PrescribedItemName = line.Link.Item.Name
		}
		req.Items = append(req.Items, item)
	}
	return req
}

// BuildDispensation reports, for every prescription referenced by a line, how
// much of each prescribed item the sale covers. An item counts as matched only
// when its full required quantity is dispensed; a prescription is dispensed
// when all items match, incomplete when some do and not_dispensed otherwise.
// Prescriptions that were loaded into the cart are judged against all of
// their items, not only the linked ones.
func BuildDispensation(lines []CartLine, known map[string]domain.Prescription) []domain.DispensationUpdate {
	var order []string
	dispensed := make(map[string]map[string]int)
	linkedItems := make(map[string][]domain.PrescribedItem)

	for _, line := range lines {
		if line.Link == nil {
			continue
		}
		id := line.Link.PrescriptionID
		if _, seen := dispensed[id]; !seen {
			order = append(order, id)
			dispensed[id] = make(map[string]int)
		}
		name := itemKey(line.Link.Item.Name)
		if _, seen := dispensed[id][name]; !seen {
			linkedItems[id] = append(linkedItems[id], line.Link.Item)
		}
		dispensed[id][name] += line.Quantity
	}

	updates := make([]domain.DispensationUpdate, 0, len(order))
	for _, id := range order {
		items := linkedItems[id]
		if rx, ok := known[id]; ok && len(rx.Items) > 0 {
			items = rx.Items
		}

		update := domain.DispensationUpdate{PrescriptionID: id, Items: make([]domain.DispensedItem, 0, len(items))}
		matched := 0
		for _, item := range items {
			got := dispensed[id][itemKey(item.Name)]
			update.Items = append(update.Items, domain.DispensedItem{
				Name:      item.Name,
				Required:  item.QuantityToDispense,
				Dispensed: got,
			})
			if got >= item.QuantityToDispense {
				matched++
			}
		}

		switch {
		case matched == len(items):
			update.Status = domain.DispensationDispensed
		case matched > 0:
			update.Status = domain.DispensationIncomplete
		default:
			update.Status = domain.DispensationNotDispensed
		}
		updates = append(updates, update)
	}
	return updates
}

func itemKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
