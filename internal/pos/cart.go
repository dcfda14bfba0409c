package pos

import (
	"context"
	"errors"
	"strings"
	"sync"

	"pharmapos/internal/domain"
)

// LineKey identifies a cart line. Lines for the same sku but different
// prescription items never merge.
type LineKey struct {
	SKU                string
	PrescriptionID     string
	PrescribedItemName string
}

type CartLine struct {
	SKU            string
	Name           string
	UnitPriceCents int64
	Quantity       int
	StockSnapshot  int
	Link           *domain.PrescriptionLink
}

func (l CartLine) Key() LineKey {
	return lineKey(l.SKU, l.Link)
}

func (l CartLine) SubtotalCents() int64 {
	return l.UnitPriceCents * int64(l.Quantity)
}

func lineKey(sku string, link *domain.PrescriptionLink) LineKey {
	key := LineKey{SKU: sku}
	if link != nil {
		key.PrescriptionID = link.PrescriptionID
		key.PrescribedItemName = strings.ToLower(strings.TrimSpace(link.Item.Name))
	}
	return key
}

func normalizeSKU(sku string) string {
	return strings.ToUpper(strings.TrimSpace(sku))
}

// Cart holds the lines of the sale being built. Every line's quantity, and the
// sum over all lines of one sku, stays within the last stock quote seen for
// that sku.
type Cart struct {
	mu            sync.Mutex
	oracle        StockOracle
	handle        *SessionHandle
	lines         []CartLine
	prescriptions map[string]domain.Prescription
	frozen        bool
}

func NewCart(oracle StockOracle, handle *SessionHandle) *Cart {
	return &Cart{
		oracle:        oracle,
		handle:        handle,
		prescriptions: make(map[string]domain.Prescription),
	}
}

// AddSKU asks the stock oracle for a fresh quote and adds qty units.
func (c *Cart) AddSKU(ctx context.Context, sku string, qty int, link *domain.PrescriptionLink) error {
	sku = normalizeSKU(sku)
	if sku == "" {
		return invalid("sku", "is required")
	}
	if qty < 1 {
		return invalid("quantity", "must be at least 1")
	}
	quote, err := c.oracle.QueryStock(ctx, c.handle.PharmacyID(), sku)
	if err != nil {
		return err
	}
	return c.AddItem(quote, qty, link)
}

func (c *Cart) AddItem(quote domain.StockQuote, qty int, link *domain.PrescriptionLink) error {
	if normalizeSKU(quote.SKU) == "" {
		return invalid("sku", "is required")
	}
	if qty < 1 {
		return invalid("quantity", "must be at least 1")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrCommitInFlight
	}
	return c.addLocked(quote, qty, link)
}

func (c *Cart) addLocked(quote domain.StockQuote, qty int, link *domain.PrescriptionLink) error {
	sku := normalizeSKU(quote.SKU)
	requested := c.skuQuantityLocked(sku) + qty
	if requested > quote.UnitsAvailable {
		return &StockExceededError{SKU: sku, Requested: requested, Available: quote.UnitsAvailable}
	}

	for i := range c.lines {
		if c.lines[i].SKU == sku {
			c.lines[i].StockSnapshot = quote.UnitsAvailable
			c.lines[i].UnitPriceCents = quote.UnitPriceCents
		}
	}

	key := lineKey(sku, link)
	if idx := c.indexLocked(key); idx >= 0 {
		c.lines[idx].Quantity += qty
		return nil
	}

	name := strings.TrimSpace(quote.Name)
	if name == "" {
		name = sku
	}
	c.lines = append(c.lines, CartLine{
		SKU:            sku,
		Name:           name,
		UnitPriceCents: quote.UnitPriceCents,
		Quantity:       qty,
		StockSnapshot:  quote.UnitsAvailable,
		Link:           cloneLink(link),
	})
	return nil
}

// UpdateQuantity replaces a line's quantity. Anything below one removes the
// line; anything the last stock quote cannot cover is rejected and the line
// is left as it was.
func (c *Cart) UpdateQuantity(key LineKey, newQty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrCommitInFlight
	}
	idx := c.indexLocked(key)
	if idx < 0 {
		return ErrLineNotFound
	}
	if newQty < 1 {
		c.removeLocked(idx)
		return nil
	}

	line := c.lines[idx]
	requested := c.skuQuantityLocked(line.SKU) - line.Quantity + newQty
	if requested > line.StockSnapshot {
		return &StockExceededError{SKU: line.SKU, Requested: requested, Available: line.StockSnapshot}
	}
	c.lines[idx].Quantity = newQty
	return nil
}

func (c *Cart) RemoveItem(key LineKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrCommitInFlight
	}
	idx := c.indexLocked(key)
	if idx < 0 {
		return ErrLineNotFound
	}
	c.removeLocked(idx)
	return nil
}

func (c *Cart) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return totalOf(c.lines)
}

func totalOf(lines []CartLine) int64 {
	var total int64
	for _, line := range lines {
		total += line.SubtotalCents()
	}
	return total
}

func (c *Cart) Lines() []CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneLines(c.lines)
}

func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

// Clear empties the cart after a committed sale or an abandoned one.
func (c *Cart) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrCommitInFlight
	}
	c.resetLocked()
	return nil
}

type LoadedItem struct {
	Name  string
	SKU   string
	Added int
}

type LoadReport struct {
	PrescriptionID string
	Loaded         []LoadedItem
	Failures       []LoadFailure
}

// Warning returns a *PartialLoadWarning when at least one item failed.
func (r LoadReport) Warning() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &PartialLoadWarning{PrescriptionID: r.PrescriptionID, Failures: r.Failures}
}

// LoadPrescription places every prescribed item it can find in stock into the
// cart, linked to the prescription. Only the quantity not already linked in
// the cart is added. Items that cannot be resolved or covered are reported and
// skipped; the rest still load.
func (c *Cart) LoadPrescription(ctx context.Context, rx domain.Prescription) (LoadReport, error) {
	rx.ID = strings.TrimSpace(rx.ID)
	if rx.ID == "" {
		return LoadReport{}, invalid("prescription_id", "is required")
	}
	report := LoadReport{PrescriptionID: rx.ID}

	c.mu.Lock()
	if c.frozen {
		c.mu.Unlock()
		return report, ErrCommitInFlight
	}
	c.prescriptions[rx.ID] = clonePrescription(rx)
	c.mu.Unlock()

	for _, item := range rx.Items {
		quote, err := c.oracle.ResolveProduct(ctx, c.handle.PharmacyID(), item.Name)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			reason := LoadReasonLookupFailed
			if isNotFound(err) {
				reason = LoadReasonNotFound
			}
			report.Failures = append(report.Failures, LoadFailure{Name: item.Name, Reason: reason, Needed: item.QuantityToDispense})
			continue
		}

		link := &domain.PrescriptionLink{PrescriptionID: rx.ID, Item: item}
		sku := normalizeSKU(quote.SKU)

		c.mu.Lock()
		if c.frozen {
			c.mu.Unlock()
			return report, ErrCommitInFlight
		}
		linked := 0
		if idx := c.indexLocked(lineKey(sku, link)); idx >= 0 {
			linked = c.lines[idx].Quantity
		}
		needed := item.QuantityToDispense - linked
		if needed <= 0 {
			c.mu.Unlock()
			report.Loaded = append(report.Loaded, LoadedItem{Name: item.Name, SKU: sku})
			continue
		}
		err = c.addLocked(quote, needed, link)
		c.mu.Unlock()

		var exceeded *StockExceededError
		switch {
		case errors.As(err, &exceeded):
			available := quote.UnitsAvailable - (exceeded.Requested - needed)
			if available < 0 {
				available = 0
			}
			report.Failures = append(report.Failures, LoadFailure{
				Name:      item.Name,
				Reason:    LoadReasonInsufficientStock,
				Needed:    needed,
				Available: available,
			})
		case err != nil:
			return report, err
		default:
			report.Loaded = append(report.Loaded, LoadedItem{Name: item.Name, SKU: sku, Added: needed})
		}
	}
	return report, nil
}

// freeze snapshots the lines and blocks every mutation until thaw or
// commitSucceeded.
func (c *Cart) freeze() ([]CartLine, map[string]domain.Prescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return nil, nil, ErrCommitInFlight
	}
	c.frozen = true
	known := make(map[string]domain.Prescription, len(c.prescriptions))
	for id, rx := range c.prescriptions {
		known[id] = clonePrescription(rx)
	}
	return cloneLines(c.lines), known, nil
}

func (c *Cart) thaw() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = false
}

func (c *Cart) commitSucceeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = false
	c.resetLocked()
}

func (c *Cart) resetLocked() {
	c.lines = nil
	c.prescriptions = make(map[string]domain.Prescription)
}

func (c *Cart) indexLocked(key LineKey) int {
	key.SKU = normalizeSKU(key.SKU)
	key.PrescribedItemName = strings.ToLower(strings.TrimSpace(key.PrescribedItemName))
	for i, line := range c.lines {
		if line.Key() == key {
			return i
		}
	}
	return -1
}

func (c *Cart) skuQuantityLocked(sku string) int {
	total := 0
	for _, line := range c.lines {
		if line.SKU == sku {
			total += line.Quantity
		}
	}
	return total
}

func (c *Cart) removeLocked(idx int) {
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
}

func cloneLink(link *domain.PrescriptionLink) *domain.PrescriptionLink {
	if link == nil {
		return nil
	}
	copied := *link
	return &copied
}

func cloneLines(lines []CartLine) []CartLine {
	out := make([]CartLine, len(lines))
	for i, line := range lines {
		line.Link = cloneLink(line.Link)
		out[i] = line
	}
	return out
}

func clonePrescription(rx domain.Prescription) domain.Prescription {
	rx.Items = append([]domain.PrescribedItem(nil), rx.Items...)
	return rx
}
