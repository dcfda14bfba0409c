package pos

import (
	"testing"

	"pharmapos/internal/domain"
)

func TestLateRejectionKeepsNewerSession(t *testing.T) {
	handle := NewSessionHandle("main-pharmacy", "worker")
	handle.set(domain.CashSession{ID: "cs-old", Status: domain.CashSessionStatusOpen})
	handle.set(domain.CashSession{ID: "cs-new", Status: domain.CashSessionStatusOpen})

	handle.clearIf("cs-old")
	if current, ok := handle.Current(); !ok || current.ID != "cs-new" {
		t.Fatalf("expected cs-new kept, got %+v ok=%v", current, ok)
	}

	handle.clearIf("cs-new")
	if _, ok := handle.Current(); ok {
		t.Fatalf("expected handle cleared for its own session")
	}
}
