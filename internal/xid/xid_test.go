package xid

import (
	"strings"
	"testing"
	"time"
)

func TestNewUsesPrefixAndIsUnique(t *testing.T) {
	a := New("order")
	b := New("order")
	if !strings.HasPrefix(a, "order-") {
		t.Fatalf("expected order- prefix, got %q", a)
	}
	if a == b {
		t.Fatalf("expected unique ids, got %q twice", a)
	}
}

func TestReceiptEmbedsDate(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	got := Receipt(at)
	if !strings.HasPrefix(got, "R20260301-") {
		t.Fatalf("unexpected receipt number %q", got)
	}
	if len(got) != len("R20260301-")+8 {
		t.Fatalf("unexpected receipt length %q", got)
	}
}
