package store

import (
	"testing"

	"pharmapos/internal/domain"
)

func TestLineConflictsReportWhatIsLeftForEachLine(t *testing.T) {
	items := []domain.OrderLine{
		{SKU: "SKU-X", Qty: 2, PrescriptionID: "rx-1", PrescribedItemName: "X"},
		{SKU: "SKU-X", Qty: 1},
		{SKU: "SKU-Y", Qty: 4},
	}
	conflicts := LineConflicts(items, map[string]int{"SKU-X": 2, "SKU-Y": 4})
	if len(conflicts) != 2 {
		t.Fatalf("expected both SKU-X lines reported, got %+v", conflicts)
	}
	if conflicts[0].PrescriptionID != "rx-1" || conflicts[0].Requested != 2 || conflicts[0].Available != 1 {
		t.Fatalf("unexpected prescription line conflict %+v", conflicts[0])
	}
	if conflicts[1].Requested != 1 || conflicts[1].Available != 0 {
		t.Fatalf("unexpected second line conflict %+v", conflicts[1])
	}
	for _, c := range conflicts {
		if c.Requested <= c.Available {
			t.Fatalf("reported line is within its limit: %+v", c)
		}
	}
}

func TestLineConflictsNeverReportNegativeAvailability(t *testing.T) {
	items := []domain.OrderLine{{SKU: "SKU-X", Qty: 5}, {SKU: "SKU-X", Qty: 1}}
	conflicts := LineConflicts(items, map[string]int{"SKU-X": 3})
	if len(conflicts) != 2 || conflicts[0].Available != 2 || conflicts[1].Available != 0 {
		t.Fatalf("unexpected conflicts %+v", conflicts)
	}
	if got := LineConflicts(items, map[string]int{"SKU-X": 6}); len(got) != 0 {
		t.Fatalf("expected no conflicts when stock covers the total, got %+v", got)
	}
	if got := RequestedBySKU(items); got["SKU-X"] != 6 {
		t.Fatalf("expected 6 requested, got %v", got)
	}
}
