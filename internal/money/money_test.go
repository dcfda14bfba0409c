package money

import "testing"

func TestFormat(t *testing.T) {
	cases := map[int64]string{
		0:     "0.00",
		62000: "620.00",
		7550:  "75.50",
		-1234: "-12.34",
		5:     "0.05",
	}
	for cents, want := range cases {
		if got := Format(cents); got != want {
			t.Fatalf("Format(%d) = %q, want %q", cents, got, want)
		}
	}
}

func TestParse(t *testing.T) {
	cases := map[string]int64{
		"620.00": 62000,
		"75.5":   7550,
		"120":    12000,
		" 0.05 ": 5,
		"-3.10":  -310,
	}
	for raw, want := range cases {
		got, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", raw, err)
		}
		if got != want {
			t.Fatalf("Parse(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestParseRejectsInvalidAmounts(t *testing.T) {
	for _, raw := range []string{"", "abc", "1.005", "12,50"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("expected Parse(%q) to fail", raw)
		}
	}
}

func TestClassifyVariance(t *testing.T) {
	if got := ClassifyVariance(0, 62000); got != VarianceNormal {
		t.Fatalf("expected normal for zero variance, got %s", got)
	}
	if got := ClassifyVariance(-500, 62000); got != VarianceNormal {
		t.Fatalf("expected normal for 0.8%%, got %s", got)
	}
	if got := ClassifyVariance(2000, 62000); got != VarianceWarning {
		t.Fatalf("expected warning for 3.2%%, got %s", got)
	}
	if got := ClassifyVariance(-10000, 62000); got != VarianceCritical {
		t.Fatalf("expected critical for 16%%, got %s", got)
	}
	if got := ClassifyVariance(100, 0); got != VarianceCritical {
		t.Fatalf("expected critical against zero expectation, got %s", got)
	}
}

func TestVariancePercent(t *testing.T) {
	if got := VariancePercent(2000, 62000).String(); got != "3.23" {
		t.Fatalf("expected 3.23, got %s", got)
	}
	if got := VariancePercent(100, 0).String(); got != "0" {
		t.Fatalf("expected 0 for zero expectation, got %s", got)
	}
}
