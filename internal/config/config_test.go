package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "PORT", "DEFAULT_PHARMACY_ID", "CARD_SETTLE_SECONDS", "STOCK_CACHE_TTL_SECONDS",
		"ACCESS_TOKEN_TTL_MINUTES", "VISIBILITY_RETRY_ATTEMPTS", "VISIBILITY_RETRY_BASE_MS")

	cfg := LoadFile(filepath.Join(t.TempDir(), "missing.env"))

	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.DefaultPharmacyID != "main-pharmacy" {
		t.Fatalf("unexpected pharmacy %q", cfg.DefaultPharmacyID)
	}
	if cfg.CardSettle != 10*time.Second {
		t.Fatalf("expected 10s card settle countdown, got %s", cfg.CardSettle)
	}
	if cfg.StockCacheTTL != 15*time.Second || cfg.AccessTokenTTL != 12*time.Hour {
		t.Fatalf("unexpected ttl defaults %s %s", cfg.StockCacheTTL, cfg.AccessTokenTTL)
	}
	if cfg.VisibilityRetryAttempts != 3 || cfg.VisibilityRetryBase != 200*time.Millisecond {
		t.Fatalf("unexpected retry defaults %d %s", cfg.VisibilityRetryAttempts, cfg.VisibilityRetryBase)
	}
}

func TestLoadReadsEnvFileAndEnvironmentWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "till.env")
	content := "PORT=9090\nCARD_SETTLE_SECONDS=4\nQR_PROVIDER_URL=https://qr.example.test/\nDEFAULT_PHARMACY_ID=branch-2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	clearEnv(t, "PORT", "CARD_SETTLE_SECONDS", "QR_PROVIDER_URL")
	t.Setenv("DEFAULT_PHARMACY_ID", "branch-7")

	cfg := LoadFile(path)
	if cfg.Port != "9090" || cfg.CardSettle != 4*time.Second {
		t.Fatalf("expected values from env file, got port=%s settle=%s", cfg.Port, cfg.CardSettle)
	}
	if cfg.QRProviderURL != "https://qr.example.test" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.QRProviderURL)
	}
	if cfg.DefaultPharmacyID != "branch-7" {
		t.Fatalf("expected environment to override env file, got %q", cfg.DefaultPharmacyID)
	}
}

func TestLoadFallsBackOnNonPositiveValues(t *testing.T) {
	t.Setenv("CARD_SETTLE_SECONDS", "0")
	t.Setenv("QR_PROVIDER_RATE_PER_SECOND", "-1")

	cfg := LoadFile(filepath.Join(t.TempDir(), "missing.env"))
	if cfg.CardSettle != 10*time.Second {
		t.Fatalf("expected fallback settle countdown, got %s", cfg.CardSettle)
	}
	if cfg.QRProviderRatePerSecond != 5 {
		t.Fatalf("expected fallback rate, got %v", cfg.QRProviderRatePerSecond)
	}
}
