package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"pharmapos/internal/domain"
)

func TestStockKeyScopesByPharmacy(t *testing.T) {
	if StockKey("a", "SKU-1") == StockKey("b", "SKU-1") {
		t.Fatalf("expected keys to differ per pharmacy")
	}
	if got := StockKey("main-pharmacy", "SKU-PCM-500"); got != "stock:main-pharmacy:SKU-PCM-500" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestNoopStockCacheAlwaysMisses(t *testing.T) {
	var c StockCache = NoopStockCache{}
	ctx := context.Background()
	if err := c.Set(ctx, "k", &domain.StockQuote{SKU: "SKU-1"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := c.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestRedisStockCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("PHARMAPOS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set PHARMAPOS_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx := context.Background()
	c := NewRedisStockCache(addr, "", 0)
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	key := StockKey("it-pharmacy", "SKU-IT")
	if err := c.Set(ctx, key, &domain.StockQuote{SKU: "SKU-IT", UnitsAvailable: 7}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, key)
	if err != nil || !ok || got.UnitsAvailable != 7 {
		t.Fatalf("unexpected get result %+v ok=%v err=%v", got, ok, err)
	}
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatalf("expected miss after delete")
	}
}
