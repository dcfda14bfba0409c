package cache

import (
	"context"
	"fmt"
	"time"

	"pharmapos/internal/domain"
)

// StockCache holds short-lived stock quotes so repeated lookups during cart
// building skip the database. Writes that change stock must Delete the key.
type StockCache interface {
	Get(ctx context.Context, key string) (*domain.StockQuote, bool, error)
	Set(ctx context.Context, key string, value *domain.StockQuote, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

func StockKey(pharmacyID string, sku string) string {
	return fmt.Sprintf("stock:%s:%s", pharmacyID, sku)
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (*domain.StockQuote, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ *domain.StockQuote, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Delete(_ context.Context, _ ...string) error {
	return nil
}
