package service

import (
	"context"
	"log"
	"strings"

	"pharmapos/internal/cache"
	"pharmapos/internal/domain"
	"pharmapos/internal/store"
)

// QueryStock answers the Stock Oracle for one sku, through the stock cache.
func (s *Service) QueryStock(ctx context.Context, pharmacyID string, sku string) (domain.StockQuote, error) {
	pharmacyID = s.pharmacyOrDefault(pharmacyID)
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return domain.StockQuote{}, store.ErrInvalidTransaction
	}

	key := cache.StockKey(pharmacyID, sku)
	if cached, ok, err := s.stockCache.Get(ctx, key); err != nil {
		log.Printf("[service] WARN: stock cache get failed key=%s: %v", key, err)
	} else if ok {
		return *cached, nil
	}

	quote, err := s.repo.GetStockQuote(ctx, pharmacyID, sku)
	if err != nil {
		return domain.StockQuote{}, err
	}
	if err := s.stockCache.Set(ctx, key, quote, s.stockCacheTTL); err != nil {
		log.Printf("[service] WARN: stock cache set failed key=%s: %v", key, err)
	}
	return *quote, nil
}

// ResolveProduct finds the stocked product whose name matches a prescribed item.
func (s *Service) ResolveProduct(ctx context.Context, pharmacyID string, name string) (domain.StockQuote, error) {
	pharmacyID = s.pharmacyOrDefault(pharmacyID)
	if err := requireField("name", name); err != nil {
		return domain.StockQuote{}, err
	}
	quote, err := s.repo.FindStockQuoteByName(ctx, pharmacyID, name)
	if err != nil {
		return domain.StockQuote{}, err
	}
	return *quote, nil
}

func (s *Service) ListStock(ctx context.Context, pharmacyID string) ([]domain.StockQuote, error) {
	return s.repo.ListStockQuotes(ctx, s.pharmacyOrDefault(pharmacyID))
}

func (s *Service) invalidateStock(ctx context.Context, pharmacyID string, items []domain.OrderLine) {
	keys := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item.SKU]; ok {
			continue
		}
		seen[item.SKU] = struct{}{}
		keys = append(keys, cache.StockKey(pharmacyID, item.SKU))
	}
	if err := s.stockCache.Delete(ctx, keys...); err != nil {
		log.Printf("[service] WARN: stock cache invalidation failed pharmacy=%s: %v", pharmacyID, err)
	}
}
