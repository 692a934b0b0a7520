package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// CatalogService owns the product catalog and per-distributor stock levels.
type CatalogService struct {
	redis *redis.Client
}

func NewCatalogService(redis *redis.Client) *CatalogService {
	return &CatalogService{redis: redis}
}

func stockKey(distributorID string) string {
	return fmt.Sprintf("stock:%s", distributorID)
}

// ListProducts returns the catalog ordered by id. An empty category returns
// everything. Slot codes depend on this ordering being stable.
func (cs *CatalogService) ListProducts(ctx context.Context, category Category) ([]Product, error) {
	entries, err := cs.redis.HGetAll(ctx, "products").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}

	products := make([]Product, 0, len(entries))
	for _, raw := range entries {
		var p Product
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			slog.Error("Failed to unmarshal product", "error", err)
			continue
		}
		if category != "" && p.Category != category {
			continue
		}
		products = append(products, p)
	}

	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// GetProduct returns one product by id.
func (cs *CatalogService) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	raw, err := cs.redis.HGet(ctx, "products", strconv.FormatInt(productID, 10)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("product %d not found", productID)
	}
	if err != nil {
		return nil, err
	}

	var p Product
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product %d: %w", productID, err)
	}
	return &p, nil
}

// FetchStock returns the remaining quantity per product for one distributor.
func (cs *CatalogService) FetchStock(ctx context.Context, distributorID string) (map[int64]int, error) {
	entries, err := cs.redis.HGetAll(ctx, stockKey(distributorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load stock for %s: %w", distributorID, err)
	}

	stock := make(map[int64]int, len(entries))
	for field, val := range entries {
		pid, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		qty, err := strconv.Atoi(val)
		if err != nil {
			continue
		}
		stock[pid] = qty
	}
	return stock, nil
}

// DecrementStock removes qty units of a product from a distributor, flooring
// at zero. Concurrent dispense attempts may both pass the optimistic stock
// check upstream; the floor keeps the counter from going negative.
func (cs *CatalogService) DecrementStock(ctx context.Context, distributorID string, productID int64, qty int) error {
	field := strconv.FormatInt(productID, 10)
	left, err := cs.redis.HIncrBy(ctx, stockKey(distributorID), field, int64(-qty)).Result()
	if err != nil {
		return fmt.Errorf("failed to decrement stock: %w", err)
	}
	if left < 0 {
		if err := cs.redis.HSet(ctx, stockKey(distributorID), field, 0).Err(); err != nil {
			return fmt.Errorf("failed to floor stock: %w", err)
		}
	}
	return nil
}

// Restock resets every product of a distributor to a random 5–15 quantity,
// as the study operators do between participant groups.
func (cs *CatalogService) Restock(ctx context.Context, distributorID string) ([]StockLevel, error) {
	key := stockKey(distributorID)
	exists, err := cs.redis.Exists(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, fmt.Errorf("distributor %s has no stock", distributorID)
	}

	entries, err := cs.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	pipe := cs.redis.TxPipeline()
	levels := make([]StockLevel, 0, len(entries))
	for field := range entries {
		pid, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		qty := randStock()
		pipe.HSet(ctx, key, field, qty)
		levels = append(levels, StockLevel{ProductID: pid, Quantity: qty})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to restock %s: %w", distributorID, err)
	}

	sort.Slice(levels, func(i, j int) bool { return levels[i].ProductID < levels[j].ProductID })
	slog.Info("Distributor restocked", "distributorID", distributorID, "products", len(levels))
	return levels, nil
}

// randStock returns a quantity in 5–15, matching the original seeding rule.
func randStock() int {
	return rand.Intn(11) + 5
}
