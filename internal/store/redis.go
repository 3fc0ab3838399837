package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pnl-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Generation rows never change once published, so
// summary and position entries are keyed by generation id and need no
// invalidation. Only the current-generation pointer is invalidated on publish.
type CachedStore struct {
	primary    Store
	rdb        *redis.Client
	ttl        time.Duration
	pointerTTL time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary:    primary,
		rdb:        rdb,
		ttl:        ttl,
		pointerTTL: 5 * time.Second,
	}
}

// --- Passthrough (inputs are not cached) ---

func (s *CachedStore) InsertTrades(ctx context.Context, trades []model.Trade) error {
	return s.primary.InsertTrades(ctx, trades)
}

func (s *CachedStore) InsertResolutions(ctx context.Context, resolutions []model.MarketResolution) error {
	return s.primary.InsertResolutions(ctx, resolutions)
}

func (s *CachedStore) InsertQuotes(ctx context.Context, quotes []model.PriceQuote) error {
	return s.primary.InsertQuotes(ctx, quotes)
}

func (s *CachedStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	return s.primary.LoadSnapshot(ctx)
}

// --- Write-through (write to primary, replace pointer) ---

func (s *CachedStore) PublishGeneration(ctx context.Context, g *model.Generation) error {
	if err := s.primary.PublishGeneration(ctx, g); err != nil {
		return err
	}
	s.cacheJSON(ctx, currentKey(), header(g), s.pointerTTL)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) CurrentGeneration(ctx context.Context) (*model.Generation, error) {
	var g model.Generation
	if s.fromCache(ctx, currentKey(), &g) {
		return &g, nil
	}

	cur, err := s.primary.CurrentGeneration(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, currentKey(), header(cur), s.pointerTTL)
	return cur, nil
}

func (s *CachedStore) GetSummary(ctx context.Context, generationID string, policy model.Policy, wallet string) (*model.WalletPnLSummary, error) {
	key := summaryKey(generationID, policy, wallet)

	var sum model.WalletPnLSummary
	if s.fromCache(ctx, key, &sum) {
		return &sum, nil
	}

	got, err := s.primary.GetSummary(ctx, generationID, policy, wallet)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, key, got, s.ttl)
	return got, nil
}

// GetPositions caches the wallet's full list and filters by market on read.
func (s *CachedStore) GetPositions(ctx context.Context, generationID string, policy model.Policy, wallet, marketID string) ([]model.PositionDetail, error) {
	key := positionsKey(generationID, policy, wallet)

	var details []model.PositionDetail
	if !s.fromCache(ctx, key, &details) {
		var err error
		details, err = s.primary.GetPositions(ctx, generationID, policy, wallet, "")
		if err != nil {
			return nil, err
		}
		s.cacheJSON(ctx, key, details, s.ttl)
	}

	if marketID == "" {
		return details, nil
	}
	filtered := []model.PositionDetail{}
	for _, pd := range details {
		if pd.MarketID == marketID {
			filtered = append(filtered, pd)
		}
	}
	return filtered, nil
}

// --- Cache helpers ---

func (s *CachedStore) fromCache(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, ttl)
	}
}

func currentKey() string { return "pnl:generation:current" }

func summaryKey(gen string, p model.Policy, wallet string) string {
	return fmt.Sprintf("pnl:%s:summary:%s:%s", gen, p, wallet)
}

func positionsKey(gen string, p model.Policy, wallet string) string {
	return fmt.Sprintf("pnl:%s:positions:%s:%s", gen, p, wallet)
}
