package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

// DefaultRetain is how many published generations MemoryStore keeps
// addressable by id.
const DefaultRetain = 4

// MemoryStore implements Store with in-memory slices. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	trades      []model.Trade
	resolutions []model.MarketResolution
	quotes      []model.PriceQuote

	current     atomic.Pointer[model.Generation]
	genMu       sync.RWMutex
	generations map[string]*model.Generation
	order       []string
	retain      int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		generations: make(map[string]*model.Generation),
		retain:      DefaultRetain,
	}
}

func (s *MemoryStore) InsertTrades(_ context.Context, trades []model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trades...)
	return nil
}

func (s *MemoryStore) InsertResolutions(_ context.Context, resolutions []model.MarketResolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range resolutions {
		r.PayoutNumerators = append([]decimal.Decimal(nil), r.PayoutNumerators...)
		s.resolutions = append(s.resolutions, r)
	}
	return nil
}

func (s *MemoryStore) InsertQuotes(_ context.Context, quotes []model.PriceQuote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = append(s.quotes, quotes...)
	return nil
}

// LoadSnapshot copies the inputs so a running rebuild never observes a
// concurrent insert.
func (s *MemoryStore) LoadSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &model.Snapshot{
		Trades:      append([]model.Trade(nil), s.trades...),
		Resolutions: append([]model.MarketResolution(nil), s.resolutions...),
		Quotes:      append([]model.PriceQuote(nil), s.quotes...),
		LoadedAt:    time.Now().UTC(),
	}, nil
}

func (s *MemoryStore) PublishGeneration(_ context.Context, g *model.Generation) error {
	if g == nil || g.ID == "" {
		return fmt.Errorf("publish: generation has no id")
	}

	s.genMu.Lock()
	s.generations[g.ID] = g
	s.order = append(s.order, g.ID)
	for len(s.order) > s.retain {
		delete(s.generations, s.order[0])
		s.order = s.order[1:]
	}
	s.genMu.Unlock()

	s.current.Store(g)
	return nil
}

// CurrentGeneration returns the full live generation, maps included.
func (s *MemoryStore) CurrentGeneration(_ context.Context) (*model.Generation, error) {
	g := s.current.Load()
	if g == nil {
		return nil, ErrNoGeneration
	}
	return g, nil
}

func (s *MemoryStore) generation(id string) (*model.Generation, error) {
	if g := s.current.Load(); g != nil && g.ID == id {
		return g, nil
	}
	s.genMu.RLock()
	defer s.genMu.RUnlock()
	g, ok := s.generations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoGeneration, id)
	}
	return g, nil
}

func (s *MemoryStore) GetSummary(_ context.Context, generationID string, policy model.Policy, wallet string) (*model.WalletPnLSummary, error) {
	g, err := s.generation(generationID)
	if err != nil {
		return nil, err
	}
	sum, ok := g.Summary(policy, wallet)
	if !ok {
		return nil, fmt.Errorf("%w: wallet %s", ErrNotFound, wallet)
	}
	return &sum, nil
}

func (s *MemoryStore) GetPositions(_ context.Context, generationID string, policy model.Policy, wallet, marketID string) ([]model.PositionDetail, error) {
	g, err := s.generation(generationID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Positions[policy][wallet]; !ok {
		return nil, fmt.Errorf("%w: wallet %s", ErrNotFound, wallet)
	}
	return g.WalletPositions(policy, wallet, marketID), nil
}
