// Package store defines the persistence interface for the P&L engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-file
// local rebuilds), Redis (read-through cache of published generations), and
// in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/pnl-engine/internal/model"
)

var (
	// ErrNoGeneration is returned before the first successful publish, or
	// when a requested generation is no longer retained.
	ErrNoGeneration = errors.New("store: no published generation")

	// ErrNotFound is returned when a generation has no row for a wallet.
	ErrNotFound = errors.New("store: not found")
)

// Store is the persistence interface. Inputs are append-only; outputs are
// whole generations that become visible in a single pointer swap.
type Store interface {
	// --- Inputs ---

	// InsertTrades appends raw fill records exactly as the feeds sent them.
	InsertTrades(ctx context.Context, trades []model.Trade) error

	// InsertResolutions appends payout vectors from a resolution source.
	InsertResolutions(ctx context.Context, resolutions []model.MarketResolution) error

	// InsertQuotes appends observed outcome prices.
	InsertQuotes(ctx context.Context, quotes []model.PriceQuote) error

	// LoadSnapshot reads every input into one consistent snapshot.
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)

	// --- Generations ---

	// PublishGeneration stores a complete generation and makes it current.
	// Readers see either the previous generation or this one, never a mix.
	PublishGeneration(ctx context.Context, g *model.Generation) error

	// CurrentGeneration returns the live generation header and diagnostics.
	// Summaries and Positions may be left empty; use the getters below.
	CurrentGeneration(ctx context.Context) (*model.Generation, error)

	// GetSummary returns one wallet's summary from a generation.
	GetSummary(ctx context.Context, generationID string, policy model.Policy, wallet string) (*model.WalletPnLSummary, error)

	// GetPositions returns one wallet's position details from a generation,
	// optionally filtered by market id.
	GetPositions(ctx context.Context, generationID string, policy model.Policy, wallet, marketID string) ([]model.PositionDetail, error)
}

// header strips the per-wallet maps from a generation.
func header(g *model.Generation) *model.Generation {
	h := *g
	h.Summaries = nil
	h.Positions = nil
	return &h
}
