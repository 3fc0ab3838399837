// Package dedup collapses overlapping trade records from multiple feeds into
// one logical fill per economic event.
//
// Keys are derived in order of reliability: the feed's trade id, then the
// (tx hash, log index, wallet) triple, then a best-effort fallback over
// rounded fill attributes. A record that carries both a trade id and a
// (tx hash, log index) pair is reachable by either, so the order-API and
// on-chain copies of one fill collapse even though their primary keys differ.
// The fallback can over- or under-merge, so the per-kind counts and the
// duplicate ratio are surfaced as diagnostics.
package dedup

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

// Strategy selects which record represents a collapsed group.
type Strategy string

const (
	FirstWriteWins Strategy = "first_write_wins"
	LastWriteWins  Strategy = "last_write_wins"
)

var ErrUnknownStrategy = errors.New("dedup: unknown strategy")

// ParseStrategy validates a strategy name; empty selects FirstWriteWins.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", FirstWriteWins:
		return FirstWriteWins, nil
	case LastWriteWins:
		return LastWriteWins, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownStrategy, s)
}

// KeyConfig controls the fallback key.
type KeyConfig struct {
	Bucket         time.Duration // timestamp bucket width, block-ish
	PricePlaces    int32
	QuantityPlaces int32
}

// DefaultKeyConfig buckets by two seconds and rounds price to 4dp and
// quantity to 2dp.
func DefaultKeyConfig() KeyConfig {
	return KeyConfig{
		Bucket:         2 * time.Second,
		PricePlaces:    4,
		QuantityPlaces: 2,
	}
}

// KeyFor derives the dedup key for a trade whose wallet and market id are
// already canonical.
func KeyFor(t model.Trade, cfg KeyConfig) model.DedupKey {
	if ids := identifiers(t); len(ids) > 0 {
		return ids[0]
	}

	bucket := cfg.Bucket
	if bucket <= 0 {
		bucket = time.Second
	}
	slot := t.Timestamp.UnixNano() / bucket.Nanoseconds()

	parts := []string{
		t.Wallet,
		t.MarketID,
		strconv.Itoa(t.OutcomeIndex),
		string(t.Side),
		strconv.FormatInt(slot, 10),
		t.Price.StringFixed(cfg.PricePlaces),
		t.Quantity.StringFixed(cfg.QuantityPlaces),
	}
	return model.DedupKey{Kind: model.KeyFallback, Value: strings.Join(parts, "|")}
}

// identifiers returns the fill identifiers a trade carries, primary first.
func identifiers(t model.Trade) []model.DedupKey {
	var ids []model.DedupKey
	if id := strings.TrimSpace(t.TradeID); id != "" {
		ids = append(ids, model.DedupKey{Kind: model.KeyTradeID, Value: id})
	}
	if hash := normalizeHash(t.TxHash); hash != "" && t.LogIndex != nil {
		ids = append(ids, model.DedupKey{
			Kind:  model.KeyTxLog,
			Value: hash + "|" + strconv.FormatInt(*t.LogIndex, 10) + "|" + t.Wallet,
		})
	}
	return ids
}

// aliases are every key a record can be matched by: its own dedup key plus
// any identifier it carries besides.
func aliases(t model.NormalizedTrade) []model.DedupKey {
	out := []model.DedupKey{t.Key}
	for _, id := range identifiers(t.Trade) {
		if id != t.Key {
			out = append(out, id)
		}
	}
	return out
}

func normalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, "0x")
}

// Deduplicator collapses trades sharing a dedup key.
type Deduplicator struct {
	Strategy Strategy
}

// New creates a deduplicator with the given strategy.
func New(strategy Strategy) *Deduplicator {
	if strategy == "" {
		strategy = FirstWriteWins
	}
	return &Deduplicator{Strategy: strategy}
}

// Run returns one trade per fill in first-occurrence order. Two records
// describe the same fill when any of their aliases match. Running it on its
// own output is a no-op.
func (d *Deduplicator) Run(trades []model.NormalizedTrade) ([]model.NormalizedTrade, model.DedupStats) {
	stats := model.DedupStats{
		Strategy:        string(d.Strategy),
		Input:           len(trades),
		Ratio:           decimal.Zero,
		ByKind:          make(map[model.DedupKeyKind]int),
		CollapsedByKind: make(map[model.DedupKeyKind]int),
	}

	index := make(map[model.DedupKey]int, len(trades))
	out := make([]model.NormalizedTrade, 0, len(trades))

	for _, t := range trades {
		keys := aliases(t)
		pos, seen := -1, false
		for _, k := range keys {
			if pos, seen = index[k]; seen {
				break
			}
		}
		if !seen {
			pos = len(out)
			out = append(out, t)
			stats.ByKind[t.Key.Kind]++
		} else {
			stats.Collapsed++
			stats.CollapsedByKind[t.Key.Kind]++
			if d.Strategy == LastWriteWins {
				out[pos] = t
			}
		}
		for _, k := range keys {
			if _, taken := index[k]; !taken {
				index[k] = pos
			}
		}
	}

	stats.Output = len(out)
	if stats.Input > 0 {
		stats.Ratio = decimal.NewFromInt(int64(stats.Collapsed)).
			Div(decimal.NewFromInt(int64(stats.Input))).Round(6)
	}
	return out, stats
}

// Exceeds reports whether the duplicate ratio is above threshold.
func Exceeds(stats model.DedupStats, threshold decimal.Decimal) bool {
	return threshold.IsPositive() && stats.Ratio.GreaterThan(threshold)
}
