// Package position nets deduplicated fills into one signed quantity and
// cash balance per (wallet, market, condition, outcome).
package position

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

// DefaultEpsilon is the quantity tolerance under which a position is closed.
var DefaultEpsilon = decimal.New(1, -6)

// Aggregator builds positions from a deduplicated trade set.
type Aggregator struct {
	Epsilon decimal.Decimal
}

// NewAggregator creates an aggregator. A non-positive epsilon selects
// DefaultEpsilon.
func NewAggregator(epsilon decimal.Decimal) *Aggregator {
	if !epsilon.IsPositive() {
		epsilon = DefaultEpsilon
	}
	return &Aggregator{Epsilon: epsilon}
}

type groupKey struct {
	wallet    string
	marketID  string
	condition string
	outcome   int
}

// Aggregate groups trades by position key. BUY adds quantity and pays cash;
// SELL removes quantity and receives cash. Quantity and cash always come
// from the same trade slice.
func (a *Aggregator) Aggregate(trades []model.NormalizedTrade) []model.Position {
	groups := make(map[groupKey]*model.Position)

	for _, t := range trades {
		k := groupKey{
			wallet:    t.Wallet,
			marketID:  t.MarketID,
			condition: t.Condition.JoinKey(),
			outcome:   t.OutcomeIndex,
		}
		p, ok := groups[k]
		if !ok {
			p = &model.Position{
				PositionKey: model.PositionKey{
					Wallet:       t.Wallet,
					MarketID:     t.MarketID,
					Condition:    t.Condition,
					OutcomeIndex: t.OutcomeIndex,
				},
				FirstTradeAt: t.Timestamp,
				LastTradeAt:  t.Timestamp,
			}
			groups[k] = p
		}

		switch t.Side {
		case model.SideBuy:
			p.NetQuantity = p.NetQuantity.Add(t.Quantity)
			p.BuyQuantity = p.BuyQuantity.Add(t.Quantity)
			p.NetCash = p.NetCash.Sub(t.USDValue)
		case model.SideSell:
			p.NetQuantity = p.NetQuantity.Sub(t.Quantity)
			p.SellQuantity = p.SellQuantity.Add(t.Quantity)
			p.NetCash = p.NetCash.Add(t.USDValue)
		}
		p.Fees = p.Fees.Add(t.Fee)
		p.TradeCount++
		p.Trades = append(p.Trades, t)
		if t.Timestamp.Before(p.FirstTradeAt) {
			p.FirstTradeAt = t.Timestamp
		}
		if t.Timestamp.After(p.LastTradeAt) {
			p.LastTradeAt = t.Timestamp
		}
	}

	positions := make([]model.Position, 0, len(groups))
	for _, p := range groups {
		SortTrades(p.Trades)
		p.Closed = a.IsClosed(p.NetQuantity)
		p.AvgEntryPrice = a.AvgEntryPrice(p.NetQuantity, p.NetCash)
		positions = append(positions, *p)
	}
	SortPositions(positions)
	return positions
}

// IsClosed reports whether qty is zero within epsilon.
func (a *Aggregator) IsClosed(qty decimal.Decimal) bool {
	return qty.Abs().LessThanOrEqual(a.Epsilon)
}

// AvgEntryPrice returns -netCash/netQty, or nil for a closed position.
func (a *Aggregator) AvgEntryPrice(netQty, netCash decimal.Decimal) *decimal.Decimal {
	if a.IsClosed(netQty) {
		return nil
	}
	avg := netCash.Neg().Div(netQty)
	return &avg
}

// SortTrades orders fills by timestamp, then dedup key, so FIFO matching is
// deterministic regardless of input order.
func SortTrades(trades []model.NormalizedTrade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if !trades[i].Timestamp.Equal(trades[j].Timestamp) {
			return trades[i].Timestamp.Before(trades[j].Timestamp)
		}
		return trades[i].Key.String() < trades[j].Key.String()
	})
}

// SortPositions orders positions by wallet, market, condition, outcome.
func SortPositions(positions []model.Position) {
	sort.Slice(positions, func(i, j int) bool {
		return Less(positions[i].PositionKey, positions[j].PositionKey)
	})
}

// Less orders position keys.
func Less(a, b model.PositionKey) bool {
	if c := strings.Compare(a.Wallet, b.Wallet); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.MarketID, b.MarketID); c != 0 {
		return c < 0
	}
	if c := strings.Compare(a.Condition.JoinKey(), b.Condition.JoinKey()); c != 0 {
		return c < 0
	}
	return a.OutcomeIndex < b.OutcomeIndex
}
