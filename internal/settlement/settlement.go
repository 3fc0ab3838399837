// Package settlement computes realized P&L for positions under one of two
// distinct, non-interchangeable definitions.
//
// Net-position settlement recognizes P&L only when the holding is final:
// at resolution (net_cash + net_qty × payout), or when the position is
// already flat (net_cash). FIFO realization matches every sell against the
// oldest buys as it happens and settles whatever inventory is left at
// resolution. Both produce the same lifetime total on a fully resolved
// position whose usd values equal price × quantity; they differ in when
// P&L is recognized, so a summary always names the policy behind it.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/resolution"
)

var ErrUnknownPolicy = errors.New("settlement: unknown policy")

// ParsePolicy validates a policy name; empty selects net-position.
func ParsePolicy(s string) (model.Policy, error) {
	if s == "" {
		return model.PolicyNetPosition, nil
	}
	p := model.Policy(s)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnknownPolicy, s)
	}
	return p, nil
}

// Outcome is the realized part of one position plus the inventory left for
// mark-to-market.
type Outcome struct {
	Realized           decimal.Decimal
	RemainingQuantity  decimal.Decimal
	RemainingCostBasis decimal.Decimal
	// Settled is true when nothing remains to be valued.
	Settled bool
}

// Calculator settles positions. Flatness comes from Position.Closed so both
// policies agree on which positions are closed.
type Calculator struct{}

// NewCalculator creates a calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Settle computes the realized outcome of pos under policy given its
// resolution match. Malformed positions yield a zero, unsettled outcome;
// they are excluded from totals by the caller.
func (c *Calculator) Settle(policy model.Policy, pos model.Position, m resolution.Match) Outcome {
	if m.State == model.StateMalformed {
		return Outcome{}
	}
	if policy == model.PolicyFIFO {
		return c.fifo(pos, m)
	}
	return c.netPosition(pos, m)
}

func (c *Calculator) netPosition(pos model.Position, m resolution.Match) Outcome {
	switch {
	case m.State == model.StateResolved:
		return Outcome{
			Realized: pos.NetCash.Add(pos.NetQuantity.Mul(m.Fraction)),
			Settled:  true,
		}
	case pos.Closed:
		return Outcome{Realized: pos.NetCash, Settled: true}
	default:
		return Outcome{
			RemainingQuantity:  pos.NetQuantity,
			RemainingCostBasis: pos.NetCash.Neg(),
		}
	}
}

// Lot is a signed inventory lot: positive for long, negative for short.
type Lot struct {
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

func (c *Calculator) fifo(pos model.Position, m resolution.Match) Outcome {
	lots, realized := MatchFIFO(pos.Trades)

	var out Outcome
	if pos.Closed {
		// Residual dust below epsilon is not inventory.
		lots = nil
	}

	if m.State == model.StateResolved {
		for _, l := range lots {
			realized = realized.Add(l.Quantity.Mul(m.Fraction.Sub(l.Price)))
		}
		out.Realized = realized
		out.Settled = true
		return out
	}

	out.Realized = realized
	for _, l := range lots {
		out.RemainingQuantity = out.RemainingQuantity.Add(l.Quantity)
		out.RemainingCostBasis = out.RemainingCostBasis.Add(l.Quantity.Mul(l.Price))
	}
	out.Settled = len(lots) == 0
	return out
}

// MatchFIFO replays trades in order and returns the open lots and the
// realized P&L from matched quantity. A sell realizes
// matched × (sell price − lot price) against the oldest long lots; a sell
// beyond inventory opens a short lot that later buys cover.
func MatchFIFO(trades []model.NormalizedTrade) ([]Lot, decimal.Decimal) {
	var queue []Lot
	realized := decimal.Zero

	for _, t := range trades {
		delta := t.Quantity
		if t.Side == model.SideSell {
			delta = delta.Neg()
		}

		for !delta.IsZero() && len(queue) > 0 && queue[0].Quantity.Sign() != delta.Sign() {
			head := &queue[0]
			matched := decimal.Min(delta.Abs(), head.Quantity.Abs())

			if head.Quantity.IsPositive() {
				// selling out of a long lot
				realized = realized.Add(matched.Mul(t.Price.Sub(head.Price)))
				head.Quantity = head.Quantity.Sub(matched)
				delta = delta.Add(matched)
			} else {
				// buying back a short lot
				realized = realized.Add(matched.Mul(head.Price.Sub(t.Price)))
				head.Quantity = head.Quantity.Add(matched)
				delta = delta.Sub(matched)
			}

			if head.Quantity.IsZero() {
				queue = queue[1:]
			}
		}

		if !delta.IsZero() {
			queue = append(queue, Lot{Quantity: delta, Price: t.Price})
		}
	}
	return queue, realized
}
