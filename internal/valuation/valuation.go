// Package valuation marks open, unresolved inventory to market.
//
// A position without a quote is reported as price_unavailable and left out
// of the numeric sum. It is never valued at zero.
package valuation

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/settlement"
)

type quoteKey struct {
	condition string
	outcome   int
}

// PriceBook holds the most recent quote per (condition, outcome).
type PriceBook struct {
	quotes map[quoteKey]model.PriceQuote
}

// NewPriceBook builds a book from quotes whose ConditionID is canonical.
// Quotes with an empty ConditionID are skipped. Equal timestamps resolve to
// the lexically greater source so the result is order independent.
func NewPriceBook(quotes []model.PriceQuote) *PriceBook {
	b := &PriceBook{quotes: make(map[quoteKey]model.PriceQuote, len(quotes))}
	for _, q := range quotes {
		if q.ConditionID == "" {
			continue
		}
		k := quoteKey{q.ConditionID, q.OutcomeIndex}
		cur, ok := b.quotes[k]
		if !ok || q.ObservedAt.After(cur.ObservedAt) ||
			(q.ObservedAt.Equal(cur.ObservedAt) && q.Source > cur.Source) {
			b.quotes[k] = q
		}
	}
	return b
}

// Latest returns the newest quote for an outcome.
func (b *PriceBook) Latest(conditionID string, outcome int) (model.PriceQuote, bool) {
	q, ok := b.quotes[quoteKey{conditionID, outcome}]
	return q, ok
}

// Len returns the number of (condition, outcome) pairs quoted.
func (b *PriceBook) Len() int {
	return len(b.quotes)
}

// Mark is the mark-to-market result for one position.
type Mark struct {
	State      model.PriceState
	Price      *decimal.Decimal
	Unrealized decimal.Decimal
}

// Valuator applies a PriceBook to settlement outcomes.
type Valuator struct {
	book *PriceBook
}

// NewValuator creates a valuator over book.
func NewValuator(book *PriceBook) *Valuator {
	return &Valuator{book: book}
}

// Value marks the inventory left in out. Resolved, malformed and settled
// positions are not applicable; open unresolved inventory needs a quote:
// unrealized = remaining_qty × price − remaining_cost_basis.
func (v *Valuator) Value(key model.PositionKey, state model.ResolutionState, out settlement.Outcome) Mark {
	if state != model.StateUnresolved || out.Settled {
		return Mark{State: model.PriceNotApplicable}
	}
	q, ok := v.book.Latest(key.Condition.Norm, key.OutcomeIndex)
	if !ok {
		return Mark{State: model.PriceUnavailable}
	}
	price := q.Price
	return Mark{
		State:      model.PricePriced,
		Price:      &price,
		Unrealized: out.RemainingQuantity.Mul(price).Sub(out.RemainingCostBasis),
	}
}
