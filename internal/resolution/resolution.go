// Package resolution binds market payout vectors to aggregated positions.
//
// Payout vectors from several sources are validated, verified against the
// outcome-index space the trade feed uses, merged by source authority, and
// then left-joined to positions on the canonical condition id.
package resolution

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

var (
	// ErrInvalidPayout is returned for a payout vector that cannot settle
	// anything (empty, non-positive denominator, inconsistent winner).
	ErrInvalidPayout = errors.New("resolution: invalid payout vector")

	// ErrIndexMisalignment is returned when trade outcome indices and payout
	// indices are found to live in different index spaces.
	ErrIndexMisalignment = errors.New("resolution: outcome index misalignment")
)

// Validate checks a single resolution's payout vector.
func Validate(r model.MarketResolution) error {
	n := len(r.PayoutNumerators)
	if n == 0 {
		return fmt.Errorf("%w: no numerators", ErrInvalidPayout)
	}
	if !r.PayoutDenominator.IsPositive() {
		return fmt.Errorf("%w: denominator %s", ErrInvalidPayout, r.PayoutDenominator)
	}
	if r.OutcomeCount > 0 && r.OutcomeCount != n {
		return fmt.Errorf("%w: %d numerators for %d outcomes", ErrInvalidPayout, n, r.OutcomeCount)
	}

	maxNum := decimal.Zero
	for i, num := range r.PayoutNumerators {
		if num.IsNegative() {
			return fmt.Errorf("%w: negative numerator at %d", ErrInvalidPayout, i)
		}
		if num.GreaterThan(r.PayoutDenominator) {
			return fmt.Errorf("%w: numerator at %d exceeds denominator", ErrInvalidPayout, i)
		}
		if num.GreaterThan(maxNum) {
			maxNum = num
		}
	}

	switch {
	case r.WinningIndex < -1 || r.WinningIndex >= n:
		return fmt.Errorf("%w: winning index %d outside %d outcomes", ErrInvalidPayout, r.WinningIndex, n)
	case r.WinningIndex >= 0:
		w := r.PayoutNumerators[r.WinningIndex]
		if !w.IsPositive() || !w.Equal(maxNum) {
			return fmt.Errorf("%w: winning index %d does not carry the top payout", ErrInvalidPayout, r.WinningIndex)
		}
	}
	return nil
}

// Merge unions resolutions from several sources into one per condition.
// A source earlier in priority is more authoritative; unlisted sources rank
// after every listed one. Ties go to the latest ResolvedAt, then source name.
func Merge(resolutions []model.MarketResolution, priority []string) map[string]model.MarketResolution {
	rank := make(map[string]int, len(priority))
	for i, s := range priority {
		rank[s] = i
	}
	rankOf := func(source string) int {
		if r, ok := rank[source]; ok {
			return r
		}
		return len(priority)
	}

	merged := make(map[string]model.MarketResolution)
	for _, r := range resolutions {
		cur, ok := merged[r.ConditionID]
		if !ok || preferred(r, cur, rankOf) {
			merged[r.ConditionID] = r
		}
	}
	return merged
}

func preferred(a, b model.MarketResolution, rankOf func(string) int) bool {
	ra, rb := rankOf(a.Source), rankOf(b.Source)
	if ra != rb {
		return ra < rb
	}
	if !a.ResolvedAt.Equal(b.ResolvedAt) {
		return a.ResolvedAt.After(b.ResolvedAt)
	}
	return a.Source < b.Source
}

// Match is the result of joining one position with the merged resolutions.
type Match struct {
	State       model.ResolutionState
	Resolution  *model.MarketResolution
	PayoutIndex int
	Fraction    decimal.Decimal
}

// Matcher left-joins positions against merged resolutions.
type Matcher struct {
	resolutions map[string]model.MarketResolution
	offsets     map[string]int // per resolution source: trade index - payout index
}

// NewMatcher creates a matcher. offsets holds corrections produced by
// Verifier for sources whose index space differs from the trade feed.
func NewMatcher(merged map[string]model.MarketResolution, offsets map[string]int) *Matcher {
	if offsets == nil {
		offsets = map[string]int{}
	}
	return &Matcher{resolutions: merged, offsets: offsets}
}

// Match joins one position. A malformed condition never reaches the lookup.
func (m *Matcher) Match(key model.PositionKey) (Match, error) {
	if !key.Condition.Valid {
		return Match{State: model.StateMalformed}, nil
	}
	r, ok := m.resolutions[key.Condition.Norm]
	if !ok {
		return Match{State: model.StateUnresolved}, nil
	}

	idx := key.OutcomeIndex - m.offsets[r.Source]
	frac, ok := r.PayoutFraction(idx)
	if !ok {
		return Match{}, fmt.Errorf("%w: condition %s outcome %d maps to payout index %d of %d (source %s)",
			ErrIndexMisalignment, key.Condition.Norm, key.OutcomeIndex, idx, len(r.PayoutNumerators), r.Source)
	}
	return Match{
		State:       model.StateResolved,
		Resolution:  &r,
		PayoutIndex: idx,
		Fraction:    frac,
	}, nil
}

// Resolved reports whether a condition has a merged resolution.
func (m *Matcher) Resolved(conditionID string) bool {
	_, ok := m.resolutions[conditionID]
	return ok
}

// Conditions returns the merged condition ids in sorted order.
func (m *Matcher) Conditions() []string {
	ids := make([]string, 0, len(m.resolutions))
	for id := range m.resolutions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// pricePoint is the latest observed price for one outcome.
type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// Evidence is what the trade side says about one condition's index space.
type Evidence struct {
	Indices map[int]struct{}
	Latest  map[int]pricePoint
}

// CollectEvidence gathers the outcome indices traded per condition and the
// latest trade or quote price per outcome.
func CollectEvidence(trades []model.NormalizedTrade, quotes []model.PriceQuote) map[string]*Evidence {
	ev := make(map[string]*Evidence)
	get := func(cond string) *Evidence {
		e, ok := ev[cond]
		if !ok {
			e = &Evidence{Indices: map[int]struct{}{}, Latest: map[int]pricePoint{}}
			ev[cond] = e
		}
		return e
	}
	observe := func(e *Evidence, idx int, price decimal.Decimal, at time.Time) {
		cur, ok := e.Latest[idx]
		if !ok || at.After(cur.at) {
			e.Latest[idx] = pricePoint{price: price, at: at}
		}
	}

	for _, t := range trades {
		if !t.Condition.Valid {
			continue
		}
		e := get(t.Condition.Norm)
		e.Indices[t.OutcomeIndex] = struct{}{}
		observe(e, t.OutcomeIndex, t.Price, t.Timestamp)
	}
	for _, q := range quotes {
		if q.ConditionID == "" {
			continue
		}
		observe(get(q.ConditionID), q.OutcomeIndex, q.Price, q.ObservedAt)
	}
	return ev
}

// impliedWinner returns the outcome whose latest price is at least threshold and
// strictly above every other outcome.
func (e *Evidence) impliedWinner(threshold decimal.Decimal) (int, bool) {
	best, found, tie := 0, false, false
	var bestPrice decimal.Decimal
	for idx, pp := range e.Latest {
		if pp.price.LessThan(threshold) {
			continue
		}
		switch {
		case !found || pp.price.GreaterThan(bestPrice):
			best, bestPrice, found, tie = idx, pp.price, true, false
		case pp.price.Equal(bestPrice):
			tie = true
		}
	}
	return best, found && !tie
}
