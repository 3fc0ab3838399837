// Package summary rolls position details up into wallet summaries and
// per-market cash checks.
//
// Every total is reported next to the counts it was computed from, so a
// near-zero P&L can be told apart from a P&L that is unknown because
// resolutions or prices are missing.
package summary

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Wallet builds the summary for one wallet's details under one policy.
func Wallet(wallet string, policy model.Policy, details []model.PositionDetail, generationID string, at time.Time) model.WalletPnLSummary {
	s := model.WalletPnLSummary{
		Wallet:        wallet,
		Policy:        policy,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		Fees:          decimal.Zero,
		GenerationID:  generationID,
		ComputedAt:    at,
	}

	for _, pd := range details {
		switch {
		case pd.ResolutionState == model.StateMalformed:
			s.MalformedPositionCount++
			continue
		case pd.ResolutionState == model.StateResolved:
			s.ResolvedPositionCount++
		case pd.PriceState == model.PriceNotApplicable:
			s.ClosedPositionCount++
		default:
			s.OpenPositionCount++
			switch pd.PriceState {
			case model.PricePriced:
				s.PriceCoveredCount++
				s.UnrealizedPnL = s.UnrealizedPnL.Add(pd.UnrealizedPnL)
			case model.PriceUnavailable:
				s.PriceUnavailableCount++
			}
		}
		s.RealizedPnL = s.RealizedPnL.Add(pd.RealizedPnL)
		s.Fees = s.Fees.Add(pd.Fees)
	}

	s.TotalPnL = s.RealizedPnL.Add(s.UnrealizedPnL)
	s.Coverage = CoverageOf(details)
	return s
}

// CoverageOf computes resolution and price coverage over details.
// ResolutionPct is resolved over non-malformed positions; PricePct is priced
// over open positions and is 100 when nothing is open.
func CoverageOf(details []model.PositionDetail) model.Coverage {
	c := model.Coverage{PositionCount: len(details)}
	for _, pd := range details {
		switch {
		case pd.ResolutionState == model.StateMalformed:
			c.MalformedCount++
		case pd.ResolutionState == model.StateResolved:
			c.ResolvedCount++
		case pd.PriceState == model.PricePriced:
			c.OpenCount++
			c.PriceCovered++
		case pd.PriceState == model.PriceUnavailable:
			c.OpenCount++
			c.UnavailableCount++
		}
	}

	c.ResolutionPct = pct(c.ResolvedCount, c.PositionCount-c.MalformedCount, decimal.Zero)
	c.PricePct = pct(c.PriceCovered, c.OpenCount, hundred)
	c.Complete = c.MalformedCount == 0 && c.UnavailableCount == 0
	return c
}

func pct(num, den int, empty decimal.Decimal) decimal.Decimal {
	if den <= 0 {
		return empty
	}
	return decimal.NewFromInt(int64(num)).Mul(hundred).Div(decimal.NewFromInt(int64(den))).Round(2)
}

// CashTolerance bounds the imbalance accepted for a resolved market.
type CashTolerance struct {
	Absolute decimal.Decimal
	Relative decimal.Decimal // fraction of gross traded volume
}

// CashChecks sums realized P&L net of fees per resolved condition across
// every wallet, then adds the fees back. When both sides of every fill are
// present the result is zero: winners are paid exactly what losers and the
// payout pool put in, less what the venue kept.
func CashChecks(details []model.PositionDetail, tol CashTolerance) []model.CashCheck {
	byCond := make(map[string]*model.CashCheck)
	for _, pd := range details {
		if pd.ResolutionState != model.StateResolved {
			continue
		}
		c, ok := byCond[pd.Condition.Norm]
		if !ok {
			c = &model.CashCheck{ConditionID: pd.Condition.Norm}
			byCond[pd.Condition.Norm] = c
		}
		c.RealizedSum = c.RealizedSum.Add(pd.RealizedPnL).Sub(pd.Fees)
		c.Fees = c.Fees.Add(pd.Fees)
		for _, t := range pd.Trades {
			c.GrossVolume = c.GrossVolume.Add(t.USDValue.Abs())
		}
	}

	checks := make([]model.CashCheck, 0, len(byCond))
	for _, c := range byCond {
		c.Tolerance = tol.Absolute.Add(tol.Relative.Mul(c.GrossVolume))
		c.Imbalance = c.RealizedSum.Add(c.Fees)
		c.Balanced = c.Imbalance.Abs().LessThanOrEqual(c.Tolerance)
		checks = append(checks, *c)
	}
	sort.Slice(checks, func(i, j int) bool { return checks[i].ConditionID < checks[j].ConditionID })
	return checks
}
