package summary

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

func detail(cond string, state model.ResolutionState, price model.PriceState, realized, unrealized float64) model.PositionDetail {
	pd := model.PositionDetail{
		Policy:          model.PolicyNetPosition,
		ResolutionState: state,
		PriceState:      price,
		RealizedPnL:     d(realized),
		UnrealizedPnL:   d(unrealized),
	}
	pd.Wallet = "w"
	pd.Condition = model.ConditionRef{Norm: cond, Valid: state != model.StateMalformed}
	return pd
}

func TestWallet_CoverageGatedTotals(t *testing.T) {
	var details []model.PositionDetail
	for i := 0; i < 5; i++ {
		details = append(details, detail("c", model.StateUnresolved, model.PriceUnavailable, 0, 0))
	}

	s := Wallet("w", model.PolicyNetPosition, details, "gen", t0)

	if s.OpenPositionCount != 5 || s.PriceCoveredCount != 0 || s.PriceUnavailableCount != 5 {
		t.Errorf("unexpected counts: open=%d covered=%d unavailable=%d",
			s.OpenPositionCount, s.PriceCoveredCount, s.PriceUnavailableCount)
	}
	if !s.UnrealizedPnL.IsZero() || !s.TotalPnL.IsZero() {
		t.Errorf("unpriced positions must not contribute, got %s / %s", s.UnrealizedPnL, s.TotalPnL)
	}
	if !s.Coverage.PricePct.IsZero() || s.Coverage.Complete {
		t.Errorf("coverage must show the gap, got %+v", s.Coverage)
	}
}

func TestWallet_SumsByState(t *testing.T) {
	details := []model.PositionDetail{
		detail("a", model.StateResolved, model.PriceNotApplicable, 7, 0),
		detail("a", model.StateResolved, model.PriceNotApplicable, -3, 0),
		detail("b", model.StateUnresolved, model.PricePriced, 0, 16),
		detail("c", model.StateUnresolved, model.PriceUnavailable, 0, 0),
		detail("d", model.StateUnresolved, model.PriceNotApplicable, 2.5, 0),
		detail("", model.StateMalformed, model.PriceNotApplicable, 100, 100),
	}

	s := Wallet("w", model.PolicyNetPosition, details, "gen-1", t0)

	if !s.RealizedPnL.Equal(d(6.5)) {
		t.Errorf("expected realized 6.5, got %s", s.RealizedPnL)
	}
	if !s.UnrealizedPnL.Equal(d(16)) {
		t.Errorf("expected unrealized 16, got %s", s.UnrealizedPnL)
	}
	if !s.TotalPnL.Equal(d(22.5)) {
		t.Errorf("expected total 22.5, got %s", s.TotalPnL)
	}
	if s.ResolvedPositionCount != 2 || s.OpenPositionCount != 2 || s.ClosedPositionCount != 1 || s.MalformedPositionCount != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.Policy != model.PolicyNetPosition || s.GenerationID != "gen-1" {
		t.Errorf("summary must carry policy and generation, got %s %s", s.Policy, s.GenerationID)
	}
	// 2 resolved of 5 well-formed positions
	if !s.Coverage.ResolutionPct.Equal(d(40)) {
		t.Errorf("expected 40%% resolution coverage, got %s", s.Coverage.ResolutionPct)
	}
	if !s.Coverage.PricePct.Equal(d(50)) {
		t.Errorf("expected 50%% price coverage, got %s", s.Coverage.PricePct)
	}
}

func TestCoverageOf_NothingOpen(t *testing.T) {
	c := CoverageOf([]model.PositionDetail{
		detail("a", model.StateResolved, model.PriceNotApplicable, 1, 0),
	})
	if !c.PricePct.Equal(d(100)) || !c.ResolutionPct.Equal(d(100)) || !c.Complete {
		t.Errorf("unexpected coverage: %+v", c)
	}
}

func TestCashChecks(t *testing.T) {
	win := detail("a", model.StateResolved, model.PriceNotApplicable, 6, 0)
	win.Trades = []model.NormalizedTrade{{Trade: model.Trade{USDValue: d(4)}}}
	lose := detail("a", model.StateResolved, model.PriceNotApplicable, -6, 0)
	lose.Trades = []model.NormalizedTrade{{Trade: model.Trade{USDValue: d(6)}}}
	skew := detail("b", model.StateResolved, model.PriceNotApplicable, 5, 0)
	skew.Trades = []model.NormalizedTrade{{Trade: model.Trade{USDValue: d(10)}}}
	open := detail("c", model.StateUnresolved, model.PricePriced, 0, 3)

	checks := CashChecks([]model.PositionDetail{win, lose, skew, open}, CashTolerance{
		Absolute: d(0.01),
		Relative: d(0.001),
	})

	if len(checks) != 2 {
		t.Fatalf("expected checks for 2 resolved markets, got %d", len(checks))
	}
	if !checks[0].Balanced || !checks[0].RealizedSum.IsZero() || !checks[0].GrossVolume.Equal(d(10)) {
		t.Errorf("market a should balance: %+v", checks[0])
	}
	if checks[1].Balanced {
		t.Errorf("market b should not balance: %+v", checks[1])
	}
}

func TestCashChecks_FeesCloseTheBalance(t *testing.T) {
	win := detail("a", model.StateResolved, model.PriceNotApplicable, 6, 0)
	win.Fees = d(0.5)
	win.Trades = []model.NormalizedTrade{{Trade: model.Trade{USDValue: d(4)}}}
	lose := detail("a", model.StateResolved, model.PriceNotApplicable, -6, 0)
	lose.Fees = d(0.3)
	lose.Trades = []model.NormalizedTrade{{Trade: model.Trade{USDValue: d(6)}}}

	checks := CashChecks([]model.PositionDetail{win, lose}, CashTolerance{Absolute: d(0.01)})

	if len(checks) != 1 {
		t.Fatalf("expected 1 check, got %d", len(checks))
	}
	c := checks[0]
	if !c.RealizedSum.Equal(d(-0.8)) || !c.Fees.Equal(d(0.8)) {
		t.Errorf("expected realized net of fees -0.8 and fees 0.8, got %s / %s", c.RealizedSum, c.Fees)
	}
	if !c.Imbalance.IsZero() || !c.Balanced {
		t.Errorf("fees paid by both sides must balance: %+v", c)
	}
}
