package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/resolution"
	"github.com/atmx/pnl-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

// condID returns a canonical-looking condition id ending in suffix.
func condID(suffix string) string {
	return "0x" + strings.Repeat("0", 64-len(suffix)) + suffix
}

func marketFor(cond string) string {
	if len(cond) < 2 {
		return "market-" + cond
	}
	return "market-" + cond[len(cond)-2:]
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func fill(id, wallet, cond string, outcome int, side model.Side, price, qty float64, at time.Time) model.Trade {
	return model.Trade{
		TradeID:        id,
		Source:         "api",
		Wallet:         wallet,
		MarketID:       marketFor(cond),
		ConditionIDRaw: cond,
		OutcomeIndex:   outcome,
		Side:           side,
		Price:          d(price),
		Quantity:       d(qty),
		USDValue:       d(price).Mul(d(qty)),
		Timestamp:      at,
	}
}

func payout(cond, source string, winner int, nums ...float64) model.MarketResolution {
	ds := make([]decimal.Decimal, len(nums))
	for i, n := range nums {
		ds[i] = d(n)
	}
	return model.MarketResolution{
		ConditionIDRaw:    cond,
		Source:            source,
		PayoutNumerators:  ds,
		PayoutDenominator: d(1),
		WinningIndex:      winner,
		OutcomeCount:      len(nums),
		ResolvedAt:        t0.Add(24 * time.Hour),
	}
}

func newEngine(t *testing.T, opts Options, trades []model.Trade, res []model.MarketResolution, quotes []model.PriceQuote) (*Engine, *store.MemoryStore, *recorder) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	if err := ms.InsertTrades(ctx, trades); err != nil {
		t.Fatal(err)
	}
	if err := ms.InsertResolutions(ctx, res); err != nil {
		t.Fatal(err)
	}
	if err := ms.InsertQuotes(ctx, quotes); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	return NewEngine(ms, opts, rec), ms, rec
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 4
	return opts
}

// --- Concrete scenario: buy 100 @0.40, sell 30 @0.70, quote 0.50 ---

func TestRebuild_ScenarioUnderBothPolicies(t *testing.T) {
	cond := condID("aa")
	eng, _, rec := newEngine(t, testOptions(),
		[]model.Trade{
			fill("t1", "0xW", cond, 0, model.SideBuy, 0.40, 100, t0),
			fill("t2", "0xW", cond, 0, model.SideSell, 0.70, 30, t0.Add(time.Hour)),
		},
		nil,
		[]model.PriceQuote{{ConditionIDRaw: cond, OutcomeIndex: 0, Price: d(0.5), ObservedAt: t0.Add(2 * time.Hour)}},
	)

	g, err := eng.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	net, ok := g.Summary(model.PolicyNetPosition, "0xw")
	if !ok {
		t.Fatal("wallet must be found under its lowercased address")
	}
	if !net.RealizedPnL.IsZero() || !net.UnrealizedPnL.Equal(d(16)) {
		t.Errorf("net_position: expected 0 realized / 16 unrealized, got %s / %s", net.RealizedPnL, net.UnrealizedPnL)
	}

	fifo, _ := g.Summary(model.PolicyFIFO, "0xw")
	if !fifo.RealizedPnL.Equal(d(9)) || !fifo.UnrealizedPnL.Equal(d(7)) {
		t.Errorf("fifo: expected 9 realized / 7 unrealized, got %s / %s", fifo.RealizedPnL, fifo.UnrealizedPnL)
	}
	if net.Policy == fifo.Policy {
		t.Error("summaries must name their policy")
	}

	details := g.WalletPositions(model.PolicyNetPosition, "0xw", "")
	if len(details) != 1 {
		t.Fatalf("expected 1 position, got %d", len(details))
	}
	pd := details[0]
	if !pd.NetQuantity.Equal(d(70)) || !pd.NetCash.Equal(d(-19)) {
		t.Errorf("expected net 70 / -19, got %s / %s", pd.NetQuantity, pd.NetCash)
	}
	if pd.PriceState != model.PricePriced || pd.ResolutionState != model.StateUnresolved {
		t.Errorf("unexpected states: %s / %s", pd.ResolutionState, pd.PriceState)
	}

	if g.Number != 1 || g.DefaultPolicy != model.PolicyNetPosition {
		t.Errorf("unexpected generation header: %d %s", g.Number, g.DefaultPolicy)
	}
	if got := rec.types(); len(got) != 1 || got[0] != EventPublished {
		t.Errorf("expected one published event, got %v", got)
	}
}

// --- Idempotence ---

func stripIdentity(g *model.Generation) []byte {
	sums := make(map[model.Policy]map[string]model.WalletPnLSummary)
	for p, wallets := range g.Summaries {
		sums[p] = make(map[string]model.WalletPnLSummary)
		for w, s := range wallets {
			s.GenerationID = ""
			s.ComputedAt = time.Time{}
			sums[p][w] = s
		}
	}
	data, _ := json.Marshal(struct {
		Summaries any
		Positions any
	}{sums, g.Positions})
	return data
}

func scenarioInputs() ([]model.Trade, []model.MarketResolution, []model.PriceQuote) {
	a, b, c := condID("a1"), condID("b2"), condID("c3")
	trades := []model.Trade{
		fill("1", "0xalice", a, 0, model.SideBuy, 0.40, 10, t0),
		fill("2", "0xbob", a, 0, model.SideSell, 0.40, 10, t0),
		fill("3", "0xalice", b, 1, model.SideBuy, 0.25, 40, t0.Add(time.Minute)),
		fill("4", "0xcarol", b, 1, model.SideSell, 0.25, 40, t0.Add(time.Minute)),
		fill("5", "0xcarol", c, 0, model.SideBuy, 0.60, 5, t0.Add(2*time.Minute)),
		fill("6", "0xdave", c, 1, model.SideBuy, 0.35, 8, t0.Add(3*time.Minute)),
	}
	res := []model.MarketResolution{payout(a, "chain", 0, 1, 0)}
	quotes := []model.PriceQuote{{ConditionIDRaw: c, OutcomeIndex: 0, Price: d(0.65), ObservedAt: t0}}
	return trades, res, quotes
}

func TestRebuild_Idempotent(t *testing.T) {
	trades, res, quotes := scenarioInputs()
	eng, _, _ := newEngine(t, testOptions(), trades, res, quotes)
	ctx := context.Background()

	g1, err := eng.Rebuild(ctx)
	if err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	g2, err := eng.Rebuild(ctx)
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}

	if g1.ID == g2.ID || g2.Number != g1.Number+1 {
		t.Errorf("each rebuild must be a new generation: %s/%d then %s/%d", g1.ID, g1.Number, g2.ID, g2.Number)
	}
	if string(stripIdentity(g1)) != string(stripIdentity(g2)) {
		t.Error("rebuilding an unchanged snapshot must produce identical output")
	}
}

func TestRebuild_ShardCountDoesNotChangeOutput(t *testing.T) {
	trades, res, quotes := scenarioInputs()

	single := testOptions()
	single.Workers = 1
	e1, _, _ := newEngine(t, single, trades, res, quotes)
	many := testOptions()
	many.Workers = 7
	e7, _, _ := newEngine(t, many, trades, res, quotes)

	g1, err := e1.Rebuild(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	g7, err := e7.Rebuild(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if string(stripIdentity(g1)) != string(stripIdentity(g7)) {
		t.Error("output must not depend on the number of workers")
	}
}

// --- Cash neutrality ---

func TestRebuild_CashNeutrality(t *testing.T) {
	trades, res, quotes := scenarioInputs()
	eng, _, _ := newEngine(t, testOptions(), trades, res, quotes)

	g, err := eng.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	if len(g.Diagnostics.CashChecks) != 1 {
		t.Fatalf("expected 1 resolved market checked, got %d", len(g.Diagnostics.CashChecks))
	}
	check := g.Diagnostics.CashChecks[0]
	if !check.Balanced || !check.Imbalance.IsZero() {
		t.Errorf("resolved market must net to zero: %+v", check)
	}

	for _, p := range model.Policies {
		sum := decimal.Zero
		for _, wallet := range []string{"0xalice", "0xbob"} {
			for _, pd := range g.WalletPositions(p, wallet, "market-a1") {
				sum = sum.Add(pd.RealizedPnL)
			}
		}
		if !sum.IsZero() {
			t.Errorf("%s: realized across wallets should be 0, got %s", p, sum)
		}
	}

	alice, _ := g.Summary(model.PolicyNetPosition, "0xalice")
	bob, _ := g.Summary(model.PolicyNetPosition, "0xbob")
	if !alice.RealizedPnL.Equal(d(6)) || !bob.RealizedPnL.Equal(d(-6)) {
		t.Errorf("expected alice +6 bob -6, got %s / %s", alice.RealizedPnL, bob.RealizedPnL)
	}
}

func TestRebuild_CashImbalanceModes(t *testing.T) {
	cond := condID("dd")
	trades := []model.Trade{fill("1", "0xalice", cond, 0, model.SideBuy, 0.40, 10, t0)}
	res := []model.MarketResolution{payout(cond, "chain", 0, 1, 0)}
	ctx := context.Background()

	opts := testOptions()
	opts.CashCheck = CashCheckEnforce
	enforce, ms, rec := newEngine(t, opts, trades, res, nil)
	_, err := enforce.Rebuild(ctx)
	if !errors.Is(err, ErrCashImbalance) {
		t.Fatalf("expected ErrCashImbalance, got %v", err)
	}
	var rerr *RebuildError
	if !errors.As(err, &rerr) || len(rerr.Diagnostics.CashChecks) != 1 {
		t.Errorf("failure must carry its diagnostics, got %#v", err)
	}
	if _, err := ms.CurrentGeneration(ctx); !errors.Is(err, store.ErrNoGeneration) {
		t.Errorf("nothing may be published, got %v", err)
	}
	if got := rec.types(); len(got) != 1 || got[0] != EventFailed {
		t.Errorf("expected a failure event, got %v", got)
	}

	opts.CashCheck = CashCheckWarn
	warn, _, _ := newEngine(t, opts, trades, res, nil)
	g, err := warn.Rebuild(ctx)
	if err != nil {
		t.Fatalf("warn mode must publish: %v", err)
	}
	if len(g.Diagnostics.Warnings) == 0 || !strings.Contains(strings.Join(g.Diagnostics.Warnings, "\n"), "cash imbalance") {
		t.Errorf("expected a cash imbalance warning, got %v", g.Diagnostics.Warnings)
	}
	if !g.Diagnostics.LowConfidence {
		t.Error("an imbalanced market must flag the generation low confidence")
	}

	opts.CashCheck = CashCheckOff
	off, _, _ := newEngine(t, opts, trades, res, nil)
	g, err = off.Rebuild(ctx)
	if err != nil {
		t.Fatalf("off mode must publish: %v", err)
	}
	if len(g.Diagnostics.CashChecks) != 0 {
		t.Errorf("off mode runs no checks, got %d", len(g.Diagnostics.CashChecks))
	}
}

// --- Index alignment ---

func TestRebuild_ThreeOutcomeAlignment(t *testing.T) {
	cond := condID("3c")
	var trades []model.Trade
	for outcome := 0; outcome < 3; outcome++ {
		trades = append(trades, fill(fmt.Sprintf("t%d", outcome), fmt.Sprintf("0xw%d", outcome),
			cond, outcome, model.SideBuy, 0.30, 10, t0))
	}
	eng, _, _ := newEngine(t, testOptions(), trades, []model.MarketResolution{payout(cond, "chain", 1, 0, 1, 0)}, nil)

	g, err := eng.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	want := map[string]float64{"0xw0": -3, "0xw1": 7, "0xw2": -3}
	for wallet, realized := range want {
		s, _ := g.Summary(model.PolicyNetPosition, wallet)
		if !s.RealizedPnL.Equal(d(realized)) {
			t.Errorf("%s: expected %v, got %s", wallet, realized, s.RealizedPnL)
		}
	}
}

func TestRebuild_SingleWalletResolvedMarketPublishes(t *testing.T) {
	cond := condID("3d")
	trades := []model.Trade{fill("t1", "0xsolo", cond, 1, model.SideBuy, 0.40, 10, t0)}
	eng, ms, _ := newEngine(t, DefaultOptions(), trades, []model.MarketResolution{payout(cond, "chain", 1, 0, 1, 0)}, nil)
	ctx := context.Background()

	g, err := eng.Rebuild(ctx)
	if err != nil {
		t.Fatalf("a missing counterparty must not block publishing: %v", err)
	}
	if cur, err := ms.CurrentGeneration(ctx); err != nil || cur.ID != g.ID {
		t.Fatalf("expected generation %s to be current, got %v (%v)", g.ID, cur, err)
	}

	s, _ := g.Summary(model.PolicyNetPosition, "0xsolo")
	if !s.RealizedPnL.Equal(d(6)) {
		t.Errorf("expected realized 6, got %s", s.RealizedPnL)
	}
	if !g.Diagnostics.LowConfidence {
		t.Error("the unbalanced market must travel with the generation as low confidence")
	}
	if len(g.Diagnostics.CashChecks) != 1 || g.Diagnostics.CashChecks[0].Balanced ||
		!g.Diagnostics.CashChecks[0].Imbalance.Equal(d(6)) {
		t.Errorf("expected one unbalanced check of 6, got %+v", g.Diagnostics.CashChecks)
	}
}

func misalignedInputs() ([]model.Trade, []model.MarketResolution) {
	cond := condID("ee")
	trades := []model.Trade{
		fill("1", "0xalice", cond, 1, model.SideBuy, 0.30, 10, t0),
		fill("2", "0xbob", cond, 2, model.SideBuy, 0.60, 10, t0),
	}
	// payout vector indexed 0..1 while the trade feed uses 1..2
	return trades, []model.MarketResolution{payout(cond, "legacy", 1, 0, 1)}
}

func TestRebuild_MisalignmentKeepsPriorGeneration(t *testing.T) {
	ctx := context.Background()
	eng, ms, _ := newEngine(t, testOptions(), []model.Trade{fill("0", "0xzed", condID("01"), 0, model.SideBuy, 0.5, 1, t0)}, nil, nil)

	first, err := eng.Rebuild(ctx)
	if err != nil {
		t.Fatalf("first rebuild: %v", err)
	}

	trades, res := misalignedInputs()
	if err := ms.InsertTrades(ctx, trades); err != nil {
		t.Fatal(err)
	}
	if err := ms.InsertResolutions(ctx, res); err != nil {
		t.Fatal(err)
	}

	_, err = eng.Rebuild(ctx)
	if !errors.Is(err, resolution.ErrIndexMisalignment) {
		t.Fatalf("expected ErrIndexMisalignment, got %v", err)
	}
	var rerr *RebuildError
	if errors.As(err, &rerr) {
		if len(rerr.Diagnostics.Alignment) != 1 || !rerr.Diagnostics.Alignment[0].Misaligned {
			t.Errorf("expected a misaligned finding, got %+v", rerr.Diagnostics.Alignment)
		}
	} else {
		t.Errorf("expected a RebuildError, got %T", err)
	}

	cur, err := ms.CurrentGeneration(ctx)
	if err != nil || cur.ID != first.ID {
		t.Errorf("previous generation must stay live, got %v (%v)", cur, err)
	}
}

func TestRebuild_AlignmentCorrected(t *testing.T) {
	trades, res := misalignedInputs()
	opts := testOptions()
	opts.Alignment = resolution.AlignCorrect
	eng, _, _ := newEngine(t, opts, trades, res, nil)

	g, err := eng.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	// trade index 2 maps to payout index 1, the winner
	bob, _ := g.Summary(model.PolicyNetPosition, "0xbob")
	if !bob.RealizedPnL.Equal(d(4)) {
		t.Errorf("expected bob 10 - 6 = 4, got %s", bob.RealizedPnL)
	}
	alice, _ := g.Summary(model.PolicyNetPosition, "0xalice")
	if !alice.RealizedPnL.Equal(d(-3)) {
		t.Errorf("expected alice -3, got %s", alice.RealizedPnL)
	}
	if len(g.Diagnostics.Alignment) != 1 || !g.Diagnostics.Alignment[0].Corrected {
		t.Errorf("expected a corrected finding, got %+v", g.Diagnostics.Alignment)
	}
}

// --- Coverage ---

func TestRebuild_CoverageGatedTotals(t *testing.T) {
	var trades []model.Trade
	for i := 0; i < 5; i++ {
		trades = append(trades, fill(fmt.Sprintf("t%d", i), "0xopen", condID(fmt.Sprintf("f%d", i)),
			0, model.SideBuy, 0.80, 100, t0))
	}
	eng, _, _ := newEngine(t, testOptions(), trades, nil, nil)

	g, err := eng.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	s, _ := g.Summary(model.PolicyNetPosition, "0xopen")
	if s.OpenPositionCount != 5 || s.PriceCoveredCount != 0 || s.PriceUnavailableCount != 5 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if !s.UnrealizedPnL.IsZero() || !s.TotalPnL.IsZero() {
		t.Errorf("unpriced positions must not become losses, got %s", s.TotalPnL)
	}
	for _, pd := range g.WalletPositions(model.PolicyNetPosition, "0xopen", "") {
		if pd.PriceState != model.PriceUnavailable {
			t.Errorf("expected price_unavailable, got %s", pd.PriceState)
		}
	}
	if !g.Diagnostics.PriceCoveragePct.IsZero() || !g.Diagnostics.ResolutionCoveragePct.IsZero() {
		t.Errorf("diagnostics must show zero coverage, got %s / %s",
			g.Diagnostics.PriceCoveragePct, g.Diagnostics.ResolutionCoveragePct)
	}
}

// --- Dedup and input hygiene ---

func TestRebuild_DuplicateRatioFlagsLowConfidence(t *testing.T) {
	cond := condID("77")
	api := fill("same", "0xalice", cond, 0, model.SideBuy, 0.5, 10, t0)
	chain := api
	chain.Source = "chain"
	eng, _, _ := newEngine(t, testOptions(), []model.Trade{api, chain}, nil, nil)

	g, err := eng.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("a high duplicate ratio must not block publishing: %v", err)
	}
	if !g.Diagnostics.LowConfidence {
		t.Error("expected the generation to be flagged low confidence")
	}
	if g.Diagnostics.Dedup.Collapsed != 1 {
		t.Errorf("expected 1 collapsed trade, got %d", g.Diagnostics.Dedup.Collapsed)
	}
	s, _ := g.Summary(model.PolicyNetPosition, "0xalice")
	if s.OpenPositionCount != 1 {
		t.Errorf("duplicates must count once, got %d positions", s.OpenPositionCount)
	}
	pd := g.WalletPositions(model.PolicyNetPosition, "0xalice", "")[0]
	if !pd.NetQuantity.Equal(d(10)) || !pd.NetCash.Equal(d(-5)) {
		t.Errorf("quantity and cash must come from the same deduplicated set, got %s / %s", pd.NetQuantity, pd.NetCash)
	}
}

func TestRebuild_MalformedAndRejectedInputs(t *testing.T) {
	good := condID("88")
	trades := []model.Trade{
		fill("ok", "0xalice", good, 0, model.SideBuy, 0.5, 10, t0),
		fill("trunc", "0xalice", "0xabc", 0, model.SideBuy, 0.5, 10, t0),
		fill("empty", "0xalice", "", 0, model.SideBuy, 0.5, 10, t0),
		fill("badside", "0xalice", good, 0, model.Side("HOLD"), 0.5, 10, t0),
		fill("badprice", "0xalice", good, 0, model.SideBuy, 1.5, 10, t0),
		fill("noqty", "0xalice", good, 0, model.SideBuy, 0.5, 0, t0),
		fill("nowallet", "  ", good, 0, model.SideBuy, 0.5, 10, t0),
	}
	res := []model.MarketResolution{payout("", "chain", 0, 1, 0)}
	eng, _, _ := newEngine(t, testOptions(), trades, res, nil)

	g, err := eng.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("malformed identifiers must not block publishing: %v", err)
	}
	diag := g.Diagnostics
	if diag.TradesRejected != 4 {
		t.Errorf("expected 4 rejected trades, got %d", diag.TradesRejected)
	}
	if diag.MalformedTradeIDs != 2 || diag.MalformedResolutionIDs != 1 {
		t.Errorf("expected 2 malformed trade ids and 1 malformed resolution id, got %d / %d",
			diag.MalformedTradeIDs, diag.MalformedResolutionIDs)
	}

	s, _ := g.Summary(model.PolicyNetPosition, "0xalice")
	if s.MalformedPositionCount != 2 || s.ResolvedPositionCount != 0 {
		t.Errorf("malformed positions must stay apart and never resolve: %+v", s)
	}
	if s.Coverage.Complete {
		t.Error("coverage with malformed positions is not complete")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	eng, _, rec := newEngine(t, testOptions(), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		eng.Run(ctx, time.Hour)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for len(rec.types()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no rebuild ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestParseCashCheckMode(t *testing.T) {
	if m, err := ParseCashCheckMode(""); err != nil || m != CashCheckWarn {
		t.Errorf("expected default warn, got %s %v", m, err)
	}
	if _, err := ParseCashCheckMode("sometimes"); !errors.Is(err, ErrUnknownCashCheckMode) {
		t.Errorf("expected ErrUnknownCashCheckMode, got %v", err)
	}
}
