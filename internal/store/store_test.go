package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

func sampleGeneration(n int64) *model.Generation {
	id := fmt.Sprintf("gen-%d", n)
	detail := func(market string) model.PositionDetail {
		pd := model.PositionDetail{
			Policy:          model.PolicyNetPosition,
			ResolutionState: model.StateUnresolved,
			PriceState:      model.PricePriced,
			UnrealizedPnL:   d(16),
		}
		pd.Wallet = "0xabc"
		pd.MarketID = market
		pd.NetQuantity = d(70)
		return pd
	}
	return &model.Generation{
		ID:            id,
		Number:        n,
		BuiltAt:       t0.Add(time.Duration(n) * time.Minute),
		DefaultPolicy: model.PolicyNetPosition,
		Summaries: map[model.Policy]map[string]model.WalletPnLSummary{
			model.PolicyNetPosition: {
				"0xabc": {
					Wallet:        "0xabc",
					Policy:        model.PolicyNetPosition,
					UnrealizedPnL: d(16),
					TotalPnL:      d(16),
					GenerationID:  id,
				},
			},
		},
		Positions: map[model.Policy]map[string][]model.PositionDetail{
			model.PolicyNetPosition: {
				"0xabc": {detail("m1"), detail("m2")},
			},
		},
		Diagnostics: model.Diagnostics{TradesIn: 2, LowConfidence: n%2 == 0},
	}
}

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := st.CurrentGeneration(ctx); !errors.Is(err, ErrNoGeneration) {
		t.Fatalf("expected ErrNoGeneration before publish, got %v", err)
	}

	logIdx := int64(7)
	trades := []model.Trade{
		{TradeID: "t1", Source: "api", Wallet: "0xabc", MarketID: "m1", ConditionIDRaw: "0xAA",
			Side: model.SideBuy, Price: d(0.4), Quantity: d(100), USDValue: d(40), Fee: d(0.1), Timestamp: t0},
		{Source: "chain", Wallet: "0xabc", MarketID: "m1", ConditionIDRaw: "0xAA",
			Side: model.SideSell, Price: d(0.7), Quantity: d(30), USDValue: d(21),
			TxHash: "0xdead", LogIndex: &logIdx, Timestamp: t0.Add(time.Minute)},
	}
	if err := st.InsertTrades(ctx, trades); err != nil {
		t.Fatalf("insert trades: %v", err)
	}
	if err := st.InsertResolutions(ctx, []model.MarketResolution{{
		ConditionIDRaw:    "0xAA",
		Source:            "chain",
		PayoutNumerators:  []decimal.Decimal{d(0), d(1)},
		PayoutDenominator: d(1),
		WinningIndex:      1,
		OutcomeCount:      2,
		ResolvedAt:        t0.Add(time.Hour),
	}}); err != nil {
		t.Fatalf("insert resolutions: %v", err)
	}
	if err := st.InsertQuotes(ctx, []model.PriceQuote{{
		ConditionIDRaw: "0xAA", OutcomeIndex: 0, Price: d(0.5), Source: "book", ObservedAt: t0,
	}}); err != nil {
		t.Fatalf("insert quotes: %v", err)
	}

	snap, err := st.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if len(snap.Trades) != 2 || len(snap.Resolutions) != 1 || len(snap.Quotes) != 1 {
		t.Fatalf("unexpected snapshot sizes: %d/%d/%d", len(snap.Trades), len(snap.Resolutions), len(snap.Quotes))
	}
	if snap.Trades[0].TradeID != "t1" {
		t.Errorf("insertion order must be preserved, got %q first", snap.Trades[0].TradeID)
	}
	got := snap.Trades[1]
	if got.LogIndex == nil || *got.LogIndex != 7 || !got.USDValue.Equal(d(21)) || !got.Timestamp.Equal(t0.Add(time.Minute)) {
		t.Errorf("trade did not round-trip: %+v", got)
	}
	if snap.Trades[0].LogIndex != nil {
		t.Error("missing log index must stay nil")
	}
	r := snap.Resolutions[0]
	if len(r.PayoutNumerators) != 2 || !r.PayoutNumerators[1].Equal(d(1)) || r.WinningIndex != 1 {
		t.Errorf("resolution did not round-trip: %+v", r)
	}

	for n := int64(1); n <= 2; n++ {
		if err := st.PublishGeneration(ctx, sampleGeneration(n)); err != nil {
			t.Fatalf("publish %d: %v", n, err)
		}
	}

	cur, err := st.CurrentGeneration(ctx)
	if err != nil {
		t.Fatalf("current generation: %v", err)
	}
	if cur.ID != "gen-2" || cur.Number != 2 || !cur.Diagnostics.LowConfidence {
		t.Errorf("unexpected current generation: %+v", cur)
	}

	sum, err := st.GetSummary(ctx, "gen-2", model.PolicyNetPosition, "0xabc")
	if err != nil {
		t.Fatalf("get summary: %v", err)
	}
	if !sum.TotalPnL.Equal(d(16)) || sum.GenerationID != "gen-2" {
		t.Errorf("unexpected summary: %+v", sum)
	}

	// the previous generation stays addressable
	if _, err := st.GetSummary(ctx, "gen-1", model.PolicyNetPosition, "0xabc"); err != nil {
		t.Errorf("previous generation should be retained: %v", err)
	}

	if _, err := st.GetSummary(ctx, "gen-2", model.PolicyNetPosition, "0xnobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown wallet, got %v", err)
	}

	all, err := st.GetPositions(ctx, "gen-2", model.PolicyNetPosition, "0xabc", "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 positions, got %d (%v)", len(all), err)
	}
	m2, err := st.GetPositions(ctx, "gen-2", model.PolicyNetPosition, "0xabc", "m2")
	if err != nil || len(m2) != 1 || m2[0].MarketID != "m2" {
		t.Errorf("market filter failed: %+v (%v)", m2, err)
	}
	if !m2[0].NetQuantity.Equal(d(70)) {
		t.Errorf("position did not round-trip: %+v", m2[0])
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "pnl.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestMemoryStore_Retention(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for n := int64(1); n <= DefaultRetain+2; n++ {
		if err := st.PublishGeneration(ctx, sampleGeneration(n)); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := st.GetSummary(ctx, "gen-1", model.PolicyNetPosition, "0xabc"); !errors.Is(err, ErrNoGeneration) {
		t.Errorf("oldest generation should be evicted, got %v", err)
	}
	latest := fmt.Sprintf("gen-%d", DefaultRetain+2)
	if _, err := st.GetSummary(ctx, latest, model.PolicyNetPosition, "0xabc"); err != nil {
		t.Errorf("latest generation must be readable: %v", err)
	}
}

func TestMemoryStore_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	st.InsertTrades(ctx, []model.Trade{{TradeID: "a", Wallet: "w"}})

	snap, _ := st.LoadSnapshot(ctx)
	st.InsertTrades(ctx, []model.Trade{{TradeID: "b", Wallet: "w"}})

	if len(snap.Trades) != 1 {
		t.Errorf("snapshot must not see later inserts, got %d trades", len(snap.Trades))
	}
}

func TestMemoryStore_PublishRequiresID(t *testing.T) {
	if err := NewMemoryStore().PublishGeneration(context.Background(), &model.Generation{}); err == nil {
		t.Error("expected error publishing a generation without id")
	}
}
