// Package pipeline runs full rebuilds: it loads the input snapshot, computes
// every wallet's positions and P&L under each settlement policy, validates
// the result, and publishes it as one new generation.
//
// A rebuild that fails validation publishes nothing, so the previous
// generation stays live.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pnl-engine/internal/dedup"
	"github.com/atmx/pnl-engine/internal/ident"
	"github.com/atmx/pnl-engine/internal/metrics"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/position"
	"github.com/atmx/pnl-engine/internal/resolution"
	"github.com/atmx/pnl-engine/internal/settlement"
	"github.com/atmx/pnl-engine/internal/store"
	"github.com/atmx/pnl-engine/internal/summary"
	"github.com/atmx/pnl-engine/internal/valuation"
)

var (
	// ErrCashImbalance is returned when a fully resolved market does not
	// reconcile and the cash check is enforced.
	ErrCashImbalance = errors.New("pipeline: cash imbalance")

	// ErrDuplicateRatioExceeded marks a generation as low confidence. It is
	// reported in diagnostics and never returned from Rebuild.
	ErrDuplicateRatioExceeded = errors.New("pipeline: duplicate ratio exceeded")
)

// RebuildError carries the diagnostics of a rebuild that was not published.
type RebuildError struct {
	Diagnostics model.Diagnostics
	Err         error
}

func (e *RebuildError) Error() string { return e.Err.Error() }
func (e *RebuildError) Unwrap() error { return e.Err }

// Event is sent to the Notifier after every rebuild attempt.
type Event struct {
	Type          string    `json:"type"` // generation_published | rebuild_failed
	GenerationID  string    `json:"generation_id,omitempty"`
	Number        int64     `json:"number,omitempty"`
	LowConfidence bool      `json:"low_confidence,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

const (
	EventPublished = "generation_published"
	EventFailed    = "rebuild_failed"
)

// Notifier receives rebuild events. It must not block.
type Notifier interface {
	Notify(Event)
}

// Engine rebuilds generations from a store.
type Engine struct {
	store    store.Store
	opts     Options
	notifier Notifier

	norm   *ident.Normalizer
	dedup  *dedup.Deduplicator
	agg    *position.Aggregator
	verify *resolution.Verifier
	calc   *settlement.Calculator

	mu  sync.Mutex // one rebuild at a time
	now func() time.Time
}

// NewEngine creates an engine. Pass nil for notifier if no one listens.
func NewEngine(st store.Store, opts Options, notifier Notifier) *Engine {
	opts.normalize()
	return &Engine{
		store:    st,
		opts:     opts,
		notifier: notifier,
		norm:     ident.NewNormalizer(opts.MinSignificantDigits),
		dedup:    dedup.New(opts.DedupStrategy),
		agg:      position.NewAggregator(opts.ClosedEpsilon),
		verify:   resolution.NewVerifier(opts.Alignment),
		calc:     settlement.NewCalculator(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Options returns the engine's effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Run rebuilds immediately and then every interval until ctx is done.
// Failed rebuilds are logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := e.Rebuild(ctx); err != nil && ctx.Err() == nil {
			slog.Error("rebuild failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Rebuild runs one full pass and publishes the result.
func (e *Engine) Rebuild(ctx context.Context) (*model.Generation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	g, err := e.rebuild(ctx)
	elapsed := time.Since(start)
	metrics.RebuildDuration.Observe(elapsed.Seconds())

	if err != nil {
		metrics.RebuildsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		e.notify(Event{Type: EventFailed, Error: err.Error(), At: e.now()})
		return nil, err
	}

	metrics.RebuildsTotal.WithLabelValues("published").Inc()
	metrics.GenerationNumber.Set(float64(g.Number))
	e.notify(Event{
		Type:          EventPublished,
		GenerationID:  g.ID,
		Number:        g.Number,
		LowConfidence: g.Diagnostics.LowConfidence,
		At:            g.BuiltAt,
	})

	slog.Info("generation published",
		"generation", g.ID,
		"number", g.Number,
		"wallets", len(g.Summaries[g.DefaultPolicy]),
		"positions", g.Diagnostics.PositionCount,
		"duplicate_ratio", g.Diagnostics.Dedup.Ratio.String(),
		"resolution_coverage_pct", g.Diagnostics.ResolutionCoveragePct.String(),
		"price_coverage_pct", g.Diagnostics.PriceCoveragePct.String(),
		"low_confidence", g.Diagnostics.LowConfidence,
		"duration", elapsed,
	)
	return g, nil
}

func (e *Engine) notify(ev Event) {
	if e.notifier != nil {
		e.notifier.Notify(ev)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, resolution.ErrIndexMisalignment):
		return "misaligned"
	case errors.Is(err, ErrCashImbalance):
		return "cash_imbalance"
	default:
		return "error"
	}
}

func (e *Engine) rebuild(ctx context.Context) (*model.Generation, error) {
	start := time.Now()

	snap, err := e.store.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var number int64 = 1
	switch prev, err := e.store.CurrentGeneration(ctx); {
	case err == nil:
		number = prev.Number + 1
	case !errors.Is(err, store.ErrNoGeneration):
		return nil, fmt.Errorf("current generation: %w", err)
	}

	diag := model.Diagnostics{
		TradesIn:      len(snap.Trades),
		ResolutionsIn: len(snap.Resolutions),
		QuotesIn:      len(snap.Quotes),
	}

	trades := e.normalizeTrades(snap.Trades, &diag)
	resolutions := e.normalizeResolutions(snap.Resolutions, &diag)
	quotes := e.normalizeQuotes(snap.Quotes, &diag)

	trades, diag.Dedup = e.dedup.Run(trades)
	metrics.DuplicateRatio.Set(diag.Dedup.Ratio.InexactFloat64())
	if dedup.Exceeds(diag.Dedup, e.opts.DuplicateRatioMax) {
		diag.LowConfidence = true
		diag.Warnings = append(diag.Warnings, fmt.Sprintf("%v: %s of %d trades collapsed (max %s)",
			ErrDuplicateRatioExceeded, diag.Dedup.Ratio, diag.Dedup.Input, e.opts.DuplicateRatioMax))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	findings, offsets, err := e.verify.Verify(resolutions, resolution.CollectEvidence(trades, quotes))
	diag.Alignment = findings
	if err != nil {
		return nil, e.fail(diag, start, err)
	}
	for _, f := range findings {
		if f.Corrected {
			diag.Warnings = append(diag.Warnings, fmt.Sprintf("resolution source %s corrected by offset %d: %s",
				f.Source, f.DetectedOffset, f.Detail))
		}
	}

	merged := resolution.Merge(resolutions, e.opts.SourcePriority)
	diag.ResolutionsUsed = len(merged)
	matcher := resolution.NewMatcher(merged, offsets)
	valuator := valuation.NewValuator(valuation.NewPriceBook(quotes))

	shards, err := e.buildShards(ctx, trades, matcher, valuator)
	if err != nil {
		return nil, e.fail(diag, start, err)
	}

	g := &model.Generation{
		ID:            uuid.NewString(),
		Number:        number,
		BuiltAt:       e.now(),
		DefaultPolicy: e.opts.DefaultPolicy,
		Summaries:     make(map[model.Policy]map[string]model.WalletPnLSummary, len(model.Policies)),
		Positions:     make(map[model.Policy]map[string][]model.PositionDetail, len(model.Policies)),
	}
	for _, p := range model.Policies {
		g.Summaries[p] = make(map[string]model.WalletPnLSummary)
		g.Positions[p] = make(map[string][]model.PositionDetail)
	}

	var netDetails []model.PositionDetail
	for _, sh := range shards {
		for _, p := range model.Policies {
			for wallet, details := range sh[p] {
				g.Positions[p][wallet] = details
				g.Summaries[p][wallet] = summary.Wallet(wallet, p, details, g.ID, g.BuiltAt)
				if p == model.PolicyNetPosition {
					netDetails = append(netDetails, details...)
				}
			}
		}
	}

	cov := summary.CoverageOf(netDetails)
	diag.PositionCount = cov.PositionCount
	diag.ResolutionCoveragePct = cov.ResolutionPct
	diag.PriceCoveragePct = cov.PricePct

	if err := e.checkCash(netDetails, &diag); err != nil {
		return nil, e.fail(diag, start, err)
	}

	diag.Duration = time.Since(start)
	g.Diagnostics = diag

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.store.PublishGeneration(ctx, g); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}

	metrics.Positions.Set(float64(cov.PositionCount))
	metrics.CoveragePercent.WithLabelValues("resolution").Set(cov.ResolutionPct.InexactFloat64())
	metrics.CoveragePercent.WithLabelValues("price").Set(cov.PricePct.InexactFloat64())
	return g, nil
}

func (e *Engine) fail(diag model.Diagnostics, start time.Time, err error) error {
	diag.Duration = time.Since(start)
	return &RebuildError{Diagnostics: diag, Err: err}
}

// normalizeTrades canonicalizes identifiers and rejects trades that cannot
// be accounted for. A trade whose condition id is malformed is kept: it
// forms a malformed position that is reported but never joined.
func (e *Engine) normalizeTrades(in []model.Trade, diag *model.Diagnostics) []model.NormalizedTrade {
	out := make([]model.NormalizedTrade, 0, len(in))
	for _, t := range in {
		wallet, err := ident.Wallet(t.Wallet)
		if err != nil || !validTrade(t) {
			diag.TradesRejected++
			continue
		}
		t.Wallet = wallet
		t.MarketID = ident.MarketID(t.MarketID)
		if t.USDValue.IsZero() {
			t.USDValue = t.Price.Mul(t.Quantity)
		}

		ref := e.norm.Ref(t.ConditionIDRaw)
		if !ref.Valid {
			diag.MalformedTradeIDs++
		}
		out = append(out, model.NormalizedTrade{
			Trade:     t,
			Condition: ref,
			Key:       dedup.KeyFor(t, e.opts.DedupKey),
		})
	}

	metrics.RejectedTrades.Add(float64(diag.TradesRejected))
	metrics.MalformedIdentifiers.WithLabelValues("trade").Add(float64(diag.MalformedTradeIDs))
	if diag.TradesRejected > 0 {
		diag.Warnings = append(diag.Warnings, fmt.Sprintf("%d trades rejected", diag.TradesRejected))
	}
	return out
}

var one = decimal.NewFromInt(1)

func validTrade(t model.Trade) bool {
	return t.Side.Valid() &&
		t.OutcomeIndex >= 0 &&
		t.Quantity.IsPositive() &&
		!t.Price.IsNegative() && t.Price.LessThanOrEqual(one) &&
		!t.USDValue.IsNegative() &&
		!t.Fee.IsNegative()
}

func (e *Engine) normalizeResolutions(in []model.MarketResolution, diag *model.Diagnostics) []model.MarketResolution {
	out := make([]model.MarketResolution, 0, len(in))
	for _, r := range in {
		id, err := e.norm.Condition(r.ConditionIDRaw)
		if err != nil {
			diag.MalformedResolutionIDs++
			continue
		}
		r.ConditionID = id
		if err := resolution.Validate(r); err != nil {
			diag.InvalidResolutions++
			diag.Warnings = append(diag.Warnings, fmt.Sprintf("resolution %s from %s: %v", id, r.Source, err))
			continue
		}
		out = append(out, r)
	}
	metrics.MalformedIdentifiers.WithLabelValues("resolution").Add(float64(diag.MalformedResolutionIDs))
	return out
}

func (e *Engine) normalizeQuotes(in []model.PriceQuote, diag *model.Diagnostics) []model.PriceQuote {
	out := make([]model.PriceQuote, 0, len(in))
	for _, q := range in {
		id, err := e.norm.Condition(q.ConditionIDRaw)
		if err != nil {
			diag.MalformedQuoteIDs++
			continue
		}
		if q.Price.IsNegative() || q.Price.GreaterThan(one) {
			continue
		}
		q.ConditionID = id
		out = append(out, q)
	}
	metrics.MalformedIdentifiers.WithLabelValues("quote").Add(float64(diag.MalformedQuoteIDs))
	return out
}

// shard holds one worker's output: policy -> wallet -> details.
type shard map[model.Policy]map[string][]model.PositionDetail

// buildShards partitions trades by wallet and builds every shard on its own
// goroutine. Shards share nothing but read-only inputs.
func (e *Engine) buildShards(ctx context.Context, trades []model.NormalizedTrade, matcher *resolution.Matcher, valuator *valuation.Valuator) ([]shard, error) {
	n := e.opts.Workers
	parts := make([][]model.NormalizedTrade, n)
	for _, t := range trades {
		i := xxhash.Sum64String(t.Wallet) % uint64(n)
		parts[i] = append(parts[i], t)
	}

	out := make([]shard, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range parts {
		g.Go(func() error {
			sh, err := e.buildShard(gctx, parts[i], matcher, valuator)
			if err != nil {
				return err
			}
			out[i] = sh
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) buildShard(ctx context.Context, trades []model.NormalizedTrade, matcher *resolution.Matcher, valuator *valuation.Valuator) (shard, error) {
	sh := make(shard, len(model.Policies))
	for _, p := range model.Policies {
		sh[p] = make(map[string][]model.PositionDetail)
	}

	for _, pos := range e.agg.Aggregate(trades) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := matcher.Match(pos.PositionKey)
		if err != nil {
			return nil, err
		}
		for _, p := range model.Policies {
			sh[p][pos.Wallet] = append(sh[p][pos.Wallet], e.detail(p, pos, m, valuator))
		}
	}
	return sh, nil
}

func (e *Engine) detail(policy model.Policy, pos model.Position, m resolution.Match, valuator *valuation.Valuator) model.PositionDetail {
	out := e.calc.Settle(policy, pos, m)
	mark := valuator.Value(pos.PositionKey, m.State, out)

	pd := model.PositionDetail{
		Position:           pos,
		Policy:             policy,
		ResolutionState:    m.State,
		PriceState:         mark.State,
		Price:              mark.Price,
		RealizedPnL:        out.Realized,
		UnrealizedPnL:      mark.Unrealized,
		RemainingQuantity:  out.RemainingQuantity,
		RemainingCostBasis: out.RemainingCostBasis,
	}
	if m.State == model.StateResolved {
		idx, frac := m.PayoutIndex, m.Fraction
		pd.ResolutionSource = m.Resolution.Source
		pd.PayoutIndex = &idx
		pd.PayoutFraction = &frac
	}
	return pd
}

// checkCash records per-market cash checks and applies the configured mode.
func (e *Engine) checkCash(details []model.PositionDetail, diag *model.Diagnostics) error {
	if e.opts.CashCheck == CashCheckOff {
		return nil
	}
	diag.CashChecks = summary.CashChecks(details, e.opts.CashTolerance)

	var bad []string
	for _, c := range diag.CashChecks {
		if !c.Balanced {
			bad = append(bad, fmt.Sprintf("%s imbalance %s tolerance %s", c.ConditionID, c.Imbalance, c.Tolerance))
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)

	if e.opts.CashCheck == CashCheckWarn {
		diag.LowConfidence = true
		for _, b := range bad {
			diag.Warnings = append(diag.Warnings, fmt.Sprintf("%v: %s", ErrCashImbalance, b))
		}
		return nil
	}
	return fmt.Errorf("%w: %d markets, first %s", ErrCashImbalance, len(bad), bad[0])
}
