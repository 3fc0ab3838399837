// Package model defines the core domain types shared across the P&L engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a fill from the wallet's point of view.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Trade is an immutable fill record supplied by an upstream feed.
// Several Trades may describe the same economic fill when two feeds overlap.
type Trade struct {
	TradeID        string          `json:"trade_id,omitempty" db:"trade_id"`
	Source         string          `json:"source" db:"source"`
	Wallet         string          `json:"wallet" db:"wallet"`
	MarketID       string          `json:"market_id" db:"market_id"`
	ConditionIDRaw string          `json:"condition_id" db:"condition_id"`
	OutcomeIndex   int             `json:"outcome_index" db:"outcome_index"`
	Side           Side            `json:"side" db:"side"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	USDValue       decimal.Decimal `json:"usd_value" db:"usd_value"`
	Fee            decimal.Decimal `json:"fee" db:"fee"`
	TxHash         string          `json:"tx_hash,omitempty" db:"tx_hash"`
	LogIndex       *int64          `json:"log_index,omitempty" db:"log_index"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
}

// ConditionRef is the tri-state form of a condition identifier. A malformed
// reference keeps its raw text for reporting and never joins with anything.
type ConditionRef struct {
	Norm  string `json:"condition_id,omitempty"`
	Raw   string `json:"condition_id_raw,omitempty"`
	Valid bool   `json:"valid"`
}

// JoinKey returns the key used for grouping. Malformed references are
// namespaced by their raw text so they cannot collide with a canonical id.
func (c ConditionRef) JoinKey() string {
	if c.Valid {
		return c.Norm
	}
	return "!malformed:" + c.Raw
}

// DedupKeyKind names the identifier family a dedup key was derived from.
type DedupKeyKind string

const (
	KeyTradeID  DedupKeyKind = "trade_id"
	KeyTxLog    DedupKeyKind = "tx_log"
	KeyFallback DedupKeyKind = "fallback"
)

// DedupKey identifies one economic fill across feeds.
type DedupKey struct {
	Kind  DedupKeyKind `json:"kind"`
	Value string       `json:"value"`
}

func (k DedupKey) String() string {
	return string(k.Kind) + ":" + k.Value
}

// NormalizedTrade is a Trade with a canonical condition reference,
// a canonical wallet, and a deterministic dedup key.
type NormalizedTrade struct {
	Trade
	Condition ConditionRef `json:"condition"`
	Key       DedupKey     `json:"dedup_key"`
}

// PositionKey identifies one (wallet, market, condition, outcome) holding.
type PositionKey struct {
	Wallet       string       `json:"wallet"`
	MarketID     string       `json:"market_id"`
	Condition    ConditionRef `json:"condition"`
	OutcomeIndex int          `json:"outcome_index"`
}

// Position is the net holding built from one deduplicated trade set.
type Position struct {
	PositionKey
	NetQuantity   decimal.Decimal  `json:"net_quantity"`
	NetCash       decimal.Decimal  `json:"net_cash"` // cash received minus cash paid
	BuyQuantity   decimal.Decimal  `json:"buy_quantity"`
	SellQuantity  decimal.Decimal  `json:"sell_quantity"`
	Fees          decimal.Decimal  `json:"fees"`
	TradeCount    int              `json:"trade_count"`
	Closed        bool             `json:"closed"`
	AvgEntryPrice *decimal.Decimal `json:"avg_entry_price,omitempty"` // nil when closed
	FirstTradeAt  time.Time        `json:"first_trade_at"`
	LastTradeAt   time.Time        `json:"last_trade_at"`

	// Trades are the fills behind this position in (timestamp, key) order.
	Trades []NormalizedTrade `json:"-"`
}

// MarketResolution is a payout vector for one condition.
// PayoutNumerators share the zero-based index space of Trade.OutcomeIndex.
type MarketResolution struct {
	ConditionIDRaw    string            `json:"condition_id_raw" db:"condition_id"`
	ConditionID       string            `json:"condition_id"`
	Source            string            `json:"source" db:"source"`
	PayoutNumerators  []decimal.Decimal `json:"payout_numerators" db:"payout_numerators"`
	PayoutDenominator decimal.Decimal   `json:"payout_denominator" db:"payout_denominator"`
	WinningIndex      int               `json:"winning_index" db:"winning_index"` // -1 when no single winner
	OutcomeCount      int               `json:"outcome_count" db:"outcome_count"` // 0 when unknown
	ResolvedAt        time.Time         `json:"resolved_at" db:"resolved_at"`
}

// PayoutFraction returns numerator/denominator for a payout index.
func (r *MarketResolution) PayoutFraction(idx int) (decimal.Decimal, bool) {
	if idx < 0 || idx >= len(r.PayoutNumerators) || !r.PayoutDenominator.IsPositive() {
		return decimal.Zero, false
	}
	return r.PayoutNumerators[idx].Div(r.PayoutDenominator), true
}

// PriceQuote is the best available current price for an outcome.
type PriceQuote struct {
	ConditionIDRaw string          `json:"condition_id_raw" db:"condition_id"`
	ConditionID    string          `json:"condition_id"`
	OutcomeIndex   int             `json:"outcome_index" db:"outcome_index"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Source         string          `json:"source" db:"source"`
	ObservedAt     time.Time       `json:"observed_at" db:"observed_at"`
}

// Snapshot is the full input set a rebuild runs over.
type Snapshot struct {
	Trades      []Trade            `json:"trades"`
	Resolutions []MarketResolution `json:"resolutions"`
	Quotes      []PriceQuote       `json:"quotes"`
	LoadedAt    time.Time          `json:"loaded_at"`
}

// ResolutionState is the outcome of joining a position with resolutions.
type ResolutionState string

const (
	StateResolved   ResolutionState = "resolved"
	StateUnresolved ResolutionState = "unresolved"
	StateMalformed  ResolutionState = "malformed"
)

// PriceState describes whether a mark-to-market price was applied.
type PriceState string

const (
	PricePriced        PriceState = "priced"
	PriceUnavailable   PriceState = "price_unavailable"
	PriceNotApplicable PriceState = "not_applicable"
)

// Policy names a settlement definition of realized P&L.
type Policy string

const (
	PolicyNetPosition Policy = "net_position"
	PolicyFIFO        Policy = "fifo"
)

// Policies lists every supported policy in a stable order.
var Policies = []Policy{PolicyNetPosition, PolicyFIFO}

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyNetPosition || p == PolicyFIFO
}

// PositionDetail is a Position with its join states and P&L under one policy.
type PositionDetail struct {
	Position
	Policy             Policy           `json:"policy"`
	ResolutionState    ResolutionState  `json:"resolution_state"`
	ResolutionSource   string           `json:"resolution_source,omitempty"`
	PayoutIndex        *int             `json:"payout_index,omitempty"`
	PayoutFraction     *decimal.Decimal `json:"payout_fraction,omitempty"`
	PriceState         PriceState       `json:"price_state"`
	Price              *decimal.Decimal `json:"price,omitempty"`
	RealizedPnL        decimal.Decimal  `json:"realized_pnl"`
	UnrealizedPnL      decimal.Decimal  `json:"unrealized_pnl"`
	RemainingQuantity  decimal.Decimal  `json:"remaining_quantity"`
	RemainingCostBasis decimal.Decimal  `json:"remaining_cost_basis"`
}

// Coverage qualifies a wallet total with the denominators behind it.
type Coverage struct {
	PositionCount    int             `json:"position_count"`
	ResolvedCount    int             `json:"resolved_count"`
	OpenCount        int             `json:"open_count"`
	PriceCovered     int             `json:"price_covered"`
	ResolutionPct    decimal.Decimal `json:"resolution_pct"` // resolved / non-malformed positions
	PricePct         decimal.Decimal `json:"price_pct"`      // priced / open positions
	Complete         bool            `json:"complete"`
	MalformedCount   int             `json:"malformed_count"`
	UnavailableCount int             `json:"price_unavailable_count"`
}

// WalletPnLSummary is the externally consumed output of a rebuild.
//
// Every field except GenerationID and ComputedAt is a pure function of the
// input snapshot, so rebuilding an unchanged snapshot reproduces it exactly.
// Those two identify the generation that served the summary and change on
// every publish.
type WalletPnLSummary struct {
	Wallet                 string          `json:"wallet"`
	Policy                 Policy          `json:"policy"`
	RealizedPnL            decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL          decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL               decimal.Decimal `json:"total_pnl"`
	Fees                   decimal.Decimal `json:"fees"`
	ResolvedPositionCount  int             `json:"resolved_position_count"`
	OpenPositionCount      int             `json:"open_position_count"`
	PriceCoveredCount      int             `json:"price_covered_count"`
	PriceUnavailableCount  int             `json:"price_unavailable_count"`
	ClosedPositionCount    int             `json:"closed_position_count"`
	MalformedPositionCount int             `json:"malformed_position_count"`
	Coverage               Coverage        `json:"coverage"`
	GenerationID           string          `json:"generation_id"`
	ComputedAt             time.Time       `json:"computed_at"`
}

// DedupStats describes one deduplication pass.
type DedupStats struct {
	Strategy        string               `json:"strategy"`
	Input           int                  `json:"input"`
	Output          int                  `json:"output"`
	Collapsed       int                  `json:"collapsed"`
	Ratio           decimal.Decimal      `json:"ratio"`
	ByKind          map[DedupKeyKind]int `json:"by_kind"`
	CollapsedByKind map[DedupKeyKind]int `json:"collapsed_by_kind"`
}

// AlignmentFinding reports index-space verification for one resolution source.
type AlignmentFinding struct {
	Source         string      `json:"source"`
	MarketsSampled int         `json:"markets_sampled"`
	OffsetVotes    map[int]int `json:"offset_votes"`
	OutOfRange     int         `json:"out_of_range"`
	DetectedOffset int         `json:"detected_offset"`
	Misaligned     bool        `json:"misaligned"`
	Corrected      bool        `json:"corrected"`
	Detail         string      `json:"detail,omitempty"`
}

// CashCheck is the cash-neutrality result for one fully resolved market.
// RealizedSum is net of fees; Imbalance adds the fees back and must be
// within Tolerance of zero.
type CashCheck struct {
	ConditionID string          `json:"condition_id"`
	RealizedSum decimal.Decimal `json:"realized_sum"`
	Fees        decimal.Decimal `json:"fees"`
	Imbalance   decimal.Decimal `json:"imbalance"`
	GrossVolume decimal.Decimal `json:"gross_volume"`
	Tolerance   decimal.Decimal `json:"tolerance"`
	Balanced    bool            `json:"balanced"`
}

// Diagnostics carries the operational facts of one rebuild generation.
type Diagnostics struct {
	TradesIn               int                `json:"trades_in"`
	TradesRejected         int                `json:"trades_rejected"`
	MalformedTradeIDs      int                `json:"malformed_trade_ids"`
	MalformedResolutionIDs int                `json:"malformed_resolution_ids"`
	MalformedQuoteIDs      int                `json:"malformed_quote_ids"`
	InvalidResolutions     int                `json:"invalid_resolutions"`
	ResolutionsIn          int                `json:"resolutions_in"`
	ResolutionsUsed        int                `json:"resolutions_used"`
	QuotesIn               int                `json:"quotes_in"`
	Dedup                  DedupStats         `json:"dedup"`
	PositionCount          int                `json:"position_count"`
	ResolutionCoveragePct  decimal.Decimal    `json:"resolution_coverage_pct"`
	PriceCoveragePct       decimal.Decimal    `json:"price_coverage_pct"`
	Alignment              []AlignmentFinding `json:"alignment"`
	CashChecks             []CashCheck        `json:"cash_checks"`
	LowConfidence          bool               `json:"low_confidence"`
	Warnings               []string           `json:"warnings,omitempty"`
	Duration               time.Duration      `json:"duration_ns"`
}

// Generation is one complete, atomically published rebuild output.
type Generation struct {
	ID            string                                 `json:"id"`
	Number        int64                                  `json:"number"`
	BuiltAt       time.Time                              `json:"built_at"`
	DefaultPolicy Policy                                 `json:"default_policy"`
	Summaries     map[Policy]map[string]WalletPnLSummary `json:"summaries"`
	Positions     map[Policy]map[string][]PositionDetail `json:"positions"`
	Diagnostics   Diagnostics                            `json:"diagnostics"`
}

// Summary returns the wallet summary under a policy.
func (g *Generation) Summary(p Policy, wallet string) (WalletPnLSummary, bool) {
	s, ok := g.Summaries[p][wallet]
	return s, ok
}

// WalletPositions returns a wallet's position details under a policy,
// optionally filtered by market id.
func (g *Generation) WalletPositions(p Policy, wallet, marketID string) []PositionDetail {
	all := g.Positions[p][wallet]
	if marketID == "" {
		return all
	}
	var out []PositionDetail
	for _, pd := range all {
		if pd.MarketID == marketID {
			out = append(out, pd)
		}
	}
	return out
}
