package pipeline

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/dedup"
	"github.com/atmx/pnl-engine/internal/ident"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/position"
	"github.com/atmx/pnl-engine/internal/resolution"
	"github.com/atmx/pnl-engine/internal/summary"
)

// CashCheckMode controls what a cash-neutrality failure does to a rebuild.
// A market missing its counterparties from the snapshot cannot balance, so
// only deployments with complete trade coverage should run CashCheckEnforce.
// CashCheckWarn publishes and marks the generation low confidence.
type CashCheckMode string

const (
	CashCheckOff     CashCheckMode = "off"
	CashCheckWarn    CashCheckMode = "warn"
	CashCheckEnforce CashCheckMode = "enforce"
)

var ErrUnknownCashCheckMode = errors.New("pipeline: unknown cash check mode")

// ParseCashCheckMode validates a mode name; empty selects CashCheckWarn.
func ParseCashCheckMode(s string) (CashCheckMode, error) {
	switch CashCheckMode(s) {
	case "", CashCheckWarn:
		return CashCheckWarn, nil
	case CashCheckEnforce:
		return CashCheckEnforce, nil
	case CashCheckOff:
		return CashCheckOff, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCashCheckMode, s)
}

// Options configures an Engine.
type Options struct {
	// Workers is the number of wallet shards built concurrently.
	Workers int

	// DefaultPolicy is reported on the generation and used by readers that
	// do not ask for a policy. Every policy is always computed.
	DefaultPolicy model.Policy

	DedupStrategy dedup.Strategy
	DedupKey      dedup.KeyConfig

	// Alignment decides whether a misaligned resolution source blocks the
	// rebuild or is corrected by its detected offset.
	Alignment resolution.AlignmentPolicy

	// SourcePriority lists resolution sources, most authoritative first.
	SourcePriority []string

	MinSignificantDigits int
	ClosedEpsilon        decimal.Decimal

	CashCheck     CashCheckMode
	CashTolerance summary.CashTolerance

	// DuplicateRatioMax flags a generation as low confidence when dedup
	// collapses more than this fraction of input trades.
	DuplicateRatioMax decimal.Decimal
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Workers:              runtime.NumCPU(),
		DefaultPolicy:        model.PolicyNetPosition,
		DedupStrategy:        dedup.FirstWriteWins,
		DedupKey:             dedup.DefaultKeyConfig(),
		Alignment:            resolution.AlignFail,
		MinSignificantDigits: ident.DefaultMinSignificantDigits,
		ClosedEpsilon:        position.DefaultEpsilon,
		CashCheck:            CashCheckWarn,
		CashTolerance: summary.CashTolerance{
			Absolute: decimal.New(1, -2),
			Relative: decimal.New(1, -4),
		},
		DuplicateRatioMax: decimal.New(5, -2),
	}
}

func (o *Options) normalize() {
	def := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if !o.DefaultPolicy.Valid() {
		o.DefaultPolicy = def.DefaultPolicy
	}
	if o.DedupStrategy == "" {
		o.DedupStrategy = def.DedupStrategy
	}
	if o.DedupKey.Bucket <= 0 {
		o.DedupKey = def.DedupKey
	}
	if o.Alignment == "" {
		o.Alignment = def.Alignment
	}
	if o.CashCheck == "" {
		o.CashCheck = def.CashCheck
	}
}
