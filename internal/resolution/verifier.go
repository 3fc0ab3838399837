package resolution

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

// AlignmentPolicy decides what happens when a source is misaligned.
type AlignmentPolicy string

const (
	AlignFail    AlignmentPolicy = "fail"
	AlignCorrect AlignmentPolicy = "correct"
)

var ErrUnknownAlignmentPolicy = errors.New("resolution: unknown alignment policy")

// ParseAlignmentPolicy validates a policy name; empty selects AlignFail.
func ParseAlignmentPolicy(s string) (AlignmentPolicy, error) {
	switch AlignmentPolicy(s) {
	case "", AlignFail:
		return AlignFail, nil
	case AlignCorrect:
		return AlignCorrect, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownAlignmentPolicy, s)
}

// Verifier checks that each resolution source indexes outcomes the same way
// the trade feed does.
//
// Two kinds of evidence are used per market:
//   - traded outcome indices outside [0, len(payout)) are direct proof of a
//     different index space;
//   - the price-implied winner (the outcome trading at or above
//     ImpliedWinnerMin near resolution) is compared with the payout winner,
//     and the difference is tallied as an offset vote.
//
// A source is misaligned when any index is out of range, or when at least
// MinSamples markets vote and a non-zero offset wins MinAgreement of them.
type Verifier struct {
	Policy           AlignmentPolicy
	ImpliedWinnerMin decimal.Decimal
	MinSamples       int
	MinAgreement     decimal.Decimal
}

// NewVerifier creates a verifier with the default evidence thresholds.
func NewVerifier(policy AlignmentPolicy) *Verifier {
	if policy == "" {
		policy = AlignFail
	}
	return &Verifier{
		Policy:           policy,
		ImpliedWinnerMin: decimal.NewFromFloat(0.9),
		MinSamples:       3,
		MinAgreement:     decimal.NewFromFloat(0.8),
	}
}

// Verify inspects every source in resolutions. It returns one finding per
// source (sorted by source), the offsets to apply when correcting, and an
// ErrIndexMisalignment when a misaligned source cannot or may not be
// corrected.
func (v *Verifier) Verify(resolutions []model.MarketResolution, evidence map[string]*Evidence) ([]model.AlignmentFinding, map[string]int, error) {
	bySource := make(map[string][]model.MarketResolution)
	for _, r := range resolutions {
		bySource[r.Source] = append(bySource[r.Source], r)
	}
	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	findings := make([]model.AlignmentFinding, 0, len(sources))
	offsets := make(map[string]int)
	var failed []string

	for _, src := range sources {
		f := v.inspect(src, bySource[src], evidence)
		if f.Misaligned {
			switch {
			case v.Policy == AlignCorrect && f.DetectedOffset != 0:
				f.Corrected = true
				offsets[src] = f.DetectedOffset
			default:
				failed = append(failed, fmt.Sprintf("%s (%s)", src, f.Detail))
			}
		}
		findings = append(findings, f)
	}

	if len(failed) > 0 {
		return findings, offsets, fmt.Errorf("%w: %s", ErrIndexMisalignment, strings.Join(failed, "; "))
	}
	return findings, offsets, nil
}

func (v *Verifier) inspect(src string, rs []model.MarketResolution, evidence map[string]*Evidence) model.AlignmentFinding {
	f := model.AlignmentFinding{Source: src, OffsetVotes: map[int]int{}}

	// Range evidence also tells us whether a shift of +1 would explain every
	// out-of-range market (1-based trade indices).
	plusOneFits := true

	for _, r := range rs {
		e, ok := evidence[r.ConditionID]
		if !ok {
			continue
		}
		n := len(r.PayoutNumerators)

		minIdx, maxIdx := n, -1
		for idx := range e.Indices {
			if idx < minIdx {
				minIdx = idx
			}
			if idx > maxIdx {
				maxIdx = idx
			}
		}
		if maxIdx >= n || minIdx < 0 {
			f.OutOfRange++
			if minIdx < 1 || maxIdx > n {
				plusOneFits = false
			}
		}

		if r.WinningIndex < 0 {
			continue
		}
		if implied, ok := e.impliedWinner(v.ImpliedWinnerMin); ok {
			f.MarketsSampled++
			f.OffsetVotes[implied-r.WinningIndex]++
		}
	}

	offset, agreed := v.dominantOffset(f)
	switch {
	case agreed && offset != 0:
		f.Misaligned = true
		f.DetectedOffset = offset
		f.Detail = fmt.Sprintf("%d of %d markets imply trade index = payout index %+d",
			f.OffsetVotes[offset], f.MarketsSampled, offset)
	case f.OutOfRange > 0 && plusOneFits && !(agreed && offset == 0):
		f.Misaligned = true
		f.DetectedOffset = 1
		f.Detail = fmt.Sprintf("%d markets traded at index == outcome count, consistent with 1-based trade indices", f.OutOfRange)
	case f.OutOfRange > 0:
		f.Misaligned = true
		f.Detail = fmt.Sprintf("%d markets traded outcome indices outside the payout vector", f.OutOfRange)
	}
	return f
}

// dominantOffset returns the most voted offset and whether it meets the
// sample and agreement thresholds.
func (v *Verifier) dominantOffset(f model.AlignmentFinding) (int, bool) {
	if f.MarketsSampled == 0 {
		return 0, false
	}
	best, votes := 0, -1
	keys := make([]int, 0, len(f.OffsetVotes))
	for k := range f.OffsetVotes {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		if f.OffsetVotes[k] > votes {
			best, votes = k, f.OffsetVotes[k]
		}
	}
	if f.MarketsSampled < v.MinSamples {
		return best, false
	}
	share := decimal.NewFromInt(int64(votes)).Div(decimal.NewFromInt(int64(f.MarketsSampled)))
	return best, share.GreaterThanOrEqual(v.MinAgreement)
}
