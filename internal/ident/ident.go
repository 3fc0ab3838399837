// Package ident canonicalizes market/condition identifiers and wallet
// addresses so that records from independently sourced feeds join on one
// invariant form.
//
// Canonical condition ids are 64 lowercase hex digits with no "0x" prefix.
// Identifiers that cannot be brought to that form are malformed: they are
// reported and excluded from joins, never rewritten to an empty string.
package ident

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/pnl-engine/internal/model"
)

// CanonicalLength is the number of hex digits in a canonical condition id.
const CanonicalLength = 64

// DefaultMinSignificantDigits is the shortest input that is still treated
// as a condition id with dropped leading zeros rather than a truncated one.
const DefaultMinSignificantDigits = 56

var hexRegex = regexp.MustCompile(`^[0-9a-f]+$`)

var (
	ErrMalformedIdentifier = errors.New("ident: malformed identifier")
	ErrEmptyIdentifier     = fmt.Errorf("%w: empty", ErrMalformedIdentifier)
)

// Normalizer rewrites raw identifiers into canonical form.
type Normalizer struct {
	// MinSignificantDigits is the minimum number of hex digits accepted
	// before left-padding to CanonicalLength.
	MinSignificantDigits int
}

// NewNormalizer creates a normalizer. minSignificant <= 0 selects the default.
func NewNormalizer(minSignificant int) *Normalizer {
	if minSignificant <= 0 || minSignificant > CanonicalLength {
		minSignificant = DefaultMinSignificantDigits
	}
	return &Normalizer{MinSignificantDigits: minSignificant}
}

// Condition returns the canonical form of a condition id.
func (n *Normalizer) Condition(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if s == "" {
		return "", ErrEmptyIdentifier
	}
	s = strings.ToLower(s)
	if !hexRegex.MatchString(s) {
		return "", fmt.Errorf("%w: non-hex characters in %q", ErrMalformedIdentifier, raw)
	}

	switch {
	case len(s) == CanonicalLength:
		return s, nil
	case len(s) > CanonicalLength:
		excess := s[:len(s)-CanonicalLength]
		if strings.Trim(excess, "0") != "" {
			return "", fmt.Errorf("%w: %d digits exceeds %d", ErrMalformedIdentifier, len(s), CanonicalLength)
		}
		return s[len(s)-CanonicalLength:], nil
	case len(s) < n.MinSignificantDigits:
		return "", fmt.Errorf("%w: %d digits looks truncated", ErrMalformedIdentifier, len(s))
	default:
		return strings.Repeat("0", CanonicalLength-len(s)) + s, nil
	}
}

// Ref returns the tri-state reference for a raw condition id.
func (n *Normalizer) Ref(raw string) model.ConditionRef {
	norm, err := n.Condition(raw)
	if err != nil {
		return model.ConditionRef{Raw: raw}
	}
	return model.ConditionRef{Norm: norm, Raw: raw, Valid: true}
}

// Wallet canonicalizes a wallet address: trimmed and lowercased.
func Wallet(raw string) (string, error) {
	w := strings.ToLower(strings.TrimSpace(raw))
	if w == "" {
		return "", ErrEmptyIdentifier
	}
	return w, nil
}

// MarketID trims surrounding whitespace; market ids are opaque otherwise.
func MarketID(raw string) string {
	return strings.TrimSpace(raw)
}
