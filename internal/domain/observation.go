// Package domain holds the canonical price-observation model shared by
// ingestion, storage, query, and subscription.
package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/feedmesh/pricefeed/internal/apierr"
)

// symbolPattern matches canonical BASE/QUOTE pairs: uppercase ASCII
// letters, length >= 2 on each side.
var symbolPattern = regexp.MustCompile(`^[A-Z]{2,}/[A-Z]{2,}$`)

// Observation is a single normalized price observation.
type Observation struct {
	ID          uuid.UUID         `json:"id"`
	Symbol      string            `json:"symbol"`
	Price       decimal.Decimal   `json:"price"`
	Volume      *decimal.Decimal  `json:"volume,omitempty"`
	Source      string            `json:"source"`
	Timestamp   time.Time         `json:"timestamp"`
	WorkerID    string            `json:"worker_id"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	IngestedAt  time.Time         `json:"ingested_at"`
}

// AliasConfig resolves cross-exchange symbol aliases. Both maps are
// deployment-owned and default empty (no aliasing).
type AliasConfig struct {
	Base  map[string]string
	Quote map[string]string
}

// Canonicalize trims whitespace, upper-cases both halves of the symbol,
// and applies the configured base/quote alias maps. It never mutates the
// price/volume representation beyond normalizing to the decimal type.
func Canonicalize(symbol string, aliases AliasConfig) string {
	symbol = strings.TrimSpace(symbol)
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return strings.ToUpper(symbol)
	}
	base := strings.ToUpper(strings.TrimSpace(parts[0]))
	quote := strings.ToUpper(strings.TrimSpace(parts[1]))
	if aliases.Base != nil {
		if alias, ok := aliases.Base[base]; ok {
			base = alias
		}
	}
	if aliases.Quote != nil {
		if alias, ok := aliases.Quote[quote]; ok {
			quote = alias
		}
	}
	return base + "/" + quote
}

// ValidSymbol reports whether symbol matches the canonical BASE/QUOTE
// pattern.
func ValidSymbol(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}

// Validate checks field-level invariants and clock-skew
// tolerance against a reference "now"). It returns the taxonomy error
// directly so callers can propagate it without re-wrapping.
func (o Observation) Validate(now time.Time, skew time.Duration) *apierr.Error {
	if !ValidSymbol(o.Symbol) {
		return apierr.New(apierr.CodeValidation, "invalid symbol").
			WithDetail("field", "symbol").
			WithDetail("reason", fmt.Sprintf("%q does not match ^[A-Z]{2,}/[A-Z]{2,}$", o.Symbol))
	}
	if o.Price.IsNegative() {
		return apierr.New(apierr.CodeValidation, "price must be non-negative").
			WithDetail("field", "price")
	}
	if o.Volume != nil && o.Volume.IsNegative() {
		return apierr.New(apierr.CodeValidation, "volume must be non-negative").
			WithDetail("field", "volume")
	}
	if o.Source == "" {
		return apierr.New(apierr.CodeValidation, "source is required").
			WithDetail("field", "source")
	}
	if o.Timestamp.IsZero() {
		return apierr.New(apierr.CodeValidation, "timestamp is required").
			WithDetail("field", "timestamp")
	}
	if o.Timestamp.After(now.Add(skew)) {
		return apierr.New(apierr.CodeValidation, "timestamp too far in the future").
			WithDetail("field", "timestamp").
			WithDetail("reason", "timestamp exceeds clock-skew tolerance")
	}
	if now.Sub(o.Timestamp) > skew {
		return apierr.New(apierr.CodeValidation, "timestamp too far in the past").
			WithDetail("field", "timestamp").
			WithDetail("reason", "timestamp exceeds clock-skew tolerance")
	}
	return nil
}

// StalenessMS returns how many milliseconds old the observation is
// relative to now, used by the latest-observation response.
func (o Observation) StalenessMS(now time.Time) int64 {
	return now.Sub(o.Timestamp).Milliseconds()
}
