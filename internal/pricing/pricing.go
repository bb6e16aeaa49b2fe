// Package pricing resolves the token prices in effect for a (provider,
// model) pair at a point in time and computes request costs from them.
//
// Prices live in two tables. model_pricing holds exact per-(provider,
// model) rows; fallback_pricing holds progressively less specific
// defaults. Resolution walks the chain
//
//	exact -> model_default -> provider_default -> global_default
//
// and returns the first hit, tagged with its source so usage rows record
// how precise the billed price was. A gateway with no global default is
// misconfigured: resolution then fails hard rather than guessing a price.
//
// All monetary values are decimal.Decimal. Token prices are per token,
// not per thousand, and arithmetic is exact at the stored scale.
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPricingConfiguration indicates the fallback chain is exhausted,
// meaning no global default price exists. This is an operator error, not
// a request error.
var ErrPricingConfiguration = errors.New("pricing configuration error: no price found and no global default configured")

// Source identifies which level of the fallback chain produced a price.
type Source string

const (
	SourceExact           Source = "exact"
	SourceModelDefault    Source = "model_default"
	SourceProviderDefault Source = "provider_default"
	SourceGlobalDefault   Source = "global_default"
)

// Price is a set of per-token prices valid for some temporal window.
type Price struct {
	InputTokenPrice  decimal.Decimal `json:"input_token_price"`
	OutputTokenPrice decimal.Decimal `json:"output_token_price"`
	CachedTokenPrice decimal.Decimal `json:"cached_token_price"`
	Currency         string          `json:"currency"`
	EffectiveDate    time.Time       `json:"effective_date"`
	EndDate          *time.Time      `json:"end_date,omitempty"`
}

// Resolved is a price together with the fallback level that produced it.
type Resolved struct {
	Price  Price  `json:"price"`
	Source Source `json:"source"`
}

// Store answers point-in-time price lookups at each level of the
// fallback chain. Every method returns (nil, nil) when no row covers
// asOf; errors are reserved for query failures.
type Store interface {
	ExactPrice(ctx context.Context, provider, model string, asOf time.Time) (*Price, error)
	ModelDefaultPrice(ctx context.Context, model string, asOf time.Time) (*Price, error)
	ProviderDefaultPrice(ctx context.Context, provider string, asOf time.Time) (*Price, error)
	GlobalDefaultPrice(ctx context.Context, asOf time.Time) (*Price, error)
}

// covers reports whether the price's window contains asOf. The window is
// half-open: effective_date inclusive, end_date exclusive.
func (p *Price) covers(asOf time.Time) bool {
	if asOf.Before(p.EffectiveDate) {
		return false
	}
	return p.EndDate == nil || asOf.Before(*p.EndDate)
}
