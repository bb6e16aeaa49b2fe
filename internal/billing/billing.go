// Package billing drives the metering pipeline for one request:
//
//	resolve model -> resolve price -> compute cost -> debit wallet -> record usage
//
// Each stage either advances the charge or fails it. Failures before the
// debit are harmless: no money has moved, and a best-effort usage row
// documents the attempt. A failure after the debit is the one state this
// package refuses to be quiet about, because the balance changed without
// its audit row.
package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/forgelabs/crucible/internal/catalog"
	"github.com/forgelabs/crucible/internal/pricing"
	"github.com/forgelabs/crucible/internal/usage"
	"github.com/forgelabs/crucible/internal/wallet"
)

// State is the stage a charge is in. Terminal states are StateDone and
// StateFailed.
type State string

const (
	StateResolving State = "resolving"
	StatePricing   State = "pricing"
	StateCosting   State = "costing"
	StateDebiting  State = "debiting"
	StateRecording State = "recording"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// ModelResolver matches a requested model name to a catalog entry.
type ModelResolver interface {
	Resolve(requestedModel string) (*catalog.Match, error)
}

// PriceResolver returns the price in effect for a (provider, model) at
// a point in time.
type PriceResolver interface {
	Resolve(ctx context.Context, provider, model string, asOf time.Time) (*pricing.Resolved, error)
}

// Debiter subtracts from a wallet under the ledger's concurrency
// protocol.
type Debiter interface {
	Debit(ctx context.Context, accountID int64, amount decimal.Decimal, currency string) (*wallet.Wallet, error)
}

// UsageRecorder persists one usage row per charge.
type UsageRecorder interface {
	Record(ctx context.Context, rec *usage.Record) error
}

// ChargeRequest is everything the pipeline needs to meter one request.
type ChargeRequest struct {
	UserID        int64               `json:"user_id"`
	AccountID     int64               `json:"account_id"`
	ProviderKeyID int64               `json:"provider_key_id"`
	ForgeKeyID    int64               `json:"forge_key_id"`
	Provider      string              `json:"provider"`
	Model         string              `json:"model"`
	Endpoint      string              `json:"endpoint"`
	Tokens        pricing.TokenCounts `json:"tokens"`

	// Billable false means the request is metered but not charged, e.g.
	// traffic on a bring-your-own-key credential.
	Billable bool `json:"billable"`

	// AsOf selects the pricing window. Zero means now.
	AsOf time.Time `json:"as_of,omitempty"`
}

// ChargeResult reports how far a charge got and what it produced.
type ChargeResult struct {
	State         State            `json:"state"`
	Model         string           `json:"model"`
	Confidence    float64          `json:"confidence"`
	PricingSource pricing.Source   `json:"pricing_source,omitempty"`
	Cost          *pricing.Cost    `json:"cost,omitempty"`
	Balance       *decimal.Decimal `json:"balance,omitempty"`
	UsageID       string           `json:"usage_id,omitempty"`
}
