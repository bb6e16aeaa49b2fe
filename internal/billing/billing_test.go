package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/crucible/internal/catalog"
	"github.com/forgelabs/crucible/internal/pricing"
	"github.com/forgelabs/crucible/internal/usage"
	"github.com/forgelabs/crucible/internal/wallet"
)

var chargeTime = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// matcherResolver adapts a bare Matcher to the ModelResolver interface
// so tests run without a catalog loader or database.
type matcherResolver struct{ m *catalog.Matcher }

func (r matcherResolver) Resolve(query string) (*catalog.Match, error) {
	return r.m.BestMatch(query, catalog.DefaultMinConfidence)
}

type fixture struct {
	orchestrator *Orchestrator
	wallets      *wallet.MemoryStore
	usage        *usage.MemoryStore
}

func newFixture(t *testing.T, balance string) *fixture {
	t.Helper()

	prices := pricing.NewMemoryStore()
	prices.AddExact("openai", "gpt-4.1-mini-2025-04-14", pricing.Price{
		InputTokenPrice:  decimal.RequireFromString("0.00001"),
		OutputTokenPrice: decimal.RequireFromString("0.00002"),
		CachedTokenPrice: decimal.RequireFromString("0.000005"),
		Currency:         "USD",
		EffectiveDate:    chargeTime.AddDate(0, -1, 0),
	})

	wallets := wallet.NewMemoryStore()
	_, err := wallets.Create(context.Background(), 1, "USD", decimal.RequireFromString(balance))
	require.NoError(t, err)

	usageStore := usage.NewMemoryStore()

	policy := wallet.DefaultDebitPolicy()
	policy.InitialBackoff = time.Millisecond

	f := &fixture{
		wallets: wallets,
		usage:   usageStore,
	}
	f.orchestrator = NewOrchestrator(
		matcherResolver{catalog.NewMatcher([]string{"gpt-4.1-mini-2025-04-14"})},
		pricing.NewResolver(prices, nil, zerolog.Nop()),
		wallet.NewLedger(wallets, policy, zerolog.Nop()),
		usage.NewRecorder(usageStore, zerolog.Nop()),
		zerolog.Nop(),
	)
	return f
}

func billableRequest() ChargeRequest {
	return ChargeRequest{
		UserID:    1,
		AccountID: 1,
		Provider:  "openai",
		Model:     "gpt-4.1-mini@2025-04-14",
		Endpoint:  "/v1/chat/completions",
		Tokens:    pricing.TokenCounts{Input: 1000, Output: 500, Cached: 200},
		Billable:  true,
		AsOf:      chargeTime,
	}
}

func TestChargeSuccess(t *testing.T) {
	f := newFixture(t, "1")

	result, err := f.orchestrator.Charge(context.Background(), billableRequest())
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, "gpt-4.1-mini-2025-04-14", result.Model)
	assert.Equal(t, pricing.SourceExact, result.PricingSource)
	require.NotNil(t, result.Cost)
	assert.True(t, result.Cost.Total.Equal(decimal.RequireFromString("0.021")))
	require.NotNil(t, result.Balance)
	assert.True(t, result.Balance.Equal(decimal.RequireFromString("0.979")))
	assert.NotEmpty(t, result.UsageID)

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.True(t, records[0].Billable)
	assert.Equal(t, "exact", records[0].PricingSource)
	assert.Equal(t, "gpt-4.1-mini@2025-04-14", records[0].RequestedModel)
	assert.Equal(t, "gpt-4.1-mini-2025-04-14", records[0].Model)
	require.NotNil(t, records[0].Cost)
	assert.True(t, records[0].Cost.Equal(decimal.RequireFromString("0.021")))
}

func TestChargeUnresolvedModelLeavesWalletUntouched(t *testing.T) {
	f := newFixture(t, "1")

	req := billableRequest()
	req.Model = "zzz-9000"
	result, err := f.orchestrator.Charge(context.Background(), req)

	assert.True(t, errors.Is(err, catalog.ErrUnresolvedModel))
	assert.Equal(t, StateFailed, result.State)

	w, err := f.wallets.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("1")))

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.False(t, records[0].Billable)
	assert.Equal(t, "zzz-9000", records[0].RequestedModel)
	assert.Empty(t, records[0].Model)
	assert.Nil(t, records[0].Cost)
}

func TestChargeNonBillableSkipsDebit(t *testing.T) {
	f := newFixture(t, "1")

	req := billableRequest()
	req.Billable = false
	result, err := f.orchestrator.Charge(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Nil(t, result.Balance)
	require.NotNil(t, result.Cost)
	assert.True(t, result.Cost.Total.Equal(decimal.RequireFromString("0.021")))

	w, err := f.wallets.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("1")))

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.False(t, records[0].Billable)
	require.NotNil(t, records[0].Cost, "non-billable usage still carries the computed cost")
}

func TestChargeInsufficientFundsRecordsNonBillable(t *testing.T) {
	f := newFixture(t, "0.01")

	result, err := f.orchestrator.Charge(context.Background(), billableRequest())

	assert.True(t, errors.Is(err, wallet.ErrInsufficientFunds))
	assert.Equal(t, StateFailed, result.State)

	w, err := f.wallets.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("0.01")))

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.False(t, records[0].Billable)
	require.NotNil(t, records[0].Cost, "declined charge still records what it would have cost")
	assert.True(t, records[0].Cost.Equal(decimal.RequireFromString("0.021")))
}

func TestChargePricingConfigurationFailure(t *testing.T) {
	f := newFixture(t, "1")

	req := billableRequest()
	req.Provider = "anthropic"
	req.Model = "gpt-4.1-mini-2025-04-14" // resolves, but no price for this provider and no defaults
	result, err := f.orchestrator.Charge(context.Background(), req)

	assert.True(t, errors.Is(err, pricing.ErrPricingConfiguration))
	assert.Equal(t, StateFailed, result.State)

	w, err := f.wallets.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("1")))
}

func TestChargeRecordingFailureAfterDebit(t *testing.T) {
	f := newFixture(t, "1")
	f.usage.FailInsert = errors.New("disk full")

	result, err := f.orchestrator.Charge(context.Background(), billableRequest())

	assert.True(t, errors.Is(err, usage.ErrRecordingFailure))
	assert.Equal(t, StateFailed, result.State)

	// The debit stands: money moved before recording failed.
	w, err := f.wallets.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("0.979")))
}

func TestChargeZeroCostSkipsDebit(t *testing.T) {
	f := newFixture(t, "1")

	req := billableRequest()
	req.Tokens = pricing.TokenCounts{}
	result, err := f.orchestrator.Charge(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StateDone, result.State)
	assert.Nil(t, result.Balance)

	w, err := f.wallets.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Version, "zero-cost charge must not touch the wallet")

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.True(t, records[0].Billable)
}

func TestChargeSurvivesCanceledContext(t *testing.T) {
	f := newFixture(t, "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The commit phase runs on a detached context, so a cancellation
	// arriving before the debit must not lose the charge.
	result, err := f.orchestrator.Charge(ctx, billableRequest())
	require.NoError(t, err)
	assert.Equal(t, StateDone, result.State)

	w, err := f.wallets.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, w.Balance.Equal(decimal.RequireFromString("0.979")))
}
