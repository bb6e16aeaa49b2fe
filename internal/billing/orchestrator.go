package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgelabs/crucible/internal/pricing"
	"github.com/forgelabs/crucible/internal/usage"
)

// Orchestrator runs the charge pipeline.
type Orchestrator struct {
	models   ModelResolver
	prices   PriceResolver
	ledger   Debiter
	recorder UsageRecorder
	log      zerolog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(models ModelResolver, prices PriceResolver, ledger Debiter, recorder UsageRecorder, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		models:   models,
		prices:   prices,
		ledger:   ledger,
		recorder: recorder,
		log:      logger.With().Str("component", "billing").Logger(),
	}
}

// Charge meters one request end to end.
//
// Failures before the debit leave the wallet untouched and produce a
// non-billable usage row on a best-effort basis. The debit and the
// billable usage row run on a context detached from cancellation: once
// the pipeline commits to moving money, a client hanging up must not
// leave the charge half-applied.
//
// The returned ChargeResult is populated as far as the pipeline got,
// even on error.
func (o *Orchestrator) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	start := time.Now()
	defer func() { chargeDuration.Observe(time.Since(start).Seconds()) }()

	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	result := &ChargeResult{State: StateResolving}

	match, err := o.models.Resolve(req.Model)
	if err != nil {
		o.log.Warn().
			Err(err).
			Str("requested_model", req.Model).
			Int64("user_id", req.UserID).
			Msg("model resolution failed, request not charged")
		o.recordFailure(ctx, req, result, nil)
		return o.fail(result, "unresolved_model", err)
	}
	result.Model = match.Model
	result.Confidence = match.Confidence

	result.State = StatePricing
	resolved, err := o.prices.Resolve(ctx, req.Provider, match.Model, asOf)
	if err != nil {
		o.log.Error().
			Err(err).
			Str("provider", req.Provider).
			Str("model", match.Model).
			Msg("price resolution failed, request not charged")
		o.recordFailure(ctx, req, result, nil)
		return o.fail(result, "pricing_failure", err)
	}
	result.PricingSource = resolved.Source

	result.State = StateCosting
	cost := pricing.CalculateCost(req.Tokens, resolved)
	result.Cost = &cost

	if !req.Billable {
		result.State = StateRecording
		rec := o.buildRecord(req, result, &cost)
		rec.Billable = false
		if err := o.recorder.Record(ctx, rec); err != nil {
			return o.fail(result, "recording_failure", err)
		}
		result.UsageID = rec.ID.String()
		result.State = StateDone
		chargesTotal.WithLabelValues("non_billable").Inc()
		return result, nil
	}

	// Past this point the charge must complete even if the caller goes
	// away. The ledger write is authoritative; cancellation mid-debit
	// would make the outcome ambiguous.
	commitCtx := context.WithoutCancel(ctx)

	result.State = StateDebiting
	if cost.Total.IsPositive() {
		w, err := o.ledger.Debit(commitCtx, req.AccountID, cost.Total, cost.Currency)
		if err != nil {
			o.log.Warn().
				Err(err).
				Int64("account_id", req.AccountID).
				Str("amount", cost.Total.String()).
				Msg("debit failed, usage kept as non-billable")
			o.recordFailure(commitCtx, req, result, &cost)
			return o.fail(result, "debit_failure", err)
		}
		result.Balance = &w.Balance
	}

	result.State = StateRecording
	rec := o.buildRecord(req, result, &cost)
	rec.Billable = true
	if err := o.recorder.Record(commitCtx, rec); err != nil {
		// Money moved and the audit row is gone. There is no safe
		// automatic compensation, so escalate for reconciliation.
		recordingFailuresTotal.Inc()
		o.log.Error().
			Err(err).
			Int64("account_id", req.AccountID).
			Str("amount", cost.Total.String()).
			Str("model", result.Model).
			Msg("debit applied but usage row lost, manual reconciliation required")
		return o.fail(result, "recording_failure", fmt.Errorf("charge applied but not recorded: %w", err))
	}
	result.UsageID = rec.ID.String()

	result.State = StateDone
	chargesTotal.WithLabelValues("success").Inc()
	o.log.Info().
		Int64("user_id", req.UserID).
		Str("model", result.Model).
		Str("source", string(result.PricingSource)).
		Str("cost", cost.Total.String()).
		Msg("charge complete")
	return result, nil
}

func (o *Orchestrator) fail(result *ChargeResult, outcome string, err error) (*ChargeResult, error) {
	result.State = StateFailed
	chargesTotal.WithLabelValues(outcome).Inc()
	return result, err
}

// recordFailure writes the non-billable audit row for a charge that
// died before or during the debit. Best effort: the primary error is
// already on its way to the caller.
func (o *Orchestrator) recordFailure(ctx context.Context, req ChargeRequest, result *ChargeResult, cost *pricing.Cost) {
	rec := o.buildRecord(req, result, cost)
	rec.Billable = false
	if err := o.recorder.Record(ctx, rec); err != nil {
		o.log.Error().Err(err).Int64("user_id", req.UserID).Msg("failure audit row lost")
	}
}

func (o *Orchestrator) buildRecord(req ChargeRequest, result *ChargeResult, cost *pricing.Cost) *usage.Record {
	rec := &usage.Record{
		UserID:          req.UserID,
		ProviderKeyID:   req.ProviderKeyID,
		ForgeKeyID:      req.ForgeKeyID,
		RequestedModel:  req.Model,
		Model:           result.Model,
		Endpoint:        req.Endpoint,
		InputTokens:     req.Tokens.Input,
		OutputTokens:    req.Tokens.Output,
		CachedTokens:    req.Tokens.Cached,
		ReasoningTokens: req.Tokens.Reasoning,
	}
	if cost != nil {
		total := cost.Total
		rec.Cost = &total
		rec.Currency = cost.Currency
		rec.PricingSource = string(cost.Source)
	}
	return rec
}
