// Package usage records one immutable row per metered request. Usage
// rows are the audit trail behind every balance movement: billable rows
// explain debits, non-billable rows explain why a request was declined
// or went uncharged.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrRecordingFailure indicates a usage row could not be persisted.
// When this happens after a successful debit, money moved without an
// audit trail, which the billing pipeline escalates loudly.
var ErrRecordingFailure = errors.New("usage recording failed")

// Record is one metered request. RequestedModel preserves the client's
// spelling; Model is the catalog entry it resolved to. Cost is nil when
// the request never reached costing.
type Record struct {
	ID              uuid.UUID        `json:"id"`
	UserID          int64            `json:"user_id"`
	ProviderKeyID   int64            `json:"provider_key_id"`
	ForgeKeyID      int64            `json:"forge_key_id"`
	RequestedModel  string           `json:"requested_model"`
	Model           string           `json:"model"`
	Endpoint        string           `json:"endpoint"`
	InputTokens     int64            `json:"input_tokens"`
	OutputTokens    int64            `json:"output_tokens"`
	CachedTokens    int64            `json:"cached_tokens"`
	ReasoningTokens int64            `json:"reasoning_tokens"`
	Cost            *decimal.Decimal `json:"cost,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	PricingSource   string           `json:"pricing_source,omitempty"`
	Billable        bool             `json:"billable"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Store persists usage records.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	ListByUser(ctx context.Context, userID int64, since time.Time, limit int) ([]Record, error)
}

// Recorder assigns identity and timestamps to records on their way to
// the store.
type Recorder struct {
	store Store
	log   zerolog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store: store,
		log:   logger.With().Str("component", "usage_recorder").Logger(),
	}
}

// Record persists one usage row, generating its ID and timestamp if
// unset. A storage failure wraps ErrRecordingFailure so callers can
// distinguish an unrecorded charge from every other failure mode.
func (r *Recorder) Record(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		r.log.Error().
			Err(err).
			Str("usage_id", rec.ID.String()).
			Int64("user_id", rec.UserID).
			Bool("billable", rec.Billable).
			Msg("usage insert failed")
		return errors.Join(ErrRecordingFailure, err)
	}

	r.log.Debug().
		Str("usage_id", rec.ID.String()).
		Int64("user_id", rec.UserID).
		Str("model", rec.Model).
		Bool("billable", rec.Billable).
		Msg("usage recorded")
	return nil
}

// ListByUser returns a user's usage rows newest first.
func (r *Recorder) ListByUser(ctx context.Context, userID int64, since time.Time, limit int) ([]Record, error) {
	return r.store.ListByUser(ctx, userID, since, limit)
}
