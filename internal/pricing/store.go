package pricing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store over the model_pricing and
// fallback_pricing tables.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: logger.With().Str("component", "pricing_store").Logger(),
	}
}

const priceColumns = `input_token_price, output_token_price, cached_token_price, currency, effective_date, end_date`

// scanPrice scans one price row. sql.ErrNoRows maps to (nil, nil): the
// absence of a price at one fallback level is not an error.
func scanPrice(row *sql.Row) (*Price, error) {
	var (
		p       Price
		in, out decimal.Decimal
		cached  decimal.Decimal
		endDate sql.NullTime
	)
	err := row.Scan(&in, &out, &cached, &p.Currency, &p.EffectiveDate, &endDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.InputTokenPrice = in
	p.OutputTokenPrice = out
	p.CachedTokenPrice = cached
	if endDate.Valid {
		t := endDate.Time
		p.EndDate = &t
	}
	return &p, nil
}

// ExactPrice returns the exact (provider, model) price in effect at
// asOf. When several windows cover asOf the latest effective_date wins.
func (s *PostgresStore) ExactPrice(ctx context.Context, provider, model string, asOf time.Time) (*Price, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+priceColumns+`
		FROM model_pricing
		WHERE provider_name = $1
		  AND model_name = $2
		  AND deleted_at IS NULL
		  AND effective_date <= $3
		  AND (end_date IS NULL OR end_date > $3)
		ORDER BY effective_date DESC
		LIMIT 1
	`, provider, model, asOf)

	price, err := scanPrice(row)
	if err != nil {
		return nil, fmt.Errorf("exact price lookup for %s/%s: %w", provider, model, err)
	}
	return price, nil
}

// ModelDefaultPrice returns the model-level default in effect at asOf,
// matching on model name across all providers.
func (s *PostgresStore) ModelDefaultPrice(ctx context.Context, model string, asOf time.Time) (*Price, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+priceColumns+`
		FROM fallback_pricing
		WHERE fallback_type = 'model_default'
		  AND model_name = $1
		  AND deleted_at IS NULL
		  AND effective_date <= $2
		  AND (end_date IS NULL OR end_date > $2)
		ORDER BY effective_date DESC
		LIMIT 1
	`, model, asOf)

	price, err := scanPrice(row)
	if err != nil {
		return nil, fmt.Errorf("model default price lookup for %s: %w", model, err)
	}
	return price, nil
}

// ProviderDefaultPrice returns the provider-level default in effect at
// asOf.
func (s *PostgresStore) ProviderDefaultPrice(ctx context.Context, provider string, asOf time.Time) (*Price, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+priceColumns+`
		FROM fallback_pricing
		WHERE fallback_type = 'provider_default'
		  AND provider_name = $1
		  AND deleted_at IS NULL
		  AND effective_date <= $2
		  AND (end_date IS NULL OR end_date > $2)
		ORDER BY effective_date DESC
		LIMIT 1
	`, provider, asOf)

	price, err := scanPrice(row)
	if err != nil {
		return nil, fmt.Errorf("provider default price lookup for %s: %w", provider, err)
	}
	return price, nil
}

// GlobalDefaultPrice returns the catch-all price in effect at asOf.
func (s *PostgresStore) GlobalDefaultPrice(ctx context.Context, asOf time.Time) (*Price, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+priceColumns+`
		FROM fallback_pricing
		WHERE fallback_type = 'global_default'
		  AND deleted_at IS NULL
		  AND effective_date <= $1
		  AND (end_date IS NULL OR end_date > $1)
		ORDER BY effective_date DESC
		LIMIT 1
	`, asOf)

	price, err := scanPrice(row)
	if err != nil {
		return nil, fmt.Errorf("global default price lookup: %w", err)
	}
	return price, nil
}
