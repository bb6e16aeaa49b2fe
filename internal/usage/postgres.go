package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store over the usage_tracker table.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: logger.With().Str("component", "usage_store").Logger(),
	}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	var cost interface{}
	if rec.Cost != nil {
		cost = *rec.Cost
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_tracker (
			id, user_id, provider_key_id, forge_key_id,
			requested_model, model, endpoint,
			input_tokens, output_tokens, cached_tokens, reasoning_tokens,
			cost, currency, pricing_source, billable, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		rec.ID, rec.UserID, rec.ProviderKeyID, rec.ForgeKeyID,
		rec.RequestedModel, rec.Model, rec.Endpoint,
		rec.InputTokens, rec.OutputTokens, rec.CachedTokens, rec.ReasoningTokens,
		cost, nullString(rec.Currency), nullString(rec.PricingSource), rec.Billable, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("usage insert %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID int64, since time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider_key_id, forge_key_id,
		       requested_model, model, endpoint,
		       input_tokens, output_tokens, cached_tokens, reasoning_tokens,
		       cost, currency, pricing_source, billable, created_at
		FROM usage_tracker
		WHERE user_id = $1
		  AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("usage list for user %d: %w", userID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec      Record
			cost     decimal.NullDecimal
			currency sql.NullString
			source   sql.NullString
		)
		err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.ProviderKeyID, &rec.ForgeKeyID,
			&rec.RequestedModel, &rec.Model, &rec.Endpoint,
			&rec.InputTokens, &rec.OutputTokens, &rec.CachedTokens, &rec.ReasoningTokens,
			&cost, &currency, &source, &rec.Billable, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("usage scan for user %d: %w", userID, err)
		}
		if cost.Valid {
			c := cost.Decimal
			rec.Cost = &c
		}
		rec.Currency = currency.String
		rec.PricingSource = source.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage iteration for user %d: %w", userID, err)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
