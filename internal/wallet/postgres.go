package wallet

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store over the wallets table.
type PostgresStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: logger.With().Str("component", "wallet_store").Logger(),
	}
}

func (s *PostgresStore) Get(ctx context.Context, accountID int64) (*Wallet, error) {
	var w Wallet
	err := s.db.QueryRowContext(ctx, `
		SELECT account_id, currency, balance, blocked, version, created_at, updated_at
		FROM wallets
		WHERE account_id = $1
	`, accountID).Scan(&w.AccountID, &w.Currency, &w.Balance, &w.Blocked, &w.Version, &w.CreatedAt, &w.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w (account=%d)", ErrWalletNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("wallet read for account %d: %w", accountID, err)
	}
	return &w, nil
}

func (s *PostgresStore) Create(ctx context.Context, accountID int64, currency string, initialBalance decimal.Decimal) (*Wallet, error) {
	var w Wallet
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO wallets (account_id, currency, balance, blocked, version)
		VALUES ($1, $2, $3, FALSE, 0)
		ON CONFLICT (account_id) DO NOTHING
		RETURNING account_id, currency, balance, blocked, version, created_at, updated_at
	`, accountID, currency, initialBalance).Scan(&w.AccountID, &w.Currency, &w.Balance, &w.Blocked, &w.Version, &w.CreatedAt, &w.UpdatedAt)

	// DO NOTHING returns no row when the wallet already exists; a lost
	// creation race just reads the winner's row back.
	if err == sql.ErrNoRows {
		return s.Get(ctx, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("wallet create for account %d: %w", accountID, err)
	}
	return &w, nil
}

// ApplyDelta is the single-statement compare-and-swap. The WHERE clause
// carries the version guard; RowsAffected distinguishes a clean miss
// from a write.
func (s *PostgresStore) ApplyDelta(ctx context.Context, accountID int64, delta decimal.Decimal, expectVersion int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance + $1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE account_id = $2
		  AND version = $3
	`, delta, accountID, expectVersion)
	if err != nil {
		return false, fmt.Errorf("wallet delta for account %d: %w", accountID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("wallet delta for account %d: %w", accountID, err)
	}
	return affected == 1, nil
}

func (s *PostgresStore) SetBlocked(ctx context.Context, accountID int64, blocked bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET blocked = $1,
		    updated_at = NOW()
		WHERE account_id = $2
	`, blocked, accountID)
	if err != nil {
		return fmt.Errorf("wallet block update for account %d: %w", accountID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("wallet block update for account %d: %w", accountID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w (account=%d)", ErrWalletNotFound, accountID)
	}
	return nil
}
