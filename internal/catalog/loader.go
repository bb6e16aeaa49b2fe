package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Snapshot is an immutable view of the priced-model catalog plus the
// matcher built over it. Resolution always runs against one snapshot, so a
// concurrent refresh can never tear a half-updated catalog.
type Snapshot struct {
	matcher  *Matcher
	loadedAt time.Time
}

// NewSnapshot builds a snapshot directly from a list of model names.
// Used by tests and by callers that manage their own catalog source.
func NewSnapshot(models []string) *Snapshot {
	return &Snapshot{matcher: NewMatcher(models), loadedAt: time.Now().UTC()}
}

// Size returns the number of catalog entries in the snapshot.
func (s *Snapshot) Size() int { return s.matcher.Size() }

// LoadedAt returns when the snapshot was published.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Loader keeps the in-memory catalog in sync with the pricing tables.
//
// The pricing tables are the source of truth for which models exist, but
// hitting PostgreSQL on every resolution would put a query on the hot path
// of every request. Instead the loader publishes immutable snapshots via an
// atomic pointer: resolution reads whatever snapshot is current, and a
// background refresh swaps in a new one when pricing rows change.
//
// A snapshot can be stale by up to one refresh interval. That is safe in
// both directions: a model added moments ago fails resolution until the
// next refresh (the request is declined, not mispriced), and a model
// soft-deleted moments ago still resolves to a name whose historical price
// remains valid for in-flight usage.
type Loader struct {
	db            *sql.DB
	log           zerolog.Logger
	minConfidence float64

	snap   atomic.Pointer[Snapshot]
	stopCh chan struct{}
}

// NewLoader creates a Loader. Refresh must be called once before the
// loader can resolve anything.
func NewLoader(db *sql.DB, logger zerolog.Logger) *Loader {
	return &Loader{
		db:            db,
		log:           logger.With().Str("component", "catalog_loader").Logger(),
		minConfidence: DefaultMinConfidence,
		stopCh:        make(chan struct{}),
	}
}

// Refresh queries the pricing tables for every resolvable model name and
// publishes a new snapshot. Names come from non-deleted model_pricing rows
// and from model_default fallback rows, which are resolvable even without
// an exact (provider, model) price.
func (l *Loader) Refresh(ctx context.Context) error {
	start := time.Now()

	rows, err := l.db.QueryContext(ctx, `
		SELECT DISTINCT model_name FROM model_pricing
		WHERE deleted_at IS NULL
		UNION
		SELECT DISTINCT model_name FROM fallback_pricing
		WHERE fallback_type = 'model_default'
		  AND model_name IS NOT NULL
		  AND deleted_at IS NULL
	`)
	if err != nil {
		return fmt.Errorf("catalog query failed: %w", err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("catalog scan failed: %w", err)
		}
		models = append(models, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("catalog row iteration failed: %w", err)
	}

	l.Publish(NewSnapshot(models))

	l.log.Info().
		Int("model_count", len(models)).
		Dur("duration", time.Since(start)).
		Msg("catalog snapshot published")

	return nil
}

// Publish swaps in a prebuilt snapshot. Exposed so tests and seed tooling
// can install a catalog without a database.
func (l *Loader) Publish(snap *Snapshot) {
	l.snap.Store(snap)
}

// Snapshot returns the currently published snapshot, or nil before the
// first Refresh.
func (l *Loader) Snapshot() *Snapshot {
	return l.snap.Load()
}

// Resolve matches a requested model name against the current snapshot.
func (l *Loader) Resolve(requestedModel string) (*Match, error) {
	snap := l.snap.Load()
	if snap == nil {
		return nil, fmt.Errorf("catalog not loaded")
	}
	return snap.matcher.BestMatch(requestedModel, l.minConfidence)
}

// FindAllMatches returns a ranked list of candidate matches for callers
// that need disambiguation rather than a single answer.
func (l *Loader) FindAllMatches(requestedModel string, limit int) []Match {
	snap := l.snap.Load()
	if snap == nil {
		return nil
	}
	return snap.matcher.FindAllMatches(requestedModel, l.minConfidence, limit)
}

// StartPeriodicRefresh refreshes the catalog in the background until Stop
// is called. Refresh failures are logged and retried on the next tick; the
// previous snapshot stays in service.
func (l *Loader) StartPeriodicRefresh(interval time.Duration) {
	if interval == 0 {
		interval = 5 * time.Minute
	}

	l.log.Info().Dur("interval", interval).Msg("starting periodic catalog refresh")

	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := l.Refresh(ctx); err != nil {
					l.log.Error().Err(err).Msg("catalog refresh failed")
				}
				cancel()

			case <-l.stopCh:
				ticker.Stop()
				l.log.Info().Msg("periodic catalog refresh stopped")
				return
			}
		}
	}()
}

// Stop stops the periodic refresh goroutine.
func (l *Loader) Stop() {
	close(l.stopCh)
}
