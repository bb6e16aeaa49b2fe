package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_pricing_resolutions_total",
		Help: "Price resolutions by fallback source",
	}, []string{"source"})

	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_pricing_cache_total",
		Help: "Price cache lookups by outcome",
	}, []string{"outcome"})
)

// Cache TTLs. Exact prices change rarely and can live longer; fallback
// prices are a stopgap and should be re-resolved sooner so a newly added
// exact price takes over within half a day.
const (
	exactCacheTTL    = 24 * time.Hour
	fallbackCacheTTL = 12 * time.Hour
)

// Resolver walks the fallback chain for a (provider, model) pair at a
// point in time, with an optional Redis read-through cache in front of
// the store. A nil redis client disables caching entirely.
type Resolver struct {
	store Store
	redis *redis.Client
	log   zerolog.Logger
}

// NewResolver creates a Resolver. redisClient may be nil.
func NewResolver(store Store, redisClient *redis.Client, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store: store,
		redis: redisClient,
		log:   logger.With().Str("component", "pricing_resolver").Logger(),
	}
}

// Resolve returns the price in effect for (provider, model) at asOf,
// tagged with its fallback source. When every level misses it returns
// ErrPricingConfiguration: the absence of a global default means the
// pricing tables are unusable, and that must surface loudly.
func (r *Resolver) Resolve(ctx context.Context, provider, model string, asOf time.Time) (*Resolved, error) {
	cacheKey := fmt.Sprintf("pricing:%s:%s:%s", provider, model, asOf.UTC().Format("2006-01-02"))

	if cached := r.cacheGet(ctx, cacheKey); cached != nil {
		resolutionsTotal.WithLabelValues(string(cached.Source)).Inc()
		return cached, nil
	}

	resolved, err := r.resolveFromStore(ctx, provider, model, asOf)
	if err != nil {
		return nil, err
	}

	ttl := fallbackCacheTTL
	if resolved.Source == SourceExact {
		ttl = exactCacheTTL
	}
	r.cacheSet(ctx, cacheKey, resolved, ttl)

	resolutionsTotal.WithLabelValues(string(resolved.Source)).Inc()

	if resolved.Source != SourceExact {
		r.log.Warn().
			Str("provider", provider).
			Str("model", model).
			Str("source", string(resolved.Source)).
			Time("as_of", asOf).
			Msg("no exact price, using fallback")
	}

	return resolved, nil
}

func (r *Resolver) resolveFromStore(ctx context.Context, provider, model string, asOf time.Time) (*Resolved, error) {
	price, err := r.store.ExactPrice(ctx, provider, model, asOf)
	if err != nil {
		return nil, err
	}
	if price != nil {
		return &Resolved{Price: *price, Source: SourceExact}, nil
	}

	price, err = r.store.ModelDefaultPrice(ctx, model, asOf)
	if err != nil {
		return nil, err
	}
	if price != nil {
		return &Resolved{Price: *price, Source: SourceModelDefault}, nil
	}

	price, err = r.store.ProviderDefaultPrice(ctx, provider, asOf)
	if err != nil {
		return nil, err
	}
	if price != nil {
		return &Resolved{Price: *price, Source: SourceProviderDefault}, nil
	}

	price, err = r.store.GlobalDefaultPrice(ctx, asOf)
	if err != nil {
		return nil, err
	}
	if price != nil {
		return &Resolved{Price: *price, Source: SourceGlobalDefault}, nil
	}

	r.log.Error().
		Str("provider", provider).
		Str("model", model).
		Time("as_of", asOf).
		Msg("pricing fallback chain exhausted")

	return nil, fmt.Errorf("%w (provider=%s model=%s)", ErrPricingConfiguration, provider, model)
}

// cacheGet is best-effort: any cache failure is logged at debug and the
// store is consulted instead.
func (r *Resolver) cacheGet(ctx context.Context, key string) *Resolved {
	if r.redis == nil {
		return nil
	}

	data, err := r.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		cacheHitsTotal.WithLabelValues("miss").Inc()
		return nil
	}
	if err != nil {
		cacheHitsTotal.WithLabelValues("error").Inc()
		r.log.Debug().Err(err).Str("key", key).Msg("price cache read failed")
		return nil
	}

	var resolved Resolved
	if err := json.Unmarshal(data, &resolved); err != nil {
		cacheHitsTotal.WithLabelValues("error").Inc()
		r.log.Debug().Err(err).Str("key", key).Msg("price cache entry corrupt")
		return nil
	}

	cacheHitsTotal.WithLabelValues("hit").Inc()
	return &resolved
}

func (r *Resolver) cacheSet(ctx context.Context, key string, resolved *Resolved, ttl time.Duration) {
	if r.redis == nil {
		return
	}

	data, err := json.Marshal(resolved)
	if err != nil {
		r.log.Debug().Err(err).Str("key", key).Msg("price cache marshal failed")
		return
	}
	if err := r.redis.Set(ctx, key, data, ttl).Err(); err != nil {
		r.log.Debug().Err(err).Str("key", key).Msg("price cache write failed")
	}
}
