package pricing

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and by the CLI when
// pointed at seed files instead of a database. It applies the same
// window selection rules as PostgresStore: a price covers asOf when
// effective_date <= asOf < end_date, and among covering windows the
// latest effective_date wins.
type MemoryStore struct {
	mu sync.RWMutex

	exact            map[string][]Price // key provider + "\x00" + model
	modelDefaults    map[string][]Price
	providerDefaults map[string][]Price
	globalDefaults   []Price
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		exact:            make(map[string][]Price),
		modelDefaults:    make(map[string][]Price),
		providerDefaults: make(map[string][]Price),
	}
}

func exactKey(provider, model string) string { return provider + "\x00" + model }

// AddExact registers an exact (provider, model) price.
func (s *MemoryStore) AddExact(provider, model string, price Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := exactKey(provider, model)
	s.exact[key] = append(s.exact[key], price)
}

// AddModelDefault registers a model-level default price.
func (s *MemoryStore) AddModelDefault(model string, price Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelDefaults[model] = append(s.modelDefaults[model], price)
}

// AddProviderDefault registers a provider-level default price.
func (s *MemoryStore) AddProviderDefault(provider string, price Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providerDefaults[provider] = append(s.providerDefaults[provider], price)
}

// AddGlobalDefault registers a global default price.
func (s *MemoryStore) AddGlobalDefault(price Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalDefaults = append(s.globalDefaults, price)
}

// selectPrice picks the covering window with the latest effective_date.
func selectPrice(prices []Price, asOf time.Time) *Price {
	var best *Price
	for i := range prices {
		p := &prices[i]
		if !p.covers(asOf) {
			continue
		}
		if best == nil || p.EffectiveDate.After(best.EffectiveDate) {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

func (s *MemoryStore) ExactPrice(_ context.Context, provider, model string, asOf time.Time) (*Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectPrice(s.exact[exactKey(provider, model)], asOf), nil
}

func (s *MemoryStore) ModelDefaultPrice(_ context.Context, model string, asOf time.Time) (*Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectPrice(s.modelDefaults[model], asOf), nil
}

func (s *MemoryStore) ProviderDefaultPrice(_ context.Context, provider string, asOf time.Time) (*Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectPrice(s.providerDefaults[provider], asOf), nil
}

func (s *MemoryStore) GlobalDefaultPrice(_ context.Context, asOf time.Time) (*Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return selectPrice(s.globalDefaults, asOf), nil
}
