package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"paymentswitch/internal/domain"
)

// Snapshot is an immutable view of all merchant configuration. Readers keep
// whichever snapshot they loaded for the duration of a request.
type Snapshot struct {
	Version   int64
	LoadedAt  time.Time
	merchants map[string]*domain.MerchantConfig
}

func (s *Snapshot) Merchant(id string) (*domain.MerchantConfig, bool) {
	m, ok := s.merchants[id]
	return m, ok
}

func (s *Snapshot) MerchantIDs() []string {
	ids := make([]string, 0, len(s.merchants))
	for id := range s.merchants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Registry holds the adapters compiled into the binary and the current
// merchant configuration snapshot. The snapshot is replaced atomically on
// reload so in-flight requests are never torn.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	secrets  SecretResolver
	snapshot atomic.Pointer[Snapshot]
}

func NewRegistry(secrets SecretResolver, adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter, len(adapters)),
		secrets:  secrets,
	}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	r.snapshot.Store(&Snapshot{merchants: map[string]*domain.MerchantConfig{}})
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

func (r *Registry) Adapter(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownConnector, name)
	}
	return a, nil
}

// Capabilities returns the capability set of the named adapter, or zero when
// it is not registered.
func (r *Registry) Capabilities(name string) Capability {
	a, err := r.Adapter(name)
	if err != nil {
		return 0
	}
	return a.Capabilities()
}

// Load validates that every account names a registered adapter and swaps in
// a new snapshot.
func (r *Registry) Load(merchants []domain.MerchantConfig) (*Snapshot, error) {
	next := &Snapshot{
		LoadedAt:  time.Now(),
		merchants: make(map[string]*domain.MerchantConfig, len(merchants)),
	}
	for i := range merchants {
		m := merchants[i]
		if m.MerchantID == "" {
			return nil, fmt.Errorf("%w: merchant without merchant_id", domain.ErrConfiguration)
		}
		if _, dup := next.merchants[m.MerchantID]; dup {
			return nil, fmt.Errorf("%w: merchant %s configured twice", domain.ErrConfiguration, m.MerchantID)
		}
		seen := make(map[string]bool, len(m.Accounts))
		accounts := make([]domain.ConnectorAccount, len(m.Accounts))
		for j, acc := range m.Accounts {
			if acc.ID == "" {
				return nil, fmt.Errorf("%w: merchant %s has an account without id", domain.ErrConfiguration, m.MerchantID)
			}
			if seen[acc.ID] {
				return nil, fmt.Errorf("%w: merchant %s account %s configured twice", domain.ErrConfiguration, m.MerchantID, acc.ID)
			}
			seen[acc.ID] = true
			if _, err := r.Adapter(acc.Connector); err != nil {
				return nil, fmt.Errorf("merchant %s account %s: %w", m.MerchantID, acc.ID, err)
			}
			acc.MerchantID = m.MerchantID
			accounts[j] = acc
		}
		m.Accounts = accounts
		next.merchants[m.MerchantID] = &m
	}

	for {
		prev := r.snapshot.Load()
		next.Version = prev.Version + 1
		if r.snapshot.CompareAndSwap(prev, next) {
			return next, nil
		}
	}
}

func (r *Registry) Snapshot() *Snapshot {
	return r.snapshot.Load()
}

func (r *Registry) Merchant(id string) (*domain.MerchantConfig, error) {
	m, ok := r.snapshot.Load().Merchant(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrMerchantNotFound, id)
	}
	return m, nil
}

// Account looks up a merchant's connector account by id.
func (r *Registry) Account(merchantID, accountID string) (*domain.ConnectorAccount, error) {
	m, err := r.Merchant(merchantID)
	if err != nil {
		return nil, err
	}
	acc, ok := m.Account(accountID)
	if !ok {
		return nil, fmt.Errorf("%w: account %s for merchant %s", domain.ErrUnknownConnector, accountID, merchantID)
	}
	return acc, nil
}

func (r *Registry) Credentials(ctx context.Context, acc *domain.ConnectorAccount) (Credentials, error) {
	creds, err := r.secrets.Resolve(ctx, acc.CredentialsRef)
	if err != nil {
		return Credentials{}, fmt.Errorf("account %s: %w", acc.ID, err)
	}
	return creds, nil
}
