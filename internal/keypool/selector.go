package keypool

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Health is a point-in-time view of one pool credential.
type Health struct {
	ID          uint64    `json:"id"`
	Provider    string    `json:"provider"`
	Fingerprint string    `json:"fingerprint"`
	Healthy     bool      `json:"healthy"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Remaining   float64   `json:"remaining"`
	Uses        uint64    `json:"uses"`
}

type entry struct {
	cred      Credential
	healthy   atomic.Bool
	remaining atomic.Uint64 // float64 bits, -1 when unknown
	uses      atomic.Uint64

	mu          sync.Mutex
	lastFailure time.Time
	lastErr     string
}

func newEntry(c Credential) *entry {
	e := &entry{cred: c}
	e.healthy.Store(true)
	e.remaining.Store(math.Float64bits(-1))
	return e
}

func (e *entry) quota() float64 { return math.Float64frombits(e.remaining.Load()) }

type pool struct {
	entries []*entry
	cursor  atomic.Uint64
}

// Selector holds the system pools. The credential set of a provider is
// replaced wholesale by Load; selection itself never takes a write lock.
type Selector struct {
	mu    sync.RWMutex
	pools map[string]*pool
	byID  map[uint64]*entry
	now   func() time.Time
}

func NewSelector() *Selector {
	return &Selector{
		pools: make(map[string]*pool),
		byID:  make(map[uint64]*entry),
		now:   time.Now,
	}
}

func normalize(provider string) string { return strings.ToLower(strings.TrimSpace(provider)) }

// Load replaces the pool of provider. Health and counters of credentials
// that were already loaded carry over.
func (s *Selector) Load(provider string, creds []Credential) {
	provider = normalize(provider)
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.pools[provider]
	oldByID := make(map[uint64]*entry)
	if old != nil {
		for _, e := range old.entries {
			oldByID[e.cred.ID] = e
			delete(s.byID, e.cred.ID)
		}
	}

	p := &pool{}
	for _, c := range creds {
		if !c.Enabled || strings.TrimSpace(c.Secret) == "" {
			continue
		}
		e := newEntry(c)
		if prev, ok := oldByID[c.ID]; ok {
			e.healthy.Store(prev.healthy.Load())
			e.remaining.Store(prev.remaining.Load())
			e.uses.Store(prev.uses.Load())
			prev.mu.Lock()
			e.lastFailure, e.lastErr = prev.lastFailure, prev.lastErr
			prev.mu.Unlock()
		}
		p.entries = append(p.entries, e)
		s.byID[c.ID] = e
	}
	if old != nil {
		p.cursor.Store(old.cursor.Load())
	}
	s.pools[provider] = p
}

// Loaded reports whether Load was called for provider.
func (s *Selector) Loaded(provider string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pools[normalize(provider)]
	return ok
}

func (s *Selector) pool(provider string) *pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pools[normalize(provider)]
}

// RoundRobin cycles through the healthy credentials of provider. Every
// call advances a shared atomic cursor, so concurrent callers each get
// their own position.
func (s *Selector) RoundRobin(provider string) (Credential, error) {
	p := s.pool(provider)
	if p == nil || len(p.entries) == 0 {
		return Credential{}, ErrPoolExhausted
	}
	n := uint64(len(p.entries))
	for i := uint64(0); i < n; i++ {
		e := p.entries[(p.cursor.Add(1)-1)%n]
		if e.healthy.Load() {
			e.uses.Add(1)
			return e.cred, nil
		}
	}
	return Credential{}, ErrPoolExhausted
}

// BestOf returns the healthy credential with the highest remaining quota.
// Ties go to the less used credential, then to the earlier one.
func (s *Selector) BestOf(provider string) (Credential, error) {
	p := s.pool(provider)
	if p == nil {
		return Credential{}, ErrPoolExhausted
	}
	var best *entry
	for _, e := range p.entries {
		if !e.healthy.Load() {
			continue
		}
		if best == nil || better(e, best) {
			best = e
		}
	}
	if best == nil {
		return Credential{}, ErrPoolExhausted
	}
	best.uses.Add(1)
	return best.cred, nil
}

func better(a, b *entry) bool {
	if qa, qb := a.quota(), b.quota(); qa != qb {
		return qa > qb
	}
	return a.uses.Load() < b.uses.Load()
}

// MarkUnhealthy takes a credential out of rotation. It reports whether
// the id belongs to a loaded pool.
func (s *Selector) MarkUnhealthy(id uint64, reason error) bool {
	e := s.entry(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.lastFailure = s.now()
	if reason != nil {
		e.lastErr = reason.Error()
	}
	e.mu.Unlock()
	e.healthy.Store(false)
	return true
}

func (s *Selector) MarkHealthy(id uint64) bool {
	e := s.entry(id)
	if e == nil {
		return false
	}
	e.healthy.Store(true)
	return true
}

// ObserveQuota records the remaining-quota signal from an upstream reply.
// Negative values mean unknown and are ignored.
func (s *Selector) ObserveQuota(id uint64, remaining float64) {
	if remaining < 0 {
		return
	}
	if e := s.entry(id); e != nil {
		e.remaining.Store(math.Float64bits(remaining))
	}
}

// RestoreExpired returns to rotation every unhealthy credential whose last
// failure is older than cooldown, except those listed in keep.
func (s *Selector) RestoreExpired(cooldown time.Duration, keep map[uint64]bool) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var restored []uint64
	for id, e := range s.byID {
		if e.healthy.Load() || keep[id] {
			continue
		}
		e.mu.Lock()
		expired := now.Sub(e.lastFailure) >= cooldown
		e.mu.Unlock()
		if expired {
			e.healthy.Store(true)
			restored = append(restored, id)
		}
	}
	return restored
}

func (s *Selector) entry(id uint64) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

func (s *Selector) Snapshot(provider string) []Health {
	p := s.pool(provider)
	if p == nil {
		return nil
	}
	out := make([]Health, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.Lock()
		h := Health{
			ID:          e.cred.ID,
			Provider:    e.cred.Provider,
			Fingerprint: Fingerprint(e.cred.Secret),
			Healthy:     e.healthy.Load(),
			LastFailure: e.lastFailure,
			LastError:   e.lastErr,
			Remaining:   e.quota(),
			Uses:        e.uses.Load(),
		}
		e.mu.Unlock()
		out = append(out, h)
	}
	return out
}

// Providers lists the providers with a loaded pool.
func (s *Selector) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pools))
	for name := range s.pools {
		out = append(out, name)
	}
	return out
}
