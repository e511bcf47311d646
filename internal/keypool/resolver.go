package keypool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Store is the credential store the resolver reads and writes.
type Store interface {
	SystemPool(ctx context.Context, provider string) ([]Credential, error)
	UserCredential(ctx context.Context, userID uint64, provider string) (*Credential, error)
	UpsertUserCredential(ctx context.Context, userID uint64, provider, secret string) (*Credential, error)
}

// HealthMarker shares unhealthy credentials between instances. Marks
// expire on their own after ttl.
type HealthMarker interface {
	MarkUnhealthy(ctx context.Context, id uint64, reason string, ttl time.Duration) error
	UnhealthyIDs(ctx context.Context) (map[uint64]string, error)
}

type Source string

const (
	SourceOverride Source = "override"
	SourceUser     Source = "user"
	SourcePool     Source = "pool"
)

// Lease is the credential chosen for one outbound call.
type Lease struct {
	Provider     string
	Secret       string
	CredentialID uint64
	Source       Source
}

func (l Lease) Pooled() bool { return l.Source == SourcePool }

type Resolver struct {
	store    Store
	selector *Selector
	marker   HealthMarker
	cooldown time.Duration

	loadMu sync.Mutex
}

// NewResolver wires a resolver. marker may be nil for single-instance runs.
func NewResolver(store Store, selector *Selector, marker HealthMarker, cooldown time.Duration) *Resolver {
	if cooldown <= 0 {
		cooldown = 10 * time.Minute
	}
	return &Resolver{store: store, selector: selector, marker: marker, cooldown: cooldown}
}

func (r *Resolver) Selector() *Selector { return r.selector }

// Resolve picks the credential for one call. A non-blank override wins,
// then the user's stored key, then the system pool under policy. A blank
// override or a blank stored key is treated as absent.
func (r *Resolver) Resolve(ctx context.Context, userID uint64, provider, override string, policy Policy) (Lease, error) {
	provider = normalize(provider)
	if secret := strings.TrimSpace(override); secret != "" {
		return Lease{Provider: provider, Secret: secret, Source: SourceOverride}, nil
	}

	if userID != 0 {
		c, err := r.store.UserCredential(ctx, userID, provider)
		if err != nil {
			return Lease{}, fmt.Errorf("keypool: read user credential: %w", err)
		}
		if c != nil && c.Enabled && strings.TrimSpace(c.Secret) != "" {
			return Lease{Provider: provider, Secret: strings.TrimSpace(c.Secret), CredentialID: c.ID, Source: SourceUser}, nil
		}
	}

	if !r.selector.Loaded(provider) {
		if err := r.Reload(ctx, provider); err != nil {
			return Lease{}, err
		}
	}

	var (
		c   Credential
		err error
	)
	if policy == BestOf {
		c, err = r.selector.BestOf(provider)
	} else {
		c, err = r.selector.RoundRobin(provider)
	}
	if err != nil {
		return Lease{}, &ConfigurationError{Provider: provider, Err: err}
	}
	return Lease{Provider: provider, Secret: c.Secret, CredentialID: c.ID, Source: SourcePool}, nil
}

// Reload reads the system pool of provider from the store into the selector.
func (r *Resolver) Reload(ctx context.Context, provider string) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	creds, err := r.store.SystemPool(ctx, provider)
	if err != nil {
		return fmt.Errorf("keypool: load pool %s: %w", provider, err)
	}
	r.selector.Load(provider, creds)
	return nil
}

// Reject takes a pool credential out of rotation after upstream refused it
// and shares the mark with other instances. User keys are left alone.
func (r *Resolver) Reject(ctx context.Context, l Lease, reason error) {
	if !l.Pooled() {
		return
	}
	if reason == nil {
		reason = errors.New("rejected by upstream")
	}
	r.selector.MarkUnhealthy(l.CredentialID, reason)
	log.Printf("keypool credential unhealthy provider=%s id=%d key=%s err=%v",
		l.Provider, l.CredentialID, Fingerprint(l.Secret), reason)
	if r.marker != nil {
		if err := r.marker.MarkUnhealthy(ctx, l.CredentialID, reason.Error(), r.cooldown); err != nil {
			log.Printf("keypool health marker failed id=%d err=%v", l.CredentialID, err)
		}
	}
}

// Observe records the quota signal returned with a successful call.
func (r *Resolver) Observe(l Lease, remaining float64) {
	if l.Pooled() {
		r.selector.ObserveQuota(l.CredentialID, remaining)
	}
}

func (r *Resolver) SetUserCredential(ctx context.Context, userID uint64, provider, secret string) (*Credential, error) {
	if userID == 0 {
		return nil, errors.New("keypool: user id is required")
	}
	provider = normalize(provider)
	if provider == "" {
		return nil, errors.New("keypool: provider is required")
	}
	c, err := r.store.UpsertUserCredential(ctx, userID, provider, strings.TrimSpace(secret))
	if err != nil {
		return nil, fmt.Errorf("keypool: save user credential: %w", err)
	}
	return c, nil
}
