package keypool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Prober checks a secret against the provider and returns its remaining
// quota signal (-1 when the provider does not report one).
type Prober interface {
	Probe(ctx context.Context, secret string) (float64, error)
}

type rejection interface {
	CredentialRejected() bool
}

// Monitor is the scheduled maintenance of the system pools: reload from
// the store, sync shared unhealthy marks, restore keys whose cooldown has
// passed and refresh quota signals.
type Monitor struct {
	resolver *Resolver
	probers  map[string]Prober
	timeout  time.Duration
	cron     *cron.Cron
}

func NewMonitor(resolver *Resolver, probers map[string]Prober) *Monitor {
	return &Monitor{
		resolver: resolver,
		probers:  probers,
		timeout:  30 * time.Second,
	}
}

// RunOnce performs one maintenance pass over the given providers.
func (m *Monitor) RunOnce(ctx context.Context, providers ...string) {
	r := m.resolver
	for _, p := range providers {
		if err := r.Reload(ctx, p); err != nil {
			log.Printf("keypool monitor reload failed provider=%s err=%v", p, err)
		}
	}

	marked := map[uint64]string{}
	if r.marker != nil {
		ids, err := r.marker.UnhealthyIDs(ctx)
		if err != nil {
			log.Printf("keypool monitor marker read failed err=%v", err)
		} else {
			marked = ids
		}
	}
	keep := make(map[uint64]bool, len(marked))
	for _, p := range providers {
		for _, h := range r.selector.Snapshot(p) {
			reason, ok := marked[h.ID]
			if !ok {
				continue
			}
			keep[h.ID] = true
			if h.Healthy {
				r.selector.MarkUnhealthy(h.ID, errors.New(reason))
			}
		}
	}

	for _, id := range r.selector.RestoreExpired(r.cooldown, keep) {
		log.Printf("keypool credential restored id=%d", id)
	}

	for _, p := range providers {
		prober, ok := m.probers[p]
		if !ok {
			continue
		}
		m.probe(ctx, p, prober)
	}
}

func (m *Monitor) probe(ctx context.Context, provider string, prober Prober) {
	r := m.resolver
	creds, err := r.store.SystemPool(ctx, provider)
	if err != nil {
		return
	}
	healthy := map[uint64]bool{}
	for _, h := range r.selector.Snapshot(provider) {
		healthy[h.ID] = h.Healthy
	}
	for _, c := range creds {
		if !healthy[c.ID] {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		remaining, err := prober.Probe(pctx, c.Secret)
		cancel()
		if err != nil {
			var rej rejection
			if errors.As(err, &rej) && rej.CredentialRejected() {
				r.Reject(ctx, Lease{Provider: provider, Secret: c.Secret, CredentialID: c.ID, Source: SourcePool}, err)
			} else {
				log.Printf("keypool probe failed provider=%s id=%d err=%v", provider, c.ID, err)
			}
			continue
		}
		r.selector.ObserveQuota(c.ID, remaining)
	}
}

// Run schedules RunOnce on spec (standard five-field cron) until ctx is done.
func (m *Monitor) Run(ctx context.Context, spec string, providers ...string) error {
	m.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := m.cron.AddFunc(spec, func() { m.RunOnce(ctx, providers...) }); err != nil {
		return fmt.Errorf("keypool: schedule %q: %w", spec, err)
	}
	m.cron.Start()
	log.Printf("keypool monitor started schedule=%q providers=%v", spec, providers)
	<-ctx.Done()
	<-m.cron.Stop().Done()
	return nil
}
