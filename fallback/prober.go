package fallback

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nexusflow/dispatch/types"
)

// prober answers "is this provider available" cheaply. Concurrent probes
// for the same provider are collapsed with singleflight, results are
// cached for cacheTTL, and fresh probes are rate-limited per provider.
type prober struct {
	cacheTTL time.Duration
	interval time.Duration

	group singleflight.Group

	mu       sync.Mutex
	cached   map[string]probeResult
	limiters map[string]*rate.Limiter
}

type probeResult struct {
	available bool
	at        time.Time
}

func newProber(cacheTTL, probeInterval time.Duration) *prober {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	if probeInterval <= 0 {
		probeInterval = time.Second
	}
	return &prober{
		cacheTTL: cacheTTL,
		interval: probeInterval,
		cached:   make(map[string]probeResult),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Available reports the provider's availability, serving from cache when
// fresh. When the per-provider rate limit forbids a new probe, the last
// known result is returned (optimistically true when nothing is known yet).
func (p *prober) Available(ctx context.Context, provider types.Provider) bool {
	name := provider.Name()

	p.mu.Lock()
	if res, ok := p.cached[name]; ok && time.Since(res.at) < p.cacheTTL {
		p.mu.Unlock()
		return res.available
	}
	limiter, ok := p.limiters[name]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.interval), 1)
		p.limiters[name] = limiter
	}
	last, hasLast := p.cached[name]
	p.mu.Unlock()

	if !limiter.Allow() {
		if hasLast {
			return last.available
		}
		return true
	}

	v, _, _ := p.group.Do(name, func() (any, error) {
		available := provider.IsAvailable(ctx)
		p.mu.Lock()
		p.cached[name] = probeResult{available: available, at: time.Now()}
		p.mu.Unlock()
		return available, nil
	})
	return v.(bool)
}

// Invalidate drops the cached result for a provider, forcing the next
// Available call to consider a fresh probe.
func (p *prober) Invalidate(name string) {
	p.mu.Lock()
	delete(p.cached, name)
	p.mu.Unlock()
}
