// Package ratelimit implements the per-venue, per-endpoint sliding-window
// throttle described in spec.md section 4.1. The sliding-window-over-ring-
// buffer strategy, and the idea of a category-keyed map with a lazily
// started cleanup worker, is grounded on github.com/joeycumines/go-catrate
// (the teacher module's own rate limiter): each (venue) and (venue,
// endpoint) key gets its own catrate.Limiter instance, configured with a
// {1s: perSecond, 1m: perMinute} rate map. catrate.Limiter.Allow is
// non-blocking; Acquire wraps it in a retry-sleep loop to provide the
// blocking contract spec.md requires, and additionally mirrors admitted
// entries into an optional KV shadow (sorted set per key).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"

	"github.com/obertruper/botcore/internal/kvshadow"
	"github.com/obertruper/botcore/internal/obslog"
)

// EndpointConfig configures one endpoint's sliding window.
type EndpointConfig struct {
	PerSecond     int
	PerMinute     int
	Burst         int
	DefaultWeight int
}

// VenueConfig configures a venue's global window plus a map of per-endpoint
// overrides.
type VenueConfig struct {
	PerSecond int
	PerMinute int
	Burst     int
	Endpoints map[string]EndpointConfig
}

// DefaultVenueConfig is applied to any venue not explicitly configured, per
// spec.md section 4.1's "conservative default" fallback. 290/min rather
// than the literal 300/min named by spec.md: catrate.NewLimiter requires
// each window's effective rate (count/duration) to strictly decrease as
// the window grows, and 5/s, 300/min both work out to an effective rate
// of exactly 5/s, which catrate rejects as redundant rather than
// conservative. 290/min keeps the same "roughly 5/s, generous burst
// headroom" intent while satisfying that constraint.
var DefaultVenueConfig = VenueConfig{PerSecond: 5, PerMinute: 290, Burst: 10}

// Stats holds the running counters for one (venue, endpoint) pair.
type Stats struct {
	TotalRequests   int64
	BlockedRequests int64
	AvgWaitSeconds  float64
	MaxWaitSeconds  float64
}

type keyState struct {
	limiter *catrate.Limiter
	mu      sync.Mutex
	stats   Stats
}

// Limiter gates outbound venue requests within sliding windows, per
// spec.md section 4.1.
type Limiter struct {
	venues map[string]VenueConfig
	kv     *kvshadow.Store
	log    *obslog.Logger

	mu   sync.Mutex
	keys map[string]*keyState
}

// New constructs a Limiter. venues maps venue name to its configuration;
// an unconfigured venue falls back to DefaultVenueConfig.
func New(venues map[string]VenueConfig, kv *kvshadow.Store, log *obslog.Logger) *Limiter {
	return &Limiter{
		venues: venues,
		kv:     kv,
		log:    obslog.Named(log, "ratelimit"),
		keys:   make(map[string]*keyState),
	}
}

func (l *Limiter) venueConfig(venue string) VenueConfig {
	if c, ok := l.venues[venue]; ok {
		return c
	}
	return DefaultVenueConfig
}

func (l *Limiter) endpointConfig(venue, endpoint string) (EndpointConfig, bool) {
	c := l.venueConfig(venue)
	if c.Endpoints == nil {
		return EndpointConfig{}, false
	}
	ec, ok := c.Endpoints[endpoint]
	return ec, ok
}

// effectiveWeight resolves the weight to record for this request: the
// caller-supplied weight if positive, else the endpoint's configured
// default, else 1.
func (l *Limiter) effectiveWeight(venue, endpoint string, weight int) int {
	if weight > 0 {
		return weight
	}
	if ec, ok := l.endpointConfig(venue, endpoint); ok && ec.DefaultWeight > 0 {
		return ec.DefaultWeight
	}
	return 1
}

func (l *Limiter) stateFor(key string, perSecond, perMinute int) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ks, ok := l.keys[key]; ok {
		return ks
	}
	ks := &keyState{
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Second: perSecond,
			time.Minute: perMinute,
		}),
	}
	l.keys[key] = ks
	return ks
}

// Acquire blocks (sleeping, honoring ctx cancellation) until admitting a
// request with the given weight to venue/endpoint would respect both the
// venue-global and endpoint-specific windows, per spec.md section 4.1's
// algorithm. The returned delay is the total time spent waiting.
func (l *Limiter) Acquire(ctx context.Context, venue, endpoint string, weight int) (time.Duration, error) {
	w := l.effectiveWeight(venue, endpoint, weight)
	vc := l.venueConfig(venue)

	globalKey := fmt.Sprintf("%s:global", venue)
	globalState := l.stateFor(globalKey, vc.PerSecond, vc.PerMinute)

	var (
		endpointState *keyState
		endpointKey   string
	)
	if ec, ok := l.endpointConfig(venue, endpoint); ok {
		endpointKey = fmt.Sprintf("%s:endpoint:%s", venue, endpoint)
		endpointState = l.stateFor(endpointKey, ec.PerSecond, ec.PerMinute)
	}

	start := time.Now()
	for {
		waitGlobal, okGlobal := l.tryAdmit(ctx, globalKey, globalState)
		var waitEndpoint time.Duration
		okEndpoint := true
		if endpointState != nil {
			waitEndpoint, okEndpoint = l.tryAdmit(ctx, endpointKey, endpointState)
		}

		if okGlobal && okEndpoint {
			total := time.Since(start)
			l.recordStats(venue, endpoint, total, false)
			l.mirrorAdmission(ctx, globalKey, w)
			if endpointState != nil {
				l.mirrorAdmission(ctx, endpointKey, w)
			}
			return total, nil
		}

		wait := waitGlobal
		if waitEndpoint > wait {
			wait = waitEndpoint
		}
		if wait <= 0 {
			wait = time.Millisecond
		}

		select {
		case <-ctx.Done():
			l.recordStats(venue, endpoint, time.Since(start), true)
			return time.Since(start), ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAdmit wraps catrate.Limiter.Allow, returning (0, true) if the event
// was admitted, or (wait, false) if admission must be retried after wait.
func (l *Limiter) tryAdmit(_ context.Context, _ string, ks *keyState) (time.Duration, bool) {
	next, ok := ks.limiter.Allow(struct{}{})
	if ok {
		return 0, true
	}
	return time.Until(next), false
}

func (l *Limiter) recordStats(venue, endpoint string, wait time.Duration, blocked bool) {
	key := fmt.Sprintf("%s:%s", venue, endpoint)
	l.mu.Lock()
	ks, ok := l.keys[key+":stats"]
	if !ok {
		ks = &keyState{}
		l.keys[key+":stats"] = ks
	}
	l.mu.Unlock()

	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.stats.TotalRequests++
	if blocked {
		ks.stats.BlockedRequests++
	}
	seconds := wait.Seconds()
	if seconds > ks.stats.MaxWaitSeconds {
		ks.stats.MaxWaitSeconds = seconds
	}
	const alpha = 0.2
	ks.stats.AvgWaitSeconds = ks.stats.AvgWaitSeconds*(1-alpha) + seconds*alpha
}

// StatsFor returns a snapshot of the running counters for (venue, endpoint).
func (l *Limiter) StatsFor(venue, endpoint string) Stats {
	key := fmt.Sprintf("%s:%s:stats", venue, endpoint)
	l.mu.Lock()
	ks, ok := l.keys[key]
	l.mu.Unlock()
	if !ok {
		return Stats{}
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.stats
}

// mirrorAdmission pushes the admitted event into the KV shadow sorted set,
// per spec.md section 6's "rate_limit:{venue}:{global|endpoint}" key
// convention. Errors are swallowed by kvshadow itself.
func (l *Limiter) mirrorAdmission(ctx context.Context, key string, weight int) {
	now := time.Now()
	_ = weight // not written to KV; the windows count entries, not summed weight
	_ = l.kv.ZAdd(ctx, "rate_limit:"+key, float64(now.UnixNano()), fmt.Sprintf("%d", now.UnixNano()))
	_ = l.kv.ZRemRangeByScore(ctx, "rate_limit:"+key, kvshadow.NegInf, float64(now.Add(-time.Minute).UnixNano()))
	_ = l.kv.Expire(ctx, "rate_limit:"+key, 2*time.Minute)
}
