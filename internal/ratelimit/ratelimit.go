// Package ratelimit holds the shared token buckets that pace calls to external
// providers and the per-owner limiter applied to manual commands.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrExhausted is returned when a bucket cannot grant a token within the
// caller's wait bound. Callers skip the cycle instead of queueing.
var ErrExhausted = errors.New("rate limit exhausted")

// Limiter is the view of a provider bucket used by clients.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Bucket wraps a token bucket with a bounded wait.
type Bucket struct {
	name    string
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewBucket allows rps requests per second with the given burst. maxWait of zero
// means the caller's context is the only bound.
func NewBucket(name string, rps float64, burst int, maxWait time.Duration) *Bucket {
	if burst <= 0 {
		burst = 1
	}
	return &Bucket{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		maxWait: maxWait,
	}
}

// Wait blocks until a token is available or the wait bound elapses.
func (b *Bucket) Wait(ctx context.Context) error {
	waitCtx := ctx
	if b.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b.maxWait)
		defer cancel()
	}
	if err := b.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// таймаут ожидания или резерв за пределами дедлайна
		return fmt.Errorf("%s: %w", b.name, ErrExhausted)
	}
	return nil
}

// Allow takes a token without waiting.
func (b *Bucket) Allow() bool {
	return b.limiter.Allow()
}

// Name returns the provider name.
func (b *Bucket) Name() string { return b.name }

// Registry keeps one shared bucket per provider.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]*Bucket)}
}

// Register adds or replaces the bucket for a provider.
func (r *Registry) Register(b *Bucket) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets[b.name] = b
	return b
}

// Get returns the bucket for a provider, or nil.
func (r *Registry) Get(name string) *Bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[name]
}

// KeyedLimiter limits requests per key (owner) to maxRequests per window.
// Buckets refill continuously, so a burst of maxRequests is followed by one
// request every window/maxRequests.
type KeyedLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	limiters    map[string]*keyed
	now         func() time.Time
}

type keyed struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyedLimiter(window time.Duration, maxRequests int) *KeyedLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if maxRequests <= 0 {
		maxRequests = 100
	}
	return &KeyedLimiter{
		window:      window,
		maxRequests: maxRequests,
		limiters:    make(map[string]*keyed),
		now:         time.Now,
	}
}

func (k *KeyedLimiter) get(key string) *keyed {
	l, ok := k.limiters[key]
	if !ok {
		every := rate.Every(k.window / time.Duration(k.maxRequests))
		l = &keyed{limiter: rate.NewLimiter(every, k.maxRequests)}
		k.limiters[key] = l
	}
	l.lastSeen = k.now()
	return l
}

// Allow reports whether key may make one more request now.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.get(key).limiter.AllowN(k.now(), 1)
}

// Remaining returns how many requests key can make right now.
func (k *KeyedLimiter) Remaining(key string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	tokens := k.get(key).limiter.TokensAt(k.now())
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// Cleanup forgets keys idle for longer than one window. Run periodically.
func (k *KeyedLimiter) Cleanup() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := k.now().Add(-k.window)
	removed := 0
	for key, l := range k.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(k.limiters, key)
			removed++
		}
	}
	return removed
}
