package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket tracks the token state for a single key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
	rate       int
}

// Scope is one bucket a request draws from. A zero Rate uses the limiter's
// default rate; a scope whose effective rate is zero is unlimited.
type Scope struct {
	Name string
	Key  string
	Rate int
}

// Decision is the outcome of Take. Limit, Remaining and ResetAt describe the
// tightest scope, or the rejecting one when Allowed is false.
type Decision struct {
	Allowed   bool
	Scope     string
	Limit     int
	Remaining int
	ResetAt   time.Time

	// RetryAfter is how long until the next token when Remaining is zero.
	RetryAfter time.Duration
}

// Limiter implements a token-bucket rate limiter keyed by arbitrary string
// identifiers (e.g. subscriber, subscriber and capability).
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		buckets:     make(map[string]*bucket),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

// effectiveRate returns customRate if positive, otherwise the default rate.
func (l *Limiter) effectiveRate(customRate int) int {
	if customRate > 0 {
		return customRate
	}
	return l.defaultRate
}

// getBucket returns the refilled bucket for key, creating one if it doesn't
// exist. Must be called with l.mu held.
func (l *Limiter) getBucket(key string, rate int, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rate), lastRefill: now, lastUsed: now, rate: rate}
		l.buckets[key] = b
	}
	// Capability rates can change on reload.
	b.rate = rate

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * float64(b.rate) / l.window.Seconds()
		if b.tokens > float64(b.rate) {
			b.tokens = float64(b.rate)
		}
		b.lastRefill = now
	}
	return b
}

func (l *Limiter) describe(name string, b *bucket, now time.Time) Decision {
	d := Decision{Scope: name, Limit: b.rate, Remaining: int(b.tokens), ResetAt: now}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	perSecond := float64(b.rate) / l.window.Seconds()
	if deficit := float64(b.rate) - b.tokens; deficit > 0 {
		d.ResetAt = now.Add(time.Duration(deficit / perSecond * float64(time.Second)))
	}
	if b.tokens < 1 {
		d.RetryAfter = time.Duration((1 - b.tokens) / perSecond * float64(time.Second))
	}
	return d
}

// Take consumes one token from every scope, or from none of them when any
// scope is exhausted.
func (l *Limiter) Take(scopes ...Scope) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	type drawn struct {
		name string
		b    *bucket
	}
	draws := make([]drawn, 0, len(scopes))
	for _, s := range scopes {
		rate := l.effectiveRate(s.Rate)
		if rate <= 0 {
			continue
		}
		b := l.getBucket(s.Key, rate, now)
		if b.tokens < 1 {
			return l.describe(s.Name, b, now)
		}
		draws = append(draws, drawn{name: s.Name, b: b})
	}

	d := Decision{Allowed: true}
	for i, dr := range draws {
		dr.b.tokens--
		dr.b.lastUsed = now
		cur := l.describe(dr.name, dr.b, now)
		if i == 0 || cur.Remaining < d.Remaining {
			cur.Allowed = true
			d = cur
		}
	}
	return d
}

// Allow is Take for a single key.
func (l *Limiter) Allow(key string, customRate int) bool {
	return l.Take(Scope{Key: key, Rate: customRate}).Allowed
}

// Status returns the current state of a scope without consuming a token.
func (l *Limiter) Status(s Scope) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rate := l.effectiveRate(s.Rate)
	if rate <= 0 {
		return Decision{Allowed: true, Scope: s.Name}
	}
	d := l.describe(s.Name, l.getBucket(s.Key, rate, now), now)
	d.Allowed = d.Remaining > 0
	return d
}

// Sweep drops buckets unused for longer than idle and reports how many were
// removed. A dropped bucket comes back full, which an idle key would have
// reached anyway once idle exceeds the window.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	n := 0
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Run sweeps idle buckets every window until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Sweep(l.window)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
