package source

import (
	"context"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// Base provides the plumbing shared by concrete adapters: the supported type
// set, a token-bucket rate limit, and a circuit breaker that feeds
// availability.
type Base struct {
	name    string
	types   map[EntityType]struct{}
	limiter *rate.Limiter
	breaker *CircuitBreaker
}

// BaseOption configures a Base.
type BaseOption func(*Base)

// WithRateLimit bounds outbound calls to r per second with the given burst.
func WithRateLimit(r rate.Limit, burst int) BaseOption {
	return func(b *Base) {
		b.limiter = rate.NewLimiter(r, burst)
	}
}

// WithBreaker replaces the default circuit breaker settings.
func WithBreaker(threshold int, resetTimeout time.Duration) BaseOption {
	return func(b *Base) {
		b.breaker = NewCircuitBreaker(b.name, threshold, resetTimeout)
	}
}

// NewBase creates a Base. Without WithRateLimit the limiter is unbounded.
func NewBase(name string, types []EntityType, opts ...BaseOption) *Base {
	b := &Base{
		name:    name,
		types:   make(map[EntityType]struct{}, len(types)),
		limiter: rate.NewLimiter(rate.Inf, 0),
		breaker: NewCircuitBreaker(name, 5, 30*time.Second),
	}
	for _, t := range types {
		b.types[t] = struct{}{}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the source name.
func (b *Base) Name() string { return b.name }

// Supports reports whether t is in the configured type set.
func (b *Base) Supports(t EntityType) bool {
	_, ok := b.types[t]
	return ok
}

// Types returns the supported types in lexical order.
func (b *Base) Types() []EntityType {
	out := make([]EntityType, 0, len(b.types))
	for t := range b.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Healthy reports whether the breaker lets calls through.
func (b *Base) Healthy() bool { return b.breaker.Allow() }

// BreakerState exposes the breaker state for diagnostics.
func (b *Base) BreakerState() BreakerState { return b.breaker.State() }

// Wait blocks until the rate limiter allows an event.
func (b *Base) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Record feeds a fetch outcome into the breaker. Absent entities are a
// success from the breaker's point of view. Permanent errors (malformed or
// rejected responses) are data faults rather than outages, and an error
// raised after the caller's own ctx ended says nothing about the source;
// neither counts as a failure.
func (b *Base) Record(ctx context.Context, err error) {
	switch {
	case err == nil:
		b.breaker.Success()
	case IsPermanent(err), ctx.Err() != nil:
		b.breaker.Release()
	default:
		b.breaker.Failure()
	}
}
