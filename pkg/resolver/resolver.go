// Package resolver walks a fallback chain and collects source results, either
// stopping at the first success or fanning out to every available source.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/fedresolve/pkg/chain"
	"github.com/Mindburn-Labs/fedresolve/pkg/observability"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// ErrNotFound is returned when no source produced a payload.
var ErrNotFound = errors.New("entity not found")

// Mode selects how the chain is walked.
type Mode string

const (
	ModeFirstSuccess Mode = "FIRST_SUCCESS"
	ModeAll          Mode = "ALL_FOR_CONFLICT_RESOLUTION"
)

// ParseMode accepts the canonical names, case-insensitively, plus the short
// aliases "first" and "all".
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(ModeFirstSuccess), "FIRST":
		return ModeFirstSuccess, nil
	case string(ModeAll), "ALL":
		return ModeAll, nil
	default:
		return "", fmt.Errorf("unknown resolution mode %q", s)
	}
}

// Request describes one resolution.
type Request struct {
	EntityType source.EntityType
	EntityID   source.EntityID
	Mode       Mode
	// Timeout bounds the whole resolution. Zero uses the resolver default.
	Timeout time.Duration
}

// Outcome classifies one source attempt.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeAbsent      Outcome = "absent"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimeout     Outcome = "timeout"
)

// Attempt records what happened at one source.
type Attempt struct {
	Source   string        `json:"source"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Trace lists attempts in chain order.
type Trace struct {
	Attempts []Attempt `json:"attempts"`
}

// Count returns how many attempts ended with o.
func (t Trace) Count(o Outcome) int {
	n := 0
	for _, a := range t.Attempts {
		if a.Outcome == o {
			n++
		}
	}
	return n
}

// Resolution is the resolver output. Results are sorted by priority.
type Resolution struct {
	Results []source.Result
	Trace   Trace
}

// AttemptObserver receives every finished attempt.
type AttemptObserver func(ctx context.Context, a Attempt)

// Resolver is stateless between requests and safe for concurrent use.
type Resolver struct {
	logger         *slog.Logger
	clock          func() time.Time
	defaultTimeout time.Duration
	tracer         trace.Tracer
	observers      []AttemptObserver
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithClock sets the clock that stamps FetchedAt.
func WithClock(clock func() time.Time) Option {
	return func(r *Resolver) { r.clock = clock }
}

// WithDefaultTimeout sets the timeout for requests that carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.defaultTimeout = d }
}

// WithTracer sets the tracer used for per-source spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Resolver) { r.tracer = t }
}

// WithObserver registers a callback for every attempt.
func WithObserver(o AttemptObserver) Option {
	return func(r *Resolver) { r.observers = append(r.observers, o) }
}

// New creates a Resolver. The default timeout is two seconds.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		logger:         slog.Default().With("component", "resolver"),
		clock:          time.Now,
		defaultTimeout: 2 * time.Second,
		tracer:         otel.Tracer("github.com/Mindburn-Labs/fedresolve/resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve walks c according to req.Mode. It returns ErrNotFound when no
// source produced a payload; the Resolution is non-nil in that case too so
// the trace can still be recorded. When ctx itself ends, its error is
// returned instead.
func (r *Resolver) Resolve(ctx context.Context, c *chain.Chain, req Request) (*Resolution, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res *Resolution
	if req.Mode == ModeAll {
		res = r.fanOut(runCtx, c, req)
	} else {
		res = r.sequential(runCtx, c, req)
	}

	if len(res.Results) > 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("resolve %s/%d: %w", req.EntityType, req.EntityID, err)
	}
	return res, fmt.Errorf("resolve %s/%d: %w", req.EntityType, req.EntityID, ErrNotFound)
}

func (r *Resolver) sequential(ctx context.Context, c *chain.Chain, req Request) *Resolution {
	res := &Resolution{}
	for _, entry := range c.Entries {
		if ctx.Err() != nil {
			r.logger.DebugContext(ctx, "resolution deadline reached",
				"entity_type", req.EntityType, "entity_id", req.EntityID, "next_source", entry.Name())
			break
		}

		result, attempt := r.attempt(ctx, entry, req)
		res.Trace.Attempts = append(res.Trace.Attempts, attempt)
		if result != nil {
			res.Results = []source.Result{*result}
			break
		}
	}
	return res
}

type outcome struct {
	index   int
	result  *source.Result
	attempt Attempt
}

func (r *Resolver) fanOut(ctx context.Context, c *chain.Chain, req Request) *Resolution {
	// Buffered to len(entries) so late tasks never block after we stop reading.
	done := make(chan outcome, len(c.Entries))
	for i, entry := range c.Entries {
		go func(i int, entry source.Registered) {
			result, attempt := r.attempt(ctx, entry, req)
			done <- outcome{index: i, result: result, attempt: attempt}
		}(i, entry)
	}

	attempts := make([]*Attempt, len(c.Entries))
	var results []source.Result
	pending := len(c.Entries)

collect:
	for pending > 0 {
		select {
		case o := <-done:
			pending--
			a := o.attempt
			attempts[o.index] = &a
			if o.result != nil {
				results = append(results, *o.result)
			}
		case <-ctx.Done():
			break collect
		}
	}

	res := &Resolution{Results: results}
	for i, a := range attempts {
		if a == nil {
			late := Attempt{Source: c.Entries[i].Name(), Outcome: OutcomeTimeout, Error: ctx.Err().Error()}
			r.logger.WarnContext(ctx, "source abandoned at deadline",
				"source", late.Source, "entity_type", req.EntityType, "entity_id", req.EntityID)
			// The abandoned task still notifies observers when it returns.
			res.Trace.Attempts = append(res.Trace.Attempts, late)
			continue
		}
		res.Trace.Attempts = append(res.Trace.Attempts, *a)
	}
	source.SortResults(res.Results)
	return res
}

// attempt checks availability then fetches. It never returns an error: every
// failure is folded into the Attempt.
func (r *Resolver) attempt(ctx context.Context, entry source.Registered, req Request) (*source.Result, Attempt) {
	name := entry.Name()
	start := r.clock()

	ctx, span := r.tracer.Start(ctx, "fedresolve.source.fetch",
		trace.WithAttributes(observability.SourceAttempt(name, entry.Descriptor.Priority, string(req.EntityType))...))
	defer span.End()

	finish := func(o Outcome, err error) Attempt {
		a := Attempt{Source: name, Outcome: o, Duration: r.clock().Sub(start)}
		if err != nil {
			a.Error = err.Error()
			observability.SetSpanStatus(ctx, err)
		}
		span.SetAttributes(observability.AttrOutcome.String(string(o)))
		r.notify(ctx, a)
		return a
	}

	if !entry.Source.IsAvailable(ctx) {
		r.logger.DebugContext(ctx, "source unavailable, skipping", "source", name, "entity_type", req.EntityType)
		return nil, finish(OutcomeUnavailable, nil)
	}

	payload, found, err := entry.Source.Fetch(ctx, req.EntityType, req.EntityID)
	switch {
	case err != nil:
		o := OutcomeFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			o = OutcomeTimeout
		}
		r.logger.WarnContext(ctx, "source fetch failed",
			"source", name, "entity_type", req.EntityType, "entity_id", req.EntityID, "outcome", o, "error", err)
		return nil, finish(o, err)
	case !found || payload == nil:
		r.logger.DebugContext(ctx, "entity absent at source", "source", name, "entity_type", req.EntityType, "entity_id", req.EntityID)
		return nil, finish(OutcomeAbsent, nil)
	}

	return &source.Result{
		SourceName: name,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    payload,
		FetchedAt:  r.clock(),
		Priority:   entry.Descriptor.Priority,
	}, finish(OutcomeOK, nil)
}

func (r *Resolver) notify(ctx context.Context, a Attempt) {
	for _, o := range r.observers {
		o(ctx, a)
	}
}
