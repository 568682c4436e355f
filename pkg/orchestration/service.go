// Package orchestration is the public entry point of the resolution engine.
// It combines the chain builder, resolver, conflict resolver and masking
// engine for one request and is the only component that may substitute a
// static default for a missing entity.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Mindburn-Labs/fedresolve/pkg/caller"
	"github.com/Mindburn-Labs/fedresolve/pkg/chain"
	"github.com/Mindburn-Labs/fedresolve/pkg/conflict"
	"github.com/Mindburn-Labs/fedresolve/pkg/entity"
	"github.com/Mindburn-Labs/fedresolve/pkg/masking"
	"github.com/Mindburn-Labs/fedresolve/pkg/observability"
	"github.com/Mindburn-Labs/fedresolve/pkg/resolver"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
	"github.com/Mindburn-Labs/fedresolve/pkg/store"
)

// ErrNotFound is returned when no source knows the entity and no default is
// registered for its type.
var ErrNotFound = resolver.ErrNotFound

// Masker applies field visibility to a resolved entity.
type Masker interface {
	Mask(r *entity.Resolved, role string, flags masking.FeatureFlags) *entity.Resolved
}

// Service resolves entities for upstream callers. It is safe for concurrent
// use once constructed.
type Service struct {
	registry *source.Registry
	chains   *chain.Cache
	resolver *resolver.Resolver
	masker   Masker

	defaults map[source.EntityType]source.Payload
	links    []chain.Option
	receipts store.ReceiptStore
	obs      *observability.Provider
	slo      *observability.SLOTracker
	logger   *slog.Logger
	timeout  time.Duration
	strategy conflict.Strategy
	clock    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithDefault registers the static payload returned when an entity of type
// t is not found anywhere.
func WithDefault(t source.EntityType, payload source.Payload) Option {
	return func(s *Service) { s.defaults[t] = payload.Clone() }
}

// WithReceipts records one receipt per resolution.
func WithReceipts(rs store.ReceiptStore) Option {
	return func(s *Service) { s.receipts = rs }
}

// WithObservability sets the telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(s *Service) {
		if p != nil {
			s.obs = p
		}
	}
}

// WithSLOTracker sets the tracker fed by source attempts.
func WithSLOTracker(t *observability.SLOTracker) Option {
	return func(s *Service) {
		if t != nil {
			s.slo = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStrategy sets the conflict strategy used when the caller names none.
func WithStrategy(st conflict.Strategy) Option {
	return func(s *Service) {
		if st != "" {
			s.strategy = st
		}
	}
}

// WithChainLinks adds configured fallback links for type t.
func WithChainLinks(t source.EntityType, links ...chain.Link) Option {
	return func(s *Service) { s.links = append(s.links, chain.WithLinks(t, links...)) }
}

// WithClock injects the time source used for receipts and durations.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New builds a Service over reg and seals the registry. A nil masker uses
// the default masking policy.
func New(reg *source.Registry, masker Masker, opts ...Option) (*Service, error) {
	if reg == nil {
		return nil, errors.New("orchestration: registry is required")
	}
	if masker == nil {
		engine, err := masking.NewEngine(nil)
		if err != nil {
			return nil, err
		}
		masker = engine
	}

	s := &Service{
		registry: reg,
		masker:   masker,
		defaults: make(map[source.EntityType]source.Payload),
		obs:      observability.Disabled(),
		slo:      observability.NewSLOTracker(),
		logger:   slog.Default().With("component", "orchestration"),
		timeout:  2 * time.Second,
		strategy: conflict.HighestPriority,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	reg.Seal()
	s.chains = chain.NewCache(chain.NewBuilder(reg, s.links...))
	s.resolver = resolver.New(
		resolver.WithLogger(s.logger.With("stage", "resolver")),
		resolver.WithDefaultTimeout(s.timeout),
		resolver.WithTracer(s.obs.Tracer()),
		resolver.WithObserver(s.observeAttempt),
	)
	return s, nil
}

// Resolve returns the merged, masked entity or ErrNotFound. Per-source
// failures never reach the caller; an *chain.InvalidChainError means the
// catalog is misconfigured.
func (s *Service) Resolve(ctx context.Context, t source.EntityType, id source.EntityID, c caller.Context) (out *entity.Resolved, err error) {
	c = c.EnsureRequestID()
	mode := c.Mode
	if mode == "" {
		mode = resolver.ModeFirstSuccess
	}
	strategy := c.Strategy
	if strategy == "" {
		strategy = s.strategy
	}

	attrs := observability.ResolveOperation(string(t), int64(id), string(mode), c.Role)
	if mode == resolver.ModeAll {
		attrs = append(attrs, observability.AttrStrategy.String(string(strategy)))
	}
	start := s.clock()
	ctx, done := s.obs.TrackOperation(ctx, "fedresolve.resolve", attrs...)
	defer func() { done(err) }()

	rcpt := &store.Receipt{
		RequestID:  c.RequestID,
		EntityType: t,
		EntityID:   id,
		Mode:       string(mode),
		Role:       c.Role,
	}
	if mode == resolver.ModeAll {
		rcpt.Strategy = string(strategy)
	}

	ch, err := s.chains.Get(t)
	if err != nil {
		return nil, fmt.Errorf("build chain for %s: %w", t, err)
	}

	res, err := s.resolver.Resolve(ctx, ch, resolver.Request{
		EntityType: t,
		EntityID:   id,
		Mode:       mode,
		Timeout:    c.Timeout,
	})
	if err != nil {
		if !errors.Is(err, resolver.ErrNotFound) {
			return nil, err
		}
		def, ok := s.defaults[t]
		if !ok {
			rcpt.Outcome = store.OutcomeNotFound
			s.writeReceipt(ctx, rcpt, start)
			return nil, err
		}
		s.logger.InfoContext(ctx, "substituting static default",
			"entity_type", t, "entity_id", id, "request_id", c.RequestID)
		out = s.masker.Mask(entity.FromDefault(t, id, def), c.Role, c.Flags)
		rcpt.Outcome = store.OutcomeDefaulted
		s.fillReceipt(rcpt, out)
		s.writeReceipt(ctx, rcpt, start)
		return out, nil
	}

	merged, err := conflict.Resolve(res.Results, strategy)
	if err != nil {
		return nil, fmt.Errorf("merge %s/%d: %w", t, id, err)
	}
	pre := &entity.Resolved{
		EntityType: t,
		EntityID:   id,
		Payload:    merged.Payload,
		Provenance: merged.Provenance,
		Sources:    merged.Sources,
	}
	out = s.masker.Mask(pre, c.Role, c.Flags)
	observability.AddSpanEvent(ctx, "masked", observability.AttrMaskedCount.Int(len(out.MaskedFields)))

	rcpt.Outcome = store.OutcomeResolved
	s.fillReceipt(rcpt, out)
	s.writeReceipt(ctx, rcpt, start)
	return out, nil
}

func (s *Service) fillReceipt(r *store.Receipt, out *entity.Resolved) {
	r.Sources = append([]string(nil), out.Sources...)
	r.Provenance = out.Provenance.Clone()
	r.MaskedFields = append([]string(nil), out.MaskedFields...)
}

// writeReceipt is best effort: a failing store never fails the request.
func (s *Service) writeReceipt(ctx context.Context, r *store.Receipt, start time.Time) {
	if s.receipts == nil {
		return
	}
	now := s.clock()
	r.Duration = now.Sub(start)
	r.Timestamp = now.UTC()
	if err := s.receipts.Store(context.WithoutCancel(ctx), r); err != nil {
		s.logger.WarnContext(ctx, "failed to write resolution receipt",
			"entity_type", r.EntityType, "entity_id", r.EntityID, "error", err)
	}
}

func (s *Service) observeAttempt(ctx context.Context, a resolver.Attempt) {
	s.obs.RecordSourceAttempt(ctx, a.Source, string(a.Outcome), a.Duration)
	if a.Outcome == resolver.OutcomeUnavailable {
		return
	}
	s.slo.Record(observability.SLOObservation{
		Source:    a.Source,
		Latency:   a.Duration,
		Success:   a.Outcome == resolver.OutcomeOK || a.Outcome == resolver.OutcomeAbsent,
		Timestamp: s.clock(),
	})
}

// Chain returns the cached chain for t.
func (s *Service) Chain(t source.EntityType) (*chain.Chain, error) {
	return s.chains.Get(t)
}

// Chains builds the chain of every type any registered source declares,
// sorted by type. The first invalid chain aborts with its error.
func (s *Service) Chains() ([]*chain.Chain, error) {
	seen := make(map[source.EntityType]bool)
	var types []source.EntityType
	for _, name := range s.registry.Names() {
		reg, ok := s.registry.Lookup(name)
		if !ok {
			continue
		}
		for _, t := range declaredTypes(reg) {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	out := make([]*chain.Chain, 0, len(types))
	for _, t := range types {
		c, err := s.chains.Get(t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// declaredTypes prefers the descriptor's list and falls back to the types a
// source reports about itself.
func declaredTypes(reg source.Registered) []source.EntityType {
	if len(reg.Descriptor.SupportedTypes) > 0 {
		return reg.Descriptor.SupportedTypes
	}
	if typed, ok := reg.Source.(interface{ Types() []source.EntityType }); ok {
		return typed.Types()
	}
	return nil
}

// Receipts returns the configured receipt store, or nil.
func (s *Service) Receipts() store.ReceiptStore { return s.receipts }
