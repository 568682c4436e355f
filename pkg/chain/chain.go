// Package chain builds the ordered list of sources consulted for an entity
// type: registry priority order with explicit fallback links threaded in.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// ErrInvalidChain marks a fallback configuration that cannot be built.
var ErrInvalidChain = errors.New("invalid fallback chain")

// InvalidChainError reports a dangling, mistyped or cyclic fallback link.
type InvalidChainError struct {
	EntityType source.EntityType
	Source     string
	Target     string
	Reason     string
}

func (e *InvalidChainError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("invalid fallback chain for %s at %q: %s", e.EntityType, e.Source, e.Reason)
	}
	return fmt.Sprintf("invalid fallback chain for %s: %q -> %q: %s", e.EntityType, e.Source, e.Target, e.Reason)
}

func (e *InvalidChainError) Is(target error) bool { return target == ErrInvalidChain }

// Chain is the ordered source list for one entity type.
type Chain struct {
	EntityType source.EntityType
	Entries    []source.Registered
}

// Names returns the source names in chain order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		names[i] = e.Name()
	}
	return names
}

// Len returns the number of entries.
func (c *Chain) Len() int { return len(c.Entries) }

func (c *Chain) String() string {
	if len(c.Entries) == 0 {
		return string(c.EntityType) + ": (no sources)"
	}
	return string(c.EntityType) + ": " + strings.Join(c.Names(), " -> ")
}

// SourceLister is the registry view the builder needs.
type SourceLister interface {
	SourcesFor(t source.EntityType) []source.Registered
	Lookup(name string) (source.Registered, bool)
}

// Link is an explicit fallback edge: To is tried right after From.
type Link struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Builder derives chains from a registry.
type Builder struct {
	sources SourceLister
	links   map[source.EntityType][]Link
}

// Option configures a Builder.
type Option func(*Builder)

// WithLinks adds fallback edges for one entity type. They override the
// descriptor Fallback of the same From source.
func WithLinks(t source.EntityType, links ...Link) Option {
	return func(b *Builder) {
		b.links[t] = append(b.links[t], links...)
	}
}

// NewBuilder creates a builder over the given registry view.
func NewBuilder(sources SourceLister, opts ...Option) *Builder {
	b := &Builder{sources: sources, links: make(map[source.EntityType][]Link)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the chain for t. Every link is validated: the target must be
// registered and support t, and links must not form a cycle. A source that is
// the target of several links is placed after the first of its predecessors
// to be emitted.
func (b *Builder) Build(t source.EntityType) (*Chain, error) {
	ordered := b.sources.SourcesFor(t)
	inChain := make(map[string]source.Registered, len(ordered))
	for _, e := range ordered {
		inChain[e.Name()] = e
	}

	next, err := b.edges(t, ordered, inChain)
	if err != nil {
		return nil, err
	}
	if err := detectCycle(t, ordered, next); err != nil {
		return nil, err
	}

	hasPred := make(map[string]bool, len(next))
	for _, to := range next {
		hasPred[to] = true
	}

	entries := make([]source.Registered, 0, len(ordered))
	emitted := make(map[string]bool, len(ordered))
	for _, head := range ordered {
		if hasPred[head.Name()] || emitted[head.Name()] {
			continue
		}
		for name := head.Name(); name != "" && !emitted[name]; name = next[name] {
			emitted[name] = true
			entries = append(entries, inChain[name])
		}
	}

	return &Chain{EntityType: t, Entries: entries}, nil
}

func (b *Builder) edges(t source.EntityType, ordered []source.Registered, inChain map[string]source.Registered) (map[string]string, error) {
	next := make(map[string]string)
	for _, e := range ordered {
		if e.Descriptor.Fallback != "" {
			next[e.Name()] = e.Descriptor.Fallback
		}
	}
	for _, l := range b.links[t] {
		if _, ok := inChain[l.From]; !ok {
			return nil, &InvalidChainError{EntityType: t, Source: l.From, Target: l.To, Reason: "link source does not support the entity type"}
		}
		next[l.From] = l.To
	}

	for _, e := range ordered {
		from, to := e.Name(), next[e.Name()]
		if to == "" {
			continue
		}
		if from == to {
			return nil, &InvalidChainError{EntityType: t, Source: from, Target: to, Reason: "source falls back to itself"}
		}
		if _, ok := inChain[to]; ok {
			continue
		}
		if _, registered := b.sources.Lookup(to); !registered {
			return nil, &InvalidChainError{EntityType: t, Source: from, Target: to, Reason: "fallback target is not registered"}
		}
		return nil, &InvalidChainError{EntityType: t, Source: from, Target: to, Reason: "fallback target does not support the entity type"}
	}
	return next, nil
}

// detectCycle walks the fallback links from every source in priority order.
func detectCycle(t source.EntityType, ordered []source.Registered, next map[string]string) error {
	for _, start := range ordered {
		seen := map[string]bool{start.Name(): true}
		for cur := next[start.Name()]; cur != ""; cur = next[cur] {
			if seen[cur] {
				return &InvalidChainError{EntityType: t, Source: start.Name(), Reason: "fallback links form a cycle"}
			}
			seen[cur] = true
		}
	}
	return nil
}

// Cache memoises chains per entity type. Chains are built once and never
// invalidated; build errors are not cached.
type Cache struct {
	builder *Builder

	mu     sync.RWMutex
	chains map[source.EntityType]*Chain
}

// NewCache wraps a builder.
func NewCache(builder *Builder) *Cache {
	return &Cache{builder: builder, chains: make(map[source.EntityType]*Chain)}
}

// Get returns the cached chain for t, building it on first use.
func (c *Cache) Get(t source.EntityType) (*Chain, error) {
	c.mu.RLock()
	ch, ok := c.chains[t]
	c.mu.RUnlock()
	if ok {
		return ch, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.chains[t]; ok {
		return ch, nil
	}
	ch, err := c.builder.Build(t)
	if err != nil {
		return nil, err
	}
	c.chains[t] = ch
	return ch, nil
}

// Cached returns the chains built so far.
func (c *Cache) Cached() []*Chain {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Chain, 0, len(c.chains))
	for _, ch := range c.chains {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityType < out[j].EntityType })
	return out
}
