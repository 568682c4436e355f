// Package source defines the data-source contract of the resolution engine,
// the immutable descriptors that catalog each source, and the registry that
// orders them by priority.
package source

import (
	"context"
	"sort"
	"time"
)

// EntityType classifies the kind of record being resolved.
type EntityType string

const (
	EntityCustomer EntityType = "customer"
	EntityRisk     EntityType = "risk"
	EntityProduct  EntityType = "product"
	EntityMarket   EntityType = "market"
)

// EntityID identifies a record within an entity type.
type EntityID int64

// Payload is the opaque nested mapping returned by a source. Values are
// primitives, []any, or nested map[string]any.
type Payload map[string]any

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = CloneValue(v)
	}
	return out
}

// Keys returns the top-level keys in lexical order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloneValue deep-copies maps and slices; other values are returned as is.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = CloneValue(inner)
		}
		return out
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = CloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// TrustClass is an informational trust level for a source.
type TrustClass string

const (
	TrustClassOfficial  TrustClass = "official"  // regulated bureau or agency
	TrustClassPartner   TrustClass = "partner"   // contracted partner feed
	TrustClassInternal  TrustClass = "internal"  // in-house archive or cache
	TrustClassCommunity TrustClass = "community" // best-effort public data
)

// Descriptor catalogs one source. It is immutable once registered: the
// registry keeps its own copy.
type Descriptor struct {
	Name           string       `yaml:"name" json:"name"`
	SupportedTypes []EntityType `yaml:"types" json:"supported_types"`
	// Priority orders sources ascending: lower resolves first and wins ties.
	Priority int `yaml:"priority" json:"priority"`
	// Fallback names the source tried right after this one. It is a relation
	// resolved at chain-build time, not a live pointer.
	Fallback   string     `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Version    string     `yaml:"version,omitempty" json:"version,omitempty"`
	TrustClass TrustClass `yaml:"trust_class,omitempty" json:"trust_class,omitempty"`
}

// Declares reports whether the descriptor lists the entity type. An empty
// list defers entirely to the source's own Supports.
func (d Descriptor) Declares(t EntityType) bool {
	if len(d.SupportedTypes) == 0 {
		return true
	}
	for _, st := range d.SupportedTypes {
		if st == t {
			return true
		}
	}
	return false
}

func (d Descriptor) clone() Descriptor {
	out := d
	if d.SupportedTypes != nil {
		out.SupportedTypes = append([]EntityType(nil), d.SupportedTypes...)
	}
	return out
}

// DataSource is implemented by every backing system.
type DataSource interface {
	// IsAvailable is a cheap liveness check. It must not block for long.
	IsAvailable(ctx context.Context) bool
	// Supports is pure and performs no I/O.
	Supports(entityType EntityType) bool
	// Fetch returns the payload and true, or (nil, false, nil) when the
	// entity is unknown to this source. Genuine faults return a *FetchError.
	Fetch(ctx context.Context, entityType EntityType, id EntityID) (Payload, bool, error)
}

// Result is one source's answer for one entity.
type Result struct {
	SourceName string     `json:"source_name"`
	EntityType EntityType `json:"entity_type"`
	EntityID   EntityID   `json:"entity_id"`
	Payload    Payload    `json:"payload"`
	FetchedAt  time.Time  `json:"fetched_at"`
	// Priority is a snapshot of the descriptor priority at fetch time.
	Priority int `json:"priority"`
}

// SortResults orders results by priority ascending, then by source name.
func SortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Priority != results[j].Priority {
			return results[i].Priority < results[j].Priority
		}
		return results[i].SourceName < results[j].SourceName
	})
}
