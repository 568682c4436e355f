// Package entity defines the resolved, merged view of one entity as returned
// to callers.
package entity

import (
	"sort"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// DefaultProvenance is the provenance recorded for fields of a substituted
// static default.
const DefaultProvenance = "default"

// Provenance maps a top-level field to the source(s) its value came from.
type Provenance map[string][]string

// Clone deep-copies the provenance.
func (p Provenance) Clone() Provenance {
	if p == nil {
		return nil
	}
	out := make(Provenance, len(p))
	for k, v := range p {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Resolved is the merged, masked entity.
type Resolved struct {
	EntityType source.EntityType `json:"entity_type"`
	EntityID   source.EntityID   `json:"entity_id"`
	Payload    source.Payload    `json:"payload"`
	Provenance Provenance        `json:"provenance"`
	// MaskedFields lists fields removed by masking. It is disjoint from the
	// payload keys.
	MaskedFields []string `json:"masked_fields"`
	// AggregatedFields lists fields whose values were coarsened in place.
	AggregatedFields []string `json:"aggregated_fields,omitempty"`
	// Sources lists contributing sources in priority order.
	Sources   []string `json:"sources"`
	Defaulted bool     `json:"defaulted,omitempty"`
}

// Clone returns a deep copy.
func (r *Resolved) Clone() *Resolved {
	if r == nil {
		return nil
	}
	out := *r
	out.Payload = r.Payload.Clone()
	out.Provenance = r.Provenance.Clone()
	out.MaskedFields = append([]string(nil), r.MaskedFields...)
	out.AggregatedFields = append([]string(nil), r.AggregatedFields...)
	out.Sources = append([]string(nil), r.Sources...)
	return &out
}

// IsAggregated reports whether field was coarsened.
func (r *Resolved) IsAggregated(field string) bool {
	return contains(r.AggregatedFields, field)
}

// FromDefault builds an unmasked entity from a static default payload.
func FromDefault(t source.EntityType, id source.EntityID, payload source.Payload) *Resolved {
	p := payload.Clone()
	if p == nil {
		p = source.Payload{}
	}
	prov := make(Provenance, len(p))
	for k := range p {
		prov[k] = []string{DefaultProvenance}
	}
	return &Resolved{
		EntityType: t,
		EntityID:   id,
		Payload:    p,
		Provenance: prov,
		Sources:    []string{DefaultProvenance},
		Defaulted:  true,
	}
}

// SortedFields returns a sorted copy of fields.
func SortedFields(fields []string) []string {
	out := append([]string(nil), fields...)
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
