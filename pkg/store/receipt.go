// Package store persists resolution receipts: one record per Resolve call
// describing which sources answered and what was masked. Receipts never
// hold payload values.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// ErrReceiptNotFound is returned by Get for unknown receipt ids.
var ErrReceiptNotFound = errors.New("receipt not found")

// Outcome is how a resolution ended.
type Outcome string

const (
	OutcomeResolved  Outcome = "RESOLVED"
	OutcomeDefaulted Outcome = "DEFAULTED"
	OutcomeNotFound  Outcome = "NOT_FOUND"
)

// Receipt records one resolution.
type Receipt struct {
	ReceiptID    string              `json:"receipt_id"`
	RequestID    string              `json:"request_id,omitempty"`
	EntityType   source.EntityType   `json:"entity_type"`
	EntityID     source.EntityID     `json:"entity_id"`
	Mode         string              `json:"mode"`
	Strategy     string              `json:"strategy,omitempty"`
	Role         string              `json:"role"`
	Sources      []string            `json:"sources"`
	Provenance   map[string][]string `json:"provenance,omitempty"`
	MaskedFields []string            `json:"masked_fields,omitempty"`
	Outcome      Outcome             `json:"outcome"`
	Duration     time.Duration       `json:"duration"`
	Timestamp    time.Time           `json:"timestamp"`
}

// ReceiptStore persists and lists receipts.
type ReceiptStore interface {
	Store(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, receiptID string) (*Receipt, error)
	// List returns the newest receipts first.
	List(ctx context.Context, limit int) ([]*Receipt, error)
	// LastForEntity returns the most recent receipt for an entity, or nil
	// when there is none.
	LastForEntity(ctx context.Context, t source.EntityType, id source.EntityID) (*Receipt, error)
}

// prepare fills the id and timestamp of a receipt about to be stored.
func prepare(r *Receipt) {
	if r.ReceiptID == "" {
		r.ReceiptID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

// MemoryReceiptStore keeps receipts in process memory.
type MemoryReceiptStore struct {
	mu       sync.RWMutex
	receipts []*Receipt
	byID     map[string]*Receipt
}

// NewMemoryReceiptStore creates an empty in-memory store.
func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{byID: make(map[string]*Receipt)}
}

func (m *MemoryReceiptStore) Store(_ context.Context, r *Receipt) error {
	prepare(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[r.ReceiptID]; ok {
		return nil
	}
	c := r.clone()
	m.receipts = append(m.receipts, c)
	m.byID[c.ReceiptID] = c
	return nil
}

func (m *MemoryReceiptStore) Get(_ context.Context, receiptID string) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[receiptID]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	return r.clone(), nil
}

func (m *MemoryReceiptStore) List(_ context.Context, limit int) ([]*Receipt, error) {
	m.mu.RLock()
	sorted := append([]*Receipt(nil), m.receipts...)
	m.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})
	if limit = clampLimit(limit); len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]*Receipt, len(sorted))
	for i, r := range sorted {
		out[i] = r.clone()
	}
	return out, nil
}

func (m *MemoryReceiptStore) LastForEntity(_ context.Context, t source.EntityType, id source.EntityID) (*Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *Receipt
	for _, r := range m.receipts {
		if r.EntityType != t || r.EntityID != id {
			continue
		}
		if last == nil || !r.Timestamp.Before(last.Timestamp) {
			last = r
		}
	}
	if last == nil {
		return nil, nil
	}
	return last.clone(), nil
}

func (r *Receipt) clone() *Receipt {
	c := *r
	c.Sources = append([]string(nil), r.Sources...)
	c.MaskedFields = append([]string(nil), r.MaskedFields...)
	if r.Provenance != nil {
		c.Provenance = make(map[string][]string, len(r.Provenance))
		for k, v := range r.Provenance {
			c.Provenance[k] = append([]string(nil), v...)
		}
	}
	return &c
}
