package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// ErrObjectNotFound is returned by an ObjectReader for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectReader is the slice of an object store the archive needs.
type ObjectReader interface {
	Read(ctx context.Context, key string) ([]byte, error)
	// Ping checks that the bucket is reachable.
	Ping(ctx context.Context) error
}

// ArchiveSource reads JSON documents stored under {prefix}{type}/{id}.json.
type ArchiveSource struct {
	*source.Base
	store  ObjectReader
	prefix string
	ttl    time.Duration
	clock  func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	reachable bool
}

// NewArchiveSource wraps an object store. Types default to customer and risk.
func NewArchiveSource(name string, store ObjectReader, prefix string, types ...source.EntityType) *ArchiveSource {
	if len(types) == 0 {
		types = []source.EntityType{source.EntityCustomer, source.EntityRisk}
	}
	return &ArchiveSource{
		Base:   source.NewBase(name, types),
		store:  store,
		prefix: prefix,
		ttl:    30 * time.Second,
		clock:  time.Now,
	}
}

// ObjectKey returns the key a record is stored under.
func (s *ArchiveSource) ObjectKey(t source.EntityType, id source.EntityID) string {
	return fmt.Sprintf("%s%s/%d.json", s.prefix, t, id)
}

// IsAvailable pings the bucket at most once per TTL.
func (s *ArchiveSource) IsAvailable(ctx context.Context) bool {
	if s.store == nil || !s.Healthy() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if !s.checkedAt.IsZero() && now.Sub(s.checkedAt) < s.ttl {
		return s.reachable
	}
	s.reachable = s.store.Ping(ctx) == nil
	s.checkedAt = now
	return s.reachable
}

func (s *ArchiveSource) Fetch(ctx context.Context, t source.EntityType, id source.EntityID) (source.Payload, bool, error) {
	raw, err := s.store.Read(ctx, s.ObjectKey(t, id))
	if errors.Is(err, ErrObjectNotFound) {
		s.Record(ctx, nil)
		return nil, false, nil
	}
	if err != nil {
		s.Record(ctx, err)
		return nil, false, source.NewFetchError(s.Name(), t, id, err)
	}
	body, err := decodeObject(raw)
	if err != nil {
		s.Record(ctx, err)
		return nil, false, source.NewFetchError(s.Name(), t, id, err)
	}
	s.Record(ctx, nil)
	return source.Payload(body), true, nil
}
