package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// PartnerAPIConfig configures a PartnerAPISource.
type PartnerAPIConfig struct {
	Name    string
	BaseURL string
	Types   []source.EntityType
	// FieldMap renames partner fields to house names. Unmapped fields pass
	// through unchanged.
	FieldMap  map[string]string
	HealthTTL time.Duration
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	Client    *http.Client
}

// PartnerAPISource reads entities from a partner over HTTP:
// GET {base}/entities/{type}/{id}. Availability comes from {base}/health.
type PartnerAPISource struct {
	*source.Base
	baseURL  string
	http     *jsonClient
	fieldMap map[string]string
	ttl      time.Duration
	clock    func() time.Time

	mu        sync.Mutex
	checkedAt time.Time
	healthy   bool
}

// NewPartnerAPISource validates cfg.
func NewPartnerAPISource(cfg PartnerAPIConfig) (*PartnerAPISource, error) {
	if cfg.Name == "" || cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: partner API needs name and base URL", source.ErrInvalidDescriptor)
	}
	ttl := cfg.HealthTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	fieldMap := make(map[string]string, len(cfg.FieldMap))
	for k, v := range cfg.FieldMap {
		fieldMap[k] = v
	}
	return &PartnerAPISource{
		Base:     source.NewBase(cfg.Name, cfg.Types, rateOption(cfg.RateLimit, cfg.Burst)...),
		baseURL:  trimBase(cfg.BaseURL),
		http:     newJSONClient(cfg.Client, cfg.Timeout, nil),
		fieldMap: fieldMap,
		ttl:      ttl,
		clock:    time.Now,
	}, nil
}

// IsAvailable checks the health endpoint at most once per TTL. An open
// breaker short-circuits the check.
func (s *PartnerAPISource) IsAvailable(ctx context.Context) bool {
	if !s.Healthy() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if !s.checkedAt.IsZero() && now.Sub(s.checkedAt) < s.ttl {
		return s.healthy
	}
	s.healthy = s.http.ping(ctx, s.baseURL+"/health")
	s.checkedAt = now
	return s.healthy
}

func (s *PartnerAPISource) Fetch(ctx context.Context, t source.EntityType, id source.EntityID) (source.Payload, bool, error) {
	if err := s.Wait(ctx); err != nil {
		return nil, false, source.NewFetchError(s.Name(), t, id, err)
	}

	body, err := s.http.get(ctx, fmt.Sprintf("%s/entities/%s/%d", s.baseURL, t, id))
	if errors.Is(err, errNotFound) {
		s.Record(ctx, nil)
		return nil, false, nil
	}
	if err != nil {
		s.Record(ctx, err)
		return nil, false, source.NewFetchError(s.Name(), t, id, err)
	}
	s.Record(ctx, nil)
	return s.translate(body), true, nil
}

// translate renames mapped fields. A mapped field replaces an unmapped one
// of the same name, and when several partner fields map to one house name
// the first in lexical order wins.
func (s *PartnerAPISource) translate(body map[string]any) source.Payload {
	out := make(source.Payload, len(body))
	var mapped []string
	for k, v := range body {
		if _, ok := s.fieldMap[k]; ok {
			mapped = append(mapped, k)
			continue
		}
		out[k] = v
	}
	sort.Strings(mapped)

	taken := make(map[string]bool, len(mapped))
	for _, k := range mapped {
		name := s.fieldMap[k]
		if taken[name] {
			continue
		}
		taken[name] = true
		out[name] = body[k]
	}
	return out
}
