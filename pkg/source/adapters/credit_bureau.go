package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// CreditBureauConfig configures a CreditBureauSource.
type CreditBureauConfig struct {
	Name    string
	BaseURL string
	Types   []source.EntityType
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Schema is an optional JSON Schema every report must satisfy.
	Schema    string
	Retry     source.RetryPolicy
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	// Client overrides the HTTP client; Timeout is ignored when set.
	Client *http.Client
}

// CreditBureauSource reads reports from an external credit bureau over HTTP:
// GET {base}/v1/reports/{type}/{id}.
type CreditBureauSource struct {
	*source.Base
	baseURL string
	http    *jsonClient
	schema  *jsonschema.Schema
	retry   source.RetryPolicy
}

// NewCreditBureauSource validates cfg and compiles the report schema.
func NewCreditBureauSource(cfg CreditBureauConfig) (*CreditBureauSource, error) {
	if cfg.Name == "" || cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: credit bureau needs name and base URL", source.ErrInvalidDescriptor)
	}
	schema, err := compileSchema(cfg.Name, cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("credit bureau %s: %w", cfg.Name, err)
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = source.RetryPolicy{MaxAttempts: 3, Base: 100 * time.Millisecond, Max: time.Second, MaxJitter: 50 * time.Millisecond}
	}

	return &CreditBureauSource{
		Base:    source.NewBase(cfg.Name, cfg.Types, rateOption(cfg.RateLimit, cfg.Burst)...),
		baseURL: trimBase(cfg.BaseURL),
		http:    newJSONClient(cfg.Client, cfg.Timeout, header),
		schema:  schema,
		retry:   retry,
	}, nil
}

// IsAvailable reflects the circuit breaker; it performs no I/O.
func (s *CreditBureauSource) IsAvailable(context.Context) bool { return s.Healthy() }

func (s *CreditBureauSource) Fetch(ctx context.Context, t source.EntityType, id source.EntityID) (source.Payload, bool, error) {
	if err := s.Wait(ctx); err != nil {
		return nil, false, source.NewFetchError(s.Name(), t, id, err)
	}

	url := fmt.Sprintf("%s/v1/reports/%s/%d", s.baseURL, t, id)
	var body map[string]any
	err := s.retry.Do(ctx, url, func(ctx context.Context) error {
		var getErr error
		body, getErr = s.http.get(ctx, url)
		if errors.Is(getErr, errNotFound) {
			return source.Permanent(getErr)
		}
		return getErr
	})
	if errors.Is(err, errNotFound) {
		s.Record(ctx, nil)
		return nil, false, nil
	}
	if err != nil {
		s.Record(ctx, err)
		return nil, false, source.NewFetchError(s.Name(), t, id, err)
	}

	if s.schema != nil {
		if err := s.schema.Validate(body); err != nil {
			err = source.Permanent(fmt.Errorf("report failed schema validation: %w", err))
			s.Record(ctx, err)
			return nil, false, source.NewFetchError(s.Name(), t, id, err)
		}
	}
	s.Record(ctx, nil)
	return source.Payload(body), true, nil
}

func rateOption(limit float64, burst int) []source.BaseOption {
	if limit <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return []source.BaseOption{source.WithRateLimit(rate.Limit(limit), burst)}
}
