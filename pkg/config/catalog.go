package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/fedresolve/pkg/chain"
	"github.com/Mindburn-Labs/fedresolve/pkg/conflict"
	"github.com/Mindburn-Labs/fedresolve/pkg/masking"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// ErrInvalidConfig is returned for catalogs that fail validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Kind names a source implementation.
type Kind string

const (
	KindStatic         Kind = "static"
	KindCreditBureau   Kind = "credit_bureau"
	KindPartnerAPI     Kind = "partner_api"
	KindMarketData     Kind = "market_data"
	KindExternalRating Kind = "external_rating"
	KindLegacy         Kind = "legacy_customer"
	KindArchive        Kind = "archive"
	KindCache          Kind = "redis_cache"
)

var knownKinds = map[Kind]bool{
	KindStatic: true, KindCreditBureau: true, KindPartnerAPI: true, KindMarketData: true,
	KindExternalRating: true, KindLegacy: true, KindArchive: true, KindCache: true,
}

// Catalog is the YAML description of every source, chain and policy.
type Catalog struct {
	Sources  []SourceConfig                       `yaml:"sources"`
	Chains   map[source.EntityType][]chain.Link   `yaml:"chains"`
	Masking  *masking.Policy                      `yaml:"masking"`
	Defaults map[source.EntityType]map[string]any `yaml:"defaults"`
	// Strategy is the default conflict strategy.
	Strategy string `yaml:"strategy"`
}

// SourceConfig describes one source. Kind-specific fields are ignored by
// other kinds.
type SourceConfig struct {
	Name       string              `yaml:"name"`
	Kind       Kind                `yaml:"kind"`
	Priority   int                 `yaml:"priority"`
	Types      []source.EntityType `yaml:"types"`
	Fallback   string              `yaml:"fallback,omitempty"`
	Version    string              `yaml:"version,omitempty"`
	TrustClass source.TrustClass   `yaml:"trust_class,omitempty"`

	// HTTP kinds.
	BaseURL   string            `yaml:"base_url,omitempty"`
	APIKeyEnv string            `yaml:"api_key_env,omitempty"`
	Schema    string            `yaml:"schema,omitempty"`
	FieldMap  map[string]string `yaml:"field_map,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
	HealthTTL time.Duration     `yaml:"health_ttl,omitempty"`
	RateLimit float64           `yaml:"rate_limit,omitempty"`
	Burst     int               `yaml:"burst,omitempty"`
	Retries   int               `yaml:"retries,omitempty"`

	// legacy_customer.
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`

	// archive.
	Archive *ArchiveConfig `yaml:"archive,omitempty"`

	// redis_cache. Addr falls back to REDIS_ADDR.
	Addr     string        `yaml:"addr,omitempty"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`

	// Inline data for static, market_data and external_rating.
	Records map[source.EntityType]map[source.EntityID]map[string]any `yaml:"records,omitempty"`
	Quotes  map[source.EntityID]QuoteConfig                          `yaml:"quotes,omitempty"`
	Ratings []RatingConfig                                           `yaml:"ratings,omitempty"`
}

// ArchiveConfig selects the object store behind an archive source.
type ArchiveConfig struct {
	Backend  string `yaml:"backend"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// QuoteConfig is one inline market quote.
type QuoteConfig struct {
	Symbol     string    `yaml:"symbol"`
	Price      float64   `yaml:"price"`
	Volatility float64   `yaml:"volatility"`
	Currency   string    `yaml:"currency"`
	AsOf       time.Time `yaml:"as_of"`
}

// RatingConfig is one inline rating row.
type RatingConfig struct {
	EntityID source.EntityID `yaml:"entity_id"`
	Agency   string          `yaml:"agency"`
	Grade    string          `yaml:"grade"`
	Score    float64         `yaml:"score"`
	Outlook  string          `yaml:"outlook,omitempty"`
}

// Descriptor returns the registry descriptor for the source.
func (s SourceConfig) Descriptor() source.Descriptor {
	return source.Descriptor{
		Name:           s.Name,
		SupportedTypes: append([]source.EntityType(nil), s.Types...),
		Priority:       s.Priority,
		Fallback:       s.Fallback,
		Version:        s.Version,
		TrustClass:     s.TrustClass,
	}
}

// StaticRecords converts inline records to payloads.
func (s SourceConfig) StaticRecords() map[source.EntityType]map[source.EntityID]source.Payload {
	out := make(map[source.EntityType]map[source.EntityID]source.Payload, len(s.Records))
	for t, byID := range s.Records {
		inner := make(map[source.EntityID]source.Payload, len(byID))
		for id, p := range byID {
			inner[id] = source.Payload(p)
		}
		out[t] = inner
	}
	return out
}

// LoadCatalog reads and validates a YAML catalog.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: parse catalog: %v", ErrInvalidConfig, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every problem in the catalog at once.
func (c *Catalog) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	names := make(map[string]SourceConfig, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			fail("source %d has no name", i)
			continue
		}
		if _, dup := names[s.Name]; dup {
			fail("source %q is declared twice", s.Name)
			continue
		}
		names[s.Name] = s

		if !knownKinds[s.Kind] {
			fail("source %q has unknown kind %q", s.Name, s.Kind)
		}
		if len(s.Types) == 0 {
			fail("source %q declares no entity types", s.Name)
		}
		for _, t := range s.Types {
			if strings.TrimSpace(string(t)) == "" {
				fail("source %q declares an empty entity type", s.Name)
			}
		}
		switch s.Kind {
		case KindCreditBureau, KindPartnerAPI:
			if s.BaseURL == "" {
				fail("source %q needs base_url", s.Name)
			}
		case KindLegacy:
			if s.DSN == "" {
				fail("source %q needs dsn", s.Name)
			}
			if s.Driver != "sqlite" && s.Driver != "postgres" {
				fail("source %q driver must be sqlite or postgres, got %q", s.Name, s.Driver)
			}
		case KindArchive:
			if s.Archive == nil || s.Archive.Bucket == "" {
				fail("source %q needs archive.bucket", s.Name)
			} else if b := s.Archive.Backend; b != "" && b != "s3" && b != "gcs" {
				fail("source %q archive backend must be s3 or gcs, got %q", s.Name, b)
			}
		}
	}

	for _, s := range c.Sources {
		if s.Fallback == "" {
			continue
		}
		if _, ok := names[s.Fallback]; !ok {
			fail("source %q falls back to unknown source %q", s.Name, s.Fallback)
		}
	}

	for _, t := range sortedTypes(c.Chains) {
		for _, l := range c.Chains[t] {
			for _, name := range []string{l.From, l.To} {
				if _, ok := names[name]; !ok {
					fail("chain %s links unknown source %q", t, name)
				}
			}
		}
	}

	if c.Masking != nil {
		if err := c.Masking.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: masking: %w", ErrInvalidConfig, err))
		}
	}
	if _, err := conflict.ParseStrategy(c.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	for t := range c.Defaults {
		if strings.TrimSpace(string(t)) == "" {
			fail("default registered for an empty entity type")
		}
	}
	return errors.Join(errs...)
}

func sortedTypes[V any](m map[source.EntityType]V) []source.EntityType {
	out := make([]source.EntityType, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultPayloads converts the defaults section to payloads.
func (c *Catalog) DefaultPayloads() map[source.EntityType]source.Payload {
	out := make(map[source.EntityType]source.Payload, len(c.Defaults))
	for t, p := range c.Defaults {
		out[t] = source.Payload(p)
	}
	return out
}
