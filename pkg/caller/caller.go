// Package caller describes who is asking for an entity and how: role,
// feature flags, resolution mode and conflict strategy.
package caller

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/fedresolve/pkg/conflict"
	"github.com/Mindburn-Labs/fedresolve/pkg/resolver"
)

// FeatureFlags is the per-request flag capability. The engine never fetches
// flags itself.
type FeatureFlags interface {
	IsEnabled(name string) bool
}

// StaticFlags is a map-backed FeatureFlags.
type StaticFlags map[string]bool

// IsEnabled implements FeatureFlags.
func (s StaticFlags) IsEnabled(name string) bool { return s[name] }

// Names returns the enabled flags, sorted.
func (s StaticFlags) Names() []string {
	out := make([]string, 0, len(s))
	for name, on := range s {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// ParseFlags reads a comma-separated list such as "a,b,!c". A leading "!"
// records the flag as explicitly disabled.
func ParseFlags(s string) StaticFlags {
	out := StaticFlags{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if name, ok := strings.CutPrefix(part, "!"); ok {
			out[name] = false
			continue
		}
		out[part] = true
	}
	return out
}

// Context is the upstream caller contract for one resolution.
type Context struct {
	Role  string
	Flags FeatureFlags
	// Mode selects FIRST_SUCCESS (the zero value) or conflict-aware
	// resolution.
	Mode resolver.Mode
	// Strategy applies when more than one source answered. Empty uses the
	// service default.
	Strategy conflict.Strategy
	// Timeout bounds the whole resolution. Zero uses the service default.
	Timeout   time.Duration
	RequestID string
}

// EnsureRequestID returns c with a generated request id when none is set.
func (c Context) EnsureRequestID() Context {
	if c.RequestID == "" {
		c.RequestID = uuid.New().String()
	}
	return c
}

type contextKey struct{}

// WithContext attaches c to ctx.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext retrieves the caller attached by WithContext.
func FromContext(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(contextKey{}).(Context)
	return c, ok
}
