package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// Registered pairs a descriptor with its source.
type Registered struct {
	Descriptor Descriptor
	Source     DataSource
}

// Name is shorthand for the descriptor name.
func (r Registered) Name() string { return r.Descriptor.Name }

// Supports reports whether both the descriptor and the source accept t.
func (r Registered) Supports(t EntityType) bool {
	return r.Descriptor.Declares(t) && r.Source.Supports(t)
}

// Registry is the process-wide catalog of sources. All registrations happen
// at startup, before any resolution traffic.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Registered
	sealed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Registered),
	}
}

// Register adds a source under the descriptor's unique name.
func (r *Registry) Register(desc Descriptor, src DataSource) error {
	if desc.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDescriptor)
	}
	if src == nil {
		return fmt.Errorf("%w: source %q is nil", ErrInvalidDescriptor, desc.Name)
	}
	if desc.Version != "" {
		if _, err := semver.NewVersion(desc.Version); err != nil {
			return fmt.Errorf("%w: source %q version %q: %v", ErrInvalidDescriptor, desc.Name, desc.Version, err)
		}
	}
	if desc.Fallback == desc.Name {
		return fmt.Errorf("%w: source %q falls back to itself", ErrInvalidDescriptor, desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %q: %w", desc.Name, ErrRegistrySealed)
	}
	if _, exists := r.entries[desc.Name]; exists {
		return &DuplicateSourceError{Name: desc.Name}
	}
	r.entries[desc.Name] = Registered{Descriptor: desc.clone(), Source: src}
	return nil
}

// Seal rejects every later registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// SourcesFor returns the sources supporting t, ascending by priority with
// ties broken by name. It returns an empty slice, never an error, when no
// source supports t.
func (r *Registry) SourcesFor(t EntityType) []Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registered, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Supports(t) {
			out = append(out, Registered{Descriptor: e.Descriptor.clone(), Source: e.Source})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Descriptor.Priority != out[j].Descriptor.Priority {
			return out[i].Descriptor.Priority < out[j].Descriptor.Priority
		}
		return out[i].Descriptor.Name < out[j].Descriptor.Name
	})
	return out
}

// Lookup returns the named source.
func (r *Registry) Lookup(name string) (Registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Registered{}, false
	}
	return Registered{Descriptor: e.Descriptor.clone(), Source: e.Source}, true
}

// Names returns every registered name in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
