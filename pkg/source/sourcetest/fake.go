// Package sourcetest provides a scriptable DataSource for tests.
package sourcetest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// Fake is a DataSource whose behaviour is fixed at construction. It counts
// calls so tests can assert that no wasted fetches happen.
type Fake struct {
	Name      string
	Types     []source.EntityType
	Available bool
	Records   map[source.EntityID]source.Payload
	// Err, when set, is returned from every Fetch wrapped as a FetchError.
	Err error
	// Delay is slept before answering; Fetch honours ctx while sleeping.
	Delay time.Duration
	// IgnoreContext makes Fetch sleep the full Delay even after ctx ends.
	IgnoreContext bool

	availabilityCalls atomic.Int64
	fetchCalls        atomic.Int64
}

// New creates an available fake that answers for the given records.
func New(name string, types []source.EntityType, records map[source.EntityID]source.Payload) *Fake {
	return &Fake{Name: name, Types: types, Available: true, Records: records}
}

// Descriptor returns a descriptor matching the fake.
func (f *Fake) Descriptor(priority int) source.Descriptor {
	return source.Descriptor{Name: f.Name, SupportedTypes: f.Types, Priority: priority}
}

func (f *Fake) IsAvailable(context.Context) bool {
	f.availabilityCalls.Add(1)
	return f.Available
}

func (f *Fake) Supports(t source.EntityType) bool {
	for _, st := range f.Types {
		if st == t {
			return true
		}
	}
	return false
}

func (f *Fake) Fetch(ctx context.Context, t source.EntityType, id source.EntityID) (source.Payload, bool, error) {
	f.fetchCalls.Add(1)

	if f.Delay > 0 {
		if f.IgnoreContext {
			time.Sleep(f.Delay)
		} else {
			timer := time.NewTimer(f.Delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return nil, false, source.NewFetchError(f.Name, t, id, ctx.Err())
			case <-timer.C:
			}
		}
	}

	if f.Err != nil {
		return nil, false, source.NewFetchError(f.Name, t, id, f.Err)
	}
	p, ok := f.Records[id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

// FetchCalls returns how many times Fetch ran.
func (f *Fake) FetchCalls() int64 { return f.fetchCalls.Load() }

// AvailabilityCalls returns how many times IsAvailable ran.
func (f *Fake) AvailabilityCalls() int64 { return f.availabilityCalls.Load() }
