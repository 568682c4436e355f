package source

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceFetch marks a genuine fault in a source's underlying call.
	ErrSourceFetch = errors.New("source fetch failed")
	// ErrDuplicateSource is returned when a name is registered twice.
	ErrDuplicateSource = errors.New("duplicate source")
	// ErrInvalidDescriptor is returned for descriptors that cannot be registered.
	ErrInvalidDescriptor = errors.New("invalid source descriptor")
	// ErrRegistrySealed is returned when registering after startup.
	ErrRegistrySealed = errors.New("source registry sealed")
)

// FetchError reports a source fault. The resolver recovers from it locally.
type FetchError struct {
	Source     string
	EntityType EntityType
	EntityID   EntityID
	Err        error
}

// NewFetchError wraps err as a fault of the named source.
func NewFetchError(sourceName string, t EntityType, id EntityID, err error) *FetchError {
	return &FetchError{Source: sourceName, EntityType: t, EntityID: id, Err: err}
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("source %s: fetch %s/%d: %v", e.Source, e.EntityType, e.EntityID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSourceFetch) hold for every FetchError.
func (e *FetchError) Is(target error) bool { return target == ErrSourceFetch }

// DuplicateSourceError is a startup misconfiguration.
type DuplicateSourceError struct {
	Name string
}

func (e *DuplicateSourceError) Error() string {
	return fmt.Sprintf("source %q already registered", e.Name)
}

func (e *DuplicateSourceError) Is(target error) bool { return target == ErrDuplicateSource }
