package source

import "context"

// StaticSource serves a fixed, deterministic record set. It stands in for
// simulated integrations and is the data provider behind catalog entries of
// kind "static".
type StaticSource struct {
	*Base
	records map[EntityType]map[EntityID]Payload
}

// NewStaticSource copies records so later caller mutations are not observed.
func NewStaticSource(name string, records map[EntityType]map[EntityID]Payload) *StaticSource {
	types := make([]EntityType, 0, len(records))
	copied := make(map[EntityType]map[EntityID]Payload, len(records))
	for t, byID := range records {
		types = append(types, t)
		inner := make(map[EntityID]Payload, len(byID))
		for id, p := range byID {
			inner[id] = p.Clone()
		}
		copied[t] = inner
	}
	return &StaticSource{
		Base:    NewBase(name, types),
		records: copied,
	}
}

// IsAvailable always reports true.
func (s *StaticSource) IsAvailable(context.Context) bool { return true }

// Fetch returns a copy of the stored record.
func (s *StaticSource) Fetch(_ context.Context, t EntityType, id EntityID) (Payload, bool, error) {
	p, ok := s.records[t][id]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}
