package adapters

import (
	"context"
	"sort"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// Rating is one row of an external rating table.
type Rating struct {
	EntityID source.EntityID
	Agency   string
	Grade    string
	Score    float64
	Outlook  string
}

// ExternalRatingDataSource serves ratings from a table injected at
// construction. Lookups use binary search over the id-sorted rows.
type ExternalRatingDataSource struct {
	*source.Base
	rows []Rating
}

// NewExternalRatingDataSource copies and sorts rows. When an id appears more
// than once the first row wins.
func NewExternalRatingDataSource(name string, rows []Rating, types ...source.EntityType) *ExternalRatingDataSource {
	if len(types) == 0 {
		types = []source.EntityType{source.EntityRisk, source.EntityCustomer}
	}
	sorted := append([]Rating(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].EntityID < sorted[j].EntityID })
	return &ExternalRatingDataSource{Base: source.NewBase(name, types), rows: sorted}
}

func (s *ExternalRatingDataSource) IsAvailable(context.Context) bool { return true }

func (s *ExternalRatingDataSource) Fetch(_ context.Context, _ source.EntityType, id source.EntityID) (source.Payload, bool, error) {
	i := sort.Search(len(s.rows), func(i int) bool { return s.rows[i].EntityID >= id })
	if i == len(s.rows) || s.rows[i].EntityID != id {
		return nil, false, nil
	}
	r := s.rows[i]
	return source.Payload{
		"rating_agency":  r.Agency,
		"rating_grade":   r.Grade,
		"rating_score":   r.Score,
		"rating_outlook": r.Outlook,
	}, true, nil
}
