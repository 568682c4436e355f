package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/fedresolve/pkg/observability"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// healthCheckTimeout bounds each source's availability check.
const healthCheckTimeout = time.Second

// SourceHealth is a point-in-time view of one registered source.
type SourceHealth struct {
	Name      string                  `json:"name"`
	Priority  int                     `json:"priority"`
	Types     []source.EntityType     `json:"types"`
	Available bool                    `json:"available"`
	Breaker   source.BreakerState     `json:"breaker,omitempty"`
	SLO       observability.SLOStatus `json:"slo"`
}

// Health checks every registered source concurrently and returns one entry
// per source in registry name order.
func (s *Service) Health(ctx context.Context) []SourceHealth {
	names := s.registry.Names()
	out := make([]SourceHealth, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		reg, ok := s.registry.Lookup(name)
		if !ok {
			continue
		}
		out[i] = SourceHealth{
			Name:     name,
			Priority: reg.Descriptor.Priority,
			Types:    declaredTypes(reg),
			SLO:      s.slo.Status(name),
		}
		if b, ok := reg.Source.(interface{ BreakerState() source.BreakerState }); ok {
			out[i].Breaker = b.BreakerState()
		}

		wg.Add(1)
		go func(i int, src source.DataSource) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()
			out[i].Available = src.IsAvailable(checkCtx)
		}(i, reg.Source)
	}
	wg.Wait()

	for _, h := range out {
		if !h.Available {
			s.logger.WarnContext(ctx, "source unavailable", "source", h.Name, "breaker", h.Breaker)
		}
	}
	return out
}
