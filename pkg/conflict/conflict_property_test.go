//go:build property

package conflict

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// genResults builds 1-5 results with distinct names and small overlapping
// key sets so every strategy sees real conflicts.
func genResults() gopter.Gen {
	return gen.SliceOfN(5, gen.IntRange(0, 9)).Map(func(seeds []int) []source.Result {
		n := seeds[0]%5 + 1
		out := make([]source.Result, n)
		for i := 0; i < n; i++ {
			s := seeds[i]
			out[i] = source.Result{
				SourceName: fmt.Sprintf("src-%d", i),
				Priority:   s % 3,
				FetchedAt:  time.Unix(int64(s%2), 0),
				Payload: source.Payload{
					"risk_score": s,
					"grade":      []string{"A", "B"}[s%2],
				},
			}
			if s%3 == 0 {
				out[i].Payload["credit_limit"] = float64(s * 100)
			}
		}
		return out
	})
}

func TestConflictProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	strategies := []Strategy{HighestPriority, MostRecent, Majority, Conservative}

	properties.Property("merge is independent of input order", prop.ForAll(
		func(results []source.Result) bool {
			reversed := make([]source.Result, len(results))
			for i, r := range results {
				reversed[len(results)-1-i] = r
			}
			for _, s := range strategies {
				a, errA := Resolve(results, s)
				b, errB := Resolve(reversed, s)
				if errA != nil || errB != nil || !reflect.DeepEqual(a, b) {
					return false
				}
			}
			return true
		},
		genResults(),
	))

	properties.Property("every merged field has provenance from an input", prop.ForAll(
		func(results []source.Result) bool {
			names := make(map[string]bool, len(results))
			for _, r := range results {
				names[r.SourceName] = true
			}
			for _, s := range strategies {
				m, err := Resolve(results, s)
				if err != nil || len(m.Payload) != len(m.Provenance) {
					return false
				}
				for field := range m.Payload {
					from := m.Provenance[field]
					if len(from) == 0 {
						return false
					}
					for _, name := range from {
						if !names[name] {
							return false
						}
					}
				}
			}
			return true
		},
		genResults(),
	))

	properties.TestingRun(t)
}
