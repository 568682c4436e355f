//go:build property

package masking

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/fedresolve/pkg/entity"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

var propertyFields = []string{"score", "income", "email", "segment", "flag", "credit_limit", "exposure", "ssn"}

func genEntity() gopter.Gen {
	return gen.SliceOfN(len(propertyFields), gen.IntRange(-1, 90000)).Map(func(vals []int) *entity.Resolved {
		r := &entity.Resolved{
			EntityType: source.EntityCustomer,
			EntityID:   7,
			Payload:    source.Payload{},
			Provenance: entity.Provenance{},
		}
		for i, v := range vals {
			if v < 0 {
				continue
			}
			field := propertyFields[i]
			if v%2 == 0 {
				r.Payload[field] = v
			} else {
				r.Payload[field] = "v" + field
			}
			r.Provenance[field] = []string{"src"}
		}
		return r
	})
}

func TestMaskingProperties(t *testing.T) {
	e, err := NewEngine(nil)
	if err != nil {
		t.Fatal(err)
	}
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	roles := gen.OneConstOf("admin", "manager", "user", "", "guest")

	properties.Property("masking twice equals masking once", prop.ForAll(
		func(r *entity.Resolved, role string, flagOn bool) bool {
			flags := FlagSet{"show_credit_limits": flagOn, "show_watchlist_flags": flagOn}
			once := e.Mask(r, role, flags)
			return reflect.DeepEqual(once, e.Mask(once, role, flags))
		},
		genEntity(), roles, gen.Bool(),
	))

	properties.Property("masked fields never appear in the payload", prop.ForAll(
		func(r *entity.Resolved, role string) bool {
			out := e.Mask(r, role, nil)
			for _, f := range out.MaskedFields {
				if _, ok := out.Payload[f]; ok {
					return false
				}
				if _, ok := out.Provenance[f]; ok {
					return false
				}
			}
			return true
		},
		genEntity(), roles,
	))

	properties.Property("sensitive fields never leak to non-admin roles", prop.ForAll(
		func(r *entity.Resolved, role string) bool {
			if role == "admin" {
				return true
			}
			out := e.Mask(r, role, nil)
			_, email := out.Payload["email"]
			_, ssn := out.Payload["ssn"]
			return !email && (!ssn || out.IsAggregated("ssn"))
		},
		genEntity(), roles,
	))

	properties.TestingRun(t)
}
