package masking

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fedresolve/pkg/entity"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

func riskEntity() *entity.Resolved {
	return &entity.Resolved{
		EntityType: source.EntityRisk,
		EntityID:   1,
		Payload: source.Payload{
			"score":        700,
			"flag":         "pep",
			"income":       54000.0,
			"credit_limit": 12000,
			"email":        "ada@example.com",
			"segment":      "retail",
			"contact":      map[string]any{"phone": "+33 1 23", "city": "Lyon"},
		},
		Provenance: entity.Provenance{
			"score": {"SourceA"}, "flag": {"SourceB"}, "income": {"SourceA"},
			"credit_limit": {"SourceA"}, "email": {"SourceB"}, "segment": {"SourceB"},
			"contact": {"SourceB"},
		},
		Sources: []string{"SourceA", "SourceB"},
	}
}

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(nil)
	require.NoError(t, err)
	return e
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" aggregate ")
	require.NoError(t, err)
	assert.Equal(t, Aggregate, a)

	_, err = ParseAction("blur")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestMask_UserHidesScore(t *testing.T) {
	e := defaultEngine(t)
	in := riskEntity()

	out := e.Mask(in, "user", nil)

	assert.NotContains(t, out.Payload, "score")
	assert.Contains(t, out.MaskedFields, "score")
	assert.NotContains(t, out.Provenance, "score")
	assert.Equal(t, 700, in.Payload["score"], "input is not modified")
	assert.Empty(t, in.MaskedFields)
}

func TestMask_AdminSeesEverything(t *testing.T) {
	e := defaultEngine(t)
	out := e.Mask(riskEntity(), "admin", nil)
	assert.Equal(t, riskEntity().Payload, out.Payload)
	assert.Empty(t, out.MaskedFields)
	assert.Empty(t, out.AggregatedFields)
}

func TestMask_Precedence(t *testing.T) {
	e := defaultEngine(t)

	// Role rule.
	assert.Equal(t, Aggregate, e.Decide("manager", "income", nil))
	// Flag-gated default, both states.
	assert.Equal(t, Aggregate, e.Decide("manager", "credit_limit", nil))
	assert.Equal(t, Show, e.Decide("manager", "credit_limit", FlagSet{"show_credit_limits": true}))
	// Sensitive fallback fails closed, plain fields pass.
	assert.Equal(t, Hide, e.Decide("manager", "email", nil))
	assert.Equal(t, Hide, e.Decide("manager", "contact.phone", nil))
	assert.Equal(t, Show, e.Decide("manager", "segment", nil))
	// CEL condition over role and flags.
	assert.Equal(t, Hide, e.Decide("user", "flag", nil))
	assert.Equal(t, Show, e.Decide("user", "flag", FlagSet{"show_watchlist_flags": true}))
	assert.Equal(t, Show, e.Decide("manager", "flag", nil))
}

func TestMask_EmptyRoleUsesDefault(t *testing.T) {
	e := defaultEngine(t)
	assert.Equal(t, Hide, e.Decide("", "score", nil))
}

func TestMask_NormalisesNames(t *testing.T) {
	e := defaultEngine(t)
	assert.Equal(t, Hide, e.Decide("USER", "Score", nil))
	assert.Equal(t, Hide, e.Decide("user", "ＳＣＯＲＥ", nil), "fullwidth letters fold to ASCII under NFKC")
	assert.Equal(t, Hide, e.Decide("manager", "E-MAIL_Address", nil))
}

func TestMask_Aggregates(t *testing.T) {
	e := defaultEngine(t)
	out := e.Mask(riskEntity(), "user", nil)

	assert.Equal(t, "10k-100k", out.Payload["income"])
	assert.Equal(t, "10k-100k", out.Payload["credit_limit"])
	assert.ElementsMatch(t, []string{"credit_limit", "income"}, out.AggregatedFields)
	assert.Equal(t, []string{"SourceA"}, out.Provenance["income"], "aggregated fields keep provenance")
}

func TestMask_NestedFields(t *testing.T) {
	e := defaultEngine(t)
	out := e.Mask(riskEntity(), "manager", nil)

	contact := out.Payload["contact"].(map[string]any)
	assert.NotContains(t, contact, "phone")
	assert.Equal(t, "Lyon", contact["city"])
	assert.Contains(t, out.MaskedFields, "contact.phone")
	assert.Contains(t, out.Provenance, "contact")
}

func TestMask_FieldListsAreSorted(t *testing.T) {
	e := defaultEngine(t)
	for i := 0; i < 10; i++ {
		out := e.Mask(riskEntity(), "user", nil)
		assert.True(t, sort.StringsAreSorted(out.MaskedFields), "masked: %v", out.MaskedFields)
		assert.True(t, sort.StringsAreSorted(out.AggregatedFields), "aggregated: %v", out.AggregatedFields)
		assert.Contains(t, out.MaskedFields, "contact.phone")
		assert.Contains(t, out.MaskedFields, "score")
	}
}

func TestMask_IdempotentAndDisjoint(t *testing.T) {
	e := defaultEngine(t)
	for _, role := range []string{"admin", "manager", "user", "auditor"} {
		flags := FlagSet{"show_credit_limits": role == "auditor"}
		once := e.Mask(riskEntity(), role, flags)
		twice := e.Mask(once, role, flags)
		assert.Equal(t, once, twice, role)
		for _, f := range once.MaskedFields {
			assert.NotContains(t, once.Payload, f, role)
		}
	}
}

func TestMask_NilEntity(t *testing.T) {
	assert.Nil(t, defaultEngine(t).Mask(nil, "user", nil))
}

func TestNewEngine_RejectsInvalidPolicies(t *testing.T) {
	cases := map[string]*Policy{
		"unknown action": {Roles: map[string]map[string]Action{"user": {"score": "BLUR"}}},
		"no condition":   {FlagDefaults: []FlagRule{{Field: "x", Enabled: Hide}}},
		"two conditions": {FlagDefaults: []FlagRule{{Field: "x", Flag: "f", When: "true", Enabled: Hide}}},
		"no action":      {FlagDefaults: []FlagRule{{Field: "x", Flag: "f"}}},
		"bad CEL":        {FlagDefaults: []FlagRule{{Field: "x", When: "role ==", Enabled: Hide}}},
		"non-bool CEL":   {FlagDefaults: []FlagRule{{Field: "x", When: "role", Enabled: Hide}}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewEngine(p)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestDecide_UndeclaredFlagFailsClosed(t *testing.T) {
	e, err := NewEngine(&Policy{
		FlagDefaults: []FlagRule{{Field: "segment", When: `flags["never_declared"]`, Disabled: Show}},
		Sensitive:    []string{},
	})
	require.NoError(t, err)
	assert.Equal(t, Hide, e.Decide("user", "segment", nil))
}

func TestDecide_WildcardRules(t *testing.T) {
	e, err := NewEngine(&Policy{
		Roles: map[string]map[string]Action{
			"guest": {Wildcard: Hide, "name": Show},
		},
		FlagDefaults: []FlagRule{{Field: Wildcard, Flag: "lockdown", Enabled: Hide}},
	})
	require.NoError(t, err)

	assert.Equal(t, Show, e.Decide("guest", "name", nil))
	assert.Equal(t, Hide, e.Decide("guest", "segment", nil))
	assert.Equal(t, Show, e.Decide("user", "segment", nil))
	assert.Equal(t, Hide, e.Decide("user", "segment", FlagSet{"lockdown": true}))
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "masking.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_role: user
roles:
  user:
    score: hide
  admin:
    "*": SHOW
flag_defaults:
  - field: credit_limit
    flag: show_credit_limits
    enabled: SHOW
    disabled: AGGREGATE
`), 0o600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	e, err := NewEngine(p)
	require.NoError(t, err)

	assert.Equal(t, Hide, e.Decide("user", "score", nil))
	assert.Equal(t, Aggregate, e.Decide("user", "credit_limit", nil))
	assert.Equal(t, Hide, e.Decide("user", "ssn", nil), "omitted sensitive list uses the defaults")

	_, err = LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParsePolicy([]byte("roles: [1, 2"))
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
