// Package masking applies role- and feature-flag-driven field visibility to
// resolved entities. It is always the last stage before data leaves the
// engine.
package masking

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidPolicy is returned for policies that cannot be loaded or compiled.
var ErrInvalidPolicy = errors.New("invalid masking policy")

// Action is the visibility applied to one field.
type Action string

const (
	Show      Action = "SHOW"
	Hide      Action = "HIDE"
	Aggregate Action = "AGGREGATE"
)

// ParseAction accepts action names case-insensitively.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case Show, Hide, Aggregate:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidPolicy, s)
	}
}

// UnmarshalYAML upper-cases the action. Unknown names are kept and
// reported by Validate.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	*a = Action(strings.ToUpper(strings.TrimSpace(s)))
	return nil
}

// Wildcard matches any field in role rules and flag rules.
const Wildcard = "*"

// FlagRule is a feature-flag-gated default for one field. The condition is
// either a flag name or a CEL expression over role, field and flags. When
// the condition holds the Enabled action applies, otherwise Disabled; an
// empty action means the rule does not match in that state.
type FlagRule struct {
	Field    string `yaml:"field"`
	Flag     string `yaml:"flag,omitempty"`
	When     string `yaml:"when,omitempty"`
	Enabled  Action `yaml:"enabled,omitempty"`
	Disabled Action `yaml:"disabled,omitempty"`
}

// Policy is the full masking configuration.
type Policy struct {
	// Roles maps role -> field -> action. Field "*" matches every field.
	Roles map[string]map[string]Action `yaml:"roles"`
	// FlagDefaults are evaluated in order when no role rule matches.
	FlagDefaults []FlagRule `yaml:"flag_defaults"`
	// Sensitive lists name fragments marking PII-like fields. They fail
	// closed when no rule covers them.
	Sensitive []string `yaml:"sensitive"`
	// Flags declares flag names exposed to CEL conditions as the flags map.
	Flags []string `yaml:"flags"`
	// DefaultRole is used when the caller supplies none.
	DefaultRole string `yaml:"default_role"`
}

// DefaultSensitive covers common PII-like field names.
var DefaultSensitive = []string{
	"ssn", "social_security", "tax_id", "national_id", "passport",
	"email", "phone", "address", "birth", "dob",
	"account_number", "iban", "card_number",
}

// DefaultPolicy is used when no policy file is configured. Admins see
// everything, managers see aggregated income, users lose raw scores. A caller
// with no role is treated as DefaultRole "user", the least-privileged role.
func DefaultPolicy() *Policy {
	return &Policy{
		Roles: map[string]map[string]Action{
			"admin": {Wildcard: Show},
			"manager": {
				"income": Aggregate,
				"ssn":    Aggregate,
			},
			"user": {
				"score":        Hide,
				"credit_score": Hide,
				"risk_score":   Aggregate,
				"income":       Aggregate,
				"exposure":     Hide,
			},
		},
		FlagDefaults: []FlagRule{
			{Field: "credit_limit", Flag: "show_credit_limits", Enabled: Show, Disabled: Aggregate},
			{Field: "flag", When: `role == "user" && !flags["show_watchlist_flags"]`, Enabled: Hide},
		},
		Sensitive:   append([]string(nil), DefaultSensitive...),
		Flags:       []string{"show_credit_limits", "show_watchlist_flags"},
		DefaultRole: "user",
	}
}

// ParsePolicy decodes a YAML policy and validates its actions.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPolicy reads and parses a YAML policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read masking policy: %w", err)
	}
	return ParsePolicy(data)
}

// Validate checks every action and rule shape, reporting all problems.
func (p *Policy) Validate() error {
	var errs []error
	for role, fields := range p.Roles {
		for field, a := range fields {
			if _, err := ParseAction(string(a)); err != nil {
				errs = append(errs, fmt.Errorf("role %q field %q: %w", role, field, err))
			}
		}
	}
	for i, r := range p.FlagDefaults {
		if r.Field == "" {
			errs = append(errs, fmt.Errorf("%w: flag rule %d has no field", ErrInvalidPolicy, i))
		}
		if (r.Flag == "") == (r.When == "") {
			errs = append(errs, fmt.Errorf("%w: flag rule %d needs exactly one of flag or when", ErrInvalidPolicy, i))
		}
		if r.Enabled == "" && r.Disabled == "" {
			errs = append(errs, fmt.Errorf("%w: flag rule %d sets no action", ErrInvalidPolicy, i))
		}
		for _, a := range []Action{r.Enabled, r.Disabled} {
			if a == "" {
				continue
			}
			if _, err := ParseAction(string(a)); err != nil {
				errs = append(errs, fmt.Errorf("flag rule %d: %w", i, err))
			}
		}
	}
	return errors.Join(errs...)
}
