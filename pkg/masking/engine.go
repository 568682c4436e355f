package masking

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/fedresolve/pkg/entity"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

// FeatureFlags is the caller's flag evaluation, consumed as an opaque
// predicate.
type FeatureFlags interface {
	IsEnabled(name string) bool
}

// FlagSet is a map-backed FeatureFlags. Missing flags are disabled.
type FlagSet map[string]bool

// IsEnabled implements FeatureFlags.
func (f FlagSet) IsEnabled(name string) bool { return f[name] }

type noFlags struct{}

func (noFlags) IsEnabled(string) bool { return false }

type compiledRule struct {
	field    string
	flag     string
	prg      cel.Program
	enabled  Action
	disabled Action
}

// Engine applies a compiled Policy. It is safe for concurrent use.
type Engine struct {
	roles       map[string]map[string]Action
	rules       []compiledRule
	sensitive   []string
	flags       []string
	defaultRole string
	logger      *slog.Logger
}

// NewEngine validates p, normalises its names and compiles every CEL
// condition. A nil policy uses DefaultPolicy.
func NewEngine(p *Policy) (*Engine, error) {
	if p == nil {
		p = DefaultPolicy()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	env, err := cel.NewEnv(
		cel.Variable("role", cel.StringType),
		cel.Variable("field", cel.StringType),
		cel.Variable("flags", cel.MapType(cel.StringType, cel.BoolType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	e := &Engine{
		roles:       make(map[string]map[string]Action, len(p.Roles)),
		defaultRole: normalize(p.DefaultRole),
		logger:      slog.Default().With("component", "masking"),
	}
	if e.defaultRole == "" {
		e.defaultRole = "user"
	}
	for role, fields := range p.Roles {
		m := make(map[string]Action, len(fields))
		for field, a := range fields {
			act, _ := ParseAction(string(a))
			m[normalize(field)] = act
		}
		e.roles[normalize(role)] = m
	}

	sensitive := p.Sensitive
	if sensitive == nil {
		sensitive = DefaultSensitive
	}
	for _, s := range sensitive {
		if n := normalize(s); n != "" {
			e.sensitive = append(e.sensitive, n)
		}
	}

	seen := make(map[string]bool)
	addFlag := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			e.flags = append(e.flags, name)
		}
	}
	for _, f := range p.Flags {
		addFlag(f)
	}

	for i, r := range p.FlagDefaults {
		cr := compiledRule{field: normalize(r.Field), flag: r.Flag}
		if r.Enabled != "" {
			cr.enabled, _ = ParseAction(string(r.Enabled))
		}
		if r.Disabled != "" {
			cr.disabled, _ = ParseAction(string(r.Disabled))
		}
		addFlag(r.Flag)
		if r.When != "" {
			ast, issues := env.Compile(r.When)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("%w: flag rule %d: %v", ErrInvalidPolicy, i, issues.Err())
			}
			if !ast.OutputType().IsExactType(cel.BoolType) {
				return nil, fmt.Errorf("%w: flag rule %d: condition must be bool, got %s", ErrInvalidPolicy, i, ast.OutputType())
			}
			prg, err := env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
			if err != nil {
				return nil, fmt.Errorf("%w: flag rule %d: %v", ErrInvalidPolicy, i, err)
			}
			cr.prg = prg
		}
		e.rules = append(e.rules, cr)
	}
	sort.Strings(e.flags)
	return e, nil
}

// Decide returns the action for one field. Field may be a dotted path for
// nested values; role rules and flag rules match the full path, the
// sensitive fallback matches the last segment.
func (e *Engine) Decide(role, field string, flags FeatureFlags) Action {
	if flags == nil {
		flags = noFlags{}
	}
	r := e.role(role)
	f := normalize(field)

	if rules, ok := e.roles[r]; ok {
		if a, ok := rules[f]; ok {
			return a
		}
		if a, ok := rules[Wildcard]; ok {
			return a
		}
	}

	var vars map[string]any
	for _, rule := range e.rules {
		if rule.field != f && rule.field != Wildcard {
			continue
		}
		var on bool
		if rule.prg == nil {
			on = flags.IsEnabled(rule.flag)
		} else {
			if vars == nil {
				vars = e.vars(r, flags)
			}
			vars["field"] = f
			var err error
			on, err = e.eval(rule.prg, vars)
			if err != nil {
				e.logger.Warn("flag condition failed, hiding field", "field", f, "role", r, "error", err)
				return Hide
			}
		}
		if on && rule.enabled != "" {
			return rule.enabled
		}
		if !on && rule.disabled != "" {
			return rule.disabled
		}
	}

	if e.isSensitive(f) {
		return Hide
	}
	return Show
}

// Mask returns a masked copy of r. The input is not modified. Masking an
// already-masked entity with the same role and flags changes nothing.
func (e *Engine) Mask(r *entity.Resolved, role string, flags FeatureFlags) *entity.Resolved {
	if r == nil {
		return nil
	}
	out := r.Clone()
	if out.Payload == nil {
		out.Payload = source.Payload{}
	}
	masked := toSet(out.MaskedFields)
	aggregated := toSet(out.AggregatedFields)

	e.maskMap(out.Payload, "", role, flags, masked, aggregated)

	for field := range out.Payload {
		delete(masked, field)
	}
	for field := range out.Provenance {
		if masked[field] {
			delete(out.Provenance, field)
		}
	}
	out.MaskedFields = fromSet(masked)
	out.AggregatedFields = fromSet(aggregated)
	return out
}

func (e *Engine) maskMap(m map[string]any, prefix, role string, flags FeatureFlags, masked, aggregated map[string]bool) {
	for _, k := range source.Payload(m).Keys() {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if aggregated[path] {
			continue
		}
		switch e.Decide(role, path, flags) {
		case Hide:
			delete(m, k)
			masked[path] = true
		case Aggregate:
			m[k] = aggregate(k, m[k])
			aggregated[path] = true
		default:
			switch nested := m[k].(type) {
			case map[string]any:
				e.maskMap(nested, path, role, flags, masked, aggregated)
			case source.Payload:
				e.maskMap(nested, path, role, flags, masked, aggregated)
			}
		}
	}
}

func (e *Engine) role(role string) string {
	if r := normalize(role); r != "" {
		return r
	}
	return e.defaultRole
}

func (e *Engine) vars(role string, flags FeatureFlags) map[string]any {
	fm := make(map[string]bool, len(e.flags))
	for _, name := range e.flags {
		fm[name] = flags.IsEnabled(name)
	}
	return map[string]any{"role": role, "flags": fm}
}

func (e *Engine) eval(prg cel.Program, vars map[string]any) (bool, error) {
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result is %T, not bool", out.Value())
	}
	return v, nil
}

func (e *Engine) isSensitive(field string) bool {
	leaf := field
	if i := strings.LastIndexByte(field, '.'); i >= 0 {
		leaf = field[i+1:]
	}
	for _, s := range e.sensitive {
		if strings.Contains(leaf, s) {
			return true
		}
	}
	return false
}

// normalize applies NFKC and Unicode case folding. A Caser carries state,
// so one is created per call.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Fold().String(norm.NFKC.String(s))
}

func toSet(list []string) map[string]bool {
	out := make(map[string]bool, len(list))
	for _, s := range list {
		out[s] = true
	}
	return out
}

func fromSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return entity.SortedFields(out)
}
