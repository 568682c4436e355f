// Package conflict merges the results of several sources into one payload,
// field by field, under a configurable strategy.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/fedresolve/pkg/entity"
	"github.com/Mindburn-Labs/fedresolve/pkg/source"
)

var (
	// ErrNoResults is returned when there is nothing to merge.
	ErrNoResults = errors.New("no results to merge")
	// ErrUnknownStrategy is returned for an unrecognised strategy.
	ErrUnknownStrategy = errors.New("unknown conflict strategy")
)

// Strategy selects how a field is chosen when sources disagree.
type Strategy string

const (
	Conservative    Strategy = "CONSERVATIVE"
	MostRecent      Strategy = "MOST_RECENT"
	HighestPriority Strategy = "HIGHEST_PRIORITY"
	Majority        Strategy = "MAJORITY"
)

// ParseStrategy accepts strategy names case-insensitively. Empty yields
// HighestPriority.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToUpper(strings.TrimSpace(s))); st {
	case "":
		return HighestPriority, nil
	case Conservative, MostRecent, HighestPriority, Majority:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Merged is the conflict-resolved payload.
type Merged struct {
	Payload    source.Payload
	Provenance entity.Provenance
	// Sources lists every input source in priority order.
	Sources []string
}

// Resolve merges results. The input slice is not modified; it is sorted by
// priority (then name) internally, so the output is deterministic for a
// given set of results.
func Resolve(results []source.Result, strategy Strategy) (*Merged, error) {
	if len(results) == 0 {
		return nil, ErrNoResults
	}
	pick, err := picker(strategy)
	if err != nil {
		return nil, err
	}

	sorted := append([]source.Result(nil), results...)
	source.SortResults(sorted)

	m := &Merged{
		Payload:    make(source.Payload),
		Provenance: make(entity.Provenance),
		Sources:    make([]string, len(sorted)),
	}
	for i, r := range sorted {
		m.Sources[i] = r.SourceName
	}

	if len(sorted) == 1 {
		for k, v := range sorted[0].Payload {
			m.Payload[k] = source.CloneValue(v)
			m.Provenance[k] = []string{sorted[0].SourceName}
		}
		return m, nil
	}

	for _, key := range fieldUnion(sorted) {
		var candidates []candidate
		for _, r := range sorted {
			if v, ok := r.Payload[key]; ok {
				candidates = append(candidates, candidate{result: r, value: v})
			}
		}
		value, from := pick(key, candidates)
		m.Payload[key] = source.CloneValue(value)
		m.Provenance[key] = from
	}
	return m, nil
}

// candidate is one source's value for a field. Candidates arrive in
// priority order.
type candidate struct {
	result source.Result
	value  any
}

type pickFunc func(key string, candidates []candidate) (any, []string)

func picker(s Strategy) (pickFunc, error) {
	switch s {
	case HighestPriority, "":
		return pickHighestPriority, nil
	case MostRecent:
		return pickMostRecent, nil
	case Majority:
		return pickMajority, nil
	case Conservative:
		return pickConservative, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, string(s))
	}
}

func pickHighestPriority(_ string, cs []candidate) (any, []string) {
	return cs[0].value, []string{cs[0].result.SourceName}
}

func pickMostRecent(_ string, cs []candidate) (any, []string) {
	best := cs[0]
	for _, c := range cs[1:] {
		if c.result.FetchedAt.After(best.result.FetchedAt) {
			best = c
		}
	}
	return best.value, []string{best.result.SourceName}
}

type group struct {
	value   any
	members []string
}

func pickMajority(_ string, cs []candidate) (any, []string) {
	var groups []*group
	index := make(map[string]*group)
	for _, c := range cs {
		k := canonical(c.value)
		g, ok := index[k]
		if !ok {
			g = &group{value: c.value}
			index[k] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, c.result.SourceName)
	}

	// Groups are in order of their first (highest-priority) member, so a
	// strict comparison keeps the higher-priority group on ties.
	best := groups[0]
	for _, g := range groups[1:] {
		if len(g.members) > len(best.members) {
			best = g
		}
	}
	return best.value, best.members
}

// canonical renders v as RFC 8785 canonical JSON so that equal values
// compare equal regardless of key order or number formatting.
func canonical(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func pickConservative(key string, cs []candidate) (any, []string) {
	preferMax, ok := conservativeDirection(key)
	if !ok {
		return pickHighestPriority(key, cs)
	}

	var best *candidate
	var bestNum float64
	for i := range cs {
		n, numeric := toFloat(cs[i].value)
		if !numeric {
			continue
		}
		if best == nil || (preferMax && n > bestNum) || (!preferMax && n < bestNum) {
			best, bestNum = &cs[i], n
		}
	}
	if best == nil {
		return pickHighestPriority(key, cs)
	}
	return best.value, []string{best.result.SourceName}
}

// conservativeDirection classifies risk-like field names. Limits take the
// minimum even when the name also mentions risk or exposure; otherwise risk
// and exposure take the maximum and scores and ratings the minimum.
func conservativeDirection(key string) (preferMax bool, ok bool) {
	k := strings.ToLower(key)
	switch {
	case strings.Contains(k, "limit"):
		return false, true
	case strings.Contains(k, "risk"), strings.Contains(k, "exposure"):
		return true, true
	case strings.Contains(k, "score"), strings.Contains(k, "rating"):
		return false, true
	default:
		return false, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func fieldUnion(results []source.Result) []string {
	seen := make(map[string]struct{})
	for _, r := range results {
		for k := range r.Payload {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
