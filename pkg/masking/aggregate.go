package masking

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// AggregatedPlaceholder replaces values that have no coarser form.
const AggregatedPlaceholder = "[aggregated]"

// scoreBucket is the width of a score range.
const scoreBucket = 50

// aggregate coarsens v. Scores become 50-wide ranges, other numbers an
// order-of-magnitude band, strings keep their first character.
func aggregate(field string, v any) any {
	if n, ok := number(v); ok {
		if strings.Contains(normalize(field), "score") {
			return scoreRange(n)
		}
		return magnitudeBand(n)
	}
	if s, ok := v.(string); ok {
		return maskString(s)
	}
	return AggregatedPlaceholder
}

func scoreRange(n float64) string {
	lo := int64(math.Floor(n/scoreBucket)) * scoreBucket
	return fmt.Sprintf("%d-%d", lo, lo+scoreBucket-1)
}

func magnitudeBand(n float64) string {
	sign := ""
	if n < 0 {
		sign, n = "-", -n
	}
	if n < 1000 {
		return sign + "0-1k"
	}
	exp, bound := 3, 1e4
	for n >= bound && exp < 15 {
		exp++
		bound *= 10
	}
	return fmt.Sprintf("%s%s-%s", sign, magnitudeLabel(exp), magnitudeLabel(exp+1))
}

func magnitudeLabel(exp int) string {
	suffixes := []string{"", "k", "M", "B", "T"}
	group := exp / 3
	if group >= len(suffixes) {
		group = len(suffixes) - 1
	}
	mult := int64(math.Pow10(exp - group*3))
	return fmt.Sprintf("%d%s", mult, suffixes[group])
}

func maskString(s string) string {
	if s == "" {
		return "***"
	}
	r, _ := utf8.DecodeRuneInString(s)
	return string(r) + "***"
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
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
