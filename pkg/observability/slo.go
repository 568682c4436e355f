package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SLOTarget is the service level a source is expected to meet.
type SLOTarget struct {
	Source      string        `json:"source" yaml:"source"`
	LatencyP99  time.Duration `json:"latency_p99" yaml:"latency_p99"`
	SuccessRate float64       `json:"success_rate" yaml:"success_rate"` // 0-1
	Window      time.Duration `json:"window" yaml:"window"`
}

// DefaultSLOTarget applies to sources without an explicit target.
func DefaultSLOTarget(sourceName string) SLOTarget {
	return SLOTarget{Source: sourceName, LatencyP99: time.Second, SuccessRate: 0.95, Window: time.Hour}
}

// SLOObservation is one source attempt. Absent entities count as success.
type SLOObservation struct {
	Source    string        `json:"source"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports a source's current compliance.
type SLOStatus struct {
	Source           string  `json:"source"`
	CurrentP99Ms     float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 means burning faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percentage remaining
	ObservationCount int     `json:"observation_count"`
}

// maxObservations bounds memory per source.
const maxObservations = 4096

// SLOTracker keeps a sliding window of attempts per source.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates an empty tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget sets the target for target.Source.
func (t *SLOTracker) SetTarget(target SLOTarget) error {
	if target.Source == "" {
		return fmt.Errorf("SLO target requires a source")
	}
	if target.SuccessRate < 0 || target.SuccessRate > 1 {
		return fmt.Errorf("SLO target for %q: success rate %v outside [0,1]", target.Source, target.SuccessRate)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Source] = target
	return nil
}

// Record appends an observation, dropping the oldest past the bound.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	list := append(t.observations[obs.Source], obs)
	if len(list) > maxObservations {
		list = append([]SLOObservation(nil), list[len(list)-maxObservations:]...)
	}
	t.observations[obs.Source] = list
}

// Status computes the current status of a source. Sources without a target
// are evaluated against DefaultSLOTarget.
func (t *SLOTracker) Status(sourceName string) SLOStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[sourceName]
	if !ok {
		target = DefaultSLOTarget(sourceName)
	}

	windowStart := t.clock().Add(-target.Window)
	var latencies []float64
	successes := 0
	for _, obs := range t.observations[sourceName] {
		if !obs.Timestamp.After(windowStart) {
			continue
		}
		latencies = append(latencies, float64(obs.Latency.Milliseconds()))
		if obs.Success {
			successes++
		}
	}

	if len(latencies) == 0 {
		return SLOStatus{Source: sourceName, InCompliance: true, ErrorBudgetLeft: 100.0}
	}

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]
	successRate := float64(successes) / float64(len(latencies))

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	budgetLeft := 100.0
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
		budgetLeft = 100.0 * (1.0 - burnRate)
	} else if errorRate > 0 {
		budgetLeft = 0
	}
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return SLOStatus{
		Source:           sourceName,
		CurrentP99Ms:     p99,
		CurrentSuccess:   successRate,
		InCompliance:     p99 <= float64(target.LatencyP99.Milliseconds()) && successRate >= target.SuccessRate,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(latencies),
	}
}
