package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSLONoObservations(t *testing.T) {
	tracker := NewSLOTracker()
	status := tracker.Status("bureau")
	assert.True(t, status.InCompliance)
	assert.Equal(t, 100.0, status.ErrorBudgetLeft)
	assert.Equal(t, 0, status.ObservationCount)
}

func TestSLOInCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	require.NoError(t, tracker.SetTarget(SLOTarget{Source: "bureau", LatencyP99: time.Second, SuccessRate: 0.99, Window: time.Hour}))

	for i := 0; i < 100; i++ {
		tracker.Record(SLOObservation{Source: "bureau", Latency: 100 * time.Millisecond, Success: true})
	}

	status := tracker.Status("bureau")
	assert.True(t, status.InCompliance)
	assert.Equal(t, 1.0, status.CurrentSuccess)
	assert.Equal(t, 100.0, status.CurrentP99Ms)
}

func TestSLOOutOfCompliance(t *testing.T) {
	tracker := NewSLOTracker()
	require.NoError(t, tracker.SetTarget(SLOTarget{Source: "partner", LatencyP99: 500 * time.Millisecond, SuccessRate: 0.99, Window: time.Hour}))

	for i := 0; i < 95; i++ {
		tracker.Record(SLOObservation{Source: "partner", Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 5; i++ {
		tracker.Record(SLOObservation{Source: "partner", Latency: 10 * time.Millisecond, Success: false})
	}

	status := tracker.Status("partner")
	assert.False(t, status.InCompliance)
	assert.InDelta(t, 5.0, status.BurnRate, 0.001)
	assert.Equal(t, 0.0, status.ErrorBudgetLeft)
}

func TestSLOLatencyBreach(t *testing.T) {
	tracker := NewSLOTracker()
	require.NoError(t, tracker.SetTarget(SLOTarget{Source: "archive", LatencyP99: 50 * time.Millisecond, SuccessRate: 0.5, Window: time.Hour}))
	tracker.Record(SLOObservation{Source: "archive", Latency: 200 * time.Millisecond, Success: true})

	assert.False(t, tracker.Status("archive").InCompliance)
}

func TestSLOWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewSLOTracker().WithClock(func() time.Time { return now })

	tracker.Record(SLOObservation{Source: "cache", Success: false, Timestamp: now.Add(-2 * time.Hour)})
	tracker.Record(SLOObservation{Source: "cache", Success: true, Timestamp: now.Add(-time.Minute)})

	status := tracker.Status("cache")
	assert.Equal(t, 1, status.ObservationCount, "default window is one hour")
	assert.True(t, status.InCompliance)
}

func TestSLOInvalidTarget(t *testing.T) {
	tracker := NewSLOTracker()
	assert.Error(t, tracker.SetTarget(SLOTarget{}))
	assert.Error(t, tracker.SetTarget(SLOTarget{Source: "x", SuccessRate: 1.5}))
}

func TestSLOBoundedObservations(t *testing.T) {
	tracker := NewSLOTracker()
	for i := 0; i < maxObservations+10; i++ {
		tracker.Record(SLOObservation{Source: "bureau", Success: true})
	}
	assert.Equal(t, maxObservations, tracker.Status("bureau").ObservationCount)
}
