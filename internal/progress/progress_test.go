package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFraction(t *testing.T) {
	tests := []struct {
		name          string
		processed     int
		total         int
		want          float64
		indeterminate bool
	}{
		{"start", 0, 10, 0, false},
		{"middle", 3, 4, 0.75, false},
		{"done", 10, 10, 1, false},
		{"overrun clamps", 12, 10, 1, false},
		{"unknown total", 5, 0, 0, true},
		{"negative total", 5, -1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, indeterminate := Fraction(tt.processed, tt.total)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.indeterminate, indeterminate)
		})
	}
}

func TestTrackerExactFractionPerFrame(t *testing.T) {
	rec := &Recorder{}
	tracker := NewTracker(rec)

	for k := 1; k <= 4; k++ {
		tracker.Report(k, 4)
		assert.Equal(t, float64(k)/4, tracker.Snapshot().Fraction)
	}
	assert.Equal(t, 1.0, tracker.Snapshot().Fraction)
	assert.Len(t, rec.Reports(), 4)
}

func TestTrackerDropsRegressions(t *testing.T) {
	rec := &Recorder{}
	tracker := NewTracker(rec)

	tracker.Report(5, 10)
	tracker.Report(3, 10)
	tracker.Report(6, 10)

	reports := rec.Reports()
	require.Len(t, reports, 2)
	assert.Equal(t, 5, reports[0].Processed)
	assert.Equal(t, 6, reports[1].Processed)
	assert.Equal(t, 0.6, tracker.Snapshot().Fraction)
}

func TestTrackerClampsOverrun(t *testing.T) {
	tracker := NewTracker()

	tracker.Report(11, 10)
	snap := tracker.Snapshot()
	assert.Equal(t, 1.0, snap.Fraction)
	assert.Equal(t, 10, snap.Processed)
	assert.Equal(t, 100, snap.Percent())
}

func TestTrackerIndeterminate(t *testing.T) {
	tracker := NewTracker()

	tracker.Report(7, 0)
	snap := tracker.Snapshot()
	assert.True(t, snap.Indeterminate)
	assert.Zero(t, snap.Fraction)
	assert.Equal(t, 7, snap.Processed)
}

func TestTrackerClear(t *testing.T) {
	rec := &Recorder{}
	tracker := NewTracker(rec)

	tracker.Report(1, 2)
	tracker.Clear()

	assert.False(t, tracker.Snapshot().Visible)
	assert.Equal(t, 1, rec.Clears())
}
