package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreBaseTable(t *testing.T) {
	cases := []struct {
		window WindowType
		level  Criticality
		want   int
	}{
		{WindowTypeForce, CriticalityCritical, 100},
		{WindowTypeForce, CriticalityHigh, 80},
		{WindowTypeForce, CriticalityMedium, 60},
		{WindowTypeForce, CriticalityLow, 40},
		{WindowTypeMajor, CriticalityCritical, 90},
		{WindowTypeMajor, CriticalityHigh, 95},
		{WindowTypeMajor, CriticalityMedium, 85},
		{WindowTypeMajor, CriticalityLow, 70},
		{WindowTypeMinor, CriticalityCritical, 60},
		{WindowTypeMinor, CriticalityHigh, 70},
		{WindowTypeMinor, CriticalityMedium, 90},
		{WindowTypeMinor, CriticalityLow, 95},
	}
	for _, tc := range cases {
		// Two weeks out: neither timing adjustment applies.
		w := window("w", tc.window, 2, 14)
		a := treated("a", tc.level, 4)
		assert.Equal(t, tc.want, Score(a, w, nil, testNow), "%s/%s", tc.window, tc.level)
	}
}

func TestScoreDurationFit(t *testing.T) {
	a := treated("a", CriticalityMedium, 4)
	w := window("w", WindowTypeForce, 2, 14) // 48h

	assert.Equal(t, 90, Score(a, w, &ActionPlan{TotalDurationHours: 10, Priority: 5}, testNow))
	assert.Equal(t, 80, Score(a, w, &ActionPlan{TotalDurationHours: 45, Priority: 5}, testNow))
	assert.Equal(t, 30, Score(a, w, &ActionPlan{TotalDurationHours: 50, Priority: 5}, testNow))
}

func TestScorePriorityBonus(t *testing.T) {
	a := treated("a", CriticalityLow, 4)
	w := window("w", WindowTypeForce, 2, 14)
	want := map[int]int{1: 90, 2: 85, 3: 80, 4: 75, 5: 70, 0: 70}
	for priority, score := range want {
		assert.Equal(t, score, Score(a, w, &ActionPlan{Priority: priority}, testNow), "priority %d", priority)
	}
}

func TestScoreTiming(t *testing.T) {
	critical := treated("c", CriticalityCritical, 4)
	assert.Equal(t, 75, Score(critical, window("soon", WindowTypeMinor, 1, 3), nil, testNow))
	assert.Equal(t, 75, Score(critical, window("week", WindowTypeMinor, 1, 7), nil, testNow))
	assert.Equal(t, 60, Score(critical, window("later", WindowTypeMinor, 1, 10), nil, testNow))

	low := treated("l", CriticalityLow, 4)
	assert.Equal(t, 50, Score(low, window("far", WindowTypeForce, 1, 45), nil, testNow))
	assert.Equal(t, 40, Score(low, window("near", WindowTypeForce, 1, 20), nil, testNow))
}

func TestScoreIsClamped(t *testing.T) {
	a := treated("a", CriticalityMedium, 4)
	w := window("w", WindowTypeMinor, 2, 14)
	assert.Equal(t, 100, Score(a, w, &ActionPlan{TotalDurationHours: 1, Priority: 1}, testNow))
}

func TestCompatibility(t *testing.T) {
	allowed := map[WindowType][]Criticality{
		WindowTypeForce: {CriticalityCritical},
		WindowTypeMajor: {CriticalityCritical, CriticalityHigh, CriticalityMedium},
		WindowTypeMinor: {CriticalityHigh, CriticalityMedium, CriticalityLow},
	}
	levels := []Criticality{CriticalityCritical, CriticalityHigh, CriticalityMedium, CriticalityLow}
	for wt, ok := range allowed {
		for _, level := range levels {
			assert.Equal(t, contains(ok, level), Compatible(wt, level), "%s/%s", wt, level)
		}
	}
	assert.False(t, Compatible(WindowType("weekly"), CriticalityLow))
}

func contains(levels []Criticality, c Criticality) bool {
	for _, l := range levels {
		if l == c {
			return true
		}
	}
	return false
}

func TestExactMatch(t *testing.T) {
	assert.True(t, ExactMatch(WindowTypeForce, CriticalityCritical))
	assert.True(t, ExactMatch(WindowTypeMinor, CriticalityHigh))
	assert.True(t, ExactMatch(WindowTypeMinor, CriticalityLow))
	assert.False(t, ExactMatch(WindowTypeMajor, CriticalityHigh))
	assert.False(t, ExactMatch(WindowTypeMinor, Criticality("")))
}
