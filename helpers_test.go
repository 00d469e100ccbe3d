package planner

import (
	"fmt"
	"time"
)

// Wednesday.
var testNow = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func hours(h int) *int { return &h }

func sequentialIDs(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestPlanner(opts ...Option) *Planner {
	base := []Option{WithClock(FixedClock(testNow)), WithIDGenerator(sequentialIDs("win-new"))}
	return New(append(base, opts...)...)
}

func treated(id string, level Criticality, est int) Anomaly {
	return Anomaly{
		ID:             id,
		Criticality:    level,
		Status:         AnomalyStatusTreated,
		EstimatedHours: hours(est),
		CreatedAt:      testNow.Add(-24 * time.Hour),
	}
}

func scheduledIn(a Anomaly, windowID string) Anomaly {
	a.MaintenanceWindowID = windowID
	return a
}

func window(id string, t WindowType, days int, startInDays int, assigned ...string) MaintenanceWindow {
	start := testNow.AddDate(0, 0, startInDays)
	return MaintenanceWindow{
		ID:                id,
		Type:              t,
		DurationDays:      days,
		StartDate:         start,
		EndDate:           start.AddDate(0, 0, days),
		Status:            WindowStatusPlanned,
		AssignedAnomalies: append([]string{}, assigned...),
	}
}
