package planner

import (
	"fmt"
	"math"
	"sort"
)

type Reassignment struct {
	AnomalyID     string `json:"anomalyId"`
	OldWindowID   string `json:"oldWindowId"`
	NewWindowID   string `json:"newWindowId"`
	CurrentScore  int    `json:"currentScore"`
	ProposedScore int    `json:"proposedScore"`
	Improvement   int    `json:"improvement"`
}

type UtilizationStatus string

const (
	UtilizationUnderutilized UtilizationStatus = "underutilized"
	UtilizationBalanced      UtilizationStatus = "balanced"
	UtilizationOverloaded    UtilizationStatus = "overloaded"
)

type WindowOptimization struct {
	WindowID      string            `json:"windowId"`
	Utilization   float64           `json:"utilization"`
	UsedHours     float64           `json:"usedHours"`
	CapacityHours float64           `json:"capacityHours"`
	AssignedCount int               `json:"assignedCount"`
	Status        UtilizationStatus `json:"status"`
	Suggestions   []string          `json:"suggestions"`
}

type OptimizationReport struct {
	Reassignments       []Reassignment       `json:"reassignments"`
	WindowOptimizations []WindowOptimization `json:"windowOptimizations"`
	Suggestions         []string             `json:"suggestions"`
	OverallImprovement  float64              `json:"overallImprovement"`
}

// Optimize proposes moves for already-scheduled anomalies and reports window
// utilization. Nothing is applied; the caller decides.
func (p *Planner) Optimize(scheduled []Anomaly, windows []MaintenanceWindow, plans map[string]ActionPlan) (OptimizationReport, error) {
	check := inputCheck{op: "optimize"}
	check.anomalies(scheduled)
	check.windows(windows)
	check.links(scheduled, windows)
	if err := check.err(); err != nil {
		return OptimizationReport{}, err
	}

	report := OptimizationReport{
		Reassignments:       []Reassignment{},
		WindowOptimizations: []WindowOptimization{},
		Suggestions:         []string{},
	}

	planned := make([]MaintenanceWindow, 0, len(windows))
	byID := make(map[string]MaintenanceWindow, len(windows))
	for _, w := range windows {
		byID[w.ID] = w
		if w.Status == WindowStatusPlanned {
			planned = append(planned, w)
		}
	}
	sort.SliceStable(planned, func(i, j int) bool {
		if !planned[i].StartDate.Equal(planned[j].StartDate) {
			return planned[i].StartDate.Before(planned[j].StartDate)
		}
		return planned[i].ID < planned[j].ID
	})

	hoursOf := p.hoursLookup(scheduled, plans)
	tracker := NewCapacityTracker(planned, hoursOf, p.policy.BufferHours)
	now := p.clock.Now()

	ordered := append([]Anomaly{}, scheduled...)
	sortByPriority(ordered)
	for _, a := range ordered {
		current, ok := byID[a.MaintenanceWindowID]
		if !ok {
			continue
		}
		plan := planFor(plans, a.ID)
		currentScore := Score(a, current, plan, now)
		required := hoursOf(a.ID)
		for _, alt := range planned {
			if alt.ID == current.ID || !Compatible(alt.Type, a.Level()) || !tracker.HasCapacityFor(alt.ID, required) {
				continue
			}
			proposed := Score(a, alt, plan, now)
			gain := proposed - currentScore
			if gain <= p.policy.ReassignThreshold {
				continue
			}
			// Later proposals see the capacity this one would take.
			if err := tracker.Reserve(alt.ID, a); err != nil {
				return OptimizationReport{}, err
			}
			report.Reassignments = append(report.Reassignments, Reassignment{
				AnomalyID:     a.ID,
				OldWindowID:   current.ID,
				NewWindowID:   alt.ID,
				CurrentScore:  currentScore,
				ProposedScore: proposed,
				Improvement:   gain,
			})
			break
		}
	}

	for _, w := range planned {
		report.WindowOptimizations = append(report.WindowOptimizations, utilizationOf(w, hoursOf))
	}

	if n := len(report.Reassignments); n > 0 {
		total := 0
		for _, r := range report.Reassignments {
			total += r.Improvement
		}
		report.OverallImprovement = float64(total) / float64(n)
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("%d reassignments would raise compatibility by %.1f points on average", n, report.OverallImprovement))
	}
	under, over := 0, 0
	for _, wo := range report.WindowOptimizations {
		switch wo.Status {
		case UtilizationUnderutilized:
			under++
		case UtilizationOverloaded:
			over++
		}
	}
	if under > 1 {
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("%d windows are underutilized: consider consolidating them", under))
	}
	if over > 0 {
		report.Suggestions = append(report.Suggestions,
			fmt.Sprintf("%d windows are overloaded: split or extend them", over))
	}
	return report, nil
}

// Utilization computes the diagnostics of a single window.
func (p *Planner) Utilization(w MaintenanceWindow, anomalies []Anomaly, plans map[string]ActionPlan) WindowOptimization {
	return utilizationOf(w, p.hoursLookup(anomalies, plans))
}

func utilizationOf(w MaintenanceWindow, hoursOf func(string) float64) WindowOptimization {
	used := 0.0
	for _, id := range w.AssignedAnomalies {
		used += hoursOf(id)
	}
	capacity := w.CapacityHours()
	utilization := 0.0
	if capacity > 0 {
		utilization = used / capacity * 100
	}
	wo := WindowOptimization{
		WindowID:      w.ID,
		Utilization:   math.Round(utilization*10) / 10,
		UsedHours:     used,
		CapacityHours: capacity,
		AssignedCount: len(w.AssignedAnomalies),
		Status:        UtilizationBalanced,
		Suggestions:   []string{},
	}
	switch {
	case utilization < underutilizedBelow:
		wo.Status = UtilizationUnderutilized
		wo.Suggestions = append(wo.Suggestions,
			fmt.Sprintf("window %s is %.0f%% used: consolidate with another window or shorten it toward %d%%", w.ID, utilization, targetUtilization))
	case utilization > overloadedAbove:
		wo.Status = UtilizationOverloaded
		extra := int(math.Ceil(used/(24*targetUtilization/100))) - w.DurationDays
		if extra < 1 {
			extra = 1
		}
		wo.Suggestions = append(wo.Suggestions,
			fmt.Sprintf("window %s is %.0f%% used: split it or extend it by %d days", w.ID, utilization, extra))
	}
	return wo
}
