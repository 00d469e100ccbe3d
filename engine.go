package planner

import (
	"fmt"
	"sort"
	"time"
)

// ReasonNewWindow explains assignments into windows synthesized for them.
const ReasonNewWindow = "new optimized window created"

type Assignment struct {
	AnomalyID string `json:"anomalyId"`
	WindowID  string `json:"windowId"`
	Score     int    `json:"score"`
	Reason    string `json:"reason"`
	NewWindow bool   `json:"newWindow"`
}

type AssignmentResult struct {
	Assignments []Assignment `json:"assignments"`
	// NewWindows were synthesized during the pass and already list their
	// anomalies.
	NewWindows []MaintenanceWindow `json:"newWindows"`
	// UpdatedWindows are existing windows whose assigned list grew.
	UpdatedWindows []MaintenanceWindow `json:"updatedWindows"`
	Unassigned     []string            `json:"unassigned"`
	// NeedsWindow lists critical and high anomalies left unplaced because no
	// open window existed at all, or because their work exceeds the largest
	// window the planner may synthesize.
	NeedsWindow       []string `json:"needsWindow"`
	OptimizationScore float64  `json:"optimizationScore"`
}

// Apply returns copies of anomalies with the back-reference of every
// assignment in r set.
func (r AssignmentResult) Apply(anomalies []Anomaly) []Anomaly {
	target := make(map[string]string, len(r.Assignments))
	for _, a := range r.Assignments {
		target[a.AnomalyID] = a.WindowID
	}
	out := make([]Anomaly, len(anomalies))
	for i, a := range anomalies {
		if windowID, ok := target[a.ID]; ok {
			a.MaintenanceWindowID = windowID
		}
		out[i] = a
	}
	return out
}

// Summary renders the counts shown to planners after a pass.
func (r AssignmentResult) Summary() string {
	msg := fmt.Sprintf("%d anomalies assigned automatically", len(r.Assignments))
	if n := len(r.NewWindows); n > 0 {
		msg += fmt.Sprintf(", %d new windows created", n)
	}
	if n := len(r.Unassigned) + len(r.NeedsWindow); n > 0 {
		msg += fmt.Sprintf("; %d anomalies not assigned: incompatible windows", n)
	}
	return msg
}

// AddWindow records a window synthesized after the pass, usually for the
// anomalies in NeedsWindow, together with an assignment for each anomaly it
// hosts.
func (r *AssignmentResult) AddWindow(w MaintenanceWindow) {
	r.NewWindows = append(r.NewWindows, w)
	placed := make(map[string]bool, len(w.AssignedAnomalies))
	for _, id := range w.AssignedAnomalies {
		placed[id] = true
		r.Assignments = append(r.Assignments, Assignment{
			AnomalyID: id,
			WindowID:  w.ID,
			Score:     100,
			Reason:    ReasonNewWindow,
			NewWindow: true,
		})
	}
	remaining := []string{}
	for _, id := range r.NeedsWindow {
		if !placed[id] {
			remaining = append(remaining, id)
		}
	}
	r.NeedsWindow = remaining
	r.OptimizationScore = meanScore(r.Assignments)
}

func emptyResult() AssignmentResult {
	return AssignmentResult{
		Assignments:    []Assignment{},
		NewWindows:     []MaintenanceWindow{},
		UpdatedWindows: []MaintenanceWindow{},
		Unassigned:     []string{},
		NeedsWindow:    []string{},
	}
}

func (p *Planner) eligible(a Anomaly) bool {
	switch a.Status {
	case AnomalyStatusTreated:
		return true
	case AnomalyStatusInProgress:
		return p.policy.AcceptInProgress
	default:
		return false
	}
}

func needsDedicatedWindow(c Criticality) bool {
	return c == CriticalityCritical || c == CriticalityHigh
}

// sortByPriority orders by criticality (most severe first), then age, then id.
func sortByPriority(anomalies []Anomaly) {
	sort.SliceStable(anomalies, func(i, j int) bool {
		ri, rj := anomalies[i].Level().Rank(), anomalies[j].Level().Rank()
		if ri != rj {
			return ri > rj
		}
		if !anomalies[i].CreatedAt.Equal(anomalies[j].CreatedAt) {
			return anomalies[i].CreatedAt.Before(anomalies[j].CreatedAt)
		}
		return anomalies[i].ID < anomalies[j].ID
	})
}

// Assign places every eligible, unscheduled anomaly into the best compatible
// open window, synthesizing windows for critical and high anomalies that fit
// nowhere. Inputs are never mutated.
func (p *Planner) Assign(anomalies []Anomaly, windows []MaintenanceWindow, plans map[string]ActionPlan) (AssignmentResult, error) {
	check := inputCheck{op: "assign"}
	check.anomalies(anomalies)
	check.windows(windows)
	check.links(anomalies, windows)
	if err := check.err(); err != nil {
		return AssignmentResult{}, err
	}

	result := emptyResult()
	pending := make([]Anomaly, 0, len(anomalies))
	var ineligible []Anomaly
	for _, a := range anomalies {
		if a.Scheduled() {
			continue
		}
		if !p.eligible(a) {
			ineligible = append(ineligible, a)
			continue
		}
		pending = append(pending, a)
	}
	sortByPriority(pending)
	if !p.policy.ExcludeIneligible {
		sortByPriority(ineligible)
		for _, a := range ineligible {
			result.Unassigned = append(result.Unassigned, a.ID)
		}
	}

	open := make([]MaintenanceWindow, 0, len(windows))
	for _, w := range windows {
		if w.Status.Open() {
			open = append(open, w)
		}
	}
	if len(open) == 0 {
		for _, a := range pending {
			if needsDedicatedWindow(a.Level()) {
				result.NeedsWindow = append(result.NeedsWindow, a.ID)
			} else {
				result.Unassigned = append(result.Unassigned, a.ID)
			}
		}
		return result, nil
	}

	tracker := NewCapacityTracker(open, p.hoursLookup(anomalies, plans), p.policy.BufferHours)
	now := p.clock.Now()
	touched := map[string]bool{}
	created := map[string]bool{}

	for _, a := range pending {
		plan := planFor(plans, a.ID)
		required := p.requiredHours(a, plans)
		if c, ok := p.bestCandidate(tracker, a, plan, required, now); ok {
			if err := tracker.Reserve(c.window.ID, a); err != nil {
				return AssignmentResult{}, err
			}
			touched[c.window.ID] = true
			result.Assignments = append(result.Assignments, Assignment{
				AnomalyID: a.ID,
				WindowID:  c.window.ID,
				Score:     c.score,
				Reason:    c.reason(),
			})
			continue
		}
		if !needsDedicatedWindow(a.Level()) {
			result.Unassigned = append(result.Unassigned, a.ID)
			continue
		}
		if _, _, err := p.windowType([]Anomaly{a}, plans, false); err != nil {
			result.NeedsWindow = append(result.NeedsWindow, a.ID)
			continue
		}
		w, err := p.buildWindow([]Anomaly{a}, plans, false)
		if err != nil {
			return AssignmentResult{}, err
		}
		tracker.Add(w)
		created[w.ID] = true
		result.Assignments = append(result.Assignments, Assignment{
			AnomalyID: a.ID,
			WindowID:  w.ID,
			Score:     100,
			Reason:    ReasonNewWindow,
			NewWindow: true,
		})
	}

	for _, w := range tracker.Windows() {
		switch {
		case created[w.ID]:
			result.NewWindows = append(result.NewWindows, w)
		case touched[w.ID]:
			result.UpdatedWindows = append(result.UpdatedWindows, w)
		}
	}
	result.OptimizationScore = meanScore(result.Assignments)
	return result, nil
}

type candidate struct {
	window MaintenanceWindow
	score  int
	exact  bool
	slack  float64
}

func (c candidate) reason() string {
	kind := "compatible"
	if c.exact {
		kind = "exact match"
	}
	return fmt.Sprintf("%s %s window, %.1fh slack", kind, c.window.Type, c.slack)
}

// better ranks exact type matches first, then the tightest fit, then the
// earliest start.
func (c candidate) better(o candidate) bool {
	if c.exact != o.exact {
		return c.exact
	}
	if c.slack != o.slack {
		return c.slack < o.slack
	}
	if !c.window.StartDate.Equal(o.window.StartDate) {
		return c.window.StartDate.Before(o.window.StartDate)
	}
	return c.window.ID < o.window.ID
}

func (p *Planner) bestCandidate(tracker *CapacityTracker, a Anomaly, plan *ActionPlan, required float64, now time.Time) (candidate, bool) {
	level := a.Level()
	var best candidate
	found := false
	for _, w := range tracker.Windows() {
		if !Compatible(w.Type, level) || !tracker.HasCapacityFor(w.ID, required) {
			continue
		}
		available := tracker.AvailableHours(w.ID)
		score := scoreWithCapacity(a, w, plan, available, now)
		if p.policy.MinScore > 0 && score < p.policy.MinScore {
			continue
		}
		c := candidate{
			window: w,
			score:  score,
			exact:  ExactMatch(w.Type, level),
			slack:  available - required,
		}
		if !found || c.better(best) {
			best = c
			found = true
		}
	}
	return best, found
}

func meanScore(assignments []Assignment) float64 {
	if len(assignments) == 0 {
		return 0
	}
	total := 0
	for _, a := range assignments {
		total += a.Score
	}
	return float64(total) / float64(len(assignments))
}
