package planner

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// GroupingStrategy selects how SynthesizeWith turns anomalies into windows.
type GroupingStrategy int

const (
	// GroupTogether builds one window hosting every anomaly.
	GroupTogether GroupingStrategy = iota
	// GroupUrgent builds one force window starting immediately; critical
	// anomalies only.
	GroupUrgent
	// GroupByCriticality builds up to three windows: critical, high and a
	// medium/low band that needs at least three members.
	GroupByCriticality
)

const (
	forceMaxDays       = 3
	majorMaxDays       = 14
	minorMaxDays       = 7
	majorAfterDays     = 7
	majorAfterCount    = 3
	minorLeadDays      = 5
	lowBandMinimum     = 3
	urgentPriorityBand = 2
	defaultPriority    = 5
)

// Synthesize fabricates a single window sized for the given anomalies.
func (p *Planner) Synthesize(anomalies []Anomaly, plans map[string]ActionPlan) (MaintenanceWindow, error) {
	windows, err := p.SynthesizeWith(GroupTogether, anomalies, plans)
	if err != nil {
		return MaintenanceWindow{}, err
	}
	return windows[0], nil
}

// SynthesizeUrgent opens a force window right now for one critical anomaly.
func (p *Planner) SynthesizeUrgent(a Anomaly, plan *ActionPlan) (MaintenanceWindow, error) {
	plans := map[string]ActionPlan{}
	if plan != nil {
		plans[a.ID] = *plan
	}
	windows, err := p.SynthesizeWith(GroupUrgent, []Anomaly{a}, plans)
	if err != nil {
		return MaintenanceWindow{}, err
	}
	return windows[0], nil
}

// SynthesizeGrouped creates windows for the unscheduled eligible anomalies,
// one per criticality band. It may return no window at all.
func (p *Planner) SynthesizeGrouped(anomalies []Anomaly, plans map[string]ActionPlan) ([]MaintenanceWindow, error) {
	return p.SynthesizeWith(GroupByCriticality, anomalies, plans)
}

func (p *Planner) SynthesizeWith(strategy GroupingStrategy, anomalies []Anomaly, plans map[string]ActionPlan) ([]MaintenanceWindow, error) {
	check := inputCheck{op: "synthesize"}
	check.anomalies(anomalies)
	if strategy != GroupByCriticality {
		if len(anomalies) == 0 {
			check.add("anomalies", "empty")
		}
		for _, a := range anomalies {
			if a.Scheduled() {
				check.add("anomaly "+a.ID, fmt.Sprintf("already scheduled in window %q", a.MaintenanceWindowID))
			}
		}
	}
	if strategy == GroupUrgent {
		if len(anomalies) > 1 {
			check.add("anomalies", "urgent windows host a single anomaly")
		}
		for _, a := range anomalies {
			if a.Level() != CriticalityCritical {
				check.add("anomaly "+a.ID, "urgent windows only host critical anomalies")
			}
		}
	}
	if err := check.err(); err != nil {
		return nil, err
	}

	switch strategy {
	case GroupTogether, GroupUrgent:
		w, err := p.buildWindow(anomalies, plans, strategy == GroupUrgent)
		if err != nil {
			return nil, err
		}
		return []MaintenanceWindow{w}, nil
	case GroupByCriticality:
		windows := []MaintenanceWindow{}
		for _, band := range p.bands(anomalies) {
			for _, group := range p.split(band, plans) {
				w, err := p.buildWindow(group, plans, false)
				if err != nil {
					return nil, err
				}
				windows = append(windows, w)
			}
		}
		return windows, nil
	default:
		return nil, fmt.Errorf("unknown grouping strategy %d", strategy)
	}
}

func (p *Planner) bands(anomalies []Anomaly) [][]Anomaly {
	var critical, high, rest []Anomaly
	for _, a := range anomalies {
		if a.Scheduled() || !p.eligible(a) {
			continue
		}
		switch a.Level() {
		case CriticalityCritical:
			critical = append(critical, a)
		case CriticalityHigh:
			high = append(high, a)
		default:
			rest = append(rest, a)
		}
	}
	groups := [][]Anomaly{}
	for _, g := range [][]Anomaly{critical, high} {
		if len(g) > 0 {
			sortByPriority(g)
			groups = append(groups, g)
		}
	}
	if len(rest) >= lowBandMinimum {
		sortByPriority(rest)
		groups = append(groups, rest)
	}
	return groups
}

// split packs a band, in priority order, into groups that each fit one
// synthesized window. Members too large for any window are left out.
func (p *Planner) split(band []Anomaly, plans map[string]ActionPlan) [][]Anomaly {
	groups := [][]Anomaly{}
	var current []Anomaly
	for _, a := range band {
		next := append(append([]Anomaly{}, current...), a)
		if _, _, err := p.windowType(next, plans, false); err == nil {
			current = next
			continue
		}
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
		if _, _, err := p.windowType([]Anomaly{a}, plans, false); err == nil {
			current = []Anomaly{a}
		}
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

type groupNeeds struct {
	maxDuration int
	hasOutage   bool
	maxPriority int
	count       int
	// hours is the required work plus one buffer per member.
	hours float64
}

func (p *Planner) needsOf(group []Anomaly, plans map[string]ActionPlan) groupNeeds {
	n := groupNeeds{maxPriority: defaultPriority, count: len(group)}
	required := 0.0
	for _, a := range group {
		plan := planFor(plans, a.ID)
		if plan != nil {
			if plan.TotalDurationDays > n.maxDuration {
				n.maxDuration = plan.TotalDurationDays
			}
			if plan.RequiresOutage() {
				n.hasOutage = true
			}
			if plan.Priority >= 1 && plan.Priority < n.maxPriority {
				n.maxPriority = plan.Priority
			}
		}
		required += p.requiredHours(a, plans) + p.policy.BufferHours
	}
	if n.maxDuration < 1 {
		n.maxDuration = 1
	}
	if days := int(math.Ceil(required / 24)); days > n.maxDuration {
		n.maxDuration = days
	}
	n.hours = required
	return n
}

func ruleType(n groupNeeds) WindowType {
	switch {
	case n.maxPriority <= urgentPriorityBand && n.hasOutage:
		return WindowTypeForce
	case n.maxDuration > majorAfterDays || n.count > majorAfterCount:
		return WindowTypeMajor
	default:
		return WindowTypeMinor
	}
}

func durationFor(t WindowType, maxDuration int) int {
	switch t {
	case WindowTypeForce:
		return min(maxDuration, forceMaxDays)
	case WindowTypeMajor:
		return min(maxDuration+2, majorMaxDays)
	default:
		return min(maxDuration+1, minorMaxDays)
	}
}

// hosts reports whether a window of type t sized for n covers n's work.
func hosts(t WindowType, n groupNeeds) bool {
	return float64(durationFor(t, n.maxDuration)*24) >= n.hours
}

// windowType keeps the rule's choice when it can host every member and their
// work, otherwise falls back to the first type that can. Urgent groups only
// get force windows.
func (p *Planner) windowType(group []Anomaly, plans map[string]ActionPlan, urgent bool) (WindowType, groupNeeds, error) {
	needs := p.needsOf(group, plans)
	preferred := ruleType(needs)
	if urgent {
		preferred = WindowTypeForce
	}
	compatible := func(t WindowType) bool {
		for _, a := range group {
			if !Compatible(t, a.Level()) {
				return false
			}
		}
		return true
	}
	candidates := []WindowType{preferred}
	if !urgent {
		candidates = append(candidates, WindowTypeForce, WindowTypeMajor, WindowTypeMinor)
	}
	anyCompatible := false
	for _, t := range candidates {
		if !compatible(t) {
			continue
		}
		anyCompatible = true
		if hosts(t, needs) {
			return t, needs, nil
		}
	}
	problem := fmt.Sprintf("%.1fh of work exceeds the largest window that can host it", needs.hours)
	if !anyCompatible {
		problem = "no window type can host critical and low anomalies together"
	}
	return "", needs, &InputError{Op: "synthesize", Details: []ErrorDetail{{Field: "anomalies", Problem: problem}}}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func startDateFor(t WindowType, now time.Time) time.Time {
	today := startOfDay(now)
	switch t {
	case WindowTypeMajor:
		offset := (int(time.Saturday) - int(today.Weekday())) % 7
		if offset == 0 {
			offset = 7
		}
		return today.AddDate(0, 0, offset)
	case WindowTypeForce:
		if today.Weekday() == time.Saturday {
			return today.AddDate(0, 0, 2)
		}
		return today.AddDate(0, 0, 1)
	default:
		return today.AddDate(0, 0, minorLeadDays)
	}
}

func (p *Planner) buildWindow(group []Anomaly, plans map[string]ActionPlan, urgent bool) (MaintenanceWindow, error) {
	t, needs, err := p.windowType(group, plans, urgent)
	if err != nil {
		return MaintenanceWindow{}, err
	}
	duration := durationFor(t, needs.maxDuration)

	now := p.clock.Now()
	start := startDateFor(t, now)
	if urgent {
		start = now
	}

	ids := make([]string, 0, len(group))
	levels := make([]string, 0, len(group))
	seen := map[Criticality]bool{}
	for _, a := range group {
		ids = append(ids, a.ID)
		if l := a.Level(); !seen[l] {
			seen[l] = true
			levels = append(levels, string(l))
		}
	}

	return MaintenanceWindow{
		ID:                p.newID(),
		Type:              t,
		DurationDays:      duration,
		StartDate:         start,
		EndDate:           start.AddDate(0, 0, duration),
		Status:            WindowStatusPlanned,
		Description:       fmt.Sprintf("Auto-created %s window for %d anomalies (%s)", t, len(group), strings.Join(levels, ", ")),
		AssignedAnomalies: ids,
		AutoCreated:       true,
		SourceAnomalyID:   ids[0],
	}, nil
}
