package planner

import "time"

var baseScores = map[WindowType]map[Criticality]int{
	WindowTypeForce: {
		CriticalityCritical: 100,
		CriticalityHigh:     80,
		CriticalityMedium:   60,
		CriticalityLow:      40,
	},
	WindowTypeMajor: {
		CriticalityCritical: 90,
		CriticalityHigh:     95,
		CriticalityMedium:   85,
		CriticalityLow:      70,
	},
	WindowTypeMinor: {
		CriticalityCritical: 60,
		CriticalityHigh:     70,
		CriticalityMedium:   90,
		CriticalityLow:      95,
	},
}

var priorityBonus = map[int]int{1: 20, 2: 15, 3: 10, 4: 5, 5: 0}

const (
	fitBonus         = 20
	comfortableBonus = 10
	comfortableRatio = 0.8
	overflowPenalty  = -30
	urgentBonus      = 15
	urgentWithinDays = 7
	deferBonus       = 10
	deferAfterDays   = 30
)

// Score grades how well window w suits anomaly a on a 0-100 scale, using the
// window's nominal capacity for the duration fit.
func Score(a Anomaly, w MaintenanceWindow, plan *ActionPlan, now time.Time) int {
	return scoreWithCapacity(a, w, plan, w.CapacityHours(), now)
}

func scoreWithCapacity(a Anomaly, w MaintenanceWindow, plan *ActionPlan, capacityHours float64, now time.Time) int {
	level := a.Level()
	score := baseScores[w.Type][level]

	if plan != nil {
		required := plan.DurationHours()
		switch {
		case required <= capacityHours:
			score += fitBonus
			if required <= capacityHours*comfortableRatio {
				score += comfortableBonus
			}
		default:
			score += overflowPenalty
		}
		score += priorityBonus[plan.Priority]
	}

	daysUntil := w.StartDate.Sub(now).Hours() / 24
	switch {
	case level == CriticalityCritical && daysUntil <= urgentWithinDays:
		score += urgentBonus
	case level == CriticalityLow && daysUntil > deferAfterDays:
		score += deferBonus
	}

	return clampScore(score)
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Compatible is the hard eligibility filter between a window type and a
// criticality level.
func Compatible(t WindowType, c Criticality) bool {
	switch t {
	case WindowTypeForce:
		return c == CriticalityCritical
	case WindowTypeMajor:
		return c == CriticalityCritical || c == CriticalityHigh || c == CriticalityMedium
	case WindowTypeMinor:
		return c == CriticalityHigh || c == CriticalityMedium || c == CriticalityLow
	default:
		return false
	}
}

// CanonicalWindowType is the preferred home of each criticality level.
func CanonicalWindowType(c Criticality) WindowType {
	if c == CriticalityCritical {
		return WindowTypeForce
	}
	return WindowTypeMinor
}

func ExactMatch(t WindowType, c Criticality) bool {
	return c.Valid() && CanonicalWindowType(c) == t
}
