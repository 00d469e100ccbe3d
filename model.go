package planner

import (
	"fmt"
	"strings"
	"time"
)

type Criticality string

const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Rank orders criticality levels; higher is more severe. Unknown levels rank 0.
func (c Criticality) Rank() int {
	switch c {
	case CriticalityCritical:
		return 4
	case CriticalityHigh:
		return 3
	case CriticalityMedium:
		return 2
	case CriticalityLow:
		return 1
	default:
		return 0
	}
}

func (c Criticality) Valid() bool {
	return c.Rank() > 0
}

// ParseCriticality accepts any casing and surrounding whitespace.
func ParseCriticality(value string) (Criticality, error) {
	c := Criticality(strings.ToLower(strings.TrimSpace(value)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown criticality %q", value)
	}
	return c, nil
}

// DeriveCriticality maps the three 0-5 sub-scores to a level.
func DeriveCriticality(fiabiliteIntegrite, disponibilite, processSafety int) Criticality {
	total := fiabiliteIntegrite + disponibilite + processSafety
	switch {
	case total > 9:
		return CriticalityCritical
	case total >= 7:
		return CriticalityHigh
	case total >= 3:
		return CriticalityMedium
	default:
		return CriticalityLow
	}
}

type AnomalyStatus string

const (
	AnomalyStatusNew        AnomalyStatus = "new"
	AnomalyStatusInProgress AnomalyStatus = "in_progress"
	AnomalyStatusTreated    AnomalyStatus = "treated"
	AnomalyStatusClosed     AnomalyStatus = "closed"
)

type WindowType string

const (
	WindowTypeForce WindowType = "force"
	WindowTypeMajor WindowType = "major"
	WindowTypeMinor WindowType = "minor"
)

func (t WindowType) Valid() bool {
	switch t {
	case WindowTypeForce, WindowTypeMajor, WindowTypeMinor:
		return true
	default:
		return false
	}
}

type WindowStatus string

const (
	WindowStatusPlanned    WindowStatus = "planned"
	WindowStatusInProgress WindowStatus = "in_progress"
	WindowStatusCompleted  WindowStatus = "completed"
	WindowStatusCancelled  WindowStatus = "cancelled"
)

// Open reports whether a window in this status accepts new assignments.
func (s WindowStatus) Open() bool {
	return s == WindowStatusPlanned || s == WindowStatusInProgress
}

type Anomaly struct {
	ID                  string        `json:"id"`
	Title               string        `json:"title,omitempty"`
	Equipment           string        `json:"equipment,omitempty"`
	Criticality         Criticality   `json:"criticalityLevel"`
	FiabiliteIntegrite  int           `json:"fiabiliteIntegriteScore"`
	Disponibilite       int           `json:"disponibiliteScore"`
	ProcessSafety       int           `json:"processSafetyScore"`
	Status              AnomalyStatus `json:"status"`
	EstimatedHours      *int          `json:"estimatedHours,omitempty"`
	MaintenanceWindowID string        `json:"maintenanceWindowId,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
}

// Level returns the stored criticality, deriving it from the sub-scores when
// the record does not carry one.
func (a Anomaly) Level() Criticality {
	if a.Criticality != "" {
		return a.Criticality
	}
	return DeriveCriticality(a.FiabiliteIntegrite, a.Disponibilite, a.ProcessSafety)
}

func (a Anomaly) Scheduled() bool {
	return a.MaintenanceWindowID != ""
}

type MaintenanceWindow struct {
	ID                string       `json:"id"`
	Type              WindowType   `json:"type"`
	DurationDays      int          `json:"durationDays"`
	StartDate         time.Time    `json:"startDate"`
	EndDate           time.Time    `json:"endDate"`
	Status            WindowStatus `json:"status"`
	Description       string       `json:"description,omitempty"`
	AssignedAnomalies []string     `json:"assignedAnomalies"`
	AutoCreated       bool         `json:"autoCreated"`
	SourceAnomalyID   string       `json:"sourceAnomalyId,omitempty"`
}

// CapacityHours is the nominal capacity of the window.
func (w MaintenanceWindow) CapacityHours() float64 {
	return float64(w.DurationDays) * 24
}

func (w MaintenanceWindow) hasAnomaly(id string) bool {
	for _, assigned := range w.AssignedAnomalies {
		if assigned == id {
			return true
		}
	}
	return false
}

func (w MaintenanceWindow) clone() MaintenanceWindow {
	c := w
	c.AssignedAnomalies = append([]string{}, w.AssignedAnomalies...)
	return c
}

type ActionPlan struct {
	AnomalyID             string     `json:"anomalyId"`
	NeedsOutage           bool       `json:"needsOutage"`
	OutageType            WindowType `json:"outageType,omitempty"`
	OutageDurationMinutes int        `json:"outageDurationMinutes"`
	Priority              int        `json:"priority"`
	TotalDurationDays     int        `json:"totalDurationDays"`
	TotalDurationHours    float64    `json:"totalDurationHours"`
}

// RequiresOutage is true when the plan asks for a shutdown of any kind.
func (p ActionPlan) RequiresOutage() bool {
	return p.NeedsOutage || p.OutageType != "" || p.OutageDurationMinutes > 0
}

// DurationHours is the plan's remediation effort in hours, or 0 when the plan
// carries no duration.
func (p ActionPlan) DurationHours() float64 {
	if p.TotalDurationHours > 0 {
		return p.TotalDurationHours
	}
	if p.TotalDurationDays > 0 {
		return float64(p.TotalDurationDays) * 24
	}
	if p.OutageDurationMinutes > 0 {
		return float64(p.OutageDurationMinutes) / 60
	}
	return 0
}

// OutageDuration converts the outage minutes to a time.Duration.
func (p ActionPlan) OutageDuration() time.Duration {
	return time.Duration(p.OutageDurationMinutes) * time.Minute
}

// RequiredHours resolves the duration used for capacity accounting:
// the anomaly's own estimate, then its action plan, then defaultHours.
func RequiredHours(a Anomaly, plan *ActionPlan, defaultHours float64) float64 {
	if a.EstimatedHours != nil && *a.EstimatedHours > 0 {
		return float64(*a.EstimatedHours)
	}
	if plan != nil {
		if h := plan.DurationHours(); h > 0 {
			return h
		}
	}
	return defaultHours
}

func planFor(plans map[string]ActionPlan, anomalyID string) *ActionPlan {
	if plans == nil {
		return nil
	}
	plan, ok := plans[anomalyID]
	if !ok {
		return nil
	}
	return &plan
}
