package planner

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidInput is matched by every InputError.
var ErrInvalidInput = errors.New("invalid planning input")

type ErrorDetail struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// InputError rejects a whole scheduling batch because one or more records
// are malformed.
type InputError struct {
	Op      string
	Details []ErrorDetail
}

func (e *InputError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, fmt.Sprintf("%s %s", d.Field, d.Problem))
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, ErrInvalidInput.Error(), strings.Join(parts, "; "))
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

type inputCheck struct {
	op      string
	details []ErrorDetail
}

func (c *inputCheck) add(field, problem string) {
	c.details = append(c.details, ErrorDetail{Field: field, Problem: problem})
}

func (c *inputCheck) err() error {
	if len(c.details) == 0 {
		return nil
	}
	return &InputError{Op: c.op, Details: c.details}
}

func (c *inputCheck) anomalies(anomalies []Anomaly) {
	seen := make(map[string]struct{}, len(anomalies))
	for i, a := range anomalies {
		field := fmt.Sprintf("anomalies[%d]", i)
		if strings.TrimSpace(a.ID) == "" {
			c.add(field+".id", "missing")
			continue
		}
		if _, dup := seen[a.ID]; dup {
			c.add(field+".id", fmt.Sprintf("duplicate %q", a.ID))
		}
		seen[a.ID] = struct{}{}
		if a.Criticality != "" && !a.Criticality.Valid() {
			c.add(field+".criticalityLevel", fmt.Sprintf("unknown %q", a.Criticality))
		}
		if a.EstimatedHours != nil && *a.EstimatedHours < 0 {
			c.add(field+".estimatedHours", "negative")
		}
	}
}

func (c *inputCheck) windows(windows []MaintenanceWindow) {
	seen := make(map[string]struct{}, len(windows))
	for i, w := range windows {
		field := fmt.Sprintf("windows[%d]", i)
		if strings.TrimSpace(w.ID) == "" {
			c.add(field+".id", "missing")
			continue
		}
		if _, dup := seen[w.ID]; dup {
			c.add(field+".id", fmt.Sprintf("duplicate %q", w.ID))
		}
		seen[w.ID] = struct{}{}
		if !w.Type.Valid() {
			c.add(field+".type", fmt.Sprintf("unknown %q", w.Type))
		}
		if w.DurationDays <= 0 {
			c.add(field+".durationDays", "must be positive")
		}
		if !w.EndDate.IsZero() && w.EndDate.Before(w.StartDate) {
			c.add(field+".endDate", "before startDate")
		}
	}
}

// links rejects one-sided references between records present in the same
// snapshot.
func (c *inputCheck) links(anomalies []Anomaly, windows []MaintenanceWindow) {
	byID := make(map[string]MaintenanceWindow, len(windows))
	for _, w := range windows {
		byID[w.ID] = w
	}
	known := make(map[string]Anomaly, len(anomalies))
	for _, a := range anomalies {
		known[a.ID] = a
		if !a.Scheduled() {
			continue
		}
		if w, ok := byID[a.MaintenanceWindowID]; ok && !w.hasAnomaly(a.ID) {
			c.add("anomaly "+a.ID, fmt.Sprintf("references window %q which does not list it", w.ID))
		}
	}
	for _, w := range windows {
		for _, id := range w.AssignedAnomalies {
			a, ok := known[id]
			if ok && a.MaintenanceWindowID != w.ID {
				c.add("window "+w.ID, fmt.Sprintf("lists anomaly %q which references %q", id, a.MaintenanceWindowID))
			}
		}
	}
}
