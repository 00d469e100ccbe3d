package planner

import (
	"fmt"
	"math"
)

// CapacityTracker keeps working copies of windows for one scheduling pass so
// that capacity consumed by an earlier decision is visible to later ones.
type CapacityTracker struct {
	windows     map[string]*MaintenanceWindow
	order       []string
	hoursOf     func(anomalyID string) float64
	bufferHours float64
}

// NewCapacityTracker copies windows; hoursOf resolves the required hours of
// any anomaly id found in a window's assigned list.
func NewCapacityTracker(windows []MaintenanceWindow, hoursOf func(string) float64, bufferHours float64) *CapacityTracker {
	t := &CapacityTracker{
		windows:     make(map[string]*MaintenanceWindow, len(windows)),
		hoursOf:     hoursOf,
		bufferHours: bufferHours,
	}
	for _, w := range windows {
		t.Add(w)
	}
	return t
}

// Add registers a window (for example one synthesized mid-pass). A window
// with an id already tracked is ignored.
func (t *CapacityTracker) Add(w MaintenanceWindow) {
	if _, ok := t.windows[w.ID]; ok {
		return
	}
	c := w.clone()
	t.windows[w.ID] = &c
	t.order = append(t.order, w.ID)
}

func (t *CapacityTracker) Window(id string) (MaintenanceWindow, bool) {
	w, ok := t.windows[id]
	if !ok {
		return MaintenanceWindow{}, false
	}
	return w.clone(), true
}

// Windows returns copies in registration order.
func (t *CapacityTracker) Windows() []MaintenanceWindow {
	out := make([]MaintenanceWindow, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.windows[id].clone())
	}
	return out
}

// UsedHours is the required work of the assigned anomalies, buffer excluded.
func (t *CapacityTracker) UsedHours(id string) float64 {
	w, ok := t.windows[id]
	if !ok {
		return 0
	}
	used := 0.0
	for _, anomalyID := range w.AssignedAnomalies {
		used += t.hoursOf(anomalyID)
	}
	return used
}

// AvailableHours is max(0, days*24 - used - buffer*assigned).
func (t *CapacityTracker) AvailableHours(id string) float64 {
	w, ok := t.windows[id]
	if !ok {
		return 0
	}
	buffer := t.bufferHours * float64(len(w.AssignedAnomalies))
	return math.Max(0, w.CapacityHours()-t.UsedHours(id)-buffer)
}

// AvailableDays is a display view of AvailableHours.
func (t *CapacityTracker) AvailableDays(id string) float64 {
	return t.AvailableHours(id) / 24
}

func (t *CapacityTracker) HasCapacityFor(id string, requiredHours float64) bool {
	if _, ok := t.windows[id]; !ok {
		return false
	}
	return t.AvailableHours(id) >= requiredHours
}

// Reserve appends the anomaly to the working copy of the window.
func (t *CapacityTracker) Reserve(id string, a Anomaly) error {
	w, ok := t.windows[id]
	if !ok {
		return fmt.Errorf("window %q is not tracked", id)
	}
	if w.hasAnomaly(a.ID) {
		return fmt.Errorf("anomaly %q already reserved in window %q", a.ID, id)
	}
	w.AssignedAnomalies = append(w.AssignedAnomalies, a.ID)
	return nil
}
