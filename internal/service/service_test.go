package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	planner "github.com/thenew-programer/tams-taqa-sub001"
	"github.com/thenew-programer/tams-taqa-sub001/internal/bus"
	"github.com/thenew-programer/tams-taqa-sub001/internal/lock"
	"github.com/thenew-programer/tams-taqa-sub001/internal/metrics"
)

var testNow = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu        sync.Mutex
	anomalies map[string]planner.Anomaly
	windows   map[string]planner.MaintenanceWindow
	plans     map[string]planner.ActionPlan
	conflicts map[string]bool
	listErr   error
	commits   []string
	// entered and resume, when set, hold ListSchedulable until resumed.
	entered chan struct{}
	resume  chan struct{}
}

func newMemStore() *memStore {
	return &memStore{
		anomalies: map[string]planner.Anomaly{},
		windows:   map[string]planner.MaintenanceWindow{},
		plans:     map[string]planner.ActionPlan{},
		conflicts: map[string]bool{},
	}
}

func (m *memStore) addAnomaly(a planner.Anomaly) {
	m.anomalies[a.ID] = a
}

func (m *memStore) addWindow(w planner.MaintenanceWindow) {
	m.windows[w.ID] = w
}

func (m *memStore) ListSchedulable(context.Context) ([]planner.Anomaly, error) {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.resume
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := []planner.Anomaly{}
	for _, a := range m.anomalies {
		if a.Scheduled() {
			if w, ok := m.windows[a.MaintenanceWindowID]; ok && w.Status.Open() {
				out = append(out, a)
			}
			continue
		}
		if a.Status == planner.AnomalyStatusTreated || a.Status == planner.AnomalyStatusInProgress {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetAnomalies(_ context.Context, ids []string) ([]planner.Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []planner.Anomaly{}
	for _, id := range ids {
		if a, ok := m.anomalies[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ListOpenWindows(context.Context) ([]planner.MaintenanceWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []planner.MaintenanceWindow{}
	for _, w := range m.windows {
		if w.Status.Open() {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetWindow(_ context.Context, id string) (planner.MaintenanceWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[id]
	if !ok {
		return planner.MaintenanceWindow{}, ErrNotFound
	}
	return w, nil
}

func (m *memStore) ActionPlans(_ context.Context, ids []string) (map[string]planner.ActionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]planner.ActionPlan{}
	for _, id := range ids {
		if p, ok := m.plans[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *memStore) CommitAssignment(_ context.Context, anomalyID, windowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflicts[anomalyID] {
		return fmt.Errorf("anomaly %s already scheduled: %w", anomalyID, ErrPersistenceConflict)
	}
	a := m.anomalies[anomalyID]
	a.MaintenanceWindowID = windowID
	m.anomalies[anomalyID] = a
	w := m.windows[windowID]
	w.AssignedAnomalies = append(w.AssignedAnomalies, anomalyID)
	m.windows[windowID] = w
	m.commits = append(m.commits, anomalyID+"->"+windowID)
	return nil
}

func (m *memStore) CreateWindow(_ context.Context, w planner.MaintenanceWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[w.ID] = w
	for _, id := range w.AssignedAnomalies {
		a := m.anomalies[id]
		a.MaintenanceWindowID = w.ID
		m.anomalies[id] = a
	}
	return nil
}

type recordingBus struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (b *recordingBus) Publish(subject string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	b.payloads = append(b.payloads, payload)
	return nil
}

type recordingMetrics struct {
	outcomes []string
	assigned int
	created  int
}

func (r *recordingMetrics) ObservePass(outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingMetrics) CountAnomalies(assigned, _, _ int) { r.assigned += assigned }

func (r *recordingMetrics) CountWindowsCreated(n int) { r.created += n }

func hours(h int) *int { return &h }

func treated(id string, level planner.Criticality, est int) planner.Anomaly {
	return planner.Anomaly{
		ID:             id,
		Criticality:    level,
		Status:         planner.AnomalyStatusTreated,
		EstimatedHours: hours(est),
		CreatedAt:      testNow.Add(-24 * time.Hour),
	}
}

func window(id string, t planner.WindowType, days, startInDays int, assigned ...string) planner.MaintenanceWindow {
	start := testNow.AddDate(0, 0, startInDays)
	return planner.MaintenanceWindow{
		ID:                id,
		Type:              t,
		DurationDays:      days,
		StartDate:         start,
		EndDate:           start.AddDate(0, 0, days),
		Status:            planner.WindowStatusPlanned,
		AssignedAnomalies: append([]string{}, assigned...),
	}
}

func newTestService(store *memStore) (*Service, *recordingBus, *recordingMetrics) {
	n := 0
	p := planner.New(
		planner.WithClock(planner.FixedClock(testNow)),
		planner.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("win-%d", n)
		}),
	)
	b := &recordingBus{}
	m := &recordingMetrics{}
	return &Service{
		Store:             store,
		Planner:           p,
		Bus:               b,
		Locker:            lock.NewLocalLocker(),
		Metrics:           m,
		AutoCreateWindows: true,
	}, b, m
}

func TestRunPassCommitsAssignments(t *testing.T) {
	store := newMemStore()
	store.addAnomaly(treated("a1", planner.CriticalityMedium, 10))
	store.addAnomaly(planner.Anomaly{ID: "n1", Criticality: planner.CriticalityLow, Status: planner.AnomalyStatusNew})
	store.addWindow(window("w1", planner.WindowTypeMinor, 3, 7))
	svc, b, m := newTestService(store)

	report, err := svc.RunPass(context.Background(), PassRequest{})
	require.NoError(t, err)

	assert.Equal(t, DefaultSession, report.SessionID)
	assert.Equal(t, 1, report.Assigned)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Assignments, 1)
	assert.Equal(t, "w1", report.Assignments[0].WindowID)
	assert.Equal(t, 90, report.Assignments[0].Score)
	assert.Equal(t, "1 anomalies assigned automatically", report.Message)
	assert.Equal(t, []string{"a1->w1"}, store.commits)
	assert.Equal(t, "w1", store.anomalies["a1"].MaintenanceWindowID)

	assert.Equal(t, []string{bus.SubjectAssignmentCommitted, bus.SubjectPassCompleted}, b.subjects)
	assert.Equal(t, []string{metrics.OutcomeSuccess}, m.outcomes)
	assert.Equal(t, 1, m.assigned)
}

func TestRunPassCreatesWindowWhenNoneOpen(t *testing.T) {
	store := newMemStore()
	store.addAnomaly(treated("c1", planner.CriticalityCritical, 8))
	store.addAnomaly(treated("l1", planner.CriticalityLow, 4))
	svc, b, m := newTestService(store)

	report, err := svc.RunPass(context.Background(), PassRequest{SessionID: "plant-a"})
	require.NoError(t, err)

	require.Len(t, report.NewWindows, 1)
	w := report.NewWindows[0]
	assert.Equal(t, "win-1", w.ID)
	assert.Equal(t, planner.WindowTypeForce, w.Type)
	assert.Equal(t, []string{"c1"}, w.AssignedAnomalies)
	assert.Equal(t, time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC), w.StartDate)

	require.Len(t, report.Assignments, 1)
	assert.True(t, report.Assignments[0].NewWindow)
	assert.Equal(t, planner.ReasonNewWindow, report.Assignments[0].Reason)
	assert.Equal(t, []string{"l1"}, report.UnassignedIDs)
	assert.Equal(t, "1 anomalies assigned automatically, 1 new windows created; 1 anomalies not assigned", report.Message)

	assert.Equal(t, "win-1", store.anomalies["c1"].MaintenanceWindowID)
	assert.Empty(t, store.commits, "anomalies of a new window are linked by CreateWindow")
	assert.Equal(t, []string{bus.SubjectWindowCreated, bus.SubjectAssignmentCommitted, bus.SubjectPassCompleted}, b.subjects)
	assert.Equal(t, 1, m.created)
}

func TestRunPassWithoutAutoCreate(t *testing.T) {
	store := newMemStore()
	store.addAnomaly(treated("c1", planner.CriticalityCritical, 8))
	svc, _, _ := newTestService(store)
	svc.AutoCreateWindows = false

	report, err := svc.RunPass(context.Background(), PassRequest{})
	require.NoError(t, err)
	assert.Empty(t, report.NewWindows)
	assert.Equal(t, []string{"c1"}, report.UnassignedIDs)
	assert.Empty(t, store.anomalies["c1"].MaintenanceWindowID)
}

func TestRunPassDryRunWritesNothing(t *testing.T) {
	store := newMemStore()
	store.addAnomaly(treated("a1", planner.CriticalityMedium, 10))
	store.addWindow(window("w1", planner.WindowTypeMinor, 3, 7))
	svc, b, m := newTestService(store)

	report, err := svc.RunPass(context.Background(), PassRequest{DryRun: true})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Assigned)
	assert.Empty(t, store.commits)
	assert.Empty(t, store.anomalies["a1"].MaintenanceWindowID)
	assert.Empty(t, b.subjects)
	assert.Equal(t, []string{metrics.OutcomeDryRun}, m.outcomes)
}

func TestRunPassReportsConflicts(t *testing.T) {
	store := newMemStore()
	store.addAnomaly(treated("a1", planner.CriticalityMedium, 10))
	store.addAnomaly(treated("a2", planner.CriticalityLow, 10))
	store.addWindow(window("w1", planner.WindowTypeMinor, 3, 7))
	store.conflicts["a2"] = true
	svc, _, _ := newTestService(store)

	report, err := svc.RunPass(context.Background(), PassRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Assigned)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.FailedAssignments, 1)
	assert.Equal(t, "a2", report.FailedAssignments[0].AnomalyID)
	assert.Contains(t, report.FailedAssignments[0].Reason, "already scheduled")
	assert.Equal(t, "1 anomalies assigned automatically; 1 anomalies not assigned", report.Message)
}

func TestRunPassSessionBusy(t *testing.T) {
	store := newMemStore()
	svc, _, m := newTestService(store)
	release, err := svc.Locker.Acquire(context.Background(), planningLockKey, time.Minute)
	require.NoError(t, err)

	_, err = svc.RunPass(context.Background(), PassRequest{SessionID: "plant-a"})
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = svc.RunPass(context.Background(), PassRequest{SessionID: "plant-b"})
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, []string{metrics.OutcomeBusy, metrics.OutcomeBusy}, m.outcomes)

	require.NoError(t, release(context.Background()))
	_, err = svc.RunPass(context.Background(), PassRequest{SessionID: "plant-b"})
	assert.NoError(t, err)
}

func TestRunPassSerializesSessionsOverSharedWindows(t *testing.T) {
	store := newMemStore()
	store.addAnomaly(treated("y", planner.CriticalityMedium, 20))
	store.addWindow(window("w", planner.WindowTypeMinor, 1, 3))
	store.entered = make(chan struct{})
	store.resume = make(chan struct{})
	svc, _, _ := newTestService(store)

	done := make(chan error, 1)
	go func() {
		_, err := svc.RunPass(context.Background(), PassRequest{SessionID: "a"})
		done <- err
	}()
	<-store.entered

	_, err := svc.RunPass(context.Background(), PassRequest{SessionID: "b"})
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(store.resume)
	require.NoError(t, <-done)
	store.entered, store.resume = nil, nil

	x := treated("x", planner.CriticalityMedium, 20)
	x.CreatedAt = x.CreatedAt.Add(-time.Hour)
	store.addAnomaly(x)
	report, err := svc.RunPass(context.Background(), PassRequest{SessionID: "b"})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Assigned)
	assert.Equal(t, []string{"x"}, report.UnassignedIDs)
	assert.Equal(t, []string{"y->w"}, store.commits)
	assert.Empty(t, store.anomalies["x"].MaintenanceWindowID)
}

func TestSessionFallsBackToConfiguredDefault(t *testing.T) {
	svc := &Service{}
	assert.Equal(t, DefaultSession, svc.Session(""))
	svc.DefaultSession = "plant-main"
	assert.Equal(t, "plant-main", svc.Session(""))
	assert.Equal(t, "plant-b", svc.Session("plant-b"))
}

func TestRunPassStoreFailure(t *testing.T) {
	store := newMemStore()
	store.listErr = errors.New("connection reset")
	svc, _, m := newTestService(store)

	_, err := svc.RunPass(context.Background(), PassRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, []string{metrics.OutcomeError}, m.outcomes)
}

func TestRunPassRejectsMalformedSnapshot(t *testing.T) {
	store := newMemStore()
	store.addAnomaly(planner.Anomaly{ID: "bad", Criticality: "severe", Status: planner.AnomalyStatusTreated})
	svc, _, _ := newTestService(store)

	_, err := svc.RunPass(context.Background(), PassRequest{})
	assert.ErrorIs(t, err, planner.ErrInvalidInput)
}

func TestOptimizeProposesMoves(t *testing.T) {
	store := newMemStore()
	l1 := treated("l1", planner.CriticalityLow, 4)
	l1.MaintenanceWindowID = "cur"
	store.addAnomaly(l1)
	store.addAnomaly(treated("free", planner.CriticalityMedium, 4))
	store.addWindow(window("cur", planner.WindowTypeMajor, 5, 10, "l1"))
	store.addWindow(window("y1", planner.WindowTypeMinor, 3, 12))
	svc, _, _ := newTestService(store)

	report, err := svc.Optimize(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, report.Reassignments, 1)
	assert.Equal(t, planner.Reassignment{
		AnomalyID:     "l1",
		OldWindowID:   "cur",
		NewWindowID:   "y1",
		CurrentScore:  70,
		ProposedScore: 95,
		Improvement:   25,
	}, report.Reassignments[0])
	assert.Empty(t, store.commits)
}

func TestScorePair(t *testing.T) {
	store := newMemStore()
	store.addAnomaly(treated("a1", planner.CriticalityMedium, 10))
	h1 := treated("h1", planner.CriticalityHigh, 20)
	h1.MaintenanceWindowID = "w1"
	store.addAnomaly(h1)
	store.addWindow(window("w1", planner.WindowTypeMinor, 3, 7, "h1"))
	svc, _, _ := newTestService(store)

	res, err := svc.ScorePair(context.Background(), "a1", "w1")
	require.NoError(t, err)
	assert.Equal(t, ScoreResult{
		AnomalyID:      "a1",
		WindowID:       "w1",
		Score:          90,
		Compatible:     true,
		ExactMatch:     true,
		RequiredHours:  10,
		AvailableHours: 50,
		HasCapacity:    true,
	}, res)

	_, err = svc.ScorePair(context.Background(), "missing", "w1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.ScorePair(context.Background(), "a1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSynthesizeWindow(t *testing.T) {
	store := newMemStore()
	store.addAnomaly(treated("c1", planner.CriticalityCritical, 8))
	store.addAnomaly(treated("m1", planner.CriticalityMedium, 8))
	svc, b, _ := newTestService(store)

	windows, err := svc.SynthesizeWindow(context.Background(), SynthesisRequest{AnomalyIDs: []string{"c1"}, Urgent: true})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, planner.WindowTypeForce, windows[0].Type)
	assert.Equal(t, testNow, windows[0].StartDate)
	assert.Equal(t, "win-1", store.anomalies["c1"].MaintenanceWindowID)
	assert.Equal(t, []string{bus.SubjectWindowCreated}, b.subjects)

	preview, err := svc.SynthesizeWindow(context.Background(), SynthesisRequest{AnomalyIDs: []string{"m1"}, DryRun: true})
	require.NoError(t, err)
	require.Len(t, preview, 1)
	assert.Equal(t, planner.WindowTypeMinor, preview[0].Type)
	assert.Empty(t, store.anomalies["m1"].MaintenanceWindowID)

	_, err = svc.SynthesizeWindow(context.Background(), SynthesisRequest{AnomalyIDs: []string{"nope"}})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.SynthesizeWindow(context.Background(), SynthesisRequest{AnomalyIDs: []string{"m1"}, Urgent: true})
	assert.ErrorIs(t, err, planner.ErrInvalidInput)
}
