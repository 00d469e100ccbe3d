package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	planner "github.com/thenew-programer/tams-taqa-sub001"
	"github.com/thenew-programer/tams-taqa-sub001/internal/bus"
	"github.com/thenew-programer/tams-taqa-sub001/internal/lock"
	"github.com/thenew-programer/tams-taqa-sub001/internal/logging"
	"github.com/thenew-programer/tams-taqa-sub001/internal/metrics"
)

const (
	DefaultSession = "default"
	defaultLockTTL = 30 * time.Second
	// Every pass snapshots all open windows, so writers share one key
	// whatever their session.
	planningLockKey = "planning:windows"
)

// Service runs scheduling passes against the stores. Planner, Bus, Locker,
// Metrics and Logger are optional.
type Service struct {
	Store             Store
	Planner           *planner.Planner
	Bus               Publisher
	Locker            lock.Locker
	Metrics           Metrics
	Logger            *slog.Logger
	AutoCreateWindows bool
	LockTTL           time.Duration
	DefaultSession    string
}

type PassRequest struct {
	SessionID string `json:"sessionId"`
	DryRun    bool   `json:"dryRun"`
}

type FailedAssignment struct {
	AnomalyID string `json:"anomalyId"`
	WindowID  string `json:"windowId"`
	Reason    string `json:"reason"`
}

type PassReport struct {
	SessionID         string                      `json:"sessionId"`
	DryRun            bool                        `json:"dryRun"`
	Assigned          int                         `json:"assigned"`
	Failed            int                         `json:"failed"`
	Unassigned        int                         `json:"unassigned"`
	WindowsCreated    int                         `json:"windowsCreated"`
	Assignments       []planner.Assignment        `json:"assignments"`
	FailedAssignments []FailedAssignment          `json:"failedAssignments"`
	NewWindows        []planner.MaintenanceWindow `json:"newWindows"`
	UnassignedIDs     []string                    `json:"unassignedIds"`
	OptimizationScore float64                     `json:"optimizationScore"`
	Message           string                      `json:"message"`
}

func (r *PassReport) summarize() {
	r.Message = fmt.Sprintf("%d anomalies assigned automatically", r.Assigned)
	if r.WindowsCreated > 0 {
		r.Message += fmt.Sprintf(", %d new windows created", r.WindowsCreated)
	}
	if n := r.Failed + r.Unassigned; n > 0 {
		r.Message += fmt.Sprintf("; %d anomalies not assigned", n)
	}
}

type SynthesisRequest struct {
	SessionID  string   `json:"sessionId"`
	AnomalyIDs []string `json:"anomalyIds"`
	Urgent     bool     `json:"urgent"`
	Grouped    bool     `json:"grouped"`
	DryRun     bool     `json:"dryRun"`
}

type ScoreResult struct {
	AnomalyID      string  `json:"anomalyId"`
	WindowID       string  `json:"windowId"`
	Score          int     `json:"score"`
	Compatible     bool    `json:"compatible"`
	ExactMatch     bool    `json:"exactMatch"`
	RequiredHours  float64 `json:"requiredHours"`
	AvailableHours float64 `json:"availableHours"`
	HasCapacity    bool    `json:"hasCapacity"`
}

type snapshot struct {
	anomalies []planner.Anomaly
	windows   []planner.MaintenanceWindow
	plans     map[string]planner.ActionPlan
}

func (s *Service) planner() *planner.Planner {
	if s.Planner == nil {
		s.Planner = planner.New()
	}
	return s.Planner
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return logging.Discard()
	}
	return s.Logger
}

// Session resolves the session a request runs under.
func (s *Service) Session(id string) string {
	if id != "" {
		return id
	}
	if s.DefaultSession != "" {
		return s.DefaultSession
	}
	return DefaultSession
}

func (s *Service) lock(ctx context.Context, session string) (func(), error) {
	if s.Locker == nil {
		return func() {}, nil
	}
	ttl := s.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	release, err := s.Locker.Acquire(ctx, planningLockKey, ttl)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("session %s: another pass holds the planning lock: %w", session, ErrSessionBusy)
	}
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(ctx); err != nil {
			s.logger().Warn("failed to release session lock", slog.String("session", session), slog.String("error", err.Error()))
		}
	}, nil
}

func (s *Service) snapshot(ctx context.Context) (snapshot, error) {
	anomalies, err := s.Store.ListSchedulable(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("list anomalies: %w", err)
	}
	windows, err := s.Store.ListOpenWindows(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("list windows: %w", err)
	}
	plans, err := s.Store.ActionPlans(ctx, anomalyIDs(anomalies))
	if err != nil {
		return snapshot{}, fmt.Errorf("load action plans: %w", err)
	}
	return snapshot{anomalies: anomalies, windows: windows, plans: plans}, nil
}

// RunPass assigns every schedulable anomaly, synthesizes windows for the
// critical and high ones left without any window, then commits the results.
func (s *Service) RunPass(ctx context.Context, req PassRequest) (PassReport, error) {
	start := time.Now()
	session := s.Session(req.SessionID)
	release, err := s.lock(ctx, session)
	if err != nil {
		s.observePass(metrics.OutcomeBusy, start)
		return PassReport{}, err
	}
	defer release()

	report, err := s.runPass(ctx, session, req.DryRun)
	switch {
	case err != nil:
		s.observePass(metrics.OutcomeError, start)
		s.logger().Error("scheduling pass failed", slog.String("session", session), slog.String("error", err.Error()))
		return PassReport{}, err
	case req.DryRun:
		s.observePass(metrics.OutcomeDryRun, start)
	default:
		s.observePass(metrics.OutcomeSuccess, start)
		if s.Metrics != nil {
			s.Metrics.CountAnomalies(report.Assigned, report.Failed, report.Unassigned)
			s.Metrics.CountWindowsCreated(report.WindowsCreated)
		}
	}
	s.logger().Info("scheduling pass completed",
		slog.String("session", session),
		slog.Bool("dry_run", req.DryRun),
		slog.Int("assigned", report.Assigned),
		slog.Int("failed", report.Failed),
		slog.Int("unassigned", report.Unassigned),
		slog.Int("windows_created", report.WindowsCreated),
	)
	return report, nil
}

func (s *Service) runPass(ctx context.Context, session string, dryRun bool) (PassReport, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return PassReport{}, err
	}
	result, err := s.planner().Assign(snap.anomalies, snap.windows, snap.plans)
	if err != nil {
		return PassReport{}, fmt.Errorf("assign: %w", err)
	}
	if s.AutoCreateWindows && len(result.NeedsWindow) > 0 {
		windows, err := s.planner().SynthesizeGrouped(pick(snap.anomalies, result.NeedsWindow), snap.plans)
		if err != nil {
			return PassReport{}, fmt.Errorf("synthesize windows: %w", err)
		}
		for _, w := range windows {
			result.AddWindow(w)
		}
	}

	report := PassReport{
		SessionID:         session,
		DryRun:            dryRun,
		Assignments:       []planner.Assignment{},
		FailedAssignments: []FailedAssignment{},
		NewWindows:        []planner.MaintenanceWindow{},
		UnassignedIDs:     append(append([]string{}, result.Unassigned...), result.NeedsWindow...),
		OptimizationScore: result.OptimizationScore,
	}
	report.Unassigned = len(report.UnassignedIDs)

	if dryRun {
		report.Assignments = append(report.Assignments, result.Assignments...)
		report.NewWindows = append(report.NewWindows, result.NewWindows...)
		report.Assigned = len(report.Assignments)
		report.WindowsCreated = len(report.NewWindows)
		report.summarize()
		return report, nil
	}

	if err := s.commit(ctx, session, result, &report); err != nil {
		return PassReport{}, err
	}
	report.summarize()
	s.publish(bus.SubjectPassCompleted, PassCompleted{
		SessionID:      session,
		Assigned:       report.Assigned,
		Failed:         report.Failed,
		Unassigned:     report.Unassigned,
		WindowsCreated: report.WindowsCreated,
		Score:          report.OptimizationScore,
		Message:        report.Message,
	})
	return report, nil
}

// commit writes new windows first, since later assignments of the same pass
// may target them, then the remaining pairs one transaction at a time.
// Conflicts become failed assignments; any other error aborts the pass.
func (s *Service) commit(ctx context.Context, session string, result planner.AssignmentResult, report *PassReport) error {
	created := map[string]bool{}
	failedWindows := map[string]string{}
	for _, w := range result.NewWindows {
		err := s.Store.CreateWindow(ctx, w)
		switch {
		case err == nil:
			created[w.ID] = true
			report.NewWindows = append(report.NewWindows, w)
			s.publish(bus.SubjectWindowCreated, WindowCreated{SessionID: session, Window: w})
		case errors.Is(err, ErrPersistenceConflict):
			failedWindows[w.ID] = err.Error()
			s.logger().Warn("window creation conflicted", slog.String("session", session), slog.String("window_id", w.ID), slog.String("error", err.Error()))
		default:
			return fmt.Errorf("create window %s: %w", w.ID, err)
		}
	}
	report.WindowsCreated = len(report.NewWindows)

	for _, a := range result.Assignments {
		var failure string
		switch {
		case created[a.WindowID]:
		case failedWindows[a.WindowID] != "":
			failure = failedWindows[a.WindowID]
		default:
			err := s.Store.CommitAssignment(ctx, a.AnomalyID, a.WindowID)
			switch {
			case err == nil:
			case errors.Is(err, ErrPersistenceConflict):
				failure = err.Error()
				s.logger().Warn("assignment conflicted", slog.String("session", session), slog.String("anomaly_id", a.AnomalyID), slog.String("window_id", a.WindowID), slog.String("error", err.Error()))
			default:
				return fmt.Errorf("commit assignment %s -> %s: %w", a.AnomalyID, a.WindowID, err)
			}
		}
		if failure != "" {
			report.FailedAssignments = append(report.FailedAssignments, FailedAssignment{AnomalyID: a.AnomalyID, WindowID: a.WindowID, Reason: failure})
			continue
		}
		report.Assignments = append(report.Assignments, a)
		s.publish(bus.SubjectAssignmentCommitted, AssignmentCommitted{
			SessionID: session,
			AnomalyID: a.AnomalyID,
			WindowID:  a.WindowID,
			Score:     a.Score,
			Reason:    a.Reason,
			NewWindow: a.NewWindow,
		})
	}
	report.Assigned = len(report.Assignments)
	report.Failed = len(report.FailedAssignments)
	return nil
}

// Optimize reports reassignment proposals and utilization for the open
// windows. Nothing is written.
func (s *Service) Optimize(ctx context.Context, sessionID string) (planner.OptimizationReport, error) {
	snap, err := s.snapshot(ctx)
	if err != nil {
		return planner.OptimizationReport{}, err
	}
	scheduled := make([]planner.Anomaly, 0, len(snap.anomalies))
	for _, a := range snap.anomalies {
		if a.Scheduled() {
			scheduled = append(scheduled, a)
		}
	}
	report, err := s.planner().Optimize(scheduled, snap.windows, snap.plans)
	if err != nil {
		return planner.OptimizationReport{}, fmt.Errorf("optimize: %w", err)
	}
	s.logger().Info("optimization computed",
		slog.String("session", s.Session(sessionID)),
		slog.Int("reassignments", len(report.Reassignments)),
		slog.Float64("improvement", report.OverallImprovement),
	)
	return report, nil
}

// SynthesizeWindow fabricates windows for explicitly chosen anomalies and
// persists them unless the request is a dry run.
func (s *Service) SynthesizeWindow(ctx context.Context, req SynthesisRequest) ([]planner.MaintenanceWindow, error) {
	session := s.Session(req.SessionID)
	release, err := s.lock(ctx, session)
	if err != nil {
		return nil, err
	}
	defer release()

	anomalies, err := s.loadAnomalies(ctx, req.AnomalyIDs)
	if err != nil {
		return nil, err
	}
	plans, err := s.Store.ActionPlans(ctx, req.AnomalyIDs)
	if err != nil {
		return nil, fmt.Errorf("load action plans: %w", err)
	}

	p := s.planner()
	var windows []planner.MaintenanceWindow
	switch {
	case req.Urgent:
		if len(anomalies) != 1 {
			return nil, &planner.InputError{Op: "synthesize", Details: []planner.ErrorDetail{{Field: "anomalyIds", Problem: "urgent windows host a single anomaly"}}}
		}
		var plan *planner.ActionPlan
		if ap, ok := plans[anomalies[0].ID]; ok {
			plan = &ap
		}
		w, err := p.SynthesizeUrgent(anomalies[0], plan)
		if err != nil {
			return nil, err
		}
		windows = []planner.MaintenanceWindow{w}
	case req.Grouped:
		windows, err = p.SynthesizeGrouped(anomalies, plans)
		if err != nil {
			return nil, err
		}
	default:
		w, err := p.Synthesize(anomalies, plans)
		if err != nil {
			return nil, err
		}
		windows = []planner.MaintenanceWindow{w}
	}

	if req.DryRun {
		return windows, nil
	}
	for _, w := range windows {
		if err := s.Store.CreateWindow(ctx, w); err != nil {
			return nil, fmt.Errorf("create window %s: %w", w.ID, err)
		}
		s.publish(bus.SubjectWindowCreated, WindowCreated{SessionID: session, Window: w})
	}
	if s.Metrics != nil {
		s.Metrics.CountWindowsCreated(len(windows))
	}
	return windows, nil
}

// ScorePair grades one anomaly against one window and reports whether the
// window still has room for it.
func (s *Service) ScorePair(ctx context.Context, anomalyID, windowID string) (ScoreResult, error) {
	found, err := s.loadAnomalies(ctx, []string{anomalyID})
	if err != nil {
		return ScoreResult{}, err
	}
	a := found[0]
	w, err := s.Store.GetWindow(ctx, windowID)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("window %s: %w", windowID, err)
	}
	hosted, err := s.Store.GetAnomalies(ctx, w.AssignedAnomalies)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("load window anomalies: %w", err)
	}
	ids := append([]string{a.ID}, w.AssignedAnomalies...)
	plans, err := s.Store.ActionPlans(ctx, ids)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("load action plans: %w", err)
	}

	p := s.planner()
	policy := p.Policy()
	hours := map[string]float64{}
	for _, h := range append(hosted, a) {
		hours[h.ID] = planner.RequiredHours(h, planOf(plans, h.ID), policy.DefaultHours)
	}
	tracker := planner.NewCapacityTracker([]planner.MaintenanceWindow{w}, func(id string) float64 {
		if h, ok := hours[id]; ok {
			return h
		}
		return policy.DefaultHours
	}, policy.BufferHours)

	level := a.Level()
	required := hours[a.ID]
	return ScoreResult{
		AnomalyID:      a.ID,
		WindowID:       w.ID,
		Score:          p.Score(a, w, planOf(plans, a.ID)),
		Compatible:     planner.Compatible(w.Type, level),
		ExactMatch:     planner.ExactMatch(w.Type, level),
		RequiredHours:  required,
		AvailableHours: tracker.AvailableHours(w.ID),
		HasCapacity:    tracker.HasCapacityFor(w.ID, required),
	}, nil
}

func (s *Service) loadAnomalies(ctx context.Context, ids []string) ([]planner.Anomaly, error) {
	found, err := s.Store.GetAnomalies(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load anomalies: %w", err)
	}
	byID := make(map[string]planner.Anomaly, len(found))
	for _, a := range found {
		byID[a.ID] = a
	}
	ordered := make([]planner.Anomaly, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("anomaly %s: %w", id, ErrNotFound)
		}
		ordered = append(ordered, a)
	}
	return ordered, nil
}

func (s *Service) publish(subject string, payload any) {
	if s.Bus == nil {
		return
	}
	if err := s.Bus.Publish(subject, payload); err != nil {
		s.logger().Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (s *Service) observePass(outcome string, start time.Time) {
	if s.Metrics != nil {
		s.Metrics.ObservePass(outcome, time.Since(start))
	}
}

func anomalyIDs(anomalies []planner.Anomaly) []string {
	ids := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		ids = append(ids, a.ID)
	}
	return ids
}

func pick(anomalies []planner.Anomaly, ids []string) []planner.Anomaly {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	out := []planner.Anomaly{}
	for _, a := range anomalies {
		if wanted[a.ID] {
			out = append(out, a)
		}
	}
	return out
}

func planOf(plans map[string]planner.ActionPlan, id string) *planner.ActionPlan {
	plan, ok := plans[id]
	if !ok {
		return nil
	}
	return &plan
}
