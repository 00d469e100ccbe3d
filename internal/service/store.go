package service

import (
	"context"
	"errors"
	"time"

	planner "github.com/thenew-programer/tams-taqa-sub001"
)

var (
	// ErrNotFound is wrapped by every store's not-found error.
	ErrNotFound = errors.New("not found")
	// ErrPersistenceConflict is wrapped by store errors raised when a
	// commitment lost a race: the anomaly was scheduled elsewhere or the
	// window closed since the snapshot was read.
	ErrPersistenceConflict = errors.New("persistence conflict")
	// ErrSessionBusy means another pass holds the session lock.
	ErrSessionBusy = errors.New("planning session busy")
)

type AnomalyStore interface {
	// ListSchedulable returns unscheduled anomalies in treated or
	// in_progress status plus every anomaly assigned to an open window.
	ListSchedulable(ctx context.Context) ([]planner.Anomaly, error)
	// GetAnomalies returns the anomalies found among ids, in any order.
	GetAnomalies(ctx context.Context, ids []string) ([]planner.Anomaly, error)
}

type WindowStore interface {
	// ListOpenWindows returns planned and in_progress windows with their
	// assigned anomaly lists.
	ListOpenWindows(ctx context.Context) ([]planner.MaintenanceWindow, error)
	GetWindow(ctx context.Context, id string) (planner.MaintenanceWindow, error)
}

type ActionPlanStore interface {
	ActionPlans(ctx context.Context, anomalyIDs []string) (map[string]planner.ActionPlan, error)
}

// AssignmentCommitter persists decisions. Each call is atomic: both sides
// of the anomaly/window link are written or neither is.
type AssignmentCommitter interface {
	CommitAssignment(ctx context.Context, anomalyID, windowID string) error
	// CreateWindow inserts w and links every anomaly it lists.
	CreateWindow(ctx context.Context, w planner.MaintenanceWindow) error
}

type Store interface {
	AnomalyStore
	WindowStore
	ActionPlanStore
	AssignmentCommitter
}

type Publisher interface {
	Publish(subject string, payload any) error
}

type Metrics interface {
	ObservePass(outcome string, duration time.Duration)
	CountAnomalies(assigned, failed, unassigned int)
	CountWindowsCreated(n int)
}
