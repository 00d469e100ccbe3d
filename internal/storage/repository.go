package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	planner "github.com/thenew-programer/tams-taqa-sub001"
)

type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

const anomalyColumns = `a.id, a.title, a.equipment, a.criticality_level, a.fiabilite_integrite_score,
	a.disponibilite_score, a.process_safety_score, a.status, a.estimated_hours, a.maintenance_window_id, a.created_at`

const windowColumns = `id, type, duration_days, start_date, end_date, status, description, auto_created, source_anomaly_id`

func scanAnomaly(row pgx.Row) (planner.Anomaly, error) {
	var (
		a           planner.Anomaly
		criticality *string
		windowID    *string
		status      string
	)
	if err := row.Scan(&a.ID, &a.Title, &a.Equipment, &criticality, &a.FiabiliteIntegrite,
		&a.Disponibilite, &a.ProcessSafety, &status, &a.EstimatedHours, &windowID, &a.CreatedAt); err != nil {
		return planner.Anomaly{}, err
	}
	a.Status = planner.AnomalyStatus(status)
	if criticality != nil {
		a.Criticality = planner.Criticality(*criticality)
	}
	if windowID != nil {
		a.MaintenanceWindowID = *windowID
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func scanWindow(row pgx.Row) (planner.MaintenanceWindow, error) {
	var (
		w        planner.MaintenanceWindow
		kind     string
		status   string
		sourceID *string
	)
	if err := row.Scan(&w.ID, &kind, &w.DurationDays, &w.StartDate, &w.EndDate, &status, &w.Description, &w.AutoCreated, &sourceID); err != nil {
		return planner.MaintenanceWindow{}, err
	}
	w.Type = planner.WindowType(kind)
	w.Status = planner.WindowStatus(status)
	w.StartDate = w.StartDate.UTC()
	w.EndDate = w.EndDate.UTC()
	if sourceID != nil {
		w.SourceAnomalyID = *sourceID
	}
	w.AssignedAnomalies = []string{}
	return w, nil
}

func collectAnomalies(rows pgx.Rows) ([]planner.Anomaly, error) {
	defer rows.Close()
	results := []planner.Anomaly{}
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// ListSchedulable returns unscheduled treated or in_progress anomalies and
// every anomaly held by an open window.
func (r *Repository) ListSchedulable(ctx context.Context) ([]planner.Anomaly, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+anomalyColumns+`
		FROM anomalies a
		LEFT JOIN maintenance_windows w ON w.id = a.maintenance_window_id
		WHERE (a.maintenance_window_id IS NULL AND a.status IN ('treated', 'in_progress'))
			OR w.status IN ('planned', 'in_progress')
		ORDER BY a.id`)
	if err != nil {
		return nil, err
	}
	return collectAnomalies(rows)
}

func (r *Repository) GetAnomalies(ctx context.Context, ids []string) ([]planner.Anomaly, error) {
	if len(ids) == 0 {
		return []planner.Anomaly{}, nil
	}
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+anomalyColumns+`
		FROM anomalies a WHERE a.id = ANY($1) ORDER BY a.id`, ids)
	if err != nil {
		return nil, err
	}
	return collectAnomalies(rows)
}

func (r *Repository) ListOpenWindows(ctx context.Context) ([]planner.MaintenanceWindow, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT `+windowColumns+`
		FROM maintenance_windows
		WHERE status IN ('planned', 'in_progress')
		ORDER BY start_date, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	windows := []planner.MaintenanceWindow{}
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadAssignments(ctx, windows); err != nil {
		return nil, err
	}
	return windows, nil
}

func (r *Repository) GetWindow(ctx context.Context, id string) (planner.MaintenanceWindow, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT `+windowColumns+` FROM maintenance_windows WHERE id=$1`, id)
	w, err := scanWindow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return planner.MaintenanceWindow{}, ErrNotFound
	}
	if err != nil {
		return planner.MaintenanceWindow{}, err
	}
	windows := []planner.MaintenanceWindow{w}
	if err := r.loadAssignments(ctx, windows); err != nil {
		return planner.MaintenanceWindow{}, err
	}
	return windows[0], nil
}

func (r *Repository) loadAssignments(ctx context.Context, windows []planner.MaintenanceWindow) error {
	if len(windows) == 0 {
		return nil
	}
	index := make(map[string]int, len(windows))
	ids := make([]string, 0, len(windows))
	for i, w := range windows {
		index[w.ID] = i
		ids = append(ids, w.ID)
	}
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT window_id, anomaly_id FROM window_assignments
		WHERE window_id = ANY($1) ORDER BY window_id, position`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var windowID, anomalyID string
		if err := rows.Scan(&windowID, &anomalyID); err != nil {
			return err
		}
		i := index[windowID]
		windows[i].AssignedAnomalies = append(windows[i].AssignedAnomalies, anomalyID)
	}
	return rows.Err()
}

func (r *Repository) ActionPlans(ctx context.Context, anomalyIDs []string) (map[string]planner.ActionPlan, error) {
	plans := map[string]planner.ActionPlan{}
	if len(anomalyIDs) == 0 {
		return plans, nil
	}
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT anomaly_id, needs_outage, outage_type, outage_duration_minutes, priority, total_duration_days, total_duration_hours
		FROM action_plans WHERE anomaly_id = ANY($1)`, anomalyIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p          planner.ActionPlan
			outageType *string
		)
		if err := rows.Scan(&p.AnomalyID, &p.NeedsOutage, &outageType, &p.OutageDurationMinutes, &p.Priority, &p.TotalDurationDays, &p.TotalDurationHours); err != nil {
			return nil, err
		}
		if outageType != nil {
			p.OutageType = planner.WindowType(*outageType)
		}
		plans[p.AnomalyID] = p
	}
	return plans, rows.Err()
}

// CommitAssignment links the anomaly to an open window inside one
// transaction. It fails with ErrConflict when the anomaly is already
// scheduled or the window is no longer open.
func (r *Repository) CommitAssignment(ctx context.Context, anomalyID, windowID string) error {
	return pgx.BeginFunc(ctx, r.Store.Pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM maintenance_windows WHERE id=$1 FOR UPDATE`, windowID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("window %s: %w", windowID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !planner.WindowStatus(status).Open() {
			return fmt.Errorf("window %s is %s: %w", windowID, status, ErrConflict)
		}
		return link(ctx, tx, anomalyID, windowID)
	})
}

// CreateWindow inserts the window and links every anomaly it lists, all or
// nothing.
func (r *Repository) CreateWindow(ctx context.Context, w planner.MaintenanceWindow) error {
	return pgx.BeginFunc(ctx, r.Store.Pool, func(tx pgx.Tx) error {
		var source *string
		if w.SourceAnomalyID != "" {
			source = &w.SourceAnomalyID
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO maintenance_windows (id, type, duration_days, start_date, end_date, status, description, auto_created, source_anomaly_id, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
			ON CONFLICT (id) DO NOTHING`,
			w.ID, string(w.Type), w.DurationDays, w.StartDate, w.EndDate, string(w.Status), w.Description, w.AutoCreated, source,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("window %s already exists: %w", w.ID, ErrConflict)
		}
		for _, anomalyID := range w.AssignedAnomalies {
			if err := link(ctx, tx, anomalyID, w.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func link(ctx context.Context, tx pgx.Tx, anomalyID, windowID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE anomalies SET maintenance_window_id=$1
		WHERE id=$2 AND maintenance_window_id IS NULL`, windowID, anomalyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current *string
		err := tx.QueryRow(ctx, `SELECT maintenance_window_id FROM anomalies WHERE id=$1`, anomalyID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("anomaly %s: %w", anomalyID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("anomaly %s already scheduled: %w", anomalyID, ErrConflict)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO window_assignments (anomaly_id, window_id, position, assigned_at)
		VALUES ($1, $2, (SELECT COALESCE(MAX(position), 0) + 1 FROM window_assignments WHERE window_id=$2), now())`,
		anomalyID, windowID)
	return err
}
