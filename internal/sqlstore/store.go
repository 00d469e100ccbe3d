package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	planner "github.com/thenew-programer/tams-taqa-sub001"
	"github.com/thenew-programer/tams-taqa-sub001/internal/service"
)

var (
	ErrNotFound = fmt.Errorf("sqlstore: %w", service.ErrNotFound)
	ErrConflict = fmt.Errorf("sqlstore conflict: %w", service.ErrPersistenceConflict)
)

// Store serves the planning tables of an existing postgres, mysql or
// mssql database through database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
	tables  tableNames
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", s.dialect.name, err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) anomalySelect(where string) string {
	return s.dialect.rebind(fmt.Sprintf(`SELECT a.id, a.title, a.equipment, a.criticality_level, a.fiabilite_integrite_score,
		a.disponibilite_score, a.process_safety_score, a.status, a.estimated_hours, a.maintenance_window_id, a.created_at
		FROM %s a LEFT JOIN %s w ON w.id = a.maintenance_window_id
		WHERE %s ORDER BY a.id`, s.tables.anomalies, s.tables.windows, where))
}

func (s *Store) windowSelect(where string) string {
	return s.dialect.rebind(fmt.Sprintf(`SELECT id, type, duration_days, start_date, end_date, status, description, auto_created, source_anomaly_id
		FROM %s WHERE %s ORDER BY start_date, id`, s.tables.windows, where))
}

func scanAnomaly(row scanner) (planner.Anomaly, error) {
	var (
		a           planner.Anomaly
		title       sql.NullString
		equipment   sql.NullString
		criticality sql.NullString
		status      string
		estimated   sql.NullInt64
		windowID    sql.NullString
	)
	if err := row.Scan(&a.ID, &title, &equipment, &criticality, &a.FiabiliteIntegrite, &a.Disponibilite,
		&a.ProcessSafety, &status, &estimated, &windowID, &a.CreatedAt); err != nil {
		return planner.Anomaly{}, err
	}
	a.Title = title.String
	a.Equipment = equipment.String
	a.Criticality = planner.Criticality(criticality.String)
	a.Status = planner.AnomalyStatus(status)
	if estimated.Valid {
		h := int(estimated.Int64)
		a.EstimatedHours = &h
	}
	a.MaintenanceWindowID = windowID.String
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func scanWindow(row scanner) (planner.MaintenanceWindow, error) {
	var (
		w           planner.MaintenanceWindow
		kind        string
		status      string
		description sql.NullString
		source      sql.NullString
	)
	if err := row.Scan(&w.ID, &kind, &w.DurationDays, &w.StartDate, &w.EndDate, &status, &description, &w.AutoCreated, &source); err != nil {
		return planner.MaintenanceWindow{}, err
	}
	w.Type = planner.WindowType(kind)
	w.Status = planner.WindowStatus(status)
	w.StartDate = w.StartDate.UTC()
	w.EndDate = w.EndDate.UTC()
	w.Description = description.String
	w.SourceAnomalyID = source.String
	w.AssignedAnomalies = []string{}
	return w, nil
}

func collectAnomalies(rows *sql.Rows) ([]planner.Anomaly, error) {
	defer rows.Close()
	results := []planner.Anomaly{}
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		results = append(results, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anomalies: %w", err)
	}
	return results, nil
}

func (s *Store) ListSchedulable(ctx context.Context) ([]planner.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, s.anomalySelect(
		`(a.maintenance_window_id IS NULL AND a.status IN ('treated', 'in_progress')) OR w.status IN ('planned', 'in_progress')`))
	if err != nil {
		return nil, fmt.Errorf("list %s anomalies: %w", s.dialect.name, err)
	}
	return collectAnomalies(rows)
}

func (s *Store) GetAnomalies(ctx context.Context, ids []string) ([]planner.Anomaly, error) {
	if len(ids) == 0 {
		return []planner.Anomaly{}, nil
	}
	rows, err := s.db.QueryContext(ctx, s.anomalySelect("a.id IN ("+inList(len(ids))+")"), stringArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("get %s anomalies: %w", s.dialect.name, err)
	}
	return collectAnomalies(rows)
}

func (s *Store) ListOpenWindows(ctx context.Context) ([]planner.MaintenanceWindow, error) {
	rows, err := s.db.QueryContext(ctx, s.windowSelect("status IN ('planned', 'in_progress')"))
	if err != nil {
		return nil, fmt.Errorf("list %s windows: %w", s.dialect.name, err)
	}
	defer rows.Close()
	windows := []planner.MaintenanceWindow{}
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windows: %w", err)
	}
	if err := s.loadAssignments(ctx, windows); err != nil {
		return nil, err
	}
	return windows, nil
}

func (s *Store) GetWindow(ctx context.Context, id string) (planner.MaintenanceWindow, error) {
	w, err := scanWindow(s.db.QueryRowContext(ctx, s.windowSelect("id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return planner.MaintenanceWindow{}, ErrNotFound
	}
	if err != nil {
		return planner.MaintenanceWindow{}, fmt.Errorf("get %s window: %w", s.dialect.name, err)
	}
	windows := []planner.MaintenanceWindow{w}
	if err := s.loadAssignments(ctx, windows); err != nil {
		return planner.MaintenanceWindow{}, err
	}
	return windows[0], nil
}

func (s *Store) loadAssignments(ctx context.Context, windows []planner.MaintenanceWindow) error {
	if len(windows) == 0 {
		return nil
	}
	index := make(map[string]int, len(windows))
	ids := make([]string, 0, len(windows))
	for i, w := range windows {
		index[w.ID] = i
		ids = append(ids, w.ID)
	}
	query := s.dialect.rebind(fmt.Sprintf(`SELECT window_id, anomaly_id FROM %s
		WHERE window_id IN (%s) ORDER BY window_id, position`, s.tables.assignments, inList(len(ids))))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("load %s assignments: %w", s.dialect.name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var windowID, anomalyID string
		if err := rows.Scan(&windowID, &anomalyID); err != nil {
			return fmt.Errorf("scan assignment: %w", err)
		}
		i := index[windowID]
		windows[i].AssignedAnomalies = append(windows[i].AssignedAnomalies, anomalyID)
	}
	return rows.Err()
}

func (s *Store) ActionPlans(ctx context.Context, anomalyIDs []string) (map[string]planner.ActionPlan, error) {
	plans := map[string]planner.ActionPlan{}
	if len(anomalyIDs) == 0 {
		return plans, nil
	}
	query := s.dialect.rebind(fmt.Sprintf(`SELECT anomaly_id, needs_outage, outage_type, outage_duration_minutes, priority, total_duration_days, total_duration_hours
		FROM %s WHERE anomaly_id IN (%s)`, s.tables.plans, inList(len(anomalyIDs))))
	rows, err := s.db.QueryContext(ctx, query, stringArgs(anomalyIDs)...)
	if err != nil {
		return nil, fmt.Errorf("load %s action plans: %w", s.dialect.name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			p          planner.ActionPlan
			outageType sql.NullString
		)
		if err := rows.Scan(&p.AnomalyID, &p.NeedsOutage, &outageType, &p.OutageDurationMinutes, &p.Priority, &p.TotalDurationDays, &p.TotalDurationHours); err != nil {
			return nil, fmt.Errorf("scan action plan: %w", err)
		}
		p.OutageType = planner.WindowType(outageType.String)
		plans[p.AnomalyID] = p
	}
	return plans, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s transaction: %w", s.dialect.name, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CommitAssignment locks the window row, checks it is still open and links
// the anomaly, in one transaction.
func (s *Store) CommitAssignment(ctx context.Context, anomalyID, windowID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		query := s.dialect.rebind(fmt.Sprintf(`SELECT status FROM %s%s WHERE id = ?%s`,
			s.tables.windows, s.dialect.lockHint, s.dialect.forUpdate))
		var status string
		err := tx.QueryRowContext(ctx, query, windowID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("window %s: %w", windowID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock window %s: %w", windowID, err)
		}
		if !planner.WindowStatus(status).Open() {
			return fmt.Errorf("window %s is %s: %w", windowID, status, ErrConflict)
		}
		return s.link(ctx, tx, anomalyID, windowID)
	})
}

func (s *Store) CreateWindow(ctx context.Context, w planner.MaintenanceWindow) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var existing int
		exists := s.dialect.rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, s.tables.windows))
		if err := tx.QueryRowContext(ctx, exists, w.ID).Scan(&existing); err != nil {
			return fmt.Errorf("check window %s: %w", w.ID, err)
		}
		if existing > 0 {
			return fmt.Errorf("window %s already exists: %w", w.ID, ErrConflict)
		}
		var source sql.NullString
		if w.SourceAnomalyID != "" {
			source = sql.NullString{String: w.SourceAnomalyID, Valid: true}
		}
		insert := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (id, type, duration_days, start_date, end_date, status, description, auto_created, source_anomaly_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.tables.windows))
		if _, err := tx.ExecContext(ctx, insert, w.ID, string(w.Type), w.DurationDays, w.StartDate.UTC(), w.EndDate.UTC(),
			string(w.Status), w.Description, w.AutoCreated, source, time.Now().UTC()); err != nil {
			return fmt.Errorf("insert window %s: %w", w.ID, err)
		}
		for _, anomalyID := range w.AssignedAnomalies {
			if err := s.link(ctx, tx, anomalyID, w.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) link(ctx context.Context, tx queryer, anomalyID, windowID string) error {
	update := s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET maintenance_window_id = ? WHERE id = ? AND maintenance_window_id IS NULL`, s.tables.anomalies))
	res, err := tx.ExecContext(ctx, update, windowID, anomalyID)
	if err != nil {
		return fmt.Errorf("link anomaly %s: %w", anomalyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link anomaly %s: %w", anomalyID, err)
	}
	if n == 0 {
		var count int
		query := s.dialect.rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, s.tables.anomalies))
		if err := tx.QueryRowContext(ctx, query, anomalyID).Scan(&count); err != nil {
			return fmt.Errorf("check anomaly %s: %w", anomalyID, err)
		}
		if count == 0 {
			return fmt.Errorf("anomaly %s: %w", anomalyID, ErrNotFound)
		}
		return fmt.Errorf("anomaly %s already scheduled: %w", anomalyID, ErrConflict)
	}

	var position int
	next := s.dialect.rebind(fmt.Sprintf(`SELECT COALESCE(MAX(position), 0) + 1 FROM %s WHERE window_id = ?`, s.tables.assignments))
	if err := tx.QueryRowContext(ctx, next, windowID).Scan(&position); err != nil {
		return fmt.Errorf("next position in window %s: %w", windowID, err)
	}
	insert := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (anomaly_id, window_id, position, assigned_at) VALUES (?, ?, ?, ?)`, s.tables.assignments))
	if _, err := tx.ExecContext(ctx, insert, anomalyID, windowID, position, time.Now().UTC()); err != nil {
		return fmt.Errorf("record assignment %s -> %s: %w", anomalyID, windowID, err)
	}
	return nil
}
