package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nodenexus/nodenexus/pkg/types"
)

const monitorColumns = `id, user_id, name, type, target, frequency_sec, timeout_sec,
	is_active, config, assignment_type, created_at, updated_at`

func scanMonitor(r rowScanner) (*types.ServiceMonitor, error) {
	var (
		m         types.ServiceMonitor
		config    sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := r.Scan(&m.ID, &m.UserID, &m.Name, &m.Type, &m.Target, &m.FrequencySec, &m.TimeoutSec,
		&m.IsActive, &config, &m.AssignmentType, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if config.Valid {
		m.Config = []byte(config.String)
	}
	m.CreatedAt = fromMillis(createdAt)
	m.UpdatedAt = fromMillis(updatedAt)
	return &m, nil
}

// CreateMonitor inserts a monitor and its assignment junctions in one
// transaction.
func (s *Store) CreateMonitor(m *types.ServiceMonitor, assign *types.MonitorAssignments) error {
	now := nowUTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.AssignmentType == "" {
		m.AssignmentType = types.AssignmentInclusive
	}
	return s.Tx(context.Background(), func(tx *sql.Tx) error {
		var config any
		if m.Config != nil {
			config = string(m.Config)
		}
		res, err := tx.Exec(`INSERT INTO service_monitors
			(user_id, name, type, target, frequency_sec, timeout_sec, is_active, config, assignment_type, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.UserID, m.Name, m.Type, m.Target, m.FrequencySec, m.TimeoutSec,
			m.IsActive, config, m.AssignmentType, toMillis(now), toMillis(now))
		if err != nil {
			return types.NewStorageError("create monitor", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return types.NewStorageError("create monitor id", err)
		}
		m.ID = id
		if assign != nil {
			assign.MonitorID = id
			return writeAssignments(tx, assign)
		}
		return nil
	})
}

// UpdateMonitor replaces the monitor row and, when assign is non-nil, its
// assignment junctions.
func (s *Store) UpdateMonitor(m *types.ServiceMonitor, assign *types.MonitorAssignments) error {
	m.UpdatedAt = nowUTC()
	return s.Tx(context.Background(), func(tx *sql.Tx) error {
		var config any
		if m.Config != nil {
			config = string(m.Config)
		}
		res, err := tx.Exec(`UPDATE service_monitors SET
			name = ?, type = ?, target = ?, frequency_sec = ?, timeout_sec = ?,
			is_active = ?, config = ?, assignment_type = ?, updated_at = ?
			WHERE id = ?`,
			m.Name, m.Type, m.Target, m.FrequencySec, m.TimeoutSec,
			m.IsActive, config, m.AssignmentType, toMillis(m.UpdatedAt), m.ID)
		if err != nil {
			return types.NewStorageError("update monitor", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("monitor %d: %w", m.ID, types.ErrNotFound)
		}
		if assign != nil {
			assign.MonitorID = m.ID
			if _, err := tx.Exec(`DELETE FROM monitor_host_assignments WHERE monitor_id = ?`, m.ID); err != nil {
				return types.NewStorageError("clear monitor hosts", err)
			}
			if _, err := tx.Exec(`DELETE FROM monitor_tag_assignments WHERE monitor_id = ?`, m.ID); err != nil {
				return types.NewStorageError("clear monitor tags", err)
			}
			return writeAssignments(tx, assign)
		}
		return nil
	})
}

func writeAssignments(tx *sql.Tx, assign *types.MonitorAssignments) error {
	for _, hostID := range assign.HostIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO monitor_host_assignments (monitor_id, host_id) VALUES (?, ?)`,
			assign.MonitorID, hostID); err != nil {
			return types.NewStorageError("assign monitor host", err)
		}
	}
	for _, tagID := range assign.TagIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO monitor_tag_assignments (monitor_id, tag_id) VALUES (?, ?)`,
			assign.MonitorID, tagID); err != nil {
			return types.NewStorageError("assign monitor tag", err)
		}
	}
	return nil
}

// GetMonitor fetches one monitor by id.
func (s *Store) GetMonitor(id int64) (*types.ServiceMonitor, error) {
	row := s.db.QueryRow(`SELECT `+monitorColumns+` FROM service_monitors WHERE id = ?`, id)
	m, err := scanMonitor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewStorageError("get monitor", err)
	}
	return m, nil
}

// ListMonitors returns every monitor, ordered by id.
func (s *Store) ListMonitors() ([]*types.ServiceMonitor, error) {
	return s.queryMonitors(`SELECT ` + monitorColumns + ` FROM service_monitors ORDER BY id`)
}

// ListActiveMonitors returns only active monitors.
func (s *Store) ListActiveMonitors() ([]*types.ServiceMonitor, error) {
	return s.queryMonitors(`SELECT ` + monitorColumns + ` FROM service_monitors WHERE is_active = 1 ORDER BY id`)
}

// ListMonitorsByUser returns the monitors owned by userID.
func (s *Store) ListMonitorsByUser(userID int64) ([]*types.ServiceMonitor, error) {
	return s.queryMonitors(`SELECT `+monitorColumns+` FROM service_monitors WHERE user_id = ? ORDER BY id`, userID)
}

func (s *Store) queryMonitors(query string, args ...any) ([]*types.ServiceMonitor, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.NewStorageError("list monitors", err)
	}
	defer rows.Close()

	var monitors []*types.ServiceMonitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, types.NewStorageError("scan monitor", err)
		}
		monitors = append(monitors, m)
	}
	return monitors, types.NewStorageError("list monitors", rows.Err())
}

// DeleteMonitor removes the monitor; assignments and results cascade.
func (s *Store) DeleteMonitor(id int64) error {
	res, err := s.db.Exec(`DELETE FROM service_monitors WHERE id = ?`, id)
	if err != nil {
		return types.NewStorageError("delete monitor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("monitor %d: %w", id, types.ErrNotFound)
	}
	return nil
}

// MonitorAssignments reads the junction rows for a monitor.
func (s *Store) MonitorAssignments(monitorID int64) (*types.MonitorAssignments, error) {
	assign := &types.MonitorAssignments{MonitorID: monitorID}

	rows, err := s.db.Query(`SELECT host_id FROM monitor_host_assignments WHERE monitor_id = ?`, monitorID)
	if err != nil {
		return nil, types.NewStorageError("monitor host assignments", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, types.NewStorageError("scan assignment", err)
		}
		assign.HostIDs = append(assign.HostIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, types.NewStorageError("monitor host assignments", err)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT tag_id FROM monitor_tag_assignments WHERE monitor_id = ?`, monitorID)
	if err != nil {
		return nil, types.NewStorageError("monitor tag assignments", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewStorageError("scan assignment", err)
		}
		assign.TagIDs = append(assign.TagIDs, id)
	}
	return assign, types.NewStorageError("monitor tag assignments", rows.Err())
}

// MonitorIDsForHost returns monitors directly assigned to the host.
func (s *Store) MonitorIDsForHost(hostID int64) ([]int64, error) {
	return s.queryIDs(`SELECT monitor_id FROM monitor_host_assignments WHERE host_id = ?`, hostID)
}

// MonitorIDsForTags returns monitors assigned to any of the tags.
func (s *Store) MonitorIDsForTags(tagIDs []int64) ([]int64, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}
	query := `SELECT DISTINCT monitor_id FROM monitor_tag_assignments WHERE tag_id IN (` + placeholders(len(tagIDs)) + `)`
	return s.queryIDs(query, int64Args(tagIDs)...)
}

func (s *Store) queryIDs(query string, args ...any) ([]int64, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.NewStorageError("query ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewStorageError("scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, types.NewStorageError("query ids", rows.Err())
}

// InsertMonitorResult appends one probe outcome.
func (s *Store) InsertMonitorResult(r *types.ServiceMonitorResult) error {
	var details any
	if r.Details != nil {
		details = string(r.Details)
	}
	_, err := s.db.Exec(`INSERT INTO monitor_results (time_ms, monitor_id, host_id, is_up, latency_ms, details)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (monitor_id, host_id, time_ms) DO NOTHING`,
		toMillis(r.Time), r.MonitorID, r.HostID, r.IsUp, r.LatencyMs, details)
	return types.NewStorageError("insert monitor result", err)
}

// MonitorTimeseries buckets results into fixed windows and returns average
// latency plus availability (up samples over all samples) per bucket.
func (s *Store) MonitorTimeseries(monitorID int64, from, to time.Time, bucket time.Duration) ([]*types.MonitorPoint, error) {
	if bucket <= 0 {
		bucket = time.Minute
	}
	width := bucket.Milliseconds()
	rows, err := s.db.Query(`SELECT (time_ms / ?) * ? AS bucket_ms,
		       AVG(latency_ms), CAST(SUM(is_up) AS REAL) / COUNT(*), COUNT(*)
		FROM monitor_results
		WHERE monitor_id = ? AND time_ms >= ? AND time_ms <= ?
		GROUP BY bucket_ms ORDER BY bucket_ms`,
		width, width, monitorID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, types.NewStorageError("monitor timeseries", err)
	}
	defer rows.Close()

	var points []*types.MonitorPoint
	for rows.Next() {
		var (
			p        types.MonitorPoint
			bucketMs int64
		)
		if err := rows.Scan(&bucketMs, &p.AvgLatencyMs, &p.Availability, &p.Samples); err != nil {
			return nil, types.NewStorageError("scan timeseries", err)
		}
		p.Time = fromMillis(bucketMs)
		p.MonitorID = monitorID
		points = append(points, &p)
	}
	return points, types.NewStorageError("monitor timeseries", rows.Err())
}

// RecentMonitorResults returns the newest results for a monitor across all
// hosts, newest first, capped at limit.
func (s *Store) RecentMonitorResults(monitorID int64, limit int) ([]*types.ServiceMonitorResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT time_ms, monitor_id, host_id, is_up, latency_ms, details
		FROM monitor_results WHERE monitor_id = ? ORDER BY time_ms DESC LIMIT ?`, monitorID, limit)
	if err != nil {
		return nil, types.NewStorageError("recent monitor results", err)
	}
	defer rows.Close()

	var out []*types.ServiceMonitorResult
	for rows.Next() {
		var (
			r       types.ServiceMonitorResult
			timeMs  int64
			details sql.NullString
		)
		if err := rows.Scan(&timeMs, &r.MonitorID, &r.HostID, &r.IsUp, &r.LatencyMs, &details); err != nil {
			return nil, types.NewStorageError("scan monitor result", err)
		}
		r.Time = fromMillis(timeMs)
		if details.Valid {
			r.Details = []byte(details.String)
		}
		out = append(out, &r)
	}
	return out, types.NewStorageError("recent monitor results", rows.Err())
}
