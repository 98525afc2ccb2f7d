package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nodenexus/nodenexus/pkg/types"
)

const hostColumns = `id, user_id, name, ip_address, os_type, agent_secret, status,
	metadata, config_override, config_status,
	traffic_limit_bytes, traffic_billing_rule, traffic_reset_rule, traffic_reset_value,
	traffic_current_cycle_rx_bytes, traffic_current_cycle_tx_bytes,
	last_processed_cumulative_rx, last_processed_cumulative_tx,
	traffic_last_reset_at, next_traffic_reset_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(r rowScanner) (*types.Host, error) {
	var (
		h           types.Host
		metadata    string
		override    sql.NullString
		lastReset   sql.NullInt64
		nextReset   sql.NullInt64
		createdAt   int64
		updatedAt   int64
	)
	err := r.Scan(&h.ID, &h.UserID, &h.Name, &h.IPAddress, &h.OSType, &h.AgentSecret, &h.Status,
		&metadata, &override, &h.ConfigStatus,
		&h.TrafficLimitBytes, &h.TrafficBillingRule, &h.TrafficResetRule, &h.TrafficResetValue,
		&h.TrafficCurrentCycleRx, &h.TrafficCurrentCycleTx,
		&h.LastProcessedCumulativeRx, &h.LastProcessedCumulativeTx,
		&lastReset, &nextReset, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &h.Metadata); err != nil {
			return nil, fmt.Errorf("host %d metadata: %w", h.ID, err)
		}
	}
	if override.Valid {
		h.ConfigOverride = json.RawMessage(override.String)
	}
	h.TrafficLastResetAt = fromNullMillis(lastReset)
	h.NextTrafficResetAt = fromNullMillis(nextReset)
	h.CreatedAt = fromMillis(createdAt)
	h.UpdatedAt = fromMillis(updatedAt)
	return &h, nil
}

// CreateHost inserts a new host and returns it with its assigned id.
func (s *Store) CreateHost(h *types.Host) error {
	now := nowUTC()
	h.CreatedAt = now
	h.UpdatedAt = now
	if h.Status == "" {
		h.Status = types.HostStatusPending
	}
	if h.ConfigStatus == "" {
		h.ConfigStatus = types.ConfigStatusUnknown
	}
	if h.TrafficBillingRule == "" {
		h.TrafficBillingRule = types.TrafficBillingSumInOut
	}
	metadata := "{}"
	if h.Metadata != nil {
		raw, err := json.Marshal(h.Metadata)
		if err != nil {
			return types.NewStorageError("marshal metadata", err)
		}
		metadata = string(raw)
	}
	var override any
	if h.ConfigOverride != nil {
		override = string(h.ConfigOverride)
	}
	res, err := s.db.Exec(`INSERT INTO hosts
		(user_id, name, ip_address, os_type, agent_secret, status, metadata, config_override, config_status,
		 traffic_limit_bytes, traffic_billing_rule, traffic_reset_rule, traffic_reset_value,
		 traffic_last_reset_at, next_traffic_reset_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.UserID, h.Name, h.IPAddress, h.OSType, h.AgentSecret, h.Status, metadata, override, h.ConfigStatus,
		h.TrafficLimitBytes, h.TrafficBillingRule, h.TrafficResetRule, h.TrafficResetValue,
		toNullMillis(h.TrafficLastResetAt), toNullMillis(h.NextTrafficResetAt),
		toMillis(now), toMillis(now))
	if err != nil {
		return types.NewStorageError("create host", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.NewStorageError("create host id", err)
	}
	h.ID = id
	return nil
}

// GetHost fetches one host by id.
func (s *Store) GetHost(id int64) (*types.Host, error) {
	row := s.db.QueryRow(`SELECT `+hostColumns+` FROM hosts WHERE id = ?`, id)
	h, err := scanHost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("host %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewStorageError("get host", err)
	}
	return h, nil
}

// ListHosts returns every host, ordered by id.
func (s *Store) ListHosts() ([]*types.Host, error) {
	return s.queryHosts(`SELECT ` + hostColumns + ` FROM hosts ORDER BY id`)
}

// ListHostsByUser returns the hosts owned by userID.
func (s *Store) ListHostsByUser(userID int64) ([]*types.Host, error) {
	return s.queryHosts(`SELECT `+hostColumns+` FROM hosts WHERE user_id = ? ORDER BY id`, userID)
}

func (s *Store) queryHosts(query string, args ...any) ([]*types.Host, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.NewStorageError("list hosts", err)
	}
	defer rows.Close()

	var hosts []*types.Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, types.NewStorageError("scan host", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, types.NewStorageError("list hosts", rows.Err())
}

// UpdateHost persists mutable host fields (not traffic counters; those
// change through the ingest path and ResetTrafficCycle).
func (s *Store) UpdateHost(h *types.Host) error {
	h.UpdatedAt = nowUTC()
	metadata := "{}"
	if h.Metadata != nil {
		raw, err := json.Marshal(h.Metadata)
		if err != nil {
			return types.NewStorageError("marshal metadata", err)
		}
		metadata = string(raw)
	}
	var override any
	if h.ConfigOverride != nil {
		override = string(h.ConfigOverride)
	}
	res, err := s.db.Exec(`UPDATE hosts SET
		name = ?, ip_address = ?, os_type = ?, agent_secret = ?, status = ?,
		metadata = ?, config_override = ?, config_status = ?,
		traffic_limit_bytes = ?, traffic_billing_rule = ?, traffic_reset_rule = ?, traffic_reset_value = ?,
		next_traffic_reset_at = ?, updated_at = ?
		WHERE id = ?`,
		h.Name, h.IPAddress, h.OSType, h.AgentSecret, h.Status,
		metadata, override, h.ConfigStatus,
		h.TrafficLimitBytes, h.TrafficBillingRule, h.TrafficResetRule, h.TrafficResetValue,
		toNullMillis(h.NextTrafficResetAt), toMillis(h.UpdatedAt),
		h.ID)
	if err != nil {
		return types.NewStorageError("update host", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("host %d: %w", h.ID, types.ErrNotFound)
	}
	return nil
}

// UpdateHostStatus transitions only the status column. Returns true when
// the stored status actually changed.
func (s *Store) UpdateHostStatus(id int64, status types.HostStatus) (bool, error) {
	res, err := s.db.Exec(`UPDATE hosts SET status = ?, updated_at = ? WHERE id = ? AND status <> ?`,
		status, toMillis(nowUTC()), id, status)
	if err != nil {
		return false, types.NewStorageError("update host status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, types.NewStorageError("update host status", err)
	}
	return n > 0, nil
}

// UpdateHostConfigStatus records the agent's config acknowledgement state.
func (s *Store) UpdateHostConfigStatus(id int64, status types.ConfigStatus) error {
	_, err := s.db.Exec(`UPDATE hosts SET config_status = ?, updated_at = ? WHERE id = ?`,
		status, toMillis(nowUTC()), id)
	return types.NewStorageError("update config status", err)
}

// MergeHostHandshake merges handshake-supplied facts into the host row.
// Existing metadata keys not present in info are preserved.
func (s *Store) MergeHostHandshake(id int64, ipAddress, osType string, info map[string]json.RawMessage) error {
	return s.Tx(context.Background(), func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRow(`SELECT metadata FROM hosts WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("host %d: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return types.NewStorageError("read metadata", err)
		}
		merged := map[string]json.RawMessage{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &merged); err != nil {
				// Unreadable metadata is replaced rather than blocking
				// the handshake.
				merged = map[string]json.RawMessage{}
			}
		}
		for k, v := range info {
			merged[k] = v
		}
		out, err := json.Marshal(merged)
		if err != nil {
			return types.NewStorageError("marshal metadata", err)
		}
		_, err = tx.Exec(`UPDATE hosts SET metadata = ?, ip_address = ?, os_type = ?, status = ?, updated_at = ? WHERE id = ?`,
			string(out), ipAddress, osType, types.HostStatusOnline, toMillis(nowUTC()), id)
		return types.NewStorageError("merge handshake", err)
	})
}

// DeleteHost removes the host; dependent rows cascade.
func (s *Store) DeleteHost(id int64) error {
	res, err := s.db.Exec(`DELETE FROM hosts WHERE id = ?`, id)
	if err != nil {
		return types.NewStorageError("delete host", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("host %d: %w", id, types.ErrNotFound)
	}
	return nil
}
