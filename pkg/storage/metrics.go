package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/nodenexus/nodenexus/pkg/types"
)

// InsertSnapshot persists one performance snapshot and, in the same
// transaction, applies the traffic delta to the host's current cycle
// counters. The host row is read and written inside the transaction,
// which serializes concurrent cycle updates per host.
//
// Counter-reset protection: a cumulative value lower than the last
// processed one is treated as a reset, and the new value is taken as the
// whole delta.
func (s *Store) InsertSnapshot(snap *types.PerformanceSnapshot) error {
	return s.Tx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO performance_snapshots
			(host_id, time_ms, cpu_usage_percent, mem_used_bytes, mem_total_bytes,
			 swap_used_bytes, swap_total_bytes, disk_read_bps, disk_write_bps,
			 network_rx_cumulative, network_tx_cumulative, network_rx_bps, network_tx_bps,
			 uptime_seconds, total_processes, running_processes, tcp_established_conns,
			 disk_used_bytes, disk_total_bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (host_id, time_ms) DO NOTHING`,
			snap.HostID, toMillis(snap.Time), snap.CPUUsagePercent, snap.MemUsedBytes, snap.MemTotalBytes,
			snap.SwapUsedBytes, snap.SwapTotalBytes, snap.DiskReadBps, snap.DiskWriteBps,
			snap.NetworkRxCumulative, snap.NetworkTxCumulative, snap.NetworkRxBps, snap.NetworkTxBps,
			snap.UptimeSeconds, snap.TotalProcesses, snap.RunningProcesses, snap.TCPEstablishedConns,
			snap.DiskUsedBytes, snap.DiskTotalBytes)
		if err != nil {
			return types.NewStorageError("insert snapshot", err)
		}

		var lastRx, lastTx int64
		err = tx.QueryRow(`SELECT last_processed_cumulative_rx, last_processed_cumulative_tx
			FROM hosts WHERE id = ?`, snap.HostID).Scan(&lastRx, &lastTx)
		if err != nil {
			return types.NewStorageError("read traffic counters", err)
		}

		deltaRx := trafficDelta(snap.NetworkRxCumulative, lastRx)
		deltaTx := trafficDelta(snap.NetworkTxCumulative, lastTx)

		_, err = tx.Exec(`UPDATE hosts SET
			traffic_current_cycle_rx_bytes = traffic_current_cycle_rx_bytes + ?,
			traffic_current_cycle_tx_bytes = traffic_current_cycle_tx_bytes + ?,
			last_processed_cumulative_rx = ?,
			last_processed_cumulative_tx = ?
			WHERE id = ?`,
			deltaRx, deltaTx, snap.NetworkRxCumulative, snap.NetworkTxCumulative, snap.HostID)
		return types.NewStorageError("update traffic counters", err)
	})
}

// trafficDelta computes the cycle increment for a cumulative counter.
// A decrease means the counter reset; the new value is the delta.
func trafficDelta(newCum, lastCum int64) int64 {
	if newCum >= lastCum {
		return newCum - lastCum
	}
	return newCum
}

const snapshotColumns = `host_id, time_ms, cpu_usage_percent, mem_used_bytes, mem_total_bytes,
	swap_used_bytes, swap_total_bytes, disk_read_bps, disk_write_bps,
	network_rx_cumulative, network_tx_cumulative, network_rx_bps, network_tx_bps,
	uptime_seconds, total_processes, running_processes, tcp_established_conns,
	disk_used_bytes, disk_total_bytes`

func scanSnapshot(r rowScanner) (*types.PerformanceSnapshot, error) {
	var (
		snap   types.PerformanceSnapshot
		timeMs int64
	)
	err := r.Scan(&snap.HostID, &timeMs, &snap.CPUUsagePercent, &snap.MemUsedBytes, &snap.MemTotalBytes,
		&snap.SwapUsedBytes, &snap.SwapTotalBytes, &snap.DiskReadBps, &snap.DiskWriteBps,
		&snap.NetworkRxCumulative, &snap.NetworkTxCumulative, &snap.NetworkRxBps, &snap.NetworkTxBps,
		&snap.UptimeSeconds, &snap.TotalProcesses, &snap.RunningProcesses, &snap.TCPEstablishedConns,
		&snap.DiskUsedBytes, &snap.DiskTotalBytes)
	if err != nil {
		return nil, err
	}
	snap.Time = fromMillis(timeMs)
	return &snap, nil
}

// LatestSnapshot returns the newest snapshot for a host, or nil when the
// host has none yet.
func (s *Store) LatestSnapshot(hostID int64) (*types.PerformanceSnapshot, error) {
	row := s.db.QueryRow(`SELECT `+snapshotColumns+` FROM performance_snapshots
		WHERE host_id = ? ORDER BY time_ms DESC LIMIT 1`, hostID)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStorageError("latest snapshot", err)
	}
	return snap, nil
}

// SnapshotsInRange returns the host's raw snapshots with
// from <= time <= to, in time order.
func (s *Store) SnapshotsInRange(hostID int64, from, to time.Time) ([]*types.PerformanceSnapshot, error) {
	rows, err := s.db.Query(`SELECT `+snapshotColumns+` FROM performance_snapshots
		WHERE host_id = ? AND time_ms >= ? AND time_ms <= ? ORDER BY time_ms`,
		hostID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, types.NewStorageError("snapshots in range", err)
	}
	defer rows.Close()

	var out []*types.PerformanceSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, types.NewStorageError("scan snapshot", err)
		}
		out = append(out, snap)
	}
	return out, types.NewStorageError("snapshots in range", rows.Err())
}

const summaryColumns = `host_id, bucket_ms, avg_cpu, min_cpu, max_cpu,
	avg_mem_used, max_mem_used, mem_total,
	avg_disk_read_bps, avg_disk_write_bps, avg_net_rx_bps, avg_net_tx_bps,
	last_net_rx_cum, last_net_tx_cum`

// SummariesInRange reads rollup rows at the given granularity.
func (s *Store) SummariesInRange(g types.SummaryGranularity, hostID int64, from, to time.Time) ([]*types.SummaryRow, error) {
	table, err := summaryTable(g)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT `+summaryColumns+` FROM `+table+`
		WHERE host_id = ? AND bucket_ms >= ? AND bucket_ms <= ? ORDER BY bucket_ms`,
		hostID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, types.NewStorageError("summaries in range", err)
	}
	defer rows.Close()

	var out []*types.SummaryRow
	for rows.Next() {
		var (
			row      types.SummaryRow
			bucketMs int64
		)
		err := rows.Scan(&row.HostID, &bucketMs, &row.AvgCPU, &row.MinCPU, &row.MaxCPU,
			&row.AvgMemUsed, &row.MaxMemUsed, &row.MemTotal,
			&row.AvgDiskReadBps, &row.AvgDiskWriteBps, &row.AvgNetworkRxBps, &row.AvgNetworkTxBps,
			&row.LastNetworkRxCumulative, &row.LastNetworkTxCumulative)
		if err != nil {
			return nil, types.NewStorageError("scan summary", err)
		}
		row.BucketTime = fromMillis(bucketMs)
		out = append(out, &row)
	}
	return out, types.NewStorageError("summaries in range", rows.Err())
}
