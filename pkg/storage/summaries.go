package storage

import (
	"fmt"
	"time"

	"github.com/nodenexus/nodenexus/pkg/types"
)

func summaryTable(g types.SummaryGranularity) (string, error) {
	switch g {
	case types.Summary1m:
		return "metrics_summary_1m", nil
	case types.Summary1h:
		return "metrics_summary_1h", nil
	case types.Summary1d:
		return "metrics_summary_1d", nil
	default:
		return "", fmt.Errorf("granularity %q: %w", g, types.ErrInvalidInput)
	}
}

// RollupWatermark returns the newest bucket already present at a
// granularity, or zero when the table is empty. The aggregator
// re-aggregates from this bucket onward, so the open bucket is recomputed
// on every pass.
func (s *Store) RollupWatermark(g types.SummaryGranularity) (int64, error) {
	table, err := summaryTable(g)
	if err != nil {
		return 0, err
	}
	var wm int64
	err = s.db.QueryRow(`SELECT COALESCE(MAX(bucket_ms), 0) FROM ` + table).Scan(&wm)
	if err != nil {
		return 0, types.NewStorageError("rollup watermark", err)
	}
	return wm, nil
}

// RollupRawTo1m aggregates raw snapshots with time_ms >= fromMs into
// minute buckets. Existing buckets are overwritten, which makes
// recomputing the open bucket idempotent.
//
// last_net_*_cum use correlated subqueries rather than SQLite's
// bare-column max() shortcut, which is undefined when several aggregates
// appear in one select.
func (s *Store) RollupRawTo1m(fromMs int64) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO metrics_summary_1m
		(host_id, bucket_ms, avg_cpu, min_cpu, max_cpu,
		 avg_mem_used, max_mem_used, mem_total,
		 avg_disk_read_bps, avg_disk_write_bps, avg_net_rx_bps, avg_net_tx_bps,
		 last_net_rx_cum, last_net_tx_cum, samples)
		SELECT p.host_id,
		       (p.time_ms / 60000) * 60000 AS bucket_ms,
		       AVG(p.cpu_usage_percent), MIN(p.cpu_usage_percent), MAX(p.cpu_usage_percent),
		       CAST(AVG(p.mem_used_bytes) AS INTEGER), MAX(p.mem_used_bytes), MAX(p.mem_total_bytes),
		       CAST(AVG(p.disk_read_bps) AS INTEGER), CAST(AVG(p.disk_write_bps) AS INTEGER),
		       CAST(AVG(p.network_rx_bps) AS INTEGER), CAST(AVG(p.network_tx_bps) AS INTEGER),
		       (SELECT q.network_rx_cumulative FROM performance_snapshots q
		         WHERE q.host_id = p.host_id AND q.time_ms / 60000 = p.time_ms / 60000
		         ORDER BY q.time_ms DESC LIMIT 1),
		       (SELECT q.network_tx_cumulative FROM performance_snapshots q
		         WHERE q.host_id = p.host_id AND q.time_ms / 60000 = p.time_ms / 60000
		         ORDER BY q.time_ms DESC LIMIT 1),
		       COUNT(*)
		FROM performance_snapshots p
		WHERE p.time_ms >= ?
		GROUP BY p.host_id, bucket_ms
		ON CONFLICT (host_id, bucket_ms) DO UPDATE SET
		    avg_cpu = excluded.avg_cpu, min_cpu = excluded.min_cpu, max_cpu = excluded.max_cpu,
		    avg_mem_used = excluded.avg_mem_used, max_mem_used = excluded.max_mem_used,
		    mem_total = excluded.mem_total,
		    avg_disk_read_bps = excluded.avg_disk_read_bps,
		    avg_disk_write_bps = excluded.avg_disk_write_bps,
		    avg_net_rx_bps = excluded.avg_net_rx_bps, avg_net_tx_bps = excluded.avg_net_tx_bps,
		    last_net_rx_cum = excluded.last_net_rx_cum, last_net_tx_cum = excluded.last_net_tx_cum,
		    samples = excluded.samples`, fromMs)
	if err != nil {
		return 0, types.NewStorageError("rollup 1m", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RollupUp aggregates a finer summary table into a coarser one, starting
// at fromMs in the source. Averages are weighted by sample counts.
func (s *Store) RollupUp(src, dst types.SummaryGranularity, fromMs int64) (int64, error) {
	srcTable, err := summaryTable(src)
	if err != nil {
		return 0, err
	}
	dstTable, err := summaryTable(dst)
	if err != nil {
		return 0, err
	}
	var width int64
	switch dst {
	case types.Summary1h:
		width = time.Hour.Milliseconds()
	case types.Summary1d:
		width = 24 * time.Hour.Milliseconds()
	default:
		return 0, fmt.Errorf("rollup target %q: %w", dst, types.ErrInvalidInput)
	}

	query := fmt.Sprintf(`INSERT INTO %[2]s
		(host_id, bucket_ms, avg_cpu, min_cpu, max_cpu,
		 avg_mem_used, max_mem_used, mem_total,
		 avg_disk_read_bps, avg_disk_write_bps, avg_net_rx_bps, avg_net_tx_bps,
		 last_net_rx_cum, last_net_tx_cum, samples)
		SELECT f.host_id,
		       (f.bucket_ms / %[3]d) * %[3]d AS bucket_ms,
		       SUM(f.avg_cpu * f.samples) / SUM(f.samples), MIN(f.min_cpu), MAX(f.max_cpu),
		       CAST(SUM(f.avg_mem_used * f.samples) / SUM(f.samples) AS INTEGER),
		       MAX(f.max_mem_used), MAX(f.mem_total),
		       CAST(SUM(f.avg_disk_read_bps * f.samples) / SUM(f.samples) AS INTEGER),
		       CAST(SUM(f.avg_disk_write_bps * f.samples) / SUM(f.samples) AS INTEGER),
		       CAST(SUM(f.avg_net_rx_bps * f.samples) / SUM(f.samples) AS INTEGER),
		       CAST(SUM(f.avg_net_tx_bps * f.samples) / SUM(f.samples) AS INTEGER),
		       (SELECT g.last_net_rx_cum FROM %[1]s g
		         WHERE g.host_id = f.host_id AND g.bucket_ms / %[3]d = f.bucket_ms / %[3]d
		         ORDER BY g.bucket_ms DESC LIMIT 1),
		       (SELECT g.last_net_tx_cum FROM %[1]s g
		         WHERE g.host_id = f.host_id AND g.bucket_ms / %[3]d = f.bucket_ms / %[3]d
		         ORDER BY g.bucket_ms DESC LIMIT 1),
		       SUM(f.samples)
		FROM %[1]s f
		WHERE f.bucket_ms >= ? AND f.samples > 0
		GROUP BY f.host_id, bucket_ms
		ON CONFLICT (host_id, bucket_ms) DO UPDATE SET
		    avg_cpu = excluded.avg_cpu, min_cpu = excluded.min_cpu, max_cpu = excluded.max_cpu,
		    avg_mem_used = excluded.avg_mem_used, max_mem_used = excluded.max_mem_used,
		    mem_total = excluded.mem_total,
		    avg_disk_read_bps = excluded.avg_disk_read_bps,
		    avg_disk_write_bps = excluded.avg_disk_write_bps,
		    avg_net_rx_bps = excluded.avg_net_rx_bps, avg_net_tx_bps = excluded.avg_net_tx_bps,
		    last_net_rx_cum = excluded.last_net_rx_cum, last_net_tx_cum = excluded.last_net_tx_cum,
		    samples = excluded.samples`, srcTable, dstTable, width)

	res, err := s.db.Exec(query, fromMs)
	if err != nil {
		return 0, types.NewStorageError("rollup "+string(dst), err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneSnapshots deletes raw snapshots older than cutoff.
func (s *Store) PruneSnapshots(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM performance_snapshots WHERE time_ms < ?`, toMillis(cutoff))
	if err != nil {
		return 0, types.NewStorageError("prune snapshots", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneSummaries deletes rollup rows older than cutoff at one granularity.
func (s *Store) PruneSummaries(g types.SummaryGranularity, cutoff time.Time) (int64, error) {
	table, err := summaryTable(g)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`DELETE FROM `+table+` WHERE bucket_ms < ?`, toMillis(cutoff))
	if err != nil {
		return 0, types.NewStorageError("prune summaries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneMonitorResults deletes monitor results older than cutoff.
func (s *Store) PruneMonitorResults(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM monitor_results WHERE time_ms < ?`, toMillis(cutoff))
	if err != nil {
		return 0, types.NewStorageError("prune monitor results", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
