package storage

import (
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// migrations run in order inside one transaction at startup. Never edit an
// applied script; append a new one.
var migrations = []string{
	// 1: core schema
	`
CREATE TABLE hosts (
    id                              INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id                         INTEGER NOT NULL,
    name                            TEXT NOT NULL,
    ip_address                      TEXT NOT NULL DEFAULT '',
    os_type                         TEXT NOT NULL DEFAULT '',
    agent_secret                    TEXT NOT NULL,
    status                          TEXT NOT NULL DEFAULT 'pending',
    metadata                        TEXT NOT NULL DEFAULT '{}',
    config_override                 TEXT,
    config_status                   TEXT NOT NULL DEFAULT 'unknown',
    traffic_limit_bytes             INTEGER NOT NULL DEFAULT 0,
    traffic_billing_rule            TEXT NOT NULL DEFAULT 'sum_in_out',
    traffic_reset_rule              TEXT NOT NULL DEFAULT '',
    traffic_reset_value             TEXT NOT NULL DEFAULT '',
    traffic_current_cycle_rx_bytes  INTEGER NOT NULL DEFAULT 0,
    traffic_current_cycle_tx_bytes  INTEGER NOT NULL DEFAULT 0,
    last_processed_cumulative_rx    INTEGER NOT NULL DEFAULT 0,
    last_processed_cumulative_tx    INTEGER NOT NULL DEFAULT 0,
    traffic_last_reset_at           INTEGER,
    next_traffic_reset_at           INTEGER,
    created_at                      INTEGER NOT NULL,
    updated_at                      INTEGER NOT NULL
);

CREATE TABLE performance_snapshots (
    host_id                 INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    time_ms                 INTEGER NOT NULL,
    cpu_usage_percent       REAL NOT NULL DEFAULT 0,
    mem_used_bytes          INTEGER NOT NULL DEFAULT 0,
    mem_total_bytes         INTEGER NOT NULL DEFAULT 0,
    swap_used_bytes         INTEGER NOT NULL DEFAULT 0,
    swap_total_bytes        INTEGER NOT NULL DEFAULT 0,
    disk_read_bps           INTEGER NOT NULL DEFAULT 0,
    disk_write_bps          INTEGER NOT NULL DEFAULT 0,
    network_rx_cumulative   INTEGER NOT NULL DEFAULT 0,
    network_tx_cumulative   INTEGER NOT NULL DEFAULT 0,
    network_rx_bps          INTEGER NOT NULL DEFAULT 0,
    network_tx_bps          INTEGER NOT NULL DEFAULT 0,
    uptime_seconds          INTEGER NOT NULL DEFAULT 0,
    total_processes         INTEGER NOT NULL DEFAULT 0,
    running_processes       INTEGER NOT NULL DEFAULT 0,
    tcp_established_conns   INTEGER NOT NULL DEFAULT 0,
    disk_used_bytes         INTEGER NOT NULL DEFAULT 0,
    disk_total_bytes        INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (host_id, time_ms)
);

CREATE TABLE metrics_summary_1m (
    host_id             INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    bucket_ms           INTEGER NOT NULL,
    avg_cpu             REAL NOT NULL DEFAULT 0,
    min_cpu             REAL NOT NULL DEFAULT 0,
    max_cpu             REAL NOT NULL DEFAULT 0,
    avg_mem_used        INTEGER NOT NULL DEFAULT 0,
    max_mem_used        INTEGER NOT NULL DEFAULT 0,
    mem_total           INTEGER NOT NULL DEFAULT 0,
    avg_disk_read_bps   INTEGER NOT NULL DEFAULT 0,
    avg_disk_write_bps  INTEGER NOT NULL DEFAULT 0,
    avg_net_rx_bps      INTEGER NOT NULL DEFAULT 0,
    avg_net_tx_bps      INTEGER NOT NULL DEFAULT 0,
    last_net_rx_cum     INTEGER NOT NULL DEFAULT 0,
    last_net_tx_cum     INTEGER NOT NULL DEFAULT 0,
    samples             INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (host_id, bucket_ms)
);

CREATE TABLE metrics_summary_1h (
    host_id             INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    bucket_ms           INTEGER NOT NULL,
    avg_cpu             REAL NOT NULL DEFAULT 0,
    min_cpu             REAL NOT NULL DEFAULT 0,
    max_cpu             REAL NOT NULL DEFAULT 0,
    avg_mem_used        INTEGER NOT NULL DEFAULT 0,
    max_mem_used        INTEGER NOT NULL DEFAULT 0,
    mem_total           INTEGER NOT NULL DEFAULT 0,
    avg_disk_read_bps   INTEGER NOT NULL DEFAULT 0,
    avg_disk_write_bps  INTEGER NOT NULL DEFAULT 0,
    avg_net_rx_bps      INTEGER NOT NULL DEFAULT 0,
    avg_net_tx_bps      INTEGER NOT NULL DEFAULT 0,
    last_net_rx_cum     INTEGER NOT NULL DEFAULT 0,
    last_net_tx_cum     INTEGER NOT NULL DEFAULT 0,
    samples             INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (host_id, bucket_ms)
);

CREATE TABLE metrics_summary_1d (
    host_id             INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    bucket_ms           INTEGER NOT NULL,
    avg_cpu             REAL NOT NULL DEFAULT 0,
    min_cpu             REAL NOT NULL DEFAULT 0,
    max_cpu             REAL NOT NULL DEFAULT 0,
    avg_mem_used        INTEGER NOT NULL DEFAULT 0,
    max_mem_used        INTEGER NOT NULL DEFAULT 0,
    mem_total           INTEGER NOT NULL DEFAULT 0,
    avg_disk_read_bps   INTEGER NOT NULL DEFAULT 0,
    avg_disk_write_bps  INTEGER NOT NULL DEFAULT 0,
    avg_net_rx_bps      INTEGER NOT NULL DEFAULT 0,
    avg_net_tx_bps      INTEGER NOT NULL DEFAULT 0,
    last_net_rx_cum     INTEGER NOT NULL DEFAULT 0,
    last_net_tx_cum     INTEGER NOT NULL DEFAULT 0,
    samples             INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (host_id, bucket_ms)
);

CREATE TABLE tags (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     INTEGER NOT NULL,
    name        TEXT NOT NULL,
    color       TEXT NOT NULL DEFAULT '',
    is_visible  INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE host_tags (
    host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    tag_id  INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (host_id, tag_id)
);

CREATE TABLE service_monitors (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id         INTEGER NOT NULL,
    name            TEXT NOT NULL,
    type            TEXT NOT NULL,
    target          TEXT NOT NULL,
    frequency_sec   INTEGER NOT NULL DEFAULT 60,
    timeout_sec     INTEGER NOT NULL DEFAULT 10,
    is_active       INTEGER NOT NULL DEFAULT 1,
    config          TEXT,
    assignment_type TEXT NOT NULL DEFAULT 'INCLUSIVE',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);

CREATE TABLE monitor_host_assignments (
    monitor_id INTEGER NOT NULL REFERENCES service_monitors(id) ON DELETE CASCADE,
    host_id    INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    PRIMARY KEY (monitor_id, host_id)
);

CREATE TABLE monitor_tag_assignments (
    monitor_id INTEGER NOT NULL REFERENCES service_monitors(id) ON DELETE CASCADE,
    tag_id     INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (monitor_id, tag_id)
);

CREATE TABLE monitor_results (
    time_ms    INTEGER NOT NULL,
    monitor_id INTEGER NOT NULL REFERENCES service_monitors(id) ON DELETE CASCADE,
    host_id    INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    is_up      INTEGER NOT NULL,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    details    TEXT,
    PRIMARY KEY (monitor_id, host_id, time_ms)
);

CREATE TABLE notification_channels (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     INTEGER NOT NULL,
    name        TEXT NOT NULL,
    kind        TEXT NOT NULL,
    config_enc  BLOB,
    created_at  INTEGER NOT NULL
);

CREATE TABLE alert_rules (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id            INTEGER NOT NULL,
    name               TEXT NOT NULL,
    host_id            INTEGER REFERENCES hosts(id) ON DELETE CASCADE,
    metric_type        TEXT NOT NULL,
    threshold          REAL NOT NULL,
    comparator         TEXT NOT NULL,
    duration_sec       INTEGER NOT NULL DEFAULT 60,
    cooldown_sec       INTEGER NOT NULL DEFAULT 300,
    is_active          INTEGER NOT NULL DEFAULT 1,
    last_triggered_at  INTEGER
);

CREATE TABLE alert_rule_channels (
    rule_id    INTEGER NOT NULL REFERENCES alert_rules(id) ON DELETE CASCADE,
    channel_id INTEGER NOT NULL REFERENCES notification_channels(id) ON DELETE CASCADE,
    PRIMARY KEY (rule_id, channel_id)
);

CREATE TABLE batch_tasks (
    id              TEXT PRIMARY KEY,
    user_id         INTEGER NOT NULL,
    request_payload TEXT,
    status          TEXT NOT NULL DEFAULT 'Pending',
    execution_alias TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL,
    completed_at    INTEGER
);

CREATE TABLE child_tasks (
    id                 TEXT PRIMARY KEY,
    parent_id          TEXT NOT NULL REFERENCES batch_tasks(id) ON DELETE CASCADE,
    host_id            INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    status             TEXT NOT NULL DEFAULT 'Pending',
    exit_code          INTEGER,
    error_message      TEXT NOT NULL DEFAULT '',
    stdout_log_path    TEXT NOT NULL DEFAULT '',
    stderr_log_path    TEXT NOT NULL DEFAULT '',
    agent_started_at   INTEGER,
    agent_completed_at INTEGER,
    last_output_at     INTEGER,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE TABLE renewals (
    host_id            INTEGER PRIMARY KEY REFERENCES hosts(id) ON DELETE CASCADE,
    cycle              TEXT NOT NULL DEFAULT 'monthly',
    custom_cycle_days  INTEGER NOT NULL DEFAULT 0,
    price_cents        INTEGER NOT NULL DEFAULT 0,
    currency           TEXT NOT NULL DEFAULT '',
    last_renewal_date  INTEGER,
    next_renewal_date  INTEGER,
    auto_renew_enabled INTEGER NOT NULL DEFAULT 0,
    reminder_active    INTEGER NOT NULL DEFAULT 0,
    updated_at         INTEGER NOT NULL
);

CREATE INDEX idx_snapshots_time ON performance_snapshots(time_ms);
CREATE INDEX idx_monitor_results_time ON monitor_results(time_ms);
CREATE INDEX idx_child_tasks_parent ON child_tasks(parent_id);
CREATE INDEX idx_hosts_user ON hosts(user_id);
`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return types.NewStorageError("create schema_migrations", err)
	}

	var current int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return types.NewStorageError("read schema version", err)
	}

	logger := log.WithComponent("storage")
	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.Begin()
		if err != nil {
			return types.NewStorageError("begin migration", err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return types.NewStorageError("apply migration", err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			version, toMillis(nowUTC())); err != nil {
			tx.Rollback()
			return types.NewStorageError("record migration", err)
		}
		if err := tx.Commit(); err != nil {
			return types.NewStorageError("commit migration", err)
		}
		logger.Info().Int("version", version).Msg("applied migration")
	}
	return nil
}
