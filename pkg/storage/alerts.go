package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nodenexus/nodenexus/pkg/types"
)

const alertRuleColumns = `id, user_id, name, host_id, metric_type, threshold, comparator,
	duration_sec, cooldown_sec, is_active, last_triggered_at`

func scanAlertRule(r rowScanner) (*types.AlertRule, error) {
	var (
		rule          types.AlertRule
		hostID        sql.NullInt64
		lastTriggered sql.NullInt64
	)
	err := r.Scan(&rule.ID, &rule.UserID, &rule.Name, &hostID, &rule.MetricType,
		&rule.Threshold, &rule.Comparator, &rule.DurationSec, &rule.CooldownSec,
		&rule.IsActive, &lastTriggered)
	if err != nil {
		return nil, err
	}
	if hostID.Valid {
		rule.HostID = &hostID.Int64
	}
	rule.LastTriggeredAt = fromNullMillis(lastTriggered)
	return &rule, nil
}

// CreateAlertRule inserts a rule and its channel junctions.
func (s *Store) CreateAlertRule(rule *types.AlertRule) error {
	return s.Tx(context.Background(), func(tx *sql.Tx) error {
		var hostID any
		if rule.HostID != nil {
			hostID = *rule.HostID
		}
		res, err := tx.Exec(`INSERT INTO alert_rules
			(user_id, name, host_id, metric_type, threshold, comparator, duration_sec, cooldown_sec, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.UserID, rule.Name, hostID, rule.MetricType, rule.Threshold,
			rule.Comparator, rule.DurationSec, rule.CooldownSec, rule.IsActive)
		if err != nil {
			return types.NewStorageError("create alert rule", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return types.NewStorageError("create alert rule id", err)
		}
		rule.ID = id
		return writeRuleChannels(tx, id, rule.ChannelIDs)
	})
}

// UpdateAlertRule replaces the rule row and its channel junctions.
func (s *Store) UpdateAlertRule(rule *types.AlertRule) error {
	return s.Tx(context.Background(), func(tx *sql.Tx) error {
		var hostID any
		if rule.HostID != nil {
			hostID = *rule.HostID
		}
		res, err := tx.Exec(`UPDATE alert_rules SET
			name = ?, host_id = ?, metric_type = ?, threshold = ?, comparator = ?,
			duration_sec = ?, cooldown_sec = ?, is_active = ?
			WHERE id = ?`,
			rule.Name, hostID, rule.MetricType, rule.Threshold, rule.Comparator,
			rule.DurationSec, rule.CooldownSec, rule.IsActive, rule.ID)
		if err != nil {
			return types.NewStorageError("update alert rule", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("alert rule %d: %w", rule.ID, types.ErrNotFound)
		}
		if _, err := tx.Exec(`DELETE FROM alert_rule_channels WHERE rule_id = ?`, rule.ID); err != nil {
			return types.NewStorageError("clear rule channels", err)
		}
		return writeRuleChannels(tx, rule.ID, rule.ChannelIDs)
	})
}

func writeRuleChannels(tx *sql.Tx, ruleID int64, channelIDs []int64) error {
	for _, chID := range channelIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO alert_rule_channels (rule_id, channel_id) VALUES (?, ?)`,
			ruleID, chID); err != nil {
			return types.NewStorageError("assign rule channel", err)
		}
	}
	return nil
}

// GetAlertRule fetches one rule with its channel ids.
func (s *Store) GetAlertRule(id int64) (*types.AlertRule, error) {
	row := s.db.QueryRow(`SELECT `+alertRuleColumns+` FROM alert_rules WHERE id = ?`, id)
	rule, err := scanAlertRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert rule %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.NewStorageError("get alert rule", err)
	}
	if rule.ChannelIDs, err = s.ruleChannelIDs(id); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *Store) ruleChannelIDs(ruleID int64) ([]int64, error) {
	rows, err := s.db.Query(`SELECT channel_id FROM alert_rule_channels WHERE rule_id = ?`, ruleID)
	if err != nil {
		return nil, types.NewStorageError("rule channels", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewStorageError("scan channel id", err)
		}
		ids = append(ids, id)
	}
	return ids, types.NewStorageError("rule channels", rows.Err())
}

// ListActiveAlertRules returns every active rule with channel ids loaded,
// for one evaluator pass.
func (s *Store) ListActiveAlertRules() ([]*types.AlertRule, error) {
	return s.queryAlertRules(`SELECT ` + alertRuleColumns + ` FROM alert_rules WHERE is_active = 1 ORDER BY id`)
}

// ListAlertRulesByUser returns the rules owned by userID.
func (s *Store) ListAlertRulesByUser(userID int64) ([]*types.AlertRule, error) {
	return s.queryAlertRules(`SELECT `+alertRuleColumns+` FROM alert_rules WHERE user_id = ? ORDER BY id`, userID)
}

func (s *Store) queryAlertRules(query string, args ...any) ([]*types.AlertRule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, types.NewStorageError("list alert rules", err)
	}
	defer rows.Close()

	var rules []*types.AlertRule
	for rows.Next() {
		rule, err := scanAlertRule(rows)
		if err != nil {
			return nil, types.NewStorageError("scan alert rule", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewStorageError("list alert rules", err)
	}
	for _, rule := range rules {
		if rule.ChannelIDs, err = s.ruleChannelIDs(rule.ID); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

// DeleteAlertRule removes the rule; channel junctions cascade.
func (s *Store) DeleteAlertRule(id int64) error {
	res, err := s.db.Exec(`DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return types.NewStorageError("delete alert rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert rule %d: %w", id, types.ErrNotFound)
	}
	return nil
}

// MarkAlertTriggered records the trigger time that starts the cooldown.
func (s *Store) MarkAlertTriggered(id int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE alert_rules SET last_triggered_at = ? WHERE id = ?`, toMillis(at), id)
	return types.NewStorageError("mark alert triggered", err)
}

// CreateChannel inserts a notification channel. Config arrives already
// encrypted.
func (s *Store) CreateChannel(ch *types.NotificationChannel, configEnc []byte) error {
	ch.CreatedAt = nowUTC()
	res, err := s.db.Exec(`INSERT INTO notification_channels (user_id, name, kind, config_enc, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ch.UserID, ch.Name, ch.Kind, configEnc, toMillis(ch.CreatedAt))
	if err != nil {
		return types.NewStorageError("create channel", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.NewStorageError("create channel id", err)
	}
	ch.ID = id
	return nil
}

// GetChannel fetches one channel plus its encrypted config blob.
func (s *Store) GetChannel(id int64) (*types.NotificationChannel, []byte, error) {
	var (
		ch        types.NotificationChannel
		configEnc []byte
		createdAt int64
	)
	err := s.db.QueryRow(`SELECT id, user_id, name, kind, config_enc, created_at
		FROM notification_channels WHERE id = ?`, id).
		Scan(&ch.ID, &ch.UserID, &ch.Name, &ch.Kind, &configEnc, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("channel %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, nil, types.NewStorageError("get channel", err)
	}
	ch.CreatedAt = fromMillis(createdAt)
	return &ch, configEnc, nil
}

// ListChannelsByUser returns the user's channels without config blobs.
func (s *Store) ListChannelsByUser(userID int64) ([]*types.NotificationChannel, error) {
	rows, err := s.db.Query(`SELECT id, user_id, name, kind, created_at
		FROM notification_channels WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, types.NewStorageError("list channels", err)
	}
	defer rows.Close()

	var channels []*types.NotificationChannel
	for rows.Next() {
		var (
			ch        types.NotificationChannel
			createdAt int64
		)
		if err := rows.Scan(&ch.ID, &ch.UserID, &ch.Name, &ch.Kind, &createdAt); err != nil {
			return nil, types.NewStorageError("scan channel", err)
		}
		ch.CreatedAt = fromMillis(createdAt)
		channels = append(channels, &ch)
	}
	return channels, types.NewStorageError("list channels", rows.Err())
}

// UpdateChannel replaces name, kind and, when configEnc is non-nil, the
// encrypted config.
func (s *Store) UpdateChannel(ch *types.NotificationChannel, configEnc []byte) error {
	var (
		res sql.Result
		err error
	)
	if configEnc != nil {
		res, err = s.db.Exec(`UPDATE notification_channels SET name = ?, kind = ?, config_enc = ? WHERE id = ?`,
			ch.Name, ch.Kind, configEnc, ch.ID)
	} else {
		res, err = s.db.Exec(`UPDATE notification_channels SET name = ?, kind = ? WHERE id = ?`,
			ch.Name, ch.Kind, ch.ID)
	}
	if err != nil {
		return types.NewStorageError("update channel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %d: %w", ch.ID, types.ErrNotFound)
	}
	return nil
}

// DeleteChannel removes the channel; rule junctions cascade.
func (s *Store) DeleteChannel(id int64) error {
	res, err := s.db.Exec(`DELETE FROM notification_channels WHERE id = ?`, id)
	if err != nil {
		return types.NewStorageError("delete channel", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %d: %w", id, types.ErrNotFound)
	}
	return nil
}
