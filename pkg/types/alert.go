package types

import (
	"encoding/json"
	"time"
)

// AlertMetricType is the signal an alert rule evaluates.
type AlertMetricType string

const (
	AlertMetricCPUUsage     AlertMetricType = "cpu_usage_percent"
	AlertMetricMemoryUsage  AlertMetricType = "memory_usage_percent"
	AlertMetricTrafficUsage AlertMetricType = "traffic_usage_percent"
)

// Comparator is the comparison applied between the observed value and the
// rule threshold.
type Comparator string

const (
	CompareGT  Comparator = ">"
	CompareLT  Comparator = "<"
	CompareGTE Comparator = ">="
	CompareLTE Comparator = "<="
	CompareEQ  Comparator = "="
	CompareNEQ Comparator = "!="
)

// Compare applies the comparator to (value, threshold). Unknown
// comparators return false; the evaluator logs and treats the rule as
// not triggered.
func (c Comparator) Compare(value, threshold float64) (bool, bool) {
	switch c {
	case CompareGT:
		return value > threshold, true
	case CompareLT:
		return value < threshold, true
	case CompareGTE:
		return value >= threshold, true
	case CompareLTE:
		return value <= threshold, true
	case CompareEQ:
		return value == threshold, true
	case CompareNEQ:
		return value != threshold, true
	}
	return false, false
}

// AlertRule is a threshold rule over recent metrics or traffic counters.
// A nil HostID applies the rule to every host the owner has.
type AlertRule struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	Name            string          `json:"name"`
	HostID          *int64          `json:"host_id,omitempty"`
	MetricType      AlertMetricType `json:"metric_type"`
	Threshold       float64         `json:"threshold"`
	Comparator      Comparator      `json:"comparator"`
	DurationSec     int32           `json:"duration_seconds"`
	CooldownSec     int32           `json:"cooldown_seconds"`
	IsActive        bool            `json:"is_active"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
	ChannelIDs      []int64         `json:"channel_ids,omitempty"`
}

// InCooldown reports whether the rule is still gated at now.
func (r *AlertRule) InCooldown(now time.Time) bool {
	if r.LastTriggeredAt == nil {
		return false
	}
	return now.Before(r.LastTriggeredAt.Add(time.Duration(r.CooldownSec) * time.Second))
}

// NotificationChannel is a configured delivery target (webhook, telegram).
// Config is stored encrypted at rest; the decrypted form is only held in
// memory while a send is in flight.
type NotificationChannel struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Config    json.RawMessage `json:"config,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
