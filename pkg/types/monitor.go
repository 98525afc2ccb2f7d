package types

import (
	"encoding/json"
	"time"
)

// MonitorType is the kind of uptime probe a service monitor runs.
type MonitorType string

const (
	MonitorTypeHTTP  MonitorType = "http"
	MonitorTypeHTTPS MonitorType = "https"
	MonitorTypeTCP   MonitorType = "tcp"
	MonitorTypePing  MonitorType = "ping"
)

// AssignmentType controls how a monitor's host/tag assignments are
// interpreted: inclusive monitors run on their named set, exclusive
// monitors run on every eligible host not in their set.
type AssignmentType string

const (
	AssignmentInclusive AssignmentType = "INCLUSIVE"
	AssignmentExclusive AssignmentType = "EXCLUSIVE"
)

// ServiceMonitor is a user-defined uptime probe.
type ServiceMonitor struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	Name           string          `json:"name"`
	Type           MonitorType     `json:"type"`
	Target         string          `json:"target"`
	FrequencySec   int32           `json:"frequency_seconds"`
	TimeoutSec     int32           `json:"timeout_seconds"`
	IsActive       bool            `json:"is_active"`
	Config         json.RawMessage `json:"config,omitempty"`
	AssignmentType AssignmentType  `json:"assignment_type"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// MonitorAssignments holds the direct-host and tag junction rows for a
// monitor. Tag assignments expand through tag membership when the
// runnable set is resolved.
type MonitorAssignments struct {
	MonitorID int64
	HostIDs   []int64
	TagIDs    []int64
}

// ServiceMonitorResult is one probe execution outcome reported by an agent.
// Append-only; the source for availability roll-ups.
type ServiceMonitorResult struct {
	Time      time.Time       `json:"time"`
	MonitorID int64           `json:"monitor_id"`
	HostID    int64           `json:"host_id"`
	IsUp      bool            `json:"is_up"`
	LatencyMs int32           `json:"latency_ms"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// MonitorPoint is one bucket of the monitor timeseries returned by the
// HTTP surface: average latency plus availability for the bucket.
type MonitorPoint struct {
	Time         time.Time `json:"time"`
	MonitorID    int64     `json:"monitor_id"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	Availability float64   `json:"availability"`
	Samples      int64     `json:"samples"`
}
