package types

import (
	"encoding/json"
	"fmt"
)

// AgentConfig is the effective configuration delivered to an agent at
// handshake and pushed on change. Fields use pointer-free scalars; the
// per-host override JSON is merged field-by-field by the config resolver,
// where any present field wins.
type AgentConfig struct {
	MetricsCollectIntervalSeconds int32             `json:"metrics_collect_interval_seconds"`
	MetricsUploadIntervalSeconds  int32             `json:"metrics_upload_interval_seconds"`
	MetricsUploadBatchMaxSize     int32             `json:"metrics_upload_batch_max_size"`
	HeartbeatIntervalSeconds      int32             `json:"heartbeat_interval_seconds"`
	DockerInfoEnabled             bool              `json:"docker_info_enabled"`
	DockerInfoIntervalSeconds     int32             `json:"docker_info_interval_seconds"`
	GenericMetricsEnabled         bool              `json:"generic_metrics_enabled"`
	GenericMetricsIntervalSeconds int32             `json:"generic_metrics_interval_seconds"`
	LogLevel                      string            `json:"log_level"`
	FeatureFlags                  map[string]string `json:"feature_flags,omitempty"`

	ServiceMonitorTasks []*ServiceMonitorTask `json:"service_monitor_tasks,omitempty"`
}

// DefaultAgentConfig returns the global defaults applied before any
// per-host override.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		MetricsCollectIntervalSeconds: 10,
		MetricsUploadIntervalSeconds:  30,
		MetricsUploadBatchMaxSize:     10,
		HeartbeatIntervalSeconds:      15,
		DockerInfoEnabled:             false,
		DockerInfoIntervalSeconds:     300,
		GenericMetricsEnabled:         true,
		GenericMetricsIntervalSeconds: 60,
		LogLevel:                      "info",
	}
}

// Validate rejects configs an agent could not run with.
func (c *AgentConfig) Validate() error {
	if c.MetricsCollectIntervalSeconds <= 0 ||
		c.MetricsUploadIntervalSeconds <= 0 ||
		c.MetricsUploadBatchMaxSize <= 0 ||
		c.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("intervals and batch size must be positive: %w", ErrInvalidInput)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: %w", c.LogLevel, ErrInvalidInput)
	}
	return nil
}

// ServiceMonitorTask is the agent-facing projection of a ServiceMonitor:
// just what the probe loop needs to run.
type ServiceMonitorTask struct {
	MonitorID       int64           `json:"monitor_id"`
	Type            MonitorType     `json:"type"`
	Target          string          `json:"target"`
	FrequencySec    int32           `json:"frequency_seconds"`
	TimeoutSec      int32           `json:"timeout_seconds"`
	MonitorConfig   json.RawMessage `json:"monitor_config,omitempty"`
}

// Equal reports whether two tasks would produce the same probe behavior.
// The reconciler restarts a running task when this returns false.
func (t *ServiceMonitorTask) Equal(o *ServiceMonitorTask) bool {
	if t == nil || o == nil {
		return t == o
	}
	return t.MonitorID == o.MonitorID &&
		t.Type == o.Type &&
		t.Target == o.Target &&
		t.FrequencySec == o.FrequencySec &&
		t.TimeoutSec == o.TimeoutSec &&
		string(t.MonitorConfig) == string(o.MonitorConfig)
}
