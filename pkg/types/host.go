package types

import (
	"encoding/json"
	"time"
)

// HostStatus represents the lifecycle state of a managed host.
type HostStatus string

const (
	HostStatusPending HostStatus = "pending"
	HostStatusOnline  HostStatus = "online"
	HostStatusOffline HostStatus = "offline"
)

// ConfigStatus tracks whether the host's effective agent config has been
// acknowledged by its agent.
type ConfigStatus string

const (
	ConfigStatusUnknown ConfigStatus = "unknown"
	ConfigStatusSynced  ConfigStatus = "synced"
	ConfigStatusPending ConfigStatus = "pending"
	ConfigStatusFailed  ConfigStatus = "failed"
)

// TrafficBillingRule selects how rx/tx counters aggregate into the cycle usage.
type TrafficBillingRule string

const (
	TrafficBillingSumInOut TrafficBillingRule = "sum_in_out"
	TrafficBillingOutOnly  TrafficBillingRule = "out_only"
	TrafficBillingMaxInOut TrafficBillingRule = "max_in_out"
)

// TrafficResetRule selects how the next traffic cycle boundary is computed.
type TrafficResetRule string

const (
	// TrafficResetMonthlyDay resets on a fixed day of month. The rule value
	// is "day:<n>,time_offset_seconds:<s>"; shorter months clamp to their
	// last day.
	TrafficResetMonthlyDay TrafficResetRule = "monthly_day_of_month"
	// TrafficResetFixedDays resets every N days from the last reset.
	TrafficResetFixedDays TrafficResetRule = "fixed_days"
)

// Host represents a managed endpoint (VPS) running the agent.
type Host struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	Name      string     `json:"name"`
	IPAddress string     `json:"ip_address,omitempty"`
	OSType    string     `json:"os_type,omitempty"`
	// AgentSecret never serializes; it is handed out exactly once, in
	// the creation response.
	AgentSecret string     `json:"-"`
	Status      HostStatus `json:"status"`

	// Metadata holds handshake-supplied static facts (kernel, arch, CPU
	// model, country). Keys written by other subsystems are preserved on
	// handshake merges.
	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`

	// ConfigOverride is the per-host agent config override, merged over
	// the global defaults by the config resolver. Nil means no override.
	ConfigOverride json.RawMessage `json:"config_override,omitempty"`
	ConfigStatus   ConfigStatus    `json:"config_status,omitempty"`

	// Traffic accounting.
	TrafficLimitBytes         int64              `json:"traffic_limit_bytes,omitempty"`
	TrafficBillingRule        TrafficBillingRule `json:"traffic_billing_rule,omitempty"`
	TrafficResetRule          TrafficResetRule   `json:"traffic_reset_rule,omitempty"`
	TrafficResetValue         string             `json:"traffic_reset_value,omitempty"`
	TrafficCurrentCycleRx     int64              `json:"traffic_current_cycle_rx_bytes"`
	TrafficCurrentCycleTx     int64              `json:"traffic_current_cycle_tx_bytes"`
	LastProcessedCumulativeRx int64              `json:"-"`
	LastProcessedCumulativeTx int64              `json:"-"`
	TrafficLastResetAt        *time.Time         `json:"traffic_last_reset_at,omitempty"`
	NextTrafficResetAt        *time.Time         `json:"next_traffic_reset_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServerWithDetails is the fully joined view of a host held by the live
// state cache and shipped over the WebSocket push channel.
type ServerWithDetails struct {
	Host
	LatestMetric *PerformanceSnapshot `json:"latest_metric,omitempty"`
	Tags         []*Tag               `json:"tags,omitempty"`
	Renewal      *Renewal             `json:"renewal,omitempty"`
}

// PublicView returns the reduced form of the record published on the
// public topic: IPs, the agent secret, renewal and traffic-limit fields,
// and tags marked non-visible are elided.
func (s *ServerWithDetails) PublicView() *ServerWithDetails {
	pub := &ServerWithDetails{
		Host: Host{
			ID:     s.ID,
			Name:   s.Name,
			OSType: s.OSType,
			Status: s.Status,
		},
		LatestMetric: s.LatestMetric,
	}
	for _, t := range s.Tags {
		if t.IsVisible {
			pub.Tags = append(pub.Tags, t)
		}
	}
	return pub
}

// Tag is a user-defined label attachable to hosts. Non-visible tags are
// excluded from the public status view.
type Tag struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	IsVisible bool   `json:"is_visible"`
}
