package types

import "time"

// PerformanceSnapshot is one point-in-time sample of a host's performance
// counters. Snapshots are append-only per host; time is monotonic within
// one agent session but not across hosts.
type PerformanceSnapshot struct {
	HostID int64     `json:"host_id"`
	Time   time.Time `json:"time"`

	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	MemUsedBytes    int64   `json:"mem_used_bytes"`
	MemTotalBytes   int64   `json:"mem_total_bytes"`
	SwapUsedBytes   int64   `json:"swap_used_bytes"`
	SwapTotalBytes  int64   `json:"swap_total_bytes"`

	DiskReadBps  int64 `json:"disk_read_bps"`
	DiskWriteBps int64 `json:"disk_write_bps"`

	// Cumulative counters since interface start; subject to resets.
	NetworkRxCumulative int64 `json:"network_rx_cumulative"`
	NetworkTxCumulative int64 `json:"network_tx_cumulative"`
	// Instantaneous rates computed by the agent.
	NetworkRxBps int64 `json:"network_rx_bps"`
	NetworkTxBps int64 `json:"network_tx_bps"`

	UptimeSeconds        int64 `json:"uptime_seconds"`
	TotalProcesses       int32 `json:"total_processes"`
	RunningProcesses     int32 `json:"running_processes"`
	TCPEstablishedConns  int32 `json:"tcp_established_conns"`
	DiskUsedBytes        int64 `json:"disk_used_bytes"`
	DiskTotalBytes       int64 `json:"disk_total_bytes"`
}

// MemUsagePercent returns mem_used/mem_total as a percentage, or -1 when
// the total is zero (the caller skips such points).
func (p *PerformanceSnapshot) MemUsagePercent() float64 {
	if p.MemTotalBytes == 0 {
		return -1
	}
	return float64(p.MemUsedBytes) / float64(p.MemTotalBytes) * 100
}

// SummaryRow is one aggregated bucket of performance data at 1m, 1h or 1d
// granularity. Bucket boundaries align to UTC truncation of the raw time.
type SummaryRow struct {
	HostID     int64     `json:"host_id"`
	BucketTime time.Time `json:"bucket_time"`

	AvgCPU float64 `json:"avg_cpu"`
	MinCPU float64 `json:"min_cpu"`
	MaxCPU float64 `json:"max_cpu"`

	AvgMemUsed int64 `json:"avg_mem_used"`
	MaxMemUsed int64 `json:"max_mem_used"`
	MemTotal   int64 `json:"mem_total"`

	AvgDiskReadBps  int64 `json:"avg_disk_read_bps"`
	AvgDiskWriteBps int64 `json:"avg_disk_write_bps"`
	AvgNetworkRxBps int64 `json:"avg_network_rx_bps"`
	AvgNetworkTxBps int64 `json:"avg_network_tx_bps"`

	// Latest cumulative counters within the bucket (value at max time).
	LastNetworkRxCumulative int64 `json:"last_network_rx_cumulative"`
	LastNetworkTxCumulative int64 `json:"last_network_tx_cumulative"`
}

// SummaryGranularity names a rollup level.
type SummaryGranularity string

const (
	Summary1m SummaryGranularity = "1m"
	Summary1h SummaryGranularity = "1h"
	Summary1d SummaryGranularity = "1d"
)
