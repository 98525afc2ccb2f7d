package proto

// Wire message types mirroring agent.proto. Encoding is hand-written in
// marshal.go / unmarshal.go using protowire, so these structs stay plain
// Go values with no generated reflection baggage.

// OsType identifies the agent's operating system family.
type OsType int32

const (
	OsTypeUnspecified OsType = 0
	OsTypeLinux       OsType = 1
	OsTypeMacOS       OsType = 2
	OsTypeWindows     OsType = 3
)

// OutputStreamType tags a batch-command output chunk.
type OutputStreamType int32

const (
	OutputStreamUnspecified OutputStreamType = 0
	OutputStreamStdout      OutputStreamType = 1
	OutputStreamStderr      OutputStreamType = 2
)

// CommandStatus is the final status an agent reports for a child command.
type CommandStatus int32

const (
	CommandStatusUnspecified CommandStatus = 0
	CommandStatusSuccess     CommandStatus = 1
	CommandStatusFailure     CommandStatus = 2
	CommandStatusTerminated  CommandStatus = 3
)

// CpuStaticInfo describes the CPU, collected once at agent startup.
type CpuStaticInfo struct {
	Name      string
	Frequency uint64
	VendorID  string
	Brand     string
}

// AgentHandshake is the first message of every agent session.
type AgentHandshake struct {
	AgentIDHint       string
	AgentVersion      string
	OsType            OsType
	OsName            string
	Arch              string
	Hostname          string
	PublicIPAddresses []string
	KernelVersion     string
	OsVersionDetail   string
	LongOsVersion     string
	DistributionID    string
	PhysicalCoreCount int32
	TotalMemoryBytes  uint64
	TotalSwapBytes    uint64
	CpuStaticInfo     *CpuStaticInfo
	CountryCode       string
}

// Heartbeat keeps the session marked live between uploads.
type Heartbeat struct {
	TimestampUnixMs int64
}

// DiskUsage is one mounted filesystem's usage inside a snapshot.
type DiskUsage struct {
	MountPoint   string
	UsedBytes    uint64
	TotalBytes   uint64
	Fstype       string
	UsagePercent float64
}

// PerformanceSnapshot is one collected sample in a PerformanceBatch.
type PerformanceSnapshot struct {
	TimestampUnixMs               int64
	CpuOverallUsagePercent        float64
	MemoryUsageBytes              uint64
	MemoryTotalBytes              uint64
	SwapUsageBytes                uint64
	SwapTotalBytes                uint64
	DiskTotalIoReadBytesPerSec    uint64
	DiskTotalIoWriteBytesPerSec   uint64
	DiskUsages                    []*DiskUsage
	TotalDiskSpaceBytes           uint64
	UsedDiskSpaceBytes            uint64
	NetworkRxBytesCumulative      uint64
	NetworkTxBytesCumulative      uint64
	UptimeSeconds                 uint64
	TotalProcessesCount           uint32
	RunningProcessesCount         uint32
	TcpEstablishedConnectionCount uint32
	NetworkRxBytesPerSec          uint64
	NetworkTxBytesPerSec          uint64
}

// PerformanceBatch groups snapshots for one upload.
type PerformanceBatch struct {
	Snapshots []*PerformanceSnapshot
}

// UpdateConfigResponse acknowledges a pushed config.
type UpdateConfigResponse struct {
	ConfigVersionID string
	Success         bool
	ErrorMessage    string
}

// BatchCommandOutputStream carries one stdout/stderr chunk of a running
// child command.
type BatchCommandOutputStream struct {
	CommandID       string
	StreamType      OutputStreamType
	Chunk           []byte
	TimestampUnixMs int64
}

// BatchCommandResult is the final status of a child command.
type BatchCommandResult struct {
	CommandID    string
	Status       CommandStatus
	ExitCode     int32
	ErrorMessage string
}

// ServiceMonitorResult is one uptime-probe outcome.
type ServiceMonitorResult struct {
	MonitorID       int64
	TimestampUnixMs int64
	Successful      bool
	ResponseTimeMs  int32
	Details         string
}

// MessageToServer is the agent-to-server envelope. VpsDbID and AgentSecret
// are replicated on every message: authentication is per message, not per
// connection, so a transport that cannot preserve a handshake cannot
// smuggle unauthenticated payloads.
type MessageToServer struct {
	ClientMessageID uint64
	VpsDbID         int64
	AgentSecret     string

	// Exactly one of the following is set.
	Handshake            *AgentHandshake
	Heartbeat            *Heartbeat
	PerformanceBatch     *PerformanceBatch
	UpdateConfigResponse *UpdateConfigResponse
	BatchCommandOutput   *BatchCommandOutputStream
	BatchCommandResult   *BatchCommandResult
	ServiceMonitorResult *ServiceMonitorResult
}

// ServerHandshakeAck answers an AgentHandshake. InitialConfigJSON holds the
// effective AgentConfig as canonical JSON. NewAgentSecret is reserved for a
// future rotation path and is never populated.
type ServerHandshakeAck struct {
	AuthenticationSuccessful bool
	ErrorMessage             string
	InitialConfigJSON        []byte
	NewAgentSecret           string
	ServerTimeUnixMs         int64
}

// UpdateConfigRequest pushes a new effective config to a connected agent.
type UpdateConfigRequest struct {
	ConfigVersionID string
	NewConfigJSON   []byte
}

// BatchAgentCommandRequest asks the agent to execute one child command.
type BatchAgentCommandRequest struct {
	CommandID            string
	Content              string
	WorkingDirectory     string
	EnvironmentVariables map[string]string
	TimeoutSeconds       int32
}

// BatchTerminateCommandRequest asks the agent to kill a running child.
type BatchTerminateCommandRequest struct {
	CommandID string
}

// TriggerUpdateCheck asks the agent to run its self-update check.
type TriggerUpdateCheck struct{}

// MessageToAgent is the server-to-agent envelope.
type MessageToAgent struct {
	ServerMessageID uint64

	// Exactly one of the following is set.
	HandshakeAck          *ServerHandshakeAck
	UpdateConfigRequest   *UpdateConfigRequest
	BatchCommandRequest   *BatchAgentCommandRequest
	BatchTerminateRequest *BatchTerminateCommandRequest
	TriggerUpdateCheck    *TriggerUpdateCheck
}
