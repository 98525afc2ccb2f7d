package proto

import (
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal helpers following proto3 semantics: scalar zero values are
// omitted, present sub-messages are always emitted.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendUint64(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	return appendUint64(b, num, uint64(v))
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendUint64(b, num, uint64(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	// Negative int32 values sign-extend to ten varint bytes, per proto3.
	return appendUint64(b, num, uint64(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessage(b []byte, num protowire.Number, raw []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, raw)
}

func (m *CpuStaticInfo) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Name)
	b = appendUint64(b, 2, m.Frequency)
	b = appendString(b, 3, m.VendorID)
	b = appendString(b, 4, m.Brand)
	return b
}

func (m *AgentHandshake) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.AgentIDHint)
	b = appendString(b, 2, m.AgentVersion)
	b = appendInt32(b, 3, int32(m.OsType))
	b = appendString(b, 4, m.OsName)
	b = appendString(b, 5, m.Arch)
	b = appendString(b, 6, m.Hostname)
	for _, ip := range m.PublicIPAddresses {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, ip)
	}
	b = appendString(b, 8, m.KernelVersion)
	b = appendString(b, 9, m.OsVersionDetail)
	b = appendString(b, 10, m.LongOsVersion)
	b = appendString(b, 11, m.DistributionID)
	b = appendInt32(b, 12, m.PhysicalCoreCount)
	b = appendUint64(b, 13, m.TotalMemoryBytes)
	b = appendUint64(b, 14, m.TotalSwapBytes)
	if m.CpuStaticInfo != nil {
		b = appendMessage(b, 15, m.CpuStaticInfo.marshal())
	}
	b = appendString(b, 16, m.CountryCode)
	return b
}

func (m *Heartbeat) marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.TimestampUnixMs)
	return b
}

func (m *DiskUsage) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.MountPoint)
	b = appendUint64(b, 2, m.UsedBytes)
	b = appendUint64(b, 3, m.TotalBytes)
	b = appendString(b, 4, m.Fstype)
	b = appendDouble(b, 5, m.UsagePercent)
	return b
}

func (m *PerformanceSnapshot) marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.TimestampUnixMs)
	b = appendDouble(b, 2, m.CpuOverallUsagePercent)
	b = appendUint64(b, 3, m.MemoryUsageBytes)
	b = appendUint64(b, 4, m.MemoryTotalBytes)
	b = appendUint64(b, 5, m.SwapUsageBytes)
	b = appendUint64(b, 6, m.SwapTotalBytes)
	b = appendUint64(b, 7, m.DiskTotalIoReadBytesPerSec)
	b = appendUint64(b, 8, m.DiskTotalIoWriteBytesPerSec)
	for _, d := range m.DiskUsages {
		b = appendMessage(b, 9, d.marshal())
	}
	b = appendUint64(b, 10, m.TotalDiskSpaceBytes)
	b = appendUint64(b, 11, m.UsedDiskSpaceBytes)
	b = appendUint64(b, 12, m.NetworkRxBytesCumulative)
	b = appendUint64(b, 13, m.NetworkTxBytesCumulative)
	b = appendUint64(b, 14, m.UptimeSeconds)
	b = appendUint32(b, 15, m.TotalProcessesCount)
	b = appendUint32(b, 16, m.RunningProcessesCount)
	b = appendUint32(b, 17, m.TcpEstablishedConnectionCount)
	b = appendUint64(b, 18, m.NetworkRxBytesPerSec)
	b = appendUint64(b, 19, m.NetworkTxBytesPerSec)
	return b
}

func (m *PerformanceBatch) marshal() []byte {
	var b []byte
	for _, s := range m.Snapshots {
		b = appendMessage(b, 1, s.marshal())
	}
	return b
}

func (m *UpdateConfigResponse) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ConfigVersionID)
	b = appendBool(b, 2, m.Success)
	b = appendString(b, 3, m.ErrorMessage)
	return b
}

func (m *BatchCommandOutputStream) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.CommandID)
	b = appendInt32(b, 2, int32(m.StreamType))
	b = appendBytesField(b, 3, m.Chunk)
	b = appendInt64(b, 4, m.TimestampUnixMs)
	return b
}

func (m *BatchCommandResult) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.CommandID)
	b = appendInt32(b, 2, int32(m.Status))
	b = appendInt32(b, 3, m.ExitCode)
	b = appendString(b, 4, m.ErrorMessage)
	return b
}

func (m *ServiceMonitorResult) marshal() []byte {
	var b []byte
	b = appendInt64(b, 1, m.MonitorID)
	b = appendInt64(b, 2, m.TimestampUnixMs)
	b = appendBool(b, 3, m.Successful)
	b = appendInt32(b, 4, m.ResponseTimeMs)
	b = appendString(b, 5, m.Details)
	return b
}

// Marshal encodes the envelope into protobuf wire format.
func (m *MessageToServer) Marshal() []byte {
	var b []byte
	b = appendUint64(b, 1, m.ClientMessageID)
	b = appendInt64(b, 2, m.VpsDbID)
	b = appendString(b, 3, m.AgentSecret)
	switch {
	case m.Handshake != nil:
		b = appendMessage(b, 4, m.Handshake.marshal())
	case m.Heartbeat != nil:
		b = appendMessage(b, 5, m.Heartbeat.marshal())
	case m.PerformanceBatch != nil:
		b = appendMessage(b, 6, m.PerformanceBatch.marshal())
	case m.UpdateConfigResponse != nil:
		b = appendMessage(b, 7, m.UpdateConfigResponse.marshal())
	case m.BatchCommandOutput != nil:
		b = appendMessage(b, 8, m.BatchCommandOutput.marshal())
	case m.BatchCommandResult != nil:
		b = appendMessage(b, 9, m.BatchCommandResult.marshal())
	case m.ServiceMonitorResult != nil:
		b = appendMessage(b, 10, m.ServiceMonitorResult.marshal())
	}
	return b
}

func (m *ServerHandshakeAck) marshal() []byte {
	var b []byte
	b = appendBool(b, 1, m.AuthenticationSuccessful)
	b = appendString(b, 2, m.ErrorMessage)
	b = appendBytesField(b, 3, m.InitialConfigJSON)
	b = appendString(b, 4, m.NewAgentSecret)
	b = appendInt64(b, 5, m.ServerTimeUnixMs)
	return b
}

func (m *UpdateConfigRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ConfigVersionID)
	b = appendBytesField(b, 2, m.NewConfigJSON)
	return b
}

func (m *BatchAgentCommandRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.CommandID)
	b = appendString(b, 2, m.Content)
	b = appendString(b, 3, m.WorkingDirectory)
	// Map entries encode as nested {key=1, value=2} messages; sorted for a
	// deterministic encoding.
	keys := make([]string, 0, len(m.EnvironmentVariables))
	for k := range m.EnvironmentVariables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendString(entry, 2, m.EnvironmentVariables[k])
		b = appendMessage(b, 4, entry)
	}
	b = appendInt32(b, 5, m.TimeoutSeconds)
	return b
}

func (m *BatchTerminateCommandRequest) marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.CommandID)
	return b
}

// Marshal encodes the envelope into protobuf wire format.
func (m *MessageToAgent) Marshal() []byte {
	var b []byte
	b = appendUint64(b, 1, m.ServerMessageID)
	switch {
	case m.HandshakeAck != nil:
		b = appendMessage(b, 2, m.HandshakeAck.marshal())
	case m.UpdateConfigRequest != nil:
		b = appendMessage(b, 3, m.UpdateConfigRequest.marshal())
	case m.BatchCommandRequest != nil:
		b = appendMessage(b, 4, m.BatchCommandRequest.marshal())
	case m.BatchTerminateRequest != nil:
		b = appendMessage(b, 5, m.BatchTerminateRequest.marshal())
	case m.TriggerUpdateCheck != nil:
		b = appendMessage(b, 6, nil)
	}
	return b
}
