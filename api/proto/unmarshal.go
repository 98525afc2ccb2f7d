package proto

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decoding walks the wire format field by field. Unknown fields and fields
// with an unexpected wire type are skipped, matching proto3 semantics.

type fieldReader struct {
	buf []byte
	err error
}

func (r *fieldReader) next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.buf) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0, 0, false
	}
	r.buf = r.buf[n:]
	return num, typ, true
}

func (r *fieldReader) varint(typ protowire.Type) uint64 {
	if typ != protowire.VarintType {
		r.skip(typ)
		return 0
	}
	v, n := protowire.ConsumeVarint(r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *fieldReader) double(typ protowire.Type) float64 {
	if typ != protowire.Fixed64Type {
		r.skip(typ)
		return 0
	}
	v, n := protowire.ConsumeFixed64(r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return 0
	}
	r.buf = r.buf[n:]
	return math.Float64frombits(v)
}

func (r *fieldReader) bytes(typ protowire.Type) []byte {
	if typ != protowire.BytesType {
		r.skip(typ)
		return nil
	}
	v, n := protowire.ConsumeBytes(r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return nil
	}
	r.buf = r.buf[n:]
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (r *fieldReader) string(typ protowire.Type) string {
	return string(r.bytes(typ))
}

func (r *fieldReader) skip(typ protowire.Type) {
	// Field number is irrelevant for skipping a known-type value.
	n := protowire.ConsumeFieldValue(1, typ, r.buf)
	if n < 0 {
		r.err = protowire.ParseError(n)
		return
	}
	r.buf = r.buf[n:]
}

func (m *CpuStaticInfo) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.Name = r.string(typ)
		case 2:
			m.Frequency = r.varint(typ)
		case 3:
			m.VendorID = r.string(typ)
		case 4:
			m.Brand = r.string(typ)
		default:
			r.skip(typ)
		}
	}
}

func (m *AgentHandshake) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.AgentIDHint = r.string(typ)
		case 2:
			m.AgentVersion = r.string(typ)
		case 3:
			m.OsType = OsType(r.varint(typ))
		case 4:
			m.OsName = r.string(typ)
		case 5:
			m.Arch = r.string(typ)
		case 6:
			m.Hostname = r.string(typ)
		case 7:
			m.PublicIPAddresses = append(m.PublicIPAddresses, r.string(typ))
		case 8:
			m.KernelVersion = r.string(typ)
		case 9:
			m.OsVersionDetail = r.string(typ)
		case 10:
			m.LongOsVersion = r.string(typ)
		case 11:
			m.DistributionID = r.string(typ)
		case 12:
			m.PhysicalCoreCount = int32(r.varint(typ))
		case 13:
			m.TotalMemoryBytes = r.varint(typ)
		case 14:
			m.TotalSwapBytes = r.varint(typ)
		case 15:
			info := &CpuStaticInfo{}
			if err := info.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.CpuStaticInfo = info
		case 16:
			m.CountryCode = r.string(typ)
		default:
			r.skip(typ)
		}
	}
}

func (m *Heartbeat) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.TimestampUnixMs = int64(r.varint(typ))
		default:
			r.skip(typ)
		}
	}
}

func (m *DiskUsage) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.MountPoint = r.string(typ)
		case 2:
			m.UsedBytes = r.varint(typ)
		case 3:
			m.TotalBytes = r.varint(typ)
		case 4:
			m.Fstype = r.string(typ)
		case 5:
			m.UsagePercent = r.double(typ)
		default:
			r.skip(typ)
		}
	}
}

func (m *PerformanceSnapshot) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.TimestampUnixMs = int64(r.varint(typ))
		case 2:
			m.CpuOverallUsagePercent = r.double(typ)
		case 3:
			m.MemoryUsageBytes = r.varint(typ)
		case 4:
			m.MemoryTotalBytes = r.varint(typ)
		case 5:
			m.SwapUsageBytes = r.varint(typ)
		case 6:
			m.SwapTotalBytes = r.varint(typ)
		case 7:
			m.DiskTotalIoReadBytesPerSec = r.varint(typ)
		case 8:
			m.DiskTotalIoWriteBytesPerSec = r.varint(typ)
		case 9:
			d := &DiskUsage{}
			if err := d.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.DiskUsages = append(m.DiskUsages, d)
		case 10:
			m.TotalDiskSpaceBytes = r.varint(typ)
		case 11:
			m.UsedDiskSpaceBytes = r.varint(typ)
		case 12:
			m.NetworkRxBytesCumulative = r.varint(typ)
		case 13:
			m.NetworkTxBytesCumulative = r.varint(typ)
		case 14:
			m.UptimeSeconds = r.varint(typ)
		case 15:
			m.TotalProcessesCount = uint32(r.varint(typ))
		case 16:
			m.RunningProcessesCount = uint32(r.varint(typ))
		case 17:
			m.TcpEstablishedConnectionCount = uint32(r.varint(typ))
		case 18:
			m.NetworkRxBytesPerSec = r.varint(typ)
		case 19:
			m.NetworkTxBytesPerSec = r.varint(typ)
		default:
			r.skip(typ)
		}
	}
}

func (m *PerformanceBatch) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			s := &PerformanceSnapshot{}
			if err := s.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.Snapshots = append(m.Snapshots, s)
		default:
			r.skip(typ)
		}
	}
}

func (m *UpdateConfigResponse) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.ConfigVersionID = r.string(typ)
		case 2:
			m.Success = r.varint(typ) != 0
		case 3:
			m.ErrorMessage = r.string(typ)
		default:
			r.skip(typ)
		}
	}
}

func (m *BatchCommandOutputStream) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.CommandID = r.string(typ)
		case 2:
			m.StreamType = OutputStreamType(r.varint(typ))
		case 3:
			m.Chunk = r.bytes(typ)
		case 4:
			m.TimestampUnixMs = int64(r.varint(typ))
		default:
			r.skip(typ)
		}
	}
}

func (m *BatchCommandResult) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.CommandID = r.string(typ)
		case 2:
			m.Status = CommandStatus(r.varint(typ))
		case 3:
			m.ExitCode = int32(r.varint(typ))
		case 4:
			m.ErrorMessage = r.string(typ)
		default:
			r.skip(typ)
		}
	}
}

func (m *ServiceMonitorResult) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.MonitorID = int64(r.varint(typ))
		case 2:
			m.TimestampUnixMs = int64(r.varint(typ))
		case 3:
			m.Successful = r.varint(typ) != 0
		case 4:
			m.ResponseTimeMs = int32(r.varint(typ))
		case 5:
			m.Details = r.string(typ)
		default:
			r.skip(typ)
		}
	}
}

// Unmarshal decodes a MessageToServer envelope.
func (m *MessageToServer) Unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.ClientMessageID = r.varint(typ)
		case 2:
			m.VpsDbID = int64(r.varint(typ))
		case 3:
			m.AgentSecret = r.string(typ)
		case 4:
			v := &AgentHandshake{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.Handshake = v
		case 5:
			v := &Heartbeat{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.Heartbeat = v
		case 6:
			v := &PerformanceBatch{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.PerformanceBatch = v
		case 7:
			v := &UpdateConfigResponse{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.UpdateConfigResponse = v
		case 8:
			v := &BatchCommandOutputStream{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.BatchCommandOutput = v
		case 9:
			v := &BatchCommandResult{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.BatchCommandResult = v
		case 10:
			v := &ServiceMonitorResult{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.ServiceMonitorResult = v
		default:
			r.skip(typ)
		}
	}
}

func (m *ServerHandshakeAck) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.AuthenticationSuccessful = r.varint(typ) != 0
		case 2:
			m.ErrorMessage = r.string(typ)
		case 3:
			m.InitialConfigJSON = r.bytes(typ)
		case 4:
			m.NewAgentSecret = r.string(typ)
		case 5:
			m.ServerTimeUnixMs = int64(r.varint(typ))
		default:
			r.skip(typ)
		}
	}
}

func (m *UpdateConfigRequest) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.ConfigVersionID = r.string(typ)
		case 2:
			m.NewConfigJSON = r.bytes(typ)
		default:
			r.skip(typ)
		}
	}
}

func (m *BatchAgentCommandRequest) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.CommandID = r.string(typ)
		case 2:
			m.Content = r.string(typ)
		case 3:
			m.WorkingDirectory = r.string(typ)
		case 4:
			entry := r.bytes(typ)
			er := &fieldReader{buf: entry}
			var k, v string
			for {
				enum, etyp, eok := er.next()
				if !eok {
					break
				}
				switch enum {
				case 1:
					k = er.string(etyp)
				case 2:
					v = er.string(etyp)
				default:
					er.skip(etyp)
				}
			}
			if er.err != nil {
				return er.err
			}
			if m.EnvironmentVariables == nil {
				m.EnvironmentVariables = make(map[string]string)
			}
			m.EnvironmentVariables[k] = v
		case 5:
			m.TimeoutSeconds = int32(r.varint(typ))
		default:
			r.skip(typ)
		}
	}
}

func (m *BatchTerminateCommandRequest) unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.CommandID = r.string(typ)
		default:
			r.skip(typ)
		}
	}
}

// Unmarshal decodes a MessageToAgent envelope.
func (m *MessageToAgent) Unmarshal(b []byte) error {
	r := &fieldReader{buf: b}
	for {
		num, typ, ok := r.next()
		if !ok {
			return r.err
		}
		switch num {
		case 1:
			m.ServerMessageID = r.varint(typ)
		case 2:
			v := &ServerHandshakeAck{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.HandshakeAck = v
		case 3:
			v := &UpdateConfigRequest{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.UpdateConfigRequest = v
		case 4:
			v := &BatchAgentCommandRequest{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.BatchCommandRequest = v
		case 5:
			v := &BatchTerminateCommandRequest{}
			if err := v.unmarshal(r.bytes(typ)); err != nil {
				return err
			}
			m.BatchTerminateRequest = v
		case 6:
			r.bytes(typ)
			m.TriggerUpdateCheck = &TriggerUpdateCheck{}
		default:
			r.skip(typ)
		}
	}
}
