package session

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/benbjohnson/clock"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// MetricSink accepts snapshots for asynchronous persistence.
type MetricSink interface {
	Enqueue(*types.PerformanceSnapshot) bool
}

// MonitorSink records probe results and fans them out.
type MonitorSink interface {
	Record(*types.ServiceMonitorResult)
}

// DisconnectSink is told when a host's session is gone without results,
// so its in-flight commands can be failed.
type DisconnectSink interface {
	HandleAgentDisconnect(hostID int64)
}

// BatchSink routes command output and results to the batch coordinator.
type BatchSink interface {
	DisconnectSink
	RecordOutput(childID string, stream proto.OutputStreamType, chunk []byte, at time.Time)
	UpdateChildResult(childID string, status proto.CommandStatus, exitCode int32, errMsg string)
}

// ConfigProvider resolves a host's effective agent config as JSON.
type ConfigProvider interface {
	EffectiveJSON(host *types.Host) ([]byte, error)
}

// Pusher is the subset of the broadcast pusher the handler signals.
type Pusher interface {
	ServerListChanged()
}

// Handler runs the per-connection state machine over any Stream.
type Handler struct {
	Store    *storage.Store
	State    *cache.LiveState
	Registry *Registry
	Metrics  MetricSink
	Monitors MonitorSink
	Batches  BatchSink
	Config   ConfigProvider
	Push     Pusher
	Clock    clock.Clock
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock.Now()
	}
	return time.Now()
}

// HandleStream serves one agent connection until it closes. closeConn
// tears down the underlying transport; it is invoked when a newer
// handshake for the same host evicts this session.
func (h *Handler) HandleStream(stream Stream, closeConn func() error) error {
	logger := log.WithComponent("session")

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Handshake == nil {
		_ = stream.Send(nack("handshake required"))
		return errors.New("first message is not a handshake")
	}

	host, err := h.authenticate(first.VpsDbID, first.AgentSecret)
	if err != nil {
		logger.Warn().Int64("host_id", first.VpsDbID).Err(err).Msg("handshake rejected")
		_ = stream.Send(nack("authentication failed"))
		return err
	}
	scoped := logger.With().Int64("host_id", host.ID).Logger()
	logger = &scoped

	if err := h.applyHandshake(host, first.Handshake); err != nil {
		logger.Error().Err(err).Msg("handshake merge failed")
		_ = stream.Send(nack("internal error"))
		return err
	}

	cfgJSON, err := h.Config.EffectiveJSON(host)
	if err != nil {
		logger.Error().Err(err).Msg("config resolution failed")
		_ = stream.Send(nack("internal error"))
		return err
	}

	now := h.now()
	sender := newStreamSender(stream, closeConn)
	agent := &Agent{HostID: host.ID, Sender: sender, ConnectedAt: now}
	agent.Touch(now)
	if old := h.Registry.Register(agent); old != nil {
		logger.Info().Msg("evicting stale session")
		go old.Sender.Close()
	}

	if err := h.State.Refresh(host.ID); err != nil {
		logger.Error().Err(err).Msg("cache refresh failed")
	}
	h.Push.ServerListChanged()

	err = sender.Send(&proto.MessageToAgent{HandshakeAck: &proto.ServerHandshakeAck{
		AuthenticationSuccessful: true,
		InitialConfigJSON:        cfgJSON,
		ServerTimeUnixMs:         now.UnixMilli(),
	}})
	if err != nil {
		h.Registry.Remove(host.ID, agent)
		return err
	}
	logger.Info().Msg("agent connected")

	for {
		msg, err := stream.Recv()
		if err != nil {
			// Registry entry stays: a reconnect handshake evicts it,
			// otherwise the sweeper does.
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("stream closed")
			}
			// A session replaced by a newer handshake leaves its
			// in-flight commands to the successor. A genuine
			// disconnect fails them: no transport, no results.
			if h.Registry.Get(host.ID) == agent {
				h.Batches.HandleAgentDisconnect(host.ID)
			}
			return nil
		}
		// Per-message re-auth. A mismatch (rotated secret) drops the
		// message, not the connection.
		if !h.secretValid(host.ID, msg.AgentSecret) {
			logger.Warn().Uint64("client_message_id", msg.ClientMessageID).Msg("dropping message with stale secret")
			continue
		}
		agent.Touch(h.now())
		h.dispatch(host.ID, msg)
	}
}

func (h *Handler) authenticate(hostID int64, secret string) (*types.Host, error) {
	host, err := h.Store.GetHost(hostID)
	if err != nil {
		return nil, err
	}
	if secret == "" || host.AgentSecret != secret {
		return nil, types.ErrUnauthorized
	}
	return host, nil
}

func (h *Handler) secretValid(hostID int64, secret string) bool {
	if entry := h.State.Get(hostID); entry != nil {
		return entry.AgentSecret == secret
	}
	host, err := h.Store.GetHost(hostID)
	if err != nil {
		return false
	}
	return host.AgentSecret == secret
}

// applyHandshake merges the static facts the agent reported into the
// host row and flips it online.
func (h *Handler) applyHandshake(host *types.Host, hs *proto.AgentHandshake) error {
	info := map[string]json.RawMessage{}
	put := func(key string, v any) {
		raw, err := json.Marshal(v)
		if err == nil {
			info[key] = raw
		}
	}
	put("agent_version", hs.AgentVersion)
	put("hostname", hs.Hostname)
	put("arch", hs.Arch)
	put("os_name", hs.OsName)
	put("kernel_version", hs.KernelVersion)
	put("os_version_detail", hs.OsVersionDetail)
	put("long_os_version", hs.LongOsVersion)
	put("distribution_id", hs.DistributionID)
	put("physical_core_count", hs.PhysicalCoreCount)
	put("total_memory_bytes", hs.TotalMemoryBytes)
	put("total_swap_bytes", hs.TotalSwapBytes)
	if hs.CountryCode != "" {
		put("country_code", hs.CountryCode)
	}
	if hs.CpuStaticInfo != nil {
		put("cpu_static_info", map[string]any{
			"name":      hs.CpuStaticInfo.Name,
			"frequency": hs.CpuStaticInfo.Frequency,
			"vendor_id": hs.CpuStaticInfo.VendorID,
			"brand":     hs.CpuStaticInfo.Brand,
		})
	}

	ip := host.IPAddress
	if len(hs.PublicIPAddresses) > 0 {
		ip = hs.PublicIPAddresses[0]
		put("public_ip_addresses", hs.PublicIPAddresses)
	}
	return h.Store.MergeHostHandshake(host.ID, ip, osTypeString(hs.OsType), info)
}

func (h *Handler) dispatch(hostID int64, msg *proto.MessageToServer) {
	switch {
	case msg.Heartbeat != nil:
		// Touch already happened; heartbeats carry nothing else.

	case msg.PerformanceBatch != nil:
		for _, ws := range msg.PerformanceBatch.Snapshots {
			snap := snapshotFromWire(hostID, ws)
			if !h.Metrics.Enqueue(snap) {
				log.WithComponent("session").Warn().Int64("host_id", hostID).Msg("metric queue full, snapshot dropped")
			}
		}

	case msg.UpdateConfigResponse != nil:
		status := types.ConfigStatusSynced
		if !msg.UpdateConfigResponse.Success {
			status = types.ConfigStatusFailed
		}
		if err := h.Store.UpdateHostConfigStatus(hostID, status); err != nil {
			log.WithComponent("session").Error().Err(err).Int64("host_id", hostID).Msg("config status update failed")
		}
		if err := h.State.Refresh(hostID); err != nil {
			log.WithComponent("session").Error().Err(err).Int64("host_id", hostID).Msg("cache refresh failed")
		}
		h.Push.ServerListChanged()

	case msg.BatchCommandOutput != nil:
		out := msg.BatchCommandOutput
		h.Batches.RecordOutput(out.CommandID, out.StreamType, out.Chunk, time.UnixMilli(out.TimestampUnixMs).UTC())

	case msg.BatchCommandResult != nil:
		res := msg.BatchCommandResult
		h.Batches.UpdateChildResult(res.CommandID, res.Status, res.ExitCode, res.ErrorMessage)

	case msg.ServiceMonitorResult != nil:
		h.Monitors.Record(monitorResultFromWire(hostID, msg.ServiceMonitorResult))

	default:
		log.WithComponent("session").Debug().Int64("host_id", hostID).Msg("message with empty payload ignored")
	}
}

func nack(reason string) *proto.MessageToAgent {
	return &proto.MessageToAgent{HandshakeAck: &proto.ServerHandshakeAck{
		AuthenticationSuccessful: false,
		ErrorMessage:             reason,
	}}
}

func osTypeString(t proto.OsType) string {
	switch t {
	case proto.OsTypeLinux:
		return "linux"
	case proto.OsTypeMacOS:
		return "macos"
	case proto.OsTypeWindows:
		return "windows"
	}
	return ""
}

func snapshotFromWire(hostID int64, ws *proto.PerformanceSnapshot) *types.PerformanceSnapshot {
	return &types.PerformanceSnapshot{
		HostID:              hostID,
		Time:                time.UnixMilli(ws.TimestampUnixMs).UTC(),
		CPUUsagePercent:     ws.CpuOverallUsagePercent,
		MemUsedBytes:        int64(ws.MemoryUsageBytes),
		MemTotalBytes:       int64(ws.MemoryTotalBytes),
		SwapUsedBytes:       int64(ws.SwapUsageBytes),
		SwapTotalBytes:      int64(ws.SwapTotalBytes),
		DiskReadBps:         int64(ws.DiskTotalIoReadBytesPerSec),
		DiskWriteBps:        int64(ws.DiskTotalIoWriteBytesPerSec),
		NetworkRxCumulative: int64(ws.NetworkRxBytesCumulative),
		NetworkTxCumulative: int64(ws.NetworkTxBytesCumulative),
		NetworkRxBps:        int64(ws.NetworkRxBytesPerSec),
		NetworkTxBps:        int64(ws.NetworkTxBytesPerSec),
		UptimeSeconds:       int64(ws.UptimeSeconds),
		TotalProcesses:      int32(ws.TotalProcessesCount),
		RunningProcesses:    int32(ws.RunningProcessesCount),
		TCPEstablishedConns: int32(ws.TcpEstablishedConnectionCount),
		DiskUsedBytes:       int64(ws.UsedDiskSpaceBytes),
		DiskTotalBytes:      int64(ws.TotalDiskSpaceBytes),
	}
}

func monitorResultFromWire(hostID int64, wr *proto.ServiceMonitorResult) *types.ServiceMonitorResult {
	res := &types.ServiceMonitorResult{
		Time:      time.UnixMilli(wr.TimestampUnixMs).UTC(),
		MonitorID: wr.MonitorID,
		HostID:    hostID,
		IsUp:      wr.Successful,
		LatencyMs: wr.ResponseTimeMs,
	}
	if wr.Details != "" {
		res.Details = json.RawMessage(wr.Details)
	}
	return res
}
