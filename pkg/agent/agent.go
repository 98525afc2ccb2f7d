// Package agent is the endpoint-side runtime: it keeps one session to
// the server, collects and uploads performance snapshots, runs the
// assigned service-monitor probes, executes batch commands and applies
// pushed configuration.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// ErrAuthRejected means the server refused the agent's credentials. The
// connect loop treats it as fatal: retrying with the same secret would
// hammer the server forever.
var ErrAuthRejected = errors.New("server rejected agent credentials")

const (
	maxReconnectInterval = 60 * time.Second
	outboundQueueSize    = 256
)

// Options is the agent's bootstrap configuration, read from its local
// config file before any server contact.
type Options struct {
	// ServerAddr is host:port for the gRPC transport, or a ws:// / wss://
	// URL for the WebSocket transport.
	ServerAddr string
	HostID     int64
	Secret     string
	StatePath  string
	Version    string
}

// Agent is the runtime. Create with New, drive with Run.
type Agent struct {
	opts  Options
	state *State

	cfgMu sync.RWMutex
	cfg   *types.AgentConfig

	nextMsgID atomic.Uint64
	outCh     chan *proto.MessageToServer

	collector *Collector
	probes    *Reconciler
	exec      *Executor
	updater   *Updater

	batchMu sync.Mutex
	batch   []*proto.PerformanceSnapshot
}

// New opens the local state and restores the last applied config, or
// starts from the built-in defaults.
func New(opts Options) (*Agent, error) {
	if opts.ServerAddr == "" || opts.HostID <= 0 || opts.Secret == "" {
		return nil, fmt.Errorf("server address, host id and secret are required: %w", types.ErrInvalidInput)
	}

	state, err := OpenState(opts.StatePath)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		opts:      opts,
		state:     state,
		cfg:       types.DefaultAgentConfig(),
		outCh:     make(chan *proto.MessageToServer, outboundQueueSize),
		collector: NewCollector(),
		updater:   &Updater{},
	}
	a.probes = NewReconciler(a.enqueue)
	a.exec = NewExecutor(a.enqueue)

	if version, raw, err := state.LoadConfig(); err == nil && len(raw) > 0 {
		var cfg types.AgentConfig
		if err := json.Unmarshal(raw, &cfg); err == nil && cfg.Validate() == nil {
			a.cfg = &cfg
			log.WithComponent("agent").Info().Str("config_version", version).Msg("restored persisted config")
		}
	}
	log.SetLevel(log.ParseLevel(a.cfg.LogLevel))

	if rx, tx, ok, err := state.LoadNetBaseline(); err == nil && ok {
		curRx, curTx := a.collector.Cumulative()
		if curRx < rx || curTx < tx {
			log.WithComponent("agent").Info().Msg("network counters went backwards since last run, machine likely rebooted")
		}
	}
	return a, nil
}

// Close releases the agent's local resources.
func (a *Agent) Close() error {
	a.probes.Stop()
	return a.state.Close()
}

// Config returns a copy of the currently applied config.
func (a *Agent) Config() types.AgentConfig {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return *a.cfg
}

// Run connects and serves sessions until ctx is cancelled. Transport
// failures reconnect with capped exponential backoff; an authentication
// rejection returns ErrAuthRejected.
func (a *Agent) Run(ctx context.Context) error {
	logger := log.WithComponent("agent")

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval
	bo.MaxElapsedTime = 0

	for {
		started := time.Now()
		err := a.runSession(ctx)
		if errors.Is(err, ErrAuthRejected) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("session ended, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runSession dials, handshakes and serves one session until it breaks.
func (a *Agent) runSession(ctx context.Context) error {
	logger := log.WithComponent("agent")

	conn, err := dialTransport(ctx, a.opts.ServerAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(a.stamp(&proto.MessageToServer{Handshake: buildHandshake(a.opts.Version)})); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	first, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("await handshake ack: %w", err)
	}
	ack := first.HandshakeAck
	if ack == nil {
		return errors.New("first server message is not a handshake ack")
	}
	if !ack.AuthenticationSuccessful {
		return fmt.Errorf("%w: %s", ErrAuthRejected, ack.ErrorMessage)
	}
	if len(ack.InitialConfigJSON) > 0 {
		if err := a.applyConfig("handshake", ack.InitialConfigJSON); err != nil {
			logger.Error().Err(err).Msg("initial config rejected, keeping previous")
		}
	}
	logger.Info().Int64("server_time_ms", ack.ServerTimeUnixMs).Msg("session established")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	loops := []func(context.Context){
		a.writePump(conn),
		a.metricsCollectLoop,
		a.metricsUploadLoop,
		a.heartbeatLoop,
		a.reconcileLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(sessionCtx)
		}(loop)
	}
	defer wg.Wait()
	defer cancel()

	for {
		msg, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		a.dispatch(msg)
	}
}

// stamp fills the per-message envelope fields.
func (a *Agent) stamp(m *proto.MessageToServer) *proto.MessageToServer {
	m.ClientMessageID = a.nextMsgID.Add(1)
	m.VpsDbID = a.opts.HostID
	m.AgentSecret = a.opts.Secret
	return m
}

// enqueue queues an upstream message; a full queue drops it.
func (a *Agent) enqueue(m *proto.MessageToServer) {
	select {
	case a.outCh <- m:
	default:
		log.WithComponent("agent").Warn().Msg("outbound queue full, message dropped")
	}
}

func (a *Agent) writePump(conn transport) func(context.Context) {
	return func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-a.outCh:
				if err := conn.Send(a.stamp(m)); err != nil {
					log.WithComponent("agent").Debug().Err(err).Msg("send failed")
					// Closing unblocks the session's pending Recv.
					conn.Close()
					return
				}
			}
		}
	}
}

func (a *Agent) dispatch(msg *proto.MessageToAgent) {
	switch {
	case msg.UpdateConfigRequest != nil:
		req := msg.UpdateConfigRequest
		resp := &proto.UpdateConfigResponse{ConfigVersionID: req.ConfigVersionID, Success: true}
		if err := a.applyConfig(req.ConfigVersionID, req.NewConfigJSON); err != nil {
			resp.Success = false
			resp.ErrorMessage = err.Error()
		}
		a.enqueue(&proto.MessageToServer{UpdateConfigResponse: resp})

	case msg.BatchCommandRequest != nil:
		a.exec.Start(msg.BatchCommandRequest)

	case msg.BatchTerminateRequest != nil:
		a.exec.Terminate(msg.BatchTerminateRequest.CommandID)

	case msg.TriggerUpdateCheck != nil:
		a.updater.TriggerCheck()
	}
}

// applyConfig validates, persists and swaps in a pushed config.
func (a *Agent) applyConfig(versionID string, raw []byte) error {
	var cfg types.AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("config decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := a.state.SaveConfig(versionID, raw); err != nil {
		return fmt.Errorf("config persist: %w", err)
	}

	a.cfgMu.Lock()
	a.cfg = &cfg
	a.cfgMu.Unlock()

	log.SetLevel(log.ParseLevel(cfg.LogLevel))
	log.WithComponent("agent").Info().Str("config_version", versionID).Msg("config applied")
	return nil
}

// metricsCollectLoop samples on the collect interval; interval changes
// take effect at the next tick.
func (a *Agent) metricsCollectLoop(ctx context.Context) {
	for {
		cfg := a.Config()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(cfg.MetricsCollectIntervalSeconds) * time.Second):
		}
		snap := a.collector.Collect(time.Now().UTC())

		a.batchMu.Lock()
		a.batch = append(a.batch, snap)
		full := len(a.batch) >= int(cfg.MetricsUploadBatchMaxSize)
		a.batchMu.Unlock()
		if full {
			a.flushMetrics()
		}
	}
}

func (a *Agent) metricsUploadLoop(ctx context.Context) {
	for {
		cfg := a.Config()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(cfg.MetricsUploadIntervalSeconds) * time.Second):
			a.flushMetrics()
		}
	}
}

func (a *Agent) flushMetrics() {
	a.batchMu.Lock()
	batch := a.batch
	a.batch = nil
	a.batchMu.Unlock()
	if len(batch) == 0 {
		return
	}

	a.enqueue(&proto.MessageToServer{PerformanceBatch: &proto.PerformanceBatch{Snapshots: batch}})

	last := batch[len(batch)-1]
	if err := a.state.SaveNetBaseline(last.NetworkRxBytesCumulative, last.NetworkTxBytesCumulative); err != nil {
		log.WithComponent("agent").Debug().Err(err).Msg("baseline persist failed")
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	for {
		cfg := a.Config()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second):
			a.enqueue(&proto.MessageToServer{Heartbeat: &proto.Heartbeat{TimestampUnixMs: time.Now().UnixMilli()}})
		}
	}
}

// reconcileLoop diffs the applied config's monitor tasks against the
// running probes every 5 seconds.
func (a *Agent) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cfgMu.RLock()
			tasks := a.cfg.ServiceMonitorTasks
			a.cfgMu.RUnlock()
			a.probes.Reconcile(tasks)
		}
	}
}
