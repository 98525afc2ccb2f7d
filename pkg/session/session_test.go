package session

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/storage"
	"github.com/nodenexus/nodenexus/pkg/types"
)

type fakeStream struct {
	in  chan *proto.MessageToServer
	out chan *proto.MessageToAgent

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		in:     make(chan *proto.MessageToServer, 16),
		out:    make(chan *proto.MessageToAgent, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeStream) Send(m *proto.MessageToAgent) error {
	f.out <- m
	return nil
}

func (f *fakeStream) Recv() (*proto.MessageToServer, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeStream) close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type fakeMetricSink struct {
	mu    sync.Mutex
	snaps []*types.PerformanceSnapshot
}

func (s *fakeMetricSink) Enqueue(snap *types.PerformanceSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
	return true
}

func (s *fakeMetricSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}

type fakeMonitorSink struct {
	mu      sync.Mutex
	results []*types.ServiceMonitorResult
}

func (s *fakeMonitorSink) Record(r *types.ServiceMonitorResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

type fakeBatchSink struct {
	mu          sync.Mutex
	disconnects []int64
}

func (s *fakeBatchSink) RecordOutput(string, proto.OutputStreamType, []byte, time.Time) {}
func (s *fakeBatchSink) UpdateChildResult(string, proto.CommandStatus, int32, string)   {}

func (s *fakeBatchSink) HandleAgentDisconnect(hostID int64) {
	s.mu.Lock()
	s.disconnects = append(s.disconnects, hostID)
	s.mu.Unlock()
}

func (s *fakeBatchSink) disconnected() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.disconnects...)
}

type fakeConfig struct{}

func (fakeConfig) EffectiveJSON(*types.Host) ([]byte, error) {
	return []byte(`{"metrics_collect_interval_seconds":10}`), nil
}

type fakePusher struct {
	mu    sync.Mutex
	pings int
}

func (p *fakePusher) ServerListChanged() {
	p.mu.Lock()
	p.pings++
	p.mu.Unlock()
}

type harness struct {
	store    *storage.Store
	state    *cache.LiveState
	registry *Registry
	metrics  *fakeMetricSink
	monitors *fakeMonitorSink
	batches  *fakeBatchSink
	pusher   *fakePusher
	handler  *Handler
	host     *types.Host
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	host := &types.Host{UserID: 1, Name: "web-01", AgentSecret: "s3cret"}
	require.NoError(t, store.CreateHost(host))

	h := &harness{
		store:    store,
		state:    cache.New(store),
		registry: NewRegistry(),
		metrics:  &fakeMetricSink{},
		monitors: &fakeMonitorSink{},
		batches:  &fakeBatchSink{},
		pusher:   &fakePusher{},
		host:     host,
	}
	h.handler = &Handler{
		Store:    store,
		State:    h.state,
		Registry: h.registry,
		Metrics:  h.metrics,
		Monitors: h.monitors,
		Batches:  h.batches,
		Config:   fakeConfig{},
		Push:     h.pusher,
	}
	return h
}

func handshake(hostID int64, secret string) *proto.MessageToServer {
	return &proto.MessageToServer{
		VpsDbID:     hostID,
		AgentSecret: secret,
		Handshake: &proto.AgentHandshake{
			AgentVersion:      "1.2.3",
			OsType:            proto.OsTypeLinux,
			Hostname:          "web-01",
			PublicIPAddresses: []string{"203.0.113.7"},
		},
	}
}

func TestHandshakeAcceptsAndMergesHost(t *testing.T) {
	h := newHarness(t)
	stream := newFakeStream()
	done := make(chan error, 1)
	go func() { done <- h.handler.HandleStream(stream, stream.close) }()

	stream.in <- handshake(h.host.ID, "s3cret")

	ack := <-stream.out
	require.NotNil(t, ack.HandshakeAck)
	assert.True(t, ack.HandshakeAck.AuthenticationSuccessful)
	assert.JSONEq(t, `{"metrics_collect_interval_seconds":10}`, string(ack.HandshakeAck.InitialConfigJSON))
	assert.NotZero(t, ack.HandshakeAck.ServerTimeUnixMs)

	got, err := h.store.GetHost(h.host.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HostStatusOnline, got.Status)
	assert.Equal(t, "203.0.113.7", got.IPAddress)
	assert.Equal(t, "linux", got.OSType)
	assert.Contains(t, got.Metadata, "agent_version")

	require.NotNil(t, h.registry.Get(h.host.ID))

	stream.close()
	require.NoError(t, <-done)
	// Disconnect does not remove the entry; eviction belongs to the
	// sweeper or the next handshake.
	assert.NotNil(t, h.registry.Get(h.host.ID))
}

func TestHandshakeRejectsBadSecret(t *testing.T) {
	h := newHarness(t)
	stream := newFakeStream()
	done := make(chan error, 1)
	go func() { done <- h.handler.HandleStream(stream, stream.close) }()

	stream.in <- handshake(h.host.ID, "wrong")

	ack := <-stream.out
	require.NotNil(t, ack.HandshakeAck)
	assert.False(t, ack.HandshakeAck.AuthenticationSuccessful)
	assert.Error(t, <-done)
	assert.Nil(t, h.registry.Get(h.host.ID))
}

func TestFirstMessageMustBeHandshake(t *testing.T) {
	h := newHarness(t)
	stream := newFakeStream()
	done := make(chan error, 1)
	go func() { done <- h.handler.HandleStream(stream, stream.close) }()

	stream.in <- &proto.MessageToServer{
		VpsDbID:     h.host.ID,
		AgentSecret: "s3cret",
		Heartbeat:   &proto.Heartbeat{TimestampUnixMs: 1},
	}

	ack := <-stream.out
	assert.False(t, ack.HandshakeAck.AuthenticationSuccessful)
	assert.Error(t, <-done)
}

func TestStaleSessionEviction(t *testing.T) {
	h := newHarness(t)

	first := newFakeStream()
	firstDone := make(chan error, 1)
	go func() { firstDone <- h.handler.HandleStream(first, first.close) }()
	first.in <- handshake(h.host.ID, "s3cret")
	<-first.out
	firstAgent := h.registry.Get(h.host.ID)
	require.NotNil(t, firstAgent)

	second := newFakeStream()
	go h.handler.HandleStream(second, second.close)
	second.in <- handshake(h.host.ID, "s3cret")
	<-second.out

	assert.NotSame(t, firstAgent, h.registry.Get(h.host.ID))
	require.Eventually(t, func() bool {
		select {
		case <-first.closed:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "evicted session's sender not closed")

	// The replaced session must not fail commands: the agent is still
	// connected through its successor.
	require.NoError(t, <-firstDone)
	assert.Empty(t, h.batches.disconnected())
}

func TestDisconnectNotifiesBatchSink(t *testing.T) {
	h := newHarness(t)
	stream := newFakeStream()
	done := make(chan error, 1)
	go func() { done <- h.handler.HandleStream(stream, stream.close) }()
	stream.in <- handshake(h.host.ID, "s3cret")
	<-stream.out

	stream.close()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{h.host.ID}, h.batches.disconnected())
}

func TestStaleSecretDropsMessageNotConnection(t *testing.T) {
	h := newHarness(t)
	stream := newFakeStream()
	go h.handler.HandleStream(stream, stream.close)
	stream.in <- handshake(h.host.ID, "s3cret")
	<-stream.out

	// Rotate the stored secret mid-stream.
	host, err := h.store.GetHost(h.host.ID)
	require.NoError(t, err)
	host.AgentSecret = "rotated"
	require.NoError(t, h.store.UpdateHost(host))
	require.NoError(t, h.state.Refresh(h.host.ID))

	batch := func(secret string, ts int64) *proto.MessageToServer {
		return &proto.MessageToServer{
			VpsDbID:     h.host.ID,
			AgentSecret: secret,
			PerformanceBatch: &proto.PerformanceBatch{Snapshots: []*proto.PerformanceSnapshot{
				{TimestampUnixMs: ts, CpuOverallUsagePercent: 42},
			}},
		}
	}

	stream.in <- batch("s3cret", 1000)
	stream.in <- batch("rotated", 2000)

	require.Eventually(t, func() bool { return h.metrics.count() == 1 }, time.Second, 10*time.Millisecond)
	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	assert.Equal(t, int64(2000), h.metrics.snaps[0].Time.UnixMilli())

	select {
	case <-stream.closed:
		t.Fatal("connection closed on stale secret")
	default:
	}
}

func TestDispatchMonitorResult(t *testing.T) {
	h := newHarness(t)
	stream := newFakeStream()
	go h.handler.HandleStream(stream, stream.close)
	stream.in <- handshake(h.host.ID, "s3cret")
	<-stream.out

	stream.in <- &proto.MessageToServer{
		VpsDbID:     h.host.ID,
		AgentSecret: "s3cret",
		ServiceMonitorResult: &proto.ServiceMonitorResult{
			MonitorID:       7,
			TimestampUnixMs: 5000,
			Successful:      true,
			ResponseTimeMs:  120,
		},
	}

	require.Eventually(t, func() bool {
		h.monitors.mu.Lock()
		defer h.monitors.mu.Unlock()
		return len(h.monitors.results) == 1
	}, time.Second, 10*time.Millisecond)

	h.monitors.mu.Lock()
	defer h.monitors.mu.Unlock()
	r := h.monitors.results[0]
	assert.Equal(t, int64(7), r.MonitorID)
	assert.Equal(t, h.host.ID, r.HostID)
	assert.True(t, r.IsUp)
	assert.Equal(t, int32(120), r.LatencyMs)
}

func TestSweeperMarksSilentAgentsOffline(t *testing.T) {
	h := newHarness(t)
	clk := clock.NewMock()

	agent := &Agent{HostID: h.host.ID, Sender: noopSender{}, ConnectedAt: clk.Now()}
	agent.Touch(clk.Now())
	h.registry.Register(agent)
	_, err := h.store.UpdateHostStatus(h.host.ID, types.HostStatusOnline)
	require.NoError(t, err)

	sw := &Sweeper{
		Store:    h.store,
		State:    h.state,
		Registry: h.registry,
		Push:     h.pusher,
		Batches:  h.batches,
		Clock:    clk,
		Interval: time.Minute,
	}

	// Still fresh: nothing happens.
	sw.Sweep()
	assert.NotNil(t, h.registry.Get(h.host.ID))
	assert.Empty(t, h.batches.disconnected())

	clk.Add(2 * time.Minute)
	sw.Sweep()

	assert.Nil(t, h.registry.Get(h.host.ID))
	got, err := h.store.GetHost(h.host.ID)
	require.NoError(t, err)
	assert.Equal(t, types.HostStatusOffline, got.Status)
	assert.Equal(t, []int64{h.host.ID}, h.batches.disconnected())

	h.pusher.mu.Lock()
	defer h.pusher.mu.Unlock()
	assert.Equal(t, 1, h.pusher.pings)
}

type noopSender struct{}

func (noopSender) Send(*proto.MessageToAgent) error { return nil }
func (noopSender) Close() error                     { return nil }

func TestRegistryRemoveOnlyCurrent(t *testing.T) {
	r := NewRegistry()
	a := &Agent{HostID: 1, Sender: noopSender{}}
	b := &Agent{HostID: 1, Sender: noopSender{}}

	r.Register(a)
	old := r.Register(b)
	assert.Same(t, a, old)

	// The replaced session must not evict its successor.
	assert.False(t, r.Remove(1, a))
	assert.Same(t, b, r.Get(1))
	assert.True(t, r.Remove(1, b))
	assert.Zero(t, r.Len())
}
