package agent

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/types"
)

type resultCollector struct {
	mu      sync.Mutex
	results []*proto.ServiceMonitorResult
	notify  chan struct{}
}

func newResultCollector() *resultCollector {
	return &resultCollector{notify: make(chan struct{}, 16)}
}

func (c *resultCollector) send(m *proto.MessageToServer) {
	if m.ServiceMonitorResult == nil {
		return
	}
	c.mu.Lock()
	c.results = append(c.results, m.ServiceMonitorResult)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *resultCollector) wait(t *testing.T) *proto.ServiceMonitorResult {
	t.Helper()
	select {
	case <-c.notify:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for probe result")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[len(c.results)-1]
}

func httpTask(id int64, target string) *types.ServiceMonitorTask {
	return &types.ServiceMonitorTask{
		MonitorID:    id,
		Type:         types.MonitorTypeHTTP,
		Target:       target,
		FrequencySec: 3600,
		TimeoutSec:   2,
	}
}

func TestReconcilerStartsAndStopsProbes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	sink := newResultCollector()
	r := NewReconciler(sink.send)
	defer r.Stop()

	r.Reconcile([]*types.ServiceMonitorTask{httpTask(1, srv.URL), httpTask(2, srv.URL)})
	assert.ElementsMatch(t, []int64{1, 2}, r.Running())

	res := sink.wait(t)
	assert.True(t, res.Successful)

	r.Reconcile([]*types.ServiceMonitorTask{httpTask(2, srv.URL)})
	assert.Equal(t, []int64{2}, r.Running())

	r.Reconcile(nil)
	assert.Empty(t, r.Running())
}

func TestReconcilerRestartsChangedTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	sink := newResultCollector()
	r := NewReconciler(sink.send)
	defer r.Stop()

	r.Reconcile([]*types.ServiceMonitorTask{httpTask(1, srv.URL)})
	sink.wait(t)

	r.mu.Lock()
	before := r.running[1]
	r.mu.Unlock()

	// Same id, new target: the loop must be replaced.
	changed := httpTask(1, srv.URL+"/new")
	r.Reconcile([]*types.ServiceMonitorTask{changed})

	r.mu.Lock()
	after := r.running[1]
	r.mu.Unlock()
	require.NotNil(t, after)
	assert.NotSame(t, before, after)
	assert.Equal(t, srv.URL+"/new", after.task.Target)
}

func TestReconcilerIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	sink := newResultCollector()
	r := NewReconciler(sink.send)
	defer r.Stop()

	tasks := []*types.ServiceMonitorTask{httpTask(1, srv.URL)}
	r.Reconcile(tasks)
	sink.wait(t)

	r.mu.Lock()
	before := r.running[1]
	r.mu.Unlock()

	r.Reconcile(tasks)

	r.mu.Lock()
	after := r.running[1]
	r.mu.Unlock()
	assert.Same(t, before, after)
}

func TestRateComputation(t *testing.T) {
	tests := []struct {
		name    string
		prev    uint64
		cur     uint64
		elapsed time.Duration
		want    uint64
	}{
		{"steady increase", 1000, 3000, 2 * time.Second, 1000},
		{"counter reset yields zero", 5000, 100, time.Second, 0},
		{"zero elapsed yields zero", 100, 200, 0, 0},
		{"no change", 100, 100, time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rate(tt.prev, tt.cur, tt.elapsed))
		})
	}
}
