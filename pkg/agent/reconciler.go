package agent

import (
	"sync"
	"time"

	proto "github.com/nodenexus/nodenexus/api/proto"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// ReconcileInterval is how often the applied config is diffed against
// the running probe tasks.
const ReconcileInterval = 5 * time.Second

type runningProbe struct {
	task   *types.ServiceMonitorTask
	cancel chan struct{}
}

// Reconciler keeps the running probe loops matching the applied config:
// removed tasks stop, added tasks start, changed tasks restart.
type Reconciler struct {
	send func(*proto.MessageToServer)

	mu      sync.Mutex
	running map[int64]*runningProbe
	wg      sync.WaitGroup
}

// NewReconciler builds a reconciler that reports results through send.
func NewReconciler(send func(*proto.MessageToServer)) *Reconciler {
	return &Reconciler{send: send, running: map[int64]*runningProbe{}}
}

// Reconcile diffs the desired tasks against the running set.
func (r *Reconciler) Reconcile(desired []*types.ServiceMonitorTask) {
	logger := log.WithComponent("monitor")
	want := make(map[int64]*types.ServiceMonitorTask, len(desired))
	for _, t := range desired {
		want[t.MonitorID] = t
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rp := range r.running {
		t, keep := want[id]
		if keep && rp.task.Equal(t) {
			delete(want, id)
			continue
		}
		close(rp.cancel)
		delete(r.running, id)
		if keep {
			logger.Info().Int64("monitor_id", id).Msg("probe restarting with new definition")
		} else {
			logger.Info().Int64("monitor_id", id).Msg("probe stopped")
		}
	}

	for id, t := range want {
		if _, exists := r.running[id]; exists {
			continue
		}
		rp := &runningProbe{task: t, cancel: make(chan struct{})}
		r.running[id] = rp
		r.wg.Add(1)
		go r.probeLoop(rp)
		logger.Info().Int64("monitor_id", id).Str("type", string(t.Type)).Msg("probe started")
	}
}

// Stop cancels every probe and waits for the loops to exit.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	for id, rp := range r.running {
		close(rp.cancel)
		delete(r.running, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Running returns the ids of the currently running probes.
func (r *Reconciler) Running() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}

func (r *Reconciler) probeLoop(rp *runningProbe) {
	defer r.wg.Done()

	freq := time.Duration(rp.task.FrequencySec) * time.Second
	if freq <= 0 {
		freq = time.Minute
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	// First execution immediately; the ticker drives the rest.
	r.execute(rp)
	for {
		select {
		case <-rp.cancel:
			return
		case <-ticker.C:
			r.execute(rp)
		}
	}
}

func (r *Reconciler) execute(rp *runningProbe) {
	result := runProbe(rp.task, time.Now().UTC())
	r.send(&proto.MessageToServer{ServiceMonitorResult: result})
}
