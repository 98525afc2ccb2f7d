// Package ingest is the single-writer metric pipeline: agent sessions
// enqueue snapshots, one goroutine persists them and keeps the live
// cache and push fabric in step.
package ingest

import (
	"sync"

	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/log"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// DefaultQueueSize absorbs reconnect bursts from a large fleet. At 65536
// pending snapshots the writer is minutes behind and dropping is the
// honest option.
const DefaultQueueSize = 65536

// Store is the slice of the storage layer the writer needs.
type Store interface {
	InsertSnapshot(*types.PerformanceSnapshot) error
}

// Pusher schedules a debounced full-list push after persists.
type Pusher interface {
	ServerListChanged()
}

// Writer drains the queue on one goroutine so every snapshot's
// persist+traffic transaction happens in arrival order.
type Writer struct {
	store Store
	state *cache.LiveState
	push  Pusher

	queue    chan *types.PerformanceSnapshot
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu      sync.Mutex
	dropped uint64
}

// NewWriter builds a writer; queueSize <= 0 selects the default.
func NewWriter(store Store, state *cache.LiveState, push Pusher, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{
		store:  store,
		state:  state,
		push:   push,
		queue:  make(chan *types.PerformanceSnapshot, queueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the drain loop.
func (w *Writer) Start() {
	go w.run()
}

// Stop drains nothing further; pending snapshots already dequeued finish.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// Enqueue hands one snapshot to the writer. Returns false (and drops)
// when the queue is full; the caller logs host context.
func (w *Writer) Enqueue(snap *types.PerformanceSnapshot) bool {
	select {
	case w.queue <- snap:
		return true
	default:
		w.mu.Lock()
		w.dropped++
		dropped := w.dropped
		w.mu.Unlock()
		log.WithComponent("ingest").Warn().
			Int64("host_id", snap.HostID).Uint64("total_dropped", dropped).
			Msg("metric queue full, snapshot dropped")
		return false
	}
}

// Dropped returns the total snapshots rejected so far.
func (w *Writer) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *Writer) run() {
	defer close(w.doneCh)
	logger := log.WithComponent("ingest")
	for {
		select {
		case snap := <-w.queue:
			if err := w.store.InsertSnapshot(snap); err != nil {
				logger.Error().Err(err).Int64("host_id", snap.HostID).Msg("snapshot persist failed")
				continue
			}
			w.state.UpdateMetric(snap)
			w.push.ServerListChanged()
		case <-w.stopCh:
			return
		}
	}
}
