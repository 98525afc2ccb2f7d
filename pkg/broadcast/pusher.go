package broadcast

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nodenexus/nodenexus/pkg/cache"
	"github.com/nodenexus/nodenexus/pkg/types"
)

// DefaultDebounceWindow collapses bursts of host changes into one
// full-list push.
const DefaultDebounceWindow = 2 * time.Second

// Pusher turns live state changes into hub messages. A full-list push is
// debounced; incremental messages (monitor results, command output, task
// updates) go out immediately.
type Pusher struct {
	state *cache.LiveState
	hub   *Hub
	deb   *Debouncer
}

// NewPusher wires the pusher over the state and hub.
func NewPusher(state *cache.LiveState, hub *Hub, clk clock.Clock, window time.Duration) *Pusher {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	p := &Pusher{state: state, hub: hub}
	p.deb = NewDebouncer(clk, window, p.pushFullList)
	return p
}

// ServerListChanged schedules a debounced full-list push on both feeds.
func (p *Pusher) ServerListChanged() {
	p.deb.Trigger()
}

// PushNow bypasses the debounce window, for initial payloads at
// subscribe time the caller builds directly via FullListMessage.
func (p *Pusher) PushNow() {
	p.deb.Stop()
	p.pushFullList()
}

func (p *Pusher) pushFullList() {
	all := p.state.SnapshotAll()
	p.hub.Publish(TopicAuthenticated, &Message{Kind: KindFullServerList, Payload: all})

	pub := make([]*types.ServerWithDetails, len(all))
	for i, e := range all {
		pub[i] = e.PublicView()
	}
	p.hub.Publish(TopicPublic, &Message{Kind: KindFullServerList, Payload: pub})
}

// FullListMessage builds the initial payload sent to a fresh subscriber.
func (p *Pusher) FullListMessage(topic Topic) *Message {
	all := p.state.SnapshotAll()
	if topic == TopicPublic {
		pub := make([]*types.ServerWithDetails, len(all))
		for i, e := range all {
			pub[i] = e.PublicView()
		}
		return &Message{Kind: KindFullServerList, Payload: pub}
	}
	return &Message{Kind: KindFullServerList, Payload: all}
}

// MonitorResult publishes one probe outcome on the authenticated feed.
func (p *Pusher) MonitorResult(r *types.ServiceMonitorResult) {
	p.hub.Publish(TopicAuthenticated, &Message{Kind: KindMonitorResult, Payload: r})
}

// CommandOutput streams one chunk of child task output.
func (p *Pusher) CommandOutput(childID string, stream string, chunk []byte) {
	p.hub.Publish(TopicAuthenticated, &Message{Kind: KindCommandOutput, Payload: map[string]any{
		"child_command_id": childID,
		"stream":           stream,
		"chunk":            string(chunk),
	}})
}

// ChildTaskUpdate publishes a child status change.
func (p *Pusher) ChildTaskUpdate(t *types.ChildCommandTask) {
	p.hub.Publish(TopicAuthenticated, &Message{Kind: KindChildTaskUpdate, Payload: t})
}

// BatchTaskUpdate publishes a parent status change.
func (p *Pusher) BatchTaskUpdate(t *types.BatchCommandTask) {
	p.hub.Publish(TopicAuthenticated, &Message{Kind: KindBatchTaskUpdate, Payload: t})
}
