// Package broadcast is the in-process pub/sub hub feeding the WebSocket
// push endpoints. Producers publish typed messages onto a topic; each
// subscriber gets its own buffered channel and slow subscribers drop
// messages rather than stall the hub.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/nodenexus/nodenexus/pkg/log"
)

// Topic separates the two push feeds: the authenticated feed carries
// full records, the public feed carries reduced ones.
type Topic string

const (
	TopicAuthenticated Topic = "authenticated"
	TopicPublic        Topic = "public"
)

// Kind names the message variants pushed to clients.
type Kind string

const (
	KindFullServerList  Kind = "full_server_list"
	KindMonitorResult   Kind = "service_monitor_result"
	KindCommandOutput   Kind = "new_log_output"
	KindChildTaskUpdate Kind = "child_task_update"
	KindBatchTaskUpdate Kind = "batch_task_update"
)

// Message is one push unit. Payload is serialized at the transport edge.
type Message struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload"`
}

// Subscriber receives a topic's messages.
type Subscriber chan *Message

// Hub fans messages out per topic.
type Hub struct {
	mu     sync.RWMutex
	topics map[Topic]map[Subscriber]bool

	dropped atomic.Uint64
}

// NewHub creates a hub with both feeds registered.
func NewHub() *Hub {
	return &Hub{
		topics: map[Topic]map[Subscriber]bool{
			TopicAuthenticated: {},
			TopicPublic:        {},
		},
	}
}

// Subscribe attaches a new subscriber to the topic.
func (h *Hub) Subscribe(topic Topic) Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := make(Subscriber, 64)
	subs, ok := h.topics[topic]
	if !ok {
		subs = map[Subscriber]bool{}
		h.topics[topic] = subs
	}
	subs[sub] = true
	return sub
}

// Unsubscribe detaches and closes the subscriber.
func (h *Hub) Unsubscribe(topic Topic, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.topics[topic]
	if subs != nil && subs[sub] {
		delete(subs, sub)
		close(sub)
	}
}

// Publish delivers msg to every subscriber of the topic. A subscriber
// whose buffer is full misses the message; the next full-list push makes
// its view consistent again.
func (h *Hub) Publish(topic Topic, msg *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.topics[topic] {
		select {
		case sub <- msg:
		default:
			h.dropped.Add(1)
			log.WithComponent("broadcast").Debug().
				Str("topic", string(topic)).Str("kind", string(msg.Kind)).
				Msg("subscriber buffer full, dropped")
		}
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
