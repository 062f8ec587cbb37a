// Package engine fans client status out to the console and logs.
package engine

import (
	"context"
	"time"

	"github.com/hai0ri/WEBXR-To-OSC/pkg/pose"
)

type EventKind uint8

const (
	// EventTransport carries a connection status line.
	EventTransport EventKind = iota
	EventStreaming
	EventSession
	EventSamples
)

// Event is one status update on the capture client.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Status  string
	Enabled bool
	Samples []pose.Sample
}

// Hub broadcasts events to subscribers. A subscriber that falls behind
// misses events instead of stalling the publisher.
type Hub struct {
	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event
	clients    map[chan Event]struct{}
	clientBuf  int
	done       chan struct{}
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan Event, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan Event, 256),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		clients:    make(map[chan Event]struct{}),
		clientBuf:  64,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case ev := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}

func (h *Hub) Subscribe() chan Event {
	return h.SubscribeWithBuffer(h.clientBuf)
}

// SubscribeWithBuffer returns a closed channel once the hub has stopped.
func (h *Hub) SubscribeWithBuffer(size int) chan Event {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan Event, size)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish hands ev to the hub. Events published after the hub stopped
// are discarded.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

func (h *Hub) PublishStatus(status string) {
	h.Publish(Event{Kind: EventTransport, Status: status})
}
