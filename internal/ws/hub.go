// Package ws streams monitor snapshots to websocket and SSE subscribers.
package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans health snapshots out to every subscriber. There is a single
// stream; subscribers receive whatever is broadcast after they register.
type Hub struct {
	clients   map[Subscriber]struct{}
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
	stop      chan struct{}
	once      sync.Once
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[Subscriber]struct{}),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte),
		stop:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			h.clients[sub] = struct{}{}
		case sub := <-h.unreg:
			delete(h.clients, sub)
		case payload := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(payload); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
		case <-h.stop:
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			return
		}
	}
}

// Register adds a subscriber to the stream.
func (h *Hub) Register(client Subscriber) {
	select {
	case h.register <- client:
	case <-h.stop:
		client.Close()
	}
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(client Subscriber) {
	select {
	case h.unreg <- client:
	case <-h.stop:
	}
}

// Broadcast delivers payload to every current subscriber. Payloads are
// dropped once the hub is stopped.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	case <-h.stop:
	}
}

// Shutdown closes every subscriber and stops the hub loop. Idempotent.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.stop) })
}
