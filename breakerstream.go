package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polarisfabric/polaris/timeline"
)

const maxStreamConnections = 200

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// BreakerStreamHub pushes breaker state transitions to connected admin
// clients as they happen, adapted from the teacher's MetricsHub: the same
// register/unregister channel shape, broadcasting timeline.Event values
// instead of per-tenant dashboard metrics.
type BreakerStreamHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan timeline.Event
	mu         sync.RWMutex
}

func NewBreakerStreamHub() *BreakerStreamHub {
	return &BreakerStreamHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan timeline.Event, 256),
	}
}

// Publish queues a transition for broadcast. Never blocks callers on the
// orchestrator's hot path: a full buffer drops the event rather than stall
// a breaker transition.
func (h *BreakerStreamHub) Publish(ev timeline.Event) {
	select {
	case h.events <- ev:
	default:
		log.Printf("breakerstream: buffer full, dropping event for %s", ev.SubscriptionID)
	}
}

// Run drives the hub's main loop until ctx is cancelled.
func (h *BreakerStreamHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("breakerstream: connection rejected, max %d reached", maxStreamConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

func (h *BreakerStreamHub) broadcast(ev timeline.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			go func(c *websocket.Conn) { h.unregister <- c }(conn)
		}
	}
}

func (h *BreakerStreamHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// HandleStream upgrades GET /circuit-breakers/stream to a websocket and
// registers the connection with the hub.
func (h *BreakerStreamHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("breakerstream: upgrade failed: %v", err)
		return
	}
	h.register <- conn
}
