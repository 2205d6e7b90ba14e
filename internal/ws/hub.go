// Package ws streams fleet and session events to dashboard clients over
// websockets. Every client gets a full snapshot on connect, then live frames
// as the event bus publishes them.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/Benites031407/UpCarSistema-sub002/internal/config"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/events"
	"github.com/Benites031407/UpCarSistema-sub002/internal/iot"
	"github.com/Benites031407/UpCarSistema-sub002/internal/metrics"
)

// Snapshot is the initial dashboard state sent on connect, so the UI renders
// without waiting for the first event. Telemetry is keyed by machine code and
// only holds machines with a live heartbeat in the cache.
type Snapshot struct {
	Machines       []*data.Machine            `json:"machines"`
	ActiveSessions []*data.Session            `json:"active_sessions"`
	Counts         map[data.MachineStatus]int `json:"counts"`
	Telemetry      map[string]iot.Telemetry   `json:"telemetry,omitempty"`
	GeneratedAt    time.Time                  `json:"generated_at"`
}

// SnapshotFunc builds the current state, capped at limit rows per collection.
type SnapshotFunc func(ctx context.Context, limit int) (*Snapshot, error)

type snapshotFrame struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Snapshot   *Snapshot `json:"snapshot"`
}

// Hub fans bus events out to connected dashboard clients. Slow clients lose
// frames rather than stall the loop; the next frame or a reconnect heals them.
type Hub struct {
	cfg      config.Dashboard
	snapshot SnapshotFunc

	mu      sync.Mutex
	clients map[*client]struct{}

	events <-chan events.Event
	cancel func()
	quit   chan struct{}
	done   chan struct{}
}

func NewHub(bus *events.Bus, snapshot SnapshotFunc, cfg config.Dashboard) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.SnapshotLimit <= 0 {
		cfg.SnapshotLimit = 500
	}
	ch, cancel := bus.Subscribe(cfg.SendBuffer * 4)
	return &Hub{
		cfg:      cfg,
		snapshot: snapshot,
		clients:  make(map[*client]struct{}),
		events:   ch,
		cancel:   cancel,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run pumps bus events to clients until Stop. Call it in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case evt, ok := <-h.events:
			if !ok {
				return
			}
			h.broadcast(evt)
		case <-h.quit:
			return
		}
	}
}

// Stop unsubscribes from the bus and closes every client connection.
func (h *Hub) Stop() {
	h.cancel()
	close(h.quit)
	<-h.done

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// ClientCount reports connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(evt events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("ws: failed to marshal event %s: %v", evt.Type, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Buffer full. Dashboard frames are state refreshes, so losing
			// one is recoverable; stalling the loop is not.
			metrics.WSDroppedTotal.Inc()
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WSClients.Set(float64(n))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if present {
		metrics.WSClients.Set(float64(n))
	}
}

// snapshotPayload marshals the initial frame for one connecting client.
func (h *Hub) snapshotPayload(ctx context.Context) ([]byte, error) {
	snap, err := h.snapshot(ctx, h.cfg.SnapshotLimit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshotFrame{
		Type:       "snapshot",
		OccurredAt: time.Now().UTC(),
		Snapshot:   snap,
	})
}
