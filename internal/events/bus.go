package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/metrics"
)

// NATS subjects for external consumers (BI pipelines, alerting).
const (
	SubjectMachines = "upcar.machines.status"
	SubjectSessions = "upcar.sessions.lifecycle"
)

// Envelope event types.
const (
	TypeMachineStatus    = "machine.status"
	TypeSessionLifecycle = "session.lifecycle"
)

type MachineStatusEvent struct {
	MachineID uuid.UUID          `json:"machine_id"`
	Code      string             `json:"code"`
	From      data.MachineStatus `json:"from"`
	To        data.MachineStatus `json:"to"`
	Reason    string             `json:"reason,omitempty"`
	Source    string             `json:"source,omitempty"`
}

type SessionEvent struct {
	SessionID      uuid.UUID          `json:"session_id"`
	MachineID      uuid.UUID          `json:"machine_id"`
	From           data.SessionStatus `json:"from,omitempty"`
	To             data.SessionStatus `json:"to"`
	AmountCentavos int64              `json:"amount_centavos,omitempty"`
	EndsAt         *time.Time         `json:"ends_at,omitempty"`
}

// Event is the envelope every consumer sees, locally and over NATS.
type Event struct {
	Type       string              `json:"type"`
	OccurredAt time.Time           `json:"occurred_at"`
	Machine    *MachineStatusEvent `json:"machine,omitempty"`
	Session    *SessionEvent       `json:"session,omitempty"`
}

// Bus fans machine and session changes out to local subscribers (the
// dashboard hub) and, when a connection is configured, to NATS.
type Bus struct {
	conn       *nats.Conn
	maxRetries int

	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus wires the fanout. conn may be nil: local subscribers still get
// everything, only the external stream is skipped.
func NewBus(conn *nats.Conn, maxRetries int) *Bus {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Bus{
		conn:       conn,
		maxRetries: maxRetries,
		subs:       make(map[int]chan Event),
	}
}

// StreamConnected reports whether the external NATS leg is up. False also
// covers the no-NATS deployment where conn was never configured.
func (b *Bus) StreamConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Subscribe registers a local consumer. A slow consumer loses events rather
// than stalling the services publishing them.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Close drops all local subscribers. The NATS connection belongs to the
// caller and is not touched.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Bus) MachineStatusChanged(ctx context.Context, m *data.Machine, from data.MachineStatus, reason, source string) {
	b.dispatch(SubjectMachines, "machines", Event{
		Type:       TypeMachineStatus,
		OccurredAt: time.Now().UTC(),
		Machine: &MachineStatusEvent{
			MachineID: m.ID,
			Code:      m.Code,
			From:      from,
			To:        m.Status,
			Reason:    reason,
			Source:    source,
		},
	})
}

func (b *Bus) SessionChanged(ctx context.Context, s *data.Session, prev data.SessionStatus) {
	metrics.RecordSessionStatus(string(s.Status))
	b.dispatch(SubjectSessions, "sessions", Event{
		Type:       TypeSessionLifecycle,
		OccurredAt: time.Now().UTC(),
		Session: &SessionEvent{
			SessionID:      s.ID,
			MachineID:      s.MachineID,
			From:           prev,
			To:             s.Status,
			AmountCentavos: s.AmountCentavos,
			EndsAt:         s.EndsAt,
		},
	})
}

func (b *Bus) dispatch(subject, stream string, evt Event) {
	b.fanout(stream, evt)

	if b.conn == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("events: marshal %s: %v", evt.Type, err)
		return
	}
	if err := b.publishWithRetry(subject, payload); err != nil {
		log.Printf("events: publish %s: %v", subject, err)
		metrics.EventsPublishedTotal.WithLabelValues(stream, "error").Inc()
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(stream, "ok").Inc()
}

func (b *Bus) fanout(stream string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			metrics.EventsPublishedTotal.WithLabelValues(stream, "dropped_local").Inc()
		}
	}
}

func (b *Bus) publishWithRetry(subject string, payload []byte) error {
	var err error
	for i := 0; i <= b.maxRetries; i++ {
		err = b.conn.Publish(subject, payload)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("publish failed after %d retries: %w", b.maxRetries, err)
}
