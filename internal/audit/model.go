package audit

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is a single audit log entry. EventID is the idempotency key so a
// replayed spool line never produces a duplicate row.
type Event struct {
	ID          uuid.UUID       `json:"id"`
	EventID     uuid.UUID       `json:"event_id"`
	ActorUserID *uuid.UUID      `json:"actor_user_id,omitempty"`
	ActorType   string          `json:"actor_type"`
	Action      string          `json:"action"`
	TargetType  string          `json:"target_type,omitempty"`
	TargetID    string          `json:"target_id,omitempty"`
	Result      string          `json:"result"`
	ReasonCode  string          `json:"reason_code,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	ClientIP    string          `json:"client_ip,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Actor types recorded in the trail.
const (
	ActorUser    = "user"
	ActorSystem  = "system"
	ActorDevice  = "device"
	ActorWebhook = "webhook"
)

// Results recorded in the trail.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// FailoverEvent wraps an event for JSONL spooling while the DB is down.
type FailoverEvent struct {
	EventID   string    `json:"event_id"`
	Payload   Event     `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Filter narrows QueryEvents. Cursor is the opaque page token returned by a
// previous call.
type Filter struct {
	ActorUserID *uuid.UUID
	Action      string
	Result      string
	DateFrom    *time.Time
	DateTo      *time.Time
	Limit       int
	Cursor      string
}

type Service struct {
	DB *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{DB: db}
}

// SystemEvent builds a machine-generated event with the common fields filled.
func SystemEvent(action, targetType, targetID, result string) Event {
	return Event{
		EventID:    uuid.New(),
		ActorType:  ActorSystem,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Result:     result,
		CreatedAt:  time.Now().UTC(),
	}
}

// DeviceEvent builds an event attributed to a field unit.
func DeviceEvent(action, machineID, result string) Event {
	return Event{
		EventID:    uuid.New(),
		ActorType:  ActorDevice,
		Action:     action,
		TargetType: "machine",
		TargetID:   machineID,
		Result:     result,
		CreatedAt:  time.Now().UTC(),
	}
}
