package iot

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Device-reported status events.
const (
	EventStartAck = "start_ack"
	EventComplete = "complete"
	EventFault    = "fault"
)

// Server-issued commands.
const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// HeartbeatPayload is what a station publishes on its heartbeat topic. Older
// firmware publishes an empty body; liveness still counts.
type HeartbeatPayload struct {
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	UptimeS         int64     `json:"uptime_s,omitempty"`
	SentAt          time.Time `json:"sent_at,omitempty"`
}

// StatusPayload reports session-scoped device events: the start ack, the
// end-of-run report and hardware faults.
type StatusPayload struct {
	Event     string     `json:"event"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	SentAt    time.Time  `json:"sent_at,omitempty"`
}

// CommandPayload is the server-to-device order format.
type CommandPayload struct {
	Command      string    `json:"command"`
	SessionID    uuid.UUID `json:"session_id"`
	DurationMins int       `json:"duration_mins,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

// Topic layout: {prefix}/machines/{code}/{heartbeat|status|cmd}, plus a
// retained server presence topic the devices watch.

func heartbeatFilter(prefix string) string { return prefix + "/machines/+/heartbeat" }

func statusFilter(prefix string) string { return prefix + "/machines/+/status" }

func commandTopic(prefix, code string) string {
	return fmt.Sprintf("%s/machines/%s/cmd", prefix, code)
}

func serverStatusTopic(prefix string) string { return prefix + "/server/status" }

// machineCodeFromTopic extracts the code segment from a machine topic.
// Returns "" when the topic does not match the layout.
func machineCodeFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[len(parts)-3] != "machines" {
		return ""
	}
	return parts[len(parts)-2]
}
