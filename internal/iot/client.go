package iot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/config"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/machines"
	"github.com/Benites031407/UpCarSistema-sub002/internal/metrics"
	"github.com/Benites031407/UpCarSistema-sub002/internal/rental"
)

const (
	publishTimeout = 5 * time.Second
	publishRetries = 3
	handlerTimeout = 10 * time.Second

	dedupKeys   = 4096
	dedupTTL    = 2 * time.Minute
	unknownKeys = 256
)

// Fleet is the slice of the machines service the broker glue needs.
type Fleet interface {
	GetByCode(ctx context.Context, code string) (*data.Machine, error)
	MarkHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, firmware string) error
	Transition(ctx context.Context, id uuid.UUID, to data.MachineStatus, reason, source string, actor *uuid.UUID) (*data.Machine, error)
}

// SessionSink receives device-reported session events.
type SessionSink interface {
	MarkDeviceConfirmed(ctx context.Context, id uuid.UUID) error
	DeviceCompleted(ctx context.Context, id uuid.UUID)
	MarkInterrupted(ctx context.Context, id uuid.UUID, reason string) (*data.Session, error)
}

// Client is the MQTT bridge between the stations and the backend. Inbound it
// feeds heartbeats and status reports into the services; outbound it carries
// start/stop commands, so it is the rental flow's Commander.
type Client struct {
	cfg       config.MQTT
	fleet     Fleet
	sessions  SessionSink
	telemetry *TelemetryCache
	dedup     *MessageDedup
	unknown   *UnknownTracker
	cli       mqtt.Client
}

// NewClient assembles the bridge. telemetry may be nil; heartbeats then skip
// the cache write.
func NewClient(cfg config.MQTT, fleet Fleet, sessions SessionSink, telemetry *TelemetryCache) *Client {
	return &Client{
		cfg:       cfg,
		fleet:     fleet,
		sessions:  sessions,
		telemetry: telemetry,
		dedup:     NewMessageDedup(dedupKeys, dedupTTL),
		unknown:   NewUnknownTracker(unknownKeys),
	}
}

// UnknownDevices lists stations heartbeating with unregistered codes.
func (c *Client) UnknownDevices() []UnknownDevice {
	return c.unknown.List()
}

// Connect dials the broker. The broker being down is not fatal: paho keeps
// retrying in the background and OnConnect re-subscribes after every reconnect.
func (c *Client) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.BrokerURL).
		SetClientID(c.cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(false).
		SetWill(serverStatusTopic(c.cfg.TopicPrefix), "offline", c.qos(), true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("iot: broker connection lost: %v", err)
		})
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}

	c.cli = mqtt.NewClient(opts)

	token := c.cli.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Printf("iot: broker %s not reachable yet, retrying in background", c.cfg.BrokerURL)
		return nil
	}
	return token.Error()
}

func (c *Client) onConnect(cli mqtt.Client) {
	log.Printf("iot: connected to broker %s", c.cfg.BrokerURL)

	subscriptions := map[string]mqtt.MessageHandler{
		heartbeatFilter(c.cfg.TopicPrefix): func(_ mqtt.Client, m mqtt.Message) {
			c.handleHeartbeat(m.Topic(), m.Payload())
		},
		statusFilter(c.cfg.TopicPrefix): func(_ mqtt.Client, m mqtt.Message) {
			c.handleStatus(m.Topic(), m.Payload())
		},
	}
	for topic, handler := range subscriptions {
		if token := cli.Subscribe(topic, c.qos(), handler); token.Wait() && token.Error() != nil {
			log.Printf("iot: subscribe %s: %v", topic, token.Error())
		}
	}

	if token := cli.Publish(serverStatusTopic(c.cfg.TopicPrefix), c.qos(), true, "online"); token.Wait() && token.Error() != nil {
		log.Printf("iot: presence publish: %v", token.Error())
	}
}

// Connected reports whether the broker link is currently up.
func (c *Client) Connected() bool {
	return c.cli != nil && c.cli.IsConnected()
}

// Close announces the shutdown on the presence topic and hangs up.
func (c *Client) Close() {
	if c.cli == nil {
		return
	}
	if c.cli.IsConnected() {
		token := c.cli.Publish(serverStatusTopic(c.cfg.TopicPrefix), c.qos(), true, "offline")
		token.WaitTimeout(2 * time.Second)
	}
	c.cli.Disconnect(250)
}

func (c *Client) handleHeartbeat(topic string, payload []byte) {
	code := machineCodeFromTopic(topic)
	if code == "" {
		metrics.RecordMQTTMessage("heartbeat", "bad_topic")
		return
	}

	var hb HeartbeatPayload
	if len(payload) > 0 {
		// Tolerate non-JSON bodies from old firmware; the publish itself is
		// the liveness signal.
		_ = json.Unmarshal(payload, &hb)
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	now := time.Now().UTC()

	mc, err := c.fleet.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			c.unknown.Record(code, hb.FirmwareVersion, now)
			metrics.RecordMQTTMessage("heartbeat", "unknown_machine")
			return
		}
		log.Printf("iot: heartbeat lookup for %q: %v", code, err)
		metrics.RecordMQTTMessage("heartbeat", "error")
		return
	}
	c.unknown.Forget(code)

	// Server receive time, not the device clock: the offline sweep compares
	// last_seen against the server clock and skewed devices must not drift it.
	if err := c.fleet.MarkHeartbeat(ctx, mc.ID, now, hb.FirmwareVersion); err != nil {
		log.Printf("iot: heartbeat mark for %s: %v", code, err)
		metrics.RecordMQTTMessage("heartbeat", "error")
		return
	}

	if c.telemetry != nil {
		tel := Telemetry{
			Code:            code,
			FirmwareVersion: hb.FirmwareVersion,
			UptimeS:         hb.UptimeS,
			ReceivedAt:      now,
		}
		if err := c.telemetry.Store(ctx, tel); err != nil {
			log.Printf("iot: telemetry cache for %s: %v", code, err)
		}
	}
	metrics.RecordMQTTMessage("heartbeat", "ok")
}

func (c *Client) handleStatus(topic string, payload []byte) {
	code := machineCodeFromTopic(topic)
	if code == "" {
		metrics.RecordMQTTMessage("status", "bad_topic")
		return
	}

	var st StatusPayload
	if err := json.Unmarshal(payload, &st); err != nil {
		log.Printf("iot: bad status payload from %q: %v", code, err)
		metrics.RecordMQTTMessage("status", "bad_payload")
		return
	}

	sid := ""
	if st.SessionID != nil {
		sid = st.SessionID.String()
	}
	if c.dedup.IsDuplicate(BuildMessageKey(topic, st.Event, sid, st.SentAt)) {
		metrics.RecordMQTTMessage("status", "duplicate")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch st.Event {
	case EventStartAck:
		if st.SessionID == nil {
			metrics.RecordMQTTMessage("status", "bad_payload")
			return
		}
		if err := c.sessions.MarkDeviceConfirmed(ctx, *st.SessionID); err != nil {
			log.Printf("iot: start ack for session %s: %v", st.SessionID, err)
			metrics.RecordMQTTMessage("status", "error")
			return
		}
	case EventComplete:
		if st.SessionID == nil {
			metrics.RecordMQTTMessage("status", "bad_payload")
			return
		}
		c.sessions.DeviceCompleted(ctx, *st.SessionID)
	case EventFault:
		c.handleFault(ctx, code, st)
	default:
		log.Printf("iot: unknown status event %q from %q", st.Event, code)
		metrics.RecordMQTTMessage("status", "unknown_event")
		return
	}
	metrics.RecordMQTTMessage("status", "ok")
}

// handleFault closes the running session, then parks the machine offline
// until a heartbeat or an operator brings it back.
func (c *Client) handleFault(ctx context.Context, code string, st StatusPayload) {
	reason := "device fault"
	if st.Detail != "" {
		reason = "device fault: " + st.Detail
	}

	if st.SessionID != nil {
		if _, err := c.sessions.MarkInterrupted(ctx, *st.SessionID, reason); err != nil &&
			!errors.Is(err, rental.ErrSessionNotActive) && !errors.Is(err, rental.ErrSessionClosed) {
			log.Printf("iot: fault interrupt for session %s: %v", st.SessionID, err)
		}
	}

	mc, err := c.fleet.GetByCode(ctx, code)
	if err != nil {
		log.Printf("iot: fault lookup for %q: %v", code, err)
		return
	}
	if _, err := c.fleet.Transition(ctx, mc.ID, data.StatusOffline, reason, machines.SourceDevice, nil); err != nil &&
		!errors.Is(err, machines.ErrIllegalTransition) && !errors.Is(err, machines.ErrStatusConflict) {
		log.Printf("iot: fault transition for %s: %v", code, err)
	}
}

// SendStart orders a station to unlock for a paid session.
func (c *Client) SendStart(ctx context.Context, machineCode string, sessionID uuid.UUID, durationMins int) error {
	err := c.publishCommand(ctx, machineCode, CommandPayload{
		Command:      CommandStart,
		SessionID:    sessionID,
		DurationMins: durationMins,
		SentAt:       time.Now().UTC(),
	})
	metrics.RecordMQTTCommand(CommandStart, resultLabel(err))
	return err
}

// SendStop orders a station to shut off.
func (c *Client) SendStop(ctx context.Context, machineCode string, sessionID uuid.UUID, reason string) error {
	err := c.publishCommand(ctx, machineCode, CommandPayload{
		Command:   CommandStop,
		SessionID: sessionID,
		Reason:    reason,
		SentAt:    time.Now().UTC(),
	})
	metrics.RecordMQTTCommand(CommandStop, resultLabel(err))
	return err
}

func (c *Client) publishCommand(ctx context.Context, code string, cmd CommandPayload) error {
	if c.cli == nil {
		return errors.New("iot: client not connected")
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("iot: marshal command: %w", err)
	}
	topic := commandTopic(c.cfg.TopicPrefix, code)

	var lastErr error
	for i := 0; i <= publishRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		token := c.cli.Publish(topic, c.qos(), false, payload)
		if token.WaitTimeout(publishTimeout) && token.Error() == nil {
			return nil
		}
		lastErr = token.Error()
		if lastErr == nil {
			lastErr = errors.New("publish timed out")
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("iot: command %s to %s failed after %d retries: %w", cmd.Command, code, publishRetries, lastErr)
}

func (c *Client) qos() byte {
	return byte(c.cfg.QoS)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// NopCommander stands in when no broker is configured. Commands are logged
// and sessions run on server-side timers alone.
type NopCommander struct{}

func (NopCommander) SendStart(ctx context.Context, machineCode string, sessionID uuid.UUID, durationMins int) error {
	log.Printf("iot: dry-run start for %s session %s (%d mins)", machineCode, sessionID, durationMins)
	return nil
}

func (NopCommander) SendStop(ctx context.Context, machineCode string, sessionID uuid.UUID, reason string) error {
	log.Printf("iot: dry-run stop for %s session %s (%s)", machineCode, sessionID, reason)
	return nil
}
