package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/iot"
)

// Emulates one vacuum station on the broker: answers start/stop commands,
// publishes heartbeats and reports completion, so the backend can be exercised
// end to end without hardware on the bench.
type station struct {
	cli    mqtt.Client
	code   string
	prefix string
	qos    byte

	mu      sync.Mutex
	session *uuid.UUID
	timer   *time.Timer
}

func main() {
	var (
		broker    = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
		code      = flag.String("code", "SP-001", "machine code to impersonate")
		prefix    = flag.String("prefix", "upcar", "topic prefix")
		qos       = flag.Int("qos", 1, "MQTT QoS")
		heartbeat = flag.Duration("heartbeat", 20*time.Second, "heartbeat interval")
		firmware  = flag.String("firmware", "sim-0.9.2", "reported firmware version")
		faultIn   = flag.Duration("fault-after", 0, "publish a fault after this long into a run (0 = never)")
	)
	flag.Parse()

	s := &station{code: *code, prefix: *prefix, qos: byte(*qos)}

	opts := mqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID("sim-" + *code).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(cli mqtt.Client) {
			topic := fmt.Sprintf("%s/machines/%s/cmd", *prefix, *code)
			if token := cli.Subscribe(topic, byte(*qos), func(_ mqtt.Client, m mqtt.Message) {
				s.handleCommand(m.Payload(), *faultIn)
			}); token.Wait() && token.Error() != nil {
				log.Printf("sim: subscribe: %v", token.Error())
			}
			log.Printf("sim: %s listening on %s", *code, topic)
		})

	s.cli = mqtt.NewClient(opts)
	if token := s.cli.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("sim: connect %s: %v", *broker, token.Error())
	}
	defer s.cli.Disconnect(250)

	start := time.Now()
	ticker := time.NewTicker(*heartbeat)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	s.publishHeartbeat(*firmware, start)
	for {
		select {
		case <-ticker.C:
			s.publishHeartbeat(*firmware, start)
		case <-sigCh:
			log.Printf("sim: %s going dark", *code)
			return
		}
	}
}

func (s *station) handleCommand(payload []byte, faultIn time.Duration) {
	var cmd iot.CommandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Printf("sim: bad command payload: %v", err)
		return
	}

	switch cmd.Command {
	case iot.CommandStart:
		log.Printf("sim: start session %s for %d mins", cmd.SessionID, cmd.DurationMins)
		s.beginRun(cmd.SessionID, time.Duration(cmd.DurationMins)*time.Minute, faultIn)
		s.publishStatus(iot.EventStartAck, &cmd.SessionID, "")
	case iot.CommandStop:
		log.Printf("sim: stop session %s (%s)", cmd.SessionID, cmd.Reason)
		s.endRun()
		s.publishStatus(iot.EventComplete, &cmd.SessionID, "")
	default:
		log.Printf("sim: unknown command %q", cmd.Command)
	}
}

// beginRun arms the device-side run timer. If the server's stop never arrives
// the station reports completion on its own once the paid time elapses.
func (s *station) beginRun(id uuid.UUID, duration, faultIn time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	sid := id
	s.session = &sid

	fire := duration
	event := iot.EventComplete
	detail := ""
	if faultIn > 0 && faultIn < duration {
		fire = faultIn
		event = iot.EventFault
		detail = "motor stall"
	}
	s.timer = time.AfterFunc(fire, func() {
		s.mu.Lock()
		s.session = nil
		s.mu.Unlock()
		s.publishStatus(event, &sid, detail)
	})
}

func (s *station) endRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.session = nil
}

func (s *station) publishStatus(event string, id *uuid.UUID, detail string) {
	st := iot.StatusPayload{
		Event:     event,
		SessionID: id,
		Detail:    detail,
		SentAt:    time.Now().UTC(),
	}
	payload, _ := json.Marshal(st)
	topic := fmt.Sprintf("%s/machines/%s/status", s.prefix, s.code)
	if token := s.cli.Publish(topic, s.qos, false, payload); token.Wait() && token.Error() != nil {
		log.Printf("sim: publish %s: %v", event, token.Error())
	}
}

func (s *station) publishHeartbeat(firmware string, start time.Time) {
	hb := iot.HeartbeatPayload{
		FirmwareVersion: firmware,
		UptimeS:         int64(time.Since(start).Seconds()),
		SentAt:          time.Now().UTC(),
	}
	payload, _ := json.Marshal(hb)
	topic := fmt.Sprintf("%s/machines/%s/heartbeat", s.prefix, s.code)
	if token := s.cli.Publish(topic, s.qos, false, payload); token.Wait() && token.Error() != nil {
		log.Printf("sim: heartbeat: %v", token.Error())
	}
}
