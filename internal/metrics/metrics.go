package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are low-cardinality: status names, outcome enums and topic kinds
// only, never machine codes or session ids.

var (
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upcar_sessions_total",
		Help: "Session lifecycle results by terminal-or-entry status",
	}, []string{"status"})

	MachineStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "upcar_machine_status",
		Help: "Current number of machines per status",
	}, []string{"status"})

	MachinesNeedingService = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upcar_machines_needing_service",
		Help: "Machines flagged by the wear thresholds and not yet serviced",
	})

	ActiveSessionTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upcar_session_timers_active",
		Help: "Armed in-memory stop timers",
	})

	WebhookTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upcar_payment_webhook_total",
		Help: "Payment webhook deliveries by outcome",
	}, []string{"result"})

	MQTTMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upcar_mqtt_messages_total",
		Help: "Inbound MQTT messages by topic kind and outcome",
	}, []string{"kind", "result"})

	MQTTCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upcar_mqtt_commands_total",
		Help: "Outbound device commands by command and outcome",
	}, []string{"command", "result"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upcar_events_published_total",
		Help: "Bus events fanned out by stream and transport outcome",
	}, []string{"stream", "result"})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "upcar_ws_clients",
		Help: "Connected dashboard websocket clients",
	})

	WSDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "upcar_ws_dropped_total",
		Help: "Websocket messages dropped on slow clients",
	})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upcar_notifications_total",
		Help: "Notification dispatch attempts by channel and outcome",
	}, []string{"channel", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upcar_http_request_duration_seconds",
		Help:    "HTTP request latency by method, route pattern and status class",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "route", "status"})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upcar_ratelimit_rejections_total",
		Help: "Requests rejected by the rate limiter per scope",
	}, []string{"scope"})

	LoginAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upcar_login_attempts_total",
		Help: "Login attempts by outcome",
	}, []string{"result"})
)

func RecordSessionStatus(status string) {
	SessionsTotal.WithLabelValues(status).Inc()
}

func RecordWebhook(result string) {
	WebhookTotal.WithLabelValues(result).Inc()
}

func RecordMQTTMessage(kind, result string) {
	MQTTMessagesTotal.WithLabelValues(kind, result).Inc()
}

func RecordMQTTCommand(command, result string) {
	MQTTCommandsTotal.WithLabelValues(command, result).Inc()
}

func RecordRateLimit(scope string) {
	RateLimitedTotal.WithLabelValues(scope).Inc()
}

func RecordLogin(result string) {
	LoginAttemptsTotal.WithLabelValues(result).Inc()
}
