package iot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Telemetry is the last heartbeat a station reported, as the dashboard shows
// it next to the machine row.
type Telemetry struct {
	Code            string    `json:"code"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	UptimeS         int64     `json:"uptime_s,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}

// TelemetryCache keeps the latest heartbeat per machine in Redis under a TTL,
// so a silent station simply ages out instead of showing stale numbers
// forever. Postgres only carries last_seen_at; the rest of the heartbeat
// payload lives here.
type TelemetryCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewTelemetryCache(client *redis.Client, ttl time.Duration) *TelemetryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TelemetryCache{client: client, ttl: ttl}
}

func telemetryKey(code string) string {
	return fmt.Sprintf("telemetry:%s", code)
}

func (t *TelemetryCache) Store(ctx context.Context, tel Telemetry) error {
	payload, err := json.Marshal(tel)
	if err != nil {
		return fmt.Errorf("telemetry: marshal %s: %w", tel.Code, err)
	}
	return t.client.Set(ctx, telemetryKey(tel.Code), payload, t.ttl).Err()
}

// Fetch returns the cached heartbeat for each requested code. Codes with no
// live entry are simply absent from the result.
func (t *TelemetryCache) Fetch(ctx context.Context, codes []string) (map[string]Telemetry, error) {
	if len(codes) == 0 {
		return map[string]Telemetry{}, nil
	}

	keys := make([]string, len(codes))
	for i, code := range codes {
		keys[i] = telemetryKey(code)
	}
	vals, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]Telemetry, len(codes))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var tel Telemetry
		if err := json.Unmarshal([]byte(raw), &tel); err != nil {
			continue
		}
		out[codes[i]] = tel
	}
	return out, nil
}
