package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, int64(100), cfg.Tariff.RateCentavosPerMin)
	assert.Equal(t, 5, cfg.Tariff.MinDurationMins)
	assert.Equal(t, 60, cfg.Tariff.MaxDurationMins)
	assert.Equal(t, 90, cfg.Monitor.OfflineAfterS)
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "upcar", cfg.MQTT.TopicPrefix)
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	cfg, err := Load("/nonexistent/upcar.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
http:
  addr: ":9090"
tariff:
  rate_centavos_per_min: 250
  min_duration_mins: 10
  max_duration_mins: 30
  payment_ttl_mins: 5
mqtt:
  enabled: true
  broker_url: "tcp://broker.local:1883"
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, int64(250), cfg.Tariff.RateCentavosPerMin)
	assert.Equal(t, 10, cfg.Tariff.MinDurationMins)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTT.BrokerURL)
	// Untouched sections keep defaults.
	assert.Equal(t, 30, cfg.Monitor.SweepIntervalS)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  host: filehost\n"), 0o644))

	t.Setenv("DB_HOST", "envhost")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("MQTT_BROKER_URL", "ssl://broker:8883")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "envhost", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.True(t, cfg.MQTT.Enabled, "setting MQTT_BROKER_URL enables mqtt")
	assert.Equal(t, "ssl://broker:8883", cfg.MQTT.BrokerURL)
}

func TestLoadRejectsBadTariff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tariff:\n  rate_centavos_per_min: 0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvertedDurationBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "tariff:\n  min_duration_mins: 30\n  max_duration_mins: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	d := Database{Host: "db", Port: 5432, User: "u", Password: "p", Name: "upcar", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=upcar sslmode=disable", d.DSN())
}
