package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration. Values come from three layers:
// built-in defaults, an optional YAML file, then environment overrides.
type Config struct {
	HTTP        HTTP        `yaml:"http"`
	Database    Database    `yaml:"database"`
	Redis       Redis       `yaml:"redis"`
	NATS        NATS        `yaml:"nats"`
	MQTT        MQTT        `yaml:"mqtt"`
	Auth        Auth        `yaml:"auth"`
	Tariff      Tariff      `yaml:"tariff"`
	Monitor     Monitor     `yaml:"monitor"`
	Maintenance Maintenance `yaml:"maintenance"`
	RateLimit   RateLimit   `yaml:"rate_limit"`
	Audit       Audit       `yaml:"audit"`
	Notify      Notify      `yaml:"notify"`
	Dashboard   Dashboard   `yaml:"dashboard"`
}

type HTTP struct {
	Addr           string   `yaml:"addr"`
	ReadTimeoutS   int      `yaml:"read_timeout_s"`
	WriteTimeoutS  int      `yaml:"write_timeout_s"`
	IdleTimeoutS   int      `yaml:"idle_timeout_s"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Database struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Name            string `yaml:"name"`
	SSLMode         string `yaml:"sslmode"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_mins"`
}

// DSN renders the lib/pq connection string.
func (d Database) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATS struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type MQTT struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type Auth struct {
	SigningKey       string `yaml:"signing_key"`
	AccessTTLMins    int    `yaml:"access_ttl_mins"`
	RefreshTTLHours  int    `yaml:"refresh_ttl_hours"`
	MaxLoginFailures int    `yaml:"max_login_failures"`
	LockoutMins      int    `yaml:"lockout_mins"`
}

type Tariff struct {
	RateCentavosPerMin int64  `yaml:"rate_centavos_per_min"`
	MinDurationMins    int    `yaml:"min_duration_mins"`
	MaxDurationMins    int    `yaml:"max_duration_mins"`
	PaymentTTLMins     int    `yaml:"payment_ttl_mins"`
	Currency           string `yaml:"currency"`
}

type Monitor struct {
	SweepIntervalS  int `yaml:"sweep_interval_s"`
	OfflineAfterS   int `yaml:"offline_after_s"`
	ConfirmTimeoutS int `yaml:"confirm_timeout_s"`
}

type Maintenance struct {
	AutoPromote      bool `yaml:"auto_promote"`
	UsageIntervalMin int  `yaml:"usage_interval_mins"`
	SessionInterval  int  `yaml:"session_interval"`
}

type RateLimit struct {
	Enabled       bool `yaml:"enabled"`
	LoginPerMin   int  `yaml:"login_per_min"`
	WebhookPerMin int  `yaml:"webhook_per_min"`
	PublicPerMin  int  `yaml:"public_per_min"`
}

type Audit struct {
	SpoolDir      string `yaml:"spool_dir"`
	RetentionDays int    `yaml:"retention_days"`
	PurgeSchedule string `yaml:"purge_schedule"`
}

type Notify struct {
	Enabled        bool   `yaml:"enabled"`
	QueueSize      int    `yaml:"queue_size"`
	FlushIntervalS int    `yaml:"flush_interval_s"`
	AdminPhone     string `yaml:"admin_phone"`
	AdminEmail     string `yaml:"admin_email"`
}

type Dashboard struct {
	SendBuffer    int `yaml:"send_buffer"`
	SnapshotLimit int `yaml:"snapshot_limit"`
}

// Load reads the config file at path (if it exists), layered over defaults,
// then applies environment overrides. A missing file is not an error so the
// server can run from env alone in containers.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		HTTP: HTTP{
			Addr:           ":8080",
			ReadTimeoutS:   15,
			WriteTimeoutS:  30,
			IdleTimeoutS:   60,
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Database: Database{
			Host:            "localhost",
			Port:            5432,
			User:            "upcar",
			Password:        "upcar",
			Name:            "upcar",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifeMins: 30,
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		NATS: NATS{
			Enabled: false,
			URL:     "nats://localhost:4222",
		},
		MQTT: MQTT{
			Enabled:     false,
			BrokerURL:   "tcp://localhost:1883",
			ClientID:    "upcar-server",
			TopicPrefix: "upcar",
			QoS:         1,
		},
		Auth: Auth{
			SigningKey:       "insecure-dev-secret-change-me",
			AccessTTLMins:    15,
			RefreshTTLHours:  168,
			MaxLoginFailures: 5,
			LockoutMins:      15,
		},
		Tariff: Tariff{
			RateCentavosPerMin: 100,
			MinDurationMins:    5,
			MaxDurationMins:    60,
			PaymentTTLMins:     10,
			Currency:           "BRL",
		},
		Monitor: Monitor{
			SweepIntervalS:  30,
			OfflineAfterS:   90,
			ConfirmTimeoutS: 60,
		},
		Maintenance: Maintenance{
			AutoPromote:      true,
			UsageIntervalMin: 3000,
			SessionInterval:  200,
		},
		RateLimit: RateLimit{
			Enabled:       true,
			LoginPerMin:   10,
			WebhookPerMin: 120,
			PublicPerMin:  60,
		},
		Audit: Audit{
			SpoolDir:      "./audit_spool",
			RetentionDays: 180,
			PurgeSchedule: "0 3 * * *",
		},
		Notify: Notify{
			Enabled:        true,
			QueueSize:      256,
			FlushIntervalS: 5,
		},
		Dashboard: Dashboard{
			SendBuffer:    32,
			SnapshotLimit: 500,
		},
	}
}

// applyEnv maps the deployment environment onto the config. Env always wins
// over file values so secrets never need to live on disk.
func (c *Config) applyEnv() {
	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.Enabled = true
		c.NATS.URL = v
	}
	if v := os.Getenv("MQTT_BROKER_URL"); v != "" {
		c.MQTT.Enabled = true
		c.MQTT.BrokerURL = v
	}
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.MQTT.ClientID)

	c.Auth.SigningKey = getEnv("JWT_SIGNING_KEY", c.Auth.SigningKey)

	c.Audit.SpoolDir = getEnv("AUDIT_SPOOL_DIR", c.Audit.SpoolDir)
}

// Validate rejects values the rest of the system cannot operate on.
func (c *Config) Validate() error {
	if c.Tariff.RateCentavosPerMin <= 0 {
		return fmt.Errorf("config: tariff rate must be positive, got %d", c.Tariff.RateCentavosPerMin)
	}
	if c.Tariff.MinDurationMins <= 0 || c.Tariff.MaxDurationMins < c.Tariff.MinDurationMins {
		return fmt.Errorf("config: invalid duration bounds [%d, %d]",
			c.Tariff.MinDurationMins, c.Tariff.MaxDurationMins)
	}
	if c.Tariff.PaymentTTLMins <= 0 {
		return fmt.Errorf("config: payment_ttl_mins must be positive, got %d", c.Tariff.PaymentTTLMins)
	}
	if c.Monitor.OfflineAfterS <= 0 || c.Monitor.SweepIntervalS <= 0 {
		return fmt.Errorf("config: monitor intervals must be positive")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Auth.AccessTTLMins <= 0 || c.Auth.RefreshTTLHours <= 0 {
		return fmt.Errorf("config: token TTLs must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
