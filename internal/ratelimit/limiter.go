package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRedisUnavailable  = errors.New("redis unavailable")
)

type Scope string

const (
	ScopeIP      Scope = "ip"
	ScopeLogin   Scope = "login"
	ScopeWebhook Scope = "webhook"
	ScopeKiosk   Scope = "kiosk"
)

// Decision is the outcome for one request, with the values the middleware
// needs for X-RateLimit-* and Retry-After headers.
type Decision struct {
	Scope      Scope
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// incrScript bumps the counter and arms the window TTL on first hit, in one
// round trip so concurrent requests cannot leave an immortal key.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// Limiter is a fixed-window counter in redis. The window starts at the first
// request and resets when the key expires.
type Limiter struct {
	client *redis.Client
	salt   string
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "upcar-ratelimit"
	}
	return &Limiter{client: client, salt: salt}
}

// HashIP hashes the address with a deployment salt so raw client IPs never
// land in redis.
func (l *Limiter) HashIP(ip string) string {
	hash := sha256.Sum256([]byte(ip + l.salt))
	return hex.EncodeToString(hash[:])
}

// Key builds the redis key for a scope and subject.
func (l *Limiter) Key(scope Scope, subject string) string {
	return fmt.Sprintf("rl:%s:%s", scope, subject)
}

// Check counts this request against the window. The caller decides what to do
// when redis is down; ErrRedisUnavailable lets public endpoints fail open and
// login fail closed.
func (l *Limiter) Check(ctx context.Context, scope Scope, subject string, cfg LimitConfig) (*Decision, error) {
	key := l.Key(scope, subject)

	count, err := incrScript.Run(ctx, l.client, []string{key}, cfg.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrRedisUnavailable
	}

	remaining := cfg.Rate - count
	if remaining < 0 {
		remaining = 0
	}

	d := &Decision{
		Scope:     scope,
		Limit:     cfg.Rate,
		Remaining: remaining,
		Allowed:   count <= cfg.Rate,
	}

	if d.Allowed {
		d.Reset = time.Now().Add(cfg.Window)
		return d, nil
	}

	// Only blocked requests pay for the extra TTL lookup; the header needs
	// the real remaining window, not an estimate.
	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = cfg.Window
	}
	d.Reset = time.Now().Add(ttl)
	d.RetryAfter = int(ttl.Seconds()) + 1
	return d, nil
}
