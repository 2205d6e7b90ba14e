package iot

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MessageDedup absorbs QoS 1 redeliveries of status messages. Entries expire
// by TTL so a device legitimately re-reporting the same event later still
// gets through.
type MessageDedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func NewMessageDedup(maxKeys int, ttl time.Duration) *MessageDedup {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &MessageDedup{cache: c, ttl: ttl}
}

func (d *MessageDedup) IsDuplicate(key string) bool {
	if addedAt, ok := d.cache.Get(key); ok {
		if time.Since(addedAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, time.Now())
	return false
}

// BuildMessageKey buckets the publish time to one second so retransmissions
// with jittered timestamps still collapse onto one key.
func BuildMessageKey(topic, event, sessionID string, sentAt time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d", topic, event, sessionID, sentAt.Truncate(time.Second).Unix())
}
