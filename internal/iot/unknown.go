package iot

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// UnknownDevice is a station heartbeating with a code nobody registered:
// usually freshly flashed firmware waiting for its fleet entry, occasionally
// a typo in the provisioning sheet.
type UnknownDevice struct {
	Code            string    `json:"code"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
	Heartbeats      int64     `json:"heartbeats"`
}

// UnknownTracker remembers recently seen unregistered codes so operators can
// list them instead of grepping logs. Bounded; the quietest code falls out
// first.
type UnknownTracker struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *UnknownDevice]
}

func NewUnknownTracker(maxCodes int) *UnknownTracker {
	c, _ := lru.New[string, *UnknownDevice](maxCodes)
	return &UnknownTracker{cache: c}
}

func (t *UnknownTracker) Record(code, firmware string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.cache.Get(code); ok {
		d.LastSeenAt = at
		d.Heartbeats++
		if firmware != "" {
			d.FirmwareVersion = firmware
		}
		return
	}
	t.cache.Add(code, &UnknownDevice{
		Code:            code,
		FirmwareVersion: firmware,
		FirstSeenAt:     at,
		LastSeenAt:      at,
		Heartbeats:      1,
	})
}

// Forget drops a code, called once the machine gets registered.
func (t *UnknownTracker) Forget(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(code)
}

// List returns the tracked codes, most recently heard first.
func (t *UnknownTracker) List() []UnknownDevice {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]UnknownDevice, 0, t.cache.Len())
	for _, d := range t.cache.Values() {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out
}
