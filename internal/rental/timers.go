package rental

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/metrics"
)

// TimerRegistry tracks one stop timer per active session. Timers live only in
// process memory; the database rows are the durable truth and ResumeTimers
// rebuilds the registry after a restart.
type TimerRegistry struct {
	mu     sync.Mutex
	clock  quartz.Clock
	timers map[uuid.UUID]*quartz.Timer
}

func NewTimerRegistry(clock quartz.Clock) *TimerRegistry {
	return &TimerRegistry{
		clock:  clock,
		timers: make(map[uuid.UUID]*quartz.Timer),
	}
}

// Schedule arms the stop timer for a session. Re-scheduling an armed session
// replaces its timer, so the latest deadline wins.
func (r *TimerRegistry) Schedule(id uuid.UUID, at time.Time, fire func(uuid.UUID)) {
	d := r.clock.Until(at)
	if d < 0 {
		d = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.timers[id]; ok {
		old.Stop()
	}
	r.timers[id] = r.clock.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.syncGauge()
		r.mu.Unlock()
		fire(id)
	})
	r.syncGauge()
}

// Cancel disarms a session's timer. Reports whether a timer was armed.
func (r *TimerRegistry) Cancel(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.timers, id)
	r.syncGauge()
	return ok
}

// Len reports how many timers are armed.
func (r *TimerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Shutdown disarms everything. Sessions stay active in the database and are
// picked up by ResumeTimers on the next boot.
func (r *TimerRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.syncGauge()
}

// syncGauge is called with the lock held.
func (r *TimerRegistry) syncGauge() {
	metrics.ActiveSessionTimers.Set(float64(len(r.timers)))
}
