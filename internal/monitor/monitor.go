package monitor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/machines"
	"github.com/Benites031407/UpCarSistema-sub002/internal/metrics"
)

// Fleet is the slice of the machines service the sweeps need.
type Fleet interface {
	Get(ctx context.Context, id uuid.UUID) (*data.Machine, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]*data.Machine, error)
	ListNeedingService(ctx context.Context) ([]*data.Machine, error)
	Transition(ctx context.Context, id uuid.UUID, to data.MachineStatus, reason, source string, actor *uuid.UUID) (*data.Machine, error)
	Policy() machines.MaintenancePolicy
}

// Sessions is the slice of the rental service the sweeps need.
type Sessions interface {
	GetOpenByMachine(ctx context.Context, machineID uuid.UUID) (*data.Session, error)
	ListUnconfirmed(ctx context.Context, cutoff time.Time) ([]*data.Session, error)
	MarkInterrupted(ctx context.Context, id uuid.UUID, reason string) (*data.Session, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string, actor *uuid.UUID) (*data.Session, error)
}

// Notifier queues operator messages about fleet trouble.
type Notifier interface {
	MachineOffline(ctx context.Context, m *data.Machine)
	SessionUnconfirmed(ctx context.Context, s *data.Session, machineCode string)
}

type Config struct {
	SweepInterval  time.Duration
	OfflineAfter   time.Duration
	ConfirmTimeout time.Duration
}

// Monitor runs the periodic fleet sweeps: silent machines go offline and take
// their sessions down with them, sessions whose device never acked the start
// get flagged, and worn-out idle machines are promoted to maintenance.
type Monitor struct {
	cfg      Config
	fleet    Fleet
	sessions Sessions
	notifier Notifier
	clock    quartz.Clock

	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	flagged map[uuid.UUID]struct{}
}

func New(cfg Config, fleet Fleet, sessions Sessions, notifier Notifier, clock quartz.Clock) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 90 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Monitor{
		cfg:      cfg,
		fleet:    fleet,
		sessions: sessions,
		notifier: notifier,
		clock:    clock,
		quit:     make(chan struct{}),
		flagged:  make(map[uuid.UUID]struct{}),
	}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) Stop() {
	close(m.quit)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.sweep()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.quit:
			return
		}
	}
}

func (m *Monitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SweepInterval)
	defer cancel()

	m.sweepStale(ctx)
	m.sweepUnconfirmed(ctx)
	m.sweepMaintenance(ctx)
}

// sweepStale moves machines with no recent heartbeat offline and closes
// whatever session was holding them.
func (m *Monitor) sweepStale(ctx context.Context) {
	cutoff := m.clock.Now().UTC().Add(-m.cfg.OfflineAfter)

	stale, err := m.fleet.ListStale(ctx, cutoff)
	if err != nil {
		log.Printf("monitor: stale list: %v", err)
		return
	}

	for _, mc := range stale {
		if _, err := m.fleet.Transition(ctx, mc.ID, data.StatusOffline, "no heartbeat", machines.SourceMonitor, nil); err != nil {
			// Somebody else just moved it; the next sweep re-evaluates.
			if !errors.Is(err, machines.ErrStatusConflict) && !errors.Is(err, machines.ErrIllegalTransition) {
				log.Printf("monitor: offline transition for %s: %v", mc.Code, err)
			}
			continue
		}
		log.Printf("monitor: machine %s declared offline (last seen before %s)", mc.Code, cutoff.Format(time.RFC3339))

		m.closeOrphanSession(ctx, mc)

		if m.notifier != nil {
			m.notifier.MachineOffline(ctx, mc)
		}
	}
}

func (m *Monitor) closeOrphanSession(ctx context.Context, mc *data.Machine) {
	sess, err := m.sessions.GetOpenByMachine(ctx, mc.ID)
	if err != nil {
		if !errors.Is(err, data.ErrRecordNotFound) {
			log.Printf("monitor: open session lookup for %s: %v", mc.Code, err)
		}
		return
	}

	switch sess.Status {
	case data.SessionActive:
		if _, err := m.sessions.MarkInterrupted(ctx, sess.ID, "machine went offline"); err != nil {
			log.Printf("monitor: interrupt session %s: %v", sess.ID, err)
		}
	case data.SessionPendingPayment:
		if _, err := m.sessions.Cancel(ctx, sess.ID, "machine went offline", nil); err != nil {
			log.Printf("monitor: cancel checkout %s: %v", sess.ID, err)
		}
	}
}

// sweepUnconfirmed flags sessions running past the ack window without the
// device ever confirming the start command. Each session is flagged once.
func (m *Monitor) sweepUnconfirmed(ctx context.Context) {
	cutoff := m.clock.Now().UTC().Add(-m.cfg.ConfirmTimeout)

	unconfirmed, err := m.sessions.ListUnconfirmed(ctx, cutoff)
	if err != nil {
		log.Printf("monitor: unconfirmed list: %v", err)
		return
	}

	current := make(map[uuid.UUID]struct{}, len(unconfirmed))
	for _, sess := range unconfirmed {
		current[sess.ID] = struct{}{}
		if m.alreadyFlagged(sess.ID) {
			continue
		}

		code := sess.MachineID.String()
		if mc, err := m.fleet.Get(ctx, sess.MachineID); err == nil {
			code = mc.Code
		}
		log.Printf("monitor: session %s on %s never confirmed by device", sess.ID, code)
		if m.notifier != nil {
			m.notifier.SessionUnconfirmed(ctx, sess, code)
		}
	}

	m.mu.Lock()
	m.flagged = current
	m.mu.Unlock()
}

func (m *Monitor) alreadyFlagged(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.flagged[id]
	return ok
}

// sweepMaintenance promotes worn-out idle machines into maintenance when the
// policy allows it.
func (m *Monitor) sweepMaintenance(ctx context.Context) {
	due, err := m.fleet.ListNeedingService(ctx)
	if err != nil {
		log.Printf("monitor: needs-service list: %v", err)
		return
	}
	metrics.MachinesNeedingService.Set(float64(len(due)))

	if !m.fleet.Policy().AutoPromote {
		return
	}
	for _, mc := range due {
		if _, err := m.fleet.Transition(ctx, mc.ID, data.StatusMaintenance, "wear thresholds reached", machines.SourceMonitor, nil); err != nil {
			// A lost race or a fresh renter; the next sweep re-evaluates.
			if !errors.Is(err, machines.ErrStatusConflict) && !errors.Is(err, machines.ErrMachineBusy) &&
				!errors.Is(err, machines.ErrIllegalTransition) {
				log.Printf("monitor: maintenance promote for %s: %v", mc.Code, err)
			}
			continue
		}
		log.Printf("monitor: machine %s promoted to maintenance", mc.Code)
	}
}
