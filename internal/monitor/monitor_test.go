package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/machines"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type monFleet struct {
	mu          sync.Mutex
	rows        map[uuid.UUID]*data.Machine
	stale       []uuid.UUID
	needService []uuid.UUID
	policy      machines.MaintenancePolicy
	transitions []string
	sources     []string
}

func newMonFleet() *monFleet {
	return &monFleet{
		rows:   make(map[uuid.UUID]*data.Machine),
		policy: machines.MaintenancePolicy{AutoPromote: true},
	}
}

func (f *monFleet) add(code string, status data.MachineStatus) *data.Machine {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &data.Machine{ID: uuid.New(), Code: code, Status: status, IsEnabled: true}
	f.rows[m.ID] = m
	cp := *m
	return &cp
}

func (f *monFleet) Get(ctx context.Context, id uuid.UUID) (*data.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *monFleet) ListStale(ctx context.Context, cutoff time.Time) ([]*data.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Machine
	for _, id := range f.stale {
		if m, ok := f.rows[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *monFleet) ListNeedingService(ctx context.Context) ([]*data.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Machine
	for _, id := range f.needService {
		if m, ok := f.rows[id]; ok {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *monFleet) Transition(ctx context.Context, id uuid.UUID, to data.MachineStatus, reason, source string, actor *uuid.UUID) (*data.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.rows[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	if !machines.CanTransition(m.Status, to) {
		return nil, machines.ErrIllegalTransition
	}
	f.transitions = append(f.transitions, m.Code+":"+string(to))
	f.sources = append(f.sources, source)
	m.Status = to
	cp := *m
	return &cp, nil
}

func (f *monFleet) Policy() machines.MaintenancePolicy {
	return f.policy
}

type monSessions struct {
	mu          sync.Mutex
	open        map[uuid.UUID]*data.Session
	unconfirmed []*data.Session
	interrupted []uuid.UUID
	canceled    []uuid.UUID
}

func newMonSessions() *monSessions {
	return &monSessions{open: make(map[uuid.UUID]*data.Session)}
}

func (s *monSessions) GetOpenByMachine(ctx context.Context, machineID uuid.UUID) (*data.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.open[machineID]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *monSessions) ListUnconfirmed(ctx context.Context, cutoff time.Time) ([]*data.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*data.Session(nil), s.unconfirmed...), nil
}

func (s *monSessions) MarkInterrupted(ctx context.Context, id uuid.UUID, reason string) (*data.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = append(s.interrupted, id)
	return &data.Session{ID: id, Status: data.SessionInterrupted, EndReason: reason}, nil
}

func (s *monSessions) Cancel(ctx context.Context, id uuid.UUID, reason string, actor *uuid.UUID) (*data.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, id)
	return &data.Session{ID: id, Status: data.SessionCanceled, EndReason: reason}, nil
}

type monNotes struct {
	mu          sync.Mutex
	offline     []string
	unconfirmed []string
}

func (n *monNotes) MachineOffline(ctx context.Context, m *data.Machine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = append(n.offline, m.Code)
}

func (n *monNotes) SessionUnconfirmed(ctx context.Context, s *data.Session, machineCode string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unconfirmed = append(n.unconfirmed, machineCode)
}

func newTestMonitor(fleet *monFleet, sessions *monSessions, notes *monNotes) *Monitor {
	return New(Config{
		SweepInterval:  30 * time.Second,
		OfflineAfter:   90 * time.Second,
		ConfirmTimeout: 60 * time.Second,
	}, fleet, sessions, notes, nil)
}

func TestSweepStaleTakesMachineOffline(t *testing.T) {
	fleet := newMonFleet()
	sessions := newMonSessions()
	notes := &monNotes{}
	mc := fleet.add("VAC-01", data.StatusOnline)
	fleet.stale = []uuid.UUID{mc.ID}

	m := newTestMonitor(fleet, sessions, notes)
	m.sweepStale(context.Background())

	assert.Equal(t, []string{"VAC-01:offline"}, fleet.transitions)
	assert.Equal(t, []string{"VAC-01"}, notes.offline)
	assert.Empty(t, sessions.interrupted)
}

func TestSweepStaleInterruptsActiveSession(t *testing.T) {
	fleet := newMonFleet()
	sessions := newMonSessions()
	notes := &monNotes{}
	mc := fleet.add("VAC-01", data.StatusInUse)
	fleet.stale = []uuid.UUID{mc.ID}

	sess := &data.Session{ID: uuid.New(), MachineID: mc.ID, Status: data.SessionActive}
	sessions.open[mc.ID] = sess

	m := newTestMonitor(fleet, sessions, notes)
	m.sweepStale(context.Background())

	assert.Equal(t, []string{"VAC-01:offline"}, fleet.transitions)
	assert.Equal(t, []uuid.UUID{sess.ID}, sessions.interrupted)
	assert.Empty(t, sessions.canceled)
}

func TestSweepStaleCancelsPendingCheckout(t *testing.T) {
	fleet := newMonFleet()
	sessions := newMonSessions()
	notes := &monNotes{}
	mc := fleet.add("VAC-01", data.StatusInUse)
	fleet.stale = []uuid.UUID{mc.ID}

	sess := &data.Session{ID: uuid.New(), MachineID: mc.ID, Status: data.SessionPendingPayment}
	sessions.open[mc.ID] = sess

	m := newTestMonitor(fleet, sessions, notes)
	m.sweepStale(context.Background())

	assert.Equal(t, []uuid.UUID{sess.ID}, sessions.canceled)
	assert.Empty(t, sessions.interrupted)
}

func TestSweepStaleSkipsMaintenanceMachine(t *testing.T) {
	fleet := newMonFleet()
	sessions := newMonSessions()
	notes := &monNotes{}
	mc := fleet.add("VAC-01", data.StatusMaintenance)
	fleet.stale = []uuid.UUID{mc.ID}

	m := newTestMonitor(fleet, sessions, notes)
	m.sweepStale(context.Background())

	assert.Empty(t, fleet.transitions, "maintenance is not a legal offline source")
	assert.Empty(t, notes.offline)
}

func TestSweepUnconfirmedFlagsOnce(t *testing.T) {
	fleet := newMonFleet()
	sessions := newMonSessions()
	notes := &monNotes{}
	mc := fleet.add("VAC-01", data.StatusInUse)

	sess := &data.Session{ID: uuid.New(), MachineID: mc.ID, Status: data.SessionActive}
	sessions.unconfirmed = []*data.Session{sess}

	m := newTestMonitor(fleet, sessions, notes)
	m.sweepUnconfirmed(context.Background())
	m.sweepUnconfirmed(context.Background())

	assert.Equal(t, []string{"VAC-01"}, notes.unconfirmed, "one alert per session, not per sweep")
}

func TestSweepUnconfirmedForgetsResolvedSessions(t *testing.T) {
	fleet := newMonFleet()
	sessions := newMonSessions()
	notes := &monNotes{}
	mc := fleet.add("VAC-01", data.StatusInUse)

	sess := &data.Session{ID: uuid.New(), MachineID: mc.ID, Status: data.SessionActive}
	sessions.unconfirmed = []*data.Session{sess}

	m := newTestMonitor(fleet, sessions, notes)
	m.sweepUnconfirmed(context.Background())

	sessions.unconfirmed = nil
	m.sweepUnconfirmed(context.Background())

	m.mu.Lock()
	left := len(m.flagged)
	m.mu.Unlock()
	assert.Zero(t, left, "resolved sessions leave the flag set")
}

func TestSweepMaintenancePromotes(t *testing.T) {
	fleet := newMonFleet()
	sessions := newMonSessions()
	a := fleet.add("VAC-01", data.StatusOnline)
	b := fleet.add("VAC-02", data.StatusOnline)
	fleet.needService = []uuid.UUID{a.ID, b.ID}

	m := newTestMonitor(fleet, sessions, &monNotes{})
	m.sweepMaintenance(context.Background())

	assert.ElementsMatch(t, []string{"VAC-01:maintenance", "VAC-02:maintenance"}, fleet.transitions)
	// The trail must say the monitor did this, not an operator.
	assert.Equal(t, []string{machines.SourceMonitor, machines.SourceMonitor}, fleet.sources)
}

func TestSweepMaintenanceSkipsMachineJustRented(t *testing.T) {
	fleet := newMonFleet()
	sessions := newMonSessions()
	a := fleet.add("VAC-01", data.StatusInUse)
	fleet.needService = []uuid.UUID{a.ID}

	m := newTestMonitor(fleet, sessions, &monNotes{})
	m.sweepMaintenance(context.Background())

	assert.Empty(t, fleet.transitions, "a running session outranks wear promotion")
}

func TestSweepMaintenanceRespectsPolicy(t *testing.T) {
	fleet := newMonFleet()
	fleet.policy.AutoPromote = false
	sessions := newMonSessions()
	a := fleet.add("VAC-01", data.StatusOnline)
	fleet.needService = []uuid.UUID{a.ID}

	m := newTestMonitor(fleet, sessions, &monNotes{})
	m.sweepMaintenance(context.Background())

	assert.Empty(t, fleet.transitions)
}

func TestMonitorStartStop(t *testing.T) {
	ctx := context.Background()
	fleet := newMonFleet()
	sessions := newMonSessions()
	clock := quartz.NewMock(t)

	trap := clock.Trap().NewTicker()
	defer trap.Close()

	m := New(Config{SweepInterval: 30 * time.Second}, fleet, sessions, &monNotes{}, clock)
	m.Start()
	trap.MustWait(ctx).MustRelease(ctx)

	clock.Advance(30 * time.Second).MustWait(ctx)
	m.Stop()
}
