package rental

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benites031407/UpCarSistema-sub002/internal/config"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/machines"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tariff"
)

type fakeSessions struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*data.Session
	createErr error
	now       func() time.Time
}

func newFakeSessions(now func() time.Time) *fakeSessions {
	return &fakeSessions{rows: make(map[uuid.UUID]*data.Session), now: now}
}

func (f *fakeSessions) Create(ctx context.Context, s *data.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	s.ID = uuid.New()
	s.CreatedAt = f.now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	f.rows[s.ID] = &cp
	return nil
}

func (f *fakeSessions) GetByID(ctx context.Context, id uuid.UUID) (*data.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeSessions) GetByPaymentRef(ctx context.Context, ref string) (*data.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.PaymentRef == ref {
			cp := *row
			return &cp, nil
		}
	}
	return nil, data.ErrRecordNotFound
}

func (f *fakeSessions) GetOpenByMachine(ctx context.Context, machineID uuid.UUID) (*data.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.MachineID == machineID &&
			(row.Status == data.SessionPendingPayment || row.Status == data.SessionActive) {
			cp := *row
			return &cp, nil
		}
	}
	return nil, data.ErrRecordNotFound
}

func (f *fakeSessions) Activate(ctx context.Context, id uuid.UUID, startedAt, endsAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.Status != data.SessionPendingPayment {
		return false, nil
	}
	row.Status = data.SessionActive
	row.StartedAt = &startedAt
	row.EndsAt = &endsAt
	return true, nil
}

func (f *fakeSessions) Finish(ctx context.Context, id uuid.UUID, status data.SessionStatus, endedAt time.Time, reason string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish to non-terminal status %s", status)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.Status != data.SessionActive {
		return false, nil
	}
	row.Status = status
	row.EndedAt = &endedAt
	row.EndReason = reason
	return true, nil
}

func (f *fakeSessions) Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.Status != data.SessionPendingPayment {
		return false, nil
	}
	row.Status = data.SessionCanceled
	row.EndReason = reason
	return true, nil
}

func (f *fakeSessions) ExpirePending(ctx context.Context, cutoff time.Time) ([]*data.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Session
	for _, row := range f.rows {
		if row.Status == data.SessionPendingPayment && row.CreatedAt.Before(cutoff) {
			row.Status = data.SessionExpired
			row.EndReason = "payment window elapsed"
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessions) ListActive(ctx context.Context) ([]*data.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Session
	for _, row := range f.rows {
		if row.Status == data.SessionActive {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessions) ListUnconfirmed(ctx context.Context, cutoff time.Time) ([]*data.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Session
	for _, row := range f.rows {
		if row.Status == data.SessionActive && !row.DeviceConfirmed &&
			row.StartedAt != nil && row.StartedAt.Before(cutoff) {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessions) SetDeviceConfirmed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return data.ErrRecordNotFound
	}
	row.DeviceConfirmed = true
	return nil
}

func (f *fakeSessions) List(ctx context.Context, fl data.SessionFilter) ([]*data.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Session
	for _, row := range f.rows {
		if fl.Status != "" && row.Status != fl.Status {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeSessions) put(s *data.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.rows[s.ID] = &cp
}

func (f *fakeSessions) setCreatedAt(id uuid.UUID, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].CreatedAt = at
}

func (f *fakeSessions) status(id uuid.UUID) data.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].Status
}

func (f *fakeSessions) endReason(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].EndReason
}

func (f *fakeSessions) confirmed(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].DeviceConfirmed
}

type fakePayments struct {
	mu   sync.Mutex
	rows []*data.Payment
}

func (f *fakePayments) Create(ctx context.Context, p *data.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = uuid.New()
	cp := *p
	f.rows = append(f.rows, &cp)
	return nil
}

func (f *fakePayments) GetByProviderRef(ctx context.Context, ref string) (*data.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ProviderRef == ref {
			cp := *row
			return &cp, nil
		}
	}
	return nil, data.ErrRecordNotFound
}

func (f *fakePayments) MarkPaid(ctx context.Context, ref string, paidAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ProviderRef == ref && row.Status == data.PaymentPending {
			row.Status = data.PaymentPaid
			row.PaidAt = &paidAt
			return true, nil
		}
	}
	return false, nil
}

func (f *fakePayments) UpdateStatusBySession(ctx context.Context, sessionID uuid.UUID, from, to data.PaymentStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if row.SessionID == sessionID && row.Status == from {
			row.Status = to
			n++
		}
	}
	return n, nil
}

func (f *fakePayments) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*data.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*data.Payment
	for _, row := range f.rows {
		if row.SessionID == sessionID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakePayments) statusFor(ref string) data.PaymentStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ProviderRef == ref {
			return row.Status
		}
	}
	return ""
}

type fakeFleet struct {
	mu     sync.Mutex
	rows   map[uuid.UUID]*data.Machine
	usage  map[uuid.UUID]int64
	moves  []string
	frozen *data.Machine
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		rows:  make(map[uuid.UUID]*data.Machine),
		usage: make(map[uuid.UUID]int64),
	}
}

func (f *fakeFleet) add(code string, status data.MachineStatus) *data.Machine {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &data.Machine{ID: uuid.New(), Code: code, Name: code, Status: status, IsEnabled: true}
	f.rows[m.ID] = m
	cp := *m
	return &cp
}

func (f *fakeFleet) Get(ctx context.Context, id uuid.UUID) (*data.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeFleet) GetByCode(ctx context.Context, code string) (*data.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen != nil && f.frozen.Code == code {
		cp := *f.frozen
		return &cp, nil
	}
	for _, row := range f.rows {
		if row.Code == code {
			cp := *row
			return &cp, nil
		}
	}
	return nil, data.ErrRecordNotFound
}

// freezeLookup pins GetByCode answers for a machine to its row as of now, so
// later lookups see a stale status the way a racing reader would.
func (f *fakeFleet) freezeLookup(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.rows[id]
	f.frozen = &cp
}

func (f *fakeFleet) Transition(ctx context.Context, id uuid.UUID, to data.MachineStatus, reason, source string, actor *uuid.UUID) (*data.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, data.ErrRecordNotFound
	}
	if !machines.CanTransition(row.Status, to) {
		return nil, machines.ErrIllegalTransition
	}
	f.moves = append(f.moves, fmt.Sprintf("%s:%s->%s", row.Code, row.Status, to))
	row.Status = to
	row.StatusReason = reason
	cp := *row
	return &cp, nil
}

func (f *fakeFleet) RecordUsage(ctx context.Context, id uuid.UUID, mins int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[id] += mins
	return nil
}

func (f *fakeFleet) status(id uuid.UUID) data.MachineStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id].Status
}

func (f *fakeFleet) force(id uuid.UUID, status data.MachineStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[id].Status = status
}

func (f *fakeFleet) used(id uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[id]
}

type recordingCommander struct {
	mu       sync.Mutex
	starts   []string
	stops    []string
	startErr error
}

func (c *recordingCommander) SendStart(ctx context.Context, machineCode string, sessionID uuid.UUID, durationMins int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts = append(c.starts, fmt.Sprintf("%s:%d", machineCode, durationMins))
	return nil
}

func (c *recordingCommander) SendStop(ctx context.Context, machineCode string, sessionID uuid.UUID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops = append(c.stops, machineCode+":"+reason)
	return nil
}

func (c *recordingCommander) stopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stops)
}

type recordingBus struct {
	mu     sync.Mutex
	events []string
}

func (b *recordingBus) SessionChanged(ctx context.Context, s *data.Session, prev data.SessionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, fmt.Sprintf("%s->%s", prev, s.Status))
}

func (b *recordingBus) all() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

type recordingNotifier struct {
	mu          sync.Mutex
	receipts    []string
	interrupted []string
	anomalies   []string
}

func (n *recordingNotifier) SessionReceipt(ctx context.Context, s *data.Session, machineCode string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receipts = append(n.receipts, machineCode)
}

func (n *recordingNotifier) SessionInterrupted(ctx context.Context, s *data.Session, machineCode string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interrupted = append(n.interrupted, machineCode)
}

func (n *recordingNotifier) PaymentAnomaly(ctx context.Context, s *data.Session, kind, detail string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.anomalies = append(n.anomalies, kind)
}

func (n *recordingNotifier) anomalyKinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.anomalies...)
}

func (n *recordingNotifier) receiptCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.receipts)
}

type rentalFixture struct {
	clock    *quartz.Mock
	sessions *fakeSessions
	payments *fakePayments
	fleet    *fakeFleet
	cmd      *recordingCommander
	bus      *recordingBus
	notes    *recordingNotifier
	svc      *Service
}

func newRentalFixture(t *testing.T) *rentalFixture {
	clock := quartz.NewMock(t)
	fx := &rentalFixture{
		clock:    clock,
		payments: &fakePayments{},
		fleet:    newFakeFleet(),
		cmd:      &recordingCommander{},
		bus:      &recordingBus{},
		notes:    &recordingNotifier{},
	}
	fx.sessions = newFakeSessions(func() time.Time { return clock.Now().UTC() })
	pricer := tariff.NewManager("", config.Tariff{
		RateCentavosPerMin: 100,
		MinDurationMins:    5,
		MaxDurationMins:    60,
		PaymentTTLMins:     10,
		Currency:           "BRL",
	}, nil)
	fx.svc = NewService(fx.sessions, fx.payments, fx.fleet, pricer, fx.cmd, fx.bus, nil, fx.notes, clock, "testpay")
	return fx
}

func (fx *rentalFixture) startSession(t *testing.T, code string) *data.Session {
	t.Helper()
	sess, err := fx.svc.Start(context.Background(), StartInput{
		MachineCode:   code,
		DurationMins:  15,
		CustomerPhone: "+5511999990000",
		CustomerName:  "Ana",
	})
	require.NoError(t, err)
	return sess
}

func (fx *rentalFixture) confirm(t *testing.T, sess *data.Session) *data.Session {
	t.Helper()
	active, err := fx.svc.ConfirmPayment(context.Background(), sess.PaymentRef, sess.AmountCentavos, fx.clock.Now().UTC())
	require.NoError(t, err)
	return active
}

func timePtr(v time.Time) *time.Time { return &v }

func TestStartCreatesCheckout(t *testing.T) {
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)

	sess := fx.startSession(t, "VAC-01")

	assert.Equal(t, data.SessionPendingPayment, sess.Status)
	assert.Equal(t, mc.ID, sess.MachineID)
	assert.Equal(t, 15, sess.DurationMins)
	assert.Equal(t, int64(1500), sess.AmountCentavos)
	assert.Equal(t, "BRL", sess.Currency)
	assert.True(t, len(sess.PaymentRef) > 4 && sess.PaymentRef[:4] == "upc_")

	assert.Equal(t, data.StatusInUse, fx.fleet.status(mc.ID))
	assert.Equal(t, data.PaymentPending, fx.payments.statusFor(sess.PaymentRef))
	assert.Contains(t, fx.bus.all(), "->pending_payment")
}

func TestStartUsesMachinePriceOverride(t *testing.T) {
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	override := int64(250)
	fx.fleet.rows[mc.ID].PricePerMin = &override

	sess := fx.startSession(t, "VAC-01")
	assert.Equal(t, int64(250), sess.RatePerMin)
	assert.Equal(t, int64(3750), sess.AmountCentavos)
}

func TestStartRequiresPhone(t *testing.T) {
	fx := newRentalFixture(t)
	fx.fleet.add("VAC-01", data.StatusOnline)

	_, err := fx.svc.Start(context.Background(), StartInput{MachineCode: "VAC-01", DurationMins: 15})
	assert.ErrorIs(t, err, ErrPhoneRequired)
}

func TestStartRejectsUnavailableMachine(t *testing.T) {
	fx := newRentalFixture(t)

	busy := fx.fleet.add("VAC-01", data.StatusInUse)
	off := fx.fleet.add("VAC-02", data.StatusOffline)
	disabled := fx.fleet.add("VAC-03", data.StatusOnline)
	fx.fleet.rows[disabled.ID].IsEnabled = false

	for _, code := range []string{busy.Code, off.Code, disabled.Code} {
		_, err := fx.svc.Start(context.Background(), StartInput{
			MachineCode: code, DurationMins: 15, CustomerPhone: "+5511999990000",
		})
		assert.ErrorIs(t, err, ErrMachineUnavailable, code)
	}
}

func TestStartRefusesMachineTakenAfterLookup(t *testing.T) {
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)

	// Both customers looked the machine up while it was still online.
	fx.fleet.freezeLookup(mc.ID)

	first := fx.startSession(t, "VAC-01")

	_, err := fx.svc.Start(context.Background(), StartInput{
		MachineCode: "VAC-01", DurationMins: 15, CustomerPhone: "+5511999990001",
	})
	assert.ErrorIs(t, err, ErrMachineUnavailable)

	open, err := fx.sessions.GetOpenByMachine(context.Background(), mc.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, open.ID, "the loser must not open a second session")
	assert.Equal(t, data.StatusInUse, fx.fleet.status(mc.ID))
	assert.Equal(t, []string{"VAC-01:online->in_use"}, fx.fleet.moves)
}

func TestStartOpenSessionBackstopHoldsMachine(t *testing.T) {
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	fx.sessions.createErr = data.ErrOpenSessionExists

	_, err := fx.svc.Start(context.Background(), StartInput{
		MachineCode: "VAC-01", DurationMins: 15, CustomerPhone: "+5511999990000",
	})
	assert.ErrorIs(t, err, ErrMachineUnavailable)

	// The open session's owner releases the machine, not the losing checkout.
	assert.Equal(t, data.StatusInUse, fx.fleet.status(mc.ID))
	assert.Equal(t, []string{"VAC-01:online->in_use"}, fx.fleet.moves)
}

func TestStartDurationOutOfRangeLeavesMachineFree(t *testing.T) {
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)

	_, err := fx.svc.Start(context.Background(), StartInput{
		MachineCode: "VAC-01", DurationMins: 3, CustomerPhone: "+5511999990000",
	})
	assert.ErrorIs(t, err, tariff.ErrDurationOutOfRange)
	assert.Equal(t, data.StatusOnline, fx.fleet.status(mc.ID))
}

func TestStartRollsBackReservationOnCreateFailure(t *testing.T) {
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	fx.sessions.createErr = errors.New("insert failed")

	_, err := fx.svc.Start(context.Background(), StartInput{
		MachineCode: "VAC-01", DurationMins: 15, CustomerPhone: "+5511999990000",
	})
	require.Error(t, err)

	assert.Equal(t, data.StatusOnline, fx.fleet.status(mc.ID))
	assert.Equal(t, []string{"VAC-01:online->in_use", "VAC-01:in_use->online"}, fx.fleet.moves)
}

func TestConfirmPaymentActivates(t *testing.T) {
	fx := newRentalFixture(t)
	fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")

	active := fx.confirm(t, sess)

	assert.Equal(t, data.SessionActive, active.Status)
	require.NotNil(t, active.StartedAt)
	require.NotNil(t, active.EndsAt)
	assert.Equal(t, 15*time.Minute, active.EndsAt.Sub(*active.StartedAt))

	assert.Equal(t, data.PaymentPaid, fx.payments.statusFor(sess.PaymentRef))
	assert.Equal(t, 1, fx.svc.ActiveTimers())
	assert.Equal(t, []string{"VAC-01:15"}, fx.cmd.starts)
	assert.Contains(t, fx.bus.all(), "pending_payment->active")
}

func TestConfirmPaymentSurvivesStartCommandFailure(t *testing.T) {
	fx := newRentalFixture(t)
	fx.fleet.add("VAC-01", data.StatusOnline)
	fx.cmd.startErr = errors.New("broker unreachable")

	sess := fx.startSession(t, "VAC-01")
	active := fx.confirm(t, sess)

	// The session stays active; the unconfirmed-device sweep chases the unit.
	assert.Equal(t, data.SessionActive, active.Status)
	assert.Equal(t, 1, fx.svc.ActiveTimers())
}

func TestConfirmPaymentRedeliveryIsIdempotent(t *testing.T) {
	fx := newRentalFixture(t)
	fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")

	first := fx.confirm(t, sess)
	second := fx.confirm(t, sess)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, data.SessionActive, second.Status)
	assert.Equal(t, 1, fx.svc.ActiveTimers())
	assert.Len(t, fx.cmd.starts, 1, "redelivery must not resend the start command")
}

func TestConfirmPaymentAmountMismatch(t *testing.T) {
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")

	_, err := fx.svc.ConfirmPayment(context.Background(), sess.PaymentRef, sess.AmountCentavos+50, fx.clock.Now().UTC())
	assert.ErrorIs(t, err, ErrAmountMismatch)

	assert.Equal(t, data.SessionPendingPayment, fx.sessions.status(sess.ID))
	assert.Equal(t, data.PaymentPending, fx.payments.statusFor(sess.PaymentRef))
	assert.Equal(t, data.StatusInUse, fx.fleet.status(mc.ID))
	assert.Equal(t, []string{"amount_mismatch"}, fx.notes.anomalyKinds())
}

func TestConfirmPaymentUnknownRef(t *testing.T) {
	fx := newRentalFixture(t)
	_, err := fx.svc.ConfirmPayment(context.Background(), "upc_missing", 1500, fx.clock.Now().UTC())
	assert.ErrorIs(t, err, data.ErrRecordNotFound)
}

func TestTimerElapsedCompletesSession(t *testing.T) {
	ctx := context.Background()
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")
	fx.confirm(t, sess)

	fx.clock.Advance(15 * time.Minute).MustWait(ctx)

	assert.Equal(t, data.SessionCompleted, fx.sessions.status(sess.ID))
	assert.Equal(t, "paid time elapsed", fx.sessions.endReason(sess.ID))
	assert.Equal(t, data.StatusOnline, fx.fleet.status(mc.ID))
	assert.Equal(t, int64(15), fx.fleet.used(mc.ID))
	assert.Equal(t, 0, fx.svc.ActiveTimers())
	assert.Equal(t, 1, fx.cmd.stopCount())
	assert.Equal(t, 1, fx.notes.receiptCount())
}

func TestStopByOperatorBeatsTimer(t *testing.T) {
	ctx := context.Background()
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")
	fx.confirm(t, sess)

	operator := uuid.New()
	stopped, err := fx.svc.Stop(ctx, sess.ID, "operator stop", machines.SourceAPI, &operator)
	require.NoError(t, err)
	assert.Equal(t, data.SessionCompleted, stopped.Status)
	assert.Equal(t, 0, fx.svc.ActiveTimers())

	// The disarmed timer must not fire and re-close the row.
	fx.clock.Advance(15 * time.Minute).MustWait(ctx)

	assert.Equal(t, "operator stop", fx.sessions.endReason(sess.ID))
	assert.Equal(t, int64(1), fx.fleet.used(mc.ID), "immediate stop still wears one minute")
	assert.Equal(t, data.StatusOnline, fx.fleet.status(mc.ID))
}

func TestStopEarlyBooksElapsedMinutes(t *testing.T) {
	ctx := context.Background()
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")
	fx.confirm(t, sess)

	fx.clock.Advance(7 * time.Minute).MustWait(ctx)

	_, err := fx.svc.Stop(ctx, sess.ID, "customer done", machines.SourceAPI, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), fx.fleet.used(mc.ID))
}

func TestStopRejectsNonActiveSession(t *testing.T) {
	fx := newRentalFixture(t)
	fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")

	_, err := fx.svc.Stop(context.Background(), sess.ID, "x", machines.SourceAPI, nil)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

func TestCancelReleasesMachine(t *testing.T) {
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")

	canceled, err := fx.svc.Cancel(context.Background(), sess.ID, "", nil)
	require.NoError(t, err)

	assert.Equal(t, data.SessionCanceled, canceled.Status)
	assert.Equal(t, "canceled by operator", canceled.EndReason)
	assert.Equal(t, data.StatusOnline, fx.fleet.status(mc.ID))
	assert.Equal(t, data.PaymentExpired, fx.payments.statusFor(sess.PaymentRef))

	_, err = fx.svc.Cancel(context.Background(), sess.ID, "", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRejectPaymentVoidsCheckout(t *testing.T) {
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")

	rejected, err := fx.svc.RejectPayment(context.Background(), sess.PaymentRef, "card declined")
	require.NoError(t, err)

	assert.Equal(t, data.SessionCanceled, rejected.Status)
	assert.Equal(t, data.StatusOnline, fx.fleet.status(mc.ID))
	assert.Equal(t, data.PaymentFailed, fx.payments.statusFor(sess.PaymentRef))

	// A second delivery of the same rejection is a no-op.
	again, err := fx.svc.RejectPayment(context.Background(), sess.PaymentRef, "card declined")
	require.NoError(t, err)
	assert.Equal(t, data.SessionCanceled, again.Status)
}

func TestMarkInterruptedLeavesMachineAlone(t *testing.T) {
	ctx := context.Background()
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")
	fx.confirm(t, sess)

	fx.clock.Advance(3 * time.Minute).MustWait(ctx)
	fx.fleet.force(mc.ID, data.StatusOffline)

	got, err := fx.svc.MarkInterrupted(ctx, sess.ID, "machine went dark")
	require.NoError(t, err)

	assert.Equal(t, data.SessionInterrupted, got.Status)
	assert.Equal(t, data.StatusOffline, fx.fleet.status(mc.ID), "interrupt must not resurrect the machine")
	assert.Equal(t, int64(3), fx.fleet.used(mc.ID))
	assert.Equal(t, []string{"VAC-01"}, fx.notes.interrupted)
	assert.Equal(t, 0, fx.svc.ActiveTimers())
}

func TestMarkInterruptedSendsStopOrder(t *testing.T) {
	ctx := context.Background()
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")
	fx.confirm(t, sess)

	// A faulting unit is still connected; the shutoff order must reach it
	// even though its machine row already sits offline.
	fx.fleet.force(mc.ID, data.StatusOffline)

	_, err := fx.svc.MarkInterrupted(ctx, sess.ID, "motor fault reported")
	require.NoError(t, err)
	assert.Equal(t, []string{"VAC-01:motor fault reported"}, fx.cmd.stops)
}

func TestDeviceCompletedClosesOnce(t *testing.T) {
	ctx := context.Background()
	fx := newRentalFixture(t)
	mc := fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")
	fx.confirm(t, sess)

	fx.svc.DeviceCompleted(ctx, sess.ID)
	assert.Equal(t, data.SessionCompleted, fx.sessions.status(sess.ID))
	assert.Equal(t, "device reported completion", fx.sessions.endReason(sess.ID))
	assert.Equal(t, data.StatusOnline, fx.fleet.status(mc.ID))

	// Device retries its report; nothing changes.
	fx.svc.DeviceCompleted(ctx, sess.ID)
	assert.Equal(t, "device reported completion", fx.sessions.endReason(sess.ID))
}

func TestMarkDeviceConfirmed(t *testing.T) {
	ctx := context.Background()
	fx := newRentalFixture(t)
	fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")

	// Ack before activation is ignored.
	require.NoError(t, fx.svc.MarkDeviceConfirmed(ctx, sess.ID))
	assert.False(t, fx.sessions.confirmed(sess.ID))

	fx.confirm(t, sess)
	require.NoError(t, fx.svc.MarkDeviceConfirmed(ctx, sess.ID))
	assert.True(t, fx.sessions.confirmed(sess.ID))
}

func TestExpirePendingSweep(t *testing.T) {
	ctx := context.Background()
	fx := newRentalFixture(t)
	fx.fleet.add("VAC-01", data.StatusOnline)
	fx.fleet.add("VAC-02", data.StatusOnline)

	old := fx.startSession(t, "VAC-01")
	fresh := fx.startSession(t, "VAC-02")
	fx.sessions.setCreatedAt(old.ID, fx.clock.Now().UTC().Add(-11*time.Minute))

	n, err := fx.svc.ExpirePendingSweep(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, data.SessionExpired, fx.sessions.status(old.ID))
	assert.Equal(t, data.StatusOnline, fx.fleet.status(old.MachineID))
	assert.Equal(t, data.PaymentExpired, fx.payments.statusFor(old.PaymentRef))

	assert.Equal(t, data.SessionPendingPayment, fx.sessions.status(fresh.ID))
	assert.Equal(t, data.StatusInUse, fx.fleet.status(fresh.MachineID))
	assert.Equal(t, data.PaymentPending, fx.payments.statusFor(fresh.PaymentRef))
}

func TestConfirmPaymentAfterExpiryIsLate(t *testing.T) {
	ctx := context.Background()
	fx := newRentalFixture(t)
	fx.fleet.add("VAC-01", data.StatusOnline)
	sess := fx.startSession(t, "VAC-01")

	fx.sessions.setCreatedAt(sess.ID, fx.clock.Now().UTC().Add(-11*time.Minute))
	_, err := fx.svc.ExpirePendingSweep(ctx, 10*time.Minute)
	require.NoError(t, err)

	_, err = fx.svc.ConfirmPayment(ctx, sess.PaymentRef, sess.AmountCentavos, fx.clock.Now().UTC())
	assert.ErrorIs(t, err, ErrLatePayment)
	assert.Equal(t, data.SessionExpired, fx.sessions.status(sess.ID))
	assert.Equal(t, []string{"late_payment"}, fx.notes.anomalyKinds())
}

func TestResumeTimers(t *testing.T) {
	ctx := context.Background()
	fx := newRentalFixture(t)
	now := fx.clock.Now().UTC()

	mcOverdue := fx.fleet.add("VAC-01", data.StatusInUse)
	mcRunning := fx.fleet.add("VAC-02", data.StatusInUse)
	mcBroken := fx.fleet.add("VAC-03", data.StatusInUse)

	overdue := &data.Session{
		ID: uuid.New(), MachineID: mcOverdue.ID, Status: data.SessionActive,
		DurationMins: 15, PaymentRef: "upc_overdue",
		StartedAt: timePtr(now.Add(-16 * time.Minute)), EndsAt: timePtr(now.Add(-time.Minute)),
	}
	running := &data.Session{
		ID: uuid.New(), MachineID: mcRunning.ID, Status: data.SessionActive,
		DurationMins: 15, PaymentRef: "upc_running",
		StartedAt: timePtr(now.Add(-10 * time.Minute)), EndsAt: timePtr(now.Add(5 * time.Minute)),
	}
	broken := &data.Session{
		ID: uuid.New(), MachineID: mcBroken.ID, Status: data.SessionActive,
		DurationMins: 15, PaymentRef: "upc_broken",
	}
	fx.sessions.put(overdue)
	fx.sessions.put(running)
	fx.sessions.put(broken)

	resumed, closed, err := fx.svc.ResumeTimers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.Equal(t, 2, closed)

	assert.Equal(t, data.SessionCompleted, fx.sessions.status(overdue.ID))
	assert.Equal(t, "paid time elapsed", fx.sessions.endReason(overdue.ID))
	assert.Equal(t, data.StatusOnline, fx.fleet.status(mcOverdue.ID))
	assert.Equal(t, int64(15), fx.fleet.used(mcOverdue.ID), "overdue wear capped at sold minutes")

	assert.Equal(t, data.SessionCompleted, fx.sessions.status(broken.ID))
	assert.Equal(t, "missing deadline after restart", fx.sessions.endReason(broken.ID))

	assert.Equal(t, data.SessionActive, fx.sessions.status(running.ID))
	assert.Equal(t, 1, fx.svc.ActiveTimers())

	fx.clock.Advance(5 * time.Minute).MustWait(ctx)
	assert.Equal(t, data.SessionCompleted, fx.sessions.status(running.ID))
	assert.Equal(t, data.StatusOnline, fx.fleet.status(mcRunning.ID))
}

func TestExpiryWorkerRejectsBadSchedule(t *testing.T) {
	fx := newRentalFixture(t)
	w := NewExpiryWorker(fx.svc, "not a schedule", func() time.Duration { return time.Minute })
	assert.Error(t, w.Start())
}
