package rental

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/audit"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/machines"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tariff"
)

var (
	ErrMachineUnavailable = errors.New("machine not available for rental")
	ErrSessionNotActive   = errors.New("session is not active")
	ErrSessionClosed      = errors.New("session already closed")
	ErrAmountMismatch     = errors.New("paid amount does not match session amount")
	ErrLatePayment        = errors.New("payment arrived after checkout expired")
	ErrPhoneRequired      = errors.New("customer phone required")
)

type Repository interface {
	Create(ctx context.Context, s *data.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*data.Session, error)
	GetByPaymentRef(ctx context.Context, ref string) (*data.Session, error)
	GetOpenByMachine(ctx context.Context, machineID uuid.UUID) (*data.Session, error)
	Activate(ctx context.Context, id uuid.UUID, startedAt, endsAt time.Time) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, status data.SessionStatus, endedAt time.Time, reason string) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	ExpirePending(ctx context.Context, cutoff time.Time) ([]*data.Session, error)
	ListActive(ctx context.Context) ([]*data.Session, error)
	ListUnconfirmed(ctx context.Context, cutoff time.Time) ([]*data.Session, error)
	SetDeviceConfirmed(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f data.SessionFilter) ([]*data.Session, error)
}

type PaymentStore interface {
	Create(ctx context.Context, p *data.Payment) error
	GetByProviderRef(ctx context.Context, ref string) (*data.Payment, error)
	MarkPaid(ctx context.Context, ref string, paidAt time.Time) (bool, error)
	UpdateStatusBySession(ctx context.Context, sessionID uuid.UUID, from, to data.PaymentStatus) (int64, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*data.Payment, error)
}

// MachineDirectory is the slice of the machines service the rental flow needs.
type MachineDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*data.Machine, error)
	GetByCode(ctx context.Context, code string) (*data.Machine, error)
	Transition(ctx context.Context, id uuid.UUID, to data.MachineStatus, reason, source string, actor *uuid.UUID) (*data.Machine, error)
	RecordUsage(ctx context.Context, id uuid.UUID, mins int64) error
}

// Commander pushes start/stop orders down to the field unit.
type Commander interface {
	SendStart(ctx context.Context, machineCode string, sessionID uuid.UUID, durationMins int) error
	SendStop(ctx context.Context, machineCode string, sessionID uuid.UUID, reason string) error
}

type Pricer interface {
	QuoteFor(durationMins int, override *int64) (*tariff.Quote, error)
}

type Auditor interface {
	WriteEvent(ctx context.Context, evt audit.Event) error
}

// Publisher fans session lifecycle changes out to the realtime side.
type Publisher interface {
	SessionChanged(ctx context.Context, s *data.Session, prev data.SessionStatus)
}

// Notifier queues customer and operator messages about session outcomes.
type Notifier interface {
	SessionReceipt(ctx context.Context, s *data.Session, machineCode string)
	SessionInterrupted(ctx context.Context, s *data.Session, machineCode string)
	PaymentAnomaly(ctx context.Context, s *data.Session, kind, detail string)
}

type Service struct {
	sessions  Repository
	payments  PaymentStore
	machines  MachineDirectory
	pricer    Pricer
	commander Commander
	bus       Publisher
	auditSvc  Auditor
	notifier  Notifier
	timers    *TimerRegistry
	clock     quartz.Clock
	provider  string
}

func NewService(
	sessions Repository,
	payments PaymentStore,
	dir MachineDirectory,
	pricer Pricer,
	commander Commander,
	bus Publisher,
	aud Auditor,
	notifier Notifier,
	clock quartz.Clock,
	provider string,
) *Service {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if provider == "" {
		provider = "gateway"
	}
	return &Service{
		sessions:  sessions,
		payments:  payments,
		machines:  dir,
		pricer:    pricer,
		commander: commander,
		bus:       bus,
		auditSvc:  aud,
		notifier:  notifier,
		timers:    NewTimerRegistry(clock),
		clock:     clock,
		provider:  provider,
	}
}

type StartInput struct {
	MachineCode   string `json:"machine_code"`
	DurationMins  int    `json:"duration_mins"`
	CustomerPhone string `json:"customer_phone"`
	CustomerName  string `json:"customer_name"`
}

// Start opens a checkout: it reserves the machine, prices the request and
// creates a pending_payment session the gateway charge will reference.
func (s *Service) Start(ctx context.Context, in StartInput) (*data.Session, error) {
	if strings.TrimSpace(in.CustomerPhone) == "" {
		return nil, ErrPhoneRequired
	}

	mc, err := s.machines.GetByCode(ctx, in.MachineCode)
	if err != nil {
		return nil, err
	}
	if !mc.IsEnabled || mc.Status != data.StatusOnline {
		return nil, fmt.Errorf("%w: machine %s is %s", ErrMachineUnavailable, mc.Code, mc.Status)
	}

	quote, err := s.pricer.QuoteFor(in.DurationMins, mc.PricePerMin)
	if err != nil {
		return nil, err
	}

	// Reserve the machine first. The guarded transition is what makes two
	// customers racing the same kiosk impossible: exactly one wins the row.
	if _, err := s.machines.Transition(ctx, mc.ID, data.StatusInUse, "session checkout", machines.SourceSystem, nil); err != nil {
		if errors.Is(err, machines.ErrStatusConflict) || errors.Is(err, machines.ErrIllegalTransition) {
			return nil, fmt.Errorf("%w: machine %s was just taken", ErrMachineUnavailable, mc.Code)
		}
		return nil, err
	}

	sess := &data.Session{
		MachineID:      mc.ID,
		Status:         data.SessionPendingPayment,
		CustomerPhone:  strings.TrimSpace(in.CustomerPhone),
		CustomerName:   strings.TrimSpace(in.CustomerName),
		DurationMins:   quote.DurationMins,
		RatePerMin:     quote.RatePerMin,
		AmountCentavos: quote.AmountCentavos,
		Currency:       quote.Currency,
		PaymentRef:     newPaymentRef(),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, data.ErrOpenSessionExists) {
			// Another session already holds the machine. Leave the row alone:
			// whoever owns that session releases the machine when it closes.
			return nil, fmt.Errorf("%w: machine %s was just taken", ErrMachineUnavailable, mc.Code)
		}
		// Give the machine back; the reservation has nothing to hold it for.
		s.releaseMachine(ctx, mc.ID, "checkout failed")
		return nil, err
	}

	if err := s.payments.Create(ctx, &data.Payment{
		SessionID:      sess.ID,
		Provider:       s.provider,
		ProviderRef:    sess.PaymentRef,
		AmountCentavos: sess.AmountCentavos,
		Currency:       sess.Currency,
		Status:         data.PaymentPending,
	}); err != nil {
		log.Printf("rental: payment row create failed for session %s: %v", sess.ID, err)
	}

	s.publish(ctx, sess, "")
	s.writeAudit(ctx, nil, audit.ActorSystem, "session.start", sess.ID.String(), audit.ResultSuccess, "",
		map[string]any{"machine": mc.Code, "duration_mins": sess.DurationMins, "amount_centavos": sess.AmountCentavos})

	return sess, nil
}

// ConfirmPayment activates a paid session. It is the webhook landing spot and
// therefore fully idempotent: redeliveries return the already-active session.
func (s *Service) ConfirmPayment(ctx context.Context, providerRef string, amountCentavos int64, paidAt time.Time) (*data.Session, error) {
	sess, err := s.sessions.GetByPaymentRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}

	if sess.Status == data.SessionActive {
		return sess, nil
	}
	if sess.Status.Terminal() {
		// The money moved even though the checkout is gone. Record it and
		// flag the anomaly for a manual refund.
		if _, err := s.payments.MarkPaid(ctx, providerRef, paidAt); err != nil {
			log.Printf("rental: late payment record failed for %s: %v", providerRef, err)
		}
		if s.notifier != nil {
			s.notifier.PaymentAnomaly(ctx, sess, "late_payment", "payment approved after checkout expired")
		}
		s.writeAudit(ctx, nil, audit.ActorWebhook, "payment.confirm", sess.ID.String(), audit.ResultFailure, "late_payment", nil)
		return nil, fmt.Errorf("%w: session %s is %s", ErrLatePayment, sess.ID, sess.Status)
	}

	if amountCentavos != sess.AmountCentavos {
		if s.notifier != nil {
			s.notifier.PaymentAnomaly(ctx, sess, "amount_mismatch",
				fmt.Sprintf("expected %d, gateway reported %d", sess.AmountCentavos, amountCentavos))
		}
		s.writeAudit(ctx, nil, audit.ActorWebhook, "payment.confirm", sess.ID.String(), audit.ResultDenied, "amount_mismatch",
			map[string]any{"expected": sess.AmountCentavos, "reported": amountCentavos})
		return nil, fmt.Errorf("%w: expected %d got %d", ErrAmountMismatch, sess.AmountCentavos, amountCentavos)
	}

	if _, err := s.payments.MarkPaid(ctx, providerRef, paidAt); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	endsAt := now.Add(time.Duration(sess.DurationMins) * time.Minute)

	ok, err := s.sessions.Activate(ctx, sess.ID, now, endsAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a redelivery race; whoever won already armed the timer.
		cur, err := s.sessions.GetByID(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status == data.SessionActive {
			return cur, nil
		}
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionClosed, sess.ID, cur.Status)
	}

	sess.Status = data.SessionActive
	sess.StartedAt = &now
	sess.EndsAt = &endsAt

	s.timers.Schedule(sess.ID, endsAt, s.onTimerElapsed)

	mc, err := s.machines.Get(ctx, sess.MachineID)
	if err == nil {
		if err := s.commander.SendStart(ctx, mc.Code, sess.ID, sess.DurationMins); err != nil {
			// The monitor flags sessions whose device never confirms.
			log.Printf("rental: start command for session %s failed: %v", sess.ID, err)
		}
	} else {
		log.Printf("rental: machine lookup for session %s failed: %v", sess.ID, err)
	}

	s.publish(ctx, sess, data.SessionPendingPayment)
	s.writeAudit(ctx, nil, audit.ActorWebhook, "session.activate", sess.ID.String(), audit.ResultSuccess, "",
		map[string]any{"ends_at": endsAt, "amount_centavos": amountCentavos})

	return sess, nil
}

// RejectPayment closes a checkout whose charge failed or was voided upstream.
func (s *Service) RejectPayment(ctx context.Context, providerRef, reason string) (*data.Session, error) {
	sess, err := s.sessions.GetByPaymentRef(ctx, providerRef)
	if err != nil {
		return nil, err
	}
	if sess.Status != data.SessionPendingPayment {
		return sess, nil
	}

	if _, err := s.payments.UpdateStatusBySession(ctx, sess.ID, data.PaymentPending, data.PaymentFailed); err != nil {
		log.Printf("rental: payment fail mark for session %s: %v", sess.ID, err)
	}

	if reason == "" {
		reason = "payment rejected"
	}
	ok, err := s.sessions.Cancel(ctx, sess.ID, reason)
	if err != nil {
		return nil, err
	}
	if ok {
		s.releaseMachine(ctx, sess.MachineID, "payment rejected")
		sess.Status = data.SessionCanceled
		sess.EndReason = reason
		s.publish(ctx, sess, data.SessionPendingPayment)
	}

	s.writeAudit(ctx, nil, audit.ActorWebhook, "payment.reject", sess.ID.String(), audit.ResultSuccess, reason, nil)
	return sess, nil
}

// Stop closes an active session. Reason and source say who pulled the plug:
// the elapsed timer, an admin, or the device itself.
func (s *Service) Stop(ctx context.Context, id uuid.UUID, reason, source string, actor *uuid.UUID) (*data.Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != data.SessionActive {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, id, sess.Status)
	}

	now := s.clock.Now().UTC()
	ok, err := s.sessions.Finish(ctx, id, data.SessionCompleted, now, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrSessionClosed, id)
	}

	s.timers.Cancel(id)

	prev := sess.Status
	sess.Status = data.SessionCompleted
	sess.EndedAt = &now
	sess.EndReason = reason

	s.closeOutMachine(ctx, sess, now, "session ended")

	mc, mcErr := s.machines.Get(ctx, sess.MachineID)
	if mcErr == nil {
		if err := s.commander.SendStop(ctx, mc.Code, id, reason); err != nil {
			log.Printf("rental: stop command for session %s failed: %v", id, err)
		}
		if s.notifier != nil {
			s.notifier.SessionReceipt(ctx, sess, mc.Code)
		}
	}

	s.publish(ctx, sess, prev)
	s.writeAudit(ctx, actor, actorTypeFor(source), "session.stop", id.String(), audit.ResultSuccess, reason,
		map[string]any{"source": source, "minutes_used": s.minutesUsed(sess, now)})

	return sess, nil
}

// Cancel voids a checkout that was never paid and releases the machine.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string, actor *uuid.UUID) (*data.Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != data.SessionPendingPayment {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionClosed, id, sess.Status)
	}

	if reason == "" {
		reason = "canceled by operator"
	}
	ok, err := s.sessions.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrSessionClosed, id)
	}

	if _, err := s.payments.UpdateStatusBySession(ctx, id, data.PaymentPending, data.PaymentExpired); err != nil {
		log.Printf("rental: payment expire mark for session %s: %v", id, err)
	}

	s.releaseMachine(ctx, sess.MachineID, "checkout canceled")

	prev := sess.Status
	sess.Status = data.SessionCanceled
	sess.EndReason = reason
	s.publish(ctx, sess, prev)
	s.writeAudit(ctx, actor, audit.ActorUser, "session.cancel", id.String(), audit.ResultSuccess, reason, nil)

	return sess, nil
}

// MarkInterrupted closes an active session whose machine dropped dead
// mid-run. The machine status is the caller's business (the monitor already
// moved it offline), but the shutoff order still goes out: a unit that
// reported a fault over a live connection would otherwise keep running.
func (s *Service) MarkInterrupted(ctx context.Context, id uuid.UUID, reason string) (*data.Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != data.SessionActive {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotActive, id, sess.Status)
	}

	now := s.clock.Now().UTC()
	ok, err := s.sessions.Finish(ctx, id, data.SessionInterrupted, now, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: session %s", ErrSessionClosed, id)
	}

	s.timers.Cancel(id)

	prev := sess.Status
	sess.Status = data.SessionInterrupted
	sess.EndedAt = &now
	sess.EndReason = reason

	if err := s.machines.RecordUsage(ctx, sess.MachineID, s.minutesUsed(sess, now)); err != nil {
		log.Printf("rental: usage record for interrupted session %s: %v", id, err)
	}

	mc, mcErr := s.machines.Get(ctx, sess.MachineID)
	if mcErr == nil {
		if err := s.commander.SendStop(ctx, mc.Code, id, reason); err != nil {
			log.Printf("rental: stop command for session %s failed: %v", id, err)
		}
		if s.notifier != nil {
			s.notifier.SessionInterrupted(ctx, sess, mc.Code)
		}
	}

	s.publish(ctx, sess, prev)
	s.writeAudit(ctx, nil, audit.ActorSystem, "session.interrupt", id.String(), audit.ResultSuccess, reason, nil)

	return sess, nil
}

// MarkDeviceConfirmed records the device's ack of the start command.
func (s *Service) MarkDeviceConfirmed(ctx context.Context, id uuid.UUID) error {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != data.SessionActive || sess.DeviceConfirmed {
		return nil
	}
	return s.sessions.SetDeviceConfirmed(ctx, id)
}

// DeviceCompleted handles the unit reporting it shut itself off at the end of
// the paid window. Harmless if the server-side timer already closed the row.
func (s *Service) DeviceCompleted(ctx context.Context, id uuid.UUID) {
	if _, err := s.Stop(ctx, id, "device reported completion", machines.SourceDevice, nil); err != nil {
		if !errors.Is(err, ErrSessionNotActive) && !errors.Is(err, ErrSessionClosed) {
			log.Printf("rental: device completion for session %s: %v", id, err)
		}
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*data.Session, error) {
	return s.sessions.GetByID(ctx, id)
}

func (s *Service) GetByPaymentRef(ctx context.Context, ref string) (*data.Session, error) {
	return s.sessions.GetByPaymentRef(ctx, ref)
}

func (s *Service) List(ctx context.Context, f data.SessionFilter) ([]*data.Session, error) {
	return s.sessions.List(ctx, f)
}

// GetOpenByMachine finds the checkout or run currently holding a machine.
func (s *Service) GetOpenByMachine(ctx context.Context, machineID uuid.UUID) (*data.Session, error) {
	return s.sessions.GetOpenByMachine(ctx, machineID)
}

// ListUnconfirmed lists active sessions whose device never acked the start
// command before the cutoff.
func (s *Service) ListUnconfirmed(ctx context.Context, cutoff time.Time) ([]*data.Session, error) {
	return s.sessions.ListUnconfirmed(ctx, cutoff)
}

func (s *Service) PaymentsFor(ctx context.Context, sessionID uuid.UUID) ([]*data.Payment, error) {
	return s.payments.ListBySession(ctx, sessionID)
}

// ActiveTimers reports how many stop timers are armed, for health output.
func (s *Service) ActiveTimers() int {
	return s.timers.Len()
}

// Shutdown disarms in-memory timers before process exit.
func (s *Service) Shutdown() {
	s.timers.Shutdown()
}

// onTimerElapsed is the registry callback for a session reaching its paid end.
func (s *Service) onTimerElapsed(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.Stop(ctx, id, "paid time elapsed", machines.SourceSystem, nil); err != nil {
		if errors.Is(err, ErrSessionNotActive) || errors.Is(err, ErrSessionClosed) {
			return
		}
		log.Printf("rental: timer stop for session %s failed: %v", id, err)
	}
}

// closeOutMachine returns the machine to rotation and books the wear. A
// machine that went offline mid-session stays offline.
func (s *Service) closeOutMachine(ctx context.Context, sess *data.Session, now time.Time, reason string) {
	mc, err := s.machines.Get(ctx, sess.MachineID)
	if err != nil {
		log.Printf("rental: machine %s lookup on close: %v", sess.MachineID, err)
		return
	}
	if mc.Status == data.StatusInUse {
		if _, err := s.machines.Transition(ctx, mc.ID, data.StatusOnline, reason, machines.SourceSystem, nil); err != nil {
			log.Printf("rental: machine %s release: %v", mc.Code, err)
		}
	}
	if err := s.machines.RecordUsage(ctx, sess.MachineID, s.minutesUsed(sess, now)); err != nil {
		log.Printf("rental: usage record for session %s: %v", sess.ID, err)
	}
}

// releaseMachine frees a reserved machine when a checkout dies. Only an
// in_use machine is touched; offline and maintenance are someone else's call.
func (s *Service) releaseMachine(ctx context.Context, machineID uuid.UUID, reason string) {
	mc, err := s.machines.Get(ctx, machineID)
	if err != nil {
		log.Printf("rental: machine %s lookup on release: %v", machineID, err)
		return
	}
	if mc.Status != data.StatusInUse {
		return
	}
	if _, err := s.machines.Transition(ctx, machineID, data.StatusOnline, reason, machines.SourceSystem, nil); err != nil {
		log.Printf("rental: machine %s release: %v", mc.Code, err)
	}
}

// minutesUsed books elapsed wall time, capped at what was sold. A session
// closed before activation still wears the machine zero minutes.
func (s *Service) minutesUsed(sess *data.Session, now time.Time) int64 {
	if sess.StartedAt == nil {
		return 0
	}
	elapsed := now.Sub(*sess.StartedAt)
	mins := int64((elapsed + time.Minute - 1) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	if mins > int64(sess.DurationMins) {
		mins = int64(sess.DurationMins)
	}
	return mins
}

func (s *Service) publish(ctx context.Context, sess *data.Session, prev data.SessionStatus) {
	if s.bus != nil {
		s.bus.SessionChanged(ctx, sess, prev)
	}
}

func (s *Service) writeAudit(ctx context.Context, actor *uuid.UUID, actorType, action, targetID, result, reason string, meta map[string]any) {
	if s.auditSvc == nil {
		return
	}
	evt := audit.Event{
		EventID:     uuid.New(),
		ActorUserID: actor,
		ActorType:   actorType,
		Action:      action,
		TargetType:  "session",
		TargetID:    targetID,
		Result:      result,
		ReasonCode:  reason,
		Metadata:    toMeta(meta),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.auditSvc.WriteEvent(ctx, evt); err != nil {
		log.Printf("rental: audit write failed for %s: %v", action, err)
	}
}

func actorTypeFor(source string) string {
	switch source {
	case machines.SourceDevice:
		return audit.ActorDevice
	case machines.SourceAPI:
		return audit.ActorUser
	default:
		return audit.ActorSystem
	}
}

func toMeta(m map[string]any) json.RawMessage {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return b
}

func newPaymentRef() string {
	return "upc_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
