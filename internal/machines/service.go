package machines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/audit"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrStatusConflict    = errors.New("machine status changed concurrently")
	ErrUnknownStatus     = errors.New("unknown machine status")
	ErrMachineBusy       = errors.New("machine has an open session")
	ErrInvalidCode       = errors.New("invalid machine code")
	ErrNameRequired      = errors.New("machine name required")
)

// Kiosk codes are printed on the units and typed by customers, so the charset
// is deliberately narrow.
var codePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{1,31}$`)

type Repository interface {
	Create(ctx context.Context, m *data.Machine) error
	GetByID(ctx context.Context, id uuid.UUID) (*data.Machine, error)
	GetByCode(ctx context.Context, code string) (*data.Machine, error)
	List(ctx context.Context, f data.MachineFilter) ([]*data.Machine, error)
	Update(ctx context.Context, m *data.Machine) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to data.MachineStatus, reason string) (bool, error)
	MarkSeen(ctx context.Context, id uuid.UUID, at time.Time, firmware string) error
	RecordUsage(ctx context.Context, id uuid.UUID, mins int64, usageLimit int64, sessionLimit int) error
	SetNeedsService(ctx context.Context, id uuid.UUID, flag bool) error
	ResetServiceCounters(ctx context.Context, id uuid.UUID) error
	ListStale(ctx context.Context, cutoff time.Time) ([]*data.Machine, error)
	ListNeedingService(ctx context.Context) ([]*data.Machine, error)
	CountByStatus(ctx context.Context) (map[data.MachineStatus]int, error)
}

type StatusTrail interface {
	Insert(ctx context.Context, e *data.StatusEvent) error
	ListByMachine(ctx context.Context, machineID uuid.UUID, limit, offset int) ([]*data.StatusEvent, error)
}

type OpenSessionChecker interface {
	GetOpenByMachine(ctx context.Context, machineID uuid.UUID) (*data.Session, error)
}

type Auditor interface {
	WriteEvent(ctx context.Context, evt audit.Event) error
}

// Publisher fans a committed status change out to the realtime side.
type Publisher interface {
	MachineStatusChanged(ctx context.Context, m *data.Machine, from data.MachineStatus, reason, source string)
}

// Notifier queues operator alerts about machine condition.
type Notifier interface {
	MachineNeedsService(ctx context.Context, m *data.Machine)
}

// MaintenancePolicy sets the wear thresholds that flag a machine for service.
type MaintenancePolicy struct {
	UsageLimitMins int64
	SessionLimit   int
	AutoPromote    bool
}

type Service struct {
	repo     Repository
	trail    StatusTrail
	sessions OpenSessionChecker
	bus      Publisher
	auditSvc Auditor
	notifier Notifier
	policy   MaintenancePolicy
}

func NewService(repo Repository, trail StatusTrail, sessions OpenSessionChecker, bus Publisher, aud Auditor, notifier Notifier, policy MaintenancePolicy) *Service {
	return &Service{
		repo:     repo,
		trail:    trail,
		sessions: sessions,
		bus:      bus,
		auditSvc: aud,
		notifier: notifier,
		policy:   policy,
	}
}

type RegisterInput struct {
	Code            string   `json:"code"`
	Name            string   `json:"name"`
	Location        string   `json:"location"`
	PricePerMin     *int64   `json:"price_per_min"`
	FirmwareVersion string   `json:"firmware_version"`
	Tags            []string `json:"tags"`
}

// Register creates a machine record. New units start offline until their
// first heartbeat proves them reachable.
func (s *Service) Register(ctx context.Context, in RegisterInput, actor *uuid.UUID) (*data.Machine, error) {
	// 1. Validation
	if !codePattern.MatchString(in.Code) {
		return nil, ErrInvalidCode
	}
	if in.Name == "" || len(in.Name) > 120 {
		return nil, ErrNameRequired
	}
	if in.PricePerMin != nil && *in.PricePerMin <= 0 {
		return nil, fmt.Errorf("price override must be positive")
	}

	mc := &data.Machine{
		Code:            in.Code,
		Name:            in.Name,
		Location:        in.Location,
		Status:          data.StatusOffline,
		PricePerMin:     in.PricePerMin,
		FirmwareVersion: in.FirmwareVersion,
		IsEnabled:       true,
		Tags:            in.Tags,
	}

	// 2. Create
	if err := s.repo.Create(ctx, mc); err != nil {
		return nil, err
	}

	// 3. Audit
	s.writeAudit(ctx, actor, audit.ActorUser, "machine.create", mc.ID.String(), audit.ResultSuccess, "",
		map[string]any{"code": mc.Code, "name": mc.Name})

	return mc, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*data.Machine, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByCode(ctx context.Context, code string) (*data.Machine, error) {
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) List(ctx context.Context, f data.MachineFilter) ([]*data.Machine, error) {
	return s.repo.List(ctx, f)
}

func (s *Service) StatusHistory(ctx context.Context, id uuid.UUID, limit, offset int) ([]*data.StatusEvent, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.trail.ListByMachine(ctx, id, limit, offset)
}

type UpdateInput struct {
	Name        *string  `json:"name"`
	Location    *string  `json:"location"`
	PricePerMin *int64   `json:"price_per_min"`
	IsEnabled   *bool    `json:"is_enabled"`
	Tags        []string `json:"tags"`
}

// Update edits operator-facing fields. A nil field keeps its current value; a
// price override of 0 clears the override back to the default tariff.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput, actor *uuid.UUID) (*data.Machine, error) {
	mc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		if *in.Name == "" || len(*in.Name) > 120 {
			return nil, ErrNameRequired
		}
		mc.Name = *in.Name
	}
	if in.Location != nil {
		mc.Location = *in.Location
	}
	if in.PricePerMin != nil {
		if *in.PricePerMin < 0 {
			return nil, fmt.Errorf("price override must not be negative")
		}
		if *in.PricePerMin == 0 {
			mc.PricePerMin = nil
		} else {
			mc.PricePerMin = in.PricePerMin
		}
	}
	if in.IsEnabled != nil {
		mc.IsEnabled = *in.IsEnabled
	}
	if in.Tags != nil {
		mc.Tags = in.Tags
	}

	if err := s.repo.Update(ctx, mc); err != nil {
		return nil, err
	}

	s.writeAudit(ctx, actor, audit.ActorUser, "machine.update", mc.ID.String(), audit.ResultSuccess, "",
		map[string]any{"code": mc.Code})

	return mc, nil
}

// Decommission retires a machine. Refused while a session is open on it.
func (s *Service) Decommission(ctx context.Context, id uuid.UUID, actor *uuid.UUID) error {
	if _, err := s.sessions.GetOpenByMachine(ctx, id); err == nil {
		return ErrMachineBusy
	} else if !errors.Is(err, data.ErrRecordNotFound) {
		return err
	}

	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}

	s.writeAudit(ctx, actor, audit.ActorUser, "machine.delete", id.String(), audit.ResultSuccess, "", nil)
	return nil
}

// Transition moves a machine along a legal edge of the status matrix. The
// update is guarded on the expected current status, so two writers racing the
// same machine cannot both win. The matrix has no self edges: a request for
// the status the machine already holds is refused, which keeps a reservation
// attempt against an already-taken machine from reading as success.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, to data.MachineStatus, reason, source string, actor *uuid.UUID) (*data.Machine, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}

	mc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	from := mc.Status
	if !CanTransition(from, to) {
		if from == data.StatusInUse && to == data.StatusMaintenance {
			return nil, ErrMachineBusy
		}
		s.writeAudit(ctx, actor, actorTypeFor(source), "machine.status.update", id.String(),
			audit.ResultDenied, "illegal_transition", map[string]any{"from": from, "to": to})
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	ok, err := s.repo.UpdateStatus(ctx, id, from, to, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStatusConflict
	}

	mc.Status = to
	mc.StatusReason = reason
	mc.LastStatusAt = time.Now().UTC()

	// History is advisory: a failed insert must not undo the transition.
	if err := s.trail.Insert(ctx, &data.StatusEvent{
		MachineID:  id,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		Source:     source,
	}); err != nil {
		log.Printf("machines: status trail insert failed for %s: %v", id, err)
	}

	if s.bus != nil {
		s.bus.MachineStatusChanged(ctx, mc, from, reason, source)
	}

	s.writeAudit(ctx, actor, actorTypeFor(source), "machine.status.update", id.String(),
		audit.ResultSuccess, "", map[string]any{"from": from, "to": to, "source": source, "reason": reason})

	return mc, nil
}

// MarkHeartbeat records device liveness and brings an offline machine back.
func (s *Service) MarkHeartbeat(ctx context.Context, id uuid.UUID, at time.Time, firmware string) error {
	mc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.MarkSeen(ctx, id, at, firmware); err != nil {
		return err
	}

	if mc.Status == data.StatusOffline {
		if _, err := s.Transition(ctx, id, data.StatusOnline, "heartbeat resumed", SourceDevice, nil); err != nil {
			// A concurrent transition is fine, the machine is alive either way.
			if !errors.Is(err, ErrStatusConflict) && !errors.Is(err, ErrIllegalTransition) {
				return err
			}
		}
	}
	return nil
}

// StartMaintenance takes a machine out of rotation for service work.
func (s *Service) StartMaintenance(ctx context.Context, id uuid.UUID, reason string, actor *uuid.UUID) (*data.Machine, error) {
	if reason == "" {
		reason = "scheduled service"
	}
	return s.Transition(ctx, id, data.StatusMaintenance, reason, SourceAPI, actor)
}

// CompleteMaintenance returns a serviced machine to rotation and clears its
// wear counters.
func (s *Service) CompleteMaintenance(ctx context.Context, id uuid.UUID, actor *uuid.UUID) (*data.Machine, error) {
	mc, err := s.Transition(ctx, id, data.StatusOnline, "maintenance completed", SourceAPI, actor)
	if err != nil {
		return nil, err
	}
	if err := s.repo.ResetServiceCounters(ctx, id); err != nil {
		return nil, err
	}
	mc.UsageMinsSinceSvc = 0
	mc.SessionsSinceSvc = 0
	mc.NeedsService = false
	return mc, nil
}

// RecordUsage accumulates sold minutes onto the machine after a session ends
// and raises the service flag when a wear threshold is crossed.
func (s *Service) RecordUsage(ctx context.Context, id uuid.UUID, mins int64) error {
	before, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.RecordUsage(ctx, id, mins, s.policy.UsageLimitMins, s.policy.SessionLimit); err != nil {
		return err
	}

	if before.NeedsService {
		return nil
	}

	after, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if after.NeedsService && s.notifier != nil {
		s.notifier.MachineNeedsService(ctx, after)
	}
	return nil
}

// FleetCounts returns machine totals per status for dashboards and gauges.
func (s *Service) FleetCounts(ctx context.Context) (map[data.MachineStatus]int, error) {
	return s.repo.CountByStatus(ctx)
}

// ListStale lists enabled online or in_use machines without a heartbeat since
// the cutoff.
func (s *Service) ListStale(ctx context.Context, cutoff time.Time) ([]*data.Machine, error) {
	return s.repo.ListStale(ctx, cutoff)
}

// ListNeedingService lists idle machines past their wear thresholds.
func (s *Service) ListNeedingService(ctx context.Context) ([]*data.Machine, error) {
	return s.repo.ListNeedingService(ctx)
}

// Policy exposes the active maintenance thresholds.
func (s *Service) Policy() MaintenancePolicy {
	return s.policy
}

func actorTypeFor(source string) string {
	switch source {
	case SourceDevice:
		return audit.ActorDevice
	case SourceAPI:
		return audit.ActorUser
	default:
		return audit.ActorSystem
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
		TargetType:  "machine",
		TargetID:    targetID,
		Result:      result,
		ReasonCode:  reason,
		Metadata:    toMeta(meta),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.auditSvc.WriteEvent(ctx, evt); err != nil {
		log.Printf("machines: audit write failed for %s: %v", action, err)
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
