package tariff

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/Benites031407/UpCarSistema-sub002/internal/audit"
	"github.com/Benites031407/UpCarSistema-sub002/internal/config"
)

var (
	ErrDurationOutOfRange = errors.New("duration outside allowed bounds")
)

// Snapshot is one immutable pricing table. Readers get a copy, so a reload
// mid-request can never produce a half-old half-new quote.
type Snapshot struct {
	RatePerMin      int64
	MinDurationMins int
	MaxDurationMins int
	PaymentTTL      time.Duration
	Currency        string
	LoadedAt        time.Time
}

// Quote is the priced offer for one session request.
type Quote struct {
	DurationMins   int           `json:"duration_mins"`
	RatePerMin     int64         `json:"rate_per_min"`
	AmountCentavos int64         `json:"amount_centavos"`
	Currency       string        `json:"currency"`
	PaymentTTL     time.Duration `json:"-"`
}

type Auditor interface {
	WriteEvent(ctx context.Context, evt audit.Event) error
}

// Manager holds the current pricing snapshot and reloads it from the config
// file when the file changes, so price updates do not need a deploy.
type Manager struct {
	mu       sync.RWMutex
	path     string
	current  Snapshot
	lastMod  time.Time
	auditSvc Auditor
}

func NewManager(path string, initial config.Tariff, aud Auditor) *Manager {
	m := &Manager{
		path:     path,
		auditSvc: aud,
		current:  snapshotFrom(initial),
	}
	if path != "" {
		if err := m.Reload(); err != nil {
			log.Printf("tariff: initial load from %s failed, using configured values: %v", path, err)
		}
	}
	return m
}

func snapshotFrom(t config.Tariff) Snapshot {
	return Snapshot{
		RatePerMin:      t.RateCentavosPerMin,
		MinDurationMins: t.MinDurationMins,
		MaxDurationMins: t.MaxDurationMins,
		PaymentTTL:      time.Duration(t.PaymentTTLMins) * time.Minute,
		Currency:        t.Currency,
		LoadedAt:        time.Now().UTC(),
	}
}

// Current returns the active pricing snapshot.
func (m *Manager) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// RateFor resolves the per-minute rate, honoring a machine-level override.
func (m *Manager) RateFor(override *int64) int64 {
	if override != nil && *override > 0 {
		return *override
	}
	return m.Current().RatePerMin
}

// QuoteFor prices a session request. Cost is strictly linear in minutes.
func (m *Manager) QuoteFor(durationMins int, override *int64) (*Quote, error) {
	snap := m.Current()
	if durationMins < snap.MinDurationMins || durationMins > snap.MaxDurationMins {
		return nil, fmt.Errorf("%w: %d mins not in [%d, %d]",
			ErrDurationOutOfRange, durationMins, snap.MinDurationMins, snap.MaxDurationMins)
	}

	rate := snap.RatePerMin
	if override != nil && *override > 0 {
		rate = *override
	}

	return &Quote{
		DurationMins:   durationMins,
		RatePerMin:     rate,
		AmountCentavos: rate * int64(durationMins),
		Currency:       snap.Currency,
		PaymentTTL:     snap.PaymentTTL,
	}, nil
}

// Reload re-reads the config file, verifies it and swaps the snapshot
// atomically. A broken file keeps the last known good table.
func (m *Manager) Reload() error {
	info, err := os.Stat(m.path)
	if err != nil {
		return fmt.Errorf("tariff: stat %s: %w", m.path, err)
	}

	cfg, err := config.Load(m.path)
	if err != nil {
		m.recordReload(audit.ResultFailure, err.Error())
		return fmt.Errorf("tariff: reload: %w", err)
	}

	m.mu.Lock()
	m.current = snapshotFrom(cfg.Tariff)
	m.lastMod = info.ModTime()
	m.mu.Unlock()

	m.recordReload(audit.ResultSuccess, "")
	log.Printf("tariff: reloaded, rate=%d centavos/min bounds=[%d, %d] mins",
		cfg.Tariff.RateCentavosPerMin, cfg.Tariff.MinDurationMins, cfg.Tariff.MaxDurationMins)
	return nil
}

// ReloadIfChanged reloads only when the file mtime moved, so the polling
// safety net does not spam the audit trail every tick.
func (m *Manager) ReloadIfChanged() {
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}

	m.mu.RLock()
	seen := m.lastMod
	m.mu.RUnlock()

	if info.ModTime().Equal(seen) {
		return
	}
	if err := m.Reload(); err != nil {
		log.Printf("tariff: poll reload failed: %v", err)
	}
}

func (m *Manager) recordReload(result, reason string) {
	if m.auditSvc == nil {
		return
	}
	evt := audit.SystemEvent("tariff.reload", "tariff", m.path, result)
	evt.ReasonCode = reason
	go m.auditSvc.WriteEvent(context.Background(), evt)
}
