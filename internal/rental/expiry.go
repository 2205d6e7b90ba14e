package rental

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Benites031407/UpCarSistema-sub002/internal/audit"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/machines"
)

// ExpirePendingSweep voids every checkout older than the payment window and
// releases the machines those checkouts were holding.
func (s *Service) ExpirePendingSweep(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-ttl)

	expired, err := s.sessions.ExpirePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	for _, sess := range expired {
		if _, err := s.payments.UpdateStatusBySession(ctx, sess.ID, data.PaymentPending, data.PaymentExpired); err != nil {
			log.Printf("rental: payment expire mark for session %s: %v", sess.ID, err)
		}
		s.releaseMachine(ctx, sess.MachineID, "checkout expired")
		s.publish(ctx, sess, data.SessionPendingPayment)
		s.writeAudit(ctx, nil, audit.ActorSystem, "session.expire", sess.ID.String(), audit.ResultSuccess,
			"payment window elapsed", nil)
	}

	return len(expired), nil
}

// ResumeTimers rebuilds the in-memory stop timers from the database after a
// restart. Sessions whose paid window ran out while the server was down are
// closed immediately.
func (s *Service) ResumeTimers(ctx context.Context) (resumed, closed int, err error) {
	active, err := s.sessions.ListActive(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := s.clock.Now().UTC()
	for _, sess := range active {
		if sess.EndsAt == nil {
			log.Printf("rental: active session %s has no deadline, closing", sess.ID)
			if _, err := s.Stop(ctx, sess.ID, "missing deadline after restart", machines.SourceSystem, nil); err != nil {
				log.Printf("rental: close of deadline-less session %s: %v", sess.ID, err)
			}
			closed++
			continue
		}

		if !sess.EndsAt.After(now) {
			if _, err := s.Stop(ctx, sess.ID, "paid time elapsed", machines.SourceSystem, nil); err != nil &&
				!errors.Is(err, ErrSessionNotActive) && !errors.Is(err, ErrSessionClosed) {
				log.Printf("rental: overdue session %s close: %v", sess.ID, err)
			}
			closed++
			continue
		}

		s.timers.Schedule(sess.ID, *sess.EndsAt, s.onTimerElapsed)
		resumed++
	}

	if resumed > 0 || closed > 0 {
		log.Printf("rental: timer recovery resumed=%d closed=%d", resumed, closed)
	}
	return resumed, closed, nil
}

// ExpiryWorker drives the checkout-expiry sweep on a cron schedule.
type ExpiryWorker struct {
	svc      *Service
	ttl      func() time.Duration
	schedule string
	cron     *cron.Cron
}

// NewExpiryWorker builds the sweep worker. ttl is read per run so a tariff
// reload changing the payment window takes effect without a restart.
func NewExpiryWorker(svc *Service, schedule string, ttl func() time.Duration) *ExpiryWorker {
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &ExpiryWorker{svc: svc, ttl: ttl, schedule: schedule}
}

func (w *ExpiryWorker) Start() error {
	w.cron = cron.New()
	_, err := w.cron.AddFunc(w.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := w.svc.ExpirePendingSweep(ctx, w.ttl()); err != nil {
			log.Printf("rental: expiry sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("rental: expiry sweep voided %d checkouts", n)
		}
	})
	if err != nil {
		return fmt.Errorf("rental: bad expiry schedule %q: %w", w.schedule, err)
	}
	w.cron.Start()
	return nil
}

func (w *ExpiryWorker) Stop() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
}
