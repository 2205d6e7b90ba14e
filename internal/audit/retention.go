package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// MinRetentionDays is the floor below which purging is refused. The trail
// backs dispute handling with customers, which runs on a monthly cycle.
const MinRetentionDays = 30

func CheckRetentionPolicy(requestedDays int) error {
	if requestedDays < MinRetentionDays {
		return fmt.Errorf("retention must be at least %d days (requested: %d)", MinRetentionDays, requestedDays)
	}
	return nil
}

// Purger deletes audit rows past the retention horizon on a cron schedule.
type Purger struct {
	svc           *Service
	retentionDays int
	schedule      string
	cron          *cron.Cron
}

func NewPurger(svc *Service, retentionDays int, schedule string) (*Purger, error) {
	if err := CheckRetentionPolicy(retentionDays); err != nil {
		return nil, err
	}
	return &Purger{
		svc:           svc,
		retentionDays: retentionDays,
		schedule:      schedule,
	}, nil
}

func (p *Purger) Start() error {
	p.cron = cron.New()
	_, err := p.cron.AddFunc(p.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := p.PurgeExpired(ctx); err != nil {
			log.Printf("audit: retention purge failed: %v", err)
		} else if n > 0 {
			log.Printf("audit: retention purge removed %d events", n)
		}
	})
	if err != nil {
		return fmt.Errorf("audit: bad purge schedule %q: %w", p.schedule, err)
	}
	p.cron.Start()
	return nil
}

func (p *Purger) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// PurgeExpired removes rows older than the retention window.
func (p *Purger) PurgeExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -p.retentionDays)
	res, err := p.svc.DB.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
