package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/metrics"
)

const (
	dispatchBatch = 50
	maxAttempts   = 5
)

// Sender delivers one message over one channel. The WhatsApp and email
// transports hang off this seam; the default just writes the process log.
type Sender interface {
	Send(ctx context.Context, n *data.Notification) error
}

// LogSender is the no-transport delivery used until a gateway is wired in.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, n *data.Notification) error {
	log.Printf("notify: [%s->%s] %s: %s", n.Channel, n.Recipient, n.Kind, n.Body)
	return nil
}

// Dispatcher drains the outbox on a fixed interval. Failed sends stay queued
// and retry until maxAttempts.
type Dispatcher struct {
	outbox   Outbox
	sender   Sender
	interval time.Duration

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewDispatcher(outbox Outbox, sender Sender, interval time.Duration) *Dispatcher {
	if sender == nil {
		sender = LogSender{}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		outbox:   outbox,
		sender:   sender,
		interval: interval,
		quit:     make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

func (d *Dispatcher) Stop() {
	close(d.quit)
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.interval)
			if n := d.Flush(ctx); n > 0 {
				log.Printf("notify: dispatched %d messages", n)
			}
			cancel()
		case <-d.quit:
			return
		}
	}
}

// Flush delivers one batch. Returns how many messages were sent.
func (d *Dispatcher) Flush(ctx context.Context) int {
	pending, err := d.outbox.ListPending(ctx, dispatchBatch, maxAttempts)
	if err != nil {
		log.Printf("notify: list pending: %v", err)
		return 0
	}

	sent := 0
	for _, n := range pending {
		if err := d.sender.Send(ctx, n); err != nil {
			log.Printf("notify: send %s to %s: %v", n.Kind, n.Recipient, err)
			if err := d.outbox.MarkFailed(ctx, n.ID, err.Error()); err != nil {
				log.Printf("notify: mark failed %s: %v", n.ID, err)
			}
			metrics.NotificationsTotal.WithLabelValues(n.Channel, "error").Inc()
			continue
		}
		if err := d.outbox.MarkSent(ctx, n.ID, time.Now().UTC()); err != nil {
			log.Printf("notify: mark sent %s: %v", n.ID, err)
		}
		metrics.NotificationsTotal.WithLabelValues(n.Channel, "ok").Inc()
		sent++
	}
	return sent
}
