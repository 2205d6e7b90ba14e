package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/config"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

// Notification kinds.
const (
	KindSessionReceipt     = "session_receipt"
	KindSessionInterrupted = "session_interrupted"
	KindSessionUnconfirmed = "session_unconfirmed"
	KindPaymentAnomaly     = "payment_anomaly"
	KindMachineOffline     = "machine_offline"
	KindMachineService     = "machine_needs_service"
	KindPasswordReset      = "password_reset"
)

// Delivery channels.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
)

// Outbox is the persistence the queue writes through.
type Outbox interface {
	Insert(ctx context.Context, n *data.Notification) error
	ListPending(ctx context.Context, limit, maxAttempts int) ([]*data.Notification, error)
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, cause string) error
}

// Service queues customer and operator messages into the outbox. Delivery is
// the Dispatcher's job, so a slow channel can never stall a session flow.
type Service struct {
	outbox Outbox
	cfg    config.Notify
}

func NewService(outbox Outbox, cfg config.Notify) *Service {
	return &Service{outbox: outbox, cfg: cfg}
}

// SessionReceipt tells the customer their run finished and what it cost.
func (s *Service) SessionReceipt(ctx context.Context, sess *data.Session, machineCode string) {
	if sess.CustomerPhone == "" {
		return
	}
	s.queue(ctx, KindSessionReceipt, ChannelWhatsApp, sess.CustomerPhone, "",
		fmt.Sprintf("Your session on %s is complete. Total: %s. Thank you!",
			machineCode, FormatCentavos(sess.AmountCentavos, sess.Currency)))
}

// SessionInterrupted tells the customer their run died early and warns the
// operator.
func (s *Service) SessionInterrupted(ctx context.Context, sess *data.Session, machineCode string) {
	if sess.CustomerPhone != "" {
		s.queue(ctx, KindSessionInterrupted, ChannelWhatsApp, sess.CustomerPhone, "",
			fmt.Sprintf("Your session on %s was interrupted (%s). Contact support for a refund.",
				machineCode, sess.EndReason))
	}
	s.toAdmin(ctx, KindSessionInterrupted, "Session interrupted",
		fmt.Sprintf("session %s on machine %s: %s", sess.ID, machineCode, sess.EndReason))
}

// PaymentAnomaly flags charges that need manual review.
func (s *Service) PaymentAnomaly(ctx context.Context, sess *data.Session, kind, detail string) {
	s.toAdmin(ctx, KindPaymentAnomaly, "Payment anomaly: "+kind,
		fmt.Sprintf("session %s (ref %s): %s", sess.ID, sess.PaymentRef, detail))
}

// SessionUnconfirmed warns the operator a paid session is running without a
// device ack.
func (s *Service) SessionUnconfirmed(ctx context.Context, sess *data.Session, machineCode string) {
	s.toAdmin(ctx, KindSessionUnconfirmed, "Device did not confirm start",
		fmt.Sprintf("session %s on machine %s never acked the start command", sess.ID, machineCode))
}

// MachineOffline warns the operator a machine dropped off the broker.
func (s *Service) MachineOffline(ctx context.Context, m *data.Machine) {
	s.toAdmin(ctx, KindMachineOffline, "Machine offline",
		fmt.Sprintf("machine %s (%s) stopped sending heartbeats", m.Code, m.Name))
}

// MachineNeedsService warns the operator a machine crossed its wear
// thresholds.
func (s *Service) MachineNeedsService(ctx context.Context, m *data.Machine) {
	s.toAdmin(ctx, KindMachineService, "Machine needs service",
		fmt.Sprintf("machine %s (%s) reached %d usage minutes / %d sessions since last service",
			m.Code, m.Name, m.UsageMinsSinceSvc, m.SessionsSinceSvc))
}

// PasswordReset carries the reset link to the account email.
func (s *Service) PasswordReset(ctx context.Context, email, token string) {
	s.queue(ctx, KindPasswordReset, ChannelEmail, email, "Password reset",
		fmt.Sprintf("Use this code to reset your password: %s. It expires in 30 minutes.", token))
}

func (s *Service) toAdmin(ctx context.Context, kind, subject, body string) {
	if s.cfg.AdminPhone != "" {
		s.queue(ctx, kind, ChannelWhatsApp, s.cfg.AdminPhone, subject, body)
	}
	if s.cfg.AdminEmail != "" {
		s.queue(ctx, kind, ChannelEmail, s.cfg.AdminEmail, subject, body)
	}
	if s.cfg.AdminPhone == "" && s.cfg.AdminEmail == "" {
		log.Printf("notify: no admin recipient configured, dropping %s: %s", kind, body)
	}
}

func (s *Service) queue(ctx context.Context, kind, channel, recipient, subject, body string) {
	if !s.cfg.Enabled {
		return
	}
	n := &data.Notification{
		Kind:      kind,
		Channel:   channel,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Status:    data.NotificationQueued,
	}
	if err := s.outbox.Insert(ctx, n); err != nil {
		log.Printf("notify: queue %s to %s: %v", kind, recipient, err)
	}
}

// FormatCentavos renders an integer amount for customer messages, using the
// Brazilian decimal comma for BRL.
func FormatCentavos(amount int64, currency string) string {
	whole := amount / 100
	frac := amount % 100
	if frac < 0 {
		frac = -frac
	}
	if currency == "BRL" {
		return fmt.Sprintf("R$ %d,%02d", whole, frac)
	}
	return fmt.Sprintf("%d.%02d %s", whole, frac, currency)
}
