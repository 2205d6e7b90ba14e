package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/metrics"
	"github.com/Benites031407/UpCarSistema-sub002/internal/rental"
)

const (
	webhookKidHeader = "X-Webhook-Kid"
	webhookSigHeader = "X-Webhook-Signature"

	// Gateways retry failed deliveries for minutes, not hours.
	webhookReplayTTL  = 15 * time.Minute
	webhookReplayKeys = 4096
	webhookMaxBody    = 64 << 10
)

// KeyProvider resolves a webhook signing secret by its rotation id. The
// gateway names the key it signed with in X-Webhook-Kid, so old keys stay
// valid during a rotation window.
type KeyProvider interface {
	GetKey(kid string) ([]byte, error)
}

// MapKeyProvider serves keys from a static map loaded at boot.
type MapKeyProvider struct {
	Keys map[string][]byte
}

func (p *MapKeyProvider) GetKey(kid string) ([]byte, error) {
	key, ok := p.Keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid: %s", kid)
	}
	return key, nil
}

// SignWebhook computes the hex HMAC-SHA256 the gateway sends in
// X-Webhook-Signature. Exported for the device simulator and tests.
func SignWebhook(body, key []byte) string {
	h := hmac.New(sha256.New, key)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// PaymentApplier is the slice of the rental service the webhook drives.
type PaymentApplier interface {
	ConfirmPayment(ctx context.Context, providerRef string, amountCentavos int64, paidAt time.Time) (*data.Session, error)
	RejectPayment(ctx context.Context, providerRef, reason string) (*data.Session, error)
}

type WebhookHandler struct {
	Applier PaymentApplier
	Keys    KeyProvider

	// seen absorbs gateway redeliveries after a 2xx was already returned.
	// Entries are added only once a delivery lands, so a retry after a 5xx
	// gets a fresh attempt.
	seen *lru.Cache[string, time.Time]
}

func NewWebhookHandler(applier PaymentApplier, keys KeyProvider) *WebhookHandler {
	cache, _ := lru.New[string, time.Time](webhookReplayKeys)
	return &WebhookHandler{Applier: applier, Keys: keys, seen: cache}
}

// webhookPayload is the gateway's charge notification. provider_ref carries
// the payment_ref we issued at checkout.
type webhookPayload struct {
	ProviderRef    string    `json:"provider_ref"`
	Status         string    `json:"status"`
	AmountCentavos int64     `json:"amount_centavos"`
	PaidAt         time.Time `json:"paid_at"`
}

// Receive handles POST /api/v1/payments/webhook.
//
// The signature covers the raw body, so the body must be read before any
// JSON decoding. Anything that reaches the apply step answers 2xx for
// outcomes the gateway must not retry and 4xx/5xx for the rest.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBody))
	if err != nil {
		metrics.RecordWebhook("read_error")
		respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !h.verify(r, body) {
		metrics.RecordWebhook("bad_signature")
		respondError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.ProviderRef == "" || payload.Status == "" {
		metrics.RecordWebhook("malformed")
		respondError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	dedupKey := payload.ProviderRef + "|" + payload.Status
	if addedAt, ok := h.seen.Get(dedupKey); ok && time.Since(addedAt) < webhookReplayTTL {
		metrics.RecordWebhook("replay")
		respondJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	switch payload.Status {
	case "approved":
		h.applyApproval(w, r, payload, dedupKey)
	case "rejected", "cancelled", "expired":
		h.applyRejection(w, r, payload, dedupKey)
	default:
		// Unknown event types are acknowledged so the gateway stops
		// retrying them.
		metrics.RecordWebhook("unhandled")
		respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	}
}

func (h *WebhookHandler) applyApproval(w http.ResponseWriter, r *http.Request, payload webhookPayload, dedupKey string) {
	paidAt := payload.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}

	sess, err := h.Applier.ConfirmPayment(r.Context(), payload.ProviderRef, payload.AmountCentavos, paidAt)
	switch {
	case err == nil:
		h.seen.Add(dedupKey, time.Now())
		metrics.RecordWebhook("applied")
		respondJSON(w, http.StatusOK, map[string]any{"status": "applied", "session_id": sess.ID})
	case errors.Is(err, rental.ErrLatePayment):
		// Money arrived after the checkout died. The rental service already
		// recorded the payment and raised the anomaly; a 2xx keeps the
		// gateway from redelivering.
		h.seen.Add(dedupKey, time.Now())
		metrics.RecordWebhook("late")
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, rental.ErrAmountMismatch):
		metrics.RecordWebhook("amount_mismatch")
		respondError(w, http.StatusConflict, "amount does not match checkout")
	case errors.Is(err, data.ErrRecordNotFound):
		metrics.RecordWebhook("unknown_ref")
		respondError(w, http.StatusNotFound, "unknown provider_ref")
	default:
		metrics.RecordWebhook("error")
		log.Printf("api: webhook apply %s: %v", payload.ProviderRef, err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *WebhookHandler) applyRejection(w http.ResponseWriter, r *http.Request, payload webhookPayload, dedupKey string) {
	_, err := h.Applier.RejectPayment(r.Context(), payload.ProviderRef, "payment "+payload.Status)
	switch {
	case err == nil:
		h.seen.Add(dedupKey, time.Now())
		metrics.RecordWebhook("rejected")
		respondJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	case errors.Is(err, data.ErrRecordNotFound):
		metrics.RecordWebhook("unknown_ref")
		respondError(w, http.StatusNotFound, "unknown provider_ref")
	default:
		metrics.RecordWebhook("error")
		log.Printf("api: webhook reject %s: %v", payload.ProviderRef, err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *WebhookHandler) verify(r *http.Request, body []byte) bool {
	kid := r.Header.Get(webhookKidHeader)
	sigHex := r.Header.Get(webhookSigHeader)
	if kid == "" || sigHex == "" {
		return false
	}
	key, err := h.Keys.GetKey(kid)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(sigHex), []byte(SignWebhook(body, key)))
}
