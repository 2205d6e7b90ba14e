package api_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benites031407/UpCarSistema-sub002/internal/api"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/rental"
)

type applierStub struct {
	confirmCalls int
	rejectCalls  int
	lastRef      string
	lastAmount   int64
	lastReason   string
	confirmErr   error
	rejectErr    error
}

func (a *applierStub) ConfirmPayment(_ context.Context, ref string, amount int64, _ time.Time) (*data.Session, error) {
	a.confirmCalls++
	a.lastRef = ref
	a.lastAmount = amount
	if a.confirmErr != nil {
		return nil, a.confirmErr
	}
	return &data.Session{ID: uuid.New(), Status: data.SessionActive, PaymentRef: ref}, nil
}

func (a *applierStub) RejectPayment(_ context.Context, ref, reason string) (*data.Session, error) {
	a.rejectCalls++
	a.lastRef = ref
	a.lastReason = reason
	if a.rejectErr != nil {
		return nil, a.rejectErr
	}
	return &data.Session{ID: uuid.New(), Status: data.SessionCanceled, PaymentRef: ref}, nil
}

var testWebhookKeys = &api.MapKeyProvider{Keys: map[string][]byte{
	"v1": []byte("webhook-test-key-one"),
	"v2": []byte("webhook-test-key-two"),
}}

func postWebhook(t *testing.T, h *api.WebhookHandler, body, kid, sig string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader([]byte(body)))
	if kid != "" {
		req.Header.Set("X-Webhook-Kid", kid)
	}
	if sig != "" {
		req.Header.Set("X-Webhook-Signature", sig)
	}
	rec := httptest.NewRecorder()
	h.Receive(rec, req)
	return rec
}

func signedWebhook(t *testing.T, h *api.WebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	sig := api.SignWebhook([]byte(body), testWebhookKeys.Keys["v1"])
	return postWebhook(t, h, body, "v1", sig)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	applier := &applierStub{}
	h := api.NewWebhookHandler(applier, testWebhookKeys)
	body := `{"provider_ref":"upc_abc","status":"approved","amount_centavos":1500}`

	cases := map[string]struct {
		kid, sig string
	}{
		"missing headers": {"", ""},
		"unknown kid":     {"v9", api.SignWebhook([]byte(body), testWebhookKeys.Keys["v1"])},
		"wrong key":       {"v1", api.SignWebhook([]byte(body), testWebhookKeys.Keys["v2"])},
		"garbage sig":     {"v1", "deadbeef"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := postWebhook(t, h, body, tc.kid, tc.sig)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
	assert.Zero(t, applier.confirmCalls, "unsigned deliveries must never reach the service")
}

func TestWebhookAcceptsRotatedKey(t *testing.T) {
	applier := &applierStub{}
	h := api.NewWebhookHandler(applier, testWebhookKeys)
	body := `{"provider_ref":"upc_rot","status":"approved","amount_centavos":900}`

	rec := postWebhook(t, h, body, "v2", api.SignWebhook([]byte(body), testWebhookKeys.Keys["v2"]))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, applier.confirmCalls)
}

func TestWebhookAppliesApproval(t *testing.T) {
	applier := &applierStub{}
	h := api.NewWebhookHandler(applier, testWebhookKeys)

	rec := signedWebhook(t, h, `{"provider_ref":"upc_abc","status":"approved","amount_centavos":1500}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, applier.confirmCalls)
	assert.Equal(t, "upc_abc", applier.lastRef)
	assert.Equal(t, int64(1500), applier.lastAmount)
	assert.Contains(t, rec.Body.String(), `"applied"`)
	assert.Contains(t, rec.Body.String(), "session_id")
}

func TestWebhookReplayAbsorbed(t *testing.T) {
	applier := &applierStub{}
	h := api.NewWebhookHandler(applier, testWebhookKeys)
	body := `{"provider_ref":"upc_rep","status":"approved","amount_centavos":1500}`

	first := signedWebhook(t, h, body)
	require.Equal(t, http.StatusOK, first.Code)

	second := signedWebhook(t, h, body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), `"duplicate"`)

	assert.Equal(t, 1, applier.confirmCalls, "redelivery must not hit the service again")
}

func TestWebhookRetriesAfterServerError(t *testing.T) {
	applier := &applierStub{confirmErr: errors.New("db down")}
	h := api.NewWebhookHandler(applier, testWebhookKeys)
	body := `{"provider_ref":"upc_retry","status":"approved","amount_centavos":1500}`

	rec := signedWebhook(t, h, body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// A failed delivery must stay retryable.
	applier.confirmErr = nil
	rec = signedWebhook(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, applier.confirmCalls)
}

func TestWebhookAmountMismatch(t *testing.T) {
	applier := &applierStub{confirmErr: fmt.Errorf("%w: charge 100, session 1500", rental.ErrAmountMismatch)}
	h := api.NewWebhookHandler(applier, testWebhookKeys)

	rec := signedWebhook(t, h, `{"provider_ref":"upc_bad","status":"approved","amount_centavos":100}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWebhookLateApprovalAcked(t *testing.T) {
	applier := &applierStub{confirmErr: rental.ErrLatePayment}
	h := api.NewWebhookHandler(applier, testWebhookKeys)

	// 2xx so the gateway stops redelivering a payment we already flagged.
	rec := signedWebhook(t, h, `{"provider_ref":"upc_late","status":"approved","amount_centavos":1500}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ignored"`)
}

func TestWebhookUnknownRef(t *testing.T) {
	applier := &applierStub{confirmErr: data.ErrRecordNotFound}
	h := api.NewWebhookHandler(applier, testWebhookKeys)

	rec := signedWebhook(t, h, `{"provider_ref":"upc_nope","status":"approved","amount_centavos":1500}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookRejectionApplied(t *testing.T) {
	applier := &applierStub{}
	h := api.NewWebhookHandler(applier, testWebhookKeys)

	rec := signedWebhook(t, h, `{"provider_ref":"upc_rej","status":"rejected"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, applier.rejectCalls)
	assert.Zero(t, applier.confirmCalls)
	assert.Equal(t, "payment rejected", applier.lastReason)
}

func TestWebhookUnknownStatusAcked(t *testing.T) {
	applier := &applierStub{}
	h := api.NewWebhookHandler(applier, testWebhookKeys)

	rec := signedWebhook(t, h, `{"provider_ref":"upc_x","status":"chargeback_opened"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"acknowledged"`)
	assert.Zero(t, applier.confirmCalls)
	assert.Zero(t, applier.rejectCalls)
}

func TestWebhookMalformedPayload(t *testing.T) {
	applier := &applierStub{}
	h := api.NewWebhookHandler(applier, testWebhookKeys)

	for name, body := range map[string]string{
		"not json":    `{{{`,
		"missing ref": `{"status":"approved"}`,
		"no status":   `{"provider_ref":"upc_abc"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := signedWebhook(t, h, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Zero(t, applier.confirmCalls)
}
