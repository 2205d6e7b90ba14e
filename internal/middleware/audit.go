package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/audit"
)

type AuditMiddleware struct {
	service *audit.Service
}

func NewAuditMiddleware(s *audit.Service) *AuditMiddleware {
	return &AuditMiddleware{service: s}
}

// LogRequest writes an audit row for every mutating request and every auth
// endpoint hit. Reads are left to the access log.
func (m *AuditMiddleware) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		isMutating := r.Method == http.MethodPost || r.Method == http.MethodPut ||
			r.Method == http.MethodPatch || r.Method == http.MethodDelete
		isAuth := strings.HasPrefix(r.URL.Path, "/api/v1/auth/")
		if !isMutating && !isAuth {
			return
		}

		evt := audit.Event{
			EventID:    uuid.New(),
			ActorType:  audit.ActorUser,
			Action:     truncate("http."+strings.ToLower(r.Method), 100),
			TargetType: "http_route",
			TargetID:   truncate(r.URL.Path, 100),
			Result:     audit.ResultSuccess,
			RequestID:  truncate(RequestID(r.Context()), 100),
			ClientIP:   truncate(ClientIP(r), 50),
			UserAgent:  truncate(r.UserAgent(), 255),
			CreatedAt:  time.Now().UTC(),
		}

		evt.Metadata = json.RawMessage(fmt.Sprintf(`{"latency_ms": %d}`, time.Since(start).Milliseconds()))

		if rw.status >= 400 {
			evt.Result = audit.ResultFailure
			evt.ReasonCode = fmt.Sprintf("http_%d", rw.status)
		}

		if ac, ok := GetAuthContext(r.Context()); ok {
			uid := ac.UserID
			evt.ActorUserID = &uid
		}

		// Off the request path: the response already went out, the trail can
		// tolerate its own timeout.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.service.WriteEvent(ctx, evt)
		}()
	})
}

// ClientIP resolves the caller address, preferring the first proxy-forwarded
// hop.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func truncate(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
