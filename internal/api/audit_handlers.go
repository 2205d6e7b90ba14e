package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/audit"
)

// AuditQuerier is the slice of the audit service these handlers drive.
type AuditQuerier interface {
	QueryEvents(ctx context.Context, f audit.Filter) ([]audit.Event, string, error)
	ExportEvents(ctx context.Context, f audit.Filter, w io.Writer) error
}

type AuditHandler struct {
	Service AuditQuerier
}

func NewAuditHandler(svc AuditQuerier) *AuditHandler {
	return &AuditHandler{Service: svc}
}

// GET /api/v1/audit/events?actor=&action=&result=&from=&to=&limit=&cursor=
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilterFromQuery(w, r)
	if !ok {
		return
	}

	events, nextCursor, err := h.Service.QueryEvents(r.Context(), f)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":        events,
		"next_cursor": nextCursor,
	})
}

// GET /api/v1/audit/events/export
//
// Streams newline-delimited JSON. Compliance pulls go through here rather
// than through paged queries.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	f, ok := auditFilterFromQuery(w, r)
	if !ok {
		return
	}

	filename := fmt.Sprintf("audit_%s.jsonl", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if err := h.Service.ExportEvents(r.Context(), f, w); err != nil {
		log.Printf("api: audit export: %v", err)
	}
}

func auditFilterFromQuery(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	q := r.URL.Query()
	f := audit.Filter{
		Action: q.Get("action"),
		Result: q.Get("result"),
		Cursor: q.Get("cursor"),
	}
	if s := q.Get("actor"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid actor filter")
			return audit.Filter{}, false
		}
		f.ActorUserID = &id
	}
	if s := q.Get("from"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from, want YYYY-MM-DD or RFC3339")
			return audit.Filter{}, false
		}
		f.DateFrom = &t
	}
	if s := q.Get("to"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid to, want YYYY-MM-DD or RFC3339")
			return audit.Filter{}, false
		}
		f.DateTo = &t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return audit.Filter{}, false
		}
		f.Limit = n
	}
	return f, true
}
