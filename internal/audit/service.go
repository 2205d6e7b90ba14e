package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrBadCursor reports a page token that did not come from a previous
// QueryEvents response.
var ErrBadCursor = errors.New("malformed pagination cursor")

// encodeCursor packs the full sort key of the last row into an opaque page
// token. Both parts matter: ids are random UUIDs, so id alone does not order
// the same way as (created_at, id).
func encodeCursor(createdAt time.Time, id uuid.UUID) string {
	return strconv.FormatInt(createdAt.UTC().UnixNano(), 10) + "." + id.String()
}

func decodeCursor(s string) (time.Time, uuid.UUID, error) {
	nanosStr, idStr, ok := strings.Cut(s, ".")
	if !ok {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	nanos, err := strconv.ParseInt(nanosStr, 10, 64)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrBadCursor
	}
	return time.Unix(0, nanos).UTC(), id, nil
}

// WriteEvent persists an event, spooling to disk when the database is
// unavailable. A spooled event is not an error for the caller: the business
// operation already happened and must not be rolled back over audit plumbing.
func (s *Service) WriteEvent(ctx context.Context, evt Event) error {
	if evt.EventID == uuid.Nil {
		evt.EventID = uuid.New()
	}

	query := `
		INSERT INTO audit_logs (
			event_id, actor_user_id, actor_type, action, target_type, target_id,
			result, reason_code, request_id, client_ip, user_agent, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id) DO NOTHING
	`

	_, err := s.DB.ExecContext(ctx, query,
		evt.EventID, evt.ActorUserID, evt.ActorType, evt.Action, evt.TargetType, evt.TargetID,
		evt.Result, evt.ReasonCode, evt.RequestID, evt.ClientIP, evt.UserAgent, evt.Metadata, evt.CreatedAt,
	)

	if err != nil {
		log.Printf("audit: db write failed: %v, spooling event %s", err, evt.EventID)
		if spoolErr := SpoolEvent(evt); spoolErr != nil {
			log.Printf("audit: CRITICAL: spool failed for event %s: %v", evt.EventID, spoolErr)
			return fmt.Errorf("audit failover: %w", spoolErr)
		}
		return nil
	}

	return nil
}

// Append-only: no update or delete methods are exposed besides retention purge.

// QueryEvents returns filtered events newest-first with keyset pagination on
// (created_at, id).
func (s *Service) QueryEvents(ctx context.Context, f Filter) ([]Event, string, error) {
	q := `SELECT id, event_id, actor_user_id, actor_type, action, target_type, target_id, result, reason_code, created_at, metadata
	      FROM audit_logs
	      WHERE 1=1`
	args := []any{}
	idx := 1

	if f.ActorUserID != nil {
		q += fmt.Sprintf(" AND actor_user_id = $%d", idx)
		args = append(args, *f.ActorUserID)
		idx++
	}
	if f.Action != "" {
		q += fmt.Sprintf(" AND action = $%d", idx)
		args = append(args, f.Action)
		idx++
	}
	if f.Result != "" {
		q += fmt.Sprintf(" AND result = $%d", idx)
		args = append(args, f.Result)
		idx++
	}
	if f.DateFrom != nil {
		q += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, f.DateFrom.UTC())
		idx++
	}
	if f.DateTo != nil {
		q += fmt.Sprintf(" AND created_at < $%d", idx)
		args = append(args, f.DateTo.UTC())
		idx++
	}
	if f.Cursor != "" {
		cursorAt, cursorID, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, "", err
		}
		q += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", idx, idx+1)
		args = append(args, cursorAt, cursorID)
		idx += 2
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var events []Event
	var next string

	for rows.Next() {
		var evt Event
		var meta []byte
		if err := rows.Scan(
			&evt.ID, &evt.EventID, &evt.ActorUserID, &evt.ActorType, &evt.Action,
			&evt.TargetType, &evt.TargetID, &evt.Result, &evt.ReasonCode, &evt.CreatedAt, &meta,
		); err != nil {
			return nil, "", err
		}
		evt.Metadata = meta
		events = append(events, evt)
		next = encodeCursor(evt.CreatedAt, evt.ID)
	}

	return events, next, rows.Err()
}

// ExportEvents streams matching events as JSON lines, capped to keep a
// runaway export from holding a connection forever.
func (s *Service) ExportEvents(ctx context.Context, f Filter, w io.Writer) error {
	const maxRecords = 10000

	f.Limit = 500
	enc := json.NewEncoder(w)
	count := 0

	for {
		events, cursor, err := s.QueryEvents(ctx, f)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, evt := range events {
			if count >= maxRecords {
				return nil
			}
			if err := enc.Encode(evt); err != nil {
				return err
			}
			count++
		}
		f.Cursor = cursor
	}
}
