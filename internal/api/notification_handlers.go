package api

import (
	"context"
	"net/http"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

// NotificationStore lists outbox rows for the operator console.
type NotificationStore interface {
	ListRecent(ctx context.Context, limit, offset int) ([]*data.Notification, error)
}

type NotificationHandler struct {
	Store NotificationStore
}

func NewNotificationHandler(store NotificationStore) *NotificationHandler {
	return &NotificationHandler{Store: store}
}

// GET /api/v1/notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 100, 500)
	list, err := h.Store.ListRecent(r.Context(), limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []*data.Notification{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data": list,
		"meta": map[string]int{"limit": limit, "offset": offset, "count": len(list)},
	})
}
