package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"seatwatch/internal/models"
)

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := false
	if v := r.URL.Query().Get("unread_only"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeErr(w, r, fmt.Errorf("%w: unread_only must be a boolean", errBadRequest))
			return
		}
		unreadOnly = parsed
	}

	notes, err := a.store.ListNotifications(r.Context(), r.PathValue("subscriber"), unreadOnly)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if notes == nil {
		notes = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": notes})
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request) {
	err := a.store.MarkNotificationRead(r.Context(), r.PathValue("subscriber"), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
