package handlers

import (
	"net/http"

	"seatwatch/internal/models"
)

// SubscribeRequest creates or reactivates a subscription.
// An omitted threshold means models.DefaultThreshold.
type SubscribeRequest struct {
	SubscriberID string `json:"subscriber_id"`
	ResourceID   string `json:"resource_id"`
	Threshold    *int   `json:"threshold,omitempty"`
}

func (a *API) subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := decodeJSON(w, r, a.maxBodySize, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	sub := models.Subscription{
		SubscriberID: req.SubscriberID,
		ResourceID:   req.ResourceID,
		Threshold:    models.DefaultThreshold,
	}
	if req.Threshold != nil {
		sub.Threshold = *req.Threshold
	}
	sub.Normalize()
	if err := sub.Validate(); err != nil {
		writeErr(w, r, err)
		return
	}

	stored, err := a.store.Subscribe(r.Context(), sub.SubscriberID, sub.ResourceID, sub.Threshold)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (a *API) unsubscribe(w http.ResponseWriter, r *http.Request) {
	err := a.store.Unsubscribe(r.Context(), r.PathValue("subscriber"), r.PathValue("resource"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	watches, err := a.store.ListSubscriptions(r.Context(), r.PathValue("subscriber"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if watches == nil {
		watches = []models.WatchDetail{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": watches})
}
