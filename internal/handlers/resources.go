package handlers

import (
	"fmt"
	"net/http"

	"seatwatch/internal/models"
)

// putResource registers a resource or refreshes its descriptive attributes.
// Availability of an existing resource only moves through updates.
func (a *API) putResource(w http.ResponseWriter, r *http.Request) {
	var res models.Resource
	if err := decodeJSON(w, r, a.maxBodySize, &res); err != nil {
		writeErr(w, r, err)
		return
	}

	id := r.PathValue("id")
	if res.ID != "" && res.ID != id {
		writeErr(w, r, fmt.Errorf("%w: resource_id %q does not match path", errBadRequest, res.ID))
		return
	}
	res.ID = id
	res.Normalize()
	if err := res.Validate(); err != nil {
		writeErr(w, r, err)
		return
	}

	stored, err := a.store.UpsertResource(r.Context(), res)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (a *API) getResource(w http.ResponseWriter, r *http.Request) {
	res, err := a.store.GetResource(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// postUpdate applies a single update. The path id wins over any id in the body.
func (a *API) postUpdate(w http.ResponseWriter, r *http.Request) {
	var u models.ResourceUpdate
	if err := decodeJSON(w, r, a.maxBodySize, &u); err != nil {
		writeErr(w, r, err)
		return
	}

	id := r.PathValue("id")
	if u.ResourceID != "" && u.ResourceID != id {
		writeErr(w, r, fmt.Errorf("%w: resource_id %q does not match path", errBadRequest, u.ResourceID))
		return
	}
	u.ResourceID = id

	result, err := a.updater.ApplyUpdate(r.Context(), u)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
