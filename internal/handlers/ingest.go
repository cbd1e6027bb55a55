package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"seatwatch/internal/models"
)

// IngestHandler applies batches of resource updates pushed by scrapers
type IngestHandler struct {
	updater Updater

	// Max body size (default 10MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Updater     Updater
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &IngestHandler{
		updater:     cfg.Updater,
		maxBodySize: maxBodySize,
	}
}

// IngestRequest represents the incoming JSON payload (single or batch)
type IngestRequest struct {
	// Single update (if Updates is empty)
	Update *models.ResourceUpdate `json:"update,omitempty"`

	// Batch of updates
	Updates []models.ResourceUpdate `json:"updates,omitempty"`
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success              bool          `json:"success"`
	Accepted             int           `json:"accepted"`
	Rejected             int           `json:"rejected"`
	NotificationsCreated int           `json:"notifications_created"`
	Errors               []IngestError `json:"errors,omitempty"`
}

// IngestError describes the failure of one update in the batch
type IngestError struct {
	Index      int    `json:"index"`
	ResourceID string `json:"resource_id,omitempty"`
	Error      string `json:"error"`
	status     int
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Only accept POST
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// Check content type
	if !acceptsJSON(r) {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	updates, err := h.parseBody(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "no updates provided")
		return
	}

	response := h.processUpdates(r, updates)

	status := http.StatusOK
	if response.Accepted == 0 {
		status = response.Errors[0].status
	}
	writeJSON(w, status, response)
}

// parseBody accepts {"updates":[...]}, {"update":{...}}, a bare array or a bare update
func (h *IngestHandler) parseBody(body []byte) ([]models.ResourceUpdate, error) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Updates) > 0 {
			return req.Updates, nil
		}
		if req.Update != nil {
			return []models.ResourceUpdate{*req.Update}, nil
		}
	}

	var updates []models.ResourceUpdate
	if err := json.Unmarshal(body, &updates); err == nil && len(updates) > 0 {
		return updates, nil
	}

	var single models.ResourceUpdate
	if err := json.Unmarshal(body, &single); err == nil && single.ResourceID != "" {
		return []models.ResourceUpdate{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected update object or array of updates")
}

// processUpdates applies each update in order. A failed update does not stop the batch.
func (h *IngestHandler) processUpdates(r *http.Request, updates []models.ResourceUpdate) IngestResponse {
	response := IngestResponse{
		Success: true,
		Errors:  make([]IngestError, 0),
	}

	for i, u := range updates {
		result, err := h.updater.ApplyUpdate(r.Context(), u)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				logFailure(r, err)
			}
			response.Errors = append(response.Errors, IngestError{
				Index:      i,
				ResourceID: u.ResourceID,
				Error:      messageFor(status, err),
				status:     status,
			})
			response.Rejected++
			continue
		}
		response.Accepted++
		response.NotificationsCreated += result.NotificationsCreated
	}

	response.Success = response.Rejected == 0
	return response
}

// messageFor hides server side error detail from clients
func messageFor(status int, err error) string {
	switch status {
	case http.StatusConflict:
		return "resource busy, retry"
	case http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}
