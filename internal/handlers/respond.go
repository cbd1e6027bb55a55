package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"seatwatch/internal/logger"
	"seatwatch/internal/middleware"
	"seatwatch/internal/models"
	"seatwatch/internal/storage"
)

// errBadRequest marks malformed request bodies
var errBadRequest = errors.New("bad request")

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// statusFor maps an engine or store error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest), models.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Success: false, Error: message})
}

// writeErr maps err to a status and writes it. Server side failures are
// logged and their detail kept out of the response.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusConflict:
		w.Header().Set("Retry-After", "1")
	case http.StatusInternalServerError:
		logFailure(r, err)
	}
	writeError(w, status, messageFor(status, err))
}

func logFailure(r *http.Request, err error) {
	log := logger.WithRequestID(r.Header.Get(middleware.RequestIDHeader))
	log.Error().
		Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("request failed")
}

// acceptsJSON reports whether the request body is declared as JSON.
// A missing Content-Type is accepted; parameters such as charset are ignored.
func acceptsJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == "application/json"
}

// decodeJSON reads a size-limited JSON body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBodySize int64, dst any) error {
	if !acceptsJSON(r) {
		return fmt.Errorf("%w: content-type must be application/json", errBadRequest)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: request body too large", errBadRequest)
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", errBadRequest)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}
