package handlers

import (
	"context"
	"net/http"

	"seatwatch/internal/models"
	"seatwatch/internal/storage"
)

// Updater applies one resource update through the change engine
type Updater interface {
	ApplyUpdate(ctx context.Context, u models.ResourceUpdate) (*models.UpdateResult, error)
}

// Store is the part of the store the HTTP API reads and writes directly
type Store interface {
	storage.ResourceStore
	storage.SubscriptionRegistry
	storage.NotificationSink
}

// API serves the resource, subscription and notification endpoints
type API struct {
	store       Store
	updater     Updater
	maxBodySize int64
}

// Config holds configuration for the API handlers
type Config struct {
	Store       Store
	Updater     Updater
	MaxBodySize int64
}

// New creates the API handlers
func New(cfg Config) *API {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 1 * 1024 * 1024 // 1MB default
	}

	return &API{
		store:       cfg.Store,
		updater:     cfg.Updater,
		maxBodySize: maxBodySize,
	}
}

// Routes registers every endpoint on mux
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /resources/{id}", a.putResource)
	mux.HandleFunc("GET /resources/{id}", a.getResource)
	mux.HandleFunc("POST /resources/{id}/updates", a.postUpdate)
	mux.Handle("POST /updates", NewIngestHandler(IngestConfig{
		Updater:     a.updater,
		MaxBodySize: a.maxBodySize,
	}))

	mux.HandleFunc("POST /subscriptions", a.subscribe)
	mux.HandleFunc("DELETE /subscribers/{subscriber}/subscriptions/{resource}", a.unsubscribe)
	mux.HandleFunc("GET /subscribers/{subscriber}/subscriptions", a.listSubscriptions)

	mux.HandleFunc("GET /subscribers/{subscriber}/notifications", a.listNotifications)
	mux.HandleFunc("POST /subscribers/{subscriber}/notifications/{id}/read", a.markRead)
}
