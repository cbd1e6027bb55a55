package models

import (
	"time"
)

// Envelope wraps a Notification with internal metadata for downstream delivery
type Envelope struct {
	// Original notification
	Notification *Notification `json:"notification"`

	// Internal processing metadata
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Node         string    `json:"node"`
	RetryCount   int       `json:"retry_count"`
	PartitionKey string    `json:"partition_key"`
}

// NewEnvelope creates a new envelope wrapping a notification
func NewEnvelope(n *Notification, node string) *Envelope {
	return &Envelope{
		Notification: n,
		EnqueuedAt:   time.Now().UTC(),
		Node:         node,
		RetryCount:   0,
		PartitionKey: n.SubscriberID, // partition by subscriber for per-user ordering
	}
}
