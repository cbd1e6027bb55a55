package models

import "time"

// DefaultThreshold is the open count a subscription waits for when none is given
const DefaultThreshold = 1

// Subscription is a subscriber's standing interest in one resource
type Subscription struct {
	SubscriberID string `json:"subscriber_id"`
	ResourceID   string `json:"resource_id"`

	// Minimum open count required to alert
	Threshold int `json:"threshold"`

	// Unsubscribed rows stay in the registry with Active=false
	Active bool `json:"active"`

	// Set in the same transaction that records the notification
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks identity and threshold
func (s *Subscription) Validate() error {
	if s.SubscriberID == "" {
		return ErrEmptySubscriberID
	}
	if s.ResourceID == "" {
		return ErrEmptyResourceID
	}
	if s.Threshold < 0 {
		return ErrNegativeThreshold
	}
	return nil
}

// AlreadyNotified reports whether the subscription has seen the change at changeAt
// or a more recent one
func (s *Subscription) AlreadyNotified(changeAt time.Time) bool {
	return s.LastNotifiedAt != nil && !s.LastNotifiedAt.Before(changeAt)
}

// WatchDetail is a subscription joined with the current state of its resource
type WatchDetail struct {
	Subscription
	Resource Resource `json:"resource"`
}
