package models

import (
	"fmt"
	"strings"
	"time"
)

// KindThresholdMet is the notification kind raised when a watch qualifies
const KindThresholdMet = "threshold_met"

// Notification is a durable alert for one subscriber about one resource transition
type Notification struct {
	ID           string    `json:"id"`
	SubscriberID string    `json:"subscriber_id"`
	ResourceID   string    `json:"resource_id"`
	Kind         string    `json:"kind"`
	Payload      Payload   `json:"payload"`
	ChangeAt     time.Time `json:"change_at"`
	Read         bool      `json:"read"`
	CreatedAt    time.Time `json:"created_at"`
}

// Payload is the snapshot of the resource at alert time
type Payload struct {
	Event    string          `json:"event"`
	Course   CourseSnapshot  `json:"course"`
	Section  SectionSnapshot `json:"section"`
	Previous State           `json:"previous"`
	Current  State           `json:"current"`
	DeepLink string          `json:"deep_link"`
}

// CourseSnapshot identifies the course a section belongs to
type CourseSnapshot struct {
	CourseID string `json:"course_id,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Number   string `json:"number,omitempty"`
	Title    string `json:"title,omitempty"`
}

// SectionSnapshot identifies the section and its state at alert time
type SectionSnapshot struct {
	ResourceID    string    `json:"resource_id"`
	Term          string    `json:"term,omitempty"`
	ClassNumber   string    `json:"class_number,omitempty"`
	ComponentType string    `json:"component_type,omitempty"`
	Days          string    `json:"days,omitempty"`
	TimeRange     string    `json:"time_range,omitempty"`
	Location      string    `json:"location,omitempty"`
	Instructor    string    `json:"instructor,omitempty"`
	Status        Status    `json:"status"`
	OpenCount     *int      `json:"open_count"`
	Capacity      *int      `json:"capacity"`
	LastChangeAt  time.Time `json:"last_change_at"`
}

// NewPayload builds the notification payload for a resource transition
func NewPayload(r *Resource, previous State, deepLinkBase string) Payload {
	return Payload{
		Event: KindThresholdMet,
		Course: CourseSnapshot{
			CourseID: r.CourseID,
			Subject:  r.Subject,
			Number:   r.Number,
			Title:    r.Title,
		},
		Section: SectionSnapshot{
			ResourceID:    r.ID,
			Term:          r.Term,
			ClassNumber:   r.ClassNumber,
			ComponentType: r.ComponentType,
			Days:          r.Days,
			TimeRange:     r.TimeRange,
			Location:      r.Location,
			Instructor:    r.Instructor,
			Status:        r.Status,
			OpenCount:     cloneInt(r.OpenCount),
			Capacity:      cloneInt(r.Capacity),
			LastChangeAt:  r.LastChangeAt,
		},
		Previous: previous,
		Current:  r.State(),
		DeepLink: DeepLink(deepLinkBase, r),
	}
}

// DeepLink returns the client route for a resource
func DeepLink(base string, r *Resource) string {
	base = strings.TrimRight(base, "/")
	if r.CourseID == "" {
		return fmt.Sprintf("%s/sections/%s", base, r.ID)
	}
	return fmt.Sprintf("%s/courses/%s?section=%s", base, r.CourseID, r.ID)
}
