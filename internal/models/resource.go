package models

import (
	"time"
)

// Status is the availability tag reported for a resource
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusWaitlist Status = "waitlist"
	StatusUnset    Status = ""
)

// Resource is a capacity-bounded course section whose availability changes over time
type Resource struct {
	// Stable identifier of the section
	ID string `json:"resource_id"`

	// Descriptive attributes used in notification payloads
	CourseID    string `json:"course_id,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Number      string `json:"number,omitempty"`
	Title       string `json:"title,omitempty"`
	Term        string `json:"term,omitempty"`
	ClassNumber string `json:"class_number,omitempty"`

	// Meeting details of the section
	ComponentType string `json:"component_type,omitempty"`
	Days          string `json:"days,omitempty"`
	TimeRange     string `json:"time_range,omitempty"`
	Location      string `json:"location,omitempty"`
	Instructor    string `json:"instructor,omitempty"`

	// Observed availability. Nil counts are unknown.
	Status    Status `json:"status"`
	OpenCount *int   `json:"open_count"`
	Capacity  *int   `json:"capacity"`

	// Advanced only when Status, OpenCount or Capacity actually change
	LastChangeAt time.Time `json:"last_change_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State is the (status, open_count, capacity) tuple of a resource at one instant
type State struct {
	Status    Status `json:"status"`
	OpenCount *int   `json:"open_count"`
	Capacity  *int   `json:"capacity"`
}

// State returns the availability tuple of the resource
func (r *Resource) State() State {
	return State{
		Status:    r.Status,
		OpenCount: cloneInt(r.OpenCount),
		Capacity:  cloneInt(r.Capacity),
	}
}

// Equal reports whether two tuples carry the same values
func (s State) Equal(o State) bool {
	return s.Status == o.Status &&
		intPtrEqual(s.OpenCount, o.OpenCount) &&
		intPtrEqual(s.Capacity, o.Capacity)
}

// Validate checks the fields required to register a resource
func (r *Resource) Validate() error {
	if r.ID == "" {
		return ErrEmptyResourceID
	}
	if r.OpenCount != nil && *r.OpenCount < 0 {
		return ErrNegativeOpenCount
	}
	if r.Capacity != nil && *r.Capacity < 0 {
		return ErrNegativeCapacity
	}
	return nil
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
