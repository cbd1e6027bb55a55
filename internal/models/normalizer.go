package models

import (
	"strings"
)

// NormalizeStatus trims and lower-cases a status tag
func NormalizeStatus(s Status) Status {
	return Status(strings.ToLower(strings.TrimSpace(string(s))))
}

// Normalize applies field normalization to a ResourceUpdate
// - trims ResourceID
// - lower-cases Status
// - treats a blank Status as not supplied
func (u *ResourceUpdate) Normalize() {
	u.ResourceID = strings.TrimSpace(u.ResourceID)

	if u.Status != nil {
		s := NormalizeStatus(*u.Status)
		if s == StatusUnset {
			u.Status = nil
		} else {
			u.Status = &s
		}
	}
}

// Normalize applies field normalization to a Resource registration
func (r *Resource) Normalize() {
	r.ID = strings.TrimSpace(r.ID)
	r.Status = NormalizeStatus(r.Status)
	r.CourseID = strings.TrimSpace(r.CourseID)
	r.Subject = strings.ToUpper(strings.TrimSpace(r.Subject))
	r.Number = strings.TrimSpace(r.Number)
	r.Title = strings.TrimSpace(r.Title)
	r.Term = strings.TrimSpace(r.Term)
	r.ClassNumber = strings.TrimSpace(r.ClassNumber)
	r.ComponentType = strings.ToUpper(strings.TrimSpace(r.ComponentType))
	r.Days = strings.TrimSpace(r.Days)
	r.TimeRange = strings.TrimSpace(r.TimeRange)
	r.Location = strings.TrimSpace(r.Location)
	r.Instructor = strings.TrimSpace(r.Instructor)
}

// Normalize trims the identity fields of a subscription
func (s *Subscription) Normalize() {
	s.SubscriberID = strings.TrimSpace(s.SubscriberID)
	s.ResourceID = strings.TrimSpace(s.ResourceID)
}
