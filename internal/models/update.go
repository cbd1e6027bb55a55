package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// Validation errors
var (
	// ErrInvalidUpdate wraps every validation failure surfaced by the engine
	ErrInvalidUpdate = errors.New("invalid update")

	ErrEmptyResourceID   = errors.New("resource ID cannot be empty")
	ErrEmptySubscriberID = errors.New("subscriber ID cannot be empty")
	ErrNegativeOpenCount = errors.New("open count cannot be negative")
	ErrNegativeCapacity  = errors.New("capacity cannot be negative")
	ErrNegativeThreshold = errors.New("threshold cannot be negative")
)

// IntField is a partially supplied integer.
// Set=false keeps the stored value; Set=true with a nil Value clears it to unknown.
type IntField struct {
	Set   bool
	Value *int
}

// Int returns a supplied field holding v
func Int(v int) IntField {
	return IntField{Set: true, Value: &v}
}

// Null returns a supplied field that clears the stored value
func Null() IntField {
	return IntField{Set: true}
}

// Apply returns the merged value of the field over current
func (f IntField) Apply(current *int) *int {
	if !f.Set {
		return cloneInt(current)
	}
	return cloneInt(f.Value)
}

// UnmarshalJSON is only invoked for keys present in the document, so a
// present key always marks the field as supplied.
func (f *IntField) UnmarshalJSON(data []byte) error {
	f.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.Value = nil
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	f.Value = &v
	return nil
}

// MarshalJSON writes the value or null. Callers omit unset fields themselves.
func (f IntField) MarshalJSON() ([]byte, error) {
	if f.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*f.Value)
}

// ResourceUpdate is an incoming, possibly partial, state report for one resource
type ResourceUpdate struct {
	ResourceID string   `json:"resource_id"`
	Status     *Status  `json:"status,omitempty"`
	OpenCount  IntField `json:"open_count"`
	Capacity   IntField `json:"capacity"`
}

// MarshalJSON omits unsupplied count fields so the document round-trips
func (u ResourceUpdate) MarshalJSON() ([]byte, error) {
	out := map[string]any{"resource_id": u.ResourceID}
	if u.Status != nil {
		out["status"] = *u.Status
	}
	if u.OpenCount.Set {
		out["open_count"] = u.OpenCount
	}
	if u.Capacity.Set {
		out["capacity"] = u.Capacity
	}
	return json.Marshal(out)
}

// Validate checks the update before it reaches the store. An update with no
// fields is valid and re-evaluates the current state.
func (u *ResourceUpdate) Validate() error {
	if u.ResourceID == "" {
		return ErrEmptyResourceID
	}
	if u.OpenCount.Value != nil && *u.OpenCount.Value < 0 {
		return ErrNegativeOpenCount
	}
	if u.Capacity.Value != nil && *u.Capacity.Value < 0 {
		return ErrNegativeCapacity
	}
	return nil
}

// Merge applies the update over the current tuple. Absent fields keep their values.
func (u *ResourceUpdate) Merge(current State) State {
	merged := State{
		Status:    current.Status,
		OpenCount: u.OpenCount.Apply(current.OpenCount),
		Capacity:  u.Capacity.Apply(current.Capacity),
	}
	if u.Status != nil && *u.Status != StatusUnset {
		merged.Status = *u.Status
	}
	return merged
}

// UpdateResult summarises one applied update
type UpdateResult struct {
	ResourceID           string         `json:"resource_id"`
	OldStatus            Status         `json:"old_status"`
	NewStatus            Status         `json:"new_status"`
	Previous             State          `json:"previous"`
	Current              State          `json:"current"`
	Changed              bool           `json:"changed"`
	LastChangeAt         time.Time      `json:"last_change_at"`
	NotificationsCreated int            `json:"notifications_created"`
	Notifications        []Notification `json:"-"`
}

// IsValidation reports whether err is caused by invalid input
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidUpdate, ErrEmptyResourceID, ErrEmptySubscriberID,
		ErrNegativeOpenCount, ErrNegativeCapacity, ErrNegativeThreshold,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
