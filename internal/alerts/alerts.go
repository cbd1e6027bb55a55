package alerts

import (
	"strings"

	"seatwatch/internal/models"
)

// Policy decides whether a subscription qualifies for an alert given the
// resource's observed state.
type Policy interface {
	Qualifies(threshold int, status models.Status, openCount *int) bool
}

// SeatPolicy is the threshold rule for seat availability.
//
// A status equal to AvailableStatus stands in for availability when the
// open count is not reported. Otherwise the open count is compared to the
// threshold, and an unknown count never qualifies.
type SeatPolicy struct {
	AvailableStatus models.Status
}

// Default returns the policy keyed on the "open" status tag.
func Default() SeatPolicy {
	return SeatPolicy{AvailableStatus: models.StatusOpen}
}

// Qualifies implements Policy.
func (p SeatPolicy) Qualifies(threshold int, status models.Status, openCount *int) bool {
	available := p.AvailableStatus
	if available == models.StatusUnset {
		available = models.StatusOpen
	}

	if openCount == nil {
		return status != models.StatusUnset && strings.EqualFold(string(status), string(available))
	}
	return *openCount >= threshold
}

// Qualifies evaluates the default policy.
func Qualifies(threshold int, status models.Status, openCount *int) bool {
	return Default().Qualifies(threshold, status, openCount)
}
