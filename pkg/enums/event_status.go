package enums

import "fmt"

// EventStatus tracks where a webhook event sits in the delivery lifecycle.
type EventStatus string

const (
	EventStatusPending  EventStatus = "pending"
	EventStatusRetrying EventStatus = "retrying"
	EventStatusSuccess  EventStatus = "success"
	EventStatusFailed   EventStatus = "failed"
)

var validEventStatuses = []EventStatus{
	EventStatusPending,
	EventStatusRetrying,
	EventStatusSuccess,
	EventStatusFailed,
}

// IsValid reports whether the value is a known status.
func (s EventStatus) IsValid() bool {
	for _, candidate := range validEventStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic processing happens from s.
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusSuccess || s == EventStatusFailed
}

// ParseEventStatus converts raw input into EventStatus.
func ParseEventStatus(value string) (EventStatus, error) {
	for _, candidate := range validEventStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event status %q", value)
}
