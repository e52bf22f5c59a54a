package broadcast

import (
	"time"

	"github.com/goodtune/ktime/internal/rules"
)

// Kind names an enforcement event.
type Kind string

const (
	KindUsageUpdated      Kind = "usage-updated"
	KindRulesUpdated      Kind = "rules-updated"
	KindSessionPreempted  Kind = "session-preempted"
	KindSessionStarted    Kind = "session-started"
	KindLocked            Kind = "locked"
	KindUnlocked          Kind = "unlocked"
	KindBreakReminder     Kind = "break-reminder"
	KindApprovalRequested Kind = "approval-requested"
)

// Role identifies who is on the other end of a subscription.
type Role string

const (
	RoleDevice Role = "device"
	RoleParent Role = "parent"
)

// Event is a state change pushed to the connections of a child.
//
// An event with a DeviceID is delivered only to that device. An event with
// Audience RoleParent is delivered only to parent connections.
type Event struct {
	Kind     Kind   `json:"kind"`
	ChildID  string `json:"child_id"`
	DeviceID string `json:"device_id,omitempty"`
	Audience Role   `json:"audience,omitempty"`

	Reason           rules.Reason `json:"reason,omitempty"`
	Minutes          float64      `json:"minutes,omitempty"`
	RemainingMinutes *float64     `json:"remaining_minutes,omitempty"`
	SessionID        string       `json:"session_id,omitempty"`
	SourceDeviceID   string       `json:"source_device_id,omitempty"`
	RequestID        string       `json:"request_id,omitempty"`

	At     time.Time `json:"at"`
	Origin string    `json:"origin,omitempty"`
}

// Remaining returns a pointer suitable for Event.RemainingMinutes.
func Remaining(minutes float64) *float64 {
	return &minutes
}

// matches reports whether sub should receive ev.
func (ev Event) matches(sub *Subscription) bool {
	if ev.DeviceID != "" && ev.DeviceID != sub.DeviceID {
		return false
	}
	if ev.Audience != "" && ev.Audience != sub.Role {
		return false
	}
	return true
}
