package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MaxDailyMillis bounds a ledger entry to one calendar day of usage.
const MaxDailyMillis int64 = 24 * 60 * 60 * 1000

// DeviceClass describes the form factor of a registered device.
type DeviceClass string

const (
	DeviceClassMobile  DeviceClass = "mobile"
	DeviceClassTablet  DeviceClass = "tablet"
	DeviceClassDesktop DeviceClass = "desktop"
	DeviceClassTV      DeviceClass = "tv"
	DeviceClassUnknown DeviceClass = "unknown"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the class to lowercase.
// Unrecognised classes decode as DeviceClassUnknown.
func (c *DeviceClass) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*c = ParseDeviceClass(s)
	return nil
}

// ParseDeviceClass converts free-form input to a known device class.
func ParseDeviceClass(s string) DeviceClass {
	switch normalized := DeviceClass(strings.ToLower(strings.TrimSpace(s))); normalized {
	case DeviceClassMobile, DeviceClassTablet, DeviceClassDesktop, DeviceClassTV:
		return normalized
	default:
		return DeviceClassUnknown
	}
}

// Device is a registered device of a child profile.
type Device struct {
	ChildID      string      `json:"child_id"`
	DeviceID     string      `json:"device_id"`
	Name         string      `json:"name"`
	Class        DeviceClass `json:"class"`
	Platform     string      `json:"platform"`
	Active       bool        `json:"active"`
	LastActiveAt time.Time   `json:"last_active_at"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// SessionStatus is the lifecycle state of a playback session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionPreempted SessionStatus = "preempted"
	SessionExpired   SessionStatus = "expired"
	SessionRevoked   SessionStatus = "revoked"
)

// Session is the authoritative "who is watching" record of a child.
type Session struct {
	ID             string        `json:"id"`
	ChildID        string        `json:"child_id"`
	DeviceID       string        `json:"device_id"`
	ContentID      string        `json:"content_id"`
	Position       float64       `json:"position"`
	Token          int64         `json:"token"`
	StartedAt      time.Time     `json:"started_at"`
	LastHeartbeat  time.Time     `json:"last_heartbeat"`
	CreditedMillis int64         `json:"credited_millis"`
	Status         SessionStatus `json:"status"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`
}

// Credited returns the usage credited to this session.
func (s *Session) Credited() time.Duration {
	return time.Duration(s.CreditedMillis) * time.Millisecond
}

// LedgerEntry aggregates a child's usage for one local calendar date.
type LedgerEntry struct {
	ChildID       string    `json:"child_id"`
	Date          string    `json:"date"` // YYYY-MM-DD in the child's time zone
	UsedMillis    int64     `json:"used_millis"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	SessionID     string    `json:"session_id"`
}

// Used returns the accumulated usage of the entry.
func (e *LedgerEntry) Used() time.Duration {
	return time.Duration(e.UsedMillis) * time.Millisecond
}

// Bedtime is a local-time window during which access is always denied.
type Bedtime struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"` // HH:MM
	End     string `json:"end"`   // HH:MM
}

// BreakReminder asks devices to suggest a break after continuous viewing.
type BreakReminder struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"interval_minutes"`
}

// Extension is an ad-hoc grant of extra minutes for one local date.
type Extension struct {
	Minutes   int       `json:"minutes"`
	Date      string    `json:"date"`
	GrantedAt time.Time `json:"granted_at"`
}

// Pause blocks access indefinitely or until a timestamp.
type Pause struct {
	Active     bool       `json:"active"`
	Indefinite bool       `json:"indefinite"`
	Until      *time.Time `json:"until,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	PausedAt   *time.Time `json:"paused_at,omitempty"`
}

// Rules is the screen-time configuration of a child.
type Rules struct {
	DailyLimitMinutes   int           `json:"daily_limit_minutes"`
	WeekdayLimitMinutes *int          `json:"weekday_limit_minutes,omitempty"`
	WeekendLimitMinutes *int          `json:"weekend_limit_minutes,omitempty"`
	Timezone            string        `json:"timezone"`
	Bedtime             Bedtime       `json:"bedtime"`
	BreakReminder       BreakReminder `json:"break_reminder"`
	Extensions          []Extension   `json:"extensions"`
	Pause               Pause         `json:"pause"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Validate checks the parent-editable fields of the rules.
func (r *Rules) Validate() error {
	if r.DailyLimitMinutes < 0 || r.DailyLimitMinutes > 24*60 {
		return fmt.Errorf("daily_limit_minutes out of range: %d", r.DailyLimitMinutes)
	}
	for name, v := range map[string]*int{"weekday_limit_minutes": r.WeekdayLimitMinutes, "weekend_limit_minutes": r.WeekendLimitMinutes} {
		if v != nil && (*v < 0 || *v > 24*60) {
			return fmt.Errorf("%s out of range: %d", name, *v)
		}
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", r.Timezone, err)
		}
	}
	if r.Bedtime.Enabled {
		if _, err := ParseClock(r.Bedtime.Start); err != nil {
			return fmt.Errorf("invalid bedtime start: %w", err)
		}
		if _, err := ParseClock(r.Bedtime.End); err != nil {
			return fmt.Errorf("invalid bedtime end: %w", err)
		}
	}
	if r.BreakReminder.Enabled && r.BreakReminder.IntervalMinutes <= 0 {
		return fmt.Errorf("break_reminder.interval_minutes must be positive")
	}
	return nil
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// TargetKind is what an approval request asks access to.
type TargetKind string

const (
	TargetVideo   TargetKind = "video"
	TargetChannel TargetKind = "channel"
)

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalDismissed ApprovalStatus = "dismissed"
)

// ApprovalMetadata is display information about the requested target.
type ApprovalMetadata struct {
	Title        string `json:"title"`
	ChannelID    string `json:"channel_id,omitempty"`
	ChannelTitle string `json:"channel_title,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// ApprovalRequest is a child-initiated access request awaiting parent review.
type ApprovalRequest struct {
	ID         string           `json:"id"`
	ChildID    string           `json:"child_id"`
	TargetKind TargetKind       `json:"target_kind"`
	TargetID   string           `json:"target_id"`
	Metadata   ApprovalMetadata `json:"metadata"`
	Message    string           `json:"message,omitempty"`
	Status     ApprovalStatus   `json:"status"`
	ParentNote string           `json:"parent_note,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ReviewedAt *time.Time       `json:"reviewed_at,omitempty"`
}
