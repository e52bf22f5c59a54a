package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record is missing from storage.
	ErrNotFound = errors.New("storage: record not found")

	// ErrStaleSession is returned when a fencing token no longer names the current holder.
	ErrStaleSession = errors.New("storage: stale session")

	// ErrDeviceLimitExceeded is returned when activating a device would exceed the active maximum.
	ErrDeviceLimitExceeded = errors.New("storage: device limit exceeded")

	// ErrAlreadyReviewed is returned when an approval request has left the pending state.
	ErrAlreadyReviewed = errors.New("storage: request already reviewed")
)

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ping(ctx context.Context) error
	Devices() DeviceStore
	Sessions() SessionStore
	Ledger() LedgerStore
	Rules() RulesStore
	Approvals() ApprovalStore
	AllowList() AllowListStore

	// DeleteChild removes every record owned by a child profile.
	DeleteChild(ctx context.Context, childID string) error
}

// DeviceStore manages registered devices.
type DeviceStore interface {
	// Register upserts a device and marks it active.
	Register(ctx context.Context, device Device, maxActive int) (*Device, error)
	// Touch refreshes LastActiveAt and marks an existing device active.
	Touch(ctx context.Context, childID, deviceID string, now time.Time, maxActive int) error
	Get(ctx context.Context, childID, deviceID string) (*Device, error)
	List(ctx context.Context, childID string) ([]Device, error)
	Deactivate(ctx context.Context, childID, deviceID string) error
	Delete(ctx context.Context, childID, deviceID string) error
	// ListChildren returns every child that owns devices or rules.
	ListChildren(ctx context.Context) ([]string, error)
}

// StartSessionParams describes a new session to open.
type StartSessionParams struct {
	SessionID string
	ChildID   string
	DeviceID  string
	ContentID string
	Now       time.Time
}

// StartSessionResult is the outcome of opening a session.
type StartSessionResult struct {
	Session   *Session
	Preempted *Session // previous holder, nil if none
}

// HeartbeatParams describes a fenced usage report.
type HeartbeatParams struct {
	SessionID     string
	Token         int64
	ElapsedMillis int64
	Position      float64
	Now           time.Time
	Tolerance     time.Duration
	LedgerDate    string    // local date of Now
	DayStart      time.Time // local midnight of LedgerDate
}

// HeartbeatResult is the outcome of a credited heartbeat.
type HeartbeatResult struct {
	Session        *Session
	CreditedMillis int64 // credited by this heartbeat
	UsedMillis     int64 // ledger total for LedgerDate
}

// CloseSessionParams describes a session transition out of active.
type CloseSessionParams struct {
	SessionID string
	Token     int64 // zero skips the fencing check
	Status    SessionStatus
	Now       time.Time
	// StaleBefore closes only if the last heartbeat is older, zero skips the check.
	StaleBefore time.Time
}

// SessionStore manages playback sessions and fencing tokens.
type SessionStore interface {
	Start(ctx context.Context, params StartSessionParams) (*StartSessionResult, error)
	Heartbeat(ctx context.Context, params HeartbeatParams) (*HeartbeatResult, error)
	// Close returns ErrStaleSession when the session is not active or the checks fail.
	Close(ctx context.Context, params CloseSessionParams) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Current(ctx context.Context, childID string) (*Session, error)
	ListActive(ctx context.Context) ([]Session, error)
}

// LedgerStore reads per-day usage. Credits are applied by SessionStore.Heartbeat.
type LedgerStore interface {
	Get(ctx context.Context, childID, date string) (*LedgerEntry, error)
	// List returns entries for the given dates, zero-valued where nothing was recorded.
	List(ctx context.Context, childID string, dates []string) ([]LedgerEntry, error)
}

// RulesStore persists screen-time rules.
type RulesStore interface {
	Get(ctx context.Context, childID string) (*Rules, error)
	Put(ctx context.Context, childID string, rules Rules) error
	// Update applies fn to the stored rules atomically. fn receives nil when
	// the child has no stored rules and may run more than once.
	Update(ctx context.Context, childID string, fn func(current *Rules) (Rules, error)) (*Rules, error)
}

// ReviewParams describes a transition of a pending approval request.
type ReviewParams struct {
	RequestID    string
	Status       ApprovalStatus
	Note         string
	Now          time.Time
	AllowChannel string // channel added to the allow-list in the same step, empty for none
}

// ApprovalStore manages approval requests.
type ApprovalStore interface {
	// Create stores a pending request, or returns the pending request for the same target.
	Create(ctx context.Context, req ApprovalRequest) (*ApprovalRequest, bool, error)
	Get(ctx context.Context, id string) (*ApprovalRequest, error)
	List(ctx context.Context, childID string, status ApprovalStatus) ([]ApprovalRequest, error)
	Review(ctx context.Context, params ReviewParams) (*ApprovalRequest, error)
}

// AllowListStore manages per-child channel allow-lists.
type AllowListStore interface {
	IsChannelAllowed(ctx context.Context, childID, channelID string) (bool, error)
	AllowChannel(ctx context.Context, childID, channelID string) error
	List(ctx context.Context, childID string) ([]string, error)
}
