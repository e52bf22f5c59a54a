// Package session coordinates which device of a child is watching.
//
// A child has at most one active session. Starting a session preempts the
// previous holder and mints a strictly larger fencing token; heartbeats carry
// the token and are rejected once it no longer names the current holder. All
// work for a child is serialized through its key lock, and every store
// transition is a single Redis script so the invariant also holds across
// instances.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/broadcast"
	"github.com/goodtune/ktime/internal/keylock"
	"github.com/goodtune/ktime/internal/ledger"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultHeartbeatTimeout   = 75 * time.Second
	DefaultHeartbeatTolerance = 5 * time.Second
	DefaultRequestTimeout     = 5 * time.Second
	DefaultIndexCacheSize     = 10000
)

// DeviceTracker is the part of the device registry sessions depend on.
type DeviceTracker interface {
	Get(ctx context.Context, childID, deviceID string) (*storage.Device, error)
	Touch(ctx context.Context, childID, deviceID string) error
}

// RulesSource returns the effective rules of a child.
type RulesSource interface {
	Rules(ctx context.Context, childID string) (storage.Rules, error)
}

// Publisher sends enforcement events.
type Publisher interface {
	Publish(ctx context.Context, ev broadcast.Event)
}

// Config holds coordinator configuration
type Config struct {
	HeartbeatTimeout   time.Duration
	HeartbeatTolerance time.Duration
	RequestTimeout     time.Duration
	IndexCacheSize     int
}

// Dependencies are the collaborators of a Coordinator
type Dependencies struct {
	Sessions  storage.SessionStore
	Ledger    *ledger.Ledger
	Devices   DeviceTracker
	Rules     RulesSource
	Policy    *policy.Checker
	Publisher Publisher
	Locks     *keylock.Locker
}

// StartResult is the outcome of a successful start
type StartResult struct {
	Session   *storage.Session
	Preempted *storage.Session
	Decision  rules.Decision
}

// HeartbeatResult is returned to the device after each heartbeat
type HeartbeatResult struct {
	Allowed          bool
	RemainingMinutes float64
	UsedMinutes      float64
	Reason           rules.Reason
	BreakDue         bool
	CreditedMillis   int64
}

// Coordinator owns the session state machine
type Coordinator struct {
	sessions  storage.SessionStore
	ledger    *ledger.Ledger
	devices   DeviceTracker
	rules     RulesSource
	policy    *policy.Checker
	publisher Publisher
	locks     *keylock.Locker

	// index maps session IDs to child IDs so heartbeats can lock before reading
	index *lru.Cache[string, string]
	// lockState remembers the last enforcement state published per child
	lockState *lru.Cache[string, rules.Reason]

	config Config
	clock  rules.Clock
	logger zerolog.Logger
}

// NewCoordinator creates a new session coordinator
func NewCoordinator(deps Dependencies, config Config, logger zerolog.Logger) (*Coordinator, error) {
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if config.HeartbeatTolerance <= 0 {
		config.HeartbeatTolerance = DefaultHeartbeatTolerance
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.IndexCacheSize <= 0 {
		config.IndexCacheSize = DefaultIndexCacheSize
	}
	if deps.Locks == nil {
		deps.Locks = keylock.New()
	}

	index, err := lru.New[string, string](config.IndexCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session index: %w", err)
	}
	lockState, err := lru.New[string, rules.Reason](config.IndexCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock state cache: %w", err)
	}

	return &Coordinator{
		sessions:  deps.Sessions,
		ledger:    deps.Ledger,
		devices:   deps.Devices,
		rules:     deps.Rules,
		policy:    deps.Policy,
		publisher: deps.Publisher,
		locks:     deps.Locks,
		index:     index,
		lockState: lockState,
		config:    config,
		clock:     rules.RealClock{},
		logger:    logger.With().Str("component", "session-coordinator").Logger(),
	}, nil
}

// SetClock sets the clock (for testing)
func (c *Coordinator) SetClock(clock rules.Clock) {
	c.clock = clock
}

// HeartbeatTimeout returns how long a session may go without a heartbeat
func (c *Coordinator) HeartbeatTimeout() time.Duration {
	return c.config.HeartbeatTimeout
}

// Start opens a session for a device, preempting the child's current holder
func (c *Coordinator) Start(ctx context.Context, childID, deviceID, contentID string) (*StartResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	unlock, err := c.locks.Lock(ctx, childID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := c.devices.Get(ctx, childID, deviceID); err != nil {
		return nil, err
	}

	now := c.clock.Now()
	decision, err := c.decide(ctx, childID, deviceID, contentID, now)
	if err != nil {
		return nil, err
	}
	c.transition(ctx, childID, decision)

	if !decision.Allowed {
		c.logger.Info().
			Str("child_id", childID).
			Str("device_id", deviceID).
			Str("reason", string(decision.Reason)).
			Msg("Session start denied")
		return nil, &AccessDeniedError{Reason: decision.Reason, Decision: decision}
	}

	if err := c.devices.Touch(ctx, childID, deviceID); err != nil {
		return nil, err
	}

	res, err := c.sessions.Start(ctx, storage.StartSessionParams{
		SessionID: uuid.NewString(),
		ChildID:   childID,
		DeviceID:  deviceID,
		ContentID: contentID,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}

	session := res.Session
	c.index.Add(session.ID, childID)
	metrics.SessionsStarted.Inc()

	if prev := res.Preempted; prev != nil {
		c.index.Remove(prev.ID)
		metrics.SessionsClosed.WithLabelValues(string(storage.SessionPreempted)).Inc()
		c.publish(ctx, broadcast.Event{
			Kind:      broadcast.KindSessionPreempted,
			ChildID:   childID,
			DeviceID:  prev.DeviceID,
			SessionID: prev.ID,
		})
		c.logger.Info().
			Str("child_id", childID).
			Str("session_id", prev.ID).
			Str("device_id", prev.DeviceID).
			Str("by_device_id", deviceID).
			Msg("Session preempted")
	}

	c.publish(ctx, broadcast.Event{
		Kind:             broadcast.KindSessionStarted,
		ChildID:          childID,
		SessionID:        session.ID,
		SourceDeviceID:   deviceID,
		RemainingMinutes: broadcast.Remaining(decision.RemainingMinutes()),
	})

	c.logger.Info().
		Str("child_id", childID).
		Str("device_id", deviceID).
		Str("session_id", session.ID).
		Int64("token", session.Token).
		Msg("Session started")

	return &StartResult{
		Session:   session,
		Preempted: res.Preempted,
		Decision:  decision,
	}, nil
}

// Heartbeat credits viewing time and re-evaluates access
func (c *Coordinator) Heartbeat(ctx context.Context, sessionID string, token int64, elapsedSeconds, position float64) (*HeartbeatResult, error) {
	started := time.Now()
	defer func() {
		metrics.HeartbeatDuration.Observe(time.Since(started).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	childID, err := c.childOf(ctx, sessionID)
	if err != nil {
		metrics.Heartbeats.WithLabelValues("not_found").Inc()
		return nil, err
	}

	unlock, err := c.locks.Lock(ctx, childID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := c.rules.Rules(ctx, childID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	if elapsedSeconds < 0 {
		elapsedSeconds = 0
	}

	now := c.clock.Now()
	loc := rules.Location(r)
	res, err := c.sessions.Heartbeat(ctx, storage.HeartbeatParams{
		SessionID:     sessionID,
		Token:         token,
		ElapsedMillis: int64(elapsedSeconds * 1000),
		Position:      position,
		Now:           now,
		Tolerance:     c.config.HeartbeatTolerance,
		LedgerDate:    rules.LocalDate(now, loc),
		DayStart:      rules.DayStart(now, loc),
	})
	if err != nil {
		if errors.Is(err, storage.ErrStaleSession) {
			metrics.Heartbeats.WithLabelValues("stale").Inc()
			c.index.Remove(sessionID)
			c.logger.Debug().
				Str("session_id", sessionID).
				Int64("token", token).
				Msg("Rejected stale heartbeat")
			return nil, err
		}
		metrics.Heartbeats.WithLabelValues("error").Inc()
		return nil, err
	}

	session := res.Session
	if err := c.devices.Touch(ctx, childID, session.DeviceID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// The device was removed; its session must not keep running
			metrics.Heartbeats.WithLabelValues("stale").Inc()
			if err := c.revoke(ctx, session); err != nil {
				return nil, err
			}
			return nil, storage.ErrStaleSession
		}
		c.logger.Warn().Err(err).
			Str("child_id", childID).
			Str("device_id", session.DeviceID).
			Msg("Failed to touch device")
	}

	metrics.Heartbeats.WithLabelValues("ok").Inc()
	metrics.UsageSecondsCredited.Add(float64(res.CreditedMillis) / 1000)

	used := time.Duration(res.UsedMillis) * time.Millisecond
	decision := c.check(ctx, childID, session.DeviceID, session.ContentID, r, used, now)

	breakDue := false
	if r.BreakReminder.Enabled {
		interval := time.Duration(r.BreakReminder.IntervalMinutes) * time.Minute
		after := session.Credited()
		before := after - time.Duration(res.CreditedMillis)*time.Millisecond
		breakDue = rules.BreakDue(interval, before, after)
	}

	c.publish(ctx, broadcast.Event{
		Kind:             broadcast.KindUsageUpdated,
		ChildID:          childID,
		SessionID:        sessionID,
		Minutes:          used.Minutes(),
		RemainingMinutes: broadcast.Remaining(decision.RemainingMinutes()),
	})
	if breakDue {
		c.publish(ctx, broadcast.Event{
			Kind:      broadcast.KindBreakReminder,
			ChildID:   childID,
			DeviceID:  session.DeviceID,
			SessionID: sessionID,
		})
	}
	c.transition(ctx, childID, decision)

	return &HeartbeatResult{
		Allowed:          decision.Allowed,
		RemainingMinutes: decision.RemainingMinutes(),
		UsedMinutes:      used.Minutes(),
		Reason:           decision.Reason,
		BreakDue:         breakDue,
		CreditedMillis:   res.CreditedMillis,
	}, nil
}

// Complete ends a session normally
func (c *Coordinator) Complete(ctx context.Context, sessionID string, token int64) (*storage.Session, error) {
	return c.close(ctx, sessionID, token, storage.SessionCompleted, time.Time{})
}

// ExpireStale closes every active session whose last heartbeat is older than the timeout
func (c *Coordinator) ExpireStale(ctx context.Context) (int, error) {
	active, err := c.sessions.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active sessions: %w", err)
	}

	now := c.clock.Now()
	cutoff := now.Add(-c.config.HeartbeatTimeout)
	expired := 0

	for _, s := range active {
		if !s.LastHeartbeat.Before(cutoff) {
			continue
		}

		_, err := c.close(ctx, s.ID, 0, storage.SessionExpired, cutoff)
		switch {
		case err == nil:
			expired++
			c.logger.Info().
				Str("child_id", s.ChildID).
				Str("session_id", s.ID).
				Time("last_heartbeat", s.LastHeartbeat).
				Msg("Session expired")
		case errors.Is(err, storage.ErrStaleSession), errors.Is(err, storage.ErrNotFound):
			// Closed or refreshed since the listing
		default:
			c.logger.Warn().Err(err).Str("session_id", s.ID).Msg("Failed to expire session")
		}
	}

	metrics.ActiveSessions.Set(float64(len(active) - expired))
	return expired, nil
}

// RevokeDevice closes the session held by a device that was taken out of use.
// retire, when set, runs before the child lock is released.
func (c *Coordinator) RevokeDevice(ctx context.Context, childID, deviceID string, retire func(ctx context.Context) error) error {
	unlock, err := c.locks.Lock(ctx, childID)
	if err != nil {
		return err
	}
	defer unlock()

	current, err := c.sessions.Current(ctx, childID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	case current.DeviceID == deviceID:
		if err := c.revoke(ctx, current); err != nil {
			return err
		}
	}

	if retire != nil {
		return retire(ctx)
	}
	return nil
}

// revoke closes a session as revoked. The caller holds the child lock.
func (c *Coordinator) revoke(ctx context.Context, session *storage.Session) error {
	_, err := c.sessions.Close(ctx, storage.CloseSessionParams{
		SessionID: session.ID,
		Status:    storage.SessionRevoked,
		Now:       c.clock.Now(),
	})
	if errors.Is(err, storage.ErrStaleSession) {
		return nil
	}
	if err != nil {
		return err
	}

	c.index.Remove(session.ID)
	metrics.SessionsClosed.WithLabelValues(string(storage.SessionRevoked)).Inc()
	c.logger.Info().
		Str("child_id", session.ChildID).
		Str("device_id", session.DeviceID).
		Str("session_id", session.ID).
		Msg("Session revoked")

	return nil
}

// Current returns the active session of a child
func (c *Coordinator) Current(ctx context.Context, childID string) (*storage.Session, error) {
	return c.sessions.Current(ctx, childID)
}

// Session returns a session by ID in any status
func (c *Coordinator) Session(ctx context.Context, sessionID string) (*storage.Session, error) {
	return c.sessions.Get(ctx, sessionID)
}

// Remaining evaluates access for a child right now without side effects
func (c *Coordinator) Remaining(ctx context.Context, childID string) (rules.Decision, error) {
	return c.decide(ctx, childID, "", "", c.clock.Now())
}

// Reevaluate checks access after a rule change and publishes lock transitions
func (c *Coordinator) Reevaluate(ctx context.Context, childID string) (rules.Decision, error) {
	unlock, err := c.locks.Lock(ctx, childID)
	if err != nil {
		return rules.Decision{}, err
	}
	defer unlock()

	decision, err := c.decide(ctx, childID, "", "", c.clock.Now())
	if err != nil {
		return rules.Decision{}, err
	}
	c.transition(ctx, childID, decision)
	return decision, nil
}

// Forget drops cached state of a child that was deleted
func (c *Coordinator) Forget(childID string) {
	c.lockState.Remove(childID)
	for _, id := range c.index.Keys() {
		if owner, ok := c.index.Peek(id); ok && owner == childID {
			c.index.Remove(id)
		}
	}
}

func (c *Coordinator) close(ctx context.Context, sessionID string, token int64, status storage.SessionStatus, staleBefore time.Time) (*storage.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	childID, err := c.childOf(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	unlock, err := c.locks.Lock(ctx, childID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := c.sessions.Close(ctx, storage.CloseSessionParams{
		SessionID:   sessionID,
		Token:       token,
		Status:      status,
		Now:         c.clock.Now(),
		StaleBefore: staleBefore,
	})
	if err != nil {
		return nil, err
	}

	c.index.Remove(sessionID)
	metrics.SessionsClosed.WithLabelValues(string(status)).Inc()
	return session, nil
}

// childOf resolves the owner of a session, caching the answer
func (c *Coordinator) childOf(ctx context.Context, sessionID string) (string, error) {
	if childID, ok := c.index.Get(sessionID); ok {
		return childID, nil
	}

	session, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if session.Status == storage.SessionActive {
		c.index.Add(sessionID, session.ChildID)
	}
	return session.ChildID, nil
}

// decide loads rules and today's usage and evaluates access
func (c *Coordinator) decide(ctx context.Context, childID, deviceID, contentID string, now time.Time) (rules.Decision, error) {
	r, err := c.rules.Rules(ctx, childID)
	if err != nil {
		return rules.Decision{}, fmt.Errorf("failed to load rules: %w", err)
	}

	used, err := c.ledger.UsageOn(ctx, childID, rules.LocalDate(now, rules.Location(r)))
	if err != nil {
		return rules.Decision{}, err
	}

	return c.check(ctx, childID, deviceID, contentID, r, used, now), nil
}

func (c *Coordinator) check(ctx context.Context, childID, deviceID, contentID string, r storage.Rules, used time.Duration, now time.Time) rules.Decision {
	return c.policy.Check(ctx, policy.Input{
		ChildID:   childID,
		DeviceID:  deviceID,
		ContentID: contentID,
		Now:       now,
		Rules:     r,
		Decision:  rules.Evaluate(r, used, now),
	})
}

// transition publishes locked or unlocked when the enforcement state of a child changes
func (c *Coordinator) transition(ctx context.Context, childID string, d rules.Decision) {
	next := rules.ReasonNone
	if !d.Allowed {
		next = d.Reason
	}
	prev, known := c.lockState.Get(childID)
	c.lockState.Add(childID, next)

	switch {
	case !d.Allowed && (!known || prev != next):
		metrics.AccessDenied.WithLabelValues(string(d.Reason)).Inc()
		c.publish(ctx, broadcast.Event{
			Kind:             broadcast.KindLocked,
			ChildID:          childID,
			Reason:           d.Reason,
			Minutes:          d.Used.Minutes(),
			RemainingMinutes: broadcast.Remaining(0),
		})
		c.logger.Info().
			Str("child_id", childID).
			Str("reason", string(d.Reason)).
			Msg("Access locked")

	case d.Allowed && known && prev != rules.ReasonNone:
		c.publish(ctx, broadcast.Event{
			Kind:             broadcast.KindUnlocked,
			ChildID:          childID,
			Minutes:          d.Used.Minutes(),
			RemainingMinutes: broadcast.Remaining(d.RemainingMinutes()),
		})
		c.logger.Info().Str("child_id", childID).Msg("Access unlocked")
	}
}

func (c *Coordinator) publish(ctx context.Context, ev broadcast.Event) {
	if c.publisher == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = c.clock.Now()
	}
	c.publisher.Publish(ctx, ev)
}
