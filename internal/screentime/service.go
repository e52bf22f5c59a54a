// Package screentime owns the screen-time rules of each child. Every change
// is persisted, announced to the child's devices and followed by a fresh
// access evaluation so devices lock or unlock without waiting for a
// heartbeat.
package screentime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/broadcast"
	"github.com/goodtune/ktime/internal/keylock"
	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// ErrInvalid is returned for rules or arguments that fail validation.
var ErrInvalid = errors.New("screentime: invalid request")

const (
	DefaultDailyLimitMinutes = 120
	DefaultCacheSize         = 1024
	DefaultCacheTTL          = 5 * time.Second

	// MaxExtensionMinutes bounds a single extension
	MaxExtensionMinutes = 24 * 60

	// MaxPauseMinutes bounds a timed pause; longer breaks are indefinite
	MaxPauseMinutes = 366 * 24 * 60
)

// Enforcer re-evaluates access after a rule change.
type Enforcer interface {
	Reevaluate(ctx context.Context, childID string) (rules.Decision, error)
	Remaining(ctx context.Context, childID string) (rules.Decision, error)
}

// Publisher sends enforcement events.
type Publisher interface {
	Publish(ctx context.Context, ev broadcast.Event)
}

// Config holds service configuration
type Config struct {
	DefaultDailyLimitMinutes int
	DefaultTimezone          string
	CacheSize                int
	// CacheTTL bounds how long another instance's change can go unseen
	// when the pub/sub invalidation is missed.
	CacheTTL time.Duration
}

// Result is the outcome of a rule mutation
type Result struct {
	Rules    storage.Rules
	Decision rules.Decision
}

// Service manages screen-time rules
type Service struct {
	store     storage.RulesStore
	cache     *expirable.LRU[string, storage.Rules]
	locks     *keylock.Locker
	enforcer  Enforcer
	publisher Publisher
	config    Config
	clock     rules.Clock
	logger    zerolog.Logger
}

// New creates a new screen-time service
func New(store storage.RulesStore, locks *keylock.Locker, publisher Publisher, config Config, logger zerolog.Logger) (*Service, error) {
	if config.DefaultDailyLimitMinutes <= 0 {
		config.DefaultDailyLimitMinutes = DefaultDailyLimitMinutes
	}
	if config.DefaultTimezone == "" {
		config.DefaultTimezone = "UTC"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if locks == nil {
		locks = keylock.New()
	}

	return &Service{
		store:     store,
		cache:     expirable.NewLRU[string, storage.Rules](config.CacheSize, nil, config.CacheTTL),
		locks:     locks,
		publisher: publisher,
		config:    config,
		clock:     rules.RealClock{},
		logger:    logger.With().Str("component", "screentime").Logger(),
	}, nil
}

// SetEnforcer sets the component that re-evaluates access after changes
func (s *Service) SetEnforcer(enforcer Enforcer) {
	s.enforcer = enforcer
}

// SetClock sets the clock (for testing)
func (s *Service) SetClock(clock rules.Clock) {
	s.clock = clock
}

// Rules returns the rules of a child, or the defaults when none are stored
func (s *Service) Rules(ctx context.Context, childID string) (storage.Rules, error) {
	if r, ok := s.cache.Get(childID); ok {
		return r, nil
	}

	stored, err := s.store.Get(ctx, childID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Rules{}, err
	}

	r := s.withDefaults(stored)
	if stored != nil {
		s.cache.Add(childID, r)
	}
	return r, nil
}

// withDefaults returns stored rules with blanks filled, or the defaults for nil
func (s *Service) withDefaults(stored *storage.Rules) storage.Rules {
	if stored == nil {
		return rules.Default(s.config.DefaultDailyLimitMinutes, s.config.DefaultTimezone)
	}
	r := *stored
	if r.Timezone == "" {
		r.Timezone = s.config.DefaultTimezone
	}
	return r
}

// Put replaces the parent-editable rules. Pause and extensions are kept.
func (s *Service) Put(ctx context.Context, childID string, update storage.Rules) (*Result, error) {
	if update.Timezone == "" {
		update.Timezone = s.config.DefaultTimezone
	}
	if err := update.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	return s.mutate(ctx, childID, "rules updated", func(r *storage.Rules) error {
		r.DailyLimitMinutes = update.DailyLimitMinutes
		r.WeekdayLimitMinutes = update.WeekdayLimitMinutes
		r.WeekendLimitMinutes = update.WeekendLimitMinutes
		r.Timezone = update.Timezone
		r.Bedtime = update.Bedtime
		r.BreakReminder = update.BreakReminder
		return nil
	})
}

// Pause blocks access. A nil or non-positive duration pauses until resumed.
func (s *Service) Pause(ctx context.Context, childID string, duration *time.Duration, reason string) (*Result, error) {
	if duration != nil && *duration > MaxPauseMinutes*time.Minute {
		return nil, fmt.Errorf("%w: pause must not exceed %d minutes", ErrInvalid, MaxPauseMinutes)
	}

	now := s.clock.Now()
	pause := storage.Pause{
		Active:   true,
		Reason:   reason,
		PausedAt: &now,
	}
	if duration == nil || *duration <= 0 {
		pause.Indefinite = true
	} else {
		until := now.Add(*duration)
		pause.Until = &until
	}

	return s.mutate(ctx, childID, "paused", func(r *storage.Rules) error {
		r.Pause = pause
		return nil
	})
}

// Resume lifts a pause
func (s *Service) Resume(ctx context.Context, childID string) (*Result, error) {
	return s.mutate(ctx, childID, "resumed", func(r *storage.Rules) error {
		r.Pause = storage.Pause{}
		return nil
	})
}

// Extend grants extra minutes for the child's current local date
func (s *Service) Extend(ctx context.Context, childID string, minutes int) (*Result, error) {
	if minutes <= 0 || minutes > MaxExtensionMinutes {
		return nil, fmt.Errorf("%w: minutes must be between 1 and %d", ErrInvalid, MaxExtensionMinutes)
	}

	return s.mutate(ctx, childID, "extended", func(r *storage.Rules) error {
		now := s.clock.Now()
		today := rules.LocalDate(now, rules.Location(*r))
		rules.PruneExtensions(r, today)
		r.Extensions = append(r.Extensions, storage.Extension{
			Minutes:   minutes,
			Date:      today,
			GrantedAt: now,
		})
		return nil
	})
}

// Remaining evaluates the current access decision of a child
func (s *Service) Remaining(ctx context.Context, childID string) (rules.Decision, error) {
	if s.enforcer != nil {
		return s.enforcer.Remaining(ctx, childID)
	}
	r, err := s.Rules(ctx, childID)
	if err != nil {
		return rules.Decision{}, err
	}
	return rules.Evaluate(r, 0, s.clock.Now()), nil
}

// Forget drops the cached rules of a child
func (s *Service) Forget(childID string) {
	s.cache.Remove(childID)
}

// mutate applies fn to the stored rules, never the cache, persists the
// result and fans it out. The child lock orders local writers; the store
// resolves races with other instances.
func (s *Service) mutate(ctx context.Context, childID, action string, fn func(r *storage.Rules) error) (*Result, error) {
	unlock, err := s.locks.Lock(ctx, childID)
	if err != nil {
		return nil, err
	}

	stored, err := s.store.Update(ctx, childID, func(current *storage.Rules) (storage.Rules, error) {
		r := s.withDefaults(current)
		if err := fn(&r); err != nil {
			return storage.Rules{}, err
		}
		r.UpdatedAt = s.clock.Now()
		return r, nil
	})
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to store rules: %w", err)
	}
	r := *stored
	s.cache.Add(childID, r)
	unlock()

	s.logger.Info().
		Str("child_id", childID).
		Str("action", action).
		Msg("Screen-time rules changed")

	if s.publisher != nil {
		s.publisher.Publish(ctx, broadcast.Event{
			Kind:    broadcast.KindRulesUpdated,
			ChildID: childID,
			At:      r.UpdatedAt,
		})
	}

	result := &Result{Rules: r}
	if s.enforcer != nil {
		decision, err := s.enforcer.Reevaluate(ctx, childID)
		if err != nil {
			s.logger.Warn().Err(err).Str("child_id", childID).Msg("Failed to re-evaluate access")
		} else {
			result.Decision = decision
		}
	}

	return result, nil
}
