// Package devices keeps the registry of devices a child watches on.
package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/broadcast"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound            = storage.ErrNotFound
	ErrDeviceLimitExceeded = storage.ErrDeviceLimitExceeded

	// ErrInvalidDevice is returned when a child or device ID is missing.
	ErrInvalidDevice = errors.New("devices: child_id and device_id are required")
)

const (
	DefaultMaxActive   = 5
	DefaultIdleTimeout = 30 * 24 * time.Hour
	DefaultPruneAfter  = 90 * 24 * time.Hour
)

// Mode selects what removing a device does.
type Mode string

const (
	ModeDeactivate Mode = "deactivate"
	ModeRemove     Mode = "remove"
)

// ParseMode parses a removal mode, defaulting to deactivate.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeDeactivate:
		return ModeDeactivate, nil
	case ModeRemove:
		return ModeRemove, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Metadata describes a device at registration.
type Metadata struct {
	Name     string
	Class    storage.DeviceClass
	Platform string
}

// SessionRevoker closes the session owned by a device. retire runs under the
// same per-child lock once the session is closed, so no session can start on
// the device before it is taken out of use.
type SessionRevoker interface {
	RevokeDevice(ctx context.Context, childID, deviceID string, retire func(ctx context.Context) error) error
}

// Publisher sends enforcement events.
type Publisher interface {
	Publish(ctx context.Context, ev broadcast.Event)
}

// Config holds registry configuration
type Config struct {
	MaxActive   int
	IdleTimeout time.Duration
	PruneAfter  time.Duration
}

// Registry manages registered devices
type Registry struct {
	store       storage.DeviceStore
	maxActive   int
	idleTimeout time.Duration
	pruneAfter  time.Duration
	revoker     SessionRevoker
	publisher   Publisher
	clock       rules.Clock
	logger      zerolog.Logger
}

// NewRegistry creates a new device registry
func NewRegistry(store storage.DeviceStore, config Config, publisher Publisher, logger zerolog.Logger) *Registry {
	if config.MaxActive <= 0 {
		config.MaxActive = DefaultMaxActive
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.PruneAfter <= 0 {
		config.PruneAfter = DefaultPruneAfter
	}

	return &Registry{
		store:       store,
		maxActive:   config.MaxActive,
		idleTimeout: config.IdleTimeout,
		pruneAfter:  config.PruneAfter,
		publisher:   publisher,
		clock:       rules.RealClock{},
		logger:      logger.With().Str("component", "device-registry").Logger(),
	}
}

// SetSessionRevoker sets the hook used to close sessions of removed devices
func (r *Registry) SetSessionRevoker(revoker SessionRevoker) {
	r.revoker = revoker
}

// SetClock sets the clock (for testing)
func (r *Registry) SetClock(clock rules.Clock) {
	r.clock = clock
}

// MaxActive returns the active device limit per child
func (r *Registry) MaxActive() int {
	return r.maxActive
}

// Register upserts a device and marks it active
func (r *Registry) Register(ctx context.Context, childID, deviceID string, meta Metadata) (*storage.Device, error) {
	if childID == "" || deviceID == "" {
		return nil, ErrInvalidDevice
	}
	if meta.Class == "" {
		meta.Class = storage.DeviceClassUnknown
	}

	device, err := r.store.Register(ctx, storage.Device{
		ChildID:      childID,
		DeviceID:     deviceID,
		Name:         meta.Name,
		Class:        meta.Class,
		Platform:     meta.Platform,
		RegisteredAt: r.clock.Now(),
	}, r.maxActive)
	if err != nil {
		if errors.Is(err, storage.ErrDeviceLimitExceeded) {
			metrics.DeviceRegistrations.WithLabelValues("limit_exceeded").Inc()
			r.logger.Info().
				Str("child_id", childID).
				Str("device_id", deviceID).
				Int("max_active", r.maxActive).
				Msg("Device registration rejected, active limit reached")
			return nil, err
		}
		metrics.DeviceRegistrations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	metrics.DeviceRegistrations.WithLabelValues("ok").Inc()
	r.logger.Info().
		Str("child_id", childID).
		Str("device_id", deviceID).
		Str("class", string(device.Class)).
		Msg("Device registered")

	return device, nil
}

// Touch refreshes the last activity of a registered device
func (r *Registry) Touch(ctx context.Context, childID, deviceID string) error {
	if err := r.store.Touch(ctx, childID, deviceID, r.clock.Now(), r.maxActive); err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrDeviceLimitExceeded) {
			return err
		}
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

// Get returns a registered device
func (r *Registry) Get(ctx context.Context, childID, deviceID string) (*storage.Device, error) {
	return r.store.Get(ctx, childID, deviceID)
}

// List returns every registered device of a child
func (r *Registry) List(ctx context.Context, childID string) ([]storage.Device, error) {
	devices, err := r.store.List(ctx, childID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// Deactivate marks a device inactive and revokes its session
func (r *Registry) Deactivate(ctx context.Context, childID, deviceID string) error {
	return r.DeactivateOrRemove(ctx, childID, deviceID, ModeDeactivate)
}

// Remove deletes a device and revokes its session
func (r *Registry) Remove(ctx context.Context, childID, deviceID string) error {
	return r.DeactivateOrRemove(ctx, childID, deviceID, ModeRemove)
}

// DeactivateOrRemove takes a device out of use. Any session the device holds
// is closed as revoked and the device is told to lock.
func (r *Registry) DeactivateOrRemove(ctx context.Context, childID, deviceID string, mode Mode) error {
	if _, err := r.store.Get(ctx, childID, deviceID); err != nil {
		return err
	}

	retire := func(ctx context.Context) error {
		if mode == ModeRemove {
			return r.store.Delete(ctx, childID, deviceID)
		}
		return r.store.Deactivate(ctx, childID, deviceID)
	}

	var err error
	if r.revoker != nil {
		err = r.revoker.RevokeDevice(ctx, childID, deviceID, retire)
	} else {
		err = retire(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to %s device: %w", mode, err)
	}

	metrics.DevicesDeactivated.WithLabelValues(string(mode)).Inc()

	if r.publisher != nil {
		r.publisher.Publish(ctx, broadcast.Event{
			Kind:     broadcast.KindLocked,
			ChildID:  childID,
			DeviceID: deviceID,
			Reason:   rules.ReasonDeviceRemoved,
			At:       r.clock.Now(),
		})
	}

	r.logger.Info().
		Str("child_id", childID).
		Str("device_id", deviceID).
		Str("mode", string(mode)).
		Msg("Device taken out of use")

	return nil
}

// DeactivateIdle deactivates devices with no activity for the idle timeout
func (r *Registry) DeactivateIdle(ctx context.Context, now time.Time) (int, error) {
	return r.sweep(ctx, func(d storage.Device) error {
		if !d.Active || now.Sub(d.LastActiveAt) < r.idleTimeout {
			return errSkip
		}
		return r.store.Deactivate(ctx, d.ChildID, d.DeviceID)
	}, "idle")
}

// Prune deletes inactive devices unused for longer than the prune window
func (r *Registry) Prune(ctx context.Context, now time.Time) (int, error) {
	return r.sweep(ctx, func(d storage.Device) error {
		if d.Active || now.Sub(d.LastActiveAt) < r.pruneAfter {
			return errSkip
		}
		return r.store.Delete(ctx, d.ChildID, d.DeviceID)
	}, "prune")
}

var errSkip = errors.New("skip")

func (r *Registry) sweep(ctx context.Context, fn func(storage.Device) error, mode string) (int, error) {
	children, err := r.store.ListChildren(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list children: %w", err)
	}

	count := 0
	for _, childID := range children {
		devices, err := r.store.List(ctx, childID)
		if err != nil {
			r.logger.Warn().Err(err).Str("child_id", childID).Msg("Failed to list devices")
			continue
		}
		for _, d := range devices {
			err := fn(d)
			if errors.Is(err, errSkip) {
				continue
			}
			if err != nil {
				r.logger.Warn().Err(err).
					Str("child_id", d.ChildID).
					Str("device_id", d.DeviceID).
					Str("mode", mode).
					Msg("Device sweep failed")
				continue
			}
			count++
			metrics.DevicesDeactivated.WithLabelValues(mode).Inc()
		}
	}

	if count > 0 {
		r.logger.Info().Int("devices", count).Str("mode", mode).Msg("Device sweep complete")
	}
	return count, nil
}
