package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type deviceStore struct {
	client *redis.Client
}

// Register upserts a device and marks it active
func (s *deviceStore) Register(ctx context.Context, device storage.Device, maxActive int) (*storage.Device, error) {
	if err := s.activate(ctx, device, device.RegisteredAt, maxActive, true); err != nil {
		return nil, err
	}
	return s.Get(ctx, device.ChildID, device.DeviceID)
}

// Touch refreshes the last-active timestamp of an existing device
func (s *deviceStore) Touch(ctx context.Context, childID, deviceID string, now time.Time, maxActive int) error {
	device := storage.Device{ChildID: childID, DeviceID: deviceID}
	return s.activate(ctx, device, now, maxActive, false)
}

func (s *deviceStore) activate(ctx context.Context, device storage.Device, now time.Time, maxActive int, create bool) error {
	keys := []string{
		deviceKey(device.ChildID, device.DeviceID),
		devicesKey(device.ChildID),
		activeDevicesKey(device.ChildID),
		childrenKey,
	}

	createFlag := "0"
	if create {
		createFlag = "1"
	}

	args := []interface{}{
		device.ChildID,
		device.DeviceID,
		now.UTC().Format(time.RFC3339Nano),
		maxActive,
		createFlag,
		device.Name,
		string(device.Class),
		device.Platform,
	}

	result, err := activateDevice.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to activate device: %w", err)
	}

	switch result {
	case scriptRejected:
		return storage.ErrDeviceLimitExceeded
	case scriptMissing:
		return storage.ErrNotFound
	}
	return nil
}

// Get retrieves a device
func (s *deviceStore) Get(ctx context.Context, childID, deviceID string) (*storage.Device, error) {
	data, err := s.client.HGetAll(ctx, deviceKey(childID, deviceID)).Result()
	if err != nil {
		return nil, err
	}
	return parseDevice(data)
}

// List returns every registered device of a child
func (s *deviceStore) List(ctx context.Context, childID string) ([]storage.Device, error) {
	deviceIDs, err := s.client.SMembers(ctx, devicesKey(childID)).Result()
	if err != nil {
		return nil, err
	}

	if len(deviceIDs) == 0 {
		return []storage.Device{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(deviceIDs))
	for i, id := range deviceIDs {
		cmds[i] = pipe.HGetAll(ctx, deviceKey(childID, id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	devices := make([]storage.Device, 0, len(deviceIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		device, err := parseDevice(data)
		if err != nil {
			continue
		}
		devices = append(devices, *device)
	}

	return devices, nil
}

// Deactivate marks a device inactive
func (s *deviceStore) Deactivate(ctx context.Context, childID, deviceID string) error {
	return s.deactivate(ctx, childID, deviceID, false)
}

// Delete removes a device
func (s *deviceStore) Delete(ctx context.Context, childID, deviceID string) error {
	return s.deactivate(ctx, childID, deviceID, true)
}

func (s *deviceStore) deactivate(ctx context.Context, childID, deviceID string, remove bool) error {
	keys := []string{
		deviceKey(childID, deviceID),
		devicesKey(childID),
		activeDevicesKey(childID),
	}

	removeFlag := "0"
	if remove {
		removeFlag = "1"
	}

	result, err := deactivateDevice.Run(ctx, s.client, keys, deviceID, removeFlag).Int()
	if err != nil {
		return fmt.Errorf("failed to deactivate device: %w", err)
	}
	if result == scriptMissing {
		return storage.ErrNotFound
	}
	return nil
}

// ListChildren returns every known child
func (s *deviceStore) ListChildren(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, childrenKey).Result()
}
