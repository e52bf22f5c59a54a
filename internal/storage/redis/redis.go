package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client         *redis.Client
	deviceStore    *deviceStore
	sessionStore   *sessionStore
	ledgerStore    *ledgerStore
	rulesStore     *rulesStore
	approvalStore  *approvalStore
	allowListStore *allowListStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client), nil
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{
		client:         client,
		deviceStore:    &deviceStore{client: client},
		sessionStore:   &sessionStore{client: client},
		ledgerStore:    &ledgerStore{client: client},
		rulesStore:     &rulesStore{client: client},
		approvalStore:  &approvalStore{client: client},
		allowListStore: &allowListStore{client: client},
	}
}

// Client exposes the underlying connection for Pub/Sub.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Devices returns the DeviceStore implementation
func (s *Store) Devices() storage.DeviceStore {
	return s.deviceStore
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

// Ledger returns the LedgerStore implementation
func (s *Store) Ledger() storage.LedgerStore {
	return s.ledgerStore
}

// Rules returns the RulesStore implementation
func (s *Store) Rules() storage.RulesStore {
	return s.rulesStore
}

// Approvals returns the ApprovalStore implementation
func (s *Store) Approvals() storage.ApprovalStore {
	return s.approvalStore
}

// AllowList returns the AllowListStore implementation
func (s *Store) AllowList() storage.AllowListStore {
	return s.allowListStore
}

// DeleteChild removes devices, sessions, ledger, rules, approvals and allow-list of a child
func (s *Store) DeleteChild(ctx context.Context, childID string) error {
	keys := []string{
		devicesKey(childID),
		activeDevicesKey(childID),
		currentSessionKey(childID),
		tokenKey(childID),
		childSessionsKey(childID),
		rulesKey(childID),
		approvalsKey(childID),
		pendingApprovalsKey(childID),
		allowListKey(childID),
	}

	deviceIDs, err := s.client.SMembers(ctx, devicesKey(childID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	for _, id := range deviceIDs {
		keys = append(keys, deviceKey(childID, id))
	}

	sessionIDs, err := s.client.SMembers(ctx, childSessionsKey(childID)).Result()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, id := range sessionIDs {
		keys = append(keys, sessionKey(id))
	}

	approvalIDs, err := s.client.ZRange(ctx, approvalsKey(childID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}
	for _, id := range approvalIDs {
		keys = append(keys, approvalKey(id))
	}

	for _, pattern := range []string{ledgerPattern(childID), approvalTargetPattern(childID)} {
		iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		if len(sessionIDs) > 0 {
			members := make([]interface{}, len(sessionIDs))
			for i, id := range sessionIDs {
				members[i] = id
			}
			pipe.SRem(ctx, activeSessionsKey, members...)
		}
		pipe.SRem(ctx, childrenKey, childID)
		return nil
	})
	return err
}
