package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

// maxRulesUpdateAttempts bounds the optimistic retries of Update
const maxRulesUpdateAttempts = 8

type rulesStore struct {
	client *redis.Client
}

// Get retrieves the rules of a child
func (s *rulesStore) Get(ctx context.Context, childID string) (*storage.Rules, error) {
	data, err := s.client.Get(ctx, rulesKey(childID)).Bytes()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rules storage.Rules
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}
	return &rules, nil
}

// Put replaces the rules of a child
func (s *rulesStore) Put(ctx context.Context, childID string, rules storage.Rules) error {
	data, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rulesKey(childID), data, 0)
		pipe.SAdd(ctx, childrenKey, childID)
		return nil
	})
	return err
}

// Update runs fn against the current rules under WATCH so a write from
// another instance between the read and the write forces a retry.
func (s *rulesStore) Update(ctx context.Context, childID string, fn func(current *storage.Rules) (storage.Rules, error)) (*storage.Rules, error) {
	key := rulesKey(childID)
	var updated storage.Rules

	txf := func(tx *redis.Tx) error {
		var current *storage.Rules
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
		case err != nil:
			return err
		default:
			var stored storage.Rules
			if err := json.Unmarshal(data, &stored); err != nil {
				return fmt.Errorf("failed to decode rules: %w", err)
			}
			current = &stored
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode rules: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			pipe.SAdd(ctx, childrenKey, childID)
			return nil
		})
		if err == nil {
			updated = next
		}
		return err
	}

	for attempt := 0; attempt < maxRulesUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("rules of %s changed concurrently: %w", childID, redis.TxFailedErr)
}
