package redis

import (
	"context"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type ledgerStore struct {
	client *redis.Client
}

// Get retrieves the ledger entry of a child for a local date
func (s *ledgerStore) Get(ctx context.Context, childID, date string) (*storage.LedgerEntry, error) {
	data, err := s.client.HGetAll(ctx, ledgerKey(childID, date)).Result()
	if err != nil {
		return nil, err
	}
	return parseLedgerEntry(data)
}

// List returns one entry per requested date, zero-valued when nothing was credited
func (s *ledgerStore) List(ctx context.Context, childID string, dates []string) ([]storage.LedgerEntry, error) {
	if len(dates) == 0 {
		return []storage.LedgerEntry{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(dates))
	for i, date := range dates {
		cmds[i] = pipe.HGetAll(ctx, ledgerKey(childID, date))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	entries := make([]storage.LedgerEntry, len(dates))
	for i, cmd := range cmds {
		entries[i] = storage.LedgerEntry{ChildID: childID, Date: dates[i]}

		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		entry, err := parseLedgerEntry(data)
		if err != nil {
			continue
		}
		entries[i] = *entry
	}

	return entries, nil
}
