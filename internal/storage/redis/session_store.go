package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
}

// Start preempts the child's current session and opens a new one
func (s *sessionStore) Start(ctx context.Context, params storage.StartSessionParams) (*storage.StartSessionResult, error) {
	keys := []string{
		currentSessionKey(params.ChildID),
		tokenKey(params.ChildID),
		activeSessionsKey,
		sessionKey(params.SessionID),
		childSessionsKey(params.ChildID),
	}
	args := []interface{}{
		sessionKeyPrefix,
		params.SessionID,
		params.ChildID,
		params.DeviceID,
		params.ContentID,
		millis(params.Now),
		retentionSeconds,
	}

	values, err := startSession.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected start result: %v", values)
	}

	token, ok := values[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected token type %T", values[0])
	}

	result := &storage.StartSessionResult{
		Session: &storage.Session{
			ID:            params.SessionID,
			ChildID:       params.ChildID,
			DeviceID:      params.DeviceID,
			ContentID:     params.ContentID,
			Token:         token,
			StartedAt:     time.UnixMilli(params.Now.UnixMilli()),
			LastHeartbeat: time.UnixMilli(params.Now.UnixMilli()),
			Status:        storage.SessionActive,
		},
	}

	if preemptedID, _ := values[1].(string); preemptedID != "" {
		preempted, err := s.Get(ctx, preemptedID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load preempted session: %w", err)
		}
		result.Preempted = preempted
	}

	return result, nil
}

// Heartbeat credits usage for the current holder
func (s *sessionStore) Heartbeat(ctx context.Context, params storage.HeartbeatParams) (*storage.HeartbeatResult, error) {
	session, err := s.Get(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}

	keys := []string{
		sessionKey(session.ID),
		currentSessionKey(session.ChildID),
		ledgerKey(session.ChildID, params.LedgerDate),
	}
	args := []interface{}{
		session.ID,
		strconv.FormatInt(params.Token, 10),
		params.ElapsedMillis,
		strconv.FormatFloat(params.Position, 'f', -1, 64),
		millis(params.Now),
		params.Tolerance.Milliseconds(),
		millis(params.DayStart),
		storage.MaxDailyMillis,
		retentionSeconds,
		session.ChildID,
		params.LedgerDate,
	}

	values, err := heartbeatSession.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("unexpected heartbeat result: %v", values)
	}
	if values[0] == scriptRejected {
		return nil, storage.ErrStaleSession
	}

	session.Position = params.Position
	session.CreditedMillis = values[2]
	if params.Now.After(session.LastHeartbeat) {
		session.LastHeartbeat = time.UnixMilli(params.Now.UnixMilli())
	}

	return &storage.HeartbeatResult{
		Session:        session,
		CreditedMillis: values[0],
		UsedMillis:     values[1],
	}, nil
}

// Close transitions an active session to a terminal status
func (s *sessionStore) Close(ctx context.Context, params storage.CloseSessionParams) (*storage.Session, error) {
	session, err := s.Get(ctx, params.SessionID)
	if err != nil {
		return nil, err
	}

	token := ""
	if params.Token != 0 {
		token = strconv.FormatInt(params.Token, 10)
	}
	staleBefore := ""
	if !params.StaleBefore.IsZero() {
		staleBefore = millis(params.StaleBefore)
	}

	keys := []string{
		sessionKey(session.ID),
		currentSessionKey(session.ChildID),
		activeSessionsKey,
	}
	args := []interface{}{
		session.ID,
		token,
		string(params.Status),
		millis(params.Now),
		staleBefore,
		retentionSeconds,
	}

	result, err := closeSession.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}

	switch result {
	case scriptMissing:
		return nil, storage.ErrNotFound
	case scriptRejected:
		return nil, storage.ErrStaleSession
	}

	endedAt := time.UnixMilli(params.Now.UnixMilli())
	session.Status = params.Status
	session.EndedAt = &endedAt
	return session, nil
}

// Get retrieves a session by ID
func (s *sessionStore) Get(ctx context.Context, id string) (*storage.Session, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseSession(data)
}

// Current returns the child's active session
func (s *sessionStore) Current(ctx context.Context, childID string) (*storage.Session, error) {
	id, err := s.client.Get(ctx, currentSessionKey(childID)).Result()
	if err == redis.Nil {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Status != storage.SessionActive {
		return nil, storage.ErrNotFound
	}
	return session, nil
}

// ListActive returns every active session
func (s *sessionStore) ListActive(ctx context.Context) ([]storage.Session, error) {
	sessionIDs, err := s.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, err
	}

	if len(sessionIDs) == 0 {
		return []storage.Session{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(sessionIDs))
	for i, id := range sessionIDs {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sessions := make([]storage.Session, 0, len(sessionIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		session, err := parseSession(data)
		if err != nil || session.Status != storage.SessionActive {
			continue
		}
		sessions = append(sessions, *session)
	}

	return sessions, nil
}
