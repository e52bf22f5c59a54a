package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type approvalStore struct {
	client *redis.Client
}

// Create stores a pending request; a pending request for the same target is returned instead
func (s *approvalStore) Create(ctx context.Context, req storage.ApprovalRequest) (*storage.ApprovalRequest, bool, error) {
	keys := []string{
		approvalKey(req.ID),
		approvalTargetKey(req.ChildID, req.TargetKind, req.TargetID),
		approvalsKey(req.ChildID),
		pendingApprovalsKey(req.ChildID),
	}
	args := []interface{}{
		approvalKeyPrefix,
		req.ID,
		req.CreatedAt.UnixMilli(),
		"id", req.ID,
		"child_id", req.ChildID,
		"target_kind", string(req.TargetKind),
		"target_id", req.TargetID,
		"title", req.Metadata.Title,
		"channel_id", req.Metadata.ChannelID,
		"channel_title", req.Metadata.ChannelTitle,
		"thumbnail_url", req.Metadata.ThumbnailURL,
		"message", req.Message,
		"status", string(storage.ApprovalPending),
		"parent_note", "",
		"created_at", req.CreatedAt.UTC().Format(time.RFC3339Nano),
		"reviewed_at", "",
	}

	id, err := createApproval.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create approval request: %w", err)
	}

	stored, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return stored, id == req.ID, nil
}

// Get retrieves a request by ID
func (s *approvalStore) Get(ctx context.Context, id string) (*storage.ApprovalRequest, error) {
	data, err := s.client.HGetAll(ctx, approvalKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseApproval(data)
}

// List returns the child's requests, newest first, filtered by status when set
func (s *approvalStore) List(ctx context.Context, childID string, status storage.ApprovalStatus) ([]storage.ApprovalRequest, error) {
	index := approvalsKey(childID)
	if status == storage.ApprovalPending {
		index = pendingApprovalsKey(childID)
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []storage.ApprovalRequest{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, approvalKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	requests := make([]storage.ApprovalRequest, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		req, err := parseApproval(data)
		if err != nil {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		requests = append(requests, *req)
	}

	return requests, nil
}

// Review moves a pending request to a terminal status
func (s *approvalStore) Review(ctx context.Context, params storage.ReviewParams) (*storage.ApprovalRequest, error) {
	req, err := s.Get(ctx, params.RequestID)
	if err != nil {
		return nil, err
	}

	keys := []string{
		approvalKey(req.ID),
		pendingApprovalsKey(req.ChildID),
		approvalTargetKey(req.ChildID, req.TargetKind, req.TargetID),
		allowListKey(req.ChildID),
	}
	reviewedAt := params.Now.UTC()
	args := []interface{}{
		req.ID,
		string(params.Status),
		params.Note,
		reviewedAt.Format(time.RFC3339Nano),
		params.AllowChannel,
	}

	result, err := reviewApproval.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to review approval request: %w", err)
	}

	switch result {
	case scriptMissing:
		return nil, storage.ErrNotFound
	case scriptRejected:
		return nil, storage.ErrAlreadyReviewed
	}

	req.Status = params.Status
	req.ParentNote = params.Note
	req.ReviewedAt = &reviewedAt
	return req, nil
}
