// Package approval handles requests from children to watch content that is
// not yet allowed. Requests start pending and move to exactly one terminal
// state; approving a channel allow-lists it in the same store transition.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/goodtune/ktime/internal/broadcast"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound        = storage.ErrNotFound
	ErrAlreadyReviewed = storage.ErrAlreadyReviewed

	// ErrInvalid is returned for malformed requests or decisions.
	ErrInvalid = errors.New("approval: invalid request")

	// ErrNoChannel is returned when quick-approving a request without a known channel.
	ErrNoChannel = errors.New("approval: request has no channel to approve")
)

const maxMessageLength = 500

// AllowList answers and records per-child channel approvals.
type AllowList interface {
	IsChannelAllowed(ctx context.Context, childID, channelID string) (bool, error)
	AllowChannel(ctx context.Context, childID, channelID string) error
}

// Publisher sends events to parent connections.
type Publisher interface {
	Publish(ctx context.Context, ev broadcast.Event)
}

// Workflow manages approval requests
type Workflow struct {
	store     storage.ApprovalStore
	allow     AllowList
	publisher Publisher
	clock     rules.Clock
	logger    zerolog.Logger
}

// New creates a new approval workflow
func New(store storage.ApprovalStore, allow AllowList, publisher Publisher, logger zerolog.Logger) *Workflow {
	return &Workflow{
		store:     store,
		allow:     allow,
		publisher: publisher,
		clock:     rules.RealClock{},
		logger:    logger.With().Str("component", "approval").Logger(),
	}
}

// SetClock sets the clock (for testing)
func (w *Workflow) SetClock(clock rules.Clock) {
	w.clock = clock
}

// Request files a pending request. A pending request for the same target is
// returned as is, with created false.
func (w *Workflow) Request(ctx context.Context, childID string, kind storage.TargetKind, targetID string, meta storage.ApprovalMetadata, message string) (*storage.ApprovalRequest, bool, error) {
	if childID == "" || targetID == "" {
		return nil, false, fmt.Errorf("%w: child_id and target_id are required", ErrInvalid)
	}
	if kind != storage.TargetVideo && kind != storage.TargetChannel {
		return nil, false, fmt.Errorf("%w: unknown target kind %q", ErrInvalid, kind)
	}
	message = strings.TrimSpace(message)
	message = truncate(message, maxMessageLength)
	if kind == storage.TargetChannel && meta.ChannelID == "" {
		meta.ChannelID = targetID
	}

	req, created, err := w.store.Create(ctx, storage.ApprovalRequest{
		ID:         uuid.NewString(),
		ChildID:    childID,
		TargetKind: kind,
		TargetID:   targetID,
		Metadata:   meta,
		Message:    message,
		Status:     storage.ApprovalPending,
		CreatedAt:  w.clock.Now(),
	})
	if err != nil {
		return nil, false, err
	}

	if !created {
		w.logger.Debug().
			Str("child_id", childID).
			Str("request_id", req.ID).
			Msg("Returning existing pending request")
		return req, false, nil
	}

	metrics.ApprovalTransitions.WithLabelValues(string(storage.ApprovalPending)).Inc()
	if w.publisher != nil {
		w.publisher.Publish(ctx, broadcast.Event{
			Kind:      broadcast.KindApprovalRequested,
			ChildID:   childID,
			Audience:  broadcast.RoleParent,
			RequestID: req.ID,
			At:        req.CreatedAt,
		})
	}

	w.logger.Info().
		Str("child_id", childID).
		Str("request_id", req.ID).
		Str("target_kind", string(kind)).
		Str("target_id", targetID).
		Msg("Approval requested")

	return req, true, nil
}

// Review approves or rejects a pending request. Approving a channel request
// adds the channel to the child's allow-list.
func (w *Workflow) Review(ctx context.Context, requestID string, status storage.ApprovalStatus, note string) (*storage.ApprovalRequest, error) {
	if status != storage.ApprovalApproved && status != storage.ApprovalRejected {
		return nil, fmt.Errorf("%w: decision must be approved or rejected", ErrInvalid)
	}

	req, err := w.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	allowChannel := ""
	if status == storage.ApprovalApproved && req.TargetKind == storage.TargetChannel {
		allowChannel = req.TargetID
	}

	return w.transition(ctx, storage.ReviewParams{
		RequestID:    requestID,
		Status:       status,
		Note:         note,
		AllowChannel: allowChannel,
	})
}

// QuickApproveChannel approves a pending video request and allow-lists its channel
func (w *Workflow) QuickApproveChannel(ctx context.Context, requestID string) (*storage.ApprovalRequest, error) {
	req, err := w.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != storage.ApprovalPending {
		return nil, ErrAlreadyReviewed
	}
	if req.TargetKind != storage.TargetVideo || req.Metadata.ChannelID == "" {
		return nil, ErrNoChannel
	}

	return w.transition(ctx, storage.ReviewParams{
		RequestID:    requestID,
		Status:       storage.ApprovalApproved,
		AllowChannel: req.Metadata.ChannelID,
	})
}

// Dismiss closes a pending request without a decision
func (w *Workflow) Dismiss(ctx context.Context, requestID string) (*storage.ApprovalRequest, error) {
	return w.transition(ctx, storage.ReviewParams{
		RequestID: requestID,
		Status:    storage.ApprovalDismissed,
	})
}

// Get returns a request
func (w *Workflow) Get(ctx context.Context, requestID string) (*storage.ApprovalRequest, error) {
	return w.store.Get(ctx, requestID)
}

// List returns a child's requests, newest first. An empty status lists all.
func (w *Workflow) List(ctx context.Context, childID string, status storage.ApprovalStatus) ([]storage.ApprovalRequest, error) {
	switch status {
	case "", storage.ApprovalPending, storage.ApprovalApproved, storage.ApprovalRejected, storage.ApprovalDismissed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	return w.store.List(ctx, childID, status)
}

// IsChannelAllowed reports whether the child may watch a channel
func (w *Workflow) IsChannelAllowed(ctx context.Context, childID, channelID string) (bool, error) {
	return w.allow.IsChannelAllowed(ctx, childID, channelID)
}

func (w *Workflow) transition(ctx context.Context, params storage.ReviewParams) (*storage.ApprovalRequest, error) {
	params.Now = w.clock.Now()

	req, err := w.store.Review(ctx, params)
	if err != nil {
		return nil, err
	}

	metrics.ApprovalTransitions.WithLabelValues(string(params.Status)).Inc()
	w.logger.Info().
		Str("child_id", req.ChildID).
		Str("request_id", req.ID).
		Str("status", string(req.Status)).
		Str("allowed_channel", params.AllowChannel).
		Msg("Approval request reviewed")

	return req, nil
}

// truncate cuts s to at most limit bytes without splitting a rune
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
