package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/approval"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

// ApprovalViews handles approval requests and channel checks
type ApprovalViews struct {
	workflow *approval.Workflow
	logger   zerolog.Logger
}

// NewApprovalViews creates a new approval views instance
func NewApprovalViews(workflow *approval.Workflow, logger zerolog.Logger) *ApprovalViews {
	return &ApprovalViews{
		workflow: workflow,
		logger:   logger.With().Str("handler", "approvals").Logger(),
	}
}

type approvalRequest struct {
	TargetKind storage.TargetKind       `json:"target_kind" binding:"required"`
	TargetID   string                   `json:"target_id" binding:"required"`
	Metadata   storage.ApprovalMetadata `json:"metadata"`
	Message    string                   `json:"message"`
}

type reviewRequest struct {
	Status storage.ApprovalStatus `json:"status" binding:"required"`
	Note   string                 `json:"note"`
}

// Create files an approval request for the calling child
func (v *ApprovalViews) Create(ctx *gin.Context) {
	claims := claimsFrom(ctx)

	var req approvalRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "Invalid request body: "+err.Error())
		return
	}

	res, created, err := v.workflow.Request(ctx.Request.Context(), claims.ChildID, req.TargetKind, req.TargetID, req.Metadata, req.Message)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to create approval request")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ctx.JSON(status, res)
}

// ChannelAllowed reports whether the calling child may watch a channel
func (v *ApprovalViews) ChannelAllowed(ctx *gin.Context) {
	claims := claimsFrom(ctx)
	channelID := ctx.Param("channelId")

	allowed, err := v.workflow.IsChannelAllowed(ctx.Request.Context(), claims.ChildID, channelID)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to check channel")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"channel_id": channelID,
		"allowed":    allowed,
	})
}

// List returns a child's requests, filtered by ?status=
func (v *ApprovalViews) List(ctx *gin.Context) {
	list, err := v.workflow.List(ctx.Request.Context(), ctx.Param("childId"), storage.ApprovalStatus(ctx.Query("status")))
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to list approval requests")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"requests": list,
		"count":    len(list),
	})
}

// Review approves or rejects a request
func (v *ApprovalViews) Review(ctx *gin.Context) {
	var req reviewRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "Invalid request body: "+err.Error())
		return
	}

	id, ok := v.authorize(ctx)
	if !ok {
		return
	}

	res, err := v.workflow.Review(ctx.Request.Context(), id, req.Status, req.Note)
	v.respond(ctx, res, err, "Failed to review request")
}

// QuickApproveChannel approves a request and allow-lists its channel
func (v *ApprovalViews) QuickApproveChannel(ctx *gin.Context) {
	id, ok := v.authorize(ctx)
	if !ok {
		return
	}

	res, err := v.workflow.QuickApproveChannel(ctx.Request.Context(), id)
	v.respond(ctx, res, err, "Failed to approve channel")
}

// Dismiss closes a request without a decision
func (v *ApprovalViews) Dismiss(ctx *gin.Context) {
	id, ok := v.authorize(ctx)
	if !ok {
		return
	}

	res, err := v.workflow.Dismiss(ctx.Request.Context(), id)
	v.respond(ctx, res, err, "Failed to dismiss request")
}

// authorize checks that the parent may act on the request in the path
func (v *ApprovalViews) authorize(ctx *gin.Context) (string, bool) {
	id := ctx.Param("id")

	req, err := v.workflow.Get(ctx.Request.Context(), id)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to load request")
		return "", false
	}
	if !claimsFrom(ctx).CanAccessChild(req.ChildID) {
		// Do not reveal requests of other families
		ctx.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Request not found",
		})
		return "", false
	}
	return id, true
}

func (v *ApprovalViews) respond(ctx *gin.Context, res *storage.ApprovalRequest, err error, message string) {
	if err != nil {
		writeError(ctx, v.logger, err, message)
		return
	}
	ctx.JSON(http.StatusOK, res)
}
