package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/auth"
	"github.com/goodtune/ktime/internal/session"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

// SessionViews handles playback session requests
type SessionViews struct {
	coordinator *session.Coordinator
	logger      zerolog.Logger
}

// NewSessionViews creates a new session views instance
func NewSessionViews(coordinator *session.Coordinator, logger zerolog.Logger) *SessionViews {
	return &SessionViews{
		coordinator: coordinator,
		logger:      logger.With().Str("handler", "sessions").Logger(),
	}
}

type startRequest struct {
	ChildID   string `json:"child_id" binding:"required"`
	DeviceID  string `json:"device_id" binding:"required"`
	ContentID string `json:"content_id"`
}

type heartbeatRequest struct {
	Token          int64   `json:"token" binding:"required"`
	ElapsedSeconds float64 `json:"elapsed_seconds" binding:"gte=0"`
	Position       float64 `json:"position"`
}

type tokenRequest struct {
	Token int64 `json:"token" binding:"required"`
}

// Start opens a session for the calling device
func (v *SessionViews) Start(ctx *gin.Context) {
	claims := claimsFrom(ctx)

	var req startRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "Invalid request body: "+err.Error())
		return
	}
	if req.ChildID != claims.ChildID || req.DeviceID != claims.DeviceID {
		forbidden(ctx, "Token does not cover this device")
		return
	}

	res, err := v.coordinator.Start(ctx.Request.Context(), req.ChildID, req.DeviceID, req.ContentID)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to start session")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"session_id":        res.Session.ID,
		"token":             res.Session.Token,
		"remaining_minutes": res.Decision.RemainingMinutes(),
		"heartbeat_timeout": v.coordinator.HeartbeatTimeout().Seconds(),
	})
}

// Heartbeat credits viewing time for the caller's session
func (v *SessionViews) Heartbeat(ctx *gin.Context) {
	id := ctx.Param("id")

	var req heartbeatRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "Invalid request body: "+err.Error())
		return
	}
	if !v.owns(ctx, id) {
		return
	}

	res, err := v.coordinator.Heartbeat(ctx.Request.Context(), id, req.Token, req.ElapsedSeconds, req.Position)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to record heartbeat")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"allowed":           res.Allowed,
		"remaining_minutes": res.RemainingMinutes,
		"used_minutes":      res.UsedMinutes,
		"reason":            res.Reason,
		"break_due":         res.BreakDue,
	})
}

// Complete ends the caller's session normally
func (v *SessionViews) Complete(ctx *gin.Context) {
	id := ctx.Param("id")

	var req tokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "Invalid request body: "+err.Error())
		return
	}
	if !v.owns(ctx, id) {
		return
	}

	s, err := v.coordinator.Complete(ctx.Request.Context(), id, req.Token)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to complete session")
		return
	}

	ctx.JSON(http.StatusOK, s)
}

// Current returns the session a child is watching on, if any
func (v *SessionViews) Current(ctx *gin.Context) {
	childID := ctx.Param("childId")

	s, err := v.coordinator.Current(ctx.Request.Context(), childID)
	if errors.Is(err, storage.ErrNotFound) {
		ctx.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to load session")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"active":  true,
		"session": s,
	})
}

// owns writes an error response unless the caller's device holds session id
func (v *SessionViews) owns(ctx *gin.Context, id string) bool {
	s, err := v.coordinator.Session(ctx.Request.Context(), id)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to load session")
		return false
	}

	claims := claimsFrom(ctx)
	if !claims.CanAccessChild(s.ChildID) || (claims.Role == auth.RoleDevice && claims.DeviceID != s.DeviceID) {
		forbidden(ctx, "Session belongs to another device")
		return false
	}
	return true
}
