package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/ledger"
	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/screentime"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

const defaultUsageDays = 7

// ScreenTimeViews handles rules, pauses, extensions and usage
type ScreenTimeViews struct {
	service *screentime.Service
	ledger  *ledger.Ledger
	logger  zerolog.Logger
}

// NewScreenTimeViews creates a new screen-time views instance
func NewScreenTimeViews(service *screentime.Service, l *ledger.Ledger, logger zerolog.Logger) *ScreenTimeViews {
	return &ScreenTimeViews{
		service: service,
		ledger:  l,
		logger:  logger.With().Str("handler", "screentime").Logger(),
	}
}

type decisionResponse struct {
	Allowed          bool         `json:"allowed"`
	Reason           rules.Reason `json:"reason"`
	RemainingMinutes float64      `json:"remaining_minutes"`
	UsedMinutes      float64      `json:"used_minutes"`
	LimitMinutes     float64      `json:"limit_minutes"`
}

func newDecisionResponse(d rules.Decision) decisionResponse {
	return decisionResponse{
		Allowed:          d.Allowed,
		Reason:           d.Reason,
		RemainingMinutes: d.RemainingMinutes(),
		UsedMinutes:      d.Used.Minutes(),
		LimitMinutes:     d.Limit.Minutes(),
	}
}

type pauseRequest struct {
	DurationMinutes *int   `json:"duration_minutes"`
	Reason          string `json:"reason"`
}

type extendRequest struct {
	Minutes int `json:"minutes" binding:"required"`
}

// Remaining returns the server's authoritative remaining time
func (v *ScreenTimeViews) Remaining(ctx *gin.Context) {
	childID := ctx.Param("childId")

	d, err := v.service.Remaining(ctx.Request.Context(), childID)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to evaluate remaining time")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"minutes": d.RemainingMinutes(),
		"limit":   d.Limit.Minutes(),
		"used":    d.Used.Minutes(),
		"allowed": d.Allowed,
		"reason":  d.Reason,
	})
}

// GetRules returns the rules of a child, defaults if none are stored
func (v *ScreenTimeViews) GetRules(ctx *gin.Context) {
	r, err := v.service.Rules(ctx.Request.Context(), ctx.Param("childId"))
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to load rules")
		return
	}

	ctx.JSON(http.StatusOK, r)
}

// PutRules replaces the parent-editable rules
func (v *ScreenTimeViews) PutRules(ctx *gin.Context) {
	var update storage.Rules
	if err := ctx.ShouldBindJSON(&update); err != nil {
		badRequest(ctx, "Invalid request body: "+err.Error())
		return
	}

	res, err := v.service.Put(ctx.Request.Context(), ctx.Param("childId"), update)
	v.respond(ctx, res, err, "Failed to update rules")
}

// Pause blocks access for a duration, or until resumed when none is given
func (v *ScreenTimeViews) Pause(ctx *gin.Context) {
	var req pauseRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "Invalid request body: "+err.Error())
		return
	}

	var duration *time.Duration
	if req.DurationMinutes != nil {
		if *req.DurationMinutes <= 0 || *req.DurationMinutes > screentime.MaxPauseMinutes {
			badRequest(ctx, fmt.Sprintf("duration_minutes must be between 1 and %d, or null", screentime.MaxPauseMinutes))
			return
		}
		d := time.Duration(*req.DurationMinutes) * time.Minute
		duration = &d
	}

	res, err := v.service.Pause(ctx.Request.Context(), ctx.Param("childId"), duration, req.Reason)
	v.respond(ctx, res, err, "Failed to pause")
}

// Resume lifts a pause
func (v *ScreenTimeViews) Resume(ctx *gin.Context) {
	res, err := v.service.Resume(ctx.Request.Context(), ctx.Param("childId"))
	v.respond(ctx, res, err, "Failed to resume")
}

// Extend grants extra minutes for today
func (v *ScreenTimeViews) Extend(ctx *gin.Context) {
	var req extendRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "Invalid request body: "+err.Error())
		return
	}

	res, err := v.service.Extend(ctx.Request.Context(), ctx.Param("childId"), req.Minutes)
	v.respond(ctx, res, err, "Failed to extend")
}

// Usage returns per-day usage for the last N days, oldest first
func (v *ScreenTimeViews) Usage(ctx *gin.Context) {
	childID := ctx.Param("childId")

	days := defaultUsageDays
	if raw := ctx.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > ledger.RetentionDays {
			badRequest(ctx, fmt.Sprintf("days must be between 1 and %d", ledger.RetentionDays))
			return
		}
		days = n
	}

	r, err := v.service.Rules(ctx.Request.Context(), childID)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to load rules")
		return
	}

	entries, err := v.ledger.History(ctx.Request.Context(), childID, rules.Location(r), days)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to load usage")
		return
	}

	type day struct {
		Date        string  `json:"date"`
		UsedMinutes float64 `json:"used_minutes"`
	}
	out := make([]day, 0, len(entries))
	for i := range entries {
		out = append(out, day{
			Date:        entries[i].Date,
			UsedMinutes: entries[i].Used().Minutes(),
		})
	}

	ctx.JSON(http.StatusOK, gin.H{
		"child_id": childID,
		"timezone": r.Timezone,
		"days":     out,
	})
}

func (v *ScreenTimeViews) respond(ctx *gin.Context, res *screentime.Result, err error, message string) {
	if err != nil {
		writeError(ctx, v.logger, err, message)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"rules":    res.Rules,
		"decision": newDecisionResponse(res.Decision),
	})
}
