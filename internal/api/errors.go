package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/approval"
	"github.com/goodtune/ktime/internal/devices"
	"github.com/goodtune/ktime/internal/screentime"
	"github.com/goodtune/ktime/internal/session"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

// errInvalidInput marks request validation failures raised in this package
var errInvalidInput = errors.New("invalid input")

// writeError maps a domain error to its HTTP response. Unexpected errors
// are logged and reported without detail.
func writeError(ctx *gin.Context, logger zerolog.Logger, err error, message string) {
	var denied *session.AccessDeniedError
	switch {
	case errors.As(err, &denied):
		ctx.JSON(http.StatusForbidden, gin.H{
			"error":   "access_denied",
			"reason":  denied.Reason,
			"message": denied.Error(),
		})
	case errors.Is(err, storage.ErrNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": message + ": not found",
		})
	case errors.Is(err, storage.ErrStaleSession):
		ctx.JSON(http.StatusConflict, gin.H{
			"error":   "stale_session",
			"message": "Session is no longer the active holder",
		})
	case errors.Is(err, storage.ErrDeviceLimitExceeded):
		ctx.JSON(http.StatusConflict, gin.H{
			"error":   "device_limit_exceeded",
			"message": "Active device limit reached",
		})
	case errors.Is(err, storage.ErrAlreadyReviewed):
		ctx.JSON(http.StatusConflict, gin.H{
			"error":   "already_reviewed",
			"message": "Request has already been reviewed",
		})
	case errors.Is(err, errInvalidInput),
		errors.Is(err, devices.ErrInvalidDevice),
		errors.Is(err, screentime.ErrInvalid),
		errors.Is(err, approval.ErrInvalid),
		errors.Is(err, approval.ErrNoChannel):
		badRequest(ctx, err.Error())
	default:
		logger.Error().Err(err).Msg(message)
		ctx.JSON(http.StatusInternalServerError, gin.H{
			"error":   "server_error",
			"message": message,
		})
	}
}

func badRequest(ctx *gin.Context, message string) {
	ctx.JSON(http.StatusBadRequest, gin.H{
		"error":   "bad_request",
		"message": message,
	})
}

func forbidden(ctx *gin.Context, message string) {
	ctx.JSON(http.StatusForbidden, gin.H{
		"error":   "forbidden",
		"message": message,
	})
}
