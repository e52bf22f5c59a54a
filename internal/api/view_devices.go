package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/devices"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

// DeviceViews handles device registration and management
type DeviceViews struct {
	registry *devices.Registry
	logger   zerolog.Logger
}

// NewDeviceViews creates a new device views instance
func NewDeviceViews(registry *devices.Registry, logger zerolog.Logger) *DeviceViews {
	return &DeviceViews{
		registry: registry,
		logger:   logger.With().Str("handler", "devices").Logger(),
	}
}

type registerRequest struct {
	ChildID  string              `json:"child_id"`
	DeviceID string              `json:"device_id"`
	Name     string              `json:"name"`
	Class    storage.DeviceClass `json:"class"`
	Platform string              `json:"platform"`
}

// Register upserts the calling device. Identifiers in the body, when
// present, must match the token.
func (v *DeviceViews) Register(ctx *gin.Context) {
	claims := claimsFrom(ctx)

	var req registerRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "Invalid request body: "+err.Error())
		return
	}
	if (req.ChildID != "" && req.ChildID != claims.ChildID) || (req.DeviceID != "" && req.DeviceID != claims.DeviceID) {
		forbidden(ctx, "Token does not cover this device")
		return
	}

	device, err := v.registry.Register(ctx.Request.Context(), claims.ChildID, claims.DeviceID, devices.Metadata{
		Name:     req.Name,
		Class:    req.Class,
		Platform: req.Platform,
	})
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to register device")
		return
	}

	ctx.JSON(http.StatusOK, device)
}

// List returns every registered device of a child
func (v *DeviceViews) List(ctx *gin.Context) {
	childID := ctx.Param("childId")

	list, err := v.registry.List(ctx.Request.Context(), childID)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to list devices")
		return
	}

	active := 0
	for _, d := range list {
		if d.Active {
			active++
		}
	}

	ctx.JSON(http.StatusOK, gin.H{
		"devices":    list,
		"count":      len(list),
		"active":     active,
		"max_active": v.registry.MaxActive(),
	})
}

// Remove deactivates or deletes a device, ending its session
func (v *DeviceViews) Remove(ctx *gin.Context) {
	childID := ctx.Param("childId")
	deviceID := ctx.Param("deviceId")

	mode, err := devices.ParseMode(ctx.Query("mode"))
	if err != nil {
		badRequest(ctx, err.Error())
		return
	}

	if err := v.registry.DeactivateOrRemove(ctx.Request.Context(), childID, deviceID, mode); err != nil {
		writeError(ctx, v.logger, err, "Failed to remove device")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"device_id": deviceID,
		"mode":      mode,
	})
}
