package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/auth"
	"github.com/goodtune/ktime/internal/broadcast"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// RealtimeViews upgrades connections onto the enforcement broadcaster
type RealtimeViews struct {
	broadcaster  *broadcast.Broadcaster
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	logger       zerolog.Logger
}

// NewRealtimeViews creates a new realtime views instance
func NewRealtimeViews(broadcaster *broadcast.Broadcaster, allowedOrigins []string, pingInterval time.Duration, logger zerolog.Logger) *RealtimeViews {
	return &RealtimeViews{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Native clients send no Origin
				origin := r.Header.Get("Origin")
				return origin == "" || originAllowed(allowedOrigins, origin)
			},
		},
		pingInterval: pingInterval,
		logger:       logger.With().Str("handler", "realtime").Logger(),
	}
}

// Connect subscribes the caller to its child's events. Devices receive
// the events of the child their token names; parents pick the child with
// ?child_id=.
func (v *RealtimeViews) Connect(ctx *gin.Context) {
	claims := claimsFrom(ctx)

	var childID, deviceID string
	var role broadcast.Role
	switch claims.Role {
	case auth.RoleDevice:
		childID, deviceID, role = claims.ChildID, claims.DeviceID, broadcast.RoleDevice
	case auth.RoleParent:
		childID, role = ctx.Query("child_id"), broadcast.RoleParent
		if childID == "" {
			badRequest(ctx, "child_id is required")
			return
		}
	}
	if !claims.CanAccessChild(childID) {
		forbidden(ctx, "Token does not cover this child")
		return
	}

	conn, err := v.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		// The upgrader has already written the error response
		v.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := v.broadcaster.Subscribe(childID, deviceID, role)
	v.logger.Debug().
		Str("child_id", childID).
		Str("device_id", deviceID).
		Str("role", string(role)).
		Msg("Real-time subscriber connected")

	broadcast.NewConn(conn, v.broadcaster, sub, v.pingInterval, v.logger).Serve()
}
