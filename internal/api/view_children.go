package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/broadcast"
	"github.com/goodtune/ktime/internal/keylock"
	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/screentime"
	"github.com/goodtune/ktime/internal/session"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

// ChildViews handles child profile lifecycle
type ChildViews struct {
	store       storage.Store
	coordinator *session.Coordinator
	screenTime  *screentime.Service
	broadcaster *broadcast.Broadcaster
	locks       *keylock.Locker
	logger      zerolog.Logger
}

// NewChildViews creates a new child views instance
func NewChildViews(store storage.Store, coordinator *session.Coordinator, screenTime *screentime.Service, broadcaster *broadcast.Broadcaster, locks *keylock.Locker, logger zerolog.Logger) *ChildViews {
	if locks == nil {
		locks = keylock.New()
	}
	return &ChildViews{
		store:       store,
		coordinator: coordinator,
		screenTime:  screenTime,
		broadcaster: broadcaster,
		locks:       locks,
		logger:      logger.With().Str("handler", "children").Logger(),
	}
}

// Delete removes every record of a child and locks its connected devices
func (v *ChildViews) Delete(ctx *gin.Context) {
	childID := ctx.Param("childId")
	reqCtx := ctx.Request.Context()

	unlock, err := v.locks.Lock(reqCtx, childID)
	if err != nil {
		writeError(ctx, v.logger, err, "Failed to delete child")
		return
	}
	err = v.store.DeleteChild(reqCtx, childID)
	if err == nil {
		v.coordinator.Forget(childID)
		v.screenTime.Forget(childID)
	}
	unlock()

	if err != nil {
		writeError(ctx, v.logger, err, "Failed to delete child")
		return
	}

	v.broadcaster.Publish(reqCtx, broadcast.Event{
		Kind:    broadcast.KindLocked,
		ChildID: childID,
		Reason:  rules.ReasonDeviceRemoved,
	})

	v.logger.Info().Str("child_id", childID).Msg("Child profile deleted")
	ctx.JSON(http.StatusOK, gin.H{
		"child_id": childID,
		"deleted":  true,
	})
}
