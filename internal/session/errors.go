package session

import (
	"fmt"

	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/storage"
)

var (
	ErrNotFound     = storage.ErrNotFound
	ErrStaleSession = storage.ErrStaleSession
)

// AccessDeniedError is returned when a session may not start.
type AccessDeniedError struct {
	Reason   rules.Reason
	Decision rules.Decision
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}
