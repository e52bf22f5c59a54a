// Package ledger reads per-day usage totals of a child.
//
// Entries are keyed by the local calendar date, so there is no reset job:
// the first heartbeat after local midnight lands in a fresh entry. Credits are
// written only by the session coordinator's fenced heartbeat.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionDays is how long ledger entries are kept.
const RetentionDays = 90

// Ledger provides read access to usage totals
type Ledger struct {
	store  storage.LedgerStore
	clock  rules.Clock
	logger zerolog.Logger
}

// New creates a new ledger reader
func New(store storage.LedgerStore, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		clock:  rules.RealClock{},
		logger: logger.With().Str("component", "usage-ledger").Logger(),
	}
}

// SetClock sets the clock used for "today" (for testing)
func (l *Ledger) SetClock(clock rules.Clock) {
	l.clock = clock
}

// TodayUsage returns the usage of the current local calendar day in loc
func (l *Ledger) TodayUsage(ctx context.Context, childID string, loc *time.Location) (time.Duration, error) {
	return l.UsageOn(ctx, childID, rules.LocalDate(l.clock.Now(), loc))
}

// UsageOn returns the usage recorded for a local date
func (l *Ledger) UsageOn(ctx context.Context, childID, date string) (time.Duration, error) {
	entry, err := l.store.Get(ctx, childID, date)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry.Used(), nil
}

// History returns one entry per day for the last days local dates, oldest first.
// Days without usage are returned zero-valued.
func (l *Ledger) History(ctx context.Context, childID string, loc *time.Location, days int) ([]storage.LedgerEntry, error) {
	if days <= 0 {
		days = 1
	}
	if days > RetentionDays {
		days = RetentionDays
	}

	today := rules.DayStart(l.clock.Now(), loc)
	dates := make([]string, days)
	for i := 0; i < days; i++ {
		dates[i] = today.AddDate(0, 0, i-days+1).Format(rules.DateLayout)
	}

	entries, err := l.store.List(ctx, childID, dates)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	l.logger.Debug().
		Str("child_id", childID).
		Int("days", days).
		Msg("Loaded usage history")

	return entries, nil
}
