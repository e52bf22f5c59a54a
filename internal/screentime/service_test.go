package screentime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/ktime/internal/broadcast"
	"github.com/goodtune/ktime/internal/keylock"
	"github.com/goodtune/ktime/internal/rules"
	"github.com/goodtune/ktime/internal/storage"
	redisstore "github.com/goodtune/ktime/internal/storage/redis"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// fakeEnforcer evaluates with zero usage through the service itself
type fakeEnforcer struct {
	svc   *Service
	mu    sync.Mutex
	calls int
}

func (f *fakeEnforcer) Reevaluate(ctx context.Context, childID string) (rules.Decision, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.Remaining(ctx, childID)
}

func (f *fakeEnforcer) Remaining(ctx context.Context, childID string) (rules.Decision, error) {
	r, err := f.svc.Rules(ctx, childID)
	if err != nil {
		return rules.Decision{}, err
	}
	return rules.Evaluate(r, 0, f.svc.clock.Now()), nil
}

func setup(t *testing.T) (*Service, *fakeEnforcer, *broadcast.Broadcaster, *rules.TestClock, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redisstore.New(client)
	t.Cleanup(func() { _ = store.Close() })

	b := broadcast.New(16, zerolog.Nop())
	svc, err := New(store.Rules(), keylock.New(), b, Config{
		DefaultDailyLimitMinutes: 90,
		DefaultTimezone:          "Australia/Sydney",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Monday 2025-03-10 09:00 in Sydney
	clock := &rules.TestClock{CurrentTime: time.Date(2025, 3, 9, 22, 0, 0, 0, time.UTC)}
	svc.SetClock(clock)

	enforcer := &fakeEnforcer{svc: svc}
	svc.SetEnforcer(enforcer)
	return svc, enforcer, b, clock, mr
}

func TestRulesDefaults(t *testing.T) {
	svc, _, _, _, _ := setup(t)

	r, err := svc.Rules(context.Background(), "kid")
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if r.DailyLimitMinutes != 90 || r.Timezone != "Australia/Sydney" {
		t.Errorf("unexpected defaults: %+v", r)
	}
}

func TestPut(t *testing.T) {
	svc, enforcer, b, _, _ := setup(t)
	ctx := context.Background()
	sub := b.Subscribe("kid", "tablet", broadcast.RoleDevice)

	weekend := 180
	res, err := svc.Put(ctx, "kid", storage.Rules{
		DailyLimitMinutes:   60,
		WeekendLimitMinutes: &weekend,
		Bedtime:             storage.Bedtime{Enabled: true, Start: "20:00", End: "07:00"},
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if res.Rules.Timezone != "Australia/Sydney" {
		t.Errorf("timezone = %q, want default", res.Rules.Timezone)
	}
	if !res.Decision.Allowed || res.Decision.Limit != time.Hour {
		t.Errorf("unexpected decision: %+v", res.Decision)
	}
	if enforcer.calls != 1 {
		t.Errorf("enforcer called %d times, want 1", enforcer.calls)
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != broadcast.KindRulesUpdated {
			t.Errorf("event kind = %q", ev.Kind)
		}
	default:
		t.Error("expected rules-updated event")
	}

	got, err := svc.Rules(ctx, "kid")
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if got.DailyLimitMinutes != 60 || got.WeekendLimitMinutes == nil || *got.WeekendLimitMinutes != 180 {
		t.Errorf("stored rules = %+v", got)
	}
}

func TestPutRejectsInvalidRules(t *testing.T) {
	svc, enforcer, _, _, _ := setup(t)

	tests := []struct {
		name  string
		rules storage.Rules
	}{
		{name: "negative limit", rules: storage.Rules{DailyLimitMinutes: -1}},
		{name: "bad timezone", rules: storage.Rules{DailyLimitMinutes: 60, Timezone: "Mars/Olympus"}},
		{name: "bad bedtime", rules: storage.Rules{DailyLimitMinutes: 60, Bedtime: storage.Bedtime{Enabled: true, Start: "25:00", End: "07:00"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Put(context.Background(), "kid", tt.rules); !errors.Is(err, ErrInvalid) {
				t.Errorf("Put() error = %v, want ErrInvalid", err)
			}
		})
	}
	if enforcer.calls != 0 {
		t.Errorf("enforcer called %d times for rejected updates", enforcer.calls)
	}
}

func TestPauseAndResume(t *testing.T) {
	svc, _, _, clock, _ := setup(t)
	ctx := context.Background()

	thirty := 30 * time.Minute
	res, err := svc.Pause(ctx, "kid", &thirty, "dinner")
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if res.Decision.Allowed || res.Decision.Reason != rules.ReasonPaused {
		t.Errorf("decision during pause = %+v", res.Decision)
	}

	clock.Advance(31 * time.Minute)
	d, err := svc.Remaining(ctx, "kid")
	if err != nil {
		t.Fatalf("Remaining() error = %v", err)
	}
	if !d.Allowed {
		t.Errorf("timed pause should have lapsed: %+v", d)
	}

	res, err = svc.Pause(ctx, "kid", nil, "")
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if !res.Rules.Pause.Indefinite || res.Decision.Reason != rules.ReasonPaused {
		t.Errorf("indefinite pause = %+v", res.Rules.Pause)
	}

	res, err = svc.Resume(ctx, "kid")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Rules.Pause.Active || !res.Decision.Allowed {
		t.Errorf("after resume: pause=%+v decision=%+v", res.Rules.Pause, res.Decision)
	}
}

func TestPauseRejectsOverlongDuration(t *testing.T) {
	svc, enforcer, _, _, mr := setup(t)

	tooLong := (MaxPauseMinutes + 1) * time.Minute
	if _, err := svc.Pause(context.Background(), "kid", &tooLong, ""); !errors.Is(err, ErrInvalid) {
		t.Errorf("Pause() error = %v, want ErrInvalid", err)
	}
	if mr.Exists("ktime:rules:kid") || enforcer.calls != 0 {
		t.Error("rejected pause must not be stored")
	}
}

func TestExtend(t *testing.T) {
	svc, _, _, clock, _ := setup(t)
	ctx := context.Background()

	if _, err := svc.Extend(ctx, "kid", 0); !errors.Is(err, ErrInvalid) {
		t.Errorf("Extend(0) error = %v, want ErrInvalid", err)
	}

	res, err := svc.Extend(ctx, "kid", 15)
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if len(res.Rules.Extensions) != 1 || res.Rules.Extensions[0].Date != "2025-03-10" {
		t.Errorf("extensions = %+v", res.Rules.Extensions)
	}
	if res.Decision.Limit != 105*time.Minute {
		t.Errorf("limit = %v, want 1h45m", res.Decision.Limit)
	}

	// The next local day drops yesterday's grant
	clock.Advance(24 * time.Hour)
	res, err = svc.Extend(ctx, "kid", 10)
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if len(res.Rules.Extensions) != 1 || res.Rules.Extensions[0].Date != "2025-03-11" {
		t.Errorf("extensions = %+v", res.Rules.Extensions)
	}
	if res.Decision.Limit != 100*time.Minute {
		t.Errorf("limit = %v, want 1h40m", res.Decision.Limit)
	}
}

func TestRulesSurviveCacheEviction(t *testing.T) {
	svc, _, _, _, mr := setup(t)
	ctx := context.Background()

	if _, err := svc.Put(ctx, "kid", storage.Rules{DailyLimitMinutes: 45}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	svc.Forget("kid")

	if !mr.Exists("ktime:rules:kid") {
		t.Fatal("rules were not persisted")
	}

	r, err := svc.Rules(ctx, "kid")
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if r.DailyLimitMinutes != 45 {
		t.Errorf("DailyLimitMinutes = %d, want 45", r.DailyLimitMinutes)
	}
}

func newInstance(t *testing.T, mr *miniredis.Miniredis, ttl time.Duration) *Service {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := redisstore.New(client)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := New(store.Rules(), keylock.New(), nil, Config{
		DefaultDailyLimitMinutes: 90,
		DefaultTimezone:          "Australia/Sydney",
		CacheTTL:                 ttl,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	svc.SetClock(&rules.TestClock{CurrentTime: time.Date(2025, 3, 9, 22, 0, 0, 0, time.UTC)})
	svc.SetEnforcer(&fakeEnforcer{svc: svc})
	return svc
}

func TestMutationsAcrossInstancesKeepEachOthersChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newInstance(t, mr, time.Hour)
	b := newInstance(t, mr, time.Hour)
	ctx := context.Background()

	if _, err := a.Extend(ctx, "kid", 30); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	// Warm the second instance's cache before the pause lands
	if _, err := b.Rules(ctx, "kid"); err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if _, err := a.Pause(ctx, "kid", nil, "homework"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}

	res, err := b.Extend(ctx, "kid", 15)
	if err != nil {
		t.Fatalf("Extend() error = %v", err)
	}
	if !res.Rules.Pause.Active || !res.Rules.Pause.Indefinite {
		t.Errorf("pause from the other instance was lost: %+v", res.Rules.Pause)
	}
	if len(res.Rules.Extensions) != 2 {
		t.Errorf("extensions = %+v, want both grants", res.Rules.Extensions)
	}
	if res.Decision.Allowed || res.Decision.Reason != rules.ReasonPaused {
		t.Errorf("decision = %+v, want paused", res.Decision)
	}

	// As after a bridged rules-updated event
	a.Forget("kid")
	r, err := a.Rules(ctx, "kid")
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if !r.Pause.Active || len(r.Extensions) != 2 {
		t.Errorf("stored rules = pause %+v extensions %d", r.Pause, len(r.Extensions))
	}
}

func TestCachedRulesExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newInstance(t, mr, time.Hour)
	b := newInstance(t, mr, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := b.Rules(ctx, "kid"); err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if _, err := a.Put(ctx, "kid", storage.Rules{DailyLimitMinutes: 45}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := b.Pause(ctx, "kid", nil, ""); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if _, err := a.Resume(ctx, "kid"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	r, err := b.Rules(ctx, "kid")
	if err != nil {
		t.Fatalf("Rules() error = %v", err)
	}
	if r.Pause.Active || r.DailyLimitMinutes != 45 {
		t.Errorf("stale rules after ttl: pause %+v limit %d", r.Pause, r.DailyLimitMinutes)
	}
}
