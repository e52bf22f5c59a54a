package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays unset
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func registerDevice(t *testing.T, store *Store, childID, deviceID string, maxActive int) error {
	t.Helper()
	_, err := store.Devices().Register(context.Background(), storage.Device{
		ChildID:      childID,
		DeviceID:     deviceID,
		Name:         deviceID,
		Class:        storage.DeviceClassTablet,
		Platform:     "android",
		RegisteredAt: time.Now(),
	}, maxActive)
	return err
}

func TestDeviceStore_RegisterEnforcesActiveLimit(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"tablet", "phone"} {
		if err := registerDevice(t, store, "kid", id, 2); err != nil {
			t.Fatalf("Register %s failed: %v", id, err)
		}
	}

	if err := registerDevice(t, store, "kid", "tv", 2); !errors.Is(err, storage.ErrDeviceLimitExceeded) {
		t.Fatalf("expected ErrDeviceLimitExceeded, got %v", err)
	}

	// Re-registering a device that is already active is an upsert
	if err := registerDevice(t, store, "kid", "phone", 2); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	if err := store.Devices().Deactivate(ctx, "kid", "phone"); err != nil {
		t.Fatalf("Deactivate failed: %v", err)
	}
	if err := registerDevice(t, store, "kid", "tv", 2); err != nil {
		t.Fatalf("Register after deactivate failed: %v", err)
	}

	// The deactivated device cannot come back while two others are active
	err := store.Devices().Touch(ctx, "kid", "phone", time.Now(), 2)
	if !errors.Is(err, storage.ErrDeviceLimitExceeded) {
		t.Fatalf("expected ErrDeviceLimitExceeded on reactivation, got %v", err)
	}

	devices, err := store.Devices().List(ctx, "kid")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}

	active := 0
	for _, d := range devices {
		if d.Active {
			active++
		}
	}
	if active != 2 {
		t.Errorf("expected 2 active devices, got %d", active)
	}
}

func TestDeviceStore_RegisterKeepsMetadata(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := registerDevice(t, store, "kid", "tablet", 5); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	device, err := store.Devices().Register(ctx, storage.Device{
		ChildID:      "kid",
		DeviceID:     "tablet",
		RegisteredAt: time.Now().Add(time.Hour),
	}, 5)
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}

	if device.Name != "tablet" || device.Class != storage.DeviceClassTablet || device.Platform != "android" {
		t.Errorf("metadata overwritten: %+v", device)
	}
	if !device.Active {
		t.Error("expected device to be active")
	}
}

func TestDeviceStore_TouchUnknownDevice(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.Devices().Touch(context.Background(), "kid", "ghost", time.Now(), 5)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeviceStore_Delete(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if err := registerDevice(t, store, "kid", "tablet", 5); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := store.Devices().Delete(ctx, "kid", "tablet"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Devices().Get(ctx, "kid", "tablet"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Devices().Delete(ctx, "kid", "tablet"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func startTestSession(t *testing.T, store *Store, id, childID, deviceID string, now time.Time) *storage.StartSessionResult {
	t.Helper()
	result, err := store.Sessions().Start(context.Background(), storage.StartSessionParams{
		SessionID: id,
		ChildID:   childID,
		DeviceID:  deviceID,
		ContentID: "video-1",
		Now:       now,
	})
	if err != nil {
		t.Fatalf("Start %s failed: %v", id, err)
	}
	return result
}

func TestSessionStore_StartPreemptsPreviousHolder(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := startTestSession(t, store, "s1", "kid", "tablet", now)
	if first.Preempted != nil {
		t.Fatalf("expected no preempted session, got %+v", first.Preempted)
	}

	second := startTestSession(t, store, "s2", "kid", "phone", now)
	if second.Session.Token <= first.Session.Token {
		t.Errorf("token did not increase: %d then %d", first.Session.Token, second.Session.Token)
	}
	if second.Preempted == nil || second.Preempted.ID != "s1" {
		t.Fatalf("expected s1 preempted, got %+v", second.Preempted)
	}
	if second.Preempted.Status != storage.SessionPreempted {
		t.Errorf("expected preempted status, got %s", second.Preempted.Status)
	}

	current, err := store.Sessions().Current(ctx, "kid")
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if current.ID != "s2" || current.DeviceID != "phone" {
		t.Errorf("unexpected current session: %+v", current)
	}

	active, err := store.Sessions().ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "s2" {
		t.Errorf("expected only s2 active, got %+v", active)
	}
}

func TestSessionStore_TokensIndependentPerChild(t *testing.T) {
	store, _ := setupTestStore(t)
	now := time.Now()

	a := startTestSession(t, store, "a1", "alice", "tablet", now)
	b := startTestSession(t, store, "b1", "bob", "tablet", now)

	if a.Session.Token != 1 || b.Session.Token != 1 {
		t.Errorf("expected first token of each child to be 1, got %d and %d", a.Session.Token, b.Session.Token)
	}
	if b.Preempted != nil {
		t.Error("starting bob's session must not preempt alice")
	}
}

func TestSessionStore_HeartbeatCaps(t *testing.T) {
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	dayStart := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		at         time.Duration // since session start
		elapsed    int64
		dayStart   time.Time
		wantCredit int64
	}{
		{
			name:       "credits reported elapsed",
			at:         10 * time.Second,
			elapsed:    10000,
			dayStart:   dayStart,
			wantCredit: 10000,
		},
		{
			name:       "caps at wall clock gap plus tolerance",
			at:         10 * time.Second,
			elapsed:    60000,
			dayStart:   dayStart,
			wantCredit: 15000,
		},
		{
			name:       "caps at date boundary",
			at:         10 * time.Second,
			elapsed:    10000,
			dayStart:   start.Add(7 * time.Second),
			wantCredit: 3000,
		},
		{
			name:       "negative elapsed credits nothing",
			at:         10 * time.Second,
			elapsed:    -5000,
			dayStart:   dayStart,
			wantCredit: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := setupTestStore(t)
			started := startTestSession(t, store, "s1", "kid", "tablet", start)
			now := start.Add(tt.at)

			result, err := store.Sessions().Heartbeat(context.Background(), storage.HeartbeatParams{
				SessionID:     "s1",
				Token:         started.Session.Token,
				ElapsedMillis: tt.elapsed,
				Position:      42.5,
				Now:           now,
				Tolerance:     5 * time.Second,
				LedgerDate:    "2025-03-10",
				DayStart:      tt.dayStart,
			})
			if err != nil {
				t.Fatalf("Heartbeat failed: %v", err)
			}

			if result.CreditedMillis != tt.wantCredit {
				t.Errorf("credited %d, want %d", result.CreditedMillis, tt.wantCredit)
			}
			if result.UsedMillis != tt.wantCredit {
				t.Errorf("ledger total %d, want %d", result.UsedMillis, tt.wantCredit)
			}
			if result.Session.Position != 42.5 {
				t.Errorf("position %v, want 42.5", result.Session.Position)
			}
		})
	}
}

func TestSessionStore_HeartbeatSessionBudget(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	started := startTestSession(t, store, "s1", "kid", "tablet", start)

	params := storage.HeartbeatParams{
		SessionID:  "s1",
		Token:      started.Session.Token,
		Tolerance:  5 * time.Second,
		LedgerDate: "2025-03-10",
		DayStart:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	}

	// Two heartbeats 30s apart cannot together credit more than 30s plus tolerance
	params.Now = start.Add(15 * time.Second)
	params.ElapsedMillis = 20000
	first, err := store.Sessions().Heartbeat(ctx, params)
	if err != nil {
		t.Fatalf("first heartbeat failed: %v", err)
	}
	if first.CreditedMillis != 20000 {
		t.Fatalf("first credit %d, want 20000", first.CreditedMillis)
	}

	params.Now = start.Add(30 * time.Second)
	params.ElapsedMillis = 20000
	second, err := store.Sessions().Heartbeat(ctx, params)
	if err != nil {
		t.Fatalf("second heartbeat failed: %v", err)
	}
	if second.CreditedMillis != 15000 {
		t.Errorf("second credit %d, want 15000", second.CreditedMillis)
	}
	if second.UsedMillis != 35000 {
		t.Errorf("ledger total %d, want 35000", second.UsedMillis)
	}
	if second.Session.CreditedMillis != 35000 {
		t.Errorf("session credited %d, want 35000", second.Session.CreditedMillis)
	}
}

func TestSessionStore_HeartbeatDailyCap(t *testing.T) {
	store, mr := setupTestStore(t)
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	started := startTestSession(t, store, "s1", "kid", "tablet", start)

	mr.HSet(ledgerKey("kid", "2025-03-10"), "used_ms", fmt.Sprint(storage.MaxDailyMillis-1000))

	result, err := store.Sessions().Heartbeat(context.Background(), storage.HeartbeatParams{
		SessionID:     "s1",
		Token:         started.Session.Token,
		ElapsedMillis: 10000,
		Now:           start.Add(10 * time.Second),
		Tolerance:     5 * time.Second,
		LedgerDate:    "2025-03-10",
		DayStart:      time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if result.CreditedMillis != 1000 {
		t.Errorf("credited %d, want 1000", result.CreditedMillis)
	}
	if result.UsedMillis != storage.MaxDailyMillis {
		t.Errorf("ledger total %d, want %d", result.UsedMillis, storage.MaxDailyMillis)
	}
}

func TestSessionStore_HeartbeatRejectsStaleHolders(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	first := startTestSession(t, store, "s1", "kid", "tablet", start)
	startTestSession(t, store, "s2", "kid", "phone", start)

	params := storage.HeartbeatParams{
		SessionID:     "s1",
		Token:         first.Session.Token,
		ElapsedMillis: 10000,
		Now:           start.Add(10 * time.Second),
		Tolerance:     5 * time.Second,
		LedgerDate:    "2025-03-10",
		DayStart:      time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	}

	if _, err := store.Sessions().Heartbeat(ctx, params); !errors.Is(err, storage.ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession for preempted session, got %v", err)
	}

	params.SessionID = "s2"
	params.Token = first.Session.Token // token of the previous holder
	if _, err := store.Sessions().Heartbeat(ctx, params); !errors.Is(err, storage.ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession for wrong token, got %v", err)
	}

	if _, err := store.Ledger().Get(ctx, "kid", "2025-03-10"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale heartbeats must not create a ledger entry, got %v", err)
	}
}

func TestSessionStore_Close(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	started := startTestSession(t, store, "s1", "kid", "tablet", start)

	_, err := store.Sessions().Close(ctx, storage.CloseSessionParams{
		SessionID: "s1",
		Token:     started.Session.Token + 1,
		Status:    storage.SessionCompleted,
		Now:       start.Add(time.Minute),
	})
	if !errors.Is(err, storage.ErrStaleSession) {
		t.Fatalf("expected ErrStaleSession for wrong token, got %v", err)
	}

	closed, err := store.Sessions().Close(ctx, storage.CloseSessionParams{
		SessionID: "s1",
		Token:     started.Session.Token,
		Status:    storage.SessionCompleted,
		Now:       start.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if closed.Status != storage.SessionCompleted || closed.EndedAt == nil {
		t.Errorf("unexpected closed session: %+v", closed)
	}

	if _, err := store.Sessions().Current(ctx, "kid"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected no current session, got %v", err)
	}

	_, err = store.Sessions().Close(ctx, storage.CloseSessionParams{
		SessionID: "s1",
		Status:    storage.SessionExpired,
		Now:       start.Add(2 * time.Minute),
	})
	if !errors.Is(err, storage.ErrStaleSession) {
		t.Errorf("expected ErrStaleSession closing twice, got %v", err)
	}

	_, err = store.Sessions().Close(ctx, storage.CloseSessionParams{SessionID: "missing", Status: storage.SessionExpired, Now: start})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionStore_CloseStaleBefore(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	startTestSession(t, store, "s1", "kid", "tablet", start)

	params := storage.CloseSessionParams{
		SessionID:   "s1",
		Status:      storage.SessionExpired,
		Now:         start.Add(time.Minute),
		StaleBefore: start.Add(-time.Second),
	}
	if _, err := store.Sessions().Close(ctx, params); !errors.Is(err, storage.ErrStaleSession) {
		t.Fatalf("fresh session must not expire, got %v", err)
	}

	params.StaleBefore = start.Add(time.Second)
	closed, err := store.Sessions().Close(ctx, params)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if closed.Status != storage.SessionExpired {
		t.Errorf("expected expired, got %s", closed.Status)
	}
}

func TestRulesStore(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.Rules().Get(ctx, "kid"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	weekend := 180
	rules := storage.Rules{
		DailyLimitMinutes:   60,
		WeekendLimitMinutes: &weekend,
		Timezone:            "Australia/Sydney",
		Bedtime:             storage.Bedtime{Enabled: true, Start: "20:00", End: "07:00"},
	}
	if err := store.Rules().Put(ctx, "kid", rules); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := store.Rules().Get(ctx, "kid")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DailyLimitMinutes != 60 || got.WeekendLimitMinutes == nil || *got.WeekendLimitMinutes != 180 {
		t.Errorf("unexpected limits: %+v", got)
	}
	if got.Bedtime.Start != "20:00" || got.Timezone != "Australia/Sydney" {
		t.Errorf("unexpected rules: %+v", got)
	}

	children, err := store.Devices().ListChildren(ctx)
	if err != nil {
		t.Fatalf("ListChildren failed: %v", err)
	}
	if len(children) != 1 || children[0] != "kid" {
		t.Errorf("expected [kid], got %v", children)
	}
}

func TestRulesStore_UpdateKeepsConcurrentWrites(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(minutes int) {
			defer wg.Done()
			_, err := store.Rules().Update(ctx, "kid", func(current *storage.Rules) (storage.Rules, error) {
				r := storage.Rules{DailyLimitMinutes: 60}
				if current != nil {
					r = *current
				}
				r.Extensions = append(r.Extensions, storage.Extension{Minutes: minutes, Date: "2025-03-10"})
				return r, nil
			})
			errs <- err
		}(i + 1)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	got, err := store.Rules().Get(ctx, "kid")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Extensions) != writers {
		t.Errorf("expected %d extensions, got %d", writers, len(got.Extensions))
	}
}

func TestRulesStore_UpdateAbortsOnError(t *testing.T) {
	store, mr := setupTestStore(t)

	boom := errors.New("boom")
	_, err := store.Rules().Update(context.Background(), "kid", func(*storage.Rules) (storage.Rules, error) {
		return storage.Rules{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if mr.Exists(rulesKey("kid")) {
		t.Error("rules written despite the error")
	}
}

func TestLedgerStore_ListFillsMissingDates(t *testing.T) {
	store, mr := setupTestStore(t)

	mr.HSet(ledgerKey("kid", "2025-03-09"), "used_ms", "600000")

	entries, err := store.Ledger().List(context.Background(), "kid", []string{"2025-03-09", "2025-03-10"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Used() != 10*time.Minute {
		t.Errorf("expected 10m on 2025-03-09, got %s", entries[0].Used())
	}
	if entries[1].Date != "2025-03-10" || entries[1].UsedMillis != 0 {
		t.Errorf("expected empty entry for 2025-03-10, got %+v", entries[1])
	}
}

func newApproval(id string, kind storage.TargetKind, target string) storage.ApprovalRequest {
	return storage.ApprovalRequest{
		ID:         id,
		ChildID:    "kid",
		TargetKind: kind,
		TargetID:   target,
		Metadata:   storage.ApprovalMetadata{Title: "Volcanoes", ChannelID: "chan-science"},
		CreatedAt:  time.Now(),
	}
}

func TestApprovalStore_CreateIsIdempotentWhilePending(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	first, created, err := store.Approvals().Create(ctx, newApproval("r1", storage.TargetVideo, "vid-1"))
	if err != nil || !created {
		t.Fatalf("Create failed: created=%v err=%v", created, err)
	}

	dup, created, err := store.Approvals().Create(ctx, newApproval("r2", storage.TargetVideo, "vid-1"))
	if err != nil {
		t.Fatalf("duplicate Create failed: %v", err)
	}
	if created || dup.ID != first.ID {
		t.Errorf("expected existing request r1, got %s (created=%v)", dup.ID, created)
	}

	if _, err := store.Approvals().Review(ctx, storage.ReviewParams{
		RequestID: "r1",
		Status:    storage.ApprovalRejected,
		Now:       time.Now(),
	}); err != nil {
		t.Fatalf("Review failed: %v", err)
	}

	again, created, err := store.Approvals().Create(ctx, newApproval("r3", storage.TargetVideo, "vid-1"))
	if err != nil {
		t.Fatalf("Create after review failed: %v", err)
	}
	if !created || again.ID != "r3" {
		t.Errorf("expected new request r3 after review, got %s (created=%v)", again.ID, created)
	}

	pending, err := store.Approvals().List(ctx, "kid", storage.ApprovalPending)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "r3" {
		t.Errorf("expected only r3 pending, got %+v", pending)
	}

	all, err := store.Approvals().List(ctx, "kid", "")
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 requests, got %d", len(all))
	}
}

func TestApprovalStore_ReviewIsTerminal(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Approvals().Create(ctx, newApproval("r1", storage.TargetChannel, "chan-art")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	reviewed, err := store.Approvals().Review(ctx, storage.ReviewParams{
		RequestID:    "r1",
		Status:       storage.ApprovalApproved,
		Note:         "ok",
		Now:          time.Now(),
		AllowChannel: "chan-art",
	})
	if err != nil {
		t.Fatalf("Review failed: %v", err)
	}
	if reviewed.Status != storage.ApprovalApproved || reviewed.ReviewedAt == nil {
		t.Errorf("unexpected reviewed request: %+v", reviewed)
	}

	allowed, err := store.AllowList().IsChannelAllowed(ctx, "kid", "chan-art")
	if err != nil || !allowed {
		t.Errorf("expected chan-art allowed, got %v (err=%v)", allowed, err)
	}

	for _, status := range []storage.ApprovalStatus{storage.ApprovalRejected, storage.ApprovalDismissed} {
		_, err := store.Approvals().Review(ctx, storage.ReviewParams{RequestID: "r1", Status: status, Now: time.Now()})
		if !errors.Is(err, storage.ErrAlreadyReviewed) {
			t.Errorf("%s: expected ErrAlreadyReviewed, got %v", status, err)
		}
	}

	got, err := store.Approvals().Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != storage.ApprovalApproved || got.ParentNote != "ok" {
		t.Errorf("state changed after rejected transitions: %+v", got)
	}

	if _, err := store.Approvals().Review(ctx, storage.ReviewParams{RequestID: "nope", Status: storage.ApprovalApproved}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_DeleteChild(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := registerDevice(t, store, "kid", "tablet", 5); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := registerDevice(t, store, "other", "tablet", 5); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	startTestSession(t, store, "s1", "kid", "tablet", now)
	if err := store.Rules().Put(ctx, "kid", storage.Rules{DailyLimitMinutes: 30}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, _, err := store.Approvals().Create(ctx, newApproval("r1", storage.TargetVideo, "vid-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.AllowList().AllowChannel(ctx, "kid", "chan-1"); err != nil {
		t.Fatalf("AllowChannel failed: %v", err)
	}
	mr.HSet(ledgerKey("kid", "2025-03-10"), "used_ms", "1000")

	if err := store.DeleteChild(ctx, "kid"); err != nil {
		t.Fatalf("DeleteChild failed: %v", err)
	}

	for _, key := range mr.Keys() {
		if key == childrenKey || key == activeSessionsKey {
			continue
		}
		if strings.Contains(key, ":kid:") || strings.HasSuffix(key, ":kid") {
			t.Errorf("key %s survived cascade delete", key)
		}
	}
	for _, key := range []string{sessionKey("s1"), approvalKey("r1")} {
		if mr.Exists(key) {
			t.Errorf("key %s survived cascade delete", key)
		}
	}

	if _, err := store.Devices().Get(ctx, "other", "tablet"); err != nil {
		t.Errorf("other child's device must survive: %v", err)
	}

	active, err := store.Sessions().ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active sessions, got %d", len(active))
	}
}
