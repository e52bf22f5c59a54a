package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

// retentionSeconds is how long closed sessions and ledger entries are kept (90 days).
const retentionSeconds = 7776000

const (
	childrenKey       = "ktime:children"
	activeSessionsKey = "ktime:sessions:active"
	sessionKeyPrefix  = "ktime:session:"
	approvalKeyPrefix = "ktime:approval:"
)

func deviceKey(childID, deviceID string) string {
	return fmt.Sprintf("ktime:device:%s:%s", childID, deviceID)
}

func devicesKey(childID string) string {
	return fmt.Sprintf("ktime:devices:%s", childID)
}

func activeDevicesKey(childID string) string {
	return fmt.Sprintf("ktime:devices:%s:active", childID)
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func currentSessionKey(childID string) string {
	return fmt.Sprintf("ktime:child:%s:session", childID)
}

func tokenKey(childID string) string {
	return fmt.Sprintf("ktime:child:%s:token", childID)
}

func childSessionsKey(childID string) string {
	return fmt.Sprintf("ktime:child:%s:sessions", childID)
}

func ledgerKey(childID, date string) string {
	return fmt.Sprintf("ktime:ledger:%s:%s", childID, date)
}

func ledgerPattern(childID string) string {
	return fmt.Sprintf("ktime:ledger:%s:*", childID)
}

func rulesKey(childID string) string {
	return fmt.Sprintf("ktime:rules:%s", childID)
}

func approvalKey(id string) string {
	return approvalKeyPrefix + id
}

func approvalsKey(childID string) string {
	return fmt.Sprintf("ktime:approvals:%s", childID)
}

func pendingApprovalsKey(childID string) string {
	return fmt.Sprintf("ktime:approvals:%s:pending", childID)
}

func approvalTargetKey(childID string, kind storage.TargetKind, targetID string) string {
	return fmt.Sprintf("ktime:approval-target:%s:%s:%s", childID, kind, targetID)
}

func approvalTargetPattern(childID string) string {
	return fmt.Sprintf("ktime:approval-target:%s:*", childID)
}

func allowListKey(childID string) string {
	return fmt.Sprintf("ktime:allow:%s", childID)
}

// millis formats a timestamp as Unix milliseconds for Lua arithmetic
func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// parseDevice converts a Redis hash to Device
func parseDevice(data map[string]string) (*storage.Device, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	lastActiveAt, err := time.Parse(time.RFC3339Nano, data["last_active_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_active_at: %w", err)
	}

	registeredAt, err := time.Parse(time.RFC3339Nano, data["registered_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse registered_at: %w", err)
	}

	return &storage.Device{
		ChildID:      data["child_id"],
		DeviceID:     data["device_id"],
		Name:         data["name"],
		Class:        storage.ParseDeviceClass(data["class"]),
		Platform:     data["platform"],
		Active:       data["active"] == "1",
		LastActiveAt: lastActiveAt,
		RegisteredAt: registeredAt,
	}, nil
}

// parseSession converts a Redis hash to Session
func parseSession(data map[string]string) (*storage.Session, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	token, err := strconv.ParseInt(data["token"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	startedAt, err := parseMillis(data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	lastHeartbeat, err := parseMillis(data["last_heartbeat"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_heartbeat: %w", err)
	}

	credited, err := strconv.ParseInt(data["credited_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credited_ms: %w", err)
	}

	position, err := strconv.ParseFloat(data["position"], 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse position: %w", err)
	}

	session := &storage.Session{
		ID:             data["id"],
		ChildID:        data["child_id"],
		DeviceID:       data["device_id"],
		ContentID:      data["content_id"],
		Position:       position,
		Token:          token,
		StartedAt:      startedAt,
		LastHeartbeat:  lastHeartbeat,
		CreditedMillis: credited,
		Status:         storage.SessionStatus(data["status"]),
	}

	if v := data["ended_at"]; v != "" {
		endedAt, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
		session.EndedAt = &endedAt
	}

	return session, nil
}

// parseLedgerEntry converts a Redis hash to LedgerEntry
func parseLedgerEntry(data map[string]string) (*storage.LedgerEntry, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	used, err := strconv.ParseInt(data["used_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse used_ms: %w", err)
	}

	entry := &storage.LedgerEntry{
		ChildID:    data["child_id"],
		Date:       data["date"],
		UsedMillis: used,
		SessionID:  data["session_id"],
	}

	if v := data["last_heartbeat"]; v != "" {
		lastHeartbeat, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_heartbeat: %w", err)
		}
		entry.LastHeartbeat = lastHeartbeat
	}

	return entry, nil
}

// parseApproval converts a Redis hash to ApprovalRequest
func parseApproval(data map[string]string) (*storage.ApprovalRequest, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	req := &storage.ApprovalRequest{
		ID:         data["id"],
		ChildID:    data["child_id"],
		TargetKind: storage.TargetKind(data["target_kind"]),
		TargetID:   data["target_id"],
		Metadata: storage.ApprovalMetadata{
			Title:        data["title"],
			ChannelID:    data["channel_id"],
			ChannelTitle: data["channel_title"],
			ThumbnailURL: data["thumbnail_url"],
		},
		Message:    data["message"],
		Status:     storage.ApprovalStatus(data["status"]),
		ParentNote: data["parent_note"],
		CreatedAt:  createdAt,
	}

	if v := data["reviewed_at"]; v != "" {
		reviewedAt, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse reviewed_at: %w", err)
		}
		req.ReviewedAt = &reviewedAt
	}

	return req, nil
}
