package store

import (
	"context"
	"testing"
	"time"
)

func newTestRecord(sessionID, threadID string, ttl time.Duration) *SessionRecord {
	now := time.Now()
	return &SessionRecord{
		SessionID:     sessionID,
		ThreadID:      threadID,
		PrincipalID:   "user:alice",
		SandboxID:     "box_1",
		DataplaneURL:  "https://box-1.internal",
		Capabilities:  []string{"execute", "upload", "download"},
		CreatedAt:     now,
		LastRefreshAt: now,
		ExpiresAt:     now.Add(ttl),
	}
}

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	rec := newTestRecord("ssn_1", "thread_1", time.Hour)
	if err := m.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := m.Get(ctx, "ssn_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ThreadID != "thread_1" {
		t.Errorf("thread_id = %q, want thread_1", got.ThreadID)
	}

	sid, err := m.BindingForThread(ctx, "user:alice", "thread_1")
	if err != nil {
		t.Fatalf("BindingForThread: %v", err)
	}
	if sid != "ssn_1" {
		t.Errorf("session_id = %q, want ssn_1", sid)
	}
}

func TestMemoryGetClonesRecord(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := newTestRecord("ssn_1", "thread_1", time.Hour)
	_ = m.Put(ctx, rec)

	got, _ := m.Get(ctx, "ssn_1")
	got.Capabilities[0] = "mutated"

	again, _ := m.Get(ctx, "ssn_1")
	if again.Capabilities[0] == "mutated" {
		t.Error("mutating a returned record leaked into the store")
	}
}

func TestMemoryExpiryIsLazy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := newTestRecord("ssn_1", "thread_1", -time.Minute)
	_ = m.Put(ctx, rec)

	if _, err := m.Get(ctx, "ssn_1"); err != ErrNotFound {
		t.Errorf("Get on expired record: got %v, want ErrNotFound", err)
	}
	if _, err := m.BindingForThread(ctx, "user:alice", "thread_1"); err != ErrNotFound {
		t.Errorf("BindingForThread on expired record: got %v, want ErrNotFound", err)
	}
}

func TestMemoryRefresh(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := newTestRecord("ssn_1", "thread_1", time.Minute)
	_ = m.Put(ctx, rec)

	newExpiry := time.Now().Add(time.Hour)
	updated, err := m.Refresh(ctx, "ssn_1", newExpiry, time.Now())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !updated.ExpiresAt.Equal(newExpiry) {
		t.Errorf("ExpiresAt not updated")
	}

	if _, err := m.Refresh(ctx, "missing", newExpiry, time.Now()); err != ErrNotFound {
		t.Errorf("Refresh on missing session: got %v, want ErrNotFound", err)
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := newTestRecord("ssn_1", "thread_1", time.Hour)
	_ = m.Put(ctx, rec)

	if err := m.Delete(ctx, "ssn_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "ssn_1"); err != ErrNotFound {
		t.Errorf("Get after Delete: got %v, want ErrNotFound", err)
	}
	if _, err := m.BindingForThread(ctx, "user:alice", "thread_1"); err != ErrNotFound {
		t.Errorf("BindingForThread after Delete: got %v, want ErrNotFound", err)
	}
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Put(ctx, newTestRecord("expired_1", "thread_a", -time.Hour))
	_ = m.Put(ctx, newTestRecord("live_1", "thread_b", time.Hour))

	removed, err := m.Sweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := m.Get(ctx, "live_1"); err != nil {
		t.Errorf("live record swept: %v", err)
	}
}
