package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rjsadow/ssap/internal/apierr"
	"github.com/rjsadow/ssap/internal/provider"
	"github.com/rjsadow/ssap/internal/store"
)

type fakeProvider struct {
	creates  atomic.Int32
	sandbox  *provider.Sandbox
	getErr   error
	createErr error
}

func (f *fakeProvider) ListTemplateNames(_ context.Context) ([]string, error) {
	return []string{"ssap-default"}, nil
}

func (f *fakeProvider) EnsureTemplate(_ context.Context, _ provider.TemplateSpec) error {
	return nil
}

func (f *fakeProvider) Get(_ context.Context, name string) (*provider.Sandbox, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &provider.Sandbox{Name: name, DataplaneURL: "https://" + name + ".internal"}, nil
}

func (f *fakeProvider) Create(_ context.Context, templateName, nameHint string) (*provider.Sandbox, error) {
	f.creates.Add(1)
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.sandbox != nil {
		return f.sandbox, nil
	}
	return &provider.Sandbox{Name: "box_1", DataplaneURL: "https://box-1.internal"}, nil
}

func (f *fakeProvider) Healthy(_ context.Context) bool { return f.getErr == nil }

func newTestManager() (*Manager, *fakeProvider) {
	fp := &fakeProvider{}
	mgr := NewManager(store.NewMemory(), fp, []string{"execute", "upload", "download"}, time.Hour, "ssap-default")
	return mgr, fp
}

func apiErrCode(t *testing.T, err error) apierr.Code {
	t.Helper()
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	return apiErr.Code
}

func TestEnsureCreatesThenReuses(t *testing.T) {
	mgr, fp := newTestManager()
	ctx := context.Background()

	first, err := mgr.Ensure(ctx, "user:alice", "thread_1", ModeEnsure, "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if first.SessionID == "" {
		t.Fatal("expected a session id")
	}

	second, err := mgr.Ensure(ctx, "user:alice", "thread_1", ModeEnsure, "")
	if err != nil {
		t.Fatalf("Ensure (reuse): %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Errorf("session id changed across reuse: %q != %q", second.SessionID, first.SessionID)
	}
	if fp.creates.Load() != 1 {
		t.Errorf("provider.Create called %d times, want 1", fp.creates.Load())
	}
}

func TestEnsurePrincipalIsolation(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	alice, err := mgr.Ensure(ctx, "user:alice", "thread_1", ModeEnsure, "")
	if err != nil {
		t.Fatalf("Ensure alice: %v", err)
	}

	bob, err := mgr.Ensure(ctx, "user:bob", "thread_1", ModeEnsure, "")
	if err != nil {
		t.Fatalf("Ensure bob: %v", err)
	}
	if bob.SessionID == alice.SessionID {
		t.Error("two principals with the same thread_id shared a session")
	}
}

func TestEnsureModeGetMissFails(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Ensure(ctx, "user:alice", "thread_1", ModeGet, "")
	if apiErrCode(t, err) != apierr.SessionNotFound {
		t.Errorf("got %v, want SESSION_NOT_FOUND", err)
	}
}

func TestGetOwnedRejectsWrongPrincipal(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	record, err := mgr.Ensure(ctx, "user:alice", "thread_1", ModeEnsure, "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	_, err = mgr.GetOwned(ctx, "user:mallory", record.SessionID)
	if apiErrCode(t, err) != apierr.Forbidden {
		t.Errorf("got %v, want FORBIDDEN", err)
	}
}

func TestGetOwnedUnknownSession(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.GetOwned(ctx, "user:alice", "ssn_doesnotexist")
	if apiErrCode(t, err) != apierr.SessionNotFound {
		t.Errorf("got %v, want SESSION_NOT_FOUND", err)
	}
}

func TestRefreshIsACacheTouchNotALifetimeExtension(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	record, err := mgr.Ensure(ctx, "user:alice", "thread_1", ModeEnsure, "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	originalExpiry := record.ExpiresAt

	time.Sleep(time.Millisecond)
	refreshed, err := mgr.Refresh(ctx, "user:alice", record.SessionID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !refreshed.ExpiresAt.Equal(originalExpiry) {
		t.Errorf("ExpiresAt changed on refresh: %v != %v", refreshed.ExpiresAt, originalExpiry)
	}
	if !refreshed.LastRefreshAt.After(record.LastRefreshAt) {
		t.Error("LastRefreshAt did not advance")
	}
}

func TestReleaseThenEnsureAllocatesNewSandbox(t *testing.T) {
	mgr, fp := newTestManager()
	ctx := context.Background()

	record, err := mgr.Ensure(ctx, "user:alice", "thread_1", ModeEnsure, "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if err := mgr.Release(ctx, "user:alice", record.SessionID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := mgr.GetOwned(ctx, "user:alice", record.SessionID); apiErrCode(t, err) != apierr.SessionNotFound {
		t.Errorf("got %v, want SESSION_NOT_FOUND after release", err)
	}

	next, err := mgr.Ensure(ctx, "user:alice", "thread_1", ModeEnsure, "")
	if err != nil {
		t.Fatalf("Ensure after release: %v", err)
	}
	if next.SessionID == record.SessionID {
		t.Error("released session was resurrected instead of allocating a new one")
	}
	if fp.creates.Load() != 2 {
		t.Errorf("provider.Create called %d times, want 2", fp.creates.Load())
	}
}

func TestReleaseRejectsWrongPrincipal(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	record, err := mgr.Ensure(ctx, "user:alice", "thread_1", ModeEnsure, "")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	err = mgr.Release(ctx, "user:mallory", record.SessionID)
	if apiErrCode(t, err) != apierr.Forbidden {
		t.Errorf("got %v, want FORBIDDEN", err)
	}

	if _, err := mgr.GetOwned(ctx, "user:alice", record.SessionID); err != nil {
		t.Errorf("session was released despite wrong-principal rejection: %v", err)
	}
}

func TestEnsureWithSandboxHintAdoptsExisting(t *testing.T) {
	mgr, fp := newTestManager()
	ctx := context.Background()

	record, err := mgr.Ensure(ctx, "user:alice", "thread_1", ModeEnsure, "box_existing")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if record.SandboxID != "box_existing" {
		t.Errorf("sandbox_id = %q, want box_existing", record.SandboxID)
	}
	if fp.creates.Load() != 0 {
		t.Errorf("provider.Create called %d times, want 0 when a hint is supplied", fp.creates.Load())
	}
}
