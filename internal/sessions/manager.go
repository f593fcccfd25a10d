// Package sessions implements the session manager (C4): the keyed-singleton
// policy over the session store and the provider client — ensure/get_owned/
// refresh/release.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rjsadow/ssap/internal/apierr"
	"github.com/rjsadow/ssap/internal/provider"
	"github.com/rjsadow/ssap/internal/store"
)

// Mode selects ensure's behavior when no live binding exists for the
// (principal, thread) pair.
type Mode string

const (
	// ModeEnsure creates a new session when none is bound.
	ModeEnsure Mode = "ensure"
	// ModeGet fails SESSION_NOT_FOUND when none is bound.
	ModeGet Mode = "get"
)

// Manager owns the binding lookup-or-create decision. A single process-wide
// mutex guards that decision; it is never held across a provider call.
type Manager struct {
	store    store.Store
	provider provider.Client

	capabilities  []string
	sessionMaxTTL time.Duration
	templateName  string

	mu sync.Mutex
}

// NewManager builds a Manager. capabilities is the ordered set granted to
// every issued token; sessionMaxTTL is session_max_hours; templateName is
// used when the caller does not supply a sandbox_hint.
func NewManager(s store.Store, p provider.Client, capabilities []string, sessionMaxTTL time.Duration, templateName string) *Manager {
	return &Manager{
		store:         s,
		provider:      p,
		capabilities:  append([]string(nil), capabilities...),
		sessionMaxTTL: sessionMaxTTL,
		templateName:  templateName,
	}
}

// Capabilities returns the ordered set of capabilities granted to sessions
// created by this manager.
func (m *Manager) Capabilities() []string {
	return append([]string(nil), m.capabilities...)
}

// Ensure implements ensure(principal, thread, mode, sandbox_hint?).
func (m *Manager) Ensure(ctx context.Context, principal, thread string, mode Mode, sandboxHint string) (*store.SessionRecord, error) {
	if thread == "" {
		return nil, apierr.New(apierr.InvalidRequest, "thread_id is required")
	}

	existing, err := m.lockedLookup(ctx, principal, thread)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if mode == ModeGet {
		return nil, apierr.New(apierr.SessionNotFound, "no session bound to this thread")
	}

	// Provider calls are not made under the mutex — they may be slow and
	// must not block every other ensure/get_owned/refresh/release in the
	// process.
	sandbox, err := m.provisionSandbox(ctx, sandboxHint)
	if err != nil {
		return nil, err
	}

	return m.commit(ctx, principal, thread, sandbox)
}

func (m *Manager) lockedLookup(ctx context.Context, principal, thread string) (*store.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, err := m.store.BindingForThread(ctx, principal, thread)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.New(apierr.BackendUnavailable, "session store unavailable")
	}

	record, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.New(apierr.BackendUnavailable, "session store unavailable")
	}
	return record, nil
}

func (m *Manager) provisionSandbox(ctx context.Context, sandboxHint string) (*provider.Sandbox, error) {
	if sandboxHint != "" {
		sandbox, err := m.provider.Get(ctx, sandboxHint)
		if errors.Is(err, provider.ErrNotFound) {
			return nil, apierr.New(apierr.SessionNotFound, fmt.Sprintf("sandbox %q not found", sandboxHint))
		}
		if err != nil {
			return nil, apierr.New(apierr.BackendUnavailable, "provider unavailable")
		}
		return sandbox, nil
	}

	sandbox, err := m.provider.Create(ctx, m.templateName, "")
	if err != nil {
		return nil, apierr.New(apierr.BackendUnavailable, "provider unavailable")
	}
	return sandbox, nil
}

func (m *Manager) commit(ctx context.Context, principal, thread string, sandbox *provider.Sandbox) (*store.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, err := newSessionID()
	if err != nil {
		return nil, apierr.New(apierr.BackendUnavailable, "generating session id")
	}

	now := time.Now()
	record := &store.SessionRecord{
		SessionID:     sessionID,
		ThreadID:      thread,
		PrincipalID:   principal,
		SandboxID:     sandbox.Name,
		DataplaneURL:  sandbox.DataplaneURL,
		Capabilities:  m.Capabilities(),
		CreatedAt:     now,
		LastRefreshAt: now,
		ExpiresAt:     now.Add(m.sessionMaxTTL),
	}

	if err := m.store.Put(ctx, record); err != nil {
		return nil, apierr.New(apierr.BackendUnavailable, "writing session record")
	}
	return record, nil
}

// GetOwned implements get_owned(principal, session_id): reads and validates
// ownership and expiry.
func (m *Manager) GetOwned(ctx context.Context, principal, sessionID string) (*store.SessionRecord, error) {
	record, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.SessionNotFound, "session not found")
	}
	if err != nil {
		return nil, apierr.New(apierr.BackendUnavailable, "session store unavailable")
	}
	if record.PrincipalID != principal {
		return nil, apierr.New(apierr.Forbidden, "session does not belong to this principal")
	}
	if record.Expired(time.Now()) {
		return nil, apierr.New(apierr.SessionExpired, "session expired")
	}
	return record, nil
}

// Refresh implements refresh(principal, session_id): validates ownership,
// then re-writes the record and binding with a fresh TTL computed from the
// existing (unchanged) session_expires_at. It is a cache-touch, not a
// lifetime extension.
func (m *Manager) Refresh(ctx context.Context, principal, sessionID string) (*store.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.SessionNotFound, "session not found")
	}
	if err != nil {
		return nil, apierr.New(apierr.BackendUnavailable, "session store unavailable")
	}
	if record.PrincipalID != principal {
		return nil, apierr.New(apierr.Forbidden, "session does not belong to this principal")
	}
	if record.Expired(time.Now()) {
		return nil, apierr.New(apierr.SessionExpired, "session expired")
	}

	updated, err := m.store.Refresh(ctx, sessionID, record.ExpiresAt, time.Now())
	if err != nil {
		return nil, apierr.New(apierr.BackendUnavailable, "refreshing session record")
	}
	return updated, nil
}

// Release implements release(principal, session_id): validates ownership,
// then clears both the record and its binding.
func (m *Manager) Release(ctx context.Context, principal, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apierr.New(apierr.BackendUnavailable, "session store unavailable")
	}
	if record.PrincipalID != principal {
		return apierr.New(apierr.Forbidden, "session does not belong to this principal")
	}

	if err := m.store.Delete(ctx, sessionID); err != nil {
		return apierr.New(apierr.BackendUnavailable, "deleting session record")
	}
	return nil
}

func newSessionID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "ssn_" + hex.EncodeToString(buf), nil
}
