// Package store implements the session store (C3): durable, TTL-bounded
// storage for SessionRecord and its thread_id binding, behind a single
// interface with an in-memory and a SQL-backed implementation.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup finds no live record for the key.
var ErrNotFound = errors.New("store: not found")

// SessionRecord is the durable representation of a bound sandbox session,
// matching the data model's SessionRecord unchanged.
type SessionRecord struct {
	SessionID     string    `json:"session_id" bun:"session_id,pk"`
	ThreadID      string    `json:"thread_id" bun:"thread_id,notnull"`
	PrincipalID   string    `json:"principal_id" bun:"principal_id,notnull"`
	SandboxID     string    `json:"sandbox_id" bun:"sandbox_id,notnull"`
	DataplaneURL  string    `json:"dataplane_url" bun:"dataplane_url,notnull"`
	Capabilities  []string  `json:"capabilities" bun:"-"`
	CapsJSON      string    `json:"-" bun:"capabilities_json,notnull"`
	CreatedAt     time.Time `json:"created_at" bun:"created_at,notnull"`
	LastRefreshAt time.Time `json:"last_refresh_at" bun:"last_refresh_at,notnull"`
	ExpiresAt     time.Time `json:"expires_at" bun:"expires_at,notnull"`
}

// Expired reports whether the record's hard TTL (I3: session_max_hours) has
// elapsed as of now.
func (r *SessionRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// bindingKey derives the store key for a (principal_id, thread_id) binding,
// matching the data model's binding:{sha256(principal:thread)}.
func bindingKey(principalID, threadID string) string {
	sum := sha256.Sum256([]byte(principalID + ":" + threadID))
	return hex.EncodeToString(sum[:])
}

// Store is the C3 contract: a TTL-bounded map of (principal_id, thread_id) -> session_id and
// session_id -> SessionRecord. Both backends must give identical externally
// observable behavior, including lazy expiry on read (I3).
type Store interface {
	// BindingForThread returns the session_id bound to (principalID,
	// threadID), or ErrNotFound if there is none or it has expired.
	BindingForThread(ctx context.Context, principalID, threadID string) (string, error)

	// Get returns the record for session_id, or ErrNotFound if it doesn't
	// exist or has expired.
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)

	// Put atomically (from the caller's point of view; the caller still
	// holds the manager-level lock, per I1) writes the record and its
	// thread_id binding.
	Put(ctx context.Context, record *SessionRecord) error

	// Refresh extends a record's expiry and last-refresh timestamp in
	// place, returning the updated record.
	Refresh(ctx context.Context, sessionID string, newExpiresAt, refreshedAt time.Time) (*SessionRecord, error)

	// Delete removes the record and its thread_id binding.
	Delete(ctx context.Context, sessionID string) error

	// Sweep deletes all records with ExpiresAt before now. Called
	// periodically by a background goroutine; also safe to call inline.
	Sweep(ctx context.Context, now time.Time) (int, error)

	// Healthy reports whether the backing store is reachable.
	Healthy(ctx context.Context) bool

	// Close releases resources held by the store.
	Close() error
}
