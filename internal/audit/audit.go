// Package audit records control-plane decisions — session
// acquire/get/refresh/release, and every relay request's auth-success or
// auth-failure outcome — to a pluggable Sink (S1). Entries never carry
// token bodies, jwt_secret, or the provider API key.
package audit

import (
	"context"
	"sync"
	"time"
)

// Entry is one audit record. Fields are opaque strings; Sinks must not
// attempt to interpret Detail beyond logging it verbatim.
type Entry struct {
	Time      time.Time
	Action    string // e.g. "session.ensure", "relay.execute"
	Principal string
	SessionID string
	Outcome   string // "allow" or "deny"
	Detail    string // short, human-readable reason; never a secret
	RequestID string
}

// Sink persists or forwards audit entries.
type Sink interface {
	Write(ctx context.Context, entry Entry)
	Close() error
}

// Memory is the default Sink: a fixed-size ring buffer held in process
// memory. Oldest entries are overwritten once full.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewMemory creates a ring buffer sink holding up to size entries.
func NewMemory(size int) *Memory {
	if size < 1 {
		size = 1
	}
	return &Memory{entries: make([]Entry, size)}
}

func (m *Memory) Write(_ context.Context, entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.next] = entry
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
}

// Recent returns the buffered entries, oldest first.
func (m *Memory) Recent() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.full {
		out := make([]Entry, m.next)
		copy(out, m.entries[:m.next])
		return out
	}

	out := make([]Entry, len(m.entries))
	copy(out, m.entries[m.next:])
	copy(out[len(m.entries)-m.next:], m.entries[:m.next])
	return out
}

func (m *Memory) Close() error { return nil }
