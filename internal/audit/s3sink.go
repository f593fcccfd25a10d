package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjsadow/ssap/internal/archive"
)

// S3Sink buffers entries in memory for Recent() and periodically flushes
// them as newline-delimited JSON export bundles to S3-compatible storage
// (S1). Flush failures are logged, never returned to the caller that wrote
// the entry — a slow or unreachable archive must not block the request path.
type S3Sink struct {
	mem   *Memory
	store *archive.Store

	mu      sync.Mutex
	pending []Entry

	flushInterval time.Duration
	done          chan struct{}
	stopped       chan struct{}
}

// NewS3Sink builds an S3Sink, starting its background flush loop.
func NewS3Sink(ringSize int, store *archive.Store, flushInterval time.Duration) *S3Sink {
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}
	s := &S3Sink{
		mem:           NewMemory(ringSize),
		store:         store,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

func (s *S3Sink) Write(ctx context.Context, entry Entry) {
	s.mem.Write(ctx, entry)
	s.mu.Lock()
	s.pending = append(s.pending, entry)
	s.mu.Unlock()
}

// Recent returns the most recent in-memory entries, same contract as Memory.
func (s *S3Sink) Recent() []Entry {
	return s.mem.Recent()
}

func (s *S3Sink) flushLoop() {
	defer close(s.stopped)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush(context.Background())
		case <-s.done:
			s.flush(context.Background())
			return
		}
	}
}

func (s *S3Sink) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			slog.Error("audit: encoding entry for archive", "error", err)
			continue
		}
	}

	if _, err := s.store.Save(ctx, uuid.New().String(), &buf); err != nil {
		slog.Error("audit: archiving bundle failed", "error", err, "entries", len(batch))
	}
}

// Close flushes any buffered entries and stops the background loop.
func (s *S3Sink) Close() error {
	close(s.done)
	<-s.stopped
	return nil
}
