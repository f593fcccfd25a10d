package diagnostics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rjsadow/ssap/internal/provider"
	"github.com/rjsadow/ssap/internal/store"
)

type fakeProvider struct{ healthy bool }

func (f *fakeProvider) ListTemplateNames(context.Context) ([]string, error) { return nil, nil }
func (f *fakeProvider) EnsureTemplate(context.Context, provider.TemplateSpec) error { return nil }
func (f *fakeProvider) Get(context.Context, string) (*provider.Sandbox, error) {
	return nil, provider.ErrNotFound
}
func (f *fakeProvider) Create(context.Context, string, string) (*provider.Sandbox, error) {
	return &provider.Sandbox{}, nil
}
func (f *fakeProvider) Healthy(context.Context) bool { return f.healthy }

func TestCollectAllHealthy(t *testing.T) {
	var last atomic.Int64
	last.Store(time.Now().UnixNano())

	c := NewCollector(store.NewMemory(), &fakeProvider{healthy: true}, &last, time.Minute)
	r := c.Collect(context.Background())

	if !r.Ready {
		t.Fatalf("expected ready, got %+v", r)
	}
	if len(r.Checks) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(r.Checks))
	}
}

func TestCollectProviderUnhealthyFailsReadiness(t *testing.T) {
	var last atomic.Int64
	last.Store(time.Now().UnixNano())

	c := NewCollector(store.NewMemory(), &fakeProvider{healthy: false}, &last, time.Minute)
	r := c.Collect(context.Background())

	if r.Ready {
		t.Fatal("expected not ready when provider is unhealthy")
	}
}

func TestCollectStaleSweepFailsReadiness(t *testing.T) {
	var last atomic.Int64
	last.Store(time.Now().Add(-time.Hour).UnixNano())

	c := NewCollector(store.NewMemory(), &fakeProvider{healthy: true}, &last, time.Minute)
	r := c.Collect(context.Background())

	if r.Ready {
		t.Fatal("expected not ready when sweep is stale")
	}
}

func TestCollectSweepNeverRunIsStillReady(t *testing.T) {
	var last atomic.Int64

	c := NewCollector(store.NewMemory(), &fakeProvider{healthy: true}, &last, time.Minute)
	r := c.Collect(context.Background())

	if !r.Ready {
		t.Fatal("expected ready before the first sweep pass has had a chance to run")
	}
}
