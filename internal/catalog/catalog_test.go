package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/diminDDL/discord-ollama/internal/metrics"
	"github.com/diminDDL/discord-ollama/internal/ollama"
)

type stubLister struct {
	calls   atomic.Int64
	started chan struct{}
	block   chan struct{}
	models  []ollama.ModelDescriptor
	err     error
}

func (s *stubLister) List(ctx context.Context) ([]ollama.ModelDescriptor, error) {
	if s.calls.Add(1) == 1 && s.started != nil {
		close(s.started)
	}
	if s.block != nil {
		<-s.block
	}
	return s.models, s.err
}

func TestListEmptyBeforeFirstRefresh(t *testing.T) {
	c := New(&stubLister{}, zerolog.Nop())
	if got := c.List(); len(got) != 0 {
		t.Fatalf("expected empty catalog, got %d models", len(got))
	}
	if !c.LastUpdated().IsZero() {
		t.Fatal("lastUpdated must be zero before first refresh")
	}
}

func TestRefreshReplacesWholesale(t *testing.T) {
	lister := &stubLister{models: []ollama.ModelDescriptor{
		{Name: "llama3.2:3b"}, {Name: "qwen2.5:7b"},
	}}
	c := New(lister, zerolog.Nop())

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(c.List()) != 2 {
		t.Fatalf("expected 2 models, got %d", len(c.List()))
	}

	lister.models = []ollama.ModelDescriptor{{Name: "mistral:7b"}}
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got := c.List()
	if len(got) != 1 || got[0].Name != "mistral:7b" {
		t.Fatalf("catalog not replaced wholesale: %+v", got)
	}
	if c.LastUpdated().IsZero() {
		t.Fatal("lastUpdated not recorded")
	}
}

func TestRefreshFailureKeepsLastCatalog(t *testing.T) {
	lister := &stubLister{models: []ollama.ModelDescriptor{{Name: "llama3.2:3b"}}}
	c := New(lister, zerolog.Nop())
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	lister.err = ollama.ErrUnavailable
	if _, err := c.Refresh(context.Background()); !errors.Is(err, ollama.ErrUnavailable) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if len(c.List()) != 1 {
		t.Fatal("failed refresh must not clear the last good catalog")
	}
}

func TestRefreshCountsEveryRefresh(t *testing.T) {
	lister := &stubLister{models: []ollama.ModelDescriptor{{Name: "llama3.2:3b"}}}
	c := New(lister, zerolog.Nop())

	before := testutil.ToFloat64(metrics.Global().CatalogRefreshes)
	for i := 0; i < 2; i++ {
		if _, err := c.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	if got := testutil.ToFloat64(metrics.Global().CatalogRefreshes) - before; got != 2 {
		t.Fatalf("expected 2 counted refreshes, got %v", got)
	}

	lister.err = ollama.ErrUnavailable
	_, _ = c.Refresh(context.Background())
	if got := testutil.ToFloat64(metrics.Global().CatalogRefreshes) - before; got != 2 {
		t.Fatalf("failed refresh must not count, got %v", got)
	}
}

func TestResolveCaseInsensitiveExact(t *testing.T) {
	lister := &stubLister{models: []ollama.ModelDescriptor{{Name: "Llama3.2:3b"}}}
	c := New(lister, zerolog.Nop())
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	m, err := c.Resolve("llama3.2:3B")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m.Name != "Llama3.2:3b" {
		t.Fatalf("resolve must preserve the catalog's original name, got %q", m.Name)
	}

	if _, err := c.Resolve("llama3.2"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("prefix must not match: %v", err)
	}

	before := lister.calls.Load()
	_, _ = c.Resolve("missing")
	if lister.calls.Load() != before {
		t.Fatal("resolve must never trigger an implicit refresh")
	}
}

func TestConcurrentRefreshesCollapse(t *testing.T) {
	lister := &stubLister{
		started: make(chan struct{}),
		block:   make(chan struct{}),
		models:  []ollama.ModelDescriptor{{Name: "llama3.2:3b"}},
	}
	c := New(lister, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := c.Refresh(context.Background()); err != nil {
			t.Errorf("refresh: %v", err)
		}
	}()

	// Join further refreshes while the first backend call is in flight.
	<-lister.started
	const joiners = 5
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Refresh(context.Background()); err != nil {
				t.Errorf("refresh: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(lister.block)
	wg.Wait()

	if calls := lister.calls.Load(); calls > 2 {
		t.Fatalf("in-flight refresh was not reused: %d backend calls", calls)
	}
}
