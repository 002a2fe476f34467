package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"tabgrid-mcp-server/internal/config"
	"tabgrid-mcp-server/internal/events"

	"github.com/go-rod/rod"
)

type mockSink struct {
	mu   sync.Mutex
	evts []events.Event
}

func (s *mockSink) Add(ctx context.Context, evts []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evts = append(s.evts, evts...)
	return nil
}

func (s *mockSink) byPredicate(pred string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, ev := range s.evts {
		if ev.Predicate == pred {
			out = append(out, ev)
		}
	}
	return out
}

// seedTab registers a record directly, bypassing the browser. The page is
// left nil, which the registry treats as inaccessible; bookkeeping behavior
// is identical to a real tab.
func seedTab(r *Registry, title string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := fmt.Sprintf("tab_%d", r.nextID)
	r.nextID++
	r.tabs[id] = &tabRecord{
		id: id,
		metadata: map[string]string{
			"title":     title,
			"createdAt": time.Now().Format(time.RFC3339),
		},
	}
	r.order = append(r.order, id)
	if r.activeID == "" {
		r.activeID = id
	}
	r.bootstrapped = true
	return id
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(config.DefaultConfig(), nil)
	if r == nil {
		t.Fatal("expected non-nil registry")
	}
	if r.Grid() == nil {
		t.Error("expected grid to be initialized")
	}
	if r.IsConnected() {
		t.Error("expected no browser connection")
	}
	if r.ActiveID() != "" {
		t.Errorf("expected empty active id, got %q", r.ActiveID())
	}
	if got := r.List(); len(got) != 0 {
		t.Errorf("expected empty list, got %d entries", len(got))
	}
}

func TestBootstrapFirst(t *testing.T) {
	ctx := context.Background()
	sink := &mockSink{}
	r := NewRegistry(config.DefaultConfig(), sink)

	id, err := r.BootstrapFirst(ctx, nil)
	if err != nil {
		t.Fatalf("BootstrapFirst failed: %v", err)
	}
	if id != "tab_1" {
		t.Errorf("expected bootstrap id tab_1, got %q", id)
	}
	if r.ActiveID() != "tab_1" {
		t.Errorf("expected tab_1 active, got %q", r.ActiveID())
	}

	meta, err := r.Metadata("tab_1")
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if meta["title"] != "Initial Tab" {
		t.Errorf("expected title 'Initial Tab', got %q", meta["title"])
	}
	if _, err := time.Parse(time.RFC3339, meta["createdAt"]); err != nil {
		t.Errorf("createdAt %q is not RFC3339: %v", meta["createdAt"], err)
	}

	// A second bootstrap is a no-op that reports the existing session.
	again, err := r.BootstrapFirst(ctx, nil)
	if err != nil {
		t.Fatalf("second BootstrapFirst failed: %v", err)
	}
	if again != "tab_1" {
		t.Errorf("expected repeated bootstrap to return tab_1, got %q", again)
	}
	if got := r.List(); len(got) != 1 {
		t.Fatalf("expected 1 session after double bootstrap, got %d", len(got))
	}

	created := sink.byPredicate(events.PredSession)
	if len(created) != 1 {
		t.Errorf("expected 1 session event, got %d", len(created))
	}
}

func TestSessionIDsNeverReused(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(config.DefaultConfig(), nil)

	first := seedTab(r, "one")
	second := seedTab(r, "two")
	third := seedTab(r, "three")
	if first != "tab_1" || second != "tab_2" || third != "tab_3" {
		t.Fatalf("expected sequential ids, got %s %s %s", first, second, third)
	}

	if err := r.Close(ctx, second); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if next := seedTab(r, "four"); next != "tab_4" {
		t.Errorf("expected tab_4 after closing tab_2, got %q", next)
	}
}

func TestSwitch(t *testing.T) {
	ctx := context.Background()
	sink := &mockSink{}
	r := NewRegistry(config.DefaultConfig(), sink)
	seedTab(r, "one")
	second := seedTab(r, "two")

	if _, err := r.Switch(ctx, second); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if r.ActiveID() != second {
		t.Errorf("expected active %q, got %q", second, r.ActiveID())
	}

	_, err := r.Switch(ctx, "tab_99")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if r.ActiveID() != second {
		t.Errorf("failed switch changed active session to %q", r.ActiveID())
	}

	switched := sink.byPredicate(events.PredSession)
	if len(switched) != 1 {
		t.Errorf("expected 1 session event from the successful switch, got %d", len(switched))
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("UnknownID", func(t *testing.T) {
		r := NewRegistry(config.DefaultConfig(), nil)
		err := r.Close(ctx, "tab_7")
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("NonActiveKeepsActive", func(t *testing.T) {
		r := NewRegistry(config.DefaultConfig(), nil)
		first := seedTab(r, "one")
		second := seedTab(r, "two")

		if err := r.Close(ctx, second); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if r.ActiveID() != first {
			t.Errorf("expected active %q, got %q", first, r.ActiveID())
		}
	})

	t.Run("ActiveFallsToFirstRemaining", func(t *testing.T) {
		r := NewRegistry(config.DefaultConfig(), nil)
		first := seedTab(r, "one")
		second := seedTab(r, "two")
		seedTab(r, "three")

		if _, err := r.Switch(ctx, second); err != nil {
			t.Fatalf("Switch failed: %v", err)
		}
		if err := r.Close(ctx, second); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if r.ActiveID() != first {
			t.Errorf("expected active to fall to %q, got %q", first, r.ActiveID())
		}
	})

	t.Run("ActiveFirstInOrderWins", func(t *testing.T) {
		r := NewRegistry(config.DefaultConfig(), nil)
		first := seedTab(r, "one")
		second := seedTab(r, "two")
		seedTab(r, "three")

		if err := r.Close(ctx, first); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if r.ActiveID() != second {
			t.Errorf("expected active to fall to %q, got %q", second, r.ActiveID())
		}
	})

	t.Run("LastSessionLeavesNoActive", func(t *testing.T) {
		r := NewRegistry(config.DefaultConfig(), nil)
		only := seedTab(r, "one")

		if err := r.Close(ctx, only); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if r.ActiveID() != "" {
			t.Errorf("expected no active session, got %q", r.ActiveID())
		}
		if got := r.List(); len(got) != 0 {
			t.Errorf("expected empty list, got %d entries", len(got))
		}
	})
}

func TestListPlaceholders(t *testing.T) {
	r := NewRegistry(config.DefaultConfig(), nil)
	first := seedTab(r, "one")
	second := seedTab(r, "two")

	got := r.List()
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}
	if got[0].ID != first || got[1].ID != second {
		t.Errorf("expected creation order %s,%s got %s,%s", first, second, got[0].ID, got[1].ID)
	}
	for _, sess := range got {
		if sess.IsAccessible {
			t.Errorf("session %s: expected inaccessible", sess.ID)
		}
		if sess.Title != "(closed)" || sess.URL != "(closed)" {
			t.Errorf("session %s: expected closed placeholders, got %q %q", sess.ID, sess.Title, sess.URL)
		}
		if sess.Metadata["title"] == "" {
			t.Errorf("session %s: metadata missing", sess.ID)
		}
	}
	if !got[0].IsActive || got[1].IsActive {
		t.Errorf("expected only %s active", first)
	}
}

func TestListCopiesMetadata(t *testing.T) {
	r := NewRegistry(config.DefaultConfig(), nil)
	id := seedTab(r, "one")

	r.List()[0].Metadata["title"] = "mutated"

	meta, err := r.Metadata(id)
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if meta["title"] != "one" {
		t.Errorf("list result shares metadata storage: got %q", meta["title"])
	}
}

func TestMetadataUnknownSession(t *testing.T) {
	r := NewRegistry(config.DefaultConfig(), nil)
	if _, err := r.Metadata("tab_1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPageAccessors(t *testing.T) {
	r := NewRegistry(config.DefaultConfig(), nil)
	id := seedTab(r, "one")

	if _, err := r.Page("tab_42"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := r.Page(id); !errors.Is(err, ErrSessionUnavailable) {
		t.Errorf("expected ErrSessionUnavailable for dead page, got %v", err)
	}
	if _, _, ok := r.ActivePage(); ok {
		t.Error("expected no accessible active page")
	}
}

func TestEnsureActivePageNoSessions(t *testing.T) {
	r := NewRegistry(config.DefaultConfig(), nil)
	id := seedTab(r, "one")
	r.markClosed(id)

	_, _, err := r.EnsureActivePage(context.Background())
	if !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestEnsureActivePageBootstrapFailure(t *testing.T) {
	// Default config has no debugger URL and no launch command, so the
	// lazy bootstrap cannot start a browser.
	r := NewRegistry(config.DefaultConfig(), nil)

	_, _, err := r.EnsureActivePage(context.Background())
	if err == nil {
		t.Fatal("expected bootstrap to fail without browser config")
	}
	if !strings.Contains(err.Error(), "no debugger_url or launch command provided") {
		t.Errorf("unexpected bootstrap error: %v", err)
	}

	// A failed bootstrap must not consume the one-shot guard.
	_, _, err = r.EnsureActivePage(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bootstrap browser") {
		t.Errorf("expected bootstrap retry to fail the same way, got %v", err)
	}
}

func TestCreateBootstrapFailure(t *testing.T) {
	r := NewRegistry(config.DefaultConfig(), nil)

	_, err := r.Create(context.Background(), CreateOptions{URL: "https://example.com"})
	if err == nil {
		t.Fatal("expected create to fail without browser config")
	}
	if !strings.Contains(err.Error(), "bootstrap browser") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRecoverySelectionOrder(t *testing.T) {
	r := NewRegistry(config.DefaultConfig(), nil)

	closedTab := seedTab(r, "one")
	deadPage := seedTab(r, "two")
	live := seedTab(r, "three")
	later := seedTab(r, "four")

	r.mu.Lock()
	r.tabs[closedTab].page = &rod.Page{}
	r.tabs[closedTab].closed = true
	r.tabs[deadPage].page = nil
	r.tabs[live].page = &rod.Page{}
	r.tabs[later].page = &rod.Page{}
	r.mu.Unlock()

	r.mu.RLock()
	rec := r.recoverLocked()
	r.mu.RUnlock()

	if rec == nil {
		t.Fatal("expected recovery to find a session")
	}
	if rec.id != live {
		t.Errorf("expected recovery to pick %q (first accessible in creation order), got %q", live, rec.id)
	}
}

func TestMarkClosed(t *testing.T) {
	r := NewRegistry(config.DefaultConfig(), nil)

	id := seedTab(r, "one")
	r.mu.Lock()
	r.tabs[id].page = &rod.Page{}
	r.mu.Unlock()

	r.markClosed(id)

	got := r.List()
	if len(got) != 1 {
		t.Fatalf("expected the entry to persist, got %d entries", len(got))
	}
	if got[0].IsAccessible {
		t.Error("expected closed session to be inaccessible")
	}
	if got[0].Title != "(closed)" {
		t.Errorf("expected closed placeholder, got %q", got[0].Title)
	}

	// Unknown ids are ignored.
	r.markClosed("tab_99")
}

func TestShutdownResetsRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(config.DefaultConfig(), nil)
	seedTab(r, "one")
	seedTab(r, "two")

	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := r.List(); len(got) != 0 {
		t.Errorf("expected no sessions after shutdown, got %d", len(got))
	}
	if r.ActiveID() != "" {
		t.Errorf("expected no active session, got %q", r.ActiveID())
	}
	if r.IsConnected() {
		t.Error("expected browser disconnected")
	}

	// The next id keeps counting; shutdown never recycles ids.
	if id := seedTab(r, "three"); id != "tab_3" {
		t.Errorf("expected tab_3 after shutdown, got %q", id)
	}
}

func TestStartWithoutBrowserConfig(t *testing.T) {
	r := NewRegistry(config.DefaultConfig(), nil)
	err := r.Start(context.Background())
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if !strings.Contains(err.Error(), "no debugger_url or launch command provided") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConcurrentBookkeeping(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(config.DefaultConfig(), &mockSink{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := seedTab(r, "worker")
			r.List()
			_, _ = r.Switch(ctx, id)
			r.ActiveID()
			_, _ = r.Metadata(id)
		}()
	}
	wg.Wait()

	if got := len(r.List()); got != 8 {
		t.Errorf("expected 8 sessions, got %d", got)
	}
}
