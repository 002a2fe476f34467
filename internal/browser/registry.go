package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tabgrid-mcp-server/internal/config"
	"tabgrid-mcp-server/internal/events"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

var (
	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoActiveSession is returned when no usable active tab exists and
	// recovery found no substitute.
	ErrNoActiveSession = errors.New("no active page")
	// ErrSessionUnavailable is returned when a known session's page can no
	// longer be used.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrBrowserNotConnected is returned by operations that need a browser
	// but cannot trigger bootstrap themselves.
	ErrBrowserNotConnected = errors.New("browser not connected")
)

// Session is the list summary for one tab.
type Session struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	URL          string            `json:"url"`
	IsActive     bool              `json:"is_active"`
	IsAccessible bool              `json:"is_accessible"`
	Metadata     map[string]string `json:"metadata"`
}

// CreateOptions controls Create. Zero values mean a blank background tab
// with a default title.
type CreateOptions struct {
	URL    string
	Active bool
	Title  string
}

// CreateResult reports the new session id and any non-fatal warning.
type CreateResult struct {
	SessionID string `json:"session_id"`
	Warning   string `json:"warning,omitempty"`
}

// tabRecord tracks one browser tab. closed marks pages that died outside
// Close (browser gone, tab closed by hand); the entry itself persists until
// an explicit Close.
type tabRecord struct {
	id       string
	page     *rod.Page
	metadata map[string]string
	closed   bool
}

// EventSink is the minimal interface the registry needs from the event log.
type EventSink interface {
	Add(ctx context.Context, evts []events.Event) error
}

// Registry owns the browser connection and tracks tabs as sessions. Ids are
// assigned from a monotonic counter and never reused. At most one session is
// active; implicit operations resolve through it.
type Registry struct {
	cfg  config.Config
	sink EventSink
	grid *Grid

	// bootMu serializes the lazy first-use bootstrap.
	bootMu sync.Mutex

	mu           sync.RWMutex
	browser      *rod.Browser
	controlURL   string
	tabs         map[string]*tabRecord
	order        []string // creation order of live entries
	activeID     string
	nextID       int
	bootstrapped bool
}

func NewRegistry(cfg config.Config, sink EventSink) *Registry {
	return &Registry{
		cfg:    cfg,
		sink:   sink,
		grid:   NewGrid(cfg.Grid),
		tabs:   make(map[string]*tabRecord),
		nextID: 1,
	}
}

// Grid exposes the coordinate grid engine bound to this registry's config.
func (r *Registry) Grid() *Grid {
	return r.grid
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(ctx)
}

func (r *Registry) startLocked(ctx context.Context) error {
	// If we already have a browser, verify it's still alive
	if r.browser != nil {
		_, err := r.browser.Version()
		if err == nil {
			return nil // Browser is healthy, reuse it
		}
		// Browser is dead, clean up and reconnect
		log.Printf("Stale browser connection detected, reconnecting...")
		_ = r.browser.Close()
		r.browser = nil
		r.controlURL = ""
		// Orphaned tabs cannot be recovered across browser processes
		r.tabs = make(map[string]*tabRecord)
		r.order = nil
		r.activeID = ""
		r.bootstrapped = false
	}

	controlURL := r.cfg.Browser.DebuggerURL
	if controlURL == "" && len(r.cfg.Browser.Launch) > 0 {
		bin := r.cfg.Browser.Launch[0]
		launch := launcher.New().Bin(bin).Headless(r.cfg.Browser.IsHeadless())
		if len(r.cfg.Browser.Launch) > 1 {
			for _, rawFlag := range r.cfg.Browser.Launch[1:] {
				flagStr := strings.TrimLeft(rawFlag, "-")
				name, val, hasVal := strings.Cut(flagStr, "=")
				if hasVal {
					launch = launch.Set(flags.Flag(name), val)
				} else {
					launch = launch.Set(flags.Flag(name))
				}
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(r.cfg.Browser.IsHeadless())
			if alt, altErr := fallback.Launch(); altErr == nil {
				controlURL = alt
			} else {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	r.browser = browser
	r.controlURL = controlURL
	log.Printf("Browser connected at %s", controlURL)
	return nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (r *Registry) ControlURL() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (r *Registry) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.browser != nil
}

// Shutdown closes tracked tabs and the underlying browser. The next
// tab-scoped request will bootstrap a fresh browser process.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rec := range r.tabs {
		if rec.page != nil && !rec.closed {
			_ = rec.page.Close()
		}
		delete(r.tabs, id)
	}
	r.order = nil
	r.activeID = ""
	r.bootstrapped = false

	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	r.controlURL = ""
	log.Printf("Browser shutdown complete")
	return err
}

// bootstrapOnce lazily starts the browser and registers the first tab. It
// runs at most once per browser process; a failed attempt may be retried.
func (r *Registry) bootstrapOnce(ctx context.Context) error {
	r.bootMu.Lock()
	defer r.bootMu.Unlock()

	r.mu.RLock()
	done := r.bootstrapped || len(r.order) > 0
	r.mu.RUnlock()
	if done {
		return nil
	}

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("bootstrap browser: %w", err)
	}

	page, err := r.newPage()
	if err != nil {
		return fmt.Errorf("bootstrap first tab: %w", err)
	}

	if _, err := r.BootstrapFirst(ctx, page); err != nil {
		_ = page.Close()
		return err
	}
	return nil
}

// BootstrapFirst registers an existing page as the first session and marks
// it active. No-op returning the current active id when the registry already
// has entries or bootstrap already ran.
func (r *Registry) BootstrapFirst(ctx context.Context, page *rod.Page) (string, error) {
	r.mu.Lock()
	if r.bootstrapped || len(r.order) > 0 {
		id := r.activeID
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	if page != nil {
		if err := r.instrument(page); err != nil {
			return "", fmt.Errorf("enhance bootstrap tab: %w", err)
		}
	}

	r.mu.Lock()
	// Re-check under the lock; instrument ran unlocked.
	if r.bootstrapped || len(r.order) > 0 {
		id := r.activeID
		r.mu.Unlock()
		return id, nil
	}
	id := fmt.Sprintf("tab_%d", r.nextID)
	r.nextID++
	rec := &tabRecord{
		id:   id,
		page: page,
		metadata: map[string]string{
			"title":     "Initial Tab",
			"createdAt": time.Now().Format(time.RFC3339),
		},
	}
	r.tabs[id] = rec
	r.order = append(r.order, id)
	r.activeID = id
	r.bootstrapped = true
	r.mu.Unlock()

	r.watch(ctx, rec)
	r.emit(ctx, events.Session(id, "created"))
	log.Printf("[session:%s] bootstrap tab registered", id)
	return id, nil
}

// Create opens a new tab, enhances it, and registers it under the next
// sequential id. A failed navigation is reported as a warning, not an
// error; the session stays usable.
func (r *Registry) Create(ctx context.Context, opts CreateOptions) (*CreateResult, error) {
	if err := r.bootstrapOnce(ctx); err != nil {
		return nil, err
	}

	page, err := r.newPage()
	if err != nil {
		return nil, err
	}

	if err := r.instrument(page); err != nil {
		_ = page.Close()
		return nil, err
	}

	r.mu.Lock()
	n := r.nextID
	r.nextID++
	id := fmt.Sprintf("tab_%d", n)
	title := opts.Title
	if title == "" {
		title = fmt.Sprintf("Tab %d", n)
	}
	rec := &tabRecord{
		id:   id,
		page: page,
		metadata: map[string]string{
			"title":     title,
			"createdAt": time.Now().Format(time.RFC3339),
		},
	}
	r.tabs[id] = rec
	r.order = append(r.order, id)
	if opts.Active {
		r.activeID = id
	}
	r.mu.Unlock()

	r.watch(ctx, rec)
	r.emit(ctx, events.Session(id, "created"))

	result := &CreateResult{SessionID: id}
	if opts.URL != "" {
		if err := page.Timeout(r.cfg.Browser.NavigationTimeout()).Navigate(opts.URL); err != nil {
			result.Warning = fmt.Sprintf("navigation to %s failed: %v", opts.URL, err)
			log.Printf("[session:%s] %s", id, result.Warning)
		}
	}
	if opts.Active {
		if _, err := page.Activate(); err != nil {
			log.Printf("[session:%s] foreground attempt failed: %v", id, err)
		}
	}

	return result, nil
}

// Switch makes sessionID the active session and tries to foreground it.
// The foreground attempt is best-effort; only unknown ids fail.
func (r *Registry) Switch(ctx context.Context, sessionID string) (*rod.Page, error) {
	r.mu.Lock()
	rec, ok := r.tabs[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	r.activeID = sessionID
	page := rec.page
	closed := rec.closed
	r.mu.Unlock()

	if page != nil && !closed {
		if _, err := page.Activate(); err != nil {
			log.Printf("[session:%s] foreground attempt failed: %v", sessionID, err)
		}
	}
	r.emit(ctx, events.Session(sessionID, "switched"))
	return page, nil
}

// Close closes a session's page and removes its entry. When the active
// session is closed, the first remaining session in creation order becomes
// active.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	rec, ok := r.tabs[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	page := rec.page
	alreadyClosed := rec.closed
	delete(r.tabs, sessionID)
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	var successor *tabRecord
	if r.activeID == sessionID {
		r.activeID = ""
		if len(r.order) > 0 {
			r.activeID = r.order[0]
			successor = r.tabs[r.activeID]
		}
	}
	r.mu.Unlock()

	if page != nil && !alreadyClosed {
		if err := page.Close(); err != nil {
			log.Printf("[session:%s] page close failed: %v", sessionID, err)
		}
	}
	if successor != nil && successor.page != nil && !successor.closed {
		if _, err := successor.page.Activate(); err != nil {
			log.Printf("[session:%s] foreground attempt failed: %v", successor.id, err)
		}
	}
	r.emit(ctx, events.Session(sessionID, "closed"))
	return nil
}

// List returns summaries for all known sessions in creation order. Entries
// are never removed here; dead tabs degrade to placeholders.
func (r *Registry) List() []Session {
	type snapshot struct {
		id     string
		page   *rod.Page
		closed bool
		meta   map[string]string
		active bool
	}

	r.mu.RLock()
	snaps := make([]snapshot, 0, len(r.order))
	for _, id := range r.order {
		rec := r.tabs[id]
		if rec == nil {
			continue
		}
		meta := make(map[string]string, len(rec.metadata))
		for k, v := range rec.metadata {
			meta[k] = v
		}
		snaps = append(snaps, snapshot{
			id:     id,
			page:   rec.page,
			closed: rec.closed,
			meta:   meta,
			active: id == r.activeID,
		})
	}
	attach := r.cfg.Browser.AttachTimeout()
	r.mu.RUnlock()

	results := make([]Session, 0, len(snaps))
	for _, s := range snaps {
		sess := Session{ID: s.id, IsActive: s.active, Metadata: s.meta}
		if s.closed || s.page == nil {
			sess.Title = "(closed)"
			sess.URL = "(closed)"
			results = append(results, sess)
			continue
		}
		info, err := s.page.Timeout(attach).Info()
		if err != nil {
			sess.Title = "(unavailable)"
			sess.URL = "(unavailable)"
			results = append(results, sess)
			continue
		}
		sess.Title = info.Title
		sess.URL = info.URL
		sess.IsAccessible = true
		results = append(results, sess)
	}
	return results
}

// ActivePage returns the active tab without triggering bootstrap or recovery.
func (r *Registry) ActivePage() (*rod.Page, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tabs[r.activeID]
	if !ok || rec.closed || rec.page == nil {
		return nil, "", false
	}
	return rec.page, rec.id, true
}

// ActiveID returns the current active session id, which may reference a
// closed tab until the next accessibility check runs.
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// Page returns the live page for an explicit session id.
func (r *Registry) Page(sessionID string) (*rod.Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tabs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if rec.closed || rec.page == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionUnavailable, sessionID)
	}
	return rec.page, nil
}

// EnsureActivePage resolves the active session's page, bootstrapping the
// browser and first tab on first use. When the active tab has died it
// recovers to the first accessible session in creation order.
func (r *Registry) EnsureActivePage(ctx context.Context) (*rod.Page, string, error) {
	if err := r.bootstrapOnce(ctx); err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	if rec, ok := r.tabs[r.activeID]; ok && !rec.closed && rec.page != nil {
		page, id := rec.page, rec.id
		r.mu.Unlock()
		return page, id, nil
	}

	rec := r.recoverLocked()
	if rec == nil {
		r.mu.Unlock()
		return nil, "", ErrNoActiveSession
	}
	prev := r.activeID
	r.activeID = rec.id
	page, id := rec.page, rec.id
	r.mu.Unlock()

	log.Printf("[session:%s] recovered active session (was %q)", id, prev)
	if _, err := page.Activate(); err != nil {
		log.Printf("[session:%s] foreground attempt failed: %v", id, err)
	}
	r.emit(ctx, events.Session(id, "recovered"))
	return page, id, nil
}

// recoverLocked returns the first accessible record in creation order, or
// nil when every tab is gone.
func (r *Registry) recoverLocked() *tabRecord {
	for _, id := range r.order {
		rec := r.tabs[id]
		if rec == nil || rec.closed || rec.page == nil {
			continue
		}
		return rec
	}
	return nil
}

// Metadata returns a copy of a session's metadata.
func (r *Registry) Metadata(sessionID string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tabs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	meta := make(map[string]string, len(rec.metadata))
	for k, v := range rec.metadata {
		meta[k] = v
	}
	return meta, nil
}

// newPage opens a blank tab in the shared browser context and applies the
// configured viewport.
func (r *Registry) newPage() (*rod.Page, error) {
	r.mu.RLock()
	browser := r.browser
	r.mu.RUnlock()
	if browser == nil {
		return nil, ErrBrowserNotConnected
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             r.cfg.Browser.GetViewportWidth(),
		Height:            r.cfg.Browser.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		log.Printf("warning: failed to set viewport: %v", err)
	}
	return page, nil
}

// instrument applies the enhancement pair to a page before it is exposed:
// dialog auto-answering first (it must precede any document script), then
// the coordinate grid.
func (r *Registry) instrument(page *rod.Page) error {
	if err := InstallDialogOverride(page, r.cfg.Dialogs.GetPromptResponse()); err != nil {
		return fmt.Errorf("install dialog override: %w", err)
	}
	if err := r.grid.Install(page); err != nil {
		// The load listener re-installs; the first document may simply not
		// be ready yet.
		log.Printf("warning: initial grid install failed: %v", err)
	}
	return nil
}

// watch attaches the host-side dialog handler and the event stream to a
// freshly registered tab.
func (r *Registry) watch(ctx context.Context, rec *tabRecord) {
	if rec.page == nil {
		return
	}
	r.watchDialogs(ctx, rec.id, rec.page)
	r.startStream(ctx, rec.id, rec.page)
}

// markClosed flags a session whose page died outside Close. The entry
// persists for listing until explicitly closed.
func (r *Registry) markClosed(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.tabs[sessionID]; ok {
		rec.closed = true
	}
}

func (r *Registry) emit(ctx context.Context, ev events.Event) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Add(ctx, []events.Event{ev}); err != nil {
		log.Printf("event log rejected %s: %v", ev.Predicate, err)
	}
}
