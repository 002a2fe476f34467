// Package screenshot captures page images and keeps them addressable by
// name so they can be served as MCP blob resources after the fact.
package screenshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"tabgrid-mcp-server/internal/config"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// MaxRetained caps how many screenshots keep their bytes in memory.
// Older shots stay on disk and are reloaded on demand.
const MaxRetained = 32

// Shot describes one captured screenshot.
type Shot struct {
	Name       string    `json:"name"`
	SessionID  string    `json:"session_id"`
	Format     string    `json:"format"`
	Path       string    `json:"path"`
	SizeBytes  int       `json:"size_bytes"`
	FullPage   bool      `json:"full_page"`
	CapturedAt time.Time `json:"captured_at"`
}

// Store persists screenshots to the configured directory and indexes them
// by name.
type Store struct {
	cfg config.ScreenshotConfig

	mu    sync.RWMutex
	shots map[string]Shot
	cache map[string][]byte
}

func NewStore(cfg config.ScreenshotConfig) *Store {
	return &Store{
		cfg:   cfg,
		shots: make(map[string]Shot),
		cache: make(map[string][]byte),
	}
}

// Capture takes a screenshot of the page and stores it under name. An empty
// name gets a generated one. Returns the stored shot metadata.
func (s *Store) Capture(page *rod.Page, sessionID, name string, fullPage bool) (Shot, error) {
	if name == "" {
		name = "shot-" + uuid.NewString()
	}

	format := s.cfg.GetFormat()
	quality := s.cfg.GetQuality()

	captureFormat := proto.PageCaptureScreenshotFormatPng
	if format == "jpeg" {
		captureFormat = proto.PageCaptureScreenshotFormatJpeg
	}

	data, err := page.Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format:  captureFormat,
		Quality: &quality,
	})
	if err != nil {
		return Shot{}, fmt.Errorf("capture screenshot: %w", err)
	}

	shot := Shot{
		Name:       name,
		SessionID:  sessionID,
		Format:     format,
		SizeBytes:  len(data),
		FullPage:   fullPage,
		CapturedAt: time.Now(),
	}
	if err := s.Put(shot, data); err != nil {
		return Shot{}, err
	}

	s.mu.RLock()
	stored := s.shots[name]
	s.mu.RUnlock()
	return stored, nil
}

// Put writes a shot to disk and registers it in the index. Re-using a name
// overwrites the previous shot.
func (s *Store) Put(shot Shot, data []byte) error {
	dir := s.cfg.Dir
	if dir == "" {
		dir = "data/screenshots"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}

	shot.Path = filepath.Join(dir, shot.Name+"."+shot.Format)
	shot.SizeBytes = len(data)
	if shot.CapturedAt.IsZero() {
		shot.CapturedAt = time.Now()
	}

	if err := os.WriteFile(shot.Path, data, 0o644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.shots[shot.Name] = shot
	s.cache[shot.Name] = data
	s.evictLocked()
	return nil
}

// Get returns a shot's metadata and bytes. Bytes evicted from memory are
// reloaded from disk.
func (s *Store) Get(name string) (Shot, []byte, bool) {
	s.mu.RLock()
	shot, ok := s.shots[name]
	data, cached := s.cache[name]
	s.mu.RUnlock()

	if !ok {
		return Shot{}, nil, false
	}
	if cached {
		return shot, data, true
	}

	data, err := os.ReadFile(shot.Path)
	if err != nil {
		return Shot{}, nil, false
	}
	return shot, data, true
}

// List returns metadata for all stored shots, newest first.
func (s *Store) List() []Shot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Shot, 0, len(s.shots))
	for _, shot := range s.shots {
		out = append(out, shot)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CapturedAt.After(out[j].CapturedAt)
	})
	return out
}

// evictLocked drops in-memory bytes beyond MaxRetained, oldest first.
// Caller must hold mu.
func (s *Store) evictLocked() {
	if len(s.cache) <= MaxRetained {
		return
	}

	names := make([]string, 0, len(s.cache))
	for name := range s.cache {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return s.shots[names[i]].CapturedAt.Before(s.shots[names[j]].CapturedAt)
	})

	for _, name := range names[:len(names)-MaxRetained] {
		delete(s.cache, name)
	}
}
