package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level tabgrid config.
	WorkspaceDirName = ".tabgrid"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the tabgrid MCP server.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Browser     BrowserConfig    `yaml:"browser"`
	Grid        GridConfig       `yaml:"grid"`
	Dialogs     DialogConfig     `yaml:"dialogs"`
	MCP         MCPConfig        `yaml:"mcp"`
	Events      EventsConfig     `yaml:"events"`
	Trace       TraceConfig      `yaml:"trace"`
	Screenshots ScreenshotConfig `yaml:"screenshots"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the MCP server launches/attaches to Chrome at startup.
	// When false the browser starts lazily on the first tab-scoped request.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when querying a possibly-unresponsive tab (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Viewport width for new tabs (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new tabs (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

// GridConfig controls the coordinate grid overlay installed on every tab.
type GridConfig struct {
	// Number of grid rows (default: 20).
	Rows int `yaml:"rows"`
	// Number of grid columns (default: 20).
	Columns int `yaml:"columns"`
	// How long the click highlight stays visible (e.g., "2s").
	HighlightDuration string `yaml:"highlight_duration"`
}

// DialogConfig controls how native dialogs are auto-answered.
type DialogConfig struct {
	// Text submitted for prompt() dialogs that carry no default value.
	PromptResponse string `yaml:"prompt_response"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// EventsConfig controls the embedded event log and its deductive queries.
type EventsConfig struct {
	Enable bool `yaml:"enable"`
	// Path to the mangle schema declaring event predicates.
	SchemaPath string `yaml:"schema_path"`
	// Maximum events retained in memory before the oldest are dropped.
	BufferLimit int `yaml:"buffer_limit"`
}

// TraceConfig controls the JSONL flight recorder for tool invocations.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// ScreenshotConfig controls where captured screenshots are stored.
type ScreenshotConfig struct {
	Dir string `yaml:"dir"`
	// Image format: png | jpeg (default: png).
	Format string `yaml:"format"`
	// JPEG quality 1-100 (default: 90). Ignored for png.
	Quality int `yaml:"quality"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "tabgrid-mcp",
			Version: "0.1.0",
			LogFile: "tabgrid-mcp.log",
		},
		Browser: BrowserConfig{
			AutoStart:                false,
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		Grid: GridConfig{
			Rows:              20,
			Columns:           20,
			HighlightDuration: "2s",
		},
		Dialogs: DialogConfig{
			PromptResponse: "automated-response",
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Events: EventsConfig{
			Enable:      true,
			SchemaPath:  "schemas/events.mg",
			BufferLimit: 4096,
		},
		Trace: TraceConfig{
			Enabled: false,
			Dir:     "data/traces",
		},
		Screenshots: ScreenshotConfig{
			Dir:     "data/screenshots",
			Format:  "png",
			Quality: 90,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .tabgrid/config.yaml file.
// Returns the workspace root directory (parent of .tabgrid/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .tabgrid/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			// Verify the explicit workspace dir has a config
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	// Layer 2: Explicit config file (--config flag)
	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .tabgrid/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	// Check if already exists
	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	// Create directory structure
	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	// Write template config
	templateConfig := `# tabgrid project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720

# grid:
#   rows: 20
#   columns: 20
#   highlight_duration: "2s"

# dialogs:
#   prompt_response: "automated-response"

# events:
#   schema_path: ".tabgrid/schemas/events.mg"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	// Write .gitignore for data directory
	gitignoreContent := "# Runtime data (logs, traces, screenshots) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Events.SchemaPath = resolve(cfg.Events.SchemaPath)
	cfg.Trace.Dir = resolve(cfg.Trace.Dir)
	cfg.Screenshots.Dir = resolve(cfg.Screenshots.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	if c.Grid.Rows < 0 || c.Grid.Columns < 0 {
		return errors.New("grid.rows and grid.columns must not be negative")
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.DefaultNavigationTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultNavigationTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	if b.DefaultAttachTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultAttachTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true // default to headless
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// GetRows returns the grid row count with a sane default.
func (g GridConfig) GetRows() int {
	if g.Rows <= 0 {
		return 20
	}
	return g.Rows
}

// GetColumns returns the grid column count with a sane default.
func (g GridConfig) GetColumns() int {
	if g.Columns <= 0 {
		return 20
	}
	return g.Columns
}

// GetHighlightDuration returns the parsed highlight duration with a sane default.
func (g GridConfig) GetHighlightDuration() time.Duration {
	if g.HighlightDuration == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(g.HighlightDuration)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetPromptResponse returns the prompt auto-answer text with a sane default.
func (d DialogConfig) GetPromptResponse() string {
	if d.PromptResponse == "" {
		return "automated-response"
	}
	return d.PromptResponse
}

// GetBufferLimit returns the event buffer limit with a sane default.
func (e EventsConfig) GetBufferLimit() int {
	if e.BufferLimit <= 0 {
		return 4096
	}
	return e.BufferLimit
}

// GetFormat returns the screenshot format with a sane default.
func (s ScreenshotConfig) GetFormat() string {
	if s.Format != "png" && s.Format != "jpeg" {
		return "png"
	}
	return s.Format
}

// GetQuality returns the JPEG quality with a sane default.
func (s ScreenshotConfig) GetQuality() int {
	if s.Quality <= 0 || s.Quality > 100 {
		return 90
	}
	return s.Quality
}
