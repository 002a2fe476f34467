package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tabgrid-mcp-server/internal/browser"
	"tabgrid-mcp-server/internal/config"
	"tabgrid-mcp-server/internal/events"
	mcpserver "tabgrid-mcp-server/internal/mcp"
	"tabgrid-mcp-server/internal/screenshot"
	"tabgrid-mcp-server/internal/trace"

	"github.com/google/uuid"
)

func main() {
	configPath := flag.String("config", "", "Optional config file layered over the workspace config")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	workspaceDir := flag.String("workspace-dir", "", "Explicit workspace root (skips upward discovery)")
	noWorkspace := flag.Bool("no-workspace", false, "Skip workspace discovery entirely")
	initWs := flag.Bool("init", false, "Create a .tabgrid/ workspace in the current directory and exit")
	flag.Parse()

	if *initWs {
		root, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to resolve working directory: %v", err)
		}
		if err := config.InitWorkspace(root); err != nil {
			log.Fatalf("failed to initialize workspace: %v", err)
		}
		log.Printf("initialized tabgrid workspace in %s", root)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	})
	if err != nil {
		// Before we can redirect logs, write to stderr as last resort
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	// Redirect logging to file for stdio mode (stderr interferes with MCP protocol)
	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			// If we can't open log file, disable logging to avoid stderr pollution
			log.SetOutput(io.Discard)
		}
	}
	if wsDir != "" {
		log.Printf("using workspace at %s", wsDir)
	}

	eventLog, err := events.NewLog(cfg.Events)
	if err != nil {
		log.Fatalf("failed to initialize event log: %v", err)
	}

	recorder, err := trace.NewRecorder(cfg.Trace.Dir)
	if err != nil {
		log.Fatalf("failed to initialize trace recorder: %v", err)
	}
	if cfg.Trace.Enabled {
		if err := recorder.Start(uuid.NewString()); err != nil {
			log.Printf("trace recording disabled: %v", err)
		}
		defer recorder.Close()
	}

	registry := browser.NewRegistry(cfg, eventLog)
	if cfg.Browser.AutoStart {
		if err := registry.Start(ctx); err != nil {
			log.Fatalf("failed to start browser: %v", err)
		}
	} else {
		log.Printf("browser auto-start disabled; use MCP tools to launch/attach later")
	}

	server, err := mcpserver.NewServer(cfg, registry, eventLog, recorder, screenshot.NewStore(cfg.Screenshots))
	if err != nil {
		log.Fatalf("failed to initialize MCP server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting tabgrid MCP SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting tabgrid MCP stdio server")
		startErr = server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}
