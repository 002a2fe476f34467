package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"tabgrid-mcp-server/internal/browser"
	"tabgrid-mcp-server/internal/config"
	"tabgrid-mcp-server/internal/events"
	"tabgrid-mcp-server/internal/screenshot"
	"tabgrid-mcp-server/internal/trace"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server wires the MCP runtime, the Rod tab registry, and the event log.
type Server struct {
	cfg       config.Config
	registry  *browser.Registry
	log       *events.Log
	trace     *trace.Recorder
	shots     *screenshot.Store
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the tabgrid MCP server and registers all tools.
func NewServer(cfg config.Config, registry *browser.Registry, eventLog *events.Log, recorder *trace.Recorder, shots *screenshot.Store) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		registry:  registry,
		log:       eventLog,
		trace:     recorder,
		shots:     shots,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server (Claude/Gemini CLI default).
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		log.Printf("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by demos/tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	// Tab lifecycle
	s.registerTool(&ListSessionsTool{registry: s.registry})
	s.registerTool(&CreateSessionTool{registry: s.registry})
	s.registerTool(&SwitchSessionTool{registry: s.registry})
	s.registerTool(&CloseSessionTool{registry: s.registry})
	s.registerTool(&LaunchBrowserTool{registry: s.registry})
	s.registerTool(&ShutdownBrowserTool{registry: s.registry})

	// Grid interaction
	s.registerTool(&ClickAtGridTool{registry: s.registry})
	s.registerTool(&ElementAtGridTool{registry: s.registry})
	s.registerTool(&LocateInGridTool{registry: s.registry})
	s.registerTool(&ToggleGridTool{registry: s.registry})

	// Dialogs
	s.registerTool(&SuppressedDialogsTool{registry: s.registry})

	// Navigation and page state
	s.registerTool(&NavigateURLTool{registry: s.registry})
	s.registerTool(&GetPageStateTool{registry: s.registry})
	s.registerTool(&PressKeyTool{registry: s.registry})
	s.registerTool(&BrowserHistoryTool{registry: s.registry})
	s.registerTool(&EvaluateJSTool{registry: s.registry})
	s.registerTool(&CaptureScreenshotTool{registry: s.registry, log: s.log, shots: s.shots})

	// Event log queries
	s.registerTool(&ReadEventsTool{registry: s.registry, log: s.log})
	s.registerTool(&QueryEventsTool{log: s.log})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.record(tool.Name(), args, "error")
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		s.record(tool.Name(), args, "ok")
		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

// record writes the invocation to the flight recorder when tracing is on.
func (s *Server) record(toolName string, args map[string]interface{}, outcome string) {
	if s.trace == nil {
		return
	}
	s.trace.Log(toolName, getStringArg(args, "session_id"), outcome, args)
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
