package mcp

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"tabgrid-mcp-server/internal/browser"
	"tabgrid-mcp-server/internal/config"
	"tabgrid-mcp-server/internal/events"
	"tabgrid-mcp-server/internal/screenshot"
)

// setupTestServerConfig returns a config with the event log enabled and no
// browser endpoint, so bootstrap attempts fail fast instead of launching
// Chrome.
func setupTestServerConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Name:    "test-server",
			Version: "1.0.0",
		},
		Events: config.EventsConfig{
			Enable:      true,
			SchemaPath:  "../../schemas/events.mg",
			BufferLimit: 1000,
		},
	}
}

func setupTestServer(t *testing.T) (*Server, *browser.Registry, *events.Log) {
	t.Helper()
	cfg := setupTestServerConfig()

	eventLog, err := events.NewLog(cfg.Events)
	if err != nil {
		t.Fatalf("Failed to create event log: %v", err)
	}

	registry := browser.NewRegistry(cfg, eventLog)
	server, err := NewServer(cfg, registry, eventLog, nil, screenshot.NewStore(cfg.Screenshots))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, registry, eventLog
}

func TestNewServer(t *testing.T) {
	t.Run("creates server successfully", func(t *testing.T) {
		server, _, _ := setupTestServer(t)
		if server == nil {
			t.Fatal("expected non-nil server")
		}
		if server.tools == nil {
			t.Error("expected tools map to be initialized")
		}
		if len(server.tools) == 0 {
			t.Error("expected tools to be registered")
		}
	})

	t.Run("tolerates nil trace recorder", func(t *testing.T) {
		_, _, _ = setupTestServer(t)
		// setupTestServer passes a nil recorder; construction must not panic.
	})
}

func TestExecuteTool(t *testing.T) {
	server, _, _ := setupTestServer(t)

	t.Run("execute existing tool", func(t *testing.T) {
		// list-sessions works without a browser
		result, err := server.ExecuteTool("list-sessions", map[string]interface{}{})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if result == nil {
			t.Error("expected non-nil result")
		}
	})

	t.Run("execute non-existent tool", func(t *testing.T) {
		_, err := server.ExecuteTool("non-existent-tool", map[string]interface{}{})
		if err == nil {
			t.Error("expected error for non-existent tool")
		}
	})

	t.Run("execute with nil args", func(t *testing.T) {
		result, err := server.ExecuteTool("list-sessions", nil)
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if result == nil {
			t.Error("expected non-nil result")
		}
	})

	t.Run("read-events tool", func(t *testing.T) {
		result, err := server.ExecuteTool("read-events", map[string]interface{}{})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		resultMap := result.(map[string]interface{})
		if !resultMap["success"].(bool) {
			t.Errorf("expected success, got %v", resultMap)
		}
	})

	t.Run("query-events without query", func(t *testing.T) {
		_, err := server.ExecuteTool("query-events", map[string]interface{}{})
		if err == nil {
			t.Error("expected error for missing query")
		}
	})
}

func TestToolInterface(t *testing.T) {
	server, _, _ := setupTestServer(t)

	t.Run("all tools have valid names", func(t *testing.T) {
		for name, tool := range server.tools {
			if tool.Name() != name {
				t.Errorf("tool registered as %q but Name() returns %q", name, tool.Name())
			}
		}
	})

	t.Run("all tools have descriptions", func(t *testing.T) {
		for name, tool := range server.tools {
			if tool.Description() == "" {
				t.Errorf("tool %q has empty description", name)
			}
		}
	})

	t.Run("all tools have valid schemas", func(t *testing.T) {
		for name, tool := range server.tools {
			schema := tool.InputSchema()
			if schema == nil {
				t.Errorf("tool %q has nil schema", name)
				continue
			}
			if schema["type"] != "object" {
				t.Errorf("tool %q schema type is not 'object': %v", name, schema["type"])
			}
		}
	})

	t.Run("all schemas marshal to JSON", func(t *testing.T) {
		for name, tool := range server.tools {
			if _, err := json.Marshal(tool.InputSchema()); err != nil {
				t.Errorf("tool %q schema does not marshal: %v", name, err)
			}
		}
	})
}

func TestToolCount(t *testing.T) {
	server, _, _ := setupTestServer(t)

	expectedMinTools := 19
	if len(server.tools) < expectedMinTools {
		t.Errorf("expected at least %d tools, got %d", expectedMinTools, len(server.tools))
	}
}

func TestServerToolRegistration(t *testing.T) {
	server, _, _ := setupTestServer(t)

	expectedTools := []string{
		"list-sessions",
		"create-session",
		"switch-session",
		"close-session",
		"launch-browser",
		"shutdown-browser",
		"click-at-grid",
		"element-at-grid",
		"locate-in-grid",
		"toggle-grid",
		"suppressed-dialogs",
		"navigate-url",
		"get-page-state",
		"press-key",
		"browser-history",
		"evaluate-js",
		"capture-screenshot",
		"read-events",
		"query-events",
	}

	for _, toolName := range expectedTools {
		t.Run("tool_"+toolName, func(t *testing.T) {
			if _, exists := server.tools[toolName]; !exists {
				t.Errorf("expected tool %q to be registered", toolName)
			}
		})
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("test-tool", map[string]interface{}{
		"bad": math.NaN(),
	})
	if len(payload) == 0 {
		t.Fatal("expected non-empty payload")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload should always be valid JSON: %v", err)
	}
	if success, _ := decoded["success"].(bool); success {
		t.Fatalf("expected success=false fallback payload, got %v", decoded)
	}
	if decoded["error"] == nil {
		t.Fatalf("expected fallback payload to include error, got %v", decoded)
	}
}

// TestSessionToolsWithoutBrowser checks tool behavior when no Chrome endpoint
// is configured: registry reads succeed, page-creating calls fail.
func TestSessionToolsWithoutBrowser(t *testing.T) {
	server, registry, _ := setupTestServer(t)
	ctx := context.Background()

	t.Run("list-sessions without browser", func(t *testing.T) {
		result, err := server.ExecuteTool("list-sessions", map[string]interface{}{})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		resultMap := result.(map[string]interface{})
		sessions, ok := resultMap["sessions"].([]browser.Session)
		if !ok {
			t.Fatalf("expected sessions slice, got %T", resultMap["sessions"])
		}
		if len(sessions) != 0 {
			t.Errorf("expected no sessions, got %d", len(sessions))
		}
		if resultMap["active_session"] != "" {
			t.Errorf("expected empty active_session, got %v", resultMap["active_session"])
		}
	})

	t.Run("create-session without browser", func(t *testing.T) {
		tool := server.tools["create-session"]
		_, err := tool.Execute(ctx, map[string]interface{}{"url": "about:blank"})
		if err == nil {
			t.Error("expected error: bootstrap cannot succeed without an endpoint")
		}
	})

	t.Run("switch-session without session_id", func(t *testing.T) {
		result, err := server.ExecuteTool("switch-session", map[string]interface{}{})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		resultMap := result.(map[string]interface{})
		if resultMap["success"].(bool) {
			t.Error("expected success to be false without session_id")
		}
	})

	t.Run("switch-session unknown id", func(t *testing.T) {
		result, err := server.ExecuteTool("switch-session", map[string]interface{}{"session_id": "tab_42"})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		resultMap := result.(map[string]interface{})
		if resultMap["success"].(bool) {
			t.Error("expected success to be false for unknown session")
		}
	})

	t.Run("close-session unknown id", func(t *testing.T) {
		result, err := server.ExecuteTool("close-session", map[string]interface{}{"session_id": "tab_42"})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		resultMap := result.(map[string]interface{})
		if resultMap["success"].(bool) {
			t.Error("expected success to be false for unknown session")
		}
	})

	t.Run("launch-browser without endpoint", func(t *testing.T) {
		_, err := server.ExecuteTool("launch-browser", map[string]interface{}{})
		if err == nil {
			t.Error("expected error: no debugger_url or launch command configured")
		}
	})

	t.Run("shutdown-browser is safe when nothing runs", func(t *testing.T) {
		result, err := server.ExecuteTool("shutdown-browser", map[string]interface{}{})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		resultMap := result.(map[string]interface{})
		if resultMap["status"] != "stopped" {
			t.Errorf("expected status 'stopped', got %v", resultMap["status"])
		}
		if registry.IsConnected() {
			t.Error("expected registry to stay disconnected")
		}
	})
}

// TestPageScopedToolValidation checks argument validation on tools that act
// on a page; all run without a browser so resolution failures are also soft.
func TestPageScopedToolValidation(t *testing.T) {
	server, _, _ := setupTestServer(t)

	softFail := func(t *testing.T, toolName string, args map[string]interface{}) map[string]interface{} {
		t.Helper()
		result, err := server.ExecuteTool(toolName, args)
		if err != nil {
			t.Fatalf("ExecuteTool(%s) failed hard: %v", toolName, err)
		}
		resultMap := result.(map[string]interface{})
		if resultMap["success"].(bool) {
			t.Errorf("expected %s to report success=false, got %v", toolName, resultMap)
		}
		return resultMap
	}

	t.Run("navigate-url without url", func(t *testing.T) {
		softFail(t, "navigate-url", map[string]interface{}{})
	})

	t.Run("navigate-url without browser", func(t *testing.T) {
		softFail(t, "navigate-url", map[string]interface{}{"url": "https://example.com"})
	})

	t.Run("press-key without key", func(t *testing.T) {
		softFail(t, "press-key", map[string]interface{}{})
	})

	t.Run("press-key without browser", func(t *testing.T) {
		softFail(t, "press-key", map[string]interface{}{"key": "Enter"})
	})

	t.Run("browser-history without action", func(t *testing.T) {
		softFail(t, "browser-history", map[string]interface{}{})
	})

	t.Run("evaluate-js without script", func(t *testing.T) {
		resultMap := softFail(t, "evaluate-js", map[string]interface{}{})
		if resultMap["error_type"] != "validation" {
			t.Errorf("expected error_type 'validation', got %v", resultMap["error_type"])
		}
	})

	t.Run("get-page-state without browser", func(t *testing.T) {
		softFail(t, "get-page-state", map[string]interface{}{})
	})

	t.Run("click-at-grid without coordinates", func(t *testing.T) {
		softFail(t, "click-at-grid", map[string]interface{}{})
	})

	t.Run("element-at-grid without coordinates", func(t *testing.T) {
		softFail(t, "element-at-grid", map[string]interface{}{"row": 3})
	})

	t.Run("locate-in-grid without selector", func(t *testing.T) {
		softFail(t, "locate-in-grid", map[string]interface{}{})
	})

	t.Run("toggle-grid without browser", func(t *testing.T) {
		softFail(t, "toggle-grid", map[string]interface{}{})
	})

	t.Run("capture-screenshot without browser", func(t *testing.T) {
		softFail(t, "capture-screenshot", map[string]interface{}{})
	})

	t.Run("suppressed-dialogs without browser", func(t *testing.T) {
		softFail(t, "suppressed-dialogs", map[string]interface{}{})
	})
}
