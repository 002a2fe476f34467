package mcp

import (
	"context"
	"fmt"
	"strings"

	"tabgrid-mcp-server/internal/browser"

	"github.com/go-rod/rod"
)

// resolvePage resolves the page a tool acts on. An explicit session_id wins;
// otherwise the registry's active tab is used, bootstrapping the browser and
// first tab on demand.
func resolvePage(ctx context.Context, registry *browser.Registry, args map[string]interface{}) (*rod.Page, string, error) {
	if sessionID := getStringArg(args, "session_id"); sessionID != "" {
		page, err := registry.Page(sessionID)
		if err != nil {
			return nil, sessionID, err
		}
		return page, sessionID, nil
	}
	return registry.EnsureActivePage(ctx)
}

func getStringArg(args map[string]interface{}, key string) string {
	return getStringFromMap(args, key)
}

func getStringFromMap(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

// classifyJSError categorizes JavaScript execution errors for better debugging.
func classifyJSError(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()

	// Check for timeout errors
	if strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "Timeout") {
		return "timeout"
	}

	// Check for syntax errors
	if strings.Contains(errStr, "SyntaxError") ||
		strings.Contains(errStr, "Unexpected token") ||
		strings.Contains(errStr, "Unexpected identifier") {
		return "syntax"
	}

	// Check for reference/type errors (runtime)
	if strings.Contains(errStr, "ReferenceError") ||
		strings.Contains(errStr, "TypeError") ||
		strings.Contains(errStr, "is not defined") ||
		strings.Contains(errStr, "is not a function") ||
		strings.Contains(errStr, "Cannot read property") ||
		strings.Contains(errStr, "Cannot read properties") {
		return "runtime"
	}

	// Check for promise/async errors
	if strings.Contains(errStr, "Promise") ||
		strings.Contains(errStr, "async") ||
		strings.Contains(errStr, "await") {
		return "async"
	}

	// Check for security errors
	if strings.Contains(errStr, "SecurityError") ||
		strings.Contains(errStr, "cross-origin") ||
		strings.Contains(errStr, "blocked") {
		return "security"
	}

	return "unknown"
}

// formatJSError formats a JavaScript error for human-readable output.
func formatJSError(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()

	// Try to extract the actual JavaScript error message from CDP wrapper
	// CDP errors often look like: "runtime error: ReferenceError: foo is not defined"
	if strings.Contains(errStr, "ReferenceError:") {
		parts := strings.SplitN(errStr, "ReferenceError:", 2)
		if len(parts) == 2 {
			return "ReferenceError:" + strings.TrimSpace(parts[1])
		}
	}
	if strings.Contains(errStr, "TypeError:") {
		parts := strings.SplitN(errStr, "TypeError:", 2)
		if len(parts) == 2 {
			return "TypeError:" + strings.TrimSpace(parts[1])
		}
	}
	if strings.Contains(errStr, "SyntaxError:") {
		parts := strings.SplitN(errStr, "SyntaxError:", 2)
		if len(parts) == 2 {
			return "SyntaxError:" + strings.TrimSpace(parts[1])
		}
	}

	// For timeout errors, provide clear message
	if strings.Contains(errStr, "context deadline exceeded") {
		return "Script execution timed out"
	}

	// Truncate very long errors
	if len(errStr) > 200 {
		return errStr[:197] + "..."
	}

	return errStr
}
