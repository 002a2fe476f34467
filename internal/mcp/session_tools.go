package mcp

import (
	"context"

	"tabgrid-mcp-server/internal/browser"
)

type ListSessionsTool struct {
	registry *browser.Registry
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List every tab the server has opened, in creation order.

USE THIS FIRST to discover existing tabs before creating new ones.
Returns the session IDs needed by all other tools.

WHEN TO USE:
- At the start of automation to see what's available
- After creating tabs to confirm they exist
- Before closing tabs to get accurate IDs

Closed tabs stay listed with title "(closed)"; tabs that stopped
responding show "(unavailable)". Check is_accessible before interacting.

Returns: {sessions: [{id, title, url, is_active, is_accessible}], active_session}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"sessions":       t.registry.List(),
		"active_session": t.registry.ActiveID(),
	}, nil
}

type CreateSessionTool struct {
	registry *browser.Registry
}

func (t *CreateSessionTool) Name() string { return "create-session" }
func (t *CreateSessionTool) Description() string {
	return `Open a new browser tab, optionally navigating it to a URL.

The browser is launched automatically on first use; you do not need
launch-browser before this.

WHEN TO USE:
- Starting automation on a fresh page
- Comparing two pages side by side (create one tab per page)
- Keeping a long-lived page open while working elsewhere

The new tab gets the grid overlay and dialog auto-handling installed
before it is returned. If the initial navigation fails the tab is still
created; the response carries a "warning" instead of failing.

Returns: {session_id, warning?} - use session_id with the other tools,
or omit session_id everywhere to target the active tab.`
}
func (t *CreateSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL to navigate after opening the tab",
			},
			"title": map[string]interface{}{
				"type":        "string",
				"description": "Optional human-readable label stored in the tab's metadata",
			},
			"active": map[string]interface{}{
				"type":        "boolean",
				"description": "Make the new tab the active one (default: true)",
			},
		},
	}
}
func (t *CreateSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	res, err := t.registry.Create(ctx, browser.CreateOptions{
		URL:    getStringArg(args, "url"),
		Title:  getStringArg(args, "title"),
		Active: getBoolArg(args, "active", true),
	})
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{"session_id": res.SessionID}
	if res.Warning != "" {
		out["warning"] = res.Warning
	}
	return out, nil
}

type SwitchSessionTool struct {
	registry *browser.Registry
}

func (t *SwitchSessionTool) Name() string { return "switch-session" }
func (t *SwitchSessionTool) Description() string {
	return `Make a different tab the active one.

The active tab is what tools act on when they are called without a
session_id. Switching also brings the tab to the foreground in the
browser window when possible.

WHEN TO USE:
- Moving between tabs opened with create-session
- Returning to an earlier tab after working in another

Switching to a tab that has been closed is allowed; it becomes active
but page-scoped tools will report it as unavailable.

Returns: {success, active_session}`
}
func (t *SwitchSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Tab to activate",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *SwitchSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}

	if _, err := t.registry.Switch(ctx, sessionID); err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	return map[string]interface{}{
		"success":        true,
		"active_session": sessionID,
	}, nil
}

type CloseSessionTool struct {
	registry *browser.Registry
}

func (t *CloseSessionTool) Name() string { return "close-session" }
func (t *CloseSessionTool) Description() string {
	return `Close a tab and release its page.

If the closed tab was active, the earliest remaining tab (by creation
order) becomes active automatically. Session IDs are never reused, so
the closed ID stays valid in the event log and in list-sessions output.

WHEN TO USE:
- Finishing work in a tab you no longer need
- Cleaning up before shutdown

Returns: {success, closed, active_session}`
}
func (t *CloseSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Tab to close",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *CloseSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return map[string]interface{}{"success": false, "error": "session_id is required"}, nil
	}

	if err := t.registry.Close(ctx, sessionID); err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	return map[string]interface{}{
		"success":        true,
		"closed":         sessionID,
		"active_session": t.registry.ActiveID(),
	}, nil
}

// LaunchBrowserTool starts Chrome using the configured launch command.
type LaunchBrowserTool struct {
	registry *browser.Registry
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start the Chrome browser and register its first tab.

Usually unnecessary: every tab-scoped tool launches the browser on
demand. Call this when you want the startup cost paid up front, or to
restart after shutdown-browser.

WHAT IT DOES:
- Launches Chrome with DevTools Protocol enabled (or attaches to the
  configured debugger_url)
- Registers the browser's initial tab as a session with the grid
  overlay and dialog handling installed
- Idempotent: safe to call if already running

Returns: {status: "started"|"already_connected", control_url, active_session}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	alreadyConnected := t.registry.IsConnected()

	_, sessionID, err := t.registry.EnsureActivePage(ctx)
	if err != nil {
		return nil, err
	}

	status := "started"
	if alreadyConnected {
		status = "already_connected"
	}
	return map[string]interface{}{
		"status":         status,
		"control_url":    t.registry.ControlURL(),
		"active_session": sessionID,
	}, nil
}

// ShutdownBrowserTool stops the managed Chrome instance and clears the registry.
type ShutdownBrowserTool struct {
	registry *browser.Registry
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop the Chrome browser and clean up all tabs.

WHEN TO USE:
- End of automation to release resources
- Before restarting with different settings
- Cleanup after test failures

WHAT IT DOES:
- Closes every tracked tab
- Terminates Chrome
- Clears the session registry (NOT the event log)

The event log and stored screenshots survive shutdown; the next
tab-scoped call relaunches the browser with a fresh initial tab.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.registry.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}
