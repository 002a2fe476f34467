package mcp

import (
	"context"
	"errors"
	"fmt"

	"tabgrid-mcp-server/internal/browser"
)

// SuppressedDialogsTool reports the native dialogs auto-answered on a tab.
type SuppressedDialogsTool struct {
	registry *browser.Registry
}

func (t *SuppressedDialogsTool) Name() string { return "suppressed-dialogs" }
func (t *SuppressedDialogsTool) Description() string {
	return `List the native dialogs (alert, confirm, prompt) intercepted on a tab.

Dialogs never block automation: alerts are dismissed, confirms answered
OK, prompts answered with their default value or the configured
response. Each interception is recorded; this tool returns those
records in the order the dialogs fired.

WHEN TO USE:
- After an action that might have triggered an alert or confirm
- Verifying a page asked for confirmation before a destructive step
- Debugging "nothing happened" flows where a dialog was the cause

Records reset on every navigation, so read them before leaving the
page. A tab that has been closed reports an empty list.

Returns: {success, session_id, dialogs: [{kind, message, defaultValue?, ts}]}`
}
func (t *SuppressedDialogsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target tab (default: active tab)",
			},
		},
	}
}
func (t *SuppressedDialogsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	page, sessionID, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		// A known-but-closed tab has trivially no pending records.
		if errors.Is(err, browser.ErrSessionUnavailable) {
			return map[string]interface{}{
				"success":    true,
				"session_id": sessionID,
				"dialogs":    []browser.DialogRecord{},
			}, nil
		}
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	records, err := browser.SuppressedDialogs(page)
	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("read dialog records: %v", err)}, nil
	}

	return map[string]interface{}{
		"success":    true,
		"session_id": sessionID,
		"dialogs":    records,
	}, nil
}
