package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tabgrid-mcp-server/internal/browser"
	"tabgrid-mcp-server/internal/events"
)

const (
	defaultEventLimit = 25
	maxEventLimit     = 500
)

// ReadEventsTool returns recent events recorded for a tab.
type ReadEventsTool struct {
	registry *browser.Registry
	log      *events.Log
}

func (t *ReadEventsTool) Name() string { return "read-events" }
func (t *ReadEventsTool) Description() string {
	return `Read recent events recorded for a tab, oldest first.

The server records everything observable per tab: session lifecycle
(session_event), navigations (navigation_event), console output
(console_event), auto-answered dialogs (dialog_event), correlation keys
found in console text (console_key), and screenshots (screenshot_event).

WHEN TO USE:
- Checking for console errors after an interaction
- Confirming a navigation or dialog actually happened
- Reconstructing what a tab did without re-running it

Filter with "kind" (one of the predicates above) and bound the window
with after_ms/before_ms unix-millisecond timestamps. Unfiltered reads
return the newest events up to the limit.

Returns: {success, session_id, count, events: [{predicate, args, timestamp}]}`
}
func (t *ReadEventsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Tab whose events to read (default: active tab)",
			},
			"kind": map[string]interface{}{
				"type":        "string",
				"description": "Optional predicate filter: session_event, navigation_event, console_event, dialog_event, console_key, screenshot_event",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum events to return (default: 25, max: 500)",
			},
			"after_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only events after this unix-ms timestamp (requires kind)",
			},
			"before_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only events before this unix-ms timestamp (requires kind)",
			},
		},
	}
}
func (t *ReadEventsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		sessionID = t.registry.ActiveID()
	}
	kind := getStringArg(args, "kind")

	limit := getIntArg(args, "limit", defaultEventLimit)
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	var after, before time.Time
	if ms := getIntArg(args, "after_ms", 0); ms > 0 {
		after = time.UnixMilli(int64(ms))
	}
	if ms := getIntArg(args, "before_ms", 0); ms > 0 {
		before = time.UnixMilli(int64(ms))
	}

	var evts []events.Event
	if !after.IsZero() || !before.IsZero() {
		if kind == "" {
			return map[string]interface{}{"success": false, "error": "kind is required when using a time window"}, nil
		}
		evts = filterSession(t.log.QueryTemporal(kind, after, before), sessionID, limit)
	} else {
		evts = t.log.ForSession(sessionID, kind, limit)
	}

	return map[string]interface{}{
		"success":    true,
		"session_id": sessionID,
		"count":      len(evts),
		"events":     evts,
	}, nil
}

// filterSession keeps the newest limit events for a session, in
// chronological order. An empty session id keeps everything.
func filterSession(evts []events.Event, sessionID string, limit int) []events.Event {
	out := make([]events.Event, 0, len(evts))
	for _, ev := range evts {
		if sessionID != "" {
			if len(ev.Args) == 0 {
				continue
			}
			if s, ok := ev.Args[0].(string); !ok || s != sessionID {
				continue
			}
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// QueryEventsTool runs a datalog query against the event log.
type QueryEventsTool struct {
	log *events.Log
}

func (t *QueryEventsTool) Name() string { return "query-events" }
func (t *QueryEventsTool) Description() string {
	return `Query the event log with a Mangle (datalog) goal.

Write the goal as a single atom; variables start uppercase and come
back as bindings, constants filter.

EXAMPLES:
  console_event(Session, "error", Msg, Ts).
  dialog_event("tab_2", Kind, Message, Ts).
  session_with_errors(Session).
  error_correlation(Session, "traceparent", Value).

The last two are derived predicates from the event schema: rules join
base events, so one query answers "which tabs logged errors" or "which
trace ids appeared near an error" without client-side filtering.

USE read-events INSTEAD for a plain chronological slice.

Returns: {success, count, results: [{Var: value, ...}]}`
}
func (t *QueryEventsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle goal, e.g. console_event(Session, \"error\", Msg, Ts).",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryEventsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if !strings.HasSuffix(query, ".") {
		query += "."
	}

	results, err := t.log.Query(ctx, query)
	if err != nil {
		return map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("query failed: %v", err),
		}, nil
	}

	return map[string]interface{}{
		"success": true,
		"count":   len(results),
		"results": results,
	}, nil
}
