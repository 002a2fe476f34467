package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tabgrid-mcp-server/internal/events"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

// instanceID distinguishes server runs when readers correlate resource
// snapshots with persisted traces.
var instanceID = uuid.NewString()

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"tabgrid://about",
			"tabgrid About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("High-level server info and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"tabgrid://session/{sessionId}/console{?limit}",
			"Session Console Output",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Chronological console output recorded for one tab."),
		),
		s.handleSessionConsoleResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"tabgrid://session/{sessionId}/events{?kind,limit}",
			"Session Events",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Read a token-efficient slice of events for a tab (optionally filtered by kind)."),
		),
		s.handleSessionEventsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"tabgrid://screenshot/{name}",
			"Stored Screenshot",
			mcp.WithTemplateMIMEType("image/png"),
			mcp.WithTemplateDescription("Bytes of a screenshot previously captured with capture-screenshot."),
		),
		s.handleScreenshotResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":        s.cfg.Server.Name,
		"version":     s.cfg.Server.Version,
		"instance_id": instanceID,
		"grid": map[string]interface{}{
			"rows": s.registry.Grid().Rows(),
			"cols": s.registry.Grid().Columns(),
		},
		"notes": []string{
			"Resources are read-only context endpoints; use tools for actions/mutations.",
			"Tabs are addressed by session id (tab_1, tab_2, ...); omit session_id in tools to target the active tab.",
			"Cells are 1-based (row, col) with (1,1) at the top left of the viewport.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleSessionConsoleResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.log == nil {
		return nil, fmt.Errorf("event log unavailable")
	}

	sessionID := argString(request.Params.Arguments["sessionId"])
	if sessionID == "" {
		return nil, fmt.Errorf("missing sessionId")
	}
	limit := clampResourceLimit(asInt(request.Params.Arguments["limit"]))

	evts := s.log.ForSession(sessionID, events.PredConsole, limit)

	// console_event args are (session, level, text, ts)
	lines := make([]map[string]interface{}, 0, len(evts))
	for _, ev := range evts {
		if len(ev.Args) < 4 {
			continue
		}
		lines = append(lines, map[string]interface{}{
			"level": ev.Args[1],
			"text":  ev.Args[2],
			"ts":    ev.Args[3],
		})
	}

	payload := map[string]interface{}{
		"session_id": sessionID,
		"limit":      limit,
		"count":      len(lines),
		"console":    lines,
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleSessionEventsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.log == nil {
		return nil, fmt.Errorf("event log unavailable")
	}

	sessionID := argString(request.Params.Arguments["sessionId"])
	if sessionID == "" {
		return nil, fmt.Errorf("missing sessionId")
	}
	kind := argString(request.Params.Arguments["kind"])
	limit := clampResourceLimit(asInt(request.Params.Arguments["limit"]))

	evts := s.log.ForSession(sessionID, kind, limit)

	payload := map[string]interface{}{
		"session_id": sessionID,
		"kind":       kind,
		"limit":      limit,
		"count":      len(evts),
		"events":     evts,
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleScreenshotResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.shots == nil {
		return nil, fmt.Errorf("screenshot store unavailable")
	}

	name := argString(request.Params.Arguments["name"])
	if name == "" {
		return nil, fmt.Errorf("missing name")
	}

	shot, data, ok := s.shots.Get(name)
	if !ok {
		return nil, fmt.Errorf("screenshot not found: %s", name)
	}

	return []mcp.ResourceContents{
		mcp.BlobResourceContents{
			URI:      request.Params.URI,
			MIMEType: "image/" + shot.Format,
			Blob:     base64.StdEncoding.EncodeToString(data),
		},
	}, nil
}

func clampResourceLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	if limit > maxEventLimit {
		return maxEventLimit
	}
	return limit
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt(v interface{}) int {
	switch value := v.(type) {
	case nil:
		return 0
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case string:
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			return 0
		}
		if i, err := strconv.Atoi(trimmed); err == nil {
			return i
		}
		return 0
	case []string:
		if len(value) == 0 {
			return 0
		}
		return asInt(value[0])
	default:
		return 0
	}
}
