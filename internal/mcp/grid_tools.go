package mcp

import (
	"context"
	"fmt"

	"tabgrid-mcp-server/internal/browser"
)

// ClickAtGridTool clicks whatever element sits at the center of a grid cell.
type ClickAtGridTool struct {
	registry *browser.Registry
}

func (t *ClickAtGridTool) Name() string { return "click-at-grid" }
func (t *ClickAtGridTool) Description() string {
	return `Click the element at a grid cell. This is the primary interaction tool.

Every tab carries an invisible grid that divides the viewport into
rows x columns cells (default 20x20), numbered from (1,1) at the top
left. Pick the cell covering the element you want and click it.

WORKFLOW:
1. toggle-grid(visible: true) + capture-screenshot to see the cells, OR
   locate-in-grid(selector) to get a cell for a known element
2. click-at-grid(row, col)
3. get-page-state to verify the effect

A cell with nothing clickable under its center reports clicked: false.
That is a normal miss, not an error - try a neighboring cell or check
element-at-grid to see what the cell actually covers.

Set visible: true to flash the target cell for ~2s as a debugging aid
(visible in screenshots, never changes the click outcome).

Returns: {success, clicked, row, col}`
}
func (t *ClickAtGridTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target tab (default: active tab)",
			},
			"row": map[string]interface{}{
				"type":        "integer",
				"description": "1-based grid row",
			},
			"col": map[string]interface{}{
				"type":        "integer",
				"description": "1-based grid column",
			},
			"visible": map[string]interface{}{
				"type":        "boolean",
				"description": "Flash the target cell briefly (default: false)",
			},
		},
		"required": []string{"row", "col"},
	}
}
func (t *ClickAtGridTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	row := getIntArg(args, "row", 0)
	col := getIntArg(args, "col", 0)
	if row == 0 || col == 0 {
		return map[string]interface{}{"success": false, "error": "row and col are required (1-based)"}, nil
	}

	page, _, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	clicked, err := t.registry.Grid().ClickAt(page, row, col, getBoolArg(args, "visible", false))
	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("click failed: %v", err)}, nil
	}

	out := map[string]interface{}{
		"success": true,
		"clicked": clicked,
		"row":     row,
		"col":     col,
	}
	if !clicked {
		out["note"] = "no clickable element at that cell"
	}
	return out, nil
}

// ElementAtGridTool inspects a grid cell without clicking it.
type ElementAtGridTool struct {
	registry *browser.Registry
}

func (t *ElementAtGridTool) Name() string { return "element-at-grid" }
func (t *ElementAtGridTool) Description() string {
	return `Describe the element at a grid cell without interacting with it.

USE BEFORE click-at-grid when you are not sure what a cell covers:
the descriptor tells you the tag, id, classes, trimmed text, and
bounding rect of whatever sits under the cell center.

An empty cell (or out-of-range coordinates) reports found: false.
That is a normal miss, not an error.

Returns: {success, found, row, col, element?: {tag, id, class, text,
attributes, rect}}`
}
func (t *ElementAtGridTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target tab (default: active tab)",
			},
			"row": map[string]interface{}{
				"type":        "integer",
				"description": "1-based grid row",
			},
			"col": map[string]interface{}{
				"type":        "integer",
				"description": "1-based grid column",
			},
		},
		"required": []string{"row", "col"},
	}
}
func (t *ElementAtGridTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	row := getIntArg(args, "row", 0)
	col := getIntArg(args, "col", 0)
	if row == 0 || col == 0 {
		return map[string]interface{}{"success": false, "error": "row and col are required (1-based)"}, nil
	}

	page, _, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	desc, err := t.registry.Grid().ResolveCell(page, row, col)
	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("resolve failed: %v", err)}, nil
	}
	if desc == nil {
		return map[string]interface{}{
			"success": true,
			"found":   false,
			"row":     row,
			"col":     col,
		}, nil
	}

	return map[string]interface{}{
		"success": true,
		"found":   true,
		"row":     row,
		"col":     col,
		"element": desc,
	}, nil
}

// LocateInGridTool maps a CSS selector to the grid cell nearest its center.
type LocateInGridTool struct {
	registry *browser.Registry
}

func (t *LocateInGridTool) Name() string { return "locate-in-grid" }
func (t *LocateInGridTool) Description() string {
	return `Find which grid cell covers an element matched by a CSS selector.

USE THIS when you know a selector and want to interact by grid:
locate-in-grid("#submit") then click-at-grid with the returned cell.
The result is the cell whose center is nearest the element's center,
so for large elements the round trip lands inside the element.

A selector that matches nothing reports found: false (not an error).
Only the first match is considered.

Returns: {success, found, selector, row?, col?}`
}
func (t *LocateInGridTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target tab (default: active tab)",
			},
			"selector": map[string]interface{}{
				"type":        "string",
				"description": "CSS selector to locate (first match wins)",
			},
		},
		"required": []string{"selector"},
	}
}
func (t *LocateInGridTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	selector := getStringArg(args, "selector")
	if selector == "" {
		return map[string]interface{}{"success": false, "error": "selector is required"}, nil
	}

	page, _, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	coord, err := t.registry.Grid().CoordFor(page, selector)
	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("locate failed: %v", err)}, nil
	}
	if coord == nil {
		return map[string]interface{}{
			"success":  true,
			"found":    false,
			"selector": selector,
		}, nil
	}

	return map[string]interface{}{
		"success":  true,
		"found":    true,
		"selector": selector,
		"row":      coord.Row,
		"col":      coord.Col,
	}, nil
}

// ToggleGridTool shows or hides the grid overlay.
type ToggleGridTool struct {
	registry *browser.Registry
}

func (t *ToggleGridTool) Name() string { return "toggle-grid" }
func (t *ToggleGridTool) Description() string {
	return `Show or hide the grid overlay on a tab.

The grid is installed invisibly on every tab. Making it visible draws
cell borders and (optionally) "row,col" labels so a screenshot shows
exactly which cell to click. Visibility is purely cosmetic: the overlay
never intercepts clicks, and cell resolution works the same either way.

TYPICAL DEBUGGING LOOP:
1. toggle-grid(visible: true)
2. capture-screenshot -> read the cell labels
3. click-at-grid(row, col)
4. toggle-grid(visible: false)

Returns: {success, visible, labeled, rows, cols}`
}
func (t *ToggleGridTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target tab (default: active tab)",
			},
			"visible": map[string]interface{}{
				"type":        "boolean",
				"description": "Show the overlay (default: true)",
			},
			"labeled": map[string]interface{}{
				"type":        "boolean",
				"description": "Render per-cell \"row,col\" labels when visible (default: true)",
			},
		},
	}
}
func (t *ToggleGridTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	visible := getBoolArg(args, "visible", true)
	labeled := getBoolArg(args, "labeled", true)

	page, _, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	if err := t.registry.Grid().SetVisibility(page, visible, labeled); err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("toggle failed: %v", err)}, nil
	}

	return map[string]interface{}{
		"success": true,
		"visible": visible,
		"labeled": labeled,
		"rows":    t.registry.Grid().Rows(),
		"cols":    t.registry.Grid().Columns(),
	}, nil
}
