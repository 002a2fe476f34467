package mcp

import (
	"context"
	"fmt"
	"log"
	"time"

	"tabgrid-mcp-server/internal/browser"
	"tabgrid-mcp-server/internal/events"
	"tabgrid-mcp-server/internal/screenshot"

	"github.com/go-rod/rod/lib/input"
)

// GetPageStateTool returns compact page state info.
type GetPageStateTool struct {
	registry *browser.Registry
}

func (t *GetPageStateTool) Name() string { return "get-page-state" }
func (t *GetPageStateTool) Description() string {
	return `Quick status check of a tab.

TOKEN COST: Low (use this FIRST before heavier tools)

RETURNS:
- url: Current page URL
- title: Page title
- loading: true if still loading
- hasDialog: true if an in-page modal is open
- scrollY: Current scroll position
- gridInstalled / gridVisible: state of the coordinate grid overlay

USE THIS FIRST TO:
- Verify navigation succeeded (check URL)
- Confirm page finished loading
- Detect if a modal appeared after a click
- Confirm the grid is in place before grid interaction

AVOID: Taking screenshots just to check page state.`
}
func (t *GetPageStateTool) InputSchema() map[string]interface{} {
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
func (t *GetPageStateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	page, _, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	js := fmt.Sprintf(`
	() => {
		const activeEl = document.activeElement;
		let activeRef = null;
		if (activeEl && activeEl !== document.body) {
			activeRef = activeEl.id || activeEl.name || activeEl.tagName.toLowerCase();
		}

		// Check for common dialog/modal patterns
		const hasDialog = !!(
			document.querySelector('[role="dialog"]') ||
			document.querySelector('[role="alertdialog"]') ||
			document.querySelector('.modal.show') ||
			document.querySelector('[data-state="open"][role="dialog"]')
		);

		const overlay = document.getElementById(%q);

		return {
			url: window.location.href,
			title: document.title,
			loading: document.readyState !== 'complete',
			activeElement: activeRef,
			hasDialog: hasDialog,
			scrollY: window.scrollY,
			viewportHeight: window.innerHeight,
			gridInstalled: !!overlay,
			gridVisible: !!overlay && overlay.dataset.visible === 'true'
		};
	}
	`, browser.GridOverlayID)

	result, err := page.Eval(js)
	if err != nil {
		return nil, fmt.Errorf("failed to get page state: %w", err)
	}

	return result.Value.Val(), nil
}

// NavigateURLTool navigates a tab to a new URL.
type NavigateURLTool struct {
	registry *browser.Registry
}

func (t *NavigateURLTool) Name() string { return "navigate-url" }
func (t *NavigateURLTool) Description() string {
	return `Go to a URL in an existing tab.

USE THIS (not create-session) when:
- Navigating within the same tab
- Need to preserve cookies/localStorage
- Following links or testing page flows

WAIT OPTIONS:
- load: Wait for the load event (default, fast)
- networkidle: Wait until no network activity for 500ms (thorough)
- none: Return immediately (for SPAs that load async)

Navigation reinstalls the grid overlay and clears the tab's suppressed
dialog records; read suppressed-dialogs before navigating if you need
them.

Returns final URL (may differ due to redirects).`
}
func (t *NavigateURLTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target tab (default: active tab)",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to navigate to",
			},
			"wait_until": map[string]interface{}{
				"type":        "string",
				"description": "Wait condition: 'load' (load event), 'networkidle' (no network for 500ms), or 'none' (return immediately). Default: 'load'",
				"enum":        []string{"load", "networkidle", "none"},
			},
		},
		"required": []string{"url"},
	}
}
func (t *NavigateURLTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	waitUntil := getStringArg(args, "wait_until")
	if waitUntil == "" {
		waitUntil = "load"
	}

	if url == "" {
		return map[string]interface{}{"success": false, "error": "url is required"}, nil
	}

	page, _, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	// Check if we're already on the same URL - skip navigation to avoid hang
	// Rod/CDP doesn't emit navigation events for same-URL navigation, causing
	// WaitLoad() to wait indefinitely for an event that never fires.
	currentInfo, _ := page.Info()
	if currentInfo != nil && currentInfo.URL == url {
		return map[string]interface{}{
			"success":     true,
			"url":         url,
			"duration_ms": int64(0),
			"note":        "already on this URL, no navigation needed",
		}, nil
	}

	startTime := time.Now()

	// Navigate based on wait condition
	switch waitUntil {
	case "none":
		err = page.Navigate(url)
	case "networkidle":
		wait := page.MustWaitRequestIdle()
		err = page.Navigate(url)
		if err == nil {
			wait()
		}
	default: // "load"
		err = page.Navigate(url)
		if err == nil {
			err = page.WaitLoad()
		}
	}

	if err != nil {
		return map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("navigation failed: %v", err),
		}, nil
	}

	duration := time.Since(startTime)

	// Get final URL (may differ from requested due to redirects)
	info, _ := page.Info()
	finalURL := url
	if info != nil {
		finalURL = info.URL
	}

	return map[string]interface{}{
		"success":     true,
		"url":         finalURL,
		"duration_ms": duration.Milliseconds(),
	}, nil
}

// PressKeyTool presses a keyboard key in a tab.
type PressKeyTool struct {
	registry *browser.Registry
}

func (t *PressKeyTool) Name() string { return "press-key" }
func (t *PressKeyTool) Description() string {
	return "Press a keyboard key in a tab. Useful for Enter to submit forms, Escape to close in-page modals, Tab for focus navigation. Native alert/confirm/prompt dialogs never need this; they are auto-answered."
}
func (t *PressKeyTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target tab (default: active tab)",
			},
			"key": map[string]interface{}{
				"type":        "string",
				"description": "Key to press: Enter, Tab, Escape, ArrowUp, ArrowDown, ArrowLeft, ArrowRight, Backspace, Delete, Space, or any single character",
			},
			"modifiers": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Modifier keys to hold: Ctrl, Alt, Shift, Meta",
			},
		},
		"required": []string{"key"},
	}
}
func (t *PressKeyTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	key := getStringArg(args, "key")
	if key == "" {
		return map[string]interface{}{"success": false, "error": "key is required"}, nil
	}

	page, _, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	// Map common key names to input.Key constants
	keyMap := map[string]input.Key{
		"Enter":      input.Enter,
		"Tab":        input.Tab,
		"Escape":     input.Escape,
		"Backspace":  input.Backspace,
		"Space":      input.Space,
		"Delete":     input.Delete,
		"ArrowUp":    input.ArrowUp,
		"ArrowDown":  input.ArrowDown,
		"ArrowLeft":  input.ArrowLeft,
		"ArrowRight": input.ArrowRight,
		"Home":       input.Home,
		"End":        input.End,
		"PageUp":     input.PageUp,
		"PageDown":   input.PageDown,
	}

	var inputKey input.Key
	if k, ok := keyMap[key]; ok {
		inputKey = k
	} else if len(key) == 1 {
		// Single character - convert to input.Key (which is based on rune)
		inputKey = input.Key(rune(key[0]))
	} else {
		return map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("unknown key: %s. Supported: Enter, Tab, Escape, Backspace, Space, Delete, ArrowUp/Down/Left/Right, Home, End, PageUp, PageDown, or single characters", key),
		}, nil
	}

	// Handle modifiers if provided - use Down/Up for modifier keys
	modifiers := args["modifiers"]
	var modifierKeys []input.Key
	if modifiers != nil {
		if modList, ok := modifiers.([]interface{}); ok {
			for _, mod := range modList {
				modStr, _ := mod.(string)
				switch modStr {
				case "Ctrl":
					modifierKeys = append(modifierKeys, input.ControlLeft)
				case "Alt":
					modifierKeys = append(modifierKeys, input.AltLeft)
				case "Shift":
					modifierKeys = append(modifierKeys, input.ShiftLeft)
				case "Meta":
					modifierKeys = append(modifierKeys, input.MetaLeft)
				}
			}
		}
	}

	// Press modifier keys down
	for _, modKey := range modifierKeys {
		if err := page.Keyboard.Press(modKey); err != nil {
			return map[string]interface{}{
				"success": false,
				"error":   fmt.Sprintf("modifier key press failed: %v", err),
			}, nil
		}
	}

	// Press the main key
	if err := page.Keyboard.Press(inputKey); err != nil {
		return map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("key press failed: %v", err),
		}, nil
	}

	// Release modifier keys
	for _, modKey := range modifierKeys {
		_ = page.Keyboard.Release(modKey)
	}

	return map[string]interface{}{
		"success": true,
		"key":     key,
	}, nil
}

type BrowserHistoryTool struct {
	registry *browser.Registry
}

func (t *BrowserHistoryTool) Name() string { return "browser-history" }
func (t *BrowserHistoryTool) Description() string {
	return `Control tab navigation history (back, forward, reload).

ACTIONS:
- back: Go to previous page (like clicking browser back button)
- forward: Go to next page (after going back)
- reload: Refresh current page

WHEN TO USE:
- Testing back button behavior
- Verifying form resubmission warnings
- Testing cache behavior on reload

USE navigate-url INSTEAD when you know the target URL.
Use browser-history for simulating user navigation patterns.

Each action reinstalls the grid overlay on the resulting page.
Waits for page load before returning.`
}
func (t *BrowserHistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target tab (default: active tab)",
			},
			"action": map[string]interface{}{
				"type":        "string",
				"description": "History action: 'back', 'forward', or 'reload'",
				"enum":        []string{"back", "forward", "reload"},
			},
		},
		"required": []string{"action"},
	}
}
func (t *BrowserHistoryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action := getStringArg(args, "action")
	if action == "" {
		return map[string]interface{}{"success": false, "error": "action is required"}, nil
	}

	page, _, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	switch action {
	case "back":
		err = page.NavigateBack()
	case "forward":
		err = page.NavigateForward()
	case "reload":
		err = page.Reload()
	default:
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("unknown action: %s", action)}, nil
	}

	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("%s failed: %v", action, err)}, nil
	}

	// Wait for page to load
	_ = page.WaitLoad()

	// Get new URL
	info, _ := page.Info()
	newURL := ""
	if info != nil {
		newURL = info.URL
	}

	return map[string]interface{}{
		"success": true,
		"action":  action,
		"url":     newURL,
	}, nil
}

// EvaluateJSTool runs arbitrary JavaScript in a tab.
type EvaluateJSTool struct {
	registry *browser.Registry
}

func (t *EvaluateJSTool) Name() string { return "evaluate-js" }
func (t *EvaluateJSTool) Description() string {
	return `Run JavaScript in a tab and return the result.

ESCAPE HATCH: prefer the purpose-built tools (click-at-grid,
get-page-state, locate-in-grid) and reach for this when none of them
fits: reading computed state, scrolling, filling inputs, inspecting
application globals.

SCRIPT FORM: a function expression, e.g.
  () => document.querySelectorAll('li').length
  () => { window.scrollTo(0, 0); return true; }

The return value must be JSON-serializable. Errors come back classified
(timeout, syntax, runtime, async, security) to speed up debugging.`
}
func (t *EvaluateJSTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target tab (default: active tab)",
			},
			"script": map[string]interface{}{
				"type":        "string",
				"description": "JavaScript function expression to evaluate",
			},
			"timeout_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Execution timeout in milliseconds (100-60000, default: 5000)",
			},
		},
		"required": []string{"script"},
	}
}
func (t *EvaluateJSTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	script := getStringArg(args, "script")
	if script == "" {
		return map[string]interface{}{
			"success":    false,
			"error":      "script is required",
			"error_type": "validation",
		}, nil
	}

	timeoutMs := getIntArg(args, "timeout_ms", 5000)
	if timeoutMs < 100 {
		timeoutMs = 100
	}
	if timeoutMs > 60000 {
		timeoutMs = 60000
	}

	page, _, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	result, err := page.Timeout(time.Duration(timeoutMs) * time.Millisecond).Eval(script)
	if err != nil {
		return map[string]interface{}{
			"success":    false,
			"error":      formatJSError(err),
			"error_type": classifyJSError(err),
			"timeout_ms": timeoutMs,
		}, nil
	}

	return map[string]interface{}{
		"success": true,
		"result":  result.Value.Val(),
	}, nil
}

// CaptureScreenshotTool captures a page image into the screenshot store.
type CaptureScreenshotTool struct {
	registry *browser.Registry
	log      *events.Log
	shots    *screenshot.Store
}

func (t *CaptureScreenshotTool) Name() string { return "capture-screenshot" }
func (t *CaptureScreenshotTool) Description() string {
	return `Capture a screenshot of a tab.

TOKEN COST: High. Prefer get-page-state / element-at-grid for routine
checks; screenshot when you genuinely need to see the page.

BEST USED WITH THE GRID:
1. toggle-grid(visible: true, labeled: true)
2. capture-screenshot -> the image shows numbered cells
3. click-at-grid on the cell you identified

The image is written to the screenshot directory and kept addressable
by name; fetch the bytes later via the tabgrid://screenshot/{name}
resource. Re-using a name overwrites the previous capture.

Returns: {success, name, path, format, size_bytes, full_page, resource_uri}`
}
func (t *CaptureScreenshotTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{
				"type":        "string",
				"description": "Target tab (default: active tab)",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Name to store the screenshot under (default: generated)",
			},
			"full_page": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the full scrollable page instead of the viewport (default: false)",
			},
		},
	}
}
func (t *CaptureScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	page, sessionID, err := resolvePage(ctx, t.registry, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}, nil
	}

	shot, err := t.shots.Capture(page, sessionID, getStringArg(args, "name"), getBoolArg(args, "full_page", false))
	if err != nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("screenshot failed: %v", err)}, nil
	}

	if addErr := t.log.Add(ctx, []events.Event{events.Screenshot(sessionID, shot.Name)}); addErr != nil {
		log.Printf("event log rejected screenshot_event: %v", addErr)
	}

	return map[string]interface{}{
		"success":      true,
		"name":         shot.Name,
		"path":         shot.Path,
		"format":       shot.Format,
		"size_bytes":   shot.SizeBytes,
		"full_page":    shot.FullPage,
		"resource_uri": "tabgrid://screenshot/" + shot.Name,
	}, nil
}
