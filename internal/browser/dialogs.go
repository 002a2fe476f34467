package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"tabgrid-mcp-server/internal/events"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// DialogRecord is one auto-answered dialog as captured inside the page.
// Timestamp is epoch milliseconds from Date.now().
type DialogRecord struct {
	Kind         string `json:"kind"`
	Message      string `json:"message"`
	DefaultValue string `json:"defaultValue,omitempty"`
	Timestamp    int64  `json:"ts"`
}

// InstallDialogOverride replaces window.alert/confirm/prompt so page scripts
// never block on native dialogs. The override is registered for every future
// document and applied to the current one; each new document starts with an
// empty record buffer.
func InstallDialogOverride(page *rod.Page, promptResponse string) error {
	body := dialogOverrideBody(promptResponse)
	if _, err := page.EvalOnNewDocument("(() => {" + body + "})();"); err != nil {
		return fmt.Errorf("register dialog override: %w", err)
	}
	if _, err := page.Eval("() => {" + body + "}"); err != nil {
		return fmt.Errorf("apply dialog override: %w", err)
	}
	return nil
}

// dialogOverrideBody returns the override statements. Records go to two
// buffers: __tabgridDialogs persists for the document and serves reads,
// __tabgridDialogQueue is drained by the host event stream.
func dialogOverrideBody(promptResponse string) string {
	return fmt.Sprintf(`
		if (window.__tabgridDialogs) return;
		window.__tabgridDialogs = [];
		window.__tabgridDialogQueue = [];
		const record = (kind, message, defaultValue) => {
			const entry = {
				kind: kind,
				message: String(message === undefined ? '' : message),
				ts: Date.now()
			};
			if (defaultValue !== undefined && defaultValue !== null) {
				entry.defaultValue = String(defaultValue);
			}
			window.__tabgridDialogs.push(entry);
			window.__tabgridDialogQueue.push(entry);
		};
		window.alert = (message) => { record('alert', message); return undefined; };
		window.confirm = (message) => { record('confirm', message); return true; };
		window.prompt = (message, defaultValue) => {
			record('prompt', message, defaultValue);
			return (defaultValue !== undefined && defaultValue !== null) ? String(defaultValue) : %q;
		};
	`, promptResponse)
}

// SuppressedDialogs reads the dialogs auto-answered in the page's current
// document. Pages that never ran the override, or are already gone, report
// an empty list rather than an error.
func SuppressedDialogs(page *rod.Page) ([]DialogRecord, error) {
	res, err := page.Eval(`
	() => window.__tabgridDialogs || []
	`)
	if err != nil {
		return []DialogRecord{}, nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal dialog records: %w", err)
	}
	var records []DialogRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode dialog records: %w", err)
	}
	if records == nil {
		records = []DialogRecord{}
	}
	return records, nil
}

// watchDialogs answers native dialogs at the protocol level. The in-page
// override catches the common paths; this backstop covers dialogs raised
// before the override ran (and beforeunload, which cannot be overridden).
func (r *Registry) watchDialogs(ctx context.Context, sessionID string, page *rod.Page) {
	response := r.cfg.Dialogs.GetPromptResponse()
	wait := page.Context(ctx).EachEvent(func(e *proto.PageJavascriptDialogOpening) {
		accept := false
		promptText := ""
		switch e.Type {
		case proto.PageDialogTypeConfirm:
			accept = true
		case proto.PageDialogTypePrompt:
			accept = true
			promptText = response
		}

		err := proto.PageHandleJavaScriptDialog{Accept: accept, PromptText: promptText}.Call(page)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[session:%s] dialog handling failed: %v", sessionID, err)
			return
		}
		log.Printf("[session:%s] auto-handled %s dialog: %q", sessionID, e.Type, e.Message)
		r.emit(ctx, events.Dialog(sessionID, string(e.Type), e.Message))
	})
	go wait()
}
