package browser

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"tabgrid-mcp-server/internal/correlation"
	"tabgrid-mcp-server/internal/events"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// startStream wires Rod CDP events for one tab into the event log:
// navigations, console output (plus any correlation keys found in it), and
// dialogs answered by the in-page override. It also re-installs the grid
// overlay after every load, and flags the record once the page goes away.
func (r *Registry) startStream(ctx context.Context, sessionID string, page *rod.Page) {
	go func() {
		waitPage := page.Context(ctx).EachEvent(
			func(ev *proto.PageFrameNavigated) {
				// Subframe navigations are page-internal noise.
				if ev.Frame.ParentID != "" {
					return
				}
				r.emit(ctx, events.Navigation(sessionID, ev.Frame.URL))
			},
			func(ev *proto.PageLoadEventFired) {
				if err := r.grid.Install(page); err != nil {
					log.Printf("[session:%s] grid reinstall failed: %v", sessionID, err)
				}
			},
			func(ev *proto.RuntimeConsoleAPICalled) {
				msg := stringifyConsoleArgs(ev.Args)
				r.emit(ctx, events.Console(sessionID, string(ev.Type), msg))
				for _, key := range correlation.FromConsole(msg) {
					r.emit(ctx, events.Key(sessionID, key.Type, key.Value))
				}
			},
		)

		done := make(chan struct{})
		go r.drainDialogQueue(ctx, sessionID, page, done)

		waitPage()
		close(done)
		r.markClosed(sessionID)
		log.Printf("[session:%s] event stream ended", sessionID)
	}()
}

// drainDialogQueue periodically collects dialog records pushed by the
// in-page override and forwards them to the event log.
func (r *Registry) drainDialogQueue(ctx context.Context, sessionID string, page *rod.Page, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
				JS: `
				() => {
					const buf = Array.isArray(window.__tabgridDialogQueue) ? window.__tabgridDialogQueue : [];
					window.__tabgridDialogQueue = [];
					return buf;
				}
				`,
				ByValue:      true,
				AwaitPromise: true,
			})
			if err != nil || res == nil {
				continue
			}
			if res.Value.Nil() {
				continue
			}
			raw, err := res.Value.MarshalJSON()
			if err != nil {
				continue
			}
			var records []DialogRecord
			if err := json.Unmarshal(raw, &records); err != nil {
				continue
			}
			for _, rec := range records {
				r.emit(ctx, events.Dialog(sessionID, rec.Kind, rec.Message))
			}
		}
	}
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
