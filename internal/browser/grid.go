package browser

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"tabgrid-mcp-server/internal/config"

	"github.com/go-rod/rod"
)

// GridOverlayID is the DOM id of the overlay container; exported so other
// layers can probe for its presence in page scripts.
const GridOverlayID = "tabgrid-grid-overlay"

const (
	gridHighlightID = "tabgrid-grid-highlight"
	gridCellClass   = "tabgrid-grid-cell"
	gridLabelClass  = "tabgrid-grid-label"
)

// Grid projects a rows x columns coordinate system over the viewport of a
// page. The overlay keeps pointer-events:none at all times so it never
// intercepts input; visibility only changes opacity.
type Grid struct {
	rows      int
	cols      int
	highlight time.Duration
}

func NewGrid(cfg config.GridConfig) *Grid {
	return &Grid{
		rows:      cfg.GetRows(),
		cols:      cfg.GetColumns(),
		highlight: cfg.GetHighlightDuration(),
	}
}

func (g *Grid) Rows() int    { return g.rows }
func (g *Grid) Columns() int { return g.cols }

// ElementDescriptor summarizes the topmost element under a cell center.
type ElementDescriptor struct {
	Tag        string            `json:"tag"`
	ID         string            `json:"id"`
	Class      string            `json:"class"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
	Rect       Rect              `json:"rect"`
}

// Rect is an element's bounding box in viewport pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Coordinate is a 1-based grid cell.
type Coordinate struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

// cellProbe is the page-side answer for a cell lookup. X and Y carry the
// cell center in viewport pixels whenever the cell itself was valid.
type cellProbe struct {
	OK         bool               `json:"ok"`
	Found      bool               `json:"found"`
	Reason     string             `json:"reason,omitempty"`
	X          float64            `json:"x"`
	Y          float64            `json:"y"`
	Descriptor *ElementDescriptor `json:"descriptor,omitempty"`
}

// Install builds (or rebuilds) the overlay on the page. The previous overlay
// is removed first, so repeated installs never stack containers.
func (g *Grid) Install(page *rod.Page) error {
	if _, err := page.Eval(g.installJS()); err != nil {
		return fmt.Errorf("install grid overlay: %w", err)
	}
	return nil
}

// ResolveCell returns a descriptor for the topmost element at the center of
// cell (row, col), or nil when the cell is out of range or empty.
func (g *Grid) ResolveCell(page *rod.Page, row, col int) (*ElementDescriptor, error) {
	probe, err := g.probe(page, row, col)
	if err != nil {
		return nil, err
	}
	if !probe.Found {
		return nil, nil
	}
	return probe.Descriptor, nil
}

// ClickAt clicks the element at the center of cell (row, col). A miss (no
// cell, no element, or element gone by click time) returns false with no
// error; only page-level failures error. When visible is set the target
// cell flashes briefly as a debugging aid; the flash never changes the
// click outcome.
func (g *Grid) ClickAt(page *rod.Page, row, col int, visible bool) (bool, error) {
	probe, err := g.probe(page, row, col)
	if err != nil {
		return false, err
	}
	if !probe.Found {
		return false, nil
	}

	if visible {
		_, _ = page.Eval(g.highlightJS(row, col))
	}

	el, err := page.ElementFromPoint(int(probe.X), int(probe.Y))
	if err != nil || el == nil {
		log.Printf("no clickable element at cell (%d,%d): %v", row, col, err)
		return false, nil
	}
	if err := el.Click("left", 1); err != nil {
		return false, fmt.Errorf("click at cell (%d,%d): %w", row, col, err)
	}
	return true, nil
}

// CoordFor maps a CSS selector's first match to the nearest grid cell by
// center distance. Returns nil when the selector matches nothing.
func (g *Grid) CoordFor(page *rod.Page, selector string) (*Coordinate, error) {
	var out struct {
		OK     bool   `json:"ok"`
		Found  bool   `json:"found"`
		Reason string `json:"reason,omitempty"`
		Row    int    `json:"row"`
		Col    int    `json:"col"`
	}
	if err := evalJSON(page, g.coordForJS(selector), &out); err != nil {
		return nil, fmt.Errorf("locate %q in grid: %w", selector, err)
	}
	if !out.OK && out.Reason == "no_overlay" {
		if err := g.Install(page); err != nil {
			return nil, err
		}
		if err := evalJSON(page, g.coordForJS(selector), &out); err != nil {
			return nil, fmt.Errorf("locate %q in grid: %w", selector, err)
		}
	}
	if !out.OK {
		return nil, fmt.Errorf("locate %q in grid: %s", selector, out.Reason)
	}
	if !out.Found {
		return nil, nil
	}
	return &Coordinate{Row: out.Row, Col: out.Col}, nil
}

// SetVisibility shows or hides the overlay. Labels render each cell's
// "row,col" pair; they are presentational only.
func (g *Grid) SetVisibility(page *rod.Page, visible, labeled bool) error {
	var out struct {
		OK     bool   `json:"ok"`
		Reason string `json:"reason,omitempty"`
	}
	if err := evalJSON(page, g.setVisibilityJS(visible, labeled), &out); err != nil {
		return fmt.Errorf("set grid visibility: %w", err)
	}
	if !out.OK {
		if err := g.Install(page); err != nil {
			return err
		}
		if err := evalJSON(page, g.setVisibilityJS(visible, labeled), &out); err != nil {
			return fmt.Errorf("set grid visibility: %w", err)
		}
		if !out.OK {
			return fmt.Errorf("set grid visibility: %s", out.Reason)
		}
	}
	return nil
}

// probe runs the cell lookup, reinstalling the overlay once when a
// navigation wiped it out.
func (g *Grid) probe(page *rod.Page, row, col int) (*cellProbe, error) {
	var probe cellProbe
	if err := evalJSON(page, g.resolveCellJS(row, col), &probe); err != nil {
		return nil, fmt.Errorf("resolve cell (%d,%d): %w", row, col, err)
	}
	if !probe.OK && probe.Reason == "no_overlay" {
		if err := g.Install(page); err != nil {
			return nil, err
		}
		if err := evalJSON(page, g.resolveCellJS(row, col), &probe); err != nil {
			return nil, fmt.Errorf("resolve cell (%d,%d): %w", row, col, err)
		}
	}
	if !probe.OK {
		return nil, fmt.Errorf("resolve cell (%d,%d): %s", row, col, probe.Reason)
	}
	return &probe, nil
}

func evalJSON(page *rod.Page, js string, out interface{}) error {
	res, err := page.Eval(js)
	if err != nil {
		return err
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal eval result: %w", err)
	}
	return json.Unmarshal(raw, out)
}

func (g *Grid) installJS() string {
	return fmt.Sprintf(`
	() => {
		const prev = document.getElementById(%q);
		if (prev) prev.remove();

		const rows = %d, cols = %d;
		const overlay = document.createElement('div');
		overlay.id = %q;
		overlay.dataset.rows = String(rows);
		overlay.dataset.cols = String(cols);
		overlay.dataset.visible = 'false';
		overlay.style.cssText = 'position:fixed;top:0;left:0;width:100vw;height:100vh;' +
			'pointer-events:none;opacity:0;z-index:2147483647;';

		for (let r = 1; r <= rows; r++) {
			for (let c = 1; c <= cols; c++) {
				const cell = document.createElement('div');
				cell.className = %q;
				cell.dataset.gridRow = String(r);
				cell.dataset.gridCol = String(c);
				cell.style.cssText = 'position:absolute;box-sizing:border-box;pointer-events:none;' +
					'left:' + ((c - 1) * 100 / cols) + '%%;' +
					'top:' + ((r - 1) * 100 / rows) + '%%;' +
					'width:' + (100 / cols) + '%%;' +
					'height:' + (100 / rows) + '%%;';
				overlay.appendChild(cell);
			}
		}

		(document.body || document.documentElement).appendChild(overlay);
		return true;
	}
	`, GridOverlayID, g.rows, g.cols, GridOverlayID, gridCellClass)
}

func (g *Grid) resolveCellJS(row, col int) string {
	return fmt.Sprintf(`
	() => {
		const overlay = document.getElementById(%q);
		if (!overlay) return { ok: false, reason: 'no_overlay' };
		overlay.style.pointerEvents = 'none';

		const row = %d, col = %d;
		const rows = parseInt(overlay.dataset.rows, 10) || 0;
		const cols = parseInt(overlay.dataset.cols, 10) || 0;
		if (row < 1 || row > rows || col < 1 || col > cols) {
			return { ok: true, found: false, reason: 'out_of_range' };
		}

		const x = (col - 0.5) * window.innerWidth / cols;
		const y = (row - 0.5) * window.innerHeight / rows;
		let el = document.elementFromPoint(x, y);
		if (el && overlay.contains(el)) el = null;
		if (!el) return { ok: true, found: false, reason: 'empty_cell', x: x, y: y };

		const rect = el.getBoundingClientRect();
		const attrs = {};
		for (const a of el.attributes) attrs[a.name] = a.value;
		return {
			ok: true,
			found: true,
			x: x,
			y: y,
			descriptor: {
				tag: el.tagName.toLowerCase(),
				id: el.id || '',
				class: (el.className && el.className.toString()) || '',
				text: (el.innerText || el.textContent || '').trim().slice(0, 100),
				attributes: attrs,
				rect: { x: rect.x, y: rect.y, width: rect.width, height: rect.height }
			}
		};
	}
	`, GridOverlayID, row, col)
}

func (g *Grid) coordForJS(selector string) string {
	return fmt.Sprintf(`
	() => {
		const overlay = document.getElementById(%q);
		if (!overlay) return { ok: false, reason: 'no_overlay' };

		const el = document.querySelector(%q);
		if (!el) return { ok: true, found: false, reason: 'no_match' };

		const rect = el.getBoundingClientRect();
		const tx = rect.x + rect.width / 2;
		const ty = rect.y + rect.height / 2;
		const rows = parseInt(overlay.dataset.rows, 10) || 0;
		const cols = parseInt(overlay.dataset.cols, 10) || 0;

		let best = null, bestDist = Infinity;
		for (let r = 1; r <= rows; r++) {
			for (let c = 1; c <= cols; c++) {
				const cx = (c - 0.5) * window.innerWidth / cols;
				const cy = (r - 0.5) * window.innerHeight / rows;
				const d = (cx - tx) * (cx - tx) + (cy - ty) * (cy - ty);
				if (d < bestDist) { bestDist = d; best = { row: r, col: c }; }
			}
		}
		if (!best) return { ok: true, found: false, reason: 'no_cells' };
		return { ok: true, found: true, row: best.row, col: best.col };
	}
	`, GridOverlayID, selector)
}

func (g *Grid) setVisibilityJS(visible, labeled bool) string {
	return fmt.Sprintf(`
	() => {
		const overlay = document.getElementById(%q);
		if (!overlay) return { ok: false, reason: 'no_overlay' };
		overlay.style.pointerEvents = 'none';

		const visible = %t, labeled = %t;
		overlay.style.opacity = visible ? '1' : '0';
		overlay.dataset.visible = String(visible);

		for (const cell of overlay.querySelectorAll('.' + %q)) {
			cell.style.border = visible ? '1px solid rgba(255,0,0,0.4)' : 'none';
			const prev = cell.querySelector('.' + %q);
			if (prev) prev.remove();
			if (visible && labeled) {
				const label = document.createElement('span');
				label.className = %q;
				label.textContent = cell.dataset.gridRow + ',' + cell.dataset.gridCol;
				label.style.cssText = 'position:absolute;top:1px;left:2px;' +
					'font:9px monospace;color:rgba(255,0,0,0.8);pointer-events:none;';
				cell.appendChild(label);
			}
		}
		return { ok: true };
	}
	`, GridOverlayID, visible, labeled, gridCellClass, gridLabelClass, gridLabelClass)
}

func (g *Grid) highlightJS(row, col int) string {
	return fmt.Sprintf(`
	() => {
		const overlay = document.getElementById(%q);
		if (!overlay) return false;

		const prev = document.getElementById(%q);
		if (prev) prev.remove();

		const row = %d, col = %d, ms = %d;
		const rows = parseInt(overlay.dataset.rows, 10) || 0;
		const cols = parseInt(overlay.dataset.cols, 10) || 0;
		if (row < 1 || row > rows || col < 1 || col > cols) return false;

		const box = document.createElement('div');
		box.id = %q;
		box.style.cssText = 'position:fixed;box-sizing:border-box;pointer-events:none;z-index:2147483647;' +
			'border:2px solid #ff3b30;background:rgba(255,59,48,0.15);' +
			'left:' + ((col - 1) * 100 / cols) + '%%;' +
			'top:' + ((row - 1) * 100 / rows) + '%%;' +
			'width:' + (100 / cols) + '%%;' +
			'height:' + (100 / rows) + '%%;';
		(document.body || document.documentElement).appendChild(box);
		setTimeout(() => box.remove(), ms);
		return true;
	}
	`, GridOverlayID, gridHighlightID, row, col, g.highlight.Milliseconds(), gridHighlightID)
}
