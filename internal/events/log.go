package events

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"tabgrid-mcp-server/internal/config"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"
)

// Predicates recorded by the browser layer. Every event carries the
// originating session id as its first argument and a unix-millisecond
// timestamp as its last.
const (
	PredSession    = "session_event"
	PredNavigation = "navigation_event"
	PredConsole    = "console_event"
	PredDialog     = "dialog_event"
	PredKey        = "console_key"
	PredScreenshot = "screenshot_event"
)

// Event is one timestamped, predicate-tagged entry in the log.
type Event struct {
	Predicate string        `json:"predicate"`
	Args      []interface{} `json:"args"`
	Timestamp time.Time     `json:"timestamp"`
}

// QueryResult represents a binding of variables to values from a Mangle query.
type QueryResult map[string]interface{}

// Session builds a session lifecycle event (created, switched, closed, recovered).
func Session(sessionID, action string) Event {
	now := time.Now()
	return Event{
		Predicate: PredSession,
		Args:      []interface{}{sessionID, action, now.UnixMilli()},
		Timestamp: now,
	}
}

// Navigation builds a navigation event for a session.
func Navigation(sessionID, url string) Event {
	now := time.Now()
	return Event{
		Predicate: PredNavigation,
		Args:      []interface{}{sessionID, url, now.UnixMilli()},
		Timestamp: now,
	}
}

// Console builds a console output event for a session.
func Console(sessionID, level, text string) Event {
	now := time.Now()
	return Event{
		Predicate: PredConsole,
		Args:      []interface{}{sessionID, level, text, now.UnixMilli()},
		Timestamp: now,
	}
}

// Dialog builds a suppressed-dialog event for a session.
func Dialog(sessionID, kind, message string) Event {
	now := time.Now()
	return Event{
		Predicate: PredDialog,
		Args:      []interface{}{sessionID, kind, message, now.UnixMilli()},
		Timestamp: now,
	}
}

// Key builds a correlation-key event extracted from console output.
func Key(sessionID, keyType, value string) Event {
	now := time.Now()
	return Event{
		Predicate: PredKey,
		Args:      []interface{}{sessionID, keyType, value, now.UnixMilli()},
		Timestamp: now,
	}
}

// Screenshot builds a screenshot-captured event for a session.
func Screenshot(sessionID, name string) Event {
	now := time.Now()
	return Event{
		Predicate: PredScreenshot,
		Args:      []interface{}{sessionID, name, now.UnixMilli()},
		Timestamp: now,
	}
}

// Log is a bounded in-memory event store backed by the Mangle deductive
// database. Base events land in both a temporal ring buffer (for recency
// and time-window queries) and the Mangle store (for datalog queries and
// derived rules).
type Log struct {
	cfg          config.EventsConfig
	mu           sync.RWMutex
	schemaLoaded bool

	// Mangle core components. source holds the accumulated program text
	// (schema plus added rules) so AddRule can re-analyze the whole program.
	programInfo *analysis.ProgramInfo
	store       factstore.FactStore
	source      []byte

	// Ring buffer for temporal queries
	events []Event

	// Predicate index for O(m) lookup instead of O(n)
	index map[string][]int
}

func NewLog(cfg config.EventsConfig) (*Log, error) {
	l := &Log{
		cfg:    cfg,
		events: make([]Event, 0, cfg.GetBufferLimit()),
		index:  make(map[string][]int),
		store:  factstore.NewSimpleInMemoryStore(),
	}

	if cfg.Enable && cfg.SchemaPath != "" {
		if err := l.LoadSchema(cfg.SchemaPath); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// LoadSchema parses a Mangle schema file, analyzes it, and prepares the log for evaluation.
func (l *Log) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}

	sourceUnit, err := parse.Unit(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parse schema: %w", err)
	}

	// Stratification and safety checks
	programInfo, err := analysis.AnalyzeOneUnit(sourceUnit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze schema: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.programInfo = programInfo
	l.source = data
	l.schemaLoaded = true

	return nil
}

// AddRule dynamically adds a Mangle rule for runtime assertions over the
// event log. The whole program is re-analyzed so stratification and safety
// checks cover the combined rule set; a bad rule leaves the loaded program
// untouched.
func (l *Log) AddRule(ruleSource string) error {
	if !l.cfg.Enable {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	combined := make([]byte, 0, len(l.source)+len(ruleSource)+1)
	combined = append(combined, l.source...)
	combined = append(combined, '\n')
	combined = append(combined, []byte(ruleSource)...)

	sourceUnit, err := parse.Unit(bytes.NewReader(combined))
	if err != nil {
		return fmt.Errorf("parse rule: %w", err)
	}

	programInfo, err := analysis.AnalyzeOneUnit(sourceUnit, make(map[ast.PredicateSym]ast.Decl))
	if err != nil {
		return fmt.Errorf("analyze rule: %w", err)
	}

	l.programInfo = programInfo
	l.source = combined
	l.schemaLoaded = true

	return nil
}

// Add appends incoming events to both the ring buffer and the Mangle store,
// then re-derives any loaded rules. The buffer drops its oldest entries once
// the configured limit is exceeded.
func (l *Log) Add(ctx context.Context, evts []Event) error {
	if !l.cfg.Enable {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.cfg.GetBufferLimit()
	baseIdx := len(l.events)
	l.events = append(l.events, evts...)
	if len(l.events) > limit {
		trimCount := len(l.events) - limit
		l.events = l.events[trimCount:]

		// Rebuild index after trim
		l.rebuildIndex()
	} else {
		// Incremental index update
		for i, ev := range evts {
			idx := baseIdx + i
			if idx >= 0 && idx < len(l.events) {
				l.index[ev.Predicate] = append(l.index[ev.Predicate], idx)
			}
		}
	}

	for _, ev := range evts {
		atom := l.eventToAtom(ev)
		l.store.Add(atom)
	}

	if l.schemaLoaded && l.programInfo != nil {
		// Semi-naive incremental evaluation
		if err := engine.EvalProgram(l.programInfo, l.store); err != nil {
			return fmt.Errorf("eval program after event insertion: %w", err)
		}
	}

	return nil
}

// Query executes a Mangle query with variable binding and returns all
// satisfying assignments. Falls back to a direct buffer search when the
// store lookup returns nothing (arity mismatches on ad-hoc predicates).
func (l *Log) Query(ctx context.Context, queryStr string) ([]QueryResult, error) {
	if !l.cfg.Enable || !l.schemaLoaded {
		return nil, fmt.Errorf("event log not ready")
	}

	sourceUnit, err := parse.Unit(bytes.NewReader([]byte(queryStr)))
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}

	if len(sourceUnit.Clauses) == 0 {
		return nil, fmt.Errorf("no query found")
	}

	// Queries are bare clauses; the head atom carries the binding pattern
	queryAtom := sourceUnit.Clauses[0].Head

	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]QueryResult, 0)

	err = l.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		result := make(QueryResult)

		for i, arg := range queryAtom.Args {
			if i >= len(atom.Args) {
				break
			}
			if varArg, ok := arg.(ast.Variable); ok {
				result[varArg.Symbol] = l.convertConstant(atom.Args[i])
			}
		}

		results = append(results, result)
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	if len(results) == 0 {
		predName := queryAtom.Predicate.Symbol
		bufferResults := l.queryBufferDirect(predName, queryAtom.Args)
		results = append(results, bufferResults...)
	}

	return results, nil
}

// queryBufferDirect searches the ring buffer for events matching a predicate
// and argument pattern.
func (l *Log) queryBufferDirect(predicate string, queryArgs []ast.BaseTerm) []QueryResult {
	results := make([]QueryResult, 0)

	indices, exists := l.index[predicate]
	if !exists {
		return results
	}

	for _, idx := range indices {
		if idx < 0 || idx >= len(l.events) {
			continue
		}
		ev := l.events[idx]

		if len(queryArgs) > 0 && len(ev.Args) < len(queryArgs) {
			continue
		}

		result := make(QueryResult)
		matches := true

		for i, qArg := range queryArgs {
			if i >= len(ev.Args) {
				break
			}

			if varArg, ok := qArg.(ast.Variable); ok {
				result[varArg.Symbol] = ev.Args[i]
			} else if constArg, ok := qArg.(ast.Constant); ok {
				// Constants must match exactly
				factVal := fmt.Sprintf("%v", ev.Args[i])
				queryVal := l.convertConstant(constArg)
				if factVal != fmt.Sprintf("%v", queryVal) {
					matches = false
					break
				}
			}
		}

		if matches {
			results = append(results, result)
		}
	}

	return results
}

// Evaluate runs full program evaluation and returns derived events for a predicate.
func (l *Log) Evaluate(ctx context.Context, predicate string) ([]Event, error) {
	if !l.cfg.Enable || !l.schemaLoaded {
		return nil, fmt.Errorf("event log not ready")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := engine.EvalProgram(l.programInfo, l.store); err != nil {
		return nil, fmt.Errorf("eval program: %w", err)
	}

	// Find the declared arity so the wildcard atom matches
	arity := -1
	for sym := range l.programInfo.Decls {
		if sym.Symbol == predicate {
			arity = sym.Arity
			break
		}
	}

	predSym := ast.PredicateSym{Symbol: predicate, Arity: arity}
	evts := make([]Event, 0)

	var queryAtom ast.Atom
	if arity >= 0 {
		args := make([]ast.BaseTerm, arity)
		for i := 0; i < arity; i++ {
			args[i] = ast.Variable{Symbol: fmt.Sprintf("V%d", i)}
		}
		queryAtom = ast.Atom{Predicate: predSym, Args: args}
	} else {
		queryAtom = ast.Atom{Predicate: predSym}
	}

	err := l.store.GetFacts(queryAtom, func(atom ast.Atom) error {
		evts = append(evts, l.atomToEvent(atom))
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}

	return evts, nil
}

// QueryTemporal returns buffered events for a predicate within a time window.
func (l *Log) QueryTemporal(predicate string, after, before time.Time) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]Event, 0)
	indices, exists := l.index[predicate]
	if !exists {
		return results
	}

	for _, idx := range indices {
		if idx < 0 || idx >= len(l.events) {
			continue
		}
		ev := l.events[idx]
		if (after.IsZero() || ev.Timestamp.After(after)) &&
			(before.IsZero() || ev.Timestamp.Before(before)) {
			results = append(results, ev)
		}
	}

	return results
}

// ByPredicate returns matching events using the index (O(m) instead of O(n)).
func (l *Log) ByPredicate(predicate string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	indices, exists := l.index[predicate]
	if !exists {
		return []Event{}
	}

	results := make([]Event, 0, len(indices))
	for _, idx := range indices {
		if idx >= 0 && idx < len(l.events) {
			results = append(results, l.events[idx])
		}
	}

	return results
}

// ForSession returns events whose first argument is the given session id,
// optionally filtered by predicate, newest last. A limit <= 0 means no limit.
func (l *Log) ForSession(sessionID, predicate string, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	selected := make([]Event, 0, 16)
	for i := len(l.events) - 1; i >= 0; i-- {
		ev := l.events[i]
		if predicate != "" && ev.Predicate != predicate {
			continue
		}
		if len(ev.Args) == 0 {
			continue
		}
		if s, ok := ev.Args[0].(string); !ok || s != sessionID {
			continue
		}
		selected = append(selected, ev)
		if limit > 0 && len(selected) >= limit {
			break
		}
	}

	// Reverse scan collected newest-first; flip to chronological
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}
	return selected
}

// Events returns a shallow copy of buffered events for debugging.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Ready reports whether the log has a usable query context.
func (l *Log) Ready() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.schemaLoaded || !l.cfg.Enable
}

func (l *Log) eventToAtom(ev Event) ast.Atom {
	predSym := ast.PredicateSym{Symbol: ev.Predicate, Arity: len(ev.Args)}

	args := make([]ast.BaseTerm, len(ev.Args))
	for i, arg := range ev.Args {
		args[i] = l.toConstant(arg)
	}

	return ast.Atom{
		Predicate: predSym,
		Args:      args,
	}
}

func (l *Log) atomToEvent(atom ast.Atom) Event {
	args := make([]interface{}, len(atom.Args))
	for i, arg := range atom.Args {
		args[i] = l.convertConstant(arg)
	}

	return Event{
		Predicate: atom.Predicate.Symbol,
		Args:      args,
		Timestamp: time.Now(),
	}
}

func (l *Log) toConstant(v interface{}) ast.Constant {
	switch val := v.(type) {
	case string:
		return ast.String(val)
	case int:
		return ast.Number(int64(val))
	case int64:
		return ast.Number(val)
	case float64:
		return ast.Float64(val)
	case bool:
		if val {
			return ast.String("true")
		}
		return ast.String("false")
	default:
		return ast.String(fmt.Sprintf("%v", v))
	}
}

func (l *Log) convertConstant(c ast.BaseTerm) interface{} {
	if c == nil {
		return nil
	}

	switch term := c.(type) {
	case ast.Constant:
		// StringValue returns (string, error) in this Mangle version
		if term.Type == ast.StringType {
			val, _ := term.StringValue()
			return val
		} else if term.Type == ast.NumberType {
			return term.NumberValue
		} else if term.Type == ast.Float64Type {
			if val, err := term.Float64Value(); err == nil {
				return val
			}
		}
		return term.String()
	case ast.Variable:
		return term.Symbol
	default:
		return fmt.Sprintf("%v", c)
	}
}

// rebuildIndex recomputes the predicate index after a ring-buffer trim.
func (l *Log) rebuildIndex() {
	l.index = make(map[string][]int)
	for i, ev := range l.events {
		l.index[ev.Predicate] = append(l.index[ev.Predicate], i)
	}
}
