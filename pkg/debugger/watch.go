package debugger

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/papercomputeco/agentdbg/pkg/expr"
	"github.com/papercomputeco/agentdbg/pkg/varpath"
)

var defaultWatchHistory = 10

// WatchValue is one observed value of a watched path.
type WatchValue struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Watch follows a variable path. An empty SessionID watches every session.
// Condition, when set, is evaluated with the new value bound to "value".
type Watch struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionId,omitempty"`
	Path      string       `json:"path"`
	Condition string       `json:"condition,omitempty"`
	History   []WatchValue `json:"history"`
	CreatedAt time.Time    `json:"createdAt"`

	cond *expr.Expr
}

// Alert is raised when a watch condition holds for a new value.
type Alert struct {
	WatchID   string `json:"watchId"`
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Condition string `json:"condition"`
	Value     any    `json:"value"`
}

// WatchList holds watches with a bounded value history each.
type WatchList struct {
	clock   clock.Clock
	history int

	mu      sync.Mutex
	watches []*Watch
}

// NewWatchList creates a watch list keeping the last history values per watch.
func NewWatchList(clk clock.Clock, history int) *WatchList {
	if clk == nil {
		clk = clock.New()
	}
	if history <= 0 {
		history = defaultWatchHistory
	}
	return &WatchList{clock: clk, history: history}
}

// Add registers a watch. The condition must compile.
func (w *WatchList) Add(sessionID, path, condition string) (*Watch, error) {
	watch := &Watch{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Path:      path,
		Condition: condition,
		CreatedAt: w.clock.Now(),
	}
	if condition != "" {
		c, err := expr.Compile(condition)
		if err != nil {
			return nil, err
		}
		watch.cond = c
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.watches = append(w.watches, watch)
	return watch.copy(), nil
}

// Remove deletes a watch.
func (w *WatchList) Remove(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	before := len(w.watches)
	w.watches = slices.DeleteFunc(w.watches, func(x *Watch) bool { return x.ID == id })
	return len(w.watches) != before
}

// Get returns a watch by id.
func (w *WatchList) Get(id string) (*Watch, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, x := range w.watches {
		if x.ID == id {
			return x.copy(), true
		}
	}
	return nil, false
}

// List returns the watches that apply to a session, including global ones.
// An empty sessionID lists everything.
func (w *WatchList) List(sessionID string) []*Watch {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*Watch
	for _, x := range w.watches {
		if sessionID == "" || x.SessionID == "" || x.SessionID == sessionID {
			out = append(out, x.copy())
		}
	}
	return out
}

// Observe is called after path was written in a session. Every watch whose
// path overlaps the write records the new value from vars; watches whose
// condition holds produce an alert. Conditions that fail to evaluate are ignored.
func (w *WatchList) Observe(sessionID, path string, vars map[string]any) []Alert {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	var alerts []Alert
	for _, x := range w.watches {
		if x.SessionID != "" && x.SessionID != sessionID {
			continue
		}
		if !overlaps(x.Path, path) {
			continue
		}

		v, _ := varpath.Get(vars, x.Path)
		x.History = append(x.History, WatchValue{Value: v, Timestamp: now})
		if len(x.History) > w.history {
			x.History = slices.Clone(x.History[len(x.History)-w.history:])
		}

		if x.cond != nil && x.cond.Match(map[string]any{"value": v, "path": x.Path}) {
			alerts = append(alerts, Alert{
				WatchID:   x.ID,
				SessionID: sessionID,
				Path:      x.Path,
				Condition: x.Condition,
				Value:     v,
			})
		}
	}
	return alerts
}

// overlaps reports whether a write to written can change watched.
func overlaps(watched, written string) bool {
	a, b := normalizePath(watched), normalizePath(written)
	return a == b || strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

func normalizePath(p string) string {
	root, rest := varpath.Split(p)
	if rest == "" {
		return root
	}
	return root + "." + rest
}

func (x *Watch) copy() *Watch {
	c := *x
	c.History = slices.Clone(x.History)
	return &c
}
