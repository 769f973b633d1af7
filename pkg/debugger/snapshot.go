package debugger

import (
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/papercomputeco/agentdbg/pkg/protocol"
)

var defaultMaxSnapshots = 100

// MemoryStats are optional memory figures captured with a snapshot.
type MemoryStats struct {
	HeapBytes     int64 `json:"heapBytes"`
	ExternalBytes int64 `json:"externalBytes"`
}

// Snapshot is a capture of a session's variables and stack.
type Snapshot struct {
	ID        string                `json:"id"`
	SessionID string                `json:"sessionId"`
	Name      string                `json:"name,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
	Variables map[string]any        `json:"variables"`
	Stack     []protocol.StackFrame `json:"stack"`
	Memory    *MemoryStats          `json:"memory,omitempty"`
}

// ValueChange is a key whose value differs between two snapshots.
type ValueChange struct {
	Key string `json:"key"`
	Old any    `json:"old"`
	New any    `json:"new"`
}

// SnapshotDiff is the result of comparing an older and a newer snapshot.
type SnapshotDiff struct {
	Added     []string      `json:"added"`
	Removed   []string      `json:"removed"`
	Changed   []ValueChange `json:"changed"`
	HeapDelta *int64        `json:"heapDelta,omitempty"`
}

// SnapshotStore keeps a capped list of snapshots, dropping the oldest.
type SnapshotStore struct {
	clock clock.Clock
	max   int

	mu        sync.RWMutex
	snapshots []*Snapshot
}

// NewSnapshotStore creates a store holding at most max snapshots.
func NewSnapshotStore(clk clock.Clock, max int) *SnapshotStore {
	if clk == nil {
		clk = clock.New()
	}
	if max <= 0 {
		max = defaultMaxSnapshots
	}
	return &SnapshotStore{clock: clk, max: max}
}

// Take captures vars and stack. Both are deep copied so later mutation of the
// session does not leak into the snapshot, and every snapshot handed out is a
// copy of the stored one.
func (s *SnapshotStore) Take(sessionID, name string, vars map[string]any, stack []protocol.StackFrame, mem *MemoryStats) *Snapshot {
	snap := &Snapshot{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Name:      name,
		Timestamp: s.clock.Now(),
		Variables: deepCopyMap(vars),
		Stack:     copyStack(stack),
	}
	if mem != nil {
		m := *mem
		snap.Memory = &m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	if over := len(s.snapshots) - s.max; over > 0 {
		s.snapshots = slices.Clone(s.snapshots[over:])
	}
	return snap.clone()
}

// Get returns a copy of a snapshot by id.
func (s *SnapshotStore) Get(id string) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := lo.Find(s.snapshots, func(x *Snapshot) bool { return x.ID == id })
	if !ok {
		return nil, false
	}
	return snap.clone(), true
}

// ForSession returns copies of a session's snapshots, oldest first.
func (s *SnapshotStore) ForSession(sessionID string) []*Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.FilterMap(s.snapshots, func(x *Snapshot, _ int) (*Snapshot, bool) {
		if x.SessionID != sessionID {
			return nil, false
		}
		return x.clone(), true
	})
}

// Len returns the number of retained snapshots.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Compare diffs two snapshots by id.
func (s *SnapshotStore) Compare(olderID, newerID string) (SnapshotDiff, error) {
	older, ok := s.Get(olderID)
	if !ok {
		return SnapshotDiff{}, fmt.Errorf("snapshot %s not found", olderID)
	}
	newer, ok := s.Get(newerID)
	if !ok {
		return SnapshotDiff{}, fmt.Errorf("snapshot %s not found", newerID)
	}
	return CompareSnapshots(older, newer), nil
}

// CompareSnapshots reports keys only in newer, keys only in older and keys in
// both whose values are not deeply equal. HeapDelta is set when both snapshots
// captured memory figures.
func CompareSnapshots(older, newer *Snapshot) SnapshotDiff {
	diff := SnapshotDiff{Added: []string{}, Removed: []string{}, Changed: []ValueChange{}}

	for k, nv := range newer.Variables {
		ov, ok := older.Variables[k]
		if !ok {
			diff.Added = append(diff.Added, k)
			continue
		}
		if !reflect.DeepEqual(ov, nv) {
			diff.Changed = append(diff.Changed, ValueChange{Key: k, Old: ov, New: nv})
		}
	}
	for k := range older.Variables {
		if _, ok := newer.Variables[k]; !ok {
			diff.Removed = append(diff.Removed, k)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Slice(diff.Changed, func(i, j int) bool { return diff.Changed[i].Key < diff.Changed[j].Key })

	if older.Memory != nil && newer.Memory != nil {
		d := newer.Memory.HeapBytes - older.Memory.HeapBytes
		diff.HeapDelta = &d
	}
	return diff
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

// deepCopy copies maps, slices, arrays, pointers and the exported fields of
// structs, whatever their element types. Unexported fields are copied shallow.
func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	return copyValue(reflect.ValueOf(v), map[uintptr]reflect.Value{}).Interface()
}

func copyValue(v reflect.Value, seen map[uintptr]reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(copyValue(v.Elem(), seen))
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), copyValue(iter.Value(), seen))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(copyValue(v.Index(i), seen))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(copyValue(v.Index(i), seen))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		if done, ok := seen[v.Pointer()]; ok {
			return done
		}
		out := reflect.New(v.Type().Elem())
		seen[v.Pointer()] = out
		out.Elem().Set(copyValue(v.Elem(), seen))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if f := out.Field(i); f.CanSet() {
				f.Set(copyValue(v.Field(i), seen))
			}
		}
		return out
	}
	return v
}

func (snap *Snapshot) clone() *Snapshot {
	c := *snap
	c.Variables = deepCopyMap(snap.Variables)
	c.Stack = copyStack(snap.Stack)
	if snap.Memory != nil {
		m := *snap.Memory
		c.Memory = &m
	}
	return &c
}

func copyStack(stack []protocol.StackFrame) []protocol.StackFrame {
	out := make([]protocol.StackFrame, len(stack))
	for i, f := range stack {
		out[i] = protocol.StackFrame{Name: f.Name, Variables: deepCopyMap(f.Variables)}
		if f.Location != nil {
			loc := *f.Location
			out[i].Location = &loc
		}
	}
	return out
}
