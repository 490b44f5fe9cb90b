package execution

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archflow/archflow/pkg/errors"
)

// Status is the lifecycle state of a tracked execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the tracked state of one execution. Children are held as
// ordered id strings, never as pointers; all navigation goes through the
// Tracker so records stay acyclic and snapshot-safe.
type Record struct {
	ID          ID
	ParentID    string
	Status      Status
	StartedAt   time.Time
	CompletedAt *time.Time
	Children    []string
	Result      any
	Err         error
}

// Stats summarizes the tracker's contents by status.
type Stats struct {
	Total     int
	Running   int
	Completed int
	Failed    int
}

// Tracker maintains the hierarchy of live and finished executions.
//
// A single Tracker serves a whole process: the sequence counter that
// numbers child executions is global, so two children started anywhere
// in the process never share a sequence. All methods are safe for
// concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
	seq     atomic.Int64
	logger  *slog.Logger
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]*Record),
		logger:  slog.Default().With(slog.String("component", "execution")),
	}
}

// StartRoot creates a running root record of the given kind and returns
// its identity. Roots always carry sequence 0; the random root portion
// keeps concurrent runs distinct.
func (t *Tracker) StartRoot(kind Kind) (ID, error) {
	if !kind.Valid() {
		return ID{}, &errors.ValidationError{
			Field:   "kind",
			Message: "unknown execution kind " + string(kind),
		}
	}

	id := NewRoot(kind)
	rec := &Record{
		ID:        id,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	t.mu.Lock()
	t.records[id.String()] = rec
	t.mu.Unlock()

	t.logger.Debug("execution started",
		slog.String("execution_id", id.String()),
		slog.String("kind", string(kind)))
	return id, nil
}

// StartChild creates a running record below parentID, allocating the next
// tracker-global sequence number and appending the child to the parent's
// ordered children list. It fails when the parent is unknown or already
// terminal.
func (t *Tracker) StartChild(parentID string, kind Kind) (ID, error) {
	if !kind.Valid() {
		return ID{}, &errors.ValidationError{
			Field:   "kind",
			Message: "unknown execution kind " + string(kind),
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.records[parentID]
	if !ok {
		return ID{}, &errors.NotFoundError{Resource: "parent execution", ID: parentID}
	}
	if parent.Status.Terminal() {
		return ID{}, &errors.ValidationError{
			Field:   "parentId",
			Message: "parent execution " + parentID + " is already " + string(parent.Status),
		}
	}

	id := Child(parent.ID, kind).WithSeq(int(t.seq.Add(1)))
	rec := &Record{
		ID:        id,
		ParentID:  parentID,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	t.records[id.String()] = rec
	parent.Children = append(parent.Children, id.String())

	t.logger.Debug("execution started",
		slog.String("execution_id", id.String()),
		slog.String("parent_id", parentID),
		slog.String("kind", string(kind)))
	return id, nil
}

// Complete marks the execution as completed with its result. Completing a
// record that is already terminal is a logged no-op, so races between a
// worker finishing and a timeout firing resolve to whichever came first.
func (t *Tracker) Complete(id string, result any) error {
	return t.finish(id, StatusCompleted, result, nil)
}

// Fail marks the execution as failed with the causing error. Like
// Complete, it is idempotent once the record is terminal.
func (t *Tracker) Fail(id string, err error) error {
	return t.finish(id, StatusFailed, nil, err)
}

func (t *Tracker) finish(id string, status Status, result any, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if rec.Status.Terminal() {
		t.logger.Debug("execution already terminal",
			slog.String("execution_id", id),
			slog.String("status", string(rec.Status)))
		return nil
	}

	now := time.Now()
	rec.Status = status
	rec.CompletedAt = &now
	rec.Result = result
	rec.Err = cause

	t.logger.Debug("execution finished",
		slog.String("execution_id", id),
		slog.String("status", string(status)),
		slog.Int64("duration_ms", now.Sub(rec.StartedAt).Milliseconds()))
	return nil
}

// Record returns a snapshot of the execution's state.
func (t *Tracker) Record(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return snapshot(rec), true
}

// Root returns a snapshot of the topmost ancestor of the execution,
// following parent links until a record with no parent is reached. For a
// root execution it returns the record itself.
func (t *Tracker) Root(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	for rec.ParentID != "" {
		parent, ok := t.records[rec.ParentID]
		if !ok {
			break
		}
		rec = parent
	}
	return snapshot(rec), true
}

// Children returns snapshots of the execution's direct children in the
// order they were started.
func (t *Tracker) Children(id string) ([]Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}

	out := make([]Record, 0, len(rec.Children))
	for _, childID := range rec.Children {
		if child, ok := t.records[childID]; ok {
			out = append(out, snapshot(child))
		}
	}
	return out, nil
}

// Hierarchy returns the execution and all of its descendants in pre-order:
// each record appears before its children, children in start order.
func (t *Tracker) Hierarchy(id string) ([]Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, ok := t.records[id]; !ok {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}

	var out []Record
	var walk func(string)
	walk = func(cur string) {
		rec, ok := t.records[cur]
		if !ok {
			return
		}
		out = append(out, snapshot(rec))
		for _, childID := range rec.Children {
			walk(childID)
		}
	}
	walk(id)
	return out, nil
}

// Remove deletes the execution and every descendant, and detaches the
// subtree from its parent's children list. No record or child reference
// survives for any id in the removed subtree.
func (t *Tracker) Remove(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: id}
	}

	if rec.ParentID != "" {
		if parent, ok := t.records[rec.ParentID]; ok {
			parent.Children = detach(parent.Children, id)
		}
	}

	removed := t.removeSubtree(id)
	t.logger.Debug("execution removed",
		slog.String("execution_id", id),
		slog.Int("records", removed))
	return nil
}

// removeSubtree deletes cur and its descendants and returns the count.
// Caller holds the write lock.
func (t *Tracker) removeSubtree(cur string) int {
	rec, ok := t.records[cur]
	if !ok {
		return 0
	}
	removed := 1
	for _, childID := range rec.Children {
		removed += t.removeSubtree(childID)
	}
	delete(t.records, cur)
	return removed
}

// Cleanup removes every non-running record that finished before the
// cutoff and returns how many were dropped. Running records and their
// ancestry links are never touched.
func (t *Tracker) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, rec := range t.records {
		if rec.Status == StatusRunning || rec.CompletedAt == nil || !rec.CompletedAt.Before(cutoff) {
			continue
		}
		if rec.ParentID != "" {
			if parent, ok := t.records[rec.ParentID]; ok {
				parent.Children = detach(parent.Children, id)
			}
		}
		delete(t.records, id)
		removed++
	}

	if removed > 0 {
		t.logger.Debug("tracker cleanup",
			slog.Int("removed", removed),
			slog.Duration("older_than", olderThan))
	}
	return removed
}

// Stats counts tracked records by status.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := Stats{Total: len(t.records)}
	for _, rec := range t.records {
		switch rec.Status {
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

func snapshot(rec *Record) Record {
	out := *rec
	out.Children = append([]string(nil), rec.Children...)
	if rec.CompletedAt != nil {
		at := *rec.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

func detach(children []string, id string) []string {
	for i, childID := range children {
		if childID == id {
			return append(children[:i], children[i+1:]...)
		}
	}
	return children
}
