// ============================================================================
// eegflow Snapshot Store - bounded per-session undo/redo
// ============================================================================
//
// Package: internal/snapshot
// File: store.go
// Function: Keeps copies of a session's raw/epochs pair taken before every
//           mutating operation so the operation can be undone and redone.
//
// Stack discipline:
//   Save()  copy current → undo (evict oldest past capacity), clear redo
//   Undo()  current → redo, pop undo → current
//   Redo()  current → undo, pop redo → current
//
//   A Save returns a Checkpoint. The caller settles it with exactly one of
//   Commit (operation succeeded) or Revert (operation failed), which undoes
//   the Save completely, including any eviction and redo clearing.
//
// Ownership:
//   Handles stored in a Record belong to the store. Handles returned by
//   Undo/Redo/Revert belong to the caller. Save copies; Undo and Redo move.
//
// Concurrency:
//   A Store is not safe for concurrent use. The session registry holds the
//   session writer lock around every call.
//
// ============================================================================

package snapshot

import (
	"time"

	"github.com/ChuLiYu/eegflow/internal/signal"
	"github.com/ChuLiYu/eegflow/pkg/types"
)

// SchemaVersion tags every Record produced by this package.
const SchemaVersion = 1

// DefaultCapacity bounds the undo stack.
const DefaultCapacity = 10

// State is a session's restorable state: the raw/epochs pair and the history
// entry that was last at the time.
type State struct {
	Raw    signal.Raw
	Epochs signal.Epochs
	Last   *types.HistoryEntry
}

// Record is one entry of the undo or redo stack.
type Record struct {
	SchemaVer  int
	Operation  string // operation about to run when the record was taken
	Params     map[string]interface{}
	State      State
	CapturedAt time.Time
}

// Checkpoint identifies one Save so it can be committed or reverted.
type Checkpoint struct {
	seq     uint64
	evicted *Record
	redo    []Record
}

// Store holds the undo and redo stacks of one session.
type Store struct {
	capacity int
	undo     []Record // oldest first
	redo     []Record // oldest first
	seq      uint64
	topSeq   uint64 // seq of the record on top of undo, 0 after Undo/Redo
}

// New returns an empty store. A capacity below 1 selects DefaultCapacity.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity}
}

// Save pushes a copy of current onto the undo stack before op runs.
func (s *Store) Save(current State, op string, params map[string]interface{}) Checkpoint {
	rec := Record{
		SchemaVer:  SchemaVersion,
		Operation:  op,
		Params:     params,
		State:      copyState(current),
		CapturedAt: time.Now(),
	}

	s.seq++
	cp := Checkpoint{seq: s.seq, redo: s.redo}
	s.redo = nil

	s.undo = append(s.undo, rec)
	if len(s.undo) > s.capacity {
		evicted := s.undo[0]
		cp.evicted = &evicted
		s.undo = append([]Record(nil), s.undo[1:]...)
	}
	s.topSeq = cp.seq
	return cp
}

// Commit settles a successful operation and releases whatever its Save
// pushed out of the store.
func (s *Store) Commit(cp Checkpoint) {
	if cp.evicted != nil {
		release(cp.evicted.State)
	}
	for _, r := range cp.redo {
		release(r.State)
	}
}

// Revert undoes the Save that produced cp and hands back the captured state.
// It reports false when cp is no longer the most recent Save.
func (s *Store) Revert(cp Checkpoint) (State, bool) {
	if cp.seq == 0 || cp.seq != s.topSeq || len(s.undo) == 0 {
		return State{}, false
	}
	top := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	if cp.evicted != nil {
		s.undo = append([]Record{*cp.evicted}, s.undo...)
	}
	s.redo = cp.redo
	s.topSeq = 0
	return top.State, true
}

// Undo moves current onto the redo stack and returns the newest undo state.
func (s *Store) Undo(current State) (State, bool) {
	if len(s.undo) == 0 {
		return State{}, false
	}
	top := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, Record{
		SchemaVer:  SchemaVersion,
		Operation:  top.Operation,
		Params:     top.Params,
		State:      current,
		CapturedAt: time.Now(),
	})
	s.topSeq = 0
	return top.State, true
}

// Redo moves current onto the undo stack and returns the newest redo state.
func (s *Store) Redo(current State) (State, bool) {
	if len(s.redo) == 0 {
		return State{}, false
	}
	top := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = append(s.undo, Record{
		SchemaVer:  SchemaVersion,
		Operation:  top.Operation,
		Params:     top.Params,
		State:      current,
		CapturedAt: time.Now(),
	})
	if len(s.undo) > s.capacity {
		release(s.undo[0].State)
		s.undo = append([]Record(nil), s.undo[1:]...)
	}
	s.topSeq = 0
	return top.State, true
}

// CanUndo reports whether Undo would succeed.
func (s *Store) CanUndo() bool { return len(s.undo) > 0 }

// CanRedo reports whether Redo would succeed.
func (s *Store) CanRedo() bool { return len(s.redo) > 0 }

// Depth returns the sizes of the undo and redo stacks.
func (s *Store) Depth() (undo, redo int) { return len(s.undo), len(s.redo) }

// Capacity returns the undo bound.
func (s *Store) Capacity() int { return s.capacity }

// Operations lists the operation names on the undo stack, oldest first.
func (s *Store) Operations() []string {
	ops := make([]string, len(s.undo))
	for i, r := range s.undo {
		ops[i] = r.Operation
	}
	return ops
}

// Clear drops and releases every record.
func (s *Store) Clear() {
	for _, r := range s.undo {
		release(r.State)
	}
	for _, r := range s.redo {
		release(r.State)
	}
	s.undo, s.redo = nil, nil
	s.topSeq = 0
}

func copyState(st State) State {
	out := State{}
	if st.Raw != nil {
		out.Raw = st.Raw.Copy()
	}
	if st.Epochs != nil {
		out.Epochs = st.Epochs.Copy()
	}
	if st.Last != nil {
		entry := *st.Last
		out.Last = &entry
	}
	return out
}

func release(st State) {
	if r, ok := st.Raw.(signal.Releaser); ok {
		r.Release()
	}
	if r, ok := st.Epochs.(signal.Releaser); ok {
		r.Release()
	}
}
