package job

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyRunning is returned when a run is submitted for a company
	// that already has a non-terminal run.
	ErrAlreadyRunning = errors.New("a run for this company is already active")
	// ErrNotFound is returned when no run is known for a company.
	ErrNotFound = errors.New("run not found")
	// ErrAlreadyTerminal is returned when cancelling a finished run.
	ErrAlreadyTerminal = errors.New("run already in terminal state")
)

// StatusStore holds the latest snapshot per company for polling clients.
// It is the only state shared between workers and the HTTP layer: updates
// are copy-on-write (the whole record is replaced under the lock), so a
// reader never observes a partially applied update.
type StatusStore struct {
	mu   sync.RWMutex
	runs map[string]*Snapshot
}

func NewStatusStore() *StatusStore {
	return &StatusStore{runs: make(map[string]*Snapshot)}
}

// clone deep-copies a snapshot, including the log slice, so published
// records are never aliased by later writes.
func clone(s *Snapshot) *Snapshot {
	c := *s
	c.Logs = append([]string(nil), s.Logs...)
	return &c
}

// Create registers a new pending run. It fails with ErrAlreadyRunning while
// a previous run for the same company has not reached a terminal state.
func (st *StatusStore) Create(snap Snapshot) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if cur, ok := st.runs[snap.CompanyID]; ok && !cur.Status.IsTerminal() {
		return ErrAlreadyRunning
	}
	st.runs[snap.CompanyID] = clone(&snap)
	return nil
}

// Get returns a copy of the latest snapshot for a company.
func (st *StatusStore) Get(companyID string) (Snapshot, bool) {
	st.mu.RLock()
	cur, ok := st.runs[companyID]
	st.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return *clone(cur), true
}

// Update applies fn to a copy of the current snapshot and publishes the
// result. Status regressions are discarded (the run keeps its current
// status) and progress never decreases, which keeps both invariants even
// when a cancel races against finalization. The published snapshot is
// returned; ok is false when the company is unknown.
func (st *StatusStore) Update(companyID string, fn func(*Snapshot)) (Snapshot, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cur, ok := st.runs[companyID]
	if !ok {
		return Snapshot{}, false
	}

	next := clone(cur)
	fn(next)

	if next.Status != cur.Status && !cur.Status.CanTransition(next.Status) {
		return *clone(cur), true
	}
	if next.Progress < cur.Progress {
		next.Progress = cur.Progress
	}
	st.runs[companyID] = next
	return *clone(next), true
}

// Evict removes terminal runs that finished before cutoff and returns how
// many were dropped. Running and pending entries are never evicted.
func (st *StatusStore) Evict(cutoff time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for id, s := range st.runs {
		if s.Status.IsTerminal() && s.FinishedAt != nil && s.FinishedAt.Before(cutoff) {
			delete(st.runs, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked runs.
func (st *StatusStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.runs)
}
