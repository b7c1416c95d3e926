// Package runstate holds the in-memory state of active runs: the canonical
// run object, the per-session string-intern table, and the per-test-case
// subscriber queues used for live log streaming.
//
// Ownership contract: only the ingest session that created a run mutates it
// (through Mutate); everything else takes read snapshots. A run leaves the
// store exactly once, when its session terminates after the run becomes
// terminal.
package runstate

import (
	"fmt"
	"sync"

	"github.com/testrift/testrift/pkg/models"
	"github.com/testrift/testrift/pkg/protocol"
)

// Store maps run_id → active run.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*ActiveRun
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{runs: make(map[string]*ActiveRun)}
}

// Add registers a new active run. Fails if the id is already active.
func (s *Store) Add(run *models.TestRun) (*ActiveRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return nil, fmt.Errorf("run %s is already active", run.RunID)
	}
	ar := &ActiveRun{
		run:         run,
		stringTable: make(protocol.StringTable),
		subscribers: make(map[string][]*Subscriber),
	}
	s.runs[run.RunID] = ar
	return ar, nil
}

// Get returns the active run for an id.
func (s *Store) Get(runID string) (*ActiveRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ar, ok := s.runs[runID]
	return ar, ok
}

// Exists reports whether a run id is currently active.
func (s *Store) Exists(runID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[runID]
	return ok
}

// Remove drops a run from the store, closing all its subscriber queues.
func (s *Store) Remove(runID string) {
	s.mu.Lock()
	ar, ok := s.runs[runID]
	delete(s.runs, runID)
	s.mu.Unlock()
	if ok {
		ar.closeAllSubscribers()
	}
}

// Count returns the number of active runs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

// ActiveRun couples a run's canonical state with its session string table
// and subscriber queues.
type ActiveRun struct {
	mu          sync.RWMutex
	run         *models.TestRun
	stringTable protocol.StringTable
	subscribers map[string][]*Subscriber // tc_full_name → queues
}

// Mutate runs fn with exclusive access to the run. Only the owning ingest
// session calls this.
func (a *ActiveRun) Mutate(fn func(run *models.TestRun)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.run)
}

// Read runs fn with shared access to the run. fn must not retain references
// past its return.
func (a *ActiveRun) Read(fn func(run *models.TestRun)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn(a.run)
}

// RunID returns the run's id (immutable after creation).
func (a *ActiveRun) RunID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.run.RunID
}

// Terminal reports whether the run has reached a final status.
func (a *ActiveRun) Terminal() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.run.Terminal()
}

// StringTable returns the live table for the owning session's decoder.
// Only the session goroutine touches it directly.
func (a *ActiveRun) StringTable() protocol.StringTable {
	return a.stringTable
}

// DecodeFrame decodes a wire frame against the run's string table under the
// run lock, so first-occurrence [id, string] registrations never race with
// viewer snapshots.
func (a *ActiveRun) DecodeFrame(data []byte) (*protocol.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return protocol.DecodeFrame(data, a.stringTable)
}

// StringTableSnapshot returns a copy safe for a viewer connection.
func (a *ActiveRun) StringTableSnapshot() map[int64]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stringTable.Snapshot()
}

// CaseFullNameByID resolves a tc_id to the case's full name.
func (a *ActiveRun) CaseFullNameByID(tcID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if tc := a.run.CaseByID(tcID); tc != nil {
		return tc.FullName, true
	}
	return "", false
}
