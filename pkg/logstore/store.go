// Package logstore implements the per-run on-disk store: a directory per run
// holding a packed metadata sidecar, append-only per-case log and stack files
// while the run is live, and a single merged archive once it finishes.
//
// Records are stored in compact wire form, framed with a 4-byte big-endian
// length prefix. The write path never transcodes: entries received from the
// runner are persisted verbatim and decoded only when read.
package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	sidecarFile = "run_meta.bin"
	archiveFile = "logs.bin"
	casesDir    = "cases"

	logSuffix   = "_log.bin"
	stackSuffix = "_stack.bin"
)

// Store manages run directories under a single root.
type Store struct {
	root string
}

// NewStore creates the root directory if needed and returns the store.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the data root directory.
func (s *Store) Root() string {
	return s.root
}

// RunDir returns the directory for a run. Run ids are validated at ingest
// time, so they are safe as path segments here.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// RunDirExists reports whether the run's on-disk artifacts still exist.
// After retention deletion the index rows persist but this returns false.
func (s *Store) RunDirExists(runID string) bool {
	info, err := os.Stat(s.RunDir(runID))
	return err == nil && info.IsDir()
}

// CreateRunDir creates the run directory and its cases subdirectory.
func (s *Store) CreateRunDir(runID string) error {
	if err := os.MkdirAll(filepath.Join(s.RunDir(runID), casesDir), 0o755); err != nil {
		return fmt.Errorf("create run dir for %s: %w", runID, err)
	}
	return nil
}

// DeleteRunDir removes a run's on-disk artifacts. The retention sweep calls
// this; index rows are left untouched.
func (s *Store) DeleteRunDir(runID string) error {
	dir := s.RunDir(runID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete run dir %s: %w", dir, err)
	}
	return nil
}

// ListRunDirs returns the run ids that currently have a directory on disk.
func (s *Store) ListRunDirs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read data dir %s: %w", s.root, err)
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() {
			runs = append(runs, e.Name())
		}
	}
	return runs, nil
}

func (s *Store) caseLogPath(runID, tcID string) string {
	return filepath.Join(s.RunDir(runID), casesDir, tcID+logSuffix)
}

func (s *Store) caseStackPath(runID, tcID string) string {
	return filepath.Join(s.RunDir(runID), casesDir, tcID+stackSuffix)
}

func (s *Store) archivePath(runID string) string {
	return filepath.Join(s.RunDir(runID), archiveFile)
}

func (s *Store) sidecarPath(runID string) string {
	return filepath.Join(s.RunDir(runID), sidecarFile)
}

// isCaseFile reports whether a cases/ entry is a per-case record file (as
// opposed to an attachment subdirectory, which merge must preserve).
func isCaseFile(name string) bool {
	return strings.HasSuffix(name, logSuffix) || strings.HasSuffix(name, stackSuffix)
}
