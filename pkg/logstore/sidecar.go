package logstore

import (
	"fmt"
	"os"

	"github.com/testrift/testrift/pkg/models"
	"github.com/testrift/testrift/pkg/protocol"
)

// WriteSidecar persists the run's canonical state, replacing any previous
// sidecar. The write goes through a temp file + rename so a crash never
// leaves a half-written sidecar.
func (s *Store) WriteSidecar(run *models.TestRun) error {
	data, err := protocol.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode sidecar for %s: %w", run.RunID, err)
	}
	path := s.sidecarPath(run.RunID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sidecar for %s: %w", run.RunID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace sidecar for %s: %w", run.RunID, err)
	}
	return nil
}

// ReadSidecar loads the run state persisted by WriteSidecar.
func (s *Store) ReadSidecar(runID string) (*models.TestRun, error) {
	data, err := os.ReadFile(s.sidecarPath(runID))
	if err != nil {
		return nil, fmt.Errorf("read sidecar for %s: %w", runID, err)
	}
	var run models.TestRun
	if err := protocol.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode sidecar for %s: %w", runID, err)
	}
	return &run, nil
}
