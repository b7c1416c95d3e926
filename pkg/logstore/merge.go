package logstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/testrift/testrift/pkg/models"
)

// MergeRun concatenates every test case's live log and stack files into the
// run's single archive, recording each case's starting byte offset and record
// counts on the case itself. Cases are merged in CaseOrder so offsets are
// deterministic. After a successful merge the per-case record files are
// removed; attachment subdirectories under cases/ are preserved.
//
// The caller is responsible for rewriting the sidecar afterwards so the
// recorded offsets survive.
func (s *Store) MergeRun(run *models.TestRun) error {
	archive, err := os.OpenFile(s.archivePath(run.RunID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create archive for %s: %w", run.RunID, err)
	}
	defer archive.Close()

	var offset int64
	for _, name := range run.CaseOrder {
		tc := run.TestCases[name]
		if tc == nil {
			continue
		}
		tc.LogOffset = offset

		logCount, logBytes, err := s.copyCaseFile(archive, s.caseLogPath(run.RunID, tc.TCID))
		if err != nil {
			return fmt.Errorf("merge logs for %s/%s: %w", run.RunID, tc.TCID, err)
		}
		stackCount, stackBytes, err := s.copyCaseFile(archive, s.caseStackPath(run.RunID, tc.TCID))
		if err != nil {
			return fmt.Errorf("merge stacks for %s/%s: %w", run.RunID, tc.TCID, err)
		}

		tc.LogCount = logCount
		tc.StackCount = stackCount
		offset += logBytes + stackBytes
	}

	if err := archive.Sync(); err != nil {
		return fmt.Errorf("sync archive for %s: %w", run.RunID, err)
	}

	return s.removeCaseFiles(run.RunID)
}

// copyCaseFile streams every record of one per-case file into the archive,
// returning the record count and bytes written. A missing file contributes
// nothing.
func (s *Store) copyCaseFile(archive *os.File, path string) (int, int64, error) {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	defer src.Close()

	count := 0
	var written int64
	for {
		rec, err := readRecord(src)
		if errors.Is(err, io.EOF) {
			return count, written, nil
		}
		if err != nil {
			return count, written, err
		}
		if err := writeRecord(archive, rec); err != nil {
			return count, written, err
		}
		count++
		written += int64(4 + len(rec))
	}
}

// removeCaseFiles deletes the per-case record files while leaving attachment
// subdirectories in place.
func (s *Store) removeCaseFiles(runID string) error {
	dir := filepath.Join(s.RunDir(runID), casesDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cases dir for %s: %w", runID, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isCaseFile(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("remove case file %s: %w", e.Name(), err)
		}
	}
	return nil
}

// HasArchive reports whether the merged archive exists. When the sidecar
// exists but the archive does not, the per-case files are authoritative.
func (s *Store) HasArchive(runID string) bool {
	_, err := os.Stat(s.archivePath(runID))
	return err == nil
}

// ReadMergedCase seeks to the case's recorded offset in the archive and reads
// exactly LogCount log records followed by StackCount stack records.
func (s *Store) ReadMergedCase(runID string, tc *models.TestCase) (logs, stacks []map[string]any, err error) {
	f, err := os.Open(s.archivePath(runID))
	if err != nil {
		return nil, nil, fmt.Errorf("open archive for %s: %w", runID, err)
	}
	defer f.Close()

	if _, err := f.Seek(tc.LogOffset, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("seek archive for %s/%s: %w", runID, tc.TCID, err)
	}

	logRecords := make([][]byte, 0, tc.LogCount)
	for i := 0; i < tc.LogCount; i++ {
		rec, err := readRecord(f)
		if err != nil {
			return nil, nil, fmt.Errorf("read archived log %d for %s/%s: %w", i, runID, tc.TCID, err)
		}
		logRecords = append(logRecords, rec)
	}
	stackRecords := make([][]byte, 0, tc.StackCount)
	for i := 0; i < tc.StackCount; i++ {
		rec, err := readRecord(f)
		if err != nil {
			return nil, nil, fmt.Errorf("read archived stack %d for %s/%s: %w", i, runID, tc.TCID, err)
		}
		stackRecords = append(stackRecords, rec)
	}

	logs, err = decodeRecords(logRecords)
	if err != nil {
		return nil, nil, err
	}
	stacks, err = decodeRecords(stackRecords)
	if err != nil {
		return nil, nil, err
	}
	return logs, stacks, nil
}
