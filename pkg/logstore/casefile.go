package logstore

import (
	"fmt"
	"os"

	"github.com/testrift/testrift/pkg/protocol"
)

// TouchCaseLog ensures the per-case log file exists, so viewers connecting
// before the first batch see an empty replay instead of a missing file.
func (s *Store) TouchCaseLog(runID, tcID string) error {
	f, err := os.OpenFile(s.caseLogPath(runID, tcID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("touch case log for %s/%s: %w", runID, tcID, err)
	}
	return f.Close()
}

// AppendLogEntries appends compact log entries verbatim to the per-case log
// file. Entries are the raw wire maps; no transcoding happens here.
func (s *Store) AppendLogEntries(runID, tcID string, entries []map[string]any) error {
	payloads := make([][]byte, 0, len(entries))
	for _, e := range entries {
		data, err := protocol.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode log entry for %s/%s: %w", runID, tcID, err)
		}
		payloads = append(payloads, data)
	}
	if err := appendRecords(s.caseLogPath(runID, tcID), payloads); err != nil {
		return fmt.Errorf("append log entries for %s/%s: %w", runID, tcID, err)
	}
	return nil
}

// AppendStackRecord appends one compact exception record to the per-case
// stack file.
func (s *Store) AppendStackRecord(runID, tcID string, record map[string]any) error {
	data, err := protocol.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode stack record for %s/%s: %w", runID, tcID, err)
	}
	if err := appendRecords(s.caseStackPath(runID, tcID), [][]byte{data}); err != nil {
		return fmt.Errorf("append stack record for %s/%s: %w", runID, tcID, err)
	}
	return nil
}

// ReadCaseLogs reads the live per-case log file and returns the compact
// entries in append order. A missing file reads as empty.
func (s *Store) ReadCaseLogs(runID, tcID string) ([]map[string]any, error) {
	records, err := readAllRecords(s.caseLogPath(runID, tcID))
	if err != nil {
		return nil, fmt.Errorf("read case logs for %s/%s: %w", runID, tcID, err)
	}
	return decodeRecords(records)
}

// ReadCaseStacks reads the live per-case stack file. Disk is authoritative
// for stacks: ingest reloads this after every append.
func (s *Store) ReadCaseStacks(runID, tcID string) ([]map[string]any, error) {
	records, err := readAllRecords(s.caseStackPath(runID, tcID))
	if err != nil {
		return nil, fmt.Errorf("read case stacks for %s/%s: %w", runID, tcID, err)
	}
	return decodeRecords(records)
}
