package logstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/testrift/testrift/pkg/protocol"
)

// maxRecordSize guards against reading a corrupt length prefix as a huge
// allocation.
const maxRecordSize = 64 << 20

// writeRecord frames one encoded record: 4-byte big-endian length, then the
// payload.
func writeRecord(w io.Writer, payload []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readRecord reads one framed record. Returns io.EOF at a clean end of
// stream.
func readRecord(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated record prefix: %w", err)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxRecordSize {
		return nil, fmt.Errorf("record size %d exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("truncated record payload: %w", err)
	}
	return payload, nil
}

// appendRecords appends encoded records to the file at path, creating it if
// needed. Appends are atomic per record under the single-writer contract.
func appendRecords(path string, payloads [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, p := range payloads {
		if err := writeRecord(f, p); err != nil {
			return err
		}
	}
	return f.Sync()
}

// readAllRecords reads every framed record in the file. A missing file reads
// as empty.
func readAllRecords(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records [][]byte
	for {
		rec, err := readRecord(f)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

// decodeRecords unmarshals framed compact records into maps.
func decodeRecords(records [][]byte) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		var m map[string]any
		if err := protocol.Unmarshal(rec, &m); err != nil {
			return out, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
