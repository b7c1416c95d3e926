package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/testrift/testrift/pkg/models"
)

// ErrMalformedFrame is returned when a frame cannot be decoded: unknown type
// code, missing required field, or undecodable payload. Malformed frames are
// dropped; the session stays open.
var ErrMalformedFrame = errors.New("malformed frame")

// Message is the canonical decoded form of a wire frame. Only the fields
// relevant to the message's Type are populated.
type Message struct {
	Type string

	RunID     string
	RunName   string
	Status    string
	Timestamp string

	TCFullName string
	TCID       string

	// Log batches carry both forms: RawEntries is the compact wire form
	// persisted verbatim to disk, Entries the decoded canonical form.
	RawEntries []map[string]any
	Entries    []models.LogEntry

	ExceptionText string
	ExceptionType string
	StackTrace    []string
	IsError       bool

	UserMetadata  map[string]models.MetadataValue
	Group         *models.Group
	RetentionDays int
	LocalRun      bool

	// Events of a batch container, in wire order. Each inherits the outer
	// RunID at dispatch time.
	Events []*Message
}

// DecodeFrame decodes a binary frame into canonical form, registering any
// [id, string] pairs it encounters into the session string table.
func DecodeFrame(data []byte, table StringTable) (*Message, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	typeCode, ok := asInt64(raw[FType])
	if !ok {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedFrame)
	}
	if _, known := msgTypeNames[typeCode]; !known {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedFrame, typeCode)
	}
	return normalizeMessage(typeCode, raw, table)
}

func normalizeMessage(typeCode int64, raw map[string]any, table StringTable) (*Message, error) {
	msg := &Message{Type: msgTypeNames[typeCode]}
	msg.populateCommon(raw, table)

	switch typeCode {
	case MsgTestCaseStarted:
		if msg.TCFullName == "" {
			return nil, fmt.Errorf("%w: test_case_started without tc_full_name", ErrMalformedFrame)
		}
		if msg.TCID == "" {
			return nil, fmt.Errorf("%w: test_case_started without tc_id", ErrMalformedFrame)
		}
	case MsgLogBatch:
		if msg.TCID == "" {
			return nil, fmt.Errorf("%w: log_batch without tc_id", ErrMalformedFrame)
		}
	case MsgException, MsgTestCaseFinished:
		if msg.TCID == "" {
			return nil, fmt.Errorf("%w: %s without tc_id", ErrMalformedFrame, msg.Type)
		}
	case MsgBatch:
		events, ok := raw[FEvents].([]any)
		if !ok {
			return nil, fmt.Errorf("%w: batch without events", ErrMalformedFrame)
		}
		msg.Events = make([]*Message, 0, len(events))
		for _, ev := range events {
			evMap, ok := ev.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: batch event is not a map", ErrMalformedFrame)
			}
			evCode, ok := asInt64(evMap[FEventType])
			if !ok {
				return nil, fmt.Errorf("%w: batch event without event_type", ErrMalformedFrame)
			}
			switch evCode {
			case MsgTestCaseStarted, MsgLogBatch, MsgException, MsgTestCaseFinished:
			default:
				return nil, fmt.Errorf("%w: batch event type %d not allowed", ErrMalformedFrame, evCode)
			}
			inner, err := normalizeMessage(evCode, evMap, table)
			if err != nil {
				return nil, err
			}
			msg.Events = append(msg.Events, inner)
		}
	}
	return msg, nil
}

func (msg *Message) populateCommon(raw map[string]any, table StringTable) {
	msg.RunID, _ = raw[FRunID].(string)
	msg.RunName, _ = raw[FRunName].(string)
	msg.TCID, _ = raw[FTCID].(string)
	msg.TCFullName, _ = raw[FTCFullName].(string)
	msg.ExceptionText, _ = raw[FMessage].(string)
	msg.ExceptionType, _ = raw[FExceptionType].(string)
	msg.IsError, _ = raw[FIsError].(bool)
	msg.LocalRun, _ = raw[FLocalRun].(bool)

	switch s := raw[FStatus].(type) {
	case string:
		msg.Status = s
	default:
		if code, ok := asInt64(raw[FStatus]); ok {
			msg.Status = StatusName(code)
		}
	}

	if ms, ok := asInt64(raw[FTimestamp]); ok {
		msg.Timestamp = MsToTimestamp(ms)
	} else if ts, ok := raw[FTimestamp].(string); ok {
		msg.Timestamp = ts
	}

	if rd, ok := asInt64(raw[FRetentionDays]); ok {
		msg.RetentionDays = int(rd)
	}

	if lines, ok := raw[FStackTrace].([]any); ok {
		msg.StackTrace = make([]string, 0, len(lines))
		for _, l := range lines {
			if s, ok := l.(string); ok {
				msg.StackTrace = append(msg.StackTrace, s)
			}
		}
	}

	if md, ok := raw[FUserMetadata].(map[string]any); ok {
		msg.UserMetadata = decodeMetadataMap(md)
	}
	if g, ok := raw[FGroup].(map[string]any); ok {
		msg.Group = decodeGroup(g)
	}

	if entries, ok := raw[FEntries].([]any); ok {
		msg.RawEntries = make([]map[string]any, 0, len(entries))
		msg.Entries = make([]models.LogEntry, 0, len(entries))
		for _, e := range entries {
			em, ok := e.(map[string]any)
			if !ok {
				continue
			}
			msg.RawEntries = append(msg.RawEntries, em)
			msg.Entries = append(msg.Entries, DecodeLogEntry(em, table))
		}
	}
}

// DecodeLogEntry converts a compact log entry into canonical form, resolving
// interned component/channel values against the table (and registering
// first-occurrence pairs).
func DecodeLogEntry(entry map[string]any, table StringTable) models.LogEntry {
	var out models.LogEntry
	if ms, ok := asInt64(entry[FTimestamp]); ok {
		out.Timestamp = MsToTimestamp(ms)
	}
	if m, ok := entry[FMessage].(string); ok {
		out.Message = m
	}
	if comp, ok := entry[FComponent]; ok && comp != nil {
		out.Component = DecodeInterned(comp, table)
	}
	if ch, ok := entry[FChannel]; ok && ch != nil {
		out.Channel = DecodeInterned(ch, table)
	}
	if d, ok := asInt64(entry[FDir]); ok {
		switch d {
		case DirTx:
			out.Dir = "tx"
		case DirRx:
			out.Dir = "rx"
		}
	}
	if p, ok := asInt64(entry[FPhase]); ok && p == PhaseTeardown {
		out.Phase = "teardown"
	}
	return out
}

// DecodeLogEntries decodes a list of compact entries against a copy of the
// given table, dropping entries without a timestamp. Used by read paths that
// must not mutate the live session table.
func DecodeLogEntries(raw []map[string]any, table StringTable) []models.LogEntry {
	scratch := make(StringTable, len(table))
	for id, s := range table {
		scratch[id] = s
	}
	out := make([]models.LogEntry, 0, len(raw))
	for _, entry := range raw {
		decoded := DecodeLogEntry(entry, scratch)
		if decoded.Timestamp == "" {
			continue
		}
		out = append(out, decoded)
	}
	return out
}

func decodeMetadataMap(raw map[string]any) map[string]models.MetadataValue {
	out := make(map[string]models.MetadataValue, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = models.MetadataValue{Value: val}
		case map[string]any:
			mv := models.MetadataValue{}
			if s, ok := val["value"].(string); ok {
				mv.Value = s
			} else if val["value"] != nil {
				mv.Value = fmt.Sprintf("%v", val["value"])
			}
			if u, ok := val["url"].(string); ok {
				mv.URL = u
			}
			out[k] = mv
		default:
			if v != nil {
				out[k] = models.MetadataValue{Value: fmt.Sprintf("%v", v)}
			}
		}
	}
	return out
}

func decodeGroup(raw map[string]any) *models.Group {
	g := &models.Group{}
	if name, ok := raw[FGroupName].(string); ok {
		g.Name = name
	} else if name, ok := raw["name"].(string); ok {
		g.Name = name
	}
	if md, ok := raw[FGroupMetadata].(map[string]any); ok {
		g.Metadata = decodeMetadataMap(md)
	} else if md, ok := raw["metadata"].(map[string]any); ok {
		g.Metadata = decodeMetadataMap(md)
	}
	if g.Name == "" && len(g.Metadata) == 0 {
		return nil
	}
	return g
}

// EntryTimestampMs extracts the millisecond timestamp of a compact record,
// or 0 when absent. Used to order replay batches.
func EntryTimestampMs(rec map[string]any) int64 {
	ms, _ := asInt64(rec[FTimestamp])
	return ms
}

// asInt64 normalizes the integer types the msgpack decoder may produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
