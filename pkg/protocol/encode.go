package protocol

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/testrift/testrift/pkg/models"
)

// RunStartedResponse is the server's reply to run_started.
type RunStartedResponse struct {
	RunID     string
	RunName   string
	RunURL    string
	GroupHash string
	GroupURL  string
	Err       string
}

// EncodeRunStartedResponse produces the compact wire frame for the reply.
// When Err is set only the error field is sent.
func EncodeRunStartedResponse(resp RunStartedResponse) ([]byte, error) {
	frame := map[string]any{FType: int64(MsgRunStartedResponse)}
	if resp.Err != "" {
		frame[FError] = resp.Err
		return msgpack.Marshal(frame)
	}
	frame[FRunID] = resp.RunID
	frame[FRunName] = resp.RunName
	frame[FRunURL] = resp.RunURL
	if resp.GroupHash != "" {
		frame[FGroupHash] = resp.GroupHash
		frame[FGroupURL] = resp.GroupURL
	}
	return msgpack.Marshal(frame)
}

// EncodeStringTable produces the string_table frame sent to a viewer before
// replay so it can resolve interned ids in the entries that follow.
func EncodeStringTable(table map[int64]string) ([]byte, error) {
	return msgpack.Marshal(map[string]any{
		FType:    int64(MsgStringTable),
		FStrings: table,
	})
}

// CompactException builds the compact record form of an exception, used both
// for the on-disk stack file and for streaming to viewers.
func CompactException(msg *Message) map[string]any {
	rec := map[string]any{
		FType:          int64(MsgException),
		FTimestamp:     TimestampToMs(msg.Timestamp),
		FMessage:       msg.ExceptionText,
		FExceptionType: msg.ExceptionType,
		FIsError:       msg.IsError,
	}
	if len(msg.StackTrace) > 0 {
		lines := make([]any, len(msg.StackTrace))
		for i, l := range msg.StackTrace {
			lines[i] = l
		}
		rec[FStackTrace] = lines
	}
	return rec
}

// ExceptionFromCompact decodes an on-disk stack record back to canonical form.
func ExceptionFromCompact(rec map[string]any) models.Exception {
	var out models.Exception
	if ms, ok := asInt64(rec[FTimestamp]); ok {
		out.Timestamp = MsToTimestamp(ms)
	}
	out.Message, _ = rec[FMessage].(string)
	out.ExceptionType, _ = rec[FExceptionType].(string)
	out.IsError, _ = rec[FIsError].(bool)
	if lines, ok := rec[FStackTrace].([]any); ok {
		out.StackTrace = make([]string, 0, len(lines))
		for _, l := range lines {
			if s, ok := l.(string); ok {
				out.StackTrace = append(out.StackTrace, s)
			}
		}
	}
	return out
}

// EncodeLogEntry converts a canonical log entry into compact form, interning
// component/channel through the encoder.
func EncodeLogEntry(entry models.LogEntry, enc *InternEncoder) map[string]any {
	rec := map[string]any{
		FTimestamp: TimestampToMs(entry.Timestamp),
	}
	if entry.Message != "" {
		rec[FMessage] = entry.Message
	}
	if v := enc.Encode(entry.Component); v != nil {
		rec[FComponent] = v
	}
	if v := enc.Encode(entry.Channel); v != nil {
		rec[FChannel] = v
	}
	switch entry.Dir {
	case "tx":
		rec[FDir] = int64(DirTx)
	case "rx":
		rec[FDir] = int64(DirRx)
	}
	if entry.Phase == "teardown" {
		rec[FPhase] = int64(PhaseTeardown)
	}
	return rec
}

// Marshal encodes a compact record for framing or persistence.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes a persisted compact record.
func Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
