// Package protocol implements the binary runner wire protocol: compact
// MessagePack frames with integer message types, short field keys, and
// per-session string interning for component/channel names.
//
// Two representations flow through this package: the compact form used on
// the wire and on disk (short keys, integer enums, int64 millisecond
// timestamps, interned strings) and the canonical form used internally
// (full field names, ISO-8601 UTC timestamps, lower-case status strings).
// The compact form is the source of truth for persisted log records; the
// canonical form is produced at decode time.
package protocol

import "fmt"

// Message type codes (t field).
const (
	MsgRunStarted         = 1
	MsgRunStartedResponse = 2
	MsgTestCaseStarted    = 3
	MsgLogBatch           = 4
	MsgException          = 5
	MsgTestCaseFinished   = 6
	MsgRunFinished        = 7
	MsgBatch              = 8
	MsgHeartbeat          = 9
	MsgStringTable        = 10
)

// Canonical message type names.
const (
	TypeRunStarted         = "run_started"
	TypeRunStartedResponse = "run_started_response"
	TypeTestCaseStarted    = "test_case_started"
	TypeLogBatch           = "log_batch"
	TypeException          = "exception"
	TypeTestCaseFinished   = "test_case_finished"
	TypeRunFinished        = "run_finished"
	TypeBatch              = "batch"
	TypeHeartbeat          = "heartbeat"
	TypeStringTable        = "string_table"
)

var msgTypeNames = map[int64]string{
	MsgRunStarted:         TypeRunStarted,
	MsgRunStartedResponse: TypeRunStartedResponse,
	MsgTestCaseStarted:    TypeTestCaseStarted,
	MsgLogBatch:           TypeLogBatch,
	MsgException:          TypeException,
	MsgTestCaseFinished:   TypeTestCaseFinished,
	MsgRunFinished:        TypeRunFinished,
	MsgBatch:              TypeBatch,
	MsgHeartbeat:          TypeHeartbeat,
	MsgStringTable:        TypeStringTable,
}

// MessageTypeName returns the canonical name for a message type code.
func MessageTypeName(code int64) string {
	if name, ok := msgTypeNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown_%d", code)
}

// Status codes (s field).
const (
	StatusRunning  = 1
	StatusPassed   = 2
	StatusFailed   = 3
	StatusSkipped  = 4
	StatusAborted  = 5
	StatusFinished = 6 // runs only
)

var statusNames = map[int64]string{
	StatusRunning:  "running",
	StatusPassed:   "passed",
	StatusFailed:   "failed",
	StatusSkipped:  "skipped",
	StatusAborted:  "aborted",
	StatusFinished: "finished",
}

var statusCodes = func() map[string]int64 {
	m := make(map[string]int64, len(statusNames))
	for code, name := range statusNames {
		m[name] = code
	}
	return m
}()

// StatusName converts a status code to its canonical string name.
func StatusName(code int64) string {
	if name, ok := statusNames[code]; ok {
		return name
	}
	return fmt.Sprintf("unknown_%d", code)
}

// StatusCode converts a canonical status name back to its wire code.
// "error" has no integer code and travels as a string.
func StatusCode(name string) (int64, bool) {
	code, ok := statusCodes[name]
	return code, ok
}

// Direction codes (d field).
const (
	DirTx = 1 // host -> device
	DirRx = 2 // device -> host
)

// Phase codes (p field).
const (
	PhaseTeardown = 1
)

// Field keys. MessagePack encodes short strings as fixstr, so one- and
// two-character keys keep frames small.
const (
	FType      = "t"   // message type (int)
	FRunID     = "r"   // run id (string)
	FRunName   = "n"   // run name (string)
	FStatus    = "s"   // status code (int) or status name (string)
	FTimestamp = "ts"  // milliseconds since epoch (int64)
	FError     = "err" // error message (string)

	FTCFullName = "f"  // test case full name (string)
	FTCID       = "i"  // test case id (string)
	FTCMeta     = "tm" // test case metadata (object)

	FMessage   = "m"  // log message (string)
	FComponent = "c"  // component: int id or [id, name] first occurrence
	FChannel   = "ch" // channel: same encoding as component
	FDir       = "d"  // direction code (int)
	FPhase     = "p"  // phase code (int)
	FEntries   = "e"  // log entries array

	FEvents    = "ev" // events array in a batch message
	FEventType = "et" // event type within a batch (int)

	FExceptionType = "xt" // exception type name (string)
	FStackTrace    = "st" // stack trace lines (array of strings)
	FIsError       = "ie" // is error flag (bool)

	FUserMetadata  = "md" // user metadata (object)
	FGroup         = "g"  // group info (object)
	FGroupName     = "gn" // group name (string)
	FGroupMetadata = "gm" // group metadata (object)
	FGroupHash     = "gh" // group hash (string)
	FRetentionDays = "rd" // retention days (int)
	FLocalRun      = "lr" // local run flag (bool)

	FRunURL   = "ru" // run URL (string)
	FGroupURL = "gu" // group URL (string)

	FStrings = "str" // string table entries: {id: string}
)
