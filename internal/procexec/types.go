// Package procexec runs an argv under a bounded resource budget, streams
// stdout/stderr to subscribers while flushing to a bounded in-memory
// capture, and supports idempotent cancellation and a wall-clock deadline.
// Every execution transitions through its state machine exactly once to a
// terminal state.
package procexec

import (
	"encoding/json"
	"time"
)

// Status is a point in the Execution state machine. Every Status other
// than Queued and Running is terminal and write-once.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timedout"
)

// Terminal reports whether s is one of the four terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Mode is the execution_mode field of a spawn request. The three modes do
// not change resource accounting in this implementation; they record
// caller intent for logging and for a future persistent-process model. The
// Executor does not branch its scheduling on Mode today.
type Mode string

const (
	ModeBackground Mode = "background"
	ModePersistent Mode = "persistent"
	ModeSeparate   Mode = "separate"
)

// ResourceCaps bounds one execution. Zero fields fall back to the
// Executor's configured defaults.
type ResourceCaps struct {
	CPUSeconds     int   // RLIMIT_CPU
	MemBytes       int64 // RLIMIT_AS
	FileSizeBytes  int64 // RLIMIT_FSIZE
	OutputCapBytes int64 // per-stream capture cap
}

// SpawnRequest is the input to Submit.
type SpawnRequest struct {
	Argv      []string
	SessionID string
	Mode      Mode
	// Deadline is the wall-clock budget. A zero Deadline is a boundary
	// case: the execution transitions straight to timedout with no
	// process ever spawned.
	Deadline time.Duration
	Caps     ResourceCaps
	// Tool names the registry tool this argv was composed for, used to
	// look up an optional output parser. Empty means no parser is tried.
	Tool string
}

// EventType distinguishes the three event shapes the subscription channel
// delivers.
type EventType string

const (
	EventOutput   EventType = "output"
	EventStatus   EventType = "status"
	EventComplete EventType = "complete"
)

// Stream identifies which subprocess stream an output event belongs to.
type Stream string

const (
	StreamOut Stream = "out"
	StreamErr Stream = "err"
)

// Event is one frame delivered to a subscriber. Only the fields relevant to
// Type are populated.
type Event struct {
	Type       EventType
	Stream     Stream
	Chunk      []byte
	Status     Status
	ReturnCode int
	Err        error
}

// ErrorKind classifies a terminal failure.
type ErrorKind string

const (
	ErrorKindNone             ErrorKind = ""
	ErrorKindSpawnError       ErrorKind = "SpawnError"
	ErrorKindResourceExceeded ErrorKind = "ResourceExceeded"
	ErrorKindTimeout          ErrorKind = "Timeout"
	ErrorKindNonZeroExit      ErrorKind = "NonZeroExit"
)

// ResourceStats is populated from the OS process accounting structure after
// an Execution exits.
type ResourceStats struct {
	CPUMillis   int64 `json:"cpu_ms"`
	MaxRSSBytes int64 `json:"max_rss_bytes"`
	WallMillis  int64 `json:"wall_ms"`
}

// Snapshot is a point-in-time, immutable copy of an Execution's state,
// returned by Executor.Snapshot and used to build meta.json.
type Snapshot struct {
	ID            string
	SessionID     string
	Argv          []string
	Status        Status
	StartedAt     time.Time
	EndedAt       time.Time
	ReturnCode    int
	Stdout        []byte
	Stderr        []byte
	TruncatedOut  bool
	TruncatedErr  bool
	ResourceStats ResourceStats
	ErrorKind     ErrorKind
	ParsedSummary json.RawMessage
	ParseError    string
}
