// Package sessionstore implements the Session Store (C6): a per-session,
// append-only interaction log backing conversation/command history and
// on-demand analytics. Each session serializes its writers and readers
// behind one per-session mutex (grounded on the corpus's LocalLocker
// pattern); readers copy the in-memory slice under it, so a read waits
// while an append writes its log line.
package sessionstore

import (
	"time"

	"github.com/cybercmd/cybercmd/internal/registry"
)

// WorkMode governs whether a request's command is auto-executed.
type WorkMode string

const (
	ModeQuick       WorkMode = "quick"
	ModeInteractive WorkMode = "interactive"
	ModeSuggester   WorkMode = "suggester"
)

// Session is the top-level record returned to API callers. Interactions are
// not embedded here; they live in the Store and are fetched separately so a
// Session value stays cheap to copy.
type Session struct {
	ID           string       `json:"id"`
	Role         registry.Role `json:"role"`
	Mode         WorkMode     `json:"mode"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
}

// Interaction is an append-only record of one user request and its outcome.
// It is never mutated after Append returns.
type Interaction struct {
	Timestamp       time.Time          `json:"timestamp"`
	UserInput       string             `json:"user_input"`
	Intent          string             `json:"intent"`
	Command         []string           `json:"command,omitempty"`
	ToolName        string             `json:"tool_name,omitempty"`
	RiskLevel       string             `json:"risk_level,omitempty"`
	RiskAction      string             `json:"risk_action,omitempty"`
	RiskReason      string             `json:"risk_reason,omitempty"`
	ExecutionID     string             `json:"execution_id,omitempty"`
	Success         bool               `json:"success"`
	DurationMillis  int64              `json:"duration_ms"`
	OutputBytes     int64              `json:"output_bytes"`
}

// HistoryKind selects which view of a session's interactions to return.
type HistoryKind string

const (
	HistoryConversation HistoryKind = "conversation"
	HistoryCommands     HistoryKind = "commands"
)

// Analytics is the derived, on-demand view computed from a session's live
// interactions. It is never persisted; Store.Analytics recomputes it from
// whatever is currently in memory.
type Analytics struct {
	ToolUsage       map[string]int `json:"tool_usage"`
	SuccessCount    int            `json:"success_count"`
	FailureCount    int            `json:"failure_count"`
	SuccessRate     float64        `json:"success_rate"`
	AvgDurationMs   float64        `json:"avg_duration_ms"`
	HourlyHistogram [24]int        `json:"hourly_histogram"`
}

// Status is the snapshot returned by GET /session/{id}/status.
type Status struct {
	CommandCount int       `json:"command_count"`
	ToolsUsed    []string  `json:"tools_used"`
	Duration     time.Duration `json:"duration"`
	LastActivity time.Time `json:"last_activity"`
}
