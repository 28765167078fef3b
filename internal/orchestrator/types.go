// Package orchestrator implements the Orchestrator "Brain" (C7): the
// top-level pipeline that cleans input, classifies intent, routes to a
// specialized handler, and appends the resulting Interaction to the Session
// Store (for an auto-executed command, once its Execution reaches a
// terminal status). It holds handles to C1-C6, never
// back-references into them, and talks to the Executor only through its
// event-stream subscription, never by reaching into its internal state.
package orchestrator

import (
	"github.com/cybercmd/cybercmd/internal/registry"
	"github.com/cybercmd/cybercmd/internal/sessionstore"
)

// Intent is the fixed enum spec §4.7 classifies every user request into.
type Intent string

const (
	IntentGeneralConversation Intent = "general_conversation"
	IntentExplanationRequest  Intent = "explanation_request"
	IntentToolRequest         Intent = "tool_request"
	IntentCommandRequest      Intent = "command_request"
	IntentPlanRequest         Intent = "plan_request"
	IntentSystemOperation     Intent = "system_operation"
	IntentTroubleshooting     Intent = "troubleshooting_request"
	IntentForensicsRequest    Intent = "forensics_request"
	IntentNetworkAnalysis     Intent = "network_analysis"
	IntentAutomationRequest   Intent = "automation_request"
)

// allIntents lists every enum value in the exact order ClassifyEnum should
// check them: more specific values first so the fuzzy tier does not let a
// generic word ("tool") shadow a more specific phrase.
var allIntents = []string{
	string(IntentExplanationRequest),
	string(IntentCommandRequest),
	string(IntentToolRequest),
	string(IntentPlanRequest),
	string(IntentForensicsRequest),
	string(IntentNetworkAnalysis),
	string(IntentTroubleshooting),
	string(IntentAutomationRequest),
	string(IntentSystemOperation),
	string(IntentGeneralConversation),
}

// ResponseType discriminates the Response union returned by Process.
type ResponseType string

const (
	ResponseConversation ResponseType = "conversation"
	ResponseExplanation  ResponseType = "explanation"
	ResponseCommand      ResponseType = "command"
	ResponsePlan         ResponseType = "plan"
	ResponseError        ResponseType = "error"
)

// RiskView is the risk verdict shape embedded in a CommandResponse, mirroring
// §6's {level, reason, pattern?}.
type RiskView struct {
	Level   string `json:"level"`
	Action  string `json:"action"`
	Reason  string `json:"reason"`
	Pattern string `json:"pattern,omitempty"`
}

// CommandAlternative is one ranked suggestion in suggester mode.
type CommandAlternative struct {
	Argv        []string `json:"argv"`
	Explanation string   `json:"explanation"`
}

// PlanStep is one step of a plan_request response.
type PlanStep struct {
	N               int    `json:"n"`
	Description     string `json:"description"`
	ToolRequest     string `json:"tool_request"`
	ExpectedOutcome string `json:"expected_outcome"`
}

// Plan is the parsed body of a planner_prompt reply.
type Plan struct {
	Goal  string     `json:"goal"`
	Steps []PlanStep `json:"steps"`
}

// Response is the discriminated union Process returns, matching the
// inbound API's POST /request/process response shapes in §6.
type Response struct {
	Type ResponseType `json:"type"`

	// conversation / explanation
	Message string `json:"message,omitempty"`

	// command
	Argv         []string              `json:"argv,omitempty"`
	ToolName     string                `json:"tool_name,omitempty"`
	Explanation  string                `json:"explanation,omitempty"`
	Risk         *RiskView             `json:"risk,omitempty"`
	Suggestions  []CommandAlternative  `json:"suggestions,omitempty"`
	Executed     bool                  `json:"executed,omitempty"`
	ExecutionID  string                `json:"execution_id,omitempty"`

	// plan
	PlanBody *Plan `json:"plan,omitempty"`

	// error
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Request is one inbound POST /request/process call, plus the session
// context the Orchestrator needs to resolve role/mode and append history.
type Request struct {
	SessionID string
	UserInput string
	Role      registry.Role
	Mode      sessionstore.WorkMode
}
