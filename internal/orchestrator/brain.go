package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cybercmd/cybercmd/internal/llmgateway"
	"github.com/cybercmd/cybercmd/internal/logging"
	"github.com/cybercmd/cybercmd/internal/procexec"
	"github.com/cybercmd/cybercmd/internal/registry"
	"github.com/cybercmd/cybercmd/internal/replyparse"
	"github.com/cybercmd/cybercmd/internal/risk"
	"github.com/cybercmd/cybercmd/internal/sessionstore"
	"github.com/cybercmd/cybercmd/internal/toolselect"
)

// DefaultRequestDeadline is the request-level deadline from spec §5.
const DefaultRequestDeadline = 120 * time.Second

// Generator is the narrow LLM surface the Orchestrator talks to directly
// (the explain/chatbot/planner/triage prompts); the same interface shape
// used by risk.Generator and toolselect.Generator.
type Generator interface {
	Generate(ctx context.Context, templateName string, bindings map[string]string, opts llmgateway.Options) (string, error)
}

// Brain is the Orchestrator (C7). It holds handles to every other component
// as plain fields — no back-references are held by those components into
// the Brain, and all communication with the Executor happens through its
// event-stream subscription, never by reaching into Executor internals.
type Brain struct {
	Registry  *registry.Store
	LLM       Generator
	Risk      *risk.Evaluator
	Librarian *toolselect.Librarian
	Composer  *toolselect.Composer
	Exec      *procexec.Executor
	Sessions  *sessionstore.Store
	Logger    *slog.Logger
	ErrorLog  *logging.ErrorLogger
	Metrics   RiskMetricsRecorder

	RequestDeadline time.Duration
}

// RiskMetricsRecorder is the narrow metrics surface the Orchestrator
// reports risk verdicts to. Nil is a valid Brain.Metrics value.
type RiskMetricsRecorder interface {
	RecordRiskVerdict(action string)
}

// New constructs a Brain. logger/errLog may be nil.
func New(reg *registry.Store, llm Generator, riskEval *risk.Evaluator, lib *toolselect.Librarian, comp *toolselect.Composer, exec *procexec.Executor, sessions *sessionstore.Store, logger *slog.Logger, errLog *logging.ErrorLogger) *Brain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Brain{
		Registry:        reg,
		LLM:             llm,
		Risk:            riskEval,
		Librarian:       lib,
		Composer:        comp,
		Exec:            exec,
		Sessions:        sessions,
		Logger:          logger,
		ErrorLog:        errLog,
		RequestDeadline: DefaultRequestDeadline,
	}
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// cleanInput trims whitespace and strips ANSI escape sequences, per §4.7
// step 1.
func cleanInput(s string) string {
	return strings.TrimSpace(ansiRe.ReplaceAllString(s, ""))
}

// Process runs the full pipeline for one user request. It never panics and
// never returns a Go error: every failure resolves to a Response of type
// "error", matching §7's "no exception escapes the pipeline boundary".
func (b *Brain) Process(ctx context.Context, req Request) Response {
	ctx, cancel := context.WithTimeout(ctx, b.deadline())
	defer cancel()

	input := cleanInput(req.UserInput)
	if input == "" {
		return Response{Type: ResponseError, Error: "input must not be empty", Code: "empty_input"}
	}

	if strings.HasPrefix(input, "/") {
		return b.handleBuiltin(req.SessionID, input)
	}

	start := time.Now()
	intent := b.classifyIntent(ctx, input, req.Role)

	resp, interaction := b.route(ctx, req, input, intent)
	if interaction != nil {
		// An Interaction is appended only after its command (if any) reaches
		// a terminal Execution status, or when no execution was attempted
		// (§3 invariant). Handlers that auto-execute a command append their
		// own Interaction asynchronously once the Execution goes terminal
		// and return a nil *Interaction here instead.
		interaction.Timestamp = start
		interaction.DurationMillis = time.Since(start).Milliseconds()
		interaction.UserInput = input
		interaction.Intent = string(intent)

		if req.SessionID != "" {
			if err := b.Sessions.Append(req.SessionID, *interaction); err != nil {
				b.logError(req.SessionID, "session_store", "", err, "appending interaction")
			}
		}
	}

	return resp
}

func (b *Brain) deadline() time.Duration {
	if b.RequestDeadline <= 0 {
		return DefaultRequestDeadline
	}
	return b.RequestDeadline
}

// classifyIntent renders triage_prompt and parses the reply into the fixed
// enum, falling back to general_conversation on any unknown reply or LLM
// failure (§4.7 step 3: "Unknown reply -> general_conversation").
func (b *Brain) classifyIntent(ctx context.Context, input string, role registry.Role) Intent {
	if b.LLM == nil {
		return IntentGeneralConversation
	}
	reply, err := b.LLM.Generate(ctx, "triage_prompt", map[string]string{
		"request": input,
		"role":    string(role),
	}, llmgateway.Options{Temperature: 0.1})
	if err != nil {
		return IntentGeneralConversation
	}
	return Intent(replyparse.ClassifyEnum(reply, allIntents, string(IntentGeneralConversation)))
}

// route dispatches on the classified intent per §4.7 step 4 and returns the
// Response together with the Interaction to append (without Timestamp,
// DurationMillis, UserInput, or Intent populated — Process fills those in).
func (b *Brain) route(ctx context.Context, req Request, input string, intent Intent) (Response, *sessionstore.Interaction) {
	switch intent {
	case IntentExplanationRequest:
		return b.handleExplanation(ctx, input, req.Role)
	case IntentToolRequest, IntentCommandRequest, IntentNetworkAnalysis, IntentForensicsRequest:
		return b.handleCommand(ctx, req, input, intent)
	case IntentPlanRequest:
		return b.handlePlan(ctx, input, req.Role)
	default:
		return b.handleChatbot(ctx, input, req.Role, intent)
	}
}

func (b *Brain) handleExplanation(ctx context.Context, input string, role registry.Role) (Response, *sessionstore.Interaction) {
	if b.LLM == nil {
		return Response{Type: ResponseError, Error: "LLM gateway unavailable", Code: "llm_unavailable"}, &sessionstore.Interaction{Success: false}
	}
	text, err := b.LLM.Generate(ctx, "explain_prompt", map[string]string{
		"topic": input,
		"role":  string(role),
	}, llmgateway.Options{Temperature: 0.3})
	if err != nil {
		return Response{Type: ResponseError, Error: err.Error(), Code: "llm_error"}, &sessionstore.Interaction{Success: false}
	}
	return Response{Type: ResponseExplanation, Message: text}, &sessionstore.Interaction{Success: true}
}

func (b *Brain) handleChatbot(ctx context.Context, input string, role registry.Role, intent Intent) (Response, *sessionstore.Interaction) {
	if b.LLM == nil {
		return Response{Type: ResponseError, Error: "LLM gateway unavailable", Code: "llm_unavailable"}, &sessionstore.Interaction{Success: false}
	}
	text, err := b.LLM.Generate(ctx, "chatbot_prompt", map[string]string{
		"request": input,
		"role":    string(role),
		"intent":  string(intent),
	}, llmgateway.Options{Temperature: 0.3})
	if err != nil {
		return Response{Type: ResponseError, Error: err.Error(), Code: "llm_error"}, &sessionstore.Interaction{Success: false}
	}
	return Response{Type: ResponseConversation, Message: text}, &sessionstore.Interaction{Success: true}
}

func (b *Brain) handlePlan(ctx context.Context, input string, role registry.Role) (Response, *sessionstore.Interaction) {
	if b.LLM == nil {
		return Response{Type: ResponseError, Error: "LLM gateway unavailable", Code: "llm_unavailable"}, &sessionstore.Interaction{Success: false}
	}
	reply, err := b.LLM.Generate(ctx, "planner_prompt", map[string]string{
		"request": input,
		"role":    string(role),
	}, llmgateway.Options{Temperature: 0.1, MaxOutputBytes: 8192})
	if err != nil {
		return Response{Type: ResponseError, Error: err.Error(), Code: "llm_error"}, &sessionstore.Interaction{Success: false}
	}

	var plan Plan
	if jerr := json.Unmarshal([]byte(replyparse.ExtractJSONObject(reply)), &plan); jerr != nil {
		return Response{Type: ResponseError, Error: fmt.Sprintf("planner_prompt returned malformed JSON: %v", jerr), Code: "validation_failed"}, &sessionstore.Interaction{Success: false}
	}

	// The plan is returned as data only: no step is executed or re-submitted
	// here. A step that a client submits again is processed as an ordinary
	// request in the mode that request carries; no mode is stamped on it.
	return Response{Type: ResponsePlan, PlanBody: &plan}, &sessionstore.Interaction{Success: true}
}

func (b *Brain) logError(sessionID, stage, tool string, err error, note string) {
	b.Logger.Warn("pipeline error", "session_id", sessionID, "stage", stage, "tool", tool, "error", err)
	if b.ErrorLog != nil {
		_ = b.ErrorLog.Log(sessionID, stage, tool, err, note)
	}
}
