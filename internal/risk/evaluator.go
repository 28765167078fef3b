// Package risk implements the Risk Evaluator (C3): a pure, two-pass verdict
// engine that combines a fast static regex pass over the candidate command
// with a contextual LLM pass, merging the two on an ordinal severity scale.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cybercmd/cybercmd/internal/llmgateway"
	"github.com/cybercmd/cybercmd/internal/registry"
)

// Verdict is the Risk Evaluator's output.
type Verdict struct {
	Level    registry.RiskLevel
	Action   registry.RiskAction
	Reason   string
	Pattern  *registry.RiskPattern
	Degraded bool
}

// Generator is the subset of the LLM Gateway the Evaluator needs. Defined as
// an interface (rather than depending on *llmgateway.Client directly) so
// tests can supply a fake without spinning up an HTTP server.
type Generator interface {
	Generate(ctx context.Context, templateName string, bindings map[string]string, opts llmgateway.Options) (string, error)
}

// Evaluator produces risk verdicts. It is pure with respect to session
// state: it reads role and recent tool uses as plain inputs and never
// mutates anything.
type Evaluator struct {
	Patterns []registry.RiskPattern
	LLM      Generator
	// RiskPromptTemplate names the registry prompt template rendered for
	// the contextual pass.
	RiskPromptTemplate string
	// ConfirmAt is the risk.require_confirmation_at setting (§6): the
	// lowest level at which a verdict's action escalates to
	// require-confirm instead of warn. Defaults to RiskHigh, matching
	// §4.3's stated fixed mapping.
	ConfirmAt registry.RiskLevel
}

// New constructs an Evaluator over the Store's pre-sorted pattern set, with
// the default risk.require_confirmation_at threshold (high). Use
// NewWithConfirmAt to override it from configuration.
func New(patterns []registry.RiskPattern, llm Generator) *Evaluator {
	return NewWithConfirmAt(patterns, llm, registry.RiskHigh)
}

// NewWithConfirmAt constructs an Evaluator whose require-confirm threshold
// is set from the risk.require_confirmation_at configuration value.
func NewWithConfirmAt(patterns []registry.RiskPattern, llm Generator, confirmAt registry.RiskLevel) *Evaluator {
	return &Evaluator{
		Patterns:           patterns,
		LLM:                llm,
		RiskPromptTemplate: "risk_prompt",
		ConfirmAt:          confirmAt,
	}
}

// contextualVerdict is the structured shape the risk_prompt asks the model
// to return.
type contextualVerdict struct {
	Level  string `json:"level"`
	Reason string `json:"reason"`
}

// Evaluate never throws: any error from rendering, calling, or parsing the
// contextual pass degrades the result to the static verdict with
// Degraded=true, and Reason records why.
func (e *Evaluator) Evaluate(ctx context.Context, command string, role registry.Role, recentToolUses []string) Verdict {
	if strings.TrimSpace(command) == "" {
		return Verdict{
			Level:  registry.RiskCritical,
			Action: registry.ActionBlock,
			Reason: "empty command",
		}
	}

	staticLevel, staticPattern := e.staticPass(command)
	if staticPattern != nil && registry.RiskAction(staticPattern.Action) == registry.ActionBlock {
		return Verdict{
			Level:   staticLevel,
			Action:  registry.ActionBlock,
			Reason:  staticPattern.Description,
			Pattern: staticPattern,
		}
	}

	contextLevel, contextReason, degraded := e.contextualPass(ctx, command, role, recentToolUses)

	mergedLevel := staticLevel
	if contextLevel > mergedLevel {
		mergedLevel = contextLevel
	}

	reason := contextReason
	if degraded {
		if staticPattern != nil {
			reason = staticPattern.Description
		} else {
			reason = "static pass found no match"
		}
		reason += " (contextual pass degraded: " + contextReason + ")"
	}

	return Verdict{
		Level:    mergedLevel,
		Action:   registry.ActionForLevelAt(mergedLevel, e.confirmAtOrDefault()),
		Reason:   reason,
		Pattern:  staticPattern,
		Degraded: degraded,
	}
}

// confirmAtOrDefault returns e.ConfirmAt, falling back to RiskHigh for an
// Evaluator built with a bare struct literal instead of New/NewWithConfirmAt
// (RiskLevel's zero value is RiskSafe, which would otherwise make every
// medium-or-above verdict require confirmation).
func (e *Evaluator) confirmAtOrDefault() registry.RiskLevel {
	if e.ConfirmAt == registry.RiskSafe {
		return registry.RiskHigh
	}
	return e.ConfirmAt
}

// staticPass evaluates every compiled pattern in descending-severity order
// (the Store guarantees Patterns is pre-sorted) and returns the
// highest-severity match along with its level. Patterns is iterated in
// order and the first match wins, matching the "ties broken by
// first-listed" rule since the Store already orders same-severity patterns
// deterministically.
func (e *Evaluator) staticPass(command string) (registry.RiskLevel, *registry.RiskPattern) {
	for i := range e.Patterns {
		p := &e.Patterns[i]
		if p.Compiled().MatchString(command) {
			return p.RiskLevelOf(), p
		}
	}
	return registry.RiskSafe, nil
}

// contextualPass renders the risk prompt and asks the model for a
// structured verdict. degraded is true whenever the model's output could
// not be parsed into a well-formed {level, reason} object, in which case
// the returned level is registry.RiskSafe and the caller must ignore it
// when merging.
func (e *Evaluator) contextualPass(ctx context.Context, command string, role registry.Role, recentToolUses []string) (registry.RiskLevel, string, bool) {
	if e.LLM == nil {
		return registry.RiskSafe, "no LLM configured", true
	}

	bindings := map[string]string{
		"command":          command,
		"role":             string(role),
		"recent_tool_uses": strings.Join(recentToolUses, ", "),
	}

	raw, err := e.LLM.Generate(ctx, e.RiskPromptTemplate, bindings, llmgateway.Options{Temperature: 0.1, MaxOutputBytes: 2048})
	if err != nil {
		return registry.RiskSafe, fmt.Sprintf("contextual pass call failed: %v", err), true
	}

	var cv contextualVerdict
	if jerr := json.Unmarshal([]byte(extractJSONObject(raw)), &cv); jerr != nil {
		return registry.RiskSafe, fmt.Sprintf("contextual pass returned malformed output: %v", jerr), true
	}
	if cv.Level == "" {
		return registry.RiskSafe, "contextual pass returned no level", true
	}

	return registry.ParseRiskLevel(cv.Level), cv.Reason, false
}

// extractJSONObject returns the substring of s spanning the first '{' to
// the last '}', tolerating surrounding prose a model may add despite being
// asked for bare JSON. If no braces are found, s is returned unchanged and
// json.Unmarshal will fail as expected.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// LevelRank exposes the ordinal rank of a level for callers (e.g. the
// Orchestrator) that need to compare verdicts without importing the
// registry package's iota directly.
func LevelRank(l registry.RiskLevel) int {
	return int(l)
}

// FormatLevel renders a level with its numeric rank, useful in log lines.
func FormatLevel(l registry.RiskLevel) string {
	return l.String() + "(" + strconv.Itoa(int(l)) + ")"
}
