package orchestrator

import (
	"context"
	"strings"
	"time"

	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
	"github.com/cybercmd/cybercmd/internal/procexec"
	"github.com/cybercmd/cybercmd/internal/registry"
	"github.com/cybercmd/cybercmd/internal/risk"
	"github.com/cybercmd/cybercmd/internal/sessionstore"
)

// suggesterCandidates bounds how many of the top searchTools hits are tried
// when composing suggester-mode alternatives (§8 scenario 6 requires >= 2).
const suggesterCandidates = 3

// handleCommand implements §4.7 step 4's tool_request / command_request /
// network_analysis / forensics_request branch: select + compose via C4,
// evaluate risk via C3, then apply mode semantics.
func (b *Brain) handleCommand(ctx context.Context, req Request, input string, intent Intent) (Response, *sessionstore.Interaction) {
	recentTools := b.Sessions.RecentToolUses(req.SessionID, 10)

	if req.Mode == sessionstore.ModeSuggester {
		alts := b.suggestAlternatives(ctx, input, req.Role, recentTools)
		return Response{Type: ResponseCommand, Suggestions: alts}, &sessionstore.Interaction{Success: len(alts) > 0}
	}

	toolName, err := b.Librarian.Select(ctx, input, req.Role, recentTools)
	if err != nil {
		return commandError(err), &sessionstore.Interaction{Success: false}
	}

	composed, err := b.Composer.Compose(ctx, toolName, input, req.Role, recentTools)
	if err != nil {
		return commandError(err), &sessionstore.Interaction{ToolName: toolName, Success: false}
	}

	verdict := b.Risk.Evaluate(ctx, strings.Join(composed.Argv, " "), req.Role, recentTools)
	if b.Metrics != nil {
		b.Metrics.RecordRiskVerdict(string(verdict.Action))
	}

	resp := Response{
		Type:        ResponseCommand,
		Argv:        composed.Argv,
		ToolName:    toolName,
		Explanation: verdict.Reason,
		Risk:        riskView(verdict),
	}

	baseInteraction := sessionstore.Interaction{
		Command:    composed.Argv,
		ToolName:   toolName,
		RiskLevel:  verdict.Level.String(),
		RiskAction: string(verdict.Action),
		RiskReason: verdict.Reason,
	}

	if verdict.Action == registry.ActionBlock {
		// §3 invariant: risk verdict `block` forbids any Execution being
		// created for this command, in every mode.
		baseInteraction.Success = false
		return resp, &baseInteraction
	}

	autoExecute := req.Mode == sessionstore.ModeQuick && verdict.Action == registry.ActionAllow
	if !autoExecute {
		baseInteraction.Success = true
		return resp, &baseInteraction
	}

	execID, err := b.submitExecution(req.SessionID, composed.Argv, toolName)
	if err != nil {
		baseInteraction.Success = false
		return commandError(err), &baseInteraction
	}

	resp.Executed = true
	resp.ExecutionID = execID

	// The Interaction for an auto-executed command is appended only once the
	// Execution reaches a terminal status (§3 invariant), not here.
	go b.awaitTerminalAndAppend(req.SessionID, execID, input, string(intent), toolName, verdict)

	return resp, nil
}

// suggestAlternatives composes up to suggesterCandidates argvs from the
// top-ranked searchTools hits, skipping any tool that fails to compose, for
// suggester mode. Suggester mode never executes regardless of risk.
func (b *Brain) suggestAlternatives(ctx context.Context, input string, role registry.Role, recentTools []string) []CommandAlternative {
	candidates := b.Registry.SearchTools(input, role)
	var out []CommandAlternative
	for _, c := range candidates {
		if len(out) >= suggesterCandidates {
			break
		}
		if !b.Registry.IsSelectable(c.Entry.Name) {
			continue
		}
		composed, err := b.Composer.Compose(ctx, c.Entry.Name, input, role, recentTools)
		if err != nil {
			continue
		}
		verdict := b.Risk.Evaluate(ctx, strings.Join(composed.Argv, " "), role, recentTools)
		out = append(out, CommandAlternative{
			Argv:        composed.Argv,
			Explanation: verdict.Reason,
		})
	}
	return out
}

// defaultExecDeadline is the execution wall-clock budget applied when the
// Orchestrator auto-submits a command (§5: "Execution deadline
// configurable, default 120 s"). A zero SpawnRequest.Deadline is itself a
// meaningful boundary case to the Executor (immediate timedout), so it must
// never be left unset here.
const defaultExecDeadline = 120 * time.Second

// submitExecution hands argv to the Executor with the session's defaults.
func (b *Brain) submitExecution(sessionID string, argv []string, tool string) (string, error) {
	return b.Exec.Submit(context.Background(), procexec.SpawnRequest{
		Argv:      argv,
		SessionID: sessionID,
		Mode:      procexec.ModeBackground,
		Deadline:  defaultExecDeadline,
		Tool:      tool,
	})
}

// awaitTerminalAndAppend subscribes to execID's event stream, blocks until
// its terminal event arrives, and appends the completed Interaction to the
// session. It runs detached from the originating request's context since an
// auto-executed command must finish even if the caller disconnects (§5:
// "cancelling a request does not cancel already-running Executions unless
// the caller explicitly requests it").
func (b *Brain) awaitTerminalAndAppend(sessionID, execID, userInput, intent, tool string, verdict risk.Verdict) {
	start := time.Now()
	events, err := b.Exec.Subscribe(execID)
	if err != nil {
		b.logError(sessionID, "executor", tool, err, "subscribing to auto-executed command")
		return
	}

	var outputBytes int64
	for ev := range events {
		switch ev.Type {
		case procexec.EventOutput:
			outputBytes += int64(len(ev.Chunk))
		case procexec.EventComplete:
			snap, serr := b.Exec.Snapshot(execID)
			success := serr == nil && snap.Status == procexec.StatusCompleted
			interaction := sessionstore.Interaction{
				Timestamp:      start,
				UserInput:      userInput,
				Intent:         intent,
				Command:        snap.Argv,
				ToolName:       tool,
				RiskLevel:      verdict.Level.String(),
				RiskAction:     string(verdict.Action),
				RiskReason:     verdict.Reason,
				ExecutionID:    execID,
				Success:        success,
				DurationMillis: time.Since(start).Milliseconds(),
				OutputBytes:    outputBytes,
			}
			if err := b.Sessions.Append(sessionID, interaction); err != nil {
				b.logError(sessionID, "session_store", tool, err, "appending auto-executed interaction")
			}
			return
		}
	}
}

func riskView(v risk.Verdict) *RiskView {
	rv := &RiskView{
		Level:  v.Level.String(),
		Action: string(v.Action),
		Reason: v.Reason,
	}
	if v.Pattern != nil {
		rv.Pattern = v.Pattern.ID
	}
	return rv
}

func commandError(err error) Response {
	return Response{Type: ResponseError, Error: err.Error(), Code: cmderrors.CodeOf(err)}
}
