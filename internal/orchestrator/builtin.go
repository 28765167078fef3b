package orchestrator

import (
	"fmt"
	"strings"
)

// Version is the cybercmd release identifier reported by /version. Set at
// build time; left as a plain var (no vcs.* stamping dependency in the
// example corpus) like the teacher's own version constant.
var Version = "dev"

// handleBuiltin answers the slash-prefixed builtins of §4.7 step 2 without
// touching the LLM or appending an Interaction: status, help, list, version.
func (b *Brain) handleBuiltin(sessionID, input string) Response {
	fields := strings.Fields(input)
	cmd := strings.ToLower(fields[0])

	switch cmd {
	case "/status":
		return b.builtinStatus(sessionID)
	case "/help":
		return b.builtinHelp()
	case "/list":
		return b.builtinList()
	case "/version":
		return Response{Type: ResponseConversation, Message: fmt.Sprintf("cybercmd %s", Version)}
	default:
		return Response{Type: ResponseError, Error: fmt.Sprintf("unknown builtin %q", cmd), Code: "unknown_builtin"}
	}
}

func (b *Brain) builtinStatus(sessionID string) Response {
	if sessionID == "" {
		return Response{Type: ResponseError, Error: "no active session", Code: "unknown_session"}
	}
	status, err := b.Sessions.StatusOf(sessionID)
	if err != nil {
		return Response{Type: ResponseError, Error: err.Error(), Code: "unknown_session"}
	}
	msg := fmt.Sprintf("commands run: %d, tools used: %s, last activity: %s",
		status.CommandCount, strings.Join(status.ToolsUsed, ", "), status.LastActivity.Format("15:04:05"))
	return Response{Type: ResponseConversation, Message: msg}
}

func (b *Brain) builtinHelp() Response {
	msg := "builtins: /status, /help, /list, /version — anything else is routed to the assistant."
	return Response{Type: ResponseConversation, Message: msg}
}

func (b *Brain) builtinList() Response {
	entries := b.Registry.Entries()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if b.Registry.IsSelectable(e.Name) {
			names = append(names, e.Name)
		}
	}
	return Response{Type: ResponseConversation, Message: strings.Join(names, ", ")}
}
