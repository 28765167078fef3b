package toolselect

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
	"github.com/cybercmd/cybercmd/internal/llmgateway"
	"github.com/cybercmd/cybercmd/internal/registry"
)

// ComposedCommand is a validated argv vector, never a raw shell string.
type ComposedCommand struct {
	Argv []string
}

// composerReply is the JSON shape the command_prompt forces the model to
// reply with.
type composerReply struct {
	Argv         []string `json:"argv"`
	Placeholders []string `json:"placeholders"`
}

var placeholderRe = regexp.MustCompile(`\[([A-Z0-9_]+)\]`)

// Composer builds a validated argv vector for a selected tool, "Scholar" to
// the Librarian's tool selection.
type Composer struct {
	Store *registry.Store
	LLM   Generator
}

// NewComposer constructs a Composer.
func NewComposer(store *registry.Store, llm Generator) *Composer {
	return &Composer{Store: store, LLM: llm}
}

// Compose renders command_prompt for the selected tool and the user's
// request, parses the model's {argv, placeholders} reply, resolves
// remaining placeholders from the tool's registered parameter defaults,
// and validates the result. It returns one of: a *ComposedCommand,
// ErrUnresolvedPlaceholder, ErrMissingRequired, ErrValidationFailed, or
// ErrLLMUnavailable (NoToolFound is the Librarian's concern and is
// propagated unchanged if LookupTool fails).
func (c *Composer) Compose(ctx context.Context, toolName, request string, role registry.Role, recentOutputs []string) (*ComposedCommand, error) {
	tr, err := c.Store.LookupTool(toolName)
	if err != nil {
		return nil, err
	}

	if c.LLM == nil {
		return nil, cmderrors.ErrLLMUnavailable
	}

	bindings := map[string]string{
		"request":        request,
		"role":           string(role),
		"tool_name":      tr.Name,
		"base_command":   tr.BaseCommand,
		"parameters":     describeParameters(tr.Parameters),
		"recent_outputs": strings.Join(recentOutputs, "\n"),
	}

	reply, err := c.LLM.Generate(ctx, "command_prompt", bindings, llmgateway.Options{Temperature: 0.1, MaxOutputBytes: 4096})
	if err != nil {
		return nil, cmderrors.ErrLLMUnavailable
	}

	var parsed composerReply
	if jerr := json.Unmarshal([]byte(extractJSONObject(reply)), &parsed); jerr != nil {
		return nil, cmderrors.Wrap(cmderrors.ErrValidationFailed, fmt.Errorf("command_prompt reply was not valid JSON: %w", jerr))
	}

	argv, err := resolvePlaceholders(parsed.Argv, tr)
	if err != nil {
		return nil, err
	}

	if err := validate(argv, tr); err != nil {
		return nil, err
	}

	return &ComposedCommand{Argv: argv}, nil
}

// describeParameters renders the tool's declared parameters as a bullet
// list for the command_prompt's "explicit slots for each known parameter"
// requirement.
func describeParameters(params []registry.Parameter) string {
	var b strings.Builder
	for _, p := range params {
		kind := "flag"
		if p.Positional {
			kind = "positional"
		}
		fmt.Fprintf(&b, "- %s (%s, required=%v, default=%q)\n", p.Name, kind, p.Required, p.Default)
	}
	return b.String()
}

// resolvePlaceholders fills any remaining `[NAME]`-shaped placeholder in
// argv from the matching parameter's registry default. A placeholder left
// with no matching default is reported as ErrUnresolvedPlaceholder.
func resolvePlaceholders(argv []string, tr *registry.ToolRegistry) ([]string, error) {
	resolved := make([]string, len(argv))
	for i, entry := range argv {
		resolved[i] = entry
		matches := placeholderRe.FindAllStringSubmatch(entry, -1)
		for _, m := range matches {
			name := m[1]
			param, ok := findParameterByPlaceholder(tr, name)
			if !ok || param.Default == "" {
				return nil, cmderrors.Wrap(cmderrors.ErrUnresolvedPlaceholder, fmt.Errorf("placeholder %q has no registry default for tool %q", name, tr.Name))
			}
			resolved[i] = strings.ReplaceAll(resolved[i], m[0], param.Default)
		}
	}
	return resolved, nil
}

// findParameterByPlaceholder matches a `[NAME]` placeholder to a declared
// parameter by case-insensitive comparison against the parameter's Name or
// any of its Aliases.
func findParameterByPlaceholder(tr *registry.ToolRegistry, placeholder string) (registry.Parameter, bool) {
	lower := strings.ToLower(placeholder)
	for _, p := range tr.Parameters {
		if strings.EqualFold(strings.TrimPrefix(p.Name, "-"), lower) {
			return p, true
		}
		for _, a := range p.Aliases {
			if strings.EqualFold(a, lower) {
				return p, true
			}
		}
	}
	return registry.Parameter{}, false
}

// extractJSONObject returns the substring of s spanning the first '{' to
// the last '}', tolerating surrounding prose despite the prompt asking for
// bare JSON.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
