// Package toolselect implements the Tool Selector & Composer (C4):
// "Librarian then Scholar" — first pick the right tool (Librarian), then
// build its argv (Scholar).
package toolselect

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
	"github.com/cybercmd/cybercmd/internal/llmgateway"
	"github.com/cybercmd/cybercmd/internal/registry"
)

// Generator is the subset of the LLM Gateway the Librarian and Composer
// need, narrowed to an interface for testability (mirrors risk.Generator).
type Generator interface {
	Generate(ctx context.Context, templateName string, bindings map[string]string, opts llmgateway.Options) (string, error)
}

// TopK is the number of candidates from searchTools offered to the model as
// an enumerated menu.
const TopK = 15

// Librarian selects a tool for a free-text request.
type Librarian struct {
	Store *registry.Store
	LLM   Generator
}

// NewLibrarian constructs a Librarian.
func NewLibrarian(store *registry.Store, llm Generator) *Librarian {
	return &Librarian{Store: store, LLM: llm}
}

// wordBoundary wraps a literal string in word-boundary anchors for the
// regex pre-filter, escaping any regex metacharacters in the literal first.
func wordBoundary(literal string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(literal) + `\b`)
}

// Select returns the canonical name of the tool best matching request, or
// ErrNoToolFound if none is identified. recentInteractions is free text
// describing recent tool uses, supplied to the selection prompt for
// context.
func (l *Librarian) Select(ctx context.Context, request string, role registry.Role, recentInteractions []string) (string, error) {
	if name, ok := l.regexPreFilter(request); ok {
		return name, nil
	}

	candidates := l.Store.SearchTools(request, role)
	if len(candidates) == 0 {
		return "", cmderrors.ErrNoToolFound
	}
	if len(candidates) > TopK {
		candidates = candidates[:TopK]
	}

	if l.LLM == nil {
		return "", cmderrors.ErrLLMUnavailable
	}

	if _, err := l.LLM.Generate(ctx, "triage_prompt", map[string]string{
		"request": request,
		"role":    string(role),
	}, llmgateway.Options{Temperature: 0}); err != nil {
		return "", cmderrors.ErrLLMUnavailable
	}

	menu := renderMenu(candidates)
	reply, err := l.LLM.Generate(ctx, "selection_prompt", map[string]string{
		"request":            request,
		"role":               string(role),
		"menu":               menu,
		"recent_interactions": strings.Join(recentInteractions, ", "),
	}, llmgateway.Options{Temperature: 0})
	if err != nil {
		return "", cmderrors.ErrLLMUnavailable
	}

	idx, ok := parseSelectionReply(reply)
	if !ok || idx < 0 || idx >= len(candidates) {
		// Out-of-range or unparseable reply is coerced to "none".
		return "", cmderrors.ErrNoToolFound
	}

	return candidates[idx].Entry.Name, nil
}

// regexPreFilter looks for an unambiguous literal mention of exactly one
// tool's name or one of its keywords in request. More than one distinct
// tool matching, or none, falls through to the LLM tiers.
func (l *Librarian) regexPreFilter(request string) (string, bool) {
	matched := map[string]bool{}
	for _, e := range l.Store.Entries() {
		if !l.Store.IsSelectable(e.Name) {
			continue
		}
		literals := append([]string{e.Name}, e.Keywords...)
		for _, lit := range literals {
			if lit == "" {
				continue
			}
			if wordBoundary(lit).MatchString(request) {
				matched[e.Name] = true
				break
			}
		}
	}
	if len(matched) == 1 {
		for name := range matched {
			return name, true
		}
	}
	return "", false
}

// renderMenu formats candidates as a 0-indexed enumerated menu for the
// selection prompt.
func renderMenu(candidates []registry.SearchResult) string {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d: %s (%s)\n", i, c.Entry.Name, c.Entry.Category)
	}
	return b.String()
}

var selectionNoneRe = regexp.MustCompile(`(?i)^\s*none\s*$`)

// parseSelectionReply parses the model's forced reply: either a bare
// integer index, or the literal "none". Any other shape is unparseable.
func parseSelectionReply(reply string) (int, bool) {
	trimmed := strings.TrimSpace(reply)
	if selectionNoneRe.MatchString(trimmed) {
		return -1, false
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return -1, false
	}
	return n, true
}
