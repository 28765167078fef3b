// Package replyparse extracts structured values from free-text LLM replies,
// using a strict tier tried first and a tolerant fuzzy tier used only when
// the strict tier finds nothing. It covers the two shapes the orchestrator
// needs: a forced-enum classification reply and a best-effort JSON object
// buried in prose.
package replyparse

import (
	"regexp"
	"strings"
)

// ExtractJSONObject returns the substring of s spanning the first '{' to
// the last '}', tolerating surrounding prose a model adds despite being
// asked for bare JSON. If no braces are found, s is returned unchanged.
func ExtractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// wordRe matches a bare alphanumeric/underscore token, used by the fuzzy
// tier to find an enum value mentioned inside free text.
var wordRe = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// ClassifyEnum resolves reply to one of allowed using two tiers:
//
//  1. Strict: the trimmed, lowercased reply equals one allowed value
//     exactly.
//  2. Fuzzy: the first allowed value that appears as a whole word anywhere
//     in reply wins (allowed is checked in the order given, so callers
//     list more specific values first).
//
// If neither tier matches, fallback is returned.
func ClassifyEnum(reply string, allowed []string, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(reply))

	for _, a := range allowed {
		if trimmed == strings.ToLower(a) {
			return a
		}
	}

	words := map[string]bool{}
	for _, w := range wordRe.FindAllString(trimmed, -1) {
		words[w] = true
	}
	for _, a := range allowed {
		if words[strings.ToLower(a)] {
			return a
		}
	}

	return fallback
}
