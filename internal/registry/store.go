package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
)

// Store is the read-only, in-memory Registry Store (C1). It is built once
// at startup by Load and never mutated afterward, so its methods require no
// locking.
type Store struct {
	entries   []ToolEntry
	entryIdx  map[string]int
	tools     map[string]*ToolRegistry
	patterns  []RiskPattern
	templates map[string]PromptTemplate

	// unselectable records tool names present in the master registry whose
	// per-tool detail file failed to load. SearchTools skips them and
	// LookupTool returns ErrToolNotFound for them.
	unselectable map[string]bool

	logger *slog.Logger
}

// Load reads the master registry at masterPath, each listed tool's
// <name>.yaml under toolsDir, the risk pattern database at riskPatternsPath,
// and the *.tmpl prompt templates in promptsDir, and builds a Store.
//
// A missing or malformed per-tool registry for a tool listed in the master
// registry is logged and that tool is marked unselectable; Load does not
// fail because of it. A missing or malformed risk pattern file is fatal,
// since the Risk Evaluator cannot operate without it.
func Load(masterPath, toolsDir, riskPatternsPath, promptsDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		entryIdx:     map[string]int{},
		tools:        map[string]*ToolRegistry{},
		templates:    map[string]PromptTemplate{},
		unselectable: map[string]bool{},
		logger:       logger,
	}

	masterRaw, err := os.ReadFile(masterPath)
	if err != nil {
		return nil, fmt.Errorf("registry: reading master registry %q: %w", masterPath, err)
	}
	if err := yaml.Unmarshal(masterRaw, &s.entries); err != nil {
		return nil, fmt.Errorf("registry: parsing master registry %q: %w", masterPath, err)
	}
	for i, e := range s.entries {
		s.entryIdx[e.Name] = i
	}

	for _, e := range s.entries {
		toolPath := filepath.Join(toolsDir, e.Name+".yaml")
		raw, err := os.ReadFile(toolPath)
		if err != nil {
			logger.Warn("registry: per-tool file unreadable, marking unselectable",
				"tool", e.Name, "path", toolPath, "error", err)
			s.unselectable[e.Name] = true
			continue
		}
		var tr ToolRegistry
		if err := yaml.Unmarshal(raw, &tr); err != nil {
			logger.Warn("registry: per-tool file malformed, marking unselectable",
				"tool", e.Name, "path", toolPath, "error", err)
			s.unselectable[e.Name] = true
			continue
		}
		if tr.Name == "" {
			tr.Name = e.Name
		}
		s.tools[e.Name] = &tr
	}

	riskRaw, err := os.ReadFile(riskPatternsPath)
	if err != nil {
		return nil, fmt.Errorf("registry: %w: reading risk pattern database %q: %v", cmderrors.ErrRiskDBMissing, riskPatternsPath, err)
	}
	if err := yaml.Unmarshal(riskRaw, &s.patterns); err != nil {
		return nil, fmt.Errorf("registry: %w: parsing risk pattern database %q: %v", cmderrors.ErrRiskDBMissing, riskPatternsPath, err)
	}
	// Pre-sort by descending severity so the Risk Evaluator's static pass can
	// short-circuit on the first block-level match without re-sorting.
	sort.SliceStable(s.patterns, func(i, j int) bool {
		return s.patterns[i].RiskLevelOf() > s.patterns[j].RiskLevelOf()
	})

	matches, err := filepath.Glob(filepath.Join(promptsDir, "*.tmpl"))
	if err != nil {
		return nil, fmt.Errorf("registry: globbing prompt templates in %q: %w", promptsDir, err)
	}
	for _, m := range matches {
		body, err := os.ReadFile(m)
		if err != nil {
			logger.Warn("registry: prompt template unreadable, skipping", "path", m, "error", err)
			continue
		}
		name := strings.TrimSuffix(filepath.Base(m), ".tmpl")
		s.templates[name] = PromptTemplate{Name: name, Body: string(body)}
	}

	return s, nil
}

// LookupTool returns the full detail registry for name. It returns
// ErrToolNotFound if name is absent from the master registry, and
// ErrToolNotFound (wrapping a note) if name is present but unselectable
// because its detail file failed to load.
func (s *Store) LookupTool(name string) (*ToolRegistry, error) {
	if _, ok := s.entryIdx[name]; !ok {
		return nil, cmderrors.ErrToolNotFound
	}
	if s.unselectable[name] {
		return nil, cmderrors.Wrap(cmderrors.ErrToolNotFound, fmt.Errorf("tool %q is registered but unselectable (detail load failed)", name))
	}
	tr, ok := s.tools[name]
	if !ok {
		return nil, cmderrors.ErrToolNotFound
	}
	return tr, nil
}

// Entries returns the master registry's tool entries. The returned slice
// must not be mutated by callers; it is the Store's own backing array.
func (s *Store) Entries() []ToolEntry {
	return s.entries
}

// IsSelectable reports whether name both exists and loaded successfully.
func (s *Store) IsSelectable(name string) bool {
	_, ok := s.entryIdx[name]
	return ok && !s.unselectable[name]
}

// SearchResult is one ranked hit from SearchTools.
type SearchResult struct {
	Entry ToolEntry
	Score int
}

// SearchTools ranks every selectable tool entry against query and role using
// the fixed scoring formula:
//
//	score = 3*exact_keyword_match + 1*substring_keyword_match + 1*role_category_affinity
//
// exact_keyword_match counts query words that exactly equal one of the
// entry's keywords; substring_keyword_match counts the remaining query
// words that are contained in one of the entry's keywords or contain one;
// role_category_affinity is 1 when role is non-empty and matches the
// entry's category (case-insensitive), 0 otherwise.
//
// Results are sorted by descending score, ties broken by role affinity
// (entries with affinity first) then by lexicographic tool name. Entries
// with no keyword match are omitted, whatever their role affinity.
func (s *Store) SearchTools(query string, role Role) []SearchResult {
	words := tokenize(query)

	var results []SearchResult
	for _, e := range s.entries {
		if s.unselectable[e.Name] {
			continue
		}
		score, affinity := scoreEntry(e, words, role)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{Entry: e, Score: score + affinity})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ai := hasAffinity(results[i].Entry, role)
		aj := hasAffinity(results[j].Entry, role)
		if ai != aj {
			return ai
		}
		return results[i].Entry.Name < results[j].Entry.Name
	})

	return results
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return fields
}

func hasAffinity(e ToolEntry, role Role) bool {
	if role == "" {
		return false
	}
	return strings.EqualFold(string(role), e.Category)
}

func scoreEntry(e ToolEntry, words []string, role Role) (score, affinity int) {
	keywords := make([]string, len(e.Keywords))
	for i, k := range e.Keywords {
		keywords[i] = strings.ToLower(k)
	}

	for _, w := range words {
		exact := false
		for _, k := range keywords {
			if k == w {
				exact = true
				break
			}
		}
		if exact {
			score += 3
			continue
		}
		for _, k := range keywords {
			if k == "" {
				continue
			}
			if strings.Contains(k, w) || strings.Contains(w, k) {
				score++
				break
			}
		}
	}

	if hasAffinity(e, role) {
		affinity = 1
	}
	return score, affinity
}

// Patterns returns the static risk pattern set, pre-sorted by descending
// severity. The returned slice must not be mutated by callers; it is the
// Store's own backing array.
func (s *Store) Patterns() []RiskPattern {
	return s.patterns
}

// Template returns the named prompt template. It returns ErrTemplateMissing
// if no template with that name was loaded.
func (s *Store) Template(name string) (PromptTemplate, error) {
	t, ok := s.templates[name]
	if !ok {
		return PromptTemplate{}, cmderrors.ErrTemplateMissing
	}
	return t, nil
}
