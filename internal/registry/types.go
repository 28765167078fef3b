// Package registry implements the Registry Store (C1): it loads and indexes
// the master tool registry, per-tool parameter registries, the risk pattern
// database, and prompt templates from a configured directory tree, then
// serves them through a read-only, lock-free API for the lifetime of the
// process.
package registry

import "regexp"

// RiskLevel is the ordinal severity scale used throughout the risk
// evaluator: safe < low < medium < high < critical.
type RiskLevel int

const (
	RiskSafe RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

// String renders the level using its lowercase name.
func (l RiskLevel) String() string {
	switch l {
	case RiskSafe:
		return "safe"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a lowercase level name to a RiskLevel. Unknown
// names map to RiskSafe so a malformed registry entry degrades to the least
// restrictive baseline rather than panicking.
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "critical":
		return RiskCritical
	default:
		return RiskSafe
	}
}

// RiskAction is the action a verdict resolves to.
type RiskAction string

const (
	ActionAllow          RiskAction = "allow"
	ActionWarn           RiskAction = "warn"
	ActionRequireConfirm RiskAction = "require-confirm"
	ActionBlock          RiskAction = "block"
)

// ActionForLevel derives the fixed action mapping from §4.3: safe|low ->
// allow, medium -> warn, high -> require-confirm, critical -> block. This is
// the table's default shape, equivalent to ActionForLevelAt(l, RiskHigh).
func ActionForLevel(l RiskLevel) RiskAction {
	return ActionForLevelAt(l, RiskHigh)
}

// ActionForLevelAt derives the level->action mapping parameterized by
// confirmAt, the deployment's risk.require_confirmation_at setting (§6).
// Critical always blocks; confirmAt is the lowest level (medium, high, or
// critical) at which a verdict escalates from warn to require-confirm, so a
// deployment can tighten the default "high" threshold down to "medium"
// without altering the otherwise-fixed merge/action algorithm in §4.3.
func ActionForLevelAt(l, confirmAt RiskLevel) RiskAction {
	switch {
	case l == RiskCritical:
		return ActionBlock
	case l >= confirmAt && l >= RiskMedium:
		return ActionRequireConfirm
	case l >= RiskMedium:
		return ActionWarn
	default:
		return ActionAllow
	}
}

// Role is a session role, an input to prompt rendering and tool ranking.
type Role string

const (
	RoleStudent            Role = "student"
	RoleForensicExpert     Role = "forensic_expert"
	RolePenetrationTester  Role = "penetration_tester"
)

// ToolEntry is one row of the master registry: enough to search and rank
// tools without loading every per-tool detail file.
type ToolEntry struct {
	Name         string   `yaml:"name"`
	Category     string   `yaml:"category"`
	RiskBaseline string   `yaml:"risk_baseline"`
	Keywords     []string `yaml:"keywords"`
}

// Parameter describes one argv slot a composed command may fill.
type Parameter struct {
	// Name is the flag name (e.g. "-p") or a positional's logical name
	// (e.g. "target").
	Name string `yaml:"name"`
	// Positional is true when this slot is a bare positional argument
	// rather than a flag.
	Positional bool `yaml:"positional"`
	// RequiresValue is true when the flag must be followed by a value
	// argv entry (e.g. "-p 80" vs the bare flag "-sS").
	RequiresValue bool `yaml:"requires_value"`
	// Aliases are keyword synonyms used when matching free text to this
	// parameter during composition.
	Aliases []string `yaml:"aliases"`
	// Default is used when a placeholder for this parameter is left
	// unresolved after composition.
	Default string `yaml:"default"`
	// Required marks a parameter that must end up with a value (supplied
	// or defaulted) or composition fails with MissingRequired.
	Required bool `yaml:"required"`
	// ValidatorRegex is a plain regular expression the value must match.
	// Mutually exclusive with ValidatorSchema; ValidatorSchema wins if both
	// are set.
	ValidatorRegex string `yaml:"validator_regex"`
	// ValidatorSchema is a JSON Schema document (as a YAML/JSON map) the
	// value must validate against after being coerced to its natural JSON
	// type.
	ValidatorSchema map[string]interface{} `yaml:"validator_schema"`

	compiledValidator *regexp.Regexp
}

// CompiledValidator returns the compiled regex validator, compiling and
// caching it on first use. Returns nil if no ValidatorRegex is set.
func (p *Parameter) CompiledValidator() *regexp.Regexp {
	if p.ValidatorRegex == "" {
		return nil
	}
	if p.compiledValidator == nil {
		p.compiledValidator = regexp.MustCompile(p.ValidatorRegex)
	}
	return p.compiledValidator
}

// WorkflowStep is one step of a multi-step tool's workflow template.
type WorkflowStep struct {
	Description string   `yaml:"description"`
	ArgvHint    []string `yaml:"argv_hint"`
}

// ToolRegistry is the immutable, detailed descriptor for a single tool.
type ToolRegistry struct {
	Name         string         `yaml:"name"`
	BaseCommand  string         `yaml:"base_command"`
	Category     string         `yaml:"category"`
	RiskBaseline string         `yaml:"risk_baseline"`
	Parameters   []Parameter    `yaml:"parameters"`
	Workflow     []WorkflowStep `yaml:"workflow"`
	// Parser names a registered tool-output parser (see parsers.go); empty
	// means no structured post-processing is available for this tool.
	Parser string `yaml:"parser"`
}

// ParameterByName finds a parameter slot by its flag/positional name.
func (t *ToolRegistry) ParameterByName(name string) (Parameter, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// RiskPattern is an immutable static-pass rule.
type RiskPattern struct {
	ID                     string   `yaml:"id"`
	Pattern                string   `yaml:"pattern"`
	Level                  string   `yaml:"level"`
	Description            string   `yaml:"description"`
	SuggestedAlternatives  []string `yaml:"suggested_alternatives"`
	Action                 string   `yaml:"action"`

	compiled *regexp.Regexp
}

// Compiled returns the compiled regex for this pattern, compiling on first
// use and caching the result.
func (p *RiskPattern) Compiled() *regexp.Regexp {
	if p.compiled == nil {
		p.compiled = regexp.MustCompile(p.Pattern)
	}
	return p.compiled
}

// RiskLevelOf returns the pattern's level as a RiskLevel.
func (p *RiskPattern) RiskLevelOf() RiskLevel {
	return ParseRiskLevel(p.Level)
}

// PromptTemplate is immutable text with named substitution slots, rendered
// via text/template at call time.
type PromptTemplate struct {
	Name string
	Body string
}
