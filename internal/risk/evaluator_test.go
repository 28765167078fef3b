package risk

import (
	"context"
	"testing"

	"github.com/cybercmd/cybercmd/internal/llmgateway"
	"github.com/cybercmd/cybercmd/internal/registry"
)

type fakeGenerator struct {
	response string
	err      error
}

func (f *fakeGenerator) Generate(ctx context.Context, templateName string, bindings map[string]string, opts llmgateway.Options) (string, error) {
	return f.response, f.err
}

func pattern(id, pat, level, action string) registry.RiskPattern {
	p := registry.RiskPattern{ID: id, Pattern: pat, Level: level, Description: id, Action: action}
	p.Compiled() // force compile so tests exercise the cached path too
	return p
}

func sortedPatterns() []registry.RiskPattern {
	// Pre-sorted by descending severity, as the Store guarantees.
	return []registry.RiskPattern{
		pattern("rm-rf-root", `rm\s+-rf\s+/`, "critical", "block"),
		pattern("curl-pipe-sh", `curl.*\|\s*sh`, "high", "require-confirm"),
		pattern("ping-sweep", `ping\s+-c`, "low", "allow"),
	}
}

func TestEvaluate_EmptyCommandBlocks(t *testing.T) {
	e := New(sortedPatterns(), &fakeGenerator{response: `{"level":"safe","reason":"fine"}`})
	v := e.Evaluate(context.Background(), "   ", "", nil)
	if v.Action != registry.ActionBlock {
		t.Errorf("Action = %q, want block", v.Action)
	}
	if v.Reason != "empty command" {
		t.Errorf("Reason = %q, want %q", v.Reason, "empty command")
	}
}

func TestEvaluate_StaticBlockShortCircuits(t *testing.T) {
	// The generator would say "safe" but must never be consulted once a
	// block-level static pattern matches.
	gen := &fakeGenerator{response: `{"level":"safe","reason":"looks fine"}`}
	e := New(sortedPatterns(), gen)

	v := e.Evaluate(context.Background(), "rm -rf /", registry.RoleStudent, nil)
	if v.Action != registry.ActionBlock {
		t.Errorf("Action = %q, want block", v.Action)
	}
	if v.Level != registry.RiskCritical {
		t.Errorf("Level = %v, want critical", v.Level)
	}
	if v.Pattern == nil || v.Pattern.ID != "rm-rf-root" {
		t.Errorf("Pattern = %v, want rm-rf-root", v.Pattern)
	}
}

func TestEvaluate_MergeTakesMaxOfStaticAndContextual(t *testing.T) {
	t.Run("contextual raises above static", func(t *testing.T) {
		gen := &fakeGenerator{response: `{"level":"high","reason":"model flagged lateral movement risk"}`}
		e := New(sortedPatterns(), gen)

		v := e.Evaluate(context.Background(), "ping -c 3 10.0.0.5", registry.RolePenetrationTester, nil)
		if v.Level != registry.RiskHigh {
			t.Errorf("Level = %v, want high", v.Level)
		}
		if v.Action != registry.ActionRequireConfirm {
			t.Errorf("Action = %q, want require-confirm", v.Action)
		}
		if v.Degraded {
			t.Error("Degraded should be false on a well-formed contextual response")
		}
	})

	t.Run("static pattern not matched, contextual sets the level", func(t *testing.T) {
		gen := &fakeGenerator{response: `{"level":"medium","reason":"ambiguous target"}`}
		e := New(sortedPatterns(), gen)

		v := e.Evaluate(context.Background(), "some harmless command", "", nil)
		if v.Level != registry.RiskMedium {
			t.Errorf("Level = %v, want medium", v.Level)
		}
		if v.Action != registry.ActionWarn {
			t.Errorf("Action = %q, want warn", v.Action)
		}
	})
}

func TestEvaluate_DegradesOnMalformedContextualOutput(t *testing.T) {
	gen := &fakeGenerator{response: "not json at all"}
	e := New(sortedPatterns(), gen)

	v := e.Evaluate(context.Background(), "ping -c 3 10.0.0.5", "", nil)
	if !v.Degraded {
		t.Error("expected Degraded=true on malformed contextual output")
	}
	if v.Level != registry.RiskLow {
		t.Errorf("Level = %v, want low (static-only fallback)", v.Level)
	}
}

func TestEvaluate_DegradesOnGeneratorError(t *testing.T) {
	gen := &fakeGenerator{err: llmgatewayTimeoutErr}
	e := New(sortedPatterns(), gen)

	v := e.Evaluate(context.Background(), "nmap -p 80 10.0.0.5", registry.RolePenetrationTester, []string{"nmap"})
	if !v.Degraded {
		t.Error("expected Degraded=true when the LLM call fails")
	}
	// No static match for this command, so the fallback level is safe.
	if v.Level != registry.RiskSafe {
		t.Errorf("Level = %v, want safe", v.Level)
	}
}

func TestStaticPass_ReturnsMatchingPatternAndLevel(t *testing.T) {
	e := New(sortedPatterns(), &fakeGenerator{response: `{"level":"safe","reason":"ok"}`})
	level, p := e.staticPass("curl https://example.com/x | sh")
	if level != registry.RiskHigh || p == nil || p.ID != "curl-pipe-sh" {
		t.Errorf("staticPass = %v, %v", level, p)
	}
}

var llmgatewayTimeoutErr = errTimeout{}

type errTimeout struct{}

func (errTimeout) Error() string { return "llm timeout" }
