package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
)

const masterYAML = `
- name: nmap
  category: penetration_tester
  risk_baseline: medium
  keywords: [scan, port, network, recon]
- name: broken
  category: forensic_expert
  risk_baseline: low
  keywords: [broken]
- name: missing
  category: forensic_expert
  risk_baseline: low
  keywords: [missing]
`

const nmapYAML = `
name: nmap
base_command: nmap
category: penetration_tester
risk_baseline: medium
parameters:
  - name: target
    positional: true
    required: true
  - name: -p
    requires_value: true
    aliases: [port, ports]
parser: nmap
`

const brokenYAML = `
name: [this is not a string
`

const patternsYAML = `
- id: rm-rf-root
  pattern: 'rm\s+-rf\s+/'
  level: critical
  description: recursive delete of root
  action: block
- id: curl-pipe-sh
  pattern: 'curl.*\|\s*sh'
  level: high
  description: piping a remote download into a shell
  suggested_alternatives: ["download then inspect before running"]
  action: require-confirm
- id: ping-sweep
  pattern: 'ping\s+-c'
  level: low
  description: simple ping
  action: allow
`

func writeFixtures(t *testing.T) (masterPath, toolsDir, riskPath, promptsDir string) {
	t.Helper()
	dir := t.TempDir()

	masterPath = filepath.Join(dir, "master.yaml")
	if err := os.WriteFile(masterPath, []byte(masterYAML), 0o644); err != nil {
		t.Fatalf("write master.yaml: %v", err)
	}

	toolsDir = filepath.Join(dir, "tools")
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		t.Fatalf("mkdir tools: %v", err)
	}
	if err := os.WriteFile(filepath.Join(toolsDir, "nmap.yaml"), []byte(nmapYAML), 0o644); err != nil {
		t.Fatalf("write nmap.yaml: %v", err)
	}
	if err := os.WriteFile(filepath.Join(toolsDir, "broken.yaml"), []byte(brokenYAML), 0o644); err != nil {
		t.Fatalf("write broken.yaml: %v", err)
	}
	// "missing" deliberately has no tools/missing.yaml file.

	riskDir := filepath.Join(dir, "risk")
	if err := os.MkdirAll(riskDir, 0o755); err != nil {
		t.Fatalf("mkdir risk: %v", err)
	}
	riskPath = filepath.Join(riskDir, "patterns.yaml")
	if err := os.WriteFile(riskPath, []byte(patternsYAML), 0o644); err != nil {
		t.Fatalf("write patterns.yaml: %v", err)
	}

	promptsDir = filepath.Join(dir, "prompts")
	if err := os.MkdirAll(promptsDir, 0o755); err != nil {
		t.Fatalf("mkdir prompts: %v", err)
	}
	if err := os.WriteFile(filepath.Join(promptsDir, "triage.tmpl"), []byte("triage {{.Query}}"), 0o644); err != nil {
		t.Fatalf("write triage.tmpl: %v", err)
	}

	return masterPath, toolsDir, riskPath, promptsDir
}

func TestLoad(t *testing.T) {
	masterPath, toolsDir, riskPath, promptsDir := writeFixtures(t)

	s, err := Load(masterPath, toolsDir, riskPath, promptsDir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	t.Run("selectable tool loads its detail", func(t *testing.T) {
		tr, err := s.LookupTool("nmap")
		if err != nil {
			t.Fatalf("LookupTool(nmap): %v", err)
		}
		if tr.BaseCommand != "nmap" {
			t.Errorf("BaseCommand = %q, want nmap", tr.BaseCommand)
		}
	})

	t.Run("malformed detail file marks tool unselectable, load still succeeds", func(t *testing.T) {
		if s.IsSelectable("broken") {
			t.Error("broken should not be selectable")
		}
		_, err := s.LookupTool("broken")
		if !errors.Is(err, cmderrors.ErrToolNotFound) {
			t.Errorf("LookupTool(broken) error = %v, want ErrToolNotFound", err)
		}
	})

	t.Run("missing detail file marks tool unselectable, load still succeeds", func(t *testing.T) {
		if s.IsSelectable("missing") {
			t.Error("missing should not be selectable")
		}
	})

	t.Run("unknown tool returns ErrToolNotFound", func(t *testing.T) {
		_, err := s.LookupTool("does-not-exist")
		if !errors.Is(err, cmderrors.ErrToolNotFound) {
			t.Errorf("LookupTool(does-not-exist) error = %v, want ErrToolNotFound", err)
		}
	})
}

func TestLoad_MissingRiskDatabaseIsFatal(t *testing.T) {
	masterPath, toolsDir, _, promptsDir := writeFixtures(t)

	_, err := Load(masterPath, toolsDir, filepath.Join(t.TempDir(), "nope.yaml"), promptsDir, nil)
	if err == nil {
		t.Fatal("expected error when risk pattern database is missing, got nil")
	}
}

func TestLoad_MissingMasterRegistryIsFatal(t *testing.T) {
	_, toolsDir, riskPath, promptsDir := writeFixtures(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), toolsDir, riskPath, promptsDir, nil)
	if err == nil {
		t.Fatal("expected error when master registry is missing, got nil")
	}
}

func TestSearchTools(t *testing.T) {
	masterPath, toolsDir, riskPath, promptsDir := writeFixtures(t)
	s, err := Load(masterPath, toolsDir, riskPath, promptsDir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	t.Run("exact keyword matches rank nmap first", func(t *testing.T) {
		results := s.SearchTools("port scan", "")
		if len(results) == 0 {
			t.Fatal("expected at least one result")
		}
		if results[0].Entry.Name != "nmap" {
			t.Errorf("top result = %q, want nmap", results[0].Entry.Name)
		}
	})

	t.Run("role affinity contributes to score", func(t *testing.T) {
		results := s.SearchTools("scan", RolePenetrationTester)
		if len(results) == 0 {
			t.Fatal("expected at least one result")
		}
		// nmap has category penetration_tester, matching the role: exact
		// keyword (3) + affinity (1) = 4.
		if results[0].Score != 4 {
			t.Errorf("score = %d, want 4", results[0].Score)
		}
	})

	t.Run("unselectable tools never appear in results", func(t *testing.T) {
		results := s.SearchTools("broken missing", "")
		for _, r := range results {
			if r.Entry.Name == "broken" || r.Entry.Name == "missing" {
				t.Errorf("unselectable tool %q present in search results", r.Entry.Name)
			}
		}
	})

	t.Run("query with no matches returns empty", func(t *testing.T) {
		results := s.SearchTools("zzzzz-no-such-keyword", "")
		if len(results) != 0 {
			t.Errorf("expected no results, got %d", len(results))
		}
	})
}

func TestPatterns_SortedByDescendingSeverity(t *testing.T) {
	masterPath, toolsDir, riskPath, promptsDir := writeFixtures(t)
	s, err := Load(masterPath, toolsDir, riskPath, promptsDir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	patterns := s.Patterns()
	if len(patterns) != 3 {
		t.Fatalf("len(patterns) = %d, want 3", len(patterns))
	}
	for i := 1; i < len(patterns); i++ {
		if patterns[i-1].RiskLevelOf() < patterns[i].RiskLevelOf() {
			t.Errorf("patterns not sorted by descending severity at index %d: %v before %v",
				i, patterns[i-1].RiskLevelOf(), patterns[i].RiskLevelOf())
		}
	}
	if patterns[0].ID != "rm-rf-root" {
		t.Errorf("patterns[0].ID = %q, want rm-rf-root (critical)", patterns[0].ID)
	}
}

func TestTemplate(t *testing.T) {
	masterPath, toolsDir, riskPath, promptsDir := writeFixtures(t)
	s, err := Load(masterPath, toolsDir, riskPath, promptsDir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	t.Run("existing template loads its body", func(t *testing.T) {
		tmpl, err := s.Template("triage")
		if err != nil {
			t.Fatalf("Template(triage): %v", err)
		}
		if tmpl.Body != "triage {{.Query}}" {
			t.Errorf("Body = %q", tmpl.Body)
		}
	})

	t.Run("missing template returns ErrTemplateMissing", func(t *testing.T) {
		_, err := s.Template("does-not-exist")
		if !errors.Is(err, cmderrors.ErrTemplateMissing) {
			t.Errorf("error = %v, want ErrTemplateMissing", err)
		}
	})
}

func TestParserFor(t *testing.T) {
	t.Run("nmap returns a non-nil parser", func(t *testing.T) {
		if ParserFor("nmap") == nil {
			t.Error("ParserFor(nmap) = nil, want non-nil")
		}
	})

	t.Run("unregistered tool returns nil", func(t *testing.T) {
		if ParserFor("unregistered-tool") != nil {
			t.Error("ParserFor(unregistered-tool) = non-nil, want nil")
		}
	})
}

func TestParseNmap(t *testing.T) {
	const sample = `Host is up (0.0020s latency).
Not shown: 997 closed ports
PORT     STATE SERVICE
22/tcp   open  ssh
80/tcp   open  http
443/tcp  open  https
`
	raw, err := parseNmap([]byte(sample))
	if err != nil {
		t.Fatalf("parseNmap: %v", err)
	}
	if raw == nil {
		t.Fatal("parseNmap returned nil RawMessage for recognizable output")
	}

	var summary nmapSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.HostStatus != "up" {
		t.Errorf("HostStatus = %q, want up", summary.HostStatus)
	}
	if len(summary.OpenPorts) != 3 {
		t.Fatalf("len(OpenPorts) = %d, want 3", len(summary.OpenPorts))
	}
	if summary.OpenPorts[0].Port != 22 || summary.OpenPorts[0].Service != "ssh" {
		t.Errorf("OpenPorts[0] = %+v, want port 22 ssh", summary.OpenPorts[0])
	}
}

func TestParseNmap_NoRecognizableOutput(t *testing.T) {
	raw, err := parseNmap([]byte("not nmap output at all"))
	if err != nil {
		t.Fatalf("parseNmap: %v", err)
	}
	if raw != nil {
		t.Errorf("expected nil RawMessage for unrecognizable output, got %s", raw)
	}
}
