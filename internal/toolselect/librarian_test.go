package toolselect

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/cybercmd/cybercmd/internal/llmgateway"
	"github.com/cybercmd/cybercmd/internal/registry"
)

type fakeGenerator struct {
	responses []string
	calls     int
	err       error
}

func (f *fakeGenerator) Generate(ctx context.Context, templateName string, bindings map[string]string, opts llmgateway.Options) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.calls >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	r := f.responses[f.calls]
	f.calls++
	return r, nil
}

func testStore(t *testing.T) *registry.Store {
	t.Helper()
	dir := t.TempDir()
	writeRegistryFixtures(t, dir)
	store, err := registry.Load(dir+"/master.yaml", dir+"/tools", dir+"/risk/patterns.yaml", dir+"/prompts", slog.Default())
	if err != nil {
		t.Fatalf("loading fixture registry: %v", err)
	}
	return store
}

func writeRegistryFixtures(t *testing.T, dir string) {
	t.Helper()
	mustWrite(t, dir+"/master.yaml", `
- name: nmap
  category: penetration_tester
  risk_baseline: medium
  keywords: [scan, port, network, nmap]
- name: gobuster
  category: penetration_tester
  risk_baseline: medium
  keywords: [enumerate, web, directory, gobuster]
`)
	mustMkdir(t, dir+"/tools")
	mustWrite(t, dir+"/tools/nmap.yaml", `
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
    aliases: [port]
  - name: -sS
    aliases: [syn, stealth]
`)
	mustWrite(t, dir+"/tools/gobuster.yaml", `
name: gobuster
base_command: gobuster
category: penetration_tester
risk_baseline: medium
parameters:
  - name: mode
    positional: true
    required: true
    default: dir
  - name: -u
    requires_value: true
    required: true
    aliases: [url]
`)
	mustMkdir(t, dir+"/risk")
	mustWrite(t, dir+"/risk/patterns.yaml", `
- id: rm-rf-root
  pattern: 'rm\s+-rf\s+/'
  level: critical
  description: recursive delete of root
  action: block
`)
	mustMkdir(t, dir+"/prompts")
}

func mustWrite(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
}

func TestLibrarian_RegexPreFilterShortCircuitsLLM(t *testing.T) {
	store := testStore(t)
	gen := &fakeGenerator{}
	lib := NewLibrarian(store, gen)

	name, err := lib.Select(context.Background(), "scan ports on 127.0.0.1", registry.RolePenetrationTester, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if name != "nmap" {
		t.Errorf("name = %q, want nmap", name)
	}
	if gen.calls != 0 {
		t.Errorf("calls = %d, want 0 (pre-filter must short-circuit)", gen.calls)
	}
}

func TestLibrarian_AmbiguousPreFilterFallsBackToLLM(t *testing.T) {
	store := testStore(t)
	// "scan" (nmap) and "web" (gobuster) both appear literally, so the
	// pre-filter is ambiguous and ranking must fall through to the
	// selection prompt.
	gen := &fakeGenerator{responses: []string{"", "0"}}
	lib := NewLibrarian(store, gen)

	name, err := lib.Select(context.Background(), "scan the web server on the target site", registry.RolePenetrationTester, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if name == "" {
		t.Error("expected a non-empty tool name from the LLM path")
	}
}

func TestLibrarian_NoCandidatesReturnsNoToolFound(t *testing.T) {
	store := testStore(t)
	lib := NewLibrarian(store, &fakeGenerator{})

	_, err := lib.Select(context.Background(), "compose haikus about clouds", registry.RoleStudent, nil)
	if err == nil {
		t.Fatal("expected an error for a request matching no tool")
	}
}

func TestLibrarian_OutOfRangeSelectionIsNoToolFound(t *testing.T) {
	store := testStore(t)
	gen := &fakeGenerator{responses: []string{"", "99"}}
	lib := NewLibrarian(store, gen)

	_, err := lib.Select(context.Background(), "scan the web server on the target site", registry.RolePenetrationTester, nil)
	if err == nil {
		t.Fatal("expected an error for an out-of-range selection index")
	}
}
