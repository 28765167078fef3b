package toolselect

import (
	"context"
	"testing"

	"github.com/cybercmd/cybercmd/internal/registry"
)

func TestComposer_HappyPath(t *testing.T) {
	store := testStore(t)
	gen := &fakeGenerator{responses: []string{`{"argv":["nmap","-sS","127.0.0.1"],"placeholders":[]}`}}
	comp := NewComposer(store, gen)

	cmd, err := comp.Compose(context.Background(), "nmap", "scan 127.0.0.1", registry.RolePenetrationTester, nil)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	want := []string{"nmap", "-sS", "127.0.0.1"}
	if len(cmd.Argv) != len(want) {
		t.Fatalf("Argv = %v, want %v", cmd.Argv, want)
	}
	for i := range want {
		if cmd.Argv[i] != want[i] {
			t.Errorf("Argv[%d] = %q, want %q", i, cmd.Argv[i], want[i])
		}
	}
}

func TestComposer_UnknownToolPropagatesLookupError(t *testing.T) {
	store := testStore(t)
	comp := NewComposer(store, &fakeGenerator{})

	_, err := comp.Compose(context.Background(), "does-not-exist", "anything", registry.RoleStudent, nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered tool")
	}
}

func TestComposer_MalformedLLMReplyFails(t *testing.T) {
	store := testStore(t)
	gen := &fakeGenerator{responses: []string{"not json"}}
	comp := NewComposer(store, gen)

	_, err := comp.Compose(context.Background(), "nmap", "scan 127.0.0.1", registry.RolePenetrationTester, nil)
	if err == nil {
		t.Fatal("expected a validation error for a malformed reply")
	}
}

func TestComposer_UnresolvedPlaceholderWithNoDefaultFails(t *testing.T) {
	store := testStore(t)
	// "target" has no Default and is a positional parameter, so a
	// placeholder left unresolved for it cannot be filled.
	gen := &fakeGenerator{responses: []string{`{"argv":["nmap","[TARGET]"],"placeholders":["TARGET"]}`}}
	comp := NewComposer(store, gen)

	_, err := comp.Compose(context.Background(), "nmap", "scan something", registry.RolePenetrationTester, nil)
	if err == nil {
		t.Fatal("expected ErrUnresolvedPlaceholder")
	}
}

func TestComposer_ShellMetacharacterRejected(t *testing.T) {
	store := testStore(t)
	gen := &fakeGenerator{responses: []string{`{"argv":["nmap","127.0.0.1; rm -rf /"],"placeholders":[]}`}}
	comp := NewComposer(store, gen)

	_, err := comp.Compose(context.Background(), "nmap", "scan something", registry.RolePenetrationTester, nil)
	if err == nil {
		t.Fatal("expected a validation error for an argv entry containing a shell metacharacter")
	}
}

func TestComposer_MissingRequiredParameterFails(t *testing.T) {
	store := testStore(t)
	// gobuster's "-u" is required with no default; omitting it must fail.
	gen := &fakeGenerator{responses: []string{`{"argv":["gobuster","dir"],"placeholders":[]}`}}
	comp := NewComposer(store, gen)

	_, err := comp.Compose(context.Background(), "gobuster", "enumerate directories", registry.RolePenetrationTester, nil)
	if err == nil {
		t.Fatal("expected ErrMissingRequired for a composed command missing a required flag")
	}
}
