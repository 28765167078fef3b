package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cybercmd/cybercmd/internal/config"
	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
	"github.com/cybercmd/cybercmd/internal/orchestrator"
	"github.com/cybercmd/cybercmd/internal/procexec"
	"github.com/cybercmd/cybercmd/internal/registry"
	"github.com/cybercmd/cybercmd/internal/sessionstore"
)

type stubBrain struct {
	resp orchestrator.Response
}

func (s *stubBrain) Process(ctx context.Context, req orchestrator.Request) orchestrator.Response {
	return s.resp
}

type stubSessions struct {
	session  sessionstore.Session
	getErr   error
	deleteErr error
	status   sessionstore.Status
	hist     []sessionstore.Interaction
	analytics sessionstore.Analytics
}

func (s *stubSessions) Create(role registry.Role, mode sessionstore.WorkMode) (sessionstore.Session, error) {
	s.session = sessionstore.Session{ID: "sess-1", Role: role, Mode: mode, CreatedAt: time.Unix(0, 0)}
	return s.session, nil
}
func (s *stubSessions) Get(id string) (sessionstore.Session, error) { return s.session, s.getErr }
func (s *stubSessions) Delete(id string) error                      { return s.deleteErr }
func (s *stubSessions) StatusOf(id string) (sessionstore.Status, error) { return s.status, s.getErr }
func (s *stubSessions) History(id string, kind sessionstore.HistoryKind, limit int) ([]sessionstore.Interaction, error) {
	return s.hist, s.getErr
}
func (s *stubSessions) Analytics(id string) (sessionstore.Analytics, error) {
	return s.analytics, s.getErr
}

type stubExecutor struct {
	execID string
	snap   procexec.Snapshot
	subErr error
}

func (s *stubExecutor) Submit(ctx context.Context, req procexec.SpawnRequest) (string, error) {
	return s.execID, nil
}
func (s *stubExecutor) Snapshot(id string) (procexec.Snapshot, error) { return s.snap, nil }
func (s *stubExecutor) Subscribe(id string) (<-chan procexec.Event, error) {
	if s.subErr != nil {
		return nil, s.subErr
	}
	ch := make(chan procexec.Event)
	close(ch)
	return ch, nil
}
func (s *stubExecutor) Cancel(id string) error { return nil }
func (s *stubExecutor) Unsubscribe(id string, ch <-chan procexec.Event) error { return nil }

func minimalConfig() *config.Config {
	return &config.Config{
		HTTPServer: config.HTTPServerConfig{
			Bind:                   "127.0.0.1",
			Port:                   0,
			ReadTimeoutSeconds:     5,
			WriteTimeoutSeconds:    5,
			IdleTimeoutSeconds:     30,
			ShutdownTimeoutSeconds: 5,
		},
	}
}

func newTestServer(t *testing.T, brain Brain, sessions Sessions, exec Executor) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return New(minimalConfig(), brain, sessions, exec, logger)
}

func (s *Server) handler() *httptest.Server {
	return httptest.NewServer(s.httpSrv.Handler)
}

func TestCreateSession(t *testing.T) {
	sessions := &stubSessions{}
	s := newTestServer(t, &stubBrain{}, sessions, &stubExecutor{})
	ts := s.handler()
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/session", createSessionRequest{Role: registry.RoleStudent, Mode: sessionstore.ModeInteractive})
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var body createSessionResponse
	decodeJSON(t, resp, &body)
	if body.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want %q", body.SessionID, "sess-1")
	}
}

func TestRequestProcessUnknownSession(t *testing.T) {
	sessions := &stubSessions{getErr: cmderrors.ErrUnknownSession}
	s := newTestServer(t, &stubBrain{}, sessions, &stubExecutor{})
	ts := s.handler()
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/request/process", processRequest{SessionID: "nope", UserInput: "scan 127.0.0.1"})
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRequestProcessReturnsBrainResponse(t *testing.T) {
	sessions := &stubSessions{session: sessionstore.Session{ID: "sess-1", Role: registry.RoleStudent, Mode: sessionstore.ModeInteractive}}
	brain := &stubBrain{resp: orchestrator.Response{Type: orchestrator.ResponseConversation, Message: "hello"}}
	s := newTestServer(t, brain, sessions, &stubExecutor{})
	ts := s.handler()
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/request/process", processRequest{SessionID: "sess-1", UserInput: "hi"})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body orchestrator.Response
	decodeJSON(t, resp, &body)
	if body.Message != "hello" {
		t.Errorf("Message = %q, want %q", body.Message, "hello")
	}
}

func TestCommandExecuteRequiresAutoConfirm(t *testing.T) {
	s := newTestServer(t, &stubBrain{}, &stubSessions{}, &stubExecutor{execID: "exec-1"})
	ts := s.handler()
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/command/execute", commandExecuteRequest{SessionID: "sess-1", Argv: []string{"nmap", "-sS"}})
	if resp.StatusCode != 400 {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCommandExecuteSubmits(t *testing.T) {
	exec := &stubExecutor{execID: "exec-1", snap: procexec.Snapshot{Status: procexec.StatusQueued}}
	s := newTestServer(t, &stubBrain{}, &stubSessions{}, exec)
	ts := s.handler()
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/command/execute", commandExecuteRequest{
		SessionID:   "sess-1",
		Argv:        []string{"nmap", "-sS", "127.0.0.1"},
		AutoConfirm: true,
	})
	if resp.StatusCode != 202 {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body commandExecuteResponse
	decodeJSON(t, resp, &body)
	if body.ExecutionID != "exec-1" {
		t.Errorf("ExecutionID = %q, want %q", body.ExecutionID, "exec-1")
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubBrain{}, &stubSessions{}, &stubExecutor{})
	ts := s.handler()
	defer ts.Close()

	resp := getURL(t, ts.URL+"/health")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	s := newTestServer(t, &stubBrain{}, &stubSessions{}, &stubExecutor{})
	ts := s.handler()
	defer ts.Close()

	resp := getURL(t, ts.URL+"/metrics")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
}

// --- small HTTP helpers shared across the table above ---

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}
