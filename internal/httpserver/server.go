// Package httpserver implements cybercmd's Inbound API: session
// lifecycle, request processing, command execution/cancellation, a
// WebSocket streaming endpoint, and the Prometheus/health operational
// endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cybercmd/cybercmd/internal/config"
	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
	"github.com/cybercmd/cybercmd/internal/orchestrator"
	"github.com/cybercmd/cybercmd/internal/procexec"
	"github.com/cybercmd/cybercmd/internal/registry"
	"github.com/cybercmd/cybercmd/internal/sessionstore"
)

// Brain is the subset of *orchestrator.Brain the server depends on.
type Brain interface {
	Process(ctx context.Context, req orchestrator.Request) orchestrator.Response
}

// Sessions is the subset of *sessionstore.Store the server depends on.
type Sessions interface {
	Create(role registry.Role, mode sessionstore.WorkMode) (sessionstore.Session, error)
	Get(id string) (sessionstore.Session, error)
	Delete(id string) error
	StatusOf(id string) (sessionstore.Status, error)
	History(id string, kind sessionstore.HistoryKind, limit int) ([]sessionstore.Interaction, error)
	Analytics(id string) (sessionstore.Analytics, error)
}

// Executor is the subset of *procexec.Executor the server depends on.
type Executor interface {
	Submit(ctx context.Context, req procexec.SpawnRequest) (string, error)
	Snapshot(id string) (procexec.Snapshot, error)
	Subscribe(id string) (<-chan procexec.Event, error)
	Unsubscribe(id string, ch <-chan procexec.Event) error
	Cancel(id string) error
}

// Server wraps an *http.Server and holds references to the dependencies
// needed by the request handlers.
type Server struct {
	httpSrv  *http.Server
	brain    Brain
	sessions Sessions
	exec     Executor
	cfg      *config.Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// New constructs a Server configured from cfg, wired to brain/sessions/exec.
// The underlying http.Server is created but not started; call
// ListenAndServe to begin accepting connections.
func New(cfg *config.Config, brain Brain, sessions Sessions, exec Executor, logger *slog.Logger) *Server {
	s := &Server{
		brain:    brain,
		sessions: sessions,
		exec:     exec,
		cfg:      cfg,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", s.handleCreateSession)
	mux.HandleFunc("GET /session/{id}/status", s.handleSessionStatus)
	mux.HandleFunc("GET /session/{id}/history", s.handleSessionHistory)
	mux.HandleFunc("GET /session/{id}/analytics", s.handleSessionAnalytics)
	mux.HandleFunc("DELETE /session/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /request/process", s.handleRequestProcess)
	mux.HandleFunc("POST /command/execute", s.handleCommandExecute)
	mux.HandleFunc("GET /command/execution/{id}", s.handleCommandExecution)
	mux.HandleFunc("POST /command/execution/{id}/cancel", s.handleCommandCancel)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)

	addr := fmt.Sprintf("%s:%d", cfg.HTTPServer.Bind, cfg.HTTPServer.Port)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(logger, mux),
		ReadTimeout:  time.Duration(cfg.HTTPServer.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTPServer.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.HTTPServer.IdleTimeoutSeconds) * time.Second,
	}

	return s
}

// ListenAndServe starts the HTTP server. It blocks until the server is shut
// down. The caller should call Shutdown in a separate goroutine (e.g. on
// signal receipt) to unblock this method.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server starting", slog.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpserver: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server, waiting up to the configured
// shutdown timeout for in-flight requests to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.HTTPServer.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpserver: shutdown: %w", err)
	}
	return nil
}

// Addr returns the address the server is configured to listen on.
func (s *Server) Addr() string {
	return s.httpSrv.Addr
}

// ---------------------------------------------------------------------------
// Session handlers
// ---------------------------------------------------------------------------

type createSessionRequest struct {
	Role registry.Role         `json:"role"`
	Mode sessionstore.WorkMode `json:"mode"`
}

type createSessionResponse struct {
	SessionID string                `json:"session_id"`
	Role      registry.Role         `json:"role"`
	Mode      sessionstore.WorkMode `json:"mode"`
	CreatedAt time.Time             `json:"created_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "")
		return
	}

	sess, err := s.sessions.Create(req.Role, req.Mode)
	if err != nil {
		s.writeCmdError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		Role:      sess.Role,
		Mode:      sess.Mode,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sessions.StatusOf(r.PathValue("id"))
	if err != nil {
		s.writeCmdError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	kind := sessionstore.HistoryConversation
	if strings.EqualFold(r.URL.Query().Get("kind"), "commands") {
		kind = sessionstore.HistoryCommands
	}
	hist, err := s.sessions.History(r.PathValue("id"), kind, 0)
	if err != nil {
		s.writeCmdError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

func (s *Server) handleSessionAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.sessions.Analytics(r.PathValue("id"))
	if err != nil {
		s.writeCmdError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		s.writeCmdError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Request processing
// ---------------------------------------------------------------------------

type processRequest struct {
	SessionID string `json:"session_id"`
	UserInput string `json:"user_input"`
}

func (s *Server) handleRequestProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "")
		return
	}
	if req.UserInput == "" {
		writeError(w, http.StatusBadRequest, "user_input must not be empty", "empty_input")
		return
	}

	sess, err := s.sessions.Get(req.SessionID)
	if err != nil {
		s.writeCmdError(w, err)
		return
	}

	resp := s.brain.Process(r.Context(), orchestrator.Request{
		SessionID: req.SessionID,
		UserInput: req.UserInput,
		Role:      sess.Role,
		Mode:      sess.Mode,
	})
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Command execution
// ---------------------------------------------------------------------------

type commandExecuteRequest struct {
	SessionID      string   `json:"session_id"`
	Argv           []string `json:"argv"`
	AutoConfirm    bool     `json:"auto_confirm"`
	ExecutionMode  string   `json:"execution_mode"`
}

type commandExecuteResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

func (s *Server) handleCommandExecute(w http.ResponseWriter, r *http.Request) {
	var req commandExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "")
		return
	}
	if len(req.Argv) == 0 {
		writeError(w, http.StatusBadRequest, "argv must not be empty", "empty_input")
		return
	}
	if !req.AutoConfirm {
		writeError(w, http.StatusBadRequest, "auto_confirm must be set to explicitly approve execution", "confirmation_required")
		return
	}

	mode := procexec.ModeBackground
	if req.ExecutionMode != "" {
		mode = procexec.Mode(req.ExecutionMode)
	}

	execID, err := s.exec.Submit(r.Context(), procexec.SpawnRequest{
		Argv:      req.Argv,
		SessionID: req.SessionID,
		Mode:      mode,
		Deadline:  120 * time.Second,
	})
	if err != nil {
		s.writeCmdError(w, err)
		return
	}

	snap, _ := s.exec.Snapshot(execID)
	writeJSON(w, http.StatusAccepted, commandExecuteResponse{ExecutionID: execID, Status: string(snap.Status)})
}

func (s *Server) handleCommandExecution(w http.ResponseWriter, r *http.Request) {
	snap, err := s.exec.Snapshot(r.PathValue("id"))
	if err != nil {
		s.writeCmdError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCommandCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.exec.Cancel(r.PathValue("id")); err != nil {
		s.writeCmdError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// WebSocket streaming
// ---------------------------------------------------------------------------

// wsFrame is the newline-delimited JSON frame shape streamed to clients,
// matching §4.5/§7's {type:"output"|"status"|"complete"|"error"}.
type wsFrame struct {
	Type        string          `json:"type"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Stream      string          `json:"stream,omitempty"`
	Chunk       string          `json:"chunk,omitempty"`
	Status      string          `json:"status,omitempty"`
	ReturnCode  int             `json:"return_code,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// handleWS upgrades the connection and relays one execution's event stream
// as newline-delimited JSON frames until the execution reaches a terminal
// status or the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	execID := r.URL.Query().Get("execution_id")
	if execID == "" {
		http.Error(w, "execution_id query parameter is required", http.StatusBadRequest)
		return
	}

	events, err := s.exec.Subscribe(execID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	defer s.exec.Unsubscribe(execID, events)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	for ev := range events {
		frame := wsFrame{ExecutionID: execID}
		switch ev.Type {
		case procexec.EventOutput:
			frame.Type = "output"
			frame.Stream = string(ev.Stream)
			frame.Chunk = string(ev.Chunk)
		case procexec.EventStatus:
			frame.Type = "status"
			frame.Status = string(ev.Status)
		case procexec.EventComplete:
			frame.Type = "complete"
			frame.Status = string(ev.Status)
			frame.ReturnCode = ev.ReturnCode
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Operational endpoints
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", lrw.statusCode),
			slog.String("remote_addr", remoteAddr(r)),
			slog.Duration("latency", time.Since(start)),
		)
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func remoteAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeCmdError maps a *cmderrors.CmdError's Category onto an HTTP status
// via the §7 taxonomy, generalizing the teacher's single-switch
// classifyRunError into a lookup on Category rather than one case per
// sentinel.
func (s *Server) writeCmdError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch cmderrors.CategoryOf(err) {
	case cmderrors.CategoryInput:
		status = http.StatusBadRequest
	case cmderrors.CategoryRegistry:
		status = http.StatusNotFound
	case cmderrors.CategoryLLM:
		status = http.StatusBadGateway
	case cmderrors.CategoryComposition:
		status = http.StatusUnprocessableEntity
	case cmderrors.CategoryRiskBlock:
		status = http.StatusForbidden
	case cmderrors.CategorySession:
		status = http.StatusNotFound
	case cmderrors.CategoryExec:
		status = http.StatusInternalServerError
	}

	if errors.Is(err, cmderrors.ErrUnknownSession) {
		status = http.StatusNotFound
	}

	writeError(w, status, err.Error(), cmderrors.CodeOf(err))
}
