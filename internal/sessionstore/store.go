package sessionstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
	"github.com/cybercmd/cybercmd/internal/registry"
)

// DefaultConvCap and DefaultCmdCap are the retention caps from spec §4.6:
// conversation retains at most 100 entries, commands at most 200, oldest
// evicted first.
const (
	DefaultConvCap = 100
	DefaultCmdCap  = 200
	DefaultTTL     = 24 * time.Hour
)

// entry is a session's full mutable state, guarded by its own mutex so that
// appends to one session never contend with another (§5: "writers
// per-session serialised ... readers concurrent with a consistent snapshot
// per call").
type entry struct {
	mu           sync.Mutex
	session      Session
	conversation []Interaction // every appended interaction; capped at ConvCap
	commands     []Interaction // interactions that reached composition; capped at CmdCap
	file         *os.File
}

// Store is the Session Store (C6). Construct with New.
type Store struct {
	dir      string
	convCap  int
	cmdCap   int
	ttl      time.Duration

	mu       sync.RWMutex
	sessions map[string]*entry
}

// New constructs a Store persisting one append-only JSON-Lines file per
// session under dir ("sessions/<session-id>.log" per spec §6's persisted
// state layout). convCap/cmdCap/ttl of zero fall back to the spec defaults.
func New(dir string, convCap, cmdCap int, ttl time.Duration) (*Store, error) {
	if convCap <= 0 {
		convCap = DefaultConvCap
	}
	if cmdCap <= 0 {
		cmdCap = DefaultCmdCap
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sessionstore: creating directory %q: %w", dir, err)
		}
	}
	return &Store{
		dir:      dir,
		convCap:  convCap,
		cmdCap:   cmdCap,
		ttl:      ttl,
		sessions: map[string]*entry{},
	}, nil
}

// Create starts a new Session with the given role and mode, opens its
// append-only log file, and registers it in the Store.
func (s *Store) Create(role registry.Role, mode WorkMode) (Session, error) {
	now := time.Now()
	sess := Session{
		ID:           uuid.NewString(),
		Role:         role,
		Mode:         mode,
		CreatedAt:    now,
		LastActivity: now,
	}

	e := &entry{session: sess}
	if s.dir != "" {
		f, err := os.OpenFile(s.logPath(sess.ID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return Session{}, fmt.Errorf("sessionstore: opening log for session %q: %w", sess.ID, err)
		}
		e.file = f
	}

	s.mu.Lock()
	s.sessions[sess.ID] = e
	s.mu.Unlock()

	return sess, nil
}

func (s *Store) logPath(id string) string {
	return filepath.Join(s.dir, id+".log")
}

// restore reloads e's interactions from its on-disk log, for a process
// restart within retention (§4.6's "a session must survive process restart
// within retention"). LoadAll calls it for each log file it finds; a
// missing log file leaves e empty and is not an error.
func (s *Store) restore(e *entry) error {
	if s.dir == "" {
		return nil
	}
	f, err := os.Open(s.logPath(e.session.ID))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sessionstore: reading log for session %q: %w", e.session.ID, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var i Interaction
		if err := json.Unmarshal(scanner.Bytes(), &i); err != nil {
			continue
		}
		appendCapped(&e.conversation, i, s.convCap)
		if len(i.Command) > 0 || i.ToolName != "" {
			appendCapped(&e.commands, i, s.cmdCap)
		}
	}
	return scanner.Err()
}

// LoadAll scans dir for "<uuid>.log" files left by a previous process and
// registers each as a Session so it survives a restart within retention.
// Sessions older than the Store's TTL (by last line timestamp) are skipped.
func (s *Store) LoadAll(defaultRole registry.Role, defaultMode WorkMode) error {
	if s.dir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.log"))
	if err != nil {
		return fmt.Errorf("sessionstore: globbing session logs in %q: %w", s.dir, err)
	}
	for _, m := range matches {
		id := trimLogExt(m)
		e := &entry{session: Session{ID: id, Role: defaultRole, Mode: defaultMode, CreatedAt: time.Now(), LastActivity: time.Now()}}
		if err := s.restore(e); err != nil {
			continue
		}
		if len(e.conversation) > 0 {
			last := e.conversation[len(e.conversation)-1]
			e.session.LastActivity = last.Timestamp
			if time.Since(last.Timestamp) > s.ttl {
				continue
			}
		}
		if s.dir != "" {
			f, ferr := os.OpenFile(m, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if ferr == nil {
				e.file = f
			}
		}
		s.mu.Lock()
		s.sessions[id] = e
		s.mu.Unlock()
	}
	return nil
}

func trimLogExt(p string) string {
	base := filepath.Base(p)
	for i := len(base) - 1; i >= 0; i-- {
		if base[i] == '.' {
			return base[:i]
		}
	}
	return base
}

// Get returns the Session header (not its interactions) for id.
func (s *Store) Get(id string) (Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session, nil
}

// Delete removes a session and its in-memory and on-disk state.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if !ok {
		return cmderrors.ErrUnknownSession
	}
	e.mu.Lock()
	if e.file != nil {
		e.file.Close()
	}
	e.mu.Unlock()
	if s.dir != "" {
		_ = os.Remove(s.logPath(id))
	}
	return nil
}

// EvictExpired removes every session whose LastActivity is older than the
// Store's TTL. Intended to be called periodically by the caller (the Store
// performs no background goroutines of its own).
func (s *Store) EvictExpired() []string {
	now := time.Now()
	var expired []string
	s.mu.Lock()
	for id, e := range s.sessions {
		e.mu.Lock()
		stale := now.Sub(e.session.LastActivity) > s.ttl
		e.mu.Unlock()
		if stale {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		if e, ok := s.sessions[id]; ok {
			e.mu.Lock()
			if e.file != nil {
				e.file.Close()
			}
			e.mu.Unlock()
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	if s.dir != "" {
		for _, id := range expired {
			_ = os.Remove(s.logPath(id))
		}
	}
	return expired
}

// lookup returns the entry for id or ErrUnknownSession.
func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, cmderrors.ErrUnknownSession
	}
	return e, nil
}

// Append records i against session id atomically. No prior interaction is
// ever rewritten; retention caps evict the oldest entry on overflow rather
// than rejecting the append.
func (s *Store) Append(id string, i Interaction) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now()
	}
	e.session.LastActivity = i.Timestamp

	if e.file != nil {
		encoded, merr := json.Marshal(i)
		if merr != nil {
			return fmt.Errorf("sessionstore: marshalling interaction for session %q: %w", id, merr)
		}
		encoded = append(encoded, '\n')
		if _, werr := e.file.Write(encoded); werr != nil {
			return fmt.Errorf("sessionstore: appending to log for session %q: %w", id, werr)
		}
	}

	appendCapped(&e.conversation, i, s.convCap)
	if len(i.Command) > 0 || i.ToolName != "" {
		appendCapped(&e.commands, i, s.cmdCap)
	}

	return nil
}

// appendCapped appends i to *slice, evicting the oldest entry first (index
// 0) once the cap would be exceeded.
func appendCapped(slice *[]Interaction, i Interaction, cap int) {
	*slice = append(*slice, i)
	if len(*slice) > cap {
		*slice = (*slice)[len(*slice)-cap:]
	}
}

// History returns a copy of session id's interactions of the requested
// kind, newest-first, optionally cut to the most recent limit entries.
func (s *Store) History(id string, kind HistoryKind, limit int) ([]Interaction, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	var src []Interaction
	switch kind {
	case HistoryCommands:
		src = e.commands
	default:
		src = e.conversation
	}
	out := make([]Interaction, len(src))
	copy(out, src)
	e.mu.Unlock()

	// Reverse to newest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Analytics recomputes derived metrics from session id's live interactions.
// Nothing is cached across calls: a session's interaction count is small
// enough (bounded by the retention caps) that recomputation is cheap.
func (s *Store) Analytics(id string) (Analytics, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Analytics{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a := Analytics{ToolUsage: map[string]int{}}
	var totalDuration int64
	var durationCount int
	for _, i := range e.conversation {
		if i.ToolName != "" {
			a.ToolUsage[i.ToolName]++
		}
		if i.ExecutionID != "" {
			if i.Success {
				a.SuccessCount++
			} else {
				a.FailureCount++
			}
			totalDuration += i.DurationMillis
			durationCount++
		}
		a.HourlyHistogram[i.Timestamp.Hour()]++
	}
	if durationCount > 0 {
		a.AvgDurationMs = float64(totalDuration) / float64(durationCount)
	}
	if total := a.SuccessCount + a.FailureCount; total > 0 {
		a.SuccessRate = float64(a.SuccessCount) / float64(total)
	}
	return a, nil
}

// StatusOf builds the GET /session/{id}/status snapshot.
func (s *Store) StatusOf(id string) (Status, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Status{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	toolSet := map[string]bool{}
	for _, i := range e.commands {
		if i.ToolName != "" {
			toolSet[i.ToolName] = true
		}
	}
	tools := make([]string, 0, len(toolSet))
	for t := range toolSet {
		tools = append(tools, t)
	}
	sort.Strings(tools)

	return Status{
		CommandCount: len(e.commands),
		ToolsUsed:    tools,
		Duration:     e.session.LastActivity.Sub(e.session.CreatedAt),
		LastActivity: e.session.LastActivity,
	}, nil
}

// RecentToolUses returns up to n most-recent tool names used in session id,
// newest-first, for callers (the Risk Evaluator's contextual pass, the
// Composer's recent-outputs binding) that need lightweight context without
// pulling a full History.
func (s *Store) RecentToolUses(id string, n int) []string {
	hist, err := s.History(id, HistoryCommands, n)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(hist))
	for _, i := range hist {
		if i.ToolName != "" {
			out = append(out, i.ToolName)
		}
	}
	return out
}
