package procexec

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	cmderrors "github.com/cybercmd/cybercmd/internal/errors"
	"github.com/cybercmd/cybercmd/internal/registry"
)

const outputChunkSize = 8 << 10 // 8 KiB.

// killGrace is the delay between SIGTERM and SIGKILL on cancellation.
const killGrace = 5 * time.Second

// Config holds the Executor's concurrency caps and the default resource caps
// that fill any ResourceCaps field a SpawnRequest leaves at zero.
// DefaultDeadline is not applied to SpawnRequests: a zero Deadline is an
// immediate timeout (see Submit).
type Config struct {
	DefaultDeadline  time.Duration
	DefaultCaps      ResourceCaps
	MaxGlobal        int
	MaxPerSession    int
	SelfExe          string // path to the cybercmd binary, for the rlimit re-exec shim.
	OutputDir        string // base dir for persisted meta.json/stdout/stderr artifacts.
}

// execution is the mutable, internal record for one in-flight or completed
// run. Executor methods are the only code that touches it; everything is
// guarded by mu.
type execution struct {
	id        string
	sessionID string
	argv      []string
	mode      Mode
	caps      ResourceCaps
	deadline  time.Duration
	tool      string

	mu         sync.Mutex
	status     Status
	errorKind  ErrorKind
	returnCode int
	startedAt  time.Time
	endedAt    time.Time
	stats      ResourceStats
	parsed     json.RawMessage
	parseErr   string

	stdout *ring
	stderr *ring
	events *broadcaster

	pid int // set once the process has started; 0 before then.

	queueElem *list.Element // non-nil while status == queued

	cancelRequested bool
	killOnce        sync.Once
	terminalOnce    sync.Once
	pendingTerminal Status // set before killing, to disambiguate cancelled vs timedout
}

// Executor is the Executor (C5): a FIFO-gated, concurrency-capped runner of
// argv vectors. The zero value is not usable; construct with New.
// MetricsRecorder is the narrow metrics surface the Executor reports to.
// Nil is a valid Executor.metrics value (metrics become a no-op).
type MetricsRecorder interface {
	RecordExecution(status string)
	SetQueueDepth(depth int)
}

type Executor struct {
	cfg    Config
	logger *slog.Logger

	parserFor func(tool string) registry.Parser
	metrics   MetricsRecorder

	mu            sync.Mutex
	cond          *sync.Cond
	queue         *list.List // of *execution, FIFO order
	globalActive  int
	sessionActive map[string]int
	execs         map[string]*execution

	stopped bool
}

// SetMetrics wires a metrics recorder. Must be called before Submit to
// avoid a data race with the dispatcher goroutine observing a nil value.
func (e *Executor) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// New constructs an Executor and starts its dispatcher goroutine.
// parserFor may be nil (no tool-output parsing is attempted).
func New(cfg Config, parserFor func(tool string) registry.Parser, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxGlobal <= 0 {
		cfg.MaxGlobal = 32
	}
	if cfg.MaxPerSession <= 0 {
		cfg.MaxPerSession = 3
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 120 * time.Second
	}
	e := &Executor{
		cfg:           cfg,
		logger:        logger,
		parserFor:     parserFor,
		queue:         list.New(),
		sessionActive: map[string]int{},
		execs:         map[string]*execution{},
	}
	e.cond = sync.NewCond(&e.mu)
	go e.dispatchLoop()
	return e
}

// Submit enqueues req and returns its execution id immediately. The
// execution runs asynchronously; subscribe to its event stream with
// Subscribe to observe progress.
func (e *Executor) Submit(ctx context.Context, req SpawnRequest) (string, error) {
	if len(req.Argv) == 0 {
		return "", cmderrors.Wrap(cmderrors.ErrSpawn, fmt.Errorf("empty argv"))
	}

	caps := req.Caps
	if caps.CPUSeconds == 0 {
		caps.CPUSeconds = e.cfg.DefaultCaps.CPUSeconds
	}
	if caps.MemBytes == 0 {
		caps.MemBytes = e.cfg.DefaultCaps.MemBytes
	}
	if caps.FileSizeBytes == 0 {
		caps.FileSizeBytes = e.cfg.DefaultCaps.FileSizeBytes
	}
	if caps.OutputCapBytes == 0 {
		caps.OutputCapBytes = e.cfg.DefaultCaps.OutputCapBytes
	}

	deadline := req.Deadline
	if deadline == 0 {
		deadline = 0 // explicit: zero is a boundary case, not "use default".
	}

	id := uuid.NewString()
	ex := &execution{
		id:        id,
		sessionID: req.SessionID,
		argv:      append([]string(nil), req.Argv...),
		mode:      req.Mode,
		caps:      caps,
		deadline:  deadline,
		tool:      req.Tool,
		status:    StatusQueued,
		stdout:    newRing(caps.OutputCapBytes),
		stderr:    newRing(caps.OutputCapBytes),
		events:    newBroadcaster(),
	}

	// Deadline == 0: immediate timedout, no spawn side effects.
	if req.Deadline == 0 {
		ex.startedAt = time.Now()
		ex.endedAt = ex.startedAt
		ex.status = StatusTimedOut
		ex.errorKind = ErrorKindTimeout
		e.mu.Lock()
		e.execs[id] = ex
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.RecordExecution(string(StatusTimedOut))
		}
		ex.events.publish(Event{Type: EventStatus, Status: StatusTimedOut})
		ex.events.publish(Event{Type: EventComplete, Status: StatusTimedOut, ReturnCode: -1})
		ex.events.closeAll()
		return id, nil
	}

	e.mu.Lock()
	e.execs[id] = ex
	ex.queueElem = e.queue.PushBack(ex)
	depth := e.queue.Len()
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.SetQueueDepth(depth)
	}
	e.cond.Broadcast()

	return id, nil
}

// dispatchLoop pops queued executions strictly in FIFO order, blocking the
// whole queue if the head cannot run yet (its session is at its
// concurrency cap) even if a later item could. This is a deliberate
// simplification of "FIFO": true first-in-first-out order implies
// head-of-line blocking rather than scheduling around a busy session.
func (e *Executor) dispatchLoop() {
	for {
		e.mu.Lock()
		for {
			if e.stopped {
				e.mu.Unlock()
				return
			}
			front := e.queue.Front()
			if front == nil {
				e.cond.Wait()
				continue
			}
			ex := front.Value.(*execution)
			if e.globalActive >= e.cfg.MaxGlobal || e.sessionActive[ex.sessionID] >= e.cfg.MaxPerSession {
				e.cond.Wait()
				continue
			}
			e.queue.Remove(front)
			ex.queueElem = nil
			e.globalActive++
			e.sessionActive[ex.sessionID]++
			depth := e.queue.Len()
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.SetQueueDepth(depth)
			}
			go e.run(ex)
			break
		}
	}
}

// releaseSlot decrements the concurrency counters for a completed
// execution and wakes the dispatcher so a queued item can take its place.
func (e *Executor) releaseSlot(sessionID string) {
	e.mu.Lock()
	e.globalActive--
	e.sessionActive[sessionID]--
	if e.sessionActive[sessionID] <= 0 {
		delete(e.sessionActive, sessionID)
	}
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Close stops the dispatcher loop. Executions already running continue to
// completion; no new queued executions are dispatched afterward.
func (e *Executor) Close() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Subscribe returns a live event channel for id. The channel is closed once
// the execution reaches a terminal status and its complete event has been
// delivered.
func (e *Executor) Subscribe(id string) (<-chan Event, error) {
	ex, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return ex.events.subscribe(), nil
}

// Unsubscribe detaches ch (as returned by Subscribe) from id's event
// stream, for a caller that stops reading before the execution reaches a
// terminal status (e.g. a disconnected streaming client). A no-op if id's
// execution has already gone terminal and closed every subscriber itself.
func (e *Executor) Unsubscribe(id string, ch <-chan Event) error {
	ex, err := e.lookup(id)
	if err != nil {
		return err
	}
	ex.events.unsubscribeChan(ch)
	return nil
}

// Snapshot returns a point-in-time copy of id's state.
func (e *Executor) Snapshot(id string) (Snapshot, error) {
	ex, err := e.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return ex.snapshot(), nil
}

func (e *Executor) lookup(id string) (*execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.execs[id]
	if !ok {
		return nil, cmderrors.New("execution_not_found", cmderrors.CategoryExec, "execution id not found")
	}
	return ex, nil
}

// Cancel is idempotent and race-safe: a queued execution is simply
// dequeued into cancelled; a running execution is sent SIGTERM, then
// SIGKILL after killGrace if it has not exited; calling Cancel again after
// either path is a no-op that returns success.
func (e *Executor) Cancel(id string) error {
	ex, err := e.lookup(id)
	if err != nil {
		return err
	}

	ex.mu.Lock()
	if ex.status.Terminal() {
		ex.mu.Unlock()
		return nil
	}
	if ex.queueElem != nil {
		e.mu.Lock()
		e.queue.Remove(ex.queueElem)
		e.mu.Unlock()
		ex.queueElem = nil
		ex.status = StatusCancelled
		ex.startedAt = time.Now()
		ex.endedAt = ex.startedAt
		ex.mu.Unlock()
		ex.events.publish(Event{Type: EventStatus, Status: StatusCancelled})
		ex.events.publish(Event{Type: EventComplete, Status: StatusCancelled, ReturnCode: -1})
		ex.events.closeAll()
		return nil
	}
	ex.cancelRequested = true
	ex.pendingTerminal = StatusCancelled
	ex.mu.Unlock()

	ex.killOnce.Do(func() { ex.sendSignal(syscall.SIGTERM) })
	return nil
}

// run spawns and supervises one execution from Running through its
// terminal transition. It always releases the execution's concurrency
// slot exactly once, whatever the outcome.
func (e *Executor) run(ex *execution) {
	defer e.releaseSlot(ex.sessionID)

	ex.mu.Lock()
	ex.status = StatusRunning
	ex.startedAt = time.Now()
	ex.mu.Unlock()
	ex.events.publish(Event{Type: EventStatus, Status: StatusRunning})

	cmd, err := e.buildCmd(ex)
	if err != nil {
		e.finish(ex, StatusFailed, ErrorKindSpawnError, -1, nil)
		return
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		e.finish(ex, StatusFailed, ErrorKindSpawnError, -1, nil)
		return
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		e.finish(ex, StatusFailed, ErrorKindSpawnError, -1, nil)
		return
	}

	if err := cmd.Start(); err != nil {
		e.finish(ex, StatusFailed, ErrorKindSpawnError, -1, nil)
		return
	}
	ex.mu.Lock()
	ex.pid = cmd.Process.Pid
	ex.mu.Unlock()

	var copyWG sync.WaitGroup
	copyWG.Add(2)
	go e.copyStream(ex, stdoutPipe, ex.stdout, StreamOut, &copyWG)
	go e.copyStream(ex, stderrPipe, ex.stderr, StreamErr, &copyWG)

	waitDone := make(chan error, 1)
	go func() {
		copyWG.Wait()
		waitDone <- cmd.Wait()
	}()

	var deadlineTimer *time.Timer
	var deadlineCh <-chan time.Time
	if ex.deadline > 0 {
		deadlineTimer = time.NewTimer(ex.deadline)
		deadlineCh = deadlineTimer.C
		defer deadlineTimer.Stop()
	}

	var waitErr error
	select {
	case waitErr = <-waitDone:
	case <-deadlineCh:
		ex.mu.Lock()
		ex.pendingTerminal = StatusTimedOut
		ex.mu.Unlock()
		ex.killOnce.Do(func() { ex.sendSignal(syscall.SIGTERM) })
		waitErr = <-waitDone
	}

	e.finishFromWait(ex, cmd, waitErr)
}

// copyStream reads chunkSize pieces from r, writing each to the ring
// buffer and broadcasting it live, until EOF.
func (e *Executor) copyStream(ex *execution, r io.Reader, buf *ring, stream Stream, wg *sync.WaitGroup) {
	defer wg.Done()
	chunk := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			data := append([]byte(nil), chunk[:n]...)
			buf.write(data)
			ex.events.publish(Event{Type: EventOutput, Stream: stream, Chunk: data})
		}
		if err != nil {
			return
		}
	}
}

// finishFromWait interprets cmd.Wait()'s error (or lack of one) into a
// terminal status and error kind, then calls finish.
func (e *Executor) finishFromWait(ex *execution, cmd *exec.Cmd, waitErr error) {
	ex.mu.Lock()
	pending := ex.pendingTerminal
	ex.mu.Unlock()

	stats := resourceStatsFrom(cmd, ex.startedAt)

	if pending != "" {
		rc := -1
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			rc = -int(ws.Signal())
		}
		kind := ErrorKindNone
		if pending == StatusTimedOut {
			kind = ErrorKindTimeout
		}
		e.finish(ex, pending, kind, rc, &stats)
		return
	}

	if waitErr == nil {
		e.finish(ex, StatusCompleted, ErrorKindNone, 0, &stats)
		return
	}

	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		e.finish(ex, StatusFailed, ErrorKindSpawnError, -1, &stats)
		return
	}

	ws, _ := exitErr.Sys().(syscall.WaitStatus)
	if ws.Signaled() {
		switch ws.Signal() {
		case syscall.SIGKILL, syscall.SIGXCPU, syscall.SIGXFSZ:
			e.finish(ex, StatusFailed, ErrorKindResourceExceeded, -int(ws.Signal()), &stats)
			return
		case syscall.SIGTERM:
			// Killed by our own cancel path but the pending flag raced
			// away (e.g. Cancel ran between exit and flag read); treat as
			// cancelled rather than a generic non-zero exit.
			e.finish(ex, StatusCancelled, ErrorKindNone, -int(ws.Signal()), &stats)
			return
		}
	}

	e.finish(ex, StatusFailed, ErrorKindNonZeroExit, exitErr.ExitCode(), &stats)
}

// finish performs the single write-once terminal transition for ex,
// running the registered tool parser (best-effort) and publishing the
// terminal status/complete events.
func (e *Executor) finish(ex *execution, status Status, kind ErrorKind, returnCode int, stats *ResourceStats) {
	ex.terminalOnce.Do(func() {
		ex.mu.Lock()
		ex.status = status
		ex.errorKind = kind
		ex.returnCode = returnCode
		ex.endedAt = time.Now()
		if stats != nil {
			stats.WallMillis = ex.endedAt.Sub(ex.startedAt).Milliseconds()
			ex.stats = *stats
		} else {
			ex.stats.WallMillis = ex.endedAt.Sub(ex.startedAt).Milliseconds()
		}
		tool := ex.tool
		stdout, _ := ex.stdout.snapshot()
		ex.mu.Unlock()

		if tool != "" && e.parserFor != nil {
			if parser := e.parserFor(tool); parser != nil {
				summary, perr := parser(stdout)
				ex.mu.Lock()
				if perr != nil {
					ex.parseErr = perr.Error()
				} else {
					ex.parsed = summary
				}
				ex.mu.Unlock()
			}
		}

		e.persist(ex)

		if e.metrics != nil {
			e.metrics.RecordExecution(string(status))
		}

		ex.events.publish(Event{Type: EventStatus, Status: status})
		ex.events.publish(Event{Type: EventComplete, Status: status, ReturnCode: returnCode})
		ex.events.closeAll()
	})
}

// persist writes the session-scoped output artifact for ex:
// outputs/<session-id>/<execution-id>.{stdout,stderr,meta.json}. Failures
// are logged, not fatal — the in-memory snapshot remains authoritative for
// the lifetime of the process.
func (e *Executor) persist(ex *execution) {
	if e.cfg.OutputDir == "" {
		return
	}
	dir := e.cfg.OutputDir + "/" + ex.sessionID
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Warn("procexec: creating output dir failed", "error", err)
		return
	}
	snap := ex.snapshot()
	base := dir + "/" + ex.id
	if err := os.WriteFile(base+".stdout", snap.Stdout, 0o644); err != nil {
		e.logger.Warn("procexec: writing stdout artifact failed", "error", err)
	}
	if err := os.WriteFile(base+".stderr", snap.Stderr, 0o644); err != nil {
		e.logger.Warn("procexec: writing stderr artifact failed", "error", err)
	}
	meta, err := json.Marshal(snap)
	if err != nil {
		e.logger.Warn("procexec: marshalling meta.json failed", "error", err)
		return
	}
	if err := os.WriteFile(base+".meta.json", meta, 0o644); err != nil {
		e.logger.Warn("procexec: writing meta.json failed", "error", err)
	}
}

// snapshot copies ex's current state under lock.
func (ex *execution) snapshot() Snapshot {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	stdout, truncOut := ex.stdout.snapshot()
	stderr, truncErr := ex.stderr.snapshot()
	return Snapshot{
		ID:            ex.id,
		SessionID:     ex.sessionID,
		Argv:          append([]string(nil), ex.argv...),
		Status:        ex.status,
		StartedAt:     ex.startedAt,
		EndedAt:       ex.endedAt,
		ReturnCode:    ex.returnCode,
		Stdout:        stdout,
		Stderr:        stderr,
		TruncatedOut:  truncOut,
		TruncatedErr:  truncErr,
		ResourceStats: ex.stats,
		ErrorKind:     ex.errorKind,
		ParsedSummary: ex.parsed,
		ParseError:    ex.parseErr,
	}
}

// sendSignal delivers sig to ex's whole process group, escalating to
// SIGKILL after killGrace if the process has not exited by then. It is
// safe to call only once per execution (guarded by killOnce at the call
// site).
func (ex *execution) sendSignal(sig syscall.Signal) {
	ex.mu.Lock()
	pid := ex.pid
	ex.mu.Unlock()
	if pid == 0 {
		return
	}
	_ = syscall.Kill(-pid, sig)
	if sig == syscall.SIGKILL {
		return
	}
	go func() {
		time.Sleep(killGrace)
		ex.mu.Lock()
		done := ex.status.Terminal()
		p := ex.pid
		ex.mu.Unlock()
		if !done && p != 0 {
			_ = syscall.Kill(-p, syscall.SIGKILL)
		}
	}()
}

// buildCmd constructs the *exec.Cmd for ex. When the Executor has a
// configured SelfExe, the command re-execs through the rlimit child shim
// (rlimit_child.go) so RLIMIT_CPU/AS/FSIZE bind in the child before it
// execs the real target; otherwise the caps are advisory only (wall-clock
// deadline still applies), and this is logged once per execution.
func (e *Executor) buildCmd(ex *execution) (*exec.Cmd, error) {
	var cmd *exec.Cmd

	if e.cfg.SelfExe != "" {
		argvJSON, err := json.Marshal(ex.argv)
		if err != nil {
			return nil, err
		}
		cmd = exec.Command(e.cfg.SelfExe)
		cmd.Env = append(os.Environ(),
			ChildEnvMarker+"=1",
			ChildEnvArgv+"="+string(argvJSON),
			fmt.Sprintf("%s=%d", ChildEnvCPU, ex.caps.CPUSeconds),
			fmt.Sprintf("%s=%d", ChildEnvAS, ex.caps.MemBytes),
			fmt.Sprintf("%s=%d", ChildEnvFSize, ex.caps.FileSizeBytes),
		)
	} else {
		path, err := exec.LookPath(ex.argv[0])
		if err != nil {
			return nil, err
		}
		cmd = exec.Command(path, ex.argv[1:]...)
		e.logger.Warn("procexec: no SelfExe configured, resource caps are advisory only",
			"execution_id", ex.id, "tool", ex.tool)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	return cmd, nil
}

// resourceStatsFrom extracts CPU time and max RSS from the process's OS
// accounting structure once it has exited.
func resourceStatsFrom(cmd *exec.Cmd, startedAt time.Time) ResourceStats {
	stats := ResourceStats{WallMillis: time.Since(startedAt).Milliseconds()}
	if cmd.ProcessState == nil {
		return stats
	}
	if ru, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && ru != nil {
		stats.CPUMillis = ru.Utime.Nano()/1e6 + ru.Stime.Nano()/1e6
		stats.MaxRSSBytes = ru.Maxrss * 1024 // Linux reports KB.
	}
	return stats
}
