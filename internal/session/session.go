// Package session spawns and manages provider child processes. A
// session is a single PTY- or pipe-backed child process identified by a
// session id; the manager fans its output into CommandOutputChunk
// events on a shared, bounded IPC event broadcast, and watches for exit
// to emit a terminal CommandFinished event and atomically remove the
// session from the active map.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/alicia-run/alicia/internal/ipc"
)

// EventsCapacity bounds the shared IPC event broadcast. The capacity is
// fixed at startup; a consumer that falls further behind than this
// misses events.
const EventsCapacity = 1024

// outputCapacity bounds each session's own raw-byte output broadcast.
const outputCapacity = 256

// writerCapacity bounds each session's input writer channel.
const writerCapacity = 64

// terminateGrace is how long Terminate waits after SIGTERM before
// escalating to SIGKILL.
const terminateGrace = 3 * time.Second

// Mode selects how a session's child process is spawned.
type Mode string

const (
	Auto Mode = "auto"
	Pty  Mode = "pty"
	Pipe Mode = "pipe"
)

// StartRequest describes a session to spawn.
type StartRequest struct {
	SessionID string
	Program   string
	Args      []string
	Cwd       string
	Env       map[string]string
	Arg0      string
	Mode      Mode
}

// ReattachedSession is returned by Manager.Reattach: a live writer for
// stdin, a freshly subscribed output receiver, and the session's
// observed lifecycle.
type ReattachedSession struct {
	Writer    chan<- []byte
	Output    <-chan []byte
	HasExited bool
	ExitCode  int32 // only meaningful when HasExited is true
}

// AlreadyExistsError is returned when Start is called with a session id
// that is already active.
type AlreadyExistsError struct {
	SessionID string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("session %q already exists", e.SessionID)
}

func (e *AlreadyExistsError) BeginnerMessage() string {
	return fmt.Sprintf("A session named %q is already running. Next step: stop it first, or choose a different session id.", e.SessionID)
}

// NotFoundError is returned by Stop/Reattach for an unknown session id.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found", e.SessionID)
}

func (e *NotFoundError) BeginnerMessage() string {
	return fmt.Sprintf("No active session named %q was found. Next step: start a new session or check the session id.", e.SessionID)
}

// PtyUnavailableError is returned when Mode is explicitly Pty on a host
// that cannot provide one.
type PtyUnavailableError struct{}

func (e *PtyUnavailableError) Error() string { return "pty is not supported in this environment" }

func (e *PtyUnavailableError) BeginnerMessage() string {
	return "This machine cannot allocate a pseudo-terminal. Next step: retry with --mode pipe."
}

// SpawnFailedError wraps a failure encountered while starting the child
// process.
type SpawnFailedError struct {
	SessionID string
	Err       error
}

func (e *SpawnFailedError) Error() string {
	return fmt.Sprintf("failed to spawn session %q: %v", e.SessionID, e.Err)
}

func (e *SpawnFailedError) Unwrap() error { return e.Err }

func (e *SpawnFailedError) BeginnerMessage() string {
	return fmt.Sprintf("The command for session %q could not be started: %v. Next step: confirm the program exists and is executable.", e.SessionID, e.Err)
}

// Manager spawns and tracks active sessions. All inter-goroutine
// communication goes through the broadcast channels below; the active
// map itself is guarded by a single mutex, checked both before and
// after the (blocking) spawn call to close the create-duplicate race.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*processHandle
	events   *broadcaster[ipc.IpcMessage]
	logger   *slog.Logger
}

// NewManager constructs an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*processHandle),
		events:   newBroadcaster[ipc.IpcMessage](EventsCapacity),
		logger:   logger.With("component", "session.Manager"),
	}
}

// Events subscribes a new receiver to the shared IPC event stream. The
// receiver should be drained continuously; a slow consumer misses
// events rather than blocking every session's forwarder.
func (m *Manager) Events() <-chan ipc.IpcMessage {
	return m.events.subscribe()
}

// Start spawns request's child process. Duplicate session ids are
// rejected both before the (possibly slow) spawn and again afterward,
// since another Start for the same id could have raced in between.
func (m *Manager) Start(ctx context.Context, request StartRequest) error {
	if request.Program == "" {
		return &SpawnFailedError{SessionID: request.SessionID, Err: fmt.Errorf("missing program for session start")}
	}

	m.mu.Lock()
	if _, exists := m.sessions[request.SessionID]; exists {
		m.mu.Unlock()
		return &AlreadyExistsError{SessionID: request.SessionID}
	}
	m.mu.Unlock()

	startedAt := time.Now()
	handle, err := m.spawnProcess(ctx, request)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.sessions[request.SessionID]; exists {
		m.mu.Unlock()
		handle.Terminate()
		return &AlreadyExistsError{SessionID: request.SessionID}
	}
	m.sessions[request.SessionID] = handle
	m.mu.Unlock()

	command := append([]string{request.Program}, request.Args...)
	m.spawnOutputForwarder(request.SessionID, handle)
	m.spawnExitWatcher(request.SessionID, handle, startedAt)

	m.events.publish(ipc.New(ipc.NewCommandStarted(ipc.CommandStarted{
		CommandID: request.SessionID,
		Command:   command,
		Cwd:       request.Cwd,
	})))

	m.logger.Info("session started", "session_id", request.SessionID, "program", request.Program, "mode", request.Mode)
	return nil
}

// Stop terminates session_id's child process and removes it from the
// active map. The terminal CommandFinished event is emitted
// asynchronously by the exit watcher once the process actually exits.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	handle, exists := m.sessions[sessionID]
	m.mu.Unlock()

	if !exists {
		return &NotFoundError{SessionID: sessionID}
	}

	handle.Terminate()
	return nil
}

// Reattach returns a live writer and a fresh output subscription for an
// active or just-exited session.
func (m *Manager) Reattach(sessionID string) (ReattachedSession, error) {
	m.mu.Lock()
	handle, exists := m.sessions[sessionID]
	m.mu.Unlock()

	if !exists {
		return ReattachedSession{}, &NotFoundError{SessionID: sessionID}
	}

	exited, exitCode := handle.Exit()
	return ReattachedSession{
		Writer:    handle.writerCh,
		Output:    handle.output.subscribe(),
		HasExited: exited,
		ExitCode:  exitCode,
	}, nil
}

// IsActive reports whether sessionID is currently tracked as running.
func (m *Manager) IsActive(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.sessions[sessionID]
	return exists
}

func (m *Manager) spawnProcess(ctx context.Context, request StartRequest) (*processHandle, error) {
	mode := request.Mode
	if mode == "" {
		mode = Auto
	}

	switch mode {
	case Auto:
		if ptySupported() {
			return spawnPty(ctx, request)
		}
		return spawnPipe(ctx, request)
	case Pty:
		if !ptySupported() {
			return nil, &PtyUnavailableError{}
		}
		return spawnPty(ctx, request)
	case Pipe:
		return spawnPipe(ctx, request)
	default:
		return nil, &SpawnFailedError{SessionID: request.SessionID, Err: fmt.Errorf("unknown session mode %q", mode)}
	}
}

func (m *Manager) spawnOutputForwarder(sessionID string, handle *processHandle) {
	outputRx := handle.output.subscribe()
	go func() {
		for chunk := range outputRx {
			if len(chunk) == 0 {
				continue
			}
			m.events.publish(ipc.New(ipc.NewCommandOutputChunk(ipc.CommandOutputChunk{
				CommandID: sessionID,
				// PTY and pipe output are multiplexed into one stream by
				// the process handle; see processHandle.output.
				Stream: ipc.StreamStdout,
				Chunk:  string(chunk),
			})))
		}
	}()
}

func (m *Manager) spawnExitWatcher(sessionID string, handle *processHandle, startedAt time.Time) {
	go func() {
		exitCode := handle.wait()
		durationMs := uint64(time.Since(startedAt).Milliseconds())

		m.events.publish(ipc.New(ipc.NewCommandFinished(ipc.CommandFinished{
			CommandID:  sessionID,
			ExitCode:   exitCode,
			DurationMs: durationMs,
		})))

		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()

		m.logger.Info("session finished", "session_id", sessionID, "exit_code", exitCode, "duration_ms", durationMs)
	}()
}

// processHandle owns one spawned child process: its I/O plumbing and
// its observed exit state.
type processHandle struct {
	cmd      *exec.Cmd
	writerCh chan []byte
	output   *broadcaster[[]byte]
	doneCh   chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int32

	killOnce sync.Once
}

func newProcessHandle(cmd *exec.Cmd) *processHandle {
	return &processHandle{
		cmd:      cmd,
		writerCh: make(chan []byte, writerCapacity),
		output:   newBroadcaster[[]byte](outputCapacity),
		doneCh:   make(chan struct{}),
	}
}

// Exit reports the handle's currently observed lifecycle.
func (h *processHandle) Exit() (exited bool, code int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.exitCode
}

// Terminate sends SIGTERM, then escalates to SIGKILL if the process has
// not exited after terminateGrace.
func (h *processHandle) Terminate() {
	h.killOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-h.doneCh:
			case <-time.After(terminateGrace):
				_ = h.cmd.Process.Kill()
			}
		}()
	})
}

// wait blocks until the child exits, records the exit code, and closes
// doneCh. It must be called exactly once, from the exit-watcher
// goroutine.
func (h *processHandle) wait() int32 {
	err := h.cmd.Wait()
	code := int32(0)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = int32(exitErr.ExitCode())
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	h.mu.Unlock()

	close(h.doneCh)
	h.output.closeAll()
	return code
}

func buildCmd(ctx context.Context, request StartRequest) *exec.Cmd {
	cmd := exec.CommandContext(ctx, request.Program, request.Args...)
	cmd.Dir = request.Cwd
	if len(request.Env) > 0 {
		env := make([]string, 0, len(request.Env))
		for k, v := range request.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if request.Arg0 != "" {
		cmd.Args = append([]string{request.Arg0}, cmd.Args[1:]...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace
	return cmd
}

// ptySupported reports whether this host can allocate a pseudo-terminal.
// creack/pty does not expose its own capability probe, so this is a
// platform check rather than a live syscall probe.
func ptySupported() bool {
	return runtime.GOOS != "windows"
}

func spawnPty(ctx context.Context, request StartRequest) (*processHandle, error) {
	cmd := buildCmd(ctx, request)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
	if err != nil {
		return nil, &SpawnFailedError{SessionID: request.SessionID, Err: err}
	}

	handle := newProcessHandle(cmd)
	go pumpOutput(handle.output, ptmx)
	go pumpWriter(handle.writerCh, ptmx, handle.doneCh)
	return handle, nil
}

func spawnPipe(ctx context.Context, request StartRequest) (*processHandle, error) {
	cmd := buildCmd(ctx, request)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnFailedError{SessionID: request.SessionID, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnFailedError{SessionID: request.SessionID, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnFailedError{SessionID: request.SessionID, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnFailedError{SessionID: request.SessionID, Err: err}
	}

	handle := newProcessHandle(cmd)
	// stdout and stderr are multiplexed into the same output broadcast;
	// see the comment on the forwarder in Manager.spawnOutputForwarder.
	go pumpOutput(handle.output, stdout)
	go pumpOutput(handle.output, stderr)
	go pumpWriter(handle.writerCh, stdin, handle.doneCh)
	return handle, nil
}

func pumpOutput(out *broadcaster[[]byte], r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out.publish(chunk)
		}
		if err != nil {
			return
		}
	}
}

func pumpWriter(in <-chan []byte, w io.Writer, done <-chan struct{}) {
	for {
		select {
		case data, ok := <-in:
			if !ok {
				return
			}
			if _, err := w.Write(data); err != nil {
				// The child may have already exited; this is not a
				// panic-worthy condition, the caller learns about it
				// only indirectly via a full writer channel on a later
				// send.
				return
			}
		case <-done:
			return
		}
	}
}
