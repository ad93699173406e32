package procmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// State is the lifecycle token of a Manager.
type State int32

const (
	// StateStarting means the process spawn has not completed yet.
	StateStarting State = iota
	// StateRunning means the process is alive and the monitor is waiting on it.
	StateRunning
	// StateTerminating means termination has begun; no new stdin data is accepted.
	StateTerminating
	// StateTerminated is terminal: the process is reaped and resources released.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// eventBuffer is sized above the maximum number of events a Manager can
// emit (one Started, one Exited, one StreamError per output stream), so
// emitting never blocks the monitor.
const eventBuffer = 8

// Config holds the immutable description of the process to supervise.
type Config struct {
	// Name is a human-readable identifier for logging.
	// Defaults to the command's base name.
	Name string

	// Command is the argv to execute; Command[0] is the executable.
	Command []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from the parent process.
	Env []string

	// Dir is the working directory. If empty, inherits from the parent.
	Dir string

	// KillGrace is the window between the group SIGTERM and the group
	// SIGKILL when termination is forced. Zero sends SIGKILL immediately.
	KillGrace time.Duration
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager supervises the lifecycle of a single child process.
//
// The state machine is Starting → Running → Terminating → Terminated, with
// a direct Starting → Terminated transition on launch failure. Exactly one
// trigger wins the transition into Terminating (natural exit, Destroy, or
// Stop); the rest become no-ops. The monitor goroutine is the single
// producer of the exit status, so kill paths never synthesize one.
type Manager struct {
	cfg    Config
	logger Logger

	state    atomic.Int32
	launched atomic.Bool // Start was invoked
	// destroyRequested buffers a Destroy that arrived while still
	// Starting; Start replays it once the process is Running.
	destroyRequested atomic.Bool

	cmd *exec.Cmd
	pid int

	stdin *StdinSink

	exitCode atomic.Int32
	exited   atomic.Bool

	events   chan Event
	evMu     sync.Mutex
	evClosed bool
	done     chan struct{}

	// abandon is closed by Stop so the stream pumps stop delivering to an
	// owner that has walked away.
	abandon     chan struct{}
	abandonOnce sync.Once

	killOnce sync.Once
	pumps    sync.WaitGroup
}

// New creates a Manager for the given command. No OS resources are
// allocated until Start.
func New(cfg Config) (*Manager, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, ErrEmptyCommand
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Command[0])
	}
	if cfg.KillGrace < 0 {
		cfg.KillGrace = 0
	}

	m := &Manager{
		cfg:     cfg,
		logger:  noopLogger{},
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		abandon: make(chan struct{}),
	}
	m.state.Store(int32(StateStarting))
	return m, nil
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Events returns the notification channel. It is closed after the terminal
// event once the stream pumps have stopped.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Done returns a channel closed once the Manager reaches Terminated.
// External watchers use it to coordinate on lifecycle completion.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// PID returns the child's process ID, or 0 before a successful spawn.
func (m *Manager) PID() int {
	return m.pid
}

// ExitCode returns the captured exit status. The boolean is false until the
// process has been reaped.
func (m *Manager) ExitCode() (int, bool) {
	if !m.exited.Load() {
		return 0, false
	}
	return int(m.exitCode.Load()), true
}

// Start spawns the child process.
//
// On failure it returns a *LaunchError synchronously, transitions straight
// to Terminated and closes both Done and the event channel; no Started is
// ever delivered. On success it queues the Started notification (carrying
// the stream endpoints) before the output pumps begin, so no stream data is
// observable ahead of it.
//
// Cancelling ctx after a successful spawn behaves like runtime teardown:
// the process group is killed so the blocked wait can return.
func (m *Manager) Start(ctx context.Context) error {
	if !m.launched.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if m.State() != StateStarting {
		return ErrTerminated
	}

	m.logger.Info("starting process",
		"name", m.cfg.Name,
		"command", m.cfg.Command,
	)

	// Pipes are created manually rather than via cmd.StdoutPipe so that
	// reaping the process never closes an end the owner still reads from.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return m.failLaunch(fmt.Errorf("stdin pipe: %w", err), nil)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return m.failLaunch(fmt.Errorf("stdout pipe: %w", err), []*os.File{stdinR, stdinW})
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return m.failLaunch(fmt.Errorf("stderr pipe: %w", err), []*os.File{stdinR, stdinW, stdoutR, stdoutW})
	}

	cmd := exec.Command(m.cfg.Command[0], m.cfg.Command[1:]...) //nolint:gosec // The command is the caller's explicit request.
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Dir = m.cfg.Dir
	if m.cfg.Env != nil {
		cmd.Env = append(os.Environ(), m.cfg.Env...)
	}

	// A fresh process group lets Destroy signal the child and anything it
	// forked in one kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return m.failLaunch(err, []*os.File{stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW})
	}

	// The child holds its own copies of these ends now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	m.cmd = cmd
	m.pid = cmd.Process.Pid
	m.stdin = newStdinSink(m, stdinW)

	stdout := make(chan []byte, streamBuffer)
	stderr := make(chan []byte, streamBuffer)
	streams := Streams{
		Stdin:  m.stdin,
		Stdout: stdout,
		Stderr: stderr,
	}

	// Only the winner of the Starting → Running transition may proceed: a
	// concurrent Stop can claim Starting → Terminated between the launched
	// flag and the spawn. The owner has already been told this manager is
	// dead, so a child spawned on the losing side must not outlive it.
	if !m.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		m.stdin.seal()
		stdoutR.Close()
		stderrR.Close()
		m.signalGroup(unix.SIGKILL)
		_ = cmd.Wait()
		m.logger.Info("spawn lost the race with teardown, child reaped",
			"name", m.cfg.Name,
			"pid", m.pid,
		)
		return ErrTerminated
	}

	// Queue Started before the pumps run: the owner can only reach the
	// stream channels through this event.
	m.emit(Started{Streams: streams, PID: m.pid})

	m.pumps.Add(2)
	go m.pump("stdout", stdoutR, stdout)
	go m.pump("stderr", stderrR, stderr)
	go m.monitor()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				m.Destroy()
			case <-m.done:
			}
		}()
	}

	m.logger.Info("process started", "name", m.cfg.Name, "pid", m.pid)

	// Replay a Destroy that raced with the spawn.
	if m.destroyRequested.Load() {
		m.tryTerminate()
	}

	return nil
}

// failLaunch releases partially constructed resources and finalizes the
// Manager without a Started or Exited notification.
func (m *Manager) failLaunch(err error, files []*os.File) error {
	for _, f := range files {
		f.Close()
	}
	// A concurrent Stop may have already claimed the transition and
	// finalized the channels; only the winner closes them.
	if m.state.CompareAndSwap(int32(StateStarting), int32(StateTerminated)) {
		close(m.done)
		m.closeEvents()
	}
	lerr := &LaunchError{Command: m.cfg.Command, Err: err}
	m.logger.Error("process launch failed", "name", m.cfg.Name, "error", err)
	return lerr
}

// Destroy forcibly terminates the child process. It is idempotent, safe to
// race with natural exit, and safe to call while the spawn is still in
// flight (the request is buffered and replayed once Running). The Exited
// notification still comes from the monitor once the OS confirms death.
func (m *Manager) Destroy() {
	m.destroyRequested.Store(true)
	m.tryTerminate()
}

// tryTerminate claims the Running → Terminating transition. Only the first
// caller wins; everyone else is a no-op.
func (m *Manager) tryTerminate() {
	if !m.state.CompareAndSwap(int32(StateRunning), int32(StateTerminating)) {
		return
	}
	// Stdin is sealed the moment termination begins.
	m.stdin.seal()
	m.killOnce.Do(func() {
		go m.killGroup()
	})
}

// Stop is runtime-level teardown of the manager itself. The child process
// is forcibly killed exactly as with Destroy, undelivered stream sends are
// abandoned so the pumps can exit without an owner, and the call waits for
// Terminated bounded by ctx.
//
// Stop does not depend on any other goroutine of the Manager being
// healthy: the kill is a direct syscall against the process group.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.launched.Load() && m.state.CompareAndSwap(int32(StateStarting), int32(StateTerminated)) {
		// Claimed the transition before any spawn completed. A Start
		// racing with this sees its Running transition fail and reaps
		// its own child, so there is nothing to kill or wait for here.
		close(m.done)
		m.closeEvents()
		return nil
	}

	m.Destroy()
	m.abandonOnce.Do(func() {
		close(m.abandon)
	})

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("procmgr: waiting for %s to terminate: %w", m.cfg.Name, ctx.Err())
	}
}

// killGroup signals the child's process group: SIGTERM, then SIGKILL after
// the grace window. With KillGrace zero it skips straight to SIGKILL.
// ESRCH means the group is already gone and is not an error.
func (m *Manager) killGroup() {
	if m.cfg.KillGrace <= 0 {
		m.signalGroup(unix.SIGKILL)
		return
	}

	m.signalGroup(unix.SIGTERM)
	select {
	case <-m.done:
	case <-time.After(m.cfg.KillGrace):
		m.logger.Warn("kill grace expired, escalating to SIGKILL",
			"name", m.cfg.Name,
			"grace", m.cfg.KillGrace,
		)
		m.signalGroup(unix.SIGKILL)
	}
}

func (m *Manager) signalGroup(sig unix.Signal) {
	if err := unix.Kill(-m.pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		m.logger.Warn("failed to signal process group",
			"name", m.cfg.Name,
			"signal", sig.String(),
			"error", err,
		)
	}
}

// monitor performs the blocking wait on its own goroutine and is the single
// source of truth for the exit status.
func (m *Manager) monitor() {
	err := m.cmd.Wait()
	code := exitStatus(err)

	// Natural exit claims the transition if no kill beat it to it.
	m.state.CompareAndSwap(int32(StateRunning), int32(StateTerminating))

	m.stdin.seal()
	m.exitCode.Store(int32(code))
	m.exited.Store(true)
	m.state.Store(int32(StateTerminated))

	m.logger.Info("process exited", "name", m.cfg.Name, "pid", m.pid, "code", code)

	m.emit(Exited{Code: code})
	close(m.done)

	// The event channel closes only after the pumps stop, so a late
	// StreamError never hits a closed channel.
	go func() {
		m.pumps.Wait()
		m.closeEvents()
	}()
}

// emit queues an event for the owner. The channel capacity exceeds the
// maximum event count per Manager, so the send never blocks. Events
// arriving after closeEvents (a stdin write racing with teardown) are
// dropped rather than panicking on a closed channel.
func (m *Manager) emit(ev Event) {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	if m.evClosed {
		return
	}
	m.events <- ev
}

// closeEvents closes the notification channel exactly once.
func (m *Manager) closeEvents() {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	if !m.evClosed {
		m.evClosed = true
		close(m.events)
	}
}

// exitStatus maps the result of cmd.Wait to a single integer code:
// 0 for clean exit, the child's status for a normal non-zero exit,
// 128+signal when the child was killed by a signal, and -1 when the wait
// itself failed without producing a status.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}

	return -1
}
