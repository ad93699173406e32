package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/runlet-core/internal/history"
	"github.com/nerrad567/runlet-core/internal/procmgr"
)

// Logger defines the logging interface used by the Supervisor.
// This allows different logging implementations to be used.
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

// Notifier receives state transitions and output from supervised
// processes. Implementations fan these out to interested parties
// (WebSocket clients, MQTT topics). Calls come from supervisor
// goroutines and must not block for long.
type Notifier interface {
	ProcessState(snap Snapshot)
	ProcessOutput(id string, chunk Chunk)
}

// noopNotifier discards all notifications.
type noopNotifier struct{}

func (noopNotifier) ProcessState(Snapshot)       {}
func (noopNotifier) ProcessOutput(string, Chunk) {}

// Options configures a Supervisor.
type Options struct {
	// KillGrace is the default SIGTERM-to-SIGKILL window applied to
	// processes that do not specify their own.
	KillGrace time.Duration

	// MaxProcesses limits concurrently tracked non-terminated
	// processes. 0 means unlimited.
	MaxProcesses int

	// OutputBufferBytes is the per-process retained output window.
	OutputBufferBytes int
}

// Spec describes a process to launch.
type Spec struct {
	// Name is the display name. Empty defaults to the basename of argv[0].
	Name string `json:"name,omitempty"`

	// Command is the argv of the process. Must be non-empty.
	Command []string `json:"command"`

	// Env is appended to the daemon's environment. Entries are KEY=VALUE.
	Env []string `json:"env,omitempty"`

	// Dir is the working directory. Empty means inherited.
	Dir string `json:"dir,omitempty"`

	// KillGrace overrides the supervisor default when non-nil.
	// Zero means SIGKILL immediately on destroy.
	KillGrace *time.Duration `json:"-"`
}

// Snapshot is a point-in-time view of a supervised process.
type Snapshot struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Command   []string   `json:"command"`
	Dir       string     `json:"dir,omitempty"`
	PID       int        `json:"pid,omitempty"`
	State     string     `json:"state"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// proc couples a manager with its journal row and retained output.
type proc struct {
	id  string
	mgr *procmgr.Manager
	out *outputLog

	mu        sync.Mutex
	name      string
	command   []string
	dir       string
	pid       int
	exitCode  *int
	err       string
	createdAt time.Time
	startedAt *time.Time
	exitedAt  *time.Time
	stdin     *procmgr.StdinSink
}

// snapshot builds a Snapshot under the proc's lock.
func (p *proc) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Snapshot{
		ID:        p.id,
		Name:      p.name,
		Command:   p.command,
		Dir:       p.dir,
		PID:       p.pid,
		State:     p.mgr.State().String(),
		ExitCode:  p.exitCode,
		Error:     p.err,
		CreatedAt: p.createdAt,
		StartedAt: p.startedAt,
		ExitedAt:  p.exitedAt,
	}
}

// Supervisor tracks all supervised processes by UUID.
type Supervisor struct {
	opts     Options
	repo     history.Repository
	logger   Logger
	notifier Notifier

	mu     sync.RWMutex
	procs  map[string]*proc
	closed bool

	watchers sync.WaitGroup
}

// New creates a Supervisor. The repository may be nil, in which case
// no run journal is kept.
func New(opts Options, repo history.Repository) *Supervisor {
	if opts.OutputBufferBytes <= 0 {
		opts.OutputBufferBytes = 256 * 1024
	}
	return &Supervisor{
		opts:     opts,
		repo:     repo,
		logger:   noopLogger{},
		notifier: noopNotifier{},
		procs:    make(map[string]*proc),
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// SetNotifier sets the notifier that receives state and output fanout.
// Must be called before Launch.
func (s *Supervisor) SetNotifier(n Notifier) {
	s.notifier = n
}

// Launch starts a new supervised process and returns its initial
// snapshot. A launch failure is returned as an error and also recorded
// as a terminated run so the failure stays inspectable.
func (s *Supervisor) Launch(ctx context.Context, spec Spec) (Snapshot, error) {
	grace := s.opts.KillGrace
	if spec.KillGrace != nil {
		grace = *spec.KillGrace
	}

	mgr, err := procmgr.New(procmgr.Config{
		Name:      spec.Name,
		Command:   spec.Command,
		Env:       spec.Env,
		Dir:       spec.Dir,
		KillGrace: grace,
	})
	if err != nil {
		return Snapshot{}, err
	}
	mgr.SetLogger(s.logger)

	p := &proc{
		id:        uuid.NewString(),
		mgr:       mgr,
		out:       newOutputLog(s.opts.OutputBufferBytes),
		name:      spec.Name,
		command:   spec.Command,
		dir:       spec.Dir,
		createdAt: time.Now().UTC(),
	}
	if p.name == "" {
		p.name = spec.Command[0]
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	if s.opts.MaxProcesses > 0 && s.activeLocked() >= s.opts.MaxProcesses {
		s.mu.Unlock()
		return Snapshot{}, ErrTooManyProcesses
	}
	s.procs[p.id] = p
	s.mu.Unlock()

	if s.repo != nil {
		run := &history.Run{
			ID:        p.id,
			Name:      p.name,
			Command:   p.command,
			Dir:       p.dir,
			CreatedAt: p.createdAt,
		}
		if err := s.repo.Create(ctx, run); err != nil {
			s.logger.Error("recording run", "id", p.id, "error", err)
		}
	}

	// The process outlives the request that launched it, so Start gets
	// a background context rather than ctx.
	if err := mgr.Start(context.Background()); err != nil {
		now := time.Now().UTC()
		p.mu.Lock()
		p.err = err.Error()
		p.exitedAt = &now
		p.mu.Unlock()
		p.out.close()

		if s.repo != nil {
			if rerr := s.repo.MarkLaunchFailed(ctx, p.id, err.Error(), now); rerr != nil {
				s.logger.Error("recording launch failure", "id", p.id, "error", rerr)
			}
		}
		s.logger.Warn("process launch failed", "id", p.id, "name", p.name, "error", err)
		s.notifier.ProcessState(p.snapshot())
		return p.snapshot(), fmt.Errorf("launching %s: %w", p.name, err)
	}

	s.logger.Info("process launched", "id", p.id, "name", p.name)

	s.watchers.Add(1)
	go s.watch(p)

	return p.snapshot(), nil
}

// watch consumes the manager's event stream for one process.
func (s *Supervisor) watch(p *proc) {
	defer s.watchers.Done()

	var pumps sync.WaitGroup
	for ev := range p.mgr.Events() {
		switch ev := ev.(type) {
		case procmgr.Started:
			now := time.Now().UTC()
			p.mu.Lock()
			p.pid = ev.PID
			p.startedAt = &now
			p.stdin = ev.Streams.Stdin
			p.mu.Unlock()

			if s.repo != nil {
				if err := s.repo.MarkStarted(context.Background(), p.id, ev.PID, now); err != nil {
					s.logger.Error("recording start", "id", p.id, "error", err)
				}
			}
			s.notifier.ProcessState(p.snapshot())

			pumps.Add(2)
			go s.forward(p, &pumps, "stdout", ev.Streams.Stdout)
			go s.forward(p, &pumps, "stderr", ev.Streams.Stderr)

		case procmgr.Exited:
			now := time.Now().UTC()
			code := ev.Code
			p.mu.Lock()
			p.exitCode = &code
			p.exitedAt = &now
			p.mu.Unlock()

			if s.repo != nil {
				if err := s.repo.MarkExited(context.Background(), p.id, code, now); err != nil {
					s.logger.Error("recording exit", "id", p.id, "error", err)
				}
			}
			s.logger.Info("process exited", "id", p.id, "name", p.name, "exit_code", code)
			s.notifier.ProcessState(p.snapshot())

		case procmgr.StreamError:
			s.logger.Warn("stream error", "id", p.id, "stream", ev.Stream, "error", ev.Err)
		}
	}

	pumps.Wait()
	p.out.close()
}

// forward copies one stream into the output log and notifier.
func (s *Supervisor) forward(p *proc, wg *sync.WaitGroup, stream string, ch <-chan []byte) {
	defer wg.Done()
	for data := range ch {
		chunk := Chunk{Stream: stream, Data: data}
		p.out.append(chunk)
		s.notifier.ProcessOutput(p.id, chunk)
	}
}

// activeLocked counts non-terminated processes. Caller holds s.mu.
func (s *Supervisor) activeLocked() int {
	n := 0
	for _, p := range s.procs {
		if p.mgr.State() != procmgr.StateTerminated {
			n++
		}
	}
	return n
}

// get looks up a tracked process.
func (s *Supervisor) get(id string) (*proc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.procs[id]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return p, nil
}

// Get returns the snapshot of one process.
func (s *Supervisor) Get(id string) (Snapshot, error) {
	p, err := s.get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return p.snapshot(), nil
}

// List returns snapshots of all tracked processes, newest first.
func (s *Supervisor) List() []Snapshot {
	s.mu.RLock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(procs))
	for _, p := range procs {
		snaps = append(snaps, p.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})
	return snaps
}

// Destroy requests asynchronous termination of a process. It is
// idempotent: destroying an already-terminated process is a no-op.
func (s *Supervisor) Destroy(id string) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}
	s.logger.Info("destroying process", "id", id, "name", p.name)
	p.mgr.Destroy()
	return nil
}

// WriteStdin writes bytes to a process's standard input.
func (s *Supervisor) WriteStdin(id string, data []byte) (int, error) {
	p, err := s.get(id)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		// The proc is registered before the spawn completes, so a nil
		// sink means either a launch still in flight or one that failed.
		if p.mgr.State() == procmgr.StateStarting {
			return 0, procmgr.ErrNotStarted
		}
		return 0, ErrProcessNotRunning
	}
	return stdin.Write(data)
}

// CloseStdin closes a process's standard input, delivering EOF.
func (s *Supervisor) CloseStdin(id string) error {
	p, err := s.get(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		if p.mgr.State() == procmgr.StateStarting {
			return procmgr.ErrNotStarted
		}
		return ErrProcessNotRunning
	}
	return stdin.Close()
}

// Output returns the retained output window of a process.
func (s *Supervisor) Output(id string) ([]Chunk, error) {
	p, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return p.out.snapshot(), nil
}

// Subscribe returns the retained output window plus a live chunk
// channel. The channel closes when the process's output ends or cancel
// is called. There is no gap between replay and live delivery.
func (s *Supervisor) Subscribe(id string, buffer int) (replay []Chunk, live <-chan Chunk, cancel func(), err error) {
	p, err := s.get(id)
	if err != nil {
		return nil, nil, nil, err
	}
	replay, live, cancel = p.out.subscribe(buffer)
	return replay, live, cancel, nil
}

// Close stops every tracked process and waits for all bookkeeping to
// finish. New launches are refused once Close has begun. The context
// bounds how long to wait for processes to die.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	s.logger.Info("supervisor shutting down", "processes", len(procs))

	g, ctx := errgroup.WithContext(ctx)
	for _, p := range procs {
		p := p
		g.Go(func() error {
			if err := p.mgr.Stop(ctx); err != nil {
				return fmt.Errorf("stopping %s: %w", p.id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	s.watchers.Wait()
	return err
}
