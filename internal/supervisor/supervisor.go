// Package supervisor guarantees a reachable driver-host socket for each
// configured service, spawning the configured command when the socket is
// absent and tracking ownership of every process it started. Ownership is
// the load-bearing invariant here: the runtime never terminates a process it
// did not start.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbflux/driverkit/internal/observability"
)

var (
	ErrLaunchFailed = errors.New("supervisor: driver host launch failed")
	ErrNoCommand    = errors.New("supervisor: socket unavailable and no launch command configured")
)

const (
	probeTimeout = 250 * time.Millisecond
	pollInterval = 75 * time.Millisecond
)

// DefaultGracePeriod bounds how long shutdown waits between the terminate
// signal and a forced kill.
const DefaultGracePeriod = 3 * time.Second

// ServiceDescriptor is the static configuration for one external service.
// Immutable once built from configuration.
type ServiceDescriptor struct {
	SocketID       string
	Command        string
	Args           []string
	Env            map[string]string
	StartupTimeout time.Duration
}

// SocketPath derives the filesystem path for a socket identifier. The name
// is used as-is, with no renaming beyond placing it in the temp directory.
func SocketPath(socketID string) string {
	return filepath.Join(os.TempDir(), socketID)
}

// SocketPath is the path this descriptor's service listens on.
func (d ServiceDescriptor) SocketPath() string {
	return SocketPath(d.SocketID)
}

// managedProcess records one spawned service. Only owned processes are ever
// terminated; services found already listening are used but never owned.
type managedProcess struct {
	cmd      *exec.Cmd
	socketID string
	owned    bool

	waitOnce sync.Once
	waitDone chan struct{}
	waitErr  error
}

func newManagedProcess(cmd *exec.Cmd, socketID string) *managedProcess {
	p := &managedProcess{
		cmd:      cmd,
		socketID: socketID,
		owned:    true,
		waitDone: make(chan struct{}),
	}
	go p.reap()
	return p
}

func (p *managedProcess) reap() {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.waitDone)
	})
}

func (p *managedProcess) exited() bool {
	select {
	case <-p.waitDone:
		return true
	default:
		return false
	}
}

// Supervisor owns the process-wide managed-process table. Create one at
// application startup and pass it to every component that launches or shuts
// down services; there is no package-level instance.
type Supervisor struct {
	log   zerolog.Logger
	grace time.Duration

	mu    sync.Mutex
	procs map[string]*managedProcess
	// locks serializes Ensure per socket so concurrent callers cannot race
	// each other between the liveness probe and the spawn record.
	locks map[string]*sync.Mutex
}

type Option func(*Supervisor)

// WithGracePeriod overrides the terminate-to-kill grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

func New(logger zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:   logger,
		grace: DefaultGracePeriod,
		procs: make(map[string]*managedProcess),
		locks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) lockSocket(socketID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[socketID]
	if !ok {
		lock = new(sync.Mutex)
		s.locks[socketID] = lock
	}
	return lock
}

// Owns reports whether the supervisor started (and therefore must
// eventually terminate) the service behind socketID.
func (s *Supervisor) Owns(socketID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[socketID]
	return ok && p.owned
}

// Ensure guarantees a reachable socket for the descriptor or fails
// explicitly. An already-listening socket is used without recording
// ownership. Otherwise the configured command is spawned and polled for
// readiness until the startup timeout; a spawn that never serves is killed
// and reported as ErrLaunchFailed.
func (s *Supervisor) Ensure(ctx context.Context, desc ServiceDescriptor) error {
	path := desc.SocketPath()

	// One Ensure at a time per socket. Without this, two concurrent calls
	// can both probe a dead socket and both spawn; the loser's process would
	// never be recorded and so never shut down.
	lock := s.lockSocket(desc.SocketID)
	lock.Lock()
	defer lock.Unlock()

	if socketLive(path) {
		s.log.Debug().Str("socket", desc.SocketID).Msg("service already listening, not owned")
		return nil
	}

	s.mu.Lock()
	if p, ok := s.procs[desc.SocketID]; ok {
		if p.exited() {
			delete(s.procs, desc.SocketID)
		} else {
			// Spawned earlier and still running; wait for its socket below
			// without spawning a second copy.
			s.mu.Unlock()
			if err := s.awaitSocket(ctx, p, path, desc.startupTimeout()); err != nil {
				return fmt.Errorf("%w: %s: running host never became reachable", ErrLaunchFailed, desc.SocketID)
			}
			return nil
		}
	}
	s.mu.Unlock()

	if desc.Command == "" {
		return fmt.Errorf("%w: %s", ErrNoCommand, desc.SocketID)
	}

	cmd := exec.Command(desc.Command, desc.Args...)
	// Children learn their socket from the environment, so default service
	// entries need no args.
	cmd.Env = append(os.Environ(), "DBFLUX_SOCKET_ID="+desc.SocketID)
	cmd.Env = append(cmd.Env, flattenEnv(desc.Env)...)
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: start %q: %v", ErrLaunchFailed, desc.SocketID, desc.Command, err)
	}

	proc := newManagedProcess(cmd, desc.SocketID)
	s.log.Info().
		Str("socket", desc.SocketID).
		Str("command", desc.Command).
		Int("pid", cmd.Process.Pid).
		Msg("driver host spawned")
	observability.RecordProcessEvent("spawn")

	if err := s.awaitSocket(ctx, proc, path, desc.startupTimeout()); err != nil {
		// The launch is ours to clean up even though it never registered.
		_ = cmd.Process.Kill()
		<-proc.waitDone
		observability.RecordProcessEvent("launch_failed")
		return err
	}

	s.mu.Lock()
	s.procs[desc.SocketID] = proc
	s.mu.Unlock()
	return nil
}

func (d ServiceDescriptor) startupTimeout() time.Duration {
	if d.StartupTimeout > 0 {
		return d.StartupTimeout
	}
	return 5 * time.Second
}

// awaitSocket polls for readiness until the timeout, failing early when the
// child exits before ever serving.
func (s *Supervisor) awaitSocket(ctx context.Context, proc *managedProcess, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if socketLive(path) {
			return nil
		}
		if proc != nil && proc.exited() {
			return fmt.Errorf("%w: %s: host exited before socket was ready (%v)",
				ErrLaunchFailed, proc.socketID, proc.waitErr)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s: not ready within %s", ErrLaunchFailed, proc.socketID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func socketLive(path string) bool {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Shutdown terminates every owned process: terminate signal, bounded wait,
// then forced kill. It blocks until each attempt completes and returns the
// number of processes stopped. Non-owned services are untouched under all
// circumstances.
func (s *Supervisor) Shutdown(ctx context.Context) int {
	s.mu.Lock()
	procs := s.procs
	s.procs = make(map[string]*managedProcess)
	s.mu.Unlock()

	stopped := 0
	for socketID, proc := range procs {
		if !proc.owned {
			continue
		}
		if proc.exited() {
			s.log.Info().Str("socket", socketID).Msg("driver host already exited")
			continue
		}
		if s.terminate(ctx, proc) {
			stopped++
		}
	}
	return stopped
}

func (s *Supervisor) terminate(ctx context.Context, proc *managedProcess) bool {
	log := s.log.With().Str("socket", proc.socketID).Int("pid", proc.cmd.Process.Pid).Logger()

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Warn().Err(err).Msg("terminate signal failed")
	}

	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-proc.waitDone:
		log.Info().Msg("driver host terminated")
		observability.RecordProcessEvent("terminate")
		return true
	case <-ctx.Done():
	case <-grace.C:
	}

	if err := proc.cmd.Process.Kill(); err != nil {
		log.Warn().Err(err).Msg("kill failed")
		return false
	}
	<-proc.waitDone
	log.Info().Msg("driver host killed after grace period")
	observability.RecordProcessEvent("kill")
	return true
}
