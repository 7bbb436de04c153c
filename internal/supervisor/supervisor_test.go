package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/dbflux/driverkit/internal/logging"
)

// TestMain doubles as the driver-host stand-in: when SUPERVISOR_HELPER is
// set the test binary plays the child process the supervisor spawns.
func TestMain(m *testing.M) {
	switch os.Getenv("SUPERVISOR_HELPER") {
	case "":
		os.Exit(m.Run())
	case "serve":
		helperServe(false)
	case "stubborn":
		helperServe(true)
	case "hang":
		time.Sleep(time.Minute)
	case "exit":
		os.Exit(3)
	}
}

func helperServe(ignoreTerm bool) {
	path := SocketPath(os.Getenv("DBFLUX_SOCKET_ID"))
	if dir := os.Getenv("SUPERVISOR_PID_DIR"); dir != "" {
		// Leave a per-process marker so tests can count how many copies
		// were actually launched.
		name := filepath.Join(dir, fmt.Sprintf("pid-%d", os.Getpid()))
		_ = os.WriteFile(name, []byte(strconv.Itoa(os.Getpid())), 0o644)
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		os.Exit(1)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	if ignoreTerm {
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Minute)
		return
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	<-ch
	_ = os.Remove(path)
	os.Exit(0)
}

func testDescriptor(t *testing.T, helper string) ServiceDescriptor {
	t.Helper()
	id := fmt.Sprintf("driverkit-sup-%d-%s", os.Getpid(), t.Name())
	t.Cleanup(func() { _ = os.Remove(SocketPath(id)) })
	return ServiceDescriptor{
		SocketID:       id,
		Command:        os.Args[0],
		Env:            map[string]string{"SUPERVISOR_HELPER": helper},
		StartupTimeout: 5 * time.Second,
	}
}

func newTestSupervisor(t *testing.T, opts ...Option) *Supervisor {
	t.Helper()
	s := New(logging.New(logging.ProfileTest, "supervisor-test"), opts...)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestEnsureSpawnsAndOwnsHost(t *testing.T) {
	s := newTestSupervisor(t)
	desc := testDescriptor(t, "serve")

	if err := s.Ensure(context.Background(), desc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !s.Owns(desc.SocketID) {
		t.Fatal("spawned host not owned")
	}
	if !socketLive(desc.SocketPath()) {
		t.Fatal("socket not reachable after Ensure")
	}

	// Re-ensure against the live socket is a no-op.
	if err := s.Ensure(context.Background(), desc); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}

	if stopped := s.Shutdown(context.Background()); stopped != 1 {
		t.Fatalf("Shutdown stopped %d, want 1", stopped)
	}
	if s.Owns(desc.SocketID) {
		t.Fatal("still owned after shutdown")
	}
}

func TestConcurrentEnsureSpawnsOnce(t *testing.T) {
	s := newTestSupervisor(t)
	desc := testDescriptor(t, "serve")
	pidDir := t.TempDir()
	desc.Env["SUPERVISOR_PID_DIR"] = pidDir

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Ensure(context.Background(), desc)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Ensure #%d: %v", i, err)
		}
	}

	markers, err := filepath.Glob(filepath.Join(pidDir, "pid-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(markers) != 1 {
		t.Fatalf("launched %d hosts for one socket, want 1", len(markers))
	}
	if stopped := s.Shutdown(context.Background()); stopped != 1 {
		t.Fatalf("Shutdown stopped %d, want 1", stopped)
	}
}

func TestEnsureDoesNotOwnPreexistingService(t *testing.T) {
	s := newTestSupervisor(t)
	// The helper would exit immediately if spawned; a live socket must
	// short-circuit before any spawn happens.
	desc := testDescriptor(t, "exit")

	ln, err := net.Listen("unix", desc.SocketPath())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if err := s.Ensure(context.Background(), desc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if s.Owns(desc.SocketID) {
		t.Fatal("pre-existing service must not be owned")
	}
	if stopped := s.Shutdown(context.Background()); stopped != 0 {
		t.Fatalf("Shutdown stopped %d, want 0", stopped)
	}

	// The foreign listener survives shutdown.
	if !socketLive(desc.SocketPath()) {
		t.Fatal("pre-existing service was terminated")
	}
}

func TestEnsureLaunchTimeout(t *testing.T) {
	s := newTestSupervisor(t)
	desc := testDescriptor(t, "hang")
	desc.StartupTimeout = 300 * time.Millisecond

	err := s.Ensure(context.Background(), desc)
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("err = %v, want ErrLaunchFailed", err)
	}
	if s.Owns(desc.SocketID) {
		t.Fatal("failed launch must not be recorded as owned")
	}
}

func TestEnsureFailsFastOnChildExit(t *testing.T) {
	s := newTestSupervisor(t)
	desc := testDescriptor(t, "exit")

	started := time.Now()
	err := s.Ensure(context.Background(), desc)
	if !errors.Is(err, ErrLaunchFailed) {
		t.Fatalf("err = %v, want ErrLaunchFailed", err)
	}
	// Failure comes from exit detection, well before the startup timeout.
	if elapsed := time.Since(started); elapsed > desc.StartupTimeout/2 {
		t.Errorf("failure took %v, expected early exit detection", elapsed)
	}
}

func TestEnsureNoCommand(t *testing.T) {
	s := newTestSupervisor(t)
	desc := testDescriptor(t, "serve")
	desc.Command = ""

	if err := s.Ensure(context.Background(), desc); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("err = %v, want ErrNoCommand", err)
	}
}

func TestShutdownKillsAfterGracePeriod(t *testing.T) {
	s := newTestSupervisor(t, WithGracePeriod(200*time.Millisecond))
	desc := testDescriptor(t, "stubborn")

	if err := s.Ensure(context.Background(), desc); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if stopped := s.Shutdown(context.Background()); stopped != 1 {
		t.Fatalf("Shutdown stopped %d, want 1", stopped)
	}
}

func TestSocketPathDerivation(t *testing.T) {
	got := SocketPath("pg-main")
	want := SocketPath("pg-main")
	if got != want || got == "" {
		t.Fatalf("SocketPath not stable: %q vs %q", got, want)
	}
	desc := ServiceDescriptor{SocketID: "pg-main"}
	if desc.SocketPath() != got {
		t.Fatal("descriptor path disagrees with package derivation")
	}
}
