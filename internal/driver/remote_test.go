package driver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dbflux/driverkit/internal/host"
	"github.com/dbflux/driverkit/internal/host/memdriver"
	"github.com/dbflux/driverkit/internal/logging"
	"github.com/dbflux/driverkit/internal/protocol"
	"github.com/dbflux/driverkit/internal/supervisor"
	"github.com/dbflux/driverkit/internal/transport"
)

// newRemote serves backend in-process on a supervisor-derived socket path and
// returns a RemoteDriver bound to it. The supervisor finds the socket live,
// so no process is ever spawned.
func newRemote(t *testing.T, backend host.Driver) *RemoteDriver {
	t.Helper()
	log := logging.New(logging.ProfileTest, "driver-test")

	id := fmt.Sprintf("driverkit-drv-%d-%s", os.Getpid(), strings.ReplaceAll(t.Name(), "/", "_"))
	path := supervisor.SocketPath(id)
	t.Cleanup(func() { _ = os.Remove(path) })

	srv := host.NewServer(backend, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, path) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("host never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	client, err := transport.Connect(context.Background(), transport.Config{
		SocketPath: path,
		Logger:     log,
	})
	if err != nil {
		t.Fatalf("probe connect: %v", err)
	}
	record := *client.Handshake()
	client.Close()

	desc := supervisor.ServiceDescriptor{SocketID: id, StartupTimeout: 5 * time.Second}
	return NewRemote(desc, record, supervisor.New(log), log)
}

func TestRemoteSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t, memdriver.New())

	if remote.Kind() != protocol.KindExternal {
		t.Fatalf("kind = %q", remote.Kind())
	}
	if remote.Metadata().ID != "memory" {
		t.Fatalf("metadata id = %q", remote.Metadata().ID)
	}

	sess, err := remote.Open(ctx, remote.BuildProfile(nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	result, err := sess.Execute(ctx, protocol.QueryRequest{SQL: "select 1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0][0] != "1" {
		t.Fatalf("rows = %v", result.Rows)
	}

	snapshot, err := sess.Schema(ctx)
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	if len(snapshot.Tables) != 1 || snapshot.Tables[0].Name != "users" {
		t.Fatalf("tables = %+v", snapshot.Tables)
	}

	if err := sess.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCapabilityGapSurfacesAsSentinel(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t, memdriver.NewMinimal())

	sess, err := remote.Open(ctx, remote.BuildProfile(nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close(ctx)

	_, err = sess.ListDatabases(ctx)
	if !errors.Is(err, ErrCapabilityAbsent) {
		t.Fatalf("err = %v, want ErrCapabilityAbsent", err)
	}

	err = sess.KeySet(ctx, protocol.KeyWrite{Key: "k", Value: "v"})
	if !errors.Is(err, ErrCapabilityAbsent) {
		t.Fatalf("err = %v, want ErrCapabilityAbsent", err)
	}

	// A gap is not a failure: the session stays usable.
	if _, err := sess.Execute(ctx, protocol.QueryRequest{SQL: "select 1"}); err != nil {
		t.Fatalf("Execute after gap: %v", err)
	}
}

func TestDriverErrorKeepsMessage(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t, memdriver.New())

	sess, err := remote.Open(ctx, remote.BuildProfile(nil))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close(ctx)

	_, err = sess.Execute(ctx, protocol.QueryRequest{SQL: "drop table users"})
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("err = %v, want ErrQueryFailed", err)
	}
	if !strings.Contains(err.Error(), "cannot execute") {
		t.Fatalf("driver message lost: %v", err)
	}
}

func TestOpenRejectedByBackend(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t, memdriver.New())

	_, err := remote.Open(ctx, remote.BuildProfile(map[string]string{"fail": "true"}))
	if !errors.Is(err, ErrQueryFailed) {
		t.Fatalf("err = %v, want ErrQueryFailed", err)
	}
	if !strings.Contains(err.Error(), "connection refused by profile") {
		t.Fatalf("backend message lost: %v", err)
	}
}

func TestTestConnection(t *testing.T) {
	ctx := context.Background()
	remote := newRemote(t, memdriver.New())

	if err := remote.TestConnection(ctx, remote.BuildProfile(nil)); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if err := remote.TestConnection(ctx, remote.BuildProfile(map[string]string{"fail": "true"})); err == nil {
		t.Fatal("expected rejected probe")
	}
}

func TestTranslateTaxonomy(t *testing.T) {
	cases := []struct {
		code protocol.ErrorCode
		want error
	}{
		{protocol.CodeInvalidRequest, ErrInvalidRequest},
		{protocol.CodeUnsupportedMethod, ErrCapabilityAbsent},
		{protocol.CodeVersionMismatch, ErrConnectionFailed},
		{protocol.CodeTransport, ErrConnectionFailed},
		{protocol.CodeSessionNotFound, ErrSessionExpired},
		{protocol.CodeTimeout, ErrTimeout},
		{protocol.CodeCancelled, ErrCancelled},
		{protocol.CodeDriver, ErrQueryFailed},
		{protocol.CodeInternal, ErrInternal},
	}
	for _, tc := range cases {
		got := translate(protocol.Errorf(tc.code, "boom"))
		if !errors.Is(got, tc.want) {
			t.Errorf("translate(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}

	if translate(nil) != nil {
		t.Error("translate(nil) != nil")
	}
	if got := translate(errors.New("socket gone")); !errors.Is(got, ErrConnectionFailed) {
		t.Errorf("plain error mapped to %v", got)
	}

	rpcErr := protocol.Errorf(protocol.CodeDriver, "syntax error near SELECT")
	rpcErr.Context = map[string]string{"position": "7"}
	got := translate(rpcErr)
	var appErr *Error
	if !errors.As(got, &appErr) {
		t.Fatalf("translate returned %T", got)
	}
	if appErr.Message != "syntax error near SELECT" {
		t.Errorf("message = %q", appErr.Message)
	}
	if appErr.Context["position"] != "7" {
		t.Errorf("context lost: %v", appErr.Context)
	}
}
