// dbflux-driver-host serves one database driver over a unix socket. The
// runtime spawns it per configured service; it can also be started by hand
// for debugging against a known socket path.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbflux/driverkit/internal/host"
	"github.com/dbflux/driverkit/internal/host/memdriver"
	"github.com/dbflux/driverkit/internal/logging"
	"github.com/dbflux/driverkit/internal/observability"
	"github.com/dbflux/driverkit/internal/supervisor"
)

func main() {
	socketID := flag.String("socket-id", "", "socket id; the socket path is derived from it (defaults to DBFLUX_SOCKET_ID)")
	socketPath := flag.String("socket", "", "explicit unix socket path, overrides -socket-id")
	driverName := flag.String("driver", "memory", "driver backend to serve (memory, memory-minimal)")
	flag.Parse()

	log := logging.New(logging.ProfileRuntime, "dbflux-driver-host")
	observability.RegisterMetrics()

	path := *socketPath
	if path == "" {
		id := *socketID
		if id == "" {
			id = os.Getenv("DBFLUX_SOCKET_ID")
		}
		if id == "" {
			log.Fatal().Msg("no socket: pass -socket, -socket-id, or set DBFLUX_SOCKET_ID")
		}
		path = supervisor.SocketPath(id)
	}

	backend, err := selectDriver(*driverName)
	if err != nil {
		log.Fatal().Err(err).Msg("driver selection failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := host.NewServer(backend, log)
	if err := srv.ListenAndServe(ctx, path); err != nil {
		log.Fatal().Err(err).Str("socket", path).Msg("serve failed")
	}
	log.Info().Msg("driver host stopped")
}

func selectDriver(name string) (host.Driver, error) {
	switch name {
	case "memory":
		return memdriver.New(), nil
	case "memory-minimal":
		return memdriver.NewMinimal(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}
