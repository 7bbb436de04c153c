// Package registry brings configured driver services online at startup and
// announces each one, once, to the embedding application.
package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dbflux/driverkit/internal/config"
	"github.com/dbflux/driverkit/internal/driver"
	"github.com/dbflux/driverkit/internal/supervisor"
	"github.com/dbflux/driverkit/internal/transport"
)

// Registration is the single announcement made for one live service. Key is
// the stable registry identifier the application indexes drivers by.
type Registration struct {
	Key    string
	Record transport.HandshakeRecord
	Driver *driver.RemoteDriver
}

// Key derives the registry identifier for a socket id.
func Key(socketID string) string { return fmt.Sprintf("rpc:%s", socketID) }

// RegisterFunc receives each successful registration exactly once.
type RegisterFunc func(Registration)

// Runtime owns the supervisor and the startup registration pass.
type Runtime struct {
	sup      *supervisor.Supervisor
	log      zerolog.Logger
	register RegisterFunc
}

func NewRuntime(logger zerolog.Logger, register RegisterFunc) *Runtime {
	return &Runtime{
		sup:      supervisor.New(logger),
		log:      logger,
		register: register,
	}
}

// Supervisor exposes the process supervisor for callers that open sessions
// later and need re-ensure semantics.
func (r *Runtime) Supervisor() *supervisor.Supervisor { return r.sup }

// Start brings every configured service online: ensure the host process is
// reachable, handshake to learn its identity, announce it, and drop the
// probe connection. A service that fails is skipped with its cause logged;
// one bad service never blocks the rest. Returns the number of services
// registered.
func (r *Runtime) Start(ctx context.Context, services []config.Service) int {
	registered := 0
	seen := make(map[string]struct{}, len(services))
	for _, svc := range services {
		if _, dup := seen[svc.SocketID]; dup {
			r.log.Warn().Str("socket_id", svc.SocketID).Msg("duplicate service skipped")
			continue
		}
		seen[svc.SocketID] = struct{}{}

		if err := r.startOne(ctx, svc); err != nil {
			r.log.Error().Err(err).Str("socket_id", svc.SocketID).Msg("service registration failed")
			continue
		}
		registered++
	}
	return registered
}

func (r *Runtime) startOne(ctx context.Context, svc config.Service) error {
	desc := svc.Descriptor()
	if err := r.sup.Ensure(ctx, desc); err != nil {
		return fmt.Errorf("ensure host: %w", err)
	}

	client, err := transport.Connect(ctx, transport.Config{
		SocketPath:       desc.SocketPath(),
		HandshakeTimeout: desc.StartupTimeout,
		Logger:           r.log,
	})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	record := *client.Handshake()
	if err := client.Close(); err != nil {
		r.log.Debug().Err(err).Str("socket_id", svc.SocketID).Msg("probe connection close")
	}

	remote := driver.NewRemote(desc, record, r.sup, r.log)
	r.register(Registration{
		Key:    Key(svc.SocketID),
		Record: record,
		Driver: remote,
	})
	r.log.Info().
		Str("key", Key(svc.SocketID)).
		Str("driver", string(record.DriverKind)).
		Str("server", record.ServerName).
		Msg("driver service registered")
	return nil
}

// Shutdown stops every process the supervisor spawned and returns how many
// were stopped. Processes that were already running before startup are left
// alone.
func (r *Runtime) Shutdown(ctx context.Context) int {
	return r.sup.Shutdown(ctx)
}
