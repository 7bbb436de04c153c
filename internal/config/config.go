// Package config loads the external driver service catalog. The catalog is a
// JSON document listing every driver host the runtime should register at
// startup, keyed by the unix socket id each host serves on.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dbflux/driverkit/internal/supervisor"
)

const (
	// DefaultCommand is spawned for services that do not name their own
	// host binary.
	DefaultCommand = "dbflux-driver-host"

	// DefaultStartupTimeoutMS bounds how long a spawned host may take to
	// bring up its socket.
	DefaultStartupTimeoutMS = 5000
)

// Service describes one external driver host.
type Service struct {
	SocketID         string            `mapstructure:"socket_id"`
	Command          string            `mapstructure:"command"`
	Args             []string          `mapstructure:"args"`
	Env              map[string]string `mapstructure:"env"`
	StartupTimeoutMS int               `mapstructure:"startup_timeout_ms"`
}

// Descriptor converts the service entry into the supervisor's launch form.
func (s Service) Descriptor() supervisor.ServiceDescriptor {
	return supervisor.ServiceDescriptor{
		SocketID:       s.SocketID,
		Command:        s.Command,
		Args:           append([]string(nil), s.Args...),
		Env:            s.Env,
		StartupTimeout: time.Duration(s.StartupTimeoutMS) * time.Millisecond,
	}
}

// Config is the root of the services document.
type Config struct {
	Services []Service `mapstructure:"services"`
}

// Load reads and validates the services catalog at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Command == "" {
			svc.Command = DefaultCommand
		}
		if svc.StartupTimeoutMS <= 0 {
			svc.StartupTimeoutMS = DefaultStartupTimeoutMS
		}
	}
}

// Validate rejects catalogs the runtime could not act on: a service without a
// socket id has no registry key, and two services sharing a socket id would
// race for the same unix socket.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Services))
	for i, svc := range c.Services {
		if strings.TrimSpace(svc.SocketID) == "" {
			return fmt.Errorf("service %d: socket_id is required", i)
		}
		if _, dup := seen[svc.SocketID]; dup {
			return fmt.Errorf("service %d: duplicate socket_id %q", i, svc.SocketID)
		}
		seen[svc.SocketID] = struct{}{}
	}
	return nil
}
