// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inject kills replication servers and destroys replica storage at
// a chosen point of a running workload.
package inject

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/replharness/services/harness/topology"
)

// Fault names an injectable failure.
type Fault string

const (
	FaultKillMaster          Fault = "kill_master"
	FaultKillSlave           Fault = "kill_slave"
	FaultDestroySlaveStorage Fault = "destroy_slave_storage"
)

// Valid reports whether f is a known fault.
func (f Fault) Valid() bool {
	switch f {
	case FaultKillMaster, FaultKillSlave, FaultDestroySlaveStorage:
		return true
	}
	return false
}

// Servers is the process and storage control the injector needs.
// *supervisor.Supervisor and *simdb.Cluster both satisfy it.
type Servers interface {
	Stop(ctx context.Context, ep topology.Endpoint) error
	Kill(ctx context.Context, ep topology.Endpoint) error
	DestroyDatabase(ctx context.Context, ep topology.Endpoint, dbDir string) error
}

// Config controls how faults are delivered.
type Config struct {
	// GracefulLocal stops local servers through their shutdown command
	// instead of killing them. Remote servers are always killed.
	GracefulLocal bool

	// OnFault runs after each delivered fault.
	OnFault func(ctx context.Context, f Fault)

	Logger *slog.Logger
}

// Injector delivers faults to one session's servers.
type Injector struct {
	servers Servers
	session *topology.Session
	cfg     Config
	logger  *slog.Logger
}

// New returns an Injector.
func New(servers Servers, session *topology.Session, cfg Config) *Injector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{servers: servers, session: session, cfg: cfg, logger: logger.With("component", "inject")}
}

// Inject delivers f.
func (in *Injector) Inject(ctx context.Context, f Fault) error {
	var err error
	switch f {
	case FaultKillMaster:
		err = in.down(ctx, in.session.Master())
	case FaultKillSlave:
		err = in.down(ctx, in.session.Slave())
	case FaultDestroySlaveStorage:
		slave := in.session.Slave()
		err = in.servers.DestroyDatabase(ctx, slave, in.session.DatabasePath(slave))
	default:
		return fmt.Errorf("unknown fault %q", f)
	}
	if err != nil {
		return fmt.Errorf("inject %s: %w", f, err)
	}
	in.logger.Warn("fault injected", "fault", string(f), "session", in.session.ID())
	if in.cfg.OnFault != nil {
		in.cfg.OnFault(ctx, f)
	}
	return nil
}

func (in *Injector) down(ctx context.Context, ep topology.Endpoint) error {
	if in.cfg.GracefulLocal && ep.IsLocal() {
		return in.servers.Stop(ctx, ep)
	}
	return in.servers.Kill(ctx, ep)
}

// KillMaster takes the master server down.
func (in *Injector) KillMaster(ctx context.Context) error { return in.Inject(ctx, FaultKillMaster) }

// KillSlave takes the slave server down.
func (in *Injector) KillSlave(ctx context.Context) error { return in.Inject(ctx, FaultKillSlave) }

// DestroySlaveStorage removes the slave's database directory while the
// slave keeps running.
func (in *Injector) DestroySlaveStorage(ctx context.Context) error {
	return in.Inject(ctx, FaultDestroySlaveStorage)
}

// At returns a hook that delivers f, for use as a load checkpoint.
func (in *Injector) At(f Fault) func(ctx context.Context) error {
	return func(ctx context.Context) error { return in.Inject(ctx, f) }
}
