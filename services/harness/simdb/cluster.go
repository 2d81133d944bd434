// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package simdb is an in-process model of a replicated database engine and
its network servers.

It answers the same control attributes and SQLState codes as the real
engine, so the lifecycle controller, scenarios and CLI can run end to end
without a JVM. A Cluster plays every role the harness needs from the
outside world: it is a dbconn.Connector, starts and kills servers like the
supervisor, and copies or destroys database directories.

# Model

Database files are keyed by host and directory and survive server
restarts. A booted database is an instance on a server and is in one of
these modes: normal, master, slave (waiting or attached), or stopping.
Inserts committed on a master are shipped synchronously to an attached
slave. Killing a server drops its instances but keeps its files.
*/
package simdb

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/supervisor"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// DefaultReplicationPort is used when a URL carries no slavePort.
const DefaultReplicationPort = 4851

// Options tunes the model's timing.
type Options struct {
	// ShutdownLag is the number of stopSlave probes that report
	// shutdown-in-progress after the master stops replication.
	ShutdownLag int

	// AttachDelay is the number of startMaster probes that report the peer
	// as not ready even when the slave is listening.
	AttachDelay int

	Logger *slog.Logger
}

// Cluster is the simulated engine plus its hosts.
//
// # Thread Safety
//
// Safe for concurrent use. A startSlave connect blocks without holding
// the cluster lock.
type Cluster struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	servers   map[string]*server
	files     map[string]*dbFiles
	listeners map[string]*instance
	nextPID   int
}

type server struct {
	ep      topology.Endpoint
	storage string
	up      bool
	pid     int
	booted  map[string]*instance
}

type dbFiles struct {
	table        bool
	rows         map[int64]string
	indexes      map[string]bool
	bootPassword string
	lost         bool
	severed      bool
}

func newFiles() *dbFiles {
	return &dbFiles{rows: make(map[int64]string), indexes: make(map[string]bool)}
}

func (f *dbFiles) clone() *dbFiles {
	c := newFiles()
	c.table = f.table
	c.bootPassword = f.bootPassword
	for k, v := range f.rows {
		c.rows[k] = v
	}
	for k := range f.indexes {
		c.indexes[k] = true
	}
	return c
}

// New returns an empty cluster with no running servers.
func New(opts Options) *Cluster {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cluster{
		opts:      opts,
		log:       opts.Logger.With("component", "simdb"),
		servers:   make(map[string]*server),
		files:     make(map[string]*dbFiles),
		listeners: make(map[string]*instance),
		nextPID:   10000,
	}
}

func hostKey(host string) string {
	if (topology.Endpoint{Host: host}).IsLocal() {
		return topology.LocalHost
	}
	return host
}

func filesKey(host, dir string) string {
	return hostKey(host) + ":" + filepath.Clean(dir)
}

// -----------------------------------------------------------------------------
// Process control
// -----------------------------------------------------------------------------

// Start brings up a server for spec. Starting a server that is already up
// fails the way a real bind conflict does.
func (c *Cluster) Start(ctx context.Context, spec supervisor.ServerSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := spec.Endpoint.Address()
	if srv, ok := c.servers[addr]; ok && srv.up {
		return fmt.Errorf("%w: %s: address already in use", supervisor.ErrServerExited, spec.Endpoint)
	}
	c.nextPID++
	c.servers[addr] = &server{
		ep:      spec.Endpoint,
		storage: spec.StoragePath,
		up:      true,
		pid:     c.nextPID,
		booted:  make(map[string]*instance),
	}
	c.log.Info("server started", "endpoint", spec.Endpoint.String(), "pid", c.nextPID)
	return nil
}

// Stop shuts ep's server down. Stopping a stopped server is a no-op.
func (c *Cluster) Stop(ctx context.Context, ep topology.Endpoint) error {
	c.down(ep, "stopped")
	return nil
}

// Kill terminates ep's server. Killing a stopped server is a no-op.
func (c *Cluster) Kill(ctx context.Context, ep topology.Endpoint) error {
	c.down(ep, "killed")
	return nil
}

func (c *Cluster) down(ep topology.Endpoint, how string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	srv, ok := c.servers[ep.Address()]
	if !ok || !srv.up {
		c.log.Info("server already down", "endpoint", ep.String())
		return
	}
	srv.up = false
	for db, inst := range srv.booted {
		c.unbootLocked(srv, db, inst, dbconn.CodeDatabaseShutdown)
	}
	c.log.Info("server "+how, "endpoint", ep.String(), "pid", srv.pid)
}

// FindPID returns the pid of ep's running server, or supervisor.NoPID.
func (c *Cluster) FindPID(ctx context.Context, ep topology.Endpoint) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if srv, ok := c.servers[ep.Address()]; ok && srv.up {
		return srv.pid, nil
	}
	return supervisor.NoPID, nil
}

// Ping reports whether ep's server is up.
func (c *Cluster) Ping(ctx context.Context, ep topology.Endpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if srv, ok := c.servers[ep.Address()]; ok && srv.up {
		return nil
	}
	return dbconn.Errorf(dbconn.CodeConnectionRefused, "no server listening on %s", ep.Address())
}

// -----------------------------------------------------------------------------
// Storage
// -----------------------------------------------------------------------------

// CopyDatabase copies srcDir on from's host into toStorage on to's host.
func (c *Cluster) CopyDatabase(ctx context.Context, from topology.Endpoint, srcDir string, to topology.Endpoint, toStorage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, ok := c.files[filesKey(from.Host, srcDir)]
	if !ok {
		return &supervisor.StorageError{Op: "copy", Path: srcDir, Host: from.Host, Err: fmt.Errorf("no such directory")}
	}
	dst := filepath.Join(toStorage, filepath.Base(srcDir))
	c.files[filesKey(to.Host, dst)] = src.clone()
	c.log.Info("database copied", "src", srcDir, "dst", dst, "rows", len(src.rows))
	return nil
}

// DestroyDatabase removes dbDir on ep's host. Instances still using the
// files fail on their next write.
func (c *Cluster) DestroyDatabase(ctx context.Context, ep topology.Endpoint, dbDir string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := filesKey(ep.Host, dbDir)
	if f, ok := c.files[key]; ok {
		f.lost = true
		delete(c.files, key)
	}
	c.log.Warn("database directory removed", "endpoint", ep.String(), "path", dbDir)
	return nil
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// RowCount returns the number of committed rows in dbDir on host, reading
// the files directly.
func (c *Cluster) RowCount(host, dbDir string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[filesKey(host, dbDir)]
	if !ok {
		return 0, false
	}
	return len(f.rows), true
}

// Mode describes the database booted on ep, for diagnostics.
func (c *Cluster) Mode(ep topology.Endpoint, db string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	srv, ok := c.servers[ep.Address()]
	if !ok || !srv.up {
		return "down"
	}
	inst, ok := srv.booted[db]
	if !ok {
		return "not booted"
	}
	return inst.mode.String()
}
