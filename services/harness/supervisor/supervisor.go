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
Package supervisor starts, stops and kills the database network servers of
a replication session, and moves database files between them.

Servers are launched through the executor. Local servers are spawned
directly, with their console written to <storage>/server.log and mirrored
into the harness log. Remote servers run through the remote shell as
detached tasks of the session group. Readiness is always a TCP connect to
the server's control port, polled through the poller package.
*/
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/replharness/services/harness/async"
	"github.com/AleutianAI/replharness/services/harness/executor"
	"github.com/AleutianAI/replharness/services/harness/poller"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// ServerLogName is the console log file written in a local server's
// storage directory.
const ServerLogName = "server.log"

const (
	pingUp   = "up"
	pingDown = "down"
	exited   = "exited"
)

// Config controls how servers are launched and awaited.
type Config struct {
	Java            string
	LocalClasspath  string
	RemoteClasspath string
	MainClass       string
	JVMOptions      []string

	// ListenInterfaces is passed as the server's -h argument.
	ListenInterfaces string

	RemoteUser string

	StartInterval time.Duration
	StartAttempts int
	StopInterval  time.Duration
	StopAttempts  int
	PingTimeout   time.Duration

	// MirrorLogs tails local server.log files into the harness log.
	MirrorLogs bool

	Logger *slog.Logger
}

// DefaultConfig returns launch settings for a network server on the
// default classpath.
func DefaultConfig() Config {
	return Config{
		Java:             "java",
		MainClass:        "org.apache.derby.drda.NetworkServerControl",
		ListenInterfaces: "0.0.0.0",
		StartInterval:    500 * time.Millisecond,
		StartAttempts:    120,
		StopInterval:     250 * time.Millisecond,
		StopAttempts:     120,
		PingTimeout:      2 * time.Second,
		MirrorLogs:       true,
	}
}

// ServerSpec is one server to start.
type ServerSpec struct {
	Endpoint topology.Endpoint

	// StoragePath is the server's home directory; databases are created
	// beneath it.
	StoragePath string
}

// Supervisor owns the server processes of one session.
//
// # Thread Safety
//
// Safe for concurrent use. Operations on the same endpoint are expected to
// be issued serially by the session's controlling goroutine.
type Supervisor struct {
	cfg    Config
	exec   executor.Executor
	group  *async.Group
	logger *slog.Logger

	mu      sync.Mutex
	servers map[string]*server
}

type server struct {
	spec    ServerSpec
	proc    executor.Process
	done    chan struct{}
	stopLog context.CancelFunc
}

func (s *server) exited() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// New returns a Supervisor. Zero-valued Config fields take their
// DefaultConfig values.
func New(cfg Config, ex executor.Executor, group *async.Group) *Supervisor {
	def := DefaultConfig()
	if cfg.Java == "" {
		cfg.Java = def.Java
	}
	if cfg.MainClass == "" {
		cfg.MainClass = def.MainClass
	}
	if cfg.ListenInterfaces == "" {
		cfg.ListenInterfaces = def.ListenInterfaces
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = def.StartAttempts
		cfg.StartInterval = def.StartInterval
	}
	if cfg.StopAttempts <= 0 {
		cfg.StopAttempts = def.StopAttempts
		cfg.StopInterval = def.StopInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		exec:    ex,
		group:   group,
		logger:  cfg.Logger,
		servers: make(map[string]*server),
	}
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

func (s *Supervisor) classpath(ep topology.Endpoint) string {
	if ep.IsLocal() || s.cfg.RemoteClasspath == "" {
		return s.cfg.LocalClasspath
	}
	return s.cfg.RemoteClasspath
}

// StartCommand returns the command that launches spec's server.
func (s *Supervisor) StartCommand(spec ServerSpec) executor.Command {
	tokens := []string{s.cfg.Java}
	tokens = append(tokens, s.cfg.JVMOptions...)
	tokens = append(tokens, "-Dderby.system.home="+spec.StoragePath)
	if cp := s.classpath(spec.Endpoint); cp != "" {
		tokens = append(tokens, "-cp", cp)
	}
	tokens = append(tokens, s.cfg.MainClass,
		"start",
		"-h", s.cfg.ListenInterfaces,
		"-p", strconv.Itoa(spec.Endpoint.Port))
	return executor.Command{
		Tokens:     tokens,
		Host:       spec.Endpoint.Host,
		User:       s.cfg.RemoteUser,
		WorkingDir: spec.StoragePath,
	}
}

// ShutdownCommand returns the control command that asks ep's server to shut
// down. It always runs on the local host as a network client.
func (s *Supervisor) ShutdownCommand(ep topology.Endpoint) executor.Command {
	tokens := []string{s.cfg.Java}
	if s.cfg.LocalClasspath != "" {
		tokens = append(tokens, "-cp", s.cfg.LocalClasspath)
	}
	tokens = append(tokens, s.cfg.MainClass,
		"shutdown",
		"-h", ep.Host,
		"-p", strconv.Itoa(ep.Port))
	return executor.Command{Tokens: tokens, Host: topology.LocalHost}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches spec's server and waits until it accepts connections.
//
// # Description
//
// Local servers are spawned with output appended to
// <StoragePath>/server.log; remote ones are started through the remote
// shell as a detached session task. Either way Start then polls Ping until
// the port accepts a connection.
//
// # Outputs
//
//   - error: wraps ErrStartTimeout or ErrServerExited when the server does
//     not come up, *executor.LaunchError when it cannot be launched
//
// # Examples
//
//	err := sup.Start(ctx, supervisor.ServerSpec{Endpoint: session.Master(), StoragePath: "/srv/m"})
func (s *Supervisor) Start(ctx context.Context, spec ServerSpec) error {
	ep := spec.Endpoint
	cmd := s.StartCommand(spec)
	srv := &server{spec: spec}

	if ep.IsLocal() {
		if err := s.spawnLocal(ctx, cmd, srv); err != nil {
			return err
		}
	} else {
		executor.Start(context.WithoutCancel(ctx), s.exec, s.group, cmd)
	}

	s.mu.Lock()
	s.servers[ep.Address()] = srv
	s.mu.Unlock()

	_, err := poller.Poll(ctx, poller.PollPolicy{
		Name: "start " + ep.String(),
		Probe: func(ctx context.Context) poller.Observation {
			if srv.exited() {
				return poller.Observation{Code: exited}
			}
			return s.pingObservation(ctx, ep)
		},
		Target:      pingUp,
		Pending:     []string{pingDown},
		Interval:    s.cfg.StartInterval,
		MaxAttempts: s.cfg.StartAttempts,
	}, poller.WithLogger(s.logger))
	switch {
	case err == nil:
		s.logger.Info("server started", "endpoint", ep.String(), "storage", spec.StoragePath)
		return nil
	case errors.Is(err, poller.ErrTimeout):
		return fmt.Errorf("%w: %s: %w", ErrStartTimeout, ep, err)
	case srv.exited():
		return fmt.Errorf("%w: %s: see %s", ErrServerExited, ep, filepath.Join(spec.StoragePath, ServerLogName))
	default:
		return fmt.Errorf("start %s: %w", ep, err)
	}
}

func (s *Supervisor) spawnLocal(ctx context.Context, cmd executor.Command, srv *server) error {
	storage := srv.spec.StoragePath
	if err := os.MkdirAll(storage, 0o755); err != nil {
		return &StorageError{Op: "create", Path: storage, Host: topology.LocalHost, Err: err}
	}
	logPath := filepath.Join(storage, ServerLogName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &StorageError{Op: "open log", Path: logPath, Host: topology.LocalHost, Err: err}
	}

	proc, err := s.exec.Spawn(ctx, cmd, logFile)
	if err != nil {
		_ = logFile.Close()
		return err
	}
	srv.proc = proc
	srv.done = make(chan struct{})

	ep := srv.spec.Endpoint
	s.group.Go("server "+ep.String(), func() error {
		defer close(srv.done)
		defer logFile.Close()
		res, err := proc.Wait()
		s.logger.Info("server process exited",
			"endpoint", ep.String(),
			"pid", proc.PID(),
			"exit_code", res.ExitCode,
			"error", err)
		return nil
	})

	if s.cfg.MirrorLogs {
		tailCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		srv.stopLog = cancel
		role := string(ep.Role)
		s.group.Go("tail "+ep.String(), func() error {
			return TailFile(tailCtx, logPath, func(line string) {
				s.logger.Debug("server output", "role", role, "line", line)
			})
		})
	}
	return nil
}

// Stop shuts down ep's server gracefully.
//
// # Description
//
// A server that does not answer a ping is already stopped and Stop returns
// nil at once. Otherwise the shutdown control command is run from the local
// host and Stop polls until the port refuses connections.
func (s *Supervisor) Stop(ctx context.Context, ep topology.Endpoint) error {
	defer s.release(ep)

	if err := s.Ping(ctx, ep); err != nil {
		s.logger.Info("server already stopped", "endpoint", ep.String())
		return nil
	}

	if _, err := s.exec.Run(ctx, s.ShutdownCommand(ep)); err != nil {
		if executor.IsLaunchError(err) {
			return err
		}
		// The server may have gone away between the ping and the command.
		s.logger.Warn("shutdown command failed", "endpoint", ep.String(), "error", err)
	}

	if err := s.awaitDown(ctx, ep, "stop"); err != nil {
		if errors.Is(err, poller.ErrTimeout) {
			return fmt.Errorf("%w: %s: %w", ErrStopTimeout, ep, err)
		}
		return err
	}
	s.logger.Info("server stopped", "endpoint", ep.String())
	return nil
}

// Kill terminates ep's server with SIGKILL.
//
// # Description
//
// Local servers are killed by the PID recorded at spawn time, falling back
// to FindPID. Remote servers are found with FindPID and killed with
// "kill -9" through the remote shell. When no process is found Kill logs
// and returns nil.
func (s *Supervisor) Kill(ctx context.Context, ep topology.Endpoint) error {
	defer s.release(ep)

	pid := NoPID
	if ep.IsLocal() {
		s.mu.Lock()
		if srv, ok := s.servers[ep.Address()]; ok && srv.proc != nil && !srv.exited() {
			pid = srv.proc.PID()
		}
		s.mu.Unlock()
	}
	if pid == NoPID {
		found, err := s.FindPID(ctx, ep)
		if err != nil {
			return err
		}
		pid = found
	}
	if pid == NoPID {
		s.logger.Warn("no server process to kill", "endpoint", ep.String())
		return nil
	}

	s.logger.Info("killing server", "endpoint", ep.String(), "pid", pid)
	if ep.IsLocal() {
		if err := killProcess(pid); err != nil {
			return fmt.Errorf("kill %d: %w", pid, err)
		}
	} else {
		_, err := s.exec.Run(ctx, executor.Command{
			Tokens: []string{"kill", "-9", strconv.Itoa(pid)},
			Host:   ep.Host,
			User:   s.cfg.RemoteUser,
		})
		if err != nil && executor.ExitCodeOf(err) != 1 {
			return fmt.Errorf("kill %d on %s: %w", pid, ep.Host, err)
		}
	}
	return s.awaitDown(ctx, ep, "kill")
}

// FindPID locates ep's server process by launch signature and port.
//
// # Outputs
//
//   - int: the pid, or NoPID when no process matches
//   - error: wraps ErrPIDDiscovery when the listing fails or is garbled
func (s *Supervisor) FindPID(ctx context.Context, ep topology.Endpoint) (int, error) {
	script := fmt.Sprintf(
		"ps -eo pid,args | grep -F -- %s | grep -E -- '-p %d( |$)' | grep -v grep | awk '{print $1}'",
		quote(s.cfg.MainClass), ep.Port)
	res, err := s.exec.Run(ctx, executor.Command{
		Tokens: []string{"sh", "-c", script},
		Host:   ep.Host,
		User:   s.cfg.RemoteUser,
	})
	if err != nil {
		return NoPID, fmt.Errorf("%w: %s: %w", ErrPIDDiscovery, ep, err)
	}
	for _, line := range strings.Split(res.Output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			return NoPID, fmt.Errorf("%w: %s: unparseable pid %q", ErrPIDDiscovery, ep, line)
		}
		return pid, nil
	}
	return NoPID, nil
}

// Ping makes a single TCP connection attempt to ep.
func (s *Supervisor) Ping(ctx context.Context, ep topology.Endpoint) error {
	d := net.Dialer{Timeout: s.cfg.PingTimeout}
	conn, err := d.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return err
	}
	return conn.Close()
}

func (s *Supervisor) pingObservation(ctx context.Context, ep topology.Endpoint) poller.Observation {
	if err := s.Ping(ctx, ep); err != nil {
		return poller.Observation{Code: pingDown, Detail: err.Error()}
	}
	return poller.Observation{Code: pingUp}
}

func (s *Supervisor) awaitDown(ctx context.Context, ep topology.Endpoint, op string) error {
	_, err := poller.Poll(ctx, poller.PollPolicy{
		Name:        op + " " + ep.String(),
		Probe:       func(ctx context.Context) poller.Observation { return s.pingObservation(ctx, ep) },
		Target:      pingDown,
		Pending:     []string{pingUp},
		Interval:    s.cfg.StopInterval,
		MaxAttempts: s.cfg.StopAttempts,
	}, poller.WithLogger(s.logger))
	return err
}

// release forgets ep's server and stops its log tail.
func (s *Supervisor) release(ep topology.Endpoint) {
	s.mu.Lock()
	srv, ok := s.servers[ep.Address()]
	delete(s.servers, ep.Address())
	s.mu.Unlock()
	if ok && srv.stopLog != nil {
		srv.stopLog()
	}
}

// Close stops all log tails. Server processes are left alone.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, srv := range s.servers {
		if srv.stopLog != nil {
			srv.stopLog()
		}
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
