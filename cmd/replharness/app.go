// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/replharness/cmd/replharness/config"
	"github.com/AleutianAI/replharness/pkg/logging"
	"github.com/AleutianAI/replharness/pkg/ux"
	"github.com/AleutianAI/replharness/services/harness/async"
	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/executor"
	"github.com/AleutianAI/replharness/services/harness/journal"
	"github.com/AleutianAI/replharness/services/harness/lifecycle"
	"github.com/AleutianAI/replharness/services/harness/load"
	"github.com/AleutianAI/replharness/services/harness/postmortem"
	"github.com/AleutianAI/replharness/services/harness/secrets"
	"github.com/AleutianAI/replharness/services/harness/simdb"
	"github.com/AleutianAI/replharness/services/harness/statusapi"
	"github.com/AleutianAI/replharness/services/harness/supervisor"
	"github.com/AleutianAI/replharness/services/harness/telemetry"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// errFailed is returned when a run completed but something did not hold.
// The details have already been printed.
var errFailed = errors.New("replication checks failed")

// usageError marks bad input: flags, arguments or the config file.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error  { return e.err }

// exitCode maps a command error to the process exit status: 2 for usage
// errors, 1 for everything else.
func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

// logBufferSize bounds the records kept in memory for postmortem captures.
const logBufferSize = 10000

// app holds what every command shares: configuration, logging, output and
// the resources to release on exit.
type app struct {
	cfg     config.HarnessConfig
	logger  *logging.Logger
	logs    *logging.BufferedExporter
	printer *ux.Printer
	inst    *telemetry.Instruments
	board   *statusapi.Board
	closers []func() error
}

// loadConfig reads --config, or the default path when it exists, or the
// built-in defaults.
func loadConfig() (config.HarnessConfig, error) {
	path := configPath
	if path == "" {
		def, err := config.DefaultPath()
		if err != nil {
			return config.HarnessConfig{}, err
		}
		if _, err := os.Stat(def); errors.Is(err, os.ErrNotExist) {
			return config.Decode(strings.NewReader(""))
		}
		path = def
	}
	return config.Load(path)
}

func newPrinter(w io.Writer) *ux.Printer {
	return ux.NewPrinter(w, ux.DetectMode(os.Stdout, outputMode))
}

// newApp loads configuration and starts logging and telemetry.
func newApp(ctx context.Context, out io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, &usageError{err}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, &usageError{err}
	}
	if simulate {
		cfg.Connector.Kind = config.ConnectorSimulated
	}

	logs := logging.NewBoundedExporter(logBufferSize)
	logger := logging.New(logging.Config{
		Level:    level,
		Dir:      cfg.Logging.Dir,
		Service:  "replharness",
		JSON:     cfg.Logging.JSON,
		Exporter: logs,
	})
	a := &app{
		cfg:     cfg,
		logger:  logger,
		logs:    logs,
		printer: newPrinter(out),
		board:   statusapi.NewBoard(),
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.onClose(func() error { return shutdown(context.Background()) })

	a.inst, err = telemetry.NewInstruments(nil, nil)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init instruments: %w", err)
	}
	return a, nil
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order, wipes secrets and closes the
// logger last.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("cleanup failed", "error", err)
		}
	}
	a.closers = nil
	secrets.Purge()
	_ = a.logger.Close()
}

// serveStatus starts the status server when status.addr is set. It stops
// when the app closes.
func (a *app) serveStatus(ctx context.Context) error {
	if a.cfg.Status.Addr == "" {
		return nil
	}
	if a.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	var metrics http.Handler
	if a.cfg.Telemetry.MetricExporter == "prometheus" {
		metrics = telemetry.MetricsHandler()
	}

	ctx, cancel := context.WithCancel(ctx)
	addr, done, err := statusapi.Serve(ctx, a.board, statusapi.Config{
		Addr:        a.cfg.Status.Addr,
		ServiceName: a.cfg.Telemetry.ServiceName,
		Metrics:     metrics,
		Logger:      a.logger.Slog(),
	})
	if err != nil {
		cancel()
		return fmt.Errorf("status server: %w", err)
	}
	a.onClose(func() error {
		cancel()
		return <-done
	})
	a.logger.Info("status server listening", "addr", addr)
	return nil
}

// serverControl is the supervisor surface the commands use.
type serverControl interface {
	lifecycle.Servers
	Ping(ctx context.Context, ep topology.Endpoint) error
	FindPID(ctx context.Context, ep topology.Endpoint) (int, error)
}

// backend is the server control and database access of one session.
type backend struct {
	servers   serverControl
	connector dbconn.Connector
	executor  executor.Executor
	group     *async.Group
}

// newBackend returns the simulated cluster when connector.kind is
// "simulated", otherwise real servers under a supervisor and the SQL
// connector.
func (a *app) newBackend() *backend {
	log := a.logger.Slog()
	b := &backend{group: async.NewGroup(async.GroupConfig{Logger: log})}
	if a.cfg.Connector.Kind == config.ConnectorSimulated {
		cluster := simdb.New(simdb.Options{
			ShutdownLag: a.cfg.Connector.ShutdownLag,
			AttachDelay: a.cfg.Connector.AttachDelay,
			Logger:      log,
		})
		b.servers, b.connector = cluster, cluster
		return b
	}

	sup, ex := a.supervisor(b.group)
	b.servers, b.executor = sup, ex
	b.connector = dbconn.NewSQLConnector(a.cfg.Connector.Driver, a.cfg.Connector.Prefix)
	return b
}

func (a *app) supervisor(group *async.Group) (*supervisor.Supervisor, *executor.ShellExecutor) {
	log := a.logger.Slog()
	ex := executor.New(executor.Config{
		RemoteShell: a.cfg.Remote.Shell,
		DefaultUser: a.cfg.Remote.User,
		Logger:      log,
	})
	sup := supervisor.New(a.cfg.SupervisorConfig(log), ex, group)
	a.onClose(func() error {
		sup.Close()
		return nil
	})
	return sup, ex
}

// newController builds a fresh session for one scenario. It is the
// scenario.Factory of every run.
//
// # Description
//
// Each session gets a new id, its own journal directory under
// journal.path and its own backend. The controller is attached to the
// status board before it is returned.
func (a *app) newController(_ context.Context, name string) (*lifecycle.Controller, error) {
	id := uuid.NewString()
	session, err := topology.NewSession(a.cfg.SessionSpec(id))
	if err != nil {
		return nil, err
	}

	j, err := journal.Open(journal.Config{
		Path:       filepath.Join(a.cfg.Journal.Path, id),
		InMemory:   a.cfg.Journal.InMemory,
		SyncWrites: a.cfg.Journal.SyncWrites,
		Logger:     a.logger.Slog(),
	}, id)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	a.onClose(j.Close)

	b := a.newBackend()
	var loader *load.Generator
	if b.executor != nil && len(a.cfg.Load.ClientCommand) > 0 {
		loader = load.New(load.Config{
			Connector:     b.connector,
			Session:       session,
			Executor:      b.executor,
			ClientCommand: a.cfg.Load.ClientCommand,
			Logger:        a.logger.Slog(),
		})
	}

	ctl, err := lifecycle.New(lifecycle.Config{
		Session:   session,
		Servers:   b.servers,
		Connector: b.connector,
		Group:     b.group,
		Loader:    loader,
		Journal:   j,
		Postmortem: postmortem.New(postmortem.Config{
			Dir:        a.cfg.FailureDir,
			Executor:   b.executor,
			RemoteUser: a.cfg.Remote.User,
			Logs:       a.logs,
			Logger:     a.logger.Slog(),
		}),
		Instruments:   a.inst,
		GracefulLocal: a.cfg.GracefulLocal,
		Timing:        a.cfg.Timing,
		Logger:        a.logger.Slog().With("scenario", name),
	})
	if err != nil {
		return nil, err
	}
	a.board.Attach(name, ctl, j)
	return ctl, nil
}
