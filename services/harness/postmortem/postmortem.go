// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postmortem gathers server logs, database directories and the
// transition journal of a failed session into one folder.
package postmortem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/replharness/pkg/logging"
	"github.com/AleutianAI/replharness/services/harness/executor"
	"github.com/AleutianAI/replharness/services/harness/journal"
	"github.com/AleutianAI/replharness/services/harness/supervisor"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

const (
	ReasonFile     = "reason.txt"
	JournalFile    = "journal.json"
	HarnessLogFile = "harness.log"
)

// LogSource holds the harness's own log records. Entries carrying a
// "session" attribute equal to the captured session are written to
// HarnessLogFile.
type LogSource interface {
	WithAttr(key string, value any) []logging.LogEntry
}

// Config wires a Collector.
type Config struct {
	// Dir is the failure root. Each capture goes to Dir/<session-id>.
	Dir string

	// Executor copies files off the server hosts. Nil skips logs and
	// database snapshots, which is what simulated runs want.
	Executor executor.Executor

	// RemoteUser is used for scp from remote hosts.
	RemoteUser string

	// Logs, when set, supplies the session's harness log records.
	Logs LogSource

	Logger *slog.Logger
}

// Capture describes what failed.
type Capture struct {
	Session *topology.Session
	Journal *journal.Journal
	Reason  error
}

// Collector writes postmortem folders.
type Collector struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Collector.
func New(cfg Config) *Collector {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{cfg: cfg, logger: logger.With("component", "postmortem")}
}

// Collect writes the capture and returns its folder.
//
// # Description
//
// Best effort: every piece is attempted and the failures are joined into
// the returned error. The folder path is returned whenever it was created.
//
// Layout:
//
//	<dir>/<session-id>/reason.txt
//	<dir>/<session-id>/journal.json
//	<dir>/<session-id>/harness.log
//	<dir>/<session-id>/<role>/server.log
//	<dir>/<session-id>/<role>/<database>/
func (c *Collector) Collect(ctx context.Context, cp Capture) (string, error) {
	if c.cfg.Dir == "" {
		return "", errors.New("postmortem: no failure directory configured")
	}
	dir := filepath.Join(c.cfg.Dir, cp.Session.ID())
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("postmortem: %w", err)
	}

	var errs []error
	reason := "no error recorded"
	if cp.Reason != nil {
		reason = cp.Reason.Error()
	}
	body := fmt.Sprintf("session: %s\ntime: %s\nmaster: %s\nslave: %s\n\n%s\n",
		cp.Session.ID(), time.Now().UTC().Format(time.RFC3339),
		cp.Session.Master(), cp.Session.Slave(), reason)
	if err := os.WriteFile(filepath.Join(dir, ReasonFile), []byte(body), 0640); err != nil {
		errs = append(errs, err)
	}

	if cp.Journal != nil {
		errs = append(errs, c.writeJournal(filepath.Join(dir, JournalFile), cp.Journal))
	}

	if c.cfg.Logs != nil {
		errs = append(errs, c.writeLogs(filepath.Join(dir, HarnessLogFile), cp.Session.ID()))
	}

	if c.cfg.Executor != nil {
		for _, ep := range []topology.Endpoint{cp.Session.Master(), cp.Session.Slave()} {
			errs = append(errs, c.collectHost(ctx, dir, cp.Session, ep))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("postmortem incomplete", "dir", dir, "error", err)
	} else {
		c.logger.Info("postmortem captured", "dir", dir)
	}
	return dir, err
}

func (c *Collector) writeJournal(path string, j *journal.Journal) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := j.DumpJSON(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("dump journal: %w", err)
	}
	return f.Close()
}

// writeLogs dumps the session's records as JSON lines.
func (c *Collector) writeLogs(path, sessionID string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := logging.NewWriterExporter(f)
	ctx := context.Background()
	for _, entry := range c.cfg.Logs.WithAttr("session", sessionID) {
		if err := w.Export(ctx, entry); err != nil {
			_ = f.Close()
			return fmt.Errorf("write harness log: %w", err)
		}
	}
	return f.Close()
}

func (c *Collector) collectHost(ctx context.Context, dir string, s *topology.Session, ep topology.Endpoint) error {
	dest := filepath.Join(dir, string(ep.Role))
	if err := os.MkdirAll(dest, 0750); err != nil {
		return err
	}
	var errs []error
	for _, src := range []string{
		filepath.Join(s.StorageFor(ep), supervisor.ServerLogName),
		s.DatabasePath(ep),
	} {
		if _, err := c.cfg.Executor.Run(ctx, c.copyCommand(ep, src, dest)); err != nil {
			errs = append(errs, fmt.Errorf("copy %s from %s: %w", src, ep, err))
		}
	}
	return errors.Join(errs...)
}

// copyCommand returns the local command that copies src on ep into dest.
func (c *Collector) copyCommand(ep topology.Endpoint, src, dest string) executor.Command {
	if ep.IsLocal() {
		return executor.Command{Tokens: []string{"cp", "-R", src, dest + "/"}}
	}
	remote := ep.Host + ":" + src
	if c.cfg.RemoteUser != "" {
		remote = c.cfg.RemoteUser + "@" + remote
	}
	return executor.Command{Tokens: []string{"scp", "-q", "-r", remote, dest + "/"}}
}
