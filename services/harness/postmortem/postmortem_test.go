// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package postmortem

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/replharness/pkg/logging"
	"github.com/AleutianAI/replharness/services/harness/executor"
	"github.com/AleutianAI/replharness/services/harness/journal"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

func newSession(t *testing.T, slaveHost string) *topology.Session {
	t.Helper()
	s, err := topology.NewSession(topology.SessionSpec{
		ID:              "s-42",
		Master:          topology.Endpoint{Host: "localhost", Port: 1527, Role: topology.RoleMaster},
		Slave:           topology.Endpoint{Host: slaveHost, Port: 1528, Role: topology.RoleSlave},
		Database:        "wombat",
		MasterStorage:   "/srv/m",
		SlaveStorage:    "/srv/s",
		ReplicationPort: 4851,
	})
	require.NoError(t, err)
	return s
}

func TestCollect_ReasonAndJournal(t *testing.T) {
	root := t.TempDir()
	s := newSession(t, "localhost")
	j, err := journal.Open(journal.Config{InMemory: true}, s.ID())
	require.NoError(t, err)
	defer j.Close()
	_, err = j.Append(journal.Entry{Op: "StartServers", To: "ServersStarted"})
	require.NoError(t, err)

	c := New(Config{Dir: root})
	dir, err := c.Collect(context.Background(), Capture{Session: s, Journal: j, Reason: errors.New("start timeout")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "s-42"), dir)

	reason, err := os.ReadFile(filepath.Join(dir, ReasonFile))
	require.NoError(t, err)
	assert.Contains(t, string(reason), "start timeout")

	data, err := os.ReadFile(filepath.Join(dir, JournalFile))
	require.NoError(t, err)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "StartServers", entries[0].Op)
}

func TestCollect_HarnessLogKeepsOwnSession(t *testing.T) {
	exp := logging.NewBufferedExporter()
	logger := logging.New(logging.Config{Quiet: true, Exporter: exp})
	logger.Slog().With("session", "s-42").Warn("slave never attached", "code", "XRE04")
	logger.Slog().With("session", "s-other").Info("unrelated")

	s := newSession(t, "localhost")
	c := New(Config{Dir: t.TempDir(), Logs: exp})
	dir, err := c.Collect(context.Background(), Capture{Session: s, Reason: errors.New("attach timeout")})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, HarnessLogFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "slave never attached", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
}

func TestCollect_CopiesFromHosts(t *testing.T) {
	mock := &executor.MockExecutor{}
	s := newSession(t, "db2.example")
	c := New(Config{Dir: t.TempDir(), Executor: mock, RemoteUser: "derby"})

	dir, err := c.Collect(context.Background(), Capture{Session: s})
	require.NoError(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"cp", "-R", "/srv/m/server.log", filepath.Join(dir, "master") + "/"}, calls[0].Command.Tokens)
	assert.Equal(t, []string{"cp", "-R", "/srv/m/wombat", filepath.Join(dir, "master") + "/"}, calls[1].Command.Tokens)
	assert.Equal(t, []string{"scp", "-q", "-r", "derby@db2.example:/srv/s/server.log", filepath.Join(dir, "slave") + "/"}, calls[2].Command.Tokens)
	assert.DirExists(t, filepath.Join(dir, "slave"))
}

func TestCollect_BestEffort(t *testing.T) {
	mock := &executor.MockExecutor{
		RunFunc: func(ctx context.Context, cmd executor.Command) (executor.Result, error) {
			return executor.Result{ExitCode: 1}, &executor.CommandError{Command: cmd.Tokens[0], ExitCode: 1}
		},
	}
	c := New(Config{Dir: t.TempDir(), Executor: mock})

	dir, err := c.Collect(context.Background(), Capture{Session: newSession(t, "localhost")})
	assert.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, ReasonFile))
	assert.Len(t, mock.Calls(), 4)
}

func TestCollect_NoDir(t *testing.T) {
	_, err := New(Config{}).Collect(context.Background(), Capture{Session: newSession(t, "localhost")})
	assert.Error(t, err)
}
