// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/replharness/services/harness/async"
	"github.com/AleutianAI/replharness/services/harness/executor"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// =============================================================================
// Helpers
// =============================================================================

func testConfig() Config {
	return Config{
		LocalClasspath:  "/opt/derby/lib/derbyrun.jar",
		RemoteClasspath: "/srv/derby/lib/derbyrun.jar",
		StartInterval:   5 * time.Millisecond,
		StartAttempts:   20,
		StopInterval:    5 * time.Millisecond,
		StopAttempts:    20,
		PingTimeout:     200 * time.Millisecond,
	}
}

// listen opens a TCP listener standing in for a server's control port.
func listen(t *testing.T) (net.Listener, topology.Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port
	return ln, topology.Endpoint{Host: "127.0.0.1", Port: port, Role: topology.RoleMaster}
}

// closedEndpoint returns an endpoint whose port refuses connections.
func closedEndpoint(t *testing.T) topology.Endpoint {
	t.Helper()
	ln, ep := listen(t)
	ln.Close()
	return ep
}

func newSupervisor(cfg Config, ex executor.Executor) (*Supervisor, *async.Group) {
	g := async.NewGroup(async.GroupConfig{})
	return New(cfg, ex, g), g
}

// =============================================================================
// Commands
// =============================================================================

func TestStartCommand_ClasspathByLocality(t *testing.T) {
	sup, _ := newSupervisor(testConfig(), &executor.MockExecutor{})

	local := sup.StartCommand(ServerSpec{
		Endpoint:    topology.Endpoint{Host: "localhost", Port: 1527, Role: topology.RoleMaster},
		StoragePath: "/tmp/m",
	})
	assert.Equal(t, []string{
		"java", "-Dderby.system.home=/tmp/m", "-cp", "/opt/derby/lib/derbyrun.jar",
		"org.apache.derby.drda.NetworkServerControl", "start", "-h", "0.0.0.0", "-p", "1527",
	}, local.Tokens)
	assert.Equal(t, "/tmp/m", local.WorkingDir)

	remote := sup.StartCommand(ServerSpec{
		Endpoint:    topology.Endpoint{Host: "db2", Port: 1528, Role: topology.RoleSlave},
		StoragePath: "/srv/s",
	})
	assert.Contains(t, remote.Tokens, "/srv/derby/lib/derbyrun.jar")
	assert.Equal(t, "db2", remote.Host)
}

func TestShutdownCommand_RunsLocally(t *testing.T) {
	sup, _ := newSupervisor(testConfig(), &executor.MockExecutor{})
	cmd := sup.ShutdownCommand(topology.Endpoint{Host: "db2", Port: 1528})

	assert.Equal(t, topology.LocalHost, cmd.Host)
	assert.Equal(t, []string{
		"java", "-cp", "/opt/derby/lib/derbyrun.jar",
		"org.apache.derby.drda.NetworkServerControl", "shutdown", "-h", "db2", "-p", "1528",
	}, cmd.Tokens)
}

// =============================================================================
// Start
// =============================================================================

func TestStart_LocalWritesLogAndWaitsForPort(t *testing.T) {
	ln, ep := listen(t)
	defer ln.Close()
	storage := filepath.Join(t.TempDir(), "master")

	proc := executor.NewMockProcess(4242)
	mock := &executor.MockExecutor{
		SpawnFunc: func(ctx context.Context, cmd executor.Command, out executor.OutputSink) (executor.Process, error) {
			_, err := out.Write([]byte("Apache Derby Network Server started\n"))
			return proc, err
		},
	}
	cfg := testConfig()
	cfg.MirrorLogs = false
	sup, group := newSupervisor(cfg, mock)

	require.NoError(t, sup.Start(context.Background(), ServerSpec{Endpoint: ep, StoragePath: storage}))

	data, err := os.ReadFile(filepath.Join(storage, ServerLogName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Network Server started")

	proc.Exit(executor.Result{}, nil)
	require.NoError(t, group.Wait(time.Second))
}

func TestStart_TimeoutIsFatal(t *testing.T) {
	ep := closedEndpoint(t)
	proc := executor.NewMockProcess(1)
	mock := &executor.MockExecutor{
		SpawnFunc: func(context.Context, executor.Command, executor.OutputSink) (executor.Process, error) {
			return proc, nil
		},
	}
	cfg := testConfig()
	cfg.MirrorLogs = false
	sup, _ := newSupervisor(cfg, mock)
	defer proc.Exit(executor.Result{}, nil)

	err := sup.Start(context.Background(), ServerSpec{Endpoint: ep, StoragePath: t.TempDir()})
	assert.ErrorIs(t, err, ErrStartTimeout)
}

func TestStart_ProcessExitDetected(t *testing.T) {
	ep := closedEndpoint(t)
	proc := executor.NewMockProcess(1)
	proc.Exit(executor.Result{ExitCode: 1}, errors.New("address in use"))
	mock := &executor.MockExecutor{
		SpawnFunc: func(context.Context, executor.Command, executor.OutputSink) (executor.Process, error) {
			return proc, nil
		},
	}
	cfg := testConfig()
	cfg.MirrorLogs = false
	cfg.StartAttempts = 200
	sup, _ := newSupervisor(cfg, mock)

	err := sup.Start(context.Background(), ServerSpec{Endpoint: ep, StoragePath: t.TempDir()})
	assert.ErrorIs(t, err, ErrServerExited)
}

func TestStart_LaunchFailure(t *testing.T) {
	launchErr := &executor.LaunchError{Command: "java", Err: errors.New("not found")}
	mock := &executor.MockExecutor{
		SpawnFunc: func(context.Context, executor.Command, executor.OutputSink) (executor.Process, error) {
			return nil, launchErr
		},
	}
	sup, _ := newSupervisor(testConfig(), mock)
	err := sup.Start(context.Background(), ServerSpec{Endpoint: closedEndpoint(t), StoragePath: t.TempDir()})
	assert.True(t, executor.IsLaunchError(err))
}

// =============================================================================
// Stop and Kill
// =============================================================================

func TestStop_AlreadyStoppedIsNoop(t *testing.T) {
	mock := &executor.MockExecutor{}
	sup, _ := newSupervisor(testConfig(), mock)
	ep := closedEndpoint(t)

	require.NoError(t, sup.Stop(context.Background(), ep))
	require.NoError(t, sup.Stop(context.Background(), ep))
	assert.Empty(t, mock.Calls())
}

func TestStop_RunsShutdownAndWaitsForDown(t *testing.T) {
	ln, ep := listen(t)
	mock := &executor.MockExecutor{
		RunFunc: func(ctx context.Context, cmd executor.Command) (executor.Result, error) {
			ln.Close()
			return executor.Result{}, nil
		},
	}
	sup, _ := newSupervisor(testConfig(), mock)

	require.NoError(t, sup.Stop(context.Background(), ep))
	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Command.Tokens, "shutdown")
}

func TestStop_Timeout(t *testing.T) {
	ln, ep := listen(t)
	defer ln.Close()
	sup, _ := newSupervisor(testConfig(), &executor.MockExecutor{})

	err := sup.Stop(context.Background(), ep)
	assert.ErrorIs(t, err, ErrStopTimeout)
}

func TestKill_RemoteUsesFindPID(t *testing.T) {
	var mu sync.Mutex
	var killed []string
	ep := topology.Endpoint{Host: "db2.invalid", Port: 1528, Role: topology.RoleSlave}

	mock := &executor.MockExecutor{
		RunFunc: func(ctx context.Context, cmd executor.Command) (executor.Result, error) {
			if cmd.Tokens[0] == "sh" {
				return executor.Result{Output: "31337\n"}, nil
			}
			mu.Lock()
			killed = append(killed, strings.Join(cmd.Tokens, " ")+"@"+cmd.Host)
			mu.Unlock()
			return executor.Result{}, nil
		},
	}
	sup, _ := newSupervisor(testConfig(), mock)

	// The .invalid host never resolves, so the post-kill ping reports down.
	require.NoError(t, sup.Kill(context.Background(), ep))
	assert.Equal(t, []string{"kill -9 31337@db2.invalid"}, killed)
}

func TestKill_NoPIDIsNoop(t *testing.T) {
	mock := &executor.MockExecutor{
		RunFunc: func(ctx context.Context, cmd executor.Command) (executor.Result, error) {
			return executor.Result{Output: "\n"}, nil
		},
	}
	sup, _ := newSupervisor(testConfig(), mock)

	require.NoError(t, sup.Kill(context.Background(), topology.Endpoint{Host: "db2", Port: 1528}))
	require.Len(t, mock.Calls(), 1)
}

func TestFindPID(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		err     error
		wantPID int
		wantErr bool
	}{
		{"found", "  4242\n", nil, 4242, false},
		{"first of many", "10\n11\n", nil, 10, false},
		{"none", "", nil, NoPID, false},
		{"garbled", "pid?\n", nil, NoPID, true},
		{"listing failed", "", &executor.CommandError{Command: "sh", ExitCode: 2}, NoPID, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var script string
			mock := &executor.MockExecutor{
				RunFunc: func(ctx context.Context, cmd executor.Command) (executor.Result, error) {
					script = cmd.Tokens[2]
					return executor.Result{Output: tt.output}, tt.err
				},
			}
			sup, _ := newSupervisor(testConfig(), mock)

			pid, err := sup.FindPID(context.Background(), topology.Endpoint{Host: "db1", Port: 1527})
			assert.Equal(t, tt.wantPID, pid)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPIDDiscovery)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, script, "org.apache.derby.drda.NetworkServerControl")
			assert.Contains(t, script, "-p 1527")
		})
	}
}

// =============================================================================
// Storage
// =============================================================================

func TestCopyDatabase(t *testing.T) {
	tests := []struct {
		name     string
		from, to topology.Endpoint
		wantCopy []string
		wantHost string
	}{
		{
			name:     "same local host uses cp",
			from:     topology.Endpoint{Host: "localhost", Port: 1527},
			to:       topology.Endpoint{Host: "localhost", Port: 1528},
			wantCopy: []string{"cp", "-R", "/m/db", "/s/"},
			wantHost: "localhost",
		},
		{
			name:     "different hosts use scp relay",
			from:     topology.Endpoint{Host: "db1", Port: 1527},
			to:       topology.Endpoint{Host: "db2", Port: 1528},
			wantCopy: []string{"scp", "-q", "-r", "-3", "derby@db1:/m/db", "derby@db2:/s/"},
			wantHost: "localhost",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &executor.MockExecutor{}
			cfg := testConfig()
			cfg.RemoteUser = "derby"
			sup, _ := newSupervisor(cfg, mock)

			require.NoError(t, sup.CopyDatabase(context.Background(), tt.from, "/m/db", tt.to, "/s"))
			calls := mock.Calls()
			require.Len(t, calls, 2)
			assert.Contains(t, calls[0].Command.Tokens[2], "rm -rf '/s/db'")
			assert.Equal(t, tt.wantCopy, calls[1].Command.Tokens)
			assert.Equal(t, tt.wantHost, calls[1].Command.Host)
		})
	}
}

func TestCopyDatabase_FailureIsStorageError(t *testing.T) {
	mock := &executor.MockExecutor{
		RunFunc: func(ctx context.Context, cmd executor.Command) (executor.Result, error) {
			if cmd.Tokens[0] == "cp" {
				return executor.Result{ExitCode: 1}, &executor.CommandError{Command: "cp", ExitCode: 1}
			}
			return executor.Result{}, nil
		},
	}
	sup, _ := newSupervisor(testConfig(), mock)

	err := sup.CopyDatabase(context.Background(),
		topology.Endpoint{Host: "localhost"}, "/m/db", topology.Endpoint{Host: "localhost"}, "/s")
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "copy", se.Op)
}

func TestDestroyDatabase(t *testing.T) {
	mock := &executor.MockExecutor{}
	sup, _ := newSupervisor(testConfig(), mock)

	require.NoError(t, sup.DestroyDatabase(context.Background(), topology.Endpoint{Host: "db2"}, "/s/db"))
	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"rm", "-rf", "/s/db"}, calls[0].Command.Tokens)
	assert.Equal(t, "db2", calls[0].Command.Host)
}

// =============================================================================
// Log tail
// =============================================================================

func TestTailFile_EmitsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), ServerLogName)
	require.NoError(t, os.WriteFile(path, []byte("boot 1\n"), 0o644))

	var mu sync.Mutex
	var lines []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- TailFile(ctx, path, func(l string) {
			mu.Lock()
			lines = append(lines, l)
			mu.Unlock()
		})
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ready on 1527\npartial")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"boot 1", "ready on 1527"}, lines)
}
