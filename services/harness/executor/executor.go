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
Package executor runs shell commands on the local host or on a remote host
through a remote shell.

All process-level work in the harness (server start and shutdown, PID
discovery, kill, storage copy and removal) goes through the Executor
interface, so it can be replaced by MockExecutor in tests.

# Capture Contract

Standard output and standard error are combined into Result.Output in the
order they were written. A command that ran and exited non-zero is not a
launch failure: Run returns the Result together with a *CommandError. A
command that could not be started returns *LaunchError and is never
retried.
*/
package executor

import (
	"context"
	"time"

	"github.com/AleutianAI/replharness/services/harness/async"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// Command is a tokenized command line and where to run it.
type Command struct {
	// Tokens is argv. Tokens[0] is the program.
	Tokens []string

	// Host selects the execution site. Empty or a local name runs locally.
	Host string

	// User is the remote login name. Ignored for local commands.
	User string

	// WorkingDir is the directory the command runs in. Optional.
	WorkingDir string

	// Env is appended to the inherited environment, "KEY=value" form.
	Env []string
}

// IsLocal reports whether the command runs on this machine.
func (c Command) IsLocal() bool {
	return c.Host == "" || topology.Endpoint{Host: c.Host}.IsLocal()
}

// Result is the captured outcome of a finished command.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Process is a spawned command that has not been waited for.
type Process interface {
	// PID is the operating system process id of the spawned program.
	PID() int

	// Wait blocks until the process exits.
	Wait() (Result, error)
}

// Executor runs commands.
//
// # Description
//
// Run executes a command to completion. Spawn starts a command and returns
// without waiting, streaming its combined output to a writer; it is used
// for long-running server processes.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	Spawn(ctx context.Context, cmd Command, output OutputSink) (Process, error)
}

// OutputSink receives spawned process output. *os.File and any io.Writer
// satisfy it.
type OutputSink interface {
	Write(p []byte) (int, error)
}

// Start runs cmd as a detached task in group and returns its attempt.
//
// # Examples
//
//	attempt := executor.Start(ctx, exec, group, remoteStart)
//	...
//	res, err := attempt.Take()
func Start(ctx context.Context, ex Executor, group *async.Group, cmd Command) *async.Attempt[Result] {
	name := "exec " + cmd.Host
	if len(cmd.Tokens) > 0 {
		name += " " + cmd.Tokens[0]
	}
	return async.Launch(group, name, func() (Result, error) {
		return ex.Run(ctx, cmd)
	})
}
