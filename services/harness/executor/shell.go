// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// remoteShellFailure is the exit status ssh uses for its own errors.
const remoteShellFailure = 255

// Config configures a ShellExecutor.
type Config struct {
	// RemoteShell is the argv prefix for remote commands. The login flag,
	// host and quoted script are appended. Defaults to ["ssh"].
	RemoteShell []string

	// DefaultUser is used for remote commands that do not name a user.
	DefaultUser string

	Logger *slog.Logger
}

// ShellExecutor runs commands with os/exec, wrapping remote ones in the
// configured remote shell.
type ShellExecutor struct {
	cfg Config
}

// New returns a ShellExecutor.
//
// # Examples
//
//	ex := executor.New(executor.Config{RemoteShell: []string{"ssh", "-o", "BatchMode=yes"}})
//	res, err := ex.Run(ctx, executor.Command{Tokens: []string{"ls"}, Host: "db2", WorkingDir: "/srv"})
func New(cfg Config) *ShellExecutor {
	if len(cfg.RemoteShell) == 0 {
		cfg.RemoteShell = []string{"ssh"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ShellExecutor{cfg: cfg}
}

// Argv returns the argv that will be executed for cmd.
//
// # Description
//
// Local commands run their tokens directly. Remote commands become
//
//	<remote shell...> -l <user> <host> 'cd <dir> && <env...> <tokens...>'
//
// with every token single-quoted so the remote login shell does not
// re-split or expand it.
func (e *ShellExecutor) Argv(cmd Command) []string {
	if cmd.IsLocal() {
		return cmd.Tokens
	}
	argv := append([]string{}, e.cfg.RemoteShell...)
	user := cmd.User
	if user == "" {
		user = e.cfg.DefaultUser
	}
	if user != "" {
		argv = append(argv, "-l", user)
	}
	return append(argv, cmd.Host, remoteScript(cmd))
}

func remoteScript(cmd Command) string {
	var b strings.Builder
	if cmd.WorkingDir != "" {
		b.WriteString("cd ")
		b.WriteString(shellQuote(cmd.WorkingDir))
		b.WriteString(" && ")
	}
	for _, kv := range cmd.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(shellQuote(v))
			b.WriteByte(' ')
		}
	}
	for i, tok := range cmd.Tokens {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellQuote(tok))
	}
	return b.String()
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (e *ShellExecutor) build(cmd Command, c *exec.Cmd) {
	if cmd.IsLocal() {
		c.Dir = cmd.WorkingDir
		if len(cmd.Env) > 0 {
			c.Env = append(os.Environ(), cmd.Env...)
		}
	}
}

// Run executes cmd to completion.
func (e *ShellExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Tokens) == 0 {
		return Result{}, ErrEmptyCommand
	}
	argv := e.Argv(cmd)
	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	e.build(cmd, c)

	var out bytes.Buffer
	c.Stdout = &out
	c.Stderr = &out

	e.cfg.Logger.Debug("executing command",
		"host", hostLabel(cmd),
		"command", commandString(cmd.Tokens))

	start := time.Now()
	err := c.Run()
	res := Result{Output: out.String(), Duration: time.Since(start)}
	if err == nil {
		return res, nil
	}
	return e.classify(ctx, cmd, res, err)
}

func (e *ShellExecutor) classify(ctx context.Context, cmd Command, res Result, err error) (Result, error) {
	var exitErr *exec.ExitError
	isExit := errors.As(err, &exitErr)
	if isExit {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", commandString(cmd.Tokens), ctxErr)
	}
	if !isExit {
		return res, &LaunchError{Command: commandString(cmd.Tokens), Host: remoteHost(cmd), Err: err}
	}
	if !cmd.IsLocal() && res.ExitCode == remoteShellFailure {
		return res, &LaunchError{
			Command: commandString(cmd.Tokens),
			Host:    cmd.Host,
			Err:     fmt.Errorf("remote shell failed: %s", strings.TrimSpace(res.Output)),
		}
	}
	return res, &CommandError{
		Command:  commandString(cmd.Tokens),
		Host:     remoteHost(cmd),
		ExitCode: res.ExitCode,
		Output:   strings.TrimSpace(res.Output),
		Wrapped:  err,
	}
}

// Spawn starts cmd without waiting for it.
//
// # Description
//
// The process is not bound to ctx: servers outlive the call that started
// them and are stopped through their own control command or Kill. Local
// processes get their own process group so a kill reaches the whole tree.
func (e *ShellExecutor) Spawn(ctx context.Context, cmd Command, output OutputSink) (Process, error) {
	if len(cmd.Tokens) == 0 {
		return nil, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv := e.Argv(cmd)
	c := exec.Command(argv[0], argv[1:]...)
	e.build(cmd, c)
	if output != nil {
		c.Stdout = output
		c.Stderr = output
	}
	setProcessGroup(c)

	if err := c.Start(); err != nil {
		return nil, &LaunchError{Command: commandString(cmd.Tokens), Host: remoteHost(cmd), Err: err}
	}
	e.cfg.Logger.Info("spawned process",
		"host", hostLabel(cmd),
		"pid", c.Process.Pid,
		"command", commandString(cmd.Tokens))
	return &osProcess{exec: e, cmd: cmd, c: c, started: time.Now()}, nil
}

type osProcess struct {
	exec    *ShellExecutor
	cmd     Command
	c       *exec.Cmd
	started time.Time
}

func (p *osProcess) PID() int { return p.c.Process.Pid }

func (p *osProcess) Wait() (Result, error) {
	err := p.c.Wait()
	res := Result{Duration: time.Since(p.started)}
	if err == nil {
		return res, nil
	}
	return p.exec.classify(context.Background(), p.cmd, res, err)
}

func remoteHost(cmd Command) string {
	if cmd.IsLocal() {
		return ""
	}
	return cmd.Host
}

func hostLabel(cmd Command) string {
	if cmd.IsLocal() {
		return "localhost"
	}
	return cmd.Host
}

var _ Executor = (*ShellExecutor)(nil)
