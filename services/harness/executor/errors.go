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
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyCommand is returned for a Command without tokens.
var ErrEmptyCommand = errors.New("empty command")

// CommandError is a command that ran and exited non-zero.
//
// # Examples
//
//	res, err := ex.Run(ctx, cmd)
//	var cmdErr *executor.CommandError
//	if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 { ... }
type CommandError struct {
	Command  string
	Host     string
	ExitCode int
	Output   string
	Wrapped  error
}

func (e *CommandError) Error() string {
	where := ""
	if e.Host != "" {
		where = " on " + e.Host
	}
	if e.Output != "" {
		return fmt.Sprintf("%s%s (exit %d): %s", e.Command, where, e.ExitCode, e.Output)
	}
	return fmt.Sprintf("%s%s (exit %d)", e.Command, where, e.ExitCode)
}

func (e *CommandError) Unwrap() error { return e.Wrapped }

// LaunchError is a command that could not be started at all: missing
// binary, bad working directory, unreachable remote shell. It is fatal.
type LaunchError struct {
	Command string
	Host    string
	Err     error
}

func (e *LaunchError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("launch %s on %s: %v", e.Command, e.Host, e.Err)
	}
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IsLaunchError reports whether err is or wraps a *LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}

// ExitCodeOf returns the exit code carried by err, 0 for nil and -1 when
// err is not a command exit.
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}

func commandString(tokens []string) string {
	return strings.Join(tokens, " ")
}
