// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Mode selects how much styling output carries.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain keeps icons and layout but no colors.
	ModePlain Mode = "plain"

	// ModeMachine prints KEY: value and tab-separated lines for scripts.
	ModeMachine Mode = "machine"
)

// ModeEnv overrides mode detection.
const ModeEnv = "REPLHARNESS_OUTPUT"

// ParseMode converts a flag or environment value to a Mode. Unknown values
// are ModePlain.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rich", "full", "color":
		return ModeRich
	case "machine", "quiet", "q":
		return ModeMachine
	default:
		return ModePlain
	}
}

// DetectMode picks the mode for f.
//
// # Description
//
// An explicit override (flag value) wins, then $REPLHARNESS_OUTPUT. A
// terminal gets ModeRich unless NO_COLOR is set, in which case ModePlain;
// anything else (pipes, files, CI logs) gets ModeMachine.
func DetectMode(f *os.File, override string) Mode {
	if override != "" {
		return ParseMode(override)
	}
	if env := os.Getenv(ModeEnv); env != "" {
		return ParseMode(env)
	}
	if f == nil || !IsTerminal(f) {
		return ModeMachine
	}
	if _, noColor := os.LookupEnv("NO_COLOR"); noColor {
		return ModePlain
	}
	return ModeRich
}

// IsTerminal reports whether f is a terminal, including Cygwin and MSYS
// ptys.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
