// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lifecycle

import (
	"errors"
	"slices"

	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/executor"
	"github.com/AleutianAI/replharness/services/harness/poller"
	"github.com/AleutianAI/replharness/services/harness/supervisor"
)

// ErrorKind is the failure taxonomy of the harness.
type ErrorKind int

const (
	// KindNone is success.
	KindNone ErrorKind = iota

	// KindTransientExpected is a code in a transition's pending set. The
	// poller retries it.
	KindTransientExpected

	// KindTerminalExpected is the rejection an assertion expects for an
	// operation issued in an invalid state. It passes the assertion.
	KindTerminalExpected

	// KindUnexpected is any code or success that diverges from the
	// expectation. Not retried.
	KindUnexpected

	// KindTimeout is a poll that stayed pending until its budget ran out.
	KindTimeout

	// KindFatal is an orchestration failure: launch, PID discovery, file
	// copy, server start. Triggers postmortem capture.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransientExpected:
		return "transient-expected"
	case KindTerminalExpected:
		return "terminal-expected"
	case KindUnexpected:
		return "unexpected"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps an operation error to its kind. Fatal causes are checked
// before timeouts because a start timeout wraps the poller's timeout.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var launch *executor.LaunchError
	var storage *supervisor.StorageError
	switch {
	case errors.As(err, &launch),
		errors.As(err, &storage),
		errors.Is(err, supervisor.ErrStartTimeout),
		errors.Is(err, supervisor.ErrServerExited),
		errors.Is(err, supervisor.ErrPIDDiscovery):
		return KindFatal
	case errors.Is(err, poller.ErrTimeout):
		return KindTimeout
	}
	return KindUnexpected
}

// ClassifyCode places an observed code relative to an expectation.
func ClassifyCode(code, target string, pending []string) ErrorKind {
	switch {
	case code == target && target == dbconn.CodeOK:
		return KindNone
	case code == target:
		return KindTerminalExpected
	case slices.Contains(pending, code):
		return KindTransientExpected
	}
	return KindUnexpected
}
