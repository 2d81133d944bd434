// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package poller waits for asynchronous transitions by repeatedly probing
// an observable and matching the code it reports.
//
// Every wait in the harness goes through Poll: server start pings, the
// attach handshake, failover promotion, and shutdown convergence.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

// =============================================================================
// Types
// =============================================================================

// Observation is what a single probe saw: a code and, optionally, the
// message that came with it.
type Observation struct {
	Code   string
	Detail string
}

func (o Observation) String() string {
	if o.Detail == "" {
		return o.Code
	}
	return o.Code + " (" + o.Detail + ")"
}

// Probe performs one observation. It must be idempotent: Poll may call it
// up to MaxAttempts times.
type Probe func(ctx context.Context) Observation

// PollPolicy describes one wait.
type PollPolicy struct {
	// Name identifies the wait in logs and errors.
	Name string

	Probe Probe

	// Target is the code that ends the wait successfully.
	Target string

	// Pending codes mean "not yet": sleep Interval and probe again.
	Pending []string

	Interval time.Duration

	// MaxAttempts bounds the number of probes. Must be at least 1.
	MaxAttempts int
}

// Budget is the approximate wall time the policy allows, ignoring probe
// latency.
func (p PollPolicy) Budget() time.Duration {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return time.Duration(p.MaxAttempts-1) * p.Interval
}

// Result describes a successful wait.
type Result struct {
	Attempts int
	Final    Observation
	Elapsed  time.Duration
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrTimeout means every attempt observed a pending code.
	ErrTimeout = errors.New("poll timed out")

	// ErrInvalidPolicy is returned for a policy that cannot run.
	ErrInvalidPolicy = errors.New("invalid poll policy")
)

// UnexpectedStateError is returned as soon as a probe reports a code that is
// neither the target nor pending. It is never retried.
type UnexpectedStateError struct {
	Policy   string
	Observed Observation
	Target   string
	Pending  []string
	Attempt  int
}

func (e *UnexpectedStateError) Error() string {
	expected := e.Target
	if len(e.Pending) > 0 {
		expected += " (pending: " + strings.Join(e.Pending, ", ") + ")"
	}
	return fmt.Sprintf("%s: unexpected state %s on attempt %d, expected %s",
		e.Policy, e.Observed, e.Attempt, expected)
}

// TimeoutError carries the last observation of a wait that ran out of
// attempts. errors.Is(err, ErrTimeout) is true.
type TimeoutError struct {
	Policy   string
	Attempts int
	Last     Observation
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v after %d attempts (%s), last state %s",
		e.Policy, ErrTimeout, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// =============================================================================
// Options
// =============================================================================

// AttemptHook is called after every probe. Used for metrics.
type AttemptHook func(policy string, attempt int, obs Observation)

type options struct {
	logger *slog.Logger
	hook   AttemptHook
}

// Option configures a single Poll call.
type Option func(*options)

// WithLogger logs each attempt at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAttemptHook registers h to observe every attempt.
func WithAttemptHook(h AttemptHook) Option {
	return func(o *options) { o.hook = h }
}

// =============================================================================
// Poll
// =============================================================================

// Poll probes until the target code is observed.
//
// # Description
//
// For each attempt, Probe is called and its code classified:
//   - Target: returns the Result
//   - one of Pending: sleeps Interval (unless this was the last attempt)
//     and probes again
//   - anything else: returns *UnexpectedStateError immediately
//
// When MaxAttempts pending observations have been made, returns
// *TimeoutError, which matches ErrTimeout. Cancelling ctx stops the wait and
// returns ctx.Err() wrapped with the policy name.
//
// # Inputs
//
//   - ctx: cancels the wait and is passed to every probe
//   - p: the policy; Probe, Target and MaxAttempts >= 1 are required
//   - opts: logging and attempt hooks
//
// # Outputs
//
//   - Result: attempts made and the final observation
//   - error: *UnexpectedStateError, *TimeoutError, ErrInvalidPolicy, or a
//     context error
//
// # Examples
//
//	_, err := poller.Poll(ctx, poller.PollPolicy{
//	    Name:        "startMaster",
//	    Probe:       issueStartMaster,
//	    Target:      dbconn.CodeOK,
//	    Pending:     []string{dbconn.CodePeerNotReady},
//	    Interval:    100 * time.Millisecond,
//	    MaxAttempts: 1200,
//	})
//
// # Limitations
//
//   - Fixed interval, no backoff. The protocol's transitions are short and
//     the budgets are sized in attempts.
//
// # Assumptions
//
//   - Target is not also listed in Pending.
func Poll(ctx context.Context, p PollPolicy, opts ...Option) (Result, error) {
	if err := validate(p); err != nil {
		return Result{}, err
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	var last Observation
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt - 1, Final: last, Elapsed: time.Since(start)},
				fmt.Errorf("%s: %w", p.Name, err)
		}

		last = p.Probe(ctx)
		if o.hook != nil {
			o.hook(p.Name, attempt, last)
		}
		o.logger.Debug("poll attempt",
			slog.String("policy", p.Name),
			slog.Int("attempt", attempt),
			slog.String("code", last.Code))

		switch {
		case last.Code == p.Target:
			return Result{Attempts: attempt, Final: last, Elapsed: time.Since(start)}, nil
		case slices.Contains(p.Pending, last.Code):
			if attempt < p.MaxAttempts {
				sleepWithContext(ctx, p.Interval)
			}
		default:
			return Result{Attempts: attempt, Final: last, Elapsed: time.Since(start)},
				&UnexpectedStateError{
					Policy:   p.Name,
					Observed: last,
					Target:   p.Target,
					Pending:  p.Pending,
					Attempt:  attempt,
				}
		}
	}

	elapsed := time.Since(start)
	return Result{Attempts: p.MaxAttempts, Final: last, Elapsed: elapsed},
		&TimeoutError{Policy: p.Name, Attempts: p.MaxAttempts, Last: last, Elapsed: elapsed}
}

// Once issues a single probe and requires the target code. It is Poll with
// one attempt and no pending codes, used for control operations whose
// outcome is immediate.
func Once(ctx context.Context, name string, probe Probe, target string, opts ...Option) (Observation, error) {
	res, err := Poll(ctx, PollPolicy{
		Name:        name,
		Probe:       probe,
		Target:      target,
		MaxAttempts: 1,
	}, opts...)
	return res.Final, err
}

func validate(p PollPolicy) error {
	switch {
	case p.Probe == nil:
		return fmt.Errorf("%w: %s: probe is nil", ErrInvalidPolicy, p.Name)
	case p.Target == "":
		return fmt.Errorf("%w: %s: target is empty", ErrInvalidPolicy, p.Name)
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: %s: max attempts %d", ErrInvalidPolicy, p.Name, p.MaxAttempts)
	case p.Interval < 0:
		return fmt.Errorf("%w: %s: negative interval", ErrInvalidPolicy, p.Name)
	case slices.Contains(p.Pending, p.Target):
		return fmt.Errorf("%w: %s: target %s listed as pending", ErrInvalidPolicy, p.Name, p.Target)
	}
	return nil
}

// sleepWithContext sleeps for d or until ctx is done.
func sleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
