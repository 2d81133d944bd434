// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/replharness/services/harness/lifecycle"
)

// Factory builds a fresh controller for one scenario run. Each run gets
// its own session.
type Factory func(ctx context.Context, scenario string) (*lifecycle.Controller, error)

// Result is the outcome of one scenario.
type Result struct {
	Name      string
	SessionID string
	Err       error
	Kind      lifecycle.ErrorKind
	// FinalState is the state the scenario left the session in, before
	// teardown.
	FinalState    lifecycle.State
	Committed     int64
	PostmortemDir string
	TeardownErr   error
	Duration      time.Duration
}

// Passed reports whether the scenario held and its session tore down
// cleanly.
func (r Result) Passed() bool { return r.Err == nil && r.TeardownErr == nil }

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Factory Factory
	Params  Params

	// FailFast stops after the first failed scenario.
	FailFast bool

	// OnResult, when set, sees each result as soon as its scenario ends.
	OnResult func(Result)

	Logger *slog.Logger
}

// Runner executes scenarios one after another. Sessions share ports, so
// runs never overlap.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRunner returns a Runner. Zero Params are replaced by DefaultParams.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Factory == nil {
		return nil, errors.New("scenario: factory is required")
	}
	if cfg.Params == (Params{}) {
		cfg.Params = DefaultParams()
	}
	if cfg.Params.Checkpoint < 1 || cfg.Params.Checkpoint > cfg.Params.Rows {
		return nil, fmt.Errorf("scenario: checkpoint %d outside 1..%d", cfg.Params.Checkpoint, cfg.Params.Rows)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// Run executes scenarios in order and returns one Result each. A cancelled
// ctx stops the run; scenarios not started are omitted.
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) []Result {
	results := make([]Result, 0, len(scenarios))
	for _, s := range scenarios {
		if ctx.Err() != nil {
			break
		}
		res := r.runOne(ctx, s)
		results = append(results, res)
		if r.cfg.OnResult != nil {
			r.cfg.OnResult(res)
		}
		if !res.Passed() && r.cfg.FailFast {
			break
		}
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, s Scenario) Result {
	start := time.Now()
	res := Result{Name: s.Name}
	logger := r.logger.With("scenario", s.Name)

	ctl, err := r.cfg.Factory(ctx, s.Name)
	if err != nil {
		res.Err = fmt.Errorf("build session: %w", err)
		res.Kind = lifecycle.KindFatal
		res.Duration = time.Since(start)
		logger.Error("scenario setup failed", "error", err)
		return res
	}
	res.SessionID = ctl.Session().ID()

	logger.Info("scenario started", "session", res.SessionID)
	res.Err = s.Run(ctx, ctl, r.cfg.Params)
	res.Kind = lifecycle.Classify(res.Err)
	res.Committed = ctl.Committed()
	res.PostmortemDir = ctl.PostmortemDir()
	res.FinalState = ctl.State()

	res.TeardownErr = ctl.Teardown(context.WithoutCancel(ctx))
	res.Duration = time.Since(start)

	if res.Passed() {
		logger.Info("scenario passed", "duration", res.Duration)
	} else {
		logger.Error("scenario failed", "kind", res.Kind.String(), "error", res.Err, "teardown_error", res.TeardownErr)
	}
	return res
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed() {
			out = append(out, r)
		}
	}
	return out
}
