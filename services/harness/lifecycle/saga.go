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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SagaStep is one provisioning step and its undo.
type SagaStep struct {
	Name string

	// Execute performs the step.
	Execute func(ctx context.Context) error

	// Compensate undoes a completed step. May be nil. Must be idempotent.
	Compensate func(ctx context.Context) error
}

// CompensationError records an undo that failed.
type CompensationError struct {
	StepName string
	Err      error
}

// SagaConfig configures a Saga.
type SagaConfig struct {
	// CompensationTimeout bounds each undo. Default: 2 minutes.
	CompensationTimeout time.Duration

	Logger *slog.Logger
}

// Saga runs provisioning steps in order and, when one fails, undoes the
// completed ones in reverse order.
//
// # Description
//
// Bringing a replication pair up touches two hosts. When a later step
// fails the servers already started must be stopped, otherwise the next
// session finds their ports taken. Compensation runs on a context detached
// from the caller's so it completes even after cancellation.
//
// # Thread Safety
//
// Execute holds the saga's lock; steps may not call back into the saga.
type Saga struct {
	mu        sync.Mutex
	cfg       SagaConfig
	steps     []SagaStep
	completed []SagaStep
	compErrs  []CompensationError
}

// NewSaga returns an empty saga.
func NewSaga(cfg SagaConfig) *Saga {
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Saga{cfg: cfg}
}

// AddStep appends step.
func (s *Saga) AddStep(step SagaStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Execute runs every step. On failure it compensates and returns the step
// error, which keeps its identity for errors.Is/As.
func (s *Saga) Execute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = s.completed[:0]
	s.compErrs = nil

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			s.compensate(ctx)
			return fmt.Errorf("saga cancelled before %q: %w", step.Name, err)
		}

		s.cfg.Logger.Debug("saga step", "step", step.Name)
		start := time.Now()
		if err := step.Execute(ctx); err != nil {
			s.cfg.Logger.Error("saga step failed", "step", step.Name, "duration", time.Since(start), "error", err)
			s.compensate(ctx)
			return fmt.Errorf("saga failed at step %q: %w", step.Name, err)
		}
		s.completed = append(s.completed, step)
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context) {
	if len(s.completed) == 0 {
		return
	}
	s.cfg.Logger.Info("compensating completed steps", "count", len(s.completed))

	base := context.WithoutCancel(ctx)
	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if step.Compensate == nil {
			continue
		}
		stepCtx, cancel := context.WithTimeout(base, s.cfg.CompensationTimeout)
		err := step.Compensate(stepCtx)
		cancel()
		if err != nil {
			s.cfg.Logger.Warn("compensation failed", "step", step.Name, "error", err)
			s.compErrs = append(s.compErrs, CompensationError{StepName: step.Name, Err: err})
		}
	}
}

// CompletedSteps returns the names of the steps that succeeded in the last
// Execute.
func (s *Saga) CompletedSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.completed))
	for i, st := range s.completed {
		names[i] = st.Name
	}
	return names
}

// CompensationErr joins the failed undos of the last Execute, or nil.
func (s *Saga) CompensationErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := make([]error, len(s.compErrs))
	for i, ce := range s.compErrs {
		errs[i] = fmt.Errorf("compensate %s: %w", ce.StepName, ce.Err)
	}
	return errors.Join(errs...)
}
