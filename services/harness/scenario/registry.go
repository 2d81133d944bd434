// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scenario holds the replication scenarios the harness runs
// against a session and the runner that drives them.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/replharness/services/harness/lifecycle"
)

var (
	// ErrNotFound is returned for an unknown scenario name.
	ErrNotFound = errors.New("scenario not found")

	// ErrAlreadyRegistered is returned when a name is taken.
	ErrAlreadyRegistered = errors.New("scenario already registered")

	// ErrViolated is matched by errors reporting a property that did not
	// hold.
	ErrViolated = errors.New("property violated")
)

// Params tunes the workload sizes of the scenarios.
type Params struct {
	// Rows is the tuple count of the main workload.
	Rows int `yaml:"rows" validate:"gte=1"`

	// Checkpoint is the row at which a fault is injected mid-load.
	Checkpoint int `yaml:"checkpoint" validate:"gte=1,ltefield=Rows"`
}

// DefaultParams inserts 1000 rows with faults at row 500.
func DefaultParams() Params {
	return Params{Rows: 1000, Checkpoint: 500}
}

// Scenario is one named check run against a fresh session.
type Scenario struct {
	Name        string
	Description string

	// Run drives ctl from StateUninitialized. The runner tears the session
	// down afterwards.
	Run func(ctx context.Context, ctl *lifecycle.Controller, p Params) error
}

// Registry maps scenario names to scenarios.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{scenarios: make(map[string]Scenario)}
}

// Register adds s under s.Name.
func (r *Registry) Register(s Scenario) error {
	if s.Name == "" || s.Run == nil {
		return fmt.Errorf("scenario: name and run function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scenarios[s.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, s.Name)
	}
	r.scenarios[s.Name] = s
	return nil
}

// MustRegister registers s and panics on error. For use at startup.
func (r *Registry) MustRegister(s Scenario) {
	if err := r.Register(s); err != nil {
		panic(fmt.Sprintf("scenario: failed to register %s: %v", s.Name, err))
	}
}

// Get looks a scenario up by name.
func (r *Registry) Get(name string) (Scenario, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scenarios[name]
	return s, ok
}

// Select returns the named scenarios in the given order, or every
// scenario sorted by name when names is empty.
func (r *Registry) Select(names ...string) ([]Scenario, error) {
	if len(names) == 0 {
		names = r.List()
	}
	out := make([]Scenario, 0, len(names))
	for _, name := range names {
		s, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		out = append(out, s)
	}
	return out, nil
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.scenarios))
	for name := range r.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns a registry holding the built-in scenarios.
func Default() *Registry {
	r := NewRegistry()
	for _, s := range builtin() {
		r.MustRegister(s)
	}
	return r
}

func violated(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrViolated, fmt.Sprintf(format, args...))
}
