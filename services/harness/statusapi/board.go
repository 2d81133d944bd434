// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statusapi serves the live state of a harness run over HTTP: the
// current session, its transition journal, finished scenario results, the
// Prometheus scrape endpoint, and a websocket feed of new transitions.
package statusapi

import (
	"sync"
	"time"

	"github.com/AleutianAI/replharness/services/harness/journal"
	"github.com/AleutianAI/replharness/services/harness/lifecycle"
)

// Snapshot is the state of the current session.
type Snapshot struct {
	Scenario      string    `json:"scenario,omitempty"`
	SessionID     string    `json:"session_id"`
	State         string    `json:"state"`
	Committed     int64     `json:"committed"`
	PostmortemDir string    `json:"postmortem_dir,omitempty"`
	Since         time.Time `json:"since"`
}

// Outcome is a finished scenario.
type Outcome struct {
	Scenario  string        `json:"scenario"`
	SessionID string        `json:"session_id"`
	Passed    bool          `json:"passed"`
	Kind      string        `json:"kind"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Board tracks the session currently running and the outcomes of those
// that finished. The CLI attaches each new controller; handlers read.
//
// Thread Safety: Safe for concurrent use.
type Board struct {
	mu       sync.RWMutex
	scenario string
	ctl      *lifecycle.Controller
	journal  *journal.Journal
	since    time.Time
	outcomes []Outcome
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{}
}

// Attach makes ctl the current session. j may be nil.
func (b *Board) Attach(scenario string, ctl *lifecycle.Controller, j *journal.Journal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scenario, b.ctl, b.journal, b.since = scenario, ctl, j, time.Now()
}

// Record appends a finished scenario.
func (b *Board) Record(o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = append(b.outcomes, o)
}

// Current returns the current session, or false when none is attached.
func (b *Board) Current() (Snapshot, bool) {
	b.mu.RLock()
	ctl, scenario, since := b.ctl, b.scenario, b.since
	b.mu.RUnlock()
	if ctl == nil {
		return Snapshot{}, false
	}
	return Snapshot{
		Scenario:      scenario,
		SessionID:     ctl.Session().ID(),
		State:         string(ctl.State()),
		Committed:     ctl.Committed(),
		PostmortemDir: ctl.PostmortemDir(),
		Since:         since,
	}, true
}

// Journal returns the current session's journal, or nil.
func (b *Board) Journal() *journal.Journal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.journal
}

// Outcomes returns a copy of the recorded outcomes.
func (b *Board) Outcomes() []Outcome {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Outcome, len(b.outcomes))
	copy(out, b.outcomes)
	return out
}
