// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package async runs the session's background work: server processes,
// blocking attach connects, and log tails. Every task belongs to a Group
// that is joined at teardown.
package async

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrWaitTimeout is returned by Group.Wait when tasks are still running at
// the deadline.
var ErrWaitTimeout = errors.New("session tasks still running at deadline")

// StuckTasksError names the tasks abandoned by Group.Wait.
type StuckTasksError struct {
	Tasks   []TaskInfo
	Timeout time.Duration
}

func (e *StuckTasksError) Error() string {
	names := make([]string, len(e.Tasks))
	for i, t := range e.Tasks {
		names[i] = fmt.Sprintf("%s (running %s)", t.Name, t.Running.Round(time.Millisecond))
	}
	return fmt.Sprintf("%v after %s: %v", ErrWaitTimeout, e.Timeout, names)
}

func (e *StuckTasksError) Is(target error) bool { return target == ErrWaitTimeout }

// TaskInfo describes a running task.
type TaskInfo struct {
	Name      string
	StartedAt time.Time
	Running   time.Duration
}

// GroupConfig configures a Group.
type GroupConfig struct {
	// OnComplete is called when a task finishes, with its run time.
	OnComplete func(name string, duration time.Duration)

	Logger *slog.Logger
}

// Group is a named, tracked errgroup scoped to one session.
//
// # Description
//
// Tasks are started with Go and keep a name for diagnostics. A panic in a
// task is recovered and reported as that task's error. Wait joins the group
// with a deadline; tasks that do not finish in time are reported by name
// and abandoned.
//
// # Thread Safety
//
// Safe for concurrent use.
type Group struct {
	config GroupConfig
	eg     errgroup.Group

	mu     sync.Mutex
	tasks  map[uint64]*taskEntry
	nextID uint64
	total  int
}

type taskEntry struct {
	name      string
	startedAt time.Time
}

// NewGroup returns an empty Group.
func NewGroup(config GroupConfig) *Group {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Group{
		config: config,
		tasks:  make(map[uint64]*taskEntry),
	}
}

// Go runs fn as a named task.
func (g *Group) Go(name string, fn func() error) {
	done := g.track(name)
	g.eg.Go(func() (err error) {
		defer done()
		defer func() {
			if r := recover(); r != nil {
				g.config.Logger.Error("session task panicked",
					"task", name,
					"panic", r,
					"stack", string(debug.Stack()))
				err = fmt.Errorf("task %s panicked: %v", name, r)
			}
		}()
		return fn()
	})
}

func (g *Group) track(name string) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.total++
	g.tasks[id] = &taskEntry{name: name, startedAt: time.Now()}
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		entry, ok := g.tasks[id]
		delete(g.tasks, id)
		g.mu.Unlock()

		if ok && g.config.OnComplete != nil {
			g.config.OnComplete(name, time.Since(entry.startedAt))
		}
	}
}

// Active returns the running tasks, oldest first.
func (g *Group) Active() []TaskInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	out := make([]TaskInfo, 0, len(g.tasks))
	for _, e := range g.tasks {
		out = append(out, TaskInfo{Name: e.name, StartedAt: e.startedAt, Running: now.Sub(e.startedAt)})
	}
	slices.SortFunc(out, func(a, b TaskInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Total returns the number of tasks ever started.
func (g *Group) Total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Wait joins the group.
//
// # Description
//
// Blocks until every task has returned or timeout elapses. On completion
// returns the first non-nil task error. On timeout returns
// *StuckTasksError listing the tasks still running; they are abandoned and
// keep running until they return on their own.
//
// # Inputs
//
//   - timeout: join deadline; zero or negative waits without bound
//
// # Outputs
//
//   - error: first task error, *StuckTasksError, or nil
func (g *Group) Wait(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- g.eg.Wait()
	}()

	if timeout <= 0 {
		return <-done
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		stuck := g.Active()
		for _, t := range stuck {
			g.config.Logger.Warn("abandoning session task",
				"task", t.Name,
				"running", t.Running)
		}
		return &StuckTasksError{Tasks: stuck, Timeout: timeout}
	}
}
