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
	"context"
	"sync"
)

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockExecutor is a test double for Executor.
//
// Configure the mock by setting function fields before use. If a function
// field is nil the call succeeds with an empty Result.
//
// # Examples
//
//	mock := &executor.MockExecutor{
//	    RunFunc: func(ctx context.Context, cmd executor.Command) (executor.Result, error) {
//	        if cmd.Tokens[0] == "sh" {
//	            return executor.Result{Output: "4242\n"}, nil
//	        }
//	        return executor.Result{}, nil
//	    },
//	}
type MockExecutor struct {
	RunFunc   func(ctx context.Context, cmd Command) (Result, error)
	SpawnFunc func(ctx context.Context, cmd Command, output OutputSink) (Process, error)

	mu    sync.Mutex
	calls []Call
}

// Call records a single method invocation.
type Call struct {
	Method  string
	Command Command
}

// Run delegates to RunFunc and records the call.
func (m *MockExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	m.record("Run", cmd)
	if m.RunFunc == nil {
		return Result{}, nil
	}
	return m.RunFunc(ctx, cmd)
}

// Spawn delegates to SpawnFunc and records the call.
func (m *MockExecutor) Spawn(ctx context.Context, cmd Command, output OutputSink) (Process, error) {
	m.record("Spawn", cmd)
	if m.SpawnFunc == nil {
		return NewMockProcess(0), nil
	}
	return m.SpawnFunc(ctx, cmd, output)
}

func (m *MockExecutor) record(method string, cmd Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Command: cmd})
}

// Calls returns a copy of all recorded calls.
func (m *MockExecutor) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears all recorded calls.
func (m *MockExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// MockProcess is a Process that exits when Exit is called.
type MockProcess struct {
	pid    int
	done   chan struct{}
	once   sync.Once
	result Result
	err    error
}

// NewMockProcess returns a running MockProcess.
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{pid: pid, done: make(chan struct{})}
}

func (p *MockProcess) PID() int { return p.pid }

func (p *MockProcess) Wait() (Result, error) {
	<-p.done
	return p.result, p.err
}

// Exit makes Wait return res and err. Later calls are ignored.
func (p *MockProcess) Exit(res Result, err error) {
	p.once.Do(func() {
		p.result, p.err = res, err
		close(p.done)
	})
}

var (
	_ Executor = (*MockExecutor)(nil)
	_ Process  = (*MockProcess)(nil)
)
