// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttempt_TakeOnce(t *testing.T) {
	g := NewGroup(GroupConfig{})
	release := make(chan struct{})
	a := Launch(g, "attach", func() (string, error) {
		<-release
		return "XRE08", nil
	})

	assert.False(t, a.Ready())
	_, err := a.Take()
	assert.ErrorIs(t, err, ErrNotReady)

	close(release)
	v, err := a.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "XRE08", v)

	_, err = a.Take()
	assert.ErrorIs(t, err, ErrConsumed)
	require.NoError(t, g.Wait(time.Second))
}

func TestAttempt_ErrorOutcome(t *testing.T) {
	g := NewGroup(GroupConfig{})
	boom := errors.New("boom")
	a := Launch(g, "failing", func() (int, error) { return 0, boom })

	_, err := a.Await(context.Background())
	assert.ErrorIs(t, err, boom)
	// Attempt errors are outcomes, not group failures.
	assert.NoError(t, g.Wait(time.Second))
}

func TestAttempt_PanicBecomesError(t *testing.T) {
	g := NewGroup(GroupConfig{})
	a := Launch(g, "panicky", func() (int, error) { panic("kaboom") })

	_, err := a.Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, "panicky", a.Name())
}

func TestAttempt_AwaitContextDone(t *testing.T) {
	g := NewGroup(GroupConfig{})
	release := make(chan struct{})
	defer close(release)
	a := Launch(g, "blocked", func() (int, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGroup_WaitReturnsFirstError(t *testing.T) {
	g := NewGroup(GroupConfig{})
	boom := errors.New("server exited")
	g.Go("ok", func() error { return nil })
	g.Go("bad", func() error { return boom })

	assert.ErrorIs(t, g.Wait(time.Second), boom)
	assert.Equal(t, 2, g.Total())
	assert.Empty(t, g.Active())
}

func TestGroup_WaitReportsStuckTasks(t *testing.T) {
	g := NewGroup(GroupConfig{})
	release := make(chan struct{})
	defer close(release)
	g.Go("server master(localhost:1527)", func() error {
		<-release
		return nil
	})

	err := g.Wait(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
	var stuck *StuckTasksError
	require.ErrorAs(t, err, &stuck)
	require.Len(t, stuck.Tasks, 1)
	assert.Equal(t, "server master(localhost:1527)", stuck.Tasks[0].Name)
}

func TestGroup_PanicRecovered(t *testing.T) {
	g := NewGroup(GroupConfig{})
	g.Go("tail", func() error { panic("bad read") })

	err := g.Wait(time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tail")
}

func TestGroup_OnComplete(t *testing.T) {
	var mu sync.Mutex
	var names []string
	g := NewGroup(GroupConfig{OnComplete: func(name string, _ time.Duration) {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
	}})
	g.Go("a", func() error { return nil })

	require.NoError(t, g.Wait(0))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a"}, names)
}
