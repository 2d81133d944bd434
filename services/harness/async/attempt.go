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
	"fmt"
	"sync"
)

var (
	// ErrNotReady is returned by Take before the attempt has finished.
	ErrNotReady = errors.New("attempt has not finished")

	// ErrConsumed is returned by Take after the outcome was already taken.
	ErrConsumed = errors.New("attempt outcome already consumed")
)

// Attempt is a one-shot future for a blocking operation running in a Group.
//
// # Description
//
// The outcome (value or error) can be taken exactly once. The attempt is
// never reused; start a new one with Launch.
//
// # Thread Safety
//
// Ready and Take may be called from any goroutine.
type Attempt[T any] struct {
	name string
	done chan struct{}

	mu    sync.Mutex
	value T
	err   error
	taken bool
}

// Launch starts fn as a task in g and returns its Attempt.
//
// # Examples
//
//	attach := async.Launch(group, "startSlave", func() (dbconn.Outcome, error) {
//	    return dbconn.Control(ctx, connector, url), nil
//	})
//	...
//	outcome, err := attach.Take()
func Launch[T any](g *Group, name string, fn func() (T, error)) *Attempt[T] {
	a := &Attempt[T]{name: name, done: make(chan struct{})}
	g.Go(name, func() error {
		defer close(a.done)
		v, err := a.run(fn)
		a.mu.Lock()
		a.value, a.err = v, err
		a.mu.Unlock()
		return nil
	})
	return a
}

// run converts a panic in fn into the attempt's error so Take always
// observes an outcome.
func (a *Attempt[T]) run(fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("attempt %s panicked: %v", a.name, r)
		}
	}()
	return fn()
}

// Name returns the name the attempt was launched with.
func (a *Attempt[T]) Name() string { return a.name }

// Ready reports whether the operation has finished.
func (a *Attempt[T]) Ready() bool {
	select {
	case <-a.done:
		return true
	default:
		return false
	}
}

// Take returns the outcome and marks it consumed.
func (a *Attempt[T]) Take() (T, error) {
	var zero T
	if !a.Ready() {
		return zero, ErrNotReady
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.taken {
		return zero, ErrConsumed
	}
	a.taken = true
	v, err := a.value, a.err
	a.value, a.err = zero, nil
	return v, err
}

// Await blocks until the attempt is ready or ctx is done, then takes it.
func (a *Attempt[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-a.done:
		return a.Take()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
