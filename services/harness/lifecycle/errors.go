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
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrAttachNotLaunched is returned by StartMaster when StartSlave has
	// not run: the master would wait for a listener that never appears.
	ErrAttachNotLaunched = errors.New("slave attach not launched")

	// ErrCommandInFlight is returned when a command of the same kind is
	// still outstanding against the same endpoint.
	ErrCommandInFlight = errors.New("command already in flight")
)

// TransitionError is an operation attempted in a state that does not
// allow it.
type TransitionError struct {
	Op      string
	From    State
	Allowed []State
}

func (e *TransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("%s not allowed in state %s (allowed: %s)", e.Op, e.From, strings.Join(allowed, ", "))
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
