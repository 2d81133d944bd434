// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"errors"
	"fmt"
)

// NoPID is returned by FindPID when no matching process exists.
const NoPID = -1

var (
	// ErrStartTimeout means the server never accepted a control connection
	// within the start budget. Fatal.
	ErrStartTimeout = errors.New("server did not start in time")

	// ErrServerExited means a locally spawned server exited before it
	// became reachable. Fatal.
	ErrServerExited = errors.New("server exited during start")

	// ErrStopTimeout means the server kept accepting connections after the
	// shutdown command.
	ErrStopTimeout = errors.New("server did not stop in time")

	// ErrPIDDiscovery means the process listing could not be run or parsed.
	// Fatal.
	ErrPIDDiscovery = errors.New("pid discovery failed")
)

// StorageError is a failed copy or removal of database files. Copy
// failures during provisioning are fatal.
type StorageError struct {
	Op   string
	Path string
	Host string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s on %s: %v", e.Op, e.Path, e.Host, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
