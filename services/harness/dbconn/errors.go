// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dbconn

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Error is a failure reported by the database, identified by its SQLState.
type Error struct {
	Code    string
	Message string
	Err     error
}

// NewError builds an Error with the catalogue description as message.
func NewError(code string) *Error {
	return &Error{Code: code, Message: Describe(code)}
}

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sqlstate %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("sqlstate %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// SQLState lets Error satisfy the same interface drivers expose.
func (e *Error) SQLState() string { return e.Code }

// sqlStater is implemented by driver errors that carry a SQLState.
type sqlStater interface {
	SQLState() string
}

// CodeOf extracts the SQLState from err.
//
// # Description
//
// Resolution order:
//  1. nil is CodeOK
//  2. any error in the chain implementing SQLState() string
//  3. a refused TCP connection is CodeConnectionRefused
//  4. anything else is CodeUnknown
//
// # Examples
//
//	_, err := connector.Connect(ctx, url)
//	if dbconn.CodeOf(err) == dbconn.CodePeerNotReady { ... }
func CodeOf(err error) string {
	if err == nil {
		return CodeOK
	}
	var st sqlStater
	if errors.As(err, &st) {
		if code := st.SQLState(); code != "" {
			return code
		}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return CodeConnectionRefused
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CodeConnectionRefused
	}
	return CodeUnknown
}
