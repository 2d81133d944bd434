// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify checks that a database holds exactly the rows the
// workload committed.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/replharness/pkg/validation"
	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// ErrMismatch is matched by every *MismatchError.
var ErrMismatch = errors.New("consistency check failed")

// MismatchError reports a failed check.
type MismatchError struct {
	Endpoint topology.Endpoint
	Check    string
	Got      int64
	Want     int64
	// NoValue is set when the query returned NULL, e.g. max() of an empty
	// table.
	NoValue bool
}

func (e *MismatchError) Error() string {
	if e.NoValue {
		return fmt.Sprintf("%s: %s: got no value, want %d", e.Endpoint, e.Check, e.Want)
	}
	return fmt.Sprintf("%s: %s: got %d, want %d", e.Endpoint, e.Check, e.Got, e.Want)
}

func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }

// Verifier queries the workload table through the session's connector.
type Verifier struct {
	connector dbconn.Connector
	session   *topology.Session
	logger    *slog.Logger
}

// New returns a Verifier for session.
func New(connector dbconn.Connector, session *topology.Session, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{connector: connector, session: session, logger: logger}
}

func (v *Verifier) connect(ctx context.Context, ep topology.Endpoint) (dbconn.Conn, error) {
	conn, err := v.connector.Connect(ctx, dbconn.ForSession(v.session, ep))
	if err != nil {
		return nil, fmt.Errorf("verify %s: connect: %w", ep, err)
	}
	return conn, nil
}

// Verify checks that ep holds exactly expected workload rows.
//
// # Description
//
// Passes when count(*) == expected and max(key) == expected-1. For
// expected == 0 the table must be empty and max(key) NULL.
//
// # Outputs
//
//   - error: *MismatchError (matches ErrMismatch), or a connection or
//     query error carrying the database's SQLState
func (v *Verifier) Verify(ctx context.Context, ep topology.Endpoint, expected int64) error {
	conn, err := v.connect(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Close()

	count, _, err := conn.QueryInt(ctx, dbconn.QueryCount)
	if err != nil {
		return fmt.Errorf("verify %s: count: %w", ep, err)
	}
	if count != expected {
		return &MismatchError{Endpoint: ep, Check: "row count", Got: count, Want: expected}
	}

	maxKey, valid, err := conn.QueryInt(ctx, dbconn.QueryMaxKey)
	if err != nil {
		return fmt.Errorf("verify %s: max key: %w", ep, err)
	}
	switch {
	case expected == 0 && valid:
		return &MismatchError{Endpoint: ep, Check: "max key of empty table", Got: maxKey, Want: -1}
	case expected > 0 && !valid:
		return &MismatchError{Endpoint: ep, Check: "max key", Want: expected - 1, NoValue: true}
	case expected > 0 && maxKey != expected-1:
		return &MismatchError{Endpoint: ep, Check: "max key", Got: maxKey, Want: expected - 1}
	}

	v.logger.Info("consistency verified", "endpoint", ep.String(), "rows", count)
	return nil
}

// CountRows returns the number of workload rows on ep.
func (v *Verifier) CountRows(ctx context.Context, ep topology.Endpoint) (int64, error) {
	conn, err := v.connect(ctx, ep)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	count, _, err := conn.QueryInt(ctx, dbconn.QueryCount)
	if err != nil {
		return 0, fmt.Errorf("verify %s: count: %w", ep, err)
	}
	return count, nil
}

// VerifyAtMost checks count(*) <= limit and returns the count. Used after
// a crash, when rows in flight may or may not have been shipped.
func (v *Verifier) VerifyAtMost(ctx context.Context, ep topology.Endpoint, limit int64) (int64, error) {
	count, err := v.CountRows(ctx, ep)
	if err != nil {
		return 0, err
	}
	if count > limit {
		return count, &MismatchError{Endpoint: ep, Check: "row count upper bound", Got: count, Want: limit}
	}
	return count, nil
}

// VerifyIndex checks that the named index exists on ep by dropping it.
func (v *Verifier) VerifyIndex(ctx context.Context, ep topology.Endpoint, name string) error {
	if err := validation.ValidateIdentifier(name); err != nil {
		return fmt.Errorf("verify %s: %w", ep, err)
	}
	conn, err := v.connect(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Exec(ctx, dbconn.StmtDropIndex(name)); err != nil {
		return fmt.Errorf("verify %s: index %s: %w", ep, name, err)
	}
	return nil
}
