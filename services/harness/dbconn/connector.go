// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dbconn is the harness's control surface to the replicated
// database: connection URLs carrying replication attributes, the SQLState
// catalogue, and the Connector abstraction over a real driver or the
// in-process simulator.
package dbconn

import (
	"context"
)

// Conn is an open connection used by the workload and the verifier.
type Conn interface {
	// Exec runs a statement that returns no rows.
	Exec(ctx context.Context, stmt string, args ...any) error

	// QueryInt runs a single-value integer query. valid is false when the
	// result is SQL NULL.
	QueryInt(ctx context.Context, query string) (value int64, valid bool, err error)

	Close() error
}

// Connector opens connections. For replication control the connect itself
// is the operation: the attributes on the URL tell the engine what to do
// and the returned error code is the outcome.
type Connector interface {
	Connect(ctx context.Context, url URL) (Conn, error)
}

// Outcome is the result of a control connect: the code and, for failures,
// the driver's message.
type Outcome struct {
	Code   string
	Detail string
}

// OK reports whether the outcome is plain success.
func (o Outcome) OK() bool { return o.Code == CodeOK }

func (o Outcome) String() string {
	if o.Detail == "" {
		return o.Code
	}
	return o.Code + " (" + o.Detail + ")"
}

// Control performs a connect-and-close control operation and reduces the
// result to an Outcome. Connection errors are the expected return channel,
// so Control never returns an error itself.
func Control(ctx context.Context, c Connector, url URL) Outcome {
	conn, err := c.Connect(ctx, url)
	if err != nil {
		return Outcome{Code: CodeOf(err), Detail: err.Error()}
	}
	_ = conn.Close()
	return Outcome{Code: CodeOK}
}
