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
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fake driver
// =============================================================================

// stateErr mimics a driver error exposing SQLState().
type stateErr struct{ code string }

func (e stateErr) Error() string    { return "fake driver: " + e.code }
func (e stateErr) SQLState() string { return e.code }

// fakeDriver fails Open with the code named by a ";fail=CODE" attribute.
type fakeDriver struct {
	mu     sync.Mutex
	opened []string
}

func (d *fakeDriver) Open(name string) (driver.Conn, error) {
	d.mu.Lock()
	d.opened = append(d.opened, name)
	d.mu.Unlock()
	for _, part := range strings.Split(name, ";") {
		if code, ok := strings.CutPrefix(part, "fail="); ok {
			return nil, stateErr{code: code}
		}
	}
	return &fakeConn{}, nil
}

func (d *fakeDriver) last() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.opened) == 0 {
		return ""
	}
	return d.opened[len(d.opened)-1]
}

type fakeConn struct{}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) { return &fakeStmt{query: query}, nil }
func (c *fakeConn) Close() error                              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)                 { return nil, errors.New("no transactions") }

type fakeStmt struct{ query string }

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	if strings.HasPrefix(s.query, "DROP INDEX missing") {
		return nil, stateErr{code: CodeIndexNotFound}
	}
	return driver.RowsAffected(1), nil
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	if strings.Contains(s.query, "MAX") {
		return &fakeRows{val: nil}, nil
	}
	return &fakeRows{val: int64(42)}, nil
}

type fakeRows struct {
	val  driver.Value
	done bool
}

func (r *fakeRows) Columns() []string { return []string{"v"} }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	dest[0] = r.val
	r.done = true
	return nil
}

var testDriver = &fakeDriver{}

func init() {
	sql.Register("replfake", testDriver)
}

// =============================================================================
// Tests
// =============================================================================

func TestSQLConnector_ConnectRendersPrefixedDSN(t *testing.T) {
	c := NewSQLConnector("replfake", "derby:")
	conn, err := c.Connect(context.Background(), NewURL(master, "wombat").WithFlag(AttrCreate))
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "derby://localhost:1527/wombat;create=true", testDriver.last())
}

func TestSQLConnector_ConnectErrorCarriesCode(t *testing.T) {
	c := NewSQLConnector("replfake", "")
	_, err := c.Connect(context.Background(), NewURL(master, "wombat").With("fail", CodePeerNotReady))
	require.Error(t, err)

	assert.Equal(t, CodePeerNotReady, CodeOf(err))
	var dbErr *Error
	assert.True(t, errors.As(err, &dbErr))
}

func TestSQLConnector_ExecAndQuery(t *testing.T) {
	ctx := context.Background()
	conn, err := NewSQLConnector("replfake", "").Connect(ctx, NewURL(master, "wombat"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Exec(ctx, StmtInsert, 1, RowValue(1)))

	n, valid, err := conn.QueryInt(ctx, QueryCount)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, int64(42), n)

	_, valid, err = conn.QueryInt(ctx, QueryMaxKey)
	require.NoError(t, err)
	assert.False(t, valid)

	err = conn.Exec(ctx, StmtDropIndex("missing"))
	assert.Equal(t, CodeIndexNotFound, CodeOf(err))
}

func TestControl(t *testing.T) {
	c := NewSQLConnector("replfake", "")
	ctx := context.Background()

	assert.Equal(t, CodeOK, Control(ctx, c, NewURL(master, "wombat")).Code)

	out := Control(ctx, c, NewURL(master, "wombat").With("fail", CodeFailoverSucceeded))
	assert.Equal(t, CodeFailoverSucceeded, out.Code)
	assert.NotEmpty(t, out.Detail)
}

func TestRowValue(t *testing.T) {
	assert.Equal(t, "row-0", RowValue(0))
	assert.Equal(t, "row-5000000000", RowValue(5_000_000_000))
}
