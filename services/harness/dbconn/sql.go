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
	"errors"
	"fmt"
)

// SQLConnector opens connections through database/sql.
//
// # Description
//
// The driver is selected by name and must be registered by the binary
// (blank import). The DSN is Prefix + URL.Render(). Because database/sql
// opens lazily, Connect pins a single *sql.Conn so that the driver's own
// connect runs, and with it the replication control attributes.
//
// Driver errors are wrapped in *Error using the driver's SQLState() when
// available, so CodeOf works on everything Connect and Conn return.
type SQLConnector struct {
	DriverName string
	Prefix     string
}

// NewSQLConnector returns a connector for a registered driver.
func NewSQLConnector(driverName, prefix string) *SQLConnector {
	return &SQLConnector{DriverName: driverName, Prefix: prefix}
}

// Connect implements Connector.
func (c *SQLConnector) Connect(ctx context.Context, url URL) (Conn, error) {
	dsn, err := url.Render()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(c.DriverName, c.Prefix+dsn)
	if err != nil {
		return nil, fmt.Errorf("open driver %s: %w", c.DriverName, err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, wrapDriverError(err)
	}
	return &sqlConn{db: db, conn: conn}, nil
}

type sqlConn struct {
	db   *sql.DB
	conn *sql.Conn
}

func (c *sqlConn) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := c.conn.ExecContext(ctx, stmt, args...); err != nil {
		return wrapDriverError(err)
	}
	return nil
}

func (c *sqlConn) QueryInt(ctx context.Context, query string) (int64, bool, error) {
	var v sql.NullInt64
	if err := c.conn.QueryRowContext(ctx, query).Scan(&v); err != nil {
		return 0, false, wrapDriverError(err)
	}
	return v.Int64, v.Valid, nil
}

func (c *sqlConn) Close() error {
	return errors.Join(c.conn.Close(), c.db.Close())
}

func wrapDriverError(err error) error {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return err
	}
	return &Error{Code: CodeOf(err), Message: "driver error", Err: err}
}
