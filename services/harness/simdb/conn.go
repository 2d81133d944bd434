// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/replharness/services/harness/dbconn"
)

// conn is an open connection to a booted instance. It understands the
// fixed workload statements only.
type conn struct {
	c      *Cluster
	inst   *instance
	closed bool
}

// check returns the error a client sees when the instance is gone.
func (cn *conn) check() error {
	switch {
	case cn.closed:
		return dbconn.Errorf(dbconn.CodeConnectionRejected, "connection closed")
	case !cn.inst.srv.up:
		return dbconn.Errorf(dbconn.CodeConnectionRefused, "connection to %s lost", cn.inst.srv.ep.Address())
	case cn.inst.srv.booted[cn.inst.db] != cn.inst:
		return dbconn.NewError(dbconn.CodeDatabaseShutdown)
	case cn.inst.files.lost:
		return dbconn.NewError(dbconn.CodeStorageFailure)
	}
	return nil
}

func (cn *conn) Exec(ctx context.Context, stmt string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cn.c.mu.Lock()
	defer cn.c.mu.Unlock()
	if err := cn.check(); err != nil {
		return err
	}

	switch {
	case stmt == dbconn.StmtCreateTable:
		return cn.apply(func(f *dbFiles) error {
			if f.table {
				return dbconn.Errorf(dbconn.CodeObjectExists, "table %s exists", dbconn.WorkloadTable)
			}
			f.table = true
			return nil
		})

	case stmt == dbconn.StmtInsert:
		key, value, err := insertArgs(args)
		if err != nil {
			return err
		}
		return cn.apply(func(f *dbFiles) error {
			if !f.table {
				return dbconn.NewError(dbconn.CodeTableNotFound)
			}
			if _, dup := f.rows[key]; dup {
				return dbconn.Errorf(dbconn.CodeDuplicateKey, "key %d", key)
			}
			f.rows[key] = value
			return nil
		})

	case stmt == dbconn.StmtFreeze:
		cn.inst.frozen = true
		return nil

	case stmt == dbconn.StmtUnfreeze:
		cn.inst.frozen = false
		return nil

	case strings.HasPrefix(stmt, "CREATE INDEX "):
		name := strings.Fields(stmt)[2]
		return cn.apply(func(f *dbFiles) error {
			if !f.table {
				return dbconn.NewError(dbconn.CodeTableNotFound)
			}
			if f.indexes[name] {
				return dbconn.Errorf(dbconn.CodeObjectExists, "index %s exists", name)
			}
			f.indexes[name] = true
			return nil
		})

	case strings.HasPrefix(stmt, "DROP INDEX "):
		name := strings.TrimSpace(strings.TrimPrefix(stmt, "DROP INDEX "))
		return cn.apply(func(f *dbFiles) error {
			if !f.indexes[name] {
				return dbconn.Errorf(dbconn.CodeIndexNotFound, "index %s", name)
			}
			delete(f.indexes, name)
			return nil
		})
	}
	return dbconn.Errorf(dbconn.CodeSyntaxError, "unsupported statement %q", stmt)
}

// apply commits change locally and, on an attached master, ships it to the
// slave. A slave whose files are gone is marked failed and the link drops;
// the master keeps committing.
func (cn *conn) apply(change func(*dbFiles) error) error {
	inst := cn.inst
	if err := change(inst.files); err != nil {
		return err
	}
	slave := inst.peer
	if inst.mode != modeMaster || slave == nil {
		return nil
	}
	switch {
	case !slave.live():
		inst.peer = nil
		slave.peer = nil
	case slave.files.lost:
		slave.failed = true
		inst.peer = nil
		slave.peer = nil
		cn.c.log.Warn("slave storage failure", "slave", slave.srv.ep.String())
	default:
		_ = change(slave.files)
	}
	return nil
}

func insertArgs(args []any) (int64, string, error) {
	if len(args) != 2 {
		return 0, "", dbconn.Errorf(dbconn.CodeSyntaxError, "insert wants 2 arguments, got %d", len(args))
	}
	var key int64
	switch k := args[0].(type) {
	case int:
		key = int64(k)
	case int64:
		key = k
	default:
		return 0, "", dbconn.Errorf(dbconn.CodeSyntaxError, "key has type %T", args[0])
	}
	return key, fmt.Sprint(args[1]), nil
}

func (cn *conn) QueryInt(ctx context.Context, query string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	cn.c.mu.Lock()
	defer cn.c.mu.Unlock()
	if err := cn.check(); err != nil {
		return 0, false, err
	}

	f := cn.inst.files
	if !f.table {
		return 0, false, dbconn.NewError(dbconn.CodeTableNotFound)
	}
	switch query {
	case dbconn.QueryCount:
		return int64(len(f.rows)), true, nil
	case dbconn.QueryMaxKey:
		if len(f.rows) == 0 {
			return 0, false, nil
		}
		var maxKey int64
		first := true
		for k := range f.rows {
			if first || k > maxKey {
				maxKey = k
				first = false
			}
		}
		return maxKey, true, nil
	}
	return 0, false, dbconn.Errorf(dbconn.CodeSyntaxError, "unsupported query %q", query)
}

func (cn *conn) Close() error {
	cn.c.mu.Lock()
	defer cn.c.mu.Unlock()
	cn.closed = true
	return nil
}

var _ dbconn.Connector = (*Cluster)(nil)
