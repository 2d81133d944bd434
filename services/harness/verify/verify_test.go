// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/simdb"
	"github.com/AleutianAI/replharness/services/harness/supervisor"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

func setup(t *testing.T, keys ...int) (*Verifier, *topology.Session, dbconn.Conn) {
	t.Helper()
	session, err := topology.NewSession(topology.SessionSpec{
		Master:          topology.Endpoint{Host: "localhost", Port: 1527, Role: topology.RoleMaster},
		Slave:           topology.Endpoint{Host: "localhost", Port: 1528, Role: topology.RoleSlave},
		Database:        "wombat",
		MasterStorage:   "/sim/m",
		SlaveStorage:    "/sim/s",
		ReplicationPort: 4851,
	})
	require.NoError(t, err)

	ctx := context.Background()
	cluster := simdb.New(simdb.Options{})
	require.NoError(t, cluster.Start(ctx, supervisor.ServerSpec{Endpoint: session.Master(), StoragePath: "/sim/m"}))
	conn, err := cluster.Connect(ctx, dbconn.ForSession(session, session.Master()).WithFlag(dbconn.AttrCreate))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.Exec(ctx, dbconn.StmtCreateTable))
	for _, k := range keys {
		require.NoError(t, conn.Exec(ctx, dbconn.StmtInsert, k, dbconn.RowValue(int64(k))))
	}
	return New(cluster, session, nil), session, conn
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name      string
		keys      []int
		expected  int64
		wantCheck string
	}{
		{"exact", []int{0, 1, 2}, 3, ""},
		{"empty", nil, 0, ""},
		{"short", []int{0, 1}, 3, "row count"},
		{"gap in keys", []int{0, 1, 5}, 3, "max key"},
		{"rows where none expected", []int{0}, 0, "row count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, session, _ := setup(t, tt.keys...)
			err := v.Verify(context.Background(), session.Master(), tt.expected)
			if tt.wantCheck == "" {
				assert.NoError(t, err)
				return
			}
			var me *MismatchError
			require.ErrorAs(t, err, &me)
			assert.ErrorIs(t, err, ErrMismatch)
			assert.Equal(t, tt.wantCheck, me.Check)
		})
	}
}

func TestVerifyAtMost(t *testing.T) {
	v, session, _ := setup(t, 0, 1, 2, 3)

	n, err := v.VerifyAtMost(context.Background(), session.Master(), 500)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	_, err = v.VerifyAtMost(context.Background(), session.Master(), 3)
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestVerifyIndex(t *testing.T) {
	v, session, conn := setup(t, 0)
	ctx := context.Background()
	require.NoError(t, conn.Exec(ctx, dbconn.StmtCreateIndex("IDX_REPL")))

	require.NoError(t, v.VerifyIndex(ctx, session.Master(), "IDX_REPL"))
	err := v.VerifyIndex(ctx, session.Master(), "IDX_REPL")
	assert.Equal(t, dbconn.CodeIndexNotFound, dbconn.CodeOf(err))

	assert.Error(t, v.VerifyIndex(ctx, session.Master(), "IDX; DROP TABLE REPL"))
}

func TestVerify_ConnectFailureCarriesCode(t *testing.T) {
	v, session, _ := setup(t)
	err := v.Verify(context.Background(), session.Slave(), 0)
	assert.Equal(t, dbconn.CodeConnectionRefused, dbconn.CodeOf(err))
}
