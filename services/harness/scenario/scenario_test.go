// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scenario

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/replharness/services/harness/lifecycle"
	"github.com/AleutianAI/replharness/services/harness/simdb"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

func simFactory(t *testing.T, opts simdb.Options) Factory {
	t.Helper()
	return func(_ context.Context, name string) (*lifecycle.Controller, error) {
		s, err := topology.NewSession(topology.SessionSpec{
			Master:          topology.Endpoint{Host: "localhost", Port: 1527, Role: topology.RoleMaster},
			Slave:           topology.Endpoint{Host: "localhost", Port: 1528, Role: topology.RoleSlave},
			Database:        "wombat",
			MasterStorage:   "/sim/master",
			SlaveStorage:    "/sim/slave",
			ReplicationPort: 4851,
		})
		if err != nil {
			return nil, err
		}
		cluster := simdb.New(opts)
		return lifecycle.New(lifecycle.Config{
			Session:   s,
			Servers:   cluster,
			Connector: cluster,
			Timing: lifecycle.Timing{
				Interval:            time.Millisecond,
				StartMasterAttempts: 200,
				AttachAttempts:      200,
				FailoverAttempts:    200,
				StopAttempts:        200,
				TeardownTimeout:     2 * time.Second,
			},
		})
	}
}

func TestBuiltinScenarios_PassOnSimulatedCluster(t *testing.T) {
	reg := Default()
	all, err := reg.Select()
	require.NoError(t, err)
	require.Len(t, all, 7)

	for _, opts := range []simdb.Options{{}, {AttachDelay: 2, ShutdownLag: 2}} {
		for _, s := range all {
			t.Run(fmt.Sprintf("%s/attach=%d,lag=%d", s.Name, opts.AttachDelay, opts.ShutdownLag), func(t *testing.T) {
				r, err := NewRunner(RunnerConfig{Factory: simFactory(t, opts), Params: Params{Rows: 200, Checkpoint: 100}})
				require.NoError(t, err)

				results := r.Run(context.Background(), []Scenario{s})
				require.Len(t, results, 1)
				res := results[0]
				assert.True(t, res.Passed(), "err=%v teardown=%v", res.Err, res.TeardownErr)
				assert.Equal(t, lifecycle.KindNone, res.Kind)
				assert.NotEmpty(t, res.SessionID)
			})
		}
	}
}

func TestKillMasterMidLoad_CommittedAtCheckpoint(t *testing.T) {
	s, ok := Default().Get(NameKillMasterMidLoad)
	require.True(t, ok)
	r, err := NewRunner(RunnerConfig{Factory: simFactory(t, simdb.Options{})})
	require.NoError(t, err)

	res := r.Run(context.Background(), []Scenario{s})[0]
	require.True(t, res.Passed(), "%v", res.Err)
	assert.Equal(t, int64(500), res.Committed)
	assert.Equal(t, lifecycle.StateFailoverComplete, res.FinalState)
}

func TestRunner_ReportsFailuresAndFailFast(t *testing.T) {
	broken := Scenario{
		Name: "broken",
		Run: func(context.Context, *lifecycle.Controller, Params) error {
			return violated("row %d missing", 7)
		},
	}
	ok := Scenario{
		Name: "ok",
		Run:  func(context.Context, *lifecycle.Controller, Params) error { return nil },
	}

	r, err := NewRunner(RunnerConfig{Factory: simFactory(t, simdb.Options{})})
	require.NoError(t, err)
	results := r.Run(context.Background(), []Scenario{broken, ok})
	require.Len(t, results, 2)
	assert.ErrorIs(t, results[0].Err, ErrViolated)
	assert.Equal(t, lifecycle.KindUnexpected, results[0].Kind)
	assert.True(t, results[1].Passed())
	assert.Equal(t, []string{"broken"}, names(Failed(results)))

	var seen []string
	r, err = NewRunner(RunnerConfig{
		Factory:  simFactory(t, simdb.Options{}),
		FailFast: true,
		OnResult: func(res Result) { seen = append(seen, res.Name) },
	})
	require.NoError(t, err)
	assert.Len(t, r.Run(context.Background(), []Scenario{broken, ok}), 1)
	assert.Equal(t, []string{"broken"}, seen)
}

func TestRunner_FactoryFailure(t *testing.T) {
	r, err := NewRunner(RunnerConfig{Factory: func(context.Context, string) (*lifecycle.Controller, error) {
		return nil, errors.New("no ports")
	}})
	require.NoError(t, err)
	res := r.Run(context.Background(), []Scenario{{Name: "x", Run: func(context.Context, *lifecycle.Controller, Params) error { return nil }}})
	require.Len(t, res, 1)
	assert.False(t, res[0].Passed())
	assert.Equal(t, lifecycle.KindFatal, res[0].Kind)
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(RunnerConfig{})
	assert.Error(t, err)

	f := simFactory(t, simdb.Options{})
	_, err = NewRunner(RunnerConfig{Factory: f, Params: Params{Rows: 10, Checkpoint: 11}})
	assert.Error(t, err)
	_, err = NewRunner(RunnerConfig{Factory: f, Params: Params{Rows: 10}})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	s := Scenario{Name: "a", Run: func(context.Context, *lifecycle.Controller, Params) error { return nil }}
	require.NoError(t, reg.Register(s))
	assert.ErrorIs(t, reg.Register(s), ErrAlreadyRegistered)
	assert.Error(t, reg.Register(Scenario{Name: "b"}))
	assert.Panics(t, func() { reg.MustRegister(s) })

	_, err := reg.Select("a", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []string{
		NameConflictingAttributes,
		NameDestroyedReplicaStorage,
		NameFailoverBeforePromotion,
		NameFailoverRoundTrip,
		NameKillMasterMidLoad,
		NamePollSemantics,
		NameStopIdempotence,
	}, Default().List())
}

func names(rs []Result) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Name)
	}
	return out
}
