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
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/executor"
	"github.com/AleutianAI/replharness/services/harness/inject"
	"github.com/AleutianAI/replharness/services/harness/journal"
	"github.com/AleutianAI/replharness/services/harness/load"
	"github.com/AleutianAI/replharness/services/harness/poller"
	"github.com/AleutianAI/replharness/services/harness/postmortem"
	"github.com/AleutianAI/replharness/services/harness/simdb"
	"github.com/AleutianAI/replharness/services/harness/supervisor"
	"github.com/AleutianAI/replharness/services/harness/topology"
	"github.com/AleutianAI/replharness/services/harness/verify"
)

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

func testTiming() Timing {
	return Timing{
		Interval:            2 * time.Millisecond,
		StartMasterAttempts: 500,
		AttachAttempts:      500,
		FailoverAttempts:    500,
		StopAttempts:        500,
		TeardownTimeout:     2 * time.Second,
	}
}

func testSession(t *testing.T) *topology.Session {
	t.Helper()
	s, err := topology.NewSession(topology.SessionSpec{
		ID:              "sess-" + t.Name(),
		Master:          topology.Endpoint{Host: "localhost", Port: 1527, Role: topology.RoleMaster},
		Slave:           topology.Endpoint{Host: "localhost", Port: 1528, Role: topology.RoleSlave},
		Database:        "wombat",
		MasterStorage:   "/sim/master",
		SlaveStorage:    "/sim/slave",
		ReplicationPort: 4851,
	})
	require.NoError(t, err)
	return s
}

type harness struct {
	ctl     *Controller
	cluster *simdb.Cluster
	journal *journal.Journal
	session *topology.Session
}

// newHarness builds a controller on a simulated cluster. wrap, when set,
// decorates the cluster's server control.
func newHarness(t *testing.T, opts simdb.Options, wrap func(*simdb.Cluster) Servers) *harness {
	t.Helper()
	s := testSession(t)
	cluster := simdb.New(opts)
	var servers Servers = cluster
	if wrap != nil {
		servers = wrap(cluster)
	}
	j, err := journal.Open(journal.Config{InMemory: true}, s.ID())
	require.NoError(t, err)

	ctl, err := New(Config{
		Session:    s,
		Servers:    servers,
		Connector:  cluster,
		Journal:    j,
		Postmortem: postmortem.New(postmortem.Config{Dir: t.TempDir()}),
		Timing:     testTiming(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ctl.Teardown(context.Background())
		_ = j.Close()
	})
	return &harness{ctl: ctl, cluster: cluster, journal: j, session: s}
}

func (h *harness) ops(t *testing.T) []string {
	t.Helper()
	entries, err := h.journal.Entries()
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, fmt.Sprintf("%s:%s", e.Op, e.To))
	}
	return out
}

// failStart wraps a cluster and fails Start for one endpoint.
type failStart struct {
	*simdb.Cluster
	on  topology.Endpoint
	err error
}

func (f failStart) Start(ctx context.Context, spec supervisor.ServerSpec) error {
	if spec.Endpoint == f.on {
		return f.err
	}
	return f.Cluster.Start(ctx, spec)
}

// failCopy wraps a cluster whose database copy always fails.
type failCopy struct {
	*simdb.Cluster
}

func (f failCopy) CopyDatabase(_ context.Context, _ topology.Endpoint, src string, to topology.Endpoint, _ string) error {
	return &supervisor.StorageError{Op: "copy", Path: src, Host: to.Host, Err: errors.New("no space left on device")}
}

// -----------------------------------------------------------------------------
// Construction and transitions
// -----------------------------------------------------------------------------

func TestNew_RequiresCollaborators(t *testing.T) {
	s := testSession(t)
	c := simdb.New(simdb.Options{})

	_, err := New(Config{Servers: c, Connector: c})
	assert.Error(t, err)
	_, err = New(Config{Session: s, Connector: c})
	assert.Error(t, err)
	_, err = New(Config{Session: s, Servers: c})
	assert.Error(t, err)

	ctl, err := New(Config{Session: s, Servers: c, Connector: c})
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, ctl.State())
	assert.Equal(t, DefaultTiming(), ctl.cfg.Timing)
}

func TestOperation_RejectedInWrongState(t *testing.T) {
	h := newHarness(t, simdb.Options{}, nil)
	ctx := context.Background()

	err := h.ctl.Failover(ctx)
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateUninitialized, te.From)
	assert.Equal(t, StateUninitialized, h.ctl.State())

	require.NoError(t, h.ctl.StartServers(ctx))
	assert.ErrorIs(t, h.ctl.StartServers(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, h.ctl.InitSlave(ctx), ErrInvalidTransition)
}

func TestState_CanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUninitialized, StateServersStarted, true},
		{StateUninitialized, StateMasterBooted, false},
		{StateSlaveAttached, StateMasterKilled, true},
		{StateSlaveAttached, StateFailoverComplete, false},
		{StateMasterKilled, StateFailoverInitiated, true},
		{StateFailoverComplete, StateTornDown, true},
		{StateTornDown, StateTornDown, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

// -----------------------------------------------------------------------------
// Lifecycle scenarios
// -----------------------------------------------------------------------------

func TestBringUp_FailoverRoundTrip(t *testing.T) {
	h := newHarness(t, simdb.Options{AttachDelay: 3}, nil)
	ctx := context.Background()

	require.NoError(t, h.ctl.BringUp(ctx, 100))
	assert.Equal(t, StateSlaveAttached, h.ctl.State())

	_, err := h.ctl.RunLoad(ctx, load.Spec{WorkloadID: "more", Target: h.session.Master(), TupleCount: 50, ExistingDatabase: true})
	require.NoError(t, err)
	assert.Equal(t, int64(150), h.ctl.Committed())

	require.NoError(t, h.ctl.Failover(ctx))
	assert.Equal(t, StateFailoverComplete, h.ctl.State())
	require.NoError(t, h.ctl.Verify(ctx, h.session.Slave(), h.ctl.Committed()))

	require.NoError(t, h.ctl.Teardown(ctx))
	assert.Equal(t, StateTornDown, h.ctl.State())
	require.NoError(t, h.ctl.Teardown(ctx))

	ops := h.ops(t)
	assert.Contains(t, ops, "StartServers:ServersStarted")
	assert.Contains(t, ops, "StartMaster:SlaveAttached")
	assert.Contains(t, ops, "Failover:FailoverInitiated")
	assert.Contains(t, ops, "Failover:FailoverComplete")
	assert.Equal(t, "Teardown:TornDown", ops[len(ops)-1])
}

func TestStartMaster_RequiresLaunchedAttach(t *testing.T) {
	h := newHarness(t, simdb.Options{}, nil)
	ctx := context.Background()

	require.NoError(t, h.ctl.StartServers(ctx))
	require.NoError(t, h.ctl.BootMaster(ctx, 0))
	require.NoError(t, h.ctl.InitSlave(ctx))

	assert.ErrorIs(t, h.ctl.StartMaster(ctx), ErrAttachNotLaunched)
	assert.Equal(t, StateSlaveInitialized, h.ctl.State())
}

func TestStartSlave_SecondAttachInFlight(t *testing.T) {
	h := newHarness(t, simdb.Options{}, nil)
	ctx := context.Background()

	require.NoError(t, h.ctl.StartServers(ctx))
	require.NoError(t, h.ctl.BootMaster(ctx, 0))
	require.NoError(t, h.ctl.InitSlave(ctx))
	require.NoError(t, h.ctl.StartSlave(ctx))

	assert.ErrorIs(t, h.ctl.StartSlave(ctx), ErrCommandInFlight)
	assert.ErrorIs(t, h.ctl.Expect(ctx, ControlCommand{Kind: KindStartSlave, Target: h.session.Slave()}, dbconn.CodeSlaveStarted), ErrCommandInFlight)
}

func TestStartMaster_TimesOutWhilePending(t *testing.T) {
	h := newHarness(t, simdb.Options{AttachDelay: 1_000_000}, nil)
	ctx := context.Background()
	h.ctl.cfg.Timing.StartMasterAttempts = 5

	require.NoError(t, h.ctl.StartServers(ctx))
	require.NoError(t, h.ctl.BootMaster(ctx, 0))
	require.NoError(t, h.ctl.InitSlave(ctx))
	require.NoError(t, h.ctl.StartSlave(ctx))

	err := h.ctl.StartMaster(ctx)
	assert.ErrorIs(t, err, poller.ErrTimeout)
	assert.Equal(t, KindTimeout, Classify(err))
	assert.Equal(t, StateSlaveInitialized, h.ctl.State())

	// Teardown releases the blocked attach.
	require.NoError(t, h.ctl.Teardown(ctx))
}

func TestKillMasterAtCheckpoint_ThenFailoverOnSlave(t *testing.T) {
	h := newHarness(t, simdb.Options{}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctl.BringUp(ctx, 0))

	rep, err := h.ctl.RunLoadWithFault(ctx,
		load.Spec{WorkloadID: "kill-at-500", Target: h.session.Master(), TupleCount: 1000, ExistingDatabase: true},
		500, inject.FaultKillMaster)
	require.NoError(t, err)
	assert.Equal(t, int64(500), rep.Committed)
	assert.Equal(t, dbconn.CodeConnectionRefused, rep.FailureCode)
	assert.Equal(t, StateMasterKilled, h.ctl.State())

	require.NoError(t, h.ctl.FailoverOnSlave(ctx))
	assert.Equal(t, StateFailoverComplete, h.ctl.State())

	n, err := h.ctl.VerifyAtMost(ctx, h.session.Slave(), 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
}

func TestDestroySlaveStorage_MasterKeepsCommitting(t *testing.T) {
	h := newHarness(t, simdb.Options{}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctl.BringUp(ctx, 10))

	require.NoError(t, h.ctl.DestroySlaveStorage(ctx))
	assert.Equal(t, StateSlaveStorageDestroyed, h.ctl.State())

	_, err := h.ctl.RunLoad(ctx, load.Spec{WorkloadID: "after", Target: h.session.Master(), TupleCount: 20, ExistingDatabase: true})
	require.NoError(t, err)

	require.NoError(t, h.ctl.Verify(ctx, h.session.Master(), 30))
	require.NoError(t, h.ctl.Expect(ctx, ControlCommand{Kind: KindConnect, Target: h.session.Slave()}, dbconn.CodeStorageFailure))
}

func TestFailoverOnReplicaBeforePromotion_Rejected(t *testing.T) {
	h := newHarness(t, simdb.Options{}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctl.BringUp(ctx, 10))

	slave, master := h.session.Slave(), h.session.Master()
	require.NoError(t, h.ctl.Expect(ctx, ControlCommand{Kind: KindFailover, Target: slave}, dbconn.CodeDeniedWhileConnected))
	require.NoError(t, h.ctl.Failover(ctx))
	require.NoError(t, h.ctl.Expect(ctx, ControlCommand{Kind: KindConnect, Target: master}, dbconn.CodeConnectionRejected))
}

func TestConflictingAttributes(t *testing.T) {
	h := newHarness(t, simdb.Options{}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctl.StartServers(ctx))

	cmd := ControlCommand{
		Kind:   KindStartSlave,
		Target: h.session.Slave(),
		Params: map[string]string{dbconn.AttrCreate: "true"},
	}
	require.NoError(t, h.ctl.Expect(ctx, cmd, dbconn.CodeConflictingAttributes))

	err := h.ctl.Expect(ctx, cmd, dbconn.CodeOK)
	var unexpected *poller.UnexpectedStateError
	require.ErrorAs(t, err, &unexpected)
	assert.Equal(t, dbconn.CodeConflictingAttributes, unexpected.Observed.Code)
	assert.Equal(t, KindUnexpected, Classify(err))
}

func TestStopMaster_SlaveStopsAndStopIsIdempotent(t *testing.T) {
	h := newHarness(t, simdb.Options{ShutdownLag: 3}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctl.BringUp(ctx, 5))

	require.NoError(t, h.ctl.Expect(ctx, ControlCommand{Kind: KindStopSlave, Target: h.session.Slave()}, dbconn.CodeDeniedWhileConnected))
	require.NoError(t, h.ctl.StopMaster(ctx))
	assert.Equal(t, StateReplicationStopped, h.ctl.State())

	require.NoError(t, h.ctl.Expect(ctx, ControlCommand{Kind: KindStopMaster, Target: h.session.Master()}, dbconn.CodeNotMaster))
	for i := 0; i < 2; i++ {
		require.NoError(t, h.ctl.Expect(ctx, ControlCommand{Kind: KindStopSlave, Target: h.session.Slave()}, dbconn.CodeNotBooted))
	}
}

func TestVerifyIndex_BeforeAndAfterFailover(t *testing.T) {
	h := newHarness(t, simdb.Options{}, nil)
	ctx := context.Background()
	require.NoError(t, h.ctl.BringUp(ctx, 3))

	require.NoError(t, h.ctl.Exec(ctx, h.session.Master(), dbconn.StmtCreateIndex("IDX_K")))
	require.NoError(t, h.ctl.Failover(ctx))
	require.NoError(t, h.ctl.VerifyIndex(ctx, h.session.Slave(), "IDX_K"))

	err := h.ctl.Verify(ctx, h.session.Slave(), 4)
	assert.ErrorIs(t, err, verify.ErrMismatch)
}

// -----------------------------------------------------------------------------
// Fatal errors
// -----------------------------------------------------------------------------

func TestStartServers_FatalCompensatesAndCaptures(t *testing.T) {
	s := testSession(t)
	cluster := simdb.New(simdb.Options{})
	startErr := fmt.Errorf("%w: %s", supervisor.ErrStartTimeout, s.Slave())
	servers := failStart{Cluster: cluster, on: s.Slave(), err: startErr}

	dir := t.TempDir()
	ctl, err := New(Config{
		Session:    s,
		Servers:    servers,
		Connector:  cluster,
		Postmortem: postmortem.New(postmortem.Config{Dir: dir}),
		Timing:     testTiming(),
	})
	require.NoError(t, err)
	defer ctl.Teardown(context.Background())

	err = ctl.StartServers(context.Background())
	assert.ErrorIs(t, err, supervisor.ErrStartTimeout)
	assert.Equal(t, KindFatal, Classify(err))
	assert.Equal(t, StateUninitialized, ctl.State())

	assert.Error(t, cluster.Ping(context.Background(), s.Master()), "master stopped by compensation")
	assert.Equal(t, filepath.Join(dir, s.ID()), ctl.PostmortemDir())
	assert.FileExists(t, filepath.Join(ctl.PostmortemDir(), postmortem.ReasonFile))
}

func TestBringUp_FailureStopsServers(t *testing.T) {
	h := newHarness(t, simdb.Options{}, func(c *simdb.Cluster) Servers { return failCopy{Cluster: c} })
	ctx := context.Background()

	err := h.ctl.BringUp(ctx, 10)
	var se *supervisor.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, StateMasterBooted, h.ctl.State())
	assert.Error(t, h.cluster.Ping(ctx, h.session.Master()), "master stopped by compensation")
	assert.Error(t, h.cluster.Ping(ctx, h.session.Slave()), "slave stopped by compensation")
}

// -----------------------------------------------------------------------------
// Classification and commands
// -----------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"launch", &executor.LaunchError{Command: "java", Host: "db1", Err: errors.New("no such file")}, KindFatal},
		{"storage", &supervisor.StorageError{Op: "copy", Path: "/x", Host: "db2", Err: errors.New("denied")}, KindFatal},
		{"start timeout wraps poll timeout", fmt.Errorf("%w: %w", supervisor.ErrStartTimeout, poller.ErrTimeout), KindFatal},
		{"pid discovery", fmt.Errorf("%w: x", supervisor.ErrPIDDiscovery), KindFatal},
		{"poll timeout", &poller.TimeoutError{Policy: "p"}, KindTimeout},
		{"unexpected code", &poller.UnexpectedStateError{Policy: "p"}, KindUnexpected},
		{"mismatch", &verify.MismatchError{Check: "row count"}, KindUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyCode(t *testing.T) {
	pending := []string{dbconn.CodePeerNotReady}
	assert.Equal(t, KindNone, ClassifyCode(dbconn.CodeOK, dbconn.CodeOK, pending))
	assert.Equal(t, KindTransientExpected, ClassifyCode(dbconn.CodePeerNotReady, dbconn.CodeOK, pending))
	assert.Equal(t, KindTerminalExpected, ClassifyCode(dbconn.CodeNotMaster, dbconn.CodeNotMaster, nil))
	assert.Equal(t, KindUnexpected, ClassifyCode(dbconn.CodeSlaveStarted, dbconn.CodeOK, pending))
}

func TestControlCommand_URL(t *testing.T) {
	s := testSession(t)
	tests := []struct {
		cmd  ControlCommand
		want string
	}{
		{ControlCommand{Kind: KindConnect, Target: s.Slave()}, "//localhost:1528/wombat"},
		{ControlCommand{Kind: KindCreate, Target: s.Master()}, "//localhost:1527/wombat;create=true"},
		{ControlCommand{Kind: KindStartMaster, Target: s.Master()}, "//localhost:1527/wombat;startMaster=true;slaveHost=localhost;slavePort=4851"},
		{
			ControlCommand{Kind: KindStartSlave, Target: s.Slave(), Params: map[string]string{"create": "true"}},
			"//localhost:1528/wombat;startSlave=true;slaveHost=localhost;slavePort=4851;create=true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.URL(s).String())
		})
	}
}
