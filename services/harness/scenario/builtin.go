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
	"time"

	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/inject"
	"github.com/AleutianAI/replharness/services/harness/lifecycle"
	"github.com/AleutianAI/replharness/services/harness/load"
	"github.com/AleutianAI/replharness/services/harness/poller"
)

// Names of the built-in scenarios.
const (
	NamePollSemantics           = "poll-semantics"
	NameFailoverRoundTrip       = "failover-round-trip"
	NameStopIdempotence         = "stop-idempotence"
	NameKillMasterMidLoad       = "kill-master-mid-load"
	NameConflictingAttributes   = "conflicting-attributes"
	NameDestroyedReplicaStorage = "destroyed-replica-storage"
	NameFailoverBeforePromotion = "failover-before-promotion"
)

func builtin() []Scenario {
	return []Scenario{
		{
			Name:        NamePollSemantics,
			Description: "poller succeeds on the target, times out while pending and fails on the first unexpected code",
			Run:         pollSemantics,
		},
		{
			Name:        NameFailoverRoundTrip,
			Description: "rows inserted before failover are all present on the promoted slave",
			Run:         failoverRoundTrip,
		},
		{
			Name:        NameStopIdempotence,
			Description: "repeated stops converge on the same terminal code",
			Run:         stopIdempotence,
		},
		{
			Name:        NameKillMasterMidLoad,
			Description: "master killed at the checkpoint; the promoted slave holds at most the checkpoint rows",
			Run:         killMasterMidLoad,
		},
		{
			Name:        NameConflictingAttributes,
			Description: "startSlave with create is rejected and boots nothing",
			Run:         conflictingAttributes,
		},
		{
			Name:        NameDestroyedReplicaStorage,
			Description: "slave storage destroyed mid-load surfaces a storage error while the master keeps its rows",
			Run:         destroyedReplicaStorage,
		},
		{
			Name:        NameFailoverBeforePromotion,
			Description: "failover on an attached slave is refused; failover on the master succeeds",
			Run:         failoverBeforePromotion,
		},
	}
}

// ----------------------------------------------------------------------------
// Poll semantics
// ----------------------------------------------------------------------------

// scripted returns a probe replaying codes, repeating the last one, and a
// pointer to its call count.
func scripted(codes ...string) (poller.Probe, *int) {
	calls := 0
	return func(context.Context) poller.Observation {
		i := min(calls, len(codes)-1)
		calls++
		return poller.Observation{Code: codes[i]}
	}, &calls
}

func pollSemantics(ctx context.Context, ctl *lifecycle.Controller, _ Params) error {
	const interval = time.Millisecond
	pending := []string{dbconn.CodePeerNotReady}

	probe, calls := scripted(dbconn.CodePeerNotReady, dbconn.CodePeerNotReady, dbconn.CodeOK)
	res, err := poller.Poll(ctx, poller.PollPolicy{
		Name: "reaches target", Probe: probe, Target: dbconn.CodeOK,
		Pending: pending, Interval: interval, MaxAttempts: 5,
	})
	if err != nil {
		return violated("target reached on attempt 3 but poll failed: %v", err)
	}
	if res.Attempts != 3 || *calls != 3 {
		return violated("success after %d attempts and %d probes, want 3", res.Attempts, *calls)
	}

	probe, calls = scripted(dbconn.CodePeerNotReady)
	_, err = poller.Poll(ctx, poller.PollPolicy{
		Name: "stays pending", Probe: probe, Target: dbconn.CodeOK,
		Pending: pending, Interval: interval, MaxAttempts: 4,
	})
	if !errors.Is(err, poller.ErrTimeout) {
		return violated("pending probe: got %v, want timeout", err)
	}
	if *calls != 4 {
		return violated("timeout after %d probes, want 4", *calls)
	}

	probe, calls = scripted(dbconn.CodePeerNotReady, dbconn.CodeNotMaster, dbconn.CodePeerNotReady)
	_, err = poller.Poll(ctx, poller.PollPolicy{
		Name: "leaves both sets", Probe: probe, Target: dbconn.CodeOK,
		Pending: pending, Interval: interval, MaxAttempts: 10,
	})
	var unexpected *poller.UnexpectedStateError
	if !errors.As(err, &unexpected) {
		return violated("unexpected code: got %v, want unexpected state", err)
	}
	if unexpected.Attempt != 2 || *calls != 2 {
		return violated("unexpected state reported at attempt %d after %d probes, want 2", unexpected.Attempt, *calls)
	}

	// The live startMaster poll passes through XRE04 before the slave
	// listens.
	return ctl.BringUp(ctx, 0)
}

// ----------------------------------------------------------------------------
// Lifecycle scenarios
// ----------------------------------------------------------------------------

func failoverRoundTrip(ctx context.Context, ctl *lifecycle.Controller, p Params) error {
	s := ctl.Session()
	if err := ctl.BringUp(ctx, 0); err != nil {
		return err
	}
	rep, err := ctl.RunLoad(ctx, load.Spec{
		WorkloadID:       NameFailoverRoundTrip,
		Target:           s.Master(),
		TupleCount:       p.Rows,
		ExistingDatabase: true,
	})
	if err != nil {
		return err
	}
	if rep.Interrupted() {
		return violated("load on master stopped after %d rows: %v", rep.Committed, rep.Failure)
	}
	if err := ctl.Failover(ctx); err != nil {
		return err
	}
	return ctl.Verify(ctx, s.Slave(), int64(p.Rows))
}

func stopIdempotence(ctx context.Context, ctl *lifecycle.Controller, _ Params) error {
	s := ctl.Session()
	if err := ctl.BringUp(ctx, 0); err != nil {
		return err
	}
	if err := ctl.StopMaster(ctx); err != nil {
		return err
	}
	for range 2 {
		if err := ctl.Expect(ctx, lifecycle.ControlCommand{Kind: lifecycle.KindStopSlave, Target: s.Slave()}, dbconn.CodeNotBooted); err != nil {
			return err
		}
		if err := ctl.Expect(ctx, lifecycle.ControlCommand{Kind: lifecycle.KindStopMaster, Target: s.Master()}, dbconn.CodeNotMaster); err != nil {
			return err
		}
	}
	for range 2 {
		if err := ctl.Teardown(ctx); err != nil {
			return err
		}
	}
	if ctl.State() != lifecycle.StateTornDown {
		return violated("state %s after teardown", ctl.State())
	}
	return nil
}

func killMasterMidLoad(ctx context.Context, ctl *lifecycle.Controller, p Params) error {
	s := ctl.Session()
	if err := ctl.BringUp(ctx, 0); err != nil {
		return err
	}
	rep, err := ctl.RunLoadWithFault(ctx, load.Spec{
		WorkloadID:       NameKillMasterMidLoad,
		Target:           s.Master(),
		TupleCount:       p.Rows,
		ExistingDatabase: true,
	}, p.Checkpoint, inject.FaultKillMaster)
	if err != nil {
		return err
	}
	if !rep.Interrupted() {
		return violated("load committed all %d rows after the master was killed", rep.Committed)
	}
	if rep.Committed > int64(p.Checkpoint) {
		return violated("%d rows committed, want at most %d", rep.Committed, p.Checkpoint)
	}
	if err := ctl.FailoverOnSlave(ctx); err != nil {
		return err
	}
	_, err = ctl.VerifyAtMost(ctx, s.Slave(), int64(p.Checkpoint))
	return err
}

func conflictingAttributes(ctx context.Context, ctl *lifecycle.Controller, _ Params) error {
	s := ctl.Session()
	if err := ctl.StartServers(ctx); err != nil {
		return err
	}
	cmd := lifecycle.ControlCommand{
		Kind:   lifecycle.KindStartSlave,
		Target: s.Slave(),
		Params: map[string]string{dbconn.AttrCreate: "true"},
	}
	if err := ctl.Expect(ctx, cmd, dbconn.CodeConflictingAttributes); err != nil {
		return err
	}
	// Nothing was created on the slave.
	return ctl.Expect(ctx, lifecycle.ControlCommand{Kind: lifecycle.KindConnect, Target: s.Slave()}, dbconn.CodeDatabaseNotFound)
}

func destroyedReplicaStorage(ctx context.Context, ctl *lifecycle.Controller, p Params) error {
	s := ctl.Session()
	if err := ctl.BringUp(ctx, 0); err != nil {
		return err
	}
	rep, err := ctl.RunLoadWithFault(ctx, load.Spec{
		WorkloadID:       NameDestroyedReplicaStorage,
		Target:           s.Master(),
		TupleCount:       p.Rows,
		ExistingDatabase: true,
	}, p.Checkpoint, inject.FaultDestroySlaveStorage)
	if err != nil {
		return err
	}
	if rep.Interrupted() {
		return violated("master load stopped after %d rows: %v", rep.Committed, rep.Failure)
	}
	if err := ctl.AwaitCode(ctx,
		lifecycle.ControlCommand{Kind: lifecycle.KindConnect, Target: s.Slave()},
		dbconn.CodeStorageFailure, dbconn.CodeSlaveStarted); err != nil {
		return err
	}
	return ctl.Verify(ctx, s.Master(), rep.Committed)
}

func failoverBeforePromotion(ctx context.Context, ctl *lifecycle.Controller, p Params) error {
	s := ctl.Session()
	if err := ctl.BringUp(ctx, p.Rows); err != nil {
		return err
	}
	if err := ctl.Expect(ctx, lifecycle.ControlCommand{Kind: lifecycle.KindFailover, Target: s.Slave()}, dbconn.CodeDeniedWhileConnected); err != nil {
		return err
	}
	if err := ctl.Failover(ctx); err != nil {
		return err
	}
	if err := ctl.Expect(ctx, lifecycle.ControlCommand{Kind: lifecycle.KindConnect, Target: s.Master()}, dbconn.CodeConnectionRejected); err != nil {
		return err
	}
	return ctl.Verify(ctx, s.Slave(), int64(p.Rows))
}
