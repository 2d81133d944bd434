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

	"github.com/AleutianAI/replharness/services/harness/async"
	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/inject"
	"github.com/AleutianAI/replharness/services/harness/load"
	"github.com/AleutianAI/replharness/services/harness/poller"
	"github.com/AleutianAI/replharness/services/harness/supervisor"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// Observation codes of the attach report poll.
const (
	attachReady   = "reported"
	attachPending = "pending"
)

var allStates = append([]State{StateUninitialized}, active...)

// ============================================================================
// Provisioning
// ============================================================================

// StartServers starts the master and slave servers, each on its own
// storage. When the slave fails to start the master is stopped again.
func (c *Controller) StartServers(ctx context.Context) error {
	return c.run(ctx, "StartServers", []State{StateUninitialized}, StateServersStarted, func(ctx context.Context) error {
		saga := NewSaga(SagaConfig{Logger: c.logger})
		for _, ep := range []topology.Endpoint{c.session.Master(), c.session.Slave()} {
			saga.AddStep(SagaStep{
				Name: "start " + ep.String(),
				Execute: func(ctx context.Context) error {
					return c.cfg.Servers.Start(ctx, supervisor.ServerSpec{
						Endpoint:    ep,
						StoragePath: c.session.StorageFor(ep),
					})
				},
				Compensate: func(ctx context.Context) error {
					return c.cfg.Servers.Stop(ctx, ep)
				},
			})
		}
		return saga.Execute(ctx)
	})
}

// BootMaster creates the master database and the workload table, inserts
// rows tuples when rows > 0, and freezes the database for the copy.
func (c *Controller) BootMaster(ctx context.Context, rows int) error {
	return c.run(ctx, "BootMaster", []State{StateServersStarted}, StateMasterBooted, func(ctx context.Context) error {
		master := c.session.Master()
		if err := c.once(ctx, ControlCommand{Kind: KindCreate, Target: master}, dbconn.CodeOK); err != nil {
			return err
		}
		if err := c.exec(ctx, master, dbconn.StmtCreateTable); err != nil && dbconn.CodeOf(err) != dbconn.CodeObjectExists {
			return err
		}
		if rows > 0 {
			rep, err := c.loader.Run(ctx, load.Spec{
				WorkloadID:       "boot",
				Target:           master,
				TupleCount:       rows,
				ExistingDatabase: true,
			})
			c.addCommitted(rep.Committed)
			if err != nil {
				return err
			}
			if rep.Interrupted() {
				return fmt.Errorf("boot load stopped after %d rows: %w", rep.Committed, rep.Failure)
			}
		}
		return c.exec(ctx, master, dbconn.StmtFreeze)
	})
}

// InitSlave copies the frozen master database to the slave's storage and
// unfreezes the master. The unfreeze is attempted even when the copy fails.
func (c *Controller) InitSlave(ctx context.Context) error {
	return c.run(ctx, "InitSlave", []State{StateMasterBooted}, StateSlaveInitialized, func(ctx context.Context) error {
		master, slave := c.session.Master(), c.session.Slave()
		copyErr := c.cfg.Servers.CopyDatabase(ctx, master, c.session.DatabasePath(master), slave, c.session.StorageFor(slave))
		unfreezeErr := c.exec(ctx, master, dbconn.StmtUnfreeze)
		return errors.Join(copyErr, unfreezeErr)
	})
}

// BringUp runs StartServers through AssertSlaveAttached. When a step after
// StartServers fails, the servers are stopped again.
func (c *Controller) BringUp(ctx context.Context, bootRows int) error {
	saga := NewSaga(SagaConfig{Logger: c.logger})
	saga.AddStep(SagaStep{Name: "start servers", Execute: c.StartServers, Compensate: c.stopServers})
	saga.AddStep(SagaStep{Name: "boot master", Execute: func(ctx context.Context) error { return c.BootMaster(ctx, bootRows) }})
	saga.AddStep(SagaStep{Name: "init slave", Execute: c.InitSlave})
	saga.AddStep(SagaStep{Name: "start slave", Execute: c.StartSlave})
	saga.AddStep(SagaStep{Name: "start master", Execute: c.StartMaster})
	saga.AddStep(SagaStep{Name: "assert slave attached", Execute: c.AssertSlaveAttached})
	return saga.Execute(ctx)
}

// ============================================================================
// Attach
// ============================================================================

// StartSlave launches the slave attach. The connect blocks until the master
// issues startMaster, so it runs as an async attempt in the session group
// and its outcome is read by AssertSlaveAttached. The expected outcome is
// XRE08.
func (c *Controller) StartSlave(ctx context.Context) error {
	return c.run(ctx, "StartSlave", []State{StateSlaveInitialized}, "", func(ctx context.Context) error {
		slave := c.session.Slave()
		cmd := ControlCommand{Kind: KindStartSlave, Target: slave}

		c.mu.Lock()
		pending := c.attach != nil
		c.mu.Unlock()
		if pending {
			return fmt.Errorf("%w: unread attach outcome for %s", ErrCommandInFlight, slave)
		}

		release, err := c.claim(cmd)
		if err != nil {
			return err
		}
		url := cmd.URL(c.session)
		attempt := async.Launch(c.group, "attach "+slave.String(), func() (dbconn.Outcome, error) {
			defer release()
			return dbconn.Control(c.sessionCtx, c.cfg.Connector, url), nil
		})

		c.mu.Lock()
		c.attach = attempt
		c.mu.Unlock()
		return nil
	})
}

// StartMaster issues startMaster until the slave listener answers. XRE04
// is pending, success completes the attach.
func (c *Controller) StartMaster(ctx context.Context) error {
	return c.run(ctx, "StartMaster", []State{StateSlaveInitialized}, StateSlaveAttached, func(ctx context.Context) error {
		c.mu.Lock()
		launched := c.attach != nil
		c.mu.Unlock()
		if !launched {
			return ErrAttachNotLaunched
		}
		return c.poll(ctx, "start master",
			ControlCommand{Kind: KindStartMaster, Target: c.session.Master()},
			dbconn.CodeOK, []string{dbconn.CodePeerNotReady}, c.cfg.Timing.StartMasterAttempts)
	})
}

// AssertSlaveAttached waits for the attach attempt to report, consumes its
// outcome and requires XRE08.
func (c *Controller) AssertSlaveAttached(ctx context.Context) error {
	return c.run(ctx, "AssertSlaveAttached", []State{StateSlaveAttached}, "", func(ctx context.Context) error {
		c.mu.Lock()
		attempt := c.attach
		c.mu.Unlock()
		if attempt == nil {
			return ErrAttachNotLaunched
		}

		_, err := poller.Poll(ctx, poller.PollPolicy{
			Name: "slave attach report",
			Probe: func(context.Context) poller.Observation {
				if attempt.Ready() {
					return poller.Observation{Code: attachReady}
				}
				return poller.Observation{Code: attachPending}
			},
			Target:      attachReady,
			Pending:     []string{attachPending},
			Interval:    c.cfg.Timing.Interval,
			MaxAttempts: c.cfg.Timing.AttachAttempts,
		}, c.pollOptions(ctx)...)
		if err != nil {
			return err
		}

		outcome, err := attempt.Take()
		c.mu.Lock()
		c.attach = nil
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("slave attach: %w", err)
		}
		if outcome.Code != dbconn.CodeSlaveStarted {
			return &poller.UnexpectedStateError{
				Policy:   "slave attach",
				Observed: poller.Observation{Code: outcome.Code, Detail: outcome.Detail},
				Target:   dbconn.CodeSlaveStarted,
				Attempt:  1,
			}
		}
		return nil
	})
}

// ============================================================================
// Failover and detach
// ============================================================================

// Failover relinquishes the master role. After XRE20 the session is in
// FailoverInitiated; it reaches FailoverComplete once the former slave
// accepts connections and the former master refuses them with 08004.
func (c *Controller) Failover(ctx context.Context) error {
	return c.run(ctx, "Failover", []State{StateSlaveAttached}, "", func(ctx context.Context) error {
		master := c.session.Master()
		if err := c.once(ctx, ControlCommand{Kind: KindFailover, Target: master}, dbconn.CodeFailoverSucceeded); err != nil {
			return err
		}
		c.advance("Failover", StateFailoverInitiated)
		if err := c.awaitPromoted(ctx); err != nil {
			return err
		}
		if err := c.poll(ctx, "former master refuses",
			ControlCommand{Kind: KindConnect, Target: master},
			dbconn.CodeConnectionRejected, []string{dbconn.CodeOK}, c.cfg.Timing.FailoverAttempts); err != nil {
			return err
		}
		c.advance("Failover", StateFailoverComplete)
		return nil
	})
}

// FailoverOnSlave promotes the slave after the master was lost.
func (c *Controller) FailoverOnSlave(ctx context.Context) error {
	return c.run(ctx, "FailoverOnSlave", []State{StateMasterKilled}, "", func(ctx context.Context) error {
		if err := c.once(ctx, ControlCommand{Kind: KindFailover, Target: c.session.Slave()}, dbconn.CodeFailoverSucceeded); err != nil {
			return err
		}
		c.advance("FailoverOnSlave", StateFailoverInitiated)
		if err := c.awaitPromoted(ctx); err != nil {
			return err
		}
		c.advance("FailoverOnSlave", StateFailoverComplete)
		return nil
	})
}

func (c *Controller) awaitPromoted(ctx context.Context) error {
	return c.poll(ctx, "promoted slave accepts",
		ControlCommand{Kind: KindConnect, Target: c.session.Slave()},
		dbconn.CodeOK, []string{dbconn.CodeSlaveStarted, dbconn.CodeShutdownInProgress}, c.cfg.Timing.FailoverAttempts)
}

// StopMaster stops replication from the master and waits until the slave
// has shut its replica down and reports XRE11.
func (c *Controller) StopMaster(ctx context.Context) error {
	return c.run(ctx, "StopMaster", []State{StateSlaveAttached}, StateReplicationStopped, func(ctx context.Context) error {
		if err := c.once(ctx, ControlCommand{Kind: KindStopMaster, Target: c.session.Master()}, dbconn.CodeOK); err != nil {
			return err
		}
		return c.poll(ctx, "slave shuts down",
			ControlCommand{Kind: KindStopSlave, Target: c.session.Slave()},
			dbconn.CodeNotBooted, []string{dbconn.CodeShutdownInProgress}, c.cfg.Timing.StopAttempts)
	})
}

// ============================================================================
// Faults
// ============================================================================

func faultTransition(f inject.Fault) (string, State) {
	switch f {
	case inject.FaultKillMaster:
		return "KillMaster", StateMasterKilled
	case inject.FaultKillSlave:
		return "KillSlave", StateSlaveKilled
	case inject.FaultDestroySlaveStorage:
		return "DestroySlaveStorage", StateSlaveStorageDestroyed
	}
	return string(f), ""
}

func (c *Controller) fault(ctx context.Context, f inject.Fault, locked bool) error {
	if !f.Valid() {
		return fmt.Errorf("unknown fault %q", f)
	}
	op, to := faultTransition(f)
	fn := func(ctx context.Context) error { return c.injector.Inject(ctx, f) }
	if locked {
		return c.runLocked(ctx, op, []State{StateSlaveAttached}, to, fn)
	}
	return c.run(ctx, op, []State{StateSlaveAttached}, to, fn)
}

// KillMaster takes the master down: a graceful stop for a local server
// when configured, a hard kill otherwise.
func (c *Controller) KillMaster(ctx context.Context) error {
	return c.fault(ctx, inject.FaultKillMaster, false)
}

// KillSlave takes the slave down like KillMaster.
func (c *Controller) KillSlave(ctx context.Context) error {
	return c.fault(ctx, inject.FaultKillSlave, false)
}

// DestroySlaveStorage removes the slave's database directory under the
// running slave.
func (c *Controller) DestroySlaveStorage(ctx context.Context) error {
	return c.fault(ctx, inject.FaultDestroySlaveStorage, false)
}

// ============================================================================
// Workload and checks
// ============================================================================

// RunLoad runs spec. Rows committed on the current primary are added to
// Committed.
func (c *Controller) RunLoad(ctx context.Context, spec load.Spec) (load.Report, error) {
	var rep load.Report
	err := c.run(ctx, "RunLoad", active, "", func(ctx context.Context) error {
		r, err := c.loader.Run(ctx, spec)
		rep = r
		if spec.Target.Address() == c.primary().Address() {
			c.addCommitted(r.Committed)
		}
		return err
	})
	return rep, err
}

// RunLoadWithFault runs spec and delivers f once at rows have committed.
func (c *Controller) RunLoadWithFault(ctx context.Context, spec load.Spec, at int, f inject.Fault) (load.Report, error) {
	spec.Checkpoint = at
	spec.OnCheckpoint = func(ctx context.Context) error { return c.fault(ctx, f, true) }
	return c.RunLoad(ctx, spec)
}

// Verify checks that ep holds exactly expected rows.
func (c *Controller) Verify(ctx context.Context, ep topology.Endpoint, expected int64) error {
	return c.run(ctx, "Verify", active, "", func(ctx context.Context) error {
		return c.verifier.Verify(ctx, ep, expected)
	})
}

// VerifyIndex checks that index name exists on ep by dropping it.
func (c *Controller) VerifyIndex(ctx context.Context, ep topology.Endpoint, name string) error {
	return c.run(ctx, "VerifyIndex", active, "", func(ctx context.Context) error {
		return c.verifier.VerifyIndex(ctx, ep, name)
	})
}

// VerifyAtMost checks that ep holds no more than limit rows and returns
// the count.
func (c *Controller) VerifyAtMost(ctx context.Context, ep topology.Endpoint, limit int64) (int64, error) {
	var n int64
	err := c.run(ctx, "VerifyAtMost", active, "", func(ctx context.Context) error {
		var err error
		n, err = c.verifier.VerifyAtMost(ctx, ep, limit)
		return err
	})
	return n, err
}

// Expect issues cmd once and requires code. Used to assert the rejection an
// operation gets in the wrong state.
func (c *Controller) Expect(ctx context.Context, cmd ControlCommand, code string) error {
	return c.run(ctx, "Expect "+cmd.String(), allStates, "", func(ctx context.Context) error {
		return c.once(ctx, cmd, code)
	})
}

// AwaitCode repeats cmd until it returns code, tolerating pending codes in
// between. Used for consequences that surface some time after a fault.
func (c *Controller) AwaitCode(ctx context.Context, cmd ControlCommand, code string, pending ...string) error {
	return c.run(ctx, "AwaitCode "+cmd.String(), allStates, "", func(ctx context.Context) error {
		return c.poll(ctx, "await "+code, cmd, code, pending, c.cfg.Timing.FailoverAttempts)
	})
}

// Exec runs one workload statement on ep, e.g. to create an index before
// failover.
func (c *Controller) Exec(ctx context.Context, ep topology.Endpoint, stmt string) error {
	return c.run(ctx, "Exec", active, "", func(ctx context.Context) error {
		return c.exec(ctx, ep, stmt)
	})
}

// ============================================================================
// Teardown
// ============================================================================

// Teardown cancels background attempts, stops both servers (killing those
// that do not stop), and joins the session group within the teardown
// timeout. Stuck tasks are reported and abandoned. The session ends in
// TornDown even when teardown reports errors; a second call is a no-op.
func (c *Controller) Teardown(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.State() == StateTornDown {
		return nil
	}
	err := c.runLocked(ctx, "Teardown", allStates, StateTornDown, func(ctx context.Context) error {
		c.cancel()
		stopErr := c.stopServers(ctx)
		return errors.Join(stopErr, c.group.Wait(c.cfg.Timing.TeardownTimeout))
	})
	c.setState(StateTornDown)
	return err
}

// stopServers stops slave then master, falling back to a kill.
func (c *Controller) stopServers(ctx context.Context) error {
	var errs []error
	for _, ep := range []topology.Endpoint{c.session.Slave(), c.session.Master()} {
		err := c.cfg.Servers.Stop(ctx, ep)
		if err == nil {
			continue
		}
		c.logger.Warn("graceful stop failed, killing", "endpoint", ep.String(), "error", err)
		if kerr := c.cfg.Servers.Kill(ctx, ep); kerr != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", ep, errors.Join(err, kerr)))
		}
	}
	return errors.Join(errs...)
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func (c *Controller) exec(ctx context.Context, ep topology.Endpoint, stmt string) error {
	conn, err := c.cfg.Connector.Connect(ctx, dbconn.ForSession(c.session, ep))
	if err != nil {
		return fmt.Errorf("connect %s: %w", ep, err)
	}
	defer conn.Close()
	if err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("%s on %s: %w", stmt, ep, err)
	}
	return nil
}

func (c *Controller) addCommitted(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed += n
}

// primary is the endpoint that currently takes writes.
func (c *Controller) primary() topology.Endpoint {
	switch c.State() {
	case StateFailoverInitiated, StateFailoverComplete:
		return c.session.Slave()
	}
	return c.session.Master()
}
