// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecycle drives one replication session through provisioning,
// boot, attach, load, failover, fault injection and teardown.
//
// Every control operation is a connection attempt carrying control
// attributes; its outcome is the code the attempt returns. The controller
// confirms each transition through the poller and refuses operations the
// current state does not allow.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/replharness/services/harness/async"
	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/inject"
	"github.com/AleutianAI/replharness/services/harness/journal"
	"github.com/AleutianAI/replharness/services/harness/load"
	"github.com/AleutianAI/replharness/services/harness/poller"
	"github.com/AleutianAI/replharness/services/harness/postmortem"
	"github.com/AleutianAI/replharness/services/harness/supervisor"
	"github.com/AleutianAI/replharness/services/harness/telemetry"
	"github.com/AleutianAI/replharness/services/harness/topology"
	"github.com/AleutianAI/replharness/services/harness/verify"
)

// Servers is the process and storage control the controller needs.
// *supervisor.Supervisor and *simdb.Cluster both satisfy it.
type Servers interface {
	Start(ctx context.Context, spec supervisor.ServerSpec) error
	Stop(ctx context.Context, ep topology.Endpoint) error
	Kill(ctx context.Context, ep topology.Endpoint) error
	CopyDatabase(ctx context.Context, from topology.Endpoint, srcDir string, to topology.Endpoint, toStorage string) error
	DestroyDatabase(ctx context.Context, ep topology.Endpoint, dbDir string) error
}

// Timing holds the poll budgets. All control polls share Interval.
type Timing struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// StartMasterAttempts bounds the wait for the slave listener.
	StartMasterAttempts int `yaml:"start_master_attempts" validate:"gt=0"`

	// AttachAttempts bounds the wait for the async attach to report.
	AttachAttempts int `yaml:"attach_attempts" validate:"gt=0"`

	// FailoverAttempts bounds each post-failover wait.
	FailoverAttempts int `yaml:"failover_attempts" validate:"gt=0"`

	// StopAttempts bounds the wait for the slave to shut down after
	// stopMaster.
	StopAttempts int `yaml:"stop_attempts" validate:"gt=0"`

	// TeardownTimeout bounds the join of session tasks.
	TeardownTimeout time.Duration `yaml:"teardown_timeout" validate:"gte=0"`
}

// DefaultTiming returns the production budgets: about two minutes for
// startMaster, five seconds for the attach report.
func DefaultTiming() Timing {
	return Timing{
		Interval:            100 * time.Millisecond,
		StartMasterAttempts: 1200,
		AttachAttempts:      50,
		FailoverAttempts:    600,
		StopAttempts:        600,
		TeardownTimeout:     30 * time.Second,
	}
}

// Config wires a Controller. Session, Servers and Connector are required.
type Config struct {
	Session   *topology.Session
	Servers   Servers
	Connector dbconn.Connector

	// Group owns the session's background tasks. Nil creates one.
	Group *async.Group

	// Loader runs workloads. Nil builds a local generator on Connector.
	Loader *load.Generator

	// Journal, Postmortem and Instruments are optional.
	Journal     *journal.Journal
	Postmortem  *postmortem.Collector
	Instruments *telemetry.Instruments

	// GracefulLocal stops local servers instead of killing them when a
	// fault is injected.
	GracefulLocal bool

	Timing Timing
	Logger *slog.Logger
}

// Controller is the lifecycle state machine of one session.
//
// # Thread Safety
//
// Operations are serialized: one runs at a time and a second caller
// blocks. Only the slave attach runs concurrently, as an async attempt in
// the session group. State and Committed are safe to call at any time.
type Controller struct {
	cfg      Config
	session  *topology.Session
	logger   *slog.Logger
	group    *async.Group
	loader   *load.Generator
	injector *inject.Injector
	verifier *verify.Verifier
	inst     *telemetry.Instruments

	// sessionCtx outlives single operations; background attempts run on
	// it and Teardown cancels it.
	sessionCtx context.Context
	cancel     context.CancelFunc

	opMu sync.Mutex

	mu            sync.Mutex
	state         State
	attach        *async.Attempt[dbconn.Outcome]
	inflight      map[commandKey]struct{}
	committed     int64
	postmortemDir string
}

// New validates cfg and returns a controller in StateUninitialized.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Session == nil:
		return nil, errors.New("lifecycle: session is required")
	case cfg.Servers == nil:
		return nil, errors.New("lifecycle: servers are required")
	case cfg.Connector == nil:
		return nil, errors.New("lifecycle: connector is required")
	}
	if cfg.Timing == (Timing{}) {
		cfg.Timing = DefaultTiming()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session", cfg.Session.ID())

	group := cfg.Group
	if group == nil {
		group = async.NewGroup(async.GroupConfig{Logger: logger})
	}
	loader := cfg.Loader
	if loader == nil {
		loader = load.New(load.Config{Connector: cfg.Connector, Session: cfg.Session, Logger: logger})
	}
	inst := cfg.Instruments
	if inst == nil {
		inst = telemetry.Noop()
	}

	c := &Controller{
		cfg:      cfg,
		session:  cfg.Session,
		logger:   logger,
		group:    group,
		loader:   loader,
		verifier: verify.New(cfg.Connector, cfg.Session, logger),
		inst:     inst,
		state:    StateUninitialized,
		inflight: make(map[commandKey]struct{}),
	}
	c.injector = inject.New(cfg.Servers, cfg.Session, inject.Config{
		GracefulLocal: cfg.GracefulLocal,
		OnFault:       func(ctx context.Context, f inject.Fault) { inst.Fault(ctx, string(f)) },
		Logger:        logger,
	})
	c.sessionCtx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Session returns the controlled session.
func (c *Controller) Session() *topology.Session { return c.session }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Committed returns the rows the controller's workloads committed on the
// current primary.
func (c *Controller) Committed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// PostmortemDir returns the folder of the last fatal capture, or "".
func (c *Controller) PostmortemDir() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.postmortemDir
}

// ----------------------------------------------------------------------------
// Operation plumbing
// ----------------------------------------------------------------------------

// run executes one serialized operation.
//
// # Description
//
// Checks that the current state is in allowed, opens the transition span,
// runs fn and, on success, moves to to (empty keeps the state). Every
// outcome is journaled. A fatal error triggers postmortem capture and is
// returned as is.
func (c *Controller) run(ctx context.Context, op string, allowed []State, to State, fn func(ctx context.Context) error) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.runLocked(ctx, op, allowed, to, fn)
}

// runLocked is run for callers already holding opMu.
func (c *Controller) runLocked(ctx context.Context, op string, allowed []State, to State, fn func(ctx context.Context) error) error {
	from, err := c.check(op, allowed, to)
	if err != nil {
		c.record(op, from, "", err)
		return err
	}

	start := time.Now()
	ctx, span := c.inst.StartTransition(ctx, c.session.ID(), op, string(from))
	err = fn(ctx)
	var reached State
	if err == nil {
		if to != "" {
			c.setState(to)
		}
		reached = c.State()
	}
	c.inst.EndTransition(ctx, span, op, string(reached), time.Since(start), err)
	c.record(op, from, reached, err)

	if err != nil {
		kind := Classify(err)
		c.logger.Error("operation failed", "op", op, "state", string(from), "kind", kind.String(), "error", err)
		if kind == KindFatal {
			c.capture(ctx, err)
		}
		return err
	}
	c.logger.Info("operation complete", "op", op, "from", string(from), "to", string(reached))
	return nil
}

func (c *Controller) check(op string, allowed []State, to State) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from := c.state
	if from.Terminal() || !slices.Contains(allowed, from) {
		return from, &TransitionError{Op: op, From: from, Allowed: allowed}
	}
	if to != "" && to != from && !from.CanTransition(to) {
		return from, &TransitionError{Op: op, From: from, Allowed: allowed}
	}
	return from, nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// advance moves to an intermediate state inside an operation.
func (c *Controller) advance(op string, to State) {
	from := c.State()
	c.setState(to)
	c.record(op, from, to, nil)
}

func (c *Controller) record(op string, from, to State, err error) {
	if c.cfg.Journal == nil {
		return
	}
	e := journal.Entry{Op: op, From: string(from), To: string(to)}
	if err != nil {
		e.Err = err.Error()
		var unexpected *poller.UnexpectedStateError
		if errors.As(err, &unexpected) {
			e.Code = unexpected.Observed.Code
		}
	}
	if _, jerr := c.cfg.Journal.Append(e); jerr != nil {
		c.logger.Warn("journal append failed", "op", op, "error", jerr)
	}
}

func (c *Controller) capture(ctx context.Context, reason error) {
	if c.cfg.Postmortem == nil {
		return
	}
	dir, err := c.cfg.Postmortem.Collect(context.WithoutCancel(ctx), postmortem.Capture{
		Session: c.session,
		Journal: c.cfg.Journal,
		Reason:  reason,
	})
	if dir != "" {
		c.mu.Lock()
		c.postmortemDir = dir
		c.mu.Unlock()
	}
	if err != nil {
		c.logger.Warn("postmortem capture incomplete", "dir", dir, "error", err)
	}
}

// claim marks cmd in flight. The returned release must be called once the
// command resolved.
func (c *Controller) claim(cmd ControlCommand) (func(), error) {
	k := cmd.key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[k]; busy {
		return nil, fmt.Errorf("%w: %s", ErrCommandInFlight, cmd)
	}
	c.inflight[k] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.inflight, k)
			c.mu.Unlock()
		})
	}, nil
}

// probe turns cmd into an idempotent poller probe.
func (c *Controller) probe(cmd ControlCommand) poller.Probe {
	url := cmd.URL(c.session)
	return func(ctx context.Context) poller.Observation {
		o := dbconn.Control(ctx, c.cfg.Connector, url)
		return poller.Observation{Code: o.Code, Detail: o.Detail}
	}
}

func (c *Controller) pollOptions(ctx context.Context) []poller.Option {
	return []poller.Option{
		poller.WithLogger(c.logger),
		poller.WithAttemptHook(func(policy string, _ int, obs poller.Observation) {
			c.inst.PollAttempt(ctx, policy, obs.Code)
		}),
	}
}

// once issues cmd a single time and requires target.
func (c *Controller) once(ctx context.Context, cmd ControlCommand, target string) error {
	release, err := c.claim(cmd)
	if err != nil {
		return err
	}
	defer release()
	_, err = poller.Once(ctx, cmd.String(), c.probe(cmd), target, c.pollOptions(ctx)...)
	return err
}

// poll repeats cmd until it returns target.
func (c *Controller) poll(ctx context.Context, name string, cmd ControlCommand, target string, pending []string, attempts int) error {
	release, err := c.claim(cmd)
	if err != nil {
		return err
	}
	defer release()
	_, err = poller.Poll(ctx, poller.PollPolicy{
		Name:        name,
		Probe:       c.probe(cmd),
		Target:      target,
		Pending:     pending,
		Interval:    c.cfg.Timing.Interval,
		MaxAttempts: attempts,
	}, c.pollOptions(ctx)...)
	return err
}
