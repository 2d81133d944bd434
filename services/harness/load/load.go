// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package load runs the fixed insert workload against a replication
// endpoint: rows with keys start..start+n-1 and values "row-<key>".
package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/executor"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

var (
	// ErrInvalidSpec is returned for a negative tuple count or checkpoint.
	ErrInvalidSpec = errors.New("invalid load spec")

	// ErrCheckpointRemote is returned when a checkpoint hook is combined
	// with a remote client: the hook cannot run inside the remote process.
	ErrCheckpointRemote = errors.New("checkpoint hooks need a local client")
)

// lossCodes end a workload as an outcome rather than an error: the target
// went away underneath it.
var lossCodes = []string{
	dbconn.CodeConnectionRefused,
	dbconn.CodeConnectionRejected,
	dbconn.CodeDatabaseShutdown,
	dbconn.CodeStorageFailure,
}

// Spec describes one workload run.
type Spec struct {
	WorkloadID string
	Target     topology.Endpoint
	TupleCount int

	// ExistingDatabase continues after the rows already present instead of
	// creating the table and starting at key 0.
	ExistingDatabase bool

	// Checkpoint is the number of committed rows after which OnCheckpoint
	// runs, before the next insert. Zero disables the hook.
	Checkpoint   int
	OnCheckpoint func(ctx context.Context) error

	// RatePerSecond paces inserts. Zero means unpaced.
	RatePerSecond float64
}

// Report is what the workload achieved.
type Report struct {
	WorkloadID string
	FirstKey   int64
	Committed  int64

	// FailureCode is set when the target was lost mid-run. Failure holds
	// the error the insert returned.
	FailureCode string
	Failure     error

	CheckpointFired bool
	Elapsed         time.Duration

	// Output is the captured output of a remote client run.
	Output string
}

// Interrupted reports whether the run ended on a lost target.
func (r Report) Interrupted() bool { return r.FailureCode != "" }

// Config wires a Generator.
type Config struct {
	Connector dbconn.Connector
	Session   *topology.Session

	// Executor and ClientCommand enable remote clients. When the session's
	// client endpoint is not local, Run executes ClientCommand on it with
	// the rendered URL, workload id, tuple count and first key appended.
	Executor      executor.Executor
	ClientCommand []string

	Logger *slog.Logger
}

// Generator runs workloads for one session.
type Generator struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Generator.
func New(cfg Config) *Generator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{cfg: cfg, logger: logger.With("component", "load")}
}

func (g *Generator) remote() bool {
	return g.cfg.Executor != nil && len(g.cfg.ClientCommand) > 0 && !g.cfg.Session.Client().IsLocal()
}

// Run executes spec.
//
// # Description
//
// Inserts spec.TupleCount rows on spec.Target. The run stops early, with a
// nil error, when an insert fails with a connection loss, shutdown or
// storage failure code; the report carries the code and the row count
// committed before it.
//
// # Outputs
//
//   - Report: always filled with what was committed
//   - error: invalid spec, a checkpoint hook failure, a context error, or
//     an insert failure that is not a loss of the target
func (g *Generator) Run(ctx context.Context, spec Spec) (Report, error) {
	rep := Report{WorkloadID: spec.WorkloadID}
	if spec.TupleCount < 0 || spec.Checkpoint < 0 {
		return rep, fmt.Errorf("%w: tuples=%d checkpoint=%d", ErrInvalidSpec, spec.TupleCount, spec.Checkpoint)
	}
	if g.remote() {
		if spec.OnCheckpoint != nil {
			return rep, ErrCheckpointRemote
		}
		return g.runRemote(ctx, spec)
	}
	return g.runLocal(ctx, spec)
}

func (g *Generator) runLocal(ctx context.Context, spec Spec) (rep Report, err error) {
	rep = Report{WorkloadID: spec.WorkloadID}
	start := time.Now()
	defer func() { rep.Elapsed = time.Since(start) }()

	conn, err := g.cfg.Connector.Connect(ctx, dbconn.ForSession(g.cfg.Session, spec.Target))
	if err != nil {
		return rep, fmt.Errorf("load %s: connect %s: %w", spec.WorkloadID, spec.Target, err)
	}
	defer conn.Close()

	if spec.ExistingDatabase {
		n, _, err := conn.QueryInt(ctx, dbconn.QueryCount)
		if err != nil {
			return rep, fmt.Errorf("load %s: count: %w", spec.WorkloadID, err)
		}
		rep.FirstKey = n
	} else if err := conn.Exec(ctx, dbconn.StmtCreateTable); err != nil && dbconn.CodeOf(err) != dbconn.CodeObjectExists {
		return rep, fmt.Errorf("load %s: create table: %w", spec.WorkloadID, err)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if spec.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(spec.RatePerSecond), 1)
	}

	for i := 0; i < spec.TupleCount; i++ {
		if spec.OnCheckpoint != nil && spec.Checkpoint > 0 && i == spec.Checkpoint {
			g.logger.Info("load checkpoint reached", "workload", spec.WorkloadID, "committed", rep.Committed)
			rep.CheckpointFired = true
			if err := spec.OnCheckpoint(ctx); err != nil {
				return rep, fmt.Errorf("load %s: checkpoint at %d: %w", spec.WorkloadID, i, err)
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return rep, fmt.Errorf("load %s: %w", spec.WorkloadID, err)
		}

		key := rep.FirstKey + int64(i)
		if err := conn.Exec(ctx, dbconn.StmtInsert, key, dbconn.RowValue(key)); err != nil {
			if code := dbconn.CodeOf(err); slices.Contains(lossCodes, code) {
				rep.FailureCode = code
				rep.Failure = err
				g.logger.Info("load interrupted",
					"workload", spec.WorkloadID, "committed", rep.Committed, "code", code)
				return rep, nil
			}
			return rep, fmt.Errorf("load %s: insert key %d: %w", spec.WorkloadID, key, err)
		}
		rep.Committed++
	}

	g.logger.Info("load complete", "workload", spec.WorkloadID, "committed", rep.Committed)
	return rep, nil
}

func (g *Generator) runRemote(ctx context.Context, spec Spec) (Report, error) {
	rep := Report{WorkloadID: spec.WorkloadID}
	url, err := dbconn.ForSession(g.cfg.Session, spec.Target).Render()
	if err != nil {
		return rep, fmt.Errorf("load %s: %w", spec.WorkloadID, err)
	}

	tokens := slices.Clone(g.cfg.ClientCommand)
	tokens = append(tokens, url, spec.WorkloadID, strconv.Itoa(spec.TupleCount), strconv.FormatBool(spec.ExistingDatabase))
	client := g.cfg.Session.Client()

	res, err := g.cfg.Executor.Run(ctx, executor.Command{Tokens: tokens, Host: client.Host})
	rep.Output = res.Output
	rep.Elapsed = res.Duration
	if err != nil {
		return rep, fmt.Errorf("load %s on %s: %w", spec.WorkloadID, client.Host, err)
	}
	rep.Committed = int64(spec.TupleCount)
	return rep, nil
}
