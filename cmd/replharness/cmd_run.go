// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/replharness/pkg/ux"
	"github.com/AleutianAI/replharness/services/harness/lifecycle"
	"github.com/AleutianAI/replharness/services/harness/load"
	"github.com/AleutianAI/replharness/services/harness/scenario"
	"github.com/AleutianAI/replharness/services/harness/statusapi"
)

// step is one phase of the lifecycle run.
type step struct {
	done string
	fn   func(context.Context) error
}

// runLifecycle brings replication up, loads the master, fails over and
// verifies the slave, printing each phase as it completes.
func runLifecycle(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.serveStatus(ctx); err != nil {
		return err
	}

	rows := runRows
	if rows <= 0 {
		rows = a.cfg.Scenarios.Rows
	}
	ctl, err := a.newController(ctx, "run")
	if err != nil {
		return err
	}
	s := ctl.Session()

	steps := []step{
		{"replication up", func(ctx context.Context) error { return ctl.BringUp(ctx, 0) }},
		{fmt.Sprintf("%d rows committed on the master", rows), func(ctx context.Context) error {
			rep, err := ctl.RunLoad(ctx, load.Spec{
				WorkloadID:       "run",
				Target:           s.Master(),
				TupleCount:       rows,
				ExistingDatabase: true,
			})
			if err != nil {
				return err
			}
			if rep.Committed != int64(rows) {
				return fmt.Errorf("load stopped after %d of %d rows (%s)", rep.Committed, rows, rep.FailureCode)
			}
			return nil
		}},
		{"failed over to the slave", ctl.Failover},
		{"slave holds every committed row", func(ctx context.Context) error {
			return ctl.Verify(ctx, s.Slave(), int64(rows))
		}},
	}

	p := a.printer
	p.Title("Replication lifecycle")
	var runErr error
	for _, st := range steps {
		if runErr = st.fn(ctx); runErr != nil {
			p.Error(runErr.Error())
			break
		}
		p.Success(st.done)
	}

	final := ctl.State()
	teardownErr := ctl.Teardown(context.WithoutCancel(ctx))
	if teardownErr != nil {
		p.Warning("teardown: " + teardownErr.Error())
	}

	values := map[string]string{
		"session":   s.ID(),
		"state":     string(final),
		"committed": strconv.FormatInt(ctl.Committed(), 10),
		"result":    lifecycle.Classify(runErr).String(),
	}
	keys := []string{"session", "state", "committed", "result"}
	if dir := ctl.PostmortemDir(); dir != "" {
		keys = append(keys, "postmortem")
		values["postmortem"] = dir
	}
	if path := a.logger.FilePath(); path != "" {
		keys = append(keys, "log")
		values["log"] = path
	}
	p.KeyValues("Session", keys, values)

	if runErr != nil || teardownErr != nil {
		return errFailed
	}
	return nil
}

// runScenarios runs the named scenarios, or all of them, one session each.
func runScenarios(cmd *cobra.Command, args []string) error {
	reg := scenario.Default()
	if listOnly {
		printScenarioList(newPrinter(cmd.OutOrStdout()), reg)
		return nil
	}
	selected, err := reg.Select(args...)
	if err != nil {
		return &usageError{err}
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.serveStatus(ctx); err != nil {
		return err
	}

	params := a.cfg.Scenarios
	if scenarioRows > 0 {
		params.Rows = scenarioRows
	}
	if checkpoint > 0 {
		params.Checkpoint = checkpoint
	}
	runner, err := scenario.NewRunner(scenario.RunnerConfig{
		Factory:  a.newController,
		Params:   params,
		FailFast: failFast,
		OnResult: func(r scenario.Result) { a.board.Record(outcome(r)) },
		Logger:   a.logger.Slog(),
	})
	if err != nil {
		return &usageError{err}
	}

	results := runner.Run(ctx, selected)
	report := buildReport(results)
	if skipped := len(selected) - len(results); skipped > 0 {
		reason := "after a failure"
		if errors.Is(ctx.Err(), context.Canceled) {
			reason = "after an interrupt"
		}
		report.Notes = append(report.Notes, fmt.Sprintf("%d scenario(s) not run %s", skipped, reason))
	}
	if path := a.logger.FilePath(); path != "" {
		report.Notes = append(report.Notes, "log: "+path)
	}
	a.printer.Report(report)

	if len(scenario.Failed(results)) > 0 || len(results) < len(selected) {
		return errFailed
	}
	return nil
}

func printScenarioList(p *ux.Printer, reg *scenario.Registry) {
	names := reg.List()
	descriptions := make(map[string]string, len(names))
	for _, name := range names {
		s, _ := reg.Get(name)
		descriptions[name] = s.Description
	}
	p.KeyValues("Scenarios", names, descriptions)
}

func buildReport(results []scenario.Result) ux.Report {
	report := ux.Report{Title: "Replication scenarios"}
	for _, r := range results {
		row := ux.Row{
			Name:       r.Name,
			Passed:     r.Passed(),
			Kind:       r.Kind.String(),
			State:      string(r.FinalState),
			Committed:  r.Committed,
			Duration:   r.Duration,
			Postmortem: r.PostmortemDir,
		}
		if err := errors.Join(r.Err, r.TeardownErr); err != nil {
			row.Detail = err.Error()
		}
		report.Rows = append(report.Rows, row)
	}
	return report
}

func outcome(r scenario.Result) statusapi.Outcome {
	o := statusapi.Outcome{
		Scenario:  r.Name,
		SessionID: r.SessionID,
		Passed:    r.Passed(),
		Kind:      r.Kind.String(),
		State:     string(r.FinalState),
		Duration:  r.Duration,
	}
	if err := errors.Join(r.Err, r.TeardownErr); err != nil {
		o.Error = err.Error()
	}
	return o
}
