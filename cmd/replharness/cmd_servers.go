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
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/replharness/cmd/replharness/config"
	"github.com/AleutianAI/replharness/services/harness/async"
	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/topology"
	"github.com/AleutianAI/replharness/services/harness/verify"
)

var errNeedsRealServers = errors.New("this command works on real servers; drop --simulate")

// roleEndpoint resolves "master" or "slave" against the configured session.
func roleEndpoint(s *topology.Session, role string) (topology.Endpoint, error) {
	switch topology.Role(role) {
	case topology.RoleMaster:
		return s.Master(), nil
	case topology.RoleSlave:
		return s.Slave(), nil
	}
	return topology.Endpoint{}, &usageError{fmt.Errorf("unknown role %q, want master or slave", role)}
}

// adminSetup loads the app and resolves the endpoint for the server
// administration commands.
func adminSetup(cmd *cobra.Command, role string) (*app, *topology.Session, topology.Endpoint, error) {
	if simulate {
		return nil, nil, topology.Endpoint{}, &usageError{errNeedsRealServers}
	}
	a, err := newApp(cmd.Context(), cmd.OutOrStdout())
	if err != nil {
		return nil, nil, topology.Endpoint{}, err
	}
	session, err := topology.NewSession(a.cfg.SessionSpec(""))
	if err != nil {
		a.close()
		return nil, nil, topology.Endpoint{}, &usageError{err}
	}
	ep, err := roleEndpoint(session, role)
	if err != nil {
		a.close()
		return nil, nil, topology.Endpoint{}, err
	}
	return a, session, ep, nil
}

func runPing(cmd *cobra.Command, args []string) error {
	a, _, ep, err := adminSetup(cmd, args[0])
	if err != nil {
		return err
	}
	defer a.close()

	sup, _ := a.supervisor(async.NewGroup(async.GroupConfig{Logger: a.logger.Slog()}))
	if err := sup.Ping(cmd.Context(), ep); err != nil {
		a.printer.Error(fmt.Sprintf("%s %s does not answer: %v", ep.Role, ep.Address(), err))
		return errFailed
	}
	a.printer.Success(fmt.Sprintf("%s %s is up", ep.Role, ep.Address()))
	return nil
}

func runFindPID(cmd *cobra.Command, args []string) error {
	a, _, ep, err := adminSetup(cmd, args[0])
	if err != nil {
		return err
	}
	defer a.close()

	sup, _ := a.supervisor(async.NewGroup(async.GroupConfig{Logger: a.logger.Slog()}))
	pid, err := sup.FindPID(cmd.Context(), ep)
	if err != nil {
		a.printer.Error(fmt.Sprintf("%s %s: %v", ep.Role, ep.Address(), err))
		return errFailed
	}
	a.printer.KeyValues(string(ep.Role),
		[]string{"endpoint", "pid"},
		map[string]string{"endpoint": ep.Address(), "pid": strconv.Itoa(pid)})
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	a, _, ep, err := adminSetup(cmd, args[0])
	if err != nil {
		return err
	}
	defer a.close()

	sup, _ := a.supervisor(async.NewGroup(async.GroupConfig{Logger: a.logger.Slog()}))
	if err := sup.Kill(cmd.Context(), ep); err != nil {
		a.printer.Error(fmt.Sprintf("kill %s %s: %v", ep.Role, ep.Address(), err))
		return errFailed
	}
	a.printer.Success(fmt.Sprintf("%s %s killed", ep.Role, ep.Address()))
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	rows, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || rows < 0 {
		return &usageError{fmt.Errorf("rows must be a non-negative integer, got %q", args[1])}
	}
	a, session, ep, err := adminSetup(cmd, args[0])
	if err != nil {
		return err
	}
	defer a.close()
	if a.cfg.Connector.Kind != config.ConnectorSQL {
		return &usageError{errors.New("verify needs connector.kind sql")}
	}

	connector := dbconn.NewSQLConnector(a.cfg.Connector.Driver, a.cfg.Connector.Prefix)
	v := verify.New(connector, session, a.logger.Slog())
	if err := v.Verify(cmd.Context(), ep, rows); err != nil {
		a.printer.Error(err.Error())
		return errFailed
	}
	a.printer.Success(fmt.Sprintf("%s holds exactly %d rows", ep.Address(), rows))
	return nil
}
