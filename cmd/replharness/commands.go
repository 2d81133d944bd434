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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	simulate   bool
	outputMode string // rich, plain or machine; empty detects
	logLevel   string // overrides logging.level

	runRows int

	listOnly     bool
	failFast     bool
	scenarioRows int
	checkpoint   int

	rootCmd = &cobra.Command{
		Use:   "replharness",
		Short: "Drive a replicated database pair through its lifecycle",
		Long: `replharness starts a master and a slave network server, brings
replication up, loads the master, fails over, injects faults and checks
that every committed row survived.`,
		SilenceUsage: true,
	}

	// --- Lifecycle ---
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Bring replication up, load the master, fail over and verify the slave",
		Args:  cobra.NoArgs,
		RunE:  runLifecycle, // Defined in cmd_run.go
	}
	scenariosCmd = &cobra.Command{
		Use:   "scenarios [name...]",
		Short: "Run replication scenarios, all of them when none are named",
		RunE:  runScenarios, // Defined in cmd_run.go
	}

	// --- Server Administration ---
	pingCmd = &cobra.Command{
		Use:       "ping <master|slave>",
		Short:     "Check that a network server answers",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: roleNames,
		RunE:      runPing, // Defined in cmd_servers.go
	}
	findPIDCmd = &cobra.Command{
		Use:       "findpid <master|slave>",
		Short:     "Print the process id of a network server",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: roleNames,
		RunE:      runFindPID, // Defined in cmd_servers.go
	}
	killCmd = &cobra.Command{
		Use:       "kill <master|slave>",
		Short:     "Kill a network server without a clean shutdown",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: roleNames,
		RunE:      runKill, // Defined in cmd_servers.go
	}
	verifyCmd = &cobra.Command{
		Use:   "verify <master|slave> <rows>",
		Short: "Check that a database holds exactly rows workload rows",
		Args:  cobra.ExactArgs(2),
		RunE:  runVerify, // Defined in cmd_servers.go
	}

	// --- Configuration ---
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the harness configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigInit, // Defined in cmd_config.go
	}
	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow, // Defined in cmd_config.go
	}
)

var roleNames = []string{"master", "slave"}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file (default ~/.replharness/replharness.yaml)")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false,
		"Run against the in-process simulated cluster instead of real servers")
	rootCmd.PersistentFlags().StringVar(&outputMode, "output", "",
		"Output style: rich, plain or machine (default: detect)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn or error")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runRows, "rows", 0, "Rows to load before failover (default scenarios.rows)")

	rootCmd.AddCommand(scenariosCmd)
	scenariosCmd.Flags().BoolVar(&listOnly, "list", false, "List the registered scenarios and exit")
	scenariosCmd.Flags().BoolVar(&failFast, "fail-fast", false, "Stop after the first failed scenario")
	scenariosCmd.Flags().IntVar(&scenarioRows, "rows", 0, "Workload size (default scenarios.rows)")
	scenariosCmd.Flags().IntVar(&checkpoint, "checkpoint", 0, "Row count at which faults fire (default scenarios.checkpoint)")

	rootCmd.AddCommand(pingCmd, findPIDCmd, killCmd, verifyCmd)

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
}
