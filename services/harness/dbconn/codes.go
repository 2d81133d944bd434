// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dbconn

// SQLState codes the harness matches against. Every control operation is
// judged by the code it produces, so these are the harness's whole
// vocabulary for the engine's replication protocol.
const (
	CodeOK = "00000"

	// Connection-level.
	CodeConnectionRefused  = "08001"
	CodeConnectionRejected = "08004"
	CodeDatabaseShutdown   = "08006"
	CodeDatabaseNotFound   = "XJ004"
	CodeBootPassword       = "XBM06"

	// Replication protocol.
	CodePeerNotReady          = "XRE04"
	CodeNotMaster             = "XRE07"
	CodeSlaveStarted          = "XRE08"
	CodeAlreadyBooted         = "XRE09"
	CodeConflictingAttributes = "XRE10"
	CodeNotBooted             = "XRE11"
	CodeFailoverSucceeded     = "XRE20"
	CodeFailoverAborted       = "XRE21"
	CodeMasterAlreadyBooted   = "XRE22"
	CodeNotSlave              = "XRE40"
	CodeDeniedWhileConnected  = "XRE41"
	CodeReplicatedShutdown    = "XRE42"
	CodeShutdownInProgress    = "XRE43"

	// Storage.
	CodeStorageFailure = "XSDG3"

	// Statement-level, produced by the workload.
	CodeDuplicateKey  = "23505"
	CodeSyntaxError   = "42X01"
	CodeTableNotFound = "42X05"
	CodeIndexNotFound = "42X65"
	CodeObjectExists  = "X0Y32"
	CodeUnknown       = "UNKNOWN"
)

var descriptions = map[string]string{
	CodeOK:                    "success",
	CodeConnectionRefused:     "connection refused: no server listening",
	CodeConnectionRejected:    "connection rejected by database",
	CodeDatabaseShutdown:      "database shut down",
	CodeDatabaseNotFound:      "database not found",
	CodeBootPassword:          "boot password rejected",
	CodePeerNotReady:          "replication peer not ready",
	CodeNotMaster:             "database is not in master mode",
	CodeSlaveStarted:          "replication slave mode started",
	CodeAlreadyBooted:         "database already booted",
	CodeConflictingAttributes: "conflicting connection attributes",
	CodeNotBooted:             "database not booted",
	CodeFailoverSucceeded:     "failover succeeded",
	CodeFailoverAborted:       "failover aborted",
	CodeMasterAlreadyBooted:   "master already booted",
	CodeNotSlave:              "database is not in slave mode",
	CodeDeniedWhileConnected:  "operation denied while replication is connected",
	CodeReplicatedShutdown:    "replicated database shut down",
	CodeShutdownInProgress:    "shutdown in progress",
	CodeStorageFailure:        "storage failure",
	CodeDuplicateKey:          "duplicate key",
	CodeSyntaxError:           "syntax error",
	CodeTableNotFound:         "table not found",
	CodeIndexNotFound:         "index not found",
	CodeObjectExists:          "object already exists",
}

// Describe returns a short human description of code.
func Describe(code string) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return "unrecognized code " + code
}
