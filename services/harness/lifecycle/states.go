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

import "slices"

// State is a lifecycle state of a replication session.
type State string

const (
	StateUninitialized      State = "Uninitialized"
	StateServersStarted     State = "ServersStarted"
	StateMasterBooted       State = "MasterBooted"
	StateSlaveInitialized   State = "SlaveInitialized"
	StateSlaveAttached      State = "SlaveAttached"
	StateFailoverInitiated  State = "FailoverInitiated"
	StateFailoverComplete   State = "FailoverComplete"
	StateReplicationStopped State = "ReplicationStopped"
	StateTornDown           State = "TornDown"

	// Fault states, entered from SlaveAttached.
	StateMasterKilled          State = "MasterKilled"
	StateSlaveKilled           State = "SlaveKilled"
	StateSlaveStorageDestroyed State = "SlaveStorageDestroyed"
)

// transitions lists the forward edges. Every state may also go to
// StateTornDown.
var transitions = map[State][]State{
	StateUninitialized:    {StateServersStarted},
	StateServersStarted:   {StateMasterBooted},
	StateMasterBooted:     {StateSlaveInitialized},
	StateSlaveInitialized: {StateSlaveAttached},
	StateSlaveAttached: {
		StateFailoverInitiated,
		StateReplicationStopped,
		StateMasterKilled,
		StateSlaveKilled,
		StateSlaveStorageDestroyed,
	},
	StateFailoverInitiated: {StateFailoverComplete},
	StateMasterKilled:      {StateFailoverInitiated},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	if next == StateTornDown {
		return s != StateTornDown
	}
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether no further operation is accepted.
func (s State) Terminal() bool { return s == StateTornDown }

// active is every state in which the servers may be up and reachable.
var active = []State{
	StateServersStarted,
	StateMasterBooted,
	StateSlaveInitialized,
	StateSlaveAttached,
	StateFailoverInitiated,
	StateFailoverComplete,
	StateReplicationStopped,
	StateMasterKilled,
	StateSlaveKilled,
	StateSlaveStorageDestroyed,
}
