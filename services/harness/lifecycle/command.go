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
	"maps"
	"slices"
	"strconv"

	"github.com/AleutianAI/replharness/services/harness/dbconn"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// Kind is the control attribute a command carries.
type Kind string

const (
	// KindConnect is a plain connection with no control attribute.
	KindConnect     Kind = ""
	KindCreate      Kind = dbconn.AttrCreate
	KindStartMaster Kind = dbconn.AttrStartMaster
	KindStartSlave  Kind = dbconn.AttrStartSlave
	KindStopMaster  Kind = dbconn.AttrStopMaster
	KindStopSlave   Kind = dbconn.AttrStopSlave
	KindFailover    Kind = dbconn.AttrFailover
	KindShutdown    Kind = dbconn.AttrShutdown
)

func (k Kind) String() string {
	if k == KindConnect {
		return "connect"
	}
	return string(k)
}

// ControlCommand is one lifecycle request against one endpoint.
type ControlCommand struct {
	Kind   Kind
	Target topology.Endpoint

	// Params are extra attributes. A value of "true" renders as a flag.
	Params map[string]string
}

func (c ControlCommand) String() string {
	return c.Kind.String() + "@" + c.Target.String()
}

type commandKey struct {
	kind   Kind
	target string
}

func (c ControlCommand) key() commandKey {
	return commandKey{kind: c.Kind, target: c.Target.Address()}
}

// URL renders cmd for session. startMaster and startSlave name the slave's
// replication listener.
func (c ControlCommand) URL(session *topology.Session) dbconn.URL {
	u := dbconn.ForSession(session, c.Target)
	if c.Kind != KindConnect {
		u = u.WithFlag(string(c.Kind))
	}
	if c.Kind == KindStartMaster || c.Kind == KindStartSlave {
		repl := session.ReplicationEndpoint()
		u = u.With(dbconn.AttrSlaveHost, repl.Host).
			With(dbconn.AttrSlavePort, strconv.Itoa(repl.Port))
	}
	for _, k := range slices.Sorted(maps.Keys(c.Params)) {
		u = u.With(k, c.Params[k])
	}
	return u
}
