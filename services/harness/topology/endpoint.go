// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package topology describes where the replicated database runs: the
// endpoints of each role and the session that binds them together.
package topology

import (
	"fmt"
	"net"
	"strconv"
)

// Role is the part an endpoint plays in a replication session.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
	RoleClient Role = "client"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMaster, RoleSlave, RoleClient:
		return true
	}
	return false
}

// LocalHost is the host name that selects local execution.
const LocalHost = "localhost"

// Endpoint is a host/port pair tagged with its role. Endpoints are values
// and are never mutated once a session is built.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Role Role   `json:"role"`
}

// IsLocal reports whether commands for this endpoint run on this machine.
//
// Loopback addresses are treated the same as "localhost" so that tests can
// bind listeners to 127.0.0.1.
func (e Endpoint) IsLocal() bool {
	switch e.Host {
	case LocalHost, "127.0.0.1", "::1":
		return true
	}
	return false
}

// Address returns "host:port".
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	if e.Role == "" {
		return e.Address()
	}
	return fmt.Sprintf("%s(%s)", e.Role, e.Address())
}

// Validate checks that the endpoint is addressable.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidEndpoint)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEndpoint, e.Port)
	}
	if !e.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidEndpoint, e.Role)
	}
	return nil
}
