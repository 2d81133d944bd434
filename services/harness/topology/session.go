// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package topology

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/AleutianAI/replharness/pkg/validation"
	"github.com/AleutianAI/replharness/services/harness/secrets"
)

var (
	// ErrInvalidEndpoint is returned for an endpoint that cannot be addressed.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidSession is returned when a session's roles or storage overlap.
	ErrInvalidSession = errors.New("invalid replication session")
)

// Credentials authenticate control connections.
type Credentials struct {
	User     string
	Password *secrets.Secret
}

// SessionSpec is the input to NewSession.
type SessionSpec struct {
	// ID is optional. A random UUID is assigned when empty.
	ID       string
	Master   Endpoint
	Slave    Endpoint
	Client   Endpoint
	Database string

	// MasterStorage and SlaveStorage are the server home directories. The
	// database lives in <storage>/<Database>.
	MasterStorage string
	SlaveStorage  string

	// ReplicationPort is the port the slave listens on for the master's log
	// shipping connection (slavePort).
	ReplicationPort int

	BootPassword *secrets.Secret
	Credentials  *Credentials
}

// Session binds one master, one slave and an optional client host for the
// duration of a single run.
//
// # Description
//
// A Session is immutable after NewSession returns. Each storage path and
// port is owned by exactly one role; NewSession rejects specs that share
// them.
type Session struct {
	id              string
	master          Endpoint
	slave           Endpoint
	client          Endpoint
	database        string
	masterStorage   string
	slaveStorage    string
	replicationPort int
	bootPassword    *secrets.Secret
	credentials     *Credentials
}

// NewSession validates spec and returns a Session.
//
// # Description
//
// Validation rules:
//   - master and slave endpoints are present, addressable, and carry the
//     master and slave roles respectively
//   - master and slave do not share an address
//   - the database name is set and both storage paths are set and distinct
//   - the replication port does not collide with the slave's server port
//
// The client endpoint is optional; when absent it defaults to localhost.
//
// # Inputs
//
//   - spec: endpoints, storage and credentials for the run
//
// # Outputs
//
//   - *Session: the validated session
//   - error: wraps ErrInvalidSession or ErrInvalidEndpoint
func NewSession(spec SessionSpec) (*Session, error) {
	if err := spec.Master.Validate(); err != nil {
		return nil, fmt.Errorf("master: %w", err)
	}
	if err := spec.Slave.Validate(); err != nil {
		return nil, fmt.Errorf("slave: %w", err)
	}
	if spec.Master.Role != RoleMaster {
		return nil, fmt.Errorf("%w: master endpoint has role %q", ErrInvalidSession, spec.Master.Role)
	}
	if spec.Slave.Role != RoleSlave {
		return nil, fmt.Errorf("%w: slave endpoint has role %q", ErrInvalidSession, spec.Slave.Role)
	}
	if spec.Master.Address() == spec.Slave.Address() {
		return nil, fmt.Errorf("%w: master and slave share address %s", ErrInvalidSession, spec.Master.Address())
	}
	if err := validation.ValidateDatabaseName(spec.Database); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if spec.Credentials != nil {
		if err := validation.ValidateAttributeValue("user", spec.Credentials.User); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
		}
	}
	if spec.MasterStorage == "" || spec.SlaveStorage == "" {
		return nil, fmt.Errorf("%w: storage paths are required", ErrInvalidSession)
	}
	if spec.Master.Host == spec.Slave.Host &&
		filepath.Clean(spec.MasterStorage) == filepath.Clean(spec.SlaveStorage) {
		return nil, fmt.Errorf("%w: master and slave share storage %s", ErrInvalidSession, spec.MasterStorage)
	}
	if spec.ReplicationPort <= 0 || spec.ReplicationPort > 65535 {
		return nil, fmt.Errorf("%w: replication port %d out of range", ErrInvalidSession, spec.ReplicationPort)
	}
	if spec.ReplicationPort == spec.Slave.Port {
		return nil, fmt.Errorf("%w: replication port equals slave server port", ErrInvalidSession)
	}

	client := spec.Client
	if client.Host == "" {
		client = Endpoint{Host: LocalHost, Role: RoleClient}
	}
	if client.Role == "" {
		client.Role = RoleClient
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &Session{
		id:              id,
		master:          spec.Master,
		slave:           spec.Slave,
		client:          client,
		database:        spec.Database,
		masterStorage:   spec.MasterStorage,
		slaveStorage:    spec.SlaveStorage,
		replicationPort: spec.ReplicationPort,
		bootPassword:    spec.BootPassword,
		credentials:     spec.Credentials,
	}, nil
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) Master() Endpoint              { return s.master }
func (s *Session) Slave() Endpoint               { return s.slave }
func (s *Session) Client() Endpoint              { return s.client }
func (s *Session) Database() string              { return s.database }
func (s *Session) BootPassword() *secrets.Secret { return s.bootPassword }
func (s *Session) Credentials() *Credentials     { return s.credentials }

// ReplicationEndpoint is where the slave listens for the master.
func (s *Session) ReplicationEndpoint() Endpoint {
	return Endpoint{Host: s.slave.Host, Port: s.replicationPort, Role: RoleSlave}
}

// StorageFor returns the server home directory owned by ep's role.
func (s *Session) StorageFor(ep Endpoint) string {
	switch ep.Role {
	case RoleMaster:
		return s.masterStorage
	case RoleSlave:
		return s.slaveStorage
	}
	return ""
}

// DatabasePath returns the database directory for ep's role.
func (s *Session) DatabasePath(ep Endpoint) string {
	storage := s.StorageFor(ep)
	if storage == "" {
		return ""
	}
	return filepath.Join(storage, s.database)
}

// Peer returns the other replication endpoint.
func (s *Session) Peer(ep Endpoint) Endpoint {
	if ep.Role == RoleMaster {
		return s.slave
	}
	return s.master
}
