// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simdb

import (
	"context"
	"net"
	"path/filepath"
	"strconv"

	"github.com/AleutianAI/replharness/services/harness/dbconn"
)

type mode int

const (
	modeNormal mode = iota
	modeMaster
	modeSlave
	modeStopping
)

func (m mode) String() string {
	switch m {
	case modeNormal:
		return "normal"
	case modeMaster:
		return "master"
	case modeSlave:
		return "slave"
	case modeStopping:
		return "stopping"
	}
	return "unknown"
}

// instance is a booted database on a server.
type instance struct {
	srv   *server
	db    string
	files *dbFiles
	mode  mode

	frozen bool

	// Replication link. peer is the other side while attached.
	peer     *instance
	attached bool

	// Slave side.
	replAddr     string
	ready        chan struct{}
	abort        *dbconn.Error
	masterLost   bool
	failed       bool
	stopLag      int
	attachProbes int
}

func (i *instance) live() bool {
	return i.srv.up && i.srv.booted[i.db] == i
}

func (i *instance) signalReady(abort *dbconn.Error) {
	if i.ready == nil {
		return
	}
	select {
	case <-i.ready:
	default:
		i.abort = abort
		close(i.ready)
	}
}

var controlAttrs = []string{
	dbconn.AttrStartMaster,
	dbconn.AttrStartSlave,
	dbconn.AttrStopMaster,
	dbconn.AttrStopSlave,
	dbconn.AttrFailover,
	dbconn.AttrShutdown,
}

// Connect implements dbconn.Connector.
//
// # Description
//
// The URL's control attribute selects the operation; without one the
// connect boots (or, with create=true, creates) the database and returns a
// Conn. A startSlave connect blocks until a master attaches or ctx is
// done, then fails with XRE08 as the engine does.
func (c *Cluster) Connect(ctx context.Context, url dbconn.URL) (dbconn.Conn, error) {
	c.mu.Lock()
	conn, waiting, err := c.dispatch(url)
	c.mu.Unlock()
	if waiting == nil {
		return conn, err
	}

	select {
	case <-waiting.ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		if waiting.abort != nil {
			return nil, waiting.abort
		}
		return nil, dbconn.NewError(dbconn.CodeSlaveStarted)
	case <-ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.listeners[waiting.replAddr] == waiting {
			delete(c.listeners, waiting.replAddr)
			if waiting.live() {
				delete(waiting.srv.booted, waiting.db)
			}
		}
		return nil, ctx.Err()
	}
}

// dispatch runs with c.mu held. A non-nil instance means the caller must
// wait for it to attach.
func (c *Cluster) dispatch(url dbconn.URL) (dbconn.Conn, *instance, error) {
	srv, ok := c.servers[url.Endpoint.Address()]
	if !ok || !srv.up {
		return nil, nil, dbconn.Errorf(dbconn.CodeConnectionRefused, "no server listening on %s", url.Endpoint.Address())
	}

	var action string
	for _, attr := range controlAttrs {
		if !url.Flag(attr) {
			continue
		}
		if action != "" {
			return nil, nil, dbconn.Errorf(dbconn.CodeConflictingAttributes, "%s and %s", action, attr)
		}
		action = attr
	}
	if action != "" && url.Flag(dbconn.AttrCreate) {
		return nil, nil, dbconn.Errorf(dbconn.CodeConflictingAttributes, "%s and %s", action, dbconn.AttrCreate)
	}

	db := url.Database
	inst := srv.booted[db]
	switch action {
	case dbconn.AttrStartSlave:
		return c.startSlave(srv, inst, url)
	case dbconn.AttrStartMaster:
		conn, err := c.startMaster(srv, inst, url)
		return conn, nil, err
	case dbconn.AttrStopMaster:
		conn, err := c.stopMaster(inst)
		return conn, nil, err
	case dbconn.AttrStopSlave:
		return nil, nil, c.stopSlave(srv, inst)
	case dbconn.AttrFailover:
		return nil, nil, c.failover(srv, inst)
	case dbconn.AttrShutdown:
		return nil, nil, c.shutdown(srv, inst)
	}
	conn, err := c.open(srv, inst, url)
	return conn, nil, err
}

// boot loads db's files on srv in normal mode.
func (c *Cluster) boot(srv *server, url dbconn.URL, create bool) (*instance, *dbconn.Error) {
	db := url.Database
	key := filesKey(srv.ep.Host, filepath.Join(srv.storage, db))
	files, ok := c.files[key]
	if !ok {
		if !create {
			return nil, dbconn.Errorf(dbconn.CodeDatabaseNotFound, "database %s not found", db)
		}
		files = newFiles()
		files.bootPassword = revealBootPassword(url)
		c.files[key] = files
	}
	if files.severed {
		return nil, dbconn.Errorf(dbconn.CodeConnectionRejected, "database %s was failed over", db)
	}
	if files.bootPassword != "" && files.bootPassword != revealBootPassword(url) {
		return nil, dbconn.NewError(dbconn.CodeBootPassword)
	}
	inst := &instance{srv: srv, db: db, files: files, mode: modeNormal}
	srv.booted[db] = inst
	return inst, nil
}

func revealBootPassword(url dbconn.URL) string {
	s := url.Secret(dbconn.AttrBootPassword)
	if !s.IsSet() {
		return ""
	}
	v, err := s.Reveal()
	if err != nil {
		return ""
	}
	return v
}

func (c *Cluster) open(srv *server, inst *instance, url dbconn.URL) (dbconn.Conn, error) {
	if inst == nil {
		booted, err := c.boot(srv, url, url.Flag(dbconn.AttrCreate))
		if err != nil {
			return nil, err
		}
		inst = booted
	}
	switch {
	case inst.failed || inst.files.lost:
		return nil, dbconn.NewError(dbconn.CodeStorageFailure)
	case inst.mode == modeSlave:
		return nil, dbconn.Errorf(dbconn.CodeSlaveStarted, "database %s is in slave mode", inst.db)
	case inst.mode == modeStopping:
		return nil, dbconn.NewError(dbconn.CodeShutdownInProgress)
	}
	return &conn{c: c, inst: inst}, nil
}

func replicationAddr(srv *server, url dbconn.URL) string {
	host, ok := url.Get(dbconn.AttrSlaveHost)
	if !ok || host == "" {
		host = srv.ep.Host
	}
	port, ok := url.Int(dbconn.AttrSlavePort)
	if !ok {
		port = DefaultReplicationPort
	}
	return net.JoinHostPort(hostKey(host), strconv.Itoa(port))
}

func (c *Cluster) startSlave(srv *server, inst *instance, url dbconn.URL) (dbconn.Conn, *instance, error) {
	if inst != nil {
		return nil, nil, dbconn.Errorf(dbconn.CodeAlreadyBooted, "database %s already booted", url.Database)
	}
	key := filesKey(srv.ep.Host, filepath.Join(srv.storage, url.Database))
	files, ok := c.files[key]
	if !ok {
		return nil, nil, dbconn.Errorf(dbconn.CodeDatabaseNotFound, "database %s not found", url.Database)
	}
	if files.bootPassword != "" && files.bootPassword != revealBootPassword(url) {
		return nil, nil, dbconn.NewError(dbconn.CodeBootPassword)
	}
	addr := replicationAddr(srv, url)
	if _, taken := c.listeners[addr]; taken {
		return nil, nil, dbconn.Errorf(dbconn.CodeAlreadyBooted, "replication listener %s in use", addr)
	}

	slave := &instance{
		srv:      srv,
		db:       url.Database,
		files:    files,
		mode:     modeSlave,
		replAddr: addr,
		ready:    make(chan struct{}),
	}
	srv.booted[url.Database] = slave
	c.listeners[addr] = slave
	c.log.Info("slave listening", "endpoint", srv.ep.String(), "replication", addr)
	return nil, slave, nil
}

func (c *Cluster) startMaster(srv *server, inst *instance, url dbconn.URL) (dbconn.Conn, error) {
	if inst == nil {
		booted, err := c.boot(srv, url, false)
		if err != nil {
			return nil, err
		}
		inst = booted
	}
	switch inst.mode {
	case modeMaster:
		return nil, dbconn.NewError(dbconn.CodeMasterAlreadyBooted)
	case modeSlave, modeStopping:
		return nil, dbconn.Errorf(dbconn.CodeAlreadyBooted, "database %s is a replication slave", inst.db)
	}

	addr := replicationAddr(srv, url)
	slave, ok := c.listeners[addr]
	if !ok || !slave.live() {
		return nil, dbconn.Errorf(dbconn.CodePeerNotReady, "no slave listening on %s", addr)
	}
	if inst.attachProbes < c.opts.AttachDelay {
		inst.attachProbes++
		return nil, dbconn.Errorf(dbconn.CodePeerNotReady, "slave on %s not ready", addr)
	}

	delete(c.listeners, addr)
	inst.mode = modeMaster
	inst.peer = slave
	inst.attached = true
	slave.peer = inst
	slave.attached = true
	slave.signalReady(nil)
	c.log.Info("replication attached", "master", srv.ep.String(), "slave", slave.srv.ep.String())
	return &conn{c: c, inst: inst}, nil
}

func (c *Cluster) stopMaster(inst *instance) (dbconn.Conn, error) {
	if inst == nil {
		return nil, dbconn.NewError(dbconn.CodeNotBooted)
	}
	if inst.mode != modeMaster {
		return nil, dbconn.NewError(dbconn.CodeNotMaster)
	}
	if slave := inst.peer; slave != nil {
		slave.peer = nil
		slave.attached = false
		if slave.live() {
			slave.mode = modeStopping
			slave.stopLag = c.opts.ShutdownLag
		}
	}
	inst.mode = modeNormal
	inst.peer = nil
	inst.attached = false
	c.log.Info("replication stopped by master", "master", inst.srv.ep.String())
	return &conn{c: c, inst: inst}, nil
}

func (c *Cluster) stopSlave(srv *server, inst *instance) error {
	if inst == nil {
		return dbconn.NewError(dbconn.CodeNotBooted)
	}
	switch inst.mode {
	case modeStopping:
		if inst.stopLag > 0 {
			inst.stopLag--
			return dbconn.NewError(dbconn.CodeShutdownInProgress)
		}
		c.unbootLocked(srv, inst.db, inst, dbconn.CodeReplicatedShutdown)
		return dbconn.NewError(dbconn.CodeNotBooted)
	case modeSlave:
		if inst.attached && inst.peer != nil && inst.peer.live() && !inst.masterLost {
			return dbconn.NewError(dbconn.CodeDeniedWhileConnected)
		}
		c.unbootLocked(srv, inst.db, inst, dbconn.CodeReplicatedShutdown)
		return dbconn.NewError(dbconn.CodeReplicatedShutdown)
	}
	return dbconn.NewError(dbconn.CodeNotSlave)
}

func (c *Cluster) failover(srv *server, inst *instance) error {
	if inst == nil {
		return dbconn.NewError(dbconn.CodeNotBooted)
	}
	switch inst.mode {
	case modeMaster:
		slave := inst.peer
		if slave == nil || !slave.live() || slave.failed {
			return dbconn.Errorf(dbconn.CodeFailoverAborted, "no live slave for %s", inst.db)
		}
		c.promote(slave)
		inst.files.severed = true
		inst.peer = nil
		c.unbootLocked(srv, inst.db, inst, dbconn.CodeConnectionRejected)
		c.log.Info("failover from master", "old_master", srv.ep.String(), "new_master", slave.srv.ep.String())
		return dbconn.NewError(dbconn.CodeFailoverSucceeded)

	case modeSlave:
		if !inst.attached {
			return dbconn.Errorf(dbconn.CodeFailoverAborted, "slave %s never attached", inst.db)
		}
		if inst.peer != nil && inst.peer.live() && !inst.masterLost {
			return dbconn.NewError(dbconn.CodeDeniedWhileConnected)
		}
		if inst.failed {
			return dbconn.NewError(dbconn.CodeStorageFailure)
		}
		c.promote(inst)
		c.log.Info("failover on slave", "new_master", srv.ep.String())
		return dbconn.NewError(dbconn.CodeFailoverSucceeded)

	case modeStopping:
		return dbconn.NewError(dbconn.CodeShutdownInProgress)
	}
	return dbconn.NewError(dbconn.CodeNotMaster)
}

func (c *Cluster) promote(slave *instance) {
	slave.mode = modeNormal
	slave.peer = nil
	slave.attached = false
	slave.masterLost = false
}

func (c *Cluster) shutdown(srv *server, inst *instance) error {
	if inst == nil {
		return dbconn.NewError(dbconn.CodeNotBooted)
	}
	if inst.mode == modeSlave && inst.attached && inst.peer != nil && inst.peer.live() {
		return dbconn.NewError(dbconn.CodeDeniedWhileConnected)
	}
	c.unbootLocked(srv, inst.db, inst, dbconn.CodeDatabaseShutdown)
	return dbconn.NewError(dbconn.CodeDatabaseShutdown)
}

// unbootLocked removes inst from srv and detaches it from its peer. A
// waiting startSlave connect is released with abortCode.
func (c *Cluster) unbootLocked(srv *server, db string, inst *instance, abortCode string) {
	if srv.booted[db] == inst {
		delete(srv.booted, db)
	}
	if inst.replAddr != "" && c.listeners[inst.replAddr] == inst {
		delete(c.listeners, inst.replAddr)
	}
	if inst.mode == modeSlave && !inst.attached {
		inst.signalReady(dbconn.NewError(abortCode))
	}
	if peer := inst.peer; peer != nil {
		peer.peer = nil
		if peer.mode == modeSlave {
			peer.masterLost = true
		}
	}
	inst.peer = nil
}
