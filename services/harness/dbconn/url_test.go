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

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/replharness/services/harness/secrets"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

var master = topology.Endpoint{Host: "localhost", Port: 1527, Role: topology.RoleMaster}

func TestURL_RenderRejectsInjectedAttributes(t *testing.T) {
	u := NewURL(master, "wombat").With(AttrUser, "app;shutdown=true")
	_, err := u.Render()
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "app;")
}

func TestURL_RenderOrderAndReplace(t *testing.T) {
	u := NewURL(master, "wombat").
		WithFlag(AttrStartMaster).
		With(AttrSlaveHost, "db2").
		With(AttrSlavePort, "4851").
		With(AttrSlaveHost, "db3")

	s, err := u.Render()
	require.NoError(t, err)
	assert.Equal(t, "//localhost:1527/wombat;startMaster=true;slaveHost=db3;slavePort=4851", s)
	assert.Equal(t, []string{AttrStartMaster, AttrSlaveHost, AttrSlavePort}, u.Keys())
}

func TestURL_IsValueType(t *testing.T) {
	base := NewURL(master, "wombat")
	withFlag := base.WithFlag(AttrCreate)

	assert.False(t, base.Flag(AttrCreate))
	assert.True(t, withFlag.Flag(AttrCreate))
}

func TestURL_SecretsRedactedInString(t *testing.T) {
	pw := secrets.New("s3cret-boot")
	u := NewURL(master, "wombat").WithFlag(AttrCreate).WithSecret(AttrBootPassword, pw)

	assert.NotContains(t, u.String(), "s3cret-boot")
	assert.Contains(t, u.String(), "bootPassword="+secrets.Redacted)
	assert.NotContains(t, fmt.Sprintf("%v", u), "s3cret-boot")

	rendered, err := u.Render()
	require.NoError(t, err)
	assert.Contains(t, rendered, "bootPassword=s3cret-boot")
}

func TestURL_NilSecretIgnored(t *testing.T) {
	u := NewURL(master, "wombat").WithSecret(AttrPassword, nil)
	assert.Empty(t, u.Keys())
}

func TestURL_IntAndFlag(t *testing.T) {
	u := NewURL(master, "db").With(AttrSlavePort, "4851").With(AttrFailover, "TRUE")

	port, ok := u.Int(AttrSlavePort)
	assert.True(t, ok)
	assert.Equal(t, 4851, port)
	assert.True(t, u.Flag(AttrFailover))

	_, ok = u.Int(AttrSlaveHost)
	assert.False(t, ok)
}

func TestForSession(t *testing.T) {
	session, err := topology.NewSession(topology.SessionSpec{
		Master:          master,
		Slave:           topology.Endpoint{Host: "localhost", Port: 1528, Role: topology.RoleSlave},
		Database:        "wombat",
		MasterStorage:   "/m",
		SlaveStorage:    "/s",
		ReplicationPort: 4851,
		BootPassword:    secrets.New("boot"),
		Credentials:     &topology.Credentials{User: "app", Password: secrets.New("pw")},
	})
	require.NoError(t, err)

	u := ForSession(session, session.Slave())
	rendered, err := u.Render()
	require.NoError(t, err)
	assert.Equal(t, "//localhost:1528/wombat;user=app;password=pw;bootPassword=boot", rendered)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, CodeOK},
		{"harness error", NewError(CodeSlaveStarted), CodeSlaveStarted},
		{"wrapped harness error", fmt.Errorf("attach: %w", NewError(CodePeerNotReady)), CodePeerNotReady},
		{"driver state", stateErr{code: CodeFailoverSucceeded}, CodeFailoverSucceeded},
		{"refused syscall", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, CodeConnectionRefused},
		{"plain error", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "failover succeeded", Describe(CodeFailoverSucceeded))
	assert.Equal(t, "unrecognized code ZZZZZ", Describe("ZZZZZ"))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "00000", Outcome{Code: CodeOK}.String())
	assert.Equal(t, "XRE04 (not ready)", Outcome{Code: CodePeerNotReady, Detail: "not ready"}.String())
	assert.True(t, Outcome{Code: CodeOK}.OK())
}
