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
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/replharness/pkg/validation"
	"github.com/AleutianAI/replharness/services/harness/secrets"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// Connection attributes understood by the engine's replication protocol.
const (
	AttrCreate       = "create"
	AttrStartMaster  = "startMaster"
	AttrStartSlave   = "startSlave"
	AttrSlaveHost    = "slaveHost"
	AttrSlavePort    = "slavePort"
	AttrStopMaster   = "stopMaster"
	AttrStopSlave    = "stopSlave"
	AttrFailover     = "failover"
	AttrShutdown     = "shutdown"
	AttrBootPassword = "bootPassword"
	AttrUser         = "user"
	AttrPassword     = "password"
)

// Attribute is one ";key=value" pair of a connection URL.
type Attribute struct {
	Key    string
	Value  string
	secret *secrets.Secret
}

// URL is a connection target plus its ordered control attributes.
//
// # Description
//
// URL is a value type: every With* method returns a copy. Secret
// attributes stay sealed until Render is called; String and LogValue
// always redact them.
//
// The rendered form is "//host:port/database;k1=v1;k2=v2", the network
// client URL shape the engine's drivers accept after their own prefix.
type URL struct {
	Endpoint topology.Endpoint
	Database string
	attrs    []Attribute
}

// NewURL returns a URL with no attributes.
func NewURL(ep topology.Endpoint, database string) URL {
	return URL{Endpoint: ep, Database: database}
}

// With returns a copy of u with key set to value. An existing key is
// replaced in place so attribute order stays stable.
func (u URL) With(key, value string) URL {
	return u.set(Attribute{Key: key, Value: value})
}

// WithFlag sets key=true.
func (u URL) WithFlag(key string) URL {
	return u.With(key, "true")
}

// WithSecret sets key to a sealed value. A nil secret leaves u unchanged.
func (u URL) WithSecret(key string, s *secrets.Secret) URL {
	if !s.IsSet() {
		return u
	}
	return u.set(Attribute{Key: key, secret: s})
}

func (u URL) set(a Attribute) URL {
	attrs := make([]Attribute, 0, len(u.attrs)+1)
	replaced := false
	for _, existing := range u.attrs {
		if existing.Key == a.Key {
			attrs = append(attrs, a)
			replaced = true
			continue
		}
		attrs = append(attrs, existing)
	}
	if !replaced {
		attrs = append(attrs, a)
	}
	u.attrs = attrs
	return u
}

// Get returns the plain value of key. Secret attributes report ok with an
// empty value.
func (u URL) Get(key string) (string, bool) {
	for _, a := range u.attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// Flag reports whether key is present and set to "true".
func (u URL) Flag(key string) bool {
	v, ok := u.Get(key)
	return ok && strings.EqualFold(v, "true")
}

// Int returns key parsed as an integer.
func (u URL) Int(key string) (int, bool) {
	v, ok := u.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Secret returns the sealed value of key, if any.
func (u URL) Secret(key string) *secrets.Secret {
	for _, a := range u.attrs {
		if a.Key == key {
			return a.secret
		}
	}
	return nil
}

// Keys returns attribute keys in order.
func (u URL) Keys() []string {
	keys := make([]string, len(u.attrs))
	for i, a := range u.attrs {
		keys[i] = a.Key
	}
	return keys
}

// Render returns the full URL with secrets revealed. The result must not be
// logged.
func (u URL) Render() (string, error) {
	return u.render(func(a Attribute) (string, error) {
		if a.secret != nil {
			return a.secret.Reveal()
		}
		if err := validation.ValidateAttributeValue(a.Key, a.Value); err != nil {
			return "", err
		}
		return a.Value, nil
	})
}

// String returns the URL with secrets redacted.
func (u URL) String() string {
	s, _ := u.render(func(a Attribute) (string, error) {
		if a.secret != nil {
			return secrets.Redacted, nil
		}
		return a.Value, nil
	})
	return s
}

func (u URL) render(value func(Attribute) (string, error)) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "//%s/%s", u.Endpoint.Address(), u.Database)
	for _, a := range u.attrs {
		v, err := value(a)
		if err != nil {
			return "", fmt.Errorf("render attribute %s: %w", a.Key, err)
		}
		b.WriteByte(';')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String(), nil
}

// ForSession returns the base URL for ep within session: the session's
// database plus its credentials and boot password.
func ForSession(session *topology.Session, ep topology.Endpoint) URL {
	u := NewURL(ep, session.Database())
	if creds := session.Credentials(); creds != nil && creds.User != "" {
		u = u.With(AttrUser, creds.User).WithSecret(AttrPassword, creds.Password)
	}
	return u.WithSecret(AttrBootPassword, session.BootPassword())
}
