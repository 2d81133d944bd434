// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/replharness/services/harness/secrets"
	"github.com/AleutianAI/replharness/services/harness/supervisor"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// DefaultPath returns ~/.replharness/replharness.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".replharness", "replharness.yaml"), nil
}

// Load reads the file at path over DefaultConfig and validates the result.
//
// # Description
//
// Keys the file omits keep their defaults. Unknown keys are an error so
// that a misspelt timing budget does not silently fall back. Paths
// beginning with "~/" are expanded.
//
// # Outputs
//
//   - HarnessConfig: the merged configuration
//   - error: read, parse or validation failure
func Load(path string) (HarnessConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HarnessConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return HarnessConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses YAML from r over DefaultConfig and validates it.
func Decode(r io.Reader) (HarnessConfig, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return HarnessConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return HarnessConfig{}, err
	}
	cfg.expand()
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path, creating its directory. An
// existing file is left alone and reported with os.ErrExist.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-section rules the tags
// cannot express.
func (c HarnessConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	s := c.Session
	if s.Master == s.Slave {
		return errors.New("invalid config: master and slave share an address")
	}
	for _, ep := range []EndpointConfig{s.Master, s.Slave} {
		if ep.Port == s.ReplicationPort && ep.Host == s.Slave.Host {
			return fmt.Errorf("invalid config: replication port %d is taken by a server on %s", ep.Port, ep.Host)
		}
	}
	return nil
}

func (c *HarnessConfig) expand() {
	c.Session.MasterStorage = expandPath(c.Session.MasterStorage)
	c.Session.SlaveStorage = expandPath(c.Session.SlaveStorage)
	c.Journal.Path = expandPath(c.Journal.Path)
	c.FailureDir = expandPath(c.FailureDir)
	c.Logging.Dir = expandPath(c.Logging.Dir)
}

// SessionSpec builds the topology for one session. Credentials are read
// from the environment variables the Secrets section names; an unset
// variable leaves the secret empty.
func (c HarnessConfig) SessionSpec(id string) topology.SessionSpec {
	s := c.Session
	spec := topology.SessionSpec{
		ID:              id,
		Master:          topology.Endpoint{Host: s.Master.Host, Port: s.Master.Port, Role: topology.RoleMaster},
		Slave:           topology.Endpoint{Host: s.Slave.Host, Port: s.Slave.Port, Role: topology.RoleSlave},
		Database:        s.Database,
		MasterStorage:   s.MasterStorage,
		SlaveStorage:    s.SlaveStorage,
		ReplicationPort: s.ReplicationPort,
	}
	if s.ClientHost != "" {
		spec.Client = topology.Endpoint{Host: s.ClientHost, Role: topology.RoleClient}
	}
	if v := envSecret(c.Secrets.BootPasswordEnv); v != nil {
		spec.BootPassword = v
	}
	if c.Secrets.User != "" {
		spec.Credentials = &topology.Credentials{
			User:     c.Secrets.User,
			Password: envSecret(c.Secrets.PasswordEnv),
		}
	}
	return spec
}

func envSecret(name string) *secrets.Secret {
	if name == "" {
		return nil
	}
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil
	}
	return secrets.New(v)
}

// SupervisorConfig maps the Server and Remote sections onto supervisor
// launch settings.
func (c HarnessConfig) SupervisorConfig(logger *slog.Logger) supervisor.Config {
	sv := c.Server
	return supervisor.Config{
		Java:             sv.Java,
		LocalClasspath:   sv.LocalClasspath,
		RemoteClasspath:  sv.RemoteClasspath,
		MainClass:        sv.MainClass,
		JVMOptions:       sv.JVMOptions,
		ListenInterfaces: sv.ListenInterfaces,
		RemoteUser:       c.Remote.User,
		StartInterval:    sv.StartInterval,
		StartAttempts:    sv.StartAttempts,
		StopInterval:     sv.StopInterval,
		StopAttempts:     sv.StopAttempts,
		PingTimeout:      sv.PingTimeout,
		MirrorLogs:       sv.MirrorLogs,
		Logger:           logger,
	}
}

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
