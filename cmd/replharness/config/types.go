// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the harness configuration file.
package config

import (
	"time"

	"github.com/AleutianAI/replharness/services/harness/lifecycle"
	"github.com/AleutianAI/replharness/services/harness/scenario"
	"github.com/AleutianAI/replharness/services/harness/telemetry"
)

// Connector kinds.
const (
	ConnectorSQL       = "sql"
	ConnectorSimulated = "simulated"
)

type HarnessConfig struct {
	// Session: the two servers, the client host and the database they share
	Session SessionConfig `yaml:"session" validate:"required"`

	// Server: how network servers are launched
	Server ServerConfig `yaml:"server"`

	// Remote: how commands reach hosts other than this one
	Remote RemoteConfig `yaml:"remote"`

	// Connector: how the harness opens database connections
	Connector ConnectorConfig `yaml:"connector"`

	Timing    lifecycle.Timing `yaml:"timing"`
	Scenarios scenario.Params  `yaml:"scenarios"`
	Load      LoadConfig       `yaml:"load"`
	Journal   JournalConfig    `yaml:"journal"`

	// FailureDir receives a post-mortem capture per failed session.
	FailureDir string `yaml:"failure_dir" validate:"required"`

	// GracefulLocal stops local servers instead of killing them on
	// injected faults.
	GracefulLocal bool `yaml:"graceful_local"`

	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Status    StatusConfig     `yaml:"status"`
	Secrets   SecretsConfig    `yaml:"secrets"`
}

type EndpointConfig struct {
	Host string `yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port int    `yaml:"port" validate:"gte=1,lte=65535"`
}

type SessionConfig struct {
	Database        string         `yaml:"database" validate:"required"`
	Master          EndpointConfig `yaml:"master"`
	Slave           EndpointConfig `yaml:"slave"`
	ClientHost      string         `yaml:"client_host" validate:"omitempty,hostname_rfc1123|ip"`
	MasterStorage   string         `yaml:"master_storage" validate:"required"`
	SlaveStorage    string         `yaml:"slave_storage" validate:"required,nefield=MasterStorage"`
	ReplicationPort int            `yaml:"replication_port" validate:"gte=1,lte=65535"`
}

type ServerConfig struct {
	Java             string        `yaml:"java" validate:"required"`
	LocalClasspath   string        `yaml:"local_classpath"`
	RemoteClasspath  string        `yaml:"remote_classpath"`
	MainClass        string        `yaml:"main_class" validate:"required"`
	JVMOptions       []string      `yaml:"jvm_options"`
	ListenInterfaces string        `yaml:"listen_interfaces"`
	StartInterval    time.Duration `yaml:"start_interval" validate:"gt=0"`
	StartAttempts    int           `yaml:"start_attempts" validate:"gt=0"`
	StopInterval     time.Duration `yaml:"stop_interval" validate:"gt=0"`
	StopAttempts     int           `yaml:"stop_attempts" validate:"gt=0"`
	PingTimeout      time.Duration `yaml:"ping_timeout" validate:"gt=0"`
	MirrorLogs       bool          `yaml:"mirror_logs"`
}

type RemoteConfig struct {
	User  string   `yaml:"user"`
	Shell []string `yaml:"shell"` // e.g. ["ssh", "-o", "BatchMode=yes"]
}

type ConnectorConfig struct {
	// Kind is "sql" or "simulated".
	Kind string `yaml:"kind" validate:"required,oneof=sql simulated"`

	// Driver is the database/sql driver name registered in this binary.
	Driver string `yaml:"driver" validate:"required_if=Kind sql"`

	// Prefix is prepended to the rendered connection URL, e.g. "jdbc:derby:".
	Prefix string `yaml:"prefix"`

	// Simulated cluster knobs, used when Kind is "simulated".
	ShutdownLag int `yaml:"shutdown_lag" validate:"gte=0"`
	AttachDelay int `yaml:"attach_delay" validate:"gte=0"`
}

type LoadConfig struct {
	// ClientCommand runs the workload on a remote client host. The URL,
	// workload id, tuple count and first key are appended.
	ClientCommand []string `yaml:"client_command"`
}

type JournalConfig struct {
	// Path holds one BadgerDB directory per session.
	Path       string `yaml:"path" validate:"required_without=InMemory"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

type StatusConfig struct {
	// Addr enables the status server when non-empty.
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// SecretsConfig names where credentials come from. Values are never
// stored in the file.
type SecretsConfig struct {
	BootPasswordEnv string `yaml:"boot_password_env"`
	User            string `yaml:"user" validate:"required_with=PasswordEnv"`
	PasswordEnv     string `yaml:"password_env"`
}

// DefaultConfig returns a two-server localhost layout under ~/.replharness.
func DefaultConfig() HarnessConfig {
	return HarnessConfig{
		Session: SessionConfig{
			Database:        "wombat",
			Master:          EndpointConfig{Host: "localhost", Port: 1527},
			Slave:           EndpointConfig{Host: "localhost", Port: 1528},
			MasterStorage:   "~/.replharness/master",
			SlaveStorage:    "~/.replharness/slave",
			ReplicationPort: 4851,
		},
		Server: ServerConfig{
			Java:             "java",
			MainClass:        "org.apache.derby.drda.NetworkServerControl",
			ListenInterfaces: "0.0.0.0",
			StartInterval:    500 * time.Millisecond,
			StartAttempts:    120,
			StopInterval:     250 * time.Millisecond,
			StopAttempts:     120,
			PingTimeout:      2 * time.Second,
			MirrorLogs:       true,
		},
		Remote:     RemoteConfig{Shell: []string{"ssh"}},
		Connector:  ConnectorConfig{Kind: ConnectorSimulated, Prefix: "jdbc:derby:"},
		Timing:     lifecycle.DefaultTiming(),
		Scenarios:  scenario.DefaultParams(),
		Journal:    JournalConfig{Path: "~/.replharness/journal"},
		FailureDir: "~/.replharness/failures",
		Logging:    LoggingConfig{Level: "info", Dir: "~/.replharness/logs"},
		Telemetry:  telemetry.DefaultConfig(),
		Secrets: SecretsConfig{
			BootPasswordEnv: "REPLHARNESS_BOOT_PASSWORD",
		},
	}
}
