// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Mode Tests
// =============================================================================

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"rich":    ModeRich,
		"COLOR":   ModeRich,
		"machine": ModeMachine,
		"q":       ModeMachine,
		"plain":   ModePlain,
		"bogus":   ModePlain,
	}
	for in, want := range tests {
		if got := ParseMode(in); got != want {
			t.Errorf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDetectMode(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	t.Setenv(ModeEnv, "")
	if got := DetectMode(f, ""); got != ModeMachine {
		t.Errorf("regular file: got %v, want machine", got)
	}
	if got := DetectMode(f, "rich"); got != ModeRich {
		t.Errorf("override: got %v, want rich", got)
	}
	t.Setenv(ModeEnv, "plain")
	if got := DetectMode(f, ""); got != ModePlain {
		t.Errorf("env: got %v, want plain", got)
	}
	if IsTerminal(f) {
		t.Error("regular file reported as terminal")
	}
}

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_StatusLines(t *testing.T) {
	tests := []struct {
		mode Mode
		want []string
	}{
		{ModeMachine, []string{"OK: attached", "WARN: lagging", "ERROR: refused"}},
		{ModePlain, []string{"✓ attached", "⚠ lagging", "✗ refused"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			var buf bytes.Buffer
			p := NewPrinter(&buf, tt.mode)
			p.Success("attached")
			p.Warning("lagging")
			p.Error("refused")
			got := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(got) != len(tt.want) {
				t.Fatalf("got %q", got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPrinter_KeyValues(t *testing.T) {
	keys := []string{"endpoint", "pid"}
	values := map[string]string{"endpoint": "master(db1:1527)", "pid": "4242"}

	var buf bytes.Buffer
	NewPrinter(&buf, ModeMachine).KeyValues("server", keys, values)
	if got := buf.String(); got != "ENDPOINT: master(db1:1527)\nPID: 4242\n" {
		t.Errorf("machine output %q", got)
	}

	buf.Reset()
	NewPrinter(&buf, ModePlain).KeyValues("server", keys, values)
	out := buf.String()
	if !strings.HasPrefix(out, "server\n------\n") || !strings.Contains(out, "pid       4242") {
		t.Errorf("plain output %q", out)
	}
}

// =============================================================================
// Report Tests
// =============================================================================

func sampleReport() Report {
	return Report{
		Title: "scenarios",
		Rows: []Row{
			{Name: "failover-round-trip", Passed: true, Kind: "none", State: "FailoverComplete", Committed: 1000, Duration: 1500 * time.Millisecond},
			{
				Name: "kill-master-mid-load", Kind: "fatal", State: "MasterKilled", Committed: 500,
				Detail: "start failed:\n  timeout", Postmortem: "/tmp/fail/s2",
			},
		},
		Notes: []string{"journal: /tmp/journal"},
	}
}

func TestReport_Counts(t *testing.T) {
	passed, failed := sampleReport().Counts()
	if passed != 1 || failed != 1 {
		t.Errorf("Counts() = %d, %d", passed, failed)
	}
}

func TestPrinter_Report_Machine(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, ModeMachine).Report(sampleReport())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	if lines[0] != "PASS\tfailover-round-trip\tFailoverComplete\t1000\t1.5s\tnone\t" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "FAIL\tkill-master-mid-load\tMasterKilled\t500\t0s\tfatal\tstart failed: timeout" {
		t.Errorf("line 1 = %q", lines[1])
	}
	if lines[2] != "SUMMARY: passed=1 failed=1 total=2" {
		t.Errorf("summary = %q", lines[2])
	}
}

func TestPrinter_Report_Plain(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, ModePlain).Report(sampleReport())
	out := buf.String()

	for _, want := range []string{
		"SCENARIO", "failover-round-trip", "FailoverComplete",
		"kill-master-mid-load (fatal)", "postmortem: /tmp/fail/s2",
		"→ journal: /tmp/journal", "1 passed  1 failed  2 total",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Error("plain output contains ANSI escapes")
	}
}
