// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"path/filepath"

	"github.com/AleutianAI/replharness/services/harness/executor"
	"github.com/AleutianAI/replharness/services/harness/topology"
)

// CopyDatabase replaces the database directory under toStorage with a copy
// of srcDir.
//
// # Description
//
// Any existing copy at the destination is removed first. When both
// endpoints are on the same host the copy runs there with cp; otherwise
// it runs locally with scp, relaying through this host for remote to
// remote copies.
//
// # Outputs
//
//   - error: *StorageError on any failure
func (s *Supervisor) CopyDatabase(ctx context.Context, from topology.Endpoint, srcDir string, to topology.Endpoint, toStorage string) error {
	dst := filepath.Join(toStorage, filepath.Base(srcDir))

	prepare := executor.Command{
		Tokens: []string{"sh", "-c", "mkdir -p " + quote(toStorage) + " && rm -rf " + quote(dst)},
		Host:   to.Host,
		User:   s.cfg.RemoteUser,
	}
	if _, err := s.exec.Run(ctx, prepare); err != nil {
		return &StorageError{Op: "prepare", Path: dst, Host: to.Host, Err: err}
	}

	var copyCmd executor.Command
	if sameHost(from, to) {
		copyCmd = executor.Command{
			Tokens: []string{"cp", "-R", srcDir, toStorage + "/"},
			Host:   from.Host,
			User:   s.cfg.RemoteUser,
		}
	} else {
		copyCmd = executor.Command{
			Tokens: []string{"scp", "-q", "-r", "-3", s.scpPath(from, srcDir), s.scpPath(to, toStorage+"/")},
			Host:   topology.LocalHost,
		}
	}
	if _, err := s.exec.Run(ctx, copyCmd); err != nil {
		return &StorageError{Op: "copy", Path: srcDir, Host: from.Host, Err: err}
	}
	s.logger.Info("database copied",
		"from", from.String(),
		"src", srcDir,
		"to", to.String(),
		"dst", dst)
	return nil
}

// DestroyDatabase removes dbDir on ep's host while the server may still
// be running.
func (s *Supervisor) DestroyDatabase(ctx context.Context, ep topology.Endpoint, dbDir string) error {
	_, err := s.exec.Run(ctx, executor.Command{
		Tokens: []string{"rm", "-rf", dbDir},
		Host:   ep.Host,
		User:   s.cfg.RemoteUser,
	})
	if err != nil {
		return &StorageError{Op: "remove", Path: dbDir, Host: ep.Host, Err: err}
	}
	s.logger.Warn("database directory removed", "endpoint", ep.String(), "path", dbDir)
	return nil
}

func (s *Supervisor) scpPath(ep topology.Endpoint, path string) string {
	if ep.IsLocal() {
		return path
	}
	if s.cfg.RemoteUser != "" {
		return s.cfg.RemoteUser + "@" + ep.Host + ":" + path
	}
	return ep.Host + ":" + path
}

func sameHost(a, b topology.Endpoint) bool {
	return a.Host == b.Host || (a.IsLocal() && b.IsLocal())
}
