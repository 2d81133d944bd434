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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// TailFile follows path and calls emit for every complete line appended to
// it, until ctx is done.
//
// # Description
//
// The parent directory is watched so the file may be created after the
// tail starts. Content present when the tail starts is emitted too. On
// cancellation any remaining complete lines are flushed before returning.
//
// # Inputs
//
//   - ctx: stops the tail
//   - path: file to follow
//   - emit: receives each line without its trailing newline
//
// # Outputs
//
//   - error: watcher setup failure; nil after cancellation
func TailFile(ctx context.Context, path string, emit func(line string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	t := &tailer{path: path, emit: emit}
	defer t.close()
	t.drain()

	for {
		select {
		case <-ctx.Done():
			t.drain()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				t.drain()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				t.close()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("log tail watcher error", "path", path, "error", err)
		}
	}
}

type tailer struct {
	path    string
	emit    func(string)
	file    *os.File
	reader  *bufio.Reader
	partial strings.Builder
}

func (t *tailer) drain() {
	if t.file == nil {
		f, err := os.Open(t.path)
		if err != nil {
			return
		}
		t.file = f
		t.reader = bufio.NewReader(f)
	}
	for {
		chunk, err := t.reader.ReadString('\n')
		t.partial.WriteString(chunk)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("log tail read error", "path", t.path, "error", err)
			}
			return
		}
		line := strings.TrimRight(t.partial.String(), "\r\n")
		t.partial.Reset()
		t.emit(line)
	}
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
		t.reader = nil
	}
}
