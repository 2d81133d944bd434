// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal records every lifecycle transition of a session in an
// embedded BadgerDB so a failed run can be reconstructed afterwards.
//
// Keys are laid out as
//
//	journal/<session-id>/<seq, 20 digits>
//
// so a prefix scan returns one session's entries in append order.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal closed")

// Entry is one recorded transition or event.
type Entry struct {
	Seq       uint64    `json:"seq"`
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Op        string    `json:"op"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Code      string    `json:"code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// Config holds configuration for a journal.
type Config struct {
	// Path is the BadgerDB directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps the journal in RAM. Used by tests and dry runs.
	InMemory bool

	// SyncWrites fsyncs every append.
	SyncWrites bool

	// Logger receives BadgerDB's own messages. Nil silences them.
	Logger *slog.Logger
}

// Journal appends entries for a single session.
//
// Thread Safety: Safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	db      *badger.DB
	seq     *badger.Sequence
	session string
	closed  bool
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens (or creates) the journal for sessionID.
//
// Description:
//
//	Opens BadgerDB at cfg.Path, creating the directory, or in memory when
//	cfg.InMemory is set. Entries of other sessions stored in the same
//	directory are left alone.
//
// Outputs:
//
//	*Journal - Caller must Close it.
//	error - Non-nil if the path is missing or BadgerDB fails to open.
func Open(cfg Config, sessionID string) (*Journal, error) {
	if sessionID == "" {
		return nil, errors.New("journal: session id is required")
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("journal: path is required for a persistent journal")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	seq, err := db.GetSequence([]byte("seq/"+sessionID), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal sequence: %w", err)
	}
	return &Journal{db: db, seq: seq, session: sessionID}, nil
}

func (j *Journal) prefix() []byte {
	return []byte("journal/" + j.session + "/")
}

func (j *Journal) key(seq uint64) []byte {
	return []byte(fmt.Sprintf("journal/%s/%020d", j.session, seq))
}

// SessionID returns the session this journal records.
func (j *Journal) SessionID() string { return j.session }

// Append stores e, filling Seq, ID, SessionID and a zero Time. Seq starts
// at 1 for each session.
func (j *Journal) Append(e Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Entry{}, ErrClosed
	}

	n, err := j.seq.Next()
	if err != nil {
		return Entry{}, fmt.Errorf("journal next seq: %w", err)
	}
	// badger sequences start at 0
	n++
	e.Seq = n
	e.SessionID = j.session
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("journal encode: %w", err)
	}
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(j.key(n), data)
	}); err != nil {
		return Entry{}, fmt.Errorf("journal append: %w", err)
	}
	return e, nil
}

// Entries returns the session's entries in append order.
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}

	var out []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := j.prefix()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal scan: %w", err)
	}
	return out, nil
}

// DumpJSON writes the session's entries to w as an indented JSON array.
func (j *Journal) DumpJSON(w io.Writer) error {
	entries, err := j.Entries()
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// Close releases the sequence and closes BadgerDB. Safe to call twice.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return errors.Join(j.seq.Release(), j.db.Close())
}
