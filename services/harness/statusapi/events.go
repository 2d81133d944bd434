// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statusapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/replharness/services/harness/journal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// The server binds to an operator-chosen address; any origin may watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Event is one websocket message.
type Event struct {
	Type    string         `json:"type"`
	Session string         `json:"session_id,omitempty"`
	Entry   *journal.Entry `json:"entry,omitempty"`
}

// Event types.
const (
	EventSession    = "session"
	EventTransition = "transition"
)

// handleEvents streams journal entries of the current session. A session
// message precedes the entries of each newly attached session. The feed
// ends when the client disconnects.
func handleEvents(board *Board, interval time.Duration, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		// Reads only detect the close frame.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := ws.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var (
			current *journal.Journal
			lastSeq uint64
		)
		for {
			if j := board.Journal(); j != nil {
				if j != current {
					current, lastSeq = j, 0
					if err := ws.WriteJSON(Event{Type: EventSession, Session: j.SessionID()}); err != nil {
						return
					}
				}
				entries, err := current.Entries()
				if err == nil {
					for i := range entries {
						if entries[i].Seq <= lastSeq {
							continue
						}
						if err := ws.WriteJSON(Event{Type: EventTransition, Session: current.SessionID(), Entry: &entries[i]}); err != nil {
							return
						}
						lastSeq = entries[i].Seq
					}
				}
			}

			select {
			case <-closed:
				return
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}
