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
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/replharness/services/harness/journal"
)

// Config configures the status server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:9464".
	Addr string

	// ServiceName names the server spans.
	ServiceName string

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// EventInterval is how often the websocket feed checks the journal.
	// Defaults to 200ms.
	EventInterval time.Duration

	Logger *slog.Logger
}

// NewRouter returns the gin engine serving board.
//
// Routes:
//
//	GET /healthz
//	GET /metrics                    (when cfg.Metrics is set)
//	GET /v1/session                 current Snapshot, 404 when idle
//	GET /v1/session/journal         journal entries of the current session
//	GET /v1/session/events          websocket feed of new journal entries
//	GET /v1/results                 finished scenario outcomes
func NewRouter(board *Board, cfg Config) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "replharness"
	}
	if cfg.EventInterval <= 0 {
		cfg.EventInterval = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	v1 := router.Group("/v1")
	v1.GET("/session", func(c *gin.Context) {
		snap, ok := board.Current()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no session running"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})
	v1.GET("/session/journal", func(c *gin.Context) {
		j := board.Journal()
		if j == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no journal for the current session"})
			return
		}
		entries, err := j.Entries()
		if err != nil {
			if errors.Is(err, journal.ErrClosed) {
				c.JSON(http.StatusGone, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": j.SessionID(), "entries": entries})
	})
	v1.GET("/session/events", handleEvents(board, cfg.EventInterval, cfg.Logger))
	v1.GET("/results", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"results": board.Outcomes()})
	})
	return router
}

// Serve listens on cfg.Addr until ctx is done, then shuts down with a
// five second grace period. The returned address is the bound one, useful
// with port 0.
func Serve(ctx context.Context, board *Board, cfg Config) (string, <-chan error, error) {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{
		Handler:           NewRouter(board, cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		done <- err
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return ln.Addr().String(), done, nil
}
