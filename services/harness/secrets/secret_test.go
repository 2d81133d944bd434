// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptyIsNil(t *testing.T) {
	s := New("")
	assert.Nil(t, s)
	assert.False(t, s.IsSet())
	assert.Equal(t, "", s.String())

	_, err := s.Reveal()
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestReveal_RoundTrip(t *testing.T) {
	s := New("fish/chips")
	require.True(t, s.IsSet())

	for i := 0; i < 2; i++ {
		got, err := s.Reveal()
		require.NoError(t, err)
		assert.Equal(t, "fish/chips", got)
	}
}

func TestReveal_Concurrent(t *testing.T) {
	s := New("boot-pw")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Reveal()
			assert.NoError(t, err)
			assert.Equal(t, "boot-pw", got)
		}()
	}
	wg.Wait()
}

func TestRedaction(t *testing.T) {
	s := New("hunter2")

	assert.Equal(t, Redacted, s.String())
	assert.Equal(t, Redacted, fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%s %v", s, s), "hunter2")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("connecting", "password", s)
	assert.Contains(t, buf.String(), Redacted)
	assert.NotContains(t, buf.String(), "hunter2")
}
