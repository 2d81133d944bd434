// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets holds boot passwords and credentials in locked memory.
//
// Values are sealed in a memguard Enclave as soon as they are read from
// configuration. They are only decrypted while a connection URL is being
// rendered, and never appear in logs: Secret implements fmt.Stringer and
// slog.LogValuer with a redacted form.
package secrets

import (
	"errors"
	"log/slog"

	"github.com/awnumar/memguard"
)

// Redacted is printed in place of a secret value.
const Redacted = "[REDACTED]"

// ErrEmptySecret is returned when revealing a nil or empty secret.
var ErrEmptySecret = errors.New("secret is empty")

// Secret is an encrypted, in-memory secret value.
//
// A nil *Secret is valid and represents "not configured". All methods are
// safe on a nil receiver.
//
// # Thread Safety
//
// Safe for concurrent use. Each Reveal opens its own LockedBuffer.
type Secret struct {
	enclave *memguard.Enclave
}

// New seals value into a new Secret.
//
// # Description
//
// Copies value into a LockedBuffer and seals it into an Enclave. The
// intermediate buffer is wiped by memguard. Returns nil for an empty value
// so optional settings can be passed through without special casing.
//
// # Inputs
//
//   - value: plaintext secret, e.g. a database boot password
//
// # Outputs
//
//   - *Secret: sealed secret, or nil when value is empty
//
// # Examples
//
//	pw := secrets.New(cfg.Encryption.BootPassword)
//	url = url.WithSecret(dbconn.AttrBootPassword, pw)
func New(value string) *Secret {
	if value == "" {
		return nil
	}
	buf := []byte(value)
	enclave := memguard.NewEnclave(buf)
	if enclave == nil {
		return nil
	}
	return &Secret{enclave: enclave}
}

// Reveal decrypts the secret and returns a plaintext copy.
//
// The copy lives in ordinary Go memory; callers should keep it only for the
// duration of the operation that needs it.
func (s *Secret) Reveal() (string, error) {
	if s == nil || s.enclave == nil {
		return "", ErrEmptySecret
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// IsSet reports whether the secret holds a value.
func (s *Secret) IsSet() bool {
	return s != nil && s.enclave != nil
}

// String returns a redacted representation.
func (s *Secret) String() string {
	if !s.IsSet() {
		return ""
	}
	return Redacted
}

// LogValue keeps the secret out of structured logs.
func (s *Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// Purge wipes every memguard-managed buffer. Call once on process exit,
// after teardown. No signal handler is installed here; the caller owns
// interrupt handling.
func Purge() {
	memguard.Purge()
}
