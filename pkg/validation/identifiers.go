// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks names that end up inside connection URLs and
// SQL statements.
//
// Database names and attribute values are spliced into
// "//host:port/db;key=value" URLs, and index names into DDL. A stray ';'
// or '=' would add an attribute the harness never asked for, so these
// inputs are checked before they are rendered.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// databasePattern matches database names: a letter, digit or underscore
// followed by up to 127 of those, dots or hyphens.
var databasePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]{0,127}$`)

// identifierPattern matches unquoted SQL identifiers.
var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,127}$`)

// ValidateDatabaseName validates the database part of a connection URL.
//
// Example:
//
//	if err := validation.ValidateDatabaseName(spec.Database); err != nil {
//	    return nil, fmt.Errorf("invalid session: %w", err)
//	}
func ValidateDatabaseName(name string) error {
	if name == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if !databasePattern.MatchString(name) {
		return fmt.Errorf("invalid database name: %q (letters, digits, '_', '.', '-', at most 128 chars)", name)
	}
	return nil
}

// ValidateIdentifier validates an unquoted SQL identifier such as an index
// name.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier: %q (a letter, then letters, digits or '_')", name)
	}
	return nil
}

// ValidateAttributeValue validates a plain URL attribute value. The value
// itself is not echoed in the error since it may be a user name.
func ValidateAttributeValue(key, value string) error {
	if strings.ContainsAny(value, ";=") {
		return fmt.Errorf("attribute %s: value contains ';' or '='", key)
	}
	if strings.IndexFunc(value, unicode.IsControl) >= 0 {
		return fmt.Errorf("attribute %s: value contains control characters", key)
	}
	return nil
}
