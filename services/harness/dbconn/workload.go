// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dbconn

import "fmt"

// The fixed insert/verify workload. Rows are keyed 0..N-1 so that after N
// committed inserts count == N and max(key) == N-1.
const (
	WorkloadTable = "REPL_LOAD"

	StmtCreateTable = "CREATE TABLE " + WorkloadTable + " (K INTEGER PRIMARY KEY, V VARCHAR(64))"
	StmtInsert      = "INSERT INTO " + WorkloadTable + " (K, V) VALUES (?, ?)"
	QueryCount      = "SELECT COUNT(*) FROM " + WorkloadTable
	QueryMaxKey     = "SELECT MAX(K) FROM " + WorkloadTable
	StmtFreeze      = "CALL SYSCS_UTIL.SYSCS_FREEZE_DATABASE()"
	StmtUnfreeze    = "CALL SYSCS_UTIL.SYSCS_UNFREEZE_DATABASE()"
)

// StmtCreateIndex creates a named index on the workload key column.
func StmtCreateIndex(name string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s (K)", name, WorkloadTable)
}

// StmtDropIndex drops a named index.
func StmtDropIndex(name string) string {
	return "DROP INDEX " + name
}

// RowValue is the payload stored for key k.
func RowValue(k int64) string {
	return fmt.Sprintf("row-%d", k)
}
