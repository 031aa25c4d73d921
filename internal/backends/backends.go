// Package backends defines the contract every statement storage adapter
// implements, the canonical query model translated into each engine's native
// form, and the error taxonomy shared by all of them.
package backends

import (
	"context"

	"github.com/inokufu/ralph/internal/xapi"
)

// OperationType selects the write semantics of Adapter.Write.
type OperationType string

const (
	OpIndex  OperationType = "index"  // insert, overwriting any record under the same native id
	OpCreate OperationType = "create" // insert, failing on an existing native id
	OpUpdate OperationType = "update" // replace an existing record by native id
	OpDelete OperationType = "delete" // remove by native id
	OpAppend OperationType = "append" // unsupported by every statement backend
)

// Status is the reachability of a backend as reported by a health probe.
type Status string

const (
	StatusOK          Status = "ok"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
)

// StoredRecord is a statement as persisted by a backend: the document itself,
// the voided marker maintained by the store, and the engine's native record
// identifier (empty for engines without one).
type StoredRecord struct {
	Statement xapi.Statement
	Voided    bool
	NativeID  string
}

// QueryResult is one page of statements plus the opaque cursor state needed
// to fetch the next page.
type QueryResult struct {
	Records     []StoredRecord
	PitID       string
	SearchAfter string
}

// Adapter is the uniform surface over the supported storage engines. All
// implementations are safe for concurrent use.
type Adapter interface {
	// Name identifies the adapter ("es", "sqlite", "cozy", "fs").
	Name() string

	// Status probes the engine. It reports instead of failing.
	Status(ctx context.Context) Status

	// List enumerates the containers (indices, tables, doctypes, files)
	// under the given target. With details, entries carry engine metadata.
	List(ctx context.Context, target string, details bool) ([]string, error)

	// Write applies op to records in chunks of chunkSize and returns the
	// number of records written. Zero records is a no-op returning (0, nil).
	// OpAppend is rejected with ErrBackendParameter by every adapter.
	Write(ctx context.Context, records []StoredRecord, target string, op OperationType, chunkSize int) (int, error)

	// QueryStatements returns one page matching the canonical query, ordered
	// by (timestamp, tiebreak) in the query's direction, plus cursor state.
	QueryStatements(ctx context.Context, q Query, target string) (QueryResult, error)

	// QueryStatementsByIDs fetches records by statement id. Voided records
	// are included when includeExtra is set, so callers can tell "absent"
	// from "voided".
	QueryStatementsByIDs(ctx context.Context, ids []string, target string, includeExtra bool) ([]StoredRecord, error)

	// Close releases the engine handle. Safe to call more than once.
	Close() error
}
