// Package lrs implements the statement store: enrichment, idempotent
// ingestion, voiding chains and the read path, on top of any backend adapter.
package lrs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/xapi"
)

// Identity is the authenticated caller: the agent asserted as authority on
// statements it writes, its scopes, and the backend namespace it owns.
type Identity struct {
	Agent  map[string]any
	Scopes []string
	Target string
}

// Scopes an identity can carry. An identity with no scopes at all is
// unrestricted; a scoped identity gets exactly what its scopes grant.
const (
	ScopeAll      = "all"
	ScopeAllRead  = "all/read"
	ScopeRead     = "statements/read"
	ScopeReadMine = "statements/read/mine"
	ScopeWrite    = "statements/write"
)

func (i Identity) hasScope(names ...string) bool {
	for _, scope := range i.Scopes {
		for _, name := range names {
			if scope == name {
				return true
			}
		}
	}
	return false
}

// CanReadAll reports whether reads may span every authority.
func (i Identity) CanReadAll() bool {
	return len(i.Scopes) == 0 || i.hasScope(ScopeAll, ScopeAllRead, ScopeRead)
}

// CanRead reports whether the identity may read statements at all. With only
// the mine scope, reads are forced onto the identity's own authority.
func (i Identity) CanRead() bool {
	return i.CanReadAll() || i.hasScope(ScopeReadMine)
}

// CanWrite reports whether the identity may store statements.
func (i Identity) CanWrite() bool {
	return len(i.Scopes) == 0 || i.hasScope(ScopeAll, ScopeWrite)
}

// Store orchestrates statement reads and writes against one adapter.
type Store struct {
	Adapter   backends.Adapter
	Logger    *zap.Logger
	Now       func() time.Time
	MaxLimit  int
	ChunkSize int
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// enrich fills the server-assigned fields on a copy of the statement:
// a fresh id when absent, stored always, timestamp defaulting to stored,
// authority from the identity when absent.
func (s *Store) enrich(statement xapi.Statement, identity Identity) xapi.Statement {
	enriched := statement.Clone()
	if enriched.ID() == "" {
		enriched["id"] = uuid.NewString()
	}
	enriched["stored"] = xapi.Now(s.now())
	if enriched.Timestamp() == "" {
		enriched["timestamp"] = enriched["stored"]
	}
	if _, ok := enriched["authority"]; !ok && identity.Agent != nil {
		enriched["authority"] = identity.Agent
	}
	return enriched
}

// Write ingests a batch of statements and returns the ids actually written,
// in submission order. Statements resubmitted with equivalent content are
// dropped silently; an empty result with a nil error is a pure no-op.
func (s *Store) Write(ctx context.Context, statements []xapi.Statement, identity Identity) ([]string, error) {
	if len(statements) == 0 {
		return nil, nil
	}

	enriched := make([]xapi.Statement, 0, len(statements))
	byID := make(map[string]xapi.Statement, len(statements))
	order := make([]string, 0, len(statements))
	for _, statement := range statements {
		st := s.enrich(statement, identity)
		if !st.HasRequiredFields() {
			return nil, backends.Parameterf("statement %q is missing one of the required fields id, actor, verb, object", st.ID())
		}
		if _, dup := byID[st.ID()]; dup {
			return nil, backends.Parameterf("Duplicate statement IDs in the list of statements")
		}
		byID[st.ID()] = st
		order = append(order, st.ID())
		enriched = append(enriched, st)
	}

	// Idempotence: resolve every submitted id, voided records included, and
	// deep-compare ignoring `stored`. Equivalent resubmissions are dropped,
	// diverging ones are conflicts.
	existing, err := s.Adapter.QueryStatementsByIDs(ctx, order, identity.Target, true)
	if err != nil {
		return nil, errors.Wrap(err, "query existing statements")
	}
	dropped := map[string]bool{}
	for _, rec := range existing {
		id := rec.Statement.ID()
		submitted, ok := byID[id]
		if !ok {
			continue
		}
		if !submitted.Equivalent(rec.Statement) {
			return nil, errors.Mark(
				errors.Newf("Differing statements already exist with the same ID: %s", id),
				backends.ErrConflict)
		}
		dropped[id] = true
	}

	var toWrite []xapi.Statement
	for _, st := range enriched {
		if !dropped[st.ID()] {
			toWrite = append(toWrite, st)
		}
	}
	if len(toWrite) == 0 {
		return nil, nil
	}

	voidTargets, err := s.validateVoiding(ctx, toWrite, identity.Target)
	if err != nil {
		return nil, err
	}

	written := make([]string, 0, len(toWrite))
	var plain []backends.StoredRecord
	for _, st := range toWrite {
		if st.IsVoiding() {
			continue
		}
		plain = append(plain, backends.StoredRecord{Statement: st})
	}
	if len(plain) > 0 {
		if _, err := s.Adapter.Write(ctx, plain, identity.Target, backends.OpIndex, s.ChunkSize); err != nil {
			return nil, errors.Wrap(err, "index statements")
		}
	}

	// Voiding is two writes with no transaction around them: the original
	// record flips to voided, then the voiding statement lands. A failure
	// between the two surfaces as a backend error and the whole submission
	// is safe to retry.
	for _, st := range toWrite {
		if !st.IsVoiding() {
			continue
		}
		original := voidTargets[st.VoidedTargetID()]
		original.Voided = true
		if _, err := s.Adapter.Write(ctx, []backends.StoredRecord{original}, identity.Target, backends.OpUpdate, s.ChunkSize); err != nil {
			return nil, errors.Wrap(err, "void statement")
		}
		if _, err := s.Adapter.Write(ctx, []backends.StoredRecord{{Statement: st}}, identity.Target, backends.OpIndex, s.ChunkSize); err != nil {
			return nil, errors.Wrap(err, "index voiding statement")
		}
	}

	for _, id := range order {
		if !dropped[id] {
			written = append(written, id)
		}
	}
	s.logger().Info("stored statements",
		zap.Int("submitted", len(statements)),
		zap.Int("written", len(written)),
		zap.Int("dropped", len(dropped)))
	return written, nil
}

// validateVoiding resolves every voiding statement's reference and checks the
// whole batch before a single write happens. It returns the referenced
// records keyed by id so the write step can flip them in place.
func (s *Store) validateVoiding(ctx context.Context, statements []xapi.Statement, target string) (map[string]backends.StoredRecord, error) {
	var refs []string
	for _, st := range statements {
		if st.IsVoiding() {
			refs = append(refs, st.VoidedTargetID())
		}
	}
	if len(refs) == 0 {
		return nil, nil
	}
	records, err := s.Adapter.QueryStatementsByIDs(ctx, refs, target, true)
	if err != nil {
		return nil, errors.Wrap(err, "resolve voided statements")
	}
	found := make(map[string]backends.StoredRecord, len(records))
	for _, rec := range records {
		found[rec.Statement.ID()] = rec
	}
	for _, ref := range refs {
		rec, ok := found[ref]
		switch {
		case !ok:
			return nil, backends.Parameterf(
				"StatementRef '%s' of voiding Statement references a Statement that does not exist", ref)
		case rec.Statement.IsVoiding():
			return nil, backends.Parameterf(
				"StatementRef '%s' of voiding Statement references another voiding Statement", ref)
		case rec.Voided:
			return nil, backends.Parameterf(
				"StatementRef '%s' of voiding Statement references a Statement that has already been voided", ref)
		}
	}
	return found, nil
}

// ReadResult is one page of statements plus the cursor state to fetch more.
type ReadResult struct {
	Statements  []xapi.Statement
	PitID       string
	SearchAfter string
}

// Read runs a canonical query for the identity. With mine, or when the
// identity's scopes stop at statements/read/mine, results are restricted to
// statements asserted by the identity's own agent. By-id queries that match
// nothing report not found instead of an empty page.
func (s *Store) Read(ctx context.Context, q backends.Query, identity Identity, mine bool) (ReadResult, error) {
	if q.StatementID != "" && q.VoidedStatementID != "" {
		return ReadResult{}, backends.Parameterf("Query parameters cannot include both statementId and voidedStatementId")
	}
	if s.MaxLimit > 0 && (q.Limit <= 0 || q.Limit > s.MaxLimit) {
		q.Limit = s.MaxLimit
	}
	if mine || !identity.CanReadAll() {
		q.Authority = backends.ParseAgent(identity.Agent)
	}
	res, err := s.Adapter.QueryStatements(ctx, q, identity.Target)
	if err != nil {
		return ReadResult{}, err
	}
	_, _, byID := q.TargetID()
	if byID && len(res.Records) == 0 {
		return ReadResult{}, errors.Mark(errors.New("statement not found"), backends.ErrNotFound)
	}
	statements := make([]xapi.Statement, len(res.Records))
	for i, rec := range res.Records {
		statements[i] = rec.Statement
	}
	return ReadResult{Statements: statements, PitID: res.PitID, SearchAfter: res.SearchAfter}, nil
}
