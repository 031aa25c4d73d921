package fs

import (
	"context"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/xapi"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/lrs", 0o755))
	return New(fsys, "/lrs", "statements.jsonl", zap.NewNop())
}

func stmt(id, actor, verb, object, timestamp string) xapi.Statement {
	return xapi.Statement{
		"id":        id,
		"actor":     map[string]any{"mbox": actor},
		"verb":      map[string]any{"id": verb},
		"object":    map[string]any{"id": object, "objectType": "Activity"},
		"timestamp": timestamp,
	}
}

func seed(t *testing.T, b *Backend, statements ...xapi.Statement) {
	t.Helper()
	records := make([]backends.StoredRecord, len(statements))
	for i, s := range statements {
		records[i] = backends.StoredRecord{Statement: s}
	}
	n, err := b.Write(context.Background(), records, "", backends.OpIndex, 0)
	require.NoError(t, err)
	require.Equal(t, len(statements), n)
}

func ids(records []backends.StoredRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Statement.ID()
	}
	return out
}

func TestWriteAndQueryAll(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b,
		stmt("s1", "mailto:a@x.org", "v1", "act1", "2026-01-01T00:00:00Z"),
		stmt("s2", "mailto:b@x.org", "v2", "act2", "2026-01-02T00:00:00Z"),
	)
	res, err := b.QueryStatements(context.Background(), backends.Query{}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids(res.Records))
	assert.Empty(t, res.SearchAfter, "no cursor on an unfilled page")
}

func TestWriteZeroRecordsIsNoop(t *testing.T) {
	b := newTestBackend(t)
	n, err := b.Write(context.Background(), nil, "", backends.OpIndex, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteAppendUnsupported(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Write(context.Background(), []backends.StoredRecord{{Statement: stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z")}}, "", backends.OpAppend, 0)
	assert.ErrorIs(t, err, backends.ErrBackendParameter)
}

func TestQueryFilters(t *testing.T) {
	b := newTestBackend(t)
	sub := stmt("s3", "mailto:c@x.org", "v1", "act3", "2026-01-03T00:00:00Z")
	sub["object"] = map[string]any{
		"objectType": "SubStatement",
		"actor":      map[string]any{"mbox": "mailto:deep@x.org"},
		"verb":       map[string]any{"id": "v9"},
		"object":     map[string]any{"id": "deep-activity"},
	}
	reg := stmt("s4", "mailto:d@x.org", "v1", "act4", "2026-01-04T00:00:00Z")
	reg["context"] = map[string]any{
		"registration": "reg-1",
		"contextActivities": map[string]any{
			"parent": []any{map[string]any{"id": "parent-activity"}},
		},
	}
	seed(t, b,
		stmt("s1", "mailto:a@x.org", "v1", "act1", "2026-01-01T00:00:00Z"),
		stmt("s2", "mailto:b@x.org", "v2", "act2", "2026-01-02T00:00:00Z"),
		sub,
		reg,
	)
	ctx := context.Background()

	cases := []struct {
		name  string
		query backends.Query
		want  []string
	}{
		{"verb", backends.Query{Verb: "v2"}, []string{"s2"}},
		{"agent", backends.Query{Agent: backends.AgentParams{Mbox: "mailto:a@x.org"}}, []string{"s1"}},
		{"agent miss", backends.Query{Agent: backends.AgentParams{Mbox: "mailto:deep@x.org"}}, nil},
		{"related agent in substatement", backends.Query{Agent: backends.AgentParams{Mbox: "mailto:deep@x.org"}, RelatedAgents: true}, []string{"s3"}},
		{"activity", backends.Query{Activity: "act2"}, []string{"s2"}},
		{"related activity context", backends.Query{Activity: "parent-activity", RelatedActivities: true}, []string{"s4"}},
		{"related activity substatement", backends.Query{Activity: "deep-activity", RelatedActivities: true}, []string{"s3"}},
		{"registration", backends.Query{Registration: "reg-1"}, []string{"s4"}},
		{"since exclusive", backends.Query{Since: "2026-01-02T00:00:00Z"}, []string{"s3", "s4"}},
		{"until inclusive", backends.Query{Until: "2026-01-02T00:00:00Z"}, []string{"s1", "s2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := b.QueryStatements(ctx, tc.query, "")
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(res.Records))
		})
	}
}

func TestQueryCursorRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b,
		stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"),
		stmt("s2", "mailto:a@x.org", "v", "a", "2026-01-02T00:00:00Z"),
		stmt("s3", "mailto:a@x.org", "v", "a", "2026-01-03T00:00:00Z"),
	)
	ctx := context.Background()

	first, err := b.QueryStatements(ctx, backends.Query{Limit: 2}, "")
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2"}, ids(first.Records))
	require.Equal(t, "s2", first.SearchAfter)

	second, err := b.QueryStatements(ctx, backends.Query{Limit: 2, SearchAfter: first.SearchAfter}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, ids(second.Records))
	assert.Empty(t, second.SearchAfter)
}

func TestQueryAscendingReversesPage(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b,
		stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"),
		stmt("s2", "mailto:a@x.org", "v", "a", "2026-01-02T00:00:00Z"),
	)
	res, err := b.QueryStatements(context.Background(), backends.Query{Ascending: true}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s1"}, ids(res.Records))
}

func TestVoidedFiltering(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	seed(t, b,
		stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"),
		stmt("s2", "mailto:a@x.org", "v", "a", "2026-01-02T00:00:00Z"),
	)

	// Mark s1 voided through an update, the way the statement store does.
	voided := backends.StoredRecord{Statement: stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"), Voided: true}
	n, err := b.Write(ctx, []backends.StoredRecord{voided}, "", backends.OpUpdate, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := b.QueryStatements(ctx, backends.Query{}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids(res.Records), "listing excludes voided records")

	res, err = b.QueryStatements(ctx, backends.Query{StatementID: "s1"}, "")
	require.NoError(t, err)
	assert.Empty(t, res.Records)

	res, err = b.QueryStatements(ctx, backends.Query{VoidedStatementID: "s1"}, "")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.True(t, res.Records[0].Voided)
}

func TestUpdateUnknownIDFails(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b, stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"))
	_, err := b.Write(context.Background(), []backends.StoredRecord{{Statement: stmt("nope", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z")}}, "", backends.OpUpdate, 0)
	assert.ErrorIs(t, err, backends.ErrBackendParameter)
}

func TestDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	seed(t, b,
		stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"),
		stmt("s2", "mailto:a@x.org", "v", "a", "2026-01-02T00:00:00Z"),
	)
	n, err := b.Write(ctx, []backends.StoredRecord{{Statement: xapi.Statement{"id": "s1"}}}, "", backends.OpDelete, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := b.QueryStatements(ctx, backends.Query{}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids(res.Records))
}

func TestQueryStatementsByIDs(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	seed(t, b,
		stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"),
		stmt("s2", "mailto:a@x.org", "v", "a", "2026-01-02T00:00:00Z"),
		stmt("s3", "mailto:a@x.org", "v", "a", "2026-01-03T00:00:00Z"),
	)
	got, err := b.QueryStatementsByIDs(ctx, []string{"s1", "s3"}, "", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s3"}, ids(got))
}

func TestTargetsAreIsolated(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	_, err := b.Write(ctx, []backends.StoredRecord{{Statement: stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z")}}, "tenant-a", backends.OpIndex, 0)
	require.NoError(t, err)

	res, err := b.QueryStatements(ctx, backends.Query{}, "tenant-b")
	require.NoError(t, err)
	assert.Empty(t, res.Records)

	res, err = b.QueryStatements(ctx, backends.Query{}, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids(res.Records))
}

func TestList(t *testing.T) {
	b := newTestBackend(t)
	seed(t, b, stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"))
	entries, err := b.List(context.Background(), "", false)
	require.NoError(t, err)
	assert.Contains(t, entries, "statements.jsonl")
}

func TestStatus(t *testing.T) {
	b := newTestBackend(t)
	assert.Equal(t, backends.StatusOK, b.Status(context.Background()))

	missing := New(afero.NewMemMapFs(), "/nope", "statements.jsonl", zap.NewNop())
	assert.Equal(t, backends.StatusUnreachable, missing.Status(context.Background()))
}

func TestChunkedWrite(t *testing.T) {
	b := newTestBackend(t)
	var records []backends.StoredRecord
	for i := 0; i < 25; i++ {
		records = append(records, backends.StoredRecord{Statement: stmt(
			fmt.Sprintf("s%02d", i), "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z")})
	}
	n, err := b.Write(context.Background(), records, "", backends.OpIndex, 10)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
}
