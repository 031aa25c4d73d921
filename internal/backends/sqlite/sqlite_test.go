package sqlite

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/xapi"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return New(db, "statements", zap.NewNop())
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

func TestOrderingAndTiebreak(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	// s2 and s3 share a timestamp; seq breaks the tie in both directions.
	seed(t, b,
		stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"),
		stmt("s2", "mailto:a@x.org", "v", "a", "2026-01-02T00:00:00Z"),
		stmt("s3", "mailto:a@x.org", "v", "a", "2026-01-02T00:00:00Z"),
	)

	desc, err := b.QueryStatements(ctx, backends.Query{}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3", "s2", "s1"}, ids(desc.Records))

	asc, err := b.QueryStatements(ctx, backends.Query{Ascending: true}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids(asc.Records))
}

func TestCursorRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	seed(t, b,
		stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"),
		stmt("s2", "mailto:a@x.org", "v", "a", "2026-01-02T00:00:00Z"),
		stmt("s3", "mailto:a@x.org", "v", "a", "2026-01-03T00:00:00Z"),
	)

	first, err := b.QueryStatements(ctx, backends.Query{Limit: 2, Ascending: true}, "")
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2"}, ids(first.Records))
	require.NotEmpty(t, first.SearchAfter)

	second, err := b.QueryStatements(ctx, backends.Query{Limit: 2, Ascending: true, SearchAfter: first.SearchAfter}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, ids(second.Records))
	assert.Empty(t, second.SearchAfter, "short page means no further cursor")
}

func TestInvalidCursor(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.QueryStatements(context.Background(), backends.Query{SearchAfter: "not-a-seq"}, "")
	assert.ErrorIs(t, err, backends.ErrBackendParameter)
}

func TestFilters(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
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
	acct := stmt("s5", "mailto:e@x.org", "v1", "act5", "2026-01-05T00:00:00Z")
	acct["actor"] = map[string]any{"account": map[string]any{"name": "ada", "homePage": "https://idp.example.com"}}
	seed(t, b,
		stmt("s1", "mailto:a@x.org", "v1", "act1", "2026-01-01T00:00:00Z"),
		stmt("s2", "mailto:b@x.org", "v2", "act2", "2026-01-02T00:00:00Z"),
		sub,
		reg,
		acct,
	)

	cases := []struct {
		name  string
		query backends.Query
		want  []string
	}{
		{"verb", backends.Query{Verb: "v2", Ascending: true}, []string{"s2"}},
		{"agent mbox", backends.Query{Agent: backends.AgentParams{Mbox: "mailto:a@x.org"}, Ascending: true}, []string{"s1"}},
		{"agent account", backends.Query{Agent: backends.AgentParams{AccountName: "ada", AccountHomePage: "https://idp.example.com"}, Ascending: true}, []string{"s5"}},
		{"related agent", backends.Query{Agent: backends.AgentParams{Mbox: "mailto:deep@x.org"}, RelatedAgents: true, Ascending: true}, []string{"s3"}},
		{"activity", backends.Query{Activity: "act2", Ascending: true}, []string{"s2"}},
		{"related activity array", backends.Query{Activity: "parent-activity", RelatedActivities: true, Ascending: true}, []string{"s4"}},
		{"related activity substatement", backends.Query{Activity: "deep-activity", RelatedActivities: true, Ascending: true}, []string{"s3"}},
		{"registration", backends.Query{Registration: "reg-1", Ascending: true}, []string{"s4"}},
		{"since exclusive", backends.Query{Since: "2026-01-04T00:00:00Z", Ascending: true}, []string{"s5"}},
		{"until inclusive", backends.Query{Until: "2026-01-02T00:00:00Z", Ascending: true}, []string{"s1", "s2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := b.QueryStatements(ctx, tc.query, "")
			require.NoError(t, err)
			assert.Equal(t, tc.want, ids(res.Records))
		})
	}
}

func TestVoidingUpdateByNativeID(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"))

	recs, err := b.QueryStatementsByIDs(ctx, []string{"s1"}, "", true)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.NotEmpty(t, recs[0].NativeID)

	recs[0].Voided = true
	n, err := b.Write(ctx, recs, "", backends.OpUpdate, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := b.QueryStatements(ctx, backends.Query{}, "")
	require.NoError(t, err)
	assert.Empty(t, res.Records, "voided records drop out of listings")

	res, err = b.QueryStatements(ctx, backends.Query{VoidedStatementID: "s1"}, "")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.True(t, res.Records[0].Voided)
}

func TestUpdateUnknownIDFails(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Write(context.Background(),
		[]backends.StoredRecord{{Statement: stmt("ghost", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z")}},
		"", backends.OpUpdate, 0)
	assert.ErrorIs(t, err, backends.ErrBackendParameter)
}

func TestAppendUnsupported(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.Write(context.Background(),
		[]backends.StoredRecord{{Statement: stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z")}},
		"", backends.OpAppend, 0)
	assert.ErrorIs(t, err, backends.ErrBackendParameter)
}

func TestQueryStatementsByIDsHidesNativeIDWithoutExtra(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	seed(t, b, stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z"))

	recs, err := b.QueryStatementsByIDs(ctx, []string{"s1"}, "", false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].NativeID)
}

func TestTargetTables(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	_, err := b.Write(ctx, []backends.StoredRecord{{Statement: stmt("s1", "mailto:a@x.org", "v", "a", "2026-01-01T00:00:00Z")}}, "tenant_a", backends.OpIndex, 0)
	require.NoError(t, err)

	res, err := b.QueryStatements(ctx, backends.Query{}, "tenant_b")
	require.NoError(t, err)
	assert.Empty(t, res.Records)

	tables, err := b.List(ctx, "", false)
	require.NoError(t, err)
	assert.Contains(t, tables, "tenant_a")
}

func TestInvalidTarget(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.QueryStatements(context.Background(), backends.Query{}, "no;drop")
	assert.ErrorIs(t, err, backends.ErrBackendParameter)
}

func TestStatus(t *testing.T) {
	b := newTestBackend(t)
	assert.Equal(t, backends.StatusOK, b.Status(context.Background()))
}

func TestChunkedWriteCount(t *testing.T) {
	b := newTestBackend(t)
	var records []backends.StoredRecord
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		records = append(records, backends.StoredRecord{Statement: stmt(id, "mailto:a@x.org", "v", "act", "2026-01-01T00:00:00Z")})
	}
	n, err := b.Write(context.Background(), records, "", backends.OpIndex, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
