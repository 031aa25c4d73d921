package es

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/xapi"
)

func TestBuildSearchDefaults(t *testing.T) {
	body, err := buildSearch(backends.Query{Limit: 10})
	require.NoError(t, err)

	boolQuery := body["query"].(map[string]any)["bool"].(map[string]any)
	filters := boolQuery["filter"].([]map[string]any)
	require.Len(t, filters, 1)
	assert.Equal(t, term("metadata.voided", false), filters[0], "listings exclude voided records")
	assert.Equal(t, 10, body["size"])

	sort := body["sort"].([]any)
	require.Len(t, sort, 2)
	assert.Equal(t, map[string]any{"statement.timestamp": map[string]any{"order": "desc"}}, sort[0])
}

func TestBuildSearchByID(t *testing.T) {
	body, err := buildSearch(backends.Query{VoidedStatementID: "s1"})
	require.NoError(t, err)
	filters := body["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]map[string]any)
	assert.Contains(t, filters, term("_id", "s1"))
	assert.Contains(t, filters, term("metadata.voided", true))
}

func TestBuildSearchFilters(t *testing.T) {
	body, err := buildSearch(backends.Query{
		Agent:        backends.AgentParams{Mbox: "mailto:a@x.org"},
		Verb:         "v1",
		Activity:     "act1",
		Registration: "reg-1",
		Since:        "2026-01-01T00:00:00Z",
		Until:        "2026-02-01T00:00:00Z",
		Ascending:    true,
	})
	require.NoError(t, err)
	filters := body["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]map[string]any)
	assert.Contains(t, filters, term("statement.actor.mbox.keyword", "mailto:a@x.org"))
	assert.Contains(t, filters, term("statement.verb.id.keyword", "v1"))
	assert.Contains(t, filters, term("statement.object.id.keyword", "act1"))
	assert.Contains(t, filters, term("statement.context.registration.keyword", "reg-1"))
	assert.Contains(t, filters, map[string]any{
		"range": map[string]any{"statement.timestamp": map[string]any{"gt": "2026-01-01T00:00:00Z"}},
	})
	assert.Contains(t, filters, map[string]any{
		"range": map[string]any{"statement.timestamp": map[string]any{"lte": "2026-02-01T00:00:00Z"}},
	})
	sort := body["sort"].([]any)
	assert.Equal(t, map[string]any{"statement.timestamp": map[string]any{"order": "asc"}}, sort[0])
}

func TestBuildSearchCursorTuple(t *testing.T) {
	body, err := buildSearch(backends.Query{SearchAfter: "2026-01-01T00:00:00Z|42"})
	require.NoError(t, err)
	assert.Equal(t, []any{"2026-01-01T00:00:00Z", "42"}, body["search_after"])
}

func TestBuildSearchRelatedWidening(t *testing.T) {
	body, err := buildSearch(backends.Query{
		Agent:         backends.AgentParams{Mbox: "mailto:a@x.org"},
		RelatedAgents: true,
	})
	require.NoError(t, err)
	filters := body["query"].(map[string]any)["bool"].(map[string]any)["filter"].([]map[string]any)
	var shouldCount int
	for _, f := range filters {
		if b, ok := f["bool"].(map[string]any); ok {
			should := b["should"].([]map[string]any)
			shouldCount = len(should)
			assert.Contains(t, should, term("statement.object.actor.mbox.keyword", "mailto:a@x.org"))
		}
	}
	assert.Equal(t, 9, shouldCount, "one clause per agent position")
}

// fakeES fakes the bulk, search, PIT and health endpoints. The product
// header is required by the v8 client.
func fakeES(t *testing.T, handler http.HandlerFunc) *elasticsearch.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return client
}

func TestQueryStatementsOpensPITAndPagesWithSearchAfter(t *testing.T) {
	var searchBody map[string]any
	client := fakeES(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/statements/_pit":
			json.NewEncoder(w).Encode(map[string]any{"id": "pit-1"})
		case r.Method == http.MethodPost && r.URL.Path == "/_search":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&searchBody))
			json.NewEncoder(w).Encode(map[string]any{
				"pit_id": "pit-2",
				"hits": map[string]any{"hits": []any{
					map[string]any{
						"_id":     "s1",
						"_source": map[string]any{"statement": map[string]any{"id": "s1", "timestamp": "2026-01-01T00:00:00Z"}},
						"sort":    []any{"2026-01-01T00:00:00Z", float64(7)},
					},
				}},
			})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})
	b := New(client, "statements", "1m", false, zap.NewNop())

	res, err := b.QueryStatements(context.Background(), backends.Query{Limit: 1}, "")
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "s1", res.Records[0].Statement.ID())
	assert.Equal(t, "pit-2", res.PitID, "refreshed pit id is handed back")
	assert.Equal(t, "2026-01-01T00:00:00Z|7", res.SearchAfter)

	pit, ok := searchBody["pit"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pit-1", pit["id"])
}

func TestQueryStatementsReusesPIT(t *testing.T) {
	client := fakeES(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_search", r.URL.Path, "no pit open when the query carries one")
		json.NewEncoder(w).Encode(map[string]any{"hits": map[string]any{"hits": []any{}}})
	})
	b := New(client, "statements", "1m", false, zap.NewNop())

	res, err := b.QueryStatements(context.Background(), backends.Query{PitID: "pit-1", Limit: 5}, "")
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Empty(t, res.SearchAfter)
	assert.Equal(t, "pit-1", res.PitID)
}

func TestWriteBulk(t *testing.T) {
	var lines []map[string]any
	client := fakeES(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_bulk", r.URL.Path)
		dec := json.NewDecoder(r.Body)
		for {
			var line map[string]any
			if err := dec.Decode(&line); err != nil {
				break
			}
			lines = append(lines, line)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"errors": false,
			"items": []any{
				map[string]any{"index": map[string]any{"_id": "s1", "status": 201}},
				map[string]any{"index": map[string]any{"_id": "s2", "status": 201}},
			},
		})
	})
	b := New(client, "statements", "1m", false, zap.NewNop())

	n, err := b.Write(context.Background(), []backends.StoredRecord{
		{Statement: xapi.Statement{"id": "s1"}},
		{Statement: xapi.Statement{"id": "s2"}},
	}, "", backends.OpIndex, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, lines, 4, "action and document line per record")
	action := lines[0]["index"].(map[string]any)
	assert.Equal(t, "s1", action["_id"], "statement id is the document id")
}

func TestWriteBulkItemError(t *testing.T) {
	client := fakeES(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"errors": true,
			"items": []any{
				map[string]any{"update": map[string]any{
					"_id": "s1", "status": 404,
					"error": map[string]any{"type": "document_missing_exception", "reason": "not found"},
				}},
			},
		})
	})
	b := New(client, "statements", "1m", false, zap.NewNop())

	_, err := b.Write(context.Background(), []backends.StoredRecord{
		{Statement: xapi.Statement{"id": "s1"}, Voided: true},
	}, "", backends.OpUpdate, 0)
	assert.ErrorIs(t, err, backends.ErrBackend)
}

func TestWriteAppendUnsupported(t *testing.T) {
	b := New(nil, "statements", "1m", false, zap.NewNop())
	_, err := b.Write(context.Background(), []backends.StoredRecord{
		{Statement: xapi.Statement{"id": "s1"}},
	}, "", backends.OpAppend, 0)
	assert.ErrorIs(t, err, backends.ErrBackendParameter)
}

func TestQueryStatementsByIDs(t *testing.T) {
	client := fakeES(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/statements/_search", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"hits": map[string]any{"hits": []any{
				map[string]any{
					"_id": "s1",
					"_source": map[string]any{
						"statement": map[string]any{"id": "s1"},
						"metadata":  map[string]any{"voided": true},
					},
				},
			}},
		})
	})
	b := New(client, "statements", "1m", false, zap.NewNop())

	recs, err := b.QueryStatementsByIDs(context.Background(), []string{"s1"}, "", true)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Voided)
	assert.Equal(t, "s1", recs[0].NativeID)
}

func TestStatus(t *testing.T) {
	client := fakeES(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "yellow"})
	})
	b := New(client, "statements", "1m", false, zap.NewNop())
	assert.Equal(t, backends.StatusOK, b.Status(context.Background()))
}
