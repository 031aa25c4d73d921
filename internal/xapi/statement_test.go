package xapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Statement {
	return Statement{
		"id":    "6a680f42-2b4b-4f44-a71c-46f6d9f789ab",
		"actor": map[string]any{"mbox": "mailto:ada@example.com"},
		"verb":  map[string]any{"id": "https://example.com/verbs/tested"},
		"object": map[string]any{
			"id":         "https://example.com/activities/go",
			"objectType": "Activity",
		},
		"timestamp": "2026-01-02T10:00:00Z",
		"stored":    "2026-01-02T10:00:01Z",
	}
}

func TestStatementAccessors(t *testing.T) {
	s := sample()
	assert.Equal(t, "6a680f42-2b4b-4f44-a71c-46f6d9f789ab", s.ID())
	assert.Equal(t, "https://example.com/verbs/tested", s.VerbID())
	assert.Equal(t, "https://example.com/activities/go", s.ObjectID())
	assert.Equal(t, "2026-01-02T10:00:00Z", s.Timestamp())
	assert.True(t, s.HasRequiredFields())

	delete(s, "verb")
	assert.Empty(t, s.VerbID())
	assert.False(t, s.HasRequiredFields())
}

func TestEquivalentIgnoresStored(t *testing.T) {
	a := sample()
	b := sample()
	b["stored"] = "2030-12-31T00:00:00Z"
	assert.True(t, a.Equivalent(b))

	delete(b, "stored")
	assert.True(t, a.Equivalent(b), "missing stored on one side is still equivalent")

	b["timestamp"] = "2026-01-02T10:00:01Z"
	assert.False(t, a.Equivalent(b))
}

func TestIsVoiding(t *testing.T) {
	s := sample()
	assert.False(t, s.IsVoiding())

	s["verb"] = map[string]any{"id": VoidingVerb}
	assert.False(t, s.IsVoiding(), "voiding verb without a StatementRef object")

	s["object"] = map[string]any{
		"objectType": "StatementRef",
		"id":         "11111111-1111-1111-1111-111111111111",
	}
	require.True(t, s.IsVoiding())
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", s.VoidedTargetID())
}

func TestCloneIsDeep(t *testing.T) {
	a := sample()
	b := a.Clone()
	b["actor"].(map[string]any)["mbox"] = "mailto:eve@example.com"
	assert.Equal(t, "mailto:ada@example.com", a["actor"].(map[string]any)["mbox"])
}

func TestParseTime(t *testing.T) {
	ts, ok := ParseTime("2026-01-02T10:00:00.123456Z")
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	_, ok = ParseTime("not-a-time")
	assert.False(t, ok)

	_, ok = ParseTime("")
	assert.False(t, ok)
}

func TestNow(t *testing.T) {
	ts := time.Date(2026, 1, 2, 10, 0, 0, 500000000, time.FixedZone("CET", 3600))
	assert.Equal(t, "2026-01-02T09:00:00.5Z", Now(ts))
}
