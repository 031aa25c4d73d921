package forward

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/config"
	"github.com/inokufu/ralph/internal/xapi"
)

func TestNotifyDeliversToEveryTarget(t *testing.T) {
	var mu sync.Mutex
	received := map[string][]xapi.Statement{}
	newTarget := func(name string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			require.True(t, ok)
			assert.Equal(t, "fwd", username)
			assert.Equal(t, "pass", password)
			var statements []xapi.Statement
			require.NoError(t, json.NewDecoder(r.Body).Decode(&statements))
			mu.Lock()
			received[name] = statements
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	a := newTarget("a")
	b := newTarget("b")

	f := New([]config.ForwardTarget{
		{URL: a.URL, Username: "fwd", Password: "pass"},
		{URL: b.URL, Username: "fwd", Password: "pass"},
	}, zap.NewNop())
	f.Notify([]xapi.Statement{{"id": "s1"}, {"id": "s2"}})
	f.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	for _, statements := range received {
		require.Len(t, statements, 2)
		assert.Equal(t, "s1", statements[0].ID())
	}
}

func TestNotifyFailureDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	f := New([]config.ForwardTarget{
		{URL: srv.URL, MaxRetries: 1, Timeout: time.Second},
	}, zap.NewNop())
	f.Notify([]xapi.Statement{{"id": "s1"}})
	f.Close()
}

func TestNotifyWithoutTargetsIsNoop(t *testing.T) {
	f := New(nil, zap.NewNop())
	f.Notify([]xapi.Statement{{"id": "s1"}})
	f.Close()
}
