// Package server exposes the statements API over HTTP: xAPI statement
// ingestion and retrieval, plus the about resource.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/lrs"
	"github.com/inokufu/ralph/internal/xapi"
)

const xapiVersion = "1.0.3"

// Config for the HTTP API handler.
type Config struct {
	Store    *lrs.Store
	Auth     *Authenticator
	BasePath string
	Backend  string
	Version  string
	Notify   func(statements []xapi.Statement)
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"statement body required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type requestKey struct{}

// New returns an HTTP handler exposing the statements API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/xAPI"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors answer 400.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(headAsGet)
	if cfg.Auth != nil {
		router.Use(newAuthMiddleware(basePath, cfg.Auth))
	}

	version := cfg.Version
	if version == "" {
		version = "0.1.0"
	}
	hcfg := huma.DefaultConfig("Ralph LRS", version)
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := &statementsAPI{store: cfg.Store, notify: cfg.Notify, logger: cfg.Logger}
	registerAbout(group, cfg.Backend)
	s.register(group)

	return router, nil
}

type headWriter struct{ http.ResponseWriter }

func (w headWriter) Write(b []byte) (int, error) { return len(b), nil }

// headAsGet serves HEAD requests as GET with the body dropped.
func headAsGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			clone := r.Clone(r.Context())
			clone.Method = http.MethodGet
			next.ServeHTTP(headWriter{w}, clone)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func errForbiddenWrite() huma.StatusError {
	return newAPIError(http.StatusForbidden, "forbidden",
		"access denied: missing statements/write scope", nil)
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, backends.ErrBackendParameter):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, backends.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, backends.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func registerAbout(api huma.API, backend string) {
	type aboutBody struct {
		Version    []string       `json:"version"`
		Extensions map[string]any `json:"extensions,omitempty" jsonschema:"type=object,additionalProperties=true"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "about",
		Method:      http.MethodGet,
		Path:        "/about",
		Summary:     "LRS capabilities",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body aboutBody `json:"body"`
	}, error) {
		body := aboutBody{Version: []string{xapiVersion}}
		if backend != "" {
			body.Extensions = map[string]any{"backend": backend}
		}
		return &struct {
			Body aboutBody `json:"body"`
		}{Body: body}, nil
	})
}

type statementsAPI struct {
	store  *lrs.Store
	notify func(statements []xapi.Statement)
	logger *zap.Logger
}

type statementsParams struct {
	StatementID       string `query:"statementId"`
	VoidedStatementID string `query:"voidedStatementId"`
	Agent             string `query:"agent"`
	Verb              string `query:"verb"`
	Activity          string `query:"activity"`
	Registration      string `query:"registration"`
	RelatedActivities bool   `query:"related_activities"`
	RelatedAgents     bool   `query:"related_agents"`
	Since             string `query:"since"`
	Until             string `query:"until"`
	Limit             int    `query:"limit"`
	Format            string `query:"format"`
	Attachments       bool   `query:"attachments"`
	Ascending         bool   `query:"ascending"`
	SearchAfter       string `query:"search_after"`
	PitID             string `query:"pit_id"`
	Mine              bool   `query:"mine"`
}

// hasFilters reports whether any parameter beyond format and attachments
// accompanies a by-id query.
func (p *statementsParams) hasFilters() bool {
	return p.Agent != "" || p.Verb != "" || p.Activity != "" || p.Registration != "" ||
		p.RelatedActivities || p.RelatedAgents || p.Since != "" || p.Until != "" ||
		p.Limit != 0 || p.Ascending || p.SearchAfter != "" || p.PitID != "" || p.Mine
}

type statementsPage struct {
	Statements []xapi.Statement `json:"statements"`
	More       string           `json:"more,omitempty"`
}

func (s *statementsAPI) register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-statements",
		Method:      http.MethodGet,
		Path:        "/statements",
		Summary:     "Query statements",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *statementsParams) (*struct {
		Body json.RawMessage `json:"body"`
	}, error) {
		raw, err := s.get(ctx, input)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body json.RawMessage `json:"body"`
		}{Body: raw}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-statements",
		Method:      http.MethodPost,
		Path:        "/statements",
		Summary:     "Store statements",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		// Statements arrive as one object or an array; the body is decoded
		// by hand so no schema is attached that would reject either shape.
		RawBody []byte
	}) (*struct {
		Status int
		Body   []string `json:"body"`
	}, error) {
		statements, herr := decodeStatements(input.RawBody)
		if herr != nil {
			return nil, herr
		}
		identity, _ := identityFromContext(ctx)
		if !identity.CanWrite() {
			return nil, errForbiddenWrite()
		}
		written, err := s.store.Write(ctx, statements, identity)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Status int
			Body   []string `json:"body"`
		}{}
		if len(written) == 0 {
			// The whole batch was an equivalent resubmission.
			out.Status = http.StatusNoContent
			return out, nil
		}
		if s.notify != nil {
			s.notify(statements)
		}
		out.Status = http.StatusOK
		out.Body = written
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "put-statement",
		Method:        http.MethodPut,
		Path:          "/statements",
		Summary:       "Store a statement with a given id",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		StatementID string `query:"statementId" required:"true"`
		RawBody     []byte
	}) (*struct{}, error) {
		if input.StatementID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "statementId is required", nil)
		}
		if len(bytes.TrimSpace(input.RawBody)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "statement body required", nil)
		}
		var statement xapi.Statement
		if err := json.Unmarshal(input.RawBody, &statement); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid statement body", map[string]any{"error": err.Error()})
		}
		if id := statement.ID(); id != "" && id != input.StatementID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "xAPI statement id does not match given statementId", nil)
		}
		statement["id"] = input.StatementID
		identity, _ := identityFromContext(ctx)
		if !identity.CanWrite() {
			return nil, errForbiddenWrite()
		}
		written, err := s.store.Write(ctx, []xapi.Statement{statement}, identity)
		if err != nil {
			return nil, handleError(err)
		}
		if s.notify != nil && len(written) > 0 {
			s.notify([]xapi.Statement{statement})
		}
		return &struct{}{}, nil
	})
}

func (s *statementsAPI) get(ctx context.Context, p *statementsParams) (json.RawMessage, huma.StatusError) {
	if p.Format != "" && p.Format != "exact" {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "only the \"exact\" format is supported", nil)
	}
	byID := p.StatementID != "" || p.VoidedStatementID != ""
	if byID && p.hasFilters() {
		return nil, newAPIError(http.StatusBadRequest, "bad_request",
			"querying by id only accepts \"attachments\" and \"format\" as extra parameters", nil)
	}
	q := backends.Query{
		StatementID:       p.StatementID,
		VoidedStatementID: p.VoidedStatementID,
		Verb:              p.Verb,
		Activity:          p.Activity,
		Registration:      p.Registration,
		RelatedActivities: p.RelatedActivities,
		RelatedAgents:     p.RelatedAgents,
		Since:             p.Since,
		Until:             p.Until,
		Ascending:         p.Ascending,
		Limit:             p.Limit,
		SearchAfter:       p.SearchAfter,
		PitID:             p.PitID,
	}
	if p.Agent != "" {
		var doc map[string]any
		if err := json.Unmarshal([]byte(p.Agent), &doc); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid agent parameter", map[string]any{"error": err.Error()})
		}
		q.Agent = backends.ParseAgent(doc)
	}
	identity, _ := identityFromContext(ctx)
	if !identity.CanRead() {
		return nil, newAPIError(http.StatusForbidden, "forbidden",
			"access denied: missing statements/read scope", nil)
	}
	res, err := s.store.Read(ctx, q, identity, p.Mine)
	if err != nil {
		return nil, handleError(err)
	}
	if byID {
		raw, merr := json.Marshal(res.Statements[0])
		if merr != nil {
			return nil, handleError(merr)
		}
		return raw, nil
	}
	page := statementsPage{Statements: res.Statements}
	if page.Statements == nil {
		page.Statements = []xapi.Statement{}
	}
	if res.SearchAfter != "" {
		page.More = moreURL(ctx, res, p.Limit)
	}
	raw, merr := json.Marshal(page)
	if merr != nil {
		return nil, handleError(merr)
	}
	return raw, nil
}

// moreURL rebuilds the request URL with the next page's cursor state.
func moreURL(ctx context.Context, res lrs.ReadResult, limit int) string {
	r, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok {
		return ""
	}
	q := r.URL.Query()
	q.Set("search_after", res.SearchAfter)
	if res.PitID != "" {
		q.Set("pit_id", res.PitID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return r.URL.Path + "?" + q.Encode()
}

func decodeStatements(body []byte) ([]xapi.Statement, huma.StatusError) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "statement body required", nil)
	}
	if trimmed[0] == '[' {
		var statements []xapi.Statement
		if err := json.Unmarshal(trimmed, &statements); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid statement body", map[string]any{"error": err.Error()})
		}
		if len(statements) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "statement body required", nil)
		}
		return statements, nil
	}
	var statement xapi.Statement
	if err := json.Unmarshal(trimmed, &statement); err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid statement body", map[string]any{"error": err.Error()})
	}
	return []xapi.Statement{statement}, nil
}
