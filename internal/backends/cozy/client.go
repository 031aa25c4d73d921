package cozy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/backends"
)

// AuthData is the per-request target: which personal instance to talk to and
// the token authorizing it.
type AuthData struct {
	InstanceURL string `json:"instance_url"`
	Token       string `json:"token"`
}

func parseTarget(target string) (AuthData, error) {
	var auth AuthData
	if err := json.Unmarshal([]byte(target), &auth); err != nil {
		return AuthData{}, backends.Parameterf("can't validate instance authentication data: %v", err)
	}
	if auth.InstanceURL == "" || auth.Token == "" {
		return AuthData{}, backends.Parameterf("instance authentication data requires instance_url and token")
	}
	return auth, nil
}

// Client speaks the instance's document API: mango _find queries, _bulk_docs
// writes, _index creation and doctype listing.
type Client struct {
	doctype string
	http    *retryablehttp.Client
}

func NewClient(doctype string, timeout time.Duration, retryMax int, logger *zap.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.Logger = nil
	if timeout > 0 {
		rc.HTTPClient.Timeout = timeout
	}
	if logger != nil {
		rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				logger.Debug("retrying instance request", zap.String("url", req.URL.Path), zap.Int("attempt", attempt))
			}
		}
	}
	return &Client{doctype: doctype, http: rc}
}

// FindQuery is a mango query against the doctype database.
type FindQuery struct {
	Selector map[string]any      `json:"selector"`
	Limit    int                 `json:"limit,omitempty"`
	Sort     []map[string]string `json:"sort,omitempty"`
	Bookmark string              `json:"bookmark,omitempty"`
	Fields   []string            `json:"fields,omitempty"`
}

// FindResponse carries one page of documents plus the engine's bookmark and
// whether a further page exists.
type FindResponse struct {
	Docs     []document `json:"docs"`
	Bookmark string     `json:"bookmark"`
	Next     bool       `json:"next"`
}

// document is the stored shape: engine identity plus the wrapped source.
type document struct {
	ID      string `json:"_id,omitempty"`
	Rev     string `json:"_rev,omitempty"`
	Deleted bool   `json:"_deleted,omitempty"`
	Source  source `json:"source,omitempty"`
}

type source struct {
	Statement map[string]any `json:"statement"`
	Metadata  docMetadata    `json:"metadata"`
}

type docMetadata struct {
	Voided bool `json:"voided"`
}

func (c *Client) do(ctx context.Context, auth AuthData, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return backends.WrapBackend(err, "encode request")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, auth.InstanceURL+"/data"+path, reader)
	if err != nil {
		return backends.WrapBackend(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", auth.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return backends.WrapBackend(err, "request instance")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusBadRequest {
			return backends.Parameterf("instance rejected request (%d): %s", resp.StatusCode, data)
		}
		return backends.Backendf("instance request failed (%d): %s", resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backends.WrapBackend(err, "decode instance response")
	}
	return nil
}

// ListAllDoctypes enumerates the doctype databases on the instance.
func (c *Client) ListAllDoctypes(ctx context.Context, target string) ([]string, error) {
	auth, err := parseTarget(target)
	if err != nil {
		return nil, err
	}
	var doctypes []string
	if err := c.do(ctx, auth, http.MethodGet, "/_all_doctypes", nil, &doctypes); err != nil {
		return nil, err
	}
	return doctypes, nil
}

// CreateIndex creates a mango index over the given fields.
func (c *Client) CreateIndex(ctx context.Context, target string, fields []string) error {
	auth, err := parseTarget(target)
	if err != nil {
		return err
	}
	body := map[string]any{"index": map[string]any{"fields": fields}}
	return c.do(ctx, auth, http.MethodPost, "/"+c.doctype+"/_index", body, nil)
}

// Find runs a mango query and returns one page.
func (c *Client) Find(ctx context.Context, target string, query FindQuery) (FindResponse, error) {
	auth, err := parseTarget(target)
	if err != nil {
		return FindResponse{}, err
	}
	var resp FindResponse
	if err := c.do(ctx, auth, http.MethodPost, "/"+c.doctype+"/_find", query, &resp); err != nil {
		return FindResponse{}, err
	}
	return resp, nil
}

type bulkResult struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkDocs applies prepared documents in one request and returns how many
// the engine accepted.
func (c *Client) BulkDocs(ctx context.Context, target string, docs []document) (int, error) {
	auth, err := parseTarget(target)
	if err != nil {
		return 0, err
	}
	var results []bulkResult
	if err := c.do(ctx, auth, http.MethodPost, "/"+c.doctype+"/_bulk_docs", map[string]any{"docs": docs}, &results); err != nil {
		return 0, err
	}
	count := 0
	for _, res := range results {
		if res.Error != "" {
			return count, backends.Backendf("bulk write failed for document %q: %s", res.ID, res.Error)
		}
		count++
	}
	return count, nil
}

func (c *Client) Close() {
	c.http.HTTPClient.CloseIdleConnections()
}
