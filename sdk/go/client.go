package ralphsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal xAPI statements client for a Ralph server.
type Client struct {
	BaseURL     string
	Username    string
	Password    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. The base URL includes the API
// base path, e.g. "http://localhost:8100/xAPI".
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Statement is a generic xAPI statement document.
type Statement map[string]any

// About describes the server's capabilities.
type About struct {
	Version    []string       `json:"version"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// StatementsPage is one page of a statements listing.
type StatementsPage struct {
	Statements []Statement `json:"statements"`
	More       string      `json:"more,omitempty"`
}

// Query holds the statements listing parameters.
type Query struct {
	Agent             map[string]any
	Verb              string
	Activity          string
	Registration      string
	RelatedActivities bool
	RelatedAgents     bool
	Since             string
	Until             string
	Limit             int
	Ascending         bool
	SearchAfter       string
	PitID             string
	Mine              bool
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// About fetches the server capabilities.
func (c *Client) About(ctx context.Context) (About, error) {
	var resp About
	err := c.do(ctx, http.MethodGet, "about", nil, &resp)
	return resp, err
}

// PostStatements stores one or more statements and returns the ids of the
// statements actually written. An empty result means the whole batch was an
// equivalent resubmission.
func (c *Client) PostStatements(ctx context.Context, statements ...Statement) ([]string, error) {
	var body any = statements
	if len(statements) == 1 {
		body = statements[0]
	}
	var ids []string
	err := c.do(ctx, http.MethodPost, "statements", body, &ids)
	return ids, err
}

// PutStatement stores a statement under the given id.
func (c *Client) PutStatement(ctx context.Context, id string, statement Statement) error {
	endpoint := "statements?statementId=" + url.QueryEscape(id)
	return c.do(ctx, http.MethodPut, endpoint, statement, nil)
}

// GetStatement fetches one statement by id.
func (c *Client) GetStatement(ctx context.Context, id string) (Statement, error) {
	var resp Statement
	endpoint := "statements?statementId=" + url.QueryEscape(id)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetVoidedStatement fetches one voided statement by id.
func (c *Client) GetVoidedStatement(ctx context.Context, id string) (Statement, error) {
	var resp Statement
	endpoint := "statements?voidedStatementId=" + url.QueryEscape(id)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// QueryStatements runs a filtered listing. Follow page.More with MorePage
// to walk the full result set.
func (c *Client) QueryStatements(ctx context.Context, q Query) (StatementsPage, error) {
	values := url.Values{}
	if q.Agent != nil {
		doc, err := json.Marshal(q.Agent)
		if err != nil {
			return StatementsPage{}, err
		}
		values.Set("agent", string(doc))
	}
	if q.Verb != "" {
		values.Set("verb", q.Verb)
	}
	if q.Activity != "" {
		values.Set("activity", q.Activity)
	}
	if q.Registration != "" {
		values.Set("registration", q.Registration)
	}
	if q.RelatedActivities {
		values.Set("related_activities", "true")
	}
	if q.RelatedAgents {
		values.Set("related_agents", "true")
	}
	if q.Since != "" {
		values.Set("since", q.Since)
	}
	if q.Until != "" {
		values.Set("until", q.Until)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Ascending {
		values.Set("ascending", "true")
	}
	if q.SearchAfter != "" {
		values.Set("search_after", q.SearchAfter)
	}
	if q.PitID != "" {
		values.Set("pit_id", q.PitID)
	}
	if q.Mine {
		values.Set("mine", "true")
	}
	endpoint := "statements"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp StatementsPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MorePage follows a page's More link.
func (c *Client) MorePage(ctx context.Context, more string) (StatementsPage, error) {
	var resp StatementsPage
	err := c.doURL(ctx, http.MethodGet, c.host()+more, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	return c.doURL(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), body, out)
}

func (c *Client) doURL(ctx context.Context, method, fullURL string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Username != "":
		req.SetBasicAuth(c.Username, c.Password)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// base is the full API prefix including the base path.
func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

// host strips the base path so server-relative More links resolve.
func (c *Client) host() string {
	base := c.base()
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		return u.Scheme + "://" + u.Host
	}
	return base
}
