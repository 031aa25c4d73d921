// Package es stores statements in Elasticsearch. Pages hold their position
// with a point-in-time plus a search_after tuple, so a reader walks a stable
// snapshot even while writes land.
package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/config"
	"github.com/inokufu/ralph/internal/xapi"
)

func init() {
	backends.Register("es", func(cfg *config.Config, logger *zap.Logger) (backends.Adapter, error) {
		client, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cfg.Backends.ES.Addresses,
			Username:  cfg.Backends.ES.Username,
			Password:  cfg.Backends.ES.Password,
			APIKey:    cfg.Backends.ES.APIKey,
		})
		if err != nil {
			return nil, backends.WrapBackend(err, "build elasticsearch client")
		}
		return New(client, cfg.Backends.ES.Index, cfg.Backends.ES.PITKeepAlive, cfg.Backends.ES.Refresh, logger), nil
	})
}

type Backend struct {
	client    *elasticsearch.Client
	index     string
	keepAlive string
	refresh   bool
	logger    *zap.Logger
}

func New(client *elasticsearch.Client, index, keepAlive string, refresh bool, logger *zap.Logger) *Backend {
	if index == "" {
		index = "statements"
	}
	if keepAlive == "" {
		keepAlive = "1m"
	}
	return &Backend{client: client, index: index, keepAlive: keepAlive, refresh: refresh, logger: logger}
}

func (b *Backend) Name() string { return "es" }

func (b *Backend) indexFor(target string) string {
	if target == "" {
		return b.index
	}
	return target
}

func (b *Backend) Status(ctx context.Context) backends.Status {
	res, err := (esapi.ClusterHealthRequest{}).Do(ctx, b.client)
	if err != nil {
		return backends.StatusUnreachable
	}
	defer res.Body.Close()
	if res.IsError() {
		return backends.StatusUnreachable
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return backends.StatusDegraded
	}
	switch health.Status {
	case "green", "yellow":
		return backends.StatusOK
	default:
		return backends.StatusDegraded
	}
}

func (b *Backend) List(ctx context.Context, target string, details bool) ([]string, error) {
	req := esapi.CatIndicesRequest{Format: "json"}
	if target != "" {
		req.Index = []string{target}
	}
	res, err := req.Do(ctx, b.client)
	if err != nil {
		return nil, backends.WrapBackend(err, "list indices")
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, backends.Backendf("list indices failed: %s", res.String())
	}
	var indices []struct {
		Index     string `json:"index"`
		Health    string `json:"health"`
		DocsCount string `json:"docs.count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&indices); err != nil {
		return nil, backends.WrapBackend(err, "decode indices listing")
	}
	var out []string
	for _, idx := range indices {
		if details {
			out = append(out, fmt.Sprintf("%s\t%s\t%s", idx.Index, idx.Health, idx.DocsCount))
			continue
		}
		out = append(out, idx.Index)
	}
	return out, nil
}

// source is the indexed document shape.
type esSource struct {
	Statement xapi.Statement `json:"statement"`
	Metadata  esMetadata     `json:"metadata"`
}

type esMetadata struct {
	Voided bool `json:"voided"`
}

func (b *Backend) Write(ctx context.Context, records []backends.StoredRecord, target string, op backends.OperationType, chunkSize int) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	switch op {
	case backends.OpIndex, backends.OpCreate, backends.OpUpdate, backends.OpDelete:
	default:
		return 0, backends.Parameterf("es backend does not support the %q operation", op)
	}
	if chunkSize <= 0 {
		chunkSize = len(records)
	}
	index := b.indexFor(target)
	count := 0
	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		n, err := b.bulk(ctx, records[start:end], index, op)
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

func (b *Backend) bulk(ctx context.Context, records []backends.StoredRecord, index string, op backends.OperationType) (int, error) {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, r := range records {
		id := r.NativeID
		if id == "" {
			id = r.Statement.ID()
		}
		action := map[string]any{string(op): map[string]any{"_index": index, "_id": id}}
		if err := enc.Encode(action); err != nil {
			return 0, backends.WrapBackend(err, "encode bulk action")
		}
		switch op {
		case backends.OpIndex, backends.OpCreate:
			if err := enc.Encode(esSource{Statement: r.Statement, Metadata: esMetadata{Voided: r.Voided}}); err != nil {
				return 0, backends.WrapBackend(err, "encode bulk document")
			}
		case backends.OpUpdate:
			doc := map[string]any{"doc": esSource{Statement: r.Statement, Metadata: esMetadata{Voided: r.Voided}}}
			if err := enc.Encode(doc); err != nil {
				return 0, backends.WrapBackend(err, "encode bulk document")
			}
		}
	}
	req := esapi.BulkRequest{Body: bytes.NewReader(body.Bytes())}
	if b.refresh {
		req.Refresh = "true"
	}
	res, err := req.Do(ctx, b.client)
	if err != nil {
		return 0, backends.WrapBackend(err, "bulk write")
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, backends.Backendf("bulk write failed: %s", res.String())
	}
	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return 0, backends.WrapBackend(err, "decode bulk response")
	}
	count := 0
	for _, item := range result.Items {
		for _, op := range item {
			if op.Error != nil {
				return count, backends.Backendf("bulk write failed for document %q: %s: %s", op.ID, op.Error.Type, op.Error.Reason)
			}
			count++
		}
	}
	return count, nil
}

func (b *Backend) QueryStatements(ctx context.Context, q backends.Query, target string) (backends.QueryResult, error) {
	body, err := buildSearch(q)
	if err != nil {
		return backends.QueryResult{}, err
	}
	pitID := q.PitID
	if pitID == "" {
		pitID, err = b.openPIT(ctx, b.indexFor(target))
		if err != nil {
			return backends.QueryResult{}, err
		}
	}
	body["pit"] = map[string]any{"id": pitID, "keep_alive": b.keepAlive}

	payload, err := json.Marshal(body)
	if err != nil {
		return backends.QueryResult{}, backends.WrapBackend(err, "encode search")
	}
	// The point-in-time pins the indices; the request itself carries none.
	res, err := (esapi.SearchRequest{Body: bytes.NewReader(payload)}).Do(ctx, b.client)
	if err != nil {
		return backends.QueryResult{}, backends.WrapBackend(err, "search statements")
	}
	defer res.Body.Close()
	if res.IsError() {
		return backends.QueryResult{}, backends.Backendf("search failed: %s", res.String())
	}
	records, sortValues, newPit, err := decodeHits(res.Body)
	if err != nil {
		return backends.QueryResult{}, err
	}
	if newPit != "" {
		pitID = newPit
	}
	searchAfter := ""
	if len(sortValues) > 0 && q.Limit > 0 && len(records) == q.Limit {
		parts := make([]string, len(sortValues))
		for i, v := range sortValues {
			parts[i] = fmt.Sprint(v)
		}
		searchAfter = strings.Join(parts, "|")
	}
	return backends.QueryResult{Records: records, PitID: pitID, SearchAfter: searchAfter}, nil
}

func (b *Backend) openPIT(ctx context.Context, index string) (string, error) {
	res, err := (esapi.OpenPointInTimeRequest{Index: []string{index}, KeepAlive: b.keepAlive}).Do(ctx, b.client)
	if err != nil {
		return "", backends.WrapBackend(err, "open point in time")
	}
	defer res.Body.Close()
	if res.IsError() {
		return "", backends.Backendf("open point in time failed: %s", res.String())
	}
	var pit struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&pit); err != nil {
		return "", backends.WrapBackend(err, "decode point in time")
	}
	return pit.ID, nil
}

func decodeHits(body io.Reader) ([]backends.StoredRecord, []any, string, error) {
	var result struct {
		PitID string `json:"pit_id"`
		Hits  struct {
			Hits []struct {
				ID     string   `json:"_id"`
				Source esSource `json:"_source"`
				Sort   []any    `json:"sort"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(body).Decode(&result); err != nil {
		return nil, nil, "", backends.WrapBackend(err, "decode search response")
	}
	var records []backends.StoredRecord
	var lastSort []any
	for _, hit := range result.Hits.Hits {
		records = append(records, backends.StoredRecord{
			Statement: hit.Source.Statement,
			Voided:    hit.Source.Metadata.Voided,
			NativeID:  hit.ID,
		})
		lastSort = hit.Sort
	}
	return records, lastSort, result.PitID, nil
}

func (b *Backend) QueryStatementsByIDs(ctx context.Context, ids []string, target string, includeExtra bool) ([]backends.StoredRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"query": map[string]any{"terms": map[string]any{"_id": ids}},
		"size":  len(ids),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, backends.WrapBackend(err, "encode search")
	}
	res, err := (esapi.SearchRequest{
		Index: []string{b.indexFor(target)},
		Body:  bytes.NewReader(payload),
	}).Do(ctx, b.client)
	if err != nil {
		return nil, backends.WrapBackend(err, "search statements by id")
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, backends.Backendf("search by id failed: %s", res.String())
	}
	records, _, _, err := decodeHits(res.Body)
	if err != nil {
		return nil, err
	}
	if !includeExtra {
		for i := range records {
			records[i].NativeID = ""
		}
	}
	return records, nil
}

func (b *Backend) Close() error {
	return nil
}
