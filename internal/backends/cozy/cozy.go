// Package cozy stores statements in a personal cloud instance, one doctype
// database per user. The target of every call is a JSON blob carrying the
// instance URL and an access token; the cursor is the engine's own bookmark.
package cozy

import (
	"context"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/config"
)

func init() {
	backends.Register("cozy", func(cfg *config.Config, logger *zap.Logger) (backends.Adapter, error) {
		return New(cfg.Backends.Cozy.DefaultDoctype, NewClient(
			cfg.Backends.Cozy.DefaultDoctype,
			cfg.Backends.Cozy.Timeout,
			cfg.Backends.Cozy.RetryMax,
			logger,
		), logger)
	})
}

var doctypePattern = regexp.MustCompile(`^(?:[a-z]+\.)+[a-z]+$`)

type Backend struct {
	doctype string
	client  *Client
	logger  *zap.Logger

	mu      sync.Mutex
	indexed map[string]bool
}

func New(doctype string, client *Client, logger *zap.Logger) (*Backend, error) {
	if !doctypePattern.MatchString(doctype) {
		return nil, backends.Parameterf("invalid doctype %q: must match %s", doctype, doctypePattern)
	}
	return &Backend{doctype: doctype, client: client, logger: logger, indexed: map[string]bool{}}, nil
}

// sortIndexFields cover the sort used by buildFindQuery.
var sortIndexFields = []string{"source.statement.timestamp", "source.statement.id"}

// ensureIndex creates the sort index once per target. The engine treats a
// matching existing index as a no-op, so a lost entry after restart only
// costs one extra request.
func (b *Backend) ensureIndex(ctx context.Context, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.indexed[target] {
		return nil
	}
	if err := b.client.CreateIndex(ctx, target, sortIndexFields); err != nil {
		return err
	}
	b.indexed[target] = true
	return nil
}

func (b *Backend) Name() string { return "cozy" }

// Status only validates local configuration: there is no single instance to
// probe, the engine lives behind each request's target.
func (b *Backend) Status(ctx context.Context) backends.Status {
	if b.client == nil {
		return backends.StatusUnreachable
	}
	return backends.StatusOK
}

func (b *Backend) List(ctx context.Context, target string, details bool) ([]string, error) {
	return b.client.ListAllDoctypes(ctx, target)
}

func (b *Backend) Write(ctx context.Context, records []backends.StoredRecord, target string, op backends.OperationType, chunkSize int) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	docs, err := prepare(records, op)
	if err != nil {
		return 0, err
	}
	if chunkSize <= 0 {
		chunkSize = len(docs)
	}
	count := 0
	for start := 0; start < len(docs); start += chunkSize {
		end := start + chunkSize
		if end > len(docs) {
			end = len(docs)
		}
		n, err := b.client.BulkDocs(ctx, target, docs[start:end])
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

// prepare maps records to engine documents. The statement id is the document
// id; updates and deletes additionally need the revision the caller read
// (carried as NativeID).
func prepare(records []backends.StoredRecord, op backends.OperationType) ([]document, error) {
	docs := make([]document, 0, len(records))
	for _, r := range records {
		doc := document{ID: r.Statement.ID(), Rev: r.NativeID}
		switch op {
		case backends.OpIndex, backends.OpCreate:
			doc.Source = source{Statement: r.Statement, Metadata: docMetadata{Voided: r.Voided}}
		case backends.OpUpdate:
			if doc.Rev == "" {
				return nil, backends.Parameterf("update of statement %q requires the document revision", doc.ID)
			}
			doc.Source = source{Statement: r.Statement, Metadata: docMetadata{Voided: r.Voided}}
		case backends.OpDelete:
			if doc.Rev == "" {
				return nil, backends.Parameterf("delete of statement %q requires the document revision", doc.ID)
			}
			doc.Deleted = true
		default:
			return nil, backends.Parameterf("cozy backend does not support the %q operation", op)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (b *Backend) QueryStatements(ctx context.Context, q backends.Query, target string) (backends.QueryResult, error) {
	query, err := buildFindQuery(q)
	if err != nil {
		return backends.QueryResult{}, err
	}
	if err := b.ensureIndex(ctx, target); err != nil {
		return backends.QueryResult{}, err
	}
	resp, err := b.client.Find(ctx, target, query)
	if err != nil {
		return backends.QueryResult{}, err
	}
	records := make([]backends.StoredRecord, 0, len(resp.Docs))
	for _, doc := range resp.Docs {
		records = append(records, backends.StoredRecord{
			Statement: doc.Source.Statement,
			Voided:    doc.Source.Metadata.Voided,
			NativeID:  doc.Rev,
		})
	}
	searchAfter := ""
	if resp.Next {
		searchAfter = resp.Bookmark
	}
	return backends.QueryResult{Records: records, SearchAfter: searchAfter}, nil
}

func (b *Backend) QueryStatementsByIDs(ctx context.Context, ids []string, target string, includeExtra bool) ([]backends.StoredRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	wanted := make([]any, len(ids))
	for i, id := range ids {
		wanted[i] = id
	}
	resp, err := b.client.Find(ctx, target, FindQuery{
		Selector: map[string]any{"source.statement.id": map[string]any{"$in": wanted}},
		Fields:   []string{"_id", "_rev", "source"},
	})
	if err != nil {
		return nil, err
	}
	records := make([]backends.StoredRecord, 0, len(resp.Docs))
	for _, doc := range resp.Docs {
		rec := backends.StoredRecord{
			Statement: doc.Source.Statement,
			Voided:    doc.Source.Metadata.Voided,
		}
		if includeExtra {
			rec.NativeID = doc.Rev
		}
		records = append(records, rec)
	}
	return records, nil
}

func (b *Backend) Close() error {
	if b.client != nil {
		b.client.Close()
	}
	return nil
}
