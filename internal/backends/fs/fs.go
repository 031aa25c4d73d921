// Package fs stores statements as JSON lines in flat files. It trades
// query speed for zero infrastructure: every query is a sequential scan
// and cursor resumption is O(n) from the start of the file.
package fs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/config"
	"github.com/inokufu/ralph/internal/xapi"
)

func init() {
	backends.Register("fs", func(cfg *config.Config, logger *zap.Logger) (backends.Adapter, error) {
		if err := os.MkdirAll(cfg.Backends.FS.Directory, 0o755); err != nil {
			return nil, backends.WrapBackend(err, "create statements directory")
		}
		return New(afero.NewOsFs(), cfg.Backends.FS.Directory, cfg.Backends.FS.DefaultFile, logger), nil
	})
}

// Backend is the flat-file adapter. A target names a subdirectory holding
// its own statements file; the empty target uses the root directory.
type Backend struct {
	fsys   afero.Fs
	dir    string
	file   string
	logger *zap.Logger

	mu sync.Mutex // file rewrites are exclusive with everything else
}

func New(fsys afero.Fs, dir, defaultFile string, logger *zap.Logger) *Backend {
	if defaultFile == "" {
		defaultFile = "statements.jsonl"
	}
	return &Backend{fsys: fsys, dir: dir, file: defaultFile, logger: logger}
}

// record is one JSONL line.
type record struct {
	Statement xapi.Statement `json:"statement"`
	Metadata  metadata       `json:"metadata"`
}

type metadata struct {
	Voided bool `json:"voided"`
}

func (b *Backend) Name() string { return "fs" }

func (b *Backend) path(target string) string {
	if target == "" {
		return filepath.Join(b.dir, b.file)
	}
	return filepath.Join(b.dir, target, b.file)
}

func (b *Backend) Status(ctx context.Context) backends.Status {
	info, err := b.fsys.Stat(b.dir)
	if err != nil || !info.IsDir() {
		return backends.StatusUnreachable
	}
	return backends.StatusOK
}

func (b *Backend) List(ctx context.Context, target string, details bool) ([]string, error) {
	dir := b.dir
	if target != "" {
		dir = filepath.Join(b.dir, target)
	}
	entries, err := afero.ReadDir(b.fsys, dir)
	if err != nil {
		return nil, backends.WrapBackend(err, "list statements directory")
	}
	var out []string
	for _, e := range entries {
		if details {
			out = append(out, fmt.Sprintf("%s\t%d\t%s", e.Name(), e.Size(), e.ModTime().UTC().Format("2006-01-02T15:04:05Z")))
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

func (b *Backend) Write(ctx context.Context, records []backends.StoredRecord, target string, op backends.OperationType, chunkSize int) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch op {
	case backends.OpIndex, backends.OpCreate:
		return b.append(ctx, records, target, chunkSize)
	case backends.OpUpdate:
		return b.rewrite(ctx, records, target, false)
	case backends.OpDelete:
		return b.rewrite(ctx, records, target, true)
	default:
		return 0, backends.Parameterf("fs backend does not support the %q operation", op)
	}
}

func (b *Backend) append(ctx context.Context, records []backends.StoredRecord, target string, chunkSize int) (int, error) {
	path := b.path(target)
	if err := b.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, backends.WrapBackend(err, "create target directory")
	}
	f, err := b.fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, backends.WrapBackend(err, "open statements file")
	}
	defer f.Close()

	if chunkSize <= 0 {
		chunkSize = len(records)
	}
	w := bufio.NewWriter(f)
	count := 0
	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return count, backends.WrapBackend(err, "write interrupted")
		}
		line, err := json.Marshal(record{Statement: r.Statement, Metadata: metadata{Voided: r.Voided}})
		if err != nil {
			return count, backends.WrapBackend(err, "encode statement")
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return count, backends.WrapBackend(err, "write statement")
		}
		count++
		if (i+1)%chunkSize == 0 {
			if err := w.Flush(); err != nil {
				return count, backends.WrapBackend(err, "flush statements file")
			}
		}
	}
	if err := w.Flush(); err != nil {
		return count, backends.WrapBackend(err, "flush statements file")
	}
	return count, nil
}

// rewrite replaces (or removes) records in place, matched by statement id.
// The whole file is rewritten; flat files have no native record identity.
func (b *Backend) rewrite(ctx context.Context, records []backends.StoredRecord, target string, remove bool) (int, error) {
	existing, err := b.load(target)
	if err != nil {
		return 0, err
	}
	byID := make(map[string]backends.StoredRecord, len(records))
	for _, r := range records {
		byID[r.Statement.ID()] = r
	}
	touched := map[string]bool{}
	out := existing[:0]
	for _, rec := range existing {
		id := rec.Statement.ID()
		replacement, ok := byID[id]
		if !ok {
			out = append(out, rec)
			continue
		}
		touched[id] = true
		if remove {
			continue
		}
		out = append(out, record{Statement: replacement.Statement, Metadata: metadata{Voided: replacement.Voided}})
	}
	for _, r := range records {
		if !touched[r.Statement.ID()] {
			return 0, backends.Parameterf("no record with statement id %q in target %q", r.Statement.ID(), target)
		}
	}
	if err := b.store(target, out); err != nil {
		return 0, err
	}
	return len(touched), nil
}

func (b *Backend) load(target string) ([]record, error) {
	f, err := b.fsys.Open(b.path(target))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, backends.WrapBackend(err, "open statements file")
	}
	defer f.Close()

	var out []record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, backends.WrapBackend(err, "decode statements file")
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, backends.WrapBackend(err, "read statements file")
	}
	return out, nil
}

func (b *Backend) store(target string, recs []record) error {
	path := b.path(target)
	tmp := path + ".tmp"
	f, err := b.fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return backends.WrapBackend(err, "open temp statements file")
	}
	w := bufio.NewWriter(f)
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			f.Close()
			return backends.WrapBackend(err, "encode statement")
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return backends.WrapBackend(err, "write statement")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return backends.WrapBackend(err, "flush statements file")
	}
	if err := f.Close(); err != nil {
		return backends.WrapBackend(err, "close statements file")
	}
	if err := b.fsys.Rename(tmp, path); err != nil {
		return backends.WrapBackend(err, "replace statements file")
	}
	return nil
}

func (b *Backend) QueryStatements(ctx context.Context, q backends.Query, target string) (backends.QueryResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filters, err := buildFilters(q)
	if err != nil {
		return backends.QueryResult{}, err
	}
	recs, err := b.load(target)
	if err != nil {
		return backends.QueryResult{}, err
	}

	var page []backends.StoredRecord
	searchAfter := ""
	for _, rec := range recs {
		if !matchAll(filters, rec) {
			continue
		}
		page = append(page, backends.StoredRecord{Statement: rec.Statement, Voided: rec.Metadata.Voided})
		if q.Limit > 0 && len(page) == q.Limit {
			searchAfter = rec.Statement.ID()
			break
		}
	}
	if q.Ascending {
		for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
			page[i], page[j] = page[j], page[i]
		}
	}
	return backends.QueryResult{Records: page, SearchAfter: searchAfter}, nil
}

func (b *Backend) QueryStatementsByIDs(ctx context.Context, ids []string, target string, includeExtra bool) ([]backends.StoredRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	recs, err := b.load(target)
	if err != nil {
		return nil, err
	}
	var out []backends.StoredRecord
	for _, rec := range recs {
		if wanted[rec.Statement.ID()] {
			out = append(out, backends.StoredRecord{Statement: rec.Statement, Voided: rec.Metadata.Voided})
		}
	}
	return out, nil
}

func (b *Backend) Close() error { return nil }
