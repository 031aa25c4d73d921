// Package sqlite stores statements as JSON documents in SQLite, one table
// per target. The autoincrement seq column is the native record identity and
// the cursor: pages resume strictly after (or before) the last seq seen.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/inokufu/ralph/internal/backends"
	"github.com/inokufu/ralph/internal/config"
	"github.com/inokufu/ralph/internal/xapi"
)

func init() {
	backends.Register("sqlite", func(cfg *config.Config, logger *zap.Logger) (backends.Adapter, error) {
		db, err := OpenDB(cfg.Backends.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return New(db, cfg.Backends.SQLite.Table, logger), nil
	})
}

// OpenDB opens the statements database, creating parent directories.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, backends.WrapBackend(err, "create database directory")
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, backends.WrapBackend(err, "open database")
	}
	return db, nil
}

type Backend struct {
	db     *sql.DB
	table  string
	logger *zap.Logger

	mu     sync.Mutex
	tables map[string]bool // targets with their table already created
}

func New(db *sql.DB, table string, logger *zap.Logger) *Backend {
	if table == "" {
		table = "statements"
	}
	return &Backend{db: db, table: table, logger: logger, tables: map[string]bool{}}
}

func (b *Backend) Name() string { return "sqlite" }

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// tableFor maps a target to its table, creating it on first use.
func (b *Backend) tableFor(ctx context.Context, target string) (string, error) {
	table := b.table
	if target != "" {
		table = target
	}
	if !identPattern.MatchString(table) {
		return "", backends.Parameterf("invalid target %q: must match %s", table, identPattern)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tables[table] {
		return table, nil
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  statement_id TEXT NOT NULL,
  voided INTEGER NOT NULL DEFAULT 0,
  doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS %s_statement_id ON %s(statement_id);`, table, table, table)
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return "", backends.WrapBackend(err, "create statements table")
	}
	b.tables[table] = true
	return table, nil
}

func (b *Backend) Status(ctx context.Context) backends.Status {
	if err := b.db.PingContext(ctx); err != nil {
		return backends.StatusUnreachable
	}
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table'`).Scan(&n); err != nil {
		return backends.StatusDegraded
	}
	return backends.StatusOK
}

func (b *Backend) List(ctx context.Context, target string, details bool) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, backends.WrapBackend(err, "list tables")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, backends.WrapBackend(err, "scan table name")
		}
		if target != "" && name != target {
			continue
		}
		if details {
			var count int
			if err := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, name)).Scan(&count); err != nil {
				return nil, backends.WrapBackend(err, "count table rows")
			}
			name = fmt.Sprintf("%s\t%d", name, count)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (b *Backend) Write(ctx context.Context, records []backends.StoredRecord, target string, op backends.OperationType, chunkSize int) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	switch op {
	case backends.OpIndex, backends.OpCreate, backends.OpUpdate, backends.OpDelete:
	default:
		return 0, backends.Parameterf("sqlite backend does not support the %q operation", op)
	}
	table, err := b.tableFor(ctx, target)
	if err != nil {
		return 0, err
	}
	if chunkSize <= 0 {
		chunkSize = len(records)
	}
	count := 0
	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		n, err := b.writeChunk(ctx, records[start:end], table, op)
		count += n
		if err != nil {
			return count, err
		}
	}
	return count, nil
}

func (b *Backend) writeChunk(ctx context.Context, records []backends.StoredRecord, table string, op backends.OperationType) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, backends.WrapBackend(err, "begin transaction")
	}
	defer tx.Rollback()

	count := 0
	for _, r := range records {
		id := r.Statement.ID()
		switch op {
		case backends.OpIndex, backends.OpCreate:
			doc, err := json.Marshal(r.Statement)
			if err != nil {
				return count, backends.WrapBackend(err, "encode statement")
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s(statement_id,voided,doc) VALUES (?,?,?)`, table),
				id, boolInt(r.Voided), string(doc)); err != nil {
				return count, backends.WrapBackend(err, "insert statement")
			}
		case backends.OpUpdate:
			doc, err := json.Marshal(r.Statement)
			if err != nil {
				return count, backends.WrapBackend(err, "encode statement")
			}
			res, err := b.execUpdate(ctx, tx, table, r, string(doc))
			if err != nil {
				return count, backends.WrapBackend(err, "update statement")
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return count, backends.Parameterf("no record with statement id %q in target %q", id, table)
			}
		case backends.OpDelete:
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE statement_id=?`, table), id); err != nil {
				return count, backends.WrapBackend(err, "delete statement")
			}
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, backends.WrapBackend(err, "commit transaction")
	}
	return count, nil
}

// execUpdate targets the record by native seq when the caller has it, by
// statement id otherwise.
func (b *Backend) execUpdate(ctx context.Context, tx *sql.Tx, table string, r backends.StoredRecord, doc string) (sql.Result, error) {
	if r.NativeID != "" {
		seq, err := strconv.ParseInt(r.NativeID, 10, 64)
		if err != nil {
			return nil, backends.Parameterf("invalid native id %q", r.NativeID)
		}
		return tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET voided=?, doc=? WHERE seq=?`, table),
			boolInt(r.Voided), doc, seq)
	}
	return tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET voided=?, doc=? WHERE statement_id=?`, table),
		boolInt(r.Voided), doc, r.Statement.ID())
}

func (b *Backend) QueryStatements(ctx context.Context, q backends.Query, target string) (backends.QueryResult, error) {
	table, err := b.tableFor(ctx, target)
	if err != nil {
		return backends.QueryResult{}, err
	}
	clauses, args, err := buildWhere(q)
	if err != nil {
		return backends.QueryResult{}, err
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}
	query := fmt.Sprintf(`SELECT seq,statement_id,voided,doc FROM %s %s ORDER BY json_extract(doc,'$.timestamp') %s, seq %s`,
		table, where, dir, dir)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return backends.QueryResult{}, backends.WrapBackend(err, "query statements")
	}
	defer rows.Close()

	var records []backends.StoredRecord
	lastSeq := int64(0)
	for rows.Next() {
		rec, seq, err := scanRecord(rows)
		if err != nil {
			return backends.QueryResult{}, err
		}
		records = append(records, rec)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return backends.QueryResult{}, backends.WrapBackend(err, "iterate statements")
	}
	searchAfter := ""
	if q.Limit > 0 && len(records) == q.Limit {
		searchAfter = strconv.FormatInt(lastSeq, 10)
	}
	return backends.QueryResult{Records: records, SearchAfter: searchAfter}, nil
}

func (b *Backend) QueryStatementsByIDs(ctx context.Context, ids []string, target string, includeExtra bool) ([]backends.StoredRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	table, err := b.tableFor(ctx, target)
	if err != nil {
		return nil, err
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT seq,statement_id,voided,doc FROM %s WHERE statement_id IN (%s) ORDER BY seq`, table, placeholders)
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backends.WrapBackend(err, "query statements by id")
	}
	defer rows.Close()

	var records []backends.StoredRecord
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if !includeExtra {
			rec.NativeID = ""
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (backends.StoredRecord, int64, error) {
	var (
		seq    int64
		id     string
		voided int
		doc    string
	)
	if err := rows.Scan(&seq, &id, &voided, &doc); err != nil {
		return backends.StoredRecord{}, 0, backends.WrapBackend(err, "scan statement row")
	}
	var statement xapi.Statement
	if err := json.Unmarshal([]byte(doc), &statement); err != nil {
		return backends.StoredRecord{}, 0, backends.WrapBackend(err, "decode statement document")
	}
	return backends.StoredRecord{
		Statement: statement,
		Voided:    voided != 0,
		NativeID:  strconv.FormatInt(seq, 10),
	}, seq, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
