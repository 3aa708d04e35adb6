package io

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"docpump/internal/cursor"
	"docpump/internal/logging"
	"docpump/internal/record"
	"docpump/internal/runerr"
	"docpump/internal/util"
)

// pgxPoolNewFunc allows overriding pgxpool.New for testing.
var pgxPoolNewFunc = pgxpool.New

// connectPostgres opens the pool behind a postgres source or sink. Tests
// replace it to inject a fake connection.
var connectPostgres = func(ctx context.Context, connStr string) (pgConn, error) {
	pool, err := pgxPoolNewFunc(ctx, connStr)
	if err != nil {
		return nil, err
	}
	return poolConn{pool}, nil
}

// Default database query timeout.
const defaultDbTimeout = 30 * time.Second

// pgConn is the part of a pgx pool the postgres backends use.
type pgConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

type poolConn struct{ *pgxpool.Pool }

// lazyPool connects on first use and is shared by every page or batch.
type lazyPool struct {
	connStr string
	once    sync.Once
	conn    pgConn
	err     error
}

func (l *lazyPool) get(ctx context.Context) (pgConn, error) {
	l.once.Do(func() {
		l.conn, l.err = connectPostgres(ctx, l.connStr)
		if l.err != nil {
			masked := util.MaskCredentials(l.connStr)
			logging.Logf(logging.Error, "Failed to create postgres connection pool: %s", masked)
			l.err = errors.Wrapf(l.err, "failed to create connection pool (using %s)", masked)
		}
	})
	return l.conn, l.err
}

func (l *lazyPool) close() {
	if l.conn != nil {
		l.conn.Close()
	}
}

// tableIdentifier splits schema.table into a quoted identifier.
func tableIdentifier(table string) pgx.Identifier {
	return pgx.Identifier(strings.Split(table, "."))
}

// --- PostgreSQL Reader ---

// PostgresReader pages a SQL query with LIMIT/OFFSET. It implements
// cursor.OffsetFetcher.
type PostgresReader struct {
	pool  *lazyPool
	query string
}

// NewPostgresReader creates a reader for query against connStr.
func NewPostgresReader(connStr, query string) *PostgresReader {
	return &PostgresReader{
		pool:  &lazyPool{connStr: connStr},
		query: strings.TrimRight(strings.TrimSpace(query), ";"),
	}
}

func (pr *PostgresReader) pagedSQL() string {
	return fmt.Sprintf("SELECT * FROM (%s) AS docpump_src LIMIT $1 OFFSET $2", pr.query)
}

// FetchOffset reads one page of rows. A column named id becomes the record ID.
func (pr *PostgresReader) FetchOffset(ctx context.Context, limit, offset int) ([]record.Record, error) {
	conn, err := pr.pool.get(ctx)
	if err != nil {
		return nil, runerr.Read(err, "postgres connect")
	}
	qctx, cancel := context.WithTimeout(ctx, defaultDbTimeout)
	defer cancel()

	rows, err := conn.Query(qctx, pr.pagedSQL(), limit, offset)
	if err != nil {
		return nil, runerr.Read(errors.Wrapf(err, "failed to execute query '%s'", pr.query), "postgres query")
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	recs := make([]record.Record, 0, limit)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, runerr.Parse(errors.Wrap(err, "failed to scan row values"), "postgres query", runerr.KindRead)
		}
		src := make(map[string]interface{}, len(fields))
		for i, fd := range fields {
			src[fd.Name] = values[i]
		}
		r := record.Record{Source: src}
		if id, ok := src["id"]; ok && id != nil {
			r.ID = fmt.Sprint(id)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, runerr.Read(errors.Wrap(err, "error during row iteration"), "postgres query")
	}
	logging.Logf(logging.Debug, "PostgresReader loaded %d rows at offset %d", len(recs), offset)
	return recs, nil
}

// Close releases the pool.
func (pr *PostgresReader) Close(context.Context) error {
	pr.pool.close()
	return nil
}

func newPostgresSource(connStr, query string, start, skip int) *pagedSource {
	reader := NewPostgresReader(connStr, query)
	return &pagedSource{
		pager:   cursor.WithSkip(cursor.NewOffset(reader, start), skip),
		closers: []func(context.Context) error{reader.Close},
	}
}

// --- PostgreSQL Writer ---

// PostgresWriter loads each batch with COPY FROM. Columns are the sorted
// union of the batch's payload keys; records missing a column get NULL.
type PostgresWriter struct {
	pool        *lazyPool
	targetTable string
}

// NewPostgresWriter creates a writer into targetTable.
func NewPostgresWriter(connStr, targetTable string) *PostgresWriter {
	return &PostgresWriter{pool: &lazyPool{connStr: connStr}, targetTable: targetTable}
}

func (pw *PostgresWriter) Write(ctx context.Context, records []record.Record, _, offset int) (record.WriteOutcome, error) {
	if len(records) == 0 {
		pw.pool.close()
		logging.Logf(logging.Debug, "PostgresWriter: end of stream for table '%s', pool closed", pw.targetTable)
		return record.WriteOutcome{}, nil
	}
	conn, err := pw.pool.get(ctx)
	if err != nil {
		return record.WriteOutcome{}, runerr.Write(err, "postgres connect")
	}

	columns := unionColumns(records)
	rows := make([][]interface{}, len(records))
	for i, r := range records {
		row := make([]interface{}, len(columns))
		for j, col := range columns {
			row[j] = r.Source[col]
		}
		rows[i] = row
	}

	cctx, cancel := context.WithTimeout(ctx, defaultDbTimeout*10)
	defer cancel()
	copied, err := conn.CopyFrom(cctx, tableIdentifier(pw.targetTable), columns, pgx.CopyFromRows(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			logging.Logf(logging.Error, "PostgresWriter (COPY) failed for table '%s'. PG Error Code: %s, Message: %s, Detail: %s", pw.targetTable, pgErr.Code, pgErr.Message, pgErr.Detail)
		}
		return record.WriteOutcome{}, runerr.Write(errors.Wrapf(err, "COPY into '%s' at offset %d", pw.targetTable, offset), "postgres copy")
	}
	if copied != int64(len(records)) {
		logging.Logf(logging.Warning, "PostgresWriter (COPY): expected to copy %d rows to table '%s', driver reported %d", len(records), pw.targetTable, copied)
	}
	return record.WriteOutcome{Writes: int(copied)}, nil
}

func unionColumns(records []record.Record) []string {
	seen := map[string]interface{}{}
	for _, r := range records {
		for k := range r.Source {
			seen[k] = nil
		}
	}
	return record.SortedKeys(seen)
}
