package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"habit-sync/internal/metrics"
)

const postgresTableName = "remote_documents"

// Postgres stores documents as rows of one JSONB table keyed by path.
// Batch commits run in a single transaction.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects and creates the document table if needed
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classifyPostgres("connect", "", err)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			path TEXT PRIMARY KEY,
			collection TEXT NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (collection, path);
	`, pq.QuoteIdentifier(postgresTableName), pq.QuoteIdentifier(postgresTableName+"_collection_idx")))
	if err != nil {
		db.Close()
		return nil, classifyPostgres("migrate", "", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Get(ctx context.Context, path string) (*Document, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE path = $1`, pq.QuoteIdentifier(postgresTableName))

	var data []byte
	err := p.db.QueryRowContext(ctx, query, path).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: ErrNotFound, Op: metrics.RemoteOpGet, Path: path}
	}
	if err != nil {
		return nil, classifyPostgres(metrics.RemoteOpGet, path, err)
	}
	return &Document{Path: path, Data: data}, nil
}

func (p *Postgres) CommitBatch(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPostgres(metrics.RemoteOpCommit, "", err)
	}
	defer tx.Rollback()

	table := pq.QuoteIdentifier(postgresTableName)
	upsert := fmt.Sprintf(`
		INSERT INTO %s (path, collection, data, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())
		ON CONFLICT (path)
		DO UPDATE SET collection = EXCLUDED.collection, data = EXCLUDED.data, updated_at = NOW()`, table)
	create := fmt.Sprintf(`
		INSERT INTO %s (path, collection, data, updated_at)
		VALUES ($1, $2, $3::jsonb, NOW())`, table)

	for _, w := range writes {
		query := create
		if w.Merge {
			query = upsert
		}
		if _, err := tx.ExecContext(ctx, query, w.Path, CollectionOf(w.Path), string(w.Data)); err != nil {
			return classifyPostgres(metrics.RemoteOpCommit, w.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyPostgres(metrics.RemoteOpCommit, "", err)
	}
	return nil
}

func (p *Postgres) List(ctx context.Context, collection string) ([]Document, error) {
	query := fmt.Sprintf(`SELECT path, data FROM %s WHERE collection = $1 ORDER BY path`, pq.QuoteIdentifier(postgresTableName))

	rows, err := p.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, classifyPostgres(metrics.RemoteOpList, collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.Path, &d.Data); err != nil {
			return nil, classifyPostgres(metrics.RemoteOpList, collection, err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgres(metrics.RemoteOpList, collection, err)
	}
	return docs, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// classifyPostgres maps driver errors onto the remote taxonomy using the
// SQLSTATE class: 28 is invalid authorization, 23505 a unique violation
func classifyPostgres(op, path string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "28":
			return &Error{Kind: ErrAuthentication, Op: op, Path: path, Err: err}
		case pqErr.Code == "23505":
			return &Error{Kind: ErrConflict, Op: op, Path: path, Err: err}
		}
	}
	return &Error{Kind: ErrTransient, Op: op, Path: path, Err: err}
}
