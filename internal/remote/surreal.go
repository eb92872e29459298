package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	surrealdb "github.com/surrealdb/surrealdb.go"

	"habit-sync/internal/metrics"
)

const surrealTable = "documents"

// SurrealConfig holds the connection settings of a SurrealDB store
type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// Surreal stores documents as records of one table keyed by path. The body
// is kept as a JSON string so it round-trips byte for byte.
type Surreal struct {
	db *surrealdb.DB
}

type surrealDocument struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
	Data       string `json:"data"`
}

// OpenSurreal connects, signs in and selects the namespace and database
func OpenSurreal(ctx context.Context, cfg SurrealConfig) (*Surreal, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, cfg.URL)
	if err != nil {
		return nil, classifySurreal("connect", "", err)
	}

	if cfg.Username != "" {
		_, err := db.SignIn(ctx, surrealdb.Auth{
			Username: cfg.Username,
			Password: cfg.Password,
		})
		if err != nil {
			db.Close(ctx)
			return nil, &Error{Kind: ErrAuthentication, Op: "signin", Err: err}
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		db.Close(ctx)
		return nil, classifySurreal("use", "", err)
	}

	return &Surreal{db: db}, nil
}

func (s *Surreal) Get(ctx context.Context, path string) (*Document, error) {
	results, err := surrealdb.Query[[]surrealDocument](ctx, s.db,
		`SELECT path, collection, data FROM type::thing($tb, $path)`,
		map[string]any{"tb": surrealTable, "path": path})
	if err != nil {
		return nil, classifySurreal(metrics.RemoteOpGet, path, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, &Error{Kind: ErrNotFound, Op: metrics.RemoteOpGet, Path: path}
	}

	doc := (*results)[0].Result[0]
	return &Document{Path: doc.Path, Data: []byte(doc.Data)}, nil
}

// CommitBatch sends every write as one transaction, so SurrealDB applies
// all of them or none
func (s *Surreal) CommitBatch(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	var q strings.Builder
	vars := map[string]any{"tb": surrealTable}

	q.WriteString("BEGIN TRANSACTION;\n")
	for i, w := range writes {
		verb := "CREATE"
		if w.Merge {
			verb = "UPSERT"
		}
		fmt.Fprintf(&q, "%s type::thing($tb, $p%d) CONTENT $c%d;\n", verb, i, i)
		vars[fmt.Sprintf("p%d", i)] = w.Path
		vars[fmt.Sprintf("c%d", i)] = map[string]any{
			"path":       w.Path,
			"collection": CollectionOf(w.Path),
			"data":       string(w.Data),
		}
	}
	q.WriteString("COMMIT TRANSACTION;")

	results, err := surrealdb.Query[any](ctx, s.db, q.String(), vars)
	if err != nil {
		return classifySurreal(metrics.RemoteOpCommit, "", err)
	}
	if results != nil {
		for _, r := range *results {
			if r.Status != "OK" {
				return classifySurreal(metrics.RemoteOpCommit, "", fmt.Errorf("statement status %s", r.Status))
			}
		}
	}
	return nil
}

func (s *Surreal) List(ctx context.Context, collection string) ([]Document, error) {
	results, err := surrealdb.Query[[]surrealDocument](ctx, s.db,
		`SELECT path, collection, data FROM type::table($tb) WHERE collection = $collection ORDER BY path`,
		map[string]any{"tb": surrealTable, "collection": collection})
	if err != nil {
		return nil, classifySurreal(metrics.RemoteOpList, collection, err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}

	var docs []Document
	for _, d := range (*results)[0].Result {
		docs = append(docs, Document{Path: d.Path, Data: []byte(d.Data)})
	}
	return docs, nil
}

func (s *Surreal) Close() error {
	return s.db.Close(context.Background())
}

// classifySurreal maps SurrealDB errors onto the remote taxonomy. The SDK
// reports IAM failures only through the message text.
func classifySurreal(op, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: ErrTransient, Op: op, Path: path, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication"),
		strings.Contains(msg, "iam error"),
		strings.Contains(msg, "not enough permissions"),
		strings.Contains(msg, "token has expired"):
		return &Error{Kind: ErrAuthentication, Op: op, Path: path, Err: err}
	case strings.Contains(msg, "already exists"):
		return &Error{Kind: ErrConflict, Op: op, Path: path, Err: err}
	}
	return &Error{Kind: ErrTransient, Op: op, Path: path, Err: err}
}
