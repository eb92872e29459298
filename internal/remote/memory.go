package remote

import (
	"context"
	"sort"
	"sync"

	"habit-sync/internal/metrics"
)

// Memory is an in-process Store. It backs the memory remote backend and the
// sync tests, which use its hooks to inject failures.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte

	commitHook func(writes []Write) error
	getHook    func(path string) error

	commits int
	gets    int
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{docs: make(map[string][]byte)}
}

// OnCommit installs a hook run before every batch commit. A non-nil return
// fails the batch without applying it.
func (m *Memory) OnCommit(hook func(writes []Write) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitHook = hook
}

// OnGet installs a hook run before every Get
func (m *Memory) OnGet(hook func(path string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getHook = hook
}

func (m *Memory) Get(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrTransient, Op: metrics.RemoteOpGet, Path: path, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.gets++
	if m.getHook != nil {
		if err := m.getHook(path); err != nil {
			return nil, err
		}
	}

	data, ok := m.docs[path]
	if !ok {
		return nil, &Error{Kind: ErrNotFound, Op: metrics.RemoteOpGet, Path: path}
	}
	return &Document{Path: path, Data: append([]byte(nil), data...)}, nil
}

func (m *Memory) CommitBatch(ctx context.Context, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: ErrTransient, Op: metrics.RemoteOpCommit, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.commits++
	if m.commitHook != nil {
		if err := m.commitHook(writes); err != nil {
			return err
		}
	}

	for _, w := range writes {
		if _, exists := m.docs[w.Path]; exists && !w.Merge {
			return &Error{Kind: ErrConflict, Op: metrics.RemoteOpCommit, Path: w.Path}
		}
	}
	for _, w := range writes {
		m.docs[w.Path] = append([]byte(nil), w.Data...)
	}
	return nil
}

func (m *Memory) List(ctx context.Context, collection string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: ErrTransient, Op: metrics.RemoteOpList, Path: collection, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var docs []Document
	for path, data := range m.docs {
		if CollectionOf(path) == collection {
			docs = append(docs, Document{Path: path, Data: append([]byte(nil), data...)})
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

func (m *Memory) Close() error {
	return nil
}

// Put stores a document directly, bypassing hooks
func (m *Memory) Put(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[path] = append([]byte(nil), data...)
}

// Snapshot returns a copy of every stored document keyed by path
func (m *Memory) Snapshot() map[string][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.docs))
	for k, v := range m.docs {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// Commits returns how many batch commits were attempted
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// Gets returns how many Get calls were made
func (m *Memory) Gets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}
