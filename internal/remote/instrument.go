package remote

import (
	"context"
	"errors"
	"time"

	"habit-sync/internal/metrics"
)

// instrumented records request counts and latency for a backend
type instrumented struct {
	backend string
	store   Store
}

// Instrument wraps a store with Prometheus request metrics
func Instrument(backend string, s Store) Store {
	return &instrumented{backend: backend, store: s}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	metrics.RemoteRequestDuration.WithLabelValues(i.backend, op).Observe(time.Since(start).Seconds())
	result := metrics.ResultSuccess
	if err != nil && !errors.Is(err, ErrNotFound) {
		result = metrics.ResultFailure
	}
	metrics.RemoteRequestsTotal.WithLabelValues(i.backend, op, result).Inc()
}

func (i *instrumented) Get(ctx context.Context, path string) (*Document, error) {
	start := time.Now()
	doc, err := i.store.Get(ctx, path)
	i.observe(metrics.RemoteOpGet, start, err)
	return doc, err
}

func (i *instrumented) CommitBatch(ctx context.Context, writes []Write) error {
	start := time.Now()
	err := i.store.CommitBatch(ctx, writes)
	i.observe(metrics.RemoteOpCommit, start, err)
	return err
}

func (i *instrumented) List(ctx context.Context, collection string) ([]Document, error) {
	start := time.Now()
	docs, err := i.store.List(ctx, collection)
	i.observe(metrics.RemoteOpList, start, err)
	return docs, err
}

func (i *instrumented) Close() error {
	return i.store.Close()
}
