package remote

import (
	"context"
	"fmt"

	"habit-sync/internal/config"
)

// Open connects to the configured backend. It returns a nil Store for the
// none backend, leaving the device local-only.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.RemoteBackend {
	case config.BackendNone, "":
		return nil, nil
	case config.BackendMemory:
		return Instrument(cfg.RemoteBackend, NewMemory()), nil
	case config.BackendSurrealDB:
		s, err := OpenSurreal(ctx, SurrealConfig{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNS,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPassword,
		})
		if err != nil {
			return nil, err
		}
		return Instrument(cfg.RemoteBackend, s), nil
	case config.BackendPostgres:
		p, err := OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return Instrument(cfg.RemoteBackend, p), nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.RemoteBackend)
	}
}
