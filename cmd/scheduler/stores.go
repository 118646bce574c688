package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"campaignplane/internal/config"
	"campaignplane/internal/controller/handlers"
	"campaignplane/internal/store"
	"campaignplane/internal/store/filestore"
	"campaignplane/internal/store/postgres"
)

// stores bundles the three persistent maps of the engine.
type stores struct {
	state      store.Store[store.TenantState]
	stats      store.Store[store.TenantStats]
	heartbeats store.Store[store.Heartbeat]
	close      func() error
}

// degradable lists the stores gating readiness.
func (s stores) degradable() []handlers.Degradable {
	return []handlers.Degradable{s.state, s.stats, s.heartbeats}
}

// openStores opens the configured backend.
func openStores(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (stores, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return stores{}, fmt.Errorf("connecting to postgres: %w", err)
		}
		return stores{
			state:      postgres.NewMap(pg, "state", store.NewTenantState, logger),
			stats:      postgres.NewMap(pg, "stats", store.NewTenantStats, logger),
			heartbeats: postgres.NewMap(pg, "heartbeats", store.NewHeartbeat, logger),
			close:      pg.Close,
		}, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return stores{}, fmt.Errorf("creating data dir: %w", err)
		}
		return stores{
			state:      filestore.New("state", filepath.Join(cfg.DataDir, "state.json"), store.NewTenantState, logger),
			stats:      filestore.New("stats", filepath.Join(cfg.DataDir, "stats.json"), store.NewTenantStats, logger),
			heartbeats: filestore.New("heartbeats", filepath.Join(cfg.DataDir, "heartbeats.json"), store.NewHeartbeat, logger),
			close:      func() error { return nil },
		}, nil
	}
}
