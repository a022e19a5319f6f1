// Package backend opens the signalstore.Store selected by configuration.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/webroker/reelwatch/internal/config"
	"github.com/webroker/reelwatch/internal/metrics"
	"github.com/webroker/reelwatch/internal/signalstore"
	"github.com/webroker/reelwatch/internal/signalstore/memstore"
	"github.com/webroker/reelwatch/internal/signalstore/mongostore"
	"github.com/webroker/reelwatch/internal/signalstore/remote"
	"github.com/webroker/reelwatch/internal/signalstore/sqlstore"
)

// Open returns the store named by cfg.Store, or by fallback when the
// configuration left it empty.
func Open(ctx context.Context, cfg config.Config, fallback config.StoreKind, logger *slog.Logger, m *metrics.Metrics) (signalstore.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kind := cfg.Store
	if kind == "" {
		kind = fallback
	}

	switch kind {
	case config.StoreMemory:
		return memstore.New(memstore.Options{TTL: cfg.SessionTTL}), nil
	case config.StoreSQLite:
		s, err := sqlstore.Open(cfg.SQLitePath, sqlstore.Options{
			TTL:          cfg.SessionTTL,
			PollInterval: cfg.StorePollInterval,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.SQLitePath, err)
		}
		return s, nil
	case config.StoreMongo:
		s, err := mongostore.Open(ctx, mongostore.Options{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
			TTL:      cfg.SessionTTL,
			Logger:   logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return s, nil
	case config.StoreRemote:
		c, err := remote.New(remote.Options{
			BaseURL: cfg.StoreURL,
			APIKey:  cfg.APIKey,
			Metrics: m,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}
