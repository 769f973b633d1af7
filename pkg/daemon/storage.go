package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/papercomputeco/agentdbg/pkg/config"
	"github.com/papercomputeco/agentdbg/pkg/dotdir"
	"github.com/papercomputeco/agentdbg/pkg/eventstream"
	"github.com/papercomputeco/agentdbg/pkg/eventstream/kafka"
	"github.com/papercomputeco/agentdbg/pkg/eventstream/nop"
	"github.com/papercomputeco/agentdbg/pkg/storage"
	"github.com/papercomputeco/agentdbg/pkg/storage/inmemory"
	"github.com/papercomputeco/agentdbg/pkg/storage/postgres"
	"github.com/papercomputeco/agentdbg/pkg/storage/sqlite"
)

// SQLitePath resolves the database file: the configured path, or
// agentdbg.sqlite inside dir.
func SQLitePath(c config.StorageConfig, dir string) (string, error) {
	if c.SQLitePath != "" {
		return c.SQLitePath, nil
	}
	if dir == "" {
		return "", errors.New("sqlite storage needs storage.sqlite_path or an agentdbg directory")
	}
	return filepath.Join(dir, dotdir.DatabaseFile), nil
}

func newStorageDriver(ctx context.Context, c config.StorageConfig, dir string, logger *zap.Logger) (storage.Driver, error) {
	switch c.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory storage")
		return inmemory.NewDriver(), nil

	case config.DriverSQLite:
		path, err := SQLitePath(c, dir)
		if err != nil {
			return nil, err
		}
		driver, err := sqlite.NewSQLiteDriver(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite storer: %w", err)
		}
		logger.Info("using SQLite storage", zap.String("path", path))
		return driver, nil

	case config.DriverPostgres:
		driver, err := postgres.NewDriver(ctx, c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL storer: %w", err)
		}
		logger.Info("using PostgreSQL storage")
		return driver, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", c.Driver)
}

func newPublisher(c config.EventStreamConfig, logger *zap.Logger) (eventstream.Publisher, error) {
	switch c.Provider {
	case config.EventStreamNone, "":
		return nop.NewPublisher(), nil

	case config.EventStreamKafka:
		p, err := kafka.NewPublisher(kafka.Config{
			Brokers: c.Brokers,
			Topic:   c.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("creating kafka publisher: %w", err)
		}
		logger.Info("publishing recording events to kafka",
			zap.Strings("brokers", c.Brokers),
			zap.String("topic", c.Topic),
		)
		return p, nil
	}
	return nil, fmt.Errorf("unknown event stream provider %q", c.Provider)
}
