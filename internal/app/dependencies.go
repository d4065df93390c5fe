package app

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/repairdesk/internal/health"
	"github.com/vladislavdragonenkov/repairdesk/internal/storage/memory"
	"github.com/vladislavdragonenkov/repairdesk/internal/storage/mongodb"
	"github.com/vladislavdragonenkov/repairdesk/internal/storage/postgres"
)

// runtimeDependencies: хранилища, выбранные конфигурацией.
type runtimeDependencies struct {
	store          domain.OrderStore
	outbox         domain.OutboxRepository
	ephemeral      domain.EphemeralStore
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func (d *runtimeDependencies) close(logger *log.Entry) {
	if d == nil || d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// initRuntimeDependencies открывает хранилище по cfg.StorageDriver.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		return &runtimeDependencies{
			store:     memory.NewOrderStore(),
			outbox:    memory.NewOutboxRepository(),
			ephemeral: memory.NewEphemeralStore(),
		}, nil
	case StorageDriverPostgres:
		return initPostgres(ctx, cfg, logger)
	case StorageDriverMongo:
		return initMongo(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}
}

func initPostgres(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, errors.New("postgres storage requires a DSN")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply postgres migrations: %w", err)
		}
		logger.Info("postgres schema is up to date")
	}

	return &runtimeDependencies{
		store:          postgres.NewOrderStore(store),
		outbox:         postgres.NewOutboxRepository(store),
		ephemeral:      postgres.NewEphemeralStore(store),
		storageChecker: healthcheck.NewPingChecker("postgres", store.Ping),
		closeFn:        store.Close,
	}, nil
}

// initMongo подключает MongoDB для заявок, outbox и вспомогательных ключей.
func initMongo(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.MongoURI == "" {
		return nil, errors.New("mongo storage requires a URI")
	}

	client, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.EnsureIndexes(ctx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("ensure mongo indexes: %w", err)
	}
	logger.WithField("database", cfg.MongoDatabase).Info("mongo storage initialized")

	return &runtimeDependencies{
		store:          mongodb.NewOrderStore(client),
		outbox:         mongodb.NewOutboxRepository(client),
		ephemeral:      mongodb.NewEphemeralStore(client),
		storageChecker: healthcheck.NewPingChecker("mongo", client.Ping),
		closeFn:        func() error { return client.Close(context.Background()) },
	}, nil
}
