package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AccountGuard/internal/api"
	"AccountGuard/internal/config"
	"AccountGuard/internal/engine"
	"AccountGuard/internal/events"
	"AccountGuard/internal/store"
	mysqlstore "AccountGuard/internal/storage/mysql"
	redisstore "AccountGuard/internal/storage/redis"
	"AccountGuard/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("accountguardd failed: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ACCOUNTGUARD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "accountguard.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		if err := logger.Close(); err != nil {
			log.Printf("close logger: %v", err)
		}
	}()

	moduleStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := moduleStore.Close(); err != nil {
			logger.L().Warn("close store", "error", err)
		}
	}()

	publisher, err := buildPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.L().Warn("close event publisher", "error", err)
		}
	}()

	eng, err := engine.New(engine.Config{
		Store:  moduleStore,
		Events: publisher,
	})
	if err != nil {
		return err
	}

	logger.L().Info("accountguardd starting",
		"address", cfg.Server.Address,
		"store_driver", cfg.Store.Driver,
		"events_driver", cfg.Events.Driver,
	)

	server := api.NewServer(cfg.Server.Address, eng)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "mysql":
		return mysqlstore.NewStore(ctx, mysqlstore.Config{
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Store.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Store.ConnMaxIdleTimeSeconds) * time.Second,
		})
	case "redis":
		return redisstore.NewStore(redisstore.Config{
			Address:   cfg.Store.Redis.Address,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func buildPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryPublisher(cfg.Events.Buffer), nil
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("unsupported events driver: %s", cfg.Events.Driver)
	}
}
