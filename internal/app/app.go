// Package app arma el grafo de servicios a partir de la configuración.
// ledgerd y ledgerctl comparten este wiring.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/dropDatabas3/ledgerkeys/internal/ca"
	"github.com/dropDatabas3/ledgerkeys/internal/cache"
	"github.com/dropDatabas3/ledgerkeys/internal/config"
	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
	"github.com/dropDatabas3/ledgerkeys/internal/keystore"
	"github.com/dropDatabas3/ledgerkeys/internal/ledger"
	"github.com/dropDatabas3/ledgerkeys/internal/observability/logger"
	"github.com/dropDatabas3/ledgerkeys/internal/rotation"
	"github.com/dropDatabas3/ledgerkeys/internal/security/secretbox"
	"github.com/dropDatabas3/ledgerkeys/internal/store/memory"
	"github.com/dropDatabas3/ledgerkeys/internal/store/pg"
	"github.com/dropDatabas3/ledgerkeys/internal/util"
	"github.com/dropDatabas3/ledgerkeys/internal/worker"
	migrations "github.com/dropDatabas3/ledgerkeys/migrations/postgres"
)

type Container struct {
	Config *config.Config
	Store  repository.Store
	Cache  cache.Client

	Keys     *keystore.Service
	CA       *ca.Service
	Rotation *rotation.Service
	Worker   *worker.Worker
	Ledger   *ledger.Service

	// PG es el store postgres cuando el driver lo es (migraciones); nil con memory.
	PG *pg.Store
}

// boxes deriva las dos subclaves de la clave maestra. Sin clave maestra
// ambas quedan en nil: sólo custodia externa y la CA no puede inicializarse.
func boxes(master string) (account, caBox *secretbox.Box, err error) {
	if master == "" {
		return nil, nil, nil
	}
	key, err := secretbox.ParseMasterKey(master)
	if err != nil {
		return nil, nil, err
	}
	if account, err = secretbox.New(key, secretbox.PurposeAccountKeys); err != nil {
		return nil, nil, err
	}
	if caBox, err = secretbox.New(key, secretbox.PurposeCAKeys); err != nil {
		return nil, nil, err
	}
	return account, caBox, nil
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, *pg.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		s, err := pg.New(ctx, cfg.Storage.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Storage.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.From(ctx).Info("storage opened", logger.String("driver", "postgres"),
			logger.String("dsn", util.MaskDSN(cfg.Storage.DSN)))
		return s, s, nil
	case "memory":
		return memory.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("storage driver desconocido: %q", cfg.Storage.Driver)
	}
}

// Build abre storage y cache y construye todos los servicios.
func Build(ctx context.Context, cfg *config.Config) (*Container, error) {
	accBox, caBox, err := boxes(cfg.Security.SecretBoxMasterKey)
	if err != nil {
		return nil, fmt.Errorf("secretbox: %w", err)
	}
	if accBox == nil {
		logger.From(ctx).Warn("SECRETBOX_MASTER_KEY not set: platform custody and CA disabled")
	}

	store, pgStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cc, err := cache.New(ctx, cache.Config{
		Kind:       cfg.Cache.Kind,
		Addr:       cfg.Cache.Redis.Addr,
		Password:   cfg.Cache.Redis.Password,
		DB:         cfg.Cache.Redis.DB,
		Prefix:     cfg.Cache.Redis.Prefix,
		DefaultTTL: cfg.Cache.TTL,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("cache: %w", err)
	}

	c := &Container{Config: cfg, Store: store, Cache: cc, PG: pgStore}
	c.Keys = keystore.New(store, accBox,
		keystore.WithCache(cc, cfg.Cache.TTL),
		keystore.WithMaxEphemeralTTL(cfg.Ephemeral.MaxTTL),
	)
	c.CA = ca.New(store, caBox, c.Keys, ca.Config{
		CertValidity: cfg.CA.CertValidity,
		RootValidity: cfg.CA.RootValidity,
	}, c.Keys.Now)
	c.Rotation = rotation.New(store, c.Keys, c.CA, rotation.Policy{
		UserKeyMaxAgeDays: cfg.Rotation.UserKeyMaxAgeDays,
		CAKeyMaxAgeDays:   cfg.Rotation.CAKeyMaxAgeDays,
		GracePeriodDays:   cfg.Rotation.GracePeriodDays,
	}, c.Keys.Now)

	var wopts []worker.Option
	if cfg.CA.AutoCertify {
		wopts = append(wopts, worker.WithCertifier(c.CA))
	}
	c.Worker = worker.New(store, c.Keys, worker.Config{
		ID:          cfg.Worker.ID,
		BatchSize:   cfg.Worker.BatchSize,
		ClaimTTL:    cfg.Worker.ClaimTTL,
		OpTimeout:   cfg.Storage.OpTimeout,
		Concurrency: cfg.Worker.Concurrency,
	}, wopts...)
	c.Ledger = ledger.New(store, c.Keys)
	return c, nil
}

// Migrate aplica las migraciones embebidas. Con driver memory no hace nada.
func (c *Container) Migrate(ctx context.Context) (*pg.MigrationResult, error) {
	if c.PG == nil {
		return &pg.MigrationResult{}, nil
	}
	return pg.NewMigrator(migrations.LedgerFS, migrations.LedgerDir).Run(ctx, c.PG)
}

func (c *Container) Close() error {
	var errs []error
	if c.Cache != nil {
		errs = append(errs, c.Cache.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}
