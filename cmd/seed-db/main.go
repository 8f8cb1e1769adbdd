// Command seed-db upserts sellers and products from a JSON catalog.
package main

import (
	"context"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	"github.com/xenking/pattern-settlement/internal/storage/postgres"
)

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(ctx, lg, cfg)
	})
}

func run(ctx context.Context, lg *zap.Logger, cfg *config) error {
	lg.Info("Reading catalog", zap.String("path", cfg.CatalogFile))
	data, err := os.ReadFile(cfg.CatalogFile)
	if err != nil {
		return errors.Wrap(err, "read catalog file")
	}
	cat, err := decodeCatalog(data)
	if err != nil {
		return errors.Wrap(err, "parse catalog")
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := postgres.NewProductRepository(pool)
	if err := repo.UpsertSellers(ctx, cat.Sellers); err != nil {
		return errors.Wrap(err, "seed sellers")
	}
	lg.Info("Upserted sellers", zap.Int("count", len(cat.Sellers)))

	if err := repo.UpsertProducts(ctx, cat.Products); err != nil {
		return errors.Wrap(err, "seed products")
	}
	lg.Info("Upserted products", zap.Int("count", len(cat.Products)))
	return nil
}
