// Command reconcile re-drives settlement for a provider export of checkout
// session ids. Sessions that were already settled are skipped by the
// idempotency guard; newly settled ones get the usual fan-out.
package main

import (
	"context"
	"os"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	appkg "github.com/xenking/pattern-settlement/internal/app"
	"github.com/xenking/pattern-settlement/internal/domain/fanout"
	"github.com/xenking/pattern-settlement/internal/domain/fee"
	"github.com/xenking/pattern-settlement/internal/mailer"
	"github.com/xenking/pattern-settlement/internal/reconcile"
	"github.com/xenking/pattern-settlement/internal/storage/postgres"
	"github.com/xenking/pattern-settlement/internal/stripe"
)

type config struct {
	File        string `usage:"Session id export, one id per line; .gz is decompressed" flag:"file"`
	DatabaseURL string `usage:"PostgreSQL connection URL (SETTLE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Stripe      stripe.Config
	Fees        fee.ScheduleConfig
	Fanout      fanout.Config
	Mailer      mailer.Config
	Reconcile   reconcile.Config
}

func loadConfig() (*config, error) {
	var cfg config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SETTLE",
		Files:     []string{"config.yaml", "/etc/settle/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if cfg.Stripe.SecretKey == "" {
		cfg.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")
	}
	switch {
	case cfg.File == "":
		return nil, errors.New("export file is required: set --file")
	case cfg.DatabaseURL == "":
		return nil, errors.New("database URL is required: set SETTLE_DATABASE_URL or DATABASE_URL")
	case cfg.Stripe.SecretKey == "":
		return nil, errors.New("stripe secret key is required: set SETTLE_STRIPE_SECRET_KEY")
	}
	return &cfg, nil
}

func main() {
	app.Run(func(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(ctx, lg, m, cfg)
	})
}

func run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *config) error {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	st, err := appkg.NewSettlement(ctx, pool, m, appkg.SettlementConfig{
		Stripe: cfg.Stripe,
		Fees:   cfg.Fees,
		Fanout: cfg.Fanout,
		Mailer: cfg.Mailer,
	})
	if err != nil {
		return errors.Wrap(err, "wire settlement")
	}

	lg.Info("Reconciling", zap.String("file", cfg.File), zap.Int("concurrency", cfg.Reconcile.Concurrency))
	rep, runErr := reconcile.New(cfg.Reconcile, st.Service).RunFile(ctx, cfg.File)

	// Side effects of newly settled sessions must drain before exit.
	if err := st.Close(); err != nil {
		lg.Error("Fan-out drain failed", zap.Error(err))
	}

	lg.Info("Reconcile finished",
		zap.Int("read", rep.Read),
		zap.Int("duplicates", rep.Duplicates),
		zap.Int("settled", rep.Settled),
		zap.Int("orders_created", rep.OrdersCreated),
		zap.Int("already_processed", rep.AlreadyProcessed),
		zap.Int("unpaid", rep.Unpaid),
		zap.Int("not_found", rep.NotFound),
		zap.Int("failed", rep.Failed),
	)
	if runErr != nil {
		return errors.Wrap(runErr, "reconcile")
	}
	if rep.Failed > 0 {
		return errors.Errorf("%d sessions failed to settle", rep.Failed)
	}
	return nil
}
