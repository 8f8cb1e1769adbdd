package app

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
	"github.com/xenking/pattern-settlement/internal/domain/fee"
	"github.com/xenking/pattern-settlement/internal/domain/settlement"
	"github.com/xenking/pattern-settlement/internal/mailer"
	"github.com/xenking/pattern-settlement/internal/storage/postgres"
	"github.com/xenking/pattern-settlement/internal/stripe"
)

// Telemetry is satisfied by *app.Telemetry.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
}

// SettlementConfig is the subset of configuration shared by the API server
// and the reconciliation job.
type SettlementConfig struct {
	Stripe stripe.Config
	Fees   fee.ScheduleConfig
	Fanout fanout.Config
	Mailer mailer.Config
}

// Settlement bundles the settlement service with its collaborators.
type Settlement struct {
	Service     *settlement.Service
	Provider    *stripe.Client
	Dispatcher  *fanout.Dispatcher
	DeadLetters *postgres.DeadLetterRepository

	stop      func()
	done      chan error
	closeOnce sync.Once
	closeErr  error
}

// NewSettlement wires repositories, the fee policy, the payment provider and
// the fan-out dispatcher. The dispatcher workers start immediately and run
// until Close, independent of ctx cancellation.
func NewSettlement(ctx context.Context, pool *pgxpool.Pool, m Telemetry, cfg SettlementConfig) (*Settlement, error) {
	schedule, err := cfg.Fees.Schedule()
	if err != nil {
		return nil, errors.Wrap(err, "fee schedule")
	}

	orders := postgres.NewOrderRepository(pool)
	products := postgres.NewProductRepository(pool)
	deadLetters := postgres.NewDeadLetterRepository(pool)

	dispatcher := fanout.NewDispatcher(cfg.Fanout, fanout.Collaborators{
		Delivery:    mailer.NewDelivery(cfg.Mailer),
		Notifier:    mailer.NewNotifier(cfg.Mailer),
		Loyalty:     postgres.NewLoyaltyRepository(pool),
		DeadLetters: deadLetters,
	}, fanout.WithMeterProvider(m.MeterProvider()))

	provider := stripe.New(cfg.Stripe)
	materializer := settlement.NewMaterializer(orders, products, products, fee.NewPolicy(schedule),
		settlement.WithTracerProvider(m.TracerProvider()),
		settlement.WithMeterProvider(m.MeterProvider()),
	)

	workerCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	s := &Settlement{
		Service:     settlement.NewService(provider, materializer, dispatcher),
		Provider:    provider,
		Dispatcher:  dispatcher,
		DeadLetters: deadLetters,
		stop:        stop,
		done:        make(chan error, 1),
	}
	go func() { s.done <- dispatcher.Run(workerCtx) }()
	return s, nil
}

// Close stops accepting fan-out work and waits for the queue to drain.
// Safe to call more than once.
func (s *Settlement) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		s.closeErr = <-s.done
	})
	return s.closeErr
}
