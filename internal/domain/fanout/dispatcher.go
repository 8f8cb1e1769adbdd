package fanout

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task kinds, also used as dead-letter kinds.
const (
	KindDelivery = "delivery"
	KindNotify   = "notify_seller"
	KindLoyalty  = "loyalty"
)

var errQueueFull = errors.New("fan-out queue full")

// Config controls the worker pool.
type Config struct {
	Workers        int           `default:"4"     usage:"Fan-out worker count"`
	QueueSize      int           `default:"256"   usage:"Fan-out queue capacity"`
	MaxAttempts    uint          `default:"3"     usage:"Attempts per side effect before dead-lettering"`
	InitialBackoff time.Duration `default:"200ms" usage:"First retry delay"`
	MaxBackoff     time.Duration `default:"5s"    usage:"Retry delay cap"`
	DrainTimeout   time.Duration `default:"10s"   usage:"Time allowed to drain the queue on shutdown"`
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 1
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = time.Second
	}
}

// Collaborators are the side-effect targets. Loyalty and DeadLetters may be nil.
type Collaborators struct {
	Delivery    Deliverer
	Notifier    Notifier
	Loyalty     LoyaltyLedger
	DeadLetters DeadLetterSink
}

type task struct {
	kind      string
	ref       string
	sessionID string
	lg        *zap.Logger
	run       func(ctx context.Context) error
}

// Dispatcher queues batches as independent tasks and runs them on a fixed
// pool of workers, retrying each with exponential backoff. A task that keeps
// failing, or that finds the queue full, is written to the dead-letter sink.
type Dispatcher struct {
	cfg      Config
	collab   Collaborators
	queue    chan task
	stopping atomic.Bool
	now      func() time.Time
	failures metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMeterProvider sets the meter provider for failure counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(d *Dispatcher) {
		if c, err := mp.Meter("fanout").Int64Counter("fanout.failures"); err == nil {
			d.failures = c
		}
	}
}

// NewDispatcher creates a Dispatcher. Call Run to start the workers.
func NewDispatcher(cfg Config, collab Collaborators, opts ...Option) *Dispatcher {
	cfg.setDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		collab: collab,
		queue:  make(chan task, cfg.QueueSize),
		now:    time.Now,
	}
	d.failures, _ = noop.NewMeterProvider().Meter("fanout").Int64Counter("fanout.failures")
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch enqueues the batch's side effects without waiting for them.
func (d *Dispatcher) Dispatch(ctx context.Context, b Batch) {
	lg := zctx.From(ctx).With(zap.String("session_id", b.SessionID))
	for _, t := range d.plan(b, lg) {
		if d.stopping.Load() {
			d.deadLetter(ctx, t, errors.New("dispatcher stopped"), 0)
			continue
		}
		select {
		case d.queue <- t:
		default:
			d.deadLetter(ctx, t, errQueueFull, 0)
		}
	}
}

// QueueDepth returns the number of queued tasks.
func (d *Dispatcher) QueueDepth() int { return len(d.queue) }

// Saturated reports whether the queue is at least 90% full.
func (d *Dispatcher) Saturated() bool {
	return len(d.queue)*10 >= cap(d.queue)*9
}

// Run starts the workers and blocks until ctx is cancelled and queued tasks
// are drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	<-ctx.Done()
	d.stopping.Store(true)
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "workers")
	}
	return nil
}

// work runs tasks until ctx is done. Tasks already picked up run to
// completion, queued ones share the drain deadline.
func (d *Dispatcher) work(ctx context.Context) {
	execCtx := context.WithoutCancel(ctx)
	for {
		select {
		case t := <-d.queue:
			d.execute(execCtx, t)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.DrainTimeout)
			defer cancel()
			for {
				select {
				case t := <-d.queue:
					d.execute(drainCtx, t)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, t task) {
	ctx = zctx.Base(ctx, t.lg)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.InitialBackoff
	eb.MaxInterval = d.cfg.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, safeRun(ctx, t.run)
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(d.cfg.MaxAttempts))
	if err != nil {
		d.deadLetter(ctx, t, err, attempts)
	}
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backoff.Permanent(fmt.Errorf("panic: %v", r))
		}
	}()
	return fn(ctx)
}

func (d *Dispatcher) deadLetter(ctx context.Context, t task, cause error, attempts int) {
	lg := t.lg
	if lg == nil {
		lg = zctx.From(ctx)
	}
	lg.Error("Fan-out task failed",
		zap.String("kind", t.kind),
		zap.String("ref", t.ref),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	d.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", t.kind)))

	if d.collab.DeadLetters == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.collab.DeadLetters.Record(recCtx, DeadLetter{
		Kind:      t.kind,
		Ref:       t.ref,
		SessionID: t.sessionID,
		Attempts:  attempts,
		Error:     cause.Error(),
		CreatedAt: d.now(),
	}); err != nil {
		lg.Error("Record dead letter", zap.Error(err))
	}
}

// plan turns a batch into independent tasks.
func (d *Dispatcher) plan(b Batch, lg *zap.Logger) []task {
	var tasks []task

	if d.collab.Delivery != nil {
		for _, o := range b.Orders {
			p, ok := b.Products[o.ProductID]
			if !ok || !p.HasFiles() {
				continue
			}
			if o.BuyerEmail == nil || *o.BuyerEmail == "" {
				lg.Warn("Delivery blocked: no buyer email", zap.String("order_id", o.ID))
				continue
			}
			email := *o.BuyerEmail
			tasks = append(tasks, task{
				kind:      KindDelivery,
				ref:       o.ID,
				sessionID: b.SessionID,
				lg:        lg.With(zap.String("order_id", o.ID)),
				run: func(ctx context.Context) error {
					return d.collab.Delivery.Deliver(ctx, o, p, email)
				},
			})
		}
	}

	if d.collab.Notifier != nil {
		for _, n := range Notifications(b) {
			if n.SellerEmail == "" {
				lg.Warn("Seller notification skipped: no email", zap.String("seller_id", n.SellerID))
				continue
			}
			tasks = append(tasks, task{
				kind:      KindNotify,
				ref:       n.SellerID,
				sessionID: b.SessionID,
				lg:        lg.With(zap.String("seller_id", n.SellerID)),
				run: func(ctx context.Context) error {
					return d.collab.Notifier.NotifySeller(ctx, n)
				},
			})
		}
	}

	if d.collab.Loyalty != nil {
		if awards := Awards(b); len(awards) > 0 {
			tasks = append(tasks, task{
				kind:      KindLoyalty,
				ref:       b.SessionID,
				sessionID: b.SessionID,
				lg:        lg,
				run: func(ctx context.Context) error {
					_, err := d.collab.Loyalty.Award(ctx, awards)
					return err
				},
			})
		}
	}

	return tasks
}
