package settlement

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/pattern-settlement/internal/domain/fee"
	"github.com/xenking/pattern-settlement/internal/domain/order"
	"github.com/xenking/pattern-settlement/internal/domain/payment"
	"github.com/xenking/pattern-settlement/internal/domain/product"
	"github.com/xenking/pattern-settlement/internal/domain/tax"
)

const instrumentationName = "github.com/xenking/pattern-settlement/internal/domain/settlement"

// Result is the outcome of materializing one session.
type Result struct {
	SessionID string
	Status    order.Status
	// AlreadySettled is set when the session was claimed before this call.
	// Existing then holds the order count of that claim and Orders is empty.
	AlreadySettled bool
	Existing       int
	Orders         []order.Order
	Products       map[string]product.Product
	Sellers        map[string]product.Seller
	Dropped        []string
}

// Materializer turns a paid session into persisted orders.
type Materializer struct {
	orders   order.Repository
	products product.Repository
	sellers  product.SellerRepository
	policy   *fee.Policy
	guard    *Guard

	tracer       trace.Tracer
	created      metric.Int64Counter
	shortCircuit metric.Int64Counter
	now          func() time.Time
	newID        func() string
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Materializer) { m.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Materializer) { m.initMetrics(mp) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Materializer) { m.now = now }
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Materializer) { m.newID = newID }
}

// NewMaterializer creates a Materializer.
func NewMaterializer(
	orders order.Repository,
	products product.Repository,
	sellers product.SellerRepository,
	policy *fee.Policy,
	opts ...Option,
) *Materializer {
	m := &Materializer{
		orders:   orders,
		products: products,
		sellers:  sellers,
		policy:   policy,
		guard:    NewGuard(orders),
		tracer:   tracenoop.NewTracerProvider().Tracer(instrumentationName),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
	m.initMetrics(metricnoop.NewMeterProvider())
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Materializer) initMetrics(mp metric.MeterProvider) {
	meter := mp.Meter(instrumentationName)
	if c, err := meter.Int64Counter("settlement.orders.created",
		metric.WithDescription("Orders written by settlement"),
	); err == nil {
		m.created = c
	}
	if c, err := meter.Int64Counter("settlement.short_circuit",
		metric.WithDescription("Settlement calls skipped because the session was already settled"),
	); err == nil {
		m.shortCircuit = c
	}
}

type line struct {
	item     LineItem
	product  product.Product
	subtotal int64
}

// Materialize settles a paid session. It is safe to call concurrently and
// repeatedly for the same session: exactly one call writes orders, the rest
// return AlreadySettled.
func (m *Materializer) Materialize(ctx context.Context, sess *payment.Session) (_ *Result, rerr error) {
	ctx, span := m.tracer.Start(ctx, "settlement.Materialize",
		trace.WithAttributes(attribute.String("session.id", sess.ID)),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()
	lg := zctx.From(ctx).With(zap.String("session_id", sess.ID))

	purchase, err := ParsePurchase(sess)
	if err != nil {
		return nil, err
	}

	claim, err := m.guard.TryClaim(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if claim.AlreadySettled {
		return m.settled(ctx, lg, sess, purchase, claim), nil
	}

	lines, products, err := m.resolveLines(ctx, lg, sess, purchase)
	if err != nil {
		return nil, err
	}
	sellers, err := m.lookupSellers(ctx, products)
	if err != nil {
		return nil, err
	}

	orders := m.buildOrders(lg, sess, purchase, lines, sellers)
	if purchase.BuyerEmail == nil {
		lg.Warn("Buyer email missing, delivery blocked until backfill")
	}

	if err := m.orders.CreateBatch(ctx, sess.ID, orders); err != nil {
		if errors.Is(err, order.ErrAlreadySettled) {
			// Lost the race to a concurrent settlement of the same session.
			claim, cerr := m.guard.TryClaim(ctx, sess.ID)
			if cerr != nil {
				return nil, cerr
			}
			claim.AlreadySettled = true
			return m.settled(ctx, lg, sess, purchase, claim), nil
		}
		return nil, errors.Wrap(err, "create orders")
	}

	if purchase.BuyerEmail == nil {
		if m.backfill(ctx, lg, sess) {
			email := sess.CustomerDetailsEmail
			for i := range orders {
				orders[i].BuyerEmail = &email
			}
		}
	}

	m.created.Add(ctx, int64(len(orders)))
	span.SetAttributes(attribute.Int("orders.created", len(orders)))
	lg.Info("Session settled",
		zap.Int("orders", len(orders)),
		zap.Int("dropped", len(lines.dropped)),
	)

	return &Result{
		SessionID: sess.ID,
		Status:    order.StatusCompleted,
		Orders:    orders,
		Products:  products,
		Sellers:   sellers,
		Dropped:   lines.dropped,
	}, nil
}

// Expire records the session as expired unless it is already settled.
// Reports whether the expired claim was written.
func (m *Materializer) Expire(ctx context.Context, sessionID string) (_ bool, rerr error) {
	ctx, span := m.tracer.Start(ctx, "settlement.Expire",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.End()
	}()

	claim, err := m.guard.TryClaim(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if claim.AlreadySettled {
		m.shortCircuit.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(claim.Status))))
		return false, nil
	}
	written, err := m.orders.Expire(ctx, sessionID)
	if err != nil {
		return false, errors.Wrap(err, "expire session")
	}
	if !written {
		m.shortCircuit.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "race")))
	}
	return written, nil
}

func (m *Materializer) settled(ctx context.Context, lg *zap.Logger, sess *payment.Session, p *Purchase, claim Claim) *Result {
	m.shortCircuit.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(claim.Status))))
	lg.Info("Session already settled",
		zap.String("status", string(claim.Status)),
		zap.Int("existing", claim.Existing),
	)
	if claim.Status == order.StatusCompleted {
		if p.BuyerEmail != nil {
			m.backfillEmail(ctx, lg, sess.ID, *p.BuyerEmail)
		} else {
			m.backfill(ctx, lg, sess)
		}
	}
	return &Result{
		SessionID:      sess.ID,
		Status:         claim.Status,
		AlreadySettled: true,
		Existing:       claim.Existing,
	}
}

func (m *Materializer) backfill(ctx context.Context, lg *zap.Logger, sess *payment.Session) bool {
	if sess.CustomerDetailsEmail == "" {
		return false
	}
	return m.backfillEmail(ctx, lg, sess.ID, sess.CustomerDetailsEmail)
}

// backfillEmail is best effort; a failure leaves delivery blocked but the
// orders committed.
func (m *Materializer) backfillEmail(ctx context.Context, lg *zap.Logger, sessionID, email string) bool {
	n, err := m.orders.BackfillBuyerEmail(ctx, sessionID, email)
	if err != nil {
		lg.Warn("Backfill buyer email", zap.Error(err))
		return false
	}
	if n > 0 {
		lg.Info("Buyer email backfilled", zap.Int64("orders", n))
	}
	return true
}

type resolvedLines struct {
	lines   []line
	dropped []string
}

func (m *Materializer) resolveLines(
	ctx context.Context,
	lg *zap.Logger,
	sess *payment.Session,
	p *Purchase,
) (resolvedLines, map[string]product.Product, error) {
	ids := make([]string, len(p.Items))
	for i, it := range p.Items {
		ids[i] = it.ProductID
	}
	fetched, err := m.products.GetByIDs(ctx, ids)
	if err != nil {
		return resolvedLines{}, nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, pr := range fetched {
		byID[pr.ID] = pr
	}

	var out resolvedLines
	for _, it := range p.Items {
		pr, ok := byID[it.ProductID]
		if !ok {
			lg.Warn("Product not found, line dropped", zap.String("product_id", it.ProductID))
			out.dropped = append(out.dropped, it.ProductID)
			continue
		}
		if !pr.Active {
			lg.Info("Settling inactive product", zap.String("product_id", pr.ID))
		}
		l := line{item: it, product: pr}
		if p.Cart {
			l.subtotal = fee.Cents(pr.Price) * int64(it.Quantity)
		} else {
			l.subtotal = sess.AmountSubtotal
		}
		out.lines = append(out.lines, l)
	}
	return out, byID, nil
}

func (m *Materializer) lookupSellers(ctx context.Context, products map[string]product.Product) (map[string]product.Seller, error) {
	ids := make([]string, 0, len(products))
	for _, p := range products {
		if !slices.Contains(ids, p.SellerID) {
			ids = append(ids, p.SellerID)
		}
	}
	if len(ids) == 0 {
		return map[string]product.Seller{}, nil
	}
	slices.Sort(ids)
	fetched, err := m.sellers.GetSellersByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get sellers")
	}
	out := make(map[string]product.Seller, len(fetched))
	for _, s := range fetched {
		out[s.ID] = s
	}
	return out, nil
}

func (m *Materializer) buildOrders(
	lg *zap.Logger,
	sess *payment.Session,
	p *Purchase,
	lines resolvedLines,
	sellers map[string]product.Seller,
) []order.Order {
	totals := make([]int64, len(lines.lines))
	if p.Cart {
		subtotals := make([]int64, len(lines.lines))
		var sum int64
		for i, l := range lines.lines {
			subtotals[i] = l.subtotal
			sum += l.subtotal
		}
		// Line subtotals come from current catalog prices.
		if len(lines.dropped) == 0 && sum != sess.AmountSubtotal {
			lg.Warn("Cart subtotal differs from session subtotal",
				zap.Int64("lines_subtotal", sum),
				zap.Int64("session_subtotal", sess.AmountSubtotal),
			)
		}
		totals = tax.Allocate(subtotals, sess.AmountSubtotal, sess.AmountTotal)
	} else {
		for i := range totals {
			totals[i] = sess.AmountTotal
		}
	}

	now := m.now()
	orders := make([]order.Order, 0, len(lines.lines))
	for i, l := range lines.lines {
		seller, ok := sellers[l.product.SellerID]
		if !ok {
			lg.Warn("Seller profile missing, treating as new seller",
				zap.String("seller_id", l.product.SellerID),
			)
			seller = product.Seller{ID: l.product.SellerID}
		}
		if len(p.SellerAccounts) > 0 && !slices.Contains(p.SellerAccounts, seller.PaymentAccountID) {
			lg.Warn("Seller account not among transfer destinations",
				zap.String("seller_id", seller.ID),
				zap.String("account_id", seller.PaymentAccountID),
			)
		}

		waived := m.policy.Waived(seller.CompletedSalesCount)
		split := tax.PreserveNet(m.policy.Compute(l.subtotal, waived), l.subtotal, totals[i])

		orders = append(orders, order.Order{
			ID:                m.newID(),
			ProductID:         l.product.ID,
			SellerID:          l.product.SellerID,
			BuyerID:           p.BuyerID,
			BuyerEmail:        p.BuyerEmail,
			ExternalSessionID: sess.ID,
			Status:            order.StatusCompleted,
			Quantity:          l.item.Quantity,
			Amount:            fee.Amount(split.Subtotal),
			TotalAmount:       fee.Amount(split.Total),
			Currency:          sess.Currency,
			PlatformFee:       fee.Amount(split.Fee),
			ProcessingFee:     decimal.Zero,
			NetAmount:         fee.Amount(split.Net),
			CreatedAt:         now,
		})
	}
	return orders
}
