// Package reconcile re-drives settlement for session ids exported from the
// payment provider. It closes the gap left by missed webhooks and abandoned
// success pages; settlement is idempotent, so replaying a settled session is
// a no-op.
package reconcile

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/pattern-settlement/internal/domain/payment"
	"github.com/xenking/pattern-settlement/internal/domain/settlement"
)

// Settler settles a session by id.
type Settler interface {
	ProcessOrder(ctx context.Context, sessionID string) (*settlement.Outcome, error)
}

// Config controls a reconciliation run.
type Config struct {
	Concurrency       int     `default:"8" usage:"Sessions settled in parallel"`
	ExpectedSessions  uint    `default:"1000000" usage:"Bloom filter sizing hint"`
	FalsePositiveRate float64 `default:"0.000001" usage:"Bloom filter false positive rate"`
	ProgressEvery     int     `default:"10000" usage:"Log progress every N sessions"`
}

// Report summarizes a run.
type Report struct {
	Read             int
	Duplicates       int
	Settled          int
	AlreadyProcessed int
	OrdersCreated    int
	Unpaid           int
	NotFound         int
	Failed           int
}

// Reconciler replays settlement for exported session ids.
type Reconciler struct {
	cfg     Config
	settler Settler
}

// New creates a Reconciler.
func New(cfg Config, settler Settler) *Reconciler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ExpectedSessions == 0 {
		cfg.ExpectedSessions = 1_000_000
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = 0.000001
	}
	return &Reconciler{cfg: cfg, settler: settler}
}

// RunFile reconciles the export at path. Files ending in .gz are decompressed.
func (r *Reconciler) RunFile(ctx context.Context, path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return Report{}, errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		src = gz
	}
	return r.Run(ctx, src)
}

// Run reconciles session ids read from src, one per line. Blank lines,
// comment lines and anything after the first comma are ignored, so CSV
// exports with the id in the first column work as is.
//
// Per-session failures are counted, not returned. Run only fails when src
// cannot be read or ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, src io.Reader) (Report, error) {
	lg := zctx.From(ctx)
	seen := bloom.NewWithEstimates(r.cfg.ExpectedSessions, r.cfg.FalsePositiveRate)

	var (
		mu  sync.Mutex
		rep Report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		if err := gctx.Err(); err != nil {
			break
		}
		id := sessionID(scanner.Text())
		if id == "" {
			continue
		}
		rep.Read++
		if seen.TestOrAddString(id) {
			rep.Duplicates++
			continue
		}
		if r.cfg.ProgressEvery > 0 && rep.Read%r.cfg.ProgressEvery == 0 {
			lg.Info("Reconcile progress", zap.Int("read", rep.Read))
		}

		g.Go(func() error {
			out, err := r.settler.ProcessOrder(gctx, id)
			if err != nil && gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			defer mu.Unlock()
			rep.record(lg, id, out, err)
			return nil
		})
	}
	waitErr := g.Wait()
	if err := scanner.Err(); err != nil {
		return rep, errors.Wrap(err, "read export")
	}
	if waitErr != nil {
		return rep, waitErr
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

func (rep *Report) record(lg *zap.Logger, id string, out *settlement.Outcome, err error) {
	switch {
	case err == nil:
		if out.AlreadyProcessed {
			rep.AlreadyProcessed++
			return
		}
		rep.Settled++
		rep.OrdersCreated += out.OrdersCreated
		lg.Info("Session settled by reconciliation",
			zap.String("session_id", id),
			zap.Int("orders", out.OrdersCreated),
		)
	case errors.Is(err, settlement.ErrPaymentNotCompleted):
		rep.Unpaid++
	case errors.Is(err, payment.ErrSessionNotFound):
		rep.NotFound++
		lg.Warn("Exported session not found", zap.String("session_id", id))
	default:
		rep.Failed++
		lg.Error("Reconcile session failed", zap.String("session_id", id), zap.Error(err))
	}
}

func sessionID(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return ""
	}
	if i := strings.IndexByte(line, ','); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.Trim(line, `"`)
	switch line {
	case "id", "session_id":
		return ""
	}
	return line
}
