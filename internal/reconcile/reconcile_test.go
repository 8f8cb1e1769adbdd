package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/pattern-settlement/internal/domain/order"
	"github.com/xenking/pattern-settlement/internal/domain/payment"
	"github.com/xenking/pattern-settlement/internal/domain/settlement"
)

type result struct {
	out *settlement.Outcome
	err error
}

type mockSettler struct {
	mu      sync.Mutex
	results map[string]result
	calls   map[string]int
}

func newMockSettler(results map[string]result) *mockSettler {
	return &mockSettler{results: results, calls: map[string]int{}}
}

func (m *mockSettler) ProcessOrder(_ context.Context, id string) (*settlement.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[id]++
	r, ok := m.results[id]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	return r.out, r.err
}

func settled(id string, n int) result {
	return result{out: &settlement.Outcome{SessionID: id, Status: order.StatusCompleted, OrdersCreated: n}}
}

func replayed(id string) result {
	return result{out: &settlement.Outcome{SessionID: id, Status: order.StatusCompleted, AlreadyProcessed: true}}
}

func TestRun_Classifies(t *testing.T) {
	s := newMockSettler(map[string]result{
		"cs_new":    settled("cs_new", 2),
		"cs_cart":   settled("cs_cart", 3),
		"cs_done":   replayed("cs_done"),
		"cs_unpaid": {err: settlement.ErrPaymentNotCompleted},
		"cs_broken": {err: errors.New("db down")},
	})
	export := strings.Join([]string{
		"session_id,amount",
		"# exported 2026-10-01",
		"cs_new,1000",
		"",
		`"cs_cart",5500`,
		"cs_done",
		"cs_unpaid",
		"cs_missing",
		"cs_broken",
		"cs_new",
	}, "\n")

	rep, err := New(Config{Concurrency: 3}, s).Run(context.Background(), strings.NewReader(export))
	require.NoError(t, err)

	assert.Equal(t, Report{
		Read:             7,
		Duplicates:       1,
		Settled:          2,
		AlreadyProcessed: 1,
		OrdersCreated:    5,
		Unpaid:           1,
		NotFound:         1,
		Failed:           1,
	}, rep)
	assert.Equal(t, 1, s.calls["cs_new"], "duplicates are settled once")
	assert.Zero(t, s.calls["session_id"])
}

func TestRunFile_Gzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.csv.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	for _, id := range []string{"cs_a", "cs_b", "cs_a"} {
		_, err := gz.Write([]byte(id + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	s := newMockSettler(map[string]result{
		"cs_a": settled("cs_a", 1),
		"cs_b": replayed("cs_b"),
	})
	rep, err := New(Config{Concurrency: 2}, s).RunFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Read)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Equal(t, 1, rep.Settled)
	assert.Equal(t, 1, rep.AlreadyProcessed)
}

func TestRunFile_Plain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.txt")
	require.NoError(t, os.WriteFile(path, []byte("cs_a\n"), 0o600))

	rep, err := New(Config{}, newMockSettler(map[string]result{"cs_a": settled("cs_a", 1)})).
		RunFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Settled)
}

func TestRunFile_Missing(t *testing.T) {
	_, err := New(Config{}, newMockSettler(nil)).RunFile(context.Background(), filepath.Join(t.TempDir(), "nope.gz"))
	require.Error(t, err)
}

type cancellingSettler struct {
	cancel context.CancelFunc
}

func (c cancellingSettler) ProcessOrder(ctx context.Context, _ string) (*settlement.Outcome, error) {
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := New(Config{Concurrency: 1}, cancellingSettler{cancel: cancel}).
		Run(ctx, strings.NewReader("cs_a\ncs_b\ncs_c\n"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestSessionID(t *testing.T) {
	for _, tt := range []struct {
		line string
		want string
	}{
		{line: "cs_test_1", want: "cs_test_1"},
		{line: "  cs_test_1  ", want: "cs_test_1"},
		{line: `"cs_test_1",10.00,usd`, want: "cs_test_1"},
		{line: "# comment", want: ""},
		{line: "", want: ""},
		{line: "id", want: ""},
	} {
		assert.Equal(t, tt.want, sessionID(tt.line), tt.line)
	}
}
