package settlement

import (
	"context"
	"sync"

	"github.com/xenking/pattern-settlement/internal/domain/fanout"
	"github.com/xenking/pattern-settlement/internal/domain/order"
	"github.com/xenking/pattern-settlement/internal/domain/payment"
	"github.com/xenking/pattern-settlement/internal/domain/product"
)

// --- Mock implementations ---

// memOrderRepo keeps claims and orders in memory. CreateBatch and Expire are
// atomic under mu, mirroring the claim table's primary key.
type memOrderRepo struct {
	mu          sync.Mutex
	claims      map[string]order.Settlement
	orders      map[string][]order.Order
	batches     int
	createErr   error
	backfills   []string
	staleReads  int // Settlement returns nil this many times regardless of state
	backfillErr error
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{
		claims: make(map[string]order.Settlement),
		orders: make(map[string][]order.Order),
	}
}

func (m *memOrderRepo) Settlement(_ context.Context, id string) (*order.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleReads > 0 {
		m.staleReads--
		return nil, nil
	}
	s, ok := m.claims[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *memOrderRepo) CreateBatch(_ context.Context, id string, orders []order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.claims[id]; ok {
		return order.ErrAlreadySettled
	}
	m.claims[id] = order.Settlement{SessionID: id, Status: order.StatusCompleted, Orders: len(orders)}
	m.orders[id] = append([]order.Order(nil), orders...)
	m.batches++
	return nil
}

func (m *memOrderRepo) Expire(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[id]; ok {
		return false, nil
	}
	m.claims[id] = order.Settlement{SessionID: id, Status: order.StatusExpired}
	return true, nil
}

func (m *memOrderRepo) BackfillBuyerEmail(_ context.Context, id, email string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backfillErr != nil {
		return 0, m.backfillErr
	}
	var n int64
	for i := range m.orders[id] {
		if m.orders[id][i].BuyerEmail == nil {
			e := email
			m.orders[id][i].BuyerEmail = &e
			n++
		}
	}
	m.backfills = append(m.backfills, email)
	return n, nil
}

func (m *memOrderRepo) ListBySession(_ context.Context, id string) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]order.Order(nil), m.orders[id]...), nil
}

func (m *memOrderRepo) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

type mockCatalog struct {
	products map[string]product.Product
	sellers  map[string]product.Seller
	err      error
}

func (m *mockCatalog) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockCatalog) GetSellersByIDs(_ context.Context, ids []string) ([]product.Seller, error) {
	var out []product.Seller
	for _, id := range ids {
		if s, ok := m.sellers[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

type mockProvider struct {
	sessions map[string]*payment.Session
	err      error
}

func (m *mockProvider) RetrieveSession(_ context.Context, id string) (*payment.Session, error) {
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

type mockDispatcher struct {
	mu      sync.Mutex
	batches []fanout.Batch
}

func (m *mockDispatcher) Dispatch(_ context.Context, b fanout.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
}

func (m *mockDispatcher) Batches() []fanout.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fanout.Batch(nil), m.batches...)
}
