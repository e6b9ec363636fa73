package requests

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mbd888/piguard/internal/failure"
)

// MemoryStore is an in-memory request store for development and tests.
type MemoryStore struct {
	requests  map[string]*Request
	byPayment map[string]string
	mu        sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*Request),
		byPayment: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("%w: duplicate request id %s", failure.ErrValidation, r.ID)
	}
	if r.Version == 0 {
		r.Version = 1
	}
	cp := *r
	m.requests[r.ID] = &cp
	if r.PaymentID != "" {
		m.byPayment[r.PaymentID] = r.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetByPaymentID(ctx context.Context, paymentID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPayment[paymentID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *m.requests[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.requests[r.ID]
	if !ok {
		return ErrRequestNotFound
	}
	if cur.Version != r.Version {
		return ErrVersionConflict
	}
	if r.PaymentID != "" {
		if owner, taken := m.byPayment[r.PaymentID]; taken && owner != r.ID {
			return ErrPaymentMismatch
		}
	}

	r.Version++
	cp := *r
	m.requests[r.ID] = &cp
	if r.PaymentID != "" {
		m.byPayment[r.PaymentID] = r.ID
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := strings.ToLower(f.Search)
	var result []*Request
	for _, r := range m.requests {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if search != "" && !matchesSearch(r, search) {
			continue
		}
		if !f.After.After(r.CreatedAt, r.ID) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit+1 {
		result = result[:f.Limit+1]
	}
	return result, nil
}

func matchesSearch(r *Request, search string) bool {
	return strings.Contains(strings.ToLower(r.Email), search) ||
		strings.Contains(strings.ToLower(r.Country), search) ||
		strings.Contains(strings.ToLower(r.MainnetAddress), search)
}

var _ Store = (*MemoryStore)(nil)
