package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sombapp/receipt-service/internal/models"
)

// Memory is a thread-safe in-memory store implementing all four store
// interfaces. Used by tests and as the backend when DB_HOST is unset.
type Memory struct {
	mu         sync.RWMutex
	products   map[string]models.MasterProduct
	mappings   map[string]models.ProductMapping
	signatures map[string]models.MerchantSignature
	events     []models.LearningEvent
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		products:   make(map[string]models.MasterProduct),
		mappings:   make(map[string]models.ProductMapping),
		signatures: make(map[string]models.MerchantSignature),
	}
}

func (m *Memory) GetProduct(_ context.Context, productID string) (*models.MasterProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[productID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (m *Memory) ListProducts(_ context.Context) ([]models.MasterProduct, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MasterProduct, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (m *Memory) UpsertProduct(_ context.Context, p *models.MasterProduct) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	m.products[p.ProductID] = *p
	return nil
}

func (m *Memory) GetMapping(_ context.Context, rawKey string) (*models.ProductMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.mappings[rawKey]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &mp, nil
}

func (m *Memory) ListMappings(_ context.Context) ([]models.ProductMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ProductMapping, 0, len(m.mappings))
	for _, mp := range m.mappings {
		out = append(out, mp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RawKey < out[j].RawKey })
	return out, nil
}

func (m *Memory) UpsertMapping(_ context.Context, mp *models.ProductMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mp.CreatedAt.IsZero() {
		mp.CreatedAt = time.Now().UTC()
	}
	m.mappings[mp.RawKey] = *mp
	return nil
}

func (m *Memory) GetSignature(_ context.Context, merchantID string) (*models.MerchantSignature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signatures[strings.ToLower(merchantID)]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &s, nil
}

func (m *Memory) ListSignatures(_ context.Context) ([]models.MerchantSignature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MerchantSignature, 0, len(m.signatures))
	for _, s := range m.signatures {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MerchantID < out[j].MerchantID })
	return out, nil
}

func (m *Memory) UpsertSignature(_ context.Context, s *models.MerchantSignature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.UpdatedAt = time.Now().UTC()
	m.signatures[strings.ToLower(s.MerchantID)] = *s
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, e *models.LearningEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, *e)
	return nil
}

func (m *Memory) ListEvents(_ context.Context, merchantID string) ([]models.LearningEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.LearningEvent, 0)
	for _, e := range m.events {
		if merchantID == "" || e.MerchantID == merchantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) CountEvents(_ context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var accepted, rejected int
	for _, e := range m.events {
		if e.Accepted {
			accepted++
		} else {
			rejected++
		}
	}
	return accepted, rejected, nil
}
