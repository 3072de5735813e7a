package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository contains the provider persistence needed by the service.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	List(ctx context.Context, limit, offset int) ([]Provider, error)
	Create(ctx context.Context, p *Provider) error
	Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*Provider, error)
}

type MemoryRepository struct {
	mu        sync.RWMutex
	providers map[uuid.UUID]Provider
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{providers: make(map[uuid.UUID]Provider)}
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) List(_ context.Context, limit, offset int) ([]Provider, error) {
	m.mu.RLock()
	all := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		all = append(all, p)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	if offset >= len(all) {
		return []Provider{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *MemoryRepository) Create(_ context.Context, p *Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.providers {
		if existing.Email == p.Email {
			return ErrEmailTaken
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.providers[p.ID] = *p
	return nil
}

func (m *MemoryRepository) Update(_ context.Context, id uuid.UUID, in UpdateInput) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	if in.Fees != nil {
		p.Fees = *in.Fees
	}
	if in.Available != nil {
		p.Available = *in.Available
	}
	p.UpdatedAt = time.Now()
	m.providers[id] = p
	return &p, nil
}
