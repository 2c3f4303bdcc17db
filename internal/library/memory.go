package library

import (
	"context"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
type MemoryRepository struct {
	mu        sync.RWMutex
	media     map[string]*Media
	generated map[string]int64
}

// NewMemoryRepository creates an empty media repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		media:     make(map[string]*Media),
		generated: make(map[string]int64),
	}
}

// Get returns a clone of the media record.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Media, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.media[id]
	if !ok {
		return nil, ErrMediaNotFound
	}
	return m.Clone(), nil
}

// Upsert stores a clone of m.
func (r *MemoryRepository) Upsert(_ context.Context, m *Media) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	c := m.Clone()
	if existing, ok := r.media[m.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.media[m.ID] = c
	return nil
}

// IncrementGenerated bumps the user's counter.
func (r *MemoryRepository) IncrementGenerated(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generated[userID]++
	return nil
}

// GeneratedCount returns the user's counter.
func (r *MemoryRepository) GeneratedCount(_ context.Context, userID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generated[userID], nil
}
