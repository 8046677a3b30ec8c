package memory

import (
	"context"
	"sort"
	"sync"

	"routerd/internal/core/domain"
	"routerd/internal/core/ports"
)

// MemoryUserRepository keeps users for the lifetime of the process.
type MemoryUserRepository struct {
	users map[domain.UserID]domain.UserRecord
	mu    sync.RWMutex
}

func NewMemoryUserRepository() ports.UserRepository {
	return &MemoryUserRepository{
		users: make(map[domain.UserID]domain.UserRecord),
	}
}

func (r *MemoryUserRepository) List(ctx context.Context) ([]*domain.UserRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]*domain.UserRecord, 0, len(r.users))
	for _, u := range r.users {
		u := u.Clone()
		users = append(users, &u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (r *MemoryUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.UserRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, exists := r.users[id]
	if !exists {
		return nil, domain.ErrUserNotFound
	}
	u = u.Clone()
	return &u, nil
}

func (r *MemoryUserRepository) Create(ctx context.Context, user *domain.UserRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.ID]; exists {
		return domain.ErrUserExists
	}
	r.users[user.ID] = user.Clone()
	return nil
}

func (r *MemoryUserRepository) Update(ctx context.Context, user *domain.UserRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[user.ID]; !exists {
		return domain.ErrUserNotFound
	}
	r.users[user.ID] = user.Clone()
	return nil
}

func (r *MemoryUserRepository) Delete(ctx context.Context, id domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[id]; !exists {
		return domain.ErrUserNotFound
	}
	delete(r.users, id)
	return nil
}
