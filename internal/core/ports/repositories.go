package ports

import (
	"context"

	"routerd/internal/core/domain"
)

// UserRepository persists UserRecords across restarts.
type UserRepository interface {
	List(ctx context.Context) ([]*domain.UserRecord, error)
	GetByID(ctx context.Context, id domain.UserID) (*domain.UserRecord, error)
	Create(ctx context.Context, user *domain.UserRecord) error
	Update(ctx context.Context, user *domain.UserRecord) error
	Delete(ctx context.Context, id domain.UserID) error
}
