package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/infrastructure/repositories/memory"
	"routerd/pkg/circuitbreaker"
	rerrors "routerd/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) List(ctx context.Context) ([]*domain.UserRecord, error) {
	args := m.Called(ctx)
	return nil, args.Error(1)
}

func (m *MockUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.UserRecord, error) {
	args := m.Called(ctx, id)
	return nil, args.Error(1)
}

func (m *MockUserRepository) Create(ctx context.Context, user *domain.UserRecord) error {
	return m.Called(ctx, user).Error(0)
}

func (m *MockUserRepository) Update(ctx context.Context, user *domain.UserRecord) error {
	return m.Called(ctx, user).Error(0)
}

func (m *MockUserRepository) Delete(ctx context.Context, id domain.UserID) error {
	return m.Called(ctx, id).Error(0)
}

func TestGuardedUserRepository_OpensOnBackendFailures(t *testing.T) {
	backend := new(MockUserRepository)
	backend.On("Create", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Times(2)

	repo := NewGuardedUserRepository(backend, circuitbreaker.Config{FailureThreshold: 2, OpenTimeout: time.Minute}, nil)
	ctx := context.Background()
	u := &domain.UserRecord{ID: "alice"}

	assert.Error(t, repo.Create(ctx, u))
	assert.Error(t, repo.Create(ctx, u))
	assert.Equal(t, circuitbreaker.StateOpen, repo.State())

	err := repo.Create(ctx, u)
	assert.True(t, rerrors.HasCode(err, rerrors.CodeInternal))
	backend.AssertNumberOfCalls(t, "Create", 2)
}

func TestGuardedUserRepository_DirectoryErrorsPassThrough(t *testing.T) {
	repo := NewGuardedUserRepository(memory.NewMemoryUserRepository(), circuitbreaker.Config{FailureThreshold: 1, OpenTimeout: time.Minute}, nil)
	ctx := context.Background()

	_, err := repo.GetByID(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.Equal(t, circuitbreaker.StateClosed, repo.State())

	assert.NoError(t, repo.Create(ctx, &domain.UserRecord{ID: "alice"}))
	users, err := repo.List(ctx)
	assert.NoError(t, err)
	assert.Len(t, users, 1)
}
