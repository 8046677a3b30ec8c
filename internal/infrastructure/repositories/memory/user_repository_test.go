package memory

import (
	"context"
	"testing"

	"routerd/internal/core/domain"
	rerrors "routerd/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryUserRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()

	alice := &domain.UserRecord{ID: "alice", Permissions: domain.PermissionSet{domain.PermissionConnect}, Enabled: true}
	require.NoError(t, repo.Create(ctx, alice))
	assert.True(t, rerrors.HasCode(repo.Create(ctx, alice), rerrors.CodeAlreadyExists))

	// Stored records are copies.
	alice.Permissions[0] = domain.PermissionAdmin
	got, err := repo.GetByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionSet{domain.PermissionConnect}, got.Permissions)

	got.Enabled = false
	require.NoError(t, repo.Update(ctx, got))
	got, err = repo.GetByID(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, repo.Create(ctx, &domain.UserRecord{ID: "aaron"}))
	users, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, domain.UserID("aaron"), users[0].ID)

	require.NoError(t, repo.Delete(ctx, "alice"))
	_, err = repo.GetByID(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "alice"), domain.ErrUserNotFound)
	assert.ErrorIs(t, repo.Update(ctx, &domain.UserRecord{ID: "ghost"}), domain.ErrUserNotFound)
}
