package services

import (
	"context"
	"testing"
	"time"

	"routerd/internal/core/domain"
	"routerd/internal/core/protocol"
	rerrors "routerd/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService("secret", "routerd")

	token, err := svc.IssueToken(domain.RoleHost, "h1", time.Hour)
	require.NoError(t, err)

	role, subject, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, role)
	assert.Equal(t, "h1", subject)

	_, _, err = NewTokenService("other", "routerd").ValidateToken(token)
	assert.Equal(t, rerrors.CodeAccessDenied, rerrors.CodeOf(err))

	_, _, err = NewTokenService("secret", "someone-else").ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenService_Expired(t *testing.T) {
	svc := NewTokenService("secret", "routerd")
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := svc.IssueToken(domain.RoleRelay, "r1", time.Hour)
	require.NoError(t, err)

	svc.now = time.Now
	_, _, err = svc.ValidateToken(token)
	assert.Error(t, err)
}

func TestHasher_ClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, NewHasher(0).Cost)
	assert.Equal(t, bcrypt.MinCost, NewHasher(1).Cost)
	assert.Equal(t, bcrypt.MaxCost, NewHasher(99).Cost)
}

func newCredentialFixture(t *testing.T) (*DirectoryStore, *CredentialService, *TokenService) {
	t.Helper()
	store := NewDirectoryStore(nil, DirectoryOptions{}, nil)
	tokens := NewTokenService("secret", "routerd")
	creds := NewCredentialService(store, tokens, NewHasher(bcrypt.MinCost))
	return store, creds, tokens
}

func TestCredentialService_Users(t *testing.T) {
	store, creds, _ := newCredentialFixture(t)
	users := NewUserService(store, creds, nil)
	ctx := context.Background()

	require.NoError(t, users.Create(ctx, protocol.UserRequest{ID: "alice", Secret: "secret1"}))

	ok, err := creds.VerifyCredentials(ctx, domain.Identity{Role: domain.RoleClient, Name: "alice", Secret: "secret1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = creds.VerifyCredentials(ctx, domain.Identity{Role: domain.RoleClient, Name: "alice", Secret: "wrong"})
	assert.False(t, ok)

	ok, _ = creds.VerifyCredentials(ctx, domain.Identity{Role: domain.RoleClient, Name: "nobody", Secret: "secret1"})
	assert.False(t, ok)

	perms, err := creds.LookupUserPermissions(ctx, domain.Identity{Role: domain.RoleClient, Name: "alice"})
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionSet{domain.PermissionConnect}, perms)

	require.NoError(t, users.Update(ctx, protocol.UserRequest{ID: "alice", Enabled: boolPtr(false)}))
	ok, _ = creds.VerifyCredentials(ctx, domain.Identity{Role: domain.RoleClient, Name: "alice", Secret: "secret1"})
	assert.False(t, ok, "disabled users are rejected")
}

func TestCredentialService_PeerTokens(t *testing.T) {
	_, creds, tokens := newCredentialFixture(t)
	ctx := context.Background()

	token, err := tokens.IssueToken(domain.RoleRelay, "r1", 0)
	require.NoError(t, err)

	ok, _ := creds.VerifyCredentials(ctx, domain.Identity{Role: domain.RoleRelay, Name: "r1", Token: token})
	assert.True(t, ok)

	ok, _ = creds.VerifyCredentials(ctx, domain.Identity{Role: domain.RoleRelay, Name: "r2", Token: token})
	assert.False(t, ok, "token subject must match the announced id")

	ok, _ = creds.VerifyCredentials(ctx, domain.Identity{Role: domain.RoleHost, Name: "r1", Token: token})
	assert.False(t, ok, "token role must match the declared role")
}

func TestUserService(t *testing.T) {
	store, creds, _ := newCredentialFixture(t)
	users := NewUserService(store, creds, nil)
	ctx := context.Background()

	err := users.Create(ctx, protocol.UserRequest{ID: "alice", Secret: "123"})
	assert.Equal(t, rerrors.CodeInvalidData, rerrors.CodeOf(err))

	require.NoError(t, users.Create(ctx, protocol.UserRequest{ID: "alice", Secret: "secret1"}))
	err = users.Create(ctx, protocol.UserRequest{ID: "alice", Secret: "secret1"})
	assert.Equal(t, rerrors.CodeAlreadyExists, rerrors.CodeOf(err))

	u, _ := store.User("alice")
	assert.True(t, u.Enabled)
	before := u.CredentialRef

	require.NoError(t, users.Update(ctx, protocol.UserRequest{ID: "alice", Secret: "secret2", Permissions: domain.PermissionSet{domain.PermissionAdmin}}))
	u, _ = store.User("alice")
	assert.NotEqual(t, before, u.CredentialRef)
	assert.True(t, u.Permissions.Has(domain.PermissionAdmin))

	assert.Equal(t, rerrors.CodeNotFound, rerrors.CodeOf(users.Update(ctx, protocol.UserRequest{ID: "ghost"})))
	require.NoError(t, users.Delete(ctx, "alice"))
	assert.Equal(t, rerrors.CodeNotFound, rerrors.CodeOf(users.Delete(ctx, "alice")))
}

func TestUserService_Bootstrap(t *testing.T) {
	store, creds, _ := newCredentialFixture(t)
	users := NewUserService(store, creds, nil)
	ctx := context.Background()

	created, err := users.Bootstrap(ctx, "admin", "changeme")
	require.NoError(t, err)
	assert.True(t, created)

	u, ok := store.User("admin")
	require.True(t, ok)
	assert.True(t, u.Permissions.Has(domain.PermissionAdmin))

	created, err = users.Bootstrap(ctx, "root", "changeme")
	require.NoError(t, err)
	assert.False(t, created, "bootstrap only runs on an empty user table")

	created, err = users.Bootstrap(ctx, "", "")
	require.NoError(t, err)
	assert.False(t, created)
}
