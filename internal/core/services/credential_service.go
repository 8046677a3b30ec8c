package services

import (
	"context"
	"fmt"

	"routerd/internal/core/domain"
	"routerd/internal/core/ports"

	"golang.org/x/crypto/bcrypt"
)

// UserLookup resolves a stored user record.
type UserLookup interface {
	User(id domain.UserID) (domain.UserRecord, bool)
}

// Hasher hashes and verifies user secrets with bcrypt.
type Hasher struct {
	Cost int
}

// NewHasher clamps cost into the range bcrypt accepts.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

func (h *Hasher) HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), h.Cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(b), nil
}

func (h *Hasher) Compare(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// CredentialService verifies consoles against stored user records and
// hosts and relays against their identity tokens.
type CredentialService struct {
	users  UserLookup
	tokens ports.TokenValidator
	hasher *Hasher
}

var _ ports.CredentialVerifier = (*CredentialService)(nil)

func NewCredentialService(users UserLookup, tokens ports.TokenValidator, hasher *Hasher) *CredentialService {
	if hasher == nil {
		hasher = NewHasher(0)
	}
	return &CredentialService{
		users:  users,
		tokens: tokens,
		hasher: hasher,
	}
}

func (s *CredentialService) VerifyCredentials(ctx context.Context, identity domain.Identity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	switch identity.Role {
	case domain.RoleClient, domain.RoleAdmin:
		user, ok := s.users.User(domain.UserID(identity.Name))
		if !ok || !user.Enabled || user.CredentialRef == "" {
			return false, nil
		}
		return s.hasher.Compare(user.CredentialRef, identity.Secret), nil

	case domain.RoleHost, domain.RoleRelay:
		if s.tokens == nil || identity.Token == "" {
			return false, nil
		}
		role, subject, err := s.tokens.ValidateToken(identity.Token)
		if err != nil {
			return false, nil
		}
		return role == identity.Role && subject == identity.Name, nil

	default:
		return false, nil
	}
}

// LookupUserPermissions returns the permission set of a console user.
// Hosts and relays carry no permissions.
func (s *CredentialService) LookupUserPermissions(ctx context.Context, identity domain.Identity) (domain.PermissionSet, error) {
	if !identity.Role.IsConsole() {
		return nil, nil
	}
	user, ok := s.users.User(domain.UserID(identity.Name))
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return user.Permissions.Normalize(), nil
}

func (s *CredentialService) HashSecret(secret string) (string, error) {
	return s.hasher.HashSecret(secret)
}
