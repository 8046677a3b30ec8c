package services

import (
	"context"

	"routerd/internal/core/domain"
	"routerd/internal/core/ports"
	"routerd/internal/core/protocol"
	rerrors "routerd/pkg/errors"
	rlog "routerd/pkg/logger"
	"routerd/pkg/validation"

	"go.uber.org/zap"
)

// UserService turns admin user requests into directory mutations. Secrets
// are hashed before the store lock is taken.
type UserService struct {
	store  ports.DirectoryStore
	hasher ports.SecretHasher
	logger *zap.SugaredLogger
}

func NewUserService(store ports.DirectoryStore, hasher ports.SecretHasher, logger *zap.SugaredLogger) *UserService {
	return &UserService{
		store:  store,
		hasher: hasher,
		logger: rlog.OrNop(logger),
	}
}

func (s *UserService) Create(ctx context.Context, req protocol.UserRequest) error {
	ref, err := s.hash(req.Secret)
	if err != nil {
		return err
	}

	user := domain.UserRecord{
		ID:            req.ID,
		CredentialRef: ref,
		Permissions:   req.Permissions,
		Enabled:       true,
	}
	if len(user.Permissions) == 0 {
		user.Permissions = domain.PermissionSet{domain.PermissionConnect}
	}
	if req.Enabled != nil {
		user.Enabled = *req.Enabled
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return err
	}
	s.logger.Infow("User created", "user_id", req.ID)
	return nil
}

// Update changes only the fields present in req.
func (s *UserService) Update(ctx context.Context, req protocol.UserRequest) error {
	var ref string
	if req.Secret != "" {
		var err error
		if ref, err = s.hash(req.Secret); err != nil {
			return err
		}
	}

	err := s.store.UpdateUser(ctx, req.ID, func(u *domain.UserRecord) error {
		if ref != "" {
			u.CredentialRef = ref
		}
		if req.Permissions != nil {
			u.Permissions = req.Permissions
		}
		if req.Enabled != nil {
			u.Enabled = *req.Enabled
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Infow("User updated", "user_id", req.ID)
	return nil
}

func (s *UserService) Delete(ctx context.Context, id domain.UserID) error {
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.logger.Infow("User deleted", "user_id", id)
	return nil
}

// Bootstrap creates an administrator when no users exist yet. It reports
// whether a user was created.
func (s *UserService) Bootstrap(ctx context.Context, name, secret string) (bool, error) {
	if name == "" {
		return false, nil
	}
	if len(s.store.Snapshot(domain.KindUser).Users) > 0 {
		return false, nil
	}

	err := s.Create(ctx, protocol.UserRequest{
		ID:          domain.UserID(name),
		Secret:      secret,
		Permissions: domain.PermissionSet{domain.PermissionAdmin, domain.PermissionConnect},
	})
	if err != nil {
		if rerrors.HasCode(err, rerrors.CodeAlreadyExists) {
			return false, nil
		}
		return false, err
	}
	s.logger.Infow("Bootstrap administrator created", "user_id", name)
	return true, nil
}

func (s *UserService) hash(secret string) (string, error) {
	if err := validation.ValidatePassword(secret); err != nil {
		return "", rerrors.Wrap(err, rerrors.CategoryDirectory, rerrors.CodeInvalidData, "invalid secret")
	}
	ref, err := s.hasher.HashSecret(secret)
	if err != nil {
		return "", rerrors.Wrap(err, rerrors.CategoryInternal, rerrors.CodeInternal, "failed to hash secret")
	}
	return ref, nil
}
