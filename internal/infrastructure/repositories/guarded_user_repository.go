package repositories

import (
	"context"
	stderrors "errors"

	"routerd/internal/core/domain"
	"routerd/internal/core/ports"
	"routerd/pkg/circuitbreaker"
	rerrors "routerd/pkg/errors"

	"go.uber.org/zap"
)

// GuardedUserRepository fails fast while the backing store is unhealthy.
// Directory outcomes such as not_found or already_exists do not count as
// backend failures.
type GuardedUserRepository struct {
	next    ports.UserRepository
	breaker *circuitbreaker.Breaker
}

func NewGuardedUserRepository(next ports.UserRepository, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *GuardedUserRepository {
	cfg.IsFailure = func(err error) bool {
		return rerrors.CategoryOf(err) != rerrors.CategoryDirectory
	}
	b := circuitbreaker.New(cfg)
	if logger != nil {
		b.OnStateChange(func(from, to circuitbreaker.State) {
			logger.Warnw("user repository breaker changed state", "from", from.String(), "to", to.String())
		})
	}
	return &GuardedUserRepository{next: next, breaker: b}
}

func (r *GuardedUserRepository) State() circuitbreaker.State {
	return r.breaker.State()
}

func (r *GuardedUserRepository) do(fn func() error) error {
	err := r.breaker.Do(fn)
	if stderrors.Is(err, circuitbreaker.ErrOpen) {
		return rerrors.Wrap(err, rerrors.CategoryInternal, rerrors.CodeInternal, "user repository unavailable")
	}
	return err
}

func (r *GuardedUserRepository) List(ctx context.Context) ([]*domain.UserRecord, error) {
	var users []*domain.UserRecord
	err := r.do(func() error {
		var err error
		users, err = r.next.List(ctx)
		return err
	})
	return users, err
}

func (r *GuardedUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.UserRecord, error) {
	var user *domain.UserRecord
	err := r.do(func() error {
		var err error
		user, err = r.next.GetByID(ctx, id)
		return err
	})
	return user, err
}

func (r *GuardedUserRepository) Create(ctx context.Context, user *domain.UserRecord) error {
	return r.do(func() error { return r.next.Create(ctx, user) })
}

func (r *GuardedUserRepository) Update(ctx context.Context, user *domain.UserRecord) error {
	return r.do(func() error { return r.next.Update(ctx, user) })
}

func (r *GuardedUserRepository) Delete(ctx context.Context, id domain.UserID) error {
	return r.do(func() error { return r.next.Delete(ctx, id) })
}
