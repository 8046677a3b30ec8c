package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"routerd/internal/core/domain"
	"routerd/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const usersKey = "routerd:users"

// RedisUserRepository stores every user as one JSON field of a hash.
type RedisUserRepository struct {
	client redis.UniversalClient
	key    string
}

func NewRedisUserRepository(client redis.UniversalClient) ports.UserRepository {
	return &RedisUserRepository{
		client: client,
		key:    usersKey,
	}
}

func (r *RedisUserRepository) List(ctx context.Context) ([]*domain.UserRecord, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users from Redis: %w", err)
	}

	users := make([]*domain.UserRecord, 0, len(fields))
	for id, data := range fields {
		u, err := decodeUser(data)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", id, err)
		}
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (r *RedisUserRepository) GetByID(ctx context.Context, id domain.UserID) (*domain.UserRecord, error) {
	data, err := r.client.HGet(ctx, r.key, string(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user from Redis: %w", err)
	}
	return decodeUser(data)
}

func (r *RedisUserRepository) Create(ctx context.Context, user *domain.UserRecord) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	created, err := r.client.HSetNX(ctx, r.key, string(user.ID), data).Result()
	if err != nil {
		return fmt.Errorf("failed to create user in Redis: %w", err)
	}
	if !created {
		return domain.ErrUserExists
	}
	return nil
}

func (r *RedisUserRepository) Update(ctx context.Context, user *domain.UserRecord) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	// Only overwrite a field that already exists.
	updated, err := updateScript.Run(ctx, r.client, []string{r.key}, string(user.ID), data).Int()
	if err != nil {
		return fmt.Errorf("failed to update user in Redis: %w", err)
	}
	if updated == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *RedisUserRepository) Delete(ctx context.Context, id domain.UserID) error {
	n, err := r.client.HDel(ctx, r.key, string(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete user from Redis: %w", err)
	}
	if n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

var updateScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

func decodeUser(data string) (*domain.UserRecord, error) {
	var u domain.UserRecord
	if err := json.Unmarshal([]byte(data), &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &u, nil
}
