package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"routerd/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "routerd:schema:version"
	legacyUserPrefix     = "routerd:user:"
	currentSchemaVersion = 2
)

type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.UniversalClient) error
}

// Migrate runs every migration above the stored schema version in order.
func Migrate(ctx context.Context, client redis.UniversalClient, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, m := range migrations() {
		if m.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", m.Version)
		}
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.UniversalClient) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

func migrations() []Migration {
	return []Migration{
		{
			// The users key must be a hash; anything else is left for an
			// operator to clean up.
			Version: 1,
			Up: func(ctx context.Context, client redis.UniversalClient) error {
				kind, err := client.Type(ctx, usersKey).Result()
				if err != nil {
					return err
				}
				if kind != "none" && kind != "hash" {
					return fmt.Errorf("%s holds a %s, want hash", usersKey, kind)
				}
				return nil
			},
		},
		{
			// Fold per-user string keys into the users hash.
			Version: 2,
			Up: func(ctx context.Context, client redis.UniversalClient) error {
				iter := client.Scan(ctx, 0, legacyUserPrefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					data, err := client.Get(ctx, key).Result()
					if err == redis.Nil {
						continue
					}
					if err != nil {
						return err
					}
					var u domain.UserRecord
					if err := json.Unmarshal([]byte(data), &u); err != nil {
						return fmt.Errorf("%s: %w", key, err)
					}
					if u.ID == "" {
						u.ID = domain.UserID(strings.TrimPrefix(key, legacyUserPrefix))
					}
					enc, err := json.Marshal(u)
					if err != nil {
						return err
					}
					pipe := client.TxPipeline()
					pipe.HSetNX(ctx, usersKey, string(u.ID), enc)
					pipe.Del(ctx, key)
					if _, err := pipe.Exec(ctx); err != nil {
						return err
					}
				}
				return iter.Err()
			},
		},
	}
}
