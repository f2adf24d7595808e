// Package redisstore keeps the PromptedKeySet in Redis, for installations
// where several controllers report to one escalation desk.
package redisstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
)

const DefaultKey = "keycabinet:prompted"

type Options struct {
	Addr     string
	Password string
	DB       int
	// Key is the Redis set holding the prompted key names.
	Key string
}

// PromptedKeys implements store.PromptedKeyStore on a Redis set.
type PromptedKeys struct {
	c   redis.Cmdable
	key string
}

func NewClient(opt Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
}

func NewPromptedKeys(c redis.Cmdable, key string) *PromptedKeys {
	if key == "" {
		key = DefaultKey
	}
	return &PromptedKeys{c: c, key: key}
}

// Ping checks the connection; used by the health endpoint.
func (p *PromptedKeys) Ping(ctx context.Context) error {
	return p.c.Ping(ctx).Err()
}

func (p *PromptedKeys) LoadPrompted(ctx context.Context) ([]string, error) {
	names, err := p.c.SMembers(ctx, p.key).Result()
	if err != nil {
		return nil, fmt.Errorf("LoadPrompted: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (p *PromptedKeys) AddPrompted(ctx context.Context, name string) error {
	if err := p.c.SAdd(ctx, p.key, name).Err(); err != nil {
		return fmt.Errorf("AddPrompted: %w", err)
	}
	return nil
}

func (p *PromptedKeys) RemovePrompted(ctx context.Context, name string) error {
	if err := p.c.SRem(ctx, p.key, name).Err(); err != nil {
		return fmt.Errorf("RemovePrompted: %w", err)
	}
	return nil
}

func (p *PromptedKeys) ClearPrompted(ctx context.Context) error {
	if err := p.c.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("ClearPrompted: %w", err)
	}
	return nil
}
