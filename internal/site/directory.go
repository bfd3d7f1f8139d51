// Package site resolves enrollment site names to the identifiers recorded on
// claimed rows. Site management itself lives elsewhere; these adapters only
// read.
package site

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/redis/go-redis/v9"

	"trialrand/pkg/platform/sentinel"
)

// Static is a fixed name -> identifier directory, usually from config.
type Static map[string]string

func (d Static) Exists(_ context.Context, name string) (bool, error) {
	_, ok := d[name]
	return ok, nil
}

func (d Static) ID(_ context.Context, name string) (string, error) {
	id, ok := d[name]
	if !ok {
		return "", fmt.Errorf("site %s: %w", name, sentinel.ErrNotFound)
	}
	return id, nil
}

// Names lists the configured sites in order.
func (d Static) Names() []string {
	return slices.Sorted(maps.Keys(d))
}

// DefaultRedisKey is the hash holding name -> identifier.
const DefaultRedisKey = "trialrand:sites"

// Redis reads the directory from a Redis hash maintained by the site
// management system.
type Redis struct {
	client redis.UniversalClient
	key    string
}

func NewRedis(client redis.UniversalClient, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

func (d *Redis) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := d.client.HExists(ctx, d.key, name).Result()
	if err != nil {
		return false, fmt.Errorf("site lookup: %w", err)
	}
	return ok, nil
}

func (d *Redis) ID(ctx context.Context, name string) (string, error) {
	id, err := d.client.HGet(ctx, d.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("site %s: %w", name, sentinel.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("site lookup: %w", err)
	}
	return id, nil
}

// Seed writes the given sites into the hash. Used by the CLI and tests.
func (d *Redis) Seed(ctx context.Context, sites Static) error {
	if len(sites) == 0 {
		return nil
	}
	values := make([]any, 0, 2*len(sites))
	for _, name := range sites.Names() {
		values = append(values, name, sites[name])
	}
	if err := d.client.HSet(ctx, d.key, values...).Err(); err != nil {
		return fmt.Errorf("seed sites: %w", err)
	}
	return nil
}
