package site

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"trialrand/internal/randomization/ports"
)

// Cached memoizes a slower directory. Negative Exists answers are cached too,
// so a site added upstream becomes visible after at most ttl.
type Cached struct {
	next  ports.SiteDirectory
	cache *cache.Cache
}

func NewCached(next ports.SiteDirectory, ttl time.Duration) *Cached {
	return &Cached{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (c *Cached) Exists(ctx context.Context, name string) (bool, error) {
	if v, ok := c.cache.Get("exists:" + name); ok {
		return v.(bool), nil
	}
	ok, err := c.next.Exists(ctx, name)
	if err != nil {
		return false, err
	}
	c.cache.SetDefault("exists:"+name, ok)
	return ok, nil
}

func (c *Cached) ID(ctx context.Context, name string) (string, error) {
	if v, ok := c.cache.Get("id:" + name); ok {
		return v.(string), nil
	}
	id, err := c.next.ID(ctx, name)
	if err != nil {
		return "", err
	}
	c.cache.SetDefault("id:"+name, id)
	return id, nil
}

// Flush drops every cached answer.
func (c *Cached) Flush() {
	c.cache.Flush()
}
