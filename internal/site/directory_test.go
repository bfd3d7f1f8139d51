package site

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trialrand/pkg/platform/sentinel"
)

func TestStatic(t *testing.T) {
	ctx := context.Background()
	d := Static{"SiteA": "10", "SiteB": "20"}

	ok, err := d.Exists(ctx, "SiteA")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Exists(ctx, "SiteZ")
	require.NoError(t, err)
	assert.False(t, ok)

	id, err := d.ID(ctx, "SiteB")
	require.NoError(t, err)
	assert.Equal(t, "20", id)

	_, err = d.ID(ctx, "SiteZ")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	assert.Equal(t, []string{"SiteA", "SiteB"}, d.Names())
}

type countingDirectory struct {
	Static
	exists, ids int
}

func (c *countingDirectory) Exists(ctx context.Context, name string) (bool, error) {
	c.exists++
	return c.Static.Exists(ctx, name)
}

func (c *countingDirectory) ID(ctx context.Context, name string) (string, error) {
	c.ids++
	return c.Static.ID(ctx, name)
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	next := &countingDirectory{Static: Static{"SiteA": "10"}}
	d := NewCached(next, time.Minute)

	for range 3 {
		ok, err := d.Exists(ctx, "SiteA")
		require.NoError(t, err)
		assert.True(t, ok)
		id, err := d.ID(ctx, "SiteA")
		require.NoError(t, err)
		assert.Equal(t, "10", id)
	}
	assert.Equal(t, 1, next.exists)
	assert.Equal(t, 1, next.ids)

	t.Run("negative answers are cached", func(t *testing.T) {
		for range 2 {
			ok, err := d.Exists(ctx, "SiteZ")
			require.NoError(t, err)
			assert.False(t, ok)
		}
		assert.Equal(t, 2, next.exists)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		_, err := d.ID(ctx, "SiteZ")
		require.Error(t, err)
		_, err = d.ID(ctx, "SiteZ")
		require.Error(t, err)
		assert.Equal(t, 3, next.ids)
	})

	t.Run("flush", func(t *testing.T) {
		d.Flush()
		_, err := d.Exists(ctx, "SiteA")
		require.NoError(t, err)
		assert.Equal(t, 3, next.exists)
	})
}
