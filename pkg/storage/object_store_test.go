package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetKey(t *testing.T) {
	key := AssetKey("t1", "image/png")
	assert.True(t, strings.HasPrefix(key, "threads/t1/assets/"))
	assert.True(t, strings.HasSuffix(key, ".png"))
	assert.NotEqual(t, key, AssetKey("t1", "image/png"))
	assert.True(t, strings.HasSuffix(AssetKey("t1", "application/x-unknown-thing"), ".bin"))
}

func TestMemoryStorePutBytes(t *testing.T) {
	s := NewMemoryStore("https://assets.test/")
	ctx := context.Background()
	u, err := PutBytes(ctx, s, "threads/t1/assets/a.png", []byte("img"), "image/png", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "https://assets.test/threads%2Ft1%2Fassets%2Fa.png"))

	obj, ok := s.Get("threads/t1/assets/a.png")
	require.True(t, ok)
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, []byte("img"), obj.Data)

	require.NoError(t, s.Delete(ctx, "threads/t1/assets/a.png"))
	_, err = s.PresignGet(ctx, "threads/t1/assets/a.png", time.Hour)
	assert.Error(t, err)
}
