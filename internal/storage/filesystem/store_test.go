package filesystem

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardmail/backend/internal/storage"
)

// 测试辅助函数：创建临时测试目录
func setupTestStore(t *testing.T) *Store {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestNewStore(t *testing.T) {
	t.Run("创建嵌套目录", func(t *testing.T) {
		newPath := filepath.Join(t.TempDir(), "new", "nested", "path")
		store, err := NewStore(newPath)
		require.NoError(t, err)
		assert.NotNil(t, store)

		_, err = os.Stat(filepath.Join(newPath, "objects"))
		assert.NoError(t, err)
	})

	t.Run("拒绝路径穿越", func(t *testing.T) {
		_, err := NewStore("../escape")
		assert.Error(t, err)
	})
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	content := []byte("%PDF-1.4 quarterly report")

	key, err := store.Put(ctx, content)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), key)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	t.Run("重复写入返回相同键", func(t *testing.T) {
		again, err := store.Put(ctx, content)
		require.NoError(t, err)
		assert.Equal(t, key, again)

		stats, err := store.GetStorageStats()
		require.NoError(t, err)
		assert.Equal(t, 1, stats["object_count"])
	})

	t.Run("空内容", func(t *testing.T) {
		emptyKey, err := store.Put(ctx, nil)
		require.NoError(t, err)
		got, err := store.Get(ctx, emptyKey)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestGetErrors(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	t.Run("不存在", func(t *testing.T) {
		missing := hex.EncodeToString(make([]byte, sha256.Size))
		_, err := store.Get(ctx, missing)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("非法键", func(t *testing.T) {
		for _, key := range []string{"", "../../etc/passwd", "ABCD", "zz" + hex.EncodeToString(make([]byte, 31))} {
			_, err := store.Get(ctx, key)
			assert.ErrorIs(t, err, ErrInvalidKey, key)
		}
	})

	t.Run("已取消的上下文", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.Put(cctx, []byte("x"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestConcurrentPut(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	content := []byte("same attachment bytes")

	var wg sync.WaitGroup
	keys := make([]string, 20)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key, err := store.Put(ctx, content)
			assert.NoError(t, err)
			keys[i] = key
		}(i)
	}
	wg.Wait()

	for _, key := range keys {
		assert.Equal(t, keys[0], key)
	}
	got, err := store.Get(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestHealth(t *testing.T) {
	store := setupTestStore(t)
	assert.NoError(t, store.Health(context.Background()))
}
