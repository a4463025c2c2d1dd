// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		tempDir := t.TempDir()
		store, err := local.New(local.Config{BaseDir: tempDir})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "cache")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		tempFile := filepath.Join(t.TempDir(), "testfile")
		require.NoError(t, os.WriteFile(tempFile, []byte("x"), 0o600))

		_, err := local.New(local.Config{BaseDir: tempFile})
		assert.Error(t, err)
	})
}

func TestPutAndGetObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("ValidPut", func(t *testing.T) {
		path := "task/page.json"
		data := []byte(`{"data":{"title":"hello"}}`)
		uri, err := store.PutObject(ctx, path, "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		readData, err := store.GetObject(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, data, readData)
	})

	t.Run("OverwriteIsIdempotent", func(t *testing.T) {
		path := "task/again.json"
		_, err := store.PutObject(ctx, path, "application/json", bytes.NewReader([]byte("one")))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, path, "application/json", bytes.NewReader([]byte("two")))
		require.NoError(t, err)

		readData, err := store.GetObject(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "two", string(readData))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.json", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
		_, err = store.GetObject(ctx, "../../etc/passwd")
		assert.Error(t, err)
	})

	t.Run("MissingObject", func(t *testing.T) {
		_, err := store.GetObject(ctx, "task/missing.json")
		assert.ErrorIs(t, err, crawler.ErrObjectNotFound)
	})
}
