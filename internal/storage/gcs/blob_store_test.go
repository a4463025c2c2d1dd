package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesInputs(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "bucket"})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{Bucket: " "})
	require.Error(t, err)

	_, err = New(&storage.Client{}, Config{Bucket: "bucket", ChunkSize: -1})
	require.Error(t, err)

	store, err := New(&storage.Client{}, Config{Bucket: "bucket"})
	require.NoError(t, err)
	require.Equal(t, "bucket", store.cfg.Bucket)
}

func TestObjectPathValidation(t *testing.T) {
	t.Parallel()

	store, err := New(&storage.Client{}, Config{Bucket: "bucket"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), " ", "application/json", nil)
	require.Error(t, err)
	_, err = store.GetObject(context.Background(), "")
	require.Error(t, err)
	_, err = store.GetObject(context.Background(), "/absolute/page.json")
	require.ErrorContains(t, err, "must be relative")
}
