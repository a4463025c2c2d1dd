package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"data":{}}`)
	uri, err := store.PutObject(context.Background(), "path/page.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://path/page.json", uri)

	payload[0] = '['
	stored, err := store.GetObject(context.Background(), "path/page.json")
	require.NoError(t, err)
	require.Equal(t, `{"data":{}}`, string(stored))

	stored[0] = '['
	again, err := store.GetObject(context.Background(), "path/page.json")
	require.NoError(t, err)
	require.Equal(t, byte('{'), again[0], "GetObject must return a copy")
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreGetObjectMissing(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().GetObject(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrObjectNotFound)
}
