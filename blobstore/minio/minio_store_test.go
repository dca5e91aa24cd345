package minio

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo/blobstore"
)

func TestKeyMapping(t *testing.T) {
	s := NewStore(nil, "bucket", "/backups/")
	assert.Equal(t, "backups/seg/a.seg", s.key("seg/a.seg"))
	assert.Equal(t, "seg/a.seg", s.name("backups/seg/a.seg"))

	bare := NewStore(nil, "bucket", "")
	assert.Equal(t, "a.seg", bare.key("a.seg"))
	assert.Equal(t, "a.seg", bare.name("a.seg"))
}

func TestDialRequiresEndpoint(t *testing.T) {
	_, err := Dial(context.Background(), Config{Bucket: "b"})
	require.Error(t, err)
}

// TestMinioStoreIntegration requires a running MinIO instance at
// KVGO_TEST_MINIO (e.g. localhost:9000).
func TestMinioStoreIntegration(t *testing.T) {
	endpoint := os.Getenv("KVGO_TEST_MINIO")
	if endpoint == "" {
		t.Skip("KVGO_TEST_MINIO not set")
	}
	ctx := context.Background()

	store, err := Dial(ctx, Config{
		Endpoint:     endpoint,
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		Bucket:       "kvgo-test",
		Prefix:       "test-prefix/",
		CreateBucket: true,
	})
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	data := []byte("hello minio world")
	require.NoError(t, store.Put(ctx, "test.txt", data))

	blob, err := store.Open(ctx, "test.txt")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, len(data))
	n, err := blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)

	payload := bytes.Repeat([]byte("segment"), 4096)
	_, err = blobstore.Upload(ctx, store, "seg/one.seg", bytes.NewReader(payload))
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = blobstore.Download(ctx, store, "seg/one.seg", &out)
	require.NoError(t, err)
	require.Equal(t, payload, out.Bytes())

	rc, err := blob.ReadRange(ctx, 6, 5)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "minio", string(got))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, names, "test.txt")
	assert.Contains(t, names, "seg/one.seg")

	require.NoError(t, store.Delete(ctx, "test.txt"))
	require.NoError(t, store.Delete(ctx, "seg/one.seg"))
	_, err = store.Open(ctx, "test.txt")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}
