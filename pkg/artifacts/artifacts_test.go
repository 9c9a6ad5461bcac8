package artifacts

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/pkg/config"
	"github.com/wardenlabs/warden/pkg/store"
)

func TestFileStoreRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	digest, err := fs.Put(context.Background(), []byte("run output"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(digest, "sha256:"))
	assert.Len(t, digest, len("sha256:")+64)

	got, err := fs.Get(context.Background(), digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("run output"), got)

	ok, err := fs.Exists(context.Background(), digest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStorePutIsWriteOnce(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	d1, err := fs.Put(context.Background(), []byte("same bytes"))
	require.NoError(t, err)
	d2, err := fs.Put(context.Background(), []byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	got, err := fs.Get(context.Background(), d1)
	require.NoError(t, err)
	assert.Equal(t, []byte("same bytes"), got)
}

func TestFileStoreGetUnknownDigest(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Get(context.Background(), "sha256:"+strings.Repeat("0", 64))
	assert.ErrorIs(t, err, store.ErrNotFound)

	ok, err := fs.Exists(context.Background(), "sha256:"+strings.Repeat("0", 64))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStoreRejectsMalformedDigest(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Get(context.Background(), "md5:abcdef")
	assert.ErrorContains(t, err, "invalid digest")

	_, err = fs.Get(context.Background(), "sha256:nothex"+strings.Repeat("0", 58))
	assert.ErrorContains(t, err, "invalid digest")

	_, err = fs.Exists(context.Background(), "sha256:short")
	assert.ErrorContains(t, err, "invalid digest")
}

func TestFileStoreRejectsOversizedBlob(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Put(context.Background(), make([]byte, MaxBlobSize+1))
	assert.ErrorContains(t, err, "exceeds")

	_, err = fs.Put(context.Background(), nil)
	assert.ErrorContains(t, err, "empty")
}

func TestDigestIsContentAddressed(t *testing.T) {
	assert.Equal(t, Digest([]byte("a")), Digest([]byte("a")))
	assert.NotEqual(t, Digest([]byte("a")), Digest([]byte("b")))
}

func TestNewStoreDefaultsToFile(t *testing.T) {
	cfg := &config.Config{ArtifactStore: "file", ArtifactDir: t.TempDir()}
	s, err := NewStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
}

func TestNewStoreS3RequiresBucket(t *testing.T) {
	_, err := NewStore(context.Background(), &config.Config{ArtifactStore: "s3"})
	assert.ErrorContains(t, err, "bucket")
}

func TestNewStoreUnknownBackend(t *testing.T) {
	_, err := NewStore(context.Background(), &config.Config{ArtifactStore: "azure"})
	assert.ErrorContains(t, err, "unknown store")
}
