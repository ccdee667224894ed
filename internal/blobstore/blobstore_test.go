package blobstore

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenote/carenote/internal/apierror"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestFileStore_PutGetOverwrite(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key := ArtifactKey("c1", "transcription", "fp1")
	require.NoError(t, store.Put(ctx, key, []byte("first")))
	require.NoError(t, store.Put(ctx, key, []byte("second")))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	require.NoError(t, store.Delete(ctx, key))
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Delete(ctx, key))
}

func TestFileStore_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, ChunkKey("s1", 0, 10), []byte("0123456789")))
	require.NoError(t, store.Put(ctx, ChunkKey("s1", 10, 5), []byte("abcde")))
	require.NoError(t, store.Put(ctx, ChunkKey("s2", 0, 1), []byte("z")))

	require.NoError(t, store.DeletePrefix(ctx, ChunkPrefix("s1")))

	_, err = store.Get(ctx, ChunkKey("s1", 0, 10))
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := store.Get(ctx, ChunkKey("s2", 0, 1))
	require.NoError(t, err)
	assert.Equal(t, "z", string(got))
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, store.Put(context.Background(), "../escape", []byte("x")))
	assert.Error(t, store.Put(context.Background(), "/abs", []byte("x")))
}

func TestSealedStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	inner, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sealed, err := NewSealedStore(inner, testKey)
	require.NoError(t, err)

	require.NoError(t, sealed.Put(ctx, AudioKey("c1"), []byte("RIFF....WAVE")))

	raw, err := inner.Get(ctx, AudioKey("c1"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "RIFF")

	plain, err := sealed.Get(ctx, AudioKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "RIFF....WAVE", string(plain))
}

func TestSealedStore_ObjectsAreBoundToKeys(t *testing.T) {
	ctx := context.Background()
	inner, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sealed, err := NewSealedStore(inner, testKey)
	require.NoError(t, err)

	require.NoError(t, sealed.Put(ctx, AudioKey("c1"), []byte("patient one")))
	raw, err := inner.Get(ctx, AudioKey("c1"))
	require.NoError(t, err)
	require.NoError(t, inner.Put(ctx, AudioKey("c2"), raw))

	_, err = sealed.Get(ctx, AudioKey("c2"))
	assert.Error(t, err)
}

func TestSealedStore_MissingKeyIsFatalAndWritesNothing(t *testing.T) {
	ctx := context.Background()
	inner, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	sealed, err := NewSealedStore(inner, "")
	require.NoError(t, err)

	err = sealed.Put(ctx, AudioKey("c1"), []byte("audio"))
	assert.Equal(t, apierror.ErrFatalConfig, apierror.CodeOf(err))

	_, err = inner.Get(ctx, AudioKey("c1"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewSealedStore(inner, "short")
	assert.Error(t, err)
}

func TestS3Store_PutGet(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	store, err := NewS3Store(S3Options{
		Bucket:          "carenote-audio",
		Region:          "eu-west-1",
		Endpoint:        "http://s3.local",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	})
	require.NoError(t, err)

	httpmock.RegisterResponder(http.MethodPut, "http://s3.local/carenote-audio/audio/c1",
		httpmock.NewStringResponder(http.StatusOK, ""))
	httpmock.RegisterResponder(http.MethodGet, "http://s3.local/carenote-audio/audio/c1",
		httpmock.NewStringResponder(http.StatusOK, "sealed-bytes"))
	httpmock.RegisterResponder(http.MethodGet, "http://s3.local/carenote-audio/audio/missing",
		httpmock.NewStringResponder(http.StatusNotFound,
			`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, AudioKey("c1"), []byte("sealed-bytes")))

	got, err := store.Get(ctx, AudioKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "sealed-bytes", string(got))

	_, err = store.Get(ctx, AudioKey("missing"))
	assert.ErrorIs(t, err, ErrNotFound)

	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 1, info["PUT http://s3.local/carenote-audio/audio/c1"])
}
