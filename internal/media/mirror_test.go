package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datapipe-labs/harvester/internal/harvest"
	"github.com/datapipe-labs/harvester/internal/metrics"
)

type fakeFetcher struct {
	data  map[string][]byte
	err   error
	calls int
}

func (f *fakeFetcher) Media(ctx context.Context, board, filename string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.data[board+"/"+filename], nil
}

type fakeBlobs struct {
	existing map[string]bool
	puts     map[string][]byte
	putErr   error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{existing: map[string]bool{}, puts: map[string][]byte{}}
}

func (f *fakeBlobs) Put(ctx context.Context, path, contentType string, data []byte) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	f.puts[path] = data
	return "gs://bucket/" + path, nil
}

func (f *fakeBlobs) Exists(ctx context.Context, path string) (bool, error) {
	return f.existing[path], nil
}

func imagePost() harvest.Post {
	return harvest.Post{
		Board:    "pol",
		ThreadID: 123,
		No:       456,
		ImageID:  1650000000123,
		Ext:      ".jpg",
		Filename: "cat",
	}
}

func TestMirrorPostStoresImage(t *testing.T) {
	t.Parallel()
	metrics.Init()

	payload := []byte("jpeg bytes")
	fetcher := &fakeFetcher{data: map[string][]byte{"pol/1650000000123.jpg": payload}}
	blobs := newFakeBlobs()
	m := New(fetcher, blobs, nil)

	p := imagePost()
	m.MirrorPost(context.Background(), &p)

	require.Equal(t, "gs://bucket/pol/123/1650000000123.jpg", p.MediaPath)
	sum := md5.Sum(payload)
	require.Equal(t, hex.EncodeToString(sum[:]), p.LocalMD5)
	require.Equal(t, payload, blobs.puts["pol/123/1650000000123.jpg"])
}

func TestMirrorPostSkipsNonImage(t *testing.T) {
	t.Parallel()
	metrics.Init()

	fetcher := &fakeFetcher{}
	m := New(fetcher, newFakeBlobs(), nil)

	p := imagePost()
	p.Ext = ".webm"
	m.MirrorPost(context.Background(), &p)

	require.Zero(t, fetcher.calls)
	require.Empty(t, p.MediaPath)
}

func TestMirrorPostSkipsExisting(t *testing.T) {
	t.Parallel()
	metrics.Init()

	fetcher := &fakeFetcher{}
	blobs := newFakeBlobs()
	blobs.existing["pol/123/1650000000123.jpg"] = true
	m := New(fetcher, blobs, nil)

	p := imagePost()
	m.MirrorPost(context.Background(), &p)

	require.Zero(t, fetcher.calls, "existing objects must not be re-downloaded")
}

func TestMirrorPostFailureLeavesPostUsable(t *testing.T) {
	t.Parallel()
	metrics.Init()

	fetcher := &fakeFetcher{err: errors.New("cdn down")}
	m := New(fetcher, newFakeBlobs(), nil)

	p := imagePost()
	m.MirrorPost(context.Background(), &p)

	require.Empty(t, p.MediaPath)
	require.Empty(t, p.LocalMD5)
}

func TestMirrorPostIgnoresTextPosts(t *testing.T) {
	t.Parallel()
	metrics.Init()

	fetcher := &fakeFetcher{}
	m := New(fetcher, newFakeBlobs(), nil)

	p := harvest.Post{Board: "pol", ThreadID: 123, No: 789}
	m.MirrorPost(context.Background(), &p)
	require.Zero(t, fetcher.calls)
}
