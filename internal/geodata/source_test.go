package geodata

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	body  string
	calls int
	err   error
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if aws.ToString(in.Bucket) != "geodata" || aws.ToString(in.Key) != "dumps/cities500.txt" {
		return nil, errors.New("unexpected object")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestFetchLocalPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cities.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	f := NewFetcher(SourceConfig{CacheDir: t.TempDir()})
	got, err := f.Fetch(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	got, err = f.Fetch(context.Background(), "file://"+p)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = f.Fetch(context.Background(), filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}

func TestFetchHTTPCachesDownload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/export/dump/cities500.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(row("1", "Remote", "1", "1", "P", "DK", "", "") + "\n"))
	}))
	defer srv.Close()

	f := NewFetcher(SourceConfig{CacheDir: t.TempDir()})
	ctx := context.Background()

	p, err := f.Fetch(ctx, srv.URL+"/export/dump/cities500.txt")
	require.NoError(t, err)
	again, err := f.Fetch(ctx, srv.URL+"/export/dump/cities500.txt")
	require.NoError(t, err)
	assert.Equal(t, p, again)
	assert.EqualValues(t, 1, hits.Load(), "second fetch is served from cache")

	sc, err := Open(p, Filters{})
	require.NoError(t, err)
	defer sc.Close()
	require.True(t, sc.Next())
	assert.Equal(t, "Remote", sc.City().Name)

	_, err = f.Fetch(ctx, srv.URL+"/missing.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestFetchS3(t *testing.T) {
	objects := &fakeObjects{body: "data\n"}
	f := NewFetcher(SourceConfig{CacheDir: t.TempDir()})
	f.s3 = objects

	p, err := f.Fetch(context.Background(), "s3://geodata/dumps/cities500.txt")
	require.NoError(t, err)
	raw, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "data\n", string(raw))

	_, err = f.Fetch(context.Background(), "s3://geodata/dumps/cities500.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, objects.calls)

	_, err = f.Fetch(context.Background(), "s3://geodata")
	assert.Error(t, err)
}

func TestFetchS3ErrorLeavesNoFile(t *testing.T) {
	f := NewFetcher(SourceConfig{CacheDir: t.TempDir()})
	f.s3 = &fakeObjects{err: errors.New("access denied")}

	_, err := f.Fetch(context.Background(), "s3://geodata/dumps/cities500.txt")
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(f.cacheDir, "s3", "geodata", "dumps", "cities500.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchUnsupportedScheme(t *testing.T) {
	f := NewFetcher(SourceConfig{CacheDir: t.TempDir()})
	_, err := f.Fetch(context.Background(), "ftp://example.com/cities.txt")
	assert.Error(t, err)
}
