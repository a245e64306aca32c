package geodata

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SourceConfig configures where remote datasets are fetched from and cached.
type SourceConfig struct {
	CacheDir        string
	DownloadTimeout time.Duration
	S3Region        string
	S3Endpoint      string
	S3PathStyle     bool
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher turns a dataset location (local path, http(s) URL or s3:// URI)
// into a local file the Scanner can reopen on every pass.
type Fetcher struct {
	cacheDir   string
	httpClient *http.Client
	s3         objectGetter
	newS3      func(ctx context.Context) (objectGetter, error)
}

// NewFetcher builds a Fetcher. The S3 client is created lazily on the first s3:// fetch.
func NewFetcher(cfg SourceConfig) *Fetcher {
	timeout := cfg.DownloadTimeout
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = "./geodata-cache"
	}
	return &Fetcher{
		cacheDir:   cacheDir,
		httpClient: &http.Client{Timeout: timeout},
		newS3: func(ctx context.Context) (objectGetter, error) {
			return newS3Client(ctx, cfg)
		},
	}
}

func newS3Client(ctx context.Context, cfg SourceConfig) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// Fetch returns a local path for uri, downloading remote sources into the
// cache directory once.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		if _, err := os.Stat(uri); err != nil {
			return "", fmt.Errorf("dataset %s: %w", uri, err)
		}
		return uri, nil
	}

	switch u.Scheme {
	case "file":
		if _, err := os.Stat(u.Path); err != nil {
			return "", fmt.Errorf("dataset %s: %w", uri, err)
		}
		return u.Path, nil
	case "http", "https":
		dst := filepath.Join(f.cacheDir, "http", cacheName(uri, path.Base(u.Path)))
		if cached(dst) {
			return dst, nil
		}
		if err := f.download(ctx, uri, dst); err != nil {
			return "", err
		}
		return dst, nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return "", fmt.Errorf("dataset %s: s3 uri needs bucket and key", uri)
		}
		dst := filepath.Join(f.cacheDir, "s3", u.Host, filepath.FromSlash(key))
		if cached(dst) {
			return dst, nil
		}
		if err := f.getObject(ctx, u.Host, key, dst); err != nil {
			return "", err
		}
		return dst, nil
	default:
		return "", fmt.Errorf("dataset %s: unsupported scheme %q", uri, u.Scheme)
	}
}

func (f *Fetcher) download(ctx context.Context, rawURL, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download dataset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download dataset: status %d", resp.StatusCode)
	}
	return writeFile(dst, resp.Body)
}

func (f *Fetcher) getObject(ctx context.Context, bucket, key, dst string) error {
	if f.s3 == nil {
		client, err := f.newS3(ctx)
		if err != nil {
			return err
		}
		f.s3 = client
	}
	out, err := f.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()
	return writeFile(dst, out.Body)
}

// writeFile streams r into dst through a temporary file so a failed
// download never leaves a partial dataset behind.
func writeFile(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing file %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func cached(p string) bool {
	st, err := os.Stat(p)
	if err != nil {
		return false
	}
	return st.Size() > 0
}

func cacheName(uri, base string) string {
	sum := sha1.Sum([]byte(uri))
	base = strings.TrimSpace(base)
	if base == "" || base == "/" || base == "." {
		base = "dataset.txt"
	}
	return hex.EncodeToString(sum[:])[:12] + "-" + base
}
