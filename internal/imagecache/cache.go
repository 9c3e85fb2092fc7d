// Package imagecache maps image URLs to locally cached bytes. Entries are
// keyed by the SHA-256 of the URL string, never expire and are never
// revalidated: file presence is the only existence check.
package imagecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/hash/sha256"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// Download defaults.
const (
	DefaultTimeout   = 5 * time.Second
	DefaultMaxBytes  = 10 << 20
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	DefaultReferer   = "https://movie.douban.com/"
)

var (
	// ErrEmptyURL is returned for items without a cover URL.
	ErrEmptyURL = errors.New("image url is empty")
	// ErrNotImage is returned when the server answers with a non-image content type.
	ErrNotImage = errors.New("response is not an image")
	// ErrTooLarge is returned when the body exceeds the configured limit.
	ErrTooLarge = errors.New("image exceeds size limit")
)

// Store is the persistence the cache needs. local.BlobStore satisfies it.
type Store interface {
	GetObject(ctx context.Context, path string) ([]byte, bool, error)
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Waiter paces downloads; ratelimit.Limiter satisfies it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config wires a Cache.
type Config struct {
	Store   Store
	Client  *http.Client
	Timeout time.Duration
	Headers http.Header
	// MaxBytes bounds a single download.
	MaxBytes int64
	Waiter   Waiter
	Logger   *zap.Logger
}

// Stats counts cache outcomes since construction.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Failures      int64 `json:"failures"`
	WriteFailures int64 `json:"write_failures"`
}

// Cache is safe for concurrent use. Two callers missing on the same URL may
// both download it; the atomic publish in Store makes the last one win.
type Cache struct {
	store    Store
	client   *http.Client
	timeout  time.Duration
	headers  http.Header
	maxBytes int64
	waiter   Waiter
	logger   *zap.Logger

	hits, misses, failures, writeFailures atomic.Int64
}

// New builds a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, errors.New("cache store is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				MaxIdleConnsPerHost:   8,
			},
		}
	}
	headers := cfg.Headers
	if headers == nil {
		headers = DefaultHeaders()
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:    cfg.Store,
		client:   client,
		timeout:  timeout,
		headers:  headers.Clone(),
		maxBytes: maxBytes,
		waiter:   cfg.Waiter,
		logger:   logger,
	}, nil
}

// DefaultHeaders is the browser header set used for image requests.
func DefaultHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", DefaultUserAgent)
	h.Set("Referer", DefaultReferer)
	h.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")
	return h
}

// Key returns the cache file name for rawURL: the hex SHA-256 of the URL
// followed by the image extension found in the URL path (".jpg" otherwise).
func Key(rawURL string) string {
	return sha256.Sum(rawURL) + Extension(rawURL)
}

// Get returns the image bytes for rawURL and whether they are available.
// Every failure is soft.
func (c *Cache) Get(ctx context.Context, rawURL string) ([]byte, bool) {
	data, err := c.Fetch(ctx, rawURL)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Fetch returns the cached bytes for rawURL or downloads and persists them.
// A failure to persist is logged and the downloaded bytes are still returned.
func (c *Cache) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		metrics.ObserveImageCache("empty")
		return nil, ErrEmptyURL
	}
	key := Key(rawURL)

	data, found, err := c.store.GetObject(ctx, key)
	if err != nil {
		c.logger.Warn("Reading cached image failed; downloading again",
			zap.String("url", rawURL), zap.String("key", key), zap.Error(err))
	}
	if found {
		c.hits.Add(1)
		metrics.ObserveImageCache("hit")
		return data, nil
	}

	c.misses.Add(1)
	metrics.ObserveImageCache("miss")
	data, contentType, err := c.download(ctx, rawURL)
	if err != nil {
		c.failures.Add(1)
		if errors.Is(err, ErrNotImage) {
			metrics.ObserveImageCache("not_image")
		} else {
			metrics.ObserveImageCache("error")
		}
		c.logger.Warn("Image download failed", zap.String("url", rawURL), zap.Error(err))
		return nil, err
	}

	if _, err := c.store.PutObject(ctx, key, contentType, bytes.NewReader(data)); err != nil {
		c.writeFailures.Add(1)
		metrics.ObserveImageCacheWriteFailure()
		c.logger.Warn("Caching image failed", zap.String("url", rawURL), zap.String("key", key), zap.Error(err))
	} else {
		c.logger.Debug("Image cached", zap.String("url", rawURL), zap.String("key", key), zap.Int("bytes", len(data)))
	}
	return data, nil
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Failures:      c.failures.Load(),
		WriteFailures: c.writeFailures.Load(),
	}
}

func (c *Cache) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	if c.waiter != nil {
		if err := c.waiter.Wait(ctx, rawURL); err != nil {
			return nil, "", err
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build image request: %w", err)
	}
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("get image: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("get image: status %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return nil, "", fmt.Errorf("%w (content-type %q)", ErrNotImage, contentType)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxBytes)
	}
	return data, contentType, nil
}

// Extension returns the lowercase image extension of rawURL's path, or
// ".jpg" when it has none.
func Extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".jpg"
	}
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return ext
	default:
		return ".jpg"
	}
}
