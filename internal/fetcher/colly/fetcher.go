// Package collyfetcher implements catalog.PageFetcher on top of gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// DefaultEndpoint is the movie recommendation listing.
const DefaultEndpoint = "https://m.douban.com/rexxar/api/v2/movie/recommend"

// Browser-identifying defaults sent with every listing request.
const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	DefaultReferer = "https://movie.douban.com/explore"
)

// DefaultHeaders returns the header set the listing API expects from a browser.
func DefaultHeaders(userAgent, referer string) http.Header {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if referer == "" {
		referer = DefaultReferer
	}
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Referer", referer)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	h.Set("Connection", "keep-alive")
	return h
}

// Config controls collector behavior.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	// Headers replaces DefaultHeaders when non-nil.
	Headers http.Header
	// Policy defaults to three attempts with a 1s*2^n wait.
	Policy crawler.RetryPolicy
	Pauser crawler.Pauser
	Logger *zap.Logger
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// Fetcher issues listing requests through a Colly collector.
type Fetcher struct {
	endpoint      *url.URL
	timeout       time.Duration
	headers       http.Header
	policy        crawler.RetryPolicy
	pauser        crawler.Pauser
	logger        *zap.Logger
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) (*Fetcher, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	headers := cfg.Headers
	if headers == nil {
		headers = DefaultHeaders("", "")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	policy := cfg.Policy
	if policy == nil {
		policy = crawler.NewExponentialRetryPolicy(3, time.Second)
	}
	pauser := cfg.Pauser
	if pauser == nil {
		pauser = crawler.TimerPause{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}

	// Retries hit the same URL, so revisits must be allowed.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)

	return &Fetcher{
		endpoint:      u,
		timeout:       timeout,
		headers:       headers.Clone(),
		policy:        policy,
		pauser:        pauser,
		logger:        logger,
		transport:     transport,
		baseCollector: c,
	}, nil
}

// PageURL renders the listing URL for req.
func (f *Fetcher) PageURL(req catalog.PageRequest) string {
	u := *f.endpoint
	q := u.Query()
	q.Set("refresh", "0")
	q.Set("start", strconv.Itoa(req.Start))
	q.Set("count", strconv.Itoa(req.Count))
	q.Set("selected_categories", "{}")
	q.Set("uncollect", "false")
	q.Set("score_range", "0,10")
	q.Set("tags", req.Tags)
	q.Set("sort", string(req.Sort))
	u.RawQuery = q.Encode()
	return u.String()
}

// FetchPage fetches and decodes one listing page.
func (f *Fetcher) FetchPage(ctx context.Context, req catalog.PageRequest) (catalog.PageResult, error) {
	if err := req.Validate(); err != nil {
		return catalog.PageResult{}, fmt.Errorf("invalid page request: %w", err)
	}
	return f.Fetch(ctx, f.PageURL(req))
}

// Fetch GETs rawURL, retrying transport failures under the configured policy.
// A body that does not decode is returned as *catalog.DecodeError immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (catalog.PageResult, error) {
	for attempt := 0; ; attempt++ {
		body, status, err := f.get(ctx, rawURL)
		if err == nil {
			page, decodeErr := decodePage(body)
			if decodeErr != nil {
				metrics.ObservePage("decode_error")
				return catalog.PageResult{}, &catalog.DecodeError{URL: rawURL, Err: decodeErr}
			}
			metrics.ObservePage("ok")
			return page, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return catalog.PageResult{}, fmt.Errorf("fetch %s canceled: %w", rawURL, ctxErr)
		}

		metrics.ObservePage("transport_error")
		transportErr := &catalog.TransportError{
			URL:        rawURL,
			StatusCode: status,
			Attempts:   attempt + 1,
			Err:        err,
		}
		if !f.policy.ShouldRetry(transportErr, attempt) {
			return catalog.PageResult{}, transportErr
		}
		wait := f.policy.Backoff(attempt)
		f.logger.Warn("Listing request failed; backing off",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Int("status", status),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		metrics.ObserveFetchRetry()
		if pauseErr := f.pauser.Pause(ctx, wait); pauseErr != nil {
			return catalog.PageResult{}, pauseErr
		}
	}
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	collector.UserAgent = f.headers.Get("User-Agent")
	collector.SetRequestTimeout(f.timeout)
	collector.WithTransport(f.transport)
	f.configureCollectorHooks(collector, &body, &status, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, 0, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, status, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return nil, status, fmt.Errorf("colly visit failed: %w", err)
		}
		return body, status, nil
	}
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, body *[]byte, status *int, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

type wirePage struct {
	Items               []catalog.Item  `json:"items"`
	Total               *int            `json:"total"`
	RecommendCategories json.RawMessage `json:"recommend_categories"`
	ShowRatingFilter    bool            `json:"show_rating_filter"`
}

func decodePage(body []byte) (catalog.PageResult, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return catalog.PageResult{}, errors.New("empty body")
	}
	var wire wirePage
	if err := json.Unmarshal(body, &wire); err != nil {
		return catalog.PageResult{}, fmt.Errorf("unmarshal listing: %w", err)
	}
	if wire.Total == nil {
		return catalog.PageResult{}, errors.New("listing has no total field")
	}
	if *wire.Total < 0 {
		return catalog.PageResult{}, fmt.Errorf("negative total %d", *wire.Total)
	}
	items := wire.Items
	if items == nil {
		items = []catalog.Item{}
	}
	return catalog.PageResult{
		Items:               items,
		Total:               *wire.Total,
		RecommendCategories: wire.RecommendCategories,
		ShowRatingFilter:    wire.ShowRatingFilter,
	}, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}

