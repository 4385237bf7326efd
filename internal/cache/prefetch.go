package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatsync/internal/models"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultMaxBytes     = 8 << 20
)

var ErrResourceTooLarge = errors.New("resource exceeds size limit")

// Fetcher downloads a single resource.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (models.Resource, error)
}

// HTTPFetcher fetches resources with a plain GET.
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (models.Resource, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return models.Resource{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.Resource{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Resource{}, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return models.Resource{}, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(data)) > limit {
		return models.Resource{}, ErrResourceTooLarge
	}
	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return models.Resource{
		URL:       url,
		MimeType:  mime,
		Size:      int64(len(data)),
		Data:      data,
		FetchedAt: time.Now().UTC(),
	}, nil
}

type PrefetchConfig struct {
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
}

// Prefetcher warms the cache in the background. Concurrent requests for the
// same URL share one download and downloads are paced by a token bucket.
type Prefetcher struct {
	cache   *ResourceCache
	fetcher Fetcher
	limiter *rate.Limiter
	group   singleflight.Group
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPrefetcher(cache *ResourceCache, fetcher Fetcher, cfg PrefetchConfig) *Prefetcher {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 4
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Prefetcher{
		cache:   cache,
		fetcher: fetcher,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Prefetcher) Cache() *ResourceCache {
	return p.cache
}

// Prefetch schedules downloads of urls owned by messageID. It never blocks.
func (p *Prefetcher) Prefetch(messageID string, urls []string) {
	if p == nil || p.ctx.Err() != nil {
		return
	}
	for _, u := range urls {
		if u == "" || p.cache.Contains(u) {
			continue
		}
		p.wg.Add(1)
		go func(url string) {
			defer p.wg.Done()
			if _, err := p.fetch(messageID, url); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("prefetch %s failed: %v", url, err)
			}
		}(u)
	}
}

// Resolve returns the resource from cache, fetching it on a miss.
func (p *Prefetcher) Resolve(ctx context.Context, messageID, url string) (models.Resource, error) {
	if res, ok := p.cache.Get(url); ok {
		return res, nil
	}
	type result struct {
		res models.Resource
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := p.fetch(messageID, url)
		done <- result{res, err}
	}()
	select {
	case <-ctx.Done():
		return models.Resource{}, ctx.Err()
	case r := <-done:
		return r.res, r.err
	}
}

func (p *Prefetcher) fetch(messageID, url string) (models.Resource, error) {
	v, err, _ := p.group.Do(url, func() (interface{}, error) {
		if res, ok := p.cache.Get(url); ok {
			return res, nil
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		defer cancel()
		res, err := p.fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		res.URL = url
		res.MessageID = messageID
		p.cache.Put(res)
		return res, nil
	})
	if err != nil {
		return models.Resource{}, err
	}
	return v.(models.Resource), nil
}

// Wait blocks until scheduled prefetches finish.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}

// Close aborts in-flight downloads and waits for them.
func (p *Prefetcher) Close() {
	p.cancel()
	p.wg.Wait()
}
