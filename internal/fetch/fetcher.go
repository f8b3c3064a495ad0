// Package fetch issues bulk HTTP GETs with a bounded in-flight window,
// per-request timeouts, and content validation.
package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// userAgents rotate per request to reduce trivial blocking. Real browser
// strings; bots announcing themselves get served captchas.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

var uaCounter uint32

func nextUserAgent() string {
	n := atomic.AddUint32(&uaCounter, 1)
	return userAgents[int(n)%len(userAgents)]
}

// Result is the outcome of one fetch. Success requires HTTP 200, no
// transport error, and a PageFilter pass.
type Result struct {
	URL         string
	Body        []byte
	StatusCode  int
	ContentType string
	Err         error
	Success     bool
}

// Config tunes the fetcher. Zero values take the defaults.
type Config struct {
	MaxInFlight         int
	RequestTimeout      time.Duration
	ConnectTimeout      time.Duration
	TLSHandshakeTimeout time.Duration
	MaxRedirects        int
	RequestsPerSecond   float64
	Filter              PageFilter
}

// DefaultConfig returns the tuning used by extract workers.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:         10,
		RequestTimeout:      15 * time.Second,
		ConnectTimeout:      10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxRedirects:        3,
		RequestsPerSecond:   8,
		Filter:              NewPageFilter(),
	}
}

// Fetcher issues GET requests with a shared transport and a global
// request-rate cap.
type Fetcher struct {
	client  *http.Client
	cfg     Config
	limiter *rate.Limiter
}

// New builds a Fetcher. TLS certificate verification is disabled for
// throughput: content is validated downstream, never trusted as
// authoritative, and broken-cert small-business sites are common in the
// long tail this pipeline crawls.
func New(cfg Config) *Fetcher {
	def := DefaultConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.TLSHandshakeTimeout <= 0 {
		cfg.TLSHandshakeTimeout = def.TLSHandshakeTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Filter.MaxBytes == 0 {
		cfg.Filter = NewPageFilter()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.RequestTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}
	return &Fetcher{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.MaxInFlight),
	}
}

// FetchMany fetches urls in chunks of at most MaxInFlight concurrent
// requests; a chunk settles fully before the next starts. onResult, when
// non-nil, fires once per result as each request completes.
func (f *Fetcher) FetchMany(ctx context.Context, urls []string, onResult func(Result)) []Result {
	results := make([]Result, 0, len(urls))
	for start := 0; start < len(urls); start += f.cfg.MaxInFlight {
		end := start + f.cfg.MaxInFlight
		if end > len(urls) {
			end = len(urls)
		}
		chunk := urls[start:end]
		chunkResults := make([]Result, len(chunk))
		var wg sync.WaitGroup
		var cbMu sync.Mutex
		for i, u := range chunk {
			wg.Add(1)
			go func(i int, u string) {
				defer wg.Done()
				res := f.Fetch(ctx, u)
				chunkResults[i] = res
				if onResult != nil {
					cbMu.Lock()
					onResult(res)
					cbMu.Unlock()
				}
			}(i, u)
		}
		wg.Wait()
		results = append(results, chunkResults...)
	}
	return results
}

// Fetch performs one GET with the per-request timeout and validates the
// response through the page filter.
func (f *Fetcher) Fetch(ctx context.Context, url string) Result {
	res := Result{URL: url}
	if err := f.limiter.Wait(ctx); err != nil {
		res.Err = err
		return res
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = fmt.Errorf("build request: %w", err)
		return res
	}
	req.Header.Set("User-Agent", nextUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	resp, err := f.client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("fetch %s: %w", url, err)
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")

	body, err := f.readBody(resp)
	if err != nil {
		res.Err = err
		return res
	}
	res.Body = body

	if resp.StatusCode != http.StatusOK {
		res.Err = fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
		return res
	}
	if err := f.cfg.Filter.Validate(len(body), res.ContentType); err != nil {
		res.Err = err
		return res
	}
	res.Success = true
	return res
}

// readBody decodes gzip/deflate bodies and caps the read just past the
// filter maximum so oversize pages are detectable without unbounded reads.
func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	limit := int64(f.cfg.Filter.MaxBytes) + 1
	var reader io.Reader = io.LimitReader(resp.Body, limit)
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gzr, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gzr.Close()
		reader = io.LimitReader(gzr, limit)
	case "deflate":
		fr := flate.NewReader(reader)
		defer fr.Close()
		reader = io.LimitReader(fr, limit)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
