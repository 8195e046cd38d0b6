// Package collyfetcher implements the plain HTTP fetcher using gocolly.
//
// Every request goes out through the identity it was handed: the
// identity's proxy is the egress point and its fingerprint shapes the
// headers. Nothing here retries or classifies; the dispatcher owns
// both.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	// Timeout bounds a single request when the context carries no
	// deadline of its own.
	Timeout time.Duration
	// MaxBodyBytes caps the response body colly will buffer.
	MaxBodyBytes int
}

// Fetcher implements scrape.Fetcher over a cloned-per-request colly
// collector.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	opts := []colly.CollectorOption{
		colly.Async(false),
		colly.IgnoreRobotsTxt(),
	}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(cfg.MaxBodyBytes))
	}
	return &Fetcher{
		cfg:  cfg,
		base: colly.NewCollector(opts...),
	}
}

// Fetch executes one HTTP GET through the request's identity. A
// response from the target, blocked or not, returns with its status
// code; only transport-level failures return an error.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	collector := f.base.Clone()
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(f.requestTimeout(ctx))
	collector.WithTransport(newHTTPTransport())

	fp := request.Identity.Transport.Fingerprint
	if fp.UserAgent != "" {
		collector.UserAgent = fp.UserAgent
	}
	if request.Identity.Transport.ProxyURL != "" {
		proxy, err := egressURL(request.Identity.Transport)
		if err != nil {
			return scrape.FetchResponse{}, err
		}
		if err := collector.SetProxy(proxy); err != nil {
			return scrape.FetchResponse{}, fmt.Errorf("set proxy for identity %s: %w", request.Identity.ID, err)
		}
	}

	var (
		result   scrape.FetchResponse
		captured bool
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		if fp.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", fp.AcceptLanguage)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = scrape.FetchResponse{
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		captured = true
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Non-2xx responses land here with the body intact. The target
		// spoke; hand its answer up for classification.
		if r != nil && r.StatusCode != 0 {
			result = scrape.FetchResponse{
				StatusCode: r.StatusCode,
				Headers:    headersOrEmpty(r),
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			captured = true
			return
		}
		fetchErr = err
	})

	if err := f.visit(ctx, collector, request.Locator); err != nil && !captured {
		return scrape.FetchResponse{}, err
	}
	if !captured {
		if fetchErr != nil {
			return scrape.FetchResponse{}, fmt.Errorf("fetch %s: %w", request.Locator, fetchErr)
		}
		return scrape.FetchResponse{}, fmt.Errorf("fetch %s: no response", request.Locator)
	}
	return result, nil
}

// visit runs the collector off-goroutine so the context deadline wins
// even if colly stalls.
func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, locator string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(locator)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", locator, err)
		}
		return nil
	}
}

func (f *Fetcher) requestTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < f.cfg.Timeout {
			return remaining
		}
	}
	return f.cfg.Timeout
}

// egressURL folds proxy credentials into the proxy URL.
func egressURL(t scrape.TransportDescriptor) (string, error) {
	u, err := url.Parse(t.ProxyURL)
	if err != nil {
		return "", fmt.Errorf("proxy url: %w", err)
	}
	if t.Username != "" {
		u.User = url.UserPassword(t.Username, t.Password)
	}
	return u.String(), nil
}

func headersOrEmpty(r *colly.Response) http.Header {
	if r.Headers == nil {
		return http.Header{}
	}
	return r.Headers.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
