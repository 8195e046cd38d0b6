// Package headless fetches through a real browser for targets that
// assemble their pages in JavaScript.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/MutugiD/linkedin-crm/internal/scrape"
)

// Config controls browser behavior.
type Config struct {
	// MaxParallel bounds concurrent browser sessions; zero means
	// unbounded.
	MaxParallel int
	// NavigationTimeout bounds one navigation when the context carries
	// no deadline.
	NavigationTimeout time.Duration
	// SettleDelay is how long to let the page run scripts after the
	// body is ready before snapshotting the DOM.
	SettleDelay time.Duration
}

// Fetcher implements scrape.Fetcher with chromedp. Each fetch gets its
// own allocator because the egress proxy is an identity-level property
// and Chrome only takes a proxy at launch.
type Fetcher struct {
	cfg     Config
	limiter chan struct{}
}

// New creates a headless fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Fetcher{cfg: cfg, limiter: limiter}, nil
}

// Fetch navigates with a headless browser through the request's
// identity and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return scrape.FetchResponse{}, err
	}
	defer f.release()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if request.Identity.Transport.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(request.Identity.Transport.ProxyURL))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
		defer cancel()
	}

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, err := f.navigate(taskCtx, request)
	if err != nil {
		return scrape.FetchResponse{}, err
	}

	status, headers := meta.snapshot()
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return scrape.FetchResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) navigate(ctx context.Context, request scrape.FetchRequest) (string, error) {
	var html string
	actions := []chromedp.Action{
		f.fingerprintAction(request.Identity.Transport),
		chromedp.Navigate(request.Locator),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

// fingerprintAction applies the identity's behavioral surface before
// navigation.
func (f *Fetcher) fingerprintAction(t scrape.TransportDescriptor) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		fp := t.Fingerprint
		if fp.UserAgent != "" {
			ua := emulation.SetUserAgentOverride(fp.UserAgent)
			if fp.AcceptLanguage != "" {
				ua = ua.WithAcceptLanguage(fp.AcceptLanguage)
			}
			if err := ua.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if fp.ViewportWidth > 0 && fp.ViewportHeight > 0 {
			err := emulation.SetDeviceMetricsOverride(
				int64(fp.ViewportWidth), int64(fp.ViewportHeight), 1.0, false,
			).Do(ctx)
			if err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// responseMeta records the document response observed on the wire.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.headers = headers
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.headers.Clone()
}
