package render

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

type BrowserConfig struct {
	// ExecPath points at a Chrome binary; empty uses the one on PATH.
	ExecPath string
	// RemoteURL attaches to a running browser's devtools endpoint instead
	// of launching one.
	RemoteURL string
	Headless  bool
	// Timeout bounds each page operation.
	Timeout time.Duration
}

func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{Headless: true, Timeout: 60 * time.Second}
}

// Browser is one shared browser process. Every call opens its own tab, so
// concurrent renders do not interfere.
type Browser struct {
	cfg BrowserConfig

	mu            sync.Mutex
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewBrowser(cfg BrowserConfig) *Browser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Browser{cfg: cfg}
}

func (b *Browser) initBrowser() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return b.browserCtx, nil
		}
	}

	if b.cfg.RemoteURL != "" {
		b.allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), b.cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.NoSandbox,
			chromedp.Flag("headless", b.cfg.Headless),
			chromedp.Flag("no-first-run", true),
			chromedp.Flag("no-default-browser-check", true),
			chromedp.Flag("allow-file-access-from-files", true),
		)
		if b.cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
		}
		b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	if err := chromedp.Run(b.browserCtx); err != nil {
		b.cleanup()
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}
	return b.browserCtx, nil
}

func (b *Browser) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// tab opens a new tab bound to ctx and the configured timeout.
func (b *Browser) tab(ctx context.Context) (context.Context, func(), error) {
	browserCtx, err := b.initBrowser()
	if err != nil {
		return nil, nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, b.cfg.Timeout)
	stop := context.AfterFunc(ctx, tabCancel)
	return tabCtx, func() {
		stop()
		timeoutCancel()
		tabCancel()
	}, nil
}

// Screenshot loads a chart page at the given viewport and captures it once
// the page marks itself done. A page that sets data-error or throws an
// uncaught exception fails the call.
func (b *Browser) Screenshot(ctx context.Context, pageURL string, width, height int) ([]byte, error) {
	tabCtx, done, err := b.tab(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	var mu sync.Mutex
	var thrown error
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*runtime.EventExceptionThrown); ok {
			mu.Lock()
			if thrown == nil {
				thrown = e.ExceptionDetails
			}
			mu.Unlock()
		}
	})

	var buf []byte
	var pageErr string
	err = chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body[data-done]", chromedp.ByQuery),
		chromedp.Evaluate(`document.body.dataset.error || ""`, &pageErr),
		chromedp.CaptureScreenshot(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", pageURL, err)
	}
	if pageErr != "" {
		return nil, fmt.Errorf("page reported: %s", pageErr)
	}
	mu.Lock()
	defer mu.Unlock()
	if thrown != nil {
		return nil, fmt.Errorf("page threw: %w", thrown)
	}
	return buf, nil
}

// FullPage captures the whole document as PNG.
func (b *Browser) FullPage(ctx context.Context, pageURL string, width int) ([]byte, error) {
	tabCtx, done, err := b.tab(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	var buf []byte
	err = chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(width), 800),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.FullScreenshot(&buf, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("full page %s: %w", pageURL, err)
	}
	return buf, nil
}

func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
}

// FileURL turns a local path into a file:// URL.
func FileURL(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
