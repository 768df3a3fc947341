// Package chromedriver implements the extraction driver port on headless
// Chrome via chromedp. One Driver owns a persistent exec allocator; every
// session is an isolated browser context (one tab) created from it.
package chromedriver

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

// Config controls the Chrome process and per-capability budgets.
type Config struct {
	// Headless runs Chrome without a visible window. Off only for local
	// debugging.
	Headless bool
	// UserAgent overrides the browser user agent when non-empty.
	UserAgent string
	// NavigationsPerSecond paces Navigate calls across all sessions.
	// Zero means the documented default of one navigation per two seconds.
	NavigationsPerSecond float64
	// Timeouts bounds each capability; zero fields use the defaults.
	Timeouts extraction.Timeouts
	Logger   *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.NavigationsPerSecond <= 0 {
		c.NavigationsPerSecond = 0.5
	}
	if c.Timeouts == (extraction.Timeouts{}) {
		c.Timeouts = extraction.DefaultTimeouts()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Driver launches and owns the Chrome process shared by all sessions.
type Driver struct {
	cfg         Config
	limiter     *rate.Limiter
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New builds a Driver and its exec allocator. Chrome itself starts lazily
// with the first session.
func New(cfg Config) *Driver {
	cfg = cfg.withDefaults()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("mute-audio", true),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(1920, 1080),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Driver{
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Limit(cfg.NavigationsPerSecond), 1),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Open creates one isolated browser context and verifies it responds.
func (d *Driver) Open(ctx context.Context) (extraction.Session, error) {
	tabCtx, tabCancel := chromedp.NewContext(d.allocator)
	// Run contexts derive from the tab; the caller's ctx kills the tab
	// through the watcher when it dies first.
	stopWatch := forwardCancel(ctx, tabCancel)

	openCtx, cancel := withTimeout(tabCtx, d.cfg.Timeouts.Open)
	defer cancel()
	if err := chromedp.Run(openCtx, chromedp.Navigate("about:blank")); err != nil {
		stopWatch()
		tabCancel()
		return nil, classify(fmt.Errorf("open browser context: %w", err), ctx)
	}

	return &session{
		driver:    d,
		ctx:       tabCtx,
		cancel:    tabCancel,
		stopWatch: stopWatch,
		log:       d.cfg.Logger,
	}, nil
}

// Close terminates the Chrome process and every surviving session.
func (d *Driver) Close() {
	d.allocCancel()
}

// forwardCancel cancels the tab when the caller's context dies first.
// The returned stop func detaches the watcher on normal close.
func forwardCancel(ctx context.Context, cancel context.CancelFunc) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stopped:
		}
	}()
	return func() { close(stopped) }
}

// withTimeout applies a capability budget on top of the caller's context.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
