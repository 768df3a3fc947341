// Package static implements the extraction driver port over plain HTTP with
// colly. It serves environments without Chrome: the search page is fetched
// once per Navigate and parsed from the delivered HTML. Pages that require
// JavaScript rendering fail permanently.
package static

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

// Config controls the HTTP collector.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout bounds one page fetch. Zero uses the navigate default.
	Timeout time.Duration
	Logger  *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = extraction.DefaultTimeouts().Navigate
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Driver builds sessions around a shared base collector.
type Driver struct {
	cfg           Config
	baseCollector *colly.Collector

	frameOnce sync.Once
	frame     []byte
}

// New builds a Driver.
func New(cfg Config) *Driver {
	cfg = cfg.withDefaults()
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	return &Driver{cfg: cfg, baseCollector: c}
}

// Open returns a fresh session. Static sessions hold no OS resources, only
// the last fetched page.
func (d *Driver) Open(context.Context) (extraction.Session, error) {
	return &session{driver: d, log: d.cfg.Logger}, nil
}

type session struct {
	driver *Driver
	log    *zap.Logger

	mu   sync.Mutex
	body []byte
	url  string
}

func (s *session) Navigate(ctx context.Context, url string) error {
	collector := s.driver.baseCollector.Clone()
	collector.IgnoreRobotsTxt = !s.driver.cfg.RespectRobots
	if ua := s.driver.cfg.UserAgent; ua != "" {
		collector.UserAgent = ua
	}
	collector.SetRequestTimeout(s.driver.cfg.Timeout)

	var (
		body     []byte
		finalURL string
		fetchErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
		finalURL = r.Request.URL.String()
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return extraction.Cancelled(fmt.Errorf("navigate canceled: %w", ctx.Err()))
	case err := <-done:
		if err != nil {
			return extraction.Transient(fmt.Errorf("fetch %s: %w", url, err))
		}
		if fetchErr != nil {
			return extraction.Transient(fmt.Errorf("fetch %s: %w", url, fetchErr))
		}
	}

	s.mu.Lock()
	s.body = body
	s.url = finalURL
	s.mu.Unlock()
	return nil
}

// WaitFor checks the fetched document immediately: static pages never change
// after delivery, so there is nothing to wait on.
func (s *session) WaitFor(ctx context.Context, selector string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return extraction.Cancelled(err)
	}
	body := s.page()
	if len(body) == 0 {
		return extraction.Transient(fmt.Errorf("wait for %q: no page loaded", selector))
	}
	found, err := hasSelector(body, selector)
	if err != nil {
		return extraction.Permanent(fmt.Errorf("wait for %q: %w", selector, err))
	}
	if found {
		return nil
	}
	if needsJS(body) {
		return extraction.Permanent(fmt.Errorf("wait for %q: page requires javascript rendering", selector))
	}
	return extraction.Permanent(fmt.Errorf("wait for %q: selector not present", selector))
}

// FillQuery is a no-op: the search URL already carries the query and a static
// page has no live search box.
func (s *session) FillQuery(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return extraction.Cancelled(err)
	}
	s.log.Debug("static driver ignores fill query", zap.String("text", text))
	return nil
}

// ScrollResultList is a no-op: the delivered HTML already contains every
// result the server chose to render.
func (s *session) ScrollResultList(ctx context.Context, _ int) error {
	if err := ctx.Err(); err != nil {
		return extraction.Cancelled(err)
	}
	return nil
}

func (s *session) ParseResults(ctx context.Context, maxResults int) ([]extraction.PlaceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, extraction.Cancelled(err)
	}
	if maxResults <= 0 {
		maxResults = extraction.DefaultMaxResults
	}
	body := s.page()
	if len(body) == 0 {
		return nil, extraction.Transient(fmt.Errorf("parse results: no page loaded"))
	}
	records, err := parseResultFeed(body, maxResults)
	if err != nil {
		if needsJS(body) {
			return nil, extraction.Permanent(fmt.Errorf("parse results: page requires javascript rendering"))
		}
		return nil, extraction.Permanent(fmt.Errorf("parse results: %w", err))
	}
	return records, nil
}

// CaptureImage returns a fixed placeholder frame: a fetched document has no
// viewport to screenshot.
func (s *session) CaptureImage(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, extraction.Cancelled(err)
	}
	return s.driver.placeholderFrame(), nil
}

func (s *session) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", extraction.Cancelled(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, nil
}

func (s *session) Close(context.Context) error {
	s.mu.Lock()
	s.body = nil
	s.url = ""
	s.mu.Unlock()
	return nil
}

func (s *session) page() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.body
}

func (d *Driver) placeholderFrame() []byte {
	d.frameOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 320, 200))
		grey := color.RGBA{R: 0xe8, G: 0xe8, B: 0xe8, A: 0xff}
		for y := 0; y < 200; y++ {
			for x := 0; x < 320; x++ {
				img.Set(x, y, grey)
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			d.cfg.Logger.Warn("encode placeholder frame failed", zap.Error(err))
			return
		}
		d.frame = buf.Bytes()
	})
	return d.frame
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
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
