// Package fake provides a deterministic in-process extraction driver. It
// backs DRIVER_KIND=fake for local development without a browser and gives
// orchestrator tests scriptable failure injection.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

// Config tunes the generated result set.
type Config struct {
	// PlacesPerCity is how many places every parse yields (default 5).
	PlacesPerCity int
	// ReviewsPerPlace attaches deterministic reviews (default 2).
	ReviewsPerPlace int
	// Latency is slept, context-aware, inside every capability.
	Latency time.Duration
}

func (c Config) withDefaults() Config {
	if c.PlacesPerCity <= 0 {
		c.PlacesPerCity = 5
	}
	if c.ReviewsPerPlace < 0 {
		c.ReviewsPerPlace = 0
	} else if c.ReviewsPerPlace == 0 {
		c.ReviewsPerPlace = 2
	}
	return c
}

// anchor keeps generated timestamps stable across runs.
var anchor = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

var categories = []string{"Restaurant", "Cafe", "Bar", "Bakery", "Bistro"}

// Driver generates the same places for the same URL every time. Failure
// plans, keyed by URL substring, inject classified errors.
type Driver struct {
	cfg Config

	mu        sync.Mutex
	opens     int
	openFails int
	plans     []*plan
}

type plan struct {
	substr        string
	transientLeft int
	permanent     bool
	crashLeft     int
}

// New builds a Driver.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg.withDefaults()}
}

// FailOpens makes the next n Open calls fail transiently.
func (d *Driver) FailOpens(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openFails = n
}

// FailTransiently injects a transient parse failure for URLs containing
// substr, up to times occurrences.
func (d *Driver) FailTransiently(substr string, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plans = append(d.plans, &plan{substr: substr, transientLeft: times})
}

// FailPermanently injects a permanent parse failure for URLs containing
// substr.
func (d *Driver) FailPermanently(substr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plans = append(d.plans, &plan{substr: substr, permanent: true})
}

// CrashOn kills the session at parse time, once, for the next URL containing
// substr. The dead session keeps failing every capability until replaced.
// Call CrashOn again to crash later attempts too.
func (d *Driver) CrashOn(substr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.plans = append(d.plans, &plan{substr: substr, crashLeft: 1})
}

// Opens reports how many sessions were opened, attempts included.
func (d *Driver) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Open implements extraction.Driver.
func (d *Driver) Open(ctx context.Context) (extraction.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, extraction.Cancelled(err)
	}
	d.mu.Lock()
	d.opens++
	if d.openFails > 0 {
		d.openFails--
		d.mu.Unlock()
		return nil, extraction.Transient(fmt.Errorf("fake browser refused to start"))
	}
	d.mu.Unlock()
	return &Session{driver: d}, nil
}

type planAction int

const (
	planNone planAction = iota
	planTransient
	planPermanent
	planCrash
)

// parsePlan consumes one matching failure plan for the URL, if any.
func (d *Driver) parsePlan(url string) planAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.plans {
		if !strings.Contains(url, p.substr) {
			continue
		}
		switch {
		case p.permanent:
			return planPermanent
		case p.crashLeft > 0:
			p.crashLeft--
			return planCrash
		case p.transientLeft > 0:
			p.transientLeft--
			return planTransient
		}
	}
	return planNone
}

// Session implements extraction.Session over generated data.
type Session struct {
	driver *Driver

	mu     sync.Mutex
	url    string
	dead   bool
	closed bool
}

func (s *Session) Navigate(ctx context.Context, target string) error {
	if err := s.gate(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.url = target
	s.mu.Unlock()
	return nil
}

func (s *Session) WaitFor(ctx context.Context, _ string, _ time.Duration) error {
	return s.gate(ctx)
}

func (s *Session) FillQuery(ctx context.Context, _ string) error {
	return s.gate(ctx)
}

func (s *Session) ScrollResultList(ctx context.Context, _ int) error {
	return s.gate(ctx)
}

func (s *Session) ParseResults(ctx context.Context, maxResults int) ([]extraction.PlaceRecord, error) {
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = extraction.DefaultMaxResults
	}

	s.mu.Lock()
	current := s.url
	s.mu.Unlock()

	switch s.driver.parsePlan(current) {
	case planPermanent:
		return nil, extraction.Permanent(fmt.Errorf("fake page unrecognized"))
	case planCrash:
		s.mu.Lock()
		s.dead = true
		s.mu.Unlock()
		return nil, extraction.Transient(fmt.Errorf("fake browser crashed"))
	case planTransient:
		return nil, extraction.Transient(fmt.Errorf("fake timeout"))
	}

	city := cityFromSearchURL(current)
	n := s.driver.cfg.PlacesPerCity
	if n > maxResults {
		n = maxResults
	}
	records := make([]extraction.PlaceRecord, 0, n)
	for i := 1; i <= n; i++ {
		records = append(records, s.generate(city, i))
	}
	return records, nil
}

func (s *Session) generate(city string, i int) extraction.PlaceRecord {
	rating := 3.5 + float64(i%3)*0.5
	count := 40*i + len(city)
	lat := 40.0 + float64(i)/1000
	lon := -3.7 - float64(i)/1000
	rec := extraction.PlaceRecord{
		Name:        fmt.Sprintf("%s %s No %d", categories[i%len(categories)], city, i),
		Address:     fmt.Sprintf("%d Main Street, %s", i, city),
		Category:    categories[i%len(categories)],
		Rating:      &rating,
		ReviewCount: &count,
		Phone:       fmt.Sprintf("+34 600 %03d %03d", i, i*7%1000),
		Website:     fmt.Sprintf("https://example.com/%s/%d", strings.ToLower(city), i),
		Latitude:    &lat,
		Longitude:   &lon,
	}
	for r := 0; r < s.driver.cfg.ReviewsPerPlace; r++ {
		rec.Reviews = append(rec.Reviews, extraction.ReviewRecord{
			Author:   fmt.Sprintf("Reviewer %d-%d", i, r+1),
			Rating:   float64(3 + (i+r)%3),
			Text:     fmt.Sprintf("Visit %d to place %d in %s.", r+1, i, city),
			PostedAt: anchor.Add(time.Duration(i*24+r) * time.Hour),
		})
	}
	return rec
}

func (s *Session) CaptureImage(ctx context.Context) ([]byte, error) {
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	current := s.url
	s.mu.Unlock()
	return renderFrame(current)
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	if err := s.gate(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, nil
}

func (s *Session) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called, for pool and orchestrator tests.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) gate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return extraction.Cancelled(err)
	}
	if d := s.driver.cfg.Latency; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return extraction.Cancelled(ctx.Err())
		case <-timer.C:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return extraction.Transient(fmt.Errorf("fake session closed"))
	}
	if s.dead {
		return extraction.Transient(fmt.Errorf("fake session dead"))
	}
	return nil
}

// cityFromSearchURL recovers the city from "<seed> in <city>" search URLs.
// Unrecognized URLs fall back to the host or the raw string.
func cityFromSearchURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	query := segs[len(segs)-1]
	query = strings.ReplaceAll(query, "+", " ")
	if idx := strings.LastIndex(query, " in "); idx >= 0 {
		return query[idx+len(" in "):]
	}
	if u.Host != "" {
		return u.Host
	}
	return raw
}

// renderFrame produces a small PNG whose color derives from the URL, so
// consecutive snapshots of different pages differ visibly.
func renderFrame(url string) ([]byte, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	sum := h.Sum32()
	tint := color.RGBA{
		R: uint8(sum),
		G: uint8(sum >> 8),
		B: uint8(sum >> 16),
		A: 0xff,
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, tint)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, extraction.Transient(fmt.Errorf("encode frame: %w", err))
	}
	return buf.Bytes(), nil
}
