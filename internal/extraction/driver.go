package extraction

import (
	"context"
	"time"
)

// Timeouts bounds each driver capability. A deadline hit inside the driver
// surfaces as a TRANSIENT failure.
type Timeouts struct {
	Open     time.Duration
	Navigate time.Duration
	WaitFor  time.Duration
	Scroll   time.Duration
	Parse    time.Duration
	Capture  time.Duration
	Close    time.Duration
}

// DefaultTimeouts returns the documented per-capability budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Open:     45 * time.Second,
		Navigate: 30 * time.Second,
		WaitFor:  20 * time.Second,
		Scroll:   15 * time.Second,
		Parse:    10 * time.Second,
		Capture:  5 * time.Second,
		Close:    10 * time.Second,
	}
}

// Driver opens isolated headless browser sessions. Implementations classify
// their own failures via the error helpers in this package and never leak
// driver-specific state through the port.
type Driver interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one browser context driving a single task at a time.
type Session interface {
	// Navigate loads the given URL.
	Navigate(ctx context.Context, url string) error
	// WaitFor blocks until the selector appears or the timeout expires.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	// FillQuery types text into the page's search box.
	FillQuery(ctx context.Context, text string) error
	// ScrollResultList scrolls the result feed up to maxScrolls times.
	ScrollResultList(ctx context.Context, maxScrolls int) error
	// ParseResults extracts up to maxResults place records from the page.
	ParseResults(ctx context.Context, maxResults int) ([]PlaceRecord, error)
	// CaptureImage returns a PNG screenshot of the viewport.
	CaptureImage(ctx context.Context) ([]byte, error)
	// CurrentURL reports the page location for snapshot events.
	CurrentURL(ctx context.Context) (string, error)
	// Close tears the session down. Safe to call more than once.
	Close(ctx context.Context) error
}

// PlaceRecord is the raw result of ParseResults, before it becomes an
// ExtractedPlace.
type PlaceRecord struct {
	Name        string
	Address     string
	Category    string
	Rating      *float64
	ReviewCount *int
	Phone       string
	Website     string
	Latitude    *float64
	Longitude   *float64
	Reviews     []ReviewRecord
}

// ReviewRecord is one parsed user review.
type ReviewRecord struct {
	Author   string
	Rating   float64
	Text     string
	PostedAt time.Time
}
