package chromedriver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

// Selectors for the map search page. The result feed holds one card per
// place; each card wraps a link whose aria-label is the place name.
const (
	searchBoxSelector  = "input#searchboxinput"
	resultFeedSelector = `div[role="feed"]`
	placeLinkSelector  = `a[href*="/maps/place/"]`
)

const scrollPause = 700 * time.Millisecond

type session struct {
	driver    *Driver
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func()
	log       *zap.Logger

	closeOnce sync.Once
}

func (s *session) Navigate(ctx context.Context, url string) error {
	if err := s.driver.limiter.Wait(ctx); err != nil {
		return classify(fmt.Errorf("navigation pacing: %w", err), ctx)
	}
	return s.run(ctx, s.driver.cfg.Timeouts.Navigate,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (s *session) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.driver.cfg.Timeouts.WaitFor
	}
	return s.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *session) FillQuery(ctx context.Context, text string) error {
	return s.run(ctx, s.driver.cfg.Timeouts.WaitFor,
		chromedp.WaitVisible(searchBoxSelector, chromedp.ByQuery),
		chromedp.Clear(searchBoxSelector, chromedp.ByQuery),
		chromedp.SendKeys(searchBoxSelector, text+"\n", chromedp.ByQuery),
	)
}

// ScrollResultList scrolls the feed to its bottom up to maxScrolls times,
// stopping early when the scroll height stops growing.
func (s *session) ScrollResultList(ctx context.Context, maxScrolls int) error {
	if maxScrolls <= 0 {
		return nil
	}
	previous := -1
	for i := 0; i < maxScrolls; i++ {
		var height int
		err := s.run(ctx, s.driver.cfg.Timeouts.Scroll,
			chromedp.Evaluate(scrollFeedScript, &height),
			chromedp.Sleep(scrollPause),
		)
		if err != nil {
			return err
		}
		if height == previous {
			return nil
		}
		previous = height
	}
	return nil
}

func (s *session) ParseResults(ctx context.Context, maxResults int) ([]extraction.PlaceRecord, error) {
	if maxResults <= 0 {
		maxResults = extraction.DefaultMaxResults
	}
	var raw string
	err := s.run(ctx, s.driver.cfg.Timeouts.Parse,
		chromedp.Evaluate(extractPlacesScript(maxResults), &raw),
	)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, extraction.Permanent(fmt.Errorf("result feed not found on page"))
	}

	var items []placeItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, extraction.Permanent(fmt.Errorf("decode extracted results: %w", err))
	}
	records := make([]extraction.PlaceRecord, 0, len(items))
	for _, it := range items {
		records = append(records, it.toRecord())
	}
	return records, nil
}

func (s *session) CaptureImage(ctx context.Context) ([]byte, error) {
	var shot []byte
	err := s.run(ctx, s.driver.cfg.Timeouts.Capture,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			shot, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	return shot, nil
}

func (s *session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, s.driver.cfg.Timeouts.Capture, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

func (s *session) Close(context.Context) error {
	s.closeOnce.Do(func() {
		s.stopWatch()
		s.cancel()
	})
	return nil
}

// run executes actions against this tab under the capability budget, honoring
// the caller's cancellation.
func (s *session) run(ctx context.Context, budget time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return classify(err, ctx)
	}
	runCtx, cancel := withTimeout(s.ctx, budget)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return classify(err, ctx)
	}
	return nil
}

// placeItem mirrors the JSON shape produced by extractPlacesScript.
type placeItem struct {
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	Category    string   `json:"category"`
	Rating      *float64 `json:"rating"`
	ReviewCount *int     `json:"review_count"`
	Phone       string   `json:"phone"`
	Website     string   `json:"website"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
}

func (it placeItem) toRecord() extraction.PlaceRecord {
	return extraction.PlaceRecord{
		Name:        it.Name,
		Address:     it.Address,
		Category:    it.Category,
		Rating:      it.Rating,
		ReviewCount: it.ReviewCount,
		Phone:       it.Phone,
		Website:     it.Website,
		Latitude:    it.Latitude,
		Longitude:   it.Longitude,
	}
}

const scrollFeedScript = `(() => {
	const feed = document.querySelector('div[role="feed"]');
	if (!feed) { return 0; }
	feed.scrollTop = feed.scrollHeight;
	return feed.scrollHeight;
})()`

// extractPlacesScript walks the result feed in-page and returns a JSON array
// of place objects, or an empty string when the feed is missing. Place cards
// are the parent containers of the place links; coordinates come from the
// !3d<lat>!4d<lon> segment of the link href.
func extractPlacesScript(maxResults int) string {
	return fmt.Sprintf(`(() => {
	const feed = document.querySelector('div[role="feed"]');
	if (!feed) { return ""; }
	const links = feed.querySelectorAll('a[href*="/maps/place/"]');
	const out = [];
	const seen = new Set();
	for (const link of links) {
		if (out.length >= %d) { break; }
		const name = (link.getAttribute('aria-label') || '').trim();
		if (!name || seen.has(name)) { continue; }
		seen.add(name);
		const card = link.closest('div[role="feed"] > div') || link.parentElement;
		const item = {name: name, address: '', category: '', rating: null,
			review_count: null, phone: '', website: '',
			latitude: null, longitude: null};

		const coord = link.href.match(/!3d(-?[0-9.]+)!4d(-?[0-9.]+)/);
		if (coord) {
			item.latitude = parseFloat(coord[1]);
			item.longitude = parseFloat(coord[2]);
		}

		const ratingEl = card.querySelector('span[role="img"]');
		if (ratingEl) {
			const label = ratingEl.getAttribute('aria-label') || '';
			const rm = label.match(/([0-9][.,][0-9])/);
			if (rm) { item.rating = parseFloat(rm[1].replace(',', '.')); }
			const cm = label.match(/([0-9][0-9.,]*)\s/g);
			if (cm && cm.length > 1) {
				item.review_count = parseInt(cm[1].replace(/[.,\s]/g, ''), 10) || null;
			}
		}

		const rows = card.querySelectorAll('div.fontBodyMedium > div');
		const texts = [];
		for (const row of rows) {
			const t = row.textContent.trim();
			if (t) { texts.push(t); }
		}
		for (const t of texts) {
			const parts = t.split('·').map(p => p.trim()).filter(Boolean);
			for (const p of parts) {
				if (!item.phone && /^\+?[0-9][0-9 ()-]{6,}$/.test(p)) { item.phone = p; }
				else if (!item.category && /^[^0-9]+$/.test(p) && p.length < 40 && !item.address) { item.category = p; }
				else if (!item.address && /[0-9]/.test(p)) { item.address = p; }
			}
		}

		const site = card.querySelector('a[data-value="Website"]');
		if (site) { item.website = site.href; }

		out.push(item);
	}
	return JSON.stringify(out);
})()`, maxResults)
}
