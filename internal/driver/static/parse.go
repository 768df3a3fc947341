package static

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

const (
	feedSelector      = `div[role="feed"]`
	placeLinkSelector = `a[href*="/maps/place/"]`
)

var (
	coordPattern  = regexp.MustCompile(`!3d(-?[0-9.]+)!4d(-?[0-9.]+)`)
	ratingPattern = regexp.MustCompile(`([0-9][.,][0-9])`)
	countPattern  = regexp.MustCompile(`([0-9][0-9.,]*)\s`)
	phonePattern  = regexp.MustCompile(`^\+?[0-9][0-9 ()-]{6,}$`)
	digitPattern  = regexp.MustCompile(`[0-9]`)
	wordsPattern  = regexp.MustCompile(`^[^0-9]+$`)
)

// hasSelector reports whether the document contains a match for selector.
func hasSelector(body []byte, selector string) (bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("parse document: %w", err)
	}
	return doc.Find(selector).Length() > 0, nil
}

// parseResultFeed extracts up to maxResults places from the result feed,
// deduplicating by name within the page.
func parseResultFeed(body []byte, maxResults int) ([]extraction.PlaceRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	feed := doc.Find(feedSelector).First()
	if feed.Length() == 0 {
		return nil, fmt.Errorf("result feed not found on page")
	}

	var records []extraction.PlaceRecord
	seen := make(map[string]struct{})
	feed.ChildrenFiltered("div").EachWithBreak(func(_ int, card *goquery.Selection) bool {
		if len(records) >= maxResults {
			return false
		}
		link := card.Find(placeLinkSelector).First()
		if link.Length() == 0 {
			return true
		}
		name := strings.TrimSpace(link.AttrOr("aria-label", ""))
		if name == "" {
			return true
		}
		if _, dup := seen[name]; dup {
			return true
		}
		seen[name] = struct{}{}
		records = append(records, parseCard(card, link, name))
		return true
	})
	return records, nil
}

func parseCard(card, link *goquery.Selection, name string) extraction.PlaceRecord {
	rec := extraction.PlaceRecord{Name: name}

	if href, ok := link.Attr("href"); ok {
		if m := coordPattern.FindStringSubmatch(href); m != nil {
			if lat, err := strconv.ParseFloat(m[1], 64); err == nil {
				if lon, err := strconv.ParseFloat(m[2], 64); err == nil {
					rec.Latitude = &lat
					rec.Longitude = &lon
				}
			}
		}
	}

	if label := card.Find(`span[role="img"]`).First().AttrOr("aria-label", ""); label != "" {
		if m := ratingPattern.FindStringSubmatch(label); m != nil {
			if r, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64); err == nil {
				rec.Rating = &r
			}
		}
		if ms := countPattern.FindAllStringSubmatch(label, -1); len(ms) > 1 {
			digits := strings.NewReplacer(".", "", ",", "", " ", "").Replace(ms[1][1])
			if n, err := strconv.Atoi(digits); err == nil && n > 0 {
				rec.ReviewCount = &n
			}
		}
	}

	card.Find("div.fontBodyMedium > div").Each(func(_ int, row *goquery.Selection) {
		text := strings.TrimSpace(row.Text())
		if text == "" {
			return
		}
		for _, part := range strings.Split(text, "·") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			switch {
			case rec.Phone == "" && phonePattern.MatchString(part):
				rec.Phone = part
			case rec.Category == "" && rec.Address == "" && len(part) < 40 && wordsPattern.MatchString(part):
				rec.Category = part
			case rec.Address == "" && digitPattern.MatchString(part):
				rec.Address = part
			}
		}
	})

	if site, ok := card.Find(`a[data-value="Website"]`).First().Attr("href"); ok {
		rec.Website = site
	}
	return rec
}
