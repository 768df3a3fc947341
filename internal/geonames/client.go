package geonames

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

const (
	defaultTimeout = 30 * time.Second
	pageLimit      = "1000"
	maxBodyBytes   = 8 << 20
)

// Config carries the parameters for the HTTP catalog client.
type Config struct {
	// BaseURL is the root of the geonames lookup service.
	BaseURL string
	// Timeout bounds each request. Zero means 30s.
	Timeout time.Duration
	// UserAgent is sent with every request when set.
	UserAgent string
	Logger    *zap.Logger
}

// Client queries the geonames lookup service over HTTP and caches every
// decoded response by request URL. The hierarchy is static per deployment,
// so entries never expire.
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
	cache     sync.Map
	logger    *zap.Logger
}

// NewClient validates the base URL and builds the catalog client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("geonames base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse geonames base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:   base,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}, nil
}

type countryItem struct {
	GeonameID  int64  `json:"geoname_id"`
	ISOAlpha2  string `json:"iso_alpha2"`
	Name       string `json:"country_name"`
	Continent  string `json:"continent"`
	Capital    string `json:"capital"`
	Population int64  `json:"population"`
	Languages  string `json:"languages"`
}

type geonameItem struct {
	GeonameID   int64  `json:"geoname_id"`
	Name        string `json:"name"`
	ASCIIName   string `json:"asciiname"`
	Population  int64  `json:"population"`
	FeatureCode string `json:"feature_code"`
	Admin1Code  string `json:"admin1_code"`
	Admin2Code  string `json:"admin2_code"`
}

func (it geonameItem) toGeoname() extraction.Geoname {
	name := it.Name
	if name == "" {
		name = it.ASCIIName
	}
	return extraction.Geoname{
		ID:         it.GeonameID,
		Code:       strconv.FormatInt(it.GeonameID, 10),
		Name:       name,
		Population: it.Population,
	}
}

// Countries lists every country known to the lookup service, sorted by name.
func (c *Client) Countries(ctx context.Context) ([]extraction.Country, error) {
	u := c.baseURL + "/countries"
	if cached, ok := c.cache.Load(u); ok {
		out, assertOK := cached.([]extraction.Country)
		if !assertOK {
			return nil, fmt.Errorf("geonames cache type mismatch: %T", cached)
		}
		return out, nil
	}

	var items []countryItem
	if err := c.getJSON(ctx, u, &items); err != nil {
		return nil, err
	}
	out := make([]extraction.Country, 0, len(items))
	for _, it := range items {
		out = append(out, extraction.Country{
			Code:       strings.ToUpper(it.ISOAlpha2),
			Name:       it.Name,
			Population: it.Population,
			Languages:  splitLanguages(it.Languages),
		})
	}
	slices.SortFunc(out, func(a, b extraction.Country) int {
		return strings.Compare(a.Name, b.Name)
	})
	c.cache.Store(u, out)
	return out, nil
}

// Regions lists the first-level administrative divisions of a country.
func (c *Client) Regions(ctx context.Context, countryCode string) ([]extraction.Geoname, error) {
	q := url.Values{}
	q.Set("feature_code", "ADM1")
	q.Set("limit", pageLimit)
	return c.adminDivisions(ctx, countryCode, q, func(it geonameItem) string {
		return it.Admin1Code
	})
}

// Provinces lists the second-level divisions under one region.
func (c *Client) Provinces(ctx context.Context, countryCode, admin1Code string) ([]extraction.Geoname, error) {
	if strings.TrimSpace(admin1Code) == "" {
		return nil, fmt.Errorf("admin1 code is required: %w", extraction.ErrValidation)
	}
	q := url.Values{}
	q.Set("feature_code", "ADM2")
	q.Set("admin1_code", admin1Code)
	q.Set("limit", pageLimit)
	return c.adminDivisions(ctx, countryCode, q, func(it geonameItem) string {
		return it.Admin2Code
	})
}

// Cities lists the cities of a country, optionally narrowed to one region or
// province and a population floor.
func (c *Client) Cities(ctx context.Context, q CityQuery) ([]extraction.Geoname, error) {
	cc := strings.ToUpper(strings.TrimSpace(q.CountryCode))
	if cc == "" {
		return nil, fmt.Errorf("country code is required: %w", extraction.ErrValidation)
	}
	vals := url.Values{}
	vals.Set("limit", pageLimit)
	if q.MinPopulation > 0 {
		vals.Set("min_population", strconv.FormatInt(q.MinPopulation, 10))
	}
	if q.Admin1Code != "" {
		vals.Set("admin1_code", q.Admin1Code)
	}
	if q.Admin2Code != "" {
		vals.Set("admin2_code", q.Admin2Code)
	}
	if q.Language != "" {
		vals.Set("language", q.Language)
	}
	u := c.baseURL + "/countries/" + cc + "/cities?" + vals.Encode()
	return c.geonameList(ctx, u, func(it geonameItem) string { return "" })
}

func (c *Client) adminDivisions(ctx context.Context, countryCode string, q url.Values, code func(geonameItem) string) ([]extraction.Geoname, error) {
	cc := strings.ToUpper(strings.TrimSpace(countryCode))
	if cc == "" {
		return nil, fmt.Errorf("country code is required: %w", extraction.ErrValidation)
	}
	u := c.baseURL + "/countries/" + cc + "/admin-divisions?" + q.Encode()
	return c.geonameList(ctx, u, code)
}

// geonameList fetches, maps, sorts, and caches one geoname listing. The code
// override supplies the division code where one exists; cities keep the
// geoname id as their code.
func (c *Client) geonameList(ctx context.Context, u string, code func(geonameItem) string) ([]extraction.Geoname, error) {
	if cached, ok := c.cache.Load(u); ok {
		out, assertOK := cached.([]extraction.Geoname)
		if !assertOK {
			return nil, fmt.Errorf("geonames cache type mismatch: %T", cached)
		}
		return out, nil
	}

	var items []geonameItem
	if err := c.getJSON(ctx, u, &items); err != nil {
		return nil, err
	}
	out := make([]extraction.Geoname, 0, len(items))
	for _, it := range items {
		g := it.toGeoname()
		if v := code(it); v != "" {
			g.Code = v
		}
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b extraction.Geoname) int {
		return strings.Compare(a.Name, b.Name)
	})
	c.cache.Store(u, out)
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("new geonames request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("Failed to close geonames response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geonames responded %d for %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read geonames body: %w", err)
	}
	if err := json.Unmarshal(body, into); err != nil {
		return fmt.Errorf("decode geonames body: %w", err)
	}
	return nil
}

func splitLanguages(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
