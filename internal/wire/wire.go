// Package wire converts between domain types and their external JSON
// representations. Binary images travel base64-encoded, timestamps as
// ISO-8601 text with microsecond precision, and enums as their string
// names.
package wire

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/placehunter/extraction-engine/internal/campaign"
	"github.com/placehunter/extraction-engine/internal/extraction"
	"github.com/placehunter/extraction-engine/internal/orchestrator"
)

// Timestamp layouts. Fractional seconds appear only when non-zero.
const (
	tsLayout      = "2006-01-02T15:04:05Z"
	tsMicroLayout = "2006-01-02T15:04:05.000000Z"
)

// Timestamp renders t in the wire clock format: UTC, second precision,
// microseconds appended when the instant has a fractional part.
func Timestamp(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond() == 0 {
		return t.Format(tsLayout)
	}
	return t.Format(tsMicroLayout)
}

// ParseTimestamp reads both wire timestamp forms back into a UTC instant.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{tsMicroLayout, tsLayout} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", extraction.ErrValidation, s)
}

func optTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := Timestamp(*t)
	return &s
}

// Campaign is the detail/list view of a campaign.
type Campaign struct {
	CampaignID     string  `json:"campaign_id"`
	Title          string  `json:"title"`
	Status         string  `json:"status"`
	TotalTasks     int     `json:"total_tasks"`
	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	CreatedAt      string  `json:"created_at"`
	StartedAt      *string `json:"started_at,omitempty"`
	CompletedAt    *string `json:"completed_at,omitempty"`
	MaxBots        int     `json:"max_bots"`
	Activity       string  `json:"activity"`
	LocationName   string  `json:"location_name"`
}

// FromCampaign maps the aggregate to its wire view.
func FromCampaign(c *extraction.Campaign) Campaign {
	return Campaign{
		CampaignID:     c.ID,
		Title:          c.Title,
		Status:         string(c.Status),
		TotalTasks:     c.TotalTasks,
		CompletedTasks: c.CompletedTasks,
		FailedTasks:    c.FailedTasks,
		CreatedAt:      Timestamp(c.CreatedAt),
		StartedAt:      optTimestamp(c.StartedAt),
		CompletedAt:    optTimestamp(c.CompletedAt),
		MaxBots:        c.Config.MaxBots,
		Activity:       c.Config.Activity,
		LocationName:   c.Config.LocationName,
	}
}

// FromCampaigns maps a list view, returning an empty (non-nil) slice so the
// JSON body is always an array.
func FromCampaigns(cs []*extraction.Campaign) []Campaign {
	out := make([]Campaign, 0, len(cs))
	for _, c := range cs {
		out = append(out, FromCampaign(c))
	}
	return out
}

// CampaignCreated is the 201 response body for campaign creation.
type CampaignCreated struct {
	CampaignID string `json:"campaign_id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	TotalTasks int    `json:"total_tasks"`
	CreatedAt  string `json:"created_at"`
}

// FromCampaignCreated maps the freshly created aggregate to the creation
// acknowledgement.
func FromCampaignCreated(c *extraction.Campaign) CampaignCreated {
	return CampaignCreated{
		CampaignID: c.ID,
		Title:      c.Title,
		Status:     string(c.Status),
		TotalTasks: c.TotalTasks,
		CreatedAt:  Timestamp(c.CreatedAt),
	}
}

// CampaignRequest is the POST /api/campaigns body.
type CampaignRequest struct {
	Activity      string  `json:"activity"`
	CountryCode   string  `json:"country_code"`
	Admin1Code    string  `json:"admin1_code,omitempty"`
	Admin2Code    string  `json:"admin2_code,omitempty"`
	CityGeonameID int64   `json:"city_geoname_id,omitempty"`
	LocationName  string  `json:"location_name"`
	ISOLanguage   string  `json:"iso_language,omitempty"`
	Locale        string  `json:"locale,omitempty"`
	MinPopulation int     `json:"min_population,omitempty"`
	MaxResults    int     `json:"max_results,omitempty"`
	MinRating     float64 `json:"min_rating,omitempty"`
	MaxBots       int     `json:"max_bots,omitempty"`
}

// Config converts the request into domain campaign configuration. Defaults
// for omitted optional knobs are applied downstream.
func (r CampaignRequest) Config() extraction.CampaignConfig {
	return extraction.CampaignConfig{
		Activity:      r.Activity,
		CountryCode:   r.CountryCode,
		Admin1Code:    r.Admin1Code,
		Admin2Code:    r.Admin2Code,
		CityGeonameID: r.CityGeonameID,
		LocationName:  r.LocationName,
		ISOLanguage:   r.ISOLanguage,
		Locale:        r.Locale,
		MinPopulation: r.MinPopulation,
		MaxResults:    r.MaxResults,
		MinRating:     r.MinRating,
		MaxBots:       r.MaxBots,
	}
}

// Task is the list view of a place extraction task.
type Task struct {
	TaskID      string  `json:"task_id"`
	SearchSeed  string  `json:"search_seed"`
	GeonameName string  `json:"geoname_name"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	LastError   string  `json:"last_error,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// FromTask maps a task to its wire view. The creation instant is recovered
// from the ULID rather than stored separately.
func FromTask(t *extraction.PlaceExtractionTask) Task {
	return Task{
		TaskID:      t.ID,
		SearchSeed:  t.SearchSeed,
		GeonameName: t.GeonameName,
		Status:      string(t.Status),
		Attempts:    t.Attempts,
		LastError:   t.LastError,
		CreatedAt:   idTimestamp(t.ID),
		StartedAt:   optTimestamp(t.StartedAt),
		CompletedAt: optTimestamp(t.CompletedAt),
	}
}

// FromTasks maps a task list, never nil.
func FromTasks(ts []*extraction.PlaceExtractionTask) []Task {
	out := make([]Task, 0, len(ts))
	for _, t := range ts {
		out = append(out, FromTask(t))
	}
	return out
}

// idTimestamp extracts the embedded creation time from a ULID, or empty for
// identifiers minted elsewhere.
func idTimestamp(id string) string {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return ""
	}
	return Timestamp(ulid.Time(parsed.Time()))
}

// Place is the wire view of an extracted place, reviews inline.
type Place struct {
	PlaceID      string   `json:"place_id"`
	SourceTaskID string   `json:"source_task_id,omitempty"`
	Name         string   `json:"name"`
	Address      string   `json:"address,omitempty"`
	City         string   `json:"city,omitempty"`
	Category     string   `json:"category,omitempty"`
	Rating       *float64 `json:"rating,omitempty"`
	ReviewCount  *int     `json:"review_count,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	WebsiteLink  string   `json:"website_link,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	ExtractedAt  string   `json:"extracted_at,omitempty"`
	Reviews      []Review `json:"reviews,omitempty"`
}

// Review is one inline place review.
type Review struct {
	Author   string  `json:"author"`
	Rating   float64 `json:"rating"`
	Text     string  `json:"text"`
	PostedAt string  `json:"posted_at"`
}

// FromPlace maps a place and its reviews to the wire view.
func FromPlace(p *extraction.ExtractedPlace) Place {
	dto := Place{
		PlaceID:      p.ID,
		SourceTaskID: p.SourceTaskID,
		Name:         p.Name,
		Address:      p.Address,
		City:         p.City,
		Category:     p.Category,
		Phone:        p.Phone,
		WebsiteLink:  p.Website,
	}
	if p.Rating != nil {
		v := *p.Rating
		dto.Rating = &v
	}
	if p.ReviewCount != nil {
		v := *p.ReviewCount
		dto.ReviewCount = &v
	}
	if p.Coordinates != nil {
		lat, lon := p.Coordinates.Lat, p.Coordinates.Lon
		dto.Latitude, dto.Longitude = &lat, &lon
	}
	if !p.ExtractedAt.IsZero() {
		dto.ExtractedAt = Timestamp(p.ExtractedAt)
	}
	for _, rv := range p.Reviews {
		dto.Reviews = append(dto.Reviews, Review{
			Author:   rv.Author,
			Rating:   rv.Rating,
			Text:     rv.Text,
			PostedAt: Timestamp(rv.PostedAt),
		})
	}
	return dto
}

// FromPlaces maps a place list, never nil.
func FromPlaces(ps []*extraction.ExtractedPlace) []Place {
	out := make([]Place, 0, len(ps))
	for _, p := range ps {
		out = append(out, FromPlace(p))
	}
	return out
}

// ToPlace converts a wire place back to the domain shape. Timestamps must
// parse; coordinates require both legs.
func ToPlace(dto Place) (*extraction.ExtractedPlace, error) {
	p := &extraction.ExtractedPlace{
		ID:           dto.PlaceID,
		SourceTaskID: dto.SourceTaskID,
		Name:         dto.Name,
		Address:      dto.Address,
		City:         dto.City,
		Category:     dto.Category,
		Phone:        dto.Phone,
		Website:      dto.WebsiteLink,
	}
	if dto.Rating != nil {
		v := *dto.Rating
		p.Rating = &v
	}
	if dto.ReviewCount != nil {
		v := *dto.ReviewCount
		p.ReviewCount = &v
	}
	if dto.Latitude != nil && dto.Longitude != nil {
		p.Coordinates = &extraction.Coordinates{Lat: *dto.Latitude, Lon: *dto.Longitude}
	}
	if dto.ExtractedAt != "" {
		ts, err := ParseTimestamp(dto.ExtractedAt)
		if err != nil {
			return nil, fmt.Errorf("extracted_at: %w", err)
		}
		p.ExtractedAt = ts
	}
	for _, rv := range dto.Reviews {
		posted, err := ParseTimestamp(rv.PostedAt)
		if err != nil {
			return nil, fmt.Errorf("review posted_at: %w", err)
		}
		p.Reviews = append(p.Reviews, extraction.PlaceReview{
			PlaceID:  dto.PlaceID,
			Author:   rv.Author,
			Rating:   rv.Rating,
			Text:     rv.Text,
			PostedAt: posted,
		})
	}
	return p, nil
}

// Geoname is one admin division or city row.
type Geoname struct {
	GeonameID  int64  `json:"geoname_id"`
	Name       string `json:"name"`
	Code       string `json:"code"`
	Population int64  `json:"population"`
}

// FromGeoname maps a geoname lookup row.
func FromGeoname(g extraction.Geoname) Geoname {
	return Geoname{GeonameID: g.ID, Name: g.Name, Code: g.Code, Population: g.Population}
}

// FromGeonames maps a geoname list, never nil.
func FromGeonames(gs []extraction.Geoname) []Geoname {
	out := make([]Geoname, 0, len(gs))
	for _, g := range gs {
		out = append(out, FromGeoname(g))
	}
	return out
}

// Country is one country row.
type Country struct {
	Code       string   `json:"code"`
	Name       string   `json:"name"`
	Population int64    `json:"population"`
	Languages  []string `json:"languages"`
}

// FromCountry maps a country lookup row.
func FromCountry(c extraction.Country) Country {
	langs := c.Languages
	if langs == nil {
		langs = []string{}
	}
	return Country{Code: c.Code, Name: c.Name, Population: c.Population, Languages: langs}
}

// FromCountries maps a country list, never nil.
func FromCountries(cs []extraction.Country) []Country {
	out := make([]Country, 0, len(cs))
	for _, c := range cs {
		out = append(out, FromCountry(c))
	}
	return out
}

// StatusReport is the get_status result body.
type StatusReport struct {
	CampaignID      string  `json:"campaign_id"`
	Status          string  `json:"status"`
	TotalTasks      int     `json:"total_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	ProgressPercent float64 `json:"progress_percent"`
}

// FromStatus maps campaign progress to its wire view.
func FromStatus(s *campaign.Status) StatusReport {
	return StatusReport{
		CampaignID:      s.CampaignID,
		Status:          string(s.Status),
		TotalTasks:      s.TotalTasks,
		CompletedTasks:  s.CompletedTasks,
		FailedTasks:     s.FailedTasks,
		ProgressPercent: s.ProgressPercent,
	}
}

// StatisticsReport is the get_statistics result body.
type StatisticsReport struct {
	StatusReport
	PendingTasks    int      `json:"pending_tasks"`
	InProgressTasks int      `json:"in_progress_tasks"`
	SkippedTasks    int      `json:"skipped_tasks"`
	PlacesExtracted int      `json:"places_extracted"`
	StartedAt       *string  `json:"started_at,omitempty"`
	CompletedAt     *string  `json:"completed_at,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

// FromStatistics maps detailed campaign statistics to the wire view.
func FromStatistics(s *campaign.Statistics) StatisticsReport {
	return StatisticsReport{
		StatusReport:    FromStatus(&s.Status),
		PendingTasks:    s.PendingTasks,
		InProgressTasks: s.InProgressTasks,
		SkippedTasks:    s.SkippedTasks,
		PlacesExtracted: s.PlacesExtracted,
		StartedAt:       optTimestamp(s.StartedAt),
		CompletedAt:     optTimestamp(s.CompletedAt),
		DurationSeconds: s.DurationSeconds,
	}
}

// BotInfo is one live bot row in the get_bot_info result.
type BotInfo struct {
	BotID  string `json:"bot_id"`
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
}

// BotsReport is the get_bot_info result body.
type BotsReport struct {
	PoolSize int       `json:"pool_size"`
	Free     int       `json:"free"`
	InUse    int       `json:"in_use"`
	Bots     []BotInfo `json:"bots"`
}

// FromBotReport maps the live pool aggregate to its wire view.
func FromBotReport(r orchestrator.BotReport) BotsReport {
	out := BotsReport{
		PoolSize: r.PoolSize,
		Free:     r.Free,
		InUse:    r.InUse,
		Bots:     make([]BotInfo, 0, len(r.Bots)),
	}
	for _, b := range r.Bots {
		out.Bots = append(out.Bots, BotInfo{BotID: b.ID, Status: string(b.Status), TaskID: b.TaskID})
	}
	return out
}
