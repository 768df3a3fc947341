package extraction

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// CampaignStatus represents the lifecycle state of a campaign.
type CampaignStatus string

// Campaign status values persisted in storage.
const (
	CampaignPending    CampaignStatus = "PENDING"
	CampaignInProgress CampaignStatus = "IN_PROGRESS"
	CampaignCompleted  CampaignStatus = "COMPLETED"
	CampaignFailed     CampaignStatus = "FAILED"
	CampaignArchived   CampaignStatus = "ARCHIVED"
)

// Defaults applied when a campaign config omits optional knobs.
const (
	DefaultMinPopulation = 15000
	DefaultMaxResults    = 50
	DefaultMinRating     = 4.0
	DefaultLocale        = "en-US"
	DefaultMaxBots       = 3
)

// CampaignConfig captures the user-requested extraction parameters. The
// geographic fields narrow the scope: a city pin beats a province, a province
// beats a region, a region beats the whole country.
type CampaignConfig struct {
	Activity      string
	CountryCode   string
	Admin1Code    string
	Admin2Code    string
	CityGeonameID int64
	LocationName  string
	ISOLanguage   string
	Locale        string
	MinPopulation int
	MaxResults    int
	MinRating     float64
	MaxBots       int
}

// ApplyDefaults fills zero-valued optional fields with the documented defaults.
func (c *CampaignConfig) ApplyDefaults() {
	if c.MinPopulation == 0 {
		c.MinPopulation = DefaultMinPopulation
	}
	if c.MaxResults == 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.MinRating == 0 {
		c.MinRating = DefaultMinRating
	}
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
	if c.ISOLanguage == "" {
		c.ISOLanguage = strings.SplitN(c.Locale, "-", 2)[0]
	}
	if c.MaxBots == 0 {
		c.MaxBots = DefaultMaxBots
	}
}

// Validate rejects malformed campaign configuration.
func (c CampaignConfig) Validate() error {
	if strings.TrimSpace(c.Activity) == "" {
		return fmt.Errorf("%w: activity is required", ErrValidation)
	}
	if len(strings.TrimSpace(c.CountryCode)) != 2 {
		return fmt.Errorf("%w: country_code must be a two-letter code", ErrValidation)
	}
	if strings.TrimSpace(c.LocationName) == "" {
		return fmt.Errorf("%w: location_name is required", ErrValidation)
	}
	if c.MaxBots <= 0 {
		return fmt.Errorf("%w: max_bots must be at least 1", ErrValidation)
	}
	if c.MaxResults <= 0 {
		return fmt.Errorf("%w: max_results must be positive", ErrValidation)
	}
	if c.MinPopulation < 0 {
		return fmt.Errorf("%w: min_population must not be negative", ErrValidation)
	}
	if c.MinRating < 0 || c.MinRating > 5 {
		return fmt.Errorf("%w: min_rating must be between 0 and 5", ErrValidation)
	}
	return nil
}

// Campaign is the aggregate root for one extraction run over a set of cities.
type Campaign struct {
	ID             string
	Title          string
	Config         CampaignConfig
	Status         CampaignStatus
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// NewCampaign builds a PENDING campaign with an auto-generated title of the
// form "Restaurants in Madrid".
func NewCampaign(id string, cfg CampaignConfig, now time.Time) *Campaign {
	return &Campaign{
		ID:        id,
		Title:     fmt.Sprintf("%s in %s", titleCase(cfg.Activity), cfg.LocationName),
		Config:    cfg,
		Status:    CampaignPending,
		CreatedAt: now.UTC(),
	}
}

// Start transitions PENDING to IN_PROGRESS and stamps StartedAt.
func (c *Campaign) Start(now time.Time) error {
	if c.Status != CampaignPending {
		return fmt.Errorf("%w: cannot start campaign in status %s", ErrConflict, c.Status)
	}
	c.Status = CampaignInProgress
	t := now.UTC()
	c.StartedAt = &t
	return nil
}

// Resume re-opens a FAILED campaign, or an IN_PROGRESS one whose run was
// interrupted, clearing the failure counter so remaining tasks can re-run.
func (c *Campaign) Resume(now time.Time) error {
	if c.Status != CampaignFailed && c.Status != CampaignInProgress {
		return fmt.Errorf("%w: cannot resume campaign in status %s", ErrConflict, c.Status)
	}
	c.Status = CampaignInProgress
	c.FailedTasks = 0
	c.CompletedAt = nil
	if c.StartedAt == nil {
		t := now.UTC()
		c.StartedAt = &t
	}
	return nil
}

// Finalize derives the terminal status from the task tally: COMPLETED when
// every task ended COMPLETED or SKIPPED, FAILED otherwise.
func (c *Campaign) Finalize(counts map[TaskStatus]int, now time.Time) {
	t := now.UTC()
	c.CompletedAt = &t
	if counts[TaskFailed] == 0 && counts[TaskPending] == 0 && counts[TaskInProgress] == 0 {
		c.Status = CampaignCompleted
		return
	}
	c.Status = CampaignFailed
}

// Fail marks the campaign FAILED, used when a fatal error aborts the run.
func (c *Campaign) Fail(now time.Time) {
	t := now.UTC()
	c.CompletedAt = &t
	c.Status = CampaignFailed
}

// Archive moves a terminal campaign to ARCHIVED. Archiving an already
// archived campaign is a no-op.
func (c *Campaign) Archive() error {
	switch c.Status {
	case CampaignArchived:
		return nil
	case CampaignCompleted, CampaignFailed:
		c.Status = CampaignArchived
		return nil
	default:
		return fmt.Errorf("%w: cannot archive campaign in status %s", ErrConflict, c.Status)
	}
}

// RecordTaskCompleted bumps the completion counter.
func (c *Campaign) RecordTaskCompleted() {
	if c.CompletedTasks+c.FailedTasks < c.TotalTasks {
		c.CompletedTasks++
	}
}

// RecordTaskFailed bumps the failure counter.
func (c *Campaign) RecordTaskFailed() {
	if c.CompletedTasks+c.FailedTasks < c.TotalTasks {
		c.FailedTasks++
	}
}

// Progress reports completion as a fraction in [0, 1].
func (c *Campaign) Progress() float64 {
	if c.TotalTasks == 0 {
		return 0
	}
	return float64(c.CompletedTasks+c.FailedTasks) / float64(c.TotalTasks)
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
