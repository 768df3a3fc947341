// Package campaign exposes the application service over campaigns: scope
// resolution and materialization at create time, the run lifecycle (start,
// resume, pause, cancel), archival, and the read-side queries behind the
// HTTP and WebSocket surfaces.
package campaign

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/extraction"
	"github.com/placehunter/extraction-engine/internal/geonames"
)

// Runner executes one campaign run to completion. The orchestrator
// implements it; tests swap in stubs.
type Runner interface {
	Run(ctx context.Context, campaignID string) error
}

// Config tunes service behavior.
type Config struct {
	// DefaultMaxBots overrides the built-in bot count for campaigns that do
	// not request one. Zero keeps the domain default.
	DefaultMaxBots int
}

// Service coordinates campaign writes, the active-run registry, and the
// read side. One instance serves the whole process.
type Service struct {
	cfg     Config
	store   extraction.Store
	catalog geonames.Catalog
	runner  Runner
	ids     extraction.IDGenerator
	clock   extraction.Clock
	logger  *zap.Logger

	mu   sync.Mutex
	runs map[string]*activeRun
}

// New wires the campaign service. A nil logger is replaced with a no-op.
func New(cfg Config, store extraction.Store, catalog geonames.Catalog, runner Runner, ids extraction.IDGenerator, clock extraction.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		runner:  runner,
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("campaign"),
		runs:    make(map[string]*activeRun),
	}
}

// Create resolves the geographic scope into concrete cities and materializes
// a PENDING campaign with one task per city, all under a single unit of
// work. When the config names no language the country's primary language is
// used so localized city names and search URLs line up.
func (s *Service) Create(ctx context.Context, cfg extraction.CampaignConfig) (*extraction.Campaign, error) {
	if s.cfg.DefaultMaxBots > 0 && cfg.MaxBots == 0 {
		cfg.MaxBots = s.cfg.DefaultMaxBots
	}
	if cfg.ISOLanguage == "" {
		cfg.ISOLanguage = s.primaryLanguage(ctx, cfg.CountryCode)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cities, err := geonames.ResolveCities(ctx, s.catalog, geonames.Scope{
		CountryCode:   cfg.CountryCode,
		Admin1Code:    cfg.Admin1Code,
		Admin2Code:    cfg.Admin2Code,
		CityGeonameID: cfg.CityGeonameID,
		MinPopulation: int64(cfg.MinPopulation),
		Language:      cfg.ISOLanguage,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve cities: %w", err)
	}
	if len(cities) == 0 {
		return nil, fmt.Errorf("%w: no cities match the requested scope", extraction.ErrValidation)
	}
	return s.materialize(ctx, cfg, cities)
}

// demoCities is the built-in scope behind start commands that carry no
// geography: the three largest Spanish cities.
var demoCities = []extraction.Geoname{
	{ID: 3117735, Name: "Madrid", Population: 3255944},
	{ID: 3128760, Name: "Barcelona", Population: 1621537},
	{ID: 2509954, Name: "Valencia", Population: 814208},
}

// CreateDemo materializes a campaign over the built-in demo cities without
// touching the geonames catalog. Empty activity defaults to restaurants.
func (s *Service) CreateDemo(ctx context.Context, activity string, maxBots int) (*extraction.Campaign, error) {
	if strings.TrimSpace(activity) == "" {
		activity = "restaurants"
	}
	cfg := extraction.CampaignConfig{
		Activity:     activity,
		CountryCode:  "ES",
		LocationName: "Spain",
		MaxBots:      maxBots,
	}
	if s.cfg.DefaultMaxBots > 0 && cfg.MaxBots == 0 {
		cfg.MaxBots = s.cfg.DefaultMaxBots
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return s.materialize(ctx, cfg, demoCities)
}

// materialize persists the campaign and its per-city tasks atomically.
func (s *Service) materialize(ctx context.Context, cfg extraction.CampaignConfig, cities []extraction.Geoname) (*extraction.Campaign, error) {
	camp := extraction.NewCampaign(s.ids.NewID(), cfg, s.clock.Now())
	camp.TotalTasks = len(cities)

	tasks := make([]*extraction.PlaceExtractionTask, 0, len(cities))
	for _, city := range cities {
		tasks = append(tasks, extraction.NewPlaceExtractionTask(s.ids.NewID(), camp.ID, city, cfg.Activity))
	}

	err := s.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		if err := uow.Campaigns().Save(ctx, camp); err != nil {
			return err
		}
		return uow.Tasks().SaveAll(ctx, tasks)
	})
	if err != nil {
		return nil, fmt.Errorf("persist campaign: %w", err)
	}

	s.logger.Info("campaign created",
		zap.String("campaign_id", camp.ID),
		zap.String("title", camp.Title),
		zap.Int("tasks", len(tasks)),
		zap.Int("max_bots", cfg.MaxBots))
	return camp, nil
}

// primaryLanguage looks up the country's first listed language, trimmed to
// its base subtag ("es-ES" becomes "es"). Lookup failures fall back to the
// locale-derived default.
func (s *Service) primaryLanguage(ctx context.Context, countryCode string) string {
	countries, err := s.catalog.Countries(ctx)
	if err != nil {
		s.logger.Warn("country language lookup failed", zap.String("country_code", countryCode), zap.Error(err))
		return ""
	}
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	for _, c := range countries {
		if c.Code == code {
			return strings.SplitN(c.PrimaryLanguage(), "-", 2)[0]
		}
	}
	return ""
}

// Get returns one campaign.
func (s *Service) Get(ctx context.Context, id string) (*extraction.Campaign, error) {
	return s.store.View().Campaigns().Get(ctx, id)
}

// List returns campaigns matching the filter, newest first.
func (s *Service) List(ctx context.Context, f extraction.CampaignFilter) ([]*extraction.Campaign, error) {
	return s.store.View().Campaigns().List(ctx, f)
}

// TasksOf returns the campaign's tasks in id order.
func (s *Service) TasksOf(ctx context.Context, id string) ([]*extraction.PlaceExtractionTask, error) {
	view := s.store.View()
	if _, err := view.Campaigns().Get(ctx, id); err != nil {
		return nil, err
	}
	return view.Tasks().ListByCampaign(ctx, id)
}

// PlacesOf returns the campaign's extracted places with reviews inline.
func (s *Service) PlacesOf(ctx context.Context, id string) ([]*extraction.ExtractedPlace, error) {
	view := s.store.View()
	if _, err := view.Campaigns().Get(ctx, id); err != nil {
		return nil, err
	}
	return view.Places().ListByCampaign(ctx, id)
}

// Archive moves a terminal campaign into ARCHIVED.
func (s *Service) Archive(ctx context.Context, id string) error {
	return s.store.WithinTx(ctx, func(uow extraction.UnitOfWork) error {
		c, err := uow.Campaigns().Get(ctx, id)
		if err != nil {
			return err
		}
		if err := c.Archive(); err != nil {
			return err
		}
		return uow.Campaigns().Save(ctx, c)
	})
}

// Status is the compact progress view.
type Status struct {
	CampaignID      string
	Status          extraction.CampaignStatus
	TotalTasks      int
	CompletedTasks  int
	FailedTasks     int
	ProgressPercent float64
}

// Status reports campaign progress from the aggregate's own counters.
func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	c, err := s.store.View().Campaigns().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return statusOf(c), nil
}

func statusOf(c *extraction.Campaign) *Status {
	return &Status{
		CampaignID:      c.ID,
		Status:          c.Status,
		TotalTasks:      c.TotalTasks,
		CompletedTasks:  c.CompletedTasks,
		FailedTasks:     c.FailedTasks,
		ProgressPercent: c.Progress() * 100,
	}
}

// Statistics extends Status with task and place tallies and timing.
type Statistics struct {
	Status
	PendingTasks    int
	InProgressTasks int
	SkippedTasks    int
	PlacesExtracted int
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
}

// Statistics reports detailed campaign progress. Duration runs from start
// to completion, or to now while the campaign is still going.
func (s *Service) Statistics(ctx context.Context, id string) (*Statistics, error) {
	view := s.store.View()
	c, err := view.Campaigns().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := view.Tasks().StatusCounts(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	places, err := view.Places().CountByCampaign(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Status:          *statusOf(c),
		PendingTasks:    counts[extraction.TaskPending],
		InProgressTasks: counts[extraction.TaskInProgress],
		SkippedTasks:    counts[extraction.TaskSkipped],
		PlacesExtracted: places,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
	}
	if c.StartedAt != nil {
		end := s.clock.Now()
		if c.CompletedAt != nil {
			end = *c.CompletedAt
		}
		d := end.Sub(*c.StartedAt).Seconds()
		stats.DurationSeconds = &d
	}
	return stats, nil
}
