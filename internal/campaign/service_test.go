package campaign_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/campaign"
	"github.com/placehunter/extraction-engine/internal/clock/system"
	"github.com/placehunter/extraction-engine/internal/extraction"
	"github.com/placehunter/extraction-engine/internal/geonames"
	"github.com/placehunter/extraction-engine/internal/id/ulid"
	memstore "github.com/placehunter/extraction-engine/internal/storage/memory"
)

type stubCatalog struct {
	countries    []extraction.Country
	cities       []extraction.Geoname
	err          error
	queries      []geonames.CityQuery
	countryCalls int
}

func (s *stubCatalog) Countries(context.Context) ([]extraction.Country, error) {
	s.countryCalls++
	return s.countries, s.err
}

func (s *stubCatalog) Regions(context.Context, string) ([]extraction.Geoname, error) {
	return nil, s.err
}

func (s *stubCatalog) Provinces(context.Context, string, string) ([]extraction.Geoname, error) {
	return nil, s.err
}

func (s *stubCatalog) Cities(_ context.Context, q geonames.CityQuery) ([]extraction.Geoname, error) {
	s.queries = append(s.queries, q)
	return s.cities, s.err
}

// stubRunner stands in for the orchestrator. With block set it parks until
// its context is cancelled or release is closed.
type stubRunner struct {
	mu      sync.Mutex
	started []string
	err     error
	block   bool
	release chan struct{}
	running chan string
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		release: make(chan struct{}),
		running: make(chan string, 8),
	}
}

func (r *stubRunner) Run(ctx context.Context, id string) error {
	r.mu.Lock()
	r.started = append(r.started, id)
	r.mu.Unlock()
	r.running <- id
	if r.block {
		select {
		case <-ctx.Done():
			return fmt.Errorf("run interrupted: %w", ctx.Err())
		case <-r.release:
		}
	}
	return r.err
}

func (r *stubRunner) startedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func waitStarted(t *testing.T, r *stubRunner) string {
	t.Helper()
	select {
	case id := <-r.running:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not start in time")
		return ""
	}
}

type env struct {
	t       *testing.T
	store   *memstore.Store
	catalog *stubCatalog
	runner  *stubRunner
	ids     *ulid.Generator
	clock   *system.Clock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return &env{
		t:       t,
		store:   memstore.NewStore(),
		catalog: &stubCatalog{},
		runner:  newStubRunner(),
		ids:     ulid.New(),
		clock:   system.New(),
	}
}

func (e *env) service(cfg campaign.Config) *campaign.Service {
	return campaign.New(cfg, e.store, e.catalog, e.runner, e.ids, e.clock, zap.NewNop())
}

// seedCampaign persists a PENDING campaign with one task per city and
// returns both.
func (e *env) seedCampaign(cities ...string) (*extraction.Campaign, []*extraction.PlaceExtractionTask) {
	e.t.Helper()
	cfg := extraction.CampaignConfig{
		Activity:     "restaurants",
		CountryCode:  "ES",
		LocationName: "Spain",
	}
	cfg.ApplyDefaults()
	camp := extraction.NewCampaign(e.ids.NewID(), cfg, e.clock.Now())
	camp.TotalTasks = len(cities)

	tasks := make([]*extraction.PlaceExtractionTask, 0, len(cities))
	for i, city := range cities {
		geo := extraction.Geoname{ID: int64(3_000_000 + i), Name: city}
		tasks = append(tasks, extraction.NewPlaceExtractionTask(e.ids.NewID(), camp.ID, geo, cfg.Activity))
	}

	err := e.store.WithinTx(context.Background(), func(uow extraction.UnitOfWork) error {
		if err := uow.Campaigns().Save(context.Background(), camp); err != nil {
			return err
		}
		return uow.Tasks().SaveAll(context.Background(), tasks)
	})
	require.NoError(e.t, err)
	return camp, tasks
}

func (e *env) saveCampaign(camp *extraction.Campaign) {
	e.t.Helper()
	err := e.store.WithinTx(context.Background(), func(uow extraction.UnitOfWork) error {
		return uow.Campaigns().Save(context.Background(), camp)
	})
	require.NoError(e.t, err)
}

func (e *env) saveTask(task *extraction.PlaceExtractionTask) {
	e.t.Helper()
	err := e.store.WithinTx(context.Background(), func(uow extraction.UnitOfWork) error {
		return uow.Tasks().Save(context.Background(), task)
	})
	require.NoError(e.t, err)
}

func (e *env) campaign(id string) *extraction.Campaign {
	e.t.Helper()
	c, err := e.store.View().Campaigns().Get(context.Background(), id)
	require.NoError(e.t, err)
	return c
}

func TestCreateResolvesScopeAndMaterializes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.catalog.countries = []extraction.Country{
		{Code: "ES", Name: "Spain", Languages: []string{"es-ES", "ca"}},
	}
	e.catalog.cities = []extraction.Geoname{
		{ID: 3117735, Name: "Madrid", Population: 3255944},
		{ID: 3128760, Name: "Barcelona", Population: 1621537},
	}
	svc := e.service(campaign.Config{})

	camp, err := svc.Create(context.Background(), extraction.CampaignConfig{
		Activity:     "coffee shops",
		CountryCode:  "ES",
		LocationName: "Spain",
	})
	require.NoError(t, err)

	assert.Equal(t, "Coffee Shops in Spain", camp.Title)
	assert.Equal(t, extraction.CampaignPending, camp.Status)
	assert.Equal(t, 2, camp.TotalTasks)
	assert.Equal(t, "es", camp.Config.ISOLanguage, "language derived from the country")
	assert.Equal(t, extraction.DefaultMaxBots, camp.Config.MaxBots)

	require.Len(t, e.catalog.queries, 1)
	assert.Equal(t, "es", e.catalog.queries[0].Language)
	assert.Equal(t, int64(extraction.DefaultMinPopulation), e.catalog.queries[0].MinPopulation)

	tasks, err := svc.TasksOf(context.Background(), camp.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, camp.ID, task.CampaignID)
		assert.Equal(t, extraction.TaskPending, task.Status)
		assert.Equal(t, "coffee shops", task.SearchSeed)
	}
	assert.Equal(t, "Madrid", tasks[0].GeonameName)
	assert.Equal(t, "Barcelona", tasks[1].GeonameName)
}

func TestCreateKeepsExplicitLanguage(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.catalog.cities = []extraction.Geoname{{ID: 1, Name: "Porto"}}
	svc := e.service(campaign.Config{})

	camp, err := svc.Create(context.Background(), extraction.CampaignConfig{
		Activity:     "museums",
		CountryCode:  "PT",
		LocationName: "Portugal",
		ISOLanguage:  "pt",
	})
	require.NoError(t, err)

	assert.Equal(t, "pt", camp.Config.ISOLanguage)
	assert.Zero(t, e.catalog.countryCalls, "explicit language skips the country lookup")
}

func TestCreateRejectsEmptyScope(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	svc := e.service(campaign.Config{})

	_, err := svc.Create(context.Background(), extraction.CampaignConfig{
		Activity:     "restaurants",
		CountryCode:  "ES",
		LocationName: "Spain",
		ISOLanguage:  "es",
	})
	require.ErrorIs(t, err, extraction.ErrValidation)

	all, err := svc.List(context.Background(), extraction.CampaignFilter{})
	require.NoError(t, err)
	assert.Empty(t, all, "nothing persisted when the scope resolves empty")
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	svc := e.service(campaign.Config{})

	_, err := svc.Create(context.Background(), extraction.CampaignConfig{
		CountryCode:  "ES",
		LocationName: "Spain",
		ISOLanguage:  "es",
	})
	require.ErrorIs(t, err, extraction.ErrValidation)
	assert.Empty(t, e.catalog.queries, "validation runs before scope resolution")
}

func TestCreateAppliesServiceDefaultBots(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.catalog.cities = []extraction.Geoname{{ID: 1, Name: "Madrid"}}
	svc := e.service(campaign.Config{DefaultMaxBots: 5})

	camp, err := svc.Create(context.Background(), extraction.CampaignConfig{
		Activity:     "restaurants",
		CountryCode:  "ES",
		LocationName: "Spain",
		ISOLanguage:  "es",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, camp.Config.MaxBots)
}

func TestCreateDemoUsesBuiltinScope(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	svc := e.service(campaign.Config{})

	camp, err := svc.CreateDemo(context.Background(), "", 2)
	require.NoError(t, err)

	assert.Equal(t, "Restaurants in Spain", camp.Title)
	assert.Equal(t, 2, camp.Config.MaxBots)
	assert.Equal(t, "en", camp.Config.ISOLanguage)
	assert.Equal(t, 3, camp.TotalTasks)
	assert.Zero(t, e.catalog.countryCalls)
	assert.Empty(t, e.catalog.queries, "demo scope never hits the catalog")

	tasks, err := svc.TasksOf(context.Background(), camp.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	names := []string{tasks[0].GeonameName, tasks[1].GeonameName, tasks[2].GeonameName}
	assert.Equal(t, []string{"Madrid", "Barcelona", "Valencia"}, names)
}

func TestStartRunsCampaignOnce(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.runner.block = true
	camp, _ := e.seedCampaign("Madrid")
	svc := e.service(campaign.Config{})

	require.NoError(t, svc.Start(context.Background(), camp.ID))
	assert.Equal(t, camp.ID, waitStarted(t, e.runner))
	assert.True(t, svc.Running(camp.ID))

	err := svc.Start(context.Background(), camp.ID)
	require.ErrorIs(t, err, extraction.ErrConflict)

	close(e.runner.release)
	require.Eventually(t, func() bool { return !svc.Running(camp.ID) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{camp.ID}, e.runner.startedIDs())
}

func TestStartRejectsTerminalCampaign(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	camp, _ := e.seedCampaign("Madrid")
	require.NoError(t, camp.Start(e.clock.Now()))
	camp.Finalize(map[extraction.TaskStatus]int{extraction.TaskCompleted: 1}, e.clock.Now())
	e.saveCampaign(camp)
	svc := e.service(campaign.Config{})

	err := svc.Start(context.Background(), camp.ID)
	require.ErrorIs(t, err, extraction.ErrConflict)
	assert.Empty(t, e.runner.startedIDs())

	err = svc.Start(context.Background(), "missing")
	require.ErrorIs(t, err, extraction.ErrNotFound)
}

func TestResumeResetsTasks(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	camp, tasks := e.seedCampaign("Madrid", "Barcelona", "Valencia")
	now := e.clock.Now()
	require.NoError(t, camp.Start(now))
	camp.Fail(now)
	e.saveCampaign(camp)

	require.NoError(t, tasks[0].Start(now))
	require.NoError(t, tasks[0].Complete(now))
	require.NoError(t, tasks[1].Start(now))
	require.NoError(t, tasks[1].Fail("fake timeout", now))
	require.NoError(t, tasks[2].Start(now))
	for _, task := range tasks {
		e.saveTask(task)
	}

	svc := e.service(campaign.Config{})
	require.NoError(t, svc.Resume(context.Background(), camp.ID))
	assert.Equal(t, camp.ID, waitStarted(t, e.runner))

	got, err := svc.TasksOf(context.Background(), camp.ID)
	require.NoError(t, err)
	assert.Equal(t, extraction.TaskCompleted, got[0].Status, "completed work survives a resume")
	assert.Equal(t, extraction.TaskPending, got[1].Status)
	assert.Zero(t, got[1].Attempts)
	assert.Equal(t, extraction.TaskPending, got[2].Status)
	assert.Zero(t, got[2].Attempts)
}

func TestResumeRejectsWrongStatus(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	camp, _ := e.seedCampaign("Madrid")
	svc := e.service(campaign.Config{})

	err := svc.Resume(context.Background(), camp.ID)
	require.ErrorIs(t, err, extraction.ErrConflict, "a never-started campaign is started, not resumed")
	assert.Empty(t, e.runner.startedIDs())
}

func TestPauseStopsActiveRun(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.runner.block = true
	camp, _ := e.seedCampaign("Madrid")
	svc := e.service(campaign.Config{})

	require.NoError(t, svc.Start(context.Background(), camp.ID))
	waitStarted(t, e.runner)

	require.NoError(t, svc.Pause(context.Background(), camp.ID))
	require.Eventually(t, func() bool { return !svc.Running(camp.ID) }, 2*time.Second, 5*time.Millisecond)

	// Pause cancels the run without finalizing; status is whatever the run
	// left behind.
	assert.Equal(t, extraction.CampaignPending, e.campaign(camp.ID).Status)

	err := svc.Pause(context.Background(), camp.ID)
	require.ErrorIs(t, err, extraction.ErrConflict, "pausing an idle campaign")
}

func TestCancelFinalizesFailed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.runner.block = true
	camp, _ := e.seedCampaign("Madrid")
	svc := e.service(campaign.Config{})

	require.NoError(t, svc.Start(context.Background(), camp.ID))
	waitStarted(t, e.runner)

	require.NoError(t, svc.Cancel(context.Background(), camp.ID))
	assert.False(t, svc.Running(camp.ID))

	got := e.campaign(camp.ID)
	assert.Equal(t, extraction.CampaignFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestCancelLeavesTerminalCampaignAlone(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	camp, _ := e.seedCampaign("Madrid")
	require.NoError(t, camp.Start(e.clock.Now()))
	camp.Finalize(map[extraction.TaskStatus]int{extraction.TaskCompleted: 1}, e.clock.Now())
	e.saveCampaign(camp)
	svc := e.service(campaign.Config{})

	require.NoError(t, svc.Cancel(context.Background(), camp.ID))
	assert.Equal(t, extraction.CampaignCompleted, e.campaign(camp.ID).Status)
}

func TestArchiveLifecycle(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	camp, _ := e.seedCampaign("Madrid")
	svc := e.service(campaign.Config{})

	err := svc.Archive(context.Background(), camp.ID)
	require.ErrorIs(t, err, extraction.ErrConflict, "only terminal campaigns archive")

	require.NoError(t, camp.Start(e.clock.Now()))
	camp.Fail(e.clock.Now())
	e.saveCampaign(camp)

	require.NoError(t, svc.Archive(context.Background(), camp.ID))
	assert.Equal(t, extraction.CampaignArchived, e.campaign(camp.ID).Status)

	require.NoError(t, svc.Archive(context.Background(), camp.ID), "archiving twice is a no-op")
}

func TestStatusReportsProgress(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	camp, _ := e.seedCampaign("Madrid", "Barcelona", "Valencia", "Sevilla")
	require.NoError(t, camp.Start(e.clock.Now()))
	camp.RecordTaskCompleted()
	camp.RecordTaskFailed()
	e.saveCampaign(camp)
	svc := e.service(campaign.Config{})

	st, err := svc.Status(context.Background(), camp.ID)
	require.NoError(t, err)
	assert.Equal(t, camp.ID, st.CampaignID)
	assert.Equal(t, extraction.CampaignInProgress, st.Status)
	assert.Equal(t, 4, st.TotalTasks)
	assert.Equal(t, 1, st.CompletedTasks)
	assert.Equal(t, 1, st.FailedTasks)
	assert.InDelta(t, 50.0, st.ProgressPercent, 0.01)

	_, err = svc.Status(context.Background(), "missing")
	require.ErrorIs(t, err, extraction.ErrNotFound)
}

func TestStatisticsTallies(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	camp, tasks := e.seedCampaign("Madrid", "Barcelona", "Valencia")
	now := e.clock.Now()
	require.NoError(t, camp.Start(now))
	camp.RecordTaskCompleted()
	camp.RecordTaskFailed()
	e.saveCampaign(camp)

	require.NoError(t, tasks[0].Start(now))
	require.NoError(t, tasks[0].Complete(now))
	require.NoError(t, tasks[1].Start(now))
	require.NoError(t, tasks[1].Fail("fake timeout", now))
	for _, task := range tasks[:2] {
		e.saveTask(task)
	}

	err := e.store.WithinTx(context.Background(), func(uow extraction.UnitOfWork) error {
		for _, name := range []string{"Casa Lucio", "El Rincon"} {
			p := extraction.NewExtractedPlace(e.ids.NewID(), tasks[0].ID, tasks[0].GeonameName, extraction.PlaceRecord{Name: name}, now)
			if _, err := uow.Places().Upsert(context.Background(), p); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	svc := e.service(campaign.Config{})
	stats, err := svc.Statistics(context.Background(), camp.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.TotalTasks)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1, stats.FailedTasks)
	assert.Equal(t, 1, stats.PendingTasks)
	assert.Zero(t, stats.InProgressTasks)
	assert.Zero(t, stats.SkippedTasks)
	assert.Equal(t, 2, stats.PlacesExtracted)
	require.NotNil(t, stats.StartedAt)
	assert.Nil(t, stats.CompletedAt)
	require.NotNil(t, stats.DurationSeconds)
	assert.GreaterOrEqual(t, *stats.DurationSeconds, 0.0)
}

func TestStatisticsDurationStopsAtCompletion(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	camp, _ := e.seedCampaign("Madrid")
	started := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)
	require.NoError(t, camp.Start(started))
	camp.Finalize(map[extraction.TaskStatus]int{extraction.TaskCompleted: 1}, completed)
	e.saveCampaign(camp)
	svc := e.service(campaign.Config{})

	stats, err := svc.Statistics(context.Background(), camp.ID)
	require.NoError(t, err)
	require.NotNil(t, stats.DurationSeconds)
	assert.InDelta(t, 90.0, *stats.DurationSeconds, 0.001)
}

func TestShutdownStopsAllRuns(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.runner.block = true
	first, _ := e.seedCampaign("Madrid")
	second, _ := e.seedCampaign("Porto")
	svc := e.service(campaign.Config{})

	require.NoError(t, svc.Start(context.Background(), first.ID))
	require.NoError(t, svc.Start(context.Background(), second.ID))
	waitStarted(t, e.runner)
	waitStarted(t, e.runner)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
	assert.False(t, svc.Running(first.ID))
	assert.False(t, svc.Running(second.ID))
}
