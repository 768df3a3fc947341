//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

type StoreIntegrationSuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	store     *Store
}

func (s *StoreIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	container, err := postgres.Run(s.ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("extraction_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	store, err := New(s.ctx, Config{DSN: dsn})
	s.Require().NoError(err)
	s.store = store
}

func (s *StoreIntegrationSuite) TearDownSuite() {
	if s.store != nil {
		s.store.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(s.ctx)
	}
}

func (s *StoreIntegrationSuite) SetupTest() {
	for _, table := range []string{
		"extracted_place_reviews",
		"extracted_places",
		"place_extraction_tasks",
		"campaigns",
	} {
		_, err := s.store.db.Exec(s.ctx, "DELETE FROM "+table)
		s.Require().NoError(err)
	}
}

func TestStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, new(StoreIntegrationSuite))
}

func (s *StoreIntegrationSuite) seedCampaign() *extraction.Campaign {
	now := time.Now().Truncate(time.Microsecond).UTC()
	c := sampleCampaign(now)
	err := s.store.WithinTx(s.ctx, func(uow extraction.UnitOfWork) error {
		return uow.Campaigns().Save(s.ctx, c)
	})
	s.Require().NoError(err)
	return c
}

func (s *StoreIntegrationSuite) TestCampaignRoundTrip() {
	c := s.seedCampaign()

	got, err := s.store.View().Campaigns().Get(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(c.Title, got.Title)
	s.Equal(extraction.CampaignPending, got.Status)
	s.Equal(c.Config, got.Config)
	s.Nil(got.StartedAt)

	s.Require().NoError(c.Start(time.Now()))
	err = s.store.WithinTx(s.ctx, func(uow extraction.UnitOfWork) error {
		return uow.Campaigns().Save(s.ctx, c)
	})
	s.Require().NoError(err)

	got, err = s.store.View().Campaigns().Get(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(extraction.CampaignInProgress, got.Status)
	s.NotNil(got.StartedAt)
}

func (s *StoreIntegrationSuite) TestCampaignListFiltersByStatus() {
	s.seedCampaign()

	list, err := s.store.View().Campaigns().List(s.ctx, extraction.CampaignFilter{
		Status: extraction.CampaignPending,
	})
	s.Require().NoError(err)
	s.Len(list, 1)

	list, err = s.store.View().Campaigns().List(s.ctx, extraction.CampaignFilter{
		Status: extraction.CampaignArchived,
	})
	s.Require().NoError(err)
	s.Empty(list)
}

func (s *StoreIntegrationSuite) TestTaskLifecyclePersists() {
	c := s.seedCampaign()
	task := extraction.NewPlaceExtractionTask(taskID, c.ID,
		extraction.Geoname{ID: 3117735, Name: "Madrid"}, "restaurants")

	err := s.store.WithinTx(s.ctx, func(uow extraction.UnitOfWork) error {
		return uow.Tasks().SaveAll(s.ctx, []*extraction.PlaceExtractionTask{task})
	})
	s.Require().NoError(err)

	pending, err := s.store.View().Tasks().PendingOf(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Len(pending, 1)

	s.Require().NoError(task.Start(time.Now()))
	s.Require().NoError(task.Complete(time.Now()))
	err = s.store.WithinTx(s.ctx, func(uow extraction.UnitOfWork) error {
		return uow.Tasks().Save(s.ctx, task)
	})
	s.Require().NoError(err)

	counts, err := s.store.View().Tasks().StatusCounts(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(1, counts[extraction.TaskCompleted])
	s.Equal(1, task.Attempts)

	got, err := s.store.View().Tasks().Get(s.ctx, task.ID)
	s.Require().NoError(err)
	s.Equal(extraction.TaskCompleted, got.Status)
	s.NotNil(got.CompletedAt)
}

func (s *StoreIntegrationSuite) TestPlaceUpsertFoldsDuplicates() {
	c := s.seedCampaign()
	task := extraction.NewPlaceExtractionTask(taskID, c.ID,
		extraction.Geoname{ID: 3117735, Name: "Madrid"}, "restaurants")
	err := s.store.WithinTx(s.ctx, func(uow extraction.UnitOfWork) error {
		return uow.Tasks().Save(s.ctx, task)
	})
	s.Require().NoError(err)

	now := time.Now().Truncate(time.Microsecond).UTC()
	rating := 4.5
	lat, lon := 40.4168, -3.7038
	place := extraction.NewExtractedPlace(placeID, task.ID, "Madrid", extraction.PlaceRecord{
		Name:      "Casa Lucio",
		Address:   "Calle Cava Baja 35",
		Category:  "restaurant",
		Rating:    &rating,
		Latitude:  &lat,
		Longitude: &lon,
		Reviews: []extraction.ReviewRecord{
			{Author: "Ana", Rating: 5, Text: "Huevos rotos!", PostedAt: now},
		},
	}, now)
	place.Reviews[0].ID = reviewID

	err = s.store.WithinTx(s.ctx, func(uow extraction.UnitOfWork) error {
		inserted, uerr := uow.Places().Upsert(s.ctx, place)
		s.True(inserted)
		return uerr
	})
	s.Require().NoError(err)

	// Same name and address differ only in case and padding: must fold.
	dup := extraction.NewExtractedPlace("01J8C9V7S7DUPLICATE0000000", task.ID, "Madrid", extraction.PlaceRecord{
		Name:    "  casa lucio ",
		Address: "CALLE CAVA BAJA 35",
	}, now)
	err = s.store.WithinTx(s.ctx, func(uow extraction.UnitOfWork) error {
		inserted, uerr := uow.Places().Upsert(s.ctx, dup)
		s.False(inserted)
		return uerr
	})
	s.Require().NoError(err)

	n, err := s.store.View().Places().CountByCampaign(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := s.store.View().Places().Get(s.ctx, placeID)
	s.Require().NoError(err)
	s.Equal("Casa Lucio", got.Name)
	s.Require().NotNil(got.Coordinates)
	s.InDelta(40.4168, got.Coordinates.Lat, 0.0001)
	s.Require().Len(got.Reviews, 1)
	s.Equal("Ana", got.Reviews[0].Author)
}

func (s *StoreIntegrationSuite) TestReviewsCascadeWithPlace() {
	c := s.seedCampaign()
	task := extraction.NewPlaceExtractionTask(taskID, c.ID,
		extraction.Geoname{ID: 3117735, Name: "Madrid"}, "restaurants")
	err := s.store.WithinTx(s.ctx, func(uow extraction.UnitOfWork) error {
		return uow.Tasks().Save(s.ctx, task)
	})
	s.Require().NoError(err)

	now := time.Now().Truncate(time.Microsecond).UTC()
	place := extraction.NewExtractedPlace(placeID, task.ID, "Madrid", extraction.PlaceRecord{
		Name:    "Casa Lucio",
		Address: "Calle Cava Baja 35",
		Reviews: []extraction.ReviewRecord{
			{Author: "Ana", Rating: 5, Text: "Huevos rotos!", PostedAt: now},
		},
	}, now)
	place.Reviews[0].ID = reviewID
	err = s.store.WithinTx(s.ctx, func(uow extraction.UnitOfWork) error {
		_, uerr := uow.Places().Upsert(s.ctx, place)
		return uerr
	})
	s.Require().NoError(err)

	_, err = s.store.db.Exec(s.ctx, "DELETE FROM extracted_places WHERE id = $1", placeID)
	s.Require().NoError(err)

	var n int
	err = s.store.db.QueryRow(s.ctx,
		"SELECT COUNT(*) FROM extracted_place_reviews WHERE place_id = $1", placeID).Scan(&n)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *StoreIntegrationSuite) TestWithinTxRollsBack() {
	c := s.seedCampaign()

	err := s.store.WithinTx(s.ctx, func(uow extraction.UnitOfWork) error {
		task := extraction.NewPlaceExtractionTask(taskID, c.ID,
			extraction.Geoname{ID: 1, Name: "Ghost"}, "restaurants")
		if serr := uow.Tasks().Save(s.ctx, task); serr != nil {
			return serr
		}
		return context.Canceled
	})
	s.Error(err)

	tasks, err := s.store.View().Tasks().ListByCampaign(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Empty(tasks)
}
