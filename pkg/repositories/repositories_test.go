package repositories_test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

var (
	pgOnce      sync.Once
	pgContainer testcontainers.Container
	pgDB        *sqlx.DB
	pgErr       error
)

func TestMain(m *testing.M) {
	flag.Parse()
	code := m.Run()
	if pgContainer != nil {
		_ = pgContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func startPostgres(ctx context.Context) (*sqlx.DB, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "clover",
			"POSTGRES_PASSWORD": "clover",
			"POSTGRES_DB":       "clover",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres: %w", err)
	}
	pgContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, err
	}

	db, err := database.Connect(ctx, database.ConnectionConfig{
		Host:     host,
		Port:     port.Port(),
		User:     "clover",
		Password: "clover",
		Name:     "clover",
		SSLMode:  "disable",
	})
	if err != nil {
		return nil, err
	}

	migrations := database.NewMigrationService(getTestLogger(), database.MigrationConfig{FolderPath: "../../db/pg"})
	if err := migrations.Migrate(db.DB, "clover"); err != nil {
		return nil, err
	}
	return db, nil
}

func getTestDB(t *testing.T) database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pgOnce.Do(func() {
		pgDB, pgErr = startPostgres(context.Background())
	})
	require.NoError(t, pgErr, "Failed to start test database")

	return database.NewDatabaseInstance(pgDB, getTestLogger())
}

// assertNotFound asserts that err is an HTTP 404 error
func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err), "expected 404, got: %d", httperror.GetStatusCode(err))
}

func createLocation(t *testing.T, ctx context.Context, db database.DB) string {
	t.Helper()
	locationID := "loc-" + uuid.NewString()[:8]
	repo := repositories.NewLocationRepository(db, getTestLogger())
	require.NoError(t, repo.Upsert(ctx, &models.Location{LocationID: locationID, Name: "Test Location", IsInstalled: true}))
	return locationID
}

func TestContactRepository_CreateWriteAndConflict(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	locationID := createLocation(t, ctx, db)
	repo := repositories.NewContactRepository(db, getTestLogger())

	_, err := repo.GetByExternalID(ctx, locationID, "c-1")
	assertNotFound(t, err)

	contact := &models.Contact{FirstName: "Ada", Tags: database.NewJSONB([]string{"lead"})}
	contact.LocationID = locationID
	contact.ExternalID = "c-1"
	require.NoError(t, repo.Create(ctx, contact))

	duplicate := &models.Contact{FirstName: "Other"}
	duplicate.LocationID = locationID
	duplicate.ExternalID = "c-1"
	err = repo.Create(ctx, duplicate)
	require.Error(t, err)
	assert.True(t, errors.Is(err, database.ErrConflict))

	update := &models.Contact{FirstName: "Ada", LastName: "Lovelace", Tags: database.NewJSONB([]string{"lead", "vip"})}
	update.LocationID = locationID
	update.ExternalID = "c-1"
	require.NoError(t, repo.Write(ctx, update))
	assert.Equal(t, contact.ID, update.ID)

	found, err := repo.GetByExternalID(ctx, locationID, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "Lovelace", found.LastName)
	assert.Equal(t, []string{"lead", "vip"}, found.Tags.Data)
	assert.False(t, found.DetailsFetched)

	pending, err := repo.ListPendingDetails(ctx, locationID, 50)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.MarkDetailsFetched(ctx, locationID, "c-1"))
	pending, err = repo.ListPendingDetails(ctx, locationID, 50)
	require.NoError(t, err)
	assert.Empty(t, pending)

	count, err := repo.CountByLocation(ctx, locationID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTranscriptSegmentRepository_RejectsInvalidTiming(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	locationID := createLocation(t, ctx, db)
	repo := repositories.NewTranscriptSegmentRepository(db, getTestLogger())

	for i, start := range []float64{4, 0} {
		segment := &models.TranscriptSegment{MessageExternalID: "m-1", SentenceIndex: i, StartTime: start, EndTime: start + 2, Confidence: 0.9}
		segment.LocationID = locationID
		segment.ExternalID = fmt.Sprintf("m-1:%d", i)
		require.NoError(t, repo.Create(ctx, segment))
	}

	bad := &models.TranscriptSegment{MessageExternalID: "m-1", SentenceIndex: 2, StartTime: 5, EndTime: 5, Confidence: 0.5}
	bad.LocationID = locationID
	bad.ExternalID = "m-1:2"
	require.Error(t, repo.Create(ctx, bad))

	segments, err := repo.ListByMessage(ctx, locationID, "m-1")
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, 0, segments[0].SentenceIndex)
	assert.Equal(t, 1, segments[1].SentenceIndex)
}

func TestApplicationRepository_ActiveUniquenessAndTokens(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := repositories.NewApplicationRepository(db, getTestLogger())
	clientID := "client-" + uuid.NewString()[:8]

	app := &models.Application{ClientID: clientID, ClientSecret: "secret", AppID: "app", IsActive: true}
	require.NoError(t, repo.Create(ctx, app))

	second := &models.Application{ClientID: clientID, ClientSecret: "secret", AppID: "app", IsActive: true}
	err := repo.Create(ctx, second)
	assert.True(t, errors.Is(err, database.ErrConflict))

	inactive := &models.Application{ClientID: clientID, ClientSecret: "secret", AppID: "app", IsActive: false}
	require.NoError(t, repo.Create(ctx, inactive))

	token, refresh := "access", "refresh"
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	app.AccessToken, app.RefreshToken, app.TokenExpiry = &token, &refresh, &expiry
	require.NoError(t, repo.UpdateTokens(ctx, app))

	locationID := createLocation(t, ctx, db)
	require.NoError(t, repo.LinkLocation(ctx, app.ID, locationID))
	require.NoError(t, repo.LinkLocation(ctx, app.ID, locationID))

	found, err := repo.GetForLocation(ctx, locationID)
	require.NoError(t, err)
	assert.Equal(t, app.ID, found.ID)
	require.NotNil(t, found.AccessToken)
	assert.Equal(t, "access", *found.AccessToken)
	assert.True(t, expiry.Equal(*found.TokenExpiry))
}

func TestTriggerRepository_Lifecycle(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := repositories.NewTriggerRepository(db, getTestLogger())
	externalID := "trg-" + uuid.NewString()[:8]

	trigger := &models.Trigger{ExternalID: externalID, Key: "call-processing", LocationID: "loc-1", Status: models.TriggerStatusActive}
	require.NoError(t, repo.Upsert(ctx, trigger))

	// overlapping runs both enter processing, and a processing trigger is still listed
	require.NoError(t, repo.MarkProcessing(ctx, trigger.ID))
	require.NoError(t, repo.MarkProcessing(ctx, trigger.ID))
	listed, err := repo.ListActiveByLocation(ctx, "loc-1", "")
	require.NoError(t, err)
	assert.True(t, containsTrigger(listed, externalID))

	require.NoError(t, repo.MarkSucceeded(ctx, trigger.ID, time.Now()))
	require.NoError(t, repo.MarkFailed(ctx, trigger.ID, "boom"))

	found, err := repo.GetByExternalID(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerStatusError, found.Status)
	require.NotNil(t, found.ErrorMessage)
	assert.ErrorIs(t, repo.MarkProcessing(ctx, trigger.ID), repositories.ErrTriggerNotActive)
	listed, err = repo.ListActiveByLocation(ctx, "loc-1", "")
	require.NoError(t, err)
	assert.False(t, containsTrigger(listed, externalID))

	// re-registration reactivates and clears the error
	trigger.Status = models.TriggerStatusActive
	trigger.ErrorMessage = nil
	require.NoError(t, repo.Upsert(ctx, trigger))

	require.NoError(t, repo.MarkProcessing(ctx, trigger.ID))
	require.NoError(t, repo.MarkSucceeded(ctx, trigger.ID, time.Now()))

	found, err = repo.GetByExternalID(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerStatusActive, found.Status)
	assert.Equal(t, 2, found.TriggerCount)
	assert.Nil(t, found.ErrorMessage)
	assert.NotNil(t, found.LastTriggered)
}

func containsTrigger(triggers []models.Trigger, externalID string) bool {
	for _, t := range triggers {
		if t.ExternalID == externalID {
			return true
		}
	}
	return false
}

func TestUsageLogRepository_ImmutableOnceFinished(t *testing.T) {
	db := getTestDB(t)
	ctx := context.Background()
	repo := repositories.NewUsageLogRepository(db, getTestLogger())

	log := &models.UsageLog{RequestID: uuid.NewString(), Model: "gpt-4o-mini"}
	require.NoError(t, repo.Start(ctx, log))

	now := time.Now()
	log.Status = models.UsageStatusSuccess
	log.InputTokens, log.OutputTokens = 120, 40
	log.CompletedAt = &now
	require.NoError(t, repo.Finish(ctx, log))

	log.Status = models.UsageStatusFailed
	assert.ErrorIs(t, repo.Finish(ctx, log), repositories.ErrUsageLogFinalized)

	assert.ErrorIs(t, repo.Start(ctx, &models.UsageLog{RequestID: log.RequestID}), database.ErrConflict)
}
