package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/auth"
	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/queue"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/syncer"
	"github.com/Ramsey-B/clover/pkg/webhook"
)

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newServer(register func(g *echo.Group)) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(silentLogger())
	register(e.Group("/api/v1"))
	return e
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type stubCalls struct {
	body []byte
}

func (s *stubCalls) Process(_ context.Context, body []byte) (int, *webhook.Response) {
	s.body = body
	return http.StatusOK, &webhook.Response{Status: webhook.StatusIgnored, Reason: "call shorter than 19 seconds"}
}

type stubRegistrar struct{}

func (stubRegistrar) Register(context.Context, []byte) (*models.Trigger, error) {
	return nil, repositories.NotFound("nope")
}

type stubInstaller struct {
	uninstalled bool
}

func (s *stubInstaller) Install(context.Context, []byte) (*models.Location, error) {
	return &models.Location{LocationID: "loc-1", IsInstalled: true}, nil
}

func (s *stubInstaller) Uninstall(context.Context, []byte) error {
	s.uninstalled = true
	return nil
}

func TestWebhookHandler_CallPassesProcessorStatus(t *testing.T) {
	calls := &stubCalls{}
	installer := &stubInstaller{}
	e := newServer(NewWebhookHandler(calls, stubRegistrar{}, installer).RegisterRoutes)

	rec := do(e, http.MethodPost, "/api/v1/webhooks/call-summary", `{"messageType":"CALL","callDuration":5}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messageType":"CALL","callDuration":5}`, string(calls.body))
	var resp webhook.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, webhook.StatusIgnored, resp.Status)

	rec = do(e, http.MethodPost, "/api/v1/webhooks/triggers", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/webhooks/uninstall", `{}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, installer.uninstalled)
}

type stubSyncer struct {
	kind       crm.Kind
	opts       syncer.Options
	page, size int
	limit      int
	err        error
}

func (s *stubSyncer) SyncEntity(_ context.Context, kind crm.Kind, _, _ string, opts syncer.Options) (*syncer.Result, error) {
	s.kind, s.opts = kind, opts
	return &syncer.Result{Kind: kind, Created: 2, Errors: []syncer.RecordError{}}, s.err
}

func (s *stubSyncer) SyncWindow(_ context.Context, _, _ string, page, pageSize int) (*syncer.WindowResult, error) {
	s.page, s.size = page, pageSize
	return &syncer.WindowResult{Created: pageSize, TotalAvailable: 25, HasMore: true, Errors: []syncer.RecordError{}}, nil
}

func (s *stubSyncer) HydrateDetails(_ context.Context, _, _ string, limit int) (*syncer.HydrationResult, error) {
	s.limit = limit
	return &syncer.HydrationResult{Processed: 1, Hydrated: 1, Errors: []syncer.RecordError{}}, nil
}

type stubTokens struct {
	err error
}

func (s stubTokens) LocationAccessToken(context.Context, string) (string, error) {
	return "tok", s.err
}

type queuedJob struct {
	locationID, jobType string
	payload             map[string]any
}

type stubJobs struct {
	jobs []queuedJob
}

func (s *stubJobs) Enqueue(_ context.Context, locationID, jobType string, payload map[string]any) error {
	s.jobs = append(s.jobs, queuedJob{locationID, jobType, payload})
	return nil
}

func TestSyncHandler_Sync(t *testing.T) {
	sync := &stubSyncer{}
	e := newServer(NewSyncHandler(sync, stubTokens{}, &stubJobs{}, silentLogger()).RegisterRoutes)

	rec := do(e, http.MethodPost, "/api/v1/locations/loc-1/sync/tasks?contactId=c-1", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, crm.KindTasks, sync.kind)
	assert.Equal(t, "c-1", sync.opts.ContactID)
	assert.Contains(t, rec.Body.String(), `"created":2`)

	rec = do(e, http.MethodPost, "/api/v1/locations/loc-1/sync/invoices", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncHandler_PartialSyncIsBadGateway(t *testing.T) {
	sync := &stubSyncer{err: errors.New("transport error")}
	e := newServer(NewSyncHandler(sync, stubTokens{}, &stubJobs{}, silentLogger()).RegisterRoutes)

	rec := do(e, http.MethodPost, "/api/v1/locations/loc-1/sync/contacts", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"transport error"`)
}

func TestSyncHandler_AsyncQueuesEntitySync(t *testing.T) {
	jobs := &stubJobs{}
	e := newServer(NewSyncHandler(&stubSyncer{}, stubTokens{}, jobs, silentLogger()).RegisterRoutes)

	rec := do(e, http.MethodPost, "/api/v1/locations/loc-1/sync/messages?conversationId=conv-1&async=true", "")

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, "loc-1", jobs.jobs[0].locationID)
	assert.Equal(t, queue.JobTypeEntitySync, jobs.jobs[0].jobType)
	assert.Equal(t, map[string]any{"kind": "messages", "conversation_id": "conv-1"}, jobs.jobs[0].payload)
}

func TestSyncHandler_Window(t *testing.T) {
	sync := &stubSyncer{}
	e := newServer(NewSyncHandler(sync, stubTokens{}, &stubJobs{}, silentLogger()).RegisterRoutes)

	rec := do(e, http.MethodGet, "/api/v1/locations/loc-1/contacts/window?page=2&pageSize=10", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, sync.page)
	assert.Equal(t, 10, sync.size)
	assert.Contains(t, rec.Body.String(), `"has_more":true`)

	rec = do(e, http.MethodGet, "/api/v1/locations/loc-1/contacts/window?pageSize=1000", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSyncHandler_HydrateAndTokenErrors(t *testing.T) {
	sync := &stubSyncer{}
	e := newServer(NewSyncHandler(sync, stubTokens{}, &stubJobs{}, silentLogger()).RegisterRoutes)

	rec := do(e, http.MethodPost, "/api/v1/locations/loc-1/hydrate?limit=25", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 25, sync.limit)

	e = newServer(NewSyncHandler(sync, stubTokens{err: auth.ErrTokenMissing}, &stubJobs{}, silentLogger()).RegisterRoutes)
	rec = do(e, http.MethodPost, "/api/v1/locations/loc-1/hydrate", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type stubApps struct {
	app *models.Application
}

func (s stubApps) GetByID(_ context.Context, id uuid.UUID) (*models.Application, error) {
	if s.app == nil || s.app.ID != id {
		return nil, repositories.NotFound("application %s does not exist", id)
	}
	return s.app, nil
}

type stubRefresher struct {
	err error
}

func (s stubRefresher) RefreshAgencyToken(_ context.Context, app *models.Application) error {
	if s.err != nil {
		return s.err
	}
	token := "fresh"
	expiry := time.Now().Add(time.Hour)
	app.AccessToken, app.TokenExpiry = &token, &expiry
	return nil
}

func TestApplicationHandler_TokenStatus(t *testing.T) {
	token, refresh := "secret-token", "secret-refresh"
	expired := time.Now().Add(-time.Minute)
	app := &models.Application{ID: uuid.New(), AccessToken: &token, RefreshToken: &refresh, TokenExpiry: &expired}
	e := newServer(NewApplicationHandler(stubApps{app: app}, stubRefresher{}).RegisterRoutes)

	rec := do(e, http.MethodGet, "/api/v1/applications/"+app.ID.String()+"/token", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
	var status TokenStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, models.TokenStatusExpired, status.Status)
	assert.True(t, status.HasRefreshToken)

	rec = do(e, http.MethodPost, "/api/v1/applications/"+app.ID.String()+"/token/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, models.TokenStatusValid, status.Status)

	rec = do(e, http.MethodGet, "/api/v1/applications/not-a-uuid/token", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(e, http.MethodGet, "/api/v1/applications/"+uuid.NewString()+"/token", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApplicationHandler_RefreshFailures(t *testing.T) {
	app := &models.Application{ID: uuid.New()}
	path := "/api/v1/applications/" + app.ID.String() + "/token/refresh"

	e := newServer(NewApplicationHandler(stubApps{app: app}, stubRefresher{err: auth.ErrTokenExpired}).RegisterRoutes)
	assert.Equal(t, http.StatusConflict, do(e, http.MethodPost, path, "").Code)

	rejected := &httpclient.StatusError{Method: http.MethodPost, URL: "/oauth/token", StatusCode: http.StatusUnauthorized}
	e = newServer(NewApplicationHandler(stubApps{app: app}, stubRefresher{err: rejected}).RegisterRoutes)
	assert.Equal(t, http.StatusBadGateway, do(e, http.MethodPost, path, "").Code)
}

type stubDLQ struct {
	entries []redis.DLQEntry
}

func (s *stubDLQ) List(context.Context, int64) ([]redis.DLQEntry, error) {
	return s.entries, nil
}

func (s *stubDLQ) Get(_ context.Context, id string) (*redis.DLQEntry, error) {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return &s.entries[i], nil
		}
	}
	return nil, nil
}

func (s *stubDLQ) Count(context.Context) (int64, error) {
	return int64(len(s.entries)), nil
}

func (s *stubDLQ) Retry(context.Context, string, *redis.Streams, string) error {
	return nil
}

func (s *stubDLQ) Delete(context.Context, string) error {
	return nil
}

func TestDLQHandler_ListFilters(t *testing.T) {
	dlq := &stubDLQ{entries: []redis.DLQEntry{
		{ID: "1-0", LocationID: "loc-1", JobType: queue.JobTypeOpportunitySync},
		{ID: "2-0", LocationID: "loc-2", JobType: queue.JobTypeOpportunitySync},
		{ID: "3-0", LocationID: "loc-1", JobType: queue.JobTypeDetailHydration},
	}}
	e := newServer(NewDLQHandler(dlq, nil, "jobs", silentLogger()).RegisterRoutes)

	rec := do(e, http.MethodGet, "/api/v1/dlq?locationId=loc-1&jobType=detail_hydration", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp DLQListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "3-0", resp.Entries[0].ID)
	assert.EqualValues(t, 3, resp.Total)

	assert.Equal(t, http.StatusNotFound, do(e, http.MethodGet, "/api/v1/dlq/9-0", "").Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodPost, "/api/v1/dlq/1-0/retry", "").Code)
}

func TestDLQHandler_ReasonFilterAndBounds(t *testing.T) {
	dlq := &stubDLQ{entries: []redis.DLQEntry{
		{ID: "1-0", LocationID: "loc-1", JobType: queue.JobTypeOpportunitySync, Reason: models.DLQReasonAuthError},
		{ID: "2-0", LocationID: "loc-1", JobType: queue.JobTypeOpportunitySync, Reason: models.DLQReasonMaxRetries},
	}}
	e := newServer(NewDLQHandler(dlq, nil, "jobs", silentLogger()).RegisterRoutes)

	rec := do(e, http.MethodGet, "/api/v1/dlq?reason="+string(models.DLQReasonAuthError), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DLQListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "1-0", resp.Entries[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(e, http.MethodGet, "/api/v1/dlq?count=5000", "").Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodPost, "/api/v1/dlq/9-0/retry", "").Code)
}
