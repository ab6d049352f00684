package syncer

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/auth"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/queue"
	"github.com/Ramsey-B/clover/pkg/redis"
)

type fixedTokens struct {
	token string
	err   error
}

func (f fixedTokens) LocationAccessToken(context.Context, string) (string, error) {
	return f.token, f.err
}

type handlerSet map[string]queue.Handler

func (h handlerSet) Register(jobType string, handler queue.Handler) {
	h[jobType] = handler
}

func newTestJobs(t *testing.T, handler http.Handler, stores *testStores, tokens TokenSource) *Jobs {
	t.Helper()
	orch := newTestOrchestrator(t, handler, stores, &recordingJobs{}, Config{})
	return NewJobs(orch, tokens, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
}

func permanentReason(t *testing.T, err error) models.DeadLetterReason {
	t.Helper()
	var perm *queue.PermanentError
	require.True(t, errors.As(err, &perm), "expected a permanent error, got %v", err)
	return perm.Reason
}

func TestJobs_Register(t *testing.T) {
	jobs := newTestJobs(t, http.NotFoundHandler(), newTestStores(), fixedTokens{token: "tok"})
	set := handlerSet{}

	jobs.Register(set)

	assert.Contains(t, set, queue.JobTypeOpportunitySync)
	assert.Contains(t, set, queue.JobTypeDetailHydration)
	assert.Contains(t, set, queue.JobTypeEntitySync)
}

func TestJobs_EntitySync(t *testing.T) {
	stores := newTestStores()
	jobs := newTestJobs(t, contactSearch(3, testLocation), stores, fixedTokens{token: "tok"})

	err := jobs.EntitySync(context.Background(), &redis.JobMessage{
		LocationID: testLocation,
		Type:       queue.JobTypeEntitySync,
		Payload:    map[string]any{"kind": "contacts"},
	})

	require.NoError(t, err)
	assert.Equal(t, 3, stores.contacts.len())
}

func TestJobs_InvalidJobsArePermanent(t *testing.T) {
	jobs := newTestJobs(t, http.NotFoundHandler(), newTestStores(), fixedTokens{token: "tok"})
	ctx := context.Background()

	err := jobs.EntitySync(ctx, &redis.JobMessage{LocationID: testLocation, Payload: map[string]any{"kind": "invoices"}})
	assert.Equal(t, models.DLQReasonInvalidJob, permanentReason(t, err))

	err = jobs.OpportunitySync(ctx, &redis.JobMessage{LocationID: testLocation, Payload: map[string]any{}})
	assert.Equal(t, models.DLQReasonInvalidJob, permanentReason(t, err))

	err = jobs.DetailHydration(ctx, &redis.JobMessage{})
	assert.Equal(t, models.DLQReasonInvalidJob, permanentReason(t, err))
}

func TestJobs_TokenErrors(t *testing.T) {
	ctx := context.Background()
	job := &redis.JobMessage{LocationID: testLocation, Payload: map[string]any{"contact_id": "contact-1"}}

	missing := newTestJobs(t, http.NotFoundHandler(), newTestStores(), fixedTokens{err: auth.ErrTokenMissing})
	assert.Equal(t, models.DLQReasonAuthError, permanentReason(t, missing.OpportunitySync(ctx, job)))

	// transient token failures stay retryable
	flaky := newTestJobs(t, http.NotFoundHandler(), newTestStores(), fixedTokens{err: errors.New("redis timeout")})
	err := flaky.OpportunitySync(ctx, job)
	require.Error(t, err)
	var perm *queue.PermanentError
	assert.False(t, errors.As(err, &perm))
}
