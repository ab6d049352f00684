package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/auth"
	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/queue"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

// TokenSource issues location access tokens for queued work.
type TokenSource interface {
	LocationAccessToken(ctx context.Context, locationID string) (string, error)
}

// JobRegistry is where job handlers are bound to job types.
type JobRegistry interface {
	Register(jobType string, handler queue.Handler)
}

// Jobs runs the orchestrator's queued work: per-contact opportunity syncs, detail hydration and
// whole-kind syncs.
type Jobs struct {
	orch   *Orchestrator
	tokens TokenSource
	logger ectologger.Logger
}

func NewJobs(orch *Orchestrator, tokens TokenSource, logger ectologger.Logger) *Jobs {
	return &Jobs{orch: orch, tokens: tokens, logger: logger}
}

func (j *Jobs) Register(r JobRegistry) {
	r.Register(queue.JobTypeOpportunitySync, j.OpportunitySync)
	r.Register(queue.JobTypeDetailHydration, j.DetailHydration)
	r.Register(queue.JobTypeEntitySync, j.EntitySync)
}

// OpportunitySync syncs one contact's opportunities. Payload: contact_id.
func (j *Jobs) OpportunitySync(ctx context.Context, job *redis.JobMessage) error {
	contactID := queue.PayloadString(job, "contact_id")
	if contactID == "" {
		return queue.Permanent(models.DLQReasonInvalidJob, errors.New("opportunity sync job has no contact_id"))
	}
	token, err := j.token(ctx, job)
	if err != nil {
		return err
	}
	result, err := j.orch.SyncEntity(ctx, crm.KindOpportunities, job.LocationID, token, Options{ContactID: contactID})
	if err != nil {
		return err
	}
	j.logOutcome(ctx, job, result.Created, result.Updated, len(result.Errors))
	return nil
}

// DetailHydration runs one hydration batch. Payload: limit (optional).
func (j *Jobs) DetailHydration(ctx context.Context, job *redis.JobMessage) error {
	token, err := j.token(ctx, job)
	if err != nil {
		return err
	}
	result, err := j.orch.HydrateDetails(ctx, job.LocationID, token, queue.PayloadInt(job, "limit", 0))
	if err != nil {
		return err
	}
	j.logOutcome(ctx, job, 0, result.Hydrated, result.Failed)
	return nil
}

// EntitySync drains one kind. Payload: kind, and contact_id or conversation_id for nested kinds.
func (j *Jobs) EntitySync(ctx context.Context, job *redis.JobMessage) error {
	kind, err := crm.ParseKind(queue.PayloadString(job, "kind"))
	if err != nil {
		return queue.Permanent(models.DLQReasonInvalidJob, err)
	}
	token, err := j.token(ctx, job)
	if err != nil {
		return err
	}
	opts := Options{
		ContactID:      queue.PayloadString(job, "contact_id"),
		ConversationID: queue.PayloadString(job, "conversation_id"),
	}
	result, err := j.orch.SyncEntity(ctx, kind, job.LocationID, token, opts)
	if err != nil {
		return err
	}
	j.logOutcome(ctx, job, result.Created, result.Updated, len(result.Errors))
	return nil
}

// token resolves the job's location token. Missing credentials and unknown locations will not
// heal by retrying.
func (j *Jobs) token(ctx context.Context, job *redis.JobMessage) (string, error) {
	if job.LocationID == "" {
		return "", queue.Permanent(models.DLQReasonInvalidJob, errors.New("job has no location_id"))
	}
	token, err := j.tokens.LocationAccessToken(ctx, job.LocationID)
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, auth.ErrTokenMissing), errors.Is(err, auth.ErrTokenExpired):
		return "", queue.Permanent(models.DLQReasonAuthError, err)
	case repositories.IsNotFound(err):
		return "", queue.Permanent(models.DLQReasonInvalidJob, err)
	}
	return "", fmt.Errorf("location token: %w", err)
}

func (j *Jobs) logOutcome(ctx context.Context, job *redis.JobMessage, created, updated, failed int) {
	j.logger.WithContext(ctx).WithFields(map[string]any{
		"job_type":    job.Type,
		"location_id": job.LocationID,
		"created":     created,
		"updated":     updated,
		"failed":      failed,
	}).Info("job finished")
}
