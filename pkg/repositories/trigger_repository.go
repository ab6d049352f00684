package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const triggersTable = "triggers"

var triggerStruct = database.NewStruct(new(models.Trigger))

// ErrTriggerNotActive is returned when an inactive or failed trigger is asked to run.
var ErrTriggerNotActive = errors.New("trigger is not active")

type TriggerRepository struct {
	*Repository
}

func NewTriggerRepository(db database.DB, logger ectologger.Logger) *TriggerRepository {
	return &TriggerRepository{
		Repository: NewRepository(db, logger),
	}
}

func (r *TriggerRepository) GetByExternalID(ctx context.Context, externalID string) (*models.Trigger, error) {
	ctx, span := tracing.StartSpan(ctx, "TriggerRepository.GetByExternalID")
	defer span.End()

	sb := triggerStruct.SelectFrom(triggersTable)
	sb.Where(sb.Equal("external_id", externalID))

	query, args := sb.Build()
	var trigger models.Trigger
	err := r.DB().GetContext(ctx, &trigger, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "trigger %s does not exist", externalID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("trigger_external_id", externalID).Error("failed to get trigger")
		return nil, internalError("failed to get trigger")
	}
	return &trigger, nil
}

// Upsert writes a trigger registration keyed by external_id. Counters and last_triggered survive re-registration.
func (r *TriggerRepository) Upsert(ctx context.Context, trigger *models.Trigger) error {
	ctx, span := tracing.StartSpan(ctx, "TriggerRepository.Upsert")
	defer span.End()

	if trigger.ID == uuid.Nil {
		trigger.ID = uuid.New()
	}
	now := time.Now().UTC()
	trigger.CreatedAt = now
	trigger.UpdatedAt = now
	if trigger.Filters.Data == nil {
		trigger.Filters = database.NewJSONB([]models.TriggerFilter{})
	}

	ib := triggerStruct.InsertInto(triggersTable, trigger)
	ub := ib.OnConflict("external_id")
	ub.Set(
		ub.Assign(`"key"`, database.Excluded(`"key"`)),
		ub.Assign("event_type", database.Excluded("event_type")),
		ub.Assign("target_url", database.Excluded("target_url")),
		ub.Assign("filters", database.Excluded("filters")),
		ub.Assign("location_id", database.Excluded("location_id")),
		ub.Assign("workflow_id", database.Excluded("workflow_id")),
		ub.Assign("company_id", database.Excluded("company_id")),
		ub.Assign("version", database.Excluded("version")),
		ub.Assign("status", database.Excluded("status")),
		ub.Assign("error_message", database.Excluded("error_message")),
		ub.Assign("updated_at", now),
	)
	ib.Returning("id", "created_at", "trigger_count", "last_triggered")

	query, args := ib.Build()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRowContext(ctx, query, args...).Scan(&trigger.ID, &trigger.CreatedAt, &trigger.TriggerCount, &trigger.LastTriggered)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("trigger_external_id", trigger.ExternalID).Error("failed to upsert trigger")
		return internalError("failed to upsert trigger")
	}

	if err := tx.Commit(ctx); err != nil {
		return internalError("failed to upsert trigger")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"trigger_external_id": trigger.ExternalID,
		"status":              trigger.Status,
	}).Debugf("Upserted %s", triggersTable)
	return nil
}

// ListActiveByLocation returns a location's runnable triggers (active or processing), optionally
// narrowed to an event type.
func (r *TriggerRepository) ListActiveByLocation(ctx context.Context, locationID, eventType string) ([]models.Trigger, error) {
	ctx, span := tracing.StartSpan(ctx, "TriggerRepository.ListActiveByLocation")
	defer span.End()

	sb := triggerStruct.SelectFrom(triggersTable)
	sb.Where(sb.Equal("location_id", locationID), sb.In("status", runnable()...))
	if eventType != "" {
		sb.Where(sb.Or(sb.Equal("event_type", eventType), sb.Equal("event_type", "")))
	}
	sb.OrderBy("created_at")

	query, args := sb.Build()
	triggers := []models.Trigger{}
	if err := r.DB().SelectContext(ctx, &triggers, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("location_id", locationID).Error("failed to list active triggers")
		return nil, internalError("failed to list active triggers")
	}
	return triggers, nil
}

// MarkProcessing moves a runnable trigger to processing. A trigger already processing accepts
// another run; inactive and error triggers return ErrTriggerNotActive.
func (r *TriggerRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "TriggerRepository.MarkProcessing")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(triggersTable).
		Set(ub.Assign("status", models.TriggerStatusProcessing), ub.Assign("updated_at", database.Now())).
		Where(ub.Equal("id", id), ub.In("status", runnable()...))

	return r.transition(ctx, ub, id, "failed to mark trigger processing")
}

// MarkSucceeded returns the trigger to active and counts the run. An overlapping run may already
// have returned it to active.
func (r *TriggerRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "TriggerRepository.MarkSucceeded")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(triggersTable).
		Set(
			ub.Assign("status", models.TriggerStatusActive),
			"trigger_count = trigger_count + 1",
			ub.Assign("last_triggered", at),
			ub.Assign("error_message", nil),
			ub.Assign("updated_at", database.Now()),
		).
		Where(ub.Equal("id", id), ub.In("status", runnable()...))

	return r.transition(ctx, ub, id, "failed to mark trigger succeeded")
}

// MarkFailed moves a running trigger to error with message.
func (r *TriggerRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	ctx, span := tracing.StartSpan(ctx, "TriggerRepository.MarkFailed")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(triggersTable).
		Set(
			ub.Assign("status", models.TriggerStatusError),
			ub.Assign("error_message", message),
			ub.Assign("updated_at", database.Now()),
		).
		Where(ub.Equal("id", id), ub.In("status", runnable()...))

	return r.transition(ctx, ub, id, "failed to mark trigger failed")
}

func runnable() []any {
	out := make([]any, len(models.RunnableTriggerStatuses))
	for i, s := range models.RunnableTriggerStatuses {
		out[i] = s
	}
	return out
}

func (r *TriggerRepository) transition(ctx context.Context, ub *database.UpdateBuilder, id uuid.UUID, failure string) error {
	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("trigger_id", id).Error(failure)
		return internalError("%s", failure)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrTriggerNotActive
	}
	return nil
}
