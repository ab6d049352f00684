package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	usageLogsTable     = "usage_logs"
	callSummariesTable = "call_summaries"
)

var (
	usageLogStruct    = database.NewStruct(new(models.UsageLog))
	callSummaryStruct = database.NewStruct(new(models.CallSummary))
)

// ErrUsageLogFinalized is returned when completing a usage log that already left pending.
var ErrUsageLogFinalized = errors.New("usage log is already finalized")

type UsageLogRepository struct {
	*Repository
}

func NewUsageLogRepository(db database.DB, logger ectologger.Logger) *UsageLogRepository {
	return &UsageLogRepository{
		Repository: NewRepository(db, logger),
	}
}

// Start inserts a pending usage log.
func (r *UsageLogRepository) Start(ctx context.Context, log *models.UsageLog) error {
	ctx, span := tracing.StartSpan(ctx, "UsageLogRepository.Start")
	defer span.End()

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	log.Status = models.UsageStatusPending
	log.CreatedAt = time.Now().UTC()
	if log.StartedAt.IsZero() {
		log.StartedAt = log.CreatedAt
	}

	ib := usageLogStruct.InsertInto(usageLogsTable, log)
	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		if conflict := database.AsConflict(err, usageLogsTable, log.RequestID); conflict != nil {
			return conflict
		}
		r.logger.WithContext(ctx).WithError(err).WithField("request_id", log.RequestID).Error("failed to create usage log")
		return internalError("failed to create usage log")
	}
	return nil
}

// Finish records the outcome of a pending usage log. Finished logs are never rewritten.
func (r *UsageLogRepository) Finish(ctx context.Context, log *models.UsageLog) error {
	ctx, span := tracing.StartSpan(ctx, "UsageLogRepository.Finish")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(usageLogsTable).
		Set(
			ub.Assign("input_tokens", log.InputTokens),
			ub.Assign("output_tokens", log.OutputTokens),
			ub.Assign("cost", log.Cost),
			ub.Assign("status", log.Status),
			ub.Assign("error_message", log.ErrorMessage),
			ub.Assign("completed_at", log.CompletedAt),
			ub.Assign("duration_ms", log.DurationMs),
		).
		Where(ub.Equal("request_id", log.RequestID), ub.Equal("status", models.UsageStatusPending))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("request_id", log.RequestID).Error("failed to finish usage log")
		return internalError("failed to finish usage log")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrUsageLogFinalized
	}
	return nil
}

type CallSummaryRepository struct {
	*Repository
}

func NewCallSummaryRepository(db database.DB, logger ectologger.Logger) *CallSummaryRepository {
	return &CallSummaryRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert stores the latest summary for a call message.
func (r *CallSummaryRepository) Upsert(ctx context.Context, summary *models.CallSummary) error {
	ctx, span := tracing.StartSpan(ctx, "CallSummaryRepository.Upsert")
	defer span.End()

	if summary.ID == uuid.Nil {
		summary.ID = uuid.New()
	}
	now := time.Now().UTC()
	summary.CreatedAt = now
	summary.UpdatedAt = now

	ib := callSummaryStruct.InsertInto(callSummariesTable, summary)
	ub := ib.OnConflict("location_id", "message_external_id")
	ub.Set(
		ub.Assign("summary", database.Excluded("summary")),
		ub.Assign("keywords", database.Excluded("keywords")),
		ub.Assign("sentiment", database.Excluded("sentiment")),
		ub.Assign("action_items", database.Excluded("action_items")),
		ub.Assign("confidence_score", database.Excluded("confidence_score")),
		ub.Assign("duration_analyzed", database.Excluded("duration_analyzed")),
		ub.Assign("speakers_detected", database.Excluded("speakers_detected")),
		ub.Assign("grade", database.Excluded("grade")),
		ub.Assign("call_status", database.Excluded("call_status")),
		ub.Assign("updated_at", now),
	)

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("message_external_id", summary.MessageExternalID).Error("failed to upsert call summary")
		return internalError("failed to upsert call summary")
	}
	return nil
}
