package repositories

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type ContactRepository struct {
	*RecordRepository[models.Contact, *models.Contact]
}

func NewContactRepository(db database.DB, logger ectologger.Logger) *ContactRepository {
	return &ContactRepository{
		RecordRepository: NewRecordRepository[models.Contact](db, logger),
	}
}

// ListPendingDetails returns contacts whose tasks and conversations have not been hydrated yet.
func (r *ContactRepository) ListPendingDetails(ctx context.Context, locationID string, limit int) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "ContactRepository.ListPendingDetails")
	defer span.End()

	sb := r.fields.SelectFrom(r.table)
	sb.Where(sb.Equal("location_id", locationID), sb.Equal("details_fetched", false))
	sb.OrderBy("created_at", "external_id")
	sb.Limit(limit)

	query, args := sb.Build()
	contacts := []models.Contact{}
	if err := r.DB().SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("location_id", locationID).Error("failed to list contacts pending hydration")
		return nil, internalError("failed to list contacts pending hydration")
	}
	return contacts, nil
}

func (r *ContactRepository) MarkDetailsFetched(ctx context.Context, locationID, externalID string) error {
	ctx, span := tracing.StartSpan(ctx, "ContactRepository.MarkDetailsFetched")
	defer span.End()

	return r.set(ctx, locationID, externalID, "failed to mark contact hydrated", func(ub *database.UpdateBuilder) []string {
		return []string{ub.Assign("details_fetched", true)}
	})
}

// Touch records call activity on the contact.
func (r *ContactRepository) Touch(ctx context.Context, locationID, externalID string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "ContactRepository.Touch")
	defer span.End()

	return r.set(ctx, locationID, externalID, "failed to touch contact", func(ub *database.UpdateBuilder) []string {
		return []string{ub.Assign("last_activity", at), ub.Assign("last_call_at", at)}
	})
}

func (r *ContactRepository) SetLeadScore(ctx context.Context, locationID, externalID string, score int) error {
	ctx, span := tracing.StartSpan(ctx, "ContactRepository.SetLeadScore")
	defer span.End()

	return r.set(ctx, locationID, externalID, "failed to set lead score", func(ub *database.UpdateBuilder) []string {
		return []string{ub.Assign("lead_score", score)}
	})
}

func (r *ContactRepository) set(ctx context.Context, locationID, externalID, failure string, assignments func(ub *database.UpdateBuilder) []string) error {
	ub := database.NewUpdateBuilder()
	ub.Update(r.table).
		Set(append(assignments(ub), ub.Assign("updated_at", database.Now()))...).
		Where(ub.Equal("location_id", locationID), ub.Equal("external_id", externalID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"location_id": locationID,
			"external_id": externalID,
		}).Error(failure)
		return internalError("%s", failure)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "contact %s does not exist in location %s", externalID, locationID)
	}
	return nil
}

type TranscriptSegmentRepository struct {
	*RecordRepository[models.TranscriptSegment, *models.TranscriptSegment]
}

func NewTranscriptSegmentRepository(db database.DB, logger ectologger.Logger) *TranscriptSegmentRepository {
	return &TranscriptSegmentRepository{
		RecordRepository: NewRecordRepository[models.TranscriptSegment](db, logger),
	}
}

// ListByMessage returns a call's segments ordered by sentence index.
func (r *TranscriptSegmentRepository) ListByMessage(ctx context.Context, locationID, messageExternalID string) ([]models.TranscriptSegment, error) {
	ctx, span := tracing.StartSpan(ctx, "TranscriptSegmentRepository.ListByMessage")
	defer span.End()

	sb := r.fields.SelectFrom(r.table)
	sb.Where(sb.Equal("location_id", locationID), sb.Equal("message_external_id", messageExternalID))
	sb.OrderBy("sentence_index")

	query, args := sb.Build()
	segments := []models.TranscriptSegment{}
	if err := r.DB().SelectContext(ctx, &segments, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("message_external_id", messageExternalID).Error("failed to list transcript segments")
		return nil, internalError("failed to list transcript segments")
	}
	return segments, nil
}

func NewConversationRepository(db database.DB, logger ectologger.Logger) *RecordRepository[models.Conversation, *models.Conversation] {
	return NewRecordRepository[models.Conversation](db, logger)
}

func NewMessageRepository(db database.DB, logger ectologger.Logger) *RecordRepository[models.Message, *models.Message] {
	return NewRecordRepository[models.Message](db, logger)
}

func NewOpportunityRepository(db database.DB, logger ectologger.Logger) *RecordRepository[models.Opportunity, *models.Opportunity] {
	return NewRecordRepository[models.Opportunity](db, logger)
}

func NewTaskRepository(db database.DB, logger ectologger.Logger) *RecordRepository[models.Task, *models.Task] {
	return NewRecordRepository[models.Task](db, logger)
}
