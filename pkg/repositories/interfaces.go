package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

// RecordStore is the external-id keyed store the sync orchestrator upserts through.
type RecordStore[T any, P models.RecordPtr[T]] interface {
	GetByExternalID(ctx context.Context, locationID, externalID string) (P, error)
	Create(ctx context.Context, record P) error
	Write(ctx context.Context, record P) error
}

// ContactRepo defines the interface for contact repository operations
type ContactRepo interface {
	RecordStore[models.Contact, *models.Contact]
	CountByLocation(ctx context.Context, locationID string) (int, error)
	ListPendingDetails(ctx context.Context, locationID string, limit int) ([]models.Contact, error)
	MarkDetailsFetched(ctx context.Context, locationID, externalID string) error
	Touch(ctx context.Context, locationID, externalID string, at time.Time) error
	SetLeadScore(ctx context.Context, locationID, externalID string, score int) error
}

// TranscriptSegmentRepo defines the interface for transcript segment repository operations
type TranscriptSegmentRepo interface {
	RecordStore[models.TranscriptSegment, *models.TranscriptSegment]
	ListByMessage(ctx context.Context, locationID, messageExternalID string) ([]models.TranscriptSegment, error)
}

// ApplicationRepo defines the interface for application repository operations
type ApplicationRepo interface {
	Create(ctx context.Context, app *models.Application) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Application, error)
	GetActiveByClient(ctx context.Context, clientID, appID string) (*models.Application, error)
	GetForLocation(ctx context.Context, locationID string) (*models.Application, error)
	UpdateTokens(ctx context.Context, app *models.Application) error
	LinkLocation(ctx context.Context, applicationID uuid.UUID, locationID string) error
}

// LocationRepo defines the interface for location repository operations
type LocationRepo interface {
	GetByLocationID(ctx context.Context, locationID string) (*models.Location, error)
	Upsert(ctx context.Context, location *models.Location) error
	SetInstalled(ctx context.Context, locationID string, installed bool) error
	ListInstalled(ctx context.Context) ([]models.Location, error)
}

// TriggerRepo defines the interface for trigger repository operations
type TriggerRepo interface {
	GetByExternalID(ctx context.Context, externalID string) (*models.Trigger, error)
	Upsert(ctx context.Context, trigger *models.Trigger) error
	ListActiveByLocation(ctx context.Context, locationID, eventType string) ([]models.Trigger, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

// UsageLogRepo defines the interface for usage log repository operations
type UsageLogRepo interface {
	Start(ctx context.Context, log *models.UsageLog) error
	Finish(ctx context.Context, log *models.UsageLog) error
}

// CallSummaryRepo defines the interface for call summary repository operations
type CallSummaryRepo interface {
	Upsert(ctx context.Context, summary *models.CallSummary) error
}

var (
	_ ContactRepo           = (*ContactRepository)(nil)
	_ TranscriptSegmentRepo = (*TranscriptSegmentRepository)(nil)
	_ ApplicationRepo       = (*ApplicationRepository)(nil)
	_ LocationRepo          = (*LocationRepository)(nil)
	_ TriggerRepo           = (*TriggerRepository)(nil)
	_ UsageLogRepo          = (*UsageLogRepository)(nil)
	_ CallSummaryRepo       = (*CallSummaryRepository)(nil)

	_ RecordStore[models.Message, *models.Message] = (*RecordRepository[models.Message, *models.Message])(nil)
)
