package handlers

import (
	"context"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/validation"
)

// DeadLetters is the dead letter stream of the sync job queue.
type DeadLetters interface {
	List(ctx context.Context, count int64) ([]redis.DLQEntry, error)
	Get(ctx context.Context, messageID string) (*redis.DLQEntry, error)
	Count(ctx context.Context) (int64, error)
	Retry(ctx context.Context, messageID string, jobQueue *redis.Streams, queueName string) error
	Delete(ctx context.Context, messageID string) error
}

// DLQHandler lets operators inspect and replay sync jobs that exhausted their retries.
type DLQHandler struct {
	dlq      DeadLetters
	streams  *redis.Streams
	jobQueue string
	logger   ectologger.Logger
}

func NewDLQHandler(dlq DeadLetters, streams *redis.Streams, jobQueue string, logger ectologger.Logger) *DLQHandler {
	return &DLQHandler{
		dlq:      dlq,
		streams:  streams,
		jobQueue: jobQueue,
		logger:   logger,
	}
}

// DLQQuery narrows a listing to one location, job type or failure reason.
type DLQQuery struct {
	Count      int64                   `query:"count" validate:"omitempty,min=1,max=1000"`
	LocationID string                  `query:"locationId"`
	JobType    string                  `query:"jobType"`
	Reason     models.DeadLetterReason `query:"reason"`
}

type DLQListResponse struct {
	Entries []redis.DLQEntry `json:"entries"`
	Count   int              `json:"count"`
	Total   int64            `json:"total"`
}

type DLQRetryResponse struct {
	ID       string `json:"id"`
	JobType  string `json:"job_type"`
	Location string `json:"location_id"`
	Queue    string `json:"queue"`
}

func (h *DLQHandler) RegisterRoutes(g *echo.Group) {
	dlq := g.Group("/dlq")
	dlq.GET("", h.List)
	dlq.GET("/:id", h.Get)
	dlq.POST("/:id/retry", h.Retry)
	dlq.DELETE("/:id", h.Delete)
}

// List handles GET /dlq
func (h *DLQHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	query, err := validation.BindRequest[DLQQuery](c)
	if err != nil {
		return err
	}
	if query.Count == 0 {
		query.Count = 100
	}

	entries, err := h.dlq.List(ctx, query.Count)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to list dead letters")
		return err
	}

	entries = ectolinq.Filter(entries, func(e redis.DLQEntry) bool {
		return (query.LocationID == "" || e.LocationID == query.LocationID) &&
			(query.JobType == "" || e.JobType == query.JobType) &&
			(query.Reason == "" || e.Reason == query.Reason)
	})

	total, err := h.dlq.Count(ctx)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warn("Failed to count dead letters")
	}

	return SuccessResponse(c, DLQListResponse{
		Entries: entries,
		Count:   len(entries),
		Total:   total,
	})
}

// Get handles GET /dlq/:id
func (h *DLQHandler) Get(c echo.Context) error {
	entry, err := h.entry(c)
	if err != nil {
		return err
	}
	return SuccessResponse(c, entry)
}

// Retry handles POST /dlq/:id/retry. The job goes back on the queue with a fresh retry budget.
func (h *DLQHandler) Retry(c echo.Context) error {
	ctx := c.Request().Context()

	entry, err := h.entry(c)
	if err != nil {
		return err
	}

	if err := h.dlq.Retry(ctx, entry.ID, h.streams, h.jobQueue); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("job_type", entry.JobType).Error("Failed to replay dead letter")
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"location_id": entry.LocationID,
		"job_type":    entry.JobType,
	}).Infof("Replayed dead letter %s", entry.ID)

	return SuccessResponse(c, DLQRetryResponse{
		ID:       entry.ID,
		JobType:  entry.JobType,
		Location: entry.LocationID,
		Queue:    h.jobQueue,
	})
}

// Delete handles DELETE /dlq/:id
func (h *DLQHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.dlq.Delete(ctx, c.Param("id")); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to delete dead letter")
		return err
	}
	return NoContentResponse(c)
}

func (h *DLQHandler) entry(c echo.Context) (*redis.DLQEntry, error) {
	id := c.Param("id")
	entry, err := h.dlq.Get(c.Request().Context(), id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, repositories.NotFound("dead letter %s not found", id)
	}
	return entry, nil
}
