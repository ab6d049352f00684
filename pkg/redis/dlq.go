package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	// DefaultDLQStream holds sync jobs that exhausted their retries or failed permanently.
	DefaultDLQStream = "clover:dlq"

	// DLQMaxLen caps the stream; XADD trims the oldest dead letters past it.
	DLQMaxLen = 10000
)

// ErrDLQEntryNotFound means no dead letter has the given stream id.
var ErrDLQEntryNotFound = errors.New("dlq entry not found")

// DeadLetterQueue parks failed sync jobs per location so operators can inspect or replay them.
type DeadLetterQueue struct {
	client     *Client
	streamName string
	logger     ectologger.Logger
}

func NewDeadLetterQueue(client *Client, streamName string, logger ectologger.Logger) *DeadLetterQueue {
	if streamName == "" {
		streamName = DefaultDLQStream
	}
	return &DeadLetterQueue{
		client:     client,
		streamName: streamName,
		logger:     logger,
	}
}

// DLQEntry is one dead-lettered sync job with the reason it was given up on.
type DLQEntry struct {
	ID           string                  `json:"id"`
	MessageID    string                  `json:"message_id,omitempty"`
	LocationID   string                  `json:"location_id"`
	JobType      string                  `json:"job_type"`
	OriginalJob  *JobMessage             `json:"original_job"`
	Reason       models.DeadLetterReason `json:"reason"`
	ErrorMessage string                  `json:"error_message"`
	RetryCount   int                     `json:"retry_count"`
	CreatedAt    time.Time               `json:"created_at"`
	TraceID      string                  `json:"trace_id,omitempty"`
}

// Add parks a failed job and returns its stream id.
func (d *DeadLetterQueue) Add(ctx context.Context, entry *DLQEntry) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Add")
	defer span.End()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode dead letter for %s job: %w", entry.JobType, err)
	}

	messageID, err := d.client.Redis().XAdd(ctx, &redis.XAddArgs{
		Stream: d.streamName,
		MaxLen: DLQMaxLen,
		Approx: true,
		Values: map[string]any{
			"data":        string(data),
			"location_id": entry.LocationID,
			"job_type":    entry.JobType,
			"reason":      string(entry.Reason),
		},
	}).Result()
	if err != nil {
		d.logger.WithContext(ctx).WithError(err).WithField("location_id", entry.LocationID).Errorf("Could not dead-letter %s job %s", entry.JobType, entry.ID)
		return "", fmt.Errorf("write dead letter to %s: %w", d.streamName, err)
	}

	d.logger.WithContext(ctx).WithFields(map[string]any{
		"location_id": entry.LocationID,
		"reason":      entry.Reason,
	}).Warnf("Dead-lettered %s job %s after %d attempts", entry.JobType, entry.ID, entry.RetryCount)
	return messageID, nil
}

// List returns up to count dead letters, newest first.
func (d *DeadLetterQueue) List(ctx context.Context, count int64) ([]DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.List")
	defer span.End()

	if count <= 0 {
		count = 100
	}

	messages, err := d.client.Redis().XRevRangeN(ctx, d.streamName, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters from %s: %w", d.streamName, err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		entry, err := decodeEntry(msg)
		if err != nil {
			d.logger.WithContext(ctx).WithError(err).Warnf("Skipping unreadable dead letter %s", msg.ID)
			continue
		}
		entries = append(entries, *entry)
	}

	return entries, nil
}

// Get loads one dead letter by stream id.
func (d *DeadLetterQueue) Get(ctx context.Context, messageID string) (*DLQEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Get")
	defer span.End()

	messages, err := d.client.Redis().XRange(ctx, d.streamName, messageID, messageID).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letter %s: %w", messageID, err)
	}
	if len(messages) == 0 {
		return nil, ErrDLQEntryNotFound
	}

	return decodeEntry(messages[0])
}

func decodeEntry(msg redis.XMessage) (*DLQEntry, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("dead letter %s has no data field", msg.ID)
	}

	var entry DLQEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", msg.ID, err)
	}
	entry.MessageID = msg.ID
	return &entry, nil
}

// Delete drops a dead letter without replaying it.
func (d *DeadLetterQueue) Delete(ctx context.Context, messageID string) error {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Delete")
	defer span.End()

	count, err := d.client.Redis().XDel(ctx, d.streamName, messageID).Result()
	if err != nil {
		return fmt.Errorf("delete dead letter %s: %w", messageID, err)
	}
	if count == 0 {
		return ErrDLQEntryNotFound
	}

	d.logger.WithContext(ctx).Infof("Discarded dead letter %s", messageID)
	return nil
}

// Count is the number of parked jobs across all locations.
func (d *DeadLetterQueue) Count(ctx context.Context) (int64, error) {
	return d.client.Redis().XLen(ctx, d.streamName).Result()
}

// Retry republishes the original job to queueName with its attempt count reset, then drops the
// dead letter. A failed drop leaves a duplicate that a later retry or delete resolves.
func (d *DeadLetterQueue) Retry(ctx context.Context, messageID string, jobQueue *Streams, queueName string) error {
	ctx, span := tracing.StartSpan(ctx, "DLQ.Retry")
	defer span.End()

	entry, err := d.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if entry.OriginalJob == nil {
		return fmt.Errorf("dead letter %s carries no job to replay", messageID)
	}

	entry.OriginalJob.Attempts = 0
	if _, err := jobQueue.Publish(ctx, queueName, entry.OriginalJob); err != nil {
		return fmt.Errorf("replay %s job %s: %w", entry.JobType, entry.OriginalJob.ID, err)
	}

	if err := d.Delete(ctx, messageID); err != nil {
		d.logger.WithContext(ctx).WithError(err).Warnf("Replayed dead letter %s but could not drop it", messageID)
	}

	d.logger.WithContext(ctx).WithField("location_id", entry.LocationID).Infof("Replayed %s job %s onto %s", entry.JobType, entry.OriginalJob.ID, queueName)
	return nil
}
