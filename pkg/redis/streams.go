package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobMessage is a sync job as stored in a stream. Attempts counts deliveries that ended in a retry.
type JobMessage struct {
	ID         string         `json:"id"`
	LocationID string         `json:"location_id"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
	Attempts   int            `json:"attempts"`
}

// StreamMessage pairs a decoded job with the stream id it was read under.
type StreamMessage struct {
	ID     string
	Stream string
	Job    *JobMessage
}

// Streams is the consumer-group job queue the sync workers read from.
type Streams struct {
	client *Client
}

func NewStreams(client *Client) *Streams {
	return &Streams{client: client}
}

// Publish appends job to stream, assigning an id and creation time when missing.
func (s *Streams) Publish(ctx context.Context, stream string, job *JobMessage) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode %s job: %w", job.Type, err)
	}

	result, err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			"data": string(payload),
			"type": job.Type,
		},
	}).Result()
	if err != nil {
		s.client.logger.WithContext(ctx).WithError(err).WithField("location_id", job.LocationID).Errorf("Could not queue %s job on %s", job.Type, stream)
		return "", err
	}

	s.client.logger.WithContext(ctx).Debugf("Queued %s job %s for location %s as %s", job.Type, job.ID, job.LocationID, result)
	return result, nil
}

// CreateConsumerGroup creates the stream and group if needed. An existing group is not an error.
func (s *Streams) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := s.client.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Consume blocks up to block for jobs never delivered to group. A timeout returns no messages.
func (s *Streams) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	results, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, result := range results {
		messages = append(messages, s.decode(ctx, result.Stream, result.Messages)...)
	}
	return messages, nil
}

// Ack removes finished jobs from the group's pending list.
func (s *Streams) Ack(ctx context.Context, stream, group string, ids ...string) error {
	return s.client.rdb.XAck(ctx, stream, group, ids...).Err()
}

// Pending lists delivered but unacknowledged jobs, oldest first.
func (s *Streams) Pending(ctx context.Context, stream, group string, count int64) ([]redis.XPendingExt, error) {
	return s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
}

// Claim takes over jobs idle for at least minIdle, usually from a worker that died mid-job.
func (s *Streams) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}
	return s.decode(ctx, stream, results), nil
}

// Range reads jobs between two stream ids, inclusive.
func (s *Streams) Range(ctx context.Context, stream, start, end string) ([]StreamMessage, error) {
	results, err := s.client.rdb.XRange(ctx, stream, start, end).Result()
	if err != nil {
		return nil, err
	}
	return s.decode(ctx, stream, results), nil
}

func (s *Streams) Len(ctx context.Context, stream string) (int64, error) {
	return s.client.rdb.XLen(ctx, stream).Result()
}

func (s *Streams) decode(ctx context.Context, stream string, raw []redis.XMessage) []StreamMessage {
	messages := make([]StreamMessage, 0, len(raw))
	for _, msg := range raw {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}

		var job JobMessage
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			s.client.logger.WithContext(ctx).WithError(err).Warnf("Dropping undecodable job %s from %s", msg.ID, stream)
			continue
		}

		messages = append(messages, StreamMessage{ID: msg.ID, Stream: stream, Job: &job})
	}
	return messages
}
