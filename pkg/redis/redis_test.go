package redis_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/redis"
)

var (
	redisOnce      sync.Once
	redisContainer testcontainers.Container
	redisClient    *redis.Client
	redisErr       error
)

func TestMain(m *testing.M) {
	code := m.Run()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if redisContainer != nil {
		_ = redisContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

func startRedis(ctx context.Context) (*redis.Client, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis: %w", err)
	}
	redisContainer = container

	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		return nil, err
	}
	portNum, err := strconv.Atoi(port.Port())
	if err != nil {
		return nil, err
	}
	return redis.NewClient(ctx, redis.Config{Host: host, Port: portNum}, testLogger())
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func getTestClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	redisOnce.Do(func() {
		redisClient, redisErr = startRedis(context.Background())
	})
	require.NoError(t, redisErr, "Failed to start test redis")
	return redisClient
}

func TestStreams_ConsumeAndAck(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	streams := redis.NewStreams(client)
	stream := "jobs-" + t.Name()

	require.NoError(t, streams.CreateConsumerGroup(ctx, stream, "workers"))
	require.NoError(t, streams.CreateConsumerGroup(ctx, stream, "workers"))

	_, err := streams.Publish(ctx, stream, &redis.JobMessage{LocationID: "loc-1", Type: "opportunity_sync", Payload: map[string]any{"contact_id": "c-1"}})
	require.NoError(t, err)

	messages, err := streams.Consume(ctx, stream, "workers", "w-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	job := messages[0].Job
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "loc-1", job.LocationID)
	assert.Equal(t, "c-1", job.Payload["contact_id"])

	pending, err := streams.Pending(ctx, stream, "workers", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, streams.Ack(ctx, stream, "workers", messages[0].ID))
	pending, err = streams.Pending(ctx, stream, "workers", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	empty, err := streams.Consume(ctx, stream, "workers", "w-1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeadLetterQueue_ReplayResetsAttempts(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	streams := redis.NewStreams(client)
	dlq := redis.NewDeadLetterQueue(client, "dlq-"+t.Name(), testLogger())
	queue := "jobs-" + t.Name()

	id, err := dlq.Add(ctx, &redis.DLQEntry{
		LocationID:   "loc-1",
		JobType:      "detail_hydration",
		OriginalJob:  &redis.JobMessage{ID: "job-1", LocationID: "loc-1", Type: "detail_hydration", Attempts: 4},
		Reason:       models.DLQReasonMaxRetries,
		ErrorMessage: "upstream 502",
		RetryCount:   4,
	})
	require.NoError(t, err)

	entries, err := dlq.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].MessageID)
	assert.Equal(t, models.DLQReasonMaxRetries, entries[0].Reason)

	count, err := dlq.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, dlq.Retry(ctx, id, streams, queue))

	replayed, err := streams.Range(ctx, queue, "-", "+")
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "job-1", replayed[0].Job.ID)
	assert.Equal(t, 0, replayed[0].Job.Attempts)

	_, err = dlq.Get(ctx, id)
	assert.ErrorIs(t, err, redis.ErrDLQEntryNotFound)
	assert.ErrorIs(t, dlq.Delete(ctx, id), redis.ErrDLQEntryNotFound)
}

func TestDeadLetterQueue_RetryWithoutJob(t *testing.T) {
	client := getTestClient(t)
	ctx := context.Background()
	dlq := redis.NewDeadLetterQueue(client, "dlq-"+t.Name(), testLogger())

	id, err := dlq.Add(ctx, &redis.DLQEntry{LocationID: "loc-1", JobType: "entity_sync", Reason: models.DLQReasonInvalidJob})
	require.NoError(t, err)

	err = dlq.Retry(ctx, id, redis.NewStreams(client), "jobs-"+t.Name())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carries no job to replay")

	entry, err := dlq.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "entity_sync", entry.JobType)
}
