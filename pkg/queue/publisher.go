package queue

import (
	"context"

	"github.com/Ramsey-B/clover/pkg/redis"
)

// Job types run by the processor
const (
	JobTypeOpportunitySync = "opportunity_sync"
	JobTypeDetailHydration = "detail_hydration"
	JobTypeEntitySync      = "entity_sync"
)

type publisher interface {
	Publish(ctx context.Context, stream string, job *redis.JobMessage) (string, error)
}

// Publisher enqueues jobs onto the processor's stream.
type Publisher struct {
	streams publisher
	stream  string
}

func NewPublisher(streams publisher, stream string) *Publisher {
	return &Publisher{streams: streams, stream: stream}
}

func (p *Publisher) Enqueue(ctx context.Context, locationID, jobType string, payload map[string]any) error {
	_, err := p.streams.Publish(ctx, p.stream, &redis.JobMessage{
		LocationID: locationID,
		Type:       jobType,
		Payload:    payload,
	})
	return err
}

// PayloadString reads a string field from a job payload.
func PayloadString(job *redis.JobMessage, key string) string {
	if job == nil || job.Payload == nil {
		return ""
	}
	s, _ := job.Payload[key].(string)
	return s
}

// PayloadInt reads a numeric field from a job payload. JSON numbers decode as float64.
func PayloadInt(job *redis.JobMessage, key string, def int) int {
	if job == nil || job.Payload == nil {
		return def
	}
	switch v := job.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}
