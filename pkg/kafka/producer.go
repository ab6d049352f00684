package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	EventTriggerCompleted = "workflow.trigger.completed"
	EventNotification     = "workflow.notification"
)

// ErrNoBrokers is returned by Ping when no broker is configured.
var ErrNoBrokers = errors.New("no kafka brokers configured")

// Config holds Kafka configuration
type Config struct {
	Brokers           []string
	WorkflowTopic     string
	NotificationTopic string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers, workflowTopic, notificationTopic string) Config {
	var brokerList []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokerList = append(brokerList, b)
		}
	}

	return Config{
		Brokers:           brokerList,
		WorkflowTopic:     workflowTopic,
		NotificationTopic: notificationTopic,
	}
}

// Writer is the part of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes workflow events.
type Producer struct {
	workflow     Writer
	notification Writer
	brokers      []string
	logger       ectologger.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	return NewProducerWith(newWriter(cfg.Brokers, cfg.WorkflowTopic), newWriter(cfg.Brokers, cfg.NotificationTopic), cfg.Brokers, logger)
}

// NewProducerWith builds a producer over existing writers.
func NewProducerWith(workflow, notification Writer, brokers []string, logger ectologger.Logger) *Producer {
	return &Producer{workflow: workflow, notification: notification, brokers: brokers, logger: logger}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		// topics are created on first publish in dev environments
		AllowAutoTopicCreation: true,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return errors.Join(p.workflow.Close(), p.notification.Close())
}

// Ping dials the first reachable broker.
func (p *Producer) Ping(ctx context.Context) error {
	if len(p.brokers) == 0 {
		return ErrNoBrokers
	}
	var errs []error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TriggerCompletedEvent reports the outcome of one trigger run.
type TriggerCompletedEvent struct {
	Type         string         `json:"type"`
	LocationID   string         `json:"location_id"`
	TriggerID    string         `json:"trigger_id"`
	WorkflowKey  string         `json:"workflow_key"`
	EventType    string         `json:"event_type"`
	Status       string         `json:"status"`
	ActionsTaken []string       `json:"actions_taken,omitempty"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	TraceID      string         `json:"trace_id,omitempty"`
}

// NotificationEvent asks downstream services to notify users about an inbound call.
type NotificationEvent struct {
	Type       string    `json:"type"`
	LocationID string    `json:"location_id"`
	ContactID  string    `json:"contact_id"`
	MessageID  string    `json:"message_id"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id,omitempty"`
}

func (p *Producer) PublishTriggerCompleted(ctx context.Context, evt *TriggerCompletedEvent) error {
	if evt == nil {
		return fmt.Errorf("trigger event is nil")
	}
	evt.Type = EventTriggerCompleted
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TraceID = tracing.GetTraceID(ctx)

	return p.publish(ctx, p.workflow, EventTriggerCompleted, evt.LocationID, evt.LocationID+":"+evt.TriggerID, evt)
}

func (p *Producer) PublishNotification(ctx context.Context, evt *NotificationEvent) error {
	if evt == nil {
		return fmt.Errorf("notification event is nil")
	}
	evt.Type = EventNotification
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.TraceID = tracing.GetTraceID(ctx)

	return p.publish(ctx, p.notification, EventNotification, evt.LocationID, evt.LocationID+":"+evt.ContactID, evt)
}

func (p *Producer) publish(ctx context.Context, w Writer, eventType, locationID, key string, v any) error {
	ctx, span := tracing.StartSpan(ctx, "Kafka.Publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.operation", "publish"),
		attribute.String("event_type", eventType),
		attribute.String("location_id", locationID),
	)

	data, err := json.Marshal(v)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal %s: %w", eventType, err)
	}

	headers := []kafka.Header{
		{Key: "location_id", Value: []byte(locationID)},
		{Key: "type", Value: []byte(eventType)},
	}
	// W3C trace context for downstream consumers
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}

	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data, Headers: headers}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish %s to Kafka", eventType)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	p.logger.WithContext(ctx).Debugf("Published %s to Kafka: key=%s", eventType, key)
	return nil
}
