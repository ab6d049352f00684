package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/expressions"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Event is one inbound occurrence dispatched to a location's triggers.
type Event struct {
	Type       string
	LocationID string
	// Token is the location access token, used for CRM calls and target_url forwarding
	Token string
	// Payload is the original webhook body. Filters evaluate against it and forwarding posts it.
	Payload map[string]any
	Call    *Call
}

// Call is the resolved context of a call event.
type Call struct {
	Location     *models.Location
	Contact      *models.Contact
	Conversation *models.Conversation
	Message      *models.Message
	Duration     int
	Direction    string
	ForceSummary bool
}

// TriggerResult is the outcome of one trigger for one event.
type TriggerResult struct {
	TriggerID    string         `json:"trigger_id"`
	Key          Key            `json:"key"`
	Status       string         `json:"status"`
	ActionsTaken []string       `json:"actions_taken"`
	Data         map[string]any `json:"data,omitempty"`
	Error        string         `json:"error,omitempty"`
	Forward      *ForwardResult `json:"forward,omitempty"`
}

// TriggerStates is the trigger state machine store.
type TriggerStates interface {
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

type EventPublisher interface {
	PublishTriggerCompleted(ctx context.Context, evt *kafka.TriggerCompletedEvent) error
}

type Engine struct {
	states    TriggerStates
	registry  *Registry
	forwarder *Forwarder
	events    EventPublisher
	eval      *expressions.Evaluator
	logger    ectologger.Logger
	now       func() time.Time
}

type EngineOption func(*Engine)

func WithForwarder(f *Forwarder) EngineOption {
	return func(e *Engine) {
		e.forwarder = f
	}
}

func WithEvents(p EventPublisher) EngineOption {
	return func(e *Engine) {
		e.events = p
	}
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(states TriggerStates, registry *Registry, logger ectologger.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		states:   states,
		registry: registry,
		eval:     expressions.NewEvaluator(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch runs every trigger for evt in order. One trigger's failure never blocks the others.
func (e *Engine) Dispatch(ctx context.Context, triggers []models.Trigger, evt *Event) []TriggerResult {
	ctx, span := tracing.StartSpan(ctx, "Engine.Dispatch")
	defer span.End()

	results := make([]TriggerResult, 0, len(triggers))
	for i := range triggers {
		results = append(results, e.run(ctx, &triggers[i], evt))
	}
	return results
}

func (e *Engine) run(ctx context.Context, trigger *models.Trigger, evt *Event) TriggerResult {
	key, handler := e.registry.Resolve(trigger.Key)
	result := TriggerResult{TriggerID: trigger.ExternalID, Key: key, ActionsTaken: []string{}}
	log := e.logger.WithContext(ctx).WithFields(map[string]any{"trigger_id": trigger.ExternalID, "workflow_key": key})

	matched, err := e.matches(trigger, evt)
	if err != nil {
		log.WithError(err).Warn("Invalid trigger filter, skipping")
	}
	if !matched {
		result.Status = StatusSkipped
		result.Error = "filters did not match"
		metrics.TriggerRunsTotal.WithLabelValues(string(key), StatusSkipped).Inc()
		return result
	}

	if err := e.states.MarkProcessing(ctx, trigger.ID); err != nil {
		result.Status = StatusSkipped
		result.Error = err.Error()
		if !errors.Is(err, repositories.ErrTriggerNotActive) {
			result.Status = StatusError
			log.WithError(err).Error("Failed to mark trigger processing")
		}
		metrics.TriggerRunsTotal.WithLabelValues(string(key), result.Status).Inc()
		return result
	}

	out, handlerErr := e.invoke(ctx, handler, trigger, evt)
	if out != nil {
		result.ActionsTaken = out.ActionsTaken
		result.Data = out.Data
	}

	if handlerErr != nil {
		result.Status = StatusError
		result.Error = handlerErr.Error()
		log.WithError(handlerErr).Warn("Workflow handler failed")
		if err := e.states.MarkFailed(context.WithoutCancel(ctx), trigger.ID, handlerErr.Error()); err != nil {
			log.WithError(err).Error("Failed to mark trigger failed")
		}
	} else {
		result.Status = StatusSuccess
		if err := e.states.MarkSucceeded(context.WithoutCancel(ctx), trigger.ID, e.now().UTC()); err != nil {
			log.WithError(err).Error("Failed to mark trigger succeeded")
		}
	}

	if trigger.TargetURL != nil && *trigger.TargetURL != "" && e.forwarder != nil {
		result.Forward = e.forwarder.Forward(ctx, *trigger.TargetURL, evt.Token, evt.Payload)
	}

	metrics.TriggerRunsTotal.WithLabelValues(string(key), result.Status).Inc()
	e.publish(ctx, trigger, evt, result)
	return result
}

// invoke runs the handler, turning a panic into a handler error.
func (e *Engine) invoke(ctx context.Context, handler Handler, trigger *models.Trigger, evt *Event) (out *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, trigger, evt)
}

// matches reports whether every filter holds against the event payload.
func (e *Engine) matches(trigger *models.Trigger, evt *Event) (bool, error) {
	for _, f := range trigger.Filters.Data {
		ok, err := e.eval.Match(f.Field, f.Operator, f.Value, evt.Payload)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (e *Engine) publish(ctx context.Context, trigger *models.Trigger, evt *Event, result TriggerResult) {
	if e.events == nil {
		return
	}
	err := e.events.PublishTriggerCompleted(ctx, &kafka.TriggerCompletedEvent{
		LocationID:   evt.LocationID,
		TriggerID:    trigger.ExternalID,
		WorkflowKey:  string(result.Key),
		EventType:    evt.Type,
		Status:       result.Status,
		ActionsTaken: result.ActionsTaken,
		Error:        result.Error,
		Data:         result.Data,
	})
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).Warnf("Failed to publish completion for trigger %s", trigger.ExternalID)
	}
}
