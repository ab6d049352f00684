package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"go.opentelemetry.io/otel/trace"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/ratelimit"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/validation"
	"github.com/Ramsey-B/clover/pkg/workflow"
)

const (
	StatusIgnored = "ignored"
	StatusSuccess = "success"

	ErrorCodeInvalidPayload = "invalid_payload"
	ErrorCodeMissingFields  = "missing_required_fields"
	ErrorCodeUnexpected     = "unexpected_error"

	// CallEventType is the event type call webhooks dispatch under. Triggers with an empty
	// event type receive every event.
	CallEventType = "call"

	DefaultMinCallDuration = 19
	DefaultProcessingDelay = 30 * time.Second
)

var callMessageTypes = []string{"CALL", "TYPE_CALL"}

// CallWebhook is the provider's call-completed payload.
type CallWebhook struct {
	Type           string   `json:"type"`
	MessageType    string   `json:"messageType"`
	CallDuration   float64  `json:"callDuration"`
	CallStatus     string   `json:"callStatus"`
	Direction      string   `json:"direction"`
	Body           string   `json:"body"`
	Attachments    []string `json:"attachments"`
	ForceSummary   bool     `json:"forceSummary"`
	LocationID     string   `json:"locationId" validate:"required"`
	ContactID      string   `json:"contactId" validate:"required"`
	ConversationID string   `json:"conversationId" validate:"required"`
	MessageID      string   `json:"messageId" validate:"required"`
}

// Response is the body returned to the webhook caller.
type Response struct {
	Status          string                   `json:"status,omitempty"`
	Reason          string                   `json:"reason,omitempty"`
	Duration        *float64                 `json:"duration,omitempty"`
	WorkflowResults []workflow.TriggerResult `json:"workflow_results,omitempty"`
	ErrorCode       string                   `json:"error_code,omitempty"`
	Message         string                   `json:"message,omitempty"`
	Details         map[string]any           `json:"details,omitempty"`
}

func ignored(reason string) *Response {
	return &Response{Status: StatusIgnored, Reason: reason}
}

func failure(code, message string, details map[string]any) *Response {
	return &Response{ErrorCode: code, Message: message, Details: details}
}

// Locations resolves the tenant a webhook belongs to.
type Locations interface {
	GetByLocationID(ctx context.Context, locationID string) (*models.Location, error)
}

// Triggers lists the triggers an event may run.
type Triggers interface {
	ListActiveByLocation(ctx context.Context, locationID, eventType string) ([]models.Trigger, error)
}

// TokenSource issues location access tokens.
type TokenSource interface {
	LocationAccessToken(ctx context.Context, locationID string) (string, error)
}

// Resolver makes sure the records a call references exist locally.
type Resolver interface {
	EnsureContact(ctx context.Context, locationID, token, contactID string) (*models.Contact, error)
	EnsureConversation(ctx context.Context, locationID, token, conversationID string) (*models.Conversation, error)
	EnsureMessage(ctx context.Context, locationID, token, messageID string) (*models.Message, error)
}

// Dispatcher runs matched triggers.
type Dispatcher interface {
	Dispatch(ctx context.Context, triggers []models.Trigger, evt *workflow.Event) []workflow.TriggerResult
}

// CallProcessor turns a call webhook into trigger executions.
type CallProcessor struct {
	locations   Locations
	triggers    Triggers
	tokens      TokenSource
	resolver    Resolver
	dispatcher  Dispatcher
	logger      ectologger.Logger
	minDuration int
	delay       time.Duration
	sleep       ratelimit.SleepFunc
}

type CallOption func(*CallProcessor)

// WithMinCallDuration sets the shortest call, in seconds, that is processed.
func WithMinCallDuration(seconds int) CallOption {
	return func(p *CallProcessor) {
		p.minDuration = seconds
	}
}

// WithProcessingDelay sets how long to wait for the provider to finish post-call processing.
func WithProcessingDelay(d time.Duration) CallOption {
	return func(p *CallProcessor) {
		p.delay = d
	}
}

func WithSleep(sleep ratelimit.SleepFunc) CallOption {
	return func(p *CallProcessor) {
		p.sleep = sleep
	}
}

func NewCallProcessor(locations Locations, triggers Triggers, tokens TokenSource, resolver Resolver, dispatcher Dispatcher, logger ectologger.Logger, opts ...CallOption) *CallProcessor {
	p := &CallProcessor{
		locations:   locations,
		triggers:    triggers,
		tokens:      tokens,
		resolver:    resolver,
		dispatcher:  dispatcher,
		logger:      logger,
		minDuration: DefaultMinCallDuration,
		delay:       DefaultProcessingDelay,
		sleep:       ratelimit.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one call webhook body and returns the HTTP status and response to send.
func (p *CallProcessor) Process(ctx context.Context, body []byte) (status int, resp *Response) {
	ctx, span := tracing.StartSpan(ctx, "CallProcessor.Process")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			tracing.Fail(span, err)
			p.logger.WithContext(ctx).WithError(err).Error("call webhook processing panicked")
			status, resp = http.StatusInternalServerError, failure(ErrorCodeUnexpected, "unexpected error processing webhook", nil)
		}
		metrics.WebhooksTotal.WithLabelValues(CallEventType, outcome(status, resp)).Inc()
	}()

	var hook CallWebhook
	var payload map[string]any
	if err := decode(body, &hook, &payload); err != nil {
		return http.StatusBadRequest, failure(ErrorCodeInvalidPayload, "webhook body is not valid JSON", map[string]any{"error": err.Error()})
	}

	if !isCall(hook.MessageType) {
		return http.StatusOK, ignored(fmt.Sprintf("message type %q is not a call", hook.MessageType))
	}
	if hook.CallDuration < float64(p.minDuration) {
		resp := ignored(fmt.Sprintf("call shorter than %d seconds", p.minDuration))
		duration := hook.CallDuration
		resp.Duration = &duration
		return http.StatusOK, resp
	}
	// the location is needed to resolve the tenant, so report it before waiting
	if hook.LocationID == "" {
		return missingFields([]string{"locationId"})
	}

	location, err := p.locations.GetByLocationID(ctx, hook.LocationID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return http.StatusOK, ignored("location is not installed")
		}
		return p.unexpected(ctx, span, err, "failed to load location")
	}
	if !location.IsInstalled {
		return http.StatusOK, ignored("location is not installed")
	}

	triggers, err := p.triggers.ListActiveByLocation(ctx, hook.LocationID, CallEventType)
	if err != nil {
		return p.unexpected(ctx, span, err, "failed to list triggers")
	}
	if len(triggers) == 0 {
		return http.StatusOK, ignored("no active triggers for location")
	}

	if p.delay > 0 {
		if err := p.sleep(ctx, p.delay); err != nil {
			return p.unexpected(ctx, span, err, "processing delay interrupted")
		}
	}

	if _, err := validation.Validate(hook); err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			return missingFields(verr.Names())
		}
		return p.unexpected(ctx, span, err, "failed to validate webhook")
	}

	call, token, reason := p.resolve(ctx, &hook, location)
	if reason != "" {
		return http.StatusOK, ignored(reason)
	}

	results := p.dispatcher.Dispatch(ctx, triggers, &workflow.Event{
		Type:       CallEventType,
		LocationID: hook.LocationID,
		Token:      token,
		Payload:    payload,
		Call:       call,
	})

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"location_id": hook.LocationID,
		"message_id":  hook.MessageID,
		"triggers":    len(results),
	}).Info("processed call webhook")
	return http.StatusOK, &Response{Status: StatusSuccess, WorkflowResults: results}
}

// resolve loads a token and the call's contact, conversation and message. A non-empty reason
// means processing stops with an ignored response.
func (p *CallProcessor) resolve(ctx context.Context, hook *CallWebhook, location *models.Location) (*workflow.Call, string, string) {
	log := p.logger.WithContext(ctx).WithField("location_id", hook.LocationID)

	token, err := p.tokens.LocationAccessToken(ctx, hook.LocationID)
	if err != nil {
		log.WithError(err).Warn("no location token for call webhook")
		return nil, "", "location access token unavailable"
	}

	contact, err := p.resolver.EnsureContact(ctx, hook.LocationID, token, hook.ContactID)
	if err != nil {
		log.WithError(err).Warnf("failed to resolve contact %s", hook.ContactID)
		return nil, "", "contact could not be resolved"
	}
	conversation, err := p.resolver.EnsureConversation(ctx, hook.LocationID, token, hook.ConversationID)
	if err != nil {
		log.WithError(err).Warnf("failed to resolve conversation %s", hook.ConversationID)
		return nil, "", "conversation could not be resolved"
	}
	message, err := p.resolver.EnsureMessage(ctx, hook.LocationID, token, hook.MessageID)
	if err != nil {
		log.WithError(err).Warnf("failed to resolve message %s", hook.MessageID)
		return nil, "", "message could not be resolved"
	}

	return &workflow.Call{
		Location:     location,
		Contact:      contact,
		Conversation: conversation,
		Message:      message,
		Duration:     int(math.Round(hook.CallDuration)),
		Direction:    strings.ToLower(hook.Direction),
		ForceSummary: hook.ForceSummary,
	}, token, ""
}

func (p *CallProcessor) unexpected(ctx context.Context, span trace.Span, err error, msg string) (int, *Response) {
	tracing.Fail(span, err)
	p.logger.WithContext(ctx).WithError(err).Error(msg)
	return http.StatusInternalServerError, failure(ErrorCodeUnexpected, msg, nil)
}

func missingFields(fields []string) (int, *Response) {
	return http.StatusBadRequest, failure(ErrorCodeMissingFields, "webhook is missing required fields", map[string]any{
		"missing_fields": fields,
	})
}

func decode(body []byte, hook *CallWebhook, payload *map[string]any) error {
	if err := json.Unmarshal(body, hook); err != nil {
		return err
	}
	return json.Unmarshal(body, payload)
}

func isCall(messageType string) bool {
	for _, t := range callMessageTypes {
		if strings.EqualFold(messageType, t) {
			return true
		}
	}
	return false
}

func outcome(status int, resp *Response) string {
	switch {
	case resp == nil:
		return "unknown"
	case resp.ErrorCode != "":
		return resp.ErrorCode
	case resp.Status != "":
		return resp.Status
	}
	return http.StatusText(status)
}
