package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/validation"
	"github.com/Ramsey-B/clover/pkg/workflow"
)

// Trigger lifecycle events sent by the provider when a workflow adds, edits or removes a trigger.
const (
	TriggerCreated = "CREATED"
	TriggerUpdated = "UPDATED"
	TriggerDeleted = "DELETED"
)

type TriggerData struct {
	ID        string                 `json:"id" validate:"required"`
	Key       string                 `json:"key"`
	EventType string                 `json:"eventType" validate:"required,oneof=CREATED UPDATED DELETED"`
	Filters   []models.TriggerFilter `json:"filters"`
	TargetURL string                 `json:"targetUrl" validate:"omitempty,url"`
}

type TriggerMeta struct {
	// Key names the CRM event the trigger subscribes to
	Key     string `json:"key"`
	Version string `json:"version"`
}

type TriggerExtras struct {
	WorkflowID string `json:"workflowId"`
	CompanyID  string `json:"companyId"`
	LocationID string `json:"locationId" validate:"required"`
}

// TriggerPayload is the provider's trigger subscription webhook.
type TriggerPayload struct {
	TriggerData TriggerData   `json:"triggerData"`
	Meta        TriggerMeta   `json:"meta"`
	Extras      TriggerExtras `json:"extras"`
}

// TriggerStore persists trigger registrations.
type TriggerStore interface {
	Upsert(ctx context.Context, trigger *models.Trigger) error
}

// TriggerRegistrar applies trigger lifecycle webhooks.
type TriggerRegistrar struct {
	triggers TriggerStore
	logger   ectologger.Logger
}

func NewTriggerRegistrar(triggers TriggerStore, logger ectologger.Logger) *TriggerRegistrar {
	return &TriggerRegistrar{
		triggers: triggers,
		logger:   logger,
	}
}

// Register upserts the trigger named by a lifecycle webhook. CREATED and UPDATED leave the trigger
// active with any previous error cleared; DELETED makes it inactive.
func (r *TriggerRegistrar) Register(ctx context.Context, body []byte) (*models.Trigger, error) {
	ctx, span := tracing.StartSpan(ctx, "TriggerRegistrar.Register")
	defer span.End()

	var payload TriggerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.WebhooksTotal.WithLabelValues("trigger", ErrorCodeInvalidPayload).Inc()
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "trigger webhook body is not valid JSON")
	}
	payload.TriggerData.EventType = strings.ToUpper(payload.TriggerData.EventType)
	if _, err := validation.Validate(payload); err != nil {
		metrics.WebhooksTotal.WithLabelValues("trigger", ErrorCodeMissingFields).Inc()
		return nil, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	trigger := payload.toTrigger()
	if err := r.triggers.Upsert(ctx, trigger); err != nil {
		tracing.Fail(span, err)
		metrics.WebhooksTotal.WithLabelValues("trigger", ErrorCodeUnexpected).Inc()
		return nil, err
	}

	metrics.WebhooksTotal.WithLabelValues("trigger", strings.ToLower(payload.TriggerData.EventType)).Inc()
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"trigger_external_id": trigger.ExternalID,
		"location_id":         trigger.LocationID,
		"key":                 trigger.Key,
		"status":              trigger.Status,
	}).Infof("trigger %s", strings.ToLower(payload.TriggerData.EventType))
	return trigger, nil
}

func (p *TriggerPayload) toTrigger() *models.Trigger {
	// unknown keys are stored as sent and resolve to the default handler at dispatch
	key := strings.TrimSpace(p.TriggerData.Key)
	if key == "" {
		key = string(workflow.KeyDefault)
	}

	status := models.TriggerStatusActive
	if p.TriggerData.EventType == TriggerDeleted {
		status = models.TriggerStatusInactive
	}

	filters := p.TriggerData.Filters
	if filters == nil {
		filters = []models.TriggerFilter{}
	}

	trigger := &models.Trigger{
		ExternalID: p.TriggerData.ID,
		Key:        key,
		EventType:  p.Meta.Key,
		Filters:    database.NewJSONB(filters),
		LocationID: p.Extras.LocationID,
		WorkflowID: p.Extras.WorkflowID,
		CompanyID:  p.Extras.CompanyID,
		Version:    p.Meta.Version,
		Status:     status,
	}
	if p.TriggerData.TargetURL != "" {
		url := p.TriggerData.TargetURL
		trigger.TargetURL = &url
	}
	return trigger
}
