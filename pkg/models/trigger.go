package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
)

type TriggerStatus string

const (
	TriggerStatusActive     TriggerStatus = "active"
	TriggerStatusInactive   TriggerStatus = "inactive"
	TriggerStatusProcessing TriggerStatus = "processing"
	TriggerStatusError      TriggerStatus = "error"
)

// RunnableTriggerStatuses are the states a trigger can be dispatched from. Processing is included so
// overlapping events each run and a run lost mid-flight never strands the trigger.
var RunnableTriggerStatuses = []TriggerStatus{TriggerStatusActive, TriggerStatusProcessing}

// Runnable reports whether an event may be dispatched to a trigger in this state.
func (s TriggerStatus) Runnable() bool {
	return s == TriggerStatusActive || s == TriggerStatusProcessing
}

// TriggerFilter narrows the events a trigger runs for. Field is a JMESPath expression over the event.
type TriggerFilter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Trigger is a tenant-scoped workflow registration.
type Trigger struct {
	ID            uuid.UUID                        `db:"id" json:"id"`
	ExternalID    string                           `db:"external_id" json:"external_id"`
	Key           string                           `db:"key" json:"key"`
	EventType     string                           `db:"event_type" json:"event_type"`
	TargetURL     *string                          `db:"target_url" json:"target_url,omitempty"`
	Filters       database.JSONB[[]TriggerFilter] `db:"filters" json:"filters"`
	LocationID    string                           `db:"location_id" json:"location_id"`
	WorkflowID    string                           `db:"workflow_id" json:"workflow_id"`
	CompanyID     string                           `db:"company_id" json:"company_id"`
	Version       string                           `db:"version" json:"version"`
	Status        TriggerStatus                    `db:"status" json:"status"`
	TriggerCount  int                              `db:"trigger_count" json:"trigger_count"`
	LastTriggered *time.Time                       `db:"last_triggered" json:"last_triggered,omitempty"`
	ErrorMessage  *string                          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt     time.Time                        `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time                        `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Trigger) TableName() string {
	return "triggers"
}
