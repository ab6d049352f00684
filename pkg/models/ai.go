package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
)

type UsageStatus string

const (
	UsageStatusPending UsageStatus = "pending"
	UsageStatusSuccess UsageStatus = "success"
	UsageStatusFailed  UsageStatus = "failed"
)

// UsageLog records one LLM invocation. Rows are immutable once they leave pending.
type UsageLog struct {
	ID                uuid.UUID   `db:"id" json:"id"`
	RequestID         string      `db:"request_id" json:"request_id"`
	LocationID        string      `db:"location_id" json:"location_id"`
	MessageExternalID string      `db:"message_external_id" json:"message_external_id"`
	Model             string      `db:"model" json:"model"`
	InputTokens       int         `db:"input_tokens" json:"input_tokens"`
	OutputTokens      int         `db:"output_tokens" json:"output_tokens"`
	Cost              float64     `db:"cost" json:"cost"`
	Status            UsageStatus `db:"status" json:"status"`
	ErrorMessage      *string     `db:"error_message" json:"error_message,omitempty"`
	StartedAt         time.Time   `db:"started_at" json:"started_at"`
	CompletedAt       *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	DurationMs        *int64      `db:"duration_ms" json:"duration_ms,omitempty"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
}

func (UsageLog) TableName() string {
	return "usage_logs"
}

// CallSummary is the normalized AI summary of one call message.
type CallSummary struct {
	ID                uuid.UUID                `db:"id" json:"id"`
	LocationID        string                   `db:"location_id" json:"location_id"`
	MessageExternalID string                   `db:"message_external_id" json:"message_external_id"`
	Summary           string                   `db:"summary" json:"summary"`
	Keywords          database.JSONB[[]string] `db:"keywords" json:"keywords"`
	Sentiment         string                   `db:"sentiment" json:"sentiment"`
	ActionItems       database.JSONB[[]string] `db:"action_items" json:"action_items"`
	ConfidenceScore   float64                  `db:"confidence_score" json:"confidence_score"`
	DurationAnalyzed  float64                  `db:"duration_analyzed" json:"duration_analyzed"`
	SpeakersDetected  int                      `db:"speakers_detected" json:"speakers_detected"`
	Grade             string                   `db:"grade" json:"grade"`
	CallStatus        string                   `db:"call_status" json:"call_status"`
	CreatedAt         time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time                `db:"updated_at" json:"updated_at"`
}

func (CallSummary) TableName() string {
	return "call_summaries"
}
