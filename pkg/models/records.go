package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
)

// ExternalBase is embedded by every record mirrored from the remote CRM.
// (location_id, external_id) is unique per table.
type ExternalBase struct {
	ID         uuid.UUID `db:"id" fieldtag:"immutable" json:"id"`
	LocationID string    `db:"location_id" json:"location_id"`
	ExternalID string    `db:"external_id" json:"external_id"`
	CreatedAt  time.Time `db:"created_at" fieldtag:"immutable" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

func (b *ExternalBase) Base() *ExternalBase {
	return b
}

type Contact struct {
	ExternalBase
	FirstName    string                   `db:"first_name" json:"first_name"`
	LastName     string                   `db:"last_name" json:"last_name"`
	Name         string                   `db:"name" json:"name"`
	Email        string                   `db:"email" json:"email"`
	Phone        string                   `db:"phone" json:"phone"`
	CompanyName  string                   `db:"company_name" json:"company_name"`
	Source       string                   `db:"source" json:"source"`
	AssignedTo   string                   `db:"assigned_to" json:"assigned_to"`
	Tags         database.JSONB[[]string] `db:"tags" json:"tags"`
	DateAdded    *time.Time               `db:"date_added" json:"date_added,omitempty"`
	DateUpdated  *time.Time               `db:"date_updated" json:"date_updated,omitempty"`
	LastActivity *time.Time               `db:"last_activity" json:"last_activity,omitempty"`
	LastCallAt   *time.Time               `db:"last_call_at" json:"last_call_at,omitempty"`
	LeadScore    *int                     `db:"lead_score" json:"lead_score,omitempty"`
	// DetailsFetched is set once tasks and conversations have been hydrated
	DetailsFetched bool `db:"details_fetched" json:"details_fetched"`
}

func (Contact) TableName() string {
	return "contacts"
}

type Conversation struct {
	ExternalBase
	ContactExternalID string     `db:"contact_external_id" json:"contact_external_id"`
	Type              string     `db:"type" json:"type"`
	LastMessageBody   string     `db:"last_message_body" json:"last_message_body"`
	LastMessageType   string     `db:"last_message_type" json:"last_message_type"`
	LastMessageDate   *time.Time `db:"last_message_date" json:"last_message_date,omitempty"`
	UnreadCount       int        `db:"unread_count" json:"unread_count"`
	AssignedTo        string     `db:"assigned_to" json:"assigned_to"`
}

func (Conversation) TableName() string {
	return "conversations"
}

type Message struct {
	ExternalBase
	ConversationExternalID string                   `db:"conversation_external_id" json:"conversation_external_id"`
	ContactExternalID      string                   `db:"contact_external_id" json:"contact_external_id"`
	MessageType            string                   `db:"message_type" json:"message_type"`
	Direction              string                   `db:"direction" json:"direction"`
	Status                 string                   `db:"status" json:"status"`
	Body                   string                   `db:"body" json:"body"`
	ContentType            string                   `db:"content_type" json:"content_type"`
	Attachments            database.JSONB[[]string] `db:"attachments" json:"attachments"`
	CallDuration           *int                     `db:"call_duration" json:"call_duration,omitempty"`
	CallStatus             string                   `db:"call_status" json:"call_status"`
	DateAdded              *time.Time               `db:"date_added" json:"date_added,omitempty"`
}

func (Message) TableName() string {
	return "messages"
}

// TranscriptSegment is one sentence of a call transcription. EndTime > StartTime and 0 <= Confidence <= 1.
type TranscriptSegment struct {
	ExternalBase
	MessageExternalID string  `db:"message_external_id" json:"message_external_id"`
	SentenceIndex     int     `db:"sentence_index" json:"sentence_index"`
	MediaChannel      int     `db:"media_channel" json:"media_channel"`
	StartTime         float64 `db:"start_time" json:"start_time"`
	EndTime           float64 `db:"end_time" json:"end_time"`
	Transcript        string  `db:"transcript" json:"transcript"`
	Confidence        float64 `db:"confidence" json:"confidence"`
}

func (TranscriptSegment) TableName() string {
	return "transcript_segments"
}

type Opportunity struct {
	ExternalBase
	ContactExternalID string     `db:"contact_external_id" json:"contact_external_id"`
	PipelineID        string     `db:"pipeline_id" json:"pipeline_id"`
	PipelineStageID   string     `db:"pipeline_stage_id" json:"pipeline_stage_id"`
	Name              string     `db:"name" json:"name"`
	Status            string     `db:"status" json:"status"`
	MonetaryValue     float64    `db:"monetary_value" json:"monetary_value"`
	AssignedTo        string     `db:"assigned_to" json:"assigned_to"`
	DateUpdated       *time.Time `db:"date_updated" json:"date_updated,omitempty"`
}

func (Opportunity) TableName() string {
	return "opportunities"
}

type Task struct {
	ExternalBase
	ContactExternalID string     `db:"contact_external_id" json:"contact_external_id"`
	Title             string     `db:"title" json:"title"`
	Body              string     `db:"body" json:"body"`
	DueDate           *time.Time `db:"due_date" json:"due_date,omitempty"`
	Completed         bool       `db:"completed" json:"completed"`
	AssignedTo        string     `db:"assigned_to" json:"assigned_to"`
}

func (Task) TableName() string {
	return "tasks"
}

// Record is satisfied by pointers to every type embedding ExternalBase.
type Record interface {
	TableName() string
	Base() *ExternalBase
}

// RecordPtr constrains generic code to *T where *T is a Record.
type RecordPtr[T any] interface {
	*T
	Record
}
