package crm

import (
	"context"
	"net/http"
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Contact is the remote contact representation.
type Contact struct {
	ID          string     `json:"id"`
	LocationID  string     `json:"locationId"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	ContactName string     `json:"contactName"`
	Email       string     `json:"email"`
	Phone       string     `json:"phone"`
	CompanyName string     `json:"companyName"`
	Source      string     `json:"source"`
	AssignedTo  string     `json:"assignedTo"`
	Tags        []string   `json:"tags"`
	DateAdded   *time.Time `json:"dateAdded"`
	DateUpdated *time.Time `json:"dateUpdated"`
}

func (c Contact) Model() *models.Contact {
	name := c.ContactName
	if name == "" {
		name = joinName(c.FirstName, c.LastName)
	}
	return &models.Contact{
		ExternalBase: models.ExternalBase{LocationID: c.LocationID, ExternalID: c.ID},
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		Name:         name,
		Email:        c.Email,
		Phone:        c.Phone,
		CompanyName:  c.CompanyName,
		Source:       c.Source,
		AssignedTo:   c.AssignedTo,
		Tags:         database.NewJSONB(c.Tags),
		DateAdded:    c.DateAdded,
		DateUpdated:  c.DateUpdated,
	}
}

type Conversation struct {
	ID              string     `json:"id"`
	LocationID      string     `json:"locationId"`
	ContactID       string     `json:"contactId"`
	Type            string     `json:"type"`
	LastMessageBody string     `json:"lastMessageBody"`
	LastMessageType string     `json:"lastMessageType"`
	LastMessageDate *Timestamp `json:"lastMessageDate"`
	UnreadCount     int        `json:"unreadCount"`
	AssignedTo      string     `json:"assignedTo"`
}

func (c Conversation) Model() *models.Conversation {
	return &models.Conversation{
		ExternalBase:      models.ExternalBase{LocationID: c.LocationID, ExternalID: c.ID},
		ContactExternalID: c.ContactID,
		Type:              c.Type,
		LastMessageBody:   c.LastMessageBody,
		LastMessageType:   c.LastMessageType,
		LastMessageDate:   c.LastMessageDate.Ptr(),
		UnreadCount:       c.UnreadCount,
		AssignedTo:        c.AssignedTo,
	}
}

type MessageMeta struct {
	Call *struct {
		Duration *int   `json:"duration"`
		Status   string `json:"status"`
	} `json:"call"`
}

type Message struct {
	ID             string      `json:"id"`
	LocationID     string      `json:"locationId"`
	ConversationID string      `json:"conversationId"`
	ContactID      string      `json:"contactId"`
	MessageType    string      `json:"messageType"`
	Direction      string      `json:"direction"`
	Status         string      `json:"status"`
	Body           string      `json:"body"`
	ContentType    string      `json:"contentType"`
	Attachments    []string    `json:"attachments"`
	Meta           MessageMeta `json:"meta"`
	DateAdded      *time.Time  `json:"dateAdded"`
}

func (m Message) Model() *models.Message {
	msg := &models.Message{
		ExternalBase:           models.ExternalBase{LocationID: m.LocationID, ExternalID: m.ID},
		ConversationExternalID: m.ConversationID,
		ContactExternalID:      m.ContactID,
		MessageType:            m.MessageType,
		Direction:              m.Direction,
		Status:                 m.Status,
		Body:                   m.Body,
		ContentType:            m.ContentType,
		Attachments:            database.NewJSONB(m.Attachments),
		DateAdded:              m.DateAdded,
	}
	if m.Meta.Call != nil {
		msg.CallDuration = m.Meta.Call.Duration
		msg.CallStatus = m.Meta.Call.Status
	}
	return msg
}

// TranscriptSentence is one entry of a call transcription.
type TranscriptSentence struct {
	MediaChannel  int     `json:"mediaChannel"`
	SentenceIndex int     `json:"sentenceIndex"`
	StartTime     float64 `json:"startTime"`
	EndTime       float64 `json:"endTime"`
	Transcript    string  `json:"transcript"`
	Confidence    float64 `json:"confidence"`
}

func (s TranscriptSentence) Model(locationID, messageID string) *models.TranscriptSegment {
	return &models.TranscriptSegment{
		ExternalBase: models.ExternalBase{
			LocationID: locationID,
			ExternalID: TranscriptSegmentID(messageID, s.SentenceIndex),
		},
		MessageExternalID: messageID,
		SentenceIndex:     s.SentenceIndex,
		MediaChannel:      s.MediaChannel,
		StartTime:         s.StartTime,
		EndTime:           s.EndTime,
		Transcript:        s.Transcript,
		Confidence:        s.Confidence,
	}
}

// TranscriptSegmentID derives the external id of a sentence, which the provider does not assign.
func TranscriptSegmentID(messageID string, index int) string {
	return messageID + ":" + itoa(index)
}

type Opportunity struct {
	ID              string     `json:"id"`
	LocationID      string     `json:"locationId"`
	ContactID       string     `json:"contactId"`
	PipelineID      string     `json:"pipelineId"`
	PipelineStageID string     `json:"pipelineStageId"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	MonetaryValue   float64    `json:"monetaryValue"`
	AssignedTo      string     `json:"assignedTo"`
	UpdatedAt       *time.Time `json:"updatedAt"`
}

func (o Opportunity) Model() *models.Opportunity {
	return &models.Opportunity{
		ExternalBase:      models.ExternalBase{LocationID: o.LocationID, ExternalID: o.ID},
		ContactExternalID: o.ContactID,
		PipelineID:        o.PipelineID,
		PipelineStageID:   o.PipelineStageID,
		Name:              o.Name,
		Status:            o.Status,
		MonetaryValue:     o.MonetaryValue,
		AssignedTo:        o.AssignedTo,
		DateUpdated:       o.UpdatedAt,
	}
}

type Task struct {
	ID         string     `json:"id"`
	ContactID  string     `json:"contactId"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	DueDate    *time.Time `json:"dueDate"`
	Completed  bool       `json:"completed"`
	AssignedTo string     `json:"assignedTo"`
}

// Model maps a task. Tasks carry no location, so the caller supplies it.
func (t Task) Model(locationID string) *models.Task {
	return &models.Task{
		ExternalBase:      models.ExternalBase{LocationID: locationID, ExternalID: t.ID},
		ContactExternalID: t.ContactID,
		Title:             t.Title,
		Body:              t.Body,
		DueDate:           t.DueDate,
		Completed:         t.Completed,
		AssignedTo:        t.AssignedTo,
	}
}

// TaskInput creates a task on a contact.
type TaskInput struct {
	Title      string    `json:"title"`
	Body       string    `json:"body,omitempty"`
	DueDate    time.Time `json:"dueDate"`
	Completed  bool      `json:"completed"`
	AssignedTo string    `json:"assignedTo,omitempty"`
}

func (c *Client) GetContact(ctx context.Context, token, contactID string) (*Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "CRMClient.GetContact")
	defer span.End()

	var out struct {
		Contact Contact `json:"contact"`
	}
	if err := c.get(ctx, token, c.url("/contacts/%s", contactID), &out); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	return &out.Contact, nil
}

func (c *Client) GetConversation(ctx context.Context, token, conversationID string) (*Conversation, error) {
	ctx, span := tracing.StartSpan(ctx, "CRMClient.GetConversation")
	defer span.End()

	var out Conversation
	if err := c.get(ctx, token, c.url("/conversations/%s", conversationID), &out); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetMessage(ctx context.Context, token, messageID string) (*Message, error) {
	ctx, span := tracing.StartSpan(ctx, "CRMClient.GetMessage")
	defer span.End()

	var out struct {
		Message Message `json:"message"`
	}
	if err := c.get(ctx, token, c.url("/conversations/messages/%s", messageID), &out); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	return &out.Message, nil
}

// GetTranscription returns the provider's sentence-level transcription of a call message.
func (c *Client) GetTranscription(ctx context.Context, token, locationID, messageID string) ([]TranscriptSentence, error) {
	ctx, span := tracing.StartSpan(ctx, "CRMClient.GetTranscription")
	defer span.End()

	var out []TranscriptSentence
	target := c.url("/conversations/locations/%s/messages/%s/transcription", locationID, messageID)
	if err := c.get(ctx, token, target, &out); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateTask(ctx context.Context, token, contactID string, input TaskInput) (*Task, error) {
	ctx, span := tracing.StartSpan(ctx, "CRMClient.CreateTask")
	defer span.End()

	var out struct {
		Task Task `json:"task"`
	}
	if err := c.send(ctx, http.MethodPost, token, c.url("/contacts/%s/tasks", contactID), input, &out); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	return &out.Task, nil
}

// UpdateContact sends a partial contact update.
func (c *Client) UpdateContact(ctx context.Context, token, contactID string, fields map[string]any) (*Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "CRMClient.UpdateContact")
	defer span.End()

	var out struct {
		Contact Contact `json:"contact"`
	}
	if err := c.send(ctx, http.MethodPut, token, c.url("/contacts/%s", contactID), fields, &out); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	return &out.Contact, nil
}

func (c *Client) AddNote(ctx context.Context, token, contactID, body string) error {
	ctx, span := tracing.StartSpan(ctx, "CRMClient.AddNote")
	defer span.End()

	err := c.send(ctx, http.MethodPost, token, c.url("/contacts/%s/notes", contactID), map[string]string{"body": body}, nil)
	if err != nil {
		tracing.Fail(span, err)
	}
	return err
}
