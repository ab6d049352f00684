package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/ai"
	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
)

const (
	DefaultSummaryMinDuration  = 30
	DefaultFollowUpMinDuration = 300
	DefaultFollowUpDelay       = 24 * time.Hour

	ActionSummaryGenerated   = "ai_summary_generated"
	// ActionSummaryUnavailable records that the pipeline fell back to its default result
	ActionSummaryUnavailable = "ai_summary_unavailable"
	ActionFollowUpCreated    = "follow_up_task_created"
	ActionContactTouched     = "contact_touched"
	ActionNotificationSent   = "notification_sent"
	ActionContactEnriched    = "contact_enriched"
	ActionLeadScored         = "lead_scored"
	ActionCRMContactUpdated  = "crm_contact_updated"
)

// ErrNoCallContext is returned by handlers that need a resolved call.
var ErrNoCallContext = errors.New("event has no call context")

type Summarizer interface {
	GenerateSummary(ctx context.Context, in ai.Input) *ai.SummaryResult
}

// CRM is the slice of the remote client the handlers write through.
type CRM interface {
	CreateTask(ctx context.Context, token, contactID string, input crm.TaskInput) (*crm.Task, error)
	AddNote(ctx context.Context, token, contactID, body string) error
}

type ContactActivity interface {
	Touch(ctx context.Context, locationID, externalID string, at time.Time) error
	SetLeadScore(ctx context.Context, locationID, externalID string, score int) error
}

type ContactRefresher interface {
	RefreshContact(ctx context.Context, locationID, token, contactID string) (*models.Contact, error)
}

type Notifier interface {
	PublishNotification(ctx context.Context, evt *kafka.NotificationEvent) error
}

type ActionConfig struct {
	// SummaryMinDuration is the call length in seconds above which call-processing summarizes
	SummaryMinDuration int
	// FollowUpMinDuration is the call length in seconds above which a follow-up task is created
	FollowUpMinDuration int
	FollowUpDelay       time.Duration
}

// Actions holds the dependencies of the built-in handlers.
type Actions struct {
	Summarizer Summarizer
	CRM        CRM
	Contacts   ContactActivity
	Refresher  ContactRefresher
	Notifier   Notifier
	Config     ActionConfig
	Logger     ectologger.Logger
	Now        func() time.Time
}

// RegisterDefaults binds every built-in key to its handler.
func (a *Actions) RegisterDefaults(r *Registry) {
	if a.Config.SummaryMinDuration <= 0 {
		a.Config.SummaryMinDuration = DefaultSummaryMinDuration
	}
	if a.Config.FollowUpMinDuration <= 0 {
		a.Config.FollowUpMinDuration = DefaultFollowUpMinDuration
	}
	if a.Config.FollowUpDelay <= 0 {
		a.Config.FollowUpDelay = DefaultFollowUpDelay
	}
	if a.Now == nil {
		a.Now = time.Now
	}

	r.Register(KeyCallProcessing, HandlerFunc(a.callProcessing))
	r.Register(KeyContactEnrichment, single(a.enrich))
	r.Register(KeyLeadScoring, single(a.scoreLead))
	r.Register(KeyAISummary, single(a.summarize))
	r.Register(KeyCRMUpdate, single(a.updateCRM))
	r.Register(KeyNotificationSend, single(a.notify))
	r.Register(KeyTaskCreate, single(a.createFollowUp))
}

type action func(ctx context.Context, evt *Event, out *Result) error

// single wraps one action as a handler whose failure fails the trigger.
func single(fn action) Handler {
	return HandlerFunc(func(ctx context.Context, _ *models.Trigger, evt *Event) (*Result, error) {
		if evt.Call == nil || evt.Call.Contact == nil {
			return nil, ErrNoCallContext
		}
		out := newResult()
		if err := fn(ctx, evt, out); err != nil {
			return out, err
		}
		return out, nil
	})
}

// callProcessing runs four independent actions. Failures are recorded in actions_taken and never
// fail the trigger.
func (a *Actions) callProcessing(ctx context.Context, _ *models.Trigger, evt *Event) (*Result, error) {
	call := evt.Call
	if call == nil || call.Contact == nil {
		return nil, ErrNoCallContext
	}
	out := newResult()

	run := func(name string, fn action) {
		if err := fn(ctx, evt, out); err != nil {
			a.Logger.WithContext(ctx).WithError(err).Warnf("call-processing action %s failed", name)
			out.add(name + "_failed: " + err.Error())
		}
	}

	if call.ForceSummary || call.Duration > a.Config.SummaryMinDuration {
		run("ai_summary", a.summarize)
	}
	if call.Duration > a.Config.FollowUpMinDuration {
		run("follow_up_task", a.createFollowUp)
	}
	run("contact_touch", a.touch)
	if strings.EqualFold(call.Direction, "inbound") {
		run("notification", a.notify)
	}
	return out, nil
}

func (a *Actions) summarize(ctx context.Context, evt *Event, out *Result) error {
	if a.Summarizer == nil {
		return errors.New("summarizer not configured")
	}
	in := ai.Input{LocationID: evt.LocationID, Token: evt.Token, Location: evt.Call.Location}
	if msg := evt.Call.Message; msg != nil {
		in.MessageID = msg.ExternalID
		in.Body = msg.Body
	}
	if prompt, ok := evt.Payload["prompt"].(string); ok {
		in.Prompt = prompt
	}

	summary := a.Summarizer.GenerateSummary(ctx, in)
	if summary.Source == ai.SourceNone {
		out.add(ActionSummaryUnavailable)
	} else {
		out.add(ActionSummaryGenerated)
	}
	if out.Data == nil {
		out.Data = map[string]any{}
	}
	out.Data["summary"] = summary
	return nil
}

func (a *Actions) createFollowUp(ctx context.Context, evt *Event, out *Result) error {
	contact := evt.Call.Contact
	task, err := a.CRM.CreateTask(ctx, evt.Token, contact.ExternalID, crm.TaskInput{
		Title:      "Follow up on call with " + displayName(contact),
		Body:       fmt.Sprintf("%s call lasted %s.", strings.ToLower(evt.Call.Direction), time.Duration(evt.Call.Duration)*time.Second),
		DueDate:    a.Now().UTC().Add(a.Config.FollowUpDelay),
		AssignedTo: contact.AssignedTo,
	})
	if err != nil {
		return err
	}
	out.add(ActionFollowUpCreated + ":" + task.ID)
	return nil
}

func (a *Actions) touch(ctx context.Context, evt *Event, out *Result) error {
	at := a.Now().UTC()
	if msg := evt.Call.Message; msg != nil && msg.DateAdded != nil {
		at = *msg.DateAdded
	}
	if err := a.Contacts.Touch(ctx, evt.LocationID, evt.Call.Contact.ExternalID, at); err != nil {
		return err
	}
	out.add(ActionContactTouched)
	return nil
}

func (a *Actions) notify(ctx context.Context, evt *Event, out *Result) error {
	if a.Notifier == nil {
		return errors.New("notifier not configured")
	}
	contact := evt.Call.Contact
	notification := &kafka.NotificationEvent{
		LocationID: evt.LocationID,
		ContactID:  contact.ExternalID,
		Title:      fmt.Sprintf("%s call from %s", titleCase(evt.Call.Direction), displayName(contact)),
		Body:       fmt.Sprintf("Call lasted %s.", time.Duration(evt.Call.Duration)*time.Second),
	}
	if msg := evt.Call.Message; msg != nil {
		notification.MessageID = msg.ExternalID
	}
	if err := a.Notifier.PublishNotification(ctx, notification); err != nil {
		return err
	}
	out.add(ActionNotificationSent)
	return nil
}

func (a *Actions) enrich(ctx context.Context, evt *Event, out *Result) error {
	contact, err := a.Refresher.RefreshContact(ctx, evt.LocationID, evt.Token, evt.Call.Contact.ExternalID)
	if err != nil {
		return err
	}
	evt.Call.Contact = contact
	out.add(ActionContactEnriched)
	return nil
}

func (a *Actions) scoreLead(ctx context.Context, evt *Event, out *Result) error {
	score := LeadScore(evt.Call.Contact, evt.Call.Duration, evt.Call.Direction)
	if err := a.Contacts.SetLeadScore(ctx, evt.LocationID, evt.Call.Contact.ExternalID, score); err != nil {
		return err
	}
	out.add(fmt.Sprintf("%s:%d", ActionLeadScored, score))
	return nil
}

func (a *Actions) updateCRM(ctx context.Context, evt *Event, out *Result) error {
	note := fmt.Sprintf("%s call, %s.", titleCase(evt.Call.Direction), time.Duration(evt.Call.Duration)*time.Second)
	if msg := evt.Call.Message; msg != nil && msg.CallStatus != "" {
		note += " Status: " + msg.CallStatus + "."
	}
	if err := a.CRM.AddNote(ctx, evt.Token, evt.Call.Contact.ExternalID, note); err != nil {
		return err
	}
	out.add(ActionCRMContactUpdated)
	return nil
}

// LeadScore is a 0-100 heuristic over contact completeness and call engagement.
func LeadScore(contact *models.Contact, duration int, direction string) int {
	score := 0
	if contact.Email != "" {
		score += 15
	}
	if contact.Phone != "" {
		score += 15
	}
	if contact.CompanyName != "" {
		score += 10
	}
	// 10 points per full minute, capped at 40
	score += min(duration/60*10, 40)
	if strings.EqualFold(direction, "inbound") {
		score += 20
	}
	return min(score, 100)
}

func displayName(c *models.Contact) string {
	switch {
	case c.Name != "":
		return c.Name
	case c.Phone != "":
		return c.Phone
	default:
		return c.ExternalID
	}
}

func titleCase(s string) string {
	if s == "" {
		return "Unknown"
	}
	s = strings.ToLower(s)
	return strings.ToUpper(s[:1]) + s[1:]
}
