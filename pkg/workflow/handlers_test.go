package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/ai"
	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/models"
)

type fakeSummarizer struct {
	inputs []ai.Input
	source string
}

func (f *fakeSummarizer) GenerateSummary(_ context.Context, in ai.Input) *ai.SummaryResult {
	f.inputs = append(f.inputs, in)
	result := ai.DefaultResult()
	result.Source = f.source
	return result
}

type fakeCRM struct {
	tasks   []crm.TaskInput
	notes   []string
	taskErr error
}

func (f *fakeCRM) CreateTask(_ context.Context, _, _ string, input crm.TaskInput) (*crm.Task, error) {
	if f.taskErr != nil {
		return nil, f.taskErr
	}
	f.tasks = append(f.tasks, input)
	return &crm.Task{ID: "task-1"}, nil
}

func (f *fakeCRM) AddNote(_ context.Context, _, _ string, body string) error {
	f.notes = append(f.notes, body)
	return nil
}

type fakeActivity struct {
	touched map[string]time.Time
	scores  map[string]int
}

func (f *fakeActivity) Touch(_ context.Context, _, externalID string, at time.Time) error {
	f.touched[externalID] = at
	return nil
}

func (f *fakeActivity) SetLeadScore(_ context.Context, _, externalID string, score int) error {
	f.scores[externalID] = score
	return nil
}

type fakeNotifier struct {
	events []*kafka.NotificationEvent
}

func (f *fakeNotifier) PublishNotification(_ context.Context, evt *kafka.NotificationEvent) error {
	f.events = append(f.events, evt)
	return nil
}

type handlerFixture struct {
	registry   *Registry
	summarizer *fakeSummarizer
	crm        *fakeCRM
	activity   *fakeActivity
	notifier   *fakeNotifier
	now        time.Time
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		registry:   NewRegistry(),
		summarizer: &fakeSummarizer{source: ai.SourceSegments},
		crm:        &fakeCRM{},
		activity:   &fakeActivity{touched: map[string]time.Time{}, scores: map[string]int{}},
		notifier:   &fakeNotifier{},
		now:        time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	actions := &Actions{
		Summarizer: f.summarizer,
		CRM:        f.crm,
		Contacts:   f.activity,
		Notifier:   f.notifier,
		Logger:     testLogger(),
		Now:        func() time.Time { return f.now },
	}
	actions.RegisterDefaults(f.registry)
	return f
}

func (f *handlerFixture) handle(t *testing.T, key string, evt *Event) (*Result, error) {
	t.Helper()
	_, h := f.registry.Resolve(key)
	return h.Handle(context.Background(), newTrigger("trg-1", key), evt)
}

func TestCallProcessing_LongInboundCallRunsAllActions(t *testing.T) {
	f := newHandlerFixture()
	evt := callEvent()
	evt.Call.Duration = 400
	evt.Call.Message = &models.Message{ExternalBase: models.ExternalBase{ExternalID: "msg-1"}, Body: "hello"}

	out, err := f.handle(t, "call-processing", evt)
	require.NoError(t, err)

	assert.Equal(t, []string{ActionSummaryGenerated, ActionFollowUpCreated + ":task-1", ActionContactTouched, ActionNotificationSent}, out.ActionsTaken)
	require.Len(t, f.summarizer.inputs, 1)
	assert.Equal(t, "msg-1", f.summarizer.inputs[0].MessageID)
	require.Len(t, f.crm.tasks, 1)
	assert.Equal(t, f.now.Add(24*time.Hour), f.crm.tasks[0].DueDate)
	assert.Equal(t, f.now, f.activity.touched["c-1"])
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "Inbound call from Ada", f.notifier.events[0].Title)
}

func TestCallProcessing_ShortOutboundCallOnlyTouches(t *testing.T) {
	f := newHandlerFixture()
	evt := callEvent()
	evt.Call.Duration = 25
	evt.Call.Direction = "outbound"

	out, err := f.handle(t, "call-processing", evt)
	require.NoError(t, err)

	assert.Equal(t, []string{ActionContactTouched}, out.ActionsTaken)
	assert.Empty(t, f.summarizer.inputs)
	assert.Empty(t, f.crm.tasks)
	assert.Empty(t, f.notifier.events)
}

func TestCallProcessing_ForcedSummaryOnShortCall(t *testing.T) {
	f := newHandlerFixture()
	evt := callEvent()
	evt.Call.Duration = 10
	evt.Call.ForceSummary = true

	out, err := f.handle(t, "call-processing", evt)
	require.NoError(t, err)
	assert.Contains(t, out.ActionsTaken, ActionSummaryGenerated)
}

func TestCallProcessing_ActionFailuresAreRecorded(t *testing.T) {
	f := newHandlerFixture()
	f.crm.taskErr = errors.New("crm unavailable")
	f.summarizer.source = ai.SourceNone
	evt := callEvent()
	evt.Call.Duration = 600

	out, err := f.handle(t, "call-processing", evt)
	require.NoError(t, err)

	assert.Equal(t, []string{
		ActionSummaryUnavailable,
		"follow_up_task_failed: crm unavailable",
		ActionContactTouched,
		ActionNotificationSent,
	}, out.ActionsTaken)
}

func TestCallProcessing_RequiresCall(t *testing.T) {
	f := newHandlerFixture()
	_, err := f.handle(t, "call-processing", &Event{LocationID: "loc-1"})
	assert.ErrorIs(t, err, ErrNoCallContext)
}

func TestSingleActionHandlers(t *testing.T) {
	f := newHandlerFixture()

	out, err := f.handle(t, "lead-scoring", callEvent())
	require.NoError(t, err)
	assert.Equal(t, []string{"lead_scored:40"}, out.ActionsTaken)
	assert.Equal(t, 40, f.activity.scores["c-1"])

	_, err = f.handle(t, "crm-update", callEvent())
	require.NoError(t, err)
	assert.Equal(t, []string{"Inbound call, 2m0s."}, f.crm.notes)

	f.crm.taskErr = errors.New("rejected")
	_, err = f.handle(t, "task-create", callEvent())
	assert.EqualError(t, err, "rejected")
}

func TestLeadScore(t *testing.T) {
	full := &models.Contact{Email: "a@b.c", Phone: "+1", CompanyName: "Acme"}
	assert.Equal(t, 100, LeadScore(full, 600, "inbound"))
	assert.Equal(t, 50, LeadScore(full, 90, "outbound"))
	assert.Equal(t, 0, LeadScore(&models.Contact{}, 59, "outbound"))
}
