package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/workflow"
)

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type memLocations struct {
	locations map[string]*models.Location
}

func (m *memLocations) GetByLocationID(_ context.Context, locationID string) (*models.Location, error) {
	if l, ok := m.locations[locationID]; ok {
		return l, nil
	}
	return nil, repositories.NotFound("location %s does not exist", locationID)
}

func (m *memLocations) Upsert(_ context.Context, location *models.Location) error {
	m.locations[location.LocationID] = location
	return nil
}

func (m *memLocations) SetInstalled(_ context.Context, locationID string, installed bool) error {
	l, ok := m.locations[locationID]
	if !ok {
		return repositories.NotFound("location %s does not exist", locationID)
	}
	l.IsInstalled = installed
	return nil
}

// memTriggers mirrors the trigger repository: upserts copy status and error, counters survive.
type memTriggers struct {
	mu       sync.Mutex
	triggers map[string]*models.Trigger
}

func newMemTriggers() *memTriggers {
	return &memTriggers{triggers: map[string]*models.Trigger{}}
}

func (m *memTriggers) Upsert(_ context.Context, trigger *models.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.triggers[trigger.ExternalID]; ok {
		trigger.ID = existing.ID
		trigger.TriggerCount = existing.TriggerCount
		trigger.LastTriggered = existing.LastTriggered
	} else if trigger.ID == uuid.Nil {
		trigger.ID = uuid.New()
	}
	stored := *trigger
	m.triggers[trigger.ExternalID] = &stored
	return nil
}

func (m *memTriggers) ListActiveByLocation(_ context.Context, locationID, eventType string) ([]models.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trigger
	for _, t := range m.triggers {
		if t.LocationID != locationID || !t.Status.Runnable() {
			continue
		}
		if eventType != "" && t.EventType != "" && t.EventType != eventType {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (m *memTriggers) transition(id uuid.UUID, fn func(t *models.Trigger)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.triggers {
		if t.ID == id {
			if !t.Status.Runnable() {
				return repositories.ErrTriggerNotActive
			}
			fn(t)
			return nil
		}
	}
	return repositories.ErrTriggerNotActive
}

func (m *memTriggers) MarkProcessing(_ context.Context, id uuid.UUID) error {
	return m.transition(id, func(t *models.Trigger) {
		t.Status = models.TriggerStatusProcessing
	})
}

func (m *memTriggers) MarkSucceeded(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.transition(id, func(t *models.Trigger) {
		t.Status = models.TriggerStatusActive
		t.TriggerCount++
		t.LastTriggered = &at
		t.ErrorMessage = nil
	})
}

func (m *memTriggers) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	return m.transition(id, func(t *models.Trigger) {
		t.Status = models.TriggerStatusError
		t.ErrorMessage = &message
	})
}

func (m *memTriggers) get(externalID string) *models.Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggers[externalID]
}

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) LocationAccessToken(context.Context, string) (string, error) {
	return s.token, s.err
}

type countingResolver struct {
	calls      int
	contactErr error
}

func (r *countingResolver) EnsureContact(_ context.Context, locationID, _, contactID string) (*models.Contact, error) {
	r.calls++
	if r.contactErr != nil {
		return nil, r.contactErr
	}
	return &models.Contact{ExternalBase: models.ExternalBase{LocationID: locationID, ExternalID: contactID}}, nil
}

func (r *countingResolver) EnsureConversation(_ context.Context, locationID, _, conversationID string) (*models.Conversation, error) {
	r.calls++
	return &models.Conversation{ExternalBase: models.ExternalBase{LocationID: locationID, ExternalID: conversationID}}, nil
}

func (r *countingResolver) EnsureMessage(_ context.Context, locationID, _, messageID string) (*models.Message, error) {
	r.calls++
	return &models.Message{ExternalBase: models.ExternalBase{LocationID: locationID, ExternalID: messageID}}, nil
}

type recordingDispatcher struct {
	events []*workflow.Event
}

func (d *recordingDispatcher) Dispatch(_ context.Context, triggers []models.Trigger, evt *workflow.Event) []workflow.TriggerResult {
	d.events = append(d.events, evt)
	results := make([]workflow.TriggerResult, 0, len(triggers))
	for _, t := range triggers {
		results = append(results, workflow.TriggerResult{TriggerID: t.ExternalID, Key: workflow.Key(t.Key), Status: workflow.StatusSuccess})
	}
	return results
}

type callFixture struct {
	locations  *memLocations
	triggers   *memTriggers
	resolver   *countingResolver
	dispatcher *recordingDispatcher
	slept      []time.Duration
	processor  *CallProcessor
}

func newCallFixture(t *testing.T, opts ...CallOption) *callFixture {
	t.Helper()
	f := &callFixture{
		locations: &memLocations{locations: map[string]*models.Location{
			"loc-1": {LocationID: "loc-1", IsInstalled: true},
			"loc-2": {LocationID: "loc-2", IsInstalled: false},
		}},
		triggers:   newMemTriggers(),
		resolver:   &countingResolver{},
		dispatcher: &recordingDispatcher{},
	}
	require.NoError(t, f.triggers.Upsert(context.Background(), &models.Trigger{
		ExternalID: "trg-1",
		Key:        string(workflow.KeyCallProcessing),
		LocationID: "loc-1",
		Status:     models.TriggerStatusActive,
	}))

	sleep := func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	opts = append([]CallOption{WithSleep(sleep)}, opts...)
	f.processor = NewCallProcessor(f.locations, f.triggers, staticTokens{token: "tok"}, f.resolver, f.dispatcher, silentLogger(), opts...)
	return f
}

func callBody(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"type":           "OutboundMessage",
		"messageType":    "CALL",
		"callDuration":   120,
		"direction":      "inbound",
		"locationId":     "loc-1",
		"contactId":      "c-1",
		"conversationId": "conv-1",
		"messageId":      "m-1",
	}
	for k, v := range overrides {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

func TestCallProcessor_Success(t *testing.T) {
	f := newCallFixture(t)

	status, resp := f.processor.Process(context.Background(), callBody(t, nil))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, StatusSuccess, resp.Status)
	require.Len(t, resp.WorkflowResults, 1)
	assert.Equal(t, "trg-1", resp.WorkflowResults[0].TriggerID)
	assert.Equal(t, []time.Duration{DefaultProcessingDelay}, f.slept)

	require.Len(t, f.dispatcher.events, 1)
	evt := f.dispatcher.events[0]
	assert.Equal(t, CallEventType, evt.Type)
	assert.Equal(t, "tok", evt.Token)
	assert.Equal(t, "m-1", evt.Payload["messageId"])
	require.NotNil(t, evt.Call)
	assert.Equal(t, 120, evt.Call.Duration)
	assert.Equal(t, "inbound", evt.Call.Direction)
	assert.Equal(t, "c-1", evt.Call.Contact.ExternalID)
}

func TestCallProcessor_ShortCallIsIgnoredWithoutWork(t *testing.T) {
	f := newCallFixture(t)

	status, resp := f.processor.Process(context.Background(), callBody(t, map[string]any{"callDuration": 15}))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, StatusIgnored, resp.Status)
	require.NotNil(t, resp.Duration)
	assert.Equal(t, 15.0, *resp.Duration)
	assert.Empty(t, f.slept)
	assert.Zero(t, f.resolver.calls)
	assert.Empty(t, f.dispatcher.events)
}

func TestCallProcessor_FractionalDuration(t *testing.T) {
	f := newCallFixture(t)

	status, resp := f.processor.Process(context.Background(), callBody(t, map[string]any{"callDuration": 42.5}))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, StatusSuccess, resp.Status)
	require.Len(t, f.dispatcher.events, 1)
	assert.Equal(t, 43, f.dispatcher.events[0].Call.Duration)

	_, resp = f.processor.Process(context.Background(), callBody(t, map[string]any{"callDuration": 18.9}))
	assert.Equal(t, StatusIgnored, resp.Status)
	require.NotNil(t, resp.Duration)
	assert.Equal(t, 18.9, *resp.Duration)
}

func TestCallProcessor_MinDurationIsConfigurable(t *testing.T) {
	f := newCallFixture(t, WithMinCallDuration(10))

	_, resp := f.processor.Process(context.Background(), callBody(t, map[string]any{"callDuration": 15}))

	assert.Equal(t, StatusSuccess, resp.Status)
}

func TestCallProcessor_Ignored(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
	}{
		{name: "not a call", overrides: map[string]any{"messageType": "SMS"}},
		{name: "unknown location", overrides: map[string]any{"locationId": "loc-missing"}},
		{name: "uninstalled location", overrides: map[string]any{"locationId": "loc-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCallFixture(t)

			status, resp := f.processor.Process(context.Background(), callBody(t, tt.overrides))

			assert.Equal(t, http.StatusOK, status)
			assert.Equal(t, StatusIgnored, resp.Status)
			assert.NotEmpty(t, resp.Reason)
			assert.Empty(t, f.slept)
			assert.Empty(t, f.dispatcher.events)
		})
	}
}

func TestCallProcessor_NoActiveTriggers(t *testing.T) {
	f := newCallFixture(t)
	f.triggers.get("trg-1").Status = models.TriggerStatusInactive

	_, resp := f.processor.Process(context.Background(), callBody(t, nil))

	assert.Equal(t, StatusIgnored, resp.Status)
	assert.Empty(t, f.slept)
}

func TestCallProcessor_TriggerLeftProcessingIsDispatched(t *testing.T) {
	f := newCallFixture(t)
	f.triggers.get("trg-1").Status = models.TriggerStatusProcessing

	_, resp := f.processor.Process(context.Background(), callBody(t, nil))

	assert.Equal(t, StatusSuccess, resp.Status)
	require.Len(t, f.dispatcher.events, 1)
	require.Len(t, resp.WorkflowResults, 1)
	assert.Equal(t, "trg-1", resp.WorkflowResults[0].TriggerID)
}

func TestCallProcessor_MissingFields(t *testing.T) {
	f := newCallFixture(t)

	status, resp := f.processor.Process(context.Background(), callBody(t, map[string]any{"contactId": nil, "messageId": ""}))

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, ErrorCodeMissingFields, resp.ErrorCode)
	assert.ElementsMatch(t, []string{"contactId", "messageId"}, resp.Details["missing_fields"])
	assert.Zero(t, f.resolver.calls)
}

func TestCallProcessor_MalformedBody(t *testing.T) {
	f := newCallFixture(t)

	status, resp := f.processor.Process(context.Background(), []byte(`{"messageType":`))

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, ErrorCodeInvalidPayload, resp.ErrorCode)
}

func TestCallProcessor_UnresolvableRecordsAreIgnored(t *testing.T) {
	f := newCallFixture(t)
	f.resolver.contactErr = errors.New("crm unavailable")

	status, resp := f.processor.Process(context.Background(), callBody(t, nil))

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, StatusIgnored, resp.Status)
	assert.Empty(t, f.dispatcher.events)
}

func TestCallProcessor_CancelledDelay(t *testing.T) {
	f := newCallFixture(t, WithSleep(func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}))

	status, resp := f.processor.Process(context.Background(), callBody(t, nil))

	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, ErrorCodeUnexpected, resp.ErrorCode)
	assert.Empty(t, f.dispatcher.events)
}

func TestCallProcessor_DelayDisabled(t *testing.T) {
	f := newCallFixture(t, WithProcessingDelay(0))

	_, resp := f.processor.Process(context.Background(), callBody(t, nil))

	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Empty(t, f.slept)
}

func triggerBody(t *testing.T, lifecycle string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"triggerData": map[string]any{
			"id":        "trg-9",
			"key":       "ai-summary",
			"eventType": lifecycle,
			"targetUrl": "https://example.com/hook",
			"filters":   []map[string]any{{"field": "direction", "operator": "==", "value": "inbound"}},
		},
		"meta":   map[string]any{"key": "call", "version": "1.0"},
		"extras": map[string]any{"locationId": "loc-1", "workflowId": "wf-1", "companyId": "co-1"},
	})
	require.NoError(t, err)
	return raw
}

func TestTriggerRegistrar_Register(t *testing.T) {
	triggers := newMemTriggers()
	registrar := NewTriggerRegistrar(triggers, silentLogger())

	trigger, err := registrar.Register(context.Background(), triggerBody(t, "created"))
	require.NoError(t, err)

	assert.Equal(t, models.TriggerStatusActive, trigger.Status)
	assert.Equal(t, "ai-summary", trigger.Key)
	assert.Equal(t, CallEventType, trigger.EventType)
	assert.Equal(t, "wf-1", trigger.WorkflowID)
	require.NotNil(t, trigger.TargetURL)
	assert.Equal(t, "https://example.com/hook", *trigger.TargetURL)
	require.Len(t, trigger.Filters.Data, 1)
	assert.Equal(t, "direction", trigger.Filters.Data[0].Field)
}

func TestTriggerRegistrar_Invalid(t *testing.T) {
	registrar := NewTriggerRegistrar(newMemTriggers(), silentLogger())

	_, err := registrar.Register(context.Background(), triggerBody(t, "RENAMED"))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))

	_, err = registrar.Register(context.Background(), []byte("nope"))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestTriggerLifecycle(t *testing.T) {
	ctx := context.Background()
	triggers := newMemTriggers()
	registrar := NewTriggerRegistrar(triggers, silentLogger())

	fail := true
	registry := workflow.NewRegistry()
	registry.Register(workflow.KeyAISummary, workflow.HandlerFunc(func(context.Context, *models.Trigger, *workflow.Event) (*workflow.Result, error) {
		if fail {
			return nil, errors.New("summary failed")
		}
		return &workflow.Result{ActionsTaken: []string{"ai_summary"}}, nil
	}))
	engine := workflow.NewEngine(triggers, registry, silentLogger())
	evt := &workflow.Event{Type: CallEventType, LocationID: "loc-1", Payload: map[string]any{"direction": "inbound"}}

	_, err := registrar.Register(ctx, triggerBody(t, TriggerCreated))
	require.NoError(t, err)

	// a failing run leaves the trigger in error and out of dispatch
	active, err := triggers.ListActiveByLocation(ctx, "loc-1", CallEventType)
	require.NoError(t, err)
	results := engine.Dispatch(ctx, active, evt)
	require.Len(t, results, 1)
	assert.Equal(t, workflow.StatusError, results[0].Status)
	assert.Equal(t, models.TriggerStatusError, triggers.get("trg-9").Status)
	require.NotNil(t, triggers.get("trg-9").ErrorMessage)

	active, err = triggers.ListActiveByLocation(ctx, "loc-1", CallEventType)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = registrar.Register(ctx, triggerBody(t, TriggerDeleted))
	require.NoError(t, err)
	assert.Equal(t, models.TriggerStatusInactive, triggers.get("trg-9").Status)

	_, err = registrar.Register(ctx, triggerBody(t, TriggerCreated))
	require.NoError(t, err)
	stored := triggers.get("trg-9")
	assert.Equal(t, models.TriggerStatusActive, stored.Status)
	assert.Nil(t, stored.ErrorMessage)

	fail = false
	active, err = triggers.ListActiveByLocation(ctx, "loc-1", CallEventType)
	require.NoError(t, err)
	results = engine.Dispatch(ctx, active, evt)
	require.Len(t, results, 1)
	assert.Equal(t, workflow.StatusSuccess, results[0].Status)
	assert.Equal(t, 1, triggers.get("trg-9").TriggerCount)
}

type memApps struct {
	app    *models.Application
	linked []string
}

func (m *memApps) GetActiveByClient(_ context.Context, clientID, appID string) (*models.Application, error) {
	if m.app.ClientID != clientID || m.app.AppID != appID {
		return nil, repositories.NotFound("application %s does not exist", appID)
	}
	return m.app, nil
}

func (m *memApps) LinkLocation(_ context.Context, _ uuid.UUID, locationID string) error {
	m.linked = append(m.linked, locationID)
	return nil
}

type recordingExchanger struct {
	codes []string
}

func (r *recordingExchanger) ExchangeAuthorizationCode(_ context.Context, _ *models.Application, code string) error {
	r.codes = append(r.codes, code)
	return nil
}

func TestInstaller_InstallAndUninstall(t *testing.T) {
	ctx := context.Background()
	locations := &memLocations{locations: map[string]*models.Location{}}
	apps := &memApps{app: &models.Application{ID: uuid.New(), ClientID: "client-1", AppID: "app-1", IsActive: true}}
	exchanger := &recordingExchanger{}
	installer := NewInstaller(locations, apps, exchanger, "client-1", silentLogger())

	location, err := installer.Install(ctx, []byte(`{"type":"INSTALL","appId":"app-1","locationId":"loc-7","companyId":"co-1","code":"abc"}`))
	require.NoError(t, err)
	assert.True(t, location.IsInstalled)
	assert.Equal(t, []string{"loc-7"}, apps.linked)
	assert.Equal(t, []string{"abc"}, exchanger.codes)

	require.NoError(t, installer.Uninstall(ctx, []byte(`{"type":"UNINSTALL","appId":"app-1","locationId":"loc-7"}`)))
	assert.False(t, locations.locations["loc-7"].IsInstalled)

	// unknown locations are a no-op
	require.NoError(t, installer.Uninstall(ctx, []byte(`{"type":"UNINSTALL","appId":"app-1","locationId":"loc-8"}`)))
}

func TestInstaller_UnknownApplication(t *testing.T) {
	apps := &memApps{app: &models.Application{ID: uuid.New(), ClientID: "client-1", AppID: "app-1"}}
	installer := NewInstaller(&memLocations{locations: map[string]*models.Location{}}, apps, &recordingExchanger{}, "client-1", silentLogger())

	_, err := installer.Install(context.Background(), []byte(`{"appId":"app-2","locationId":"loc-7"}`))
	require.Error(t, err)
	assert.True(t, repositories.IsNotFound(err))
	assert.Empty(t, apps.linked)
}
