package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/fetch"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/queue"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const DefaultHydrationBatchSize = 50

// Stores are the local record stores the orchestrator upserts into.
type Stores struct {
	Contacts           repositories.ContactRepo
	Conversations      repositories.RecordStore[models.Conversation, *models.Conversation]
	Messages           repositories.RecordStore[models.Message, *models.Message]
	Opportunities      repositories.RecordStore[models.Opportunity, *models.Opportunity]
	Tasks              repositories.RecordStore[models.Task, *models.Task]
	TranscriptSegments repositories.TranscriptSegmentRepo
}

// JobPublisher moves dependent syncs off the request path.
type JobPublisher interface {
	Enqueue(ctx context.Context, locationID, jobType string, payload map[string]any) error
}

type Config struct {
	PageSize           int
	MaxPages           int
	HydrationBatchSize int
	// OpportunitiesAsync enqueues an opportunity sync for every synced contact. When false, contact
	// sync leaves opportunities to an explicit opportunities sync.
	OpportunitiesAsync bool
}

// Orchestrator turns fetched pages into idempotent upserts.
type Orchestrator struct {
	stores Stores
	crm    *crm.Client
	pager  *fetch.Pager
	jobs   JobPublisher
	cfg    Config
	logger ectologger.Logger
}

func NewOrchestrator(stores Stores, client *crm.Client, pager *fetch.Pager, jobs JobPublisher, cfg Config, logger ectologger.Logger) *Orchestrator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.HydrationBatchSize <= 0 {
		cfg.HydrationBatchSize = DefaultHydrationBatchSize
	}
	return &Orchestrator{stores: stores, crm: client, pager: pager, jobs: jobs, cfg: cfg, logger: logger}
}

// Options scope nested kinds: tasks and opportunities by contact, messages by conversation.
type Options struct {
	ContactID      string `json:"contact_id,omitempty" query:"contactId"`
	ConversationID string `json:"conversation_id,omitempty" query:"conversationId"`
}

// RecordError is one record's failure within a batch.
type RecordError struct {
	Kind       crm.Kind `json:"kind"`
	ExternalID string   `json:"external_id,omitempty"`
	Message    string   `json:"message"`
}

type Result struct {
	Kind    crm.Kind      `json:"kind"`
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Errors  []RecordError `json:"errors"`
}

func newResult(kind crm.Kind) *Result {
	return &Result{Kind: kind, Errors: []RecordError{}}
}

func (r *Result) record(outcome Outcome) {
	switch outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	}
}

func (r *Result) fail(kind crm.Kind, externalID string, err error) {
	r.Errors = append(r.Errors, RecordError{Kind: kind, ExternalID: externalID, Message: err.Error()})
}

// merge keeps a dependent sync's errors. Its counts belong to the dependent kind.
func (r *Result) merge(other *Result) {
	r.Errors = append(r.Errors, other.Errors...)
}

// SyncEntity drains the list endpoint for kind and upserts every record. Per-record failures land
// in Result.Errors; a fetch failure aborts the pass and is returned with the partial result.
func (o *Orchestrator) SyncEntity(ctx context.Context, kind crm.Kind, locationID, token string, opts Options) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.SyncEntity")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.SyncDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	result := newResult(kind)
	req, strategy, err := o.crm.List(kind, token, crm.ListOptions{
		LocationID:     locationID,
		ContactID:      opts.ContactID,
		ConversationID: opts.ConversationID,
		PageSize:       o.cfg.PageSize,
	})
	if err != nil {
		return result, err
	}

	for page, err := range o.pager.Pages(ctx, req, strategy, o.cfg.MaxPages) {
		if err != nil {
			tracing.Fail(span, err)
			o.logger.WithContext(ctx).WithError(err).Errorf("failed to fetch %s for location %s", kind, locationID)
			return result, err
		}
		if err := o.applyPage(ctx, kind, locationID, token, page.Items, result); err != nil {
			return result, err
		}
	}

	o.logger.WithContext(ctx).Infof("Synced %s for location %s: created=%d updated=%d errors=%d",
		kind, locationID, result.Created, result.Updated, len(result.Errors))
	return result, nil
}

func (o *Orchestrator) applyPage(ctx context.Context, kind crm.Kind, locationID, token string, items []any, result *Result) error {
	switch kind {
	case crm.KindContacts:
		contacts, err := fetch.Decode[crm.Contact](items)
		if err != nil {
			return err
		}
		for _, c := range contacts {
			o.syncContact(ctx, locationID, c.Model(), result)
		}

	case crm.KindConversations:
		conversations, err := fetch.Decode[crm.Conversation](items)
		if err != nil {
			return err
		}
		for _, c := range conversations {
			if _, err := apply(ctx, kind, locationID, o.stores.Conversations, c.Model(), nil, result); err != nil {
				continue
			}
			// messages reuse the conversation's token
			messages, err := o.SyncEntity(ctx, crm.KindMessages, locationID, token, Options{ConversationID: c.ID})
			result.merge(messages)
			if err != nil {
				result.fail(crm.KindMessages, c.ID, err)
			}
		}

	case crm.KindMessages:
		messages, err := fetch.Decode[crm.Message](items)
		if err != nil {
			return err
		}
		for _, m := range messages {
			_, _ = apply(ctx, kind, locationID, o.stores.Messages, m.Model(), nil, result)
		}

	case crm.KindOpportunities:
		opportunities, err := fetch.Decode[crm.Opportunity](items)
		if err != nil {
			return err
		}
		for _, opp := range opportunities {
			_, _ = apply(ctx, kind, locationID, o.stores.Opportunities, opp.Model(), nil, result)
		}

	case crm.KindTasks:
		tasks, err := fetch.Decode[crm.Task](items)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			_, _ = apply(ctx, kind, locationID, o.stores.Tasks, t.Model(locationID), nil, result)
		}

	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
	return nil
}

func (o *Orchestrator) syncContact(ctx context.Context, locationID string, contact *models.Contact, result *Result) {
	if _, err := apply(ctx, crm.KindContacts, locationID, o.stores.Contacts, contact, preserveContact, result); err != nil {
		return
	}
	if !o.cfg.OpportunitiesAsync || o.jobs == nil {
		return
	}
	payload := map[string]any{"contact_id": contact.ExternalID}
	if err := o.jobs.Enqueue(ctx, locationID, queue.JobTypeOpportunitySync, payload); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warnf("failed to enqueue opportunity sync for contact %s", contact.ExternalID)
	}
}

// apply upserts one record into result. Records from another location are rejected.
func apply[T any, P models.RecordPtr[T]](ctx context.Context, kind crm.Kind, locationID string, store repositories.RecordStore[T, P], record P, preserve Preserve[P], result *Result) (Outcome, error) {
	base := record.Base()
	if base.LocationID == "" {
		base.LocationID = locationID
	}
	if base.LocationID != locationID {
		err := fmt.Errorf("%w: %s %s belongs to %s", ErrLocationMismatch, kind, base.ExternalID, base.LocationID)
		metrics.SyncRecordsTotal.WithLabelValues(string(kind), "rejected").Inc()
		result.fail(kind, base.ExternalID, err)
		return 0, err
	}

	outcome, err := Upsert(ctx, store, record, preserve)
	metrics.SyncRecordsTotal.WithLabelValues(string(kind), outcome.String()).Inc()
	if err != nil {
		result.fail(kind, base.ExternalID, err)
		return outcome, err
	}
	result.record(outcome)
	return outcome, nil
}

type WindowResult struct {
	Created        int           `json:"created"`
	Updated        int           `json:"updated"`
	TotalAvailable int           `json:"total_available"`
	HasMore        bool          `json:"has_more"`
	Errors         []RecordError `json:"errors"`
}

// SyncWindow fetches and upserts exactly one page of contacts. Conversations and tasks are left
// for detail hydration; new contacts start with details_fetched=false.
func (o *Orchestrator) SyncWindow(ctx context.Context, locationID, token string, page, pageSize int) (*WindowResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.SyncWindow")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 10
	}

	req, _, err := o.crm.List(crm.KindContacts, token, crm.ListOptions{LocationID: locationID, PageSize: pageSize})
	if err != nil {
		return nil, err
	}
	strategy := fetch.NewPageStrategy(pageSize)
	strategy.StartAt(page)

	result := newResult(crm.KindContacts)
	window := &WindowResult{}
	for fetched, err := range o.pager.Pages(ctx, req, strategy, 1) {
		if err != nil {
			tracing.Fail(span, err)
			return nil, err
		}

		contacts, err := fetch.Decode[crm.Contact](fetched.Items)
		if err != nil {
			return nil, err
		}
		for _, c := range contacts {
			o.syncContact(ctx, locationID, c.Model(), result)
		}

		window.TotalAvailable = fetched.Total
		if fetched.Total > 0 {
			window.HasMore = page*pageSize < fetched.Total
		} else {
			window.HasMore = len(fetched.Items) == pageSize
		}
	}

	window.Created = result.Created
	window.Updated = result.Updated
	window.Errors = result.Errors
	return window, nil
}

type HydrationResult struct {
	Processed int           `json:"processed"`
	Hydrated  int           `json:"hydrated"`
	Failed    int           `json:"failed"`
	Errors    []RecordError `json:"errors"`
}

// HydrateDetails syncs tasks and conversations (and their messages) for contacts not yet hydrated.
// details_fetched is set only when both dependent syncs complete without errors.
func (o *Orchestrator) HydrateDetails(ctx context.Context, locationID, token string, limit int) (*HydrationResult, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.HydrateDetails")
	defer span.End()

	if limit <= 0 {
		limit = o.cfg.HydrationBatchSize
	}

	contacts, err := o.stores.Contacts.ListPendingDetails(ctx, locationID, limit)
	if err != nil {
		return nil, err
	}

	result := &HydrationResult{Errors: []RecordError{}}
	for _, contact := range contacts {
		result.Processed++
		opts := Options{ContactID: contact.ExternalID}

		tasks, tasksErr := o.SyncEntity(ctx, crm.KindTasks, locationID, token, opts)
		conversations, convErr := o.SyncEntity(ctx, crm.KindConversations, locationID, token, opts)
		result.Errors = append(result.Errors, tasks.Errors...)
		result.Errors = append(result.Errors, conversations.Errors...)

		if err := errors.Join(tasksErr, convErr); err != nil || len(tasks.Errors) > 0 || len(conversations.Errors) > 0 {
			if err != nil {
				result.Errors = append(result.Errors, RecordError{Kind: crm.KindContacts, ExternalID: contact.ExternalID, Message: err.Error()})
			}
			result.Failed++
			continue
		}

		if err := o.stores.Contacts.MarkDetailsFetched(ctx, locationID, contact.ExternalID); err != nil {
			result.Errors = append(result.Errors, RecordError{Kind: crm.KindContacts, ExternalID: contact.ExternalID, Message: err.Error()})
			result.Failed++
			continue
		}
		result.Hydrated++
	}

	o.logger.WithContext(ctx).Infof("Hydrated %d/%d contacts for location %s", result.Hydrated, result.Processed, locationID)
	return result, nil
}
