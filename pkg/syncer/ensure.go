package syncer

import (
	"context"
	"sort"

	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// EnsureContact returns the local contact, fetching and storing it from the CRM when missing.
func (o *Orchestrator) EnsureContact(ctx context.Context, locationID, token, contactID string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.EnsureContact")
	defer span.End()

	contact, err := o.stores.Contacts.GetByExternalID(ctx, locationID, contactID)
	if err == nil {
		return contact, nil
	}
	if !repositories.IsNotFound(err) {
		return nil, err
	}
	return o.RefreshContact(ctx, locationID, token, contactID)
}

// RefreshContact re-reads the contact from the CRM and upserts it.
func (o *Orchestrator) RefreshContact(ctx context.Context, locationID, token, contactID string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.RefreshContact")
	defer span.End()

	remote, err := o.crm.GetContact(ctx, token, contactID)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	contact := remote.Model()
	if _, err := apply(ctx, crm.KindContacts, locationID, o.stores.Contacts, contact, preserveContact, newResult(crm.KindContacts)); err != nil {
		return nil, err
	}
	return contact, nil
}

// EnsureConversation returns the local conversation, fetching it when missing.
func (o *Orchestrator) EnsureConversation(ctx context.Context, locationID, token, conversationID string) (*models.Conversation, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.EnsureConversation")
	defer span.End()

	conversation, err := o.stores.Conversations.GetByExternalID(ctx, locationID, conversationID)
	if err == nil {
		return conversation, nil
	}
	if !repositories.IsNotFound(err) {
		return nil, err
	}

	remote, err := o.crm.GetConversation(ctx, token, conversationID)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	conversation = remote.Model()
	if _, err := apply(ctx, crm.KindConversations, locationID, o.stores.Conversations, conversation, nil, newResult(crm.KindConversations)); err != nil {
		return nil, err
	}
	return conversation, nil
}

// EnsureMessage fetches the message from the CRM and upserts it. Webhook payloads can lag the
// provider's stored state, so the remote copy always wins.
func (o *Orchestrator) EnsureMessage(ctx context.Context, locationID, token, messageID string) (*models.Message, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.EnsureMessage")
	defer span.End()

	remote, err := o.crm.GetMessage(ctx, token, messageID)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	message := remote.Model()
	if _, err := apply(ctx, crm.KindMessages, locationID, o.stores.Messages, message, nil, newResult(crm.KindMessages)); err != nil {
		return nil, err
	}
	return message, nil
}

// FetchTranscript returns the stored transcript segments of a call message in sentence order,
// pulling them from the CRM when none are stored yet.
func (o *Orchestrator) FetchTranscript(ctx context.Context, locationID, token, messageID string) ([]models.TranscriptSegment, error) {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.FetchTranscript")
	defer span.End()

	segments, err := o.stores.TranscriptSegments.ListByMessage(ctx, locationID, messageID)
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		return segments, nil
	}

	sentences, err := o.crm.GetTranscription(ctx, token, locationID, messageID)
	if err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	result := newResult("transcript_segments")
	segments = make([]models.TranscriptSegment, 0, len(sentences))
	for _, sentence := range sentences {
		segment := sentence.Model(locationID, messageID)
		if segment.EndTime <= segment.StartTime {
			o.logger.WithContext(ctx).Warnf("dropping transcript sentence %s that does not end after it starts", segment.ExternalID)
			continue
		}
		segment.Confidence = min(max(segment.Confidence, 0), 1)
		if _, err := apply(ctx, "transcript_segments", locationID, o.stores.TranscriptSegments, segment, nil, result); err != nil {
			continue
		}
		segments = append(segments, *segment)
	}
	if len(result.Errors) > 0 {
		o.logger.WithContext(ctx).Warnf("failed to store %d transcript segments for message %s", len(result.Errors), messageID)
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].SentenceIndex < segments[j].SentenceIndex
	})
	return segments, nil
}
