package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

// Outcome is the result of one upsert.
type Outcome int

const (
	OutcomeCreated Outcome = iota + 1
	OutcomeUpdated
	// OutcomeConflict means create collided but the colliding row could not be found again.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeConflict:
		return "conflict"
	default:
		return "failed"
	}
}

// ErrLocationMismatch rejects a record whose location differs from the location being synced.
var ErrLocationMismatch = errors.New("record location does not match sync location")

// Preserve copies locally owned fields from the stored record onto the incoming one before a write.
type Preserve[P any] func(existing, incoming P)

// Upsert looks the record up by (location, external id) and writes or creates it. A unique
// violation on create means a concurrent sync won the race, so the lookup is retried once and
// the record written as an update.
func Upsert[T any, P models.RecordPtr[T]](ctx context.Context, store repositories.RecordStore[T, P], record P, preserve Preserve[P]) (Outcome, error) {
	base := record.Base()

	existing, err := store.GetByExternalID(ctx, base.LocationID, base.ExternalID)
	if err == nil {
		return write(ctx, store, existing, record, preserve)
	}
	if !repositories.IsNotFound(err) {
		return 0, err
	}

	err = store.Create(ctx, record)
	if err == nil {
		return OutcomeCreated, nil
	}
	if !errors.Is(err, database.ErrConflict) {
		return 0, err
	}

	existing, lookupErr := store.GetByExternalID(ctx, base.LocationID, base.ExternalID)
	if lookupErr != nil {
		return OutcomeConflict, fmt.Errorf("%w; lookup after conflict: %v", err, lookupErr)
	}
	return write(ctx, store, existing, record, preserve)
}

func write[T any, P models.RecordPtr[T]](ctx context.Context, store repositories.RecordStore[T, P], existing, record P, preserve Preserve[P]) (Outcome, error) {
	if preserve != nil {
		preserve(existing, record)
	}
	if err := store.Write(ctx, record); err != nil {
		return 0, err
	}
	return OutcomeUpdated, nil
}

// preserveContact keeps hydration state and locally derived activity, which the remote CRM does not send.
func preserveContact(existing, incoming *models.Contact) {
	incoming.DetailsFetched = existing.DetailsFetched
	incoming.LeadScore = existing.LeadScore
	incoming.LastActivity = existing.LastActivity
	incoming.LastCallAt = existing.LastCallAt
}
