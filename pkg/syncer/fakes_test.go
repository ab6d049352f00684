package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
)

type memStore[T any, P models.RecordPtr[T]] struct {
	mu   sync.Mutex
	rows map[string]P
	fail map[string]error
	race map[string]P
}

func newMemStore[T any, P models.RecordPtr[T]]() *memStore[T, P] {
	return &memStore[T, P]{rows: map[string]P{}, fail: map[string]error{}, race: map[string]P{}}
}

func key(locationID, externalID string) string {
	return locationID + "/" + externalID
}

func (s *memStore[T, P]) GetByExternalID(_ context.Context, locationID, externalID string) (P, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key(locationID, externalID)]
	if !ok {
		return nil, repositories.NotFound("%s not found", externalID)
	}
	cp := P(new(T))
	*cp = *row
	return cp, nil
}

func (s *memStore[T, P]) Create(_ context.Context, record P) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := record.Base()
	if err, ok := s.fail[base.ExternalID]; ok {
		return err
	}
	k := key(base.LocationID, base.ExternalID)
	// simulate a concurrent writer inserting first
	if winner, ok := s.race[base.ExternalID]; ok {
		delete(s.race, base.ExternalID)
		s.rows[k] = winner
		return &database.ConflictError{Table: record.TableName(), Key: base.ExternalID, Err: database.ErrConflict}
	}
	if _, ok := s.rows[k]; ok {
		return &database.ConflictError{Table: record.TableName(), Key: base.ExternalID}
	}
	base.CreatedAt = time.Now()
	base.UpdatedAt = base.CreatedAt
	cp := P(new(T))
	*cp = *record
	s.rows[k] = cp
	return nil
}

func (s *memStore[T, P]) Write(_ context.Context, record P) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := record.Base()
	k := key(base.LocationID, base.ExternalID)
	if _, ok := s.rows[k]; !ok {
		return repositories.NotFound("%s not found", base.ExternalID)
	}
	cp := P(new(T))
	*cp = *record
	s.rows[k] = cp
	return nil
}

func (s *memStore[T, P]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *memStore[T, P]) get(locationID, externalID string) P {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[key(locationID, externalID)]
}

type memContacts struct {
	*memStore[models.Contact, *models.Contact]
}

func newMemContacts() *memContacts {
	return &memContacts{memStore: newMemStore[models.Contact]()}
}

func (s *memContacts) put(c models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key(c.LocationID, c.ExternalID)] = &c
}

func (s *memContacts) CountByLocation(_ context.Context, locationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.rows {
		if c.LocationID == locationID {
			n++
		}
	}
	return n, nil
}

func (s *memContacts) ListPendingDetails(_ context.Context, locationID string, limit int) ([]models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Contact
	for _, c := range s.rows {
		if c.LocationID == locationID && !c.DetailsFetched {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memContacts) MarkDetailsFetched(_ context.Context, locationID, externalID string) error {
	return s.update(locationID, externalID, func(c *models.Contact) { c.DetailsFetched = true })
}

func (s *memContacts) Touch(_ context.Context, locationID, externalID string, at time.Time) error {
	return s.update(locationID, externalID, func(c *models.Contact) { c.LastActivity = &at })
}

func (s *memContacts) SetLeadScore(_ context.Context, locationID, externalID string, score int) error {
	return s.update(locationID, externalID, func(c *models.Contact) { c.LeadScore = &score })
}

func (s *memContacts) update(locationID, externalID string, fn func(c *models.Contact)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[key(locationID, externalID)]
	if !ok {
		return repositories.NotFound("contact %s not found", externalID)
	}
	fn(c)
	return nil
}

type memSegments struct {
	*memStore[models.TranscriptSegment, *models.TranscriptSegment]
}

func (s *memSegments) ListByMessage(_ context.Context, locationID, messageID string) ([]models.TranscriptSegment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TranscriptSegment
	for _, seg := range s.rows {
		if seg.LocationID == locationID && seg.MessageExternalID == messageID {
			out = append(out, *seg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentenceIndex < out[j].SentenceIndex })
	return out, nil
}

type enqueued struct {
	locationID string
	jobType    string
	payload    map[string]any
}

type recordingJobs struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (r *recordingJobs) Enqueue(_ context.Context, locationID, jobType string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, enqueued{locationID: locationID, jobType: jobType, payload: payload})
	return nil
}

type testStores struct {
	contacts      *memContacts
	conversations *memStore[models.Conversation, *models.Conversation]
	messages      *memStore[models.Message, *models.Message]
	opportunities *memStore[models.Opportunity, *models.Opportunity]
	tasks         *memStore[models.Task, *models.Task]
	segments      *memSegments
}

func newTestStores() *testStores {
	return &testStores{
		contacts:      newMemContacts(),
		conversations: newMemStore[models.Conversation](),
		messages:      newMemStore[models.Message](),
		opportunities: newMemStore[models.Opportunity](),
		tasks:         newMemStore[models.Task](),
		segments:      &memSegments{memStore: newMemStore[models.TranscriptSegment]()},
	}
}

func (s *testStores) Stores() Stores {
	return Stores{
		Contacts:           s.contacts,
		Conversations:      s.conversations,
		Messages:           s.messages,
		Opportunities:      s.opportunities,
		Tasks:              s.tasks,
		TranscriptSegments: s.segments,
	}
}
