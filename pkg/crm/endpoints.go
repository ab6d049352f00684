package crm

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/Ramsey-B/clover/pkg/fetch"
)

// Kind is a syncable entity kind.
type Kind string

const (
	KindContacts      Kind = "contacts"
	KindConversations Kind = "conversations"
	KindMessages      Kind = "messages"
	KindOpportunities Kind = "opportunities"
	KindTasks         Kind = "tasks"
)

var kinds = []Kind{KindContacts, KindConversations, KindMessages, KindOpportunities, KindTasks}

func ParseKind(s string) (Kind, error) {
	for _, k := range kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// ListOptions scopes a list endpoint. ContactID and ConversationID are required by the
// endpoints nested under them.
type ListOptions struct {
	LocationID     string
	ContactID      string
	ConversationID string
	PageSize       int
}

// List builds the paginated request and a fresh strategy for kind.
func (c *Client) List(kind Kind, token string, opts ListOptions) (fetch.Request, fetch.Strategy, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	req := fetch.Request{
		Method:   http.MethodGet,
		Query:    url.Values{},
		Headers:  c.headers(token),
		BlockKey: opts.LocationID,
	}

	switch kind {
	case KindContacts:
		req.Method = http.MethodPost
		req.URL = c.url("/contacts/search")
		req.Body = map[string]any{"locationId": opts.LocationID}
		req.ItemsPath = "contacts"
		req.TotalPath = "total"
		return req, fetch.NewPageStrategy(opts.PageSize), nil

	case KindConversations:
		req.URL = c.url("/conversations/search")
		req.Query.Set("locationId", opts.LocationID)
		if opts.ContactID != "" {
			req.Query.Set("contactId", opts.ContactID)
		}
		req.ItemsPath = "conversations"
		req.TotalPath = "total"
		return req, fetch.NewOffsetStrategy(opts.PageSize), nil

	case KindMessages:
		if opts.ConversationID == "" {
			return req, nil, fmt.Errorf("messages require a conversation id")
		}
		req.URL = c.url("/conversations/%s/messages", opts.ConversationID)
		req.ItemsPath = "messages.messages"
		req.NextPagePath = "messages.nextPage"
		return req, fetch.NewCursorStrategy("lastMessageId", opts.PageSize), nil

	case KindOpportunities:
		req.URL = c.url("/opportunities/search")
		req.Query.Set("location_id", opts.LocationID)
		if opts.ContactID != "" {
			req.Query.Set("contact_id", opts.ContactID)
		}
		req.ItemsPath = "opportunities"
		req.NextPagePath = "meta.nextPage"
		return req, fetch.NewCursorStrategy("startAfterId", opts.PageSize), nil

	case KindTasks:
		if opts.ContactID == "" {
			return req, nil, fmt.Errorf("tasks require a contact id")
		}
		req.URL = c.url("/contacts/%s/tasks", opts.ContactID)
		req.ItemsPath = "tasks"
		return req, fetch.NewOffsetStrategy(opts.PageSize), nil
	}

	return req, nil, fmt.Errorf("unknown entity kind %q", kind)
}
