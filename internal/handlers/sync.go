package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/auth"
	"github.com/Ramsey-B/clover/pkg/crm"
	"github.com/Ramsey-B/clover/pkg/queue"
	"github.com/Ramsey-B/clover/pkg/syncer"
	"github.com/Ramsey-B/clover/pkg/validation"
)

// Syncer is the orchestrator surface the sync routes drive
type Syncer interface {
	SyncEntity(ctx context.Context, kind crm.Kind, locationID, token string, opts syncer.Options) (*syncer.Result, error)
	SyncWindow(ctx context.Context, locationID, token string, page, pageSize int) (*syncer.WindowResult, error)
	HydrateDetails(ctx context.Context, locationID, token string, limit int) (*syncer.HydrationResult, error)
}

type TokenSource interface {
	LocationAccessToken(ctx context.Context, locationID string) (string, error)
}

type JobPublisher interface {
	Enqueue(ctx context.Context, locationID, jobType string, payload map[string]any) error
}

// SyncHandler exposes manual and windowed syncs for a location
type SyncHandler struct {
	sync   Syncer
	tokens TokenSource
	jobs   JobPublisher
	logger ectologger.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(sync Syncer, tokens TokenSource, jobs JobPublisher, logger ectologger.Logger) *SyncHandler {
	return &SyncHandler{
		sync:   sync,
		tokens: tokens,
		jobs:   jobs,
		logger: logger,
	}
}

// SyncRequest scopes a manual sync
type SyncRequest struct {
	ContactID      string `query:"contactId" json:"contact_id"`
	ConversationID string `query:"conversationId" json:"conversation_id"`
	// Async queues the sync instead of running it in the request
	Async bool `query:"async" json:"async"`
}

// WindowRequest selects one page of contacts
type WindowRequest struct {
	Page     int `query:"page" validate:"omitempty,min=1"`
	PageSize int `query:"pageSize" validate:"omitempty,min=1,max=100"`
}

// HydrateRequest bounds a hydration pass
type HydrateRequest struct {
	Limit int `query:"limit" json:"limit" validate:"omitempty,min=1,max=500"`
}

// SyncResponse is a sync result, with the error that stopped it early if any
type SyncResponse struct {
	*syncer.Result
	Error string `json:"error,omitempty"`
}

// RegisterRoutes registers the sync routes
func (h *SyncHandler) RegisterRoutes(g *echo.Group) {
	locations := g.Group("/locations/:locationId")
	locations.POST("/sync/:kind", h.Sync)
	locations.GET("/contacts/window", h.Window)
	locations.POST("/hydrate", h.Hydrate)
}

// Sync handles POST /locations/:locationId/sync/:kind
func (h *SyncHandler) Sync(c echo.Context) error {
	ctx, locationID, err := LocationContext(c)
	if err != nil {
		return err
	}

	kind, err := crm.ParseKind(c.Param("kind"))
	if err != nil {
		return BadRequest(err.Error())
	}

	req := SyncRequest{}
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &req); err != nil {
		return BadRequest("invalid query parameters")
	}

	if req.Async {
		payload := map[string]any{"kind": string(kind)}
		if req.ContactID != "" {
			payload["contact_id"] = req.ContactID
		}
		if req.ConversationID != "" {
			payload["conversation_id"] = req.ConversationID
		}
		if err := h.jobs.Enqueue(ctx, locationID, queue.JobTypeEntitySync, payload); err != nil {
			return err
		}
		return AcceptedResponse(c, map[string]string{"status": "queued", "kind": string(kind)})
	}

	token, err := h.token(ctx, locationID)
	if err != nil {
		return err
	}

	result, err := h.sync.SyncEntity(ctx, kind, locationID, token, syncer.Options{
		ContactID:      req.ContactID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		if result == nil {
			return err
		}
		h.logger.WithContext(ctx).WithError(err).Warnf("sync of %s stopped early", kind)
		return c.JSON(http.StatusBadGateway, SyncResponse{Result: result, Error: err.Error()})
	}

	return SuccessResponse(c, SyncResponse{Result: result})
}

// Window handles GET /locations/:locationId/contacts/window
func (h *SyncHandler) Window(c echo.Context) error {
	ctx, locationID, err := LocationContext(c)
	if err != nil {
		return err
	}

	req, err := validation.BindRequest[WindowRequest](c)
	if err != nil {
		return err
	}

	token, err := h.token(ctx, locationID)
	if err != nil {
		return err
	}

	result, err := h.sync.SyncWindow(ctx, locationID, token, req.Page, req.PageSize)
	if err != nil {
		return err
	}

	return SuccessResponse(c, result)
}

// Hydrate handles POST /locations/:locationId/hydrate
func (h *SyncHandler) Hydrate(c echo.Context) error {
	ctx, locationID, err := LocationContext(c)
	if err != nil {
		return err
	}

	req := HydrateRequest{}
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &req); err != nil {
		return BadRequest("invalid query parameters")
	}
	if _, err := validation.Validate(req); err != nil {
		return httperror.WrapError(http.StatusBadRequest, err)
	}

	token, err := h.token(ctx, locationID)
	if err != nil {
		return err
	}

	result, err := h.sync.HydrateDetails(ctx, locationID, token, req.Limit)
	if err != nil {
		return err
	}

	return SuccessResponse(c, result)
}

// token maps credential failures to a client error naming the location.
func (h *SyncHandler) token(ctx context.Context, locationID string) (string, error) {
	token, err := h.tokens.LocationAccessToken(ctx, locationID)
	if errors.Is(err, auth.ErrTokenMissing) || errors.Is(err, auth.ErrTokenExpired) {
		return "", httperror.NewHTTPErrorf(http.StatusConflict, "location %s has no usable token: %s", locationID, err)
	}
	return token, err
}
