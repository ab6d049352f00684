package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/auth"
	"github.com/Ramsey-B/clover/pkg/httpclient"
	"github.com/Ramsey-B/clover/pkg/models"
)

type ApplicationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Application, error)
}

type TokenRefresher interface {
	RefreshAgencyToken(ctx context.Context, app *models.Application) error
}

// ApplicationHandler reports and refreshes agency tokens. Token values are never returned.
type ApplicationHandler struct {
	apps    ApplicationStore
	refresh TokenRefresher
	now     func() time.Time
}

// NewApplicationHandler creates a new application handler
func NewApplicationHandler(apps ApplicationStore, refresh TokenRefresher) *ApplicationHandler {
	return &ApplicationHandler{
		apps:    apps,
		refresh: refresh,
		now:     time.Now,
	}
}

// TokenStatusResponse describes an application's agency token
type TokenStatusResponse struct {
	ApplicationID   uuid.UUID          `json:"application_id"`
	Status          models.TokenStatus `json:"status"`
	ExpiresAt       *time.Time         `json:"expires_at,omitempty"`
	HasRefreshToken bool               `json:"has_refresh_token"`
}

// RegisterRoutes registers the application routes
func (h *ApplicationHandler) RegisterRoutes(g *echo.Group) {
	apps := g.Group("/applications")
	apps.GET("/:id/token", h.TokenStatus)
	apps.POST("/:id/token/refresh", h.RefreshToken)
}

// TokenStatus handles GET /applications/:id/token
func (h *ApplicationHandler) TokenStatus(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	app, err := h.apps.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, h.status(app))
}

// RefreshToken handles POST /applications/:id/token/refresh
func (h *ApplicationHandler) RefreshToken(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	app, err := h.apps.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := h.refresh.RefreshAgencyToken(ctx, app); err != nil {
		var statusErr *httpclient.StatusError
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			return httperror.NewHTTPError(http.StatusConflict, "application has no refresh token; reinstall required")
		case errors.As(err, &statusErr):
			return httperror.NewHTTPErrorf(http.StatusBadGateway, "token refresh rejected with status %d", statusErr.StatusCode)
		}
		return err
	}

	return SuccessResponse(c, h.status(app))
}

func (h *ApplicationHandler) status(app *models.Application) TokenStatusResponse {
	return TokenStatusResponse{
		ApplicationID:   app.ID,
		Status:          app.TokenStatus(h.now()),
		ExpiresAt:       app.TokenExpiry,
		HasRefreshToken: app.HasRefreshToken(),
	}
}
