package handlers

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/webhook"
)

type CallProcessor interface {
	Process(ctx context.Context, body []byte) (int, *webhook.Response)
}

type TriggerRegistrar interface {
	Register(ctx context.Context, body []byte) (*models.Trigger, error)
}

type Installer interface {
	Install(ctx context.Context, body []byte) (*models.Location, error)
	Uninstall(ctx context.Context, body []byte) error
}

// WebhookHandler receives the CRM's webhooks
type WebhookHandler struct {
	calls     CallProcessor
	triggers  TriggerRegistrar
	installer Installer
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(calls CallProcessor, triggers TriggerRegistrar, installer Installer) *WebhookHandler {
	return &WebhookHandler{
		calls:     calls,
		triggers:  triggers,
		installer: installer,
	}
}

// RegisterRoutes registers the webhook routes
func (h *WebhookHandler) RegisterRoutes(g *echo.Group) {
	hooks := g.Group("/webhooks")
	hooks.POST("/call-summary", h.Call)
	hooks.POST("/triggers", h.Trigger)
	hooks.POST("/install", h.Install)
	hooks.POST("/uninstall", h.Uninstall)
}

// Call handles POST /webhooks/call-summary. The processor decides the status code, including
// 200 for ignored events so the CRM does not redeliver them.
func (h *WebhookHandler) Call(c echo.Context) error {
	body, err := ReadBody(c)
	if err != nil {
		return err
	}

	status, resp := h.calls.Process(c.Request().Context(), body)
	return c.JSON(status, resp)
}

// Trigger handles POST /webhooks/triggers
func (h *WebhookHandler) Trigger(c echo.Context) error {
	body, err := ReadBody(c)
	if err != nil {
		return err
	}

	trigger, err := h.triggers.Register(c.Request().Context(), body)
	if err != nil {
		return err
	}

	return SuccessResponse(c, trigger)
}

// Install handles POST /webhooks/install
func (h *WebhookHandler) Install(c echo.Context) error {
	body, err := ReadBody(c)
	if err != nil {
		return err
	}

	location, err := h.installer.Install(c.Request().Context(), body)
	if err != nil {
		return err
	}

	return SuccessResponse(c, location)
}

// Uninstall handles POST /webhooks/uninstall
func (h *WebhookHandler) Uninstall(c echo.Context) error {
	body, err := ReadBody(c)
	if err != nil {
		return err
	}

	if err := h.installer.Uninstall(c.Request().Context(), body); err != nil {
		return err
	}

	return NoContentResponse(c)
}
