package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/repositories"
	"github.com/Ramsey-B/clover/pkg/tracing"
	"github.com/Ramsey-B/clover/pkg/validation"
)

// InstallPayload is the provider's app install/uninstall webhook.
type InstallPayload struct {
	Type         string `json:"type"`
	AppID        string `json:"appId" validate:"required"`
	ClientID     string `json:"clientId"`
	CompanyID    string `json:"companyId"`
	LocationID   string `json:"locationId" validate:"required"`
	LocationName string `json:"locationName"`
	// Code is the OAuth authorization code, present on the first install of an application
	Code string `json:"code"`
}

type InstallLocations interface {
	Upsert(ctx context.Context, location *models.Location) error
	SetInstalled(ctx context.Context, locationID string, installed bool) error
}

type InstallApplications interface {
	GetActiveByClient(ctx context.Context, clientID, appID string) (*models.Application, error)
	LinkLocation(ctx context.Context, applicationID uuid.UUID, locationID string) error
}

// CodeExchanger completes the OAuth install flow.
type CodeExchanger interface {
	ExchangeAuthorizationCode(ctx context.Context, app *models.Application, code string) error
}

// Installer applies install and uninstall webhooks to locations.
type Installer struct {
	locations InstallLocations
	apps      InstallApplications
	exchanger CodeExchanger
	clientID  string
	logger    ectologger.Logger
}

// NewInstaller creates an Installer. clientID is used when a payload does not name its client.
func NewInstaller(locations InstallLocations, apps InstallApplications, exchanger CodeExchanger, clientID string, logger ectologger.Logger) *Installer {
	return &Installer{
		locations: locations,
		apps:      apps,
		exchanger: exchanger,
		clientID:  clientID,
		logger:    logger,
	}
}

// Install marks the location installed and links it to its application. An authorization code in
// the payload is exchanged for the application's agency token.
func (i *Installer) Install(ctx context.Context, body []byte) (*models.Location, error) {
	ctx, span := tracing.StartSpan(ctx, "Installer.Install")
	defer span.End()

	payload, err := parseInstall(body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("install", ErrorCodeInvalidPayload).Inc()
		return nil, err
	}

	clientID := payload.ClientID
	if clientID == "" {
		clientID = i.clientID
	}
	app, err := i.apps.GetActiveByClient(ctx, clientID, payload.AppID)
	if err != nil {
		tracing.Fail(span, err)
		metrics.WebhooksTotal.WithLabelValues("install", "unknown_application").Inc()
		return nil, err
	}

	location := &models.Location{
		LocationID:  payload.LocationID,
		CompanyID:   payload.CompanyID,
		Name:        payload.LocationName,
		IsInstalled: true,
	}
	if err := i.locations.Upsert(ctx, location); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}
	if err := i.apps.LinkLocation(ctx, app.ID, location.LocationID); err != nil {
		tracing.Fail(span, err)
		return nil, err
	}

	if payload.Code != "" {
		if err := i.exchanger.ExchangeAuthorizationCode(ctx, app, payload.Code); err != nil {
			tracing.Fail(span, err)
			metrics.WebhooksTotal.WithLabelValues("install", "exchange_failed").Inc()
			return nil, httperror.NewHTTPErrorf(http.StatusBadGateway, "failed to exchange authorization code: %s", err)
		}
	}

	metrics.WebhooksTotal.WithLabelValues("install", StatusSuccess).Inc()
	i.logger.WithContext(ctx).WithFields(map[string]any{
		"location_id":    location.LocationID,
		"application_id": app.ID,
	}).Info("location installed")
	return location, nil
}

// Uninstall flips the location's installation flag off. Its records are kept.
func (i *Installer) Uninstall(ctx context.Context, body []byte) error {
	ctx, span := tracing.StartSpan(ctx, "Installer.Uninstall")
	defer span.End()

	payload, err := parseInstall(body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("uninstall", ErrorCodeInvalidPayload).Inc()
		return err
	}

	if err := i.locations.SetInstalled(ctx, payload.LocationID, false); err != nil {
		if repositories.IsNotFound(err) {
			// nothing was installed
			i.logger.WithContext(ctx).Warnf("uninstall for unknown location %s", payload.LocationID)
			metrics.WebhooksTotal.WithLabelValues("uninstall", StatusIgnored).Inc()
			return nil
		}
		tracing.Fail(span, err)
		return err
	}

	metrics.WebhooksTotal.WithLabelValues("uninstall", StatusSuccess).Inc()
	i.logger.WithContext(ctx).WithField("location_id", payload.LocationID).Info("location uninstalled")
	return nil
}

func parseInstall(body []byte) (*InstallPayload, error) {
	var payload InstallPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("install webhook body is not valid JSON: %s", err))
	}
	if _, err := validation.Validate(payload); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return &payload, nil
}
