package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	applicationsTable         = "applications"
	applicationLocationsTable = "application_locations"
)

var applicationStruct = database.NewStruct(new(models.Application))

// ApplicationRepository handles database operations for applications and their installs
type ApplicationRepository struct {
	*Repository
}

// NewApplicationRepository creates a new application repository
func NewApplicationRepository(db database.DB, logger ectologger.Logger) *ApplicationRepository {
	return &ApplicationRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts an application. A second active application for the same (client_id, app_id) is a conflict.
func (r *ApplicationRepository) Create(ctx context.Context, app *models.Application) error {
	ctx, span := tracing.StartSpan(ctx, "ApplicationRepository.Create")
	defer span.End()

	if app.ID == uuid.Nil {
		app.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(applicationsTable).
		Cols("id", "client_id", "client_secret", "app_id", "company_id", "access_token", "refresh_token", "token_expiry", "is_active", "created_at", "updated_at").
		Values(app.ID, app.ClientID, app.ClientSecret, app.AppID, app.CompanyID, app.AccessToken, app.RefreshToken, app.TokenExpiry, app.IsActive,
			database.Now(), database.Now()).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		if conflict := database.AsConflict(err, applicationsTable, app.ClientID+"/"+app.AppID); conflict != nil {
			return conflict
		}
		r.logger.WithContext(ctx).WithError(err).WithField("application_id", app.ID).Error("failed to create application")
		return internalError("failed to create application")
	}

	return nil
}

// GetByID retrieves an application by ID
func (r *ApplicationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	ctx, span := tracing.StartSpan(ctx, "ApplicationRepository.GetByID")
	defer span.End()

	sb := applicationStruct.SelectFrom(applicationsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var app models.Application
	err := r.DB().GetContext(ctx, &app, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "application %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("application_id", id).Error("failed to get application by ID")
		return nil, internalError("failed to get application by ID")
	}

	return &app, nil
}

// GetActiveByClient returns the active application for (clientID, appID).
func (r *ApplicationRepository) GetActiveByClient(ctx context.Context, clientID, appID string) (*models.Application, error) {
	ctx, span := tracing.StartSpan(ctx, "ApplicationRepository.GetActiveByClient")
	defer span.End()

	sb := applicationStruct.SelectFrom(applicationsTable)
	sb.Where(sb.Equal("client_id", clientID), sb.Equal("app_id", appID), sb.Equal("is_active", true))

	query, args := sb.Build()
	var app models.Application
	err := r.DB().GetContext(ctx, &app, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no active application for client %s", clientID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("client_id", clientID).Error("failed to get application by client")
		return nil, internalError("failed to get application by client")
	}

	return &app, nil
}

// GetForLocation returns the active application installed on a location, most recently linked first.
func (r *ApplicationRepository) GetForLocation(ctx context.Context, locationID string) (*models.Application, error) {
	ctx, span := tracing.StartSpan(ctx, "ApplicationRepository.GetForLocation")
	defer span.End()

	sb := applicationStruct.SelectFrom(applicationsTable)
	sb.JoinWithOption(database.InnerJoin, applicationLocationsTable, "application_locations.application_id = applications.id")
	sb.Where(sb.Equal("application_locations.location_id", locationID), sb.Equal("applications.is_active", true))
	sb.OrderBy("application_locations.created_at DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var app models.Application
	err := r.DB().GetContext(ctx, &app, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no application is installed on location %s", locationID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("location_id", locationID).Error("failed to get application for location")
		return nil, internalError("failed to get application for location")
	}

	return &app, nil
}

// UpdateTokens persists the token triple of app.
func (r *ApplicationRepository) UpdateTokens(ctx context.Context, app *models.Application) error {
	ctx, span := tracing.StartSpan(ctx, "ApplicationRepository.UpdateTokens")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(applicationsTable).
		Set(
			ub.Assign("access_token", app.AccessToken),
			ub.Assign("refresh_token", app.RefreshToken),
			ub.Assign("token_expiry", app.TokenExpiry),
			ub.Assign("updated_at", database.Now()),
		).
		Where(ub.Equal("id", app.ID))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&app.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "application %s does not exist", app.ID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("application_id", app.ID).Error("failed to update application tokens")
		return internalError("failed to update application tokens")
	}

	r.logger.WithContext(ctx).WithField("application_id", app.ID).Debug("Persisted refreshed application tokens")
	return nil
}

// LinkLocation records that app is installed on locationID. Linking twice is a no-op.
func (r *ApplicationRepository) LinkLocation(ctx context.Context, applicationID uuid.UUID, locationID string) error {
	ctx, span := tracing.StartSpan(ctx, "ApplicationRepository.LinkLocation")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(applicationLocationsTable).
		Cols("application_id", "location_id", "created_at").
		Values(applicationID, locationID, time.Now().UTC()).
		OnConflictDoNothing()

	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"application_id": applicationID,
			"location_id":    locationID,
		}).Error("failed to link application to location")
		return internalError("failed to link application to location")
	}
	return nil
}
