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

const locationsTable = "locations"

var locationStruct = database.NewStruct(new(models.Location))

type LocationRepository struct {
	*Repository
}

func NewLocationRepository(db database.DB, logger ectologger.Logger) *LocationRepository {
	return &LocationRepository{
		Repository: NewRepository(db, logger),
	}
}

// GetByLocationID looks a location up by its remote id.
func (r *LocationRepository) GetByLocationID(ctx context.Context, locationID string) (*models.Location, error) {
	ctx, span := tracing.StartSpan(ctx, "LocationRepository.GetByLocationID")
	defer span.End()

	sb := locationStruct.SelectFrom(locationsTable)
	sb.Where(sb.Equal("location_id", locationID))

	query, args := sb.Build()
	var location models.Location
	err := r.DB().GetContext(ctx, &location, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "location %s does not exist", locationID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("location_id", locationID).Error("failed to get location")
		return nil, internalError("failed to get location")
	}

	return &location, nil
}

// Upsert creates the location or refreshes its name, company and install flag.
func (r *LocationRepository) Upsert(ctx context.Context, location *models.Location) error {
	ctx, span := tracing.StartSpan(ctx, "LocationRepository.Upsert")
	defer span.End()

	if location.ID == uuid.Nil {
		location.ID = uuid.New()
	}
	now := time.Now().UTC()
	location.CreatedAt = now
	location.UpdatedAt = now
	if location.CallGradeOptions.Data == nil {
		location.CallGradeOptions = database.NewJSONB([]string{})
	}
	if location.CallStatusOptions.Data == nil {
		location.CallStatusOptions = database.NewJSONB([]string{})
	}

	ib := locationStruct.InsertInto(locationsTable, location)
	ub := ib.OnConflict("location_id")
	ub.Set(
		ub.Assign("company_id", database.Excluded("company_id")),
		ub.Assign("name", database.Excluded("name")),
		ub.Assign("is_installed", database.Excluded("is_installed")),
		ub.Assign("updated_at", now),
	)
	ib.Returning("id", "created_at")

	query, args := ib.Build()
	if err := r.DB().QueryRowContext(ctx, query, args...).Scan(&location.ID, &location.CreatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("location_id", location.LocationID).Error("failed to upsert location")
		return internalError("failed to upsert location")
	}

	r.logger.WithContext(ctx).WithField("location_id", location.LocationID).Debugf("Upserted %s", locationsTable)
	return nil
}

func (r *LocationRepository) SetInstalled(ctx context.Context, locationID string, installed bool) error {
	ctx, span := tracing.StartSpan(ctx, "LocationRepository.SetInstalled")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(locationsTable).
		Set(ub.Assign("is_installed", installed), ub.Assign("updated_at", database.Now())).
		Where(ub.Equal("location_id", locationID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("location_id", locationID).Error("failed to set location install flag")
		return internalError("failed to update location")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "location %s does not exist", locationID)
	}
	return nil
}

// ListInstalled returns every location with an active install.
func (r *LocationRepository) ListInstalled(ctx context.Context) ([]models.Location, error) {
	ctx, span := tracing.StartSpan(ctx, "LocationRepository.ListInstalled")
	defer span.End()

	sb := locationStruct.SelectFrom(locationsTable)
	sb.Where(sb.Equal("is_installed", true))
	sb.OrderBy("location_id")

	query, args := sb.Build()
	locations := []models.Location{}
	if err := r.DB().SelectContext(ctx, &locations, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list installed locations")
		return nil, internalError("failed to list installed locations")
	}
	return locations, nil
}
