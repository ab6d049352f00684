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

// RecordRepository stores records mirrored from the remote CRM, keyed by (location_id, external_id).
type RecordRepository[T any, P models.RecordPtr[T]] struct {
	*Repository
	table    string
	fields   *database.Struct
	writable *database.Struct
}

func NewRecordRepository[T any, P models.RecordPtr[T]](db database.DB, logger ectologger.Logger) *RecordRepository[T, P] {
	fields := database.NewStruct(new(T))
	return &RecordRepository[T, P]{
		Repository: NewRepository(db, logger),
		table:      P(new(T)).TableName(),
		fields:     fields,
		writable:   fields.WithoutTag("immutable"),
	}
}

func (r *RecordRepository[T, P]) Table() string {
	return r.table
}

// GetByExternalID returns a 404 HTTP error when no record exists.
func (r *RecordRepository[T, P]) GetByExternalID(ctx context.Context, locationID, externalID string) (P, error) {
	ctx, span := tracing.StartSpan(ctx, "RecordRepository.GetByExternalID")
	defer span.End()

	sb := r.fields.SelectFrom(r.table)
	sb.Where(sb.Equal("location_id", locationID), sb.Equal("external_id", externalID))

	query, args := sb.Build()
	record := P(new(T))
	err := r.DB().GetContext(ctx, record, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "%s %s does not exist in location %s", r.table, externalID, locationID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"table":       r.table,
			"location_id": locationID,
			"external_id": externalID,
		}).Error("failed to get record by external id")
		return nil, internalError("failed to get %s", r.table)
	}

	return record, nil
}

// Create inserts record. A unique violation is returned as *database.ConflictError.
func (r *RecordRepository[T, P]) Create(ctx context.Context, record P) error {
	ctx, span := tracing.StartSpan(ctx, "RecordRepository.Create")
	defer span.End()

	base := record.Base()
	if base.ID == uuid.Nil {
		base.ID = uuid.New()
	}
	now := time.Now().UTC()
	base.CreatedAt = now
	base.UpdatedAt = now

	ib := r.fields.InsertInto(r.table, record)
	query, args := ib.Build()
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		if conflict := database.AsConflict(err, r.table, base.ExternalID); conflict != nil {
			return conflict
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"table":       r.table,
			"location_id": base.LocationID,
			"external_id": base.ExternalID,
		}).Error("failed to create record")
		return internalError("failed to create %s", r.table)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"location_id": base.LocationID,
		"external_id": base.ExternalID,
	}).Debugf("Created %s", r.table)
	return nil
}

// Write overwrites the mutable columns of the record identified by (location_id, external_id).
func (r *RecordRepository[T, P]) Write(ctx context.Context, record P) error {
	ctx, span := tracing.StartSpan(ctx, "RecordRepository.Write")
	defer span.End()

	base := record.Base()
	base.UpdatedAt = time.Now().UTC()

	ub := r.writable.Update(r.table, record)
	ub.Where(ub.Equal("location_id", base.LocationID), ub.Equal("external_id", base.ExternalID))
	ub.SQL("RETURNING id, created_at")

	query, args := ub.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&base.ID, &base.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "%s %s does not exist in location %s", r.table, base.ExternalID, base.LocationID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"table":       r.table,
			"location_id": base.LocationID,
			"external_id": base.ExternalID,
		}).Error("failed to write record")
		return internalError("failed to update %s", r.table)
	}

	return nil
}

// ListByLocation pages through a location's records, oldest first.
func (r *RecordRepository[T, P]) ListByLocation(ctx context.Context, locationID string, limit, offset int) ([]T, error) {
	ctx, span := tracing.StartSpan(ctx, "RecordRepository.ListByLocation")
	defer span.End()

	sb := r.fields.SelectFrom(r.table)
	sb.Where(sb.Equal("location_id", locationID))
	sb.OrderBy("created_at", "external_id")
	if limit > 0 {
		sb.Limit(limit)
	}
	if offset > 0 {
		sb.Offset(offset)
	}

	query, args := sb.Build()
	records := []T{}
	if err := r.DB().SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("table", r.table).Error("failed to list records")
		return nil, internalError("failed to list %s", r.table)
	}
	return records, nil
}

func (r *RecordRepository[T, P]) CountByLocation(ctx context.Context, locationID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "RecordRepository.CountByLocation")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From(r.table).Where(sb.Equal("location_id", locationID))

	query, args := sb.Build()
	var count int
	if err := r.DB().GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("table", r.table).Error("failed to count records")
		return 0, internalError("failed to count %s", r.table)
	}
	return count, nil
}
