package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
)

// Location is a remote tenant.
type Location struct {
	ID          uuid.UUID `db:"id" json:"id"`
	LocationID  string    `db:"location_id" json:"location_id"`
	CompanyID   string    `db:"company_id" json:"company_id"`
	Name        string    `db:"name" json:"name"`
	IsInstalled bool      `db:"is_installed" json:"is_installed"`
	// Tenant-configured option sets the AI pipeline normalizes against
	CallGradeOptions  database.JSONB[[]string] `db:"call_grade_options" json:"call_grade_options"`
	CallStatusOptions database.JSONB[[]string] `db:"call_status_options" json:"call_status_options"`
	CreatedAt         time.Time                `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time                `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Location) TableName() string {
	return "locations"
}

// ApplicationLocation links an application to a location it is installed on.
type ApplicationLocation struct {
	ApplicationID uuid.UUID `db:"application_id" json:"application_id"`
	LocationID    string    `db:"location_id" json:"location_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (ApplicationLocation) TableName() string {
	return "application_locations"
}
