package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenStatus is derived from the stored token, never persisted.
type TokenStatus string

const (
	TokenStatusMissing TokenStatus = "missing"
	TokenStatusExpired TokenStatus = "expired"
	TokenStatusValid   TokenStatus = "valid"
)

// Application is an installed OAuth client holding the agency-level token.
type Application struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	ClientID     string     `db:"client_id" json:"client_id"`
	ClientSecret string     `db:"client_secret" json:"-"`
	AppID        string     `db:"app_id" json:"app_id"`
	CompanyID    string     `db:"company_id" json:"company_id"`
	AccessToken  *string    `db:"access_token" json:"-"`
	RefreshToken *string    `db:"refresh_token" json:"-"`
	TokenExpiry  *time.Time `db:"token_expiry" json:"token_expiry,omitempty"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Application) TableName() string {
	return "applications"
}

// TokenStatus reports the agency token state at now. A token with no recorded expiry is valid.
func (a *Application) TokenStatus(now time.Time) TokenStatus {
	if a.AccessToken == nil || *a.AccessToken == "" {
		return TokenStatusMissing
	}
	if a.TokenExpiry != nil && !now.Before(*a.TokenExpiry) {
		return TokenStatusExpired
	}
	return TokenStatusValid
}

// HasRefreshToken reports whether a refresh can be attempted.
func (a *Application) HasRefreshToken() bool {
	return a.RefreshToken != nil && *a.RefreshToken != ""
}
