package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplication_TokenStatusBoundary(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token := "agency-token"
	app := &Application{AccessToken: &token, TokenExpiry: &expiry}

	assert.Equal(t, TokenStatusValid, app.TokenStatus(expiry.Add(-time.Nanosecond)))
	assert.Equal(t, TokenStatusExpired, app.TokenStatus(expiry))
	assert.Equal(t, TokenStatusExpired, app.TokenStatus(expiry.Add(time.Second)))
}

func TestApplication_TokenStatusMissing(t *testing.T) {
	app := &Application{}
	assert.Equal(t, TokenStatusMissing, app.TokenStatus(time.Now()))

	empty := ""
	app.AccessToken = &empty
	assert.Equal(t, TokenStatusMissing, app.TokenStatus(time.Now()))
}

func TestApplication_TokenStatusNoExpiry(t *testing.T) {
	token := "agency-token"
	app := &Application{AccessToken: &token}
	assert.Equal(t, TokenStatusValid, app.TokenStatus(time.Now()))
	assert.False(t, app.HasRefreshToken())
}
