package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callPayload struct {
	LocationID string `json:"locationId" validate:"required"`
	ContactID  string `json:"contactId" validate:"required"`
	Direction  string `json:"direction" validate:"omitempty,oneof=inbound outbound"`
}

func TestValidate_ReportsJSONNames(t *testing.T) {
	_, err := Validate(callPayload{Direction: "sideways"})
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"locationId", "contactId"}, verr.Missing())
	assert.Equal(t, []string{"locationId", "contactId", "direction"}, verr.Names())
	assert.Contains(t, verr.Error(), "direction (oneof)")
}

func TestValidate_Valid(t *testing.T) {
	v, err := Validate(callPayload{LocationID: "loc", ContactID: "c1", Direction: "inbound"})
	require.NoError(t, err)
	assert.Equal(t, "loc", v.LocationID)
}
