package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const rentID = "5c1f3a2e-8d4b-4f6a-9c3e-2b7d1a0e9f44"

func TestRentRequested_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rentID  string
		wantErr error
	}{
		{name: "valid", rentID: rentID},
		{name: "upper case", rentID: "5C1F3A2E-8D4B-4F6A-9C3E-2B7D1A0E9F44"},
		{name: "missing", rentID: "", wantErr: ErrMissingRentID},
		{name: "not a uuid", rentID: "rent-42", wantErr: ErrInvalidRentID},
		{name: "truncated uuid", rentID: "5c1f3a2e-8d4b-4f6a-9c3e", wantErr: ErrInvalidRentID},
		{name: "braced", rentID: "{" + rentID + "}", wantErr: ErrInvalidRentID},
		{name: "urn", rentID: "urn:uuid:" + rentID, wantErr: ErrInvalidRentID},
		{name: "bare hex", rentID: "5c1f3a2e8d4b4f6a9c3e2b7d1a0e9f44", wantErr: ErrInvalidRentID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RentRequested{RentID: tt.rentID}.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestAuthorizeRent(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := RentRequested{RentID: rentID}

	out := AuthorizeRent(in, now)

	assert.Equal(t, in.RentID, out.RentID)
	assert.True(t, out.StartTime.Equal(now))
	assert.Equal(t, TypeRentPaymentAuthorized, out.EventType())
	assert.Equal(t, rentID, out.Key())
	assert.NoError(t, out.Validate())
}

func TestRentPaymentAuthorized_ValidateRequiresStartTime(t *testing.T) {
	assert.Error(t, RentPaymentAuthorized{RentID: rentID}.Validate())
}
