// Package events defines the rent payment event shapes exchanged on the bus.
package events

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	TypeRentRequested         = "RentRequested"
	TypeRentPaymentAuthorized = "RentPaymentAuthorized"
)

var (
	ErrMissingRentID = errors.New("rentId is required")
	ErrInvalidRentID = errors.New("rentId must be a hyphenated UUID")
)

// RentRequested is published when a customer asks to start a rent.
type RentRequested struct {
	RentID string `json:"rentId"`
}

func (e RentRequested) EventType() string { return TypeRentRequested }

func (e RentRequested) Key() string { return e.RentID }

func (e RentRequested) Validate() error {
	return validateRentID(e.RentID)
}

// RentPaymentAuthorized tells downstream services that a rent may start.
// StartTime is assigned by the relay when it handles the request.
type RentPaymentAuthorized struct {
	RentID    string    `json:"rentId"`
	StartTime time.Time `json:"startTime"`
}

func (e RentPaymentAuthorized) EventType() string { return TypeRentPaymentAuthorized }

func (e RentPaymentAuthorized) Key() string { return e.RentID }

func (e RentPaymentAuthorized) Validate() error {
	if err := validateRentID(e.RentID); err != nil {
		return err
	}
	if e.StartTime.IsZero() {
		return errors.New("startTime is required")
	}
	return nil
}

// AuthorizeRent maps a rent request to its authorization, stamped at now.
func AuthorizeRent(in RentRequested, now time.Time) RentPaymentAuthorized {
	return RentPaymentAuthorized{RentID: in.RentID, StartTime: now}
}

func validateRentID(id string) error {
	if id == "" {
		return ErrMissingRentID
	}
	// uuid.Validate also takes the braced, urn and bare hex forms. Only the
	// hyphenated 36 character form travels on the bus.
	if len(id) != 36 || uuid.Validate(id) != nil {
		return ErrInvalidRentID
	}
	return nil
}
