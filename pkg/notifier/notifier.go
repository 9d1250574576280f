// Package notifier contains the core domain types for the appointment availability service.
package notifier

import "time"

// Location is the origin sent to the availability source for a postal code.
type Location struct {
	Latitude  string `json:"latitud"`
	Longitude string `json:"longitud"`
}

// Office is a government office returned by the availability source.
type Office struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Address        string `json:"address"`
	Phone          string `json:"phone"`
	WorkingHours   string `json:"working_hours"`
	FirstAvailable string `json:"first_available"` // Free-text first slot, may be empty even when Available
	Available      bool   `json:"available"`
}

// PendingSubscription is an unconfirmed request awaiting token validation.
type PendingSubscription struct {
	ExpiresAt  time.Time
	ID         string
	PostalCode string
	UserEmail  string
}

// Subscriber is a confirmed recipient of alerts for one postal code.
type Subscriber struct {
	ExpiresAt time.Time
	UserEmail string
	Token     string // Retained so removal links stay self-authenticating
}

// TokenPayload is the plaintext carried inside an opaque token.
type TokenPayload struct {
	ID         string `cbor:"id"`
	PostalCode string `cbor:"postal_code"`
	UserEmail  string `cbor:"user_email"`
}
