package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrPostalCodeNotFound is returned by address lookups for codes that do not exist.
var ErrPostalCodeNotFound = errors.New("postal code not found")

// RecordKind groups records by the downstream sheet that receives them.
type RecordKind string

const (
	RecordBooking    RecordKind = "booking"
	RecordRequest    RecordKind = "request"
	RecordInquiry    RecordKind = "inquiry"
	RecordSuggestion RecordKind = "suggestion"
)

// IntakeRecord is a finalized answer set handed to the persistence collaborator.
type IntakeRecord struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	ContactID      string            `json:"contact_id"`
	Kind           RecordKind        `json:"kind"`
	ServiceType    string            `json:"service_type"`
	Data           map[string]string `json:"data"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Value returns a data field or "".
func (r IntakeRecord) Value(key string) string {
	if r.Data == nil {
		return ""
	}
	return r.Data[key]
}

// Address holds the components returned by a postal-code lookup.
type Address struct {
	PostalCode   string `json:"postal_code"`
	Street       string `json:"street"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
	State        string `json:"state"`
}

// FormatPostalCode renders an 8-digit code as 12345-678. Other inputs are returned unchanged.
func FormatPostalCode(code string) string {
	if len(code) != 8 {
		return code
	}
	return fmt.Sprintf("%s-%s", code[:5], code[5:])
}
