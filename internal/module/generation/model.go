package generation

import (
	"fmt"

	"github.com/beverly/tryon-server/internal/module/quota"
)

// Selection is the completed product choice handed over by the
// conversational layer once a user is ready to generate.
type Selection struct {
	Product string `json:"product"`
	Color   string `json:"color"`
	Print   string `json:"print"`

	// PersonImage is the user's photo, PersonMIME its content type.
	PersonImage []byte `json:"person_image,omitempty"`
	PersonMIME  string `json:"person_mime,omitempty"`

	// GarmentImage is the reference image for the chosen variant.
	GarmentImage []byte `json:"garment_image,omitempty"`
	GarmentMIME  string `json:"garment_mime,omitempty"`
}

// Summary returns a short human-readable description for logs and
// audit records.
func (s *Selection) Summary() string {
	return fmt.Sprintf("%s/%s/%s", s.Product, s.Color, s.Print)
}

// OutcomeStatus is the terminal state of a generation request.
type OutcomeStatus string

const (
	// OutcomeDelivered means the provider call succeeded and the
	// payload is ready for the caller.
	OutcomeDelivered OutcomeStatus = "delivered"
	// OutcomeDenied means the daily allowance was exhausted; the
	// provider was never called and nothing was charged downstream.
	OutcomeDenied OutcomeStatus = "denied"
	// OutcomeFailed means the provider call failed after quota was
	// charged; the charge has been refunded.
	OutcomeFailed OutcomeStatus = "failed"
)

// Outcome is the result of a generation request.
type Outcome struct {
	Status  OutcomeStatus
	Payload []byte
	Quota   quota.Decision
	Err     string
}
