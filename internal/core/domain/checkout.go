package domain

import (
	"regexp"
	"strings"
)

type CheckoutPhase string

const (
	PhaseIdle       CheckoutPhase = "idle"
	PhaseValidating CheckoutPhase = "validating"
	PhaseReserving  CheckoutPhase = "reserving"
	PhasePersisting CheckoutPhase = "persisting"
	PhaseCompleted  CheckoutPhase = "completed"
	PhaseFailed     CheckoutPhase = "failed"
)

var phaseTransitions = map[CheckoutPhase][]CheckoutPhase{
	PhaseIdle:       {PhaseValidating},
	PhaseValidating: {PhaseReserving, PhaseFailed},
	PhaseReserving:  {PhasePersisting, PhaseFailed},
	PhasePersisting: {PhaseCompleted, PhaseFailed},
	PhaseCompleted:  {PhaseValidating},
	PhaseFailed:     {PhaseValidating},
}

// CanTransitionTo reports whether the checkout state machine allows from -> to.
// Terminal phases may only start a new attempt.
func CanTransitionTo(from, to CheckoutPhase) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (p CheckoutPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

func (p CheckoutPhase) String() string {
	return string(p)
}

var postcodePattern = regexp.MustCompile(`(?i)^[A-Z]{1,2}[0-9][A-Z0-9]? ?[0-9][A-Z]{2}$`)

// ValidPostcode reports whether postcode is a well-formed UK postcode.
func ValidPostcode(postcode string) bool {
	return postcodePattern.MatchString(postcode)
}

// DeliveryDetails is the checkout form.
type DeliveryDetails struct {
	Name         string `json:"name"`
	AddressLine1 string `json:"address"`
	Postcode     string `json:"postcode"`
}

// Validate trims every field and returns the first problem found.
func (d DeliveryDetails) Validate() (Customer, error) {
	c := Customer{
		Name:         strings.TrimSpace(d.Name),
		AddressLine1: strings.TrimSpace(d.AddressLine1),
		Postcode:     strings.TrimSpace(d.Postcode),
	}
	switch {
	case c.Name == "":
		return Customer{}, &ValidationError{Field: "name", Reason: "is required"}
	case c.AddressLine1 == "":
		return Customer{}, &ValidationError{Field: "address", Reason: "is required"}
	case c.Postcode == "":
		return Customer{}, &ValidationError{Field: "postcode", Reason: "is required"}
	case !ValidPostcode(c.Postcode):
		return Customer{}, &ValidationError{Field: "postcode", Reason: "is not a valid UK postcode"}
	}
	return c, nil
}

type CheckoutOutcome string

const (
	CheckoutSucceeded CheckoutOutcome = "success"
	CheckoutFailed    CheckoutOutcome = "failure"
)

// CheckoutResult is the outward report of one checkout attempt.
type CheckoutResult struct {
	Outcome CheckoutOutcome `json:"outcome"`
	Phase   CheckoutPhase   `json:"phase"`
	OrderID string          `json:"order_id,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	SKU     string          `json:"sku,omitempty"`
}
