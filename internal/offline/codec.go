package offline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/greenbasket/checkout/internal/domain"
)

// ErrMalformedPayload means QR content could not be decoded into a valid
// self-contained transaction. Decoding fails closed: a payload that does
// not validate never becomes a session.
var ErrMalformedPayload = errors.New("malformed offline payload")

// IdentitySnapshot is the minimal customer identity embedded in the QR so
// the cashier device can complete the sale with no server round-trip.
type IdentitySnapshot struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
}

// Payload is the entire transaction carried inside the QR code when the
// customer device has no connectivity. Totals hold the device's local
// discount estimate; the canonical amounts are settled at reconciliation.
type Payload struct {
	CheckoutCode string              `json:"checkoutCode"`
	User         IdentitySnapshot    `json:"user"`
	CartSnapshot domain.CartSnapshot `json:"cartSnapshot"`
	Totals       domain.Totals       `json:"totals"`
}

// Encode serializes a payload for QR transport. The payload is validated
// first so a device never emits a code its counterpart would reject.
func Encode(p *Payload) ([]byte, error) {
	if err := validate(p); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode offline payload: %w", err)
	}
	return data, nil
}

// Decode parses scanned QR content. Any validation failure is terminal for
// the scan; the cashier must fall back to an online checkout.
func Decode(data []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func validate(p *Payload) error {
	switch {
	case p == nil:
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	case p.CheckoutCode == "":
		return fmt.Errorf("%w: missing checkout code", ErrMalformedPayload)
	case p.User.UserID == "":
		return fmt.Errorf("%w: missing customer identity", ErrMalformedPayload)
	case len(p.CartSnapshot.Items) == 0:
		return fmt.Errorf("%w: empty cart snapshot", ErrMalformedPayload)
	}

	for _, item := range p.CartSnapshot.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: item without product id", ErrMalformedPayload)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: non-positive quantity for %s", ErrMalformedPayload, item.ProductID)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: negative unit price for %s", ErrMalformedPayload, item.ProductID)
		}
	}

	if p.Totals.DiscountAmount.IsNegative() || p.Totals.VoucherAmount.IsNegative() {
		return fmt.Errorf("%w: negative discount", ErrMalformedPayload)
	}
	if !p.Totals.BaseAmount.Equal(p.CartSnapshot.Subtotal()) {
		return fmt.Errorf("%w: base amount does not match cart", ErrMalformedPayload)
	}
	expectedFinal := p.Totals.BaseAmount.Sub(p.Totals.DiscountAmount).Sub(p.Totals.VoucherAmount)
	if !p.Totals.FinalAmount.Equal(expectedFinal) {
		return fmt.Errorf("%w: totals are inconsistent", ErrMalformedPayload)
	}
	return nil
}
