package broker

import (
	"github.com/greenbasket/checkout/internal/domain"
)

// EventType names the realtime channel events consumed by the mobile and
// dashboard clients. The topic is always the checkout code.
type EventType string

const (
	EventState     EventType = "checkout:state"
	EventScanned   EventType = "checkout:scanned"
	EventLocked    EventType = "checkout:locked"
	EventPaid      EventType = "checkout:paid"
	EventComplete  EventType = "checkout:complete"
	EventCancelled EventType = "checkout:cancelled"
)

// Event is one frame delivered to subscribers of a checkout topic.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// IsTerminal reports whether this event ends the topic's useful life.
func (e Event) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventCancelled
}

type statePayload struct {
	Status  domain.SessionStatus `json:"status"`
	Totals  domain.Totals        `json:"totals"`
	Cashier string               `json:"cashier,omitempty"`
}

type scannedPayload struct {
	Cashier string               `json:"cashier"`
	Status  domain.SessionStatus `json:"status"`
	Totals  domain.Totals        `json:"totals"`
}

// CheckoutData is the full locked-checkout view the cashier screen renders:
// frozen totals with the cap-clipped discount, plus the cart lines.
type CheckoutData struct {
	CheckoutCode string               `json:"checkoutCode"`
	Status       domain.SessionStatus `json:"status"`
	Totals       domain.Totals        `json:"totals"`
	Cart         domain.CartSnapshot  `json:"cartSnapshot"`
}

type lockedPayload struct {
	CheckoutData CheckoutData `json:"checkoutData"`
}

type completePayload struct {
	OrderID   string       `json:"orderId"`
	OrderData CheckoutData `json:"orderData"`
}

type cancelledPayload struct {
	Reason domain.CancellationReason `json:"reason"`
}

// StateEvent is the snapshot sent on join so late joiners never miss
// context.
func StateEvent(s domain.CheckoutSession) Event {
	return Event{Type: EventState, Payload: statePayload{
		Status:  s.Status,
		Totals:  s.Totals,
		Cashier: s.CashierName,
	}}
}

func ScannedEvent(s domain.CheckoutSession) Event {
	return Event{Type: EventScanned, Payload: scannedPayload{
		Cashier: s.CashierName,
		Status:  s.Status,
		Totals:  s.Totals,
	}}
}

func LockedEvent(s domain.CheckoutSession) Event {
	return Event{Type: EventLocked, Payload: lockedPayload{CheckoutData: checkoutData(s)}}
}

func PaidEvent(domain.CheckoutSession) Event {
	return Event{Type: EventPaid, Payload: struct{}{}}
}

func CompleteEvent(s domain.CheckoutSession) Event {
	return Event{Type: EventComplete, Payload: completePayload{
		OrderID:   s.OrderID,
		OrderData: checkoutData(s),
	}}
}

func CancelledEvent(s domain.CheckoutSession) Event {
	return Event{Type: EventCancelled, Payload: cancelledPayload{Reason: s.CancellationReason}}
}

func checkoutData(s domain.CheckoutSession) CheckoutData {
	return CheckoutData{
		CheckoutCode: s.CheckoutCode,
		Status:       s.Status,
		Totals:       s.Totals,
		Cart:         s.Cart,
	}
}
