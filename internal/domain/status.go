package domain

// SessionStatus is the lifecycle state of a checkout session.
type SessionStatus string

const (
	StatusProcessing SessionStatus = "PROCESSING"
	StatusScanned    SessionStatus = "SCANNED"
	StatusLocked     SessionStatus = "LOCKED"
	StatusPaid       SessionStatus = "PAID"
	StatusComplete   SessionStatus = "COMPLETE"
	StatusCancelled  SessionStatus = "CANCELLED"
)

// transitions is the closed graph of legal status moves. Anything not
// listed here is rejected by the state machine.
var transitions = map[SessionStatus][]SessionStatus{
	StatusProcessing: {StatusScanned, StatusCancelled},
	StatusScanned:    {StatusLocked, StatusCancelled},
	StatusLocked:     {StatusPaid, StatusCancelled},
	StatusPaid:       {StatusComplete},
	StatusComplete:   {},
	StatusCancelled:  {},
}

func (s SessionStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// String representation (for logging)
func (s SessionStatus) String() string {
	return string(s)
}

// CancellationReason explains why a session ended in CANCELLED.
type CancellationReason string

const (
	ReasonTimeout          CancellationReason = "TIMEOUT"
	ReasonCustomerAbort    CancellationReason = "CUSTOMER_ABORT"
	ReasonCashierAbort     CancellationReason = "CASHIER_ABORT"
	ReasonPaymentDeclined  CancellationReason = "PAYMENT_DECLINED"
	ReasonOperatorOverride CancellationReason = "OPERATOR_OVERRIDE"
)
