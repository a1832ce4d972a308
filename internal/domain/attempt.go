package domain

import (
	"time"

	"paymentswitch/internal/lifecycle"
)

// PaymentAttempt is one execution try of an intent against one connector
// account. Seq starts at 1 and follows insertion order.
type PaymentAttempt struct {
	ID                 string
	IntentID           string
	Seq                int
	Connector          string
	ConnectorAccountID string
	IdempotencyKey     string
	Status             lifecycle.AttemptStatus
	ConnectorReference string
	RoutingReason      string
	RequestSnapshot    []byte
	ErrorCode          string
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (a *PaymentAttempt) Clone() *PaymentAttempt {
	if a == nil {
		return nil
	}
	c := *a
	if a.RequestSnapshot != nil {
		c.RequestSnapshot = append([]byte(nil), a.RequestSnapshot...)
	}
	return &c
}

// InFlightAttempt returns the attempt currently occupying the intent's
// in-flight slot, if any.
func InFlightAttempt(attempts []*PaymentAttempt) *PaymentAttempt {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].Status.InFlight() {
			return attempts[i]
		}
	}
	return nil
}
