package domain

import (
	"time"

	"paymentswitch/internal/lifecycle"
)

type CaptureMethod string

const (
	CaptureAutomatic CaptureMethod = "automatic"
	CaptureManual    CaptureMethod = "manual"
)

func (c CaptureMethod) Valid() bool {
	return c == CaptureAutomatic || c == CaptureManual
}

// PaymentIntent is the merchant's request for a payment outcome. Amounts are
// in minor units of Currency.
type PaymentIntent struct {
	ID                string
	MerchantID        string
	BusinessProfile   string
	Amount            int64
	Currency          string
	CaptureMethod     CaptureMethod
	AmountToCapture   int64
	CustomerID        string
	PaymentMethod     string
	PaymentMethodType string
	Metadata          map[string]string
	Status            lifecycle.Status

	AmountCaptured int64
	AmountRefunded int64

	// Connector and ConnectorReference point at the attempt that authorized
	// the payment. Follow-up operations are sent there.
	Connector          string
	ConnectorAccountID string
	ConnectorReference string

	// PendingOperation is set while a capture, refund or void is on the wire.
	// PendingSince records when it was set.
	PendingOperation string
	PendingSince     time.Time

	AttemptCount  int
	LastErrorCode string
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CaptureAmount is the amount a manual capture takes when no explicit amount
// is given.
func (p *PaymentIntent) CaptureAmount() int64 {
	if p.AmountToCapture > 0 {
		return p.AmountToCapture
	}
	return p.Amount
}

// RequiresPartialCapture reports whether the intent asks for less than its
// full amount to be captured.
func (p *PaymentIntent) RequiresPartialCapture() bool {
	return p.AmountToCapture > 0 && p.AmountToCapture < p.Amount
}

func (p *PaymentIntent) Refundable() int64 {
	return p.AmountCaptured - p.AmountRefunded
}

func (p *PaymentIntent) Clone() *PaymentIntent {
	if p == nil {
		return nil
	}
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
