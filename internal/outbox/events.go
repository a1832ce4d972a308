package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/lifecycle"
	"paymentswitch/internal/util"
)

type PaymentStatusChangedEvent struct {
	PaymentID          string    `json:"payment_id"`
	MerchantID         string    `json:"merchant_id"`
	PreviousStatus     string    `json:"previous_status"`
	Status             string    `json:"status"`
	Amount             int64     `json:"amount"`
	Currency           string    `json:"currency"`
	AmountCaptured     int64     `json:"amount_captured"`
	AmountRefunded     int64     `json:"amount_refunded"`
	Connector          string    `json:"connector,omitempty"`
	ConnectorReference string    `json:"connector_reference,omitempty"`
	Source             string    `json:"source"`
	Timestamp          time.Time `json:"timestamp"`
	Error              string    `json:"error,omitempty"`
}

// Emitter builds outbox messages for intent status changes.
type Emitter struct {
	topic string
	now   func() time.Time
}

func NewEmitter(topic string) *Emitter {
	return &Emitter{topic: topic, now: time.Now}
}

func (e *Emitter) StatusChanged(intent *domain.PaymentIntent, previous lifecycle.Status, source string) (*domain.OutboxMessage, error) {
	now := e.now()
	payload, err := json.Marshal(PaymentStatusChangedEvent{
		PaymentID:          intent.ID,
		MerchantID:         intent.MerchantID,
		PreviousStatus:     string(previous),
		Status:             string(intent.Status),
		Amount:             intent.Amount,
		Currency:           intent.Currency,
		AmountCaptured:     intent.AmountCaptured,
		AmountRefunded:     intent.AmountRefunded,
		Connector:          intent.Connector,
		ConnectorReference: intent.ConnectorReference,
		Source:             source,
		Timestamp:          now,
		Error:              intent.LastError,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode status event for %s: %w", intent.ID, err)
	}
	return &domain.OutboxMessage{
		ID:            util.GenerateUUID(),
		AggregateID:   intent.ID,
		AggregateType: domain.AggregatePaymentIntent,
		MessageType:   domain.MessagePaymentStatusChanged,
		Topic:         e.topic,
		Key:           intent.ID,
		Payload:       payload,
		Status:        domain.OutboxStatusPending,
		CreatedAt:     now,
	}, nil
}
