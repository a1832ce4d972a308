package kafka_infra

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"paymentswitch/internal/domain"
)

func TestToKafkaMessage(t *testing.T) {
	t.Parallel()

	msg := toKafkaMessage(domain.OutboxMessage{
		ID:            "msg-1",
		AggregateType: domain.AggregatePaymentIntent,
		MessageType:   domain.MessagePaymentStatusChanged,
		Topic:         "payments.status",
		Key:           "pay_1",
		Payload:       []byte(`{}`),
	})

	assert.Equal(t, "payments.status", msg.Topic)
	assert.Equal(t, []byte("pay_1"), msg.Key)
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"message_id":     "msg-1",
		"message_type":   domain.MessagePaymentStatusChanged,
		"aggregate_type": domain.AggregatePaymentIntent,
	}, headers)
}
