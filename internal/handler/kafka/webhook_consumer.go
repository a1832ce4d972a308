package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"paymentswitch/internal/app/payments"
	"paymentswitch/internal/domain"
	kafka_infra "paymentswitch/internal/infrastructure/kafka"
	"paymentswitch/internal/webhooks"
)

// WebhookEnvelope is a connector notification relayed through Kafka by an
// edge receiver. Payload carries the raw body exactly as the connector sent
// it so signatures still verify.
type WebhookEnvelope struct {
	MerchantID string              `json:"merchant_id"`
	Connector  string              `json:"connector"`
	Headers    map[string][]string `json:"headers"`
	Payload    json.RawMessage     `json:"payload"`
	ReceivedAt time.Time           `json:"received_at,omitempty"`
}

// WebhookMessageHandler feeds relayed notifications into reconciliation.
// Malformed or rejected messages are committed and dropped. A draining
// service or a storage failure leaves the offset uncommitted for redelivery.
func WebhookMessageHandler(paymentService payments.PaymentService, logger *zap.Logger) kafka_infra.MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		log := logger.With(
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
		)

		var env WebhookEnvelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			log.Error("Failed to unmarshal webhook envelope", zap.Error(err), zap.ByteString("value", msg.Value))
			return nil
		}
		if env.MerchantID == "" || env.Connector == "" || len(env.Payload) == 0 {
			log.Warn("Dropping incomplete webhook envelope",
				zap.String("merchant_id", env.MerchantID),
				zap.String("connector", env.Connector),
			)
			return nil
		}

		header := make(http.Header, len(env.Headers))
		for k, vs := range env.Headers {
			for _, v := range vs {
				header.Add(k, v)
			}
		}

		ev := &domain.WebhookEvent{
			MerchantID: env.MerchantID,
			Connector:  env.Connector,
			Payload:    []byte(env.Payload),
			Header:     header,
			ReceivedAt: env.ReceivedAt,
		}

		res, err := paymentService.HandleWebhook(ctx, ev)
		if err != nil {
			if res == webhooks.Rejected && !errors.Is(err, domain.ErrServiceDraining) {
				log.Warn("Dropping rejected webhook",
					zap.String("merchant_id", env.MerchantID),
					zap.String("connector", env.Connector),
					zap.Error(err),
				)
				return nil
			}
			return fmt.Errorf("handle webhook for merchant %s via %s: %w", env.MerchantID, env.Connector, err)
		}

		log.Info("Webhook processed",
			zap.String("merchant_id", env.MerchantID),
			zap.String("connector", env.Connector),
			zap.String("result", string(res)),
		)
		return nil
	}
}
