package execution

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"paymentswitch/internal/domain"
	"paymentswitch/internal/lifecycle"
	"paymentswitch/internal/monitoring"
	"paymentswitch/internal/outbox"
	"paymentswitch/internal/repository"
)

// Transitioner applies state machine transitions inside an intent's
// serialization scope. The pipeline and the webhook reconciler share it so
// both paths follow one rule set.
type Transitioner struct {
	events *outbox.Emitter
	now    func() time.Time
	logger *zap.Logger
}

// NewTransitioner returns a Transitioner. A nil emitter disables status
// events.
func NewTransitioner(events *outbox.Emitter, logger *zap.Logger) *Transitioner {
	return &Transitioner{events: events, now: time.Now, logger: logger}
}

// Apply moves intent to status to. It mutates intent but does not save it;
// the caller saves once all fields are set. Rejected transitions are logged
// and returned with their error.
func (t *Transitioner) Apply(ctx context.Context, tx repository.IntentTx, intent *domain.PaymentIntent, to lifecycle.Status, source string) (lifecycle.Outcome, error) {
	from := intent.Status
	outcome, err := lifecycle.Transition(from, to)

	monitoring.TransitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome.String()),
	))

	switch outcome {
	case lifecycle.Rejected:
		t.logger.Info("Status transition rejected, ignoring",
			zap.String("intent_id", intent.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("source", source),
			zap.Error(err))
		return outcome, err
	case lifecycle.Duplicate:
		return outcome, nil
	}

	intent.Status = to
	intent.UpdatedAt = t.now()
	if t.events != nil {
		msg, err := t.events.StatusChanged(intent, from, source)
		if err != nil {
			return lifecycle.Rejected, err
		}
		if err := tx.Enqueue(msg); err != nil {
			return lifecycle.Rejected, err
		}
	}
	t.logger.Info("Payment status changed",
		zap.String("intent_id", intent.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("source", source))
	return lifecycle.Applied, nil
}
