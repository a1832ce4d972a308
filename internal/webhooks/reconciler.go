// Package webhooks applies asynchronous connector callbacks to intents. The
// reconciler verifies each event with the connector's adapter, finds the
// attempt by connector reference and moves the intent through the same state
// machine and lock as the execution pipeline.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"paymentswitch/internal/connector"
	"paymentswitch/internal/domain"
	"paymentswitch/internal/execution"
	"paymentswitch/internal/lifecycle"
	"paymentswitch/internal/monitoring"
	"paymentswitch/internal/repository"
)

type Result string

const (
	Applied   Result = "applied"
	NoOp      Result = "noop"
	Rejected  Result = "rejected"
	Deferred  Result = "deferred"
	Unmatched Result = "unmatched"
)

type Config struct {
	// MaxAttempts counts every lookup of an unmatched event, the first
	// one included.
	MaxAttempts int
	RetryDelay  time.Duration
	QueueSize   int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	return c
}

type deferred struct {
	event     *domain.WebhookEvent
	connector string
	outcome   *connector.WebhookOutcome
	tries     int
	due       time.Time
}

type Reconciler struct {
	store       repository.Store
	registry    *connector.Registry
	transitions *execution.Transitioner
	cfg         Config
	now         func() time.Time
	logger      *zap.Logger

	mu    sync.Mutex
	queue []deferred
}

func NewReconciler(
	store repository.Store,
	registry *connector.Registry,
	transitions *execution.Transitioner,
	cfg Config,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		store:       store,
		registry:    registry,
		transitions: transitions,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		logger:      logger,
	}
}

// Handle reconciles one inbound event. A signature failure returns Rejected
// together with domain.ErrSignatureInvalid and touches nothing. Events whose
// attempt is not yet known are queued and reported as Deferred.
func (r *Reconciler) Handle(ctx context.Context, ev *domain.WebhookEvent) (Result, error) {
	return r.handle(ctx, ev, 1)
}

func (r *Reconciler) handle(ctx context.Context, ev *domain.WebhookEvent, tries int) (res Result, err error) {
	ctx, span := monitoring.Tracer().Start(ctx, "webhooks.Handle", trace.WithAttributes(
		attribute.String("merchant_id", ev.MerchantID),
		attribute.String("connector", ev.Connector),
		attribute.Int("tries", tries),
	))
	defer func() {
		span.SetAttributes(attribute.String("result", string(res)))
		span.End()
		monitoring.WebhooksTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("connector", ev.Connector),
			attribute.String("result", string(res)),
		))
	}()

	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = r.now()
	}

	outcome, connectorName, err := r.verify(ctx, ev)
	if errors.Is(err, connector.ErrUnknownEvent) {
		r.logger.Info("Ignoring webhook of unknown type",
			zap.String("merchant_id", ev.MerchantID),
			zap.String("connector", ev.Connector),
			zap.Error(err))
		return NoOp, nil
	}
	if err != nil {
		r.logger.Warn("Webhook rejected",
			zap.String("merchant_id", ev.MerchantID),
			zap.String("connector", ev.Connector),
			zap.Error(err))
		return Rejected, err
	}

	log := r.logger.With(
		zap.String("connector", connectorName),
		zap.String("event_id", outcome.EventID),
		zap.String("reference", outcome.Reference),
		zap.String("kind", string(outcome.Kind)),
	)

	seen, err := r.store.WebhookSeen(ctx, connectorName, outcome.EventID)
	if err != nil {
		return "", fmt.Errorf("failed to check webhook inbox: %w", err)
	}
	if seen {
		log.Info("Duplicate webhook, already processed")
		return NoOp, nil
	}

	attempt, err := r.store.FindAttemptByReference(ctx, connectorName, outcome.Reference)
	if errors.Is(err, repository.ErrAttemptNotFound) {
		return r.unmatched(ctx, ev, connectorName, outcome, tries, log)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up attempt for webhook: %w", err)
	}

	res, err = r.apply(ctx, ev, connectorName, outcome, attempt.ID, attempt.IntentID)
	if errors.Is(err, domain.ErrWebhookDuplicate) {
		log.Info("Duplicate webhook, already processed")
		return NoOp, nil
	}
	if err != nil {
		return "", err
	}
	log.Info("Webhook reconciled", zap.String("intent_id", attempt.IntentID), zap.String("result", string(res)))
	return res, nil
}

// verify tries every account of the merchant that the event's connector
// path names. The path may carry an account id or a connector name.
func (r *Reconciler) verify(ctx context.Context, ev *domain.WebhookEvent) (*connector.WebhookOutcome, string, error) {
	merchant, err := r.registry.Merchant(ev.MerchantID)
	if err != nil {
		return nil, "", err
	}

	matched := false
	for i := range merchant.Accounts {
		acc := &merchant.Accounts[i]
		if !acc.Matches(ev.Connector) {
			continue
		}
		matched = true
		adapter, err := r.registry.Adapter(acc.Connector)
		if err != nil {
			return nil, "", err
		}
		creds, err := r.registry.Credentials(ctx, acc)
		if err != nil {
			continue
		}
		outcome, err := adapter.VerifyAndParseWebhook(ev.Payload, ev.Header, creds)
		if errors.Is(err, domain.ErrSignatureInvalid) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return outcome, acc.Connector, nil
	}
	if !matched {
		return nil, "", fmt.Errorf("%w: %s for merchant %s", domain.ErrUnknownConnector, ev.Connector, ev.MerchantID)
	}
	return nil, "", domain.ErrSignatureInvalid
}

func (r *Reconciler) unmatched(ctx context.Context, ev *domain.WebhookEvent, connectorName string, outcome *connector.WebhookOutcome, tries int, log *zap.Logger) (Result, error) {
	if tries < r.cfg.MaxAttempts {
		r.mu.Lock()
		if len(r.queue) < r.cfg.QueueSize {
			r.queue = append(r.queue, deferred{
				event:     ev,
				connector: connectorName,
				outcome:   outcome,
				tries:     tries,
				due:       r.now().Add(r.cfg.RetryDelay),
			})
			r.mu.Unlock()
			log.Info("Deferring webhook for retry", zap.Int("tries", tries))
			return Deferred, nil
		}
		r.mu.Unlock()
		log.Warn("Webhook retry queue full, discarding event")
	}

	err := r.store.RecordWebhook(ctx, &domain.WebhookInboxRecord{
		Connector:   connectorName,
		EventID:     outcome.EventID,
		MerchantID:  ev.MerchantID,
		Status:      domain.WebhookInboxUnmatched,
		Payload:     ev.Payload,
		ReceivedAt:  ev.ReceivedAt,
		ProcessedAt: r.now(),
	})
	if err != nil && !errors.Is(err, domain.ErrWebhookDuplicate) {
		return "", fmt.Errorf("failed to record unmatched webhook: %w", err)
	}
	log.Warn("Webhook discarded as unmatched", zap.Int("tries", tries))
	return Unmatched, nil
}

func (r *Reconciler) apply(ctx context.Context, ev *domain.WebhookEvent, connectorName string, outcome *connector.WebhookOutcome, attemptID, intentID string) (Result, error) {
	var res Result
	err := r.store.InTx(ctx, intentID, func(tx repository.IntentTx) error {
		intent := tx.Intent()
		before := intent.Clone()

		to := target(intent, outcome)
		transition, err := r.transitions.Apply(ctx, tx, intent, to, "webhook:"+connectorName)
		if err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) && !errors.Is(err, lifecycle.ErrTerminalState) {
			return err
		}

		changed := transition == lifecycle.Applied ||
			intent.AmountCaptured != before.AmountCaptured ||
			intent.AmountRefunded != before.AmountRefunded
		if changed && settlesPending(intent.PendingOperation, outcome.Kind) {
			intent.PendingOperation = ""
			intent.PendingSince = time.Time{}
		}

		status := domain.WebhookInboxNoOp
		res = NoOp
		if changed {
			status = domain.WebhookInboxApplied
			res = Applied
			intent.UpdatedAt = r.now()
			if err := r.settleAttempt(tx, attemptID, outcome); err != nil {
				return err
			}
			if intent.ConnectorReference == "" {
				intent.Connector = connectorName
				intent.ConnectorReference = outcome.Reference
			}
			if err := tx.SaveIntent(intent); err != nil {
				return err
			}
		}

		return tx.RecordWebhook(&domain.WebhookInboxRecord{
			Connector:   connectorName,
			EventID:     outcome.EventID,
			MerchantID:  ev.MerchantID,
			IntentID:    intentID,
			Status:      status,
			Payload:     ev.Payload,
			ReceivedAt:  ev.ReceivedAt,
			ProcessedAt: r.now(),
		})
	})
	return res, err
}

// target computes the status an event asks for and updates the running
// amounts on intent. Event amounts are totals, so replays and events that
// arrive after a synchronous capture or refund never double count.
func target(intent *domain.PaymentIntent, outcome *connector.WebhookOutcome) lifecycle.Status {
	switch outcome.Kind {
	case connector.EventAuthorized:
		return lifecycle.AuthorizedStatus(intent.CaptureMethod == domain.CaptureManual)
	case connector.EventCaptured, connector.EventPartiallyCaptured:
		amount := outcome.Amount
		if amount == 0 && outcome.Kind == connector.EventCaptured {
			amount = intent.CaptureAmount()
		}
		if intent.Status.IsPostCapture() || amount <= intent.AmountCaptured || amount > intent.Amount {
			return intent.Status
		}
		intent.AmountCaptured = amount
		return lifecycle.CapturedStatus(amount, intent.Amount)
	case connector.EventRefunded, connector.EventPartiallyRefunded:
		amount := outcome.Amount
		if amount == 0 && outcome.Kind == connector.EventRefunded {
			amount = intent.AmountCaptured
		}
		if !intent.Status.IsPostCapture() || amount <= intent.AmountRefunded || amount > intent.AmountCaptured {
			return intent.Status
		}
		intent.AmountRefunded = amount
		return lifecycle.RefundedStatus(amount, intent.AmountCaptured)
	case connector.EventFailed:
		if lifecycle.CanTransition(intent.Status, lifecycle.StatusFailed) {
			intent.LastErrorCode = outcome.Code
			intent.LastError = outcome.Reason
		}
		return lifecycle.StatusFailed
	case connector.EventCancelled:
		return lifecycle.StatusCancelled
	case connector.EventSettled:
		return lifecycle.StatusSettled
	}
	return intent.Status
}

// settlesPending reports whether an event of kind completes the follow-up
// operation recorded on the intent.
func settlesPending(op string, kind connector.WebhookEventKind) bool {
	switch connector.Operation(op) {
	case connector.OpCapture:
		return kind == connector.EventCaptured || kind == connector.EventPartiallyCaptured
	case connector.OpRefund:
		return kind == connector.EventRefunded || kind == connector.EventPartiallyRefunded
	case connector.OpVoid:
		return kind == connector.EventCancelled
	}
	return false
}

// settleAttempt closes a pending attempt once its connector reports the
// outcome.
func (r *Reconciler) settleAttempt(tx repository.IntentTx, attemptID string, outcome *connector.WebhookOutcome) error {
	for _, a := range tx.Attempts() {
		if a.ID != attemptID {
			continue
		}
		if !a.Status.InFlight() {
			return nil
		}
		switch outcome.Kind {
		case connector.EventFailed:
			a.Status = lifecycle.AttemptDeclined
			a.ErrorCode = outcome.Code
			a.ErrorMessage = outcome.Reason
		case connector.EventCancelled:
			a.Status = lifecycle.AttemptFailedPermanent
			a.ErrorCode = "cancelled"
		default:
			a.Status = lifecycle.AttemptAuthorized
		}
		a.UpdatedAt = r.now()
		return tx.UpdateAttempt(a)
	}
	return nil
}

// Pending returns the number of events waiting for a retry.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// RetryPending re-handles every queued event that is due and returns how
// many it took off the queue. An event whose retry fails on a storage error
// goes back on the queue until it runs out of attempts, after which it is
// recorded as unmatched.
func (r *Reconciler) RetryPending(ctx context.Context) int {
	now := r.now()
	r.mu.Lock()
	var due []deferred
	rest := r.queue[:0]
	for _, d := range r.queue {
		if !d.due.After(now) {
			due = append(due, d)
		} else {
			rest = append(rest, d)
		}
	}
	r.queue = rest
	r.mu.Unlock()

	for _, d := range due {
		tries := d.tries + 1
		res, err := r.handle(ctx, d.event, tries)
		if err == nil || res == Rejected {
			continue
		}
		log := r.logger.With(
			zap.String("connector", d.connector),
			zap.String("event_id", d.outcome.EventID),
			zap.String("reference", d.outcome.Reference),
			zap.String("kind", string(d.outcome.Kind)),
		)
		log.Error("Failed to retry webhook", zap.Int("tries", tries), zap.Error(err))
		if _, err := r.unmatched(ctx, d.event, d.connector, d.outcome, tries, log); err != nil {
			log.Error("Dropping webhook after failed retry", zap.Error(err))
		}
	}
	return len(due)
}

// Run retries deferred events until ctx ends.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Starting webhook retry loop...", zap.Duration("retry_delay", r.cfg.RetryDelay))
	ticker := time.NewTicker(r.cfg.RetryDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Webhook retry loop stopped", zap.Int("pending", r.Pending()))
			return
		case <-ticker.C:
			r.RetryPending(ctx)
		}
	}
}
