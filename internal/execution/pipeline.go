// Package execution drives an intent through its candidate connectors and
// sends follow-up operations to the connector that authorized it.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"paymentswitch/internal/connector"
	"paymentswitch/internal/domain"
	"paymentswitch/internal/lifecycle"
	"paymentswitch/internal/monitoring"
	"paymentswitch/internal/repository"
	"paymentswitch/internal/routing"
	"paymentswitch/internal/util"
)

const (
	sourcePipeline = "pipeline"
	sourceFollowUp = "follow_up"
)

type Config struct {
	// ConnectorTimeout bounds a single connector call.
	ConnectorTimeout time.Duration
	// FinalizeTimeout bounds the store writes that record a call's result.
	// They run detached from the caller's context.
	FinalizeTimeout time.Duration
	// PendingOperationTimeout is how long a follow-up marker blocks other
	// follow-ups. A marker older than this was left by a call whose result
	// was never recorded.
	PendingOperationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectorTimeout <= 0 {
		c.ConnectorTimeout = 30 * time.Second
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 5 * time.Second
	}
	if c.PendingOperationTimeout <= 0 {
		c.PendingOperationTimeout = 2*c.ConnectorTimeout + c.FinalizeTimeout
	}
	return c
}

// Outcome is what Execute observed. Err carries the payment failure, if
// any, with its attempt and connector; declines and exhausted candidates are
// reported here rather than as the returned error.
type Outcome struct {
	Intent   *domain.PaymentIntent
	Attempts []*domain.PaymentAttempt
	// Reused is set when another execution already owned the intent.
	Reused bool
	Err    error
}

type Pipeline struct {
	store       repository.Store
	registry    *connector.Registry
	router      *routing.Engine
	transport   Transport
	transitions *Transitioner
	cfg         Config
	now         func() time.Time
	logger      *zap.Logger
}

func NewPipeline(
	store repository.Store,
	registry *connector.Registry,
	router *routing.Engine,
	transport Transport,
	transitions *Transitioner,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		store:       store,
		registry:    registry,
		router:      router,
		transport:   transport,
		transitions: transitions,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		logger:      logger,
	}
}

type run struct {
	decision *routing.Decision
	intent   *domain.PaymentIntent
	attempt  *domain.PaymentAttempt
	reused   bool
	routeErr error
}

type callResult struct {
	status    lifecycle.AttemptStatus
	reference string
	code      string
	message   string
	aborted   bool
	cause     error
}

func skipped(code string, err error) callResult {
	return callResult{status: lifecycle.AttemptSkipped, code: code, message: err.Error(), cause: err}
}

// Execute routes the intent and tries candidates in order until one
// authorizes it, leaves it pending, or the list runs out.
//
// The first attempt is created in the same transaction that moves the intent
// to Processing, and every following attempt in the transaction that closes
// its predecessor, so a Processing intent always has an in-flight attempt
// while Execute runs. A concurrent Execute on the same intent sees that
// attempt and returns with Reused set.
func (p *Pipeline) Execute(ctx context.Context, intentID string) (*Outcome, error) {
	ctx, span := monitoring.Tracer().Start(ctx, "pipeline.Execute",
		trace.WithAttributes(attribute.String("intent_id", intentID)))
	defer span.End()

	r, err := p.begin(ctx, intentID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if r.reused {
		p.logger.Info("Intent already has an attempt in flight, reusing it", zap.String("intent_id", intentID))
		return p.outcome(ctx, intentID, true, nil)
	}
	if r.routeErr != nil {
		span.SetStatus(codes.Error, r.routeErr.Error())
		out, err := p.outcome(ctx, intentID, false, r.routeErr)
		if err != nil {
			return nil, err
		}
		return out, r.routeErr
	}

	attempt := r.attempt
	for i := 0; ; i++ {
		acc := r.decision.Candidates[i]
		res, err := p.try(ctx, r.intent, attempt, acc)
		if err != nil {
			return nil, err
		}
		next, err := p.settle(ctx, intentID, r.decision, i, attempt, res)
		if err != nil {
			return nil, err
		}
		p.logger.Info("Payment attempt finished",
			zap.String("intent_id", intentID),
			zap.String("attempt_id", attempt.ID),
			zap.String("connector", acc.Connector),
			zap.String("account_id", acc.ID),
			zap.String("status", string(res.status)),
			zap.String("code", res.code))
		if next != nil {
			attempt = next
			continue
		}

		failure := p.failure(intentID, attempt, r.decision, res)
		out, err := p.outcome(ctx, intentID, false, failure)
		if err != nil {
			return nil, err
		}
		if res.aborted {
			span.SetStatus(codes.Error, failure.Error())
			return out, failure
		}
		return out, nil
	}
}

func (p *Pipeline) begin(ctx context.Context, intentID string) (*run, error) {
	r := &run{}
	err := p.store.InTx(ctx, intentID, func(tx repository.IntentTx) error {
		*r = run{}
		intent := tx.Intent()
		if domain.InFlightAttempt(tx.Attempts()) != nil {
			r.reused = true
			return nil
		}
		if !lifecycle.CanTransition(intent.Status, lifecycle.StatusProcessing) {
			return &domain.PaymentError{
				Kind:     domain.ErrInvalidTransition,
				IntentID: intent.ID,
				Message:  fmt.Sprintf("cannot execute an intent in status %s", intent.Status),
			}
		}

		decision, err := p.route(ctx, intent)
		if err != nil {
			r.routeErr = err
			intent.LastErrorCode = configErrorCode(err)
			intent.LastError = err.Error()
			intent.UpdatedAt = p.now()
			return tx.SaveIntent(intent)
		}

		intent.LastErrorCode, intent.LastError = "", ""
		attempt, err := p.newAttempt(intent, decision, 0)
		if err != nil {
			return err
		}
		if _, err := p.transitions.Apply(ctx, tx, intent, lifecycle.StatusProcessing, sourcePipeline); err != nil {
			return err
		}
		if err := tx.InsertAttempt(attempt); err != nil {
			return err
		}
		if err := tx.SaveIntent(intent); err != nil {
			return err
		}
		r.decision, r.intent, r.attempt = decision, intent, attempt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Pipeline) route(ctx context.Context, intent *domain.PaymentIntent) (*routing.Decision, error) {
	merchant, err := p.registry.Merchant(intent.MerchantID)
	if err != nil {
		return nil, &domain.PaymentError{Kind: domain.ErrMerchantNotFound, IntentID: intent.ID, Message: intent.MerchantID}
	}

	decision, err := p.router.Route(routing.Input{
		Intent:   intent,
		Accounts: merchant.AccountsFor(intent.BusinessProfile),
		Config:   merchant.RoutingFor(intent.BusinessProfile),
	})

	result := "routed"
	if err != nil {
		result = configErrorCode(err)
	}
	monitoring.RoutingDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("merchant_id", intent.MerchantID),
		attribute.String("result", result),
	))

	if err != nil {
		if _, ok := domain.AsPaymentError(err); ok {
			return nil, err
		}
		return nil, &domain.PaymentError{Kind: domain.ErrConfiguration, IntentID: intent.ID, Err: err}
	}
	p.logger.Debug("Routing decision",
		zap.String("intent_id", intent.ID),
		zap.String("algorithm", string(decision.Algorithm)),
		zap.String("rule", decision.Rule),
		zap.Strings("candidates", decision.CandidateIDs()),
		zap.Any("excluded", decision.Excluded))
	return decision, nil
}

func configErrorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrNoEligibleConnector):
		return "no_eligible_connector"
	case errors.Is(err, domain.ErrMalformedRoutingRule):
		return "malformed_routing_rule"
	case errors.Is(err, domain.ErrUnknownConnector):
		return "unknown_connector"
	case errors.Is(err, domain.ErrMerchantNotFound):
		return "merchant_not_found"
	default:
		return "configuration_error"
	}
}

// newAttempt builds attempt number AttemptCount+1 for candidate i and bumps
// the intent's counter.
func (p *Pipeline) newAttempt(intent *domain.PaymentIntent, d *routing.Decision, i int) (*domain.PaymentAttempt, error) {
	acc := d.Candidates[i]
	seq := intent.AttemptCount + 1
	id := util.AttemptID(intent.ID, seq)

	snapshot, err := json.Marshal(authorizeRequest(intent, id, acc, connector.Credentials{}))
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot request for attempt %s: %w", id, err)
	}

	now := p.now()
	intent.AttemptCount = seq
	return &domain.PaymentAttempt{
		ID:                 id,
		IntentID:           intent.ID,
		Seq:                seq,
		Connector:          acc.Connector,
		ConnectorAccountID: acc.ID,
		IdempotencyKey:     id,
		Status:             lifecycle.AttemptStarted,
		RoutingReason:      d.Reason(i),
		RequestSnapshot:    snapshot,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

func authorizeRequest(intent *domain.PaymentIntent, attemptID string, acc domain.ConnectorAccount, creds connector.Credentials) connector.Request {
	return connector.Request{
		Operation:         connector.OpAuthorize,
		IntentID:          intent.ID,
		AttemptID:         attemptID,
		IdempotencyKey:    attemptID,
		Amount:            intent.Amount,
		IntentAmount:      intent.Amount,
		Currency:          intent.Currency,
		CaptureMethod:     intent.CaptureMethod,
		PaymentMethod:     intent.PaymentMethod,
		PaymentMethodType: intent.PaymentMethodType,
		CustomerID:        intent.CustomerID,
		Metadata:          intent.Metadata,
		BaseURL:           acc.BaseURL,
		Credentials:       creds,
	}
}

// try performs the authorize call for one attempt. Only store failures are
// returned as errors; everything the connector does is in the result.
func (p *Pipeline) try(ctx context.Context, intent *domain.PaymentIntent, attempt *domain.PaymentAttempt, acc domain.ConnectorAccount) (callResult, error) {
	if ctx.Err() != nil {
		return aborted(ctx, ctx.Err()), nil
	}

	adapter, err := p.registry.Adapter(acc.Connector)
	if err != nil {
		return skipped("unknown_connector", err), nil
	}
	creds, err := p.registry.Credentials(ctx, &acc)
	if err != nil {
		return skipped("credentials_unavailable", err), nil
	}
	wire, err := adapter.BuildRequest(authorizeRequest(intent, attempt.ID, acc, creds))
	if errors.Is(err, connector.ErrUnsupported) {
		return skipped("unsupported_operation", err), nil
	}
	if err != nil {
		return skipped("request_build_failed", err), nil
	}

	err = p.commit(ctx, intent.ID, func(tx repository.IntentTx) error {
		a, err := findAttempt(tx, attempt.ID)
		if err != nil {
			return err
		}
		a.Status = lifecycle.AttemptProcessing
		a.UpdatedAt = p.now()
		return tx.UpdateAttempt(a)
	})
	if err != nil {
		return callResult{}, err
	}

	ctx, span := monitoring.Tracer().Start(ctx, "connector.authorize", trace.WithAttributes(
		attribute.String("connector", acc.Connector),
		attribute.String("account_id", acc.ID),
		attribute.String("attempt_id", attempt.ID),
	))
	defer span.End()

	resp, err := p.call(ctx, acc.Connector, connector.OpAuthorize, wire)
	if err != nil {
		span.RecordError(err)
		switch {
		case ctx.Err() != nil:
			return aborted(ctx, err), nil
		case errors.Is(err, context.DeadlineExceeded):
			return callResult{status: lifecycle.AttemptTimedOut, code: "timeout", message: err.Error(), cause: err}, nil
		default:
			return callResult{status: lifecycle.AttemptFailedRetryable, code: "network_error", message: err.Error(), cause: err}, nil
		}
	}

	res := adapter.ParseResponse(connector.OpAuthorize, resp)
	span.SetAttributes(attribute.String("result", string(res.Kind)))
	cr := callResult{reference: res.Reference, code: res.Code, message: res.Reason}
	switch res.Kind {
	case connector.ResultAuthorized:
		cr.status = lifecycle.AttemptAuthorized
	case connector.ResultPending:
		cr.status = lifecycle.AttemptPending
	case connector.ResultDeclined:
		cr.status = lifecycle.AttemptDeclined
	case connector.ResultTransient:
		cr.status = lifecycle.AttemptFailedRetryable
	default:
		cr.status = lifecycle.AttemptFailedPermanent
	}
	return cr, nil
}

// aborted is the result for a call cut short by the caller, usually a forced
// drain. The outcome is unknown, so the intent goes back to
// RequiresConfirmation.
func aborted(ctx context.Context, err error) callResult {
	cause := context.Cause(ctx)
	code := "execution_aborted"
	if errors.Is(cause, domain.ErrServiceDraining) {
		code = "service_draining"
	}
	return callResult{
		status:  lifecycle.AttemptTimedOut,
		code:    code,
		message: err.Error(),
		aborted: true,
		cause:   cause,
	}
}

func (p *Pipeline) call(ctx context.Context, name string, op connector.Operation, wire *connector.WireRequest) (*connector.RawResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectorTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.transport.Do(callCtx, wire)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	monitoring.ConnectorCallDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("connector", name),
		attribute.String("operation", string(op)),
		attribute.String("outcome", outcome),
	))
	return resp, err
}

// settle records the attempt's result and decides what happens to the
// intent. It returns the next attempt when the pipeline should move on to
// candidate i+1.
func (p *Pipeline) settle(ctx context.Context, intentID string, d *routing.Decision, i int, attempt *domain.PaymentAttempt, res callResult) (*domain.PaymentAttempt, error) {
	monitoring.AttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("connector", attempt.Connector),
		attribute.String("status", string(res.status)),
	))

	var next *domain.PaymentAttempt
	err := p.commit(ctx, intentID, func(tx repository.IntentTx) error {
		next = nil
		intent := tx.Intent()
		a, err := findAttempt(tx, attempt.ID)
		if err != nil {
			return err
		}
		a.Status = res.status
		a.ConnectorReference = res.reference
		a.ErrorCode = res.code
		a.ErrorMessage = res.message
		a.UpdatedAt = p.now()
		if err := tx.UpdateAttempt(a); err != nil {
			return err
		}

		intent.UpdatedAt = p.now()
		switch {
		case res.status == lifecycle.AttemptAuthorized || res.status == lifecycle.AttemptPending:
			intent.Connector = a.Connector
			intent.ConnectorAccountID = a.ConnectorAccountID
			intent.ConnectorReference = a.ConnectorReference
			intent.LastErrorCode, intent.LastError = "", ""
			if res.status == lifecycle.AttemptAuthorized {
				to := lifecycle.AuthorizedStatus(intent.CaptureMethod == domain.CaptureManual)
				if err := p.transition(ctx, tx, intent, to, sourcePipeline); err != nil {
					return err
				}
			}
		case res.aborted:
			recordError(intent, res)
			if err := p.transition(ctx, tx, intent, lifecycle.StatusRequiresConfirmation, sourcePipeline); err != nil {
				return err
			}
		case intent.Status != lifecycle.StatusProcessing:
			// A webhook moved the intent while the call was on the wire.
			recordError(intent, res)
		case shouldAdvance(d, i, res.status):
			recordError(intent, res)
			n, err := p.newAttempt(intent, d, i+1)
			if err != nil {
				return err
			}
			if err := tx.InsertAttempt(n); err != nil {
				return err
			}
			next = n
		default:
			recordError(intent, res)
			if err := p.transition(ctx, tx, intent, lifecycle.StatusFailed, sourcePipeline); err != nil {
				return err
			}
		}
		return tx.SaveIntent(intent)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func shouldAdvance(d *routing.Decision, i int, status lifecycle.AttemptStatus) bool {
	if i+1 >= len(d.Candidates) {
		return false
	}
	return status.Retryable() || (status == lifecycle.AttemptDeclined && d.DeclineFallback)
}

func recordError(intent *domain.PaymentIntent, res callResult) {
	intent.LastErrorCode = res.code
	intent.LastError = res.message
}

// failure turns the last attempt's result into the error reported on the
// Outcome. Authorized and pending results report none.
func (p *Pipeline) failure(intentID string, attempt *domain.PaymentAttempt, d *routing.Decision, res callResult) error {
	pe := &domain.PaymentError{
		IntentID:  intentID,
		AttemptID: attempt.ID,
		Connector: attempt.Connector,
		Code:      res.code,
		Message:   res.message,
	}
	switch {
	case res.status == lifecycle.AttemptAuthorized || res.status == lifecycle.AttemptPending:
		return nil
	case res.aborted:
		pe.Kind = domain.ErrConnectorTransient
		pe.Err = res.cause
	case res.status == lifecycle.AttemptDeclined:
		pe.Kind = domain.ErrDeclined
	case res.status == lifecycle.AttemptFailedPermanent:
		pe.Kind = domain.ErrConnectorPermanent
	case res.status == lifecycle.AttemptSkipped && errors.Is(res.cause, connector.ErrUnsupported):
		pe.Kind = domain.ErrUnsupportedOperation
		pe.Message = fmt.Sprintf("all %d candidates failed, last: %s", len(d.Candidates), res.message)
	default:
		pe.Kind = domain.ErrConnectorTransient
		pe.Message = fmt.Sprintf("all %d candidates failed, last: %s", len(d.Candidates), res.message)
	}
	return pe
}

func (p *Pipeline) outcome(ctx context.Context, intentID string, reused bool, failure error) (*Outcome, error) {
	ctx, cancel := p.detached(ctx)
	defer cancel()

	intent, err := p.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	attempts, err := p.store.ListAttempts(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Intent: intent, Attempts: attempts, Reused: reused, Err: failure}, nil
}

func (p *Pipeline) transition(ctx context.Context, tx repository.IntentTx, intent *domain.PaymentIntent, to lifecycle.Status, source string) error {
	_, err := p.transitions.Apply(ctx, tx, intent, to, source)
	if errors.Is(err, lifecycle.ErrInvalidTransition) || errors.Is(err, lifecycle.ErrTerminalState) {
		return nil
	}
	return err
}

func (p *Pipeline) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.FinalizeTimeout)
}

// commit runs fn in the intent's scope even if ctx was cancelled, so a
// result that reached us is never lost.
func (p *Pipeline) commit(ctx context.Context, intentID string, fn func(tx repository.IntentTx) error) error {
	ctx, cancel := p.detached(ctx)
	defer cancel()
	return p.store.InTx(ctx, intentID, fn)
}

func findAttempt(tx repository.IntentTx, id string) (*domain.PaymentAttempt, error) {
	for _, a := range tx.Attempts() {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", repository.ErrAttemptNotFound, id)
}
