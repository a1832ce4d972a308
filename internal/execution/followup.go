package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"paymentswitch/internal/connector"
	"paymentswitch/internal/domain"
	"paymentswitch/internal/lifecycle"
	"paymentswitch/internal/monitoring"
	"paymentswitch/internal/repository"
)

// FollowUp sends a capture, refund or void to the connector that authorized
// the intent. amount 0 means the default for the operation: the intent's
// capture amount, or everything still refundable. Void ignores amount.
//
// Only one follow-up may be on the wire per intent. A pending connector
// answer leaves the status unchanged for a webhook to finish.
func (p *Pipeline) FollowUp(ctx context.Context, intentID string, op connector.Operation, amount int64) (*domain.PaymentIntent, error) {
	ctx, span := monitoring.Tracer().Start(ctx, "pipeline.FollowUp", trace.WithAttributes(
		attribute.String("intent_id", intentID),
		attribute.String("operation", string(op)),
	))
	defer span.End()

	var (
		req        connector.Request
		merchantID string
		accountID  string
	)
	err := p.store.InTx(ctx, intentID, func(tx repository.IntentTx) error {
		intent := tx.Intent()
		if intent.PendingOperation != "" {
			if p.now().Sub(intent.PendingSince) < p.cfg.PendingOperationTimeout {
				return &domain.PaymentError{
					Kind:     domain.ErrOperationInProgress,
					IntentID: intent.ID,
					Message:  intent.PendingOperation + " is on the wire",
				}
			}
			p.logger.Warn("Replacing stale pending operation",
				zap.String("intent_id", intent.ID),
				zap.String("pending_operation", intent.PendingOperation),
				zap.Time("pending_since", intent.PendingSince))
		}
		amt, err := followUpAmount(intent, op, amount)
		if err != nil {
			return err
		}
		if intent.ConnectorAccountID == "" || intent.ConnectorReference == "" {
			return &domain.PaymentError{
				Kind:     domain.ErrInvalidRequest,
				IntentID: intent.ID,
				Message:  "intent has no authorizing connector",
			}
		}

		req = connector.Request{
			Operation:      op,
			IntentID:       intent.ID,
			IdempotencyKey: followUpKey(intent, op),
			Amount:         amt,
			IntentAmount:   intent.Amount,
			Currency:       intent.Currency,
			CaptureMethod:  intent.CaptureMethod,
			Reference:      intent.ConnectorReference,
			Metadata:       intent.Metadata,
		}
		merchantID, accountID = intent.MerchantID, intent.ConnectorAccountID

		intent.PendingOperation = string(op)
		intent.PendingSince = p.now()
		intent.UpdatedAt = p.now()
		return tx.SaveIntent(intent)
	})
	if err != nil {
		return nil, err
	}

	res, perr := p.sendFollowUp(ctx, merchantID, accountID, req)
	if perr != nil {
		perr.IntentID = intentID
		p.logger.Warn("Follow-up operation failed",
			zap.String("intent_id", intentID),
			zap.String("operation", string(op)),
			zap.Error(perr))
	}
	return p.finishFollowUp(ctx, intentID, req, res, perr)
}

func followUpAmount(intent *domain.PaymentIntent, op connector.Operation, amount int64) (int64, error) {
	invalid := func(format string, args ...any) error {
		return &domain.PaymentError{Kind: domain.ErrInvalidRequest, IntentID: intent.ID, Message: fmt.Sprintf(format, args...)}
	}
	wrongState := &domain.PaymentError{
		Kind:     domain.ErrInvalidTransition,
		IntentID: intent.ID,
		Message:  fmt.Sprintf("cannot %s an intent in status %s", op, intent.Status),
	}

	switch op {
	case connector.OpCapture:
		if intent.Status != lifecycle.StatusRequiresCapture {
			return 0, wrongState
		}
		if amount == 0 {
			amount = intent.CaptureAmount()
		}
		if amount <= 0 || amount > intent.Amount {
			return 0, invalid("capture amount %d outside 1..%d", amount, intent.Amount)
		}
		return amount, nil
	case connector.OpRefund:
		if !intent.Status.IsPostCapture() {
			return 0, wrongState
		}
		if amount == 0 {
			amount = intent.Refundable()
		}
		if amount <= 0 || amount > intent.Refundable() {
			return 0, invalid("refund amount %d outside 1..%d", amount, intent.Refundable())
		}
		return amount, nil
	case connector.OpVoid:
		if intent.Status != lifecycle.StatusAuthorized && intent.Status != lifecycle.StatusRequiresCapture {
			return 0, wrongState
		}
		return 0, nil
	default:
		return 0, invalid("unknown follow-up operation %q", op)
	}
}

// followUpKey stays stable across retries of the same operation. Refunds
// include the amount already refunded so a second partial refund gets a new
// key.
func followUpKey(intent *domain.PaymentIntent, op connector.Operation) string {
	if op == connector.OpRefund {
		return fmt.Sprintf("%s_refund_%d", intent.ID, intent.AmountRefunded)
	}
	return fmt.Sprintf("%s_%s", intent.ID, op)
}

func (p *Pipeline) sendFollowUp(ctx context.Context, merchantID, accountID string, req connector.Request) (connector.Result, *domain.PaymentError) {
	acc, err := p.registry.Account(merchantID, accountID)
	if err != nil {
		return connector.Result{}, &domain.PaymentError{Kind: domain.ErrConfiguration, Code: "account_unavailable", Err: err}
	}
	fail := func(kind error, code string, err error) *domain.PaymentError {
		return &domain.PaymentError{Kind: kind, Connector: acc.Connector, Code: code, Err: err}
	}

	adapter, err := p.registry.Adapter(acc.Connector)
	if err != nil {
		return connector.Result{}, fail(domain.ErrConfiguration, "unknown_connector", err)
	}
	creds, err := p.registry.Credentials(ctx, acc)
	if err != nil {
		return connector.Result{}, fail(domain.ErrConfiguration, "credentials_unavailable", err)
	}
	req.BaseURL = acc.BaseURL
	req.Credentials = creds

	wire, err := adapter.BuildRequest(req)
	if errors.Is(err, connector.ErrUnsupported) {
		return connector.Result{}, fail(domain.ErrUnsupportedOperation, "unsupported_operation", err)
	}
	if err != nil {
		return connector.Result{}, fail(domain.ErrInvalidRequest, "request_build_failed", err)
	}

	resp, err := p.call(ctx, acc.Connector, req.Operation, wire)
	if err != nil {
		return connector.Result{}, fail(domain.ErrConnectorTransient, "network_error", err)
	}

	res := adapter.ParseResponse(req.Operation, resp)
	switch res.Kind {
	case connector.ResultAuthorized, connector.ResultPending:
		return res, nil
	case connector.ResultDeclined:
		return res, &domain.PaymentError{Kind: domain.ErrDeclined, Connector: acc.Connector, Code: res.Code, Message: res.Reason}
	case connector.ResultTransient:
		return res, &domain.PaymentError{Kind: domain.ErrConnectorTransient, Connector: acc.Connector, Code: res.Code, Message: res.Reason}
	default:
		return res, &domain.PaymentError{Kind: domain.ErrConnectorPermanent, Connector: acc.Connector, Code: res.Code, Message: res.Reason}
	}
}

func (p *Pipeline) finishFollowUp(ctx context.Context, intentID string, req connector.Request, res connector.Result, perr *domain.PaymentError) (*domain.PaymentIntent, error) {
	var out *domain.PaymentIntent
	err := p.commit(ctx, intentID, func(tx repository.IntentTx) error {
		intent := tx.Intent()
		intent.PendingOperation = ""
		intent.PendingSince = time.Time{}
		intent.UpdatedAt = p.now()

		switch {
		case perr != nil:
			intent.LastErrorCode = perr.Code
			intent.LastError = perr.Error()
		case res.Kind == connector.ResultAuthorized:
			intent.LastErrorCode, intent.LastError = "", ""
			var to lifecycle.Status
			switch req.Operation {
			case connector.OpCapture:
				intent.AmountCaptured = req.Amount
				to = lifecycle.CapturedStatus(intent.AmountCaptured, intent.Amount)
			case connector.OpRefund:
				intent.AmountRefunded += req.Amount
				to = lifecycle.RefundedStatus(intent.AmountRefunded, intent.AmountCaptured)
			case connector.OpVoid:
				to = lifecycle.StatusCancelled
			}
			if err := p.transition(ctx, tx, intent, to, sourceFollowUp); err != nil {
				return err
			}
		default:
			intent.LastErrorCode, intent.LastError = "", ""
		}

		if err := tx.SaveIntent(intent); err != nil {
			return err
		}
		out = intent
		return nil
	})
	if err != nil {
		return nil, err
	}
	if perr != nil {
		return out, perr
	}
	p.logger.Info("Follow-up operation completed",
		zap.String("intent_id", intentID),
		zap.String("operation", string(req.Operation)),
		zap.Int64("amount", req.Amount),
		zap.String("result", string(res.Kind)),
		zap.String("status", string(out.Status)))
	return out, nil
}
