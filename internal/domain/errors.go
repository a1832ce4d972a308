package domain

import (
	"errors"
	"fmt"
	"strings"

	"paymentswitch/internal/lifecycle"
)

var (
	// ErrConfiguration covers merchant setup problems. It is surfaced to the
	// caller and never retried.
	ErrConfiguration        = errors.New("configuration error")
	ErrNoEligibleConnector  = fmt.Errorf("%w: no eligible connector", ErrConfiguration)
	ErrMalformedRoutingRule = fmt.Errorf("%w: malformed routing rule", ErrConfiguration)
	ErrUnknownConnector     = fmt.Errorf("%w: unknown connector", ErrConfiguration)
	ErrMerchantNotFound     = fmt.Errorf("%w: merchant not configured", ErrConfiguration)

	ErrConnectorTransient = errors.New("connector transient error")
	ErrConnectorPermanent = errors.New("connector permanent error")
	ErrDeclined           = errors.New("payment declined")

	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrServiceDraining  = errors.New("service draining")

	ErrIntentNotFound       = errors.New("payment intent not found")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrOperationInProgress  = errors.New("operation already in progress")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrWebhookDuplicate     = errors.New("webhook event already processed")

	ErrInvalidTransition = lifecycle.ErrInvalidTransition
	ErrTerminalState     = lifecycle.ErrTerminalState
)

// PaymentError ties a failure to the intent, attempt and connector it came
// from so it can be audited or replayed. errors.Is matches both Kind and the
// wrapped cause.
type PaymentError struct {
	Kind      error
	IntentID  string
	AttemptID string
	Connector string
	Code      string
	Message   string
	Err       error
}

func (e *PaymentError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	fmt.Fprintf(&b, " (intent=%s", e.IntentID)
	if e.AttemptID != "" {
		fmt.Fprintf(&b, " attempt=%s", e.AttemptID)
	}
	if e.Connector != "" {
		fmt.Fprintf(&b, " connector=%s", e.Connector)
	}
	b.WriteString(")")
	return b.String()
}

func (e *PaymentError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// AsPaymentError extracts the audit context of err, if it carries any.
func AsPaymentError(err error) (*PaymentError, bool) {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
