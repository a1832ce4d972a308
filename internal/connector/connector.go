// Package connector defines the contract every payment processor adapter
// implements and the registry the routing and execution paths use to find
// adapters and merchant connector accounts.
//
// Adapters are pure translators. They build wire requests and parse wire
// responses but never perform I/O; the execution pipeline owns the transport.
package connector

import (
	"errors"
	"net/http"
	"strings"

	"paymentswitch/internal/domain"
)

type Capability uint8

const (
	CapAuthorize Capability = 1 << iota
	CapCapture
	CapRefund
	CapVoid
	CapPartialCapture
	CapWebhooks
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapAuthorize, "authorize"},
	{CapCapture, "capture"},
	{CapRefund, "refund"},
	{CapVoid, "void"},
	{CapPartialCapture, "partial_capture"},
	{CapWebhooks, "webhooks"},
}

// Has reports whether every capability in want is present.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

func (c Capability) String() string {
	var names []string
	for _, cn := range capabilityNames {
		if c.Has(cn.c) {
			names = append(names, cn.name)
		}
	}
	return strings.Join(names, "|")
}

type Operation string

const (
	OpAuthorize Operation = "authorize"
	OpCapture   Operation = "capture"
	OpRefund    Operation = "refund"
	OpVoid      Operation = "void"
)

// Capability returns the capability an operation needs.
func (o Operation) Capability() Capability {
	switch o {
	case OpCapture:
		return CapCapture
	case OpRefund:
		return CapRefund
	case OpVoid:
		return CapVoid
	default:
		return CapAuthorize
	}
}

// Credentials are resolved from an account's credentials_ref at call time
// and never persisted.
type Credentials struct {
	APIKey        string
	WebhookSecret string
}

// Request is the canonical, protocol-neutral form of one connector call.
type Request struct {
	Operation         Operation            `json:"operation"`
	IntentID          string               `json:"intent_id"`
	AttemptID         string               `json:"attempt_id"`
	IdempotencyKey    string               `json:"idempotency_key"`
	Amount            int64                `json:"amount"`
	IntentAmount      int64                `json:"intent_amount"`
	Currency          string               `json:"currency"`
	CaptureMethod     domain.CaptureMethod `json:"capture_method"`
	PaymentMethod     string               `json:"payment_method,omitempty"`
	PaymentMethodType string               `json:"payment_method_type,omitempty"`
	CustomerID        string               `json:"customer_id,omitempty"`
	Reference         string               `json:"connector_reference,omitempty"`
	Metadata          map[string]string    `json:"metadata,omitempty"`
	BaseURL           string               `json:"base_url,omitempty"`
	Credentials       Credentials          `json:"-"`
}

type WireRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type ResultKind string

const (
	// ResultAuthorized means the connector accepted the operation. For
	// capture, refund and void it means the operation succeeded.
	ResultAuthorized ResultKind = "authorized"
	ResultDeclined   ResultKind = "declined"
	ResultPending    ResultKind = "pending"
	ResultTransient  ResultKind = "transient_error"
	ResultPermanent  ResultKind = "permanent_error"
)

type Result struct {
	Kind      ResultKind
	Reference string
	Code      string
	Reason    string
}

type WebhookEventKind string

const (
	EventAuthorized        WebhookEventKind = "authorized"
	EventCaptured          WebhookEventKind = "captured"
	EventPartiallyCaptured WebhookEventKind = "partially_captured"
	EventFailed            WebhookEventKind = "failed"
	EventCancelled         WebhookEventKind = "cancelled"
	EventRefunded          WebhookEventKind = "refunded"
	EventPartiallyRefunded WebhookEventKind = "partially_refunded"
	EventSettled           WebhookEventKind = "settled"
)

// WebhookOutcome is a verified webhook reduced to what reconciliation needs.
type WebhookOutcome struct {
	EventID   string
	Reference string
	Kind      WebhookEventKind
	Amount    int64
	Code      string
	Reason    string
}

var (
	ErrUnsupported  = domain.ErrUnsupportedOperation
	ErrUnknownEvent = errors.New("unknown webhook event type")
)

// Adapter translates between the canonical model and one processor's wire
// protocol.
type Adapter interface {
	Name() string
	Capabilities() Capability
	// BuildRequest returns ErrUnsupported when the connector cannot express
	// the operation.
	BuildRequest(req Request) (*WireRequest, error)
	// ParseResponse classifies a response. Ambiguous responses must come
	// back as ResultPermanent.
	ParseResponse(op Operation, resp *RawResponse) Result
	// VerifyAndParseWebhook returns domain.ErrSignatureInvalid before looking
	// at the payload when authentication fails.
	VerifyAndParseWebhook(payload []byte, header http.Header, creds Credentials) (*WebhookOutcome, error)
}
