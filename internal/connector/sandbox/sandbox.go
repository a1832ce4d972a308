// Package sandbox is the reference connector: a JSON over HTTP processor
// that signs its webhooks with HMAC-SHA512.
package sandbox

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"paymentswitch/internal/connector"
	"paymentswitch/internal/domain"
)

const (
	Name = "sandbox"

	SignatureHeader = "X-Webhook-Signature-512"

	defaultCapabilities = connector.CapAuthorize | connector.CapCapture | connector.CapRefund |
		connector.CapVoid | connector.CapPartialCapture | connector.CapWebhooks
)

type Option func(*Adapter)

// WithName registers the adapter under another connector name, for
// processors that speak the same protocol.
func WithName(name string) Option {
	return func(a *Adapter) { a.name = name }
}

func WithCapabilities(c connector.Capability) Option {
	return func(a *Adapter) { a.caps = c }
}

type Adapter struct {
	name string
	caps connector.Capability
}

func New(opts ...Option) *Adapter {
	a := &Adapter{name: Name, caps: defaultCapabilities}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string                       { return a.name }
func (a *Adapter) Capabilities() connector.Capability { return a.caps }

type paymentRequest struct {
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency,omitempty"`
	Capture           string            `json:"capture,omitempty"`
	PaymentMethod     string            `json:"payment_method,omitempty"`
	PaymentMethodType string            `json:"payment_method_type,omitempty"`
	Customer          string            `json:"customer,omitempty"`
	Reference         string            `json:"reference,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type paymentResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	DeclineCode string `json:"decline_code"`
	ErrorCode   string `json:"error_code"`
	Message     string `json:"message"`
}

func (a *Adapter) BuildRequest(req connector.Request) (*connector.WireRequest, error) {
	if !a.caps.Has(req.Operation.Capability()) {
		return nil, fmt.Errorf("%w: %s does not support %s", connector.ErrUnsupported, a.name, req.Operation)
	}
	if req.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s account has no base_url", domain.ErrConfiguration, a.name)
	}
	base := strings.TrimRight(req.BaseURL, "/")

	var (
		path string
		body paymentRequest
	)
	switch req.Operation {
	case connector.OpAuthorize:
		path = "/v1/payments"
		body = paymentRequest{
			Amount:            req.Amount,
			Currency:          req.Currency,
			Capture:           string(req.CaptureMethod),
			PaymentMethod:     req.PaymentMethod,
			PaymentMethodType: req.PaymentMethodType,
			Customer:          req.CustomerID,
			Reference:         req.AttemptID,
			Metadata:          req.Metadata,
		}
	case connector.OpCapture:
		if req.Amount < req.IntentAmount && !a.caps.Has(connector.CapPartialCapture) {
			return nil, fmt.Errorf("%w: %s cannot capture partially", connector.ErrUnsupported, a.name)
		}
		path = "/v1/payments/" + req.Reference + "/capture"
		body = paymentRequest{Amount: req.Amount}
	case connector.OpRefund:
		path = "/v1/payments/" + req.Reference + "/refunds"
		body = paymentRequest{Amount: req.Amount}
	case connector.OpVoid:
		path = "/v1/payments/" + req.Reference + "/void"
	default:
		return nil, fmt.Errorf("%w: %s", connector.ErrUnsupported, req.Operation)
	}
	if req.Operation != connector.OpAuthorize && req.Reference == "" {
		return nil, fmt.Errorf("%w: %s needs a connector reference", domain.ErrInvalidRequest, req.Operation)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", a.name, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+req.Credentials.APIKey)
	header.Set("Idempotency-Key", req.IdempotencyKey)

	return &connector.WireRequest{
		Method: http.MethodPost,
		URL:    base + path,
		Header: header,
		Body:   payload,
	}, nil
}

func (a *Adapter) ParseResponse(op connector.Operation, resp *connector.RawResponse) connector.Result {
	var body paymentResponse
	decodeErr := json.Unmarshal(resp.Body, &body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := body.ErrorCode
		if code == "" {
			code = "http_" + strconv.Itoa(resp.StatusCode)
		}
		if decodeErr == nil && body.Status == "declined" {
			return connector.Result{Kind: connector.ResultDeclined, Reference: body.ID, Code: body.DeclineCode, Reason: body.Message}
		}
		if isTransientStatus(resp.StatusCode) {
			return connector.Result{Kind: connector.ResultTransient, Code: code, Reason: body.Message}
		}
		return connector.Result{Kind: connector.ResultPermanent, Code: code, Reason: body.Message}
	}

	if decodeErr != nil {
		return connector.Result{Kind: connector.ResultPermanent, Code: "unparseable_response", Reason: decodeErr.Error()}
	}

	if succeeded(op, body.Status) {
		return connector.Result{Kind: connector.ResultAuthorized, Reference: body.ID}
	}
	switch body.Status {
	case "pending", "processing":
		return connector.Result{Kind: connector.ResultPending, Reference: body.ID}
	case "declined":
		return connector.Result{Kind: connector.ResultDeclined, Reference: body.ID, Code: body.DeclineCode, Reason: body.Message}
	case "failed":
		return connector.Result{Kind: connector.ResultPermanent, Reference: body.ID, Code: body.ErrorCode, Reason: body.Message}
	default:
		return connector.Result{
			Kind:      connector.ResultPermanent,
			Reference: body.ID,
			Code:      "unknown_status",
			Reason:    fmt.Sprintf("%s: unrecognised status %q for %s", a.name, body.Status, op),
		}
	}
}

// successStatuses lists the processor statuses that confirm each operation.
var successStatuses = map[connector.Operation][]string{
	connector.OpAuthorize: {"authorized", "requires_capture", "succeeded", "captured"},
	connector.OpCapture:   {"captured", "succeeded"},
	connector.OpRefund:    {"refunded", "succeeded"},
	connector.OpVoid:      {"voided", "cancelled"},
}

func succeeded(op connector.Operation, status string) bool {
	for _, s := range successStatuses[op] {
		if s == status {
			return true
		}
	}
	return false
}

func isTransientStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code == http.StatusNotImplemented:
		return false
	case code >= 500:
		return true
	}
	return false
}

type webhookBody struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ID          string `json:"id"`
		Amount      int64  `json:"amount"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"data"`
}

var eventKinds = map[string]connector.WebhookEventKind{
	"payment.authorized":         connector.EventAuthorized,
	"payment.captured":           connector.EventCaptured,
	"payment.partially_captured": connector.EventPartiallyCaptured,
	"payment.failed":             connector.EventFailed,
	"payment.declined":           connector.EventFailed,
	"payment.cancelled":          connector.EventCancelled,
	"payment.voided":             connector.EventCancelled,
	"payment.refunded":           connector.EventRefunded,
	"payment.partially_refunded": connector.EventPartiallyRefunded,
	"payment.settled":            connector.EventSettled,
}

func (a *Adapter) VerifyAndParseWebhook(payload []byte, header http.Header, creds connector.Credentials) (*connector.WebhookOutcome, error) {
	if creds.WebhookSecret == "" {
		return nil, fmt.Errorf("%w: no webhook secret configured", domain.ErrSignatureInvalid)
	}
	given, err := hex.DecodeString(header.Get(SignatureHeader))
	if err != nil || len(given) == 0 {
		return nil, fmt.Errorf("%w: missing or malformed %s", domain.ErrSignatureInvalid, SignatureHeader)
	}
	if !hmac.Equal(given, sign(creds.WebhookSecret, payload)) {
		return nil, domain.ErrSignatureInvalid
	}

	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("%w: %s webhook: %v", domain.ErrInvalidRequest, a.name, err)
	}
	if body.ID == "" || body.Data.ID == "" {
		return nil, fmt.Errorf("%w: %s webhook without event or payment id", domain.ErrInvalidRequest, a.name)
	}
	kind, ok := eventKinds[body.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", connector.ErrUnknownEvent, body.Type)
	}
	return &connector.WebhookOutcome{
		EventID:   body.ID,
		Reference: body.Data.ID,
		Kind:      kind,
		Amount:    body.Data.Amount,
		Code:      body.Data.DeclineCode,
		Reason:    body.Data.Message,
	}, nil
}

func sign(secret string, payload []byte) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign returns the hex signature the processor sends for payload.
func Sign(secret string, payload []byte) string {
	return hex.EncodeToString(sign(secret, payload))
}
