package payments_http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"paymentswitch/internal/app/payments"
	"paymentswitch/internal/domain"
	"paymentswitch/internal/webhooks"
)

type PaymentHandler struct {
	service payments.PaymentService
	logger  *zap.Logger
}

func NewPaymentHandler(s payments.PaymentService, l *zap.Logger) *PaymentHandler {
	return &PaymentHandler{service: s, logger: l}
}

type CreatePaymentRequest struct {
	MerchantID        string            `json:"merchant_id"`
	BusinessProfile   string            `json:"business_profile,omitempty"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	CaptureMethod     string            `json:"capture_method,omitempty"`
	AmountToCapture   int64             `json:"amount_to_capture,omitempty"`
	CustomerID        string            `json:"customer_id,omitempty"`
	PaymentMethod     string            `json:"payment_method,omitempty"`
	PaymentMethodType string            `json:"payment_method_type,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Confirm           bool              `json:"confirm"`
}

type UpdatePaymentRequest struct {
	Amount            *int64            `json:"amount,omitempty"`
	AmountToCapture   *int64            `json:"amount_to_capture,omitempty"`
	PaymentMethod     *string           `json:"payment_method,omitempty"`
	PaymentMethodType *string           `json:"payment_method_type,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type ConfirmPaymentRequest struct {
	PaymentMethod     string `json:"payment_method,omitempty"`
	PaymentMethodType string `json:"payment_method_type,omitempty"`
}

type AmountRequest struct {
	Amount int64 `json:"amount,omitempty"`
}

type AttemptResponse struct {
	ID                 string    `json:"id"`
	Seq                int       `json:"seq"`
	Connector          string    `json:"connector"`
	ConnectorAccountID string    `json:"connector_account_id"`
	Status             string    `json:"status"`
	ConnectorReference string    `json:"connector_reference,omitempty"`
	RoutingReason      string    `json:"routing_reason,omitempty"`
	ErrorCode          string    `json:"error_code,omitempty"`
	ErrorMessage       string    `json:"error_message,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type PaymentResponse struct {
	ID                 string            `json:"id"`
	MerchantID         string            `json:"merchant_id"`
	BusinessProfile    string            `json:"business_profile,omitempty"`
	Status             string            `json:"status"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	CaptureMethod      string            `json:"capture_method"`
	AmountToCapture    int64             `json:"amount_to_capture,omitempty"`
	AmountCaptured     int64             `json:"amount_captured"`
	AmountRefunded     int64             `json:"amount_refunded"`
	CustomerID         string            `json:"customer_id,omitempty"`
	PaymentMethod      string            `json:"payment_method,omitempty"`
	PaymentMethodType  string            `json:"payment_method_type,omitempty"`
	Connector          string            `json:"connector,omitempty"`
	ConnectorReference string            `json:"connector_reference,omitempty"`
	AttemptCount       int               `json:"attempt_count"`
	ErrorCode          string            `json:"error_code,omitempty"`
	ErrorMessage       string            `json:"error_message,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Attempts           []AttemptResponse `json:"attempts,omitempty"`
	Error              *errorBody        `json:"error,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func toAttemptResponses(attempts []*domain.PaymentAttempt) []AttemptResponse {
	out := make([]AttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, AttemptResponse{
			ID:                 a.ID,
			Seq:                a.Seq,
			Connector:          a.Connector,
			ConnectorAccountID: a.ConnectorAccountID,
			Status:             string(a.Status),
			ConnectorReference: a.ConnectorReference,
			RoutingReason:      a.RoutingReason,
			ErrorCode:          a.ErrorCode,
			ErrorMessage:       a.ErrorMessage,
			CreatedAt:          a.CreatedAt,
			UpdatedAt:          a.UpdatedAt,
		})
	}
	return out
}

func toPaymentResponse(p *domain.PaymentIntent) PaymentResponse {
	return PaymentResponse{
		ID:                 p.ID,
		MerchantID:         p.MerchantID,
		BusinessProfile:    p.BusinessProfile,
		Status:             string(p.Status),
		Amount:             p.Amount,
		Currency:           p.Currency,
		CaptureMethod:      string(p.CaptureMethod),
		AmountToCapture:    p.AmountToCapture,
		AmountCaptured:     p.AmountCaptured,
		AmountRefunded:     p.AmountRefunded,
		CustomerID:         p.CustomerID,
		PaymentMethod:      p.PaymentMethod,
		PaymentMethodType:  p.PaymentMethodType,
		Connector:          p.Connector,
		ConnectorReference: p.ConnectorReference,
		AttemptCount:       p.AttemptCount,
		ErrorCode:          p.LastErrorCode,
		ErrorMessage:       p.LastError,
		Metadata:           p.Metadata,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
}

func (h *PaymentHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func (h *PaymentHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := newErrorBody(err)
	log := h.logger.With(
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		log.Error("Request failed")
	} else {
		log.Info("Request rejected")
	}
	setRetryAfter(w, status)
	h.writeJSON(w, status, errorResponse{Error: body})
}

func (h *PaymentHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: errorBody{Type: "invalid_request", Message: "request body too large"}})
		return false
	}
	h.writeError(w, r, &domain.PaymentError{Kind: domain.ErrInvalidRequest, Message: "invalid request body", Err: err})
	return false
}

// writeResult answers create and confirm. A payment that ran and failed is
// reported with the failure's status and the intent in the body.
func (h *PaymentHandler) writeResult(w http.ResponseWriter, r *http.Request, res *payments.Result, created bool) {
	resp := toPaymentResponse(res.Intent)
	if len(res.Attempts) > 0 {
		resp.Attempts = toAttemptResponses(res.Attempts)
	}

	status := http.StatusOK
	if created && !res.Replayed {
		status = http.StatusCreated
	}
	if res.PaymentErr != nil {
		var body errorBody
		status, body = newErrorBody(res.PaymentErr)
		resp.Error = &body
		setRetryAfter(w, status)
		h.logger.Info("Payment did not succeed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("intent_id", res.Intent.ID),
			zap.String("status", string(res.Intent.Status)),
			zap.Error(res.PaymentErr))
	}
	h.writeJSON(w, status, resp)
}

func (h *PaymentHandler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.Create(r.Context(), payments.CreateParams{
		MerchantID:        req.MerchantID,
		BusinessProfile:   req.BusinessProfile,
		Amount:            req.Amount,
		Currency:          req.Currency,
		CaptureMethod:     domain.CaptureMethod(req.CaptureMethod),
		AmountToCapture:   req.AmountToCapture,
		CustomerID:        req.CustomerID,
		PaymentMethod:     req.PaymentMethod,
		PaymentMethodType: req.PaymentMethodType,
		Metadata:          req.Metadata,
		Confirm:           req.Confirm,
		IdempotencyKey:    r.Header.Get("Idempotency-Key"),
	})
	if res == nil {
		h.writeError(w, r, err)
		return
	}
	if err != nil && res.PaymentErr == nil {
		res.PaymentErr = err
	}
	h.writeResult(w, r, res, true)
}

func (h *PaymentHandler) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	intent, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(intent))
}

func (h *PaymentHandler) UpdatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req UpdatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	intent, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), payments.UpdateParams{
		Amount:            req.Amount,
		AmountToCapture:   req.AmountToCapture,
		PaymentMethod:     req.PaymentMethod,
		PaymentMethodType: req.PaymentMethodType,
		Metadata:          req.Metadata,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPaymentResponse(intent))
}

func (h *PaymentHandler) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Confirm(r.Context(), chi.URLParam(r, "id"), payments.ConfirmParams{
		PaymentMethod:     req.PaymentMethod,
		PaymentMethodType: req.PaymentMethodType,
	})
	if res == nil {
		h.writeError(w, r, err)
		return
	}
	if err != nil && res.PaymentErr == nil {
		res.PaymentErr = err
	}
	h.writeResult(w, r, res, false)
}

func (h *PaymentHandler) CapturePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	intent, err := h.service.Capture(r.Context(), chi.URLParam(r, "id"), req.Amount)
	h.writeFollowUp(w, r, intent, err)
}

func (h *PaymentHandler) RefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !h.decode(w, r, &req) {
		return
	}
	intent, err := h.service.Refund(r.Context(), chi.URLParam(r, "id"), req.Amount)
	h.writeFollowUp(w, r, intent, err)
}

func (h *PaymentHandler) CancelPaymentHandler(w http.ResponseWriter, r *http.Request) {
	intent, err := h.service.Cancel(r.Context(), chi.URLParam(r, "id"))
	h.writeFollowUp(w, r, intent, err)
}

func (h *PaymentHandler) writeFollowUp(w http.ResponseWriter, r *http.Request, intent *domain.PaymentIntent, err error) {
	if err == nil {
		h.writeJSON(w, http.StatusOK, toPaymentResponse(intent))
		return
	}
	if intent == nil {
		h.writeError(w, r, err)
		return
	}
	h.writeResult(w, r, &payments.Result{Intent: intent, PaymentErr: err}, false)
}

func (h *PaymentHandler) ListAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.service.ListAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"attempts": toAttemptResponses(attempts)})
}

type WebhookResponse struct {
	Result string `json:"result"`
}

// WebhookHandler acknowledges every event it could attribute, including
// replays and unmatched ones, so the connector stops redelivering.
func (h *PaymentHandler) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: errorBody{Type: "invalid_request", Message: "webhook body too large"}})
			return
		}
		h.writeError(w, r, &domain.PaymentError{Kind: domain.ErrInvalidRequest, Message: "failed to read webhook body", Err: err})
		return
	}

	result, err := h.service.HandleWebhook(r.Context(), &domain.WebhookEvent{
		MerchantID: chi.URLParam(r, "merchant_id"),
		Connector:  chi.URLParam(r, "connector"),
		Payload:    payload,
		Header:     r.Header.Clone(),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if result == webhooks.Rejected {
		h.writeError(w, r, &domain.PaymentError{Kind: domain.ErrInvalidRequest, Message: "webhook rejected"})
		return
	}
	h.writeJSON(w, http.StatusOK, WebhookResponse{Result: string(result)})
}

type ReloadResponse struct {
	Version  int64     `json:"version"`
	LoadedAt time.Time `json:"loaded_at"`
}

func (h *PaymentHandler) InvalidateCacheHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.ReloadConfig(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ReloadResponse{Version: snap.Version, LoadedAt: snap.LoadedAt})
}
