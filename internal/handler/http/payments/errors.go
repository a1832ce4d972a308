package payments_http

import (
	"errors"
	"net/http"
	"strconv"

	"paymentswitch/internal/domain"
)

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = 5

type errorBody struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	IntentID  string `json:"intent_id,omitempty"`
	AttemptID string `json:"attempt_id,omitempty"`
	Connector string `json:"connector,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// statusFor maps an error kind to the HTTP status reported to merchants.
// Order matters: ErrMerchantNotFound is also a configuration error.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrServiceDraining):
		return http.StatusServiceUnavailable, "service_draining"
	case errors.Is(err, domain.ErrSignatureInvalid):
		return http.StatusUnauthorized, "signature_invalid"
	case errors.Is(err, domain.ErrIntentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrTerminalState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, domain.ErrOperationInProgress):
		return http.StatusConflict, "operation_in_progress"
	case errors.Is(err, domain.ErrDeclined):
		return http.StatusPaymentRequired, "declined"
	case errors.Is(err, domain.ErrConnectorPermanent):
		return http.StatusBadGateway, "connector_error"
	case errors.Is(err, domain.ErrConnectorTransient):
		return http.StatusServiceUnavailable, "connector_unavailable"
	case errors.Is(err, domain.ErrUnsupportedOperation):
		return http.StatusUnprocessableEntity, "unsupported_operation"
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusUnprocessableEntity, "configuration_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func newErrorBody(err error) (int, errorBody) {
	status, typ := statusFor(err)
	body := errorBody{Type: typ, Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal server error"
	}
	if pe, ok := domain.AsPaymentError(err); ok {
		body.Code = pe.Code
		body.IntentID = pe.IntentID
		body.AttemptID = pe.AttemptID
		body.Connector = pe.Connector
	}
	return status, body
}

func setRetryAfter(w http.ResponseWriter, status int) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
}
