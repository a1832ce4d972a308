package payments_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"paymentswitch/internal/app/payments"
	"paymentswitch/internal/connector"
	"paymentswitch/internal/connector/sandbox"
	"paymentswitch/internal/domain"
	"paymentswitch/internal/execution"
	"paymentswitch/internal/outbox"
	"paymentswitch/internal/repository/idempotency_repo"
	"paymentswitch/internal/repository/memory"
	"paymentswitch/internal/routing"
	"paymentswitch/internal/shutdown"
	"paymentswitch/internal/webhooks"
)

const webhookSecret = "whsec_acme"

// processorStub answers authorizations by amount: 4000 declines, 5030 is a
// gateway outage, anything else authorizes.
func processorStub() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Amount int64 `json:"amount"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path != "/v1/payments":
			fmt.Fprint(w, `{"id":"tx_1","status":"succeeded"}`)
		case body.Amount == 4000:
			w.WriteHeader(http.StatusPaymentRequired)
			fmt.Fprint(w, `{"id":"tx_1","status":"declined","decline_code":"insufficient_funds"}`)
		case body.Amount == 5030:
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{}`)
		default:
			fmt.Fprint(w, `{"id":"tx_1","status":"authorized"}`)
		}
	})
}

type testServer struct {
	router http.Handler
	gate   *shutdown.Gate
}

func newTestServer(t *testing.T, bodyLimit int64) *testServer {
	t.Helper()

	proc := httptest.NewServer(processorStub())
	t.Cleanup(proc.Close)

	registry := connector.NewRegistry(
		connector.StaticSecrets{"acme": {APIKey: "key", WebhookSecret: webhookSecret}},
		sandbox.New(),
	)
	merchants := []domain.MerchantConfig{{
		MerchantID: "acme",
		Accounts: []domain.ConnectorAccount{{
			ID:             "acc_a",
			Connector:      sandbox.Name,
			CredentialsRef: "acme",
			BaseURL:        proc.URL,
		}},
		Routing: domain.RoutingConfig{Algorithm: domain.RoutingSingle, Connectors: []string{"acc_a"}},
	}}
	_, err := registry.Load(merchants)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	store := memory.NewStore()
	gate := shutdown.NewGate()
	transitions := execution.NewTransitioner(outbox.NewEmitter("payments.status"), logger)
	pipeline := execution.NewPipeline(store, registry, routing.NewEngine(registry), execution.NewHTTPTransport(),
		transitions, execution.Config{ConnectorTimeout: 2 * time.Second}, logger)
	reconciler := webhooks.NewReconciler(store, registry, transitions, webhooks.Config{MaxAttempts: 1}, logger)

	service := payments.NewPaymentService(store, registry, pipeline, reconciler, transitions, gate,
		idempotency_repo.NewMemoryRepository(),
		func() ([]domain.MerchantConfig, error) { return merchants, nil },
		logger)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "# metrics")
	})
	return &testServer{
		router: NewRouter(service, gate, Options{BodyLimit: bodyLimit, Metrics: metrics}, logger),
		gate:   gate,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodePayment(t *testing.T, rec *httptest.ResponseRecorder) PaymentResponse {
	t.Helper()
	var resp PaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

func TestPaymentsAPI_CreateConfirmCaptureRefund(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, 32*1024)

	rec := s.do(t, http.MethodPost, "/payments",
		`{"merchant_id":"acme","amount":1000,"currency":"USD","capture_method":"manual","payment_method":"card"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodePayment(t, rec)
	assert.Equal(t, "requires_confirmation", created.Status)

	rec = s.do(t, http.MethodPost, "/payments/"+created.ID+"/confirm", ``)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	confirmed := decodePayment(t, rec)
	assert.Equal(t, "requires_capture", confirmed.Status)
	require.Len(t, confirmed.Attempts, 1)
	assert.Equal(t, "authorized", confirmed.Attempts[0].Status)

	rec = s.do(t, http.MethodPost, "/payments/"+created.ID+"/capture", `{"amount":600}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "partially_captured", decodePayment(t, rec).Status)

	rec = s.do(t, http.MethodPost, "/payments/"+created.ID+"/refund", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refunded := decodePayment(t, rec)
	assert.Equal(t, "refunded", refunded.Status)
	assert.EqualValues(t, 600, refunded.AmountRefunded)

	rec = s.do(t, http.MethodGet, "/payments/"+created.ID, ``)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "refunded", decodePayment(t, rec).Status)

	rec = s.do(t, http.MethodGet, "/payments/"+created.ID+"/attempts", ``)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID+"_1")
}

func TestPaymentsAPI_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantType   string
	}{
		{
			name:       "invalid request",
			body:       `{"merchant_id":"acme","amount":-5,"currency":"USD"}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "unknown field",
			body:       `{"merchant_id":"acme","amount":5,"currency":"USD","colour":"red"}`,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request",
		},
		{
			name:       "unknown merchant",
			body:       `{"merchant_id":"globex","amount":5,"currency":"USD"}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   "configuration_error",
		},
		{
			name:       "declined",
			body:       `{"merchant_id":"acme","amount":4000,"currency":"USD","payment_method":"card","confirm":true}`,
			wantStatus: http.StatusPaymentRequired,
			wantType:   "declined",
		},
		{
			name:       "connector outage",
			body:       `{"merchant_id":"acme","amount":5030,"currency":"USD","payment_method":"card","confirm":true}`,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "connector_unavailable",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, 32*1024)

			rec := s.do(t, http.MethodPost, "/payments", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if rec.Code == http.StatusBadRequest || rec.Code == http.StatusUnprocessableEntity {
				assert.Equal(t, tt.wantType, decodeError(t, rec).Type)
				return
			}
			resp := decodePayment(t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantType, resp.Error.Type)
			assert.Equal(t, "failed", resp.Status)
			if rec.Code == http.StatusServiceUnavailable {
				assert.Equal(t, "5", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestPaymentsAPI_NotFoundAndConflict(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, 32*1024)

	rec := s.do(t, http.MethodGet, "/payments/pay_missing", ``)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/payments",
		`{"merchant_id":"acme","amount":1000,"currency":"USD","payment_method":"card","confirm":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodePayment(t, rec).ID

	rec = s.do(t, http.MethodPost, "/payments/"+id+"/refund", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeError(t, rec).Type)

	rec = s.do(t, http.MethodPost, "/payments/"+id, `{"amount":5}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPaymentsAPI_IdempotencyKey(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, 32*1024)
	body := `{"merchant_id":"acme","amount":1000,"currency":"USD","payment_method":"card","confirm":true}`

	first := s.do(t, http.MethodPost, "/payments", body, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.do(t, http.MethodPost, "/payments", body, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, decodePayment(t, first).ID, decodePayment(t, second).ID)
}

func TestPaymentsAPI_BodyLimit(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, 64)

	big := `{"merchant_id":"acme","amount":1000,"currency":"USD","metadata":{"note":"` + strings.Repeat("x", 200) + `"}}`
	rec := s.do(t, http.MethodPost, "/payments", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPaymentsAPI_Webhook(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, 32*1024)

	rec := s.do(t, http.MethodPost, "/payments",
		`{"merchant_id":"acme","amount":1000,"currency":"USD","capture_method":"manual","payment_method":"card","confirm":true}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodePayment(t, rec).ID

	payload := `{"id":"evt_1","type":"payment.captured","data":{"id":"tx_1","amount":1000}}`
	signature := sandbox.Sign(webhookSecret, []byte(payload))

	rec = s.do(t, http.MethodPost, "/webhooks/acme/sandbox", payload, sandbox.SignatureHeader, signature)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"result":"applied"}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/webhooks/acme/sandbox", payload, sandbox.SignatureHeader, signature)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"noop"}`, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/webhooks/acme/sandbox", payload, sandbox.SignatureHeader, "abcd")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/payments/"+id, ``)
	assert.Equal(t, "captured", decodePayment(t, rec).Status)
}

func TestPaymentsAPI_HealthMetricsAndReload(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, 32*1024)

	rec := s.do(t, http.MethodGet, "/health", ``)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running"`)

	rec = s.do(t, http.MethodGet, "/metrics", ``)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/cache/invalidate", ``)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reload ReloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reload))
	assert.EqualValues(t, 2, reload.Version)

	shutdown.NewCoordinator(s.gate, shutdown.Config{DrainTimeout: time.Second}, zap.NewNop()).Shutdown("test")

	rec = s.do(t, http.MethodGet, "/health", ``)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"stopped"`)

	rec = s.do(t, http.MethodPost, "/payments", `{"merchant_id":"acme","amount":5,"currency":"USD"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, "service_draining", decodeError(t, rec).Type)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNoEligibleConnector, http.StatusUnprocessableEntity},
		{domain.ErrMalformedRoutingRule, http.StatusUnprocessableEntity},
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{domain.ErrIntentNotFound, http.StatusNotFound},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrOperationInProgress, http.StatusConflict},
		{domain.ErrDeclined, http.StatusPaymentRequired},
		{domain.ErrConnectorPermanent, http.StatusBadGateway},
		{domain.ErrConnectorTransient, http.StatusServiceUnavailable},
		{domain.ErrServiceDraining, http.StatusServiceUnavailable},
		{domain.ErrSignatureInvalid, http.StatusUnauthorized},
		{&domain.PaymentError{Kind: domain.ErrDeclined, IntentID: "pay_1"}, http.StatusPaymentRequired},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		got, _ := statusFor(tt.err)
		assert.Equal(t, tt.want, got, tt.err.Error())
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()
	h := NewPaymentHandler(nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.writeJSON(rec, http.StatusAccepted, map[string]string{"ok": "yes"})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte(`{"ok":"yes"}`)))
}

func TestNewRouter_CORSPreflight(t *testing.T) {
	router := NewRouter(nil, shutdown.NewGate(), Options{AllowedOrigins: []string{"https://shop.example"}}, zap.NewNop())

	req := httptest.NewRequest(http.MethodOptions, "/payments", nil)
	req.Header.Set("Origin", "https://shop.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://shop.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/payments", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
