package payments_http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"paymentswitch/internal/app/payments"
	"paymentswitch/internal/monitoring"
	"paymentswitch/internal/shutdown"
)

type Options struct {
	// BodyLimit caps request bodies in bytes.
	BodyLimit int64
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// AllowedOrigins enables CORS for browser clients. Empty disables it.
	AllowedOrigins []string
}

// NewRouter builds the service router with request ids, panic recovery and
// request metrics installed.
func NewRouter(s payments.PaymentService, gate *shutdown.Gate, opts Options, l *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(httpMetricsMiddleware)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}
	RegisterRoutes(r, s, gate, opts, l)
	return r
}

func RegisterRoutes(r chi.Router, s payments.PaymentService, gate *shutdown.Gate, opts Options, l *zap.Logger) {
	handler := NewPaymentHandler(s, l.With(zap.String("component", "PaymentHTTPHandler")))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		state := gate.State()
		status := http.StatusOK
		if state != shutdown.Running {
			status = http.StatusServiceUnavailable
		}
		handler.writeJSON(w, status, map[string]any{
			"status":    state.String(),
			"in_flight": gate.Active(),
		})
	})

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Group(func(r chi.Router) {
		if opts.BodyLimit > 0 {
			r.Use(middleware.RequestSize(opts.BodyLimit))
		}

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", handler.CreatePaymentHandler)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handler.GetPaymentHandler)
				r.Post("/", handler.UpdatePaymentHandler)
				r.Post("/confirm", handler.ConfirmPaymentHandler)
				r.Post("/capture", handler.CapturePaymentHandler)
				r.Post("/refund", handler.RefundPaymentHandler)
				r.Post("/cancel", handler.CancelPaymentHandler)
				r.Get("/attempts", handler.ListAttemptsHandler)
			})
		})

		r.Post("/webhooks/{merchant_id}/{connector}", handler.WebhookHandler)
		r.Post("/cache/invalidate", handler.InvalidateCacheHandler)
	})
}

func httpMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		monitoring.HTTPServerDuration.Record(r.Context(), float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(
				attribute.String("http_method", r.Method),
				attribute.String("http_route", route),
				attribute.String("http_status_code", strconv.Itoa(ww.Status())),
			),
		)
	})
}
