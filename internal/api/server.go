// Package api is the HTTP surface of the lifecycle engine.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/common/validation"
	"application-lifecycle/internal/lifecycle/service"
	"application-lifecycle/internal/models"
	"application-lifecycle/internal/search"
	"application-lifecycle/pkg/registry"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CatalogLister lists the sellable catalog.
type CatalogLister interface {
	ListTiers(ctx context.Context) ([]models.ServiceTier, error)
	ListAddOns(ctx context.Context) ([]models.AddOnService, error)
}

// Searcher answers staff dashboard queries.
type Searcher interface {
	Search(ctx context.Context, q search.Query) (*search.Result, error)
}

// Check is a readiness probe for one dependency.
type Check func(ctx context.Context) error

type Server struct {
	engine        *service.Engine
	catalog       CatalogLister
	searcher      Searcher
	webhookSecret string
	webhookSchema *validation.Schema
	checks        map[string]Check
	logger        logger.Logger
}

type Option func(*Server)

func WithCatalog(c CatalogLister) Option { return func(s *Server) { s.catalog = c } }

func WithSearch(searcher Searcher) Option { return func(s *Server) { s.searcher = searcher } }

// WithWebhookSecret requires inbound payment notifications to be signed.
func WithWebhookSecret(secret string) Option { return func(s *Server) { s.webhookSecret = secret } }

func WithReadinessCheck(name string, c Check) Option {
	return func(s *Server) { s.checks[name] = c }
}

func NewServer(engine *service.Engine, log logger.Logger, opts ...Option) *Server {
	s := &Server{
		engine:        engine,
		webhookSchema: registry.MustInputValidator("record-payment-outcome"),
		checks:        make(map[string]Check),
		logger:        log.WithFields(map[string]interface{}{"component": "api"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/catalog/tiers", s.listTiers).Methods(http.MethodGet)
	v1.HandleFunc("/catalog/addons", s.listAddOns).Methods(http.MethodGet)
	v1.HandleFunc("/pricing/preview", s.previewPricing).Methods(http.MethodPost)

	v1.HandleFunc("/applications", s.createApplication).Methods(http.MethodPost)
	app := v1.PathPrefix("/applications/{id}").Subrouter()
	app.HandleFunc("", s.getApplication).Methods(http.MethodGet)
	app.HandleFunc("/tier", s.selectTier).Methods(http.MethodPut)
	app.HandleFunc("/addons", s.updateAddOns).Methods(http.MethodPut)
	app.HandleFunc("/submit", s.submit).Methods(http.MethodPost)
	app.HandleFunc("/transitions", s.transition).Methods(http.MethodPost)
	app.HandleFunc("/cancel", s.cancel).Methods(http.MethodPost)
	app.HandleFunc("/force-transition", s.forceTransition).Methods(http.MethodPost)
	app.HandleFunc("/admin-notes", s.updateAdminNotes).Methods(http.MethodPut)
	app.HandleFunc("/audit", s.auditTrail).Methods(http.MethodGet)
	app.HandleFunc("/verify", s.verify).Methods(http.MethodGet)
	app.HandleFunc("/payments", s.startPayment).Methods(http.MethodPost)
	app.HandleFunc("/refund-eligibility", s.refundEligibility).Methods(http.MethodGet)
	app.HandleFunc("/refunds", s.requestRefund).Methods(http.MethodPost)
	app.HandleFunc("/refunds", s.listRefunds).Methods(http.MethodGet)

	v1.HandleFunc("/refunds/reconcile", s.reconcile).Methods(http.MethodPost)
	v1.HandleFunc("/refunds/{id}/review", s.reviewRefund).Methods(http.MethodPost)
	v1.HandleFunc("/search/applications", s.searchApplications).Methods(http.MethodGet)
	v1.HandleFunc("/webhooks/payments", s.paymentWebhook).Methods(http.MethodPost)

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "checks": results})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		metrics.HTTPRequestDuration.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())

		if route == "/health" || route == "/ready" || route == "/metrics" {
			return
		}
		s.logger.Debug("request served", map[string]interface{}{
			"method":   r.Method,
			"route":    route,
			"status":   rec.status,
			"duration": elapsed.String(),
		})
	})
}
