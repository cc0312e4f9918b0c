package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"application-lifecycle/internal/api"
	"application-lifecycle/internal/catalog"
	"application-lifecycle/internal/common/config"
	"application-lifecycle/internal/common/database"
	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/gateway"
	"application-lifecycle/internal/lifecycle/service"
	"application-lifecycle/internal/lifecycle/store"
	"application-lifecycle/internal/models"
	rpo "application-lifecycle/internal/workers/payment/record-payment-outcome"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_e2e"

var (
	student = models.Actor{ID: "student-7", Role: models.RoleOwner}
	advisor = models.Actor{ID: "advisor-2", Role: models.RoleStaff}
)

// catalogSource is the price list behind the Redis catalog cache.
type catalogSource struct {
	mu    sync.Mutex
	reads int
}

var (
	tiers = map[string]models.ServiceTier{
		"standard": {ID: "standard", Name: "Standard", BasePrice: decimal.RequireFromString("599.00"), Active: true},
	}
	addOns = map[string]models.AddOnService{
		"visa-prep":    {ID: "visa-prep", Name: "Visa interview prep", UnitPrice: decimal.RequireFromString("120.00"), Active: true},
		"essay-review": {ID: "essay-review", Name: "Essay review", UnitPrice: decimal.RequireFromString("45.00"), Active: true},
	}
)

func (s *catalogSource) count() {
	s.mu.Lock()
	s.reads++
	s.mu.Unlock()
}

func (s *catalogSource) Tier(_ context.Context, id string) (*models.ServiceTier, error) {
	s.count()
	t, ok := tiers[id]
	if !ok {
		return nil, errors.NewNotFoundError("service tier", id)
	}
	return &t, nil
}

func (s *catalogSource) AddOn(_ context.Context, id string) (*models.AddOnService, error) {
	s.count()
	a, ok := addOns[id]
	if !ok {
		return nil, errors.NewNotFoundError("add-on", id)
	}
	return &a, nil
}

func (s *catalogSource) ListTiers(context.Context) ([]models.ServiceTier, error) {
	return []models.ServiceTier{tiers["standard"]}, nil
}

func (s *catalogSource) ListAddOns(context.Context) ([]models.AddOnService, error) {
	return []models.AddOnService{addOns["visa-prep"], addOns["essay-review"]}, nil
}

// processor fakes a payment processor's checkout and reversal endpoints.
type processor struct {
	mu        sync.Mutex
	checkouts int
	reversals map[string]string
}

func (p *processor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/checkouts":
		p.checkouts++
		ref := fmt.Sprintf("ch_e2e_%d", p.checkouts)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"externalReference": ref,
			"checkoutUrl":       "https://processor.test/pay/" + ref,
		})
	case r.Method == http.MethodPost && r.URL.Path == "/reversals":
		var body struct {
			ExternalReference string `json:"externalReference"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.reversals[body.ExternalReference] = "succeeded"
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{}`))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/reversals/"):
		status, ok := p.reversals[strings.TrimPrefix(r.URL.Path, "/reversals/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type suite struct {
	t         *testing.T
	srv       *httptest.Server
	store     *store.Memory
	engine    *service.Engine
	clock     *clock
	source    *catalogSource
	processor *processor
}

func newSuite(t *testing.T) *suite {
	t.Helper()
	log := logger.NewTestLogger(t)

	proc := &processor{reversals: map[string]string{}}
	procSrv := httptest.NewServer(proc)
	t.Cleanup(procSrv.Close)

	gw, err := gateway.New(config.PaymentsConfig{Processors: map[string]config.ProcessorConfig{
		"stripe": {BaseURL: procSrv.URL, APIKey: "sk_e2e", Timeout: 2000},
	}}, log)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	source := &catalogSource{}
	cat := catalog.NewCached(source, rdb, time.Minute, log)

	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	engine := service.NewEngine(st, cat, gw, service.Config{}, log,
		service.WithClock(c.Now),
		service.WithLocker(database.NewLocker(rdb, "lifecycle:")),
	)

	srv := httptest.NewServer(api.NewServer(engine, log,
		api.WithCatalog(cat),
		api.WithWebhookSecret(webhookSecret),
	).Router())
	t.Cleanup(srv.Close)

	return &suite{t: t, srv: srv, store: st, engine: engine, clock: c, source: source, processor: proc}
}

type apiError struct {
	Error struct {
		Code     errors.ErrorCode       `json:"code"`
		Message  string                 `json:"message"`
		Metadata map[string]interface{} `json:"metadata"`
	} `json:"error"`
}

func (s *suite) call(method, path string, actor *models.Actor, body, out interface{}) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		req.Header.Set(api.HeaderActorID, actor.ID)
		req.Header.Set(api.HeaderActorRole, string(actor.Role))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *suite) notify(ref, outcome, amount string, out interface{}) int {
	s.t.Helper()
	payload := fmt.Sprintf(`{"externalReference":%q,"outcome":%q,"amount":%q,"currency":"USD"}`, ref, outcome, amount)
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/api/v1/webhooks/payments", strings.NewReader(payload))
	require.NoError(s.t, err)
	req.Header.Set(api.HeaderSignature, api.Sign(webhookSecret, []byte(payload)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(s.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// submitted creates an application with the scenario A selection, submits it
// and opens a checkout. It returns the application and the processor reference.
func (s *suite) submitted() (models.Application, string) {
	s.t.Helper()
	var app models.Application
	require.Equal(s.t, http.StatusCreated, s.call(http.MethodPost, "/api/v1/applications", &student,
		map[string]string{"tierId": "standard"}, &app))

	require.Equal(s.t, http.StatusOK, s.call(http.MethodPut, "/api/v1/applications/"+app.ID+"/addons", &student,
		map[string]interface{}{"addons": []map[string]interface{}{
			{"addonId": "visa-prep", "quantity": 1},
			{"addonId": "essay-review", "quantity": 2},
		}}, nil))

	require.Equal(s.t, http.StatusOK, s.call(http.MethodPost, "/api/v1/applications/"+app.ID+"/submit", &student, nil, &app))
	require.Equal(s.t, models.StatusSubmitted, app.Status)

	var p models.Payment
	require.Equal(s.t, http.StatusCreated, s.call(http.MethodPost, "/api/v1/applications/"+app.ID+"/payments", &student,
		map[string]string{"processor": "stripe"}, &p))
	require.NotEmpty(s.t, p.ExternalReference)
	return app, p.ExternalReference
}

func (s *suite) paid() (models.Application, string) {
	s.t.Helper()
	_, ref := s.submitted()
	var res service.PaymentResult
	require.Equal(s.t, http.StatusOK, s.notify(ref, "completed", "809.00", &res))
	require.True(s.t, res.Applied)
	return *res.Application, ref
}

func (s *suite) transitionsTo(applicationID string, status models.Status) int {
	s.t.Helper()
	trail, err := s.store.ListAudit(context.Background(), applicationID)
	require.NoError(s.t, err)
	n := 0
	for _, rec := range trail {
		if rec.Kind == models.AuditLifecycle && rec.ToState == string(status) {
			n++
		}
	}
	return n
}

func TestScenarioA_Pricing(t *testing.T) {
	s := newSuite(t)
	app, _ := s.submitted()

	var got models.Application
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/v1/applications/"+app.ID, &student, nil, &got))
	assert.Equal(t, "599.00", got.TierPrice.StringFixed(2))
	assert.Equal(t, "210.00", got.AddonTotal.StringFixed(2))
	assert.Equal(t, "809.00", got.TotalAmount.StringFixed(2))
	assert.NotEmpty(t, got.ReferenceNumber)

	var preview service.Preview
	require.Equal(t, http.StatusOK, s.call(http.MethodPost, "/api/v1/pricing/preview", nil, map[string]interface{}{
		"tierId": "standard",
		"addons": []map[string]interface{}{
			{"addonId": "visa-prep", "quantity": 1},
			{"addonId": "essay-review", "quantity": 2},
		},
	}, &preview))
	assert.True(t, preview.Totals.Total.Equal(got.TotalAmount))

	// catalog reads after the first pass come from Redis
	reads := s.source.reads
	require.Equal(t, http.StatusOK, s.call(http.MethodPost, "/api/v1/pricing/preview", nil, map[string]interface{}{
		"tierId": "standard",
		"addons": []map[string]interface{}{{"addonId": "visa-prep", "quantity": 3}},
	}, &preview))
	assert.Equal(t, reads, s.source.reads)
	assert.Equal(t, "959.00", preview.Totals.Total.StringFixed(2))
}

func TestScenarioB_DuplicateCompletion(t *testing.T) {
	s := newSuite(t)
	app, ref := s.submitted()

	var first, second service.PaymentResult
	require.Equal(t, http.StatusOK, s.notify(ref, "completed", "809.00", &first))
	require.Equal(t, http.StatusOK, s.notify(ref, "completed", "809.00", &second))

	assert.True(t, first.Applied)
	assert.False(t, second.Applied)
	assert.Equal(t, models.StatusUnderReview, second.Application.Status)

	attempts, err := s.store.ListPayments(context.Background(), app.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.OutcomeCompleted, attempts[0].Status)
	assert.Equal(t, 1, s.transitionsTo(app.ID, models.StatusUnderReview))
}

func TestScenarioB_WorkflowRedelivery(t *testing.T) {
	s := newSuite(t)
	app, ref := s.submitted()

	// the workflow worker and the webhook report the same outcome
	h := rpo.NewHandler(&rpo.Config{Timeout: 5 * time.Second}, s.engine, logger.NewTestLogger(t))
	out, err := h.Execute(context.Background(), &rpo.Input{
		ExternalReference: ref,
		Outcome:           "completed",
		Amount:            "809.00",
		Currency:          "USD",
	})
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, string(models.StatusUnderReview), out.Status)

	var res service.PaymentResult
	require.Equal(t, http.StatusOK, s.notify(ref, "completed", "809.00", &res))
	assert.False(t, res.Applied)
	assert.Equal(t, 1, s.transitionsTo(app.ID, models.StatusUnderReview))
}

func TestScenarioC_RefundAfterWindow(t *testing.T) {
	s := newSuite(t)
	app, _ := s.paid()

	s.clock.Advance(91 * 24 * time.Hour)

	var apiErr apiError
	status := s.call(http.MethodPost, "/api/v1/applications/"+app.ID+"/refunds", &student,
		map[string]string{"reason": "changed plans"}, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, errors.ErrCodeRefundIneligible, apiErr.Error.Code)
	assert.EqualValues(t, 0, apiErr.Error.Metadata["daysRemaining"])

	list, err := s.store.ListRefundRequests(context.Background(), app.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestScenarioD_ApprovedRefund(t *testing.T) {
	s := newSuite(t)
	app, ref := s.paid()

	s.clock.Advance(10 * 24 * time.Hour)

	var refund models.RefundRequest
	require.Equal(t, http.StatusCreated, s.call(http.MethodPost, "/api/v1/applications/"+app.ID+"/refunds", &student,
		map[string]string{"reason": "visa denied"}, &refund))
	assert.True(t, refund.Amount.Equal(decimal.RequireFromString("809.00")))

	require.Equal(t, http.StatusOK, s.call(http.MethodPost, "/api/v1/refunds/"+refund.ID+"/review", &advisor,
		map[string]string{"decision": "approved", "note": "refusal letter on file"}, &refund))
	assert.Equal(t, models.RefundApproved, refund.Status)

	var got models.Application
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/v1/applications/"+app.ID, &student, nil, &got))
	assert.Equal(t, models.PaymentStatusRefunded, got.PaymentStatus)

	var apiErr apiError
	status := s.call(http.MethodPost, "/api/v1/refunds/"+refund.ID+"/review", &advisor,
		map[string]string{"decision": "rejected", "note": "second look"}, &apiErr)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, errors.ErrCodeInvalidTransition, apiErr.Error.Code)

	// the processor accepted the reversal, so reconciliation closes the request
	assert.Equal(t, "succeeded", s.processor.reversals[ref])
	var report service.ReconcileReport
	require.Equal(t, http.StatusOK, s.call(http.MethodPost, "/api/v1/refunds/reconcile", &advisor, nil, &report))
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Confirmed)
	assert.Empty(t, report.Mismatches)

	var verify service.VerifyReport
	require.Equal(t, http.StatusOK, s.call(http.MethodGet, "/api/v1/applications/"+app.ID+"/verify", &advisor, nil, &verify))
	assert.Empty(t, verify.Drift)
}

func TestFailedPaymentThenRetry(t *testing.T) {
	s := newSuite(t)
	app, ref := s.submitted()

	var res service.PaymentResult
	require.Equal(t, http.StatusOK, s.notify(ref, "failed", "809.00", &res))
	assert.Equal(t, models.StatusSubmitted, res.Application.Status)
	assert.Equal(t, models.PaymentStatusFailed, res.Application.PaymentStatus)

	var p models.Payment
	require.Equal(t, http.StatusCreated, s.call(http.MethodPost, "/api/v1/applications/"+app.ID+"/payments", &student,
		map[string]string{"processor": "stripe"}, &p))
	assert.NotEqual(t, ref, p.ExternalReference)

	require.Equal(t, http.StatusOK, s.notify(p.ExternalReference, "completed", "809.00", &res))
	assert.Equal(t, models.StatusUnderReview, res.Application.Status)
	assert.Equal(t, models.PaymentStatusPaid, res.Application.PaymentStatus)
}
