package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/lifecycle/payments"
	"application-lifecycle/internal/lifecycle/pricing"
	"application-lifecycle/internal/lifecycle/store"
	"application-lifecycle/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	owner    = models.Actor{ID: "user-1", Role: models.RoleOwner}
	stranger = models.Actor{ID: "user-2", Role: models.RoleOwner}
	staff    = models.Actor{ID: "staff-1", Role: models.RoleStaff}
	staff2   = models.Actor{ID: "staff-2", Role: models.RoleStaff}
)

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

type fakeCatalog struct {
	tiers  map[string]*models.ServiceTier
	addons map[string]*models.AddOnService
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		tiers: map[string]*models.ServiceTier{
			"standard": {ID: "standard", Name: "Standard", BasePrice: decimal.RequireFromString("599.00"), Active: true},
			"premium":  {ID: "premium", Name: "Premium", BasePrice: decimal.RequireFromString("999.00"), Active: true},
			"legacy":   {ID: "legacy", Name: "Legacy", BasePrice: decimal.RequireFromString("299.00"), Active: false},
		},
		addons: map[string]*models.AddOnService{
			"visa-prep":    {ID: "visa-prep", Name: "Visa interview prep", UnitPrice: decimal.RequireFromString("120.00"), Active: true},
			"essay-review": {ID: "essay-review", Name: "Essay review", UnitPrice: decimal.RequireFromString("45.00"), Active: true},
		},
	}
}

func (c *fakeCatalog) Tier(_ context.Context, id string) (*models.ServiceTier, error) {
	t, ok := c.tiers[id]
	if !ok {
		return nil, errors.NewNotFoundError("service tier", id)
	}
	cp := *t
	return &cp, nil
}

func (c *fakeCatalog) AddOn(_ context.Context, id string) (*models.AddOnService, error) {
	a, ok := c.addons[id]
	if !ok {
		return nil, errors.NewNotFoundError("add-on", id)
	}
	cp := *a
	return &cp, nil
}

type fakeGateway struct {
	mu         sync.Mutex
	checkouts  int
	reversals  []models.ReversalRequest
	reverseErr error
	states     map[string]models.ReversalState
}

func (g *fakeGateway) CreateCheckout(_ context.Context, req models.CheckoutRequest) (*models.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts++
	ref := fmt.Sprintf("ch_%s_%d", req.Processor, g.checkouts)
	return &models.Checkout{ExternalReference: ref, CheckoutURL: "https://pay.example.test/" + ref}, nil
}

func (g *fakeGateway) Reverse(_ context.Context, req models.ReversalRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reverseErr != nil {
		return g.reverseErr
	}
	g.reversals = append(g.reversals, req)
	return nil
}

func (g *fakeGateway) ReversalStatus(_ context.Context, _, ref string) (models.ReversalState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.states[ref]; ok {
		return s, nil
	}
	return models.ReversalPending, nil
}

func (g *fakeGateway) setState(ref string, s models.ReversalState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.states == nil {
		g.states = make(map[string]models.ReversalState)
	}
	g.states[ref] = s
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []models.StatusChange
}

func (p *recordingPublisher) PublishStatusChange(_ context.Context, c models.StatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
	return nil
}

func (p *recordingPublisher) count(to models.Status) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.changes {
		if c.To == to {
			n++
		}
	}
	return n
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (a *recordingAlerter) Alert(_ context.Context, alert models.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
	return nil
}

func (a *recordingAlerter) kinds() []models.AlertKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AlertKind, 0, len(a.alerts))
	for _, al := range a.alerts {
		out = append(out, al.Kind)
	}
	return out
}

type harness struct {
	engine  *Engine
	store   *store.Memory
	catalog *fakeCatalog
	gateway *fakeGateway
	events  *recordingPublisher
	alerts  *recordingAlerter
	clock   *clock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemory(),
		catalog: newFakeCatalog(),
		gateway: &fakeGateway{},
		events:  &recordingPublisher{},
		alerts:  &recordingAlerter{},
		clock:   &clock{t: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)},
	}
	base := []Option{WithClock(h.clock.Now), WithPublisher(h.events), WithAlerter(h.alerts)}
	h.engine = NewEngine(h.store, h.catalog, h.gateway, Config{Currency: "usd"}, logger.NewTestLogger(t), append(base, opts...)...)
	return h
}

// draft builds scenario A: standard tier, visa-prep x1, essay-review x2.
func (h *harness) draft(t *testing.T) *models.Application {
	t.Helper()
	ctx := context.Background()
	app, err := h.engine.CreateApplication(ctx, owner, "standard")
	require.NoError(t, err)
	_, err = h.engine.UpdateAddOns(ctx, owner, app.ID, []pricing.Change{
		{AddOnID: "visa-prep", Quantity: 1},
		{AddOnID: "essay-review", Quantity: 2},
	})
	require.NoError(t, err)
	return app
}

// pending submits a draft and opens a stripe checkout.
func (h *harness) pending(t *testing.T) (*models.Application, *models.Payment) {
	t.Helper()
	ctx := context.Background()
	app := h.draft(t)
	_, err := h.engine.Submit(ctx, owner, app.ID)
	require.NoError(t, err)
	p, err := h.engine.StartPayment(ctx, owner, app.ID, "stripe")
	require.NoError(t, err)
	return app, p
}

func completion(ref, amount string) payments.Notification {
	return payments.Notification{
		ExternalReference: ref,
		Outcome:           models.OutcomeCompleted,
		Amount:            decimal.RequireFromString(amount),
		Currency:          "USD",
	}
}

// paid runs the happy path up to under_review.
func (h *harness) paid(t *testing.T) (*models.Application, *models.Payment) {
	t.Helper()
	app, p := h.pending(t)
	_, err := h.engine.RecordPaymentOutcome(context.Background(), completion(p.ExternalReference, "809.00"))
	require.NoError(t, err)
	return app, p
}

func (h *harness) reload(t *testing.T, id string) *models.Application {
	t.Helper()
	app, err := h.store.GetApplication(context.Background(), id)
	require.NoError(t, err)
	return app
}

func lifecycleRecords(t *testing.T, h *harness, appID string, from, to models.Status) int {
	t.Helper()
	trail, err := h.store.ListAudit(context.Background(), appID)
	require.NoError(t, err)
	n := 0
	for _, r := range trail {
		if r.Kind == models.AuditLifecycle && r.FromState == string(from) && r.ToState == string(to) {
			n++
		}
	}
	return n
}
