// Package service is the lifecycle engine: it loads records from the store,
// runs them through the pricing, state machine, payment and refund rules, and
// commits the result together with its audit records.
package service

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"application-lifecycle/internal/common/database"
	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/common/observability"
	"application-lifecycle/internal/lifecycle/audit"
	"application-lifecycle/internal/lifecycle/statemachine"
	"application-lifecycle/internal/lifecycle/store"
	"application-lifecycle/internal/models"

	"github.com/google/uuid"
)

// Catalog reads live tier and add-on prices. It is consulted at selection
// time only.
type Catalog interface {
	Tier(ctx context.Context, id string) (*models.ServiceTier, error)
	AddOn(ctx context.Context, id string) (*models.AddOnService, error)
}

// Gateway is the outbound side of the payment processors.
type Gateway interface {
	CreateCheckout(ctx context.Context, req models.CheckoutRequest) (*models.Checkout, error)
	Reverse(ctx context.Context, req models.ReversalRequest) error
	ReversalStatus(ctx context.Context, processor, externalReference string) (models.ReversalState, error)
}

// Publisher emits status-change events for notification delivery.
type Publisher interface {
	PublishStatusChange(ctx context.Context, change models.StatusChange) error
}

// Alerter raises operational alerts for staff.
type Alerter interface {
	Alert(ctx context.Context, alert models.Alert) error
}

// Locker serializes work on one key across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Projector mirrors applications into a read model.
type Projector interface {
	Project(ctx context.Context, app *models.Application) error
}

// Config holds the engine rules.
type Config struct {
	Currency            string
	RefundWindow        time.Duration
	ReconciliationGrace time.Duration
	PaymentLockTTL      time.Duration
	ReferencePrefix     string
	// MaxConflictRetries bounds how often a payment notification is re-applied
	// after losing an optimistic-concurrency race.
	MaxConflictRetries int
}

func (c Config) withDefaults() Config {
	if c.Currency == "" {
		c.Currency = "USD"
	}
	c.Currency = strings.ToUpper(c.Currency)
	if c.RefundWindow <= 0 {
		c.RefundWindow = 90 * 24 * time.Hour
	}
	if c.ReconciliationGrace <= 0 {
		c.ReconciliationGrace = 24 * time.Hour
	}
	if c.PaymentLockTTL <= 0 {
		c.PaymentLockTTL = 10 * time.Second
	}
	if c.ReferencePrefix == "" {
		c.ReferencePrefix = "SA"
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = 3
	}
	return c
}

type Engine struct {
	store     store.Store
	catalog   Catalog
	gateway   Gateway
	publisher Publisher
	alerter   Alerter
	locker    Locker
	projector Projector
	obs       *observability.Observability
	cfg       Config
	logger    logger.Logger
	now       func() time.Time
	newID     func() string
	audit     *audit.Recorder
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithIDs(newID func() string) Option { return func(e *Engine) { e.newID = newID } }

func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

func WithAlerter(a Alerter) Option { return func(e *Engine) { e.alerter = a } }

func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithProjector(p Projector) Option { return func(e *Engine) { e.projector = p } }

func WithObservability(o *observability.Observability) Option { return func(e *Engine) { e.obs = o } }

func NewEngine(st store.Store, catalog Catalog, gateway Gateway, cfg Config, log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		catalog:   catalog,
		gateway:   gateway,
		publisher: nopPublisher{},
		alerter:   nopAlerter{},
		locker:    nopLocker{},
		projector: nopProjector{},
		cfg:       cfg.withDefaults(),
		logger:    log.WithFields(map[string]interface{}{"component": "lifecycle-engine"}),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.audit = audit.NewRecorder(e.newID, e.now)
	return e
}

// Config returns the effective rules.
func (e *Engine) Config() Config { return e.cfg }

// begin opens a span for op and returns the func that closes it with the
// operation result.
func (e *Engine) begin(ctx context.Context, op string, attrs map[string]string) (context.Context, func(*error)) {
	ctx, span := observability.StartSpan(ctx, "lifecycle."+op, attrs)
	return ctx, func(errp *error) {
		err := *errp
		result := "ok"
		if err != nil {
			code := errors.AsStandard(err).Code
			result = string(code)
			metrics.LifecycleRejectedOperations.WithLabelValues(op, string(code)).Inc()
		}
		if e.obs != nil {
			e.obs.RecordOperation(ctx, op, result)
		}
		observability.EndSpan(span, err)
	}
}

// transition applies ev to app in place and returns the matching audit record.
func (e *Engine) transition(app *models.Application, ev statemachine.Event, actor models.Actor, note string, now time.Time) (models.AuditRecord, error) {
	from := app.Status
	to, err := statemachine.Transition(from, ev, actor.Role, statemachine.Guard{
		PaymentStatus: app.PaymentStatus,
		TierSelected:  app.TierID != "",
		HasNote:       strings.TrimSpace(note) != "",
	})
	if err != nil {
		return models.AuditRecord{}, err
	}
	app.Status = to
	app.UpdatedAt = now
	return e.audit.Lifecycle(app, actor, from, to, note), nil
}

// announce runs the post-commit side effects of a status change. Failures are
// logged; the committed change stands.
func (e *Engine) announce(ctx context.Context, app *models.Application, from models.Status, actor models.Actor) {
	metrics.LifecycleTransitions.WithLabelValues(string(from), string(app.Status), string(actor.Role)).Inc()

	change := models.StatusChange{
		ApplicationID:   app.ID,
		ReferenceNumber: app.ReferenceNumber,
		OwnerID:         app.OwnerID,
		From:            from,
		To:              app.Status,
		PaymentStatus:   app.PaymentStatus,
		ActorRole:       actor.Role,
		OccurredAt:      app.UpdatedAt,
	}
	if err := e.publisher.PublishStatusChange(ctx, change); err != nil {
		e.logger.Warn("status change not published", map[string]interface{}{
			"applicationId": app.ID,
			"from":          from,
			"to":            app.Status,
			"error":         err.Error(),
		})
	}
	e.project(ctx, app)
}

func (e *Engine) project(ctx context.Context, app *models.Application) {
	if err := e.projector.Project(ctx, app); err != nil {
		e.logger.Warn("application projection failed", map[string]interface{}{
			"applicationId": app.ID,
			"error":         err.Error(),
		})
	}
}

func (e *Engine) raise(ctx context.Context, alert models.Alert) {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = e.now()
	}
	if err := e.alerter.Alert(ctx, alert); err != nil {
		e.logger.Error("staff alert not delivered", map[string]interface{}{
			"kind":          alert.Kind,
			"applicationId": alert.ApplicationID,
			"error":         err.Error(),
		})
	}
}

func (e *Engine) lock(ctx context.Context, key string) (func(), error) {
	release, err := e.locker.Acquire(ctx, key, e.cfg.PaymentLockTTL)
	if err != nil {
		if stderrors.Is(err, database.ErrLockNotAcquired) {
			return nil, errors.NewConflictError("lock", key)
		}
		return nil, errors.NewExternalServiceError("lock", err)
	}
	return release, nil
}

func validateActor(actor models.Actor) error {
	if strings.TrimSpace(actor.ID) == "" {
		return errors.NewValidationError("actor id is required")
	}
	if !actor.Role.Valid() {
		return errors.NewValidationErrorf("unknown actor role %q", actor.Role)
	}
	return nil
}

// requireOwner admits only the owner of app.
func requireOwner(app *models.Application, actor models.Actor) error {
	if actor.Role != models.RoleOwner || actor.ID != app.OwnerID {
		return errors.NewForbiddenError("only the owner may change this application")
	}
	return nil
}

func requireStaff(actor models.Actor) error {
	if actor.Role != models.RoleStaff {
		return errors.NewForbiddenError("staff role required")
	}
	return nil
}

// canRead admits staff, the system and the owner.
func canRead(app *models.Application, actor models.Actor) error {
	if actor.Role == models.RoleOwner && actor.ID != app.OwnerID {
		return errors.NewForbiddenError("not the owner of this application")
	}
	return nil
}

// checkVersion rejects a command issued against a version the caller no
// longer holds. Zero means the caller did not pin a version.
func checkVersion(app *models.Application, expected int64) error {
	if expected != 0 && expected != app.Version {
		return errors.NewConflictError("application", app.ID).
			WithMetadata("expectedVersion", expected).
			WithMetadata("currentVersion", app.Version)
	}
	return nil
}

type nopPublisher struct{}

func (nopPublisher) PublishStatusChange(context.Context, models.StatusChange) error { return nil }

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, models.Alert) error { return nil }

type nopLocker struct{}

func (nopLocker) Acquire(context.Context, string, time.Duration) (func(), error) { return func() {}, nil }

type nopProjector struct{}

func (nopProjector) Project(context.Context, *models.Application) error { return nil }
