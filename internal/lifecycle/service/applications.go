package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/lifecycle/audit"
	"application-lifecycle/internal/lifecycle/pricing"
	"application-lifecycle/internal/lifecycle/statemachine"
	"application-lifecycle/internal/lifecycle/store"
	"application-lifecycle/internal/models"

	"github.com/shopspring/decimal"
)

const referenceAttempts = 3

// CreateApplication opens a draft for the acting owner. tierID may be empty;
// a tier is then required before submission.
func (e *Engine) CreateApplication(ctx context.Context, actor models.Actor, tierID string) (app *models.Application, err error) {
	ctx, done := e.begin(ctx, "create_application", map[string]string{"actorId": actor.ID, "tierId": tierID})
	defer done(&err)

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if actor.Role != models.RoleOwner {
		return nil, errors.NewForbiddenError("applications are created by their owner")
	}

	now := e.now()
	app = &models.Application{
		ID:            e.newID(),
		OwnerID:       actor.ID,
		Currency:      e.cfg.Currency,
		Status:        models.StatusDraft,
		PaymentStatus: models.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if tierID != "" {
		tier, err := e.tier(ctx, tierID)
		if err != nil {
			return nil, err
		}
		app.TierID = tier.ID
		app.TierPrice = pricing.Round(tier.BasePrice)
	}
	if err := pricing.Apply(app); err != nil {
		return nil, err
	}

	for i := 0; i < referenceAttempts; i++ {
		app.ReferenceNumber = e.referenceNumber()
		rec := e.audit.Lifecycle(app, actor, "", models.StatusDraft, "")
		err = e.store.CreateApplication(ctx, app, rec)
		if !stderrors.Is(err, errors.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info("application created", map[string]interface{}{
		"applicationId":   app.ID,
		"referenceNumber": app.ReferenceNumber,
		"ownerId":         app.OwnerID,
		"tierId":          app.TierID,
	})
	e.project(ctx, app)
	return app, nil
}

// SelectTier replaces the tier of a draft and snapshots its current price.
func (e *Engine) SelectTier(ctx context.Context, actor models.Actor, applicationID, tierID string) (app *models.Application, err error) {
	ctx, done := e.begin(ctx, "select_tier", map[string]string{"applicationId": applicationID, "tierId": tierID})
	defer done(&err)

	app, err = e.loadForOwnerEdit(ctx, actor, applicationID, "select_tier")
	if err != nil {
		return nil, err
	}
	tier, err := e.tier(ctx, tierID)
	if err != nil {
		return nil, err
	}

	expected := app.Version
	app.TierID = tier.ID
	app.TierPrice = pricing.Round(tier.BasePrice)
	if err := pricing.Apply(app); err != nil {
		return nil, err
	}
	app.UpdatedAt = e.now()

	if err := e.store.Commit(ctx, &store.ChangeSet{Application: app, ExpectedVersion: expected}); err != nil {
		return nil, err
	}
	e.project(ctx, app)
	return app, nil
}

// UpdateAddOns replaces the add-on selections of a draft with changes, which
// is the complete desired set. Existing selections keep their captured price.
func (e *Engine) UpdateAddOns(ctx context.Context, actor models.Actor, applicationID string, changes []pricing.Change) (totals pricing.Totals, err error) {
	ctx, done := e.begin(ctx, "update_addons", map[string]string{"applicationId": applicationID})
	defer done(&err)

	app, err := e.loadForOwnerEdit(ctx, actor, applicationID, "update_addons")
	if err != nil {
		return pricing.Totals{}, err
	}

	selections, err := pricing.ApplyChanges(ctx, app.Selections, changes, e.addonPrice)
	if err != nil {
		return pricing.Totals{}, err
	}

	expected := app.Version
	app.Selections = selections
	if err := pricing.Apply(app); err != nil {
		return pricing.Totals{}, err
	}
	app.UpdatedAt = e.now()

	err = e.store.Commit(ctx, &store.ChangeSet{Application: app, ExpectedVersion: expected, ReplaceSelections: true})
	if err != nil {
		return pricing.Totals{}, err
	}
	e.project(ctx, app)
	return pricing.Totals{AddonTotal: app.AddonTotal, Subtotal: app.Subtotal, Total: app.TotalAmount}, nil
}

// Submit moves a draft to submitted, freezing its totals.
func (e *Engine) Submit(ctx context.Context, actor models.Actor, applicationID string) (app *models.Application, err error) {
	ctx, done := e.begin(ctx, "submit", map[string]string{"applicationId": applicationID})
	defer done(&err)

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	app, err = e.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(app, actor); err != nil {
		return nil, err
	}

	expected := app.Version
	now := e.now()
	if err := pricing.Apply(app); err != nil {
		return nil, err
	}
	rec, err := e.transition(app, statemachine.EventSubmit, actor, "", now)
	if err != nil {
		return nil, err
	}
	app.SubmittedAt = &now

	cs := &store.ChangeSet{Application: app, ExpectedVersion: expected, Audit: []models.AuditRecord{rec}}
	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, err
	}

	e.logger.Info("application submitted", map[string]interface{}{
		"applicationId": app.ID,
		"totalAmount":   app.TotalAmount.StringFixed(pricing.MoneyPlaces),
		"currency":      app.Currency,
	})
	e.announce(ctx, app, models.StatusDraft, actor)
	return app, nil
}

// TransitionRequest is a user-driven lifecycle event. ExpectedVersion pins the
// version the caller last read; zero skips the check.
type TransitionRequest struct {
	ApplicationID   string
	Event           statemachine.Event
	Note            string
	ExpectedVersion int64
}

// Transition applies an owner or staff event (submit, approve, reject,
// complete, cancel). Payment events are driven by payment outcomes only.
func (e *Engine) Transition(ctx context.Context, actor models.Actor, req TransitionRequest) (app *models.Application, err error) {
	if req.Event == statemachine.EventSubmit {
		return e.Submit(ctx, actor, req.ApplicationID)
	}

	ctx, done := e.begin(ctx, "transition", map[string]string{"applicationId": req.ApplicationID, "event": string(req.Event)})
	defer done(&err)

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if err := req.Event.Validate(); err != nil {
		return nil, err
	}
	app, err = e.store.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return nil, err
	}

	switch req.Event {
	case statemachine.EventPaymentInitiated, statemachine.EventPaymentCompleted, statemachine.EventPaymentFailed:
		return nil, errors.NewInvalidTransitionError(string(app.Status), string(req.Event), string(actor.Role)).
			WithMetadata("reason", "payment events are applied from payment outcomes")
	}
	if actor.Role == models.RoleOwner {
		if err := requireOwner(app, actor); err != nil {
			return nil, err
		}
	}
	if err := checkVersion(app, req.ExpectedVersion); err != nil {
		return nil, err
	}

	from, expected := app.Status, app.Version
	rec, err := e.transition(app, req.Event, actor, req.Note, e.now())
	if err != nil {
		return nil, err
	}

	cs := &store.ChangeSet{Application: app, ExpectedVersion: expected, Audit: []models.AuditRecord{rec}}
	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, err
	}

	e.logger.Info("application transitioned", map[string]interface{}{
		"applicationId": app.ID,
		"from":          from,
		"to":            app.Status,
		"actorId":       actor.ID,
		"actorRole":     actor.Role,
	})
	e.announce(ctx, app, from, actor)
	return app, nil
}

// Cancel cancels an application on behalf of its owner or staff.
func (e *Engine) Cancel(ctx context.Context, actor models.Actor, applicationID, note string) (*models.Application, error) {
	return e.Transition(ctx, actor, TransitionRequest{ApplicationID: applicationID, Event: statemachine.EventCancel, Note: note})
}

// ForceRequest is a staff status override.
type ForceRequest struct {
	ApplicationID string
	To            models.Status
	Note          string
	// Override admits a target outside the staff edges of the transition table.
	Override        bool
	ExpectedVersion int64
}

// ForceTransition moves an application to req.To on staff authority. Without
// Override the target must be reachable by a staff edge; with it any other
// status is accepted. Both paths are audited with the mandatory note.
func (e *Engine) ForceTransition(ctx context.Context, actor models.Actor, req ForceRequest) (app *models.Application, err error) {
	ctx, done := e.begin(ctx, "force_transition", map[string]string{
		"applicationId": req.ApplicationID,
		"to":            string(req.To),
		"override":      fmt.Sprint(req.Override),
	})
	defer done(&err)

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Note) == "" {
		return nil, errors.NewValidationError("a note is required for a forced transition")
	}
	if !req.To.Valid() {
		return nil, errors.NewValidationErrorf("unknown status %q", req.To)
	}

	app, err = e.store.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(app, req.ExpectedVersion); err != nil {
		return nil, err
	}
	from, expected := app.Status, app.Version
	if req.To == from {
		return nil, errors.NewInvalidTransitionError(string(from), string(req.To), string(actor.Role))
	}

	now := e.now()
	var rec models.AuditRecord
	if req.Override {
		if from == models.StatusDraft {
			if err := pricing.Apply(app); err != nil {
				return nil, err
			}
		}
		if app.SubmittedAt == nil && req.To != models.StatusDraft {
			app.SubmittedAt = &now
		}
		app.Status = req.To
		app.UpdatedAt = now
		rec = e.audit.Lifecycle(app, actor, from, req.To, "override: "+req.Note)
	} else {
		ev, ok := statemachine.EventBetween(from, req.To)
		if !ok {
			return nil, errors.NewInvalidTransitionError(string(from), string(req.To), string(actor.Role))
		}
		rec, err = e.transition(app, ev, actor, req.Note, now)
		if err != nil {
			return nil, err
		}
	}

	cs := &store.ChangeSet{Application: app, ExpectedVersion: expected, Audit: []models.AuditRecord{rec}}
	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, err
	}

	e.logger.Warn("application status forced", map[string]interface{}{
		"applicationId": app.ID,
		"from":          from,
		"to":            app.Status,
		"override":      req.Override,
		"actorId":       actor.ID,
		"note":          req.Note,
	})
	e.announce(ctx, app, from, actor)
	return app, nil
}

// UpdateAdminNotes replaces the staff notes. Status is never touched.
func (e *Engine) UpdateAdminNotes(ctx context.Context, actor models.Actor, applicationID, notes string, expectedVersion int64) (app *models.Application, err error) {
	ctx, done := e.begin(ctx, "update_admin_notes", map[string]string{"applicationId": applicationID})
	defer done(&err)

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	app, err = e.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(app, expectedVersion); err != nil {
		return nil, err
	}

	expected := app.Version
	app.AdminNotes = notes
	app.UpdatedAt = e.now()
	cs := &store.ChangeSet{
		Application:     app,
		ExpectedVersion: expected,
		Audit:           []models.AuditRecord{e.audit.AdminNotes(app, actor, notes)},
	}
	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, err
	}
	e.project(ctx, app)
	return app, nil
}

// GetApplication reads one application. Owners see only their own.
func (e *Engine) GetApplication(ctx context.Context, actor models.Actor, applicationID string) (*models.Application, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	app, err := e.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if err := canRead(app, actor); err != nil {
		return nil, err
	}
	return app, nil
}

// AuditTrail returns the ordered audit trail of an application. Owners get
// audit.ForOwner: no staff notes and no processor text.
func (e *Engine) AuditTrail(ctx context.Context, actor models.Actor, applicationID string) ([]models.AuditRecord, error) {
	if _, err := e.GetApplication(ctx, actor, applicationID); err != nil {
		return nil, err
	}
	trail, err := e.store.ListAudit(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleOwner {
		return audit.ForOwner(trail), nil
	}
	return trail, nil
}

// Preview is a priced selection that was not saved.
type Preview struct {
	TierID     string                  `json:"tierId"`
	TierPrice  decimal.Decimal         `json:"tierPrice"`
	Selections []models.AddOnSelection `json:"selections"`
	Totals     pricing.Totals          `json:"totals"`
	Currency   string                  `json:"currency"`
}

// PreviewPricing prices a tier and add-on set at current catalog prices
// through the same calculator used for applications.
func (e *Engine) PreviewPricing(ctx context.Context, tierID string, changes []pricing.Change) (p *Preview, err error) {
	ctx, done := e.begin(ctx, "preview_pricing", map[string]string{"tierId": tierID})
	defer done(&err)

	tier, err := e.tier(ctx, tierID)
	if err != nil {
		return nil, err
	}
	selections, err := pricing.ApplyChanges(ctx, nil, changes, e.addonPrice)
	if err != nil {
		return nil, err
	}
	tierPrice := pricing.Round(tier.BasePrice)
	totals, err := pricing.Calculate(tierPrice, selections)
	if err != nil {
		return nil, err
	}
	return &Preview{TierID: tier.ID, TierPrice: tierPrice, Selections: selections, Totals: totals, Currency: e.cfg.Currency}, nil
}

// loadForOwnerEdit loads a draft the actor owns.
func (e *Engine) loadForOwnerEdit(ctx context.Context, actor models.Actor, applicationID, op string) (*models.Application, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	app, err := e.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(app, actor); err != nil {
		return nil, err
	}
	if app.Status != models.StatusDraft {
		return nil, errors.NewInvalidTransitionError(string(app.Status), op, string(actor.Role)).
			WithMetadata("reason", "selections are editable only while draft")
	}
	return app, nil
}

func (e *Engine) tier(ctx context.Context, id string) (*models.ServiceTier, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.NewValidationError("tierId is required")
	}
	tier, err := e.catalog.Tier(ctx, id)
	if stderrors.Is(err, errors.ErrNotFound) {
		return nil, errors.NewValidationErrorf("unknown service tier %q", id)
	}
	if err != nil {
		return nil, err
	}
	if !tier.Active {
		return nil, errors.NewValidationErrorf("service tier %q is not available", id)
	}
	if tier.BasePrice.IsNegative() {
		return nil, errors.NewValidationErrorf("service tier %q has a negative price", id)
	}
	return tier, nil
}

func (e *Engine) addonPrice(ctx context.Context, id string) (decimal.Decimal, error) {
	addon, err := e.catalog.AddOn(ctx, id)
	if stderrors.Is(err, errors.ErrNotFound) {
		return decimal.Zero, errors.NewValidationErrorf("unknown add-on %q", id)
	}
	if err != nil {
		return decimal.Zero, err
	}
	if !addon.Active {
		return decimal.Zero, errors.NewValidationErrorf("add-on %q is not available", id)
	}
	return addon.UnitPrice, nil
}

func (e *Engine) referenceNumber() string {
	id := strings.ToUpper(strings.ReplaceAll(e.newID(), "-", ""))
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%d-%s", e.cfg.ReferencePrefix, e.now().Year(), id)
}
