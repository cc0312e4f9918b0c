package service

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/lifecycle/payments"
	"application-lifecycle/internal/lifecycle/pricing"
	"application-lifecycle/internal/lifecycle/statemachine"
	"application-lifecycle/internal/lifecycle/store"
	"application-lifecycle/internal/models"
)

// StartPayment opens a checkout with processor for the frozen total and
// records a pending attempt. The first attempt moves the application to
// payment_pending; later attempts are retries.
func (e *Engine) StartPayment(ctx context.Context, actor models.Actor, applicationID, processor string) (p *models.Payment, err error) {
	ctx, done := e.begin(ctx, "start_payment", map[string]string{"applicationId": applicationID, "processor": processor})
	defer done(&err)

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	processor = strings.ToLower(strings.TrimSpace(processor))
	if processor == "" {
		return nil, errors.NewValidationError("processor is required")
	}
	app, err := e.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(app, actor); err != nil {
		return nil, err
	}
	if app.Status != models.StatusSubmitted && app.Status != models.StatusPaymentPending {
		return nil, errors.NewInvalidTransitionError(string(app.Status), string(statemachine.EventPaymentInitiated), string(actor.Role))
	}
	if app.PaymentStatus == models.PaymentStatusPaid || app.PaymentStatus == models.PaymentStatusRefunded {
		return nil, errors.NewInvalidTransitionError(string(app.PaymentStatus), string(statemachine.EventPaymentInitiated), string(actor.Role)).
			WithMetadata("reason", "application is already paid")
	}

	paymentID := e.newID()
	checkout, err := e.gateway.CreateCheckout(ctx, models.CheckoutRequest{
		Processor:       processor,
		ApplicationID:   app.ID,
		ReferenceNumber: app.ReferenceNumber,
		Amount:          app.TotalAmount,
		Currency:        app.Currency,
		IdempotencyKey:  paymentID,
	})
	if err != nil {
		return nil, err
	}
	if checkout.ExternalReference == "" {
		return nil, errors.NewExternalServiceError(processor, stderrors.New("checkout returned no external reference"))
	}

	now := e.now()
	p = &models.Payment{
		ID:                paymentID,
		ApplicationID:     app.ID,
		Amount:            app.TotalAmount,
		Currency:          app.Currency,
		Processor:         processor,
		ExternalReference: checkout.ExternalReference,
		Status:            models.OutcomePending,
		CheckoutURL:       checkout.CheckoutURL,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	attempts, err := e.store.ListPayments(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	refundList, err := e.store.ListRefundRequests(ctx, app.ID)
	if err != nil {
		return nil, err
	}

	from, expected := app.Status, app.Version
	cs := &store.ChangeSet{
		Application:     app,
		ExpectedVersion: expected,
		NewPayment:      p,
		Audit:           []models.AuditRecord{e.audit.Payment(p, actor, "", models.OutcomePending, "")},
	}
	if app.Status == models.StatusSubmitted {
		rec, err := e.transition(app, statemachine.EventPaymentInitiated, models.SystemActor, "", now)
		if err != nil {
			return nil, err
		}
		cs.Audit = append(cs.Audit, rec)
	}
	app.PaymentStatus = payments.DeriveStatus(append(attempts, *p), refundList)
	app.UpdatedAt = now

	if err := e.store.Commit(ctx, cs); err != nil {
		e.logger.Error("payment attempt not recorded after checkout", map[string]interface{}{
			"applicationId":     app.ID,
			"paymentId":         p.ID,
			"externalReference": p.ExternalReference,
			"processor":         processor,
			"error":             err.Error(),
		})
		return nil, err
	}

	e.logger.Info("payment attempt started", map[string]interface{}{
		"applicationId":     app.ID,
		"paymentId":         p.ID,
		"externalReference": p.ExternalReference,
		"processor":         processor,
		"amount":            p.Amount.StringFixed(pricing.MoneyPlaces),
	})
	if app.Status != from {
		e.announce(ctx, app, from, models.SystemActor)
	} else {
		e.project(ctx, app)
	}
	return p, nil
}

// PaymentResult reports how a notification was applied.
type PaymentResult struct {
	Action      payments.Action     `json:"-"`
	Outcome     string              `json:"action"`
	Applied     bool                `json:"applied"`
	Application *models.Application `json:"application"`
	Payment     *models.Payment     `json:"payment"`
}

// RecordPaymentOutcome applies a processor notification. It is idempotent per
// external reference: a repeated notification is a no-op. A mismatched
// completion is recorded and then reported as PaymentMismatch.
func (e *Engine) RecordPaymentOutcome(ctx context.Context, n payments.Notification) (res *PaymentResult, err error) {
	ctx, done := e.begin(ctx, "record_payment_outcome", map[string]string{
		"externalReference": n.ExternalReference,
		"outcome":           string(n.Outcome),
	})
	defer done(&err)

	if err := n.Validate(); err != nil {
		return nil, err
	}
	release, err := e.lock(ctx, "payment:"+n.ExternalReference)
	if err != nil {
		return nil, err
	}
	defer release()

	for attempt := 0; ; attempt++ {
		res, err = e.applyOutcome(ctx, n)
		if err == nil || !stderrors.Is(err, errors.ErrConflict) || attempt >= e.cfg.MaxConflictRetries {
			return res, err
		}
		e.logger.Debug("payment outcome lost a race, re-reading", map[string]interface{}{
			"externalReference": n.ExternalReference,
			"attempt":           attempt + 1,
		})
	}
}

func (e *Engine) applyOutcome(ctx context.Context, n payments.Notification) (*PaymentResult, error) {
	p, err := e.store.GetPaymentByReference(ctx, n.ExternalReference)
	if err != nil {
		return nil, err
	}
	app, err := e.store.GetApplication(ctx, p.ApplicationID)
	if err != nil {
		return nil, err
	}
	plan, err := payments.Decide(app, p, n)
	if err != nil {
		return nil, err
	}

	log := e.logger.WithFields(map[string]interface{}{
		"applicationId":     app.ID,
		"paymentId":         p.ID,
		"externalReference": p.ExternalReference,
		"processor":         p.Processor,
		"outcome":           n.Outcome,
		"action":            plan.Action.String(),
	})
	metrics.PaymentOutcomes.WithLabelValues(p.Processor, plan.Action.String()).Inc()

	if plan.Action == payments.ActionNoop {
		log.Info("duplicate payment notification ignored", nil)
		return &PaymentResult{Action: plan.Action, Outcome: plan.Action.String(), Application: app, Payment: p}, nil
	}

	attempts, err := e.store.ListPayments(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	refundList, err := e.store.ListRefundRequests(ctx, app.ID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	updated := p.Clone()
	updated.UpdatedAt = now
	switch plan.Action {
	case payments.ActionComplete, payments.ActionUnexpectedCompletion:
		updated.Status = models.OutcomeCompleted
		updated.CompletedAt = &now
	default:
		updated.Status = models.OutcomeFailed
		updated.FailureReason = plan.Reason
		if updated.FailureReason == "" {
			updated.FailureReason = "processor reported failure without a reason"
		}
	}

	from, expected := app.Status, app.Version
	cs := &store.ChangeSet{
		Application:           app,
		ExpectedVersion:       expected,
		UpdatedPayment:        updated,
		ExpectedPaymentStatus: p.Status,
		Audit:                 []models.AuditRecord{e.audit.Payment(updated, models.SystemActor, p.Status, updated.Status, updated.FailureReason)},
	}
	app.PaymentStatus = payments.DeriveStatus(replacePayment(attempts, updated), refundList)
	app.UpdatedAt = now

	var alert *models.Alert
	var outcomeErr error
	switch plan.Action {
	case payments.ActionComplete:
		rec, err := e.transition(app, statemachine.EventPaymentCompleted, models.SystemActor, "", now)
		if err != nil {
			return nil, err
		}
		cs.Audit = append(cs.Audit, rec)
	case payments.ActionFail:
		if app.Status == models.StatusPaymentPending && !payments.HasOtherPending(attempts, p.ID) {
			rec, err := e.transition(app, statemachine.EventPaymentFailed, models.SystemActor, "", now)
			if err != nil {
				return nil, err
			}
			cs.Audit = append(cs.Audit, rec)
		}
	case payments.ActionMismatch:
		alert = e.paymentAlert(models.AlertPaymentMismatch, "Payment amount or currency mismatch", app, updated, plan.Reason, n, now)
		outcomeErr = errors.NewPaymentMismatchError(p.ExternalReference, plan.Reason)
	case payments.ActionUnexpectedCompletion, payments.ActionDuplicateCharge:
		alert = e.paymentAlert(models.AlertUnexpectedPayment, "Unexpected payment received", app, updated, plan.Reason, n, now)
	}

	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"paymentStatus": app.PaymentStatus,
		"status":        app.Status,
		"reportedAt":    now.Format(time.RFC3339),
	}
	if plan.Reason != "" {
		fields["reason"] = plan.Reason
		log.Warn("payment outcome recorded with processor error", fields)
	} else {
		log.Info("payment outcome recorded", fields)
	}

	if alert != nil {
		e.raise(ctx, *alert)
	}
	if app.Status != from {
		e.announce(ctx, app, from, models.SystemActor)
	} else {
		e.project(ctx, app)
	}

	return &PaymentResult{
		Action:      plan.Action,
		Outcome:     plan.Action.String(),
		Applied:     true,
		Application: app,
		Payment:     updated,
	}, outcomeErr
}

func (e *Engine) paymentAlert(kind models.AlertKind, subject string, app *models.Application, p *models.Payment, reason string, n payments.Notification, at time.Time) *models.Alert {
	return &models.Alert{
		Kind:          kind,
		ApplicationID: app.ID,
		Subject:       subject + " for " + app.ReferenceNumber,
		Details:       reason,
		Context: map[string]string{
			"paymentId":         p.ID,
			"externalReference": p.ExternalReference,
			"processor":         p.Processor,
			"reportedAmount":    n.Amount.StringFixed(pricing.MoneyPlaces),
			"reportedCurrency":  strings.ToUpper(n.Currency),
			"expectedAmount":    app.TotalAmount.StringFixed(pricing.MoneyPlaces),
			"status":            string(app.Status),
		},
		RaisedAt: at,
	}
}

func replacePayment(attempts []models.Payment, p *models.Payment) []models.Payment {
	out := make([]models.Payment, 0, len(attempts))
	for _, a := range attempts {
		if a.ID == p.ID {
			out = append(out, *p)
			continue
		}
		out = append(out, a)
	}
	return out
}
