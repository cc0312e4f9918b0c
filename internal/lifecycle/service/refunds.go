package service

import (
	"context"
	"fmt"
	"strings"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/common/metrics"
	"application-lifecycle/internal/lifecycle/payments"
	"application-lifecycle/internal/lifecycle/pricing"
	"application-lifecycle/internal/lifecycle/refunds"
	"application-lifecycle/internal/lifecycle/store"
	"application-lifecycle/internal/models"
)

// RefundInput opens a refund request. Staff filing on the owner's behalf
// must give a Justification.
type RefundInput struct {
	ApplicationID string
	Reason        string
	Justification string
}

// RefundEligibility reports whether the owner may request a refund now.
func (e *Engine) RefundEligibility(ctx context.Context, actor models.Actor, applicationID string) (*refunds.Eligibility, error) {
	app, err := e.GetApplication(ctx, actor, applicationID)
	if err != nil {
		return nil, err
	}
	attempts, requests, err := e.paymentHistory(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	elig := refunds.Evaluate(app, attempts, requests, e.now(), e.cfg.RefundWindow)
	return &elig, nil
}

// RequestRefund opens a pending refund request. Owners are held to the
// refund window; staff may file outside it with a justification.
func (e *Engine) RequestRefund(ctx context.Context, actor models.Actor, in RefundInput) (req *models.RefundRequest, err error) {
	ctx, done := e.begin(ctx, "request_refund", map[string]string{"applicationId": in.ApplicationID, "actorRole": string(actor.Role)})
	defer done(&err)

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	app, err := e.store.GetApplication(ctx, in.ApplicationID)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case models.RoleOwner:
		if err := requireOwner(app, actor); err != nil {
			return nil, err
		}
	case models.RoleStaff:
		if strings.TrimSpace(in.Justification) == "" {
			return nil, errors.NewValidationError("a justification is required for a refund filed by staff")
		}
	default:
		return nil, errors.NewForbiddenError("refunds are requested by the owner or staff")
	}

	attempts, requests, err := e.paymentHistory(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	elig := refunds.Evaluate(app, attempts, requests, now, e.cfg.RefundWindow)
	if !elig.Eligible && !staffMayOverride(actor, elig) {
		return nil, errors.NewRefundIneligibleError(elig.Reason, elig.DaysRemaining)
	}

	req = &models.RefundRequest{
		ID:            e.newID(),
		ApplicationID: app.ID,
		PaymentID:     elig.Payment.ID,
		Amount:        elig.Payment.Amount,
		Reason:        in.Reason,
		Status:        models.RefundPending,
		RequestedBy:   actor.ID,
		RequestedAt:   now,
		Justification: in.Justification,
	}
	note := in.Reason
	if actor.Role == models.RoleStaff {
		note = "on behalf of owner: " + in.Justification
	}

	expected := app.Version
	app.UpdatedAt = now
	cs := &store.ChangeSet{
		Application:     app,
		ExpectedVersion: expected,
		NewRefund:       req,
		Audit:           []models.AuditRecord{e.audit.Refund(req, actor, "", models.RefundPending, note)},
	}
	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, err
	}

	e.logger.Info("refund requested", map[string]interface{}{
		"applicationId": app.ID,
		"refundId":      req.ID,
		"paymentId":     req.PaymentID,
		"amount":        req.Amount.StringFixed(pricing.MoneyPlaces),
		"actorRole":     actor.Role,
		"daysRemaining": elig.DaysRemaining,
	})
	return req, nil
}

// Staff may file outside the window only. A paid payment and no open or
// granted request are still required.
func staffMayOverride(actor models.Actor, elig refunds.Eligibility) bool {
	return actor.Role == models.RoleStaff && elig.Payment != nil && elig.Reason == refunds.ReasonWindowClosed
}

// ReviewRefund records a staff decision on a pending request. Approval marks
// the payment refunded and asks the processor to reverse it; the reversal is
// confirmed later by reconciliation.
func (e *Engine) ReviewRefund(ctx context.Context, actor models.Actor, requestID string, decision refunds.Decision, note string) (req *models.RefundRequest, err error) {
	ctx, done := e.begin(ctx, "review_refund", map[string]string{"refundId": requestID, "decision": string(decision)})
	defer done(&err)

	if err := validateActor(actor); err != nil {
		return nil, err
	}
	current, err := e.store.GetRefundRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	req, err = refunds.Review(current, decision, actor, note, now)
	if err != nil {
		return nil, err
	}

	cs := &store.ChangeSet{
		UpdatedRefund:         req,
		ExpectedRefundVersion: current.Version,
		Audit:                 []models.AuditRecord{e.audit.Refund(req, actor, current.Status, req.Status, note)},
	}

	var (
		app  *models.Application
		paid *models.Payment
	)
	if req.Status == models.RefundApproved {
		app, err = e.store.GetApplication(ctx, req.ApplicationID)
		if err != nil {
			return nil, err
		}
		attempts, requests, err := e.paymentHistory(ctx, app.ID)
		if err != nil {
			return nil, err
		}
		paid = findPayment(attempts, req.PaymentID)
		if paid == nil || paid.Status != models.OutcomeCompleted {
			return nil, errors.NewRefundIneligibleError("the refunded payment is no longer completed", 0).
				WithMetadata("refundId", req.ID)
		}

		refunded := paid.Clone()
		refunded.Status = models.OutcomeRefunded
		refunded.UpdatedAt = now

		expected := app.Version
		app.PaymentStatus = payments.DeriveStatus(replacePayment(attempts, refunded), replaceRefund(requests, req))
		app.UpdatedAt = now

		cs.Application = app
		cs.ExpectedVersion = expected
		cs.UpdatedPayment = refunded
		cs.ExpectedPaymentStatus = models.OutcomeCompleted
		cs.Audit = append(cs.Audit, e.audit.Payment(refunded, actor, models.OutcomeCompleted, models.OutcomeRefunded, "refund "+req.ID))
	}

	if err := e.store.Commit(ctx, cs); err != nil {
		return nil, err
	}
	metrics.RefundDecisions.WithLabelValues(string(req.Status)).Inc()

	e.logger.Info("refund reviewed", map[string]interface{}{
		"refundId":      req.ID,
		"applicationId": req.ApplicationID,
		"decision":      req.Status,
		"reviewerId":    actor.ID,
	})

	if app != nil {
		e.requestReversal(ctx, app, paid, req)
		e.project(ctx, app)
	}
	return req, nil
}

// requestReversal asks the processor to reverse the payment. A failure leaves
// the approval in place for reconciliation to flag.
func (e *Engine) requestReversal(ctx context.Context, app *models.Application, paid *models.Payment, req *models.RefundRequest) {
	err := e.gateway.Reverse(ctx, models.ReversalRequest{
		Processor:         paid.Processor,
		ExternalReference: paid.ExternalReference,
		RefundID:          req.ID,
		Amount:            req.Amount,
		Currency:          paid.Currency,
	})
	if err == nil {
		return
	}
	e.logger.Error("payment reversal request failed", map[string]interface{}{
		"applicationId":     app.ID,
		"refundId":          req.ID,
		"paymentId":         paid.ID,
		"externalReference": paid.ExternalReference,
		"processor":         paid.Processor,
		"error":             err.Error(),
	})
	e.raise(ctx, models.Alert{
		Kind:          models.AlertReversalFailed,
		ApplicationID: app.ID,
		Subject:       "Payment reversal request failed for " + app.ReferenceNumber,
		Details:       err.Error(),
		Context: map[string]string{
			"refundId":          req.ID,
			"externalReference": paid.ExternalReference,
			"processor":         paid.Processor,
		},
	})
}

// RefundRequests lists the refund requests of an application.
func (e *Engine) RefundRequests(ctx context.Context, actor models.Actor, applicationID string) ([]models.RefundRequest, error) {
	if _, err := e.GetApplication(ctx, actor, applicationID); err != nil {
		return nil, err
	}
	return e.store.ListRefundRequests(ctx, applicationID)
}

// ReconcileMismatch is one approved refund the processor has not confirmed.
// Alerted is set only on the pass that raised the staff alert.
type ReconcileMismatch struct {
	RefundID      string `json:"refundId"`
	ApplicationID string `json:"applicationId"`
	Kind          string `json:"kind"`
	Reason        string `json:"reason"`
	Alerted       bool   `json:"alerted"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked    int                 `json:"checked"`
	Confirmed  int                 `json:"confirmed"`
	Waiting    int                 `json:"waiting"`
	Failed     int                 `json:"failed"`
	Mismatches []ReconcileMismatch `json:"mismatches"`
}

// ReconcileRefunds compares every approved refund with the processor.
// Confirmed reversals complete the request; disagreements and reversals
// still unconfirmed after the grace period are alerted and left as they are.
func (e *Engine) ReconcileRefunds(ctx context.Context) (report *ReconcileReport, err error) {
	ctx, done := e.begin(ctx, "reconcile_refunds", nil)
	defer done(&err)

	approved, err := e.store.ListRefundsByStatus(ctx, models.RefundApproved)
	if err != nil {
		return nil, err
	}

	report = &ReconcileReport{Mismatches: []ReconcileMismatch{}}
	for i := range approved {
		report.Checked++
		req := &approved[i]
		if err := e.reconcileOne(ctx, req, report); err != nil {
			report.Failed++
			e.logger.Error("refund reconciliation failed", map[string]interface{}{
				"refundId":      req.ID,
				"applicationId": req.ApplicationID,
				"error":         err.Error(),
			})
		}
	}

	e.logger.Info("refund reconciliation finished", map[string]interface{}{
		"checked":    report.Checked,
		"confirmed":  report.Confirmed,
		"waiting":    report.Waiting,
		"mismatches": len(report.Mismatches),
		"failed":     report.Failed,
	})
	return report, nil
}

func (e *Engine) reconcileOne(ctx context.Context, req *models.RefundRequest, report *ReconcileReport) error {
	attempts, err := e.store.ListPayments(ctx, req.ApplicationID)
	if err != nil {
		return err
	}
	paid := findPayment(attempts, req.PaymentID)
	if paid == nil {
		return errors.NewNotFoundError("payment", req.PaymentID)
	}

	state, err := e.gateway.ReversalStatus(ctx, paid.Processor, paid.ExternalReference)
	if err != nil {
		e.logger.Warn("reversal status unavailable", map[string]interface{}{
			"refundId":          req.ID,
			"externalReference": paid.ExternalReference,
			"error":             err.Error(),
		})
		state = models.ReversalUnknown
	}

	now := e.now()
	verdict, reason := refunds.Assess(req, state, now, e.cfg.ReconciliationGrace)
	switch verdict {
	case refunds.VerdictWait:
		report.Waiting++
		return nil

	case refunds.VerdictConfirmed:
		done := req.Clone()
		done.Status = models.RefundCompleted
		done.ProcessorConfirmedAt = &now
		cs := &store.ChangeSet{
			UpdatedRefund:         done,
			ExpectedRefundVersion: req.Version,
			Audit: []models.AuditRecord{
				e.audit.Refund(done, models.SystemActor, models.RefundApproved, models.RefundCompleted, "processor confirmed reversal"),
			},
		}
		if err := e.store.Commit(ctx, cs); err != nil {
			return err
		}
		report.Confirmed++
		return nil
	}

	kind := refunds.MismatchKind(state)
	entry := ReconcileMismatch{RefundID: req.ID, ApplicationID: req.ApplicationID, Kind: kind, Reason: reason}
	fields := map[string]interface{}{
		"refundId":          req.ID,
		"applicationId":     req.ApplicationID,
		"paymentId":         paid.ID,
		"externalReference": paid.ExternalReference,
		"processor":         paid.Processor,
		"reversalState":     state,
		"mismatchKind":      kind,
	}
	if refunds.AlreadyAlerted(req, kind) {
		fields["alertedAt"] = *req.MismatchAlertedAt
		e.logger.Warn("refund reconciliation mismatch still unresolved", fields)
		report.Mismatches = append(report.Mismatches, entry)
		return nil
	}

	marked := req.Clone()
	marked.MismatchKind = kind
	marked.MismatchAlertedAt = &now
	cs := &store.ChangeSet{
		UpdatedRefund:         marked,
		ExpectedRefundVersion: req.Version,
		Audit: []models.AuditRecord{
			e.audit.Refund(marked, models.SystemActor, req.Status, req.Status, "reconciliation mismatch: "+reason),
		},
	}
	if err := e.store.Commit(ctx, cs); err != nil {
		return err
	}

	mismatch := errors.NewReconciliationMismatchError(req.ID, reason)
	metrics.ReconciliationMismatches.Inc()
	fields["details"] = mismatch.Details
	e.logger.Error("refund reconciliation mismatch", fields)
	e.raise(ctx, models.Alert{
		Kind:          models.AlertReconciliationMismatch,
		ApplicationID: req.ApplicationID,
		Subject:       fmt.Sprintf("Refund %s is not confirmed by %s", req.ID, paid.Processor),
		Details:       reason,
		Context: map[string]string{
			"refundId":          req.ID,
			"externalReference": paid.ExternalReference,
			"reversalState":     string(state),
		},
		RaisedAt: now,
	})
	entry.Alerted = true
	report.Mismatches = append(report.Mismatches, entry)
	return nil
}

func (e *Engine) paymentHistory(ctx context.Context, applicationID string) ([]models.Payment, []models.RefundRequest, error) {
	attempts, err := e.store.ListPayments(ctx, applicationID)
	if err != nil {
		return nil, nil, err
	}
	requests, err := e.store.ListRefundRequests(ctx, applicationID)
	if err != nil {
		return nil, nil, err
	}
	return attempts, requests, nil
}

func findPayment(attempts []models.Payment, id string) *models.Payment {
	for i := range attempts {
		if attempts[i].ID == id {
			return &attempts[i]
		}
	}
	return nil
}

func replaceRefund(requests []models.RefundRequest, r *models.RefundRequest) []models.RefundRequest {
	out := make([]models.RefundRequest, 0, len(requests))
	for _, q := range requests {
		if q.ID == r.ID {
			out = append(out, *r)
			continue
		}
		out = append(out, q)
	}
	return out
}
