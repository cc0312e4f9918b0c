package service

import (
	"context"
	"fmt"

	"application-lifecycle/internal/lifecycle/audit"
	"application-lifecycle/internal/lifecycle/payments"
	"application-lifecycle/internal/lifecycle/pricing"
	"application-lifecycle/internal/models"
)

// VerifyReport compares the stored derived fields of an application with
// values recomputed from its selections, payments and audit trail.
type VerifyReport struct {
	ApplicationID        string               `json:"applicationId"`
	StoredStatus         models.Status        `json:"storedStatus"`
	ReplayedStatus       models.Status        `json:"replayedStatus"`
	StoredPaymentStatus  models.PaymentStatus `json:"storedPaymentStatus"`
	DerivedPaymentStatus models.PaymentStatus `json:"derivedPaymentStatus"`
	ExpectedTotals       pricing.Totals       `json:"expectedTotals"`
	Drift                []string             `json:"drift"`
}

// Consistent reports whether nothing drifted.
func (r *VerifyReport) Consistent() bool { return len(r.Drift) == 0 }

// Verify recomputes everything derived about an application.
func (e *Engine) Verify(ctx context.Context, applicationID string) (report *VerifyReport, err error) {
	ctx, done := e.begin(ctx, "verify", map[string]string{"applicationId": applicationID})
	defer done(&err)

	app, err := e.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	attempts, requests, err := e.paymentHistory(ctx, app.ID)
	if err != nil {
		return nil, err
	}
	trail, err := e.store.ListAudit(ctx, app.ID)
	if err != nil {
		return nil, err
	}

	report = &VerifyReport{
		ApplicationID:       app.ID,
		StoredStatus:        app.Status,
		StoredPaymentStatus: app.PaymentStatus,
		Drift:               []string{},
	}
	drift := func(format string, args ...interface{}) {
		report.Drift = append(report.Drift, fmt.Sprintf(format, args...))
	}

	totals, ok, err := pricing.Matches(app)
	switch {
	case err != nil:
		drift("selections cannot be priced: %v", err)
	case !ok:
		drift("stored totals %s/%s/%s, recomputed %s/%s/%s",
			app.AddonTotal.StringFixed(pricing.MoneyPlaces), app.Subtotal.StringFixed(pricing.MoneyPlaces), app.TotalAmount.StringFixed(pricing.MoneyPlaces),
			totals.AddonTotal.StringFixed(pricing.MoneyPlaces), totals.Subtotal.StringFixed(pricing.MoneyPlaces), totals.Total.StringFixed(pricing.MoneyPlaces))
	}
	report.ExpectedTotals = totals

	replayed, err := audit.ReplayStatus(trail)
	if err != nil {
		drift("audit trail does not replay: %v", err)
	} else if replayed != app.Status {
		drift("stored status %s, audit trail replays to %s", app.Status, replayed)
	}
	report.ReplayedStatus = replayed

	report.DerivedPaymentStatus = payments.DeriveStatus(attempts, requests)
	if report.DerivedPaymentStatus != app.PaymentStatus {
		drift("stored payment status %s, payments derive %s", app.PaymentStatus, report.DerivedPaymentStatus)
	}

	outcomes := audit.ReplayPayments(trail)
	for _, p := range attempts {
		if got, ok := outcomes[p.ID]; !ok || got != p.Status {
			drift("payment %s is %s, audit trail has %q", p.ID, p.Status, got)
		}
	}
	refundStates := audit.ReplayRefunds(trail)
	for _, r := range requests {
		if got, ok := refundStates[r.ID]; !ok || got != r.Status {
			drift("refund %s is %s, audit trail has %q", r.ID, r.Status, got)
		}
	}

	if !report.Consistent() {
		e.logger.Warn("application drift detected", map[string]interface{}{
			"applicationId": app.ID,
			"drift":         report.Drift,
		})
	}
	return report, nil
}
