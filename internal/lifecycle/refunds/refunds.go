// Package refunds holds refund eligibility, review and reconciliation rules.
package refunds

import (
	"fmt"
	"math"
	"time"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/lifecycle/payments"
	"application-lifecycle/internal/models"
)

const day = 24 * time.Hour

// Reasons an application is not eligible for a self-service refund.
const (
	ReasonNotPaid        = "the application has no completed payment"
	ReasonWindowClosed   = "the refund window has closed"
	ReasonAlreadyGranted = "a refund has already been granted"
	ReasonPending        = "a refund request is already pending review"
)

// Eligibility is the self-service refund check at a point in time.
type Eligibility struct {
	Eligible      bool            `json:"eligible"`
	DaysRemaining int             `json:"daysRemaining"`
	Reason        string          `json:"reason,omitempty"`
	PaidAt        *time.Time      `json:"paidAt,omitempty"`
	Payment       *models.Payment `json:"-"`
}

// Evaluate decides whether the owner may request a refund at now. The window
// is counted from the payment completion time.
func Evaluate(app *models.Application, attempts []models.Payment, requests []models.RefundRequest, now time.Time, window time.Duration) Eligibility {
	paid := payments.CompletedAttempt(attempts)
	if paid == nil || app.PaymentStatus != models.PaymentStatusPaid {
		return Eligibility{Reason: ReasonNotPaid}
	}

	e := Eligibility{
		PaidAt:        paid.CompletedAt,
		Payment:       paid,
		DaysRemaining: DaysRemaining(*paid.CompletedAt, now, window),
	}

	for _, r := range requests {
		switch {
		case r.Status.Granted():
			e.Reason = ReasonAlreadyGranted
			return e
		case r.Status == models.RefundPending:
			e.Reason = ReasonPending
			return e
		}
	}
	if now.Sub(*paid.CompletedAt) > window {
		e.Reason = ReasonWindowClosed
		e.DaysRemaining = 0
		return e
	}

	e.Eligible = true
	return e
}

// DaysRemaining is max(0, windowDays - whole days elapsed since paidAt).
func DaysRemaining(paidAt, now time.Time, window time.Duration) int {
	windowDays := int(window / day)
	elapsed := now.Sub(paidAt)
	if elapsed < 0 {
		return windowDays
	}
	days := int(math.Floor(float64(elapsed) / float64(day)))
	if remaining := windowDays - days; remaining > 0 {
		return remaining
	}
	return 0
}

// Decision is a staff review outcome.
type Decision string

const (
	DecisionApprove Decision = "approved"
	DecisionReject  Decision = "rejected"
)

// Review applies a staff decision to a pending request and returns the
// updated copy. Decided requests are never reopened.
func Review(req *models.RefundRequest, decision Decision, reviewer models.Actor, note string, now time.Time) (*models.RefundRequest, error) {
	if reviewer.Role != models.RoleStaff {
		return nil, errors.NewForbiddenError("only staff may review refund requests")
	}
	if note == "" {
		return nil, errors.NewValidationError("a note is required for refund decisions")
	}

	var to models.RefundStatus
	switch decision {
	case DecisionApprove:
		to = models.RefundApproved
	case DecisionReject:
		to = models.RefundRejected
	default:
		return nil, errors.NewValidationErrorf("decision must be %q or %q", DecisionApprove, DecisionReject)
	}

	if req.Status != models.RefundPending {
		return nil, errors.NewInvalidTransitionError(string(req.Status), string(to), string(reviewer.Role)).
			WithMetadata("refundId", req.ID)
	}

	out := req.Clone()
	out.Status = to
	reviewerID := reviewer.ID
	out.ReviewedBy = &reviewerID
	out.ReviewedAt = &now
	out.ReviewNote = note
	return out, nil
}

// Verdict is the reconciliation result for one approved request.
type Verdict int

const (
	// VerdictWait means the processor has not confirmed yet but the grace period is still running.
	VerdictWait Verdict = iota
	// VerdictConfirmed means the processor reversed the payment.
	VerdictConfirmed
	// VerdictMismatch means the processor disagrees or stayed silent past the grace period.
	VerdictMismatch
)

// Mismatch kinds. Staff are alerted once per request and kind.
const (
	MismatchReversalFailed      = "reversal_failed"
	MismatchReversalUnconfirmed = "reversal_unconfirmed"
)

// MismatchKind classifies a mismatch verdict reached for state.
func MismatchKind(state models.ReversalState) string {
	if state == models.ReversalFailed {
		return MismatchReversalFailed
	}
	return MismatchReversalUnconfirmed
}

// AlreadyAlerted reports whether staff were told about this kind of mismatch.
func AlreadyAlerted(req *models.RefundRequest, kind string) bool {
	return req.MismatchAlertedAt != nil && req.MismatchKind == kind
}

// Assess compares an approved request with the processor's reversal state.
func Assess(req *models.RefundRequest, state models.ReversalState, now time.Time, grace time.Duration) (Verdict, string) {
	switch state {
	case models.ReversalSucceeded:
		return VerdictConfirmed, ""
	case models.ReversalFailed:
		return VerdictMismatch, "processor reports the reversal failed"
	}

	approvedAt := req.RequestedAt
	if req.ReviewedAt != nil {
		approvedAt = *req.ReviewedAt
	}
	if now.Sub(approvedAt) > grace {
		return VerdictMismatch, fmt.Sprintf("processor has not confirmed the reversal %s after approval (state %s)",
			now.Sub(approvedAt).Truncate(time.Minute), state)
	}
	return VerdictWait, ""
}
