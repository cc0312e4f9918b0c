// Package payments decides how a processor outcome notification applies to a
// payment attempt and its application.
package payments

import (
	"fmt"
	"strings"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/models"

	"github.com/shopspring/decimal"
)

// Notification is an inbound outcome report from a payment processor.
type Notification struct {
	ExternalReference string                `json:"externalReference"`
	Outcome           models.PaymentOutcome `json:"outcome"`
	Amount            decimal.Decimal       `json:"amount"`
	Currency          string                `json:"currency"`
	// Reason is the processor's own failure text, kept verbatim.
	Reason string `json:"reason,omitempty"`
}

// Validate rejects malformed notifications. Refunds are never accepted from a
// gateway; they are driven by refund review only.
func (n Notification) Validate() error {
	if strings.TrimSpace(n.ExternalReference) == "" {
		return errors.NewValidationError("externalReference is required")
	}
	switch n.Outcome {
	case models.OutcomeCompleted, models.OutcomeFailed:
	case models.OutcomeRefunded:
		return errors.NewValidationError("refunded outcomes are not accepted from payment processors")
	default:
		return errors.NewValidationErrorf("unsupported outcome %q", n.Outcome)
	}
	if n.Amount.IsNegative() {
		return errors.NewValidationError("amount must not be negative")
	}
	if len(n.Currency) != 3 {
		return errors.NewValidationErrorf("currency must be a three-letter code, got %q", n.Currency)
	}
	return nil
}

// Action is what applying a notification does.
type Action int

const (
	// ActionNoop means the outcome was already applied.
	ActionNoop Action = iota
	// ActionComplete marks the attempt completed and advances the application to review.
	ActionComplete
	// ActionFail marks the attempt failed and lets the owner retry.
	ActionFail
	// ActionMismatch marks the attempt failed because amount or currency disagree.
	ActionMismatch
	// ActionUnexpectedCompletion records money received outside payment_pending.
	ActionUnexpectedCompletion
	// ActionDuplicateCharge records a second successful charge on a paid application.
	ActionDuplicateCharge
)

func (a Action) String() string {
	switch a {
	case ActionNoop:
		return "noop"
	case ActionComplete:
		return "completed"
	case ActionFail:
		return "failed"
	case ActionMismatch:
		return "mismatch"
	case ActionUnexpectedCompletion:
		return "unexpected_completion"
	case ActionDuplicateCharge:
		return "duplicate_charge"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Plan is the decision for one notification.
type Plan struct {
	Action Action
	// Reason is staff-facing text recorded on the attempt.
	Reason string
}

// Decide plans how n applies to attempt p of app.
func Decide(app *models.Application, p *models.Payment, n Notification) (Plan, error) {
	if p.Status.IsTerminal() {
		return decideRedelivery(app, p, n)
	}

	switch n.Outcome {
	case models.OutcomeFailed:
		return Plan{Action: ActionFail, Reason: n.Reason}, nil
	case models.OutcomeCompleted:
		if reason := Mismatch(app, n); reason != "" {
			return Plan{Action: ActionMismatch, Reason: reason}, nil
		}
		if app.PaymentStatus == models.PaymentStatusPaid || app.PaymentStatus == models.PaymentStatusRefunded {
			return Plan{Action: ActionDuplicateCharge, Reason: "application already paid; manual reversal required"}, nil
		}
		if app.Status != models.StatusPaymentPending {
			return Plan{
				Action: ActionUnexpectedCompletion,
				Reason: fmt.Sprintf("payment completed while application was %s", app.Status),
			}, nil
		}
		return Plan{Action: ActionComplete}, nil
	}
	return Plan{}, errors.NewValidationErrorf("unsupported outcome %q", n.Outcome)
}

// A resolved attempt only accepts the same outcome again, as a no-op. A
// completion that was recorded as a mismatch is the same delivery repeated.
func decideRedelivery(app *models.Application, p *models.Payment, n Notification) (Plan, error) {
	if p.Status == n.Outcome {
		return Plan{Action: ActionNoop}, nil
	}
	if p.Status == models.OutcomeFailed && n.Outcome == models.OutcomeCompleted && Mismatch(app, n) != "" {
		return Plan{Action: ActionNoop}, nil
	}
	if p.Status == models.OutcomeRefunded && n.Outcome == models.OutcomeCompleted {
		return Plan{Action: ActionNoop}, nil
	}
	return Plan{}, errors.NewInvalidTransitionError(string(p.Status), string(n.Outcome), string(models.RoleSystem)).
		WithMetadata("externalReference", p.ExternalReference)
}

// Mismatch returns the processor-visible reason the reported amount or
// currency disagrees with the frozen total, or "".
func Mismatch(app *models.Application, n Notification) string {
	var reasons []string
	if !strings.EqualFold(n.Currency, app.Currency) {
		reasons = append(reasons, fmt.Sprintf("currency mismatch: reported %s, expected %s", strings.ToUpper(n.Currency), app.Currency))
	}
	if !n.Amount.Round(2).Equal(app.TotalAmount) {
		reasons = append(reasons, fmt.Sprintf("amount mismatch: reported %s, expected %s", n.Amount.StringFixed(2), app.TotalAmount.StringFixed(2)))
	}
	if len(reasons) > 0 && n.Reason != "" {
		reasons = append(reasons, "processor: "+n.Reason)
	}
	return strings.Join(reasons, "; ")
}

// DeriveStatus recomputes the payment status of an application from its
// attempts and refund requests.
func DeriveStatus(attempts []models.Payment, refunds []models.RefundRequest) models.PaymentStatus {
	for _, r := range refunds {
		if r.Status.Granted() {
			return models.PaymentStatusRefunded
		}
	}

	var refunded, completed, pending, failed bool
	for _, p := range attempts {
		switch p.Status {
		case models.OutcomeRefunded:
			refunded = true
		case models.OutcomeCompleted:
			completed = true
		case models.OutcomePending:
			pending = true
		case models.OutcomeFailed:
			failed = true
		}
	}

	switch {
	case refunded:
		return models.PaymentStatusRefunded
	case completed:
		return models.PaymentStatusPaid
	case pending:
		return models.PaymentStatusPending
	case failed:
		return models.PaymentStatusFailed
	default:
		return models.PaymentStatusPending
	}
}

// CompletedAttempt returns the completed (or later refunded) attempt, if any.
func CompletedAttempt(attempts []models.Payment) *models.Payment {
	for i := range attempts {
		p := &attempts[i]
		if p.CompletedAt != nil && (p.Status == models.OutcomeCompleted || p.Status == models.OutcomeRefunded) {
			return p
		}
	}
	return nil
}

// HasOtherPending reports whether an attempt other than id is still pending.
func HasOtherPending(attempts []models.Payment, id string) bool {
	for _, p := range attempts {
		if p.ID != id && p.Status == models.OutcomePending {
			return true
		}
	}
	return false
}
