package models

import "fmt"

// Status is the lifecycle stage of an application.
type Status string

const (
	StatusDraft          Status = "draft"
	StatusSubmitted      Status = "submitted"
	StatusPaymentPending Status = "payment_pending"
	StatusUnderReview    Status = "under_review"
	StatusApproved       Status = "approved"
	StatusRejected       Status = "rejected"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// AllStatuses lists every lifecycle status in lifecycle order.
var AllStatuses = []Status{
	StatusDraft, StatusSubmitted, StatusPaymentPending, StatusUnderReview,
	StatusApproved, StatusRejected, StatusCompleted, StatusCancelled,
}

// PaymentStatus is the payment outcome of an application as a whole.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

var AllPaymentStatuses = []PaymentStatus{
	PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded,
}

// PaymentOutcome is the state of a single payment attempt.
type PaymentOutcome string

const (
	OutcomePending   PaymentOutcome = "pending"
	OutcomeCompleted PaymentOutcome = "completed"
	OutcomeFailed    PaymentOutcome = "failed"
	OutcomeRefunded  PaymentOutcome = "refunded"
)

// RefundStatus is the review state of a refund request.
type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundApproved  RefundStatus = "approved"
	RefundRejected  RefundStatus = "rejected"
	RefundCompleted RefundStatus = "completed"
)

var AllRefundStatuses = []RefundStatus{
	RefundPending, RefundApproved, RefundRejected, RefundCompleted,
}

// Role is the authority an actor acts with.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleStaff  Role = "staff"
	RoleSystem Role = "system"
)

// Actor identifies who performs an operation. It is always passed explicitly.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for automatic transitions driven by payment events and
// reconciliation.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Display is the presentation metadata of a status badge.
type Display struct {
	Label    string `json:"label"`
	Tone     string `json:"tone"`
	Terminal bool   `json:"terminal"`
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusPaymentPending, StatusUnderReview,
		StatusApproved, StatusRejected, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Display() Display {
	switch s {
	case StatusDraft:
		return Display{Label: "Draft", Tone: "neutral"}
	case StatusSubmitted:
		return Display{Label: "Submitted", Tone: "info"}
	case StatusPaymentPending:
		return Display{Label: "Awaiting payment", Tone: "warning"}
	case StatusUnderReview:
		return Display{Label: "Under review", Tone: "info"}
	case StatusApproved:
		return Display{Label: "Approved", Tone: "success"}
	case StatusRejected:
		return Display{Label: "Rejected", Tone: "danger"}
	case StatusCompleted:
		return Display{Label: "Completed", Tone: "success", Terminal: true}
	case StatusCancelled:
		return Display{Label: "Cancelled", Tone: "neutral", Terminal: true}
	default:
		panic(fmt.Sprintf("models: unhandled status %q", string(s)))
	}
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

func (p PaymentStatus) Display() Display {
	switch p {
	case PaymentStatusPending:
		return Display{Label: "Payment pending", Tone: "warning"}
	case PaymentStatusPaid:
		return Display{Label: "Paid", Tone: "success"}
	case PaymentStatusFailed:
		return Display{Label: "Payment failed", Tone: "danger"}
	case PaymentStatusRefunded:
		return Display{Label: "Refunded", Tone: "neutral", Terminal: true}
	default:
		panic(fmt.Sprintf("models: unhandled payment status %q", string(p)))
	}
}

func (o PaymentOutcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeCompleted, OutcomeFailed, OutcomeRefunded:
		return true
	}
	return false
}

// IsTerminal reports whether the attempt has resolved.
func (o PaymentOutcome) IsTerminal() bool {
	return o != OutcomePending
}

func (r RefundStatus) Valid() bool {
	switch r {
	case RefundPending, RefundApproved, RefundRejected, RefundCompleted:
		return true
	}
	return false
}

func (r RefundStatus) Display() Display {
	switch r {
	case RefundPending:
		return Display{Label: "Refund requested", Tone: "warning"}
	case RefundApproved:
		return Display{Label: "Refund approved", Tone: "info"}
	case RefundRejected:
		return Display{Label: "Refund rejected", Tone: "danger", Terminal: true}
	case RefundCompleted:
		return Display{Label: "Refunded", Tone: "success", Terminal: true}
	default:
		panic(fmt.Sprintf("models: unhandled refund status %q", string(r)))
	}
}

// Granted reports whether the request has been approved, whether or not the
// processor reversal has been confirmed yet.
func (r RefundStatus) Granted() bool {
	return r == RefundApproved || r == RefundCompleted
}

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleStaff, RoleSystem:
		return true
	}
	return false
}
