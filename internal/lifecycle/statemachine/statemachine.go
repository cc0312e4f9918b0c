// Package statemachine holds the legal lifecycle transitions of an application.
package statemachine

import (
	"fmt"

	"application-lifecycle/internal/common/errors"
	"application-lifecycle/internal/models"
)

// Event drives a lifecycle transition.
type Event string

const (
	EventSubmit           Event = "submit"
	EventPaymentInitiated Event = "payment_initiated"
	EventPaymentCompleted Event = "payment_completed"
	EventPaymentFailed    Event = "payment_failed"
	EventApprove          Event = "approve"
	EventReject           Event = "reject"
	EventComplete         Event = "complete"
	EventCancel           Event = "cancel"
)

// Guard carries the facts a transition depends on besides state and role.
type Guard struct {
	PaymentStatus models.PaymentStatus
	TierSelected  bool
	HasNote       bool
}

// Edge is one row of the transition table.
type Edge struct {
	From  models.Status
	Event Event
	To    models.Status
	Roles []models.Role
	// NoteRequired is true when the roles of this edge must justify the change.
	NoteRequired bool
}

var (
	ownerOnly  = []models.Role{models.RoleOwner}
	systemOnly = []models.Role{models.RoleSystem}
	staffOnly  = []models.Role{models.RoleStaff}
)

var table = []Edge{
	{From: models.StatusDraft, Event: EventSubmit, To: models.StatusSubmitted, Roles: ownerOnly},
	{From: models.StatusSubmitted, Event: EventPaymentInitiated, To: models.StatusPaymentPending, Roles: systemOnly},
	{From: models.StatusPaymentPending, Event: EventPaymentCompleted, To: models.StatusUnderReview, Roles: systemOnly},
	{From: models.StatusPaymentPending, Event: EventPaymentFailed, To: models.StatusSubmitted, Roles: systemOnly},
	{From: models.StatusUnderReview, Event: EventApprove, To: models.StatusApproved, Roles: staffOnly},
	{From: models.StatusUnderReview, Event: EventReject, To: models.StatusRejected, Roles: staffOnly, NoteRequired: true},
	{From: models.StatusApproved, Event: EventComplete, To: models.StatusCompleted, Roles: staffOnly},
}

// Edges returns the full transition table, cancel edges included. The owner
// cancel edge is further guarded by payment status (see cancel).
func Edges() []Edge {
	out := append([]Edge(nil), table...)
	for _, s := range models.AllStatuses {
		if s.IsTerminal() {
			continue
		}
		out = append(out,
			Edge{From: s, Event: EventCancel, To: models.StatusCancelled, Roles: ownerOnly},
			Edge{From: s, Event: EventCancel, To: models.StatusCancelled, Roles: staffOnly, NoteRequired: true},
		)
	}
	return out
}

// Transition returns the status reached by applying ev to from as role, or an
// InvalidTransition error. It never mutates anything.
func Transition(from models.Status, ev Event, role models.Role, g Guard) (models.Status, error) {
	if !from.Valid() {
		return from, errors.NewValidationErrorf("unknown status %q", from)
	}

	if ev == EventCancel {
		return cancel(from, role, g)
	}

	for _, e := range table {
		if e.From != from || e.Event != ev {
			continue
		}
		if !allowed(e.Roles, role) {
			return from, reject(from, ev, role)
		}
		if e.NoteRequired && !g.HasNote {
			return from, errors.NewValidationErrorf("a note is required to %s an application", ev)
		}
		if ev == EventSubmit && !g.TierSelected {
			return from, errors.NewValidationError("a service tier must be selected before submission")
		}
		return e.To, nil
	}
	return from, reject(from, ev, role)
}

// Any non-terminal state may be cancelled by the owner or staff while the
// application is unpaid. Once paid, only staff may cancel. Staff always
// need a note.
func cancel(from models.Status, role models.Role, g Guard) (models.Status, error) {
	if from.IsTerminal() {
		return from, reject(from, EventCancel, role)
	}
	switch role {
	case models.RoleOwner:
		if g.PaymentStatus == models.PaymentStatusPaid {
			return from, reject(from, EventCancel, role)
		}
	case models.RoleStaff:
	default:
		return from, reject(from, EventCancel, role)
	}
	if RequiresNote(EventCancel, role) && !g.HasNote {
		return from, errors.NewValidationError("a note is required to cancel an application")
	}
	return models.StatusCancelled, nil
}

// EventBetween finds the event whose edge joins from and to.
func EventBetween(from, to models.Status) (Event, bool) {
	for _, e := range Edges() {
		if e.From == from && e.To == to {
			return e.Event, true
		}
	}
	return "", false
}

// RequiresNote reports whether role must supply a note to fire ev.
func RequiresNote(ev Event, role models.Role) bool {
	for _, e := range Edges() {
		if e.Event == ev && e.NoteRequired && allowed(e.Roles, role) {
			return true
		}
	}
	return false
}

// Validate reports whether ev is a known event.
func (ev Event) Validate() error {
	switch ev {
	case EventSubmit, EventPaymentInitiated, EventPaymentCompleted, EventPaymentFailed,
		EventApprove, EventReject, EventComplete, EventCancel:
		return nil
	}
	return errors.NewValidationError(fmt.Sprintf("unknown event %q", string(ev)))
}

func allowed(roles []models.Role, role models.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func reject(from models.Status, ev Event, role models.Role) error {
	return errors.NewInvalidTransitionError(string(from), string(ev), string(role))
}
