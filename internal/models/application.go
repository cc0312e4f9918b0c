// internal/models/application.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceTier is the base paid package an application is built on.
type ServiceTier struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	BasePrice decimal.Decimal `json:"basePrice"`
	Active    bool            `json:"active"`
}

// AddOnService is an optional catalog service sold in quantities.
type AddOnService struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	UnitPrice        decimal.Decimal `json:"unitPrice"`
	Category         string          `json:"category"`
	DeliveryEstimate string          `json:"deliveryEstimate,omitempty"`
	Featured         bool            `json:"featured"`
	Active           bool            `json:"active"`
}

// AddOnSelection is one add-on on an application. UnitPrice is captured when
// the add-on is first selected and never re-read from the catalog.
type AddOnSelection struct {
	AddOnID   string          `json:"addonId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type Application struct {
	ID              string           `json:"id"`
	ReferenceNumber string           `json:"referenceNumber"`
	OwnerID         string           `json:"ownerId"`
	TierID          string           `json:"tierId"`
	TierPrice       decimal.Decimal  `json:"tierPrice"`
	Selections      []AddOnSelection `json:"selections"`
	AddonTotal      decimal.Decimal  `json:"addonTotal"`
	Subtotal        decimal.Decimal  `json:"subtotal"`
	TotalAmount     decimal.Decimal  `json:"totalAmount"`
	Currency        string           `json:"currency"`
	Status          Status           `json:"status"`
	PaymentStatus   PaymentStatus    `json:"paymentStatus"`
	AdminNotes      string           `json:"adminNotes,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	SubmittedAt     *time.Time       `json:"submittedAt,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	Version         int64            `json:"version"`
}

// Clone returns a deep copy so callers never share the selections slice.
func (a *Application) Clone() *Application {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Selections = append([]AddOnSelection(nil), a.Selections...)
	if a.SubmittedAt != nil {
		t := *a.SubmittedAt
		cp.SubmittedAt = &t
	}
	return &cp
}
