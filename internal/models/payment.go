package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment is one payment attempt, keyed by the processor's external reference.
type Payment struct {
	ID                string          `json:"id"`
	ApplicationID     string          `json:"applicationId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Processor         string          `json:"processor"`
	ExternalReference string          `json:"externalReference"`
	Status            PaymentOutcome  `json:"status"`
	FailureReason     string          `json:"failureReason,omitempty"`
	CheckoutURL       string          `json:"checkoutUrl,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	cp := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// RefundRequest is a request to reverse the completed payment of an application.
type RefundRequest struct {
	ID                   string          `json:"id"`
	ApplicationID        string          `json:"applicationId"`
	PaymentID            string          `json:"paymentId"`
	Amount               decimal.Decimal `json:"amount"`
	Reason               string          `json:"reason,omitempty"`
	Status               RefundStatus    `json:"status"`
	RequestedBy          string          `json:"requestedBy"`
	RequestedAt          time.Time       `json:"requestedAt"`
	Justification        string          `json:"justification,omitempty"`
	ReviewedBy           *string         `json:"reviewedBy,omitempty"`
	ReviewedAt           *time.Time      `json:"reviewedAt,omitempty"`
	ReviewNote           string          `json:"reviewNote,omitempty"`
	ProcessorConfirmedAt *time.Time      `json:"processorConfirmedAt,omitempty"`
	MismatchKind         string          `json:"mismatchKind,omitempty"`
	MismatchAlertedAt    *time.Time      `json:"mismatchAlertedAt,omitempty"`
	Version              int64           `json:"version"`
}

func (r *RefundRequest) Clone() *RefundRequest {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ReviewedBy != nil {
		s := *r.ReviewedBy
		cp.ReviewedBy = &s
	}
	if r.ReviewedAt != nil {
		t := *r.ReviewedAt
		cp.ReviewedAt = &t
	}
	if r.ProcessorConfirmedAt != nil {
		t := *r.ProcessorConfirmedAt
		cp.ProcessorConfirmedAt = &t
	}
	if r.MismatchAlertedAt != nil {
		t := *r.MismatchAlertedAt
		cp.MismatchAlertedAt = &t
	}
	return &cp
}

// ReversalState is the processor's view of a refund reversal.
type ReversalState string

const (
	ReversalSucceeded ReversalState = "succeeded"
	ReversalPending   ReversalState = "pending"
	ReversalFailed    ReversalState = "failed"
	ReversalUnknown   ReversalState = "unknown"
)

// CheckoutRequest asks a processor to open a checkout for an application's
// frozen total. IdempotencyKey is the local payment id.
type CheckoutRequest struct {
	Processor       string          `json:"processor"`
	ApplicationID   string          `json:"applicationId"`
	ReferenceNumber string          `json:"referenceNumber"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	IdempotencyKey  string          `json:"idempotencyKey"`
}

// Checkout is the processor's answer to a CheckoutRequest.
type Checkout struct {
	ExternalReference string `json:"externalReference"`
	CheckoutURL       string `json:"checkoutUrl"`
}

// ReversalRequest asks a processor to reverse a completed payment.
type ReversalRequest struct {
	Processor         string          `json:"processor"`
	ExternalReference string          `json:"externalReference"`
	RefundID          string          `json:"refundId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
}
