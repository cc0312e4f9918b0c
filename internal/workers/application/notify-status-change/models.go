// internal/workers/application/notify-status-change/models.go
package notifystatuschange

type Input struct {
	ApplicationID   string `json:"applicationId"`
	ReferenceNumber string `json:"referenceNumber"`
	OwnerID         string `json:"ownerId"`
	From            string `json:"from"`
	To              string `json:"to"`
	PaymentStatus   string `json:"paymentStatus,omitempty"`
	ActorRole       string `json:"actorRole,omitempty"`
	OccurredAt      string `json:"occurredAt,omitempty"`
}

type Output struct {
	Published   bool   `json:"published"`
	PublishedAt string `json:"publishedAt,omitempty"`
}
