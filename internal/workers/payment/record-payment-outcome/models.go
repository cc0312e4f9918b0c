// internal/workers/payment/record-payment-outcome/models.go
package recordpaymentoutcome

// Input mirrors the processor notification carried by the payment workflow.
// Amount stays a string so no precision is lost on the way in.
type Input struct {
	ExternalReference string `json:"externalReference"`
	Outcome           string `json:"outcome"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	Reason            string `json:"reason,omitempty"`
}

type Output struct {
	ApplicationID string `json:"applicationId"`
	Action        string `json:"action"`
	Applied       bool   `json:"applied"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
}
