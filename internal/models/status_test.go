package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusDisplay_CoversEveryStatus(t *testing.T) {
	for _, s := range AllStatuses {
		t.Run(string(s), func(t *testing.T) {
			assert.True(t, s.Valid())
			d := s.Display()
			assert.NotEmpty(t, d.Label)
			assert.Equal(t, s.IsTerminal(), d.Terminal)
		})
	}
	assert.Panics(t, func() { Status("archived").Display() })
}

func TestPaymentStatusDisplay_CoversEveryStatus(t *testing.T) {
	for _, s := range AllPaymentStatuses {
		assert.True(t, s.Valid())
		assert.NotEmpty(t, s.Display().Label)
	}
	assert.False(t, PaymentStatus("chargeback").Valid())
}

func TestRefundStatusDisplay_CoversEveryStatus(t *testing.T) {
	for _, s := range AllRefundStatuses {
		assert.True(t, s.Valid())
		assert.NotEmpty(t, s.Display().Label)
	}
	assert.True(t, RefundApproved.Granted())
	assert.True(t, RefundCompleted.Granted())
	assert.False(t, RefundRejected.Granted())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("under_review")
	assert.NoError(t, err)
	assert.Equal(t, StatusUnderReview, s)

	_, err = ParseStatus("UNDER_REVIEW")
	assert.Error(t, err)
}

func TestApplicationClone_DoesNotShareSelections(t *testing.T) {
	a := &Application{Selections: []AddOnSelection{{AddOnID: "visa", Quantity: 1}}}
	cp := a.Clone()
	cp.Selections[0].Quantity = 5

	assert.Equal(t, 1, a.Selections[0].Quantity)
}
