package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)
	assert.Empty(t, reg.Validate())

	for _, taskType := range []string{"record-payment-outcome", "reconcile-refunds", "notify-status-change"} {
		a, ok := reg.Find(taskType)
		require.True(t, ok, taskType)
		assert.Equal(t, "completed", a.ImplementationStatus)
	}
	_, ok := reg.Find("validate-subscription")
	assert.False(t, ok)
}

func TestPaymentOutcomeSchema(t *testing.T) {
	s := MustInputValidator("record-payment-outcome")

	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"completed", `{"externalReference":"ch_1","outcome":"completed","amount":"809.00","currency":"USD"}`, true},
		{"failed with reason", `{"externalReference":"ch_1","outcome":"failed","amount":"809","currency":"usd","reason":"card declined"}`, true},
		{"refund from processor", `{"externalReference":"ch_1","outcome":"refunded","amount":"809.00","currency":"USD"}`, false},
		{"numeric amount", `{"externalReference":"ch_1","outcome":"completed","amount":809,"currency":"USD"}`, false},
		{"three decimals", `{"externalReference":"ch_1","outcome":"completed","amount":"809.001","currency":"USD"}`, false},
		{"missing reference", `{"outcome":"completed","amount":"809.00","currency":"USD"}`, false},
		{"unknown field", `{"externalReference":"ch_1","outcome":"completed","amount":"1","currency":"USD","tip":"5"}`, false},
		{"not json", `{`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.ValidateJSON([]byte(tt.doc))
			assert.Equal(t, tt.valid, res.Valid, res.GetErrorMessages())
		})
	}
}

func TestValidate_ReportsDuplicates(t *testing.T) {
	reg, err := Parse([]byte(`{"activities":[
		{"id":"a","taskType":"t","category":"payment","inputSchema":{"type":"object"}},
		{"id":"b","taskType":"t","category":"refund","inputSchema":{"type":"object"}},
		{"id":"c","taskType":"u","category":"application"}
	]}`))
	require.NoError(t, err)
	assert.Len(t, reg.Validate(), 2)
}

func TestValidate_RejectsBadContracts(t *testing.T) {
	reg, err := Parse([]byte(`{"activities":[
		{"id":"a","taskType":"a","category":"billing","inputSchema":{"type":"object"}},
		{"id":"b","taskType":"b","category":"refund","timeout":"soon","inputSchema":{"type":"object"}},
		{"id":"c","taskType":"c","category":"refund","retries":-1,"inputSchema":{"type":"object"}}
	]}`))
	require.NoError(t, err)
	errs := reg.Validate()
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0].Error(), "unknown category")
	assert.Contains(t, errs[1].Error(), "bad timeout")
	assert.Contains(t, errs[2].Error(), "retries")
}

func TestJobTimeout(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)
	a, ok := reg.Find("reconcile-refunds")
	require.True(t, ok)
	d, err := a.JobTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	d, err = (&Activity{ID: "x"}).JobTimeout()
	require.NoError(t, err)
	assert.Zero(t, d)
}
