package saga

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paymentReceipt struct {
	PaymentID string
	Amount    float64
}

func TestStepOutputTypedLookup(t *testing.T) {
	inst := newInstance("i-ctx", "ctx_saga", map[string]any{"currency": "EUR"})
	inst.markRunning()

	inst.beginStep("pay")
	require.True(t, inst.completeStep("pay", paymentReceipt{PaymentID: "p-1", Amount: 42.5}, 0))

	ec := &ExecutionContext{inst: inst}

	receipt, ok := StepOutput[paymentReceipt](ec, "pay")
	require.True(t, ok)
	assert.Equal(t, "p-1", receipt.PaymentID)
	assert.Equal(t, 42.5, receipt.Amount)

	// Wrong type assertion fails cleanly.
	_, ok = StepOutput[string](ec, "pay")
	assert.False(t, ok)

	// Unknown step fails cleanly.
	_, ok = StepOutput[paymentReceipt](ec, "refund")
	assert.False(t, ok)

	// Plain context values flow through Get/Set.
	currency, ok := ec.Get("currency")
	require.True(t, ok)
	assert.Equal(t, "EUR", currency)

	ec.Set("locale", "de_DE")
	locale, ok := inst.ContextValue("locale")
	require.True(t, ok)
	assert.Equal(t, "de_DE", locale)
}

func TestExecutionContextIdentity(t *testing.T) {
	inst := newInstance("i-42", "checkout", nil)
	ec := &ExecutionContext{inst: inst}

	assert.Equal(t, "i-42", ec.InstanceID())
	assert.Equal(t, "checkout", ec.SagaName())
}
