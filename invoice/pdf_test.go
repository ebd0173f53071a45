package invoice

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hosting-engine/hosting"
)

func TestRender_ProducesPDF(t *testing.T) {
	// GIVEN: A subscription renewal
	at := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)
	r := Receipt{
		Issuer:   "Warp Hosting",
		PlanName: "Starter",
		Renewal: hosting.Renewal{
			ID: "0b5f3c1e-9d7a-4c55-8f1e-2a6b7c8d9e0f", ServiceID: "svc-1", AccountID: "acc-1",
			Reference: "in_1", Source: hosting.SourceSubscription, Amount: decimal.RequireFromString("19.9"),
			Cycle: hosting.CycleMonthly, PeriodStart: at, PeriodEnd: at.AddDate(0, 1, 0), CreatedAt: at,
		},
	}

	// WHEN: It is rendered
	out, err := Render(r)
	require.NoError(t, err)

	// THEN: The output is a PDF and the number is derived from the renewal
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	assert.Equal(t, "R-20260228-0b5f3c1e", r.Number())
	assert.Equal(t, "19.90 PLN", formatMoney(r.Renewal.Amount, "PLN"))
}
