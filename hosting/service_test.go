package hosting_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hosting-engine/hosting"
)

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to hosting.Status
		allowed  bool
	}{
		{hosting.StatusActive, hosting.StatusActive, true},
		{hosting.StatusActive, hosting.StatusSuspended, true},
		{hosting.StatusActive, hosting.StatusCancelled, true},
		{hosting.StatusSuspended, hosting.StatusActive, true},
		{hosting.StatusSuspended, hosting.StatusCancelled, true},
		{hosting.StatusSuspended, hosting.StatusSuspended, false},
		{hosting.StatusCancelled, hosting.StatusActive, false},
		{hosting.StatusCancelled, hosting.StatusSuspended, false},
		{hosting.StatusCancelled, hosting.StatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestBillingCycle_AdvanceClampsMonthEnd(t *testing.T) {
	tests := []struct {
		name  string
		cycle hosting.BillingCycle
		from  time.Time
		want  time.Time
	}{
		{"monthly jan 31", hosting.CycleMonthly, date(2026, 1, 31), date(2026, 2, 28)},
		{"monthly leap year", hosting.CycleMonthly, date(2028, 1, 31), date(2028, 2, 29)},
		{"monthly mid month", hosting.CycleMonthly, date(2026, 3, 15), date(2026, 4, 15)},
		{"yearly leap day", hosting.CycleYearly, date(2028, 2, 29), date(2029, 2, 28)},
		{"yearly", hosting.CycleYearly, date(2026, 6, 1), date(2027, 6, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cycle.Advance(tt.from))
		})
	}
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestParseBillingCycle(t *testing.T) {
	c, err := hosting.ParseBillingCycle("yearly")
	require.NoError(t, err)
	assert.Equal(t, hosting.CycleYearly, c)

	_, err = hosting.ParseBillingCycle("weekly")
	assert.ErrorIs(t, err, hosting.ErrInvalidCycle)
}

func TestService_SuspendRequiresExpiry(t *testing.T) {
	// GIVEN: A fresh monthly service
	now := date(2026, 3, 1)
	svc, err := hosting.NewService("svc-1", "acc-1", "plan-1", hosting.CycleMonthly, now)
	require.NoError(t, err)

	// WHEN: Suspension is attempted before and after expiry
	early := svc.Suspend(now)
	late := svc.Suspend(svc.ExpiresAt().Add(time.Second))

	// THEN: Only the expired service is suspended
	assert.ErrorIs(t, early, hosting.ErrInvalidTransition)
	require.NoError(t, late)
	assert.Equal(t, hosting.StatusSuspended, svc.Status())
}

func TestService_ModeIsExclusive(t *testing.T) {
	// GIVEN: A manual service
	now := date(2026, 3, 1)
	svc, err := hosting.NewService("svc-1", "acc-1", "plan-1", hosting.CycleMonthly, now)
	require.NoError(t, err)
	assert.Equal(t, hosting.ModeManualOneOff, svc.Mode())

	// WHEN: Moving through every mode
	changed, err := svc.EnableAutoRenew(now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, hosting.ModeWalletAutoRenew, svc.Mode())

	require.NoError(t, svc.AttachSubscription("sub_1", now))
	assert.Equal(t, hosting.ModeRecurringSubscription, svc.Mode())

	// THEN: autoRenew and the subscription never coexist
	assert.False(t, svc.AutoRenew())
	_, err = svc.EnableAutoRenew(now)
	assert.ErrorIs(t, err, hosting.ErrConflictingBillingMode)
	assert.False(t, svc.DetachSubscription("sub_other", now))
	assert.True(t, svc.DetachSubscription("sub_1", now))
	assert.Equal(t, hosting.ModeManualOneOff, svc.Mode())
}

func TestReconstructService_RejectsBothModes(t *testing.T) {
	now := date(2026, 3, 1)
	_, err := hosting.ReconstructService("svc-1", "acc-1", "plan-1", hosting.StatusActive,
		hosting.CycleMonthly, now, 1, true, "sub_1", nil, "", 1, now, now)
	assert.ErrorIs(t, err, hosting.ErrConflictingBillingMode)
}
