package hosting

import (
	"fmt"
	"strings"
	"time"

	"github.com/warp/hosting-engine/generic"
)

type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

var cycleMonths = map[BillingCycle]int{
	CycleMonthly: 1,
	CycleYearly:  12,
}

func ParseBillingCycle(value string) (BillingCycle, error) {
	c := BillingCycle(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := cycleMonths[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidCycle, value)
	}
	return c, nil
}

func (c BillingCycle) String() string { return string(c) }

func (c BillingCycle) IsValid() bool {
	_, ok := cycleMonths[c]
	return ok
}

// Advance moves t forward by one cycle. Month ends clamp: Jan 31 + 1 month
// is the last day of February.
func (c BillingCycle) Advance(t time.Time) time.Time {
	return generic.AddMonthsClamped(t, cycleMonths[c])
}

// AdvanceOn moves t forward by one cycle onto the given billing day, so a
// clamped month does not shift later periods.
func (c BillingCycle) AdvanceOn(t time.Time, billingDay int) time.Time {
	return generic.AddMonthsOnDay(t, cycleMonths[c], billingDay)
}
