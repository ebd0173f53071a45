package hosting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Plan is a hosting offer. Gateway references are opaque to the core and
// empty when the plan is not sold through the gateway.
type Plan struct {
	ID           string
	Name         string
	MonthlyPrice decimal.Decimal
	YearlyPrice  decimal.NullDecimal

	CPU        int
	RAMMB      int
	DiskGB     int
	TransferGB int

	IsPublic bool

	GatewayProductID      string
	GatewayMonthlyPriceID string
	GatewayYearlyPriceID  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks prices are non-negative and limits positive.
func (p Plan) Validate() error {
	var problems []string
	if strings.TrimSpace(p.Name) == "" {
		problems = append(problems, "name is required")
	}
	if p.MonthlyPrice.IsNegative() {
		problems = append(problems, "monthly price must not be negative")
	}
	if p.YearlyPrice.Valid && p.YearlyPrice.Decimal.IsNegative() {
		problems = append(problems, "yearly price must not be negative")
	}
	for _, l := range []struct {
		name  string
		value int
	}{
		{"cpu", p.CPU},
		{"ram", p.RAMMB},
		{"disk", p.DiskGB},
		{"transfer", p.TransferGB},
	} {
		if l.value <= 0 {
			problems = append(problems, l.name+" must be positive")
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(problems, "; "))
	}
	return nil
}

// PriceFor returns the price of one cycle.
func (p Plan) PriceFor(c BillingCycle) (decimal.Decimal, error) {
	switch c {
	case CycleMonthly:
		return p.MonthlyPrice, nil
	case CycleYearly:
		if !p.YearlyPrice.Valid {
			return decimal.Zero, fmt.Errorf("%w: %s has no yearly price", ErrCycleUnavailable, p.Name)
		}
		return p.YearlyPrice.Decimal, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidCycle, c)
}

// GatewayPriceFor returns the recurring gateway price reference for a cycle.
func (p Plan) GatewayPriceFor(c BillingCycle) (string, error) {
	ref := p.GatewayMonthlyPriceID
	if c == CycleYearly {
		ref = p.GatewayYearlyPriceID
	}
	if ref == "" {
		return "", fmt.Errorf("%w: %s is not sold as a %s subscription", ErrCycleUnavailable, p.Name, c)
	}
	return ref, nil
}
