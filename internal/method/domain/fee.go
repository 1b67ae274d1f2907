package domain

import "math"

// FeeFor computes the charge for amount under this config:
// fee = fixedFee + round(amount * pctFee), net = amount - fee.
// Percentage fees are rounded half away from zero so the breakdown stays in
// integral currency units.
func (c *MethodConfig) FeeFor(amount int64) FeeBreakdown {
	pct := int64(math.Round(float64(amount) * c.PercentFee))
	fee := c.FixedFee + pct
	return FeeBreakdown{
		Fee: fee,
		Net: amount - fee,
	}
}

// AllowsAmount reports whether amount falls inside the configured bounds.
// A zero MaxAmount means no upper bound.
func (c *MethodConfig) AllowsAmount(amount int64) bool {
	if amount <= 0 {
		return false
	}
	if amount < c.MinAmount {
		return false
	}
	if c.MaxAmount > 0 && amount > c.MaxAmount {
		return false
	}
	return true
}
